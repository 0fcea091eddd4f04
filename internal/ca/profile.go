package ca

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// Profile は接続プロファイルから解決した認証局の接続情報。
type Profile struct {
	URL       string
	CAName    string
	TLSRoot   []byte
	VerifyTLS bool
}

type connectionProfile struct {
	CertificateAuthorities map[string]struct {
		URL        string `yaml:"url"`
		CAName     string `yaml:"caName"`
		TLSCACerts struct {
			PEM  yamlPEM `yaml:"pem"`
			Path string  `yaml:"path"`
		} `yaml:"tlsCACerts"`
		HTTPOptions struct {
			Verify *bool `yaml:"verify"`
		} `yaml:"httpOptions"`
	} `yaml:"certificateAuthorities"`
}

// yamlPEM は pem に文字列と文字列配列の両方を許容する。
type yamlPEM string

func (p *yamlPEM) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		*p = yamlPEM(node.Value)
		return nil
	case yaml.SequenceNode:
		var parts []string
		if err := node.Decode(&parts); err != nil {
			return err
		}
		var joined string
		for _, part := range parts {
			joined += part
		}
		*p = yamlPEM(joined)
		return nil
	default:
		return fmt.Errorf("unsupported pem node kind %d", node.Kind)
	}
}

// LoadProfile は接続プロファイル(YAML)から認証局の情報を読み込む。
// name が空の場合、プロファイルに認証局が1つだけ定義されていればそれを使う。
func LoadProfile(path, name string) (*Profile, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read connection profile: %w", err)
	}
	return parseProfile(data, filepath.Dir(path), name)
}

func parseProfile(data []byte, baseDir, name string) (*Profile, error) {
	var cp connectionProfile
	if err := yaml.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("failed to parse connection profile: %w", err)
	}
	if len(cp.CertificateAuthorities) == 0 {
		return nil, errors.New("connection profile defines no certificate authorities")
	}

	if name == "" {
		if len(cp.CertificateAuthorities) > 1 {
			keys := make([]string, 0, len(cp.CertificateAuthorities))
			for k := range cp.CertificateAuthorities {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			return nil, fmt.Errorf("connection profile defines several certificate authorities %v; set FABRIC_CA_NAME", keys)
		}
		for k := range cp.CertificateAuthorities {
			name = k
		}
	}

	entry, ok := cp.CertificateAuthorities[name]
	if !ok {
		return nil, fmt.Errorf("certificate authority %q not found in connection profile", name)
	}
	if entry.URL == "" {
		return nil, fmt.Errorf("certificate authority %q has no url", name)
	}

	p := &Profile{URL: entry.URL, CAName: entry.CAName, VerifyTLS: true}
	if entry.HTTPOptions.Verify != nil {
		p.VerifyTLS = *entry.HTTPOptions.Verify
	}

	switch {
	case entry.TLSCACerts.PEM != "":
		p.TLSRoot = []byte(entry.TLSCACerts.PEM)
	case entry.TLSCACerts.Path != "":
		certPath := entry.TLSCACerts.Path
		if !filepath.IsAbs(certPath) {
			certPath = filepath.Join(baseDir, certPath)
		}
		root, err := os.ReadFile(filepath.Clean(certPath))
		if err != nil {
			return nil, fmt.Errorf("failed to read CA TLS root: %w", err)
		}
		p.TLSRoot = root
	}

	return p, nil
}

// HTTPClient はプロファイルのTLS設定を反映した http.Client を返す。
func (p *Profile) HTTPClient(timeout time.Duration) (*http.Client, error) {
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if len(p.TLSRoot) > 0 {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(p.TLSRoot) {
			return nil, errors.New("failed to load CA TLS root certificate")
		}
		tlsCfg.RootCAs = pool
	}
	if !p.VerifyTLS {
		tlsCfg.InsecureSkipVerify = true //nolint:gosec
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: &http.Transport{TLSClientConfig: tlsCfg},
	}, nil
}
