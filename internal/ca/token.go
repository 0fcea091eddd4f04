package ca

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha1" //nolint:gosec
	"crypto/sha256"
	"crypto/x509"
	"encoding/asn1"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/hitoshi/couponledger/internal/wallet"
)

// authToken は Fabric CA の認可ヘッダ用トークンを生成する。
// 形式: base64(cert) + "." + base64(sig(method.base64(uri).base64(body).base64(cert)))
func authToken(cred wallet.Credential, method, uri string, body []byte) (string, error) {
	key, err := parsePrivateKey(cred.PrivateKeyPEM)
	if err != nil {
		return "", fmt.Errorf("failed to load registrar key: %w", err)
	}

	b64Cert := base64.StdEncoding.EncodeToString([]byte(cred.CertificatePEM))
	b64Body := base64.StdEncoding.EncodeToString(body)
	b64URI := base64.StdEncoding.EncodeToString([]byte(uri))
	payload := method + "." + b64URI + "." + b64Body + "." + b64Cert

	sig, err := signLowS(key, []byte(payload))
	if err != nil {
		return "", err
	}
	return b64Cert + "." + base64.StdEncoding.EncodeToString(sig), nil
}

func parsePrivateKey(keyPEM string) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(keyPEM))
	if block == nil {
		return nil, errors.New("private key is not PEM encoded")
	}
	if k, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		ec, ok := k.(*ecdsa.PrivateKey)
		if !ok {
			return nil, errors.New("private key is not ECDSA")
		}
		return ec, nil
	}
	return x509.ParseECPrivateKey(block.Bytes)
}

type ecdsaSignature struct {
	R, S *big.Int
}

// signLowS はSHA-256ダイジェストに署名し、Sを曲線位数の半分以下に正規化したDERを返す。
func signLowS(key *ecdsa.PrivateKey, msg []byte) ([]byte, error) {
	digest := sha256.Sum256(msg)
	r, s, err := ecdsa.Sign(rand.Reader, key, digest[:])
	if err != nil {
		return nil, fmt.Errorf("failed to sign token: %w", err)
	}
	s = toLowS(key.Curve, s)
	return asn1.Marshal(ecdsaSignature{R: r, S: s})
}

func toLowS(curve elliptic.Curve, s *big.Int) *big.Int {
	n := curve.Params().N
	half := new(big.Int).Rsh(n, 1)
	if s.Cmp(half) > 0 {
		return new(big.Int).Sub(n, s)
	}
	return s
}

// Fingerprint は証明書(DER)のSHA-1を、コロン区切りの大文字16進で返す。
func Fingerprint(certPEM string) (string, error) {
	block, _ := pem.Decode([]byte(certPEM))
	if block == nil {
		return "", errors.New("certificate is not PEM encoded")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return "", fmt.Errorf("failed to parse certificate: %w", err)
	}

	sum := sha1.Sum(cert.Raw) //nolint:gosec
	parts := make([]string, len(sum))
	for i, b := range sum {
		parts[i] = fmt.Sprintf("%02X", b)
	}
	return strings.Join(parts, ":"), nil
}
