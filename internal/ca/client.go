// Package ca は Hyperledger Fabric CA のREST APIクライアントを提供する。
// 利用者の登録(register)と証明書の発行(enroll)を行う。
package ca

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hitoshi/couponledger/internal/wallet"
)

// Attribute は証明書に埋め込む属性。
type Attribute struct {
	Name  string `json:"name"`
	Value string `json:"value"`
	ECert bool   `json:"ecert"`
}

// RegistrationRequest は新しい識別子の登録要求。
type RegistrationRequest struct {
	EnrollmentID string
	Secret       string
	Role         string
	Affiliation  string
	Attributes   []Attribute
}

// Enrollment は発行された証明書と、ローカルで生成した秘密鍵。
type Enrollment struct {
	CertificatePEM string
	PrivateKeyPEM  string
}

// Client は認証局クライアントのインターフェース。
type Client interface {
	Register(ctx context.Context, registrar wallet.Credential, req RegistrationRequest) (string, error)
	Enroll(ctx context.Context, enrollmentID, secret string) (*Enrollment, error)
}

// HTTPClient は Fabric CA のREST APIを呼び出す Client の実装。
type HTTPClient struct {
	httpClient *http.Client
	logger     *slog.Logger
	baseURL    string
	caName     string
}

// NewHTTPClient は HTTPClient を生成する。
func NewHTTPClient(httpClient *http.Client, logger *slog.Logger, baseURL, caName string) *HTTPClient {
	return &HTTPClient{
		httpClient: httpClient,
		logger:     logger,
		baseURL:    strings.TrimRight(baseURL, "/"),
		caName:     caName,
	}
}

type caResponse struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result"`
	Errors  []struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
}

// Error は認証局が返したエラー。
type Error struct {
	StatusCode int
	Messages   []string
}

func (e *Error) Error() string {
	if len(e.Messages) == 0 {
		return fmt.Sprintf("certificate authority returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("certificate authority returned status %d: %s", e.StatusCode, strings.Join(e.Messages, "; "))
}

// Register は registrar の資格情報で新しい識別子を登録し、登録シークレットを返す。
func (c *HTTPClient) Register(ctx context.Context, registrar wallet.Credential, req RegistrationRequest) (string, error) {
	role := req.Role
	if role == "" {
		role = "client"
	}
	body, err := json.Marshal(map[string]any{
		"id":          req.EnrollmentID,
		"type":        role,
		"secret":      req.Secret,
		"affiliation": req.Affiliation,
		"attrs":       req.Attributes,
		"caname":      c.caName,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode register request: %w", err)
	}

	const path = "/api/v1/register"
	token, err := authToken(registrar, http.MethodPost, path, body)
	if err != nil {
		return "", err
	}

	var result struct {
		Secret string `json:"secret"`
	}
	if err := c.do(ctx, path, body, func(r *http.Request) {
		r.Header.Set("Authorization", token)
	}, &result); err != nil {
		return "", fmt.Errorf("register %s: %w", req.EnrollmentID, err)
	}

	if result.Secret == "" {
		return req.Secret, nil
	}
	return result.Secret, nil
}

// Enroll は新しい鍵ペアを生成し、認証局に証明書を発行させる。
func (c *HTTPClient) Enroll(ctx context.Context, enrollmentID, secret string) (*Enrollment, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}

	csrDER, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: enrollmentID},
		DNSNames: []string{enrollmentID},
	}, key)
	if err != nil {
		return nil, fmt.Errorf("failed to create CSR: %w", err)
	}
	csrPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: csrDER})

	body, err := json.Marshal(map[string]any{
		"certificate_request": string(csrPEM),
		"caname":              c.caName,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode enroll request: %w", err)
	}

	var result struct {
		Cert string `json:"Cert"`
	}
	if err := c.do(ctx, "/api/v1/enroll", body, func(r *http.Request) {
		r.SetBasicAuth(enrollmentID, secret)
	}, &result); err != nil {
		return nil, fmt.Errorf("enroll %s: %w", enrollmentID, err)
	}

	certPEM, err := base64.StdEncoding.DecodeString(result.Cert)
	if err != nil {
		return nil, fmt.Errorf("failed to decode enrollment certificate: %w", err)
	}

	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to encode private key: %w", err)
	}

	return &Enrollment{
		CertificatePEM: string(certPEM),
		PrivateKeyPEM:  string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})),
	}, nil
}

func (c *HTTPClient) do(ctx context.Context, path string, body []byte, authorize func(*http.Request), out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("certificate authority request failed",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	var envelope caResponse
	if err := json.Unmarshal(raw, &envelope); err != nil {
		c.logger.Error("certificate authority returned a non-JSON body",
			slog.String("path", path),
			slog.Int("http_status", resp.StatusCode),
		)
		return &Error{StatusCode: resp.StatusCode}
	}

	if (resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated) || !envelope.Success {
		caErr := &Error{StatusCode: resp.StatusCode}
		for _, e := range envelope.Errors {
			caErr.Messages = append(caErr.Messages, e.Message)
		}
		c.logger.Error("certificate authority rejected request",
			slog.String("path", path),
			slog.Int("http_status", resp.StatusCode),
			slog.String("error", caErr.Error()),
		)
		return caErr
	}

	if out == nil || len(envelope.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(envelope.Result, out); err != nil {
		return fmt.Errorf("failed to decode result: %w", err)
	}
	return nil
}

var _ Client = (*HTTPClient)(nil)
