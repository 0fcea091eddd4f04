package app

import (
	"bytes"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// TestRun_ServeCommand_FailsWithoutDatabase はserveコマンドがDB接続に失敗するとエラーを返すことを検証する。
func TestRun_ServeCommand_FailsWithoutDatabase(t *testing.T) {
	setTestEnv(t)
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	err := Run(&buf, []string{"serve"})
	if err == nil {
		t.Fatal("Run(serve) should fail when the database is unreachable")
	}
	if !strings.Contains(err.Error(), "database") {
		t.Errorf("error = %v, want database related error", err)
	}
}

// TestRun_EnrollAdmin_FailsWithoutProfile は接続プロファイルがない場合にエラーを返すことを検証する。
func TestRun_EnrollAdmin_FailsWithoutProfile(t *testing.T) {
	setTestEnv(t)
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	err := Run(&bytes.Buffer{}, []string{"enroll-admin"})
	if err == nil {
		t.Fatal("Run(enroll-admin) should fail without a connection profile")
	}
	if !strings.Contains(err.Error(), "profile") {
		t.Errorf("error = %v, want profile related error", err)
	}
}

func TestRun_WithMissingEnv_ReturnsError(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("JWT_SECRET", "")
	t.Setenv("FABRIC_CONNECTION_PROFILE", "")
	t.Setenv("FABRIC_WALLET_PATH", "")
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	err := Run(&bytes.Buffer{}, []string{"serve"})
	if err == nil {
		t.Fatal("Run with missing env should return error")
	}
}

func TestRun_Healthcheck(t *testing.T) {
	status := http.StatusOK
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			t.Errorf("path = %q, want /health", r.URL.Path)
		}
		w.WriteHeader(status)
	}))
	defer srv.Close()

	_, port, err := net.SplitHostPort(srv.Listener.Addr().String())
	if err != nil {
		t.Fatalf("failed to split address: %v", err)
	}
	t.Setenv("SERVER_PORT", port)

	if err := Run(&bytes.Buffer{}, []string{"healthcheck"}); err != nil {
		t.Errorf("healthcheck should succeed: %v", err)
	}

	status = http.StatusServiceUnavailable
	if err := Run(&bytes.Buffer{}, []string{"healthcheck"}); err == nil {
		t.Error("healthcheck should fail on 503")
	}
}
