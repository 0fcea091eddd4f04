package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSetup_ReturnsJSONLogger(t *testing.T) {
	var buf bytes.Buffer
	l := Setup(&buf)

	if l == nil {
		t.Fatal("expected non-nil logger")
	}

	l.Info("test message", slog.String("key", "value"))

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected valid JSON log output, got error: %v\nraw output: %s", err, buf.String())
	}

	if entry["msg"] != "test message" {
		t.Errorf("msg = %q, want %q", entry["msg"], "test message")
	}
	if entry["key"] != "value" {
		t.Errorf("key = %q, want %q", entry["key"], "value")
	}
}

func TestSetup_IncludesTimeField(t *testing.T) {
	var buf bytes.Buffer
	l := Setup(&buf)

	l.Info("test")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse JSON: %v", err)
	}

	if _, ok := entry["time"]; !ok {
		t.Error("expected 'time' field in JSON log output")
	}
}

func TestSetup_IncludesLevelField(t *testing.T) {
	var buf bytes.Buffer
	l := Setup(&buf)

	l.Warn("warning test")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse JSON: %v", err)
	}

	if entry["level"] != "WARN" {
		t.Errorf("level = %q, want %q", entry["level"], "WARN")
	}
}

func TestSetup_MultipleAttributes(t *testing.T) {
	var buf bytes.Buffer
	l := Setup(&buf)

	l.Info("operation completed",
		slog.String("operation", "redeemCoupon"),
		slog.String("caller_id", "U1"),
		slog.String("caller_type", "CONSUMER"),
		slog.Int("coupon_count", 3),
	)

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse JSON: %v", err)
	}

	if entry["operation"] != "redeemCoupon" {
		t.Errorf("operation = %q, want %q", entry["operation"], "redeemCoupon")
	}
	if entry["caller_id"] != "U1" {
		t.Errorf("caller_id = %q, want %q", entry["caller_id"], "U1")
	}
	if entry["caller_type"] != "CONSUMER" {
		t.Errorf("caller_type = %q, want %q", entry["caller_type"], "CONSUMER")
	}
	if entry["coupon_count"] != float64(3) {
		t.Errorf("coupon_count = %v, want %v", entry["coupon_count"], 3)
	}
}

func TestSetupDefault_SetsGlobalLogger(t *testing.T) {
	var buf bytes.Buffer
	SetupDefault(&buf)

	slog.Default().Info("global test", slog.String("test_key", "test_val"))

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse JSON: %v\nraw: %s", err, buf.String())
	}

	if entry["msg"] != "global test" {
		t.Errorf("msg = %q, want %q", entry["msg"], "global test")
	}
	if entry["test_key"] != "test_val" {
		t.Errorf("test_key = %q, want %q", entry["test_key"], "test_val")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"INFO", slog.LevelInfo, false},
		{"debug", slog.LevelDebug, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"verbose", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if err == nil && got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestConfigure_LevelFiltersDebug(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	closer, err := Configure(&buf, Options{Level: "warn"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer closer.Close()

	slog.Info("suppressed")
	slog.Warn("kept")

	out := buf.String()
	if strings.Contains(out, "suppressed") {
		t.Errorf("warnレベルではinfoログを出力してはならない: %s", out)
	}
	if !strings.Contains(out, "kept") {
		t.Errorf("warnログが出力されていない: %s", out)
	}
}

func TestConfigure_WritesRotatedFile(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	path := filepath.Join(t.TempDir(), "couponledger.log")
	var buf bytes.Buffer
	closer, err := Configure(&buf, Options{File: path, MaxSizeMB: 1, MaxBackups: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	slog.Info("to file", slog.String("operation", "issueCoupon"))
	if err := closer.Close(); err != nil {
		t.Fatalf("failed to close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	if !strings.Contains(string(data), `"operation":"issueCoupon"`) {
		t.Errorf("log file = %s", data)
	}
	if !strings.Contains(buf.String(), "to file") {
		t.Errorf("標準出力側にも出力されるべき: %s", buf.String())
	}
}

func TestConfigure_UnknownLevel(t *testing.T) {
	if _, err := Configure(&bytes.Buffer{}, Options{Level: "loud"}); err == nil {
		t.Error("expected error for unknown level")
	}
}
