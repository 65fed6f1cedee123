package config

import (
	"strings"
	"testing"
	"time"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	for key, value := range map[string]string{
		"MYSQL_DSN":             "user:pass@tcp(localhost:3306)/dreamlens?parseTime=true",
		"OPENAI_API_KEY":        "sk-test",
		"AUTH_USERINFO_URL":     "https://auth.example.com/userinfo",
		"STRIPE_SECRET_KEY":     "sk_test_123",
		"STRIPE_WEBHOOK_SECRET": "whsec_123",
		"S3_REGION":             "us-east-1",
		"S3_ACCESS_KEY":         "access",
		"S3_SECRET_KEY":         "secret",
		"S3_BUCKET":             "dreamlens-media",
		"S3_PUBLIC_BASE_URL":    "https://cdn.example.com",
	} {
		t.Setenv(key, value)
	}
}

func TestLoadDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %q, want :8080", cfg.ListenAddr)
	}
	if cfg.OpenAIBaseURL != "https://api.openai.com" {
		t.Errorf("OpenAIBaseURL = %q", cfg.OpenAIBaseURL)
	}
	if cfg.RequestTimeout != 120*time.Second {
		t.Errorf("RequestTimeout = %s, want 2m", cfg.RequestTimeout)
	}
	if cfg.ReconcileInterval != 15*time.Minute {
		t.Errorf("ReconcileInterval = %s, want 15m", cfg.ReconcileInterval)
	}
	if cfg.S3Prefix != "generations" {
		t.Errorf("S3Prefix = %q", cfg.S3Prefix)
	}
}

func TestLoadOverrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("LISTEN_ADDR", ":9090")
	t.Setenv("HTTP_TIMEOUT_SECONDS", "30")
	t.Setenv("RECONCILE_INTERVAL_MINUTES", "5")
	t.Setenv("S3_USE_PATH_STYLE", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != ":9090" {
		t.Errorf("ListenAddr = %q", cfg.ListenAddr)
	}
	if cfg.RequestTimeout != 30*time.Second {
		t.Errorf("RequestTimeout = %s", cfg.RequestTimeout)
	}
	if cfg.ReconcileInterval != 5*time.Minute {
		t.Errorf("ReconcileInterval = %s", cfg.ReconcileInterval)
	}
	if !cfg.S3UsePathStyle {
		t.Error("S3_USE_PATH_STYLE=true not applied")
	}
}

func TestLoadReportsMissingVars(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("STRIPE_WEBHOOK_SECRET", "")
	t.Setenv("S3_BUCKET", "")

	_, err := Load()
	if err == nil {
		t.Fatal("expected missing-variable error")
	}
	for _, name := range []string{"STRIPE_WEBHOOK_SECRET", "S3_BUCKET"} {
		if !strings.Contains(err.Error(), name) {
			t.Errorf("error %q should name %s", err, name)
		}
	}
}

func TestGetIntIgnoresGarbage(t *testing.T) {
	t.Setenv("HTTP_TIMEOUT_SECONDS", "not-a-number")
	if got := getInt("HTTP_TIMEOUT_SECONDS", 120); got != 120 {
		t.Errorf("getInt = %d, want fallback 120", got)
	}
}
