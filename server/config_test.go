package server

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfigValidates(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config must validate: %v", err)
	}
}

func TestValidateLiveModeRequirements(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Provider.Mode = ModeLive

	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "issuer") {
		t.Fatalf("expected issuer requirement, got %v", err)
	}
	cfg.Provider.Issuer = "https://idp.example.com"
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "client_id") {
		t.Fatalf("expected client_id requirement, got %v", err)
	}
	cfg.Provider.ClientID = "authgate"
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "redirect_url") {
		t.Fatalf("expected redirect_url requirement, got %v", err)
	}
	cfg.Provider.RedirectURL = "https://auth.example.com/auth/callback"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("complete live config must validate: %v", err)
	}
}

func TestValidateFixtureRequiresDevMode(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.DevMode = false
	cfg.Server.TLS.Domains = []string{"auth.example.com"}
	cfg.Redis.Addr = "127.0.0.1:6379"
	cfg.Database.DSN = "postgres://authgate@127.0.0.1/authgate"

	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "fixture") {
		t.Fatalf("fixture mode outside dev must be rejected, got %v", err)
	}
}

func TestValidateProductionRequirements(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.DevMode = false
	cfg.Provider.Mode = ModeLive
	cfg.Provider.Issuer = "https://idp.example.com"
	cfg.Provider.ClientID = "authgate"
	cfg.Provider.RedirectURL = "https://auth.example.com/auth/callback"

	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "tls.domains") {
		t.Fatalf("expected tls.domains requirement, got %v", err)
	}
	cfg.Server.TLS.Domains = []string{"auth.example.com"}
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "redis.addr") {
		t.Fatalf("expected redis.addr requirement, got %v", err)
	}
	cfg.Redis.Addr = "127.0.0.1:6379"
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "database.dsn") {
		t.Fatalf("expected database.dsn requirement, got %v", err)
	}
	cfg.Database.DSN = "postgres://authgate@127.0.0.1/authgate"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("complete production config must validate: %v", err)
	}
}

func TestValidateSameSite(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Session.SameSite = "sideways"
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "same_site") {
		t.Fatalf("expected same_site rejection, got %v", err)
	}
}

func TestLoadConfigFileAndEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
server:
  public_url: http://127.0.0.1:9090
session:
  cookie_name: from_file
  max_age: 1h
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("AUTHGATE_SESSION_COOKIE", "from_env")
	t.Setenv("AUTHGATE_SESSION_MAX_AGE", "2h")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Server.PublicURL != "http://127.0.0.1:9090" {
		t.Fatalf("file value not applied: %s", cfg.Server.PublicURL)
	}
	// Environment wins over the file.
	if cfg.Session.CookieName != "from_env" {
		t.Fatalf("env override not applied: %s", cfg.Session.CookieName)
	}
	if cfg.Session.MaxAge != 2*time.Hour {
		t.Fatalf("env duration override not applied: %s", cfg.Session.MaxAge)
	}
	// Unset values keep their defaults.
	if cfg.Provider.AdminGroup != "support-admins" {
		t.Fatalf("default lost during load: %s", cfg.Provider.AdminGroup)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatalf("missing file must error")
	}
}

func TestParseBool(t *testing.T) {
	for _, tc := range []struct {
		in       string
		fallback bool
		want     bool
	}{
		{"true", false, true},
		{"ON", false, true},
		{"0", true, false},
		{"no", true, false},
		{"maybe", true, true},
	} {
		if got := parseBool(tc.in, tc.fallback); got != tc.want {
			t.Errorf("parseBool(%q, %v) = %v, want %v", tc.in, tc.fallback, got, tc.want)
		}
	}
}
