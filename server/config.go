package server

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults for session cookies and health reporting.
const (
	DefaultSessionMaxAge = 12 * time.Hour

	// NearExpiryThreshold marks a session as near expiry when the remaining
	// time drops strictly below this value.
	NearExpiryThreshold = 30 * time.Minute
)

// Identity strategy modes.
const (
	ModeLive    = "live"
	ModeFixture = "fixture"
)

// Config captures the full application configuration loaded from YAML and
// environment variables.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Provider ProviderConfig `yaml:"provider"`
	Fixture  FixtureConfig  `yaml:"fixture"`
	Session  SessionConfig  `yaml:"session"`
	Redis    RedisConfig    `yaml:"redis"`
	Database DatabaseConfig `yaml:"database"`
}

// ServerConfig controls listener, TLS, and origin concerns.
type ServerConfig struct {
	PublicURL       string    `yaml:"public_url"`
	AppOrigin       string    `yaml:"app_origin"`
	ErrorPath       string    `yaml:"error_path"`
	DevListenAddr   string    `yaml:"dev_listen_addr"`
	HTTPListenAddr  string    `yaml:"http_listen_addr"`
	HTTPSListenAddr string    `yaml:"https_listen_addr"`
	DevMode         bool      `yaml:"dev_mode"`
	TLS             TLSConfig `yaml:"tls"`
}

// TLSConfig defines autocert behaviour.
type TLSConfig struct {
	Domains  []string `yaml:"domains"`
	Email    string   `yaml:"email"`
	CacheDir string   `yaml:"cache_dir"`
}

// ProviderConfig holds the OIDC relying-party settings. Mode selects live
// OIDC or the local fixture identity once at startup.
type ProviderConfig struct {
	Mode           string        `yaml:"mode"`
	Issuer         string        `yaml:"issuer"`
	ClientID       string        `yaml:"client_id"`
	ClientSecret   string        `yaml:"client_secret"`
	RedirectURL    string        `yaml:"redirect_url"`
	AdminGroup     string        `yaml:"admin_group"`
	UserGroup      string        `yaml:"user_group"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// FixtureConfig describes the documented fixture user available in
// non-production deployments.
type FixtureConfig struct {
	Email       string   `yaml:"email"`
	DisplayName string   `yaml:"display_name"`
	Groups      []string `yaml:"groups"`
}

// SessionConfig controls the session cookie.
type SessionConfig struct {
	CookieName   string        `yaml:"cookie_name"`
	CookieDomain string        `yaml:"cookie_domain"`
	MaxAge       time.Duration `yaml:"max_age"`
	Secure       bool          `yaml:"secure"`
	SameSite     string        `yaml:"same_site"`
}

// RedisConfig points at the shared coordination store. An empty addr in dev
// mode falls back to the in-process store.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// DatabaseConfig points at the user directory. An empty DSN in dev mode
// falls back to the in-process store.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// DefaultConfig returns the development defaults.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			PublicURL:       "http://127.0.0.1:8080",
			AppOrigin:       "http://127.0.0.1:3000",
			ErrorPath:       "/auth/error",
			DevListenAddr:   "127.0.0.1:8080",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			DevMode:         true,
			TLS: TLSConfig{
				CacheDir: ".autocert",
			},
		},
		Provider: ProviderConfig{
			Mode:           ModeFixture,
			AdminGroup:     "support-admins",
			UserGroup:      "support-users",
			RequestTimeout: 10 * time.Second,
		},
		Fixture: FixtureConfig{
			Email:       "fixture@example.com",
			DisplayName: "Fixture User",
			Groups:      []string{"support-admins"},
		},
		Session: SessionConfig{
			CookieName: "ag_session",
			MaxAge:     DefaultSessionMaxAge,
			SameSite:   "lax",
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"AUTHGATE_PUBLIC_URL":         func(v string) { cfg.Server.PublicURL = v },
		"AUTHGATE_APP_ORIGIN":         func(v string) { cfg.Server.AppOrigin = v },
		"AUTHGATE_DEV_LISTEN_ADDR":    func(v string) { cfg.Server.DevListenAddr = v },
		"AUTHGATE_DEV_MODE":           func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"AUTHGATE_PROVIDER_MODE":      func(v string) { cfg.Provider.Mode = v },
		"AUTHGATE_OIDC_ISSUER":        func(v string) { cfg.Provider.Issuer = v },
		"AUTHGATE_OIDC_CLIENT_ID":     func(v string) { cfg.Provider.ClientID = v },
		"AUTHGATE_OIDC_CLIENT_SECRET": func(v string) { cfg.Provider.ClientSecret = v },
		"AUTHGATE_OIDC_REDIRECT_URL":  func(v string) { cfg.Provider.RedirectURL = v },
		"AUTHGATE_ADMIN_GROUP":        func(v string) { cfg.Provider.AdminGroup = v },
		"AUTHGATE_USER_GROUP":         func(v string) { cfg.Provider.UserGroup = v },
		"AUTHGATE_SESSION_COOKIE":     func(v string) { cfg.Session.CookieName = v },
		"AUTHGATE_SESSION_MAX_AGE":    func(v string) { cfg.Session.MaxAge = parseDuration(v, cfg.Session.MaxAge) },
		"AUTHGATE_REDIS_ADDR":         func(v string) { cfg.Redis.Addr = v },
		"AUTHGATE_REDIS_PASSWORD":     func(v string) { cfg.Redis.Password = v },
		"AUTHGATE_DATABASE_DSN":       func(v string) { cfg.Database.DSN = v },
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

func parseDuration(val string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return d
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

// Validate performs sanity checks on the config.
func (c Config) Validate() error {
	if c.Server.PublicURL == "" {
		return errors.New("server.public_url is required")
	}
	if _, err := url.Parse(c.Server.PublicURL); err != nil {
		return fmt.Errorf("server.public_url: %w", err)
	}
	if c.Server.AppOrigin == "" {
		return errors.New("server.app_origin is required")
	}

	switch c.Provider.Mode {
	case ModeLive:
		if c.Provider.Issuer == "" {
			return errors.New("provider.issuer is required in live mode")
		}
		if c.Provider.ClientID == "" {
			return errors.New("provider.client_id is required in live mode")
		}
		if c.Provider.RedirectURL == "" {
			return errors.New("provider.redirect_url is required in live mode")
		}
	case ModeFixture:
		if !c.Server.DevMode {
			return errors.New("provider.mode=fixture requires dev_mode")
		}
	default:
		return fmt.Errorf("provider.mode must be %q or %q, got %q", ModeLive, ModeFixture, c.Provider.Mode)
	}

	if c.Session.CookieName == "" {
		return errors.New("session.cookie_name is required")
	}
	if c.Session.MaxAge <= 0 {
		return errors.New("session.max_age must be positive")
	}
	if _, err := sameSiteMode(c.Session.SameSite); err != nil {
		return err
	}

	if !c.Server.DevMode {
		if len(c.Server.TLS.Domains) == 0 {
			return errors.New("server.tls.domains must be provided in production")
		}
		if c.Redis.Addr == "" {
			return errors.New("redis.addr is required in production")
		}
		if c.Database.DSN == "" {
			return errors.New("database.dsn is required in production")
		}
	}

	return nil
}

func sameSiteMode(v string) (http.SameSite, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "lax":
		return http.SameSiteLaxMode, nil
	case "strict":
		return http.SameSiteStrictMode, nil
	case "none":
		return http.SameSiteNoneMode, nil
	default:
		return 0, fmt.Errorf("session.same_site must be lax, strict, or none, got %q", v)
	}
}
