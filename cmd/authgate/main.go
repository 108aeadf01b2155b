package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/crypto/acme/autocert"

	"authgate/directory"
	"authgate/kvstore"
	"authgate/server"
)

func main() {
	configPath := flag.String("config", os.Getenv("AUTHGATE_CONFIG"), "Path to YAML config")
	flag.Parse()

	// A missing .env is fine; env vars may come from the environment proper.
	_ = godotenv.Load()

	cfg, err := server.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := newLogger(cfg.Server.DevMode)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := buildStore(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("init coordination store: %v", err)
	}

	dir, err := buildDirectory(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("init user directory: %v", err)
	}

	identity, err := buildIdentity(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("init identity strategy: %v", err)
	}

	app := server.NewApp(cfg, logger, store, dir, identity)
	handler := app.Routes()

	var shutdownFns []func(context.Context) error

	if cfg.Server.DevMode {
		srv := &http.Server{
			Addr:         cfg.Server.DevListenAddr,
			Handler:      handler,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		shutdownFns = append(shutdownFns, srv.Shutdown)
		logger.Info("server listening", "mode", "dev", "addr", cfg.Server.DevListenAddr)
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("server error", "error", err)
			}
		}()
	} else {
		m := &autocert.Manager{
			Cache:      autocert.DirCache(cfg.Server.TLS.CacheDir),
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(cfg.Server.TLS.Domains...),
			Email:      cfg.Server.TLS.Email,
		}
		tlsCfg := &tls.Config{
			GetCertificate: m.GetCertificate,
			MinVersion:     tls.VersionTLS12,
		}

		httpRedirect := &http.Server{
			Addr:    cfg.Server.HTTPListenAddr,
			Handler: m.HTTPHandler(http.HandlerFunc(redirectToHTTPS)),
		}
		shutdownFns = append(shutdownFns, httpRedirect.Shutdown)
		go func() {
			if err := httpRedirect.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("http redirect error", "error", err)
			}
		}()

		httpsSrv := &http.Server{
			Addr:      cfg.Server.HTTPSListenAddr,
			Handler:   handler,
			TLSConfig: tlsCfg,
		}
		shutdownFns = append(shutdownFns, httpsSrv.Shutdown)
		logger.Info("server listening", "mode", "prod", "addr", cfg.Server.HTTPSListenAddr)
		go func() {
			if err := httpsSrv.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
				logger.Error("https server error", "error", err)
			}
		}()
	}

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	for _, fn := range shutdownFns {
		_ = fn(shutdownCtx)
	}
}

func newLogger(devMode bool) *slog.Logger {
	if devMode {
		return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

// buildStore dials Redis, falling back to the in-process store only in dev
// mode with no address configured.
func buildStore(ctx context.Context, cfg server.Config, logger *slog.Logger) (kvstore.Store, error) {
	if cfg.Redis.Addr == "" {
		if !cfg.Server.DevMode {
			return nil, fmt.Errorf("redis.addr is required outside dev mode")
		}
		logger.Warn("no redis configured, using in-process store")
		return kvstore.NewMemoryStore(), nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return kvstore.DialRedis(dialCtx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
}

// buildDirectory connects to Postgres, falling back to the in-process store
// only in dev mode with no DSN configured.
func buildDirectory(ctx context.Context, cfg server.Config, logger *slog.Logger) (directory.Store, error) {
	if cfg.Database.DSN == "" {
		if !cfg.Server.DevMode {
			return nil, fmt.Errorf("database.dsn is required outside dev mode")
		}
		logger.Warn("no database configured, using in-process directory")
		return directory.NewMemoryStore(), nil
	}

	db, err := directory.Connect(ctx, cfg.Database.DSN)
	if err != nil {
		return nil, err
	}
	store := directory.NewPostgresStore(db)
	if err := store.EnsureTable(ctx); err != nil {
		return nil, fmt.Errorf("ensure users table: %w", err)
	}
	return store, nil
}

// buildIdentity selects the strategy once at startup. Live mode fails the
// process if discovery fails rather than limping along.
func buildIdentity(ctx context.Context, cfg server.Config, logger *slog.Logger) (server.IdentityStrategy, error) {
	switch cfg.Provider.Mode {
	case server.ModeLive:
		discoverCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
		return server.NewLiveOIDC(discoverCtx, cfg.Provider, logger)
	case server.ModeFixture:
		logger.Warn("using fixture identity strategy", "email", cfg.Fixture.Email)
		return server.NewFixture(cfg.Server.PublicURL, cfg.Fixture), nil
	default:
		return nil, fmt.Errorf("unknown provider mode %q", cfg.Provider.Mode)
	}
}

func redirectToHTTPS(w http.ResponseWriter, r *http.Request) {
	target := "https://" + r.Host + r.URL.RequestURI()
	http.Redirect(w, r, target, http.StatusMovedPermanently)
}
