// questd is the Questline challenge configuration server.
// It serves the REST API for challenge lifecycle management and runs the
// background audit consistency sweep.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/questline-hq/questline/platform/internal/api"
	"github.com/questline-hq/questline/platform/internal/auth"
	"github.com/questline-hq/questline/platform/internal/cache"
	"github.com/questline-hq/questline/platform/internal/config"
	"github.com/questline-hq/questline/platform/internal/domain"
	"github.com/questline-hq/questline/platform/internal/leader"
	"github.com/questline-hq/questline/platform/internal/lifecycle"
	"github.com/questline-hq/questline/platform/internal/postgres"
	"github.com/questline-hq/questline/platform/internal/reconciler"
)

// validateEnv checks that critical environment variables have valid values.
// Returns a slice of validation errors (empty if all valid).
func validateEnv() []string {
	var errs []string

	// Validate listen address format (host:port).
	if addr := os.Getenv("QUESTD_LISTEN_ADDR"); addr != "" {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			errs = append(errs, fmt.Sprintf("QUESTD_LISTEN_ADDR=%q: must be host:port (%v)", addr, err))
		}
	}

	// Validate PORT is numeric.
	if port := os.Getenv("PORT"); port != "" {
		if _, err := net.LookupPort("tcp", port); err != nil {
			errs = append(errs, fmt.Sprintf("PORT=%q: must be a valid port number", port))
		}
	}

	// Validate DATABASE_URL is a parseable postgres URL.
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		if _, err := url.Parse(dbURL); err != nil {
			errs = append(errs, fmt.Sprintf("DATABASE_URL: invalid URL (%v)", err))
		}
	}

	return errs
}

// warnDefaultCredentials logs a security warning when the Postgres credentials
// embedded in DATABASE_URL appear to be well-known defaults. These are safe
// for local development but dangerous in production deployments.
func warnDefaultCredentials() {
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		if u, err := url.Parse(dbURL); err == nil && u.User != nil {
			user := u.User.Username()
			pass, _ := u.User.Password()
			if (user == "questline" && pass == "questline") || (user == "postgres" && pass == "postgres") {
				slog.Warn("database credentials appear to be defaults — change these for production deployments",
					"user", user)
			}
		}
	}
}

func main() {
	// Built-in healthcheck for scratch containers (no wget/curl available).
	// Usage: /questd healthcheck
	if len(os.Args) > 1 && os.Args[1] == "healthcheck" {
		resp, err := http.Get("http://localhost:8080/health")
		if err != nil {
			os.Exit(1)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			os.Exit(1)
		}
		os.Exit(0)
	}

	// Context-aware slog handler so request_id lands in every log record
	// whenever a request context is available.
	baseHandler := slog.NewJSONHandler(os.Stdout, nil)
	logger := slog.New(api.NewContextHandler(baseHandler))
	slog.SetDefault(logger)

	// Validate critical environment variables before wiring anything.
	if errs := validateEnv(); len(errs) > 0 {
		for _, e := range errs {
			slog.Error("invalid environment variable", "error", e)
		}
		os.Exit(1)
	}
	warnDefaultCredentials()

	// Load config: QUESTLINE_CONFIG env > ./questline.yaml > defaults.
	configPath := config.ResolvePath()
	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", "path", configPath, "error", err)
		os.Exit(1)
	}
	if configPath != "" {
		slog.Info("config loaded", "path", configPath)
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		slog.Error("DATABASE_URL is required")
		os.Exit(1)
	}

	ctx := context.Background()

	pool, err := postgres.NewPool(ctx, dbURL)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	if err := postgres.Migrate(ctx, pool); err != nil {
		slog.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	challengeStore := postgres.NewChallengeStore(pool)
	auditStore := postgres.NewAuditStore(pool)
	controller := lifecycle.New(challengeStore, auditStore)
	if cfg.Debug.VerboseDecisionLogging {
		controller.SetDecisionLogger(slog.Default())
		slog.Info("verbose gate-decision logging enabled")
	}
	slog.Info("postgres stores initialized")

	srv := &api.Server{
		Challenges:  controller,
		DBHealth:    postgres.NewHealthChecker(pool),
		CORSOrigins: cfg.CORSOrigins,
	}
	if corsEnv := os.Getenv("CORS_ORIGINS"); corsEnv != "" {
		srv.CORSOrigins = strings.Split(corsEnv, ",")
	}

	// Static API key auth (QUESTD_API_KEY). Unset runs open, for deployments
	// behind a trusted gateway.
	if apiKey := os.Getenv("QUESTD_API_KEY"); apiKey != "" {
		srv.Auth = auth.APIKey(apiKey)
		slog.Info("API key authentication enabled")
	} else {
		srv.Auth = auth.Noop()
		slog.Warn("QUESTD_API_KEY not set — API is unauthenticated")
	}

	// Per-IP rate limiting (disable with RATE_LIMIT=0).
	if rl := os.Getenv("RATE_LIMIT"); rl != "0" {
		rlCfg := api.DefaultRateLimitConfig()
		srv.RateLimit = &rlCfg
		slog.Info("rate limiting enabled", "rps", rlCfg.RequestsPerSecond, "burst", rlCfg.Burst)
	}

	// Challenge read cache: deployed definitions are fetched on every portal
	// page load but change rarely.
	if cfg.Cache.Enabled {
		srv.ChallengeCache = cache.New[int64, *domain.Challenge](cache.Options{
			TTL:        cfg.Cache.TTL(),
			MaxEntries: cfg.Cache.MaxEntries,
		})
		slog.Info("challenge cache initialized",
			"ttl", srv.ChallengeCache.TTL(), "max_entries", srv.ChallengeCache.MaxEntries())
	}

	// Background audit consistency sweep, leader-elected so only one replica
	// sweeps. The advisory lock releases automatically when the session dies.
	var stopElector func()
	if cfg.Reconciler.Enabled {
		rec, err := reconciler.New(challengeStore, auditStore, cfg.Reconciler.Schedule)
		if err != nil {
			slog.Error("failed to create reconciler", "error", err)
			os.Exit(1)
		}

		tryLock := func(ctx context.Context) (bool, error) {
			var acquired bool
			err := pool.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", leader.AdvisoryLockID).Scan(&acquired)
			return acquired, err
		}
		elector := leader.New(tryLock, leader.RetryInterval, func(ctx context.Context) func() {
			rec.Start(ctx)
			return rec.Stop
		})
		elector.Start(ctx)
		stopElector = elector.Stop
		slog.Info("reconciler election started", "schedule", cfg.Reconciler.Schedule)
	}

	router := api.NewRouter(srv)

	// Listen address: QUESTD_LISTEN_ADDR > PORT > questline.yaml > default.
	addr := cfg.ListenAddr
	if listenAddr := os.Getenv("QUESTD_LISTEN_ADDR"); listenAddr != "" {
		addr = listenAddr
	} else if port := os.Getenv("PORT"); port != "" {
		addr = ":" + port
	}

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadTimeout:       60 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       120 * time.Second,
		TLSConfig: &tls.Config{
			MinVersion: tls.VersionTLS13,
		},
	}

	// Start HTTP(S) server in a goroutine.
	tlsCertFile := os.Getenv("TLS_CERT_FILE")
	tlsKeyFile := os.Getenv("TLS_KEY_FILE")

	errCh := make(chan error, 1)
	if tlsCertFile != "" && tlsKeyFile != "" {
		go func() {
			errCh <- httpServer.ListenAndServeTLS(tlsCertFile, tlsKeyFile)
		}()
		slog.Info("starting questd (HTTPS)", "addr", addr, "version", api.Version)
	} else {
		go func() {
			errCh <- httpServer.ListenAndServe()
		}()
		slog.Info("starting questd", "addr", addr, "version", api.Version)
	}

	// Wait for shutdown signal or server error.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("received signal, shutting down", "signal", sig)
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}

	// Graceful shutdown: drain HTTP connections (15s timeout).
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}

	// Ordered cleanup: elector (stops the reconciler) → rate limiter → database pool.
	if stopElector != nil {
		stopElector()
		slog.Info("reconciler elector stopped")
	}
	if srv.RateLimiterStop != nil {
		srv.RateLimiterStop()
		slog.Info("rate limiter stopped")
	}
	pool.Close()
	slog.Info("database pool closed")

	slog.Info("questd shutdown complete")
}
