// conductord is the durable execution orchestrator binary: it serves the
// Control Plane HTTP API and runs the Execution Engine's queue-consumer
// loop in the same process (spec.md §2, SPEC_FULL.md "Binary name:
// conductord"). Both halves share one set of Postgres stores; the queue
// consume loop is safe to run on every replica because single-writer
// discipline is enforced entirely through CAS, not process topology.
package main

import (
	"context"
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

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tideworks/conductor/internal/api"
	"github.com/tideworks/conductor/internal/artifacts"
	"github.com/tideworks/conductor/internal/coderunner"
	"github.com/tideworks/conductor/internal/config"
	"github.com/tideworks/conductor/internal/controlplane"
	"github.com/tideworks/conductor/internal/engine"
	"github.com/tideworks/conductor/internal/leader"
	"github.com/tideworks/conductor/internal/postgres"
	"github.com/tideworks/conductor/internal/queue"
	"github.com/tideworks/conductor/internal/reaper"
	"github.com/tideworks/conductor/internal/transport"
)

// validateEnv checks that critical environment variables have valid values
// before anything is wired, so misconfiguration fails fast with an
// aggregated error list rather than panicking deep in a handler.
func validateEnv() []string {
	var errs []string

	if addr := os.Getenv("CONDUCTOR_LISTEN_ADDR"); addr != "" {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			errs = append(errs, fmt.Sprintf("CONDUCTOR_LISTEN_ADDR=%q: must be host:port (%v)", addr, err))
		}
	}
	if port := os.Getenv("PORT"); port != "" {
		if _, err := net.LookupPort("tcp", port); err != nil {
			errs = append(errs, fmt.Sprintf("PORT=%q: must be a valid port number", port))
		}
	}
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		if _, err := url.Parse(dbURL); err != nil {
			errs = append(errs, fmt.Sprintf("DATABASE_URL: invalid URL (%v)", err))
		}
	}
	if v := os.Getenv("CODERUNNER_TIMEOUT"); v != "" {
		if _, err := time.ParseDuration(v); err != nil {
			errs = append(errs, fmt.Sprintf("CODERUNNER_TIMEOUT=%q: must be a valid Go duration (%v)", v, err))
		}
	}
	if v := os.Getenv("S3_ENDPOINT"); v != "" {
		if _, _, err := net.SplitHostPort(v); err != nil {
			if _, err := url.Parse("http://" + v); err != nil {
				errs = append(errs, fmt.Sprintf("S3_ENDPOINT=%q: must be a valid endpoint", v))
			}
		}
	}
	if v := os.Getenv("CODERUNNER_BASE_URL"); v != "" {
		if _, err := url.ParseRequestURI(v); err != nil {
			errs = append(errs, fmt.Sprintf("CODERUNNER_BASE_URL=%q: must be a valid URL (%v)", v, err))
		}
	}

	return errs
}

// warnDefaultCredentials logs a warning when object-store credentials are
// left at a well-known default, safe for local development but dangerous
// in a production deployment.
func warnDefaultCredentials() {
	if os.Getenv("S3_ACCESS_KEY") == "minioadmin" || os.Getenv("S3_SECRET_KEY") == "minioadmin" {
		slog.Warn("object store credentials are set to default values (minioadmin) — change these for production deployments")
	}
}

func main() {
	if len(os.Args) > 1 && os.Args[1] == "healthcheck" {
		addr := "http://127.0.0.1:8080/healthz"
		if v := os.Getenv("CONDUCTOR_HEALTHCHECK_URL"); v != "" {
			addr = v
		}
		resp, err := http.Get(addr)
		if err != nil {
			os.Exit(1)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			os.Exit(1)
		}
		os.Exit(0)
	}

	baseHandler := slog.NewJSONHandler(os.Stdout, nil)
	logger := slog.New(api.NewContextHandler(baseHandler))
	slog.SetDefault(logger)

	if errs := validateEnv(); len(errs) > 0 {
		for _, e := range errs {
			slog.Error("invalid environment variable", "error", e)
		}
		os.Exit(1)
	}

	configPath := config.ResolvePath()
	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", "path", configPath, "error", err)
		os.Exit(1)
	}
	if modeOverride := os.Getenv("CODERUNNER_MODE"); modeOverride != "" {
		cfg.Coderunner.Mode = modeOverride
	}
	if baseURL := os.Getenv("CODERUNNER_BASE_URL"); baseURL != "" {
		cfg.Coderunner.BaseURL = baseURL
	}
	if v := os.Getenv("CODERUNNER_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Coderunner.Timeout = d
		}
	}
	if configPath != "" {
		slog.Info("config loaded", "path", configPath, "coderunner_mode", cfg.Coderunner.Mode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	healthReg := api.NewRegistry()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		slog.Error("DATABASE_URL is required")
		os.Exit(1)
	}

	pool, err := postgres.NewPool(ctx, dbURL)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := postgres.Migrate(ctx, pool); err != nil {
		slog.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}
	healthReg.Register("postgres", postgres.NewHealthChecker(pool))

	eventBus := postgres.NewPgEventBus(pool)
	if err := eventBus.Start(ctx); err != nil {
		slog.Warn("event bus failed to start, continuing with pure polling", "error", err)
		eventBus = nil
	} else {
		defer eventBus.Stop()
	}

	repoStore := postgres.NewRepoStore(pool)
	runStore := postgres.NewRunStore(pool)
	stationStore := postgres.NewStationStore(pool)
	artifactStore := postgres.NewArtifactStore(pool)
	claimStore := postgres.NewClaimStore(pool)
	var pgQueue queue.Queue
	if eventBus != nil {
		pgQueue = postgres.NewQueue(pool, eventBus)
	} else {
		pgQueue = postgres.NewQueue(pool, nil)
	}

	var logStore *artifacts.Store
	objCfg := cfg.ObjectStore
	if s3Endpoint := os.Getenv("S3_ENDPOINT"); s3Endpoint != "" {
		objCfg = config.ObjectStoreConfig{
			Endpoint:  s3Endpoint,
			Bucket:    os.Getenv("S3_BUCKET"),
			AccessKey: os.Getenv("S3_ACCESS_KEY"),
			SecretKey: os.Getenv("S3_SECRET_KEY"),
			UseSSL:    os.Getenv("S3_USE_SSL") == "true",
		}
	}
	if objCfg.Endpoint != "" {
		bucket := objCfg.Bucket
		if bucket == "" {
			bucket = "conductor"
		}
		logStore, err = artifacts.NewStore(ctx, artifacts.Config{
			Endpoint:  objCfg.Endpoint,
			AccessKey: objCfg.AccessKey,
			SecretKey: objCfg.SecretKey,
			Bucket:    bucket,
			UseSSL:    objCfg.UseSSL,
		})
		if err != nil {
			slog.Error("failed to connect to object store", "error", err)
			os.Exit(1)
		}
		healthReg.Register("object_store", logStore)
		slog.Info("object store initialized", "endpoint", objCfg.Endpoint, "bucket", bucket)
	} else {
		slog.Warn("no object store configured, oversized runner log excerpts are truncated inline only")
	}
	warnDefaultCredentials()

	adapter, err := buildAdapter(cfg.Coderunner)
	if err != nil {
		slog.Error("failed to build coderunner adapter", "error", err)
		os.Exit(1)
	}
	if ext, ok := adapter.(*coderunner.External); ok {
		healthReg.Register("coderunner", ext)
	}

	eng := &engine.Engine{
		Runs:      runStore,
		Stations:  stationStore,
		Artifacts: artifactStore,
		Repos:     repoStore,
		Queue:     pgQueue,
		Adapter:   adapter,
	}
	if logStore != nil {
		eng.Logs = logStore
	}

	engineCtx, stopEngine := context.WithCancel(ctx)
	defer stopEngine()
	go eng.Run(engineCtx, engine.DefaultPollInterval)
	slog.Info("execution engine started")

	// The stale-claim/stuck-run reporter never mutates run or claim state
	// (spec §9 Open Question 2), so running it on every replica would only
	// duplicate log noise, not race anything. Gate it behind leader election
	// anyway to keep operational output to one voice.
	reap, err := reaper.New(claimStore, runStore, os.Getenv("REAPER_SCHEDULE"))
	if err != nil {
		slog.Error("invalid REAPER_SCHEDULE", "error", err)
		os.Exit(1)
	}

	tryLock := func(ctx context.Context) (bool, error) {
		var acquired bool
		err := pool.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", leader.AdvisoryLockID).Scan(&acquired)
		return acquired, err
	}
	elector := leader.New(tryLock, leader.RetryInterval, func(ctx context.Context) func() {
		reap.Start(ctx)
		slog.Info("reaper started (elected leader)")
		return func() {
			reap.Stop()
			slog.Info("reaper stopped")
		}
	})
	elector.Start(ctx)
	defer elector.Stop()

	srv := &controlplane.Server{
		Repos:     repoStore,
		Runs:      runStore,
		Claims:    claimStore,
		Stations:  stationStore,
		Artifacts: artifactStore,
		Queue:     pgQueue,
		Health:    healthReg,
		Reaper:    reap,
	}

	srv.BearerToken = os.Getenv("CONDUCTOR_BEARER_TOKEN")
	if srv.BearerToken == "" {
		slog.Warn("CONDUCTOR_BEARER_TOKEN not set — Control Plane API is unauthenticated")
	}
	if corsEnv := os.Getenv("CORS_ORIGINS"); corsEnv != "" {
		srv.CORSOrigins = strings.Split(corsEnv, ",")
	}

	router := controlplane.NewRouter(srv)
	defer srv.Close()

	// Mount the Execution Engine's synthetic local inject-message endpoint
	// on the same router (spec §6: single-process testing path).
	if secret := os.Getenv("CONDUCTOR_QUEUE_SHARED_SECRET"); secret != "" {
		router.Post("/__queue/consume", engine.InjectHandler(eng, secret))
	} else {
		slog.Warn("CONDUCTOR_QUEUE_SHARED_SECRET not set — /__queue/consume is disabled")
	}

	addr := "0.0.0.0:8080"
	if listenAddr := os.Getenv("CONDUCTOR_LISTEN_ADDR"); listenAddr != "" {
		addr = listenAddr
	} else if port := os.Getenv("PORT"); port != "" {
		addr = ":" + port
	}
	if strings.HasPrefix(addr, "0.0.0.0") && srv.BearerToken == "" {
		slog.Warn("listening on 0.0.0.0 without CONDUCTOR_BEARER_TOKEN — API is unauthenticated and accessible from the network")
	}

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadTimeout:       60 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()
	slog.Info("starting conductord", "addr", addr, "coderunner_mode", cfg.Coderunner.Mode)

	select {
	case <-ctx.Done():
		slog.Info("received shutdown signal")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	stopEngine()

	slog.Info("conductord shutdown complete")
}

// buildAdapter selects and configures the Coderunner Adapter from config
// (spec §4.4, §6: "mock" or "external").
func buildAdapter(cfg config.CoderunnerConfig) (coderunner.Adapter, error) {
	switch cfg.Mode {
	case "", "mock":
		return coderunner.NewMock(), nil
	case "external":
		tlsCfg := transport.TLSConfigFromEnv()
		return coderunner.NewExternal(cfg.BaseURL, cfg.Timeout, tlsCfg)
	default:
		return nil, fmt.Errorf("coderunner mode %q: must be \"mock\" or \"external\"", cfg.Mode)
	}
}
