package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/csai/sandbox-agent/internal/api"
	"github.com/csai/sandbox-agent/internal/auth"
	"github.com/csai/sandbox-agent/internal/challenges"
	"github.com/csai/sandbox-agent/internal/config"
	"github.com/csai/sandbox-agent/internal/driver"
	"github.com/csai/sandbox-agent/internal/metrics"
	"github.com/csai/sandbox-agent/internal/observability"
	"github.com/csai/sandbox-agent/internal/orchestrator"
	"github.com/csai/sandbox-agent/internal/state"
)

const usage = "usage: sandbox-agent [serve|reconcile|sweep|cleanup]"

type components struct {
	cfg         config.Config
	logger      *slog.Logger
	store       *state.Store
	driver      *driver.Docker
	metrics     *metrics.Registry
	engine      *orchestrator.Engine
	sweeper     *orchestrator.Sweeper
	coordinator *orchestrator.Coordinator
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("config error: %v", err))
	}
	logger := observability.NewLogger(cfg.Observability.LogLevel)

	cmd := "serve"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}
	switch cmd {
	case "serve", "reconcile", "sweep", "cleanup":
	default:
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	ctx := context.Background()
	c, err := build(ctx, cfg, logger)
	if err != nil {
		logger.Error("init_failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer c.close()

	switch cmd {
	case "reconcile":
		summary, err := c.engine.Reconcile(ctx)
		if err != nil {
			logger.Error("reconcile_failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
		printReport(map[string]any{
			"status":            "ok",
			"checked":           summary.Checked,
			"marked_stopped":    summary.MarkedStopped,
			"orphans":           summary.Orphans,
			"reconciled_at_utc": time.Now().UTC().Format(time.RFC3339),
		})
	case "sweep":
		summary, err := c.sweeper.RunOnce(ctx)
		if err != nil {
			logger.Error("sweep_failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
		printReport(map[string]any{
			"status":        "ok",
			"candidates":    summary.Candidates,
			"expired":       summary.Expired,
			"stop_failures": summary.StopFailures,
		})
	case "cleanup":
		summary := c.cleanup()
		printReport(map[string]any{
			"status":        "ok",
			"stopped":       summary.Stopped,
			"failed":        summary.Failed,
			"label_matches": summary.LabelMatches,
		})
	default:
		c.serve()
	}
}

func build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*components, error) {
	st, err := state.New(cfg.Storage.DBPath, state.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("state: %w", err)
	}
	drv, err := driver.NewDocker(ctx, cfg.Driver, logger)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("driver: %w", err)
	}
	reg := metrics.New()
	opts := []orchestrator.Option{
		orchestrator.WithHandleCache(orchestrator.NewHandleCache()),
		orchestrator.WithMetrics(reg),
	}
	return &components{
		cfg:         cfg,
		logger:      logger,
		store:       st,
		driver:      drv,
		metrics:     reg,
		engine:      orchestrator.New(cfg, st, drv, logger, opts...),
		sweeper:     orchestrator.NewSweeper(st, drv, cfg.Lifecycle.Idle(), time.Duration(cfg.Lifecycle.SweepIntervalSeconds)*time.Second, logger, opts...),
		coordinator: orchestrator.NewCoordinator(st, drv, cfg.Driver.ManagedLabel, cfg.Shutdown.Parallelism, logger, opts...),
	}, nil
}

func (c *components) close() {
	if err := c.driver.Close(); err != nil {
		c.logger.Warn("driver_close_failed", slog.String("error", err.Error()))
	}
	if err := c.store.Close(); err != nil {
		c.logger.Warn("state_close_failed", slog.String("error", err.Error()))
	}
}

// cleanup runs the shutdown coordinator on its own deadline, detached from
// whatever context triggered it.
func (c *components) cleanup() orchestrator.CleanupSummary {
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(c.cfg.Shutdown.TimeoutSeconds)*time.Second)
	defer cancel()
	return c.coordinator.Run(ctx)
}

func (c *components) serve() {
	cfg, logger := c.cfg, c.logger
	onCrash := func() { c.cleanup() }
	defer crashGuard(logger, onCrash)

	svc := challenges.NewService(cfg.Challenges, c.store, c.engine,
		challenges.NewHTTPSource(time.Duration(cfg.Challenges.FetchTimeoutSeconds)*time.Second),
		newScoreReporter(cfg.Challenges, logger), c.metrics, logger)
	apiServer := api.New(cfg, c.engine, c.sweeper, svc, c.metrics, logger)

	routes := apiServer.Routes()
	authState := auth.NewMiddlewareState(cfg.Auth.NonceTTLSeconds)
	// Rate limiting sits behind auth so signed callers are limited per user.
	protected := authState.Middleware(cfg.Auth, auth.NewRateLimiter(cfg.RateLimit, c.metrics).Middleware(routes))
	var root http.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if cfg.Server.HealthPublic && (r.URL.Path == "/healthz" || r.URL.Path == "/readyz" || r.URL.Path == "/api/v1/health") {
			routes.ServeHTTP(w, r)
			return
		}
		protected.ServeHTTP(w, r)
	})
	root = observability.Middleware(logger, c.metrics, root)

	httpSrv := &http.Server{
		Addr:         cfg.Server.ListenAddr,
		Handler:      root,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSeconds) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeoutSeconds) * time.Second,
		TLSConfig:    buildTLSConfig(cfg, logger),
	}

	loopCtx, cancelLoops := context.WithCancel(context.Background())
	defer cancelLoops()
	reconcileOnce(loopCtx, c.engine, logger)
	go func() {
		defer crashGuard(logger, onCrash)
		c.sweeper.Run(loopCtx)
	}()
	go func() {
		defer crashGuard(logger, onCrash)
		runReconcileLoop(loopCtx, cfg, c.engine, logger)
	}()

	serveErr := make(chan error, 1)
	go func() {
		defer crashGuard(logger, onCrash)
		logger.Info("sandbox_agent_start",
			slog.String("listen_addr", cfg.Server.ListenAddr),
			slog.String("auth_mode", cfg.Auth.Mode),
			slog.String("image", cfg.Driver.Image),
			slog.Int("port_range_start", cfg.Ports.RangeStart),
			slog.Int("port_range_end", cfg.Ports.RangeEnd))
		var err error
		if cfg.Server.TLSCertFile != "" && cfg.Server.TLSKeyFile != "" {
			err = httpSrv.ListenAndServeTLS(cfg.Server.TLSCertFile, cfg.Server.TLSKeyFile)
		} else {
			err = httpSrv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	exitCode := 0
	select {
	case sig := <-sigCh:
		logger.Info("shutdown_signal", slog.String("signal", sig.String()))
	case err := <-serveErr:
		logger.Error("server_failed", slog.String("error", err.Error()))
		exitCode = 1
	}

	cancelLoops()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown_failed", slog.String("error", err.Error()))
	}
	summary := c.cleanup()
	logger.Info("sandbox_agent_stopped", slog.Int("stopped", summary.Stopped), slog.Int("failed", summary.Failed))
	if exitCode != 0 {
		c.close()
		os.Exit(exitCode)
	}
}

// crashGuard must be deferred directly. On panic it stops every managed
// container and then re-panics so the process still dies loudly.
func crashGuard(logger *slog.Logger, cleanup func()) {
	r := recover()
	if r == nil {
		return
	}
	logger.Error("panic", slog.String("panic", fmt.Sprint(r)))
	cleanup()
	panic(r)
}

func newScoreReporter(cfg config.ChallengesConfig, logger *slog.Logger) challenges.ScoreReporter {
	if cfg.ScoreWebhookURL == "" {
		return challenges.LogReporter{Log: logger}
	}
	return challenges.NewWebhookReporter(cfg.ScoreWebhookURL, cfg.ScoreWebhookSecret, cfg.ScoreWebhookIssuer,
		time.Duration(cfg.FetchTimeoutSeconds)*time.Second)
}

func reconcileOnce(ctx context.Context, eng *orchestrator.Engine, logger *slog.Logger) {
	summary, err := eng.Reconcile(ctx)
	if err != nil {
		logger.Warn("reconcile_failed", slog.String("error", err.Error()))
		return
	}
	logger.Info("reconcile_completed",
		slog.Int("checked", summary.Checked),
		slog.Int("marked_stopped", summary.MarkedStopped),
		slog.Int("orphans", len(summary.Orphans)))
}

func runReconcileLoop(ctx context.Context, cfg config.Config, eng *orchestrator.Engine, logger *slog.Logger) {
	ticker := time.NewTicker(time.Duration(cfg.Reconciliation.IntervalSeconds) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reconcileOnce(ctx, eng, logger)
		}
	}
}

func printReport(report map[string]any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(report)
}

func buildTLSConfig(cfg config.Config, logger *slog.Logger) *tls.Config {
	if cfg.Server.TLSClientCAFile == "" {
		return nil
	}
	caPem, err := os.ReadFile(cfg.Server.TLSClientCAFile)
	if err != nil {
		logger.Warn("tls_client_ca_read_failed", slog.String("error", err.Error()))
		return nil
	}
	pool := x509.NewCertPool()
	if ok := pool.AppendCertsFromPEM(caPem); !ok {
		logger.Warn("tls_client_ca_parse_failed")
		return nil
	}
	tlsCfg := &tls.Config{ClientCAs: pool, MinVersion: tls.VersionTLS12}
	if cfg.Server.TLSRequireClientCert {
		tlsCfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return tlsCfg
}
