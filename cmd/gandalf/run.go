package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/dnscache"
	"go.opentelemetry.io/otel/trace"

	"github.com/relaygate/gateway/internal/app"
	"github.com/relaygate/gateway/internal/auth"
	"github.com/relaygate/gateway/internal/background"
	"github.com/relaygate/gateway/internal/cache"
	"github.com/relaygate/gateway/internal/circuitbreaker"
	"github.com/relaygate/gateway/internal/cloudauth"
	"github.com/relaygate/gateway/internal/config"
	"github.com/relaygate/gateway/internal/loginprotect"
	"github.com/relaygate/gateway/internal/provider"
	"github.com/relaygate/gateway/internal/ratelimit"
	"github.com/relaygate/gateway/internal/server"
	"github.com/relaygate/gateway/internal/storage/sqlite"
	"github.com/relaygate/gateway/internal/telemetry"
	"github.com/relaygate/gateway/internal/tokencount"
)

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	slog.Info("starting gandalf", "version", version, "addr", cfg.Server.Addr())

	store, err := sqlite.New(cfg.Database.URL)
	if err != nil {
		return err
	}
	defer store.Close()
	slog.Info("database opened", "url", cfg.Database.URL, "max_connections", cfg.Database.MaxConnections)

	ctx := context.Background()

	if cfg.Seed.File != "" {
		seed, err := config.LoadSeed(cfg.Seed.File)
		if err != nil {
			return fmt.Errorf("load seed file: %w", err)
		}
		if err := config.Bootstrap(ctx, seed, store); err != nil {
			return fmt.Errorf("bootstrap: %w", err)
		}
		slog.Info("bootstrap complete", "seed_file", cfg.Seed.File)
	}

	// Shared DNS cache for the outbound provider transport.
	dnsResolver := &dnscache.Resolver{}
	refreshCtx, stopRefresh := context.WithCancel(ctx)
	defer stopRefresh()
	go func() {
		t := time.NewTicker(5 * time.Minute)
		defer t.Stop()
		for {
			select {
			case <-refreshCtx.Done():
				return
			case <-t.C:
				dnsResolver.Refresh(true)
			}
		}
	}()
	baseTransport := provider.NewTransport(dnsResolver, true)
	providerClient := &http.Client{Transport: baseTransport}

	// GCP ADC and AWS credential chain are best-effort: a deployment that
	// never configures gcp_oauth/aws_sigv4 endpoints simply runs without
	// them, and dispatch falls back to the api_key protocol header.
	var gcpTransport http.RoundTripper
	if t, err := cloudauth.NewGCPOAuthTransport(ctx, baseTransport, "https://www.googleapis.com/auth/cloud-platform"); err != nil {
		slog.Info("gcp oauth transport unavailable, gcp_oauth endpoints will fail", "error", err)
	} else {
		gcpTransport = t
	}
	var awsCreds = awsCredentialsOrNil(ctx)

	tasks := background.New()

	gatewayAuth, err := auth.NewGatewayKeyAuth(store)
	if err != nil {
		return err
	}
	operatorAuth := auth.NewOperatorAuth(store, cfg.JWTSecret)
	loginProtect := loginprotect.New()

	rateLimiter := ratelimit.NewRegistry()
	evictCtx, stopEvict := context.WithCancel(ctx)
	defer stopEvict()
	go func() {
		t := time.NewTicker(10 * time.Minute)
		defer t.Stop()
		for {
			select {
			case <-evictCtx.Done():
				return
			case <-t.C:
				if n := rateLimiter.EvictStale(time.Now().Add(-1 * time.Hour)); n > 0 {
					slog.Info("rate limiter eviction", "evicted", n)
				}
			}
		}
	}()

	breakers := circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig())

	responseCache, err := cache.NewResponseCache(cfg.Server.ResponseCacheSize)
	if err != nil {
		return err
	}

	routerSvc := app.NewRouterService(store, store, tasks)
	dispatcher := app.NewDispatcher(providerClient, store, store, breakers, tasks, gcpTransport, awsCreds)
	tokenCounter := tokencount.NewCounter()

	var metrics *telemetry.Metrics
	var metricsHandler http.Handler
	if cfg.Telemetry.Metrics.Enabled {
		promRegistry := prometheus.NewRegistry()
		promRegistry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		promRegistry.MustRegister(collectors.NewGoCollector())
		metrics = telemetry.NewMetrics(promRegistry)
		metricsHandler = promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{})
		slog.Info("prometheus metrics enabled")
	}

	var tracer trace.Tracer
	var tracingShutdown func(context.Context) error
	if cfg.Telemetry.Tracing.Enabled {
		endpoint := cfg.Telemetry.Tracing.Endpoint
		if endpoint == "" {
			endpoint = "localhost:4317"
		}
		sampleRate := cfg.Telemetry.Tracing.SampleRate
		if sampleRate == 0 {
			sampleRate = 0.1
		}
		shutdown, err := telemetry.SetupTracing(ctx, endpoint, sampleRate)
		if err != nil {
			slog.Warn("tracing setup failed, continuing without tracing", "error", err)
		} else {
			tracingShutdown = shutdown
			tracer = telemetry.Tracer("gandalf/server")
			slog.Info("opentelemetry tracing enabled", "endpoint", endpoint, "sample_rate", sampleRate)
		}
	}

	srvHandler := server.New(server.Deps{
		Auth:         gatewayAuth,
		LoginProtect: loginProtect,
		Store:        store,
		RateLimiter:  rateLimiter,
		RateLimitsForKey: func(gatewayKeyID string) ratelimit.Limits {
			key, err := store.GetGatewayKey(ctx, gatewayKeyID)
			if err != nil {
				return ratelimit.Limits{}
			}
			return ratelimit.Limits{RPS: key.RateLimitRPS, RPM: key.RateLimitRPM}
		},
		MaxRequestBodyBytes: cfg.Server.MaxRequestBodyBytes,
		Metrics:             metrics,
		MetricsHandler:       metricsHandler,
		Tracer:               tracer,
		ReadyCheck:           store.Ping,
	})
	srvHandler.MountInference(server.InferenceDeps{
		Router:       routerSvc,
		Dispatcher:   dispatcher,
		Cache:        responseCache,
		Tasks:        tasks,
		TokenCounter: tokenCounter,
	})
	srvHandler.MountAdmin(operatorAuth)

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           srvHandler,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("inference routes enabled",
		"endpoints", []string{
			"POST /v1/chat/completions",
			"POST /v1/embeddings",
			"POST /v1/responses",
			"POST /v1/messages",
		},
	)
	slog.Info("gandalf ready", "addr", cfg.Server.Addr())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
	case err := <-errCh:
		tasks.BeginShutdown()
		return err
	}

	// §4.10: stop accepting connections, let in-flight handlers drain, then
	// drain the background task host, then close the DB pool -- each phase
	// gets a share of the configured graceful shutdown budget.
	budget := cfg.Server.GracefulShutdownTimeout
	shutdownCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}

	tasks.BeginShutdown()
	if !tasks.Wait(budget / 2) {
		slog.Warn("background tasks did not drain within shutdown budget")
	}

	if tracingShutdown != nil {
		if err := tracingShutdown(shutdownCtx); err != nil {
			slog.Error("tracing shutdown error", "error", err)
		}
	}

	slog.Info("gandalf stopped")
	return nil
}

// awsCredentialsOrNil resolves the default AWS credential chain, returning
// nil when no credentials are configured in the environment -- deployments
// without an aws_sigv4 endpoint run without it.
func awsCredentialsOrNil(ctx context.Context) aws.CredentialsProvider {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		slog.Info("aws credentials unavailable, aws_sigv4 endpoints will fail", "error", err)
		return nil
	}
	return cfg.Credentials
}
