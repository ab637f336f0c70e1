package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/dnscache"

	gateway "github.com/Alpaca-Network/gatewayz/internal"
	"github.com/Alpaca-Network/gatewayz/internal/app"
	"github.com/Alpaca-Network/gatewayz/internal/audit"
	"github.com/Alpaca-Network/gatewayz/internal/auth"
	"github.com/Alpaca-Network/gatewayz/internal/circuitbreaker"
	"github.com/Alpaca-Network/gatewayz/internal/cloudauth"
	"github.com/Alpaca-Network/gatewayz/internal/config"
	"github.com/Alpaca-Network/gatewayz/internal/entitlement"
	"github.com/Alpaca-Network/gatewayz/internal/provider"
	"github.com/Alpaca-Network/gatewayz/internal/provider/image"
	"github.com/Alpaca-Network/gatewayz/internal/provider/openaicompat"
	"github.com/Alpaca-Network/gatewayz/internal/provider/vertex"
	"github.com/Alpaca-Network/gatewayz/internal/ratelimit"
	"github.com/Alpaca-Network/gatewayz/internal/registry"
	"github.com/Alpaca-Network/gatewayz/internal/selector"
	"github.com/Alpaca-Network/gatewayz/internal/server"
	"github.com/Alpaca-Network/gatewayz/internal/storage/sqlite"
	"github.com/Alpaca-Network/gatewayz/internal/telemetry"
	"github.com/Alpaca-Network/gatewayz/internal/worker"
)

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(log)

	log.Info("starting gatewayz", "version", version, "addr", cfg.Server.Addr,
		"providers", cfg.EnabledProviders())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// Storage
	store, err := sqlite.New(cfg.Database.URL)
	if err != nil {
		return err
	}
	defer store.Close()

	// Telemetry
	var (
		metrics        *telemetry.Metrics
		metricsHandler http.Handler
	)
	if cfg.Telemetry.Metrics.Enabled {
		promReg := prometheus.NewRegistry()
		metrics = telemetry.NewMetrics(promReg)
		metricsHandler = promhttp.HandlerFor(promReg, promhttp.HandlerOpts{})
	}
	if cfg.Telemetry.Tracing.Enabled {
		shutdown, err := telemetry.SetupTracing(ctx, cfg.Telemetry.Tracing.Endpoint, cfg.Telemetry.Tracing.SampleRate)
		if err != nil {
			return err
		}
		defer shutdown(context.Background()) //nolint:errcheck
	}

	// Shared upstream transport with DNS caching.
	resolver := &dnscache.Resolver{}
	go refreshDNS(ctx, resolver)
	transport := provider.NewTransport(resolver, true)

	// Provider adapters
	adapters, providers, err := buildAdapters(ctx, cfg, transport, log)
	if err != nil {
		return err
	}

	catalog := registry.New(adapters, log)
	if err := catalog.Refresh(ctx); err != nil {
		// Serve with an empty catalog; the refresh worker retries.
		log.Warn("initial catalog refresh failed", "error", err)
	}

	// Background sinks and domain services
	auditSink := audit.NewSink(store, log)
	recorder := worker.NewUsageRecorder(store, log)

	gate, err := auth.NewGate(store, auditSink)
	if err != nil {
		return err
	}

	breakers := circuitbreaker.NewRegistry(circuitbreaker.Config{
		FailureThreshold: cfg.Circuit.FailureThreshold,
		OpenTimeout:      cfg.Circuit.OpenTimeout,
	})
	concurrency := ratelimit.NewConcurrency()

	application := app.New(app.Deps{
		Store:        store,
		Entitlements: entitlement.New(store, nil, log),
		Limiter:      ratelimit.NewLimiter(store, auditSink, log),
		Concurrency:  concurrency,
		Selector:     selector.New(catalog, breakers, log),
		Providers:    providers,
		Catalog:      catalog,
		Recorder:     recorder,
		Audit:        auditSink,
		Metrics:      metrics,
		Log:          log,
	}, app.Timeouts{
		Request:    cfg.Server.RequestTimeout,
		Stream:     cfg.Server.StreamTimeout,
		StreamIdle: cfg.Server.StreamIdle,
	})

	handler := server.New(server.Deps{
		Gate:           gate,
		App:            application,
		Catalog:        catalog,
		AdminKey:       cfg.Auth.AdminKey,
		ReadyCheck:     store.Ping,
		Metrics:        metrics,
		MetricsHandler: metricsHandler,
	})

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	// Workers keep running until the server has drained so in-flight requests
	// can still enqueue usage and audit records.
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	runner := worker.NewRunner(
		recorder,
		auditSink,
		worker.NewJanitor(store, log, breakers, concurrency),
		worker.NewCatalogRefreshWorker(catalog, log),
	)
	workerDone := make(chan error, 1)
	go func() { workerDone <- runner.Run(workerCtx) }()

	serveErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	log.Info("gatewayz ready", "addr", cfg.Server.Addr)

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-serveErr:
		stopWorkers()
		<-workerDone
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("server shutdown", "error", err)
	}

	stopWorkers()
	if err := <-workerDone; err != nil && !errors.Is(err, context.Canceled) {
		log.Warn("worker shutdown", "error", err)
	}

	log.Info("gatewayz stopped")
	return nil
}

// refreshDNS re-resolves cached entries so long-lived connections do not pin
// stale upstream addresses.
func refreshDNS(ctx context.Context, resolver *dnscache.Resolver) {
	t := time.NewTicker(5 * time.Minute)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			resolver.Refresh(true)
		}
	}
}

// Default API roots for the OpenAI-compatible upstreams.
const (
	openRouterBaseURL = "https://openrouter.ai/api/v1"
	fireworksBaseURL  = "https://api.fireworks.ai/inference/v1"
	togetherBaseURL   = "https://api.together.xyz/v1"
	deepInfraBaseURL  = "https://api.deepinfra.com/v1/openai"
	portkeyBaseURL    = "https://api.portkey.ai/v1"
)

// multiModal pairs a chat adapter with the same upstream's image endpoint so
// one registered provider serves both request kinds.
type multiModal struct {
	*openaicompat.Client
	images *image.Client
}

func (m *multiModal) GenerateImage(ctx context.Context, req *gateway.ImageRequest) (*gateway.ImageResponse, error) {
	return m.images.GenerateImage(ctx, req)
}

// buildAdapters constructs one adapter per configured provider and registers
// them for invocation. The returned slice feeds the model catalog.
func buildAdapters(ctx context.Context, cfg *config.Config, transport http.RoundTripper, log *slog.Logger) ([]gateway.Adapter, *provider.Registry, error) {
	reg := provider.NewRegistry()
	var adapters []gateway.Adapter

	register := func(name string, a gateway.Adapter) {
		reg.Register(name, a)
		adapters = append(adapters, a)
		log.Info("provider registered", "name", name)
	}

	if v := cfg.Providers.Vertex; v.Enabled() {
		creds, err := cloudauth.ResolveGCPCredentials(v.CredentialsJSON)
		if err != nil {
			return nil, nil, err
		}
		jwtTransport, err := cloudauth.NewGCPJWTTransport(ctx, transport, creds)
		if err != nil {
			return nil, nil, err
		}
		register("vertex", vertex.New(v.ProjectID, v.Location, "", &http.Client{Transport: jwtTransport}))
	}

	if or := cfg.Providers.OpenRouter; or.APIKey != "" {
		extra := map[string]string{}
		if or.SiteURL != "" {
			extra["HTTP-Referer"] = or.SiteURL
		}
		if or.SiteName != "" {
			extra["X-Title"] = or.SiteName
		}
		client := &http.Client{Transport: &cloudauth.APIKeyTransport{
			Key: or.APIKey, HeaderName: "Authorization", Prefix: "Bearer ", Extra: extra, Base: transport,
		}}
		register("openrouter", &multiModal{
			Client: openaicompat.New("openrouter", openRouterBaseURL, client),
			images: image.New("openrouter", openRouterBaseURL, client),
		})
	}

	bearer := func(name, baseURL string, p config.APIKeyProvider) {
		if p.APIKey == "" {
			return
		}
		if p.BaseURL != "" {
			baseURL = p.BaseURL
		}
		client := &http.Client{Transport: &cloudauth.APIKeyTransport{
			Key: p.APIKey, HeaderName: "Authorization", Prefix: "Bearer ", Base: transport,
		}}
		register(name, openaicompat.New(name, baseURL, client))
	}
	bearer("fireworks", fireworksBaseURL, cfg.Providers.Fireworks)
	bearer("together", togetherBaseURL, cfg.Providers.Together)
	bearer("deepinfra", deepInfraBaseURL, cfg.Providers.DeepInfra)

	if p := cfg.Providers.Portkey; p.APIKey != "" {
		baseURL := portkeyBaseURL
		if p.BaseURL != "" {
			baseURL = p.BaseURL
		}
		client := &http.Client{Transport: &cloudauth.APIKeyTransport{
			Key: p.APIKey, HeaderName: "x-portkey-api-key", Base: transport,
		}}
		register("portkey", openaicompat.New("portkey", baseURL, client))
	}

	return adapters, reg, nil
}
