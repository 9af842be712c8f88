package main

import (
	"context"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"lienchain/gateway/compat"
	"lienchain/gateway/config"
	"lienchain/gateway/middleware"
	"lienchain/gateway/routes"
	"lienchain/observability/logging"
	telemetry "lienchain/observability/otel"
	"lienchain/rpc/client"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "", "path to gateway configuration")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	env := strings.TrimSpace(os.Getenv("LIEN_ENV"))
	if env == "" {
		env = cfg.Environment
	}
	slogger := logging.Setup("gateway", env, cfg.LogLevel)

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.FromEnvironment("gateway", env))
	if err != nil {
		slogger.Error("failed to initialise telemetry", "error", err)
		os.Exit(1)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	nodeURL, err := cfg.NodeURL()
	if err != nil {
		slogger.Error("resolve node endpoint", "error", err)
		os.Exit(1)
	}
	nodeToken := cfg.NodeToken()
	if nodeToken == "" {
		slogger.Warn("node bearer token not configured; the node will reject forwarded writes", "env", cfg.Node.TokenEnv)
	}

	rpcClient, err := client.New(cfg.Node.Endpoint,
		client.WithToken(nodeToken),
		client.WithHTTPClient(&http.Client{
			Timeout:   cfg.Node.Timeout.Duration,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}),
	)
	if err != nil {
		slogger.Error("build node client", "error", err)
		os.Exit(1)
	}

	compatHandler := compat.NewDispatcher(nodeURL, nodeToken).Handler()

	eventsURL := *nodeURL
	eventsURL.Path = "/ws/events"
	eventStream := routes.NewEventStreamProxy(&eventsURL, slogger)

	authSecret := cfg.AuthSecret()
	if cfg.Auth.Enabled && authSecret == "" {
		slogger.Error("auth enabled but no secret configured", "env", cfg.Auth.SecretEnv)
		os.Exit(1)
	}
	auth := middleware.NewAuthenticator(middleware.AuthConfig{
		Enabled:    cfg.Auth.Enabled,
		HMACSecret: authSecret,
		Issuer:     cfg.Auth.Issuer,
		Audience:   cfg.Auth.Audience,
		ScopeClaim: cfg.Auth.ScopeClaim,
		ClockSkew:  cfg.Auth.ClockSkew.Duration,
	}, slogger)

	rateLimits := make(map[string]middleware.RateLimit)
	for _, entry := range cfg.RateLimits {
		if entry.ID == "" {
			continue
		}
		perSecond := entry.RatePerSecond
		if perSecond <= 0 && entry.RequestsPerMinute > 0 {
			perSecond = entry.RequestsPerMinute / 60.0
		}
		rateLimits[entry.ID] = middleware.RateLimit{
			RatePerSecond: perSecond,
			Burst:         entry.Burst,
		}
	}
	if len(rateLimits) == 0 {
		rateLimits[routes.RateLimitReads] = middleware.RateLimit{RatePerSecond: 10, Burst: 50}
		rateLimits[routes.RateLimitWrites] = middleware.RateLimit{RatePerSecond: 2, Burst: 10}
		rateLimits[routes.RateLimitRPC] = middleware.RateLimit{RatePerSecond: 5, Burst: 20}
	}

	idemStore, err := middleware.NewIdempotencyStore(cfg.Idempotency.Path, nil)
	if err != nil {
		slogger.Error("open idempotency store", "error", err, "path", cfg.Idempotency.Path)
		os.Exit(1)
	}
	defer idemStore.Close()
	idem := middleware.NewIdempotency(idemStore, cfg.Idempotency.TTL.Duration, slogger)

	obs := middleware.NewObservability(middleware.ObservabilityConfig{
		ServiceName: cfg.Observability.ServiceName,
		Metrics:     cfg.Observability.Metrics,
		Tracing:     cfg.Observability.Tracing,
		LogRequests: cfg.Observability.LogRequests,
	}, slogger)

	router, err := routes.New(routes.Config{
		Client:        rpcClient,
		CompatHandler: compatHandler,
		EventStream:   eventStream,
		Authenticator: auth,
		RateLimiter:   middleware.NewRateLimiter(rateLimits),
		Observability: obs,
		Idempotency:   idem,
		CORS: middleware.CORSConfig{
			AllowedOrigins:   []string{"*"},
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Content-Type", "Authorization", "Idempotency-Key"},
			AllowCredentials: false,
		},
	})
	if err != nil {
		slogger.Error("configure routes", "error", err)
		os.Exit(1)
	}

	handler := http.Handler(router)
	if cfg.Observability.Tracing {
		handler = otelhttp.NewHandler(router, "gateway")
	}

	server := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout.Duration,
		WriteTimeout: cfg.WriteTimeout.Duration,
		IdleTimeout:  cfg.IdleTimeout.Duration,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	listener, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		slogger.Error("listen", "error", err, "address", cfg.ListenAddress)
		os.Exit(1)
	}
	go func() {
		slogger.Info("gateway listening", "address", listener.Addr().String(), "node", cfg.Node.Endpoint)
		if serveErr := server.Serve(listener); serveErr != nil && serveErr != http.ErrServerClosed {
			slogger.Error("serve", "error", serveErr)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slogger.Warn("graceful shutdown failed", "error", err)
	}
}
