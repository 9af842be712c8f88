package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"lienchain/observability/logging"
	telemetry "lienchain/observability/otel"
	"lienchain/rpc/client"
	"lienchain/services/loan-indexer/config"
	"lienchain/services/loan-indexer/ingest"
	"lienchain/services/loan-indexer/models"
	"lienchain/services/loan-indexer/reports"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "", "path to loan-indexer configuration")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	env := strings.TrimSpace(os.Getenv("LIEN_ENV"))
	if env == "" {
		env = cfg.Environment
	}
	slogger := logging.Setup("loan-indexer", env, cfg.LogLevel)

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.FromEnvironment("loan-indexer", env))
	if err != nil {
		slogger.Error("failed to initialise telemetry", "error", err)
		os.Exit(1)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	db, err := openDatabase(cfg.Database)
	if err != nil {
		slogger.Error("open database", "error", err, "driver", cfg.Database.Driver)
		os.Exit(1)
	}
	if err := models.AutoMigrate(db); err != nil {
		slogger.Error("migrate database", "error", err)
		os.Exit(1)
	}

	rpcClient, err := client.New(cfg.Node.Endpoint,
		client.WithHTTPClient(&http.Client{
			Timeout:   cfg.Node.Timeout.Duration,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}),
	)
	if err != nil {
		slogger.Error("build node client", "error", err)
		os.Exit(1)
	}

	ingester, err := ingest.New(ingest.Config{
		DB:           db,
		Client:       rpcClient,
		PollInterval: cfg.PollInterval.Duration,
		PageSize:     cfg.PageSize,
		Logger:       slogger,
	})
	if err != nil {
		slogger.Error("build ingester", "error", err)
		os.Exit(1)
	}

	location, err := cfg.Location()
	if err != nil {
		slogger.Error("resolve report timezone", "error", err)
		os.Exit(1)
	}
	reporter, err := reports.NewReporter(reports.Config{
		DB:                  db,
		TZ:                  location,
		OutputDir:           cfg.Reports.OutputDir,
		EventRetentionDays:  cfg.Retention.EventDays,
		ReportRetentionDays: cfg.Retention.ReportDays,
		Logger:              slogger,
	})
	if err != nil {
		slogger.Error("build reporter", "error", err)
		os.Exit(1)
	}
	scheduler, err := reports.NewScheduler(reports.SchedulerConfig{
		Reporter:  reporter,
		RunHour:   cfg.Reports.RunHour,
		RunMinute: cfg.Reports.RunMinute,
		Location:  location,
		Logger:    slogger,
	})
	if err != nil {
		slogger.Error("build report scheduler", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go ingester.Run(ctx)
	go func() {
		if err := scheduler.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slogger.Error("report scheduler stopped", "error", err)
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", otelhttp.NewHandler(healthHandler(db), "loan-indexer.health"))

	server := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slogger.Info("loan-indexer listening", "address", cfg.ListenAddress, "node", cfg.Node.Endpoint)
		if serveErr := server.ListenAndServe(); serveErr != nil && serveErr != http.ErrServerClosed {
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

func openDatabase(cfg config.DatabaseConfig) (*gorm.DB, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "postgres":
		return gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{})
	case "sqlite":
		return gorm.Open(sqlite.Open(cfg.DSN), &gorm.Config{})
	default:
		return nil, fmt.Errorf("database driver %q not supported", cfg.Driver)
	}
}

func healthHandler(db *gorm.DB) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status := "ok"
		code := http.StatusOK
		if sqlDB, err := db.DB(); err != nil {
			status = "degraded"
			code = http.StatusServiceUnavailable
		} else if err := sqlDB.PingContext(r.Context()); err != nil {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(map[string]string{"status": status})
	})
}
