package middleware

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"lienchain/observability"
	"lienchain/observability/logging"
)

// ObservabilityConfig selects which telemetry signals the gateway emits for
// each route.
type ObservabilityConfig struct {
	ServiceName string
	Metrics     bool
	Tracing     bool
	LogRequests bool
}

// Observability instruments gateway routes with request metrics, trace spans,
// and structured request logs.
type Observability struct {
	cfg     ObservabilityConfig
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *observability.GatewayMetrics
}

func NewObservability(cfg ObservabilityConfig, logger *slog.Logger) *Observability {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "lien-gateway"
	}
	obs := &Observability{cfg: cfg, logger: logger}
	if cfg.Tracing {
		obs.tracer = otel.Tracer(cfg.ServiceName)
	}
	if cfg.Metrics {
		obs.metrics = observability.Gateway()
	}
	return obs
}

// Middleware wraps a handler with the configured telemetry for the named
// route. The route label should be the pattern ("/v1/loans/{id}/repay"), not
// the concrete path, so metric cardinality stays bounded.
func (o *Observability) Middleware(route string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ctx := r.Context()
			var span trace.Span
			if o.tracer != nil {
				ctx, span = o.tracer.Start(ctx, route, trace.WithAttributes(
					attribute.String("http.method", r.Method),
					attribute.String("http.route", route),
				))
			}
			recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(recorder, r.WithContext(ctx))
			duration := time.Since(start)
			if span != nil {
				span.SetAttributes(attribute.Int("http.status_code", recorder.status))
				span.End()
			}
			o.metrics.Observe(route, recorder.status, duration)
			if o.cfg.LogRequests {
				attrs := []any{
					"method", r.Method,
					"path", r.URL.Path,
					"status", recorder.status,
					"duration_ms", duration.Milliseconds(),
				}
				if auth := r.Header.Get("Authorization"); auth != "" {
					attrs = append(attrs, "authorization", logging.MaskAuthorization(auth))
				}
				o.logger.Info("gateway request", attrs...)
			}
		})
	}
}

// MetricsHandler exposes the process-wide Prometheus registry, which includes
// the gateway collectors registered by the observability package.
func (o *Observability) MetricsHandler() http.Handler {
	return promhttp.Handler()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}
