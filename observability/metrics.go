package observability

import (
	"fmt"
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type moduleMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	moduleMetricsOnce sync.Once
	moduleRegistry    *moduleMetrics

	gatewayMetricsOnce sync.Once
	gatewayRegistry    *GatewayMetrics

	indexerMetricsOnce sync.Once
	indexerRegistry    *IndexerMetrics
)

// ModuleMetrics returns the lazily-initialised module metrics registry used to
// record JSON-RPC module activity on the settlement node.
func ModuleMetrics() *moduleMetrics {
	moduleMetricsOnce.Do(func() {
		moduleRegistry = &moduleMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lien",
				Subsystem: "module",
				Name:      "requests_total",
				Help:      "Total JSON-RPC module requests segmented by module and method.",
			}, []string{"module", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lien",
				Subsystem: "module",
				Name:      "errors_total",
				Help:      "Total JSON-RPC module errors segmented by module, method, and status code.",
			}, []string{"module", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "lien",
				Subsystem: "module",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for JSON-RPC module handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"module", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lien",
				Subsystem: "module",
				Name:      "throttles_total",
				Help:      "Count of module requests rejected due to throttling policies.",
			}, []string{"module", "reason"}),
		}
		prometheus.MustRegister(
			moduleRegistry.requests,
			moduleRegistry.errors,
			moduleRegistry.latency,
			moduleRegistry.throttles,
		)
	})
	return moduleRegistry
}

// Observe records the outcome of a module request. The status code should be
// the HTTP status that was ultimately written to the response writer.
func (m *moduleMetrics) Observe(module, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(module, method, outcome).Inc()
	if status >= 400 {
		m.errors.WithLabelValues(module, method, fmt.Sprintf("%d", status)).Inc()
	}
	m.latency.WithLabelValues(module, method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter for the supplied module and
// reason. Reasons should be stable strings such as "rate_limit" so dashboards
// and alerts remain consistent.
func (m *moduleMetrics) RecordThrottle(module, reason string) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(module, reason).Inc()
}

// GatewayMetrics captures request metrics for the REST gateway facade.
type GatewayMetrics struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	replays  *prometheus.CounterVec
}

// Gateway returns the singleton metrics registry for the loan gateway.
func Gateway() *GatewayMetrics {
	gatewayMetricsOnce.Do(func() {
		gatewayRegistry = &GatewayMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lien",
				Subsystem: "gateway",
				Name:      "requests_total",
				Help:      "Count of gateway requests segmented by route and outcome.",
			}, []string{"route", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "lien",
				Subsystem: "gateway",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for gateway routes including the upstream call.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route"}),
			replays: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lien",
				Subsystem: "gateway",
				Name:      "idempotent_replays_total",
				Help:      "Count of requests answered from the idempotency store instead of the upstream node.",
			}, []string{"route"}),
		}
		prometheus.MustRegister(
			gatewayRegistry.requests,
			gatewayRegistry.latency,
			gatewayRegistry.replays,
		)
	})
	return gatewayRegistry
}

// Observe records the execution metrics for a gateway route.
func (m *GatewayMetrics) Observe(route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	route = labelRoute(route)
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(route, outcome).Inc()
	m.latency.WithLabelValues(route).Observe(duration.Seconds())
}

// RecordReplay increments the idempotent replay counter for a route.
func (m *GatewayMetrics) RecordReplay(route string) {
	if m == nil {
		return
	}
	m.replays.WithLabelValues(labelRoute(route)).Inc()
}

// IndexerMetrics bundles collectors tracking loan event ingestion and report
// generation inside the indexer service.
type IndexerMetrics struct {
	events    *prometheus.CounterVec
	lag       prometheus.Gauge
	volume    *prometheus.CounterVec
	reports   *prometheus.CounterVec
	retention *prometheus.CounterVec
}

// Indexer exposes the metrics registry for the loan indexer.
func Indexer() *IndexerMetrics {
	indexerMetricsOnce.Do(func() {
		indexerRegistry = &IndexerMetrics{
			events: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lien",
				Subsystem: "indexer",
				Name:      "events_total",
				Help:      "Count of loan events processed segmented by event type and outcome.",
			}, []string{"event", "outcome"}),
			lag: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "lien",
				Subsystem: "indexer",
				Name:      "ingest_lag_events",
				Help:      "Number of events between the node head cursor and the last ingested sequence.",
			}),
			volume: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lien",
				Subsystem: "indexer",
				Name:      "settled_volume",
				Help:      "Cumulative settled repayment volume in base units segmented by asset symbol.",
			}, []string{"asset"}),
			reports: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lien",
				Subsystem: "indexer",
				Name:      "reports_total",
				Help:      "Count of report files written segmented by format.",
			}, []string{"format"}),
			retention: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lien",
				Subsystem: "indexer",
				Name:      "retention_pruned_total",
				Help:      "Count of rows removed by retention sweeps segmented by table.",
			}, []string{"table"}),
		}
		prometheus.MustRegister(
			indexerRegistry.events,
			indexerRegistry.lag,
			indexerRegistry.volume,
			indexerRegistry.reports,
			indexerRegistry.retention,
		)
	})
	return indexerRegistry
}

// RecordEvent increments the processed-event counter.
func (m *IndexerMetrics) RecordEvent(event string, err error) {
	if m == nil {
		return
	}
	if event = strings.TrimSpace(event); event == "" {
		event = "unknown"
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.events.WithLabelValues(event, outcome).Inc()
}

// RecordLag updates the ingestion lag gauge.
func (m *IndexerMetrics) RecordLag(events uint64) {
	if m == nil {
		return
	}
	m.lag.Set(float64(events))
}

// RecordVolume adds a settled repayment amount to the volume counter.
func (m *IndexerMetrics) RecordVolume(asset string, amount *big.Int) {
	if m == nil {
		return
	}
	value := bigToFloat(amount)
	if value <= 0 {
		return
	}
	m.volume.WithLabelValues(labelAsset(asset)).Add(value)
}

// RecordReport increments the report counter for the supplied format.
func (m *IndexerMetrics) RecordReport(format string) {
	if m == nil {
		return
	}
	if format = strings.TrimSpace(format); format == "" {
		format = "unknown"
	}
	m.reports.WithLabelValues(strings.ToLower(format)).Inc()
}

// RecordRetention adds the number of rows pruned from a table.
func (m *IndexerMetrics) RecordRetention(table string, rows int64) {
	if m == nil || rows <= 0 {
		return
	}
	if table = strings.TrimSpace(table); table == "" {
		table = "unknown"
	}
	m.retention.WithLabelValues(table).Add(float64(rows))
}

func labelRoute(route string) string {
	trimmed := strings.TrimSpace(route)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}

func labelAsset(asset string) string {
	trimmed := strings.TrimSpace(asset)
	if trimmed == "" {
		return "UNKNOWN"
	}
	return strings.ToUpper(trimmed)
}

func bigToFloat(value *big.Int) float64 {
	if value == nil {
		return 0
	}
	floatVal, acc := new(big.Float).SetInt(value).Float64()
	if acc != big.Exact {
		// Guard against NaN/Inf when conversion fails.
		if math.IsNaN(floatVal) || math.IsInf(floatVal, 0) {
			return 0
		}
	}
	return floatVal
}
