package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics. A zero Metrics (or a nil pointer)
// records nothing, so callers never need to check whether metrics are enabled.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight *prometheus.GaugeVec

	// Resilience metrics
	OperationsTotal   *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
	RetriesTotal      *prometheus.CounterVec
	FallbackResults   *prometheus.CounterVec
	CacheLookups      *prometheus.CounterVec

	// Error and alert metrics
	ErrorRecords    *prometheus.CounterVec
	AlertsRaised    *prometheus.CounterVec
	AlertDeliveries *prometheus.CounterVec
	OpenAlerts      prometheus.Gauge

	// Offline metrics
	OfflineCacheItems  prometheus.Gauge
	OfflinePendingSync prometheus.Gauge
	SyncOperations     *prometheus.CounterVec
	ConnectivityOnline prometheus.Gauge
}

// Config holds metrics configuration
type Config struct {
	Namespace string `json:"namespace"`
	Subsystem string `json:"subsystem"`
	Enabled   bool   `json:"enabled"`
}

// DefaultConfig returns default metrics configuration
func DefaultConfig() *Config {
	return &Config{
		Namespace: "chat_resilience",
		Subsystem: "",
		Enabled:   true,
	}
}

// NewMetrics creates all collectors and registers them on a private registry
func NewMetrics(config *Config) *Metrics {
	if config == nil {
		config = DefaultConfig()
	}

	if !config.Enabled {
		return &Metrics{}
	}

	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      name,
			Help:      help,
		}, labels)
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      name,
			Help:      help,
		})
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),

		HTTPRequestsTotal: counter("http_requests_total", "Total number of HTTP requests",
			"method", "path", "status_code"),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path", "status_code"},
		),
		HTTPRequestsInFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "http_requests_in_flight",
				Help:      "Number of HTTP requests currently being processed",
			},
			[]string{"method", "path"},
		),

		OperationsTotal: counter("operations_total", "Operations executed through the resilience facade",
			"type", "outcome"),
		OperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "operation_duration_seconds",
				Help:      "Facade operation duration in seconds, retries and fallbacks included",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 20, 30},
			},
			[]string{"type", "outcome"},
		),
		RetriesTotal: counter("retries_total", "Retries scheduled by the retry engine",
			"profile"),
		FallbackResults: counter("fallback_results_total", "Fallback executor results by source",
			"profile", "source", "success"),
		CacheLookups: counter("cache_lookups_total", "Read-through cache lookups",
			"cache", "result"),

		ErrorRecords: counter("error_records_total", "Structured error records created",
			"severity", "category"),
		AlertsRaised: counter("alerts_raised_total", "Alerts raised by the alert engine",
			"type", "severity"),
		AlertDeliveries: counter("alert_deliveries_total", "Alert deliveries by channel",
			"channel", "status"),
		OpenAlerts: gauge("open_alerts", "Unresolved alerts currently held"),

		OfflineCacheItems:  gauge("offline_cache_items", "Items held in the offline cache"),
		OfflinePendingSync: gauge("offline_pending_sync", "Mutations waiting in the sync queue"),
		SyncOperations: counter("sync_operations_total", "Sync queue replay results",
			"kind", "outcome"),
		ConnectivityOnline: gauge("connectivity_online", "1 when the backend is reachable"),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.OperationsTotal,
		m.OperationDuration,
		m.RetriesTotal,
		m.FallbackResults,
		m.CacheLookups,
		m.ErrorRecords,
		m.AlertsRaised,
		m.AlertDeliveries,
		m.OpenAlerts,
		m.OfflineCacheItems,
		m.OfflinePendingSync,
		m.SyncOperations,
		m.ConnectivityOnline,
	)

	return m
}

// Registry exposes the private registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordHTTPRequest records HTTP request metrics
func (m *Metrics) RecordHTTPRequest(method, path string, statusCode int, duration time.Duration) {
	if m == nil || m.HTTPRequestsTotal == nil {
		return
	}

	statusStr := strconv.Itoa(statusCode)
	m.HTTPRequestsTotal.WithLabelValues(method, path, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, statusStr).Observe(duration.Seconds())
}

// RecordOperation records a facade call outcome
func (m *Metrics) RecordOperation(opType, outcome string, duration time.Duration) {
	if m == nil || m.OperationsTotal == nil {
		return
	}

	m.OperationsTotal.WithLabelValues(opType, outcome).Inc()
	m.OperationDuration.WithLabelValues(opType, outcome).Observe(duration.Seconds())
}

// RecordRetry records a scheduled retry
func (m *Metrics) RecordRetry(profile string) {
	if m == nil || m.RetriesTotal == nil {
		return
	}

	m.RetriesTotal.WithLabelValues(profile).Inc()
}

// RecordFallback records which source served a fallback executor call
func (m *Metrics) RecordFallback(profile, source string, success bool) {
	if m == nil || m.FallbackResults == nil {
		return
	}

	m.FallbackResults.WithLabelValues(profile, source, strconv.FormatBool(success)).Inc()
}

// RecordCacheLookup records a cache hit or miss
func (m *Metrics) RecordCacheLookup(cache string, hit bool) {
	if m == nil || m.CacheLookups == nil {
		return
	}

	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.WithLabelValues(cache, result).Inc()
}

// RecordErrorRecord records a structured error record
func (m *Metrics) RecordErrorRecord(severity, category string) {
	if m == nil || m.ErrorRecords == nil {
		return
	}

	m.ErrorRecords.WithLabelValues(severity, category).Inc()
}

// RecordAlert records a raised alert
func (m *Metrics) RecordAlert(alertType, severity string) {
	if m == nil || m.AlertsRaised == nil {
		return
	}

	m.AlertsRaised.WithLabelValues(alertType, severity).Inc()
}

// RecordAlertDelivery records a delivery attempt on one channel
func (m *Metrics) RecordAlertDelivery(channel string, err error) {
	if m == nil || m.AlertDeliveries == nil {
		return
	}

	status := "success"
	if err != nil {
		status = "failure"
	}
	m.AlertDeliveries.WithLabelValues(channel, status).Inc()
}

// UpdateOpenAlerts sets the number of unresolved alerts
func (m *Metrics) UpdateOpenAlerts(count int) {
	if m == nil || m.OpenAlerts == nil {
		return
	}

	m.OpenAlerts.Set(float64(count))
}

// UpdateOfflineStats sets offline cache and queue gauges
func (m *Metrics) UpdateOfflineStats(items, pendingSync int) {
	if m == nil || m.OfflineCacheItems == nil {
		return
	}

	m.OfflineCacheItems.Set(float64(items))
	m.OfflinePendingSync.Set(float64(pendingSync))
}

// RecordSyncOperation records the outcome of one replayed mutation
func (m *Metrics) RecordSyncOperation(kind, outcome string) {
	if m == nil || m.SyncOperations == nil {
		return
	}

	m.SyncOperations.WithLabelValues(kind, outcome).Inc()
}

// UpdateConnectivity sets the connectivity gauge
func (m *Metrics) UpdateConnectivity(online bool) {
	if m == nil || m.ConnectivityOnline == nil {
		return
	}

	value := 0.0
	if online {
		value = 1
	}
	m.ConnectivityOnline.Set(value)
}

// PrometheusMiddleware creates a middleware for Prometheus metrics collection
func (m *Metrics) PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil || m.HTTPRequestsInFlight == nil {
			c.Next()
			return
		}

		path := c.FullPath()
		m.HTTPRequestsInFlight.WithLabelValues(c.Request.Method, path).Inc()
		defer m.HTTPRequestsInFlight.WithLabelValues(c.Request.Method, path).Dec()

		start := time.Now()
		c.Next()
		m.RecordHTTPRequest(c.Request.Method, path, c.Writer.Status(), time.Since(start))
	}
}

// Handler returns the Prometheus metrics HTTP handler for the private registry
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// GaugeSource refreshes gauges from a live component
type GaugeSource func(m *Metrics)

// MetricsCollector refreshes gauges periodically
type MetricsCollector struct {
	metrics  *Metrics
	interval time.Duration
	sources  []GaugeSource
	stopCh   chan struct{}
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(metrics *Metrics, interval time.Duration, sources ...GaugeSource) *MetricsCollector {
	return &MetricsCollector{
		metrics:  metrics,
		interval: interval,
		sources:  sources,
		stopCh:   make(chan struct{}),
	}
}

// Start begins metrics collection and blocks until ctx is done or Stop is called
func (mc *MetricsCollector) Start(ctx context.Context) {
	ticker := time.NewTicker(mc.interval)
	defer ticker.Stop()

	mc.collect()
	for {
		select {
		case <-ctx.Done():
			return
		case <-mc.stopCh:
			return
		case <-ticker.C:
			mc.collect()
		}
	}
}

// Stop stops metrics collection
func (mc *MetricsCollector) Stop() {
	close(mc.stopCh)
}

func (mc *MetricsCollector) collect() {
	for _, source := range mc.sources {
		source(mc.metrics)
	}
}
