package metrics

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/objectfs/vfs/pkg/errors"
	"github.com/objectfs/vfs/pkg/logging"
)

// Transfer directions.
const (
	DirectionRead  = "read"
	DirectionWrite = "write"
)

// Collector records host activity on a private Prometheus registry. A nil
// *Collector is valid and records nothing.
type Collector struct {
	mu       sync.RWMutex
	config   *Config
	registry *prometheus.Registry
	logger   *zap.Logger

	// Prometheus metrics
	operationCounter  *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	cacheRequests     *prometheus.CounterVec
	activeConnections *prometheus.GaugeVec
	transferBytes     *prometheus.CounterVec
	watchNotify       *prometheus.CounterVec
	errorCounter      *prometheus.CounterVec

	// Internal tracking
	operations map[string]*OperationMetrics
	lastReset  time.Time

	// HTTP server for metrics endpoint
	server *http.Server
}

// Config represents metrics configuration
type Config struct {
	Enabled   bool              `yaml:"enabled"`
	Port      int               `yaml:"port"`
	Path      string            `yaml:"path"`
	Labels    map[string]string `yaml:"labels"`
	Namespace string            `yaml:"namespace"`
	Subsystem string            `yaml:"subsystem"`
}

// DefaultConfig returns the configuration used for a nil *Config.
func DefaultConfig() *Config {
	return &Config{
		Enabled:   true,
		Port:      9102,
		Path:      "/metrics",
		Namespace: "vfs",
		Labels:    make(map[string]string),
	}
}

// OperationMetrics tracks metrics for one backend operation
type OperationMetrics struct {
	Count         int64         `json:"count"`
	TotalDuration time.Duration `json:"total_duration"`
	Errors        int64         `json:"errors"`
	LastOperation time.Time     `json:"last_operation"`
	AvgDuration   time.Duration `json:"avg_duration"`
}

// NewCollector creates a new metrics collector
func NewCollector(config *Config, logger *zap.Logger) (*Collector, error) {
	if config == nil {
		config = DefaultConfig()
	}

	c := &Collector{
		config:     config,
		logger:     logging.OrNop(logger).Named("metrics"),
		operations: make(map[string]*OperationMetrics),
		lastReset:  time.Now(),
	}
	if !config.Enabled {
		return c, nil
	}

	c.registry = prometheus.NewRegistry()
	c.initMetrics()
	if err := c.registerMetrics(); err != nil {
		return nil, errors.Wrap(errors.KindInvalidCall, err, "failed to register metrics").WithComponent("metrics")
	}
	return c, nil
}

func (c *Collector) enabled() bool {
	return c != nil && c.config.Enabled
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if !c.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Registry returns the private registry, or nil when disabled.
func (c *Collector) Registry() *prometheus.Registry {
	if !c.enabled() {
		return nil
	}
	return c.registry
}

// Start serves the metrics endpoint until Stop.
func (c *Collector) Start(ctx context.Context) error {
	if !c.enabled() {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(c.config.Path, c.Handler())
	mux.HandleFunc("/health", c.healthHandler)
	mux.HandleFunc("/debug/operations", c.debugOperationsHandler)

	c.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", c.config.Port),
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second, // Prevent Slowloris attacks
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			c.logger.Error("Metrics server error", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		_ = c.server.Close()
	}()
	return nil
}

// Stop stops the metrics endpoint
func (c *Collector) Stop(ctx context.Context) error {
	if c == nil || c.server == nil {
		return nil
	}
	return c.server.Shutdown(ctx)
}

// RecordOperation records one host operation. A nil err counts as success;
// cancellations are counted with their own status.
func (c *Collector) RecordOperation(backend, operation string, duration time.Duration, err error) {
	if !c.enabled() {
		return
	}

	status := "success"
	switch {
	case errors.IsKind(err, errors.KindCancelled):
		status = "cancelled"
	case err != nil:
		status = "error"
	}

	key := backend + "." + operation
	c.mu.Lock()
	m, ok := c.operations[key]
	if !ok {
		m = &OperationMetrics{}
		c.operations[key] = m
	}
	m.Count++
	m.TotalDuration += duration
	if status == "error" {
		m.Errors++
	}
	m.LastOperation = time.Now()
	m.AvgDuration = time.Duration(int64(m.TotalDuration) / m.Count)
	c.mu.Unlock()

	c.operationCounter.With(prometheus.Labels{
		"backend":   backend,
		"operation": operation,
		"status":    status,
	}).Inc()
	c.operationDuration.With(prometheus.Labels{
		"backend":   backend,
		"operation": operation,
	}).Observe(duration.Seconds())

	if status == "error" {
		c.errorCounter.With(prometheus.Labels{
			"backend": backend,
			"kind":    string(errors.KindOf(err)),
		}).Inc()
	}
}

// Observe times fn and records it as one operation.
func (c *Collector) Observe(backend, operation string, fn func() error) error {
	start := time.Now()
	err := fn()
	c.RecordOperation(backend, operation, time.Since(start), err)
	return err
}

// RecordCacheLookup counts one directory cache lookup by result (hit, miss,
// coalesced or error).
func (c *Collector) RecordCacheLookup(backend, result string) {
	if !c.enabled() {
		return
	}
	c.cacheRequests.With(prometheus.Labels{"backend": backend, "result": result}).Inc()
}

// CacheLookupFunc adapts RecordCacheLookup to a cache lookup hook.
func (c *Collector) CacheLookupFunc(backend string) func(result string) {
	if !c.enabled() {
		return nil
	}
	return func(result string) { c.RecordCacheLookup(backend, result) }
}

// SetActiveConnections reports the connections currently checked out.
func (c *Collector) SetActiveConnections(backend string, n int) {
	if !c.enabled() {
		return
	}
	c.activeConnections.With(prometheus.Labels{"backend": backend}).Set(float64(n))
}

// AddTransferBytes counts payload bytes moved in direction.
func (c *Collector) AddTransferBytes(backend, direction string, n int64) {
	if !c.enabled() || n <= 0 {
		return
	}
	c.transferBytes.With(prometheus.Labels{"backend": backend, "direction": direction}).Add(float64(n))
}

// RecordWatchNotification counts one change notification.
func (c *Collector) RecordWatchNotification(backend string) {
	if !c.enabled() {
		return
	}
	c.watchNotify.With(prometheus.Labels{"backend": backend}).Inc()
}

// GetMetrics returns a copy of the per-operation tracking.
func (c *Collector) GetMetrics() map[string]OperationMetrics {
	if c == nil {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]OperationMetrics, len(c.operations))
	for k, v := range c.operations {
		out[k] = *v
	}
	return out
}

// ResetMetrics resets the per-operation tracking
func (c *Collector) ResetMetrics() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.operations = make(map[string]*OperationMetrics)
	c.lastReset = time.Now()
}

// Helper methods

func (c *Collector) initMetrics() {
	labels := prometheus.Labels(c.config.Labels)

	c.operationCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   c.config.Namespace,
			Subsystem:   c.config.Subsystem,
			Name:        "operations_total",
			Help:        "Total number of host operations",
			ConstLabels: labels,
		},
		[]string{"backend", "operation", "status"},
	)

	c.operationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   c.config.Namespace,
			Subsystem:   c.config.Subsystem,
			Name:        "operation_duration_seconds",
			Help:        "Duration of host operations in seconds",
			Buckets:     prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~32s
			ConstLabels: labels,
		},
		[]string{"backend", "operation"},
	)

	c.cacheRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   c.config.Namespace,
			Subsystem:   c.config.Subsystem,
			Name:        "cache_requests_total",
			Help:        "Directory cache lookups by result",
			ConstLabels: labels,
		},
		[]string{"backend", "result"},
	)

	c.activeConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace:   c.config.Namespace,
			Subsystem:   c.config.Subsystem,
			Name:        "active_connections",
			Help:        "Connections currently checked out of host pools",
			ConstLabels: labels,
		},
		[]string{"backend"},
	)

	c.transferBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   c.config.Namespace,
			Subsystem:   c.config.Subsystem,
			Name:        "transfer_bytes_total",
			Help:        "File payload bytes transferred",
			ConstLabels: labels,
		},
		[]string{"backend", "direction"},
	)

	c.watchNotify = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   c.config.Namespace,
			Subsystem:   c.config.Subsystem,
			Name:        "watch_notifications_total",
			Help:        "Directory change notifications delivered",
			ConstLabels: labels,
		},
		[]string{"backend"},
	)

	c.errorCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   c.config.Namespace,
			Subsystem:   c.config.Subsystem,
			Name:        "errors_total",
			Help:        "Failed host operations by error kind",
			ConstLabels: labels,
		},
		[]string{"backend", "kind"},
	)
}

func (c *Collector) registerMetrics() error {
	metrics := []prometheus.Collector{
		c.operationCounter,
		c.operationDuration,
		c.cacheRequests,
		c.activeConnections,
		c.transferBytes,
		c.watchNotify,
		c.errorCounter,
	}

	for _, metric := range metrics {
		if err := c.registry.Register(metric); err != nil {
			return err
		}
	}
	return nil
}

// HTTP handlers

func (c *Collector) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"healthy","service":"vfs-metrics"}`))
}

func (c *Collector) debugOperationsHandler(w http.ResponseWriter, r *http.Request) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	w.Header().Set("Content-Type", "text/plain")
	writef := func(format string, args ...interface{}) { _, _ = fmt.Fprintf(w, format, args...) }

	writef("VFS Operations Summary\n")
	writef("======================\n\n")
	writef("Uptime: %v\n", time.Since(c.lastReset))
	writef("Last Reset: %v\n\n", c.lastReset)

	if len(c.operations) == 0 {
		writef("No operations recorded.\n")
		return
	}

	writef("%-24s %10s %10s %12s %10s\n", "Operation", "Count", "Errors", "Avg Duration", "Last Op")
	writef("%-24s %10s %10s %12s %10s\n", "---------", "-----", "------", "------------", "-------")
	for name, op := range c.operations {
		writef("%-24s %10d %10d %12v %10s\n",
			name, op.Count, op.Errors, op.AvgDuration, op.LastOperation.Format("15:04:05"))
	}
}
