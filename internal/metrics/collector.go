package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drmcore/drmcore/pkg/errors"
	"github.com/drmcore/drmcore/pkg/types"
)

// Collector records device activity as Prometheus metrics. A nil
// *Collector is valid and records nothing.
type Collector struct {
	mu       sync.RWMutex
	config   *Config
	registry *prometheus.Registry

	// Prometheus metrics
	operationCounter  *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	allocationSize    *prometheus.HistogramVec
	cacheRequests     *prometheus.CounterVec
	cacheBytes        *prometheus.GaugeVec
	cacheEntries      *prometheus.GaugeVec
	heapUsedBytes     *prometheus.GaugeVec
	heapBlocks        *prometheus.GaugeVec
	submissions       *prometheus.CounterVec
	activeDevices     prometheus.Gauge
	errorCounter      *prometheus.CounterVec

	// Internal tracking
	operations map[string]*OperationMetrics
	startedAt  time.Time

	server *http.Server

	// healthCheck backs the /health endpoint when set.
	healthCheck func() (status string, healthy bool)
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

// OperationMetrics tracks metrics for a specific operation type
type OperationMetrics struct {
	Count         int64         `json:"count"`
	TotalDuration time.Duration `json:"total_duration"`
	TotalSize     int64         `json:"total_size"`
	Errors        int64         `json:"errors"`
	LastOperation time.Time     `json:"last_operation"`
	AvgDuration   time.Duration `json:"avg_duration"`
	AvgSize       float64       `json:"avg_size"`
}

// NewCollector creates a new metrics collector
func NewCollector(config *Config) (*Collector, error) {
	if config == nil {
		config = &Config{
			Enabled:   true,
			Port:      9464,
			Path:      "/metrics",
			Namespace: "drmcore",
			Labels:    make(map[string]string),
		}
	}

	if !config.Enabled {
		return &Collector{config: config}, nil
	}

	collector := &Collector{
		config:     config,
		registry:   prometheus.NewRegistry(),
		operations: make(map[string]*OperationMetrics),
		startedAt:  time.Now(),
	}

	collector.initMetrics()
	if err := collector.registerMetrics(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	return collector, nil
}

func (c *Collector) enabled() bool {
	return c != nil && c.config.Enabled
}

// Registry returns the Prometheus registry, or nil when disabled.
func (c *Collector) Registry() *prometheus.Registry {
	if !c.enabled() {
		return nil
	}
	return c.registry
}

// Handler returns the HTTP mux serving the metrics endpoint.
func (c *Collector) Handler() http.Handler {
	mux := http.NewServeMux()
	if !c.enabled() {
		return mux
	}
	mux.Handle(c.config.Path, promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	mux.HandleFunc("/health", c.healthHandler)
	mux.HandleFunc("/debug/operations", c.debugOperationsHandler)
	return mux
}

// Start serves the metrics endpoint in the background.
func (c *Collector) Start(ctx context.Context) error {
	if !c.enabled() {
		return nil
	}

	c.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", c.config.Port),
		Handler:           c.Handler(),
		ReadHeaderTimeout: 30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	go func() {
		if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("Metrics server error: %v\n", err)
		}
	}()

	return nil
}

// Stop stops the metrics server
func (c *Collector) Stop(ctx context.Context) error {
	if c == nil || c.server == nil {
		return nil
	}
	return c.server.Shutdown(ctx)
}

// RecordOperation records a device operation with its duration and the
// number of bytes it covered.
func (c *Collector) RecordOperation(operation string, duration time.Duration, size int64, success bool) {
	if !c.enabled() {
		return
	}

	c.mu.Lock()
	metrics, exists := c.operations[operation]
	if !exists {
		metrics = &OperationMetrics{}
		c.operations[operation] = metrics
	}
	metrics.Count++
	metrics.TotalDuration += duration
	metrics.TotalSize += size
	if !success {
		metrics.Errors++
	}
	metrics.LastOperation = time.Now()
	metrics.AvgDuration = time.Duration(int64(metrics.TotalDuration) / metrics.Count)
	metrics.AvgSize = float64(metrics.TotalSize) / float64(metrics.Count)
	c.mu.Unlock()

	status := "success"
	if !success {
		status = "error"
	}
	c.operationCounter.With(prometheus.Labels{"operation": operation, "status": status}).Inc()
	c.operationDuration.With(prometheus.Labels{"operation": operation}).Observe(duration.Seconds())
	if size > 0 {
		c.allocationSize.With(prometheus.Labels{"operation": operation}).Observe(float64(size))
	}
}

// RecordCacheHit records a hit in the named buffer cache
func (c *Collector) RecordCacheHit(cache string) {
	if !c.enabled() {
		return
	}
	c.cacheRequests.With(prometheus.Labels{"cache": cache, "type": "hit"}).Inc()
}

// RecordCacheMiss records a miss in the named buffer cache
func (c *Collector) RecordCacheMiss(cache string) {
	if !c.enabled() {
		return
	}
	c.cacheRequests.With(prometheus.Labels{"cache": cache, "type": "miss"}).Inc()
}

// UpdateCache publishes the current size of a buffer cache.
func (c *Collector) UpdateCache(stats types.CacheStats) {
	if !c.enabled() {
		return
	}
	c.cacheBytes.With(prometheus.Labels{"cache": stats.Name}).Set(float64(stats.Bytes))
	c.cacheEntries.With(prometheus.Labels{"cache": stats.Name}).Set(float64(stats.Entries))
}

// UpdateHeap publishes the occupancy of a sub-allocation heap.
func (c *Collector) UpdateHeap(stats types.HeapStats) {
	if !c.enabled() {
		return
	}
	label := prometheus.Labels{"heap": heapLabel(stats.Flags)}
	c.heapUsedBytes.With(label).Set(float64(stats.UsedBytes))
	c.heapBlocks.With(label).Set(float64(stats.Blocks))
}

func heapLabel(flags types.Flags) string {
	if flags == types.RingFlags {
		return "ring"
	}
	if flags == 0 {
		return "default"
	}
	return flags.String()
}

// RecordSubmit records n deferred submissions reaching the backend.
func (c *Collector) RecordSubmit(n int, err error) {
	if !c.enabled() || n == 0 {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	c.submissions.With(prometheus.Labels{"status": status}).Add(float64(n))
}

// DeviceOpened counts a newly opened device.
func (c *Collector) DeviceOpened() {
	if c.enabled() {
		c.activeDevices.Inc()
	}
}

// DeviceClosed counts a destroyed device.
func (c *Collector) DeviceClosed() {
	if c.enabled() {
		c.activeDevices.Dec()
	}
}

// RecordError records an error, classified by its category.
func (c *Collector) RecordError(operation string, err error) {
	if !c.enabled() || err == nil {
		return
	}
	c.errorCounter.With(prometheus.Labels{
		"operation": operation,
		"category":  classifyError(err),
	}).Inc()
}

func classifyError(err error) string {
	if de, ok := errors.As(err); ok {
		return string(de.Category)
	}
	return "other"
}

// GetMetrics returns a copy of the per-operation tracking
func (c *Collector) GetMetrics() map[string]interface{} {
	metrics := make(map[string]interface{})
	if !c.enabled() {
		return metrics
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	operations := make(map[string]OperationMetrics, len(c.operations))
	for k, v := range c.operations {
		operations[k] = *v
	}
	metrics["operations"] = operations
	metrics["started_at"] = c.startedAt
	metrics["uptime"] = time.Since(c.startedAt)
	return metrics
}

func (c *Collector) initMetrics() {
	ns, sub := c.config.Namespace, c.config.Subsystem
	labels := prometheus.Labels(c.config.Labels)

	c.operationCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, ConstLabels: labels,
			Name: "operations_total",
			Help: "Total number of device operations",
		},
		[]string{"operation", "status"},
	)
	c.operationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: ns, Subsystem: sub, ConstLabels: labels,
			Name:    "operation_duration_seconds",
			Help:    "Duration of device operations in seconds",
			Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10), // 10us to ~2.6s
		},
		[]string{"operation"},
	)
	c.allocationSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: ns, Subsystem: sub, ConstLabels: labels,
			Name:    "buffer_size_bytes",
			Help:    "Size of buffer objects handed out",
			Buckets: prometheus.ExponentialBuckets(64, 4, 12), // 64B to 256MB
		},
		[]string{"operation"},
	)
	c.cacheRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, ConstLabels: labels,
			Name: "cache_requests_total",
			Help: "Total number of buffer cache lookups",
		},
		[]string{"cache", "type"},
	)
	c.cacheBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: ns, Subsystem: sub, ConstLabels: labels,
			Name: "cache_size_bytes",
			Help: "Bytes held idle by a buffer cache",
		},
		[]string{"cache"},
	)
	c.cacheEntries = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: ns, Subsystem: sub, ConstLabels: labels,
			Name: "cache_entries",
			Help: "Buffers held idle by a buffer cache",
		},
		[]string{"cache"},
	)
	c.heapUsedBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: ns, Subsystem: sub, ConstLabels: labels,
			Name: "heap_used_bytes",
			Help: "Bytes handed out by a sub-allocation heap",
		},
		[]string{"heap"},
	)
	c.heapBlocks = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: ns, Subsystem: sub, ConstLabels: labels,
			Name: "heap_blocks",
			Help: "Backing blocks owned by a sub-allocation heap",
		},
		[]string{"heap"},
	)
	c.submissions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, ConstLabels: labels,
			Name: "submissions_total",
			Help: "Deferred submissions flushed to the kernel",
		},
		[]string{"status"},
	)
	c.activeDevices = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: ns, Subsystem: sub, ConstLabels: labels,
			Name: "active_devices",
			Help: "Number of open devices",
		},
	)
	c.errorCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, ConstLabels: labels,
			Name: "errors_total",
			Help: "Total number of errors",
		},
		[]string{"operation", "category"},
	)
}

func (c *Collector) registerMetrics() error {
	metrics := []prometheus.Collector{
		c.operationCounter,
		c.operationDuration,
		c.allocationSize,
		c.cacheRequests,
		c.cacheBytes,
		c.cacheEntries,
		c.heapUsedBytes,
		c.heapBlocks,
		c.submissions,
		c.activeDevices,
		c.errorCounter,
	}

	for _, metric := range metrics {
		if err := c.registry.Register(metric); err != nil {
			return err
		}
	}
	return nil
}

// SetHealthCheck makes /health report fn's status, answering 503 while
// fn reports unhealthy.
func (c *Collector) SetHealthCheck(fn func() (status string, healthy bool)) {
	if !c.enabled() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.healthCheck = fn
}

// HTTP handlers

func (c *Collector) healthHandler(w http.ResponseWriter, r *http.Request) {
	c.mu.RLock()
	check := c.healthCheck
	c.mu.RUnlock()

	status, healthy := "healthy", true
	if check != nil {
		status, healthy = check()
	}

	w.Header().Set("Content-Type", "application/json")
	if healthy {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status":  status,
		"service": "drmcore-metrics",
	})
}

func (c *Collector) debugOperationsHandler(w http.ResponseWriter, r *http.Request) {
	metrics := c.GetMetrics()
	operations, _ := metrics["operations"].(map[string]OperationMetrics)

	if r.URL.Query().Get("format") == "json" {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(operations)
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	writef := func(format string, args ...interface{}) { _, _ = fmt.Fprintf(w, format, args...) }

	writef("drmcore operations\n\n")
	writef("Uptime: %v\n\n", metrics["uptime"])
	if len(operations) == 0 {
		writef("No operations recorded.\n")
		return
	}

	names := make([]string, 0, len(operations))
	for name := range operations {
		names = append(names, name)
	}
	sort.Strings(names)

	writef("%-16s %10s %10s %12s %12s\n", "Operation", "Count", "Errors", "Avg Duration", "Avg Size")
	for _, name := range names {
		op := operations[name]
		writef("%-16s %10d %10d %12v %12.0f\n", name, op.Count, op.Errors, op.AvgDuration, op.AvgSize)
	}
}
