// Package memmon samples the buffer memory a device holds and releases
// cached memory when it grows past a limit.
package memmon

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/drmcore/drmcore/pkg/types"
	"github.com/drmcore/drmcore/pkg/utils"
)

// Source is what the monitor samples. *device.Device implements it.
type Source interface {
	Stats() types.DeviceStats
	Purge()
}

// MonitorConfig configures memory monitoring behavior
type MonitorConfig struct {
	// SampleInterval is how often to collect device stats
	SampleInterval time.Duration

	// AlertThreshold is the percentage of handle growth over the baseline
	// that triggers an alert
	AlertThreshold float64

	// MaxSamples is the number of samples to keep in history
	MaxSamples int

	// PurgeThreshold is the number of cached bytes above which the source
	// is purged. Zero disables purging.
	PurgeThreshold int64

	// BacklogThreshold is the number of deferred submissions that triggers
	// an alert.
	BacklogThreshold int

	Logger *utils.StructuredLogger
}

// DefaultMonitorConfig returns sensible defaults
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		SampleInterval:   10 * time.Second,
		AlertThreshold:   50.0,
		MaxSamples:       100,
		PurgeThreshold:   256 << 20,
		BacklogThreshold: 64,
	}
}

// Sample is one reading of a device's buffer memory.
type Sample struct {
	Timestamp     time.Time
	Handles       int
	Names         int
	CachedEntries int
	CachedBytes   int64
	HeapBlocks    int
	HeapLive      int
	HeapUsedBytes int64
	HeapFreeBytes int64
	Pending       int
}

// AlertType represents the type of memory alert
type AlertType int

const (
	AlertTypeHandleGrowth AlertType = iota
	AlertTypeCachePressure
	AlertTypeHeapFragmentation
	AlertTypeSubmitBacklog
)

// String returns the string representation of alert type
func (t AlertType) String() string {
	switch t {
	case AlertTypeHandleGrowth:
		return "handle_growth"
	case AlertTypeCachePressure:
		return "cache_pressure"
	case AlertTypeHeapFragmentation:
		return "heap_fragmentation"
	case AlertTypeSubmitBacklog:
		return "submit_backlog"
	default:
		return "unknown"
	}
}

// Alert represents a memory alert
type Alert struct {
	Timestamp time.Time
	Type      AlertType
	Message   string
	Current   int64
	Baseline  int64
	GrowthPct float64
}

// Monitor samples a Source periodically.
type Monitor struct {
	source Source
	config MonitorConfig
	logger *utils.StructuredLogger

	mu          sync.RWMutex
	samples     []Sample
	baselineSet bool
	baseline    Sample
	current     Sample
	alerts      []Alert
	purges      int

	stopCh chan struct{}
	wg     sync.WaitGroup
	active int32
}

// NewMonitor creates a monitor over source
func NewMonitor(source Source, config MonitorConfig) *Monitor {
	if config.Logger == nil {
		config.Logger = utils.NewNopLogger()
	}
	if config.SampleInterval <= 0 {
		config.SampleInterval = DefaultMonitorConfig().SampleInterval
	}
	if config.MaxSamples <= 0 {
		config.MaxSamples = DefaultMonitorConfig().MaxSamples
	}

	return &Monitor{
		source:  source,
		config:  config,
		logger:  config.Logger.WithComponent("memmon"),
		samples: make([]Sample, 0, config.MaxSamples),
		stopCh:  make(chan struct{}),
	}
}

// Start begins sampling in the background
func (m *Monitor) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&m.active, 0, 1) {
		return fmt.Errorf("monitor already running")
	}

	m.logger.Debug("starting memory monitor", map[string]interface{}{
		"sample_interval": m.config.SampleInterval.String(),
		"purge_threshold": m.config.PurgeThreshold,
	})

	m.wg.Add(1)
	go m.monitorLoop(ctx)
	return nil
}

// Stop stops sampling and waits for the loop to exit. A purge in progress
// completes first.
func (m *Monitor) Stop() error {
	if !atomic.CompareAndSwapInt32(&m.active, 1, 0) {
		return nil
	}
	close(m.stopCh)
	m.wg.Wait()
	return nil
}

func (m *Monitor) monitorLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.SampleInterval)
	defer ticker.Stop()

	m.Check()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.Check()
		}
	}
}

// Check takes a sample, raises alerts and purges the source when its
// caches hold more than PurgeThreshold bytes.
func (m *Monitor) Check() Sample {
	sample := m.takeSample()
	if m.analyze(sample) {
		m.source.Purge()
		m.mu.Lock()
		m.purges++
		m.mu.Unlock()
		m.logger.Info("purged buffer caches", map[string]interface{}{
			"cached":    utils.FormatBytes(sample.CachedBytes),
			"threshold": utils.FormatBytes(m.config.PurgeThreshold),
		})
	}
	return sample
}

func (m *Monitor) takeSample() Sample {
	stats := m.source.Stats()
	sample := Sample{
		Timestamp:     stats.CollectedAt,
		Handles:       stats.Handles,
		Names:         stats.Names,
		CachedEntries: stats.BOCache.Entries + stats.RingCache.Entries,
		CachedBytes:   stats.BOCache.Bytes + stats.RingCache.Bytes,
		Pending:       stats.Queue.Pending,
	}
	if sample.Timestamp.IsZero() {
		sample.Timestamp = time.Now()
	}
	for _, hs := range stats.Heaps {
		sample.HeapBlocks += hs.Blocks
		sample.HeapLive += hs.Live
		sample.HeapUsedBytes += hs.UsedBytes
		sample.HeapFreeBytes += hs.FreeBytes
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.baselineSet {
		m.baseline = sample
		m.baselineSet = true
	}
	m.current = sample
	m.samples = append(m.samples, sample)
	if len(m.samples) > m.config.MaxSamples {
		m.samples = m.samples[1:]
	}
	return sample
}

// analyze records alerts for sample and reports whether the source should
// be purged.
func (m *Monitor) analyze(current Sample) (purge bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	baseline := m.baseline

	if baseline.Handles > 0 {
		growthPct := (float64(current.Handles) - float64(baseline.Handles)) / float64(baseline.Handles) * 100
		if growthPct > m.config.AlertThreshold {
			m.generateAlert(AlertTypeHandleGrowth, fmt.Sprintf(
				"handle count increased by %.2f%% (from %d to %d)",
				growthPct, baseline.Handles, current.Handles,
			), int64(current.Handles), int64(baseline.Handles), growthPct)
		}
	}

	if m.config.PurgeThreshold > 0 && current.CachedBytes > m.config.PurgeThreshold {
		m.generateAlert(AlertTypeCachePressure, fmt.Sprintf(
			"caches hold %d bytes (threshold %d)", current.CachedBytes, m.config.PurgeThreshold,
		), current.CachedBytes, m.config.PurgeThreshold, 0)
		purge = true
	}

	// idle blocks beyond the first with more than three quarters free
	if total := current.HeapUsedBytes + current.HeapFreeBytes; current.HeapBlocks > 1 && total > 0 {
		freePct := float64(current.HeapFreeBytes) / float64(total) * 100
		if freePct > 75 {
			m.generateAlert(AlertTypeHeapFragmentation, fmt.Sprintf(
				"heaps %.2f%% free across %d blocks", freePct, current.HeapBlocks,
			), current.HeapFreeBytes, total, freePct)
		}
	}

	if m.config.BacklogThreshold > 0 && current.Pending >= m.config.BacklogThreshold {
		m.generateAlert(AlertTypeSubmitBacklog, fmt.Sprintf(
			"%d deferred submissions not flushed", current.Pending,
		), int64(current.Pending), int64(m.config.BacklogThreshold), 0)
	}
	return purge
}

// generateAlert must be called with the lock held.
func (m *Monitor) generateAlert(alertType AlertType, message string, current, baseline int64, growthPct float64) {
	m.alerts = append(m.alerts, Alert{
		Timestamp: time.Now(),
		Type:      alertType,
		Message:   message,
		Current:   current,
		Baseline:  baseline,
		GrowthPct: growthPct,
	})

	m.logger.Warn("memory alert", map[string]interface{}{
		"type":     alertType.String(),
		"message":  message,
		"current":  current,
		"baseline": baseline,
	})
}

// Stats summarizes the monitor's history.
type Stats struct {
	Current             Sample
	Baseline            Sample
	SampleCount         int
	AlertCount          int
	Purges              int
	HandleGrowthPercent float64
}

// GetStats returns current monitor statistics
func (m *Monitor) GetStats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := Stats{
		Current:     m.current,
		Baseline:    m.baseline,
		SampleCount: len(m.samples),
		AlertCount:  len(m.alerts),
		Purges:      m.purges,
	}
	if m.baselineSet && m.baseline.Handles > 0 {
		stats.HandleGrowthPercent = (float64(m.current.Handles) - float64(m.baseline.Handles)) / float64(m.baseline.Handles) * 100
	}
	return stats
}

// GetAlerts returns all alerts
func (m *Monitor) GetAlerts() []Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()

	alerts := make([]Alert, len(m.alerts))
	copy(alerts, m.alerts)
	return alerts
}

// GetSamples returns the sample history
func (m *Monitor) GetSamples() []Sample {
	m.mu.RLock()
	defer m.mu.RUnlock()

	samples := make([]Sample, len(m.samples))
	copy(samples, m.samples)
	return samples
}

// Leak is a steady rise in open handles across a sample window.
type Leak struct {
	From, To   Sample
	Growth     int
	GrowthRate float64 // handles per second
}

// DetectLeaks reports a leak when handle counts never fall across samples
// and rise by more than threshold percent overall.
func DetectLeaks(samples []Sample, threshold float64) []Leak {
	if len(samples) < 3 {
		return nil
	}
	first, last := samples[0], samples[len(samples)-1]
	for i := 1; i < len(samples); i++ {
		if samples[i].Handles < samples[i-1].Handles {
			return nil
		}
	}
	if first.Handles == 0 {
		return nil
	}
	growthPct := float64(last.Handles-first.Handles) / float64(first.Handles) * 100
	if growthPct <= threshold {
		return nil
	}
	leak := Leak{From: first, To: last, Growth: last.Handles - first.Handles}
	if d := last.Timestamp.Sub(first.Timestamp).Seconds(); d > 0 {
		leak.GrowthRate = float64(leak.Growth) / d
	}
	return []Leak{leak}
}
