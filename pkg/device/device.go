package device

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/drmcore/drmcore/internal/cache"
	"github.com/drmcore/drmcore/internal/config"
	"github.com/drmcore/drmcore/internal/drm"
	"github.com/drmcore/drmcore/internal/heap"
	"github.com/drmcore/drmcore/internal/metrics"
	"github.com/drmcore/drmcore/internal/submit"
	"github.com/drmcore/drmcore/pkg/backend"
	"github.com/drmcore/drmcore/pkg/bo"
	"github.com/drmcore/drmcore/pkg/health"
	"github.com/drmcore/drmcore/pkg/memmon"
	"github.com/drmcore/drmcore/pkg/types"
	"github.com/drmcore/drmcore/pkg/utils"
)

// State is the lifecycle state of a Device.
type State int32

const (
	// StateActive accepts allocations and submissions.
	StateActive State = iota
	// StateDraining is entered when the last reference is dropped.
	StateDraining
	StateDestroyed
)

// String returns string representation of the state
func (s State) String() string {
	switch s {
	case StateActive:
		return "ACTIVE"
	case StateDraining:
		return "DRAINING"
	case StateDestroyed:
		return "DESTROYED"
	default:
		return "UNKNOWN"
	}
}

// Device is one open connection to a GPU together with the buffer
// machinery layered over it.
type Device struct {
	conn     drm.Conn
	ownsConn bool

	backend  backend.Backend
	kind     types.Kind
	protocol types.ProtocolVersion
	features types.Features

	config  *config.Configuration
	logger  *utils.StructuredLogger
	logFile *os.File
	metrics *metrics.Collector
	// ownsMetrics is set when the collector was started by Open.
	ownsMetrics bool
	debug       bool
	now         func() time.Time

	table     *bo.Table
	boCache   *cache.BOCache
	ringCache *cache.BOCache

	// suballocMu guards both heaps and the small-object buffer.
	suballocMu     sync.Mutex
	ringHeap       *heap.Heap
	defaultHeap    *heap.Heap
	suballocBO     *bo.BO
	suballocOffset int64

	queue *submit.Queue

	// tracker records the outcome of kernel-facing operations.
	tracker *health.Tracker
	monitor *memmon.Monitor

	refcnt atomic.Int32
	state  atomic.Int32
}

// Option configures a Device at construction.
type Option func(*options)

type options struct {
	config   *config.Configuration
	logger   *utils.StructuredLogger
	metrics  *metrics.Collector
	registry *backend.Registry
	now      func() time.Time
}

// WithConfig sets the configuration. The default is config.NewDefault().
func WithConfig(cfg *config.Configuration) Option {
	return func(o *options) { o.config = cfg }
}

// WithLogger sets the logger instead of building one from the
// configuration.
func WithLogger(l *utils.StructuredLogger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics attaches a metrics collector.
func WithMetrics(c *metrics.Collector) Option {
	return func(o *options) { o.metrics = c }
}

// WithRegistry selects backends from r instead of backend.Default().
func WithRegistry(r *backend.Registry) Option {
	return func(o *options) { o.registry = r }
}

// WithClock replaces the clock used to age cache entries.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func buildOptions(opts []Option) *options {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.config == nil {
		o.config = config.NewDefault()
	}
	if o.registry == nil {
		o.registry = backend.Default()
	}
	if o.now == nil {
		o.now = time.Now
	}
	return o
}

// newLogger builds the device logger from the global settings. Verbose
// diagnostics lower the device component to DEBUG; a logger passed with
// WithLogger keeps the levels its owner chose.
func newLogger(cfg *config.Configuration) (*utils.StructuredLogger, *os.File, error) {
	level, err := utils.ParseLogLevel(cfg.Global.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	format, err := utils.ParseLogFormat(cfg.Global.LogFormat)
	if err != nil {
		return nil, nil, err
	}

	lc := utils.DefaultStructuredLoggerConfig()
	lc.Level = level
	lc.Format = format

	var file *os.File
	if cfg.Global.LogFile != "" {
		file, err = os.OpenFile(cfg.Global.LogFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0640)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		lc.Output = file
	}
	logger := utils.NewStructuredLogger(lc)
	if cfg.Device.Debug {
		logger.SetComponentLevel("device", utils.DEBUG)
	}
	return logger, file, nil
}

// Ref takes a new reference to the device.
func (d *Device) Ref() *Device {
	d.refcnt.Add(1)
	return d
}

// Del drops a reference. The last one tears the device down; any deferred
// submission must have been flushed by then.
func (d *Device) Del() {
	n := d.refcnt.Add(-1)
	if n > 0 {
		return
	}
	if n < 0 {
		panic("device: unreferenced too many times")
	}
	d.destroy()
}

// State returns the lifecycle state.
func (d *Device) State() State {
	return State(d.state.Load())
}

// Conn returns the kernel connection.
func (d *Device) Conn() drm.Conn { return d.conn }

// FD returns the kernel descriptor, or -1 for a detached transport.
func (d *Device) FD() int { return d.conn.FD() }

// Version returns the negotiated kernel protocol version.
func (d *Device) Version() types.ProtocolVersion { return d.protocol }

func (d *Device) Features() types.Features { return d.features }

func (d *Device) Backend() backend.Backend { return d.backend }

func (d *Device) Kind() types.Kind { return d.kind }

// Debug reports whether verbose diagnostics were requested.
func (d *Device) Debug() bool { return d.debug }

// HasHeaps reports whether sub-allocation heaps were created.
func (d *Device) HasHeaps() bool { return d.defaultHeap != nil }

// HasSyncobj reports kernel sync-object support. A failed capability query
// reads as unsupported.
func (d *Device) HasSyncobj() bool {
	v, err := d.conn.GetCap(drm.CapSyncobj)
	if err != nil {
		return false
	}
	return v != 0 && d.protocol >= types.ProtocolFenceFD
}

// Health returns the per-component health tracker. Components are
// "alloc", "import" and "submit".
func (d *Device) Health() *health.Tracker { return d.tracker }

// Monitor returns the buffer memory monitor, or nil when it is disabled.
func (d *Device) Monitor() *memmon.Monitor { return d.monitor }

// healthStatus reports overall health for the metrics server.
func (d *Device) healthStatus() (string, bool) {
	if d.State() != StateActive {
		return d.State().String(), false
	}
	state := d.tracker.GetOverallHealth()
	return state.String(), state != health.StateUnavailable && d.tracker.CanSubmit("submit")
}

// Stats returns device statistics and mirrors them into the metrics
// collector.
func (d *Device) Stats() types.DeviceStats {
	handles, names := d.table.Len()
	stats := types.DeviceStats{
		Backend:     d.backend.Name(),
		Kind:        d.kind.String(),
		State:       d.State().String(),
		RefCount:    d.refcnt.Load(),
		Handles:     handles,
		Names:       names,
		BOCache:     d.boCache.Stats(),
		RingCache:   d.ringCache.Stats(),
		Queue:       d.queue.Stats(),
		Health:      d.tracker.GetOverallHealth().String(),
		CollectedAt: d.now(),
	}
	for _, h := range []*heap.Heap{d.ringHeap, d.defaultHeap} {
		if h != nil {
			stats.Heaps = append(stats.Heaps, h.Stats())
		}
	}

	d.metrics.UpdateCache(stats.BOCache)
	d.metrics.UpdateCache(stats.RingCache)
	for _, hs := range stats.Heaps {
		d.metrics.UpdateHeap(hs)
	}
	return stats
}
