package device

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/drmcore/drmcore/internal/cache"
	"github.com/drmcore/drmcore/internal/config"
	"github.com/drmcore/drmcore/internal/drm"
	"github.com/drmcore/drmcore/internal/heap"
	"github.com/drmcore/drmcore/internal/metrics"
	"github.com/drmcore/drmcore/internal/submit"
	"github.com/drmcore/drmcore/internal/version"
	"github.com/drmcore/drmcore/pkg/backend"
	"github.com/drmcore/drmcore/pkg/bo"
	"github.com/drmcore/drmcore/pkg/errors"
	"github.com/drmcore/drmcore/pkg/health"
	"github.com/drmcore/drmcore/pkg/memmon"
	"github.com/drmcore/drmcore/pkg/types"
)

// openMu serializes device construction across the process. Forcing the
// detached transport and the heap probe pipe are not safe to interleave.
var openMu sync.Mutex

// New creates a device over conn. The device borrows conn and never closes
// it. Every failure returns a nil device; errors.IsNoDevice classifies it.
func New(conn drm.Conn, opts ...Option) (*Device, error) {
	openMu.Lock()
	defer openMu.Unlock()
	return newDevice(conn, buildOptions(opts))
}

// NewDup is like New but the device owns a private close-on-exec duplicate
// of conn, closed at teardown.
func NewDup(conn drm.Conn, opts ...Option) (*Device, error) {
	dup, err := conn.Dup()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeOpenFailed, "cannot duplicate connection").
			WithComponent("device").WithOperation("new_dup")
	}
	d, err := New(dup, opts...)
	if err != nil {
		_ = dup.Close()
		return nil, err
	}
	d.ownsConn = true
	return d, nil
}

// Open opens the first render node whose driver is one of
// cfg.Device.RenderNodes and creates a device owning it. When metrics are
// enabled and no collector was supplied, Open starts one for the device's
// lifetime.
func Open(cfg *config.Configuration, opts ...Option) (*Device, error) {
	if cfg == nil {
		cfg = config.NewDefault()
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidConfig, "invalid configuration").
			WithComponent("device").WithOperation("open")
	}

	conn, err := drm.OpenRender(cfg.Device.RenderNodes...)
	if err != nil {
		return nil, err
	}

	o := buildOptions(append(opts, WithConfig(cfg)))
	var started *metrics.Collector
	if o.metrics == nil && cfg.Monitoring.Metrics.Enabled {
		mc := cfg.Monitoring.Metrics
		started, err = metrics.NewCollector(&metrics.Config{
			Enabled:   true,
			Port:      mc.Port,
			Path:      mc.Path,
			Namespace: mc.Namespace,
			Labels:    mc.CustomLabels,
		})
		if err != nil {
			_ = conn.Close()
			return nil, errors.Wrap(err, errors.ErrCodeSetupFailed, "cannot create metrics collector").
				WithComponent("device").WithOperation("open")
		}
		if err := started.Start(context.Background()); err != nil {
			_ = conn.Close()
			return nil, errors.Wrap(err, errors.ErrCodeSetupFailed, "cannot start metrics server").
				WithComponent("device").WithOperation("open")
		}
		o.metrics = started
	}

	openMu.Lock()
	d, err := newDevice(conn, o)
	openMu.Unlock()
	if err != nil {
		_ = conn.Close()
		_ = started.Stop(context.Background())
		return nil, err
	}
	d.ownsConn = true
	if started != nil {
		d.ownsMetrics = true
		started.SetHealthCheck(d.healthStatus)
	}
	return d, nil
}

// newDevice runs version probing and backend selection, then builds the
// tables, caches, queue and (when gated in) the heaps. Must hold openMu.
func newDevice(conn drm.Conn, o *options) (*Device, error) {
	cfg := o.config

	logger, logFile := o.logger, (*os.File)(nil)
	if logger == nil {
		var err error
		logger, logFile, err = newLogger(cfg)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInvalidConfig, "cannot build logger").
				WithComponent("device").WithOperation("new")
		}
	}
	log := logger.WithComponent("device")
	closeLog := func() {
		if logFile != nil {
			_ = logFile.Close()
		}
	}

	prober := &version.Prober{
		Override: cfg.Device.DriverOverride,
		Rejected: cfg.Device.RejectedOverrides,
		Logger:   logger,
	}
	v, probeErr := prober.Probe(conn)
	if probeErr != nil && errors.HasCode(probeErr, errors.ErrCodeUnsupportedBackend) {
		log.Warn("driver override not usable", map[string]interface{}{"override": cfg.Device.DriverOverride})
		closeLog()
		return nil, probeErr
	}

	sel, err := o.registry.Select(v, backend.SelectOptions{
		ForceVTest: cfg.Device.ForceVTest,
		ProbeErr:   probeErr,
	})
	if err != nil {
		log.Warn("no usable backend", map[string]interface{}{"version": v.String(), "error": err.Error()})
		closeLog()
		return nil, err
	}

	backendConn := conn
	if sel.Detached {
		backendConn = drm.Detached()
	}
	be, err := sel.Factory(backendConn, v)
	if err != nil || be == nil {
		closeLog()
		if err == nil {
			err = errors.Newf(errors.ErrCodeBackendInit, "%s backend returned no device", sel.Kind)
		}
		return nil, errors.Wrap(err, errors.ErrCodeBackendInit, "backend setup failed").
			WithComponent("device").WithOperation("new").
			WithDetail("kind", sel.Kind.String())
	}

	d := &Device{
		conn:     conn,
		backend:  be,
		kind:     sel.Kind,
		protocol: be.ProtocolVersion(),
		features: be.Features(),
		config:   cfg,
		logger:   log,
		logFile:  logFile,
		metrics:  o.metrics,
		debug:    cfg.Device.Debug,
		now:      o.now,
	}
	d.refcnt.Store(1)
	d.state.Store(int32(StateActive))
	d.metrics.DeviceOpened()

	d.tracker = health.NewTracker(health.DefaultConfig())
	for _, component := range []string{"alloc", "import", "submit"} {
		d.tracker.RegisterComponent(component)
	}
	d.tracker.AddStateChangeCallback(health.StateNoSubmit, func(component string, _, _ health.HealthState, err error) {
		log.Error("kernel keeps rejecting submissions", map[string]interface{}{"component": component, "error": fmt.Sprint(err)})
	})

	d.table = bo.NewTable(d.revive)
	d.boCache = d.newCache("bo", false)
	d.ringCache = d.newCache("ring", true)
	threaded := cfg.Submit.Threaded && d.features.Has(types.FeatureThreadedSubmit)
	d.queue = submit.New(meteredSubmitter{be, o.metrics, d.tracker}, submit.Config{
		Threaded: threaded,
		Workers:  cfg.Submit.Workers,
		Logger:   log,
	})
	d.tracker.SetComponentMetadata("submit", "threaded", threaded)

	useHeap := cfg.Heap.Enabled && sel.AllowHeap
	if useHeap && !sel.ForceHeap {
		useHeap, err = d.probeHeapSupport(cfg.Heap.MinGen)
		if err != nil {
			d.destroy()
			return nil, errors.Wrap(err, errors.ErrCodeSetupFailed, "heap probe failed").
				WithComponent("device").WithOperation("new")
		}
	}
	if useHeap {
		d.ringHeap = d.newHeap(types.RingFlags)
		d.defaultHeap = d.newHeap(0)
	}
	d.tracker.SetComponentMetadata("alloc", "heaps", useHeap)
	d.tracker.SetComponentMetadata("alloc", "backend", be.Name())

	if mc := cfg.Monitoring.Memory; mc.Enabled {
		mcfg := memmon.DefaultMonitorConfig()
		mcfg.SampleInterval = mc.SampleInterval
		mcfg.AlertThreshold = mc.AlertThreshold
		mcfg.PurgeThreshold = mc.PurgeBytes()
		mcfg.Logger = logger
		d.monitor = memmon.NewMonitor(d, mcfg)
		if err := d.monitor.Start(context.Background()); err != nil {
			log.Warn("memory monitor not started", map[string]interface{}{"error": err.Error()})
		}
	}

	log.Info("device opened", map[string]interface{}{
		"backend":  be.Name(),
		"kind":     d.kind.String(),
		"protocol": int(d.protocol),
		"heaps":    useHeap,
	})
	return d, nil
}

// probeHeapSupport opens a throwaway 3D pipe and reports whether the GPU
// generation is recent enough for userspace-fenced sub-allocation.
func (d *Device) probeHeapSupport(minGen int) (bool, error) {
	pipe, err := d.backend.NewPipe(types.Pipe3D)
	if err != nil {
		return false, err
	}
	gen := pipe.GPUID().Generation()
	if err := pipe.Close(); err != nil {
		d.logger.Warn("closing probe pipe failed", map[string]interface{}{"error": err.Error()})
	}
	d.logger.Debug("heap probe", map[string]interface{}{"generation": gen, "min_generation": minGen})
	return gen >= minGen, nil
}

func (d *Device) newCache(name string, ring bool) *cache.BOCache {
	return cache.New(cache.Config{
		Name:          name,
		Coarse:        ring,
		MaxBucketSize: d.config.Cache.MaxBucketBytes(),
		MaxAge:        d.config.Cache.MaxAge,
		Validate:      d.validateCached,
		Purgeable:     d.markPurgeable,
		Destroy:       d.evict,
		Logger:        d.logger,
		Now:           d.now,
	})
}

func (d *Device) newHeap(flags types.Flags) *heap.Heap {
	return heap.New(heap.Config{
		Flags:      flags,
		BlockSize:  d.config.Heap.BlockBytes(),
		MaxBlocks:  d.config.Heap.MaxBlocks,
		Alignment:  int64(d.config.Heap.Alignment),
		AllocBlock: d.allocBlock,
		Lock:       &d.suballocMu,
		Logger:     d.logger,
	})
}

// meteredSubmitter counts flushed submissions and tracks their outcome.
type meteredSubmitter struct {
	backend backend.Backend
	metrics *metrics.Collector
	tracker *health.Tracker
}

func (m meteredSubmitter) Submit(batch []*backend.Submission) (uint32, error) {
	seqno, err := m.backend.Submit(batch)
	m.metrics.RecordSubmit(len(batch), err)
	if err != nil {
		m.tracker.RecordError("submit", errors.Wrap(err, errors.ErrCodeSubmitFailed, "kernel rejected submission"))
		m.metrics.RecordError("submit", err)
		return seqno, err
	}
	m.tracker.RecordSuccess("submit")
	return seqno, nil
}
