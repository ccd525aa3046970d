package device

import (
	"context"
	"time"

	"go.uber.org/multierr"

	"github.com/drmcore/drmcore/internal/heap"
	"github.com/drmcore/drmcore/internal/submit"
	"github.com/drmcore/drmcore/pkg/backend"
	"github.com/drmcore/drmcore/pkg/errors"
	"github.com/drmcore/drmcore/pkg/utils"
)

// Enqueue defers sub until the next flush and returns without calling the
// kernel. With wantFence it returns the fence shared by the pending batch.
func (d *Device) Enqueue(sub *backend.Submission, wantFence bool) (*submit.Fence, error) {
	if err := d.checkActive("enqueue"); err != nil {
		return nil, err
	}
	return d.queue.Enqueue(sub, wantFence)
}

// Flush hands every deferred submission to the backend, in order, and
// waits for flushes already running on the worker pool.
func (d *Device) Flush() error {
	start := time.Now()
	err := d.queue.Flush()
	d.metrics.RecordOperation("flush", time.Since(start), 0, err == nil)
	return err
}

// Purge drops every idle heap block and every cached buffer. The device
// stays usable.
func (d *Device) Purge() {
	trimmed := 0
	for _, h := range []*heap.Heap{d.ringHeap, d.defaultHeap} {
		if h != nil {
			trimmed += h.Trim()
		}
	}
	cached := d.boCache.Stats().Bytes + d.ringCache.Stats().Bytes
	released := d.boCache.Cleanup(time.Time{})
	released += d.ringCache.Cleanup(time.Time{})
	d.logger.Debug("purged", map[string]interface{}{
		"heap_blocks": trimmed,
		"buffers":     released,
		"freed":       utils.FormatBytes(cached),
	})
}

// destroy tears the device down in reverse construction order. Pending
// submissions or live sub-allocations panic: releasing memory the GPU may
// still use is never an option.
func (d *Device) destroy() {
	d.state.Store(int32(StateDraining))
	if d.monitor != nil {
		_ = d.monitor.Stop()
	}
	d.queue.AssertDrained()

	d.suballocMu.Lock()
	object := d.suballocBO
	d.suballocBO = nil
	d.suballocMu.Unlock()
	if object != nil {
		object.Unref()
	}

	if d.ringHeap != nil {
		d.ringHeap.Destroy()
	}
	if d.defaultHeap != nil {
		d.defaultHeap.Destroy()
	}

	d.boCache.Cleanup(time.Time{})
	d.ringCache.Cleanup(time.Time{})

	// the backend may tear down address-space state that requires the
	// caches to be empty
	var errs error
	if err := d.backend.Destroy(); err != nil {
		errs = multierr.Append(errs, errors.Wrap(err, errors.ErrCodeInternalError, "backend teardown failed").
			WithComponent("device").WithOperation("destroy"))
	}

	for _, b := range d.table.Destroy() {
		d.logger.Error("leaked buffer at teardown", map[string]interface{}{
			"bo":   b.String(),
			"refs": b.RefCount(),
		})
	}

	d.queue.Close()

	if d.ownsConn {
		errs = multierr.Append(errs, d.conn.Close())
	}
	if d.ownsMetrics {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		errs = multierr.Append(errs, d.metrics.Stop(ctx))
		cancel()
	}
	d.metrics.DeviceClosed()

	for _, err := range multierr.Errors(errs) {
		d.logger.Error("teardown error", map[string]interface{}{"error": err.Error()})
	}
	d.logger.Info("device destroyed", map[string]interface{}{"backend": d.backend.Name()})

	if d.logFile != nil {
		_ = d.logFile.Close()
	}
	d.state.Store(int32(StateDestroyed))
}
