package device

import (
	"time"

	"github.com/gogpu/gputypes"

	"github.com/drmcore/drmcore/internal/cache"
	"github.com/drmcore/drmcore/internal/drm"
	"github.com/drmcore/drmcore/internal/heap"
	"github.com/drmcore/drmcore/pkg/bo"
	"github.com/drmcore/drmcore/pkg/errors"
	"github.com/drmcore/drmcore/pkg/types"
)

// NewBO allocates a buffer of at least size bytes. Small buffers with
// plain or ring flags come from a sub-allocation heap when the device has
// heaps; everything else is served by the general cache and then the
// kernel.
func (d *Device) NewBO(size int64, flags types.Flags) (*bo.BO, error) {
	if err := d.checkActive("new_bo"); err != nil {
		return nil, err
	}
	if size <= 0 {
		return nil, errors.Newf(errors.ErrCodeAllocationFailed, "invalid size %d", size).
			WithComponent("device").WithOperation("new_bo")
	}
	start := time.Now()

	if h := d.heapFor(size, flags); h != nil {
		b, err := h.Alloc(size)
		if err == nil {
			d.metrics.RecordOperation("heap_alloc", time.Since(start), b.Size(), true)
			return b, nil
		}
		// a full heap is not fatal, the kernel path still works
		d.logger.Debug("heap allocation failed, using kernel path", map[string]interface{}{
			"size":  size,
			"error": err.Error(),
		})
	}

	b, err := d.allocKernel(size, flags, d.boCache, bo.ReuseGeneral)
	d.metrics.RecordOperation("new_bo", time.Since(start), size, err == nil)
	d.tracker.Record("alloc", err)
	if err != nil {
		d.metrics.RecordError("new_bo", err)
		return nil, err
	}
	return b, nil
}

// NewBOForUsage allocates a buffer with the flags implied by a WebGPU
// buffer usage.
func (d *Device) NewBOForUsage(size int64, usage gputypes.BufferUsage) (*bo.BO, error) {
	return d.NewBO(size, types.FlagsForUsage(usage))
}

// NewRingBO allocates a command-ring buffer through the ring cache.
func (d *Device) NewRingBO(size int64) (*bo.BO, error) {
	if err := d.checkActive("new_ring_bo"); err != nil {
		return nil, err
	}
	if size <= 0 {
		return nil, errors.Newf(errors.ErrCodeAllocationFailed, "invalid size %d", size).
			WithComponent("device").WithOperation("new_ring_bo")
	}
	start := time.Now()
	b, err := d.allocKernel(size, types.RingFlags, d.ringCache, bo.ReuseRing)
	d.metrics.RecordOperation("new_ring_bo", time.Since(start), size, err == nil)
	d.tracker.Record("alloc", err)
	if err != nil {
		d.metrics.RecordError("new_ring_bo", err)
	}
	return b, err
}

// heapFor picks the heap serving an allocation, or nil.
func (d *Device) heapFor(size int64, flags types.Flags) *heap.Heap {
	if d.defaultHeap == nil || size >= d.config.Heap.MaxSuballocBytes() {
		return nil
	}
	switch flags {
	case 0:
		return d.defaultHeap
	case types.RingFlags:
		return d.ringHeap
	}
	return nil
}

// allocKernel serves an allocation from c, falling back to a fresh kernel
// buffer sized to c's bucket so it can be parked there later.
func (d *Device) allocKernel(size int64, flags types.Flags, c *cache.BOCache, reuse bo.Reuse) (*bo.BO, error) {
	size = drm.AlignPage(size)
	allocSize := size

	cacheable := flags.Cacheable()
	if cacheable {
		var b *bo.BO
		b, allocSize = c.Get(size, flags)
		if b != nil {
			d.metrics.RecordCacheHit(c.Name())
			return b, nil
		}
		d.metrics.RecordCacheMiss(c.Name())
	}

	handle, err := d.backend.AllocBO(allocSize, flags)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeAllocationFailed, "kernel allocation failed").
			WithComponent("device").WithOperation("alloc").
			WithDetail("size", allocSize).
			WithDetail("flags", flags.String())
	}

	b := bo.New(handle, allocSize, flags, d)
	if cacheable {
		b.SetReuse(reuse)
	}
	d.table.Insert(b)
	return b, nil
}

// allocBlock backs a sub-allocation heap. Called with suballocMu held.
func (d *Device) allocBlock(size int64, flags types.Flags) (*bo.BO, error) {
	return d.allocKernel(size, flags, d.boCache, bo.ReuseGeneral)
}

// FromHandle returns the BO for a local handle obtained elsewhere, e.g.
// from a prime import. An already known handle yields a new reference to
// the existing BO.
func (d *Device) FromHandle(handle uint32, size int64) (*bo.BO, error) {
	if err := d.checkActive("from_handle"); err != nil {
		return nil, err
	}
	b, found, err := d.table.LookupOrInsertHandle(handle, func() (*bo.BO, error) {
		return bo.New(handle, size, 0, d), nil
	})
	if err != nil {
		return nil, err
	}
	d.metrics.RecordOperation("from_handle", 0, 0, true)
	if !found {
		d.logger.Trace("imported handle", map[string]interface{}{"handle": handle, "size": size})
	}
	return b, nil
}

// FromName imports a buffer exported by another process under a global
// name. Imported buffers are never cached.
func (d *Device) FromName(name uint32) (*bo.BO, error) {
	if err := d.checkActive("from_name"); err != nil {
		return nil, err
	}
	start := time.Now()
	b, _, err := d.table.LookupOrInsertName(name,
		func() (uint32, int64, error) {
			return d.backend.OpenName(name)
		},
		func(handle uint32, size int64) (*bo.BO, error) {
			return bo.New(handle, size, 0, d), nil
		})
	d.metrics.RecordOperation("from_name", time.Since(start), 0, err == nil)
	d.tracker.Record("import", err)
	if err != nil {
		err = errors.Wrap(err, errors.ErrCodeImportFailed, "cannot open global name").
			WithComponent("device").WithOperation("from_name").
			WithDetail("name", name)
		d.metrics.RecordError("from_name", err)
		return nil, err
	}
	return b, nil
}

// ExportName returns the global name of b, exporting it on first use. An
// exported buffer is never recycled.
func (d *Device) ExportName(b *bo.BO) (uint32, error) {
	if b.IsSuballoc() {
		return 0, errors.Newf(errors.ErrCodeExportFailed, "%s is a sub-allocation", b).
			WithComponent("device").WithOperation("export_name")
	}
	if name := b.Name(); name != 0 {
		return name, nil
	}
	name, err := d.backend.ExportName(b.Handle())
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeExportFailed, "cannot export buffer").
			WithComponent("device").WithOperation("export_name").
			WithDetail("handle", b.Handle())
	}
	d.table.SetName(b, name)
	b.SetReuse(bo.NoReuse)
	return name, nil
}

// SuballocObject carves size bytes out of the current small-object ring
// buffer, starting a new one when it is full. The returned BO holds a
// reference that the caller drops with Unref; offset is where the object
// starts.
func (d *Device) SuballocObject(size int64) (b *bo.BO, offset int64, err error) {
	if err := d.checkActive("suballoc_object"); err != nil {
		return nil, 0, err
	}
	objectSize := d.config.Heap.ObjectBytes()
	if size <= 0 || size > objectSize {
		return nil, 0, errors.Newf(errors.ErrCodeAllocationFailed, "object size %d out of range", size).
			WithComponent("device").WithOperation("suballoc_object").
			WithDetail("max", objectSize)
	}

	d.suballocMu.Lock()
	defer d.suballocMu.Unlock()

	if d.suballocBO != nil {
		offset = alignUp(d.suballocOffset, int64(d.config.Heap.Alignment))
		if offset+size > d.suballocBO.Size() {
			d.suballocBO.Unref()
			d.suballocBO = nil
		}
	}
	if d.suballocBO == nil {
		nb, err := d.allocKernel(objectSize, types.RingFlags, d.ringCache, bo.ReuseRing)
		if err != nil {
			return nil, 0, err
		}
		d.suballocBO = nb
		offset = 0
	}

	d.suballocOffset = offset + size
	return d.suballocBO.Ref(), offset, nil
}

func alignUp(v, a int64) int64 {
	return (v + a - 1) &^ (a - 1)
}

// Release implements bo.Releaser for kernel BOs. The last reference parks
// the BO in its cache or closes the handle.
func (d *Device) Release(b *bo.BO) {
	var closeHandle, parked bool
	d.table.Unref(b, func(b *bo.BO) {
		if c := d.cacheFor(b); c != nil && c.Put(b) {
			parked = true
			return
		}
		d.table.EraseLocked(b)
		closeHandle = true
	})

	if closeHandle {
		d.closeHandle(b)
	}
	if parked {
		now := d.now()
		d.boCache.Cleanup(now)
		d.ringCache.Cleanup(now)
	}
}

func (d *Device) cacheFor(b *bo.BO) *cache.BOCache {
	switch b.Reuse() {
	case bo.ReuseGeneral:
		return d.boCache
	case bo.ReuseRing:
		return d.ringCache
	}
	return nil
}

// revive pulls a parked BO back out of its cache when a handle or name
// lookup hits it. Called with the table lock held.
func (d *Device) revive(b *bo.BO) {
	if !d.boCache.Remove(b) {
		d.ringCache.Remove(b)
	}
}

// evict releases a BO dropped from a cache, unless a lookup revived it in
// the meantime.
func (d *Device) evict(b *bo.BO) {
	if d.table.EraseIfUnused(b) {
		d.closeHandle(b)
	}
}

func (d *Device) closeHandle(b *bo.BO) {
	if err := d.backend.CloseHandle(b.Handle()); err != nil {
		d.logger.Error("closing handle failed", map[string]interface{}{
			"handle": b.Handle(),
			"error":  err.Error(),
		})
		d.metrics.RecordError("close_handle", err)
	}
}

// validateCached marks a parked BO will-need and reports whether its pages
// survived.
func (d *Device) validateCached(b *bo.BO) bool {
	if !d.features.Has(types.FeatureMadvise) {
		return true
	}
	retained, err := d.backend.Madvise(b.Handle(), true)
	return err == nil && retained
}

func (d *Device) markPurgeable(b *bo.BO) {
	if !d.features.Has(types.FeatureMadvise) {
		return
	}
	if _, err := d.backend.Madvise(b.Handle(), false); err != nil {
		d.logger.Debug("madvise failed", map[string]interface{}{"handle": b.Handle(), "error": err.Error()})
	}
}

func (d *Device) checkActive(op string) error {
	if s := d.State(); s != StateActive {
		return errors.Newf(errors.ErrCodeInvalidState, "device is %s", s).
			WithComponent("device").WithOperation(op)
	}
	return nil
}
