package bo

import (
	"fmt"
	"sync/atomic"

	"github.com/drmcore/drmcore/pkg/types"
)

// Releaser receives a BO whenever one of its references is dropped. The
// releaser owns the decrement so that it can make the final one atomic
// with whatever bookkeeping it guards (identity tables, heap free lists).
type Releaser interface {
	Release(b *BO)
}

// Reuse names the cache an unused BO is parked in.
type Reuse uint32

const (
	// NoReuse BOs go back to the kernel on their last unreference.
	NoReuse Reuse = iota
	ReuseGeneral
	ReuseRing
)

// BO is a GPU buffer object. A kernel BO owns a local handle; a
// suballocated BO references a byte range of a parent kernel BO.
type BO struct {
	handle uint32
	name   atomic.Uint32
	size   int64
	flags  types.Flags

	refcnt atomic.Int32
	shared atomic.Bool
	reuse  atomic.Uint32
	owner  Releaser
	parent *BO
	offset int64
}

// New returns a kernel BO with one reference.
func New(handle uint32, size int64, flags types.Flags, owner Releaser) *BO {
	b := &BO{
		handle: handle,
		size:   size,
		flags:  flags,
		owner:  owner,
	}
	b.refcnt.Store(1)
	return b
}

// NewSub returns a BO covering [offset, offset+size) of parent with one
// reference. It shares the parent's handle and never enters an identity
// table.
func NewSub(parent *BO, offset, size int64, owner Releaser) *BO {
	b := &BO{
		handle: parent.handle,
		size:   size,
		flags:  parent.flags,
		owner:  owner,
		parent: parent,
		offset: offset,
	}
	b.refcnt.Store(1)
	return b
}

// Handle returns the kernel local handle.
func (b *BO) Handle() uint32 { return b.handle }

// Name returns the global name, or 0 when never exported.
func (b *BO) Name() uint32 { return b.name.Load() }

func (b *BO) Size() int64 { return b.size }

func (b *BO) Flags() types.Flags { return b.flags }

// Offset returns the byte offset within the parent for suballocated BOs.
func (b *BO) Offset() int64 { return b.offset }

// Parent returns the backing BO of a suballocated BO, or nil.
func (b *BO) Parent() *BO { return b.parent }

func (b *BO) IsSuballoc() bool { return b.parent != nil }

// RefCount returns the current reference count. Zero means the BO is parked
// in a cache.
func (b *BO) RefCount() int32 { return b.refcnt.Load() }

// Ref takes a new reference. The caller must already hold one, or hold the
// lock that protects revival of parked BOs.
func (b *BO) Ref() *BO {
	b.refcnt.Add(1)
	return b
}

// Unref drops a reference through the owner.
func (b *BO) Unref() {
	b.owner.Release(b)
}

// DecRef decrements the count and returns the new value. Only Releaser
// implementations call it.
func (b *BO) DecRef() int32 {
	n := b.refcnt.Add(-1)
	if n < 0 {
		panic(fmt.Sprintf("bo: handle %d unreferenced too many times", b.handle))
	}
	return n
}

// Reusable reports whether the BO may be parked in a cache once unused.
func (b *BO) Reusable() bool {
	return !b.shared.Load() && b.flags.Cacheable() && b.parent == nil
}

// MarkShared records that the BO has been exported. Shared BOs are never
// recycled.
func (b *BO) MarkShared() {
	b.shared.Store(true)
}

// SetReuse selects the cache b returns to. Imported and exported BOs keep
// NoReuse.
func (b *BO) SetReuse(r Reuse) { b.reuse.Store(uint32(r)) }

func (b *BO) Reuse() Reuse {
	if b.shared.Load() {
		return NoReuse
	}
	return Reuse(b.reuse.Load())
}

// Shared reports whether the BO was exported or imported.
func (b *BO) Shared() bool {
	return b.shared.Load() || b.flags.Has(types.FlagShared)
}

func (b *BO) String() string {
	if b.parent != nil {
		return fmt.Sprintf("bo{handle=%d off=%d size=%d flags=%s}", b.handle, b.offset, b.size, b.flags)
	}
	return fmt.Sprintf("bo{handle=%d size=%d flags=%s refs=%d}", b.handle, b.size, b.flags, b.refcnt.Load())
}
