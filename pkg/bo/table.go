package bo

import (
	"sync"
)

// Table holds the two identity maps of a device: local handle to BO and
// global name to BO. Entries are non-owning; a BO leaves the table when its
// owner erases it after the last reference is gone.
//
// Reference-count changes that can cross zero happen under the table lock,
// so a lookup can never hand out a BO that is concurrently being destroyed.
type Table struct {
	mu      sync.Mutex
	handles map[uint32]*BO
	names   map[uint32]*BO

	// revive is called under the lock when a lookup hits a BO with no
	// references, i.e. one parked in a cache.
	revive func(b *BO)
}

// NewTable returns empty identity tables. revive may be nil.
func NewTable(revive func(b *BO)) *Table {
	return &Table{
		handles: make(map[uint32]*BO),
		names:   make(map[uint32]*BO),
		revive:  revive,
	}
}

// obtain takes a reference on a BO found in a table. Must hold t.mu.
func (t *Table) obtain(b *BO) *BO {
	if b.refcnt.Add(1) == 1 && t.revive != nil {
		t.revive(b)
	}
	return b
}

// LookupOrInsertHandle returns a new reference to the BO for handle, or
// inserts the one built by ctor. found reports whether it already existed.
func (t *Table) LookupOrInsertHandle(handle uint32, ctor func() (*BO, error)) (b *BO, found bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if b, ok := t.handles[handle]; ok {
		return t.obtain(b), true, nil
	}
	b, err = ctor()
	if err != nil {
		return nil, false, err
	}
	t.handles[handle] = b
	return b, false, nil
}

// LookupOrInsertName returns a new reference to the BO exported as name.
// Otherwise open resolves the name to a local handle; if that handle is
// already known its BO takes the name, else ctor builds a new BO.
func (t *Table) LookupOrInsertName(name uint32,
	open func() (handle uint32, size int64, err error),
	ctor func(handle uint32, size int64) (*BO, error),
) (*BO, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if b, ok := t.names[name]; ok {
		return t.obtain(b), true, nil
	}

	handle, size, err := open()
	if err != nil {
		return nil, false, err
	}

	if b, ok := t.handles[handle]; ok {
		t.obtain(b)
		t.setName(b, name)
		return b, true, nil
	}

	b, err := ctor(handle, size)
	if err != nil {
		return nil, false, err
	}
	t.handles[handle] = b
	t.setName(b, name)
	return b, false, nil
}

// Insert records a freshly allocated BO. Kernel handles are unique, so the
// handle must not be present.
func (t *Table) Insert(b *BO) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if old, ok := t.handles[b.handle]; ok && old != b {
		panic("bo: duplicate handle inserted into identity table")
	}
	t.handles[b.handle] = b
}

// SetName records the global name of an exported BO.
func (t *Table) SetName(b *BO, name uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.setName(b, name)
}

func (t *Table) setName(b *BO, name uint32) {
	b.name.Store(name)
	b.MarkShared()
	t.names[name] = b
}

// Unref drops a reference. When it was the last one, onZero runs under the
// table lock; it either parks the BO in a cache or erases it.
func (t *Table) Unref(b *BO, onZero func(b *BO)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if b.DecRef() == 0 {
		onZero(b)
	}
}

// EraseLocked removes b from both maps. It must only be called from an
// onZero callback.
func (t *Table) EraseLocked(b *BO) {
	t.erase(b)
}

// EraseIfUnused removes b from both maps unless a lookup revived it. It
// reports whether b was erased.
func (t *Table) EraseIfUnused(b *BO) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if b.refcnt.Load() != 0 {
		return false
	}
	t.erase(b)
	return true
}

func (t *Table) erase(b *BO) {
	if cur, ok := t.handles[b.handle]; ok && cur == b {
		delete(t.handles, b.handle)
	}
	if name := b.name.Load(); name != 0 {
		if cur, ok := t.names[name]; ok && cur == b {
			delete(t.names, name)
		}
	}
}

// Len returns the number of handle and name entries.
func (t *Table) Len() (handles, names int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.handles), len(t.names)
}

// Destroy empties the table and returns the BOs that were still present.
// After both caches are flushed any survivor is a leaked reference.
func (t *Table) Destroy() []*BO {
	t.mu.Lock()
	defer t.mu.Unlock()

	leaked := make([]*BO, 0, len(t.handles))
	for _, b := range t.handles {
		leaked = append(leaked, b)
	}
	t.handles = make(map[uint32]*BO)
	t.names = make(map[uint32]*BO)
	return leaked
}
