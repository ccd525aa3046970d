package bo

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type tableReleaser struct {
	t      *Table
	parked map[*BO]bool
}

func (r *tableReleaser) Release(b *BO) {
	r.t.Unref(b, func(b *BO) {
		if r.parked != nil {
			r.parked[b] = true
			return
		}
		r.t.EraseLocked(b)
	})
}

func newTestTable(park bool) (*Table, *tableReleaser) {
	r := &tableReleaser{}
	if park {
		r.parked = make(map[*BO]bool)
	}
	r.t = NewTable(func(b *BO) { delete(r.parked, b) })
	return r.t, r
}

func TestLookupOrInsertHandleDedupes(t *testing.T) {
	table, r := newTestTable(false)

	calls := 0
	ctor := func(h uint32) func() (*BO, error) {
		return func() (*BO, error) {
			calls++
			return New(h, 4096, 0, r), nil
		}
	}

	a, found, err := table.LookupOrInsertHandle(5, ctor(5))
	require.NoError(t, err)
	assert.False(t, found)

	b, found, err := table.LookupOrInsertHandle(5, ctor(5))
	require.NoError(t, err)
	assert.True(t, found)
	assert.Same(t, a, b)
	assert.Equal(t, int32(2), a.RefCount())
	assert.Equal(t, 1, calls)

	c, _, err := table.LookupOrInsertHandle(6, ctor(6))
	require.NoError(t, err)
	assert.NotSame(t, a, c)

	handles, names := table.Len()
	assert.Equal(t, 2, handles)
	assert.Zero(t, names)
}

func TestLookupOrInsertHandleCtorError(t *testing.T) {
	table, _ := newTestTable(false)

	_, _, err := table.LookupOrInsertHandle(1, func() (*BO, error) { return nil, errors.New("boom") })
	assert.Error(t, err)
	handles, _ := table.Len()
	assert.Zero(t, handles)
}

func TestLookupOrInsertName(t *testing.T) {
	table, r := newTestTable(false)

	opens := 0
	open := func() (uint32, int64, error) {
		opens++
		return 9, 8192, nil
	}
	ctor := func(h uint32, size int64) (*BO, error) { return New(h, size, 0, r), nil }

	a, found, err := table.LookupOrInsertName(100, open, ctor)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, uint32(100), a.Name())
	assert.Equal(t, int64(8192), a.Size())
	assert.True(t, a.Shared())

	b, found, err := table.LookupOrInsertName(100, open, ctor)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Same(t, a, b)
	assert.Equal(t, 1, opens, "known names skip the kernel")

	handles, names := table.Len()
	assert.Equal(t, 1, handles)
	assert.Equal(t, 1, names)
}

func TestLookupByNameFindsHandle(t *testing.T) {
	table, r := newTestTable(false)

	local, _, err := table.LookupOrInsertHandle(9, func() (*BO, error) { return New(9, 4096, 0, r), nil })
	require.NoError(t, err)

	byName, found, err := table.LookupOrInsertName(200,
		func() (uint32, int64, error) { return 9, 4096, nil },
		func(uint32, int64) (*BO, error) { t.Fatal("ctor must not run"); return nil, nil })
	require.NoError(t, err)
	assert.True(t, found)
	assert.Same(t, local, byName)
	assert.Equal(t, uint32(200), local.Name())
}

func TestUnrefErasesOnLastReference(t *testing.T) {
	table, r := newTestTable(false)

	b := New(1, 4096, 0, r)
	table.Insert(b)
	table.SetName(b, 50)
	b.Ref()

	b.Unref()
	handles, names := table.Len()
	assert.Equal(t, 1, handles)
	assert.Equal(t, 1, names)

	b.Unref()
	handles, names = table.Len()
	assert.Zero(t, handles)
	assert.Zero(t, names)
}

func TestLookupRevivesParkedBO(t *testing.T) {
	table, r := newTestTable(true)

	b := New(1, 4096, 0, r)
	table.Insert(b)
	b.Unref()
	require.True(t, r.parked[b])
	require.Zero(t, b.RefCount())

	got, found, err := table.LookupOrInsertHandle(1, func() (*BO, error) { t.Fatal("ctor must not run"); return nil, nil })
	require.NoError(t, err)
	assert.True(t, found)
	assert.Same(t, b, got)
	assert.Equal(t, int32(1), got.RefCount())
	assert.False(t, r.parked[b], "revival pulls the BO out of the cache")
}

func TestEraseIfUnused(t *testing.T) {
	table, r := newTestTable(true)

	b := New(1, 4096, 0, r)
	table.Insert(b)
	assert.False(t, table.EraseIfUnused(b), "live BOs stay")

	b.Unref()
	assert.True(t, table.EraseIfUnused(b))
	handles, _ := table.Len()
	assert.Zero(t, handles)
}

func TestInsertDuplicatePanics(t *testing.T) {
	table, r := newTestTable(false)
	table.Insert(New(1, 4096, 0, r))
	assert.Panics(t, func() { table.Insert(New(1, 4096, 0, r)) })
}

func TestDestroyReportsLeaks(t *testing.T) {
	table, r := newTestTable(false)
	leak := New(1, 4096, 0, r)
	table.Insert(leak)

	leaked := table.Destroy()
	assert.Equal(t, []*BO{leak}, leaked)
	handles, names := table.Len()
	assert.Zero(t, handles)
	assert.Zero(t, names)
}

func TestConcurrentLookup(t *testing.T) {
	table, r := newTestTable(false)

	var wg sync.WaitGroup
	results := make([]*BO, 16)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b, _, err := table.LookupOrInsertHandle(42, func() (*BO, error) { return New(42, 4096, 0, r), nil })
			if err == nil {
				results[i] = b
			}
		}(i)
	}
	wg.Wait()

	for _, b := range results {
		assert.Same(t, results[0], b)
	}
	assert.Equal(t, int32(16), results[0].RefCount())

	for _, b := range results {
		b.Unref()
	}
	handles, _ := table.Len()
	assert.Zero(t, handles)
}
