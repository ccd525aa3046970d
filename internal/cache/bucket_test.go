package cache

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drmcore/drmcore/pkg/bo"
	"github.com/drmcore/drmcore/pkg/types"
)

type nopReleaser struct{}

func (nopReleaser) Release(b *bo.BO) { b.DecRef() }

// freed returns an unreferenced BO ready to be parked.
func freed(handle uint32, size int64, flags types.Flags) *bo.BO {
	b := bo.New(handle, size, flags, nopReleaser{})
	b.DecRef()
	return b
}

type fixture struct {
	mu        sync.Mutex
	destroyed []*bo.BO
	purged    map[*bo.BO]bool
	now       time.Time
}

func newFixture() *fixture {
	return &fixture{purged: make(map[*bo.BO]bool), now: time.Unix(1000, 0)}
}

func (f *fixture) config(name string, coarse bool) Config {
	return Config{
		Name:   name,
		Coarse: coarse,
		MaxAge: time.Second,
		Validate: func(b *bo.BO) bool {
			f.mu.Lock()
			defer f.mu.Unlock()
			return !f.purged[b]
		},
		Destroy: func(b *bo.BO) {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.destroyed = append(f.destroyed, b)
		},
		Now: func() time.Time {
			f.mu.Lock()
			defer f.mu.Unlock()
			return f.now
		},
	}
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func TestBuckets(t *testing.T) {
	tests := []struct {
		name   string
		coarse bool
		size   int64
		want   int64
	}{
		{"tiny", false, 1, 4096},
		{"exact 4K", false, 4096, 4096},
		{"12K class", false, 9000, 12288},
		{"16K", false, 12289, 16384},
		{"quarter step", false, 17000, 20480},
		{"half step", false, 24000, 24576},
		{"three quarter", false, 28000, 28672},
		{"next power", false, 30000, 32768},
		{"64M", false, 64 << 20, 64 << 20},
		{"largest", false, 100 << 20, 112 << 20},
		{"beyond", false, 120 << 20, 120 << 20},
		{"coarse skips 12K", true, 9000, 16384},
		{"coarse skips quarter", true, 17000, 32768},
		{"coarse largest", true, 65 << 20, 65 << 20},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(Config{Coarse: tt.coarse})
			assert.Equal(t, tt.want, c.BucketSize(tt.size))
		})
	}
}

func TestBucketsAreSorted(t *testing.T) {
	for _, coarse := range []bool{false, true} {
		c := New(Config{Coarse: coarse})
		for i := 1; i < len(c.buckets); i++ {
			assert.Less(t, c.buckets[i-1].size, c.buckets[i].size)
		}
	}
	assert.Greater(t, len(New(Config{}).buckets), len(New(Config{Coarse: true}).buckets))
}

func TestPutThenGetHits(t *testing.T) {
	f := newFixture()
	c := New(f.config("bo", false))

	b := freed(1, 16384, 0)
	require.True(t, c.Put(b))
	assert.Equal(t, 1, c.Len())

	got, allocSize := c.Get(16000, 0)
	require.Same(t, b, got)
	assert.Equal(t, int64(16384), allocSize)
	assert.Equal(t, int32(1), got.RefCount(), "refcount reset to one")
	assert.Zero(t, c.Len())

	// nothing left
	got, allocSize = c.Get(16000, 0)
	assert.Nil(t, got)
	assert.Equal(t, int64(16384), allocSize)

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Equal(t, uint64(1), stats.Puts)
	assert.InDelta(t, 0.5, stats.HitRate, 1e-9)
}

func TestGetMatchesFlagsExactly(t *testing.T) {
	c := New(newFixture().config("bo", false))

	b := freed(1, 8192, types.FlagGPUReadOnly)
	require.True(t, c.Put(b))

	got, _ := c.Get(8192, 0)
	assert.Nil(t, got)
	got, _ = c.Get(8192, types.FlagGPUReadOnly|types.FlagScanout)
	assert.Nil(t, got)
	got, _ = c.Get(8192, types.FlagGPUReadOnly)
	assert.Same(t, b, got)
}

func TestGetOldestFirst(t *testing.T) {
	f := newFixture()
	c := New(f.config("bo", false))

	first := freed(1, 4096, 0)
	second := freed(2, 4096, 0)
	require.True(t, c.Put(first))
	f.advance(10 * time.Millisecond)
	require.True(t, c.Put(second))

	got, _ := c.Get(4096, 0)
	assert.Same(t, first, got)
}

func TestPutRejects(t *testing.T) {
	tests := []struct {
		name string
		bo   func() *bo.BO
	}{
		{"shared flag", func() *bo.BO { return freed(1, 4096, types.FlagShared) }},
		{"no sync flag", func() *bo.BO { return freed(1, 4096, types.FlagNoSync) }},
		{"exported", func() *bo.BO {
			b := freed(1, 4096, 0)
			b.MarkShared()
			return b
		}},
		{"not a class size", func() *bo.BO { return freed(1, 5000, 0) }},
		{"too large", func() *bo.BO { return freed(1, 256<<20, 0) }},
		{"still referenced", func() *bo.BO { return bo.New(1, 4096, 0, nopReleaser{}) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(newFixture().config("bo", false))
			assert.False(t, c.Put(tt.bo()))
			assert.Zero(t, c.Len())
			assert.Equal(t, uint64(1), c.Stats().Rejects)
		})
	}
}

func TestGetDropsPurgedBuffers(t *testing.T) {
	f := newFixture()
	c := New(f.config("bo", false))

	stale := freed(1, 4096, 0)
	fresh := freed(2, 4096, 0)
	require.True(t, c.Put(stale))
	require.True(t, c.Put(fresh))
	f.purged[stale] = true

	got, _ := c.Get(4096, 0)
	assert.Same(t, fresh, got)
	assert.Equal(t, []*bo.BO{stale}, f.destroyed)
	assert.Zero(t, stale.RefCount())
	assert.Equal(t, uint64(1), c.Stats().Stale)
}

func TestPurgeableHook(t *testing.T) {
	var marked []*bo.BO
	cfg := newFixture().config("bo", false)
	cfg.Purgeable = func(b *bo.BO) { marked = append(marked, b) }
	c := New(cfg)

	b := freed(1, 4096, 0)
	require.True(t, c.Put(b))
	assert.Equal(t, []*bo.BO{b}, marked)
}

func TestCleanupByAge(t *testing.T) {
	f := newFixture()
	c := New(f.config("bo", false))

	old := freed(1, 4096, 0)
	require.True(t, c.Put(old))
	f.advance(600 * time.Millisecond)
	young := freed(2, 4096, 0)
	require.True(t, c.Put(young))

	// nothing is older than MaxAge yet
	f.advance(300 * time.Millisecond)
	assert.Zero(t, c.Cleanup(f.now))

	f.advance(200 * time.Millisecond)
	assert.Equal(t, 1, c.Cleanup(f.now))
	assert.Equal(t, []*bo.BO{old}, f.destroyed)
	assert.Equal(t, 1, c.Len())
	assert.Equal(t, uint64(1), c.Stats().Evictions)
}

func TestCleanupZeroEmptiesCache(t *testing.T) {
	f := newFixture()
	c := New(f.config("ring", true))

	for i := uint32(1); i <= 5; i++ {
		require.True(t, c.Put(freed(i, 4096<<(i%3), types.RingFlags)))
	}
	require.Equal(t, 5, c.Len())

	assert.Equal(t, 5, c.Cleanup(time.Time{}))
	assert.Zero(t, c.Len())
	assert.Zero(t, c.Stats().Bytes)
	assert.Len(t, f.destroyed, 5)

	// safe on an empty cache
	assert.Zero(t, c.Cleanup(time.Time{}))
}

func TestRemove(t *testing.T) {
	c := New(newFixture().config("bo", false))

	b := freed(1, 4096, 0)
	require.True(t, c.Put(b))
	assert.True(t, c.Remove(b))
	assert.False(t, c.Remove(b))
	assert.Zero(t, c.Len())
}

func TestPutTwiceIsIdempotent(t *testing.T) {
	c := New(newFixture().config("bo", false))

	b := freed(1, 4096, 0)
	require.True(t, c.Put(b))
	require.True(t, c.Put(b))
	assert.Equal(t, 1, c.Len())
	assert.Equal(t, int64(4096), c.Stats().Bytes)
}

func TestConcurrentPutGet(t *testing.T) {
	c := New(newFixture().config("bo", false))

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				b, _ := c.Get(8192, 0)
				if b == nil {
					b = bo.New(uint32(w*1000+i+1), 8192, 0, nopReleaser{})
				}
				b.DecRef()
				c.Put(b)
			}
		}(w)
	}
	wg.Wait()

	assert.LessOrEqual(t, c.Len(), 8)
	assert.Equal(t, c.Len(), c.Stats().Entries)
}
