package cache

import (
	"container/list"
	"sync"
	"time"

	"github.com/drmcore/drmcore/pkg/bo"
	"github.com/drmcore/drmcore/pkg/types"
	"github.com/drmcore/drmcore/pkg/utils"
)

const (
	// minBucketSize is the smallest size class.
	minBucketSize = 4096

	defaultMaxBucketSize = 64 << 20
	defaultMaxAge        = time.Second
)

// Config represents buffer cache configuration
type Config struct {
	// Name labels the cache in logs and statistics.
	Name string
	// Coarse keeps only power-of-two size classes. The ring cache is
	// coarse since ring sizes are powers of two anyway.
	Coarse bool

	MaxBucketSize int64
	// MaxAge is how long a parked BO survives a cleanup pass.
	MaxAge time.Duration

	// Validate marks a parked BO will-need and reports whether its pages
	// survived. A BO that fails is destroyed and the search continues.
	Validate func(b *bo.BO) bool
	// Purgeable marks a BO that is being parked as reclaimable.
	Purgeable func(b *bo.BO)
	// Destroy releases a BO evicted from the cache. It is called without
	// the cache lock held.
	Destroy func(b *bo.BO)

	Logger *utils.StructuredLogger
	// Now is the clock; tests replace it.
	Now func() time.Time
}

type bucket struct {
	size    int64
	entries *list.List
}

type entry struct {
	bo       *bo.BO
	bucket   *bucket
	freeTime time.Time
}

// BOCache recycles freed buffer objects by size class and allocation
// flags instead of returning them to the kernel.
type BOCache struct {
	mu      sync.Mutex
	config  Config
	buckets []*bucket
	items   map[*bo.BO]*list.Element
	bytes   int64

	logger *utils.StructuredLogger
	stats  types.CacheStats
}

// New creates a buffer cache.
func New(config Config) *BOCache {
	if config.MaxBucketSize <= 0 {
		config.MaxBucketSize = defaultMaxBucketSize
	}
	if config.MaxAge <= 0 {
		config.MaxAge = defaultMaxAge
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	logger := config.Logger
	if logger == nil {
		logger = utils.NewNopLogger()
	}

	c := &BOCache{
		config: config,
		items:  make(map[*bo.BO]*list.Element),
		logger: logger.WithField("cache", config.Name),
		stats:  types.CacheStats{Name: config.Name},
	}
	c.initBuckets()
	return c
}

// initBuckets lays out the size classes: 4K, 8K, 12K, then every power of
// two from 16K up to the maximum, each followed by three intermediate
// classes at 1.25x, 1.5x and 1.75x unless the cache is coarse.
func (c *BOCache) initBuckets() {
	c.addBucket(minBucketSize)
	c.addBucket(minBucketSize * 2)
	if !c.config.Coarse {
		c.addBucket(minBucketSize * 3)
	}

	for size := int64(minBucketSize * 4); size <= c.config.MaxBucketSize; size *= 2 {
		c.addBucket(size)
		if !c.config.Coarse {
			c.addBucket(size + size*1/4)
			c.addBucket(size + size*2/4)
			c.addBucket(size + size*3/4)
		}
	}
}

func (c *BOCache) addBucket(size int64) {
	c.buckets = append(c.buckets, &bucket{size: size, entries: list.New()})
}

// bucketFor returns the smallest size class that fits size.
func (c *BOCache) bucketFor(size int64) *bucket {
	for _, b := range c.buckets {
		if b.size >= size {
			return b
		}
	}
	return nil
}

// BucketSize returns the size an allocation of size is rounded up to, or
// size itself when no class fits.
func (c *BOCache) BucketSize(size int64) int64 {
	if b := c.bucketFor(size); b != nil {
		return b.size
	}
	return size
}

// Get returns a parked BO of the size class covering size with exactly the
// given flags, holding one reference. On a miss it returns nil; allocSize
// is then the size the caller should allocate so that the new BO can be
// parked here later.
func (c *BOCache) Get(size int64, flags types.Flags) (b *bo.BO, allocSize int64) {
	bkt := c.bucketFor(size)
	if bkt == nil {
		c.mu.Lock()
		c.stats.Misses++
		c.mu.Unlock()
		return nil, size
	}

	for {
		b = c.take(bkt, flags)
		if b == nil {
			return nil, bkt.size
		}
		if c.config.Validate == nil || c.config.Validate(b) {
			return b, bkt.size
		}

		// lost the backing pages; delete and try again
		c.logger.Debug("dropping purged buffer", map[string]interface{}{
			"handle": b.Handle(),
			"size":   b.Size(),
		})
		c.mu.Lock()
		c.stats.Stale++
		c.mu.Unlock()
		b.DecRef()
		c.destroy(b)
	}
}

// take pops the oldest entry of bkt with matching flags and references it.
func (c *BOCache) take(bkt *bucket, flags types.Flags) *bo.BO {
	c.mu.Lock()
	defer c.mu.Unlock()

	for el := bkt.entries.Front(); el != nil; el = el.Next() {
		e := el.Value.(*entry)
		if e.bo.Flags() != flags {
			continue
		}
		c.removeElement(el)
		c.stats.Hits++
		c.updateHitRate()
		return e.bo.Ref()
	}

	c.stats.Misses++
	c.updateHitRate()
	return nil
}

// Put parks an unreferenced BO. It returns false when the cache declines
// it: shared or no-sync BOs, sizes without an exact size class, or BOs
// still referenced. A declined BO must be released by the caller. Put
// never releases anything itself, so it is safe under the identity-table
// lock; callers age the cache with Cleanup once that lock is dropped.
func (c *BOCache) Put(b *bo.BO) bool {
	if !b.Reusable() {
		c.reject()
		return false
	}
	bkt := c.bucketFor(b.Size())
	if bkt == nil || bkt.size != b.Size() {
		c.reject()
		return false
	}

	if c.config.Purgeable != nil {
		c.config.Purgeable(b)
	}

	now := c.config.Now()

	c.mu.Lock()
	if b.RefCount() != 0 {
		c.mu.Unlock()
		c.reject()
		return false
	}
	if _, ok := c.items[b]; ok {
		c.mu.Unlock()
		return true
	}
	c.items[b] = bkt.entries.PushBack(&entry{bo: b, bucket: bkt, freeTime: now})
	c.bytes += b.Size()
	c.stats.Puts++
	c.mu.Unlock()
	return true
}

func (c *BOCache) reject() {
	c.mu.Lock()
	c.stats.Rejects++
	c.mu.Unlock()
}

// Remove takes b out of the cache without releasing it. It is used when an
// identity lookup revives a parked BO. It reports whether b was present.
func (c *BOCache) Remove(b *bo.BO) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[b]
	if !ok {
		return false
	}
	c.removeElement(el)
	return true
}

func (c *BOCache) removeElement(el *list.Element) {
	e := el.Value.(*entry)
	e.bucket.entries.Remove(el)
	delete(c.items, e.bo)
	c.bytes -= e.bo.Size()
}

// Cleanup releases every entry parked for longer than MaxAge as of now. A
// zero now releases everything. It returns the number released.
func (c *BOCache) Cleanup(now time.Time) int {
	var victims []*bo.BO

	c.mu.Lock()
	for _, bkt := range c.buckets {
		for el := bkt.entries.Front(); el != nil; {
			e := el.Value.(*entry)
			// entries are in free order, so the rest are younger
			if !now.IsZero() && now.Sub(e.freeTime) <= c.config.MaxAge {
				break
			}
			next := el.Next()
			c.removeElement(el)
			victims = append(victims, e.bo)
			el = next
		}
	}
	c.stats.Evictions += uint64(len(victims))
	c.mu.Unlock()

	for _, b := range victims {
		c.destroy(b)
	}
	if len(victims) > 0 {
		c.logger.Debug("cache cleanup", map[string]interface{}{
			"released": len(victims),
			"full":     now.IsZero(),
		})
	}
	return len(victims)
}

func (c *BOCache) destroy(b *bo.BO) {
	if c.config.Destroy != nil {
		c.config.Destroy(b)
	}
}

// Len returns the number of parked BOs.
func (c *BOCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Stats returns cache statistics
func (c *BOCache) Stats() types.CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := c.stats
	stats.Entries = len(c.items)
	stats.Bytes = c.bytes
	return stats
}

// Name returns the diagnostic label.
func (c *BOCache) Name() string { return c.config.Name }

// updateHitRate updates the hit rate statistic. Must hold c.mu.
func (c *BOCache) updateHitRate() {
	total := c.stats.Hits + c.stats.Misses
	if total > 0 {
		c.stats.HitRate = float64(c.stats.Hits) / float64(total)
	}
}
