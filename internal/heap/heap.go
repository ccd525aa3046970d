// Package heap carves large kernel buffers into small sub-allocated BOs so
// that most allocations skip the kernel round trip.
package heap

import (
	"sort"
	"sync"

	"github.com/drmcore/drmcore/pkg/bo"
	"github.com/drmcore/drmcore/pkg/errors"
	"github.com/drmcore/drmcore/pkg/types"
	"github.com/drmcore/drmcore/pkg/utils"
)

const (
	defaultBlockSize = 4 << 20
	defaultMaxBlocks = 256
	defaultAlignment = 64
)

// Config represents heap configuration
type Config struct {
	// Flags are the allocation flags of every backing block.
	Flags     types.Flags
	BlockSize int64
	MaxBlocks int
	Alignment int64

	// AllocBlock allocates one backing kernel BO.
	AllocBlock func(size int64, flags types.Flags) (*bo.BO, error)
	// Lock guards the heap's bookkeeping; heaps of one device share it.
	Lock   sync.Locker
	Logger *utils.StructuredLogger
}

type span struct {
	off  int64
	size int64
}

type block struct {
	bo   *bo.BO
	free []span // sorted by offset, never adjacent
	used int64
	live int
}

// Heap is a sub-allocation heap over lazily allocated backing blocks.
type Heap struct {
	config Config
	mu     sync.Locker
	blocks []*block
	live   int
	logger *utils.StructuredLogger
}

// New creates a heap. No backing memory is allocated until the first Alloc.
func New(config Config) *Heap {
	if config.BlockSize <= 0 {
		config.BlockSize = defaultBlockSize
	}
	if config.MaxBlocks <= 0 {
		config.MaxBlocks = defaultMaxBlocks
	}
	if config.Alignment <= 0 {
		config.Alignment = defaultAlignment
	}
	mu := config.Lock
	if mu == nil {
		mu = &sync.Mutex{}
	}
	logger := config.Logger
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	return &Heap{
		config: config,
		mu:     mu,
		logger: logger.WithField("heap", config.Flags.String()),
	}
}

// Flags returns the flags of the heap's backing blocks.
func (h *Heap) Flags() types.Flags { return h.config.Flags }

// Alloc returns a sub-allocated BO of at least size bytes.
func (h *Heap) Alloc(size int64) (*bo.BO, error) {
	if size <= 0 || size > h.config.BlockSize {
		return nil, errors.Newf(errors.ErrCodeAllocationFailed, "size %d cannot be sub-allocated", size).
			WithComponent("heap").WithOperation("alloc")
	}
	size = alignUp(size, h.config.Alignment)

	h.mu.Lock()
	defer h.mu.Unlock()

	for _, blk := range h.blocks {
		if off, ok := blk.carve(size); ok {
			return h.track(blk, off, size), nil
		}
	}

	if len(h.blocks) >= h.config.MaxBlocks {
		return nil, errors.Newf(errors.ErrCodeHeapExhausted, "all %d blocks are full", len(h.blocks)).
			WithComponent("heap").WithOperation("alloc").
			WithDetail("size", size)
	}

	backing, err := h.config.AllocBlock(h.config.BlockSize, h.config.Flags)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeAllocationFailed, "cannot allocate backing block").
			WithComponent("heap").WithOperation("alloc")
	}
	blk := &block{bo: backing, free: []span{{off: 0, size: h.config.BlockSize}}}
	h.blocks = append(h.blocks, blk)
	h.logger.Debug("new backing block", map[string]interface{}{
		"handle": backing.Handle(),
		"blocks": len(h.blocks),
	})

	off, _ := blk.carve(size)
	return h.track(blk, off, size), nil
}

func (h *Heap) track(blk *block, off, size int64) *bo.BO {
	blk.used += size
	blk.live++
	h.live++
	return bo.NewSub(blk.bo, off, size, h)
}

// Release implements bo.Releaser. The last reference returns the range to
// its block, coalescing with free neighbours.
func (h *Heap) Release(b *bo.BO) {
	if b.DecRef() != 0 {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for _, blk := range h.blocks {
		if blk.bo == b.Parent() {
			blk.release(span{off: b.Offset(), size: b.Size()})
			blk.live--
			h.live--
			return
		}
	}
	panic(errors.Newf(errors.ErrCodeInternalError, "%s does not belong to this heap", b).WithComponent("heap"))
}

// Trim releases backing blocks that hold no live sub-allocations and
// returns how many were released.
func (h *Heap) Trim() int {
	h.mu.Lock()
	var idle []*bo.BO
	kept := h.blocks[:0]
	for _, blk := range h.blocks {
		if blk.live == 0 {
			idle = append(idle, blk.bo)
			continue
		}
		kept = append(kept, blk)
	}
	for i := len(kept); i < len(h.blocks); i++ {
		h.blocks[i] = nil
	}
	h.blocks = kept
	h.mu.Unlock()

	for _, b := range idle {
		b.Unref()
	}
	return len(idle)
}

// Destroy releases every backing block. Live sub-allocations at this point
// are a fatal caller error.
func (h *Heap) Destroy() {
	h.mu.Lock()
	live, blocks := h.live, h.blocks
	if live == 0 {
		h.blocks = nil
	}
	h.mu.Unlock()

	errors.Invariant(live == 0, "heap", "%d live sub-allocations", live)

	for _, blk := range blocks {
		blk.bo.Unref()
	}
}

// Live returns the number of live sub-allocations.
func (h *Heap) Live() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.live
}

// Stats returns heap statistics
func (h *Heap) Stats() types.HeapStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	stats := types.HeapStats{
		Flags:  h.config.Flags,
		Blocks: len(h.blocks),
		Live:   h.live,
	}
	for _, blk := range h.blocks {
		stats.UsedBytes += blk.used
		stats.FreeBytes += h.config.BlockSize - blk.used
	}
	return stats
}

// carve takes size bytes from the first free span that fits.
func (blk *block) carve(size int64) (int64, bool) {
	for i, s := range blk.free {
		if s.size < size {
			continue
		}
		off := s.off
		if s.size == size {
			blk.free = append(blk.free[:i], blk.free[i+1:]...)
		} else {
			blk.free[i] = span{off: s.off + size, size: s.size - size}
		}
		return off, true
	}
	return 0, false
}

// release returns r to the free list and merges it with adjacent spans.
func (blk *block) release(r span) {
	blk.used -= r.size

	i := sort.Search(len(blk.free), func(i int) bool { return blk.free[i].off > r.off })
	blk.free = append(blk.free, span{})
	copy(blk.free[i+1:], blk.free[i:])
	blk.free[i] = r

	// merge with the next span, then the previous one
	if i+1 < len(blk.free) && blk.free[i].off+blk.free[i].size == blk.free[i+1].off {
		blk.free[i].size += blk.free[i+1].size
		blk.free = append(blk.free[:i+1], blk.free[i+2:]...)
	}
	if i > 0 && blk.free[i-1].off+blk.free[i-1].size == blk.free[i].off {
		blk.free[i-1].size += blk.free[i].size
		blk.free = append(blk.free[:i], blk.free[i+1:]...)
	}
}

func alignUp(v, a int64) int64 {
	return (v + a - 1) &^ (a - 1)
}
