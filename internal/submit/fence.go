package submit

import (
	"context"
	"sync"
)

// Fence completes when the batch it was handed out for has been passed to
// the kernel. Every submission enqueued into the same batch shares one
// fence.
type Fence struct {
	once  sync.Once
	done  chan struct{}
	seqno uint32
	err   error
}

func newFence() *Fence {
	return &Fence{done: make(chan struct{})}
}

func (f *Fence) signal(seqno uint32, err error) {
	f.once.Do(func() {
		f.seqno = seqno
		f.err = err
		close(f.done)
	})
}

// Done is closed once the batch has been flushed.
func (f *Fence) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the batch is flushed and returns the kernel fence
// sequence number. It does not wait for the GPU.
func (f *Fence) Wait(ctx context.Context) (uint32, error) {
	select {
	case <-f.done:
		return f.seqno, f.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Signaled reports whether the batch has been flushed.
func (f *Fence) Signaled() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}
