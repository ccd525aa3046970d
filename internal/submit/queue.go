// Package submit holds deferred GPU submissions until they are flushed to
// the backend, in order, either by the caller or by a worker pool.
package submit

import (
	"sync"

	"github.com/eapache/queue"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/multierr"

	"github.com/drmcore/drmcore/pkg/backend"
	"github.com/drmcore/drmcore/pkg/errors"
	"github.com/drmcore/drmcore/pkg/types"
	"github.com/drmcore/drmcore/pkg/utils"
)

// Submitter is the part of a backend the queue flushes into.
type Submitter interface {
	Submit(batch []*backend.Submission) (seqno uint32, err error)
}

// Config represents queue configuration
type Config struct {
	// Threaded schedules a flush on the worker pool after every enqueue.
	Threaded bool
	Workers  int
	Logger   *utils.StructuredLogger
}

// Queue is the deferred submission FIFO of a device.
type Queue struct {
	submitter Submitter
	logger    *utils.StructuredLogger

	// mu is the submit lock: it guards pending, fence and closed.
	mu      sync.Mutex
	pending *queue.Queue
	fence   *Fence
	seq     uint64
	closed  bool

	// flushMu keeps batches reaching the backend in enqueue order.
	flushMu sync.Mutex

	workers *pool.Pool

	statsMu sync.Mutex
	stats   types.QueueStats
}

// New creates a submission queue flushing into s.
func New(s Submitter, config Config) *Queue {
	logger := config.Logger
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	q := &Queue{
		submitter: s,
		logger:    logger.WithComponent("submit"),
		pending:   queue.New(),
	}
	if config.Threaded {
		workers := config.Workers
		if workers <= 0 {
			workers = 1
		}
		q.workers = pool.New().WithMaxGoroutines(workers)
		q.stats.Threaded = true
	}
	return q
}

// Enqueue appends sub to the pending batch and returns without blocking
// on the backend. When wantFence is set the batch fence is returned; it
// completes when the batch is flushed.
func (q *Queue) Enqueue(sub *backend.Submission, wantFence bool) (*Fence, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, errors.NewError(errors.ErrCodeInvalidState, "submission queue is closed").
			WithComponent("submit").WithOperation("enqueue")
	}
	q.seq++
	sub.Seq = q.seq
	q.pending.Add(sub)

	var fence *Fence
	if wantFence {
		if q.fence == nil {
			q.fence = newFence()
		}
		fence = q.fence
	}
	q.mu.Unlock()

	q.statsMu.Lock()
	q.stats.Enqueued++
	q.statsMu.Unlock()

	if q.workers != nil {
		q.workers.Go(func() {
			if err := q.Flush(); err != nil {
				q.logger.Error("deferred flush failed", map[string]interface{}{"error": err.Error()})
			}
		})
	}
	return fence, nil
}

// Flush hands every pending submission to the backend in FIFO order.
// Consecutive submissions to the same pipe go in one batch. It returns the
// combined error of all failed batches.
func (q *Queue) Flush() error {
	q.flushMu.Lock()
	defer q.flushMu.Unlock()

	q.mu.Lock()
	subs := make([]*backend.Submission, 0, q.pending.Length())
	for q.pending.Length() > 0 {
		subs = append(subs, q.pending.Remove().(*backend.Submission))
	}
	fence := q.fence
	q.fence = nil
	q.mu.Unlock()

	var (
		errs  error
		seqno uint32
	)
	for _, batch := range splitByPipe(subs) {
		n, err := q.submitter.Submit(batch)
		if err != nil {
			errs = multierr.Append(errs, errors.Wrap(err, errors.ErrCodeSubmitFailed, "submit failed").
				WithComponent("submit").WithOperation("flush").
				WithDetail("first_seq", batch[0].Seq).
				WithDetail("count", len(batch)))
			continue
		}
		seqno = n
	}

	if fence != nil {
		fence.signal(seqno, errs)
	}

	q.statsMu.Lock()
	q.stats.Flushed += uint64(len(subs))
	q.stats.Failed += uint64(len(multierr.Errors(errs)))
	q.statsMu.Unlock()

	if len(subs) > 0 {
		q.logger.Trace("flushed", map[string]interface{}{"submissions": len(subs), "seqno": seqno})
	}
	return errs
}

func splitByPipe(subs []*backend.Submission) [][]*backend.Submission {
	var batches [][]*backend.Submission
	for i := 0; i < len(subs); {
		j := i + 1
		for j < len(subs) && subs[j].Pipe == subs[i].Pipe {
			j++
		}
		batches = append(batches, subs[i:j])
		i = j
	}
	return batches
}

// Pending returns the number of unflushed submissions.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending.Length()
}

// FenceOpen reports whether a batch fence was handed out and not yet
// signaled.
func (q *Queue) FenceOpen() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.fence != nil
}

// AssertDrained panics unless the queue is empty and no batch fence is
// outstanding. Teardown never waits for pending work; the caller must
// have flushed it.
func (q *Queue) AssertDrained() {
	q.mu.Lock()
	pending, fenceOpen := q.pending.Length(), q.fence != nil
	q.mu.Unlock()

	errors.Invariant(pending == 0, "submit", "%d deferred submissions pending at teardown", pending)
	errors.Invariant(!fenceOpen, "submit", "deferred submission fence outstanding at teardown")
}

// Close refuses further submissions and waits for the worker pool to
// finish scheduled flushes.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	if q.workers != nil {
		q.workers.Wait()
	}
}

// Stats returns queue statistics
func (q *Queue) Stats() types.QueueStats {
	pending, fenceOpen := q.Pending(), q.FenceOpen()

	q.statsMu.Lock()
	defer q.statsMu.Unlock()
	stats := q.stats
	stats.Pending = pending
	stats.FenceOpen = fenceOpen
	return stats
}
