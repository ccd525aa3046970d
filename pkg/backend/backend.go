package backend

import (
	"github.com/drmcore/drmcore/internal/drm"
	"github.com/drmcore/drmcore/pkg/types"
)

// Backend is the kernel-facing operation set of one backend variant. The
// device core treats every variant through this interface and never
// branches on which one it holds.
type Backend interface {
	// Name returns the backend identifier (e.g. "msm", "virtio", "kgsl").
	Name() string
	Kind() types.Kind
	// ProtocolVersion returns the negotiated kernel protocol level.
	ProtocolVersion() types.ProtocolVersion
	Features() types.Features

	// AllocBO allocates a kernel buffer and returns its local handle.
	AllocBO(size int64, flags types.Flags) (handle uint32, err error)
	// OpenName imports a buffer by global name.
	OpenName(name uint32) (handle uint32, size int64, err error)
	// ExportName exports a buffer, returning its global name.
	ExportName(handle uint32) (name uint32, err error)
	// Madvise marks a buffer will-need (true) or purgeable (false) and
	// reports whether its pages are still resident.
	Madvise(handle uint32, willNeed bool) (retained bool, err error)
	// CloseHandle releases a local handle.
	CloseHandle(handle uint32) error

	// NewPipe opens a submission pipe.
	NewPipe(id types.PipeID) (Pipe, error)
	// Submit hands a batch of deferred submissions to the kernel and
	// returns the fence sequence number of the last one.
	Submit(batch []*Submission) (seqno uint32, err error)

	// Destroy releases backend-private state. It runs after both buffer
	// caches are empty and before the identity tables go away.
	Destroy() error
}

// Pipe is a GPU submission pipe.
type Pipe interface {
	ID() types.PipeID
	GPUID() types.GPUID
	Close() error
}

// Submission is one body of GPU work waiting for a flush.
type Submission struct {
	// Seq is assigned by the queue on enqueue.
	Seq      uint64
	Pipe     types.PipeID
	Handles  []uint32
	Commands []byte
}

// Factory constructs a backend over conn for the detected version. v is nil
// for legacy backends, which are selected when no version is obtainable.
type Factory func(conn drm.Conn, v *types.Version) (Backend, error)
