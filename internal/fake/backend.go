package fake

import (
	"sync"

	"github.com/drmcore/drmcore/internal/drm"
	"github.com/drmcore/drmcore/pkg/backend"
	"github.com/drmcore/drmcore/pkg/errors"
	"github.com/drmcore/drmcore/pkg/types"
)

// object is a kernel buffer. handle is 0 while no local handle refers to it.
type object struct {
	size      int64
	flags     types.Flags
	handle    uint32
	name      uint32
	purgeable bool
	purged    bool
}

// Backend is an in-memory backend. Its zero value is not usable; call
// NewBackend.
type Backend struct {
	mu       sync.Mutex
	name     string
	kind     types.Kind
	protocol types.ProtocolVersion
	features types.Features
	gpuID    types.GPUID

	nextHandle uint32
	nextName   uint32
	handles    map[uint32]*object
	names      map[uint32]*object

	allocs    int
	closes    int
	openPipes int
	pipes     int
	submitted [][]*backend.Submission
	seqno     uint32
	destroyed bool

	liveAtDestroy int

	allocErr   error
	pipeErr    error
	submitErr  error
	destroyErr error

	// factory inputs
	factoryConn    drm.Conn
	factoryVersion *types.Version
	factoryCalls   int
	factoryErr     error

	// OnDestroy runs inside Destroy, before state is marked destroyed.
	OnDestroy func()
}

var _ backend.Backend = (*Backend)(nil)

// NewBackend returns a backend of kind whose pipes report the given
// hardware generation.
func NewBackend(kind types.Kind, generation int) *Backend {
	return &Backend{
		name:       kind.String(),
		kind:       kind,
		protocol:   types.ProtocolSuspendResume,
		features:   types.FeatureMadvise,
		gpuID:      types.GPUID{GPUID: uint32(generation*100 + 30)},
		nextHandle: 1,
		nextName:   100,
		handles:    make(map[uint32]*object),
		names:      make(map[uint32]*object),
	}
}

// Factory returns a backend factory producing b.
func (b *Backend) Factory() backend.Factory {
	return func(conn drm.Conn, v *types.Version) (backend.Backend, error) {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.factoryCalls++
		b.factoryConn = conn
		b.factoryVersion = v
		if b.factoryErr != nil {
			return nil, b.factoryErr
		}
		return b, nil
	}
}

// Registry returns a registry holding b's factory under its kind.
func (b *Backend) Registry() *backend.Registry {
	r := backend.NewRegistry()
	r.Register(b.kind, b.Factory())
	return r
}

func (b *Backend) Name() string { return b.name }

func (b *Backend) Kind() types.Kind { return b.kind }

func (b *Backend) ProtocolVersion() types.ProtocolVersion {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.protocol
}

func (b *Backend) Features() types.Features {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.features
}

func (b *Backend) AllocBO(size int64, flags types.Flags) (uint32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.allocErr != nil {
		return 0, b.allocErr
	}
	if size <= 0 {
		return 0, errors.Newf(errors.ErrCodeKernelCall, "GEM_NEW size %d: EINVAL", size).WithComponent("fake")
	}
	b.allocs++
	obj := &object{size: size, flags: flags}
	return b.attach(obj), nil
}

func (b *Backend) attach(obj *object) uint32 {
	obj.handle = b.nextHandle
	b.nextHandle++
	b.handles[obj.handle] = obj
	return obj.handle
}

func (b *Backend) OpenName(name uint32) (uint32, int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	obj, ok := b.names[name]
	if !ok {
		return 0, 0, errors.Newf(errors.ErrCodeKernelCall, "GEM_OPEN name %d: ENOENT", name).WithComponent("fake")
	}
	if obj.handle != 0 {
		return obj.handle, obj.size, nil
	}
	return b.attach(obj), obj.size, nil
}

func (b *Backend) ExportName(handle uint32) (uint32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	obj, ok := b.handles[handle]
	if !ok {
		return 0, errors.Newf(errors.ErrCodeKernelCall, "GEM_FLINK handle %d: ENOENT", handle).WithComponent("fake")
	}
	if obj.name == 0 {
		obj.name = b.nextName
		b.nextName++
		b.names[obj.name] = obj
	}
	return obj.name, nil
}

func (b *Backend) Madvise(handle uint32, willNeed bool) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	obj, ok := b.handles[handle]
	if !ok {
		return false, errors.Newf(errors.ErrCodeKernelCall, "MADVISE handle %d: ENOENT", handle).WithComponent("fake")
	}
	obj.purgeable = !willNeed
	return !obj.purged, nil
}

func (b *Backend) CloseHandle(handle uint32) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	obj, ok := b.handles[handle]
	if !ok {
		return errors.Newf(errors.ErrCodeKernelCall, "GEM_CLOSE handle %d: EINVAL", handle).WithComponent("fake")
	}
	delete(b.handles, handle)
	obj.handle = 0
	b.closes++
	return nil
}

func (b *Backend) NewPipe(id types.PipeID) (backend.Pipe, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pipeErr != nil {
		return nil, b.pipeErr
	}
	b.openPipes++
	b.pipes++
	return &pipe{b: b, id: id, gpuID: b.gpuID}, nil
}

func (b *Backend) Submit(batch []*backend.Submission) (uint32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.submitErr != nil {
		return 0, b.submitErr
	}
	b.submitted = append(b.submitted, append([]*backend.Submission(nil), batch...))
	b.seqno++
	return b.seqno, nil
}

func (b *Backend) Destroy() error {
	if b.OnDestroy != nil {
		b.OnDestroy()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.liveAtDestroy = len(b.handles)
	b.destroyed = true
	return b.destroyErr
}

type pipe struct {
	b     *Backend
	id    types.PipeID
	gpuID types.GPUID
}

func (p *pipe) ID() types.PipeID { return p.id }

func (p *pipe) GPUID() types.GPUID { return p.gpuID }

func (p *pipe) Close() error {
	p.b.mu.Lock()
	defer p.b.mu.Unlock()
	p.b.openPipes--
	return nil
}

// Share simulates another process exporting a buffer of size and returns
// its global name.
func (b *Backend) Share(size int64) uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	obj := &object{size: size, flags: types.FlagShared, name: b.nextName}
	b.nextName++
	b.names[obj.name] = obj
	return obj.name
}

// PurgeAll simulates memory pressure: the pages of every purgeable buffer
// are reclaimed.
func (b *Backend) PurgeAll() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, obj := range b.handles {
		if obj.purgeable && !obj.purged {
			obj.purged = true
			n++
		}
	}
	return n
}

// Failure injection.

func (b *Backend) FailAlloc(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.allocErr = err
}

func (b *Backend) FailPipe(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pipeErr = err
}

func (b *Backend) FailSubmit(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.submitErr = err
}

func (b *Backend) FailDestroy(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.destroyErr = err
}

func (b *Backend) FailFactory(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.factoryErr = err
}

// SetProtocol overrides the reported protocol version.
func (b *Backend) SetProtocol(v types.ProtocolVersion) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.protocol = v
}

// SetFeatures overrides the reported feature set.
func (b *Backend) SetFeatures(f types.Features) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.features = f
}

// Inspection.

// Allocs returns the number of kernel allocations made.
func (b *Backend) Allocs() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.allocs
}

// Closes returns the number of handles closed.
func (b *Backend) Closes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closes
}

// LiveHandles returns the number of open local handles.
func (b *Backend) LiveHandles() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.handles)
}

// LiveAtDestroy returns the open handle count observed by Destroy.
func (b *Backend) LiveAtDestroy() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.liveAtDestroy
}

func (b *Backend) Destroyed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.destroyed
}

// Pipes returns how many pipes were created, and how many are still open.
func (b *Backend) Pipes() (created, open int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pipes, b.openPipes
}

// Submitted returns the batches handed to Submit.
func (b *Backend) Submitted() [][]*backend.Submission {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][]*backend.Submission(nil), b.submitted...)
}

// FactoryCalls returns how many times the factory ran and its last inputs.
func (b *Backend) FactoryCalls() (calls int, conn drm.Conn, v *types.Version) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.factoryCalls, b.factoryConn, b.factoryVersion
}
