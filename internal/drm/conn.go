package drm

import (
	"sync"

	"github.com/drmcore/drmcore/pkg/errors"
	"github.com/drmcore/drmcore/pkg/types"
)

// Capabilities understood by GetCap.
const (
	CapDumbBuffer   uint64 = 0x1
	CapPrime        uint64 = 0x5
	CapTimestampMon uint64 = 0x6
	CapSyncobj      uint64 = 0x13
	CapSyncobjTL    uint64 = 0x14
)

// Conn is an open connection to a kernel rendering-manager node.
type Conn interface {
	// FD returns the underlying descriptor, or -1 for a detached transport.
	FD() int
	// Version queries the driver identity. It never consults overrides.
	Version() (*types.Version, error)
	// GetCap queries a capability value.
	GetCap(capability uint64) (uint64, error)
	// Dup returns a connection to a close-on-exec duplicate descriptor.
	Dup() (Conn, error)
	Close() error
}

type detached struct{}

// Detached returns a connection with no kernel node behind it. Every kernel
// query fails; it is used to drive a virtualized backend over a test
// transport.
func Detached() Conn { return detached{} }

func (detached) FD() int { return -1 }

func (detached) Version() (*types.Version, error) {
	return nil, errors.NewError(errors.ErrCodeKernelCall, "detached transport has no kernel version").
		WithComponent("drm").WithOperation("version")
}

func (detached) GetCap(uint64) (uint64, error) {
	return 0, errors.NewError(errors.ErrCodeKernelCall, "detached transport has no capabilities").
		WithComponent("drm").WithOperation("get_cap")
}

func (d detached) Dup() (Conn, error) { return d, nil }

func (detached) Close() error { return nil }

var pageSizeOnce = sync.OnceValue(systemPageSize)

// PageSize returns the process page size. It is computed once and frozen.
func PageSize() int64 {
	return pageSizeOnce()
}

// AlignPage rounds size up to a multiple of the page size.
func AlignPage(size int64) int64 {
	ps := PageSize()
	return (size + ps - 1) &^ (ps - 1)
}
