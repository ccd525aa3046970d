//go:build !linux

package drm

import (
	"os"

	"github.com/drmcore/drmcore/pkg/errors"
)

// FromFD is only backed by the kernel on Linux; elsewhere it behaves like
// a detached transport that reports the descriptor.
func FromFD(fd int) Conn {
	return otherConn{fd: fd}
}

type otherConn struct {
	detached
	fd int
}

func (c otherConn) FD() int { return c.fd }

func (c otherConn) Dup() (Conn, error) { return c, nil }

// OpenRender always fails on platforms without DRM render nodes.
func OpenRender(drivers ...string) (Conn, error) {
	return nil, errors.Newf(errors.ErrCodeOpenFailed, "render nodes are not available on this platform").
		WithComponent("drm").WithOperation("open").
		WithDetail("drivers", drivers)
}

func systemPageSize() int64 {
	return int64(os.Getpagesize())
}
