//go:build linux

package drm

import (
	"fmt"
	"path/filepath"
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/drmcore/drmcore/pkg/errors"
	"github.com/drmcore/drmcore/pkg/types"
)

const (
	drmIoctlBase = 'd'

	drmNrVersion = 0x00
	drmNrGetCap  = 0x0c

	renderMinor = 128
	renderCount = 64
)

// renderDir is where render nodes are looked up.
var renderDir = "/dev/dri"

// drmVersion mirrors struct drm_version. size_t fields follow the platform
// word size, which Go's alignment of uint reproduces.
type drmVersion struct {
	Major   int32
	Minor   int32
	Patch   int32
	NameLen uint
	Name    *byte
	DateLen uint
	Date    *byte
	DescLen uint
	Desc    *byte
}

type drmGetCap struct {
	Capability uint64
	Value      uint64
}

func iowr(nr, size uintptr) uintptr {
	const (
		dirShift  = 30
		sizeShift = 16
		typeShift = 8
		dirRW     = 3
	)
	return dirRW<<dirShift | size<<sizeShift | drmIoctlBase<<typeShift | nr
}

var (
	ioctlVersion = iowr(drmNrVersion, unsafe.Sizeof(drmVersion{}))
	ioctlGetCap  = iowr(drmNrGetCap, unsafe.Sizeof(drmGetCap{}))
)

func ioctl(fd int, req uintptr, arg unsafe.Pointer) error {
	for {
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
		switch errno {
		case 0:
			return nil
		case unix.EINTR, unix.EAGAIN:
			continue
		default:
			return errno
		}
	}
}

type fdConn struct {
	fd int
}

// FromFD wraps an already open descriptor. The caller keeps ownership.
func FromFD(fd int) Conn {
	return &fdConn{fd: fd}
}

func (c *fdConn) FD() int { return c.fd }

func (c *fdConn) Version() (*types.Version, error) {
	var v drmVersion

	// first pass sizes the strings, second pass fills them
	if err := ioctl(c.fd, ioctlVersion, unsafe.Pointer(&v)); err != nil {
		return nil, kernelErr("version", err)
	}

	name := make([]byte, v.NameLen+1)
	date := make([]byte, v.DateLen+1)
	desc := make([]byte, v.DescLen+1)
	v.Name, v.Date, v.Desc = &name[0], &date[0], &desc[0]

	err := ioctl(c.fd, ioctlVersion, unsafe.Pointer(&v))
	runtime.KeepAlive(name)
	runtime.KeepAlive(date)
	runtime.KeepAlive(desc)
	if err != nil {
		return nil, kernelErr("version", err)
	}

	return &types.Version{
		Major:       int(v.Major),
		Minor:       int(v.Minor),
		Patch:       int(v.Patch),
		Name:        string(name[:v.NameLen]),
		Date:        string(date[:v.DateLen]),
		Description: string(desc[:v.DescLen]),
	}, nil
}

func (c *fdConn) GetCap(capability uint64) (uint64, error) {
	req := drmGetCap{Capability: capability}
	if err := ioctl(c.fd, ioctlGetCap, unsafe.Pointer(&req)); err != nil {
		return 0, kernelErr("get_cap", err)
	}
	return req.Value, nil
}

func (c *fdConn) Dup() (Conn, error) {
	fd, err := unix.FcntlInt(uintptr(c.fd), unix.F_DUPFD_CLOEXEC, 3)
	if err != nil {
		return nil, kernelErr("dup", err)
	}
	return &fdConn{fd: fd}, nil
}

func (c *fdConn) Close() error {
	if c.fd < 0 {
		return nil
	}
	err := unix.Close(c.fd)
	c.fd = -1
	if err != nil {
		return kernelErr("close", err)
	}
	return nil
}

// OpenRender opens the first render node whose kernel driver is one of
// drivers, tried in the order given. The returned connection is owned by the
// caller.
func OpenRender(drivers ...string) (Conn, error) {
	for _, want := range drivers {
		for minor := renderMinor; minor < renderMinor+renderCount; minor++ {
			path := filepath.Join(renderDir, fmt.Sprintf("renderD%d", minor))
			fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
			if err != nil {
				continue
			}
			conn := &fdConn{fd: fd}
			v, err := conn.Version()
			if err == nil && v.Name == want {
				return conn, nil
			}
			_ = conn.Close()
		}
	}
	return nil, errors.Newf(errors.ErrCodeOpenFailed, "no render node for drivers %v", drivers).
		WithComponent("drm").WithOperation("open").
		WithDetail("dir", renderDir)
}

func kernelErr(op string, err error) *errors.DeviceError {
	return errors.Wrap(err, errors.ErrCodeKernelCall, "ioctl failed").
		WithComponent("drm").WithOperation(op)
}

func systemPageSize() int64 {
	return int64(unix.Getpagesize())
}
