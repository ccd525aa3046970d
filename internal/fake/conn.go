// Package fake provides in-memory stand-ins for a kernel rendering-manager
// connection and a backend, for tests that cannot rely on GPU hardware.
package fake

import (
	"sync"

	"github.com/drmcore/drmcore/internal/drm"
	"github.com/drmcore/drmcore/pkg/errors"
	"github.com/drmcore/drmcore/pkg/types"
)

// Conn is a fake kernel connection.
type Conn struct {
	mu           sync.Mutex
	fd           int
	version      *types.Version
	versionErr   error
	caps         map[uint64]uint64
	capErr       error
	dupErr       error
	versionCalls int
	closed       bool
	dups         []*Conn
}

var _ drm.Conn = (*Conn)(nil)

// NewConn returns a connection reporting v. A nil v makes Version fail.
func NewConn(v *types.Version) *Conn {
	return &Conn{fd: 3, version: v, caps: make(map[uint64]uint64)}
}

// MSM returns a connection reporting a native driver of the given major
// version.
func MSM(major int) *Conn {
	return NewConn(&types.Version{Major: major, Minor: 12, Name: "msm", Date: "20130625", Description: "Qualcomm MSM DRM driver"})
}

func (c *Conn) FD() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return -1
	}
	return c.fd
}

func (c *Conn) Version() (*types.Version, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.versionCalls++
	if c.versionErr != nil {
		return nil, c.versionErr
	}
	if c.version == nil {
		return nil, errors.NewError(errors.ErrCodeKernelCall, "VERSION: ENOTTY").WithComponent("fake")
	}
	v := *c.version
	return &v, nil
}

func (c *Conn) GetCap(capability uint64) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.capErr != nil {
		return 0, c.capErr
	}
	v, ok := c.caps[capability]
	if !ok {
		return 0, errors.Newf(errors.ErrCodeKernelCall, "GET_CAP 0x%x: EINVAL", capability).WithComponent("fake")
	}
	return v, nil
}

// Dup returns a new fake sharing this connection's answers.
func (c *Conn) Dup() (drm.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dupErr != nil {
		return nil, c.dupErr
	}
	d := &Conn{
		fd:         c.fd + 1 + len(c.dups),
		version:    c.version,
		versionErr: c.versionErr,
		caps:       make(map[uint64]uint64, len(c.caps)),
		capErr:     c.capErr,
	}
	for k, v := range c.caps {
		d.caps[k] = v
	}
	c.dups = append(c.dups, d)
	return d, nil
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// SetCap makes GetCap report value for capability.
func (c *Conn) SetCap(capability, value uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.caps[capability] = value
}

// FailCaps makes every GetCap fail with err.
func (c *Conn) FailCaps(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.capErr = err
}

// FailVersion makes Version fail with err.
func (c *Conn) FailVersion(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.versionErr = err
}

// FailDup makes Dup fail with err.
func (c *Conn) FailDup(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dupErr = err
}

// VersionCalls returns how many times Version was queried.
func (c *Conn) VersionCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.versionCalls
}

func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Dups returns the duplicates handed out so far.
func (c *Conn) Dups() []*Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Conn(nil), c.dups...)
}
