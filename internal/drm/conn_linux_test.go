//go:build linux

package drm

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drmcore/drmcore/pkg/errors"
)

func TestIoctlNumbers(t *testing.T) {
	if ^uint(0)>>63 == 1 {
		assert.Equal(t, uintptr(0xC0406400), ioctlVersion)
	}
	assert.Equal(t, uintptr(0xC010640C), ioctlGetCap)
}

func TestFDConnOnNonDRMFile(t *testing.T) {
	f, err := os.Open(os.DevNull)
	require.NoError(t, err)
	defer f.Close()

	conn := FromFD(int(f.Fd()))
	assert.Equal(t, int(f.Fd()), conn.FD())

	_, err = conn.Version()
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeKernelCall))

	_, err = conn.GetCap(CapSyncobj)
	assert.Error(t, err)
}

func TestFDConnDupAndClose(t *testing.T) {
	f, err := os.Open(os.DevNull)
	require.NoError(t, err)
	defer f.Close()

	conn := FromFD(int(f.Fd()))
	dup, err := conn.Dup()
	require.NoError(t, err)
	assert.NotEqual(t, conn.FD(), dup.FD())
	assert.GreaterOrEqual(t, dup.FD(), 3)

	require.NoError(t, dup.Close())
	assert.Equal(t, -1, dup.FD())
	// second close is a no-op
	assert.NoError(t, dup.Close())
}

func TestOpenRenderNoNodes(t *testing.T) {
	old := renderDir
	renderDir = t.TempDir()
	defer func() { renderDir = old }()

	conn, err := OpenRender("msm", "virtio_gpu")
	assert.Nil(t, conn)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeOpenFailed))
	assert.True(t, errors.IsNoDevice(err))
}
