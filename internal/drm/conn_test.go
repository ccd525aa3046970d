package drm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drmcore/drmcore/pkg/errors"
)

func TestDetached(t *testing.T) {
	conn := Detached()
	assert.Equal(t, -1, conn.FD())

	v, err := conn.Version()
	assert.Nil(t, v)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeKernelCall))

	_, err = conn.GetCap(CapSyncobj)
	assert.Error(t, err)

	dup, err := conn.Dup()
	require.NoError(t, err)
	assert.Equal(t, -1, dup.FD())
	assert.NoError(t, conn.Close())
}

func TestPageSize(t *testing.T) {
	ps := PageSize()
	require.Greater(t, ps, int64(0))
	assert.Zero(t, ps&(ps-1), "page size must be a power of two")
	assert.Equal(t, ps, PageSize(), "page size is frozen after first use")

	assert.Equal(t, int64(0), AlignPage(0))
	assert.Equal(t, ps, AlignPage(1))
	assert.Equal(t, ps, AlignPage(ps))
	assert.Equal(t, 2*ps, AlignPage(ps+1))
}
