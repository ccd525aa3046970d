package backend

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drmcore/drmcore/internal/drm"
	"github.com/drmcore/drmcore/pkg/errors"
	"github.com/drmcore/drmcore/pkg/types"
)

func nopFactory(drm.Conn, *types.Version) (Backend, error) { return nil, nil }

func registryWith(kinds ...types.Kind) *Registry {
	r := NewRegistry()
	for _, k := range kinds {
		r.Register(k, nopFactory)
	}
	return r
}

func msm(major int) *types.Version {
	return &types.Version{Major: major, Minor: 12, Name: DriverNative}
}

func TestSelect(t *testing.T) {
	all := []types.Kind{types.KindNative, types.KindVirtualized, types.KindLegacy}

	tests := []struct {
		name      string
		kinds     []types.Kind
		version   *types.Version
		opts      SelectOptions
		wantKind  types.Kind
		wantCode  errors.ErrorCode
		detached  bool
		forceHeap bool
		allowHeap bool
	}{
		{
			name:      "native v1",
			kinds:     all,
			version:   msm(1),
			wantKind:  types.KindNative,
			allowHeap: true,
		},
		{
			name:     "native rejects major 2",
			kinds:    all,
			version:  msm(2),
			wantCode: errors.ErrCodeUnsupportedBackend,
		},
		{
			name:     "native not built",
			kinds:    []types.Kind{types.KindVirtualized},
			version:  msm(1),
			wantCode: errors.ErrCodeUnsupportedBackend,
		},
		{
			name:      "virtualized forces heap",
			kinds:     all,
			version:   &types.Version{Major: 0, Name: DriverVirtualized},
			wantKind:  types.KindVirtualized,
			forceHeap: true,
			allowHeap: true,
		},
		{
			name:     "virtualized not built falls back to legacy",
			kinds:    []types.Kind{types.KindNative, types.KindLegacy},
			version:  &types.Version{Name: DriverVirtualized},
			wantKind: types.KindLegacy,
		},
		{
			name:     "unknown driver without legacy",
			kinds:    []types.Kind{types.KindNative, types.KindVirtualized},
			version:  &types.Version{Name: "i915"},
			wantCode: errors.ErrCodeUnsupportedBackend,
		},
		{
			name:     "unknown driver goes legacy",
			kinds:    all,
			version:  &types.Version{Name: "kgsl"},
			wantKind: types.KindLegacy,
		},
		{
			name:     "no version goes legacy",
			kinds:    all,
			version:  nil,
			wantKind: types.KindLegacy,
		},
		{
			name:     "no version without legacy",
			kinds:    []types.Kind{types.KindNative},
			version:  nil,
			wantCode: errors.ErrCodeDetectionFailed,
		},
		{
			name:      "force vtest ignores version",
			kinds:     all,
			version:   msm(7),
			opts:      SelectOptions{ForceVTest: true},
			wantKind:  types.KindVirtualized,
			detached:  true,
			forceHeap: true,
			allowHeap: true,
		},
		{
			name:     "force vtest not built",
			kinds:    []types.Kind{types.KindNative},
			version:  msm(1),
			opts:     SelectOptions{ForceVTest: true},
			wantCode: errors.ErrCodeUnsupportedBackend,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sel, err := registryWith(tt.kinds...).Select(tt.version, tt.opts)
			if tt.wantCode != "" {
				require.Error(t, err)
				assert.Nil(t, sel)
				assert.True(t, errors.HasCode(err, tt.wantCode), "got %v", err)
				assert.True(t, errors.IsNoDevice(err))
				return
			}
			require.NoError(t, err)
			require.NotNil(t, sel.Factory)
			assert.Equal(t, tt.wantKind, sel.Kind)
			assert.Equal(t, tt.detached, sel.Detached)
			assert.Equal(t, tt.forceHeap, sel.ForceHeap)
			assert.Equal(t, tt.allowHeap, sel.AllowHeap)
		})
	}
}

func TestSelectCarriesProbeError(t *testing.T) {
	cause := errors.NewError(errors.ErrCodeKernelCall, "ENOTTY")
	_, err := NewRegistry().Select(nil, SelectOptions{ProbeErr: cause})
	require.Error(t, err)
	assert.ErrorIs(t, err, cause)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	assert.Empty(t, r.Available())

	r.Register(types.KindLegacy, nopFactory)
	r.Register(types.KindNative, nopFactory)
	assert.Equal(t, []types.Kind{types.KindNative, types.KindLegacy}, r.Available())

	_, ok := r.Lookup(types.KindNative)
	assert.True(t, ok)

	r.Unregister(types.KindNative)
	_, ok = r.Lookup(types.KindNative)
	assert.False(t, ok)

	assert.NotNil(t, Default())
}
