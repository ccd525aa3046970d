package backend

import (
	"github.com/drmcore/drmcore/pkg/errors"
	"github.com/drmcore/drmcore/pkg/types"
)

// Kernel driver names recognized by Select.
const (
	DriverNative      = "msm"
	DriverVirtualized = "virtio_gpu"
)

// supportedNativeMajor is the only native protocol major version accepted.
const supportedNativeMajor = 1

// Selection is the outcome of backend selection.
type Selection struct {
	Kind    types.Kind
	Factory Factory

	// Detached means the backend must run over a detached transport
	// instead of the device connection.
	Detached bool
	// ForceHeap turns sub-allocation heaps on without a probe.
	ForceHeap bool
	// AllowHeap is false for backends that never use heaps.
	AllowHeap bool
}

// SelectOptions carries the inputs to Select besides the version.
type SelectOptions struct {
	// ForceVTest picks the virtualized backend over a detached transport.
	ForceVTest bool
	// ProbeErr is the reason the version is nil, if it is.
	ProbeErr error
}

// Select maps a detected version onto exactly one registered backend. A nil
// version falls back to the legacy backend when one is registered.
func (r *Registry) Select(v *types.Version, opts SelectOptions) (*Selection, error) {
	if opts.ForceVTest {
		f, ok := r.Lookup(types.KindVirtualized)
		if !ok {
			return nil, unsupported("forced virtualized transport, but no virtualized backend is available")
		}
		return &Selection{
			Kind:      types.KindVirtualized,
			Factory:   f,
			Detached:  true,
			ForceHeap: true,
			AllowHeap: true,
		}, nil
	}

	if v == nil {
		if f, ok := r.Lookup(types.KindLegacy); ok {
			return &Selection{Kind: types.KindLegacy, Factory: f}, nil
		}
		err := errors.NewError(errors.ErrCodeDetectionFailed, "cannot get version").
			WithComponent("backend").WithOperation("select")
		if opts.ProbeErr != nil {
			err = err.WithCause(opts.ProbeErr)
		}
		return nil, err
	}

	switch v.Name {
	case DriverNative:
		if v.Major != supportedNativeMajor {
			return nil, unsupported("unsupported version: %d.%d.%d", v.Major, v.Minor, v.Patch).
				WithDetail("driver", v.Name)
		}
		f, ok := r.Lookup(types.KindNative)
		if !ok {
			return nil, unsupported("no backend for driver %s", v.Name)
		}
		return &Selection{Kind: types.KindNative, Factory: f, AllowHeap: true}, nil

	case DriverVirtualized:
		if f, ok := r.Lookup(types.KindVirtualized); ok {
			// only hypervisor-capable hardware reaches here, so skip the
			// probe pipe and its guest/host round trips
			return &Selection{
				Kind:      types.KindVirtualized,
				Factory:   f,
				ForceHeap: true,
				AllowHeap: true,
			}, nil
		}
	}

	if f, ok := r.Lookup(types.KindLegacy); ok {
		return &Selection{Kind: types.KindLegacy, Factory: f}, nil
	}
	return nil, unsupported("unsupported device: %s", v.Name)
}

func unsupported(format string, args ...interface{}) *errors.DeviceError {
	return errors.Newf(errors.ErrCodeUnsupportedBackend, format, args...).
		WithComponent("backend").WithOperation("select")
}
