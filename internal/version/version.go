// Package version obtains the kernel driver identity for a connection,
// honoring a driver-family override for environments where the kernel
// cannot be queried.
package version

import (
	"github.com/drmcore/drmcore/internal/drm"
	"github.com/drmcore/drmcore/pkg/errors"
	"github.com/drmcore/drmcore/pkg/types"
	"github.com/drmcore/drmcore/pkg/utils"
)

// synthetic holds the descriptors an override can stand in for.
var synthetic = map[string]types.Version{
	"msm": {
		Major:       1,
		Minor:       0,
		Patch:       0,
		Name:        "msm",
		Date:        "20250625",
		Description: "Qualcomm MSM DRM driver",
		Synthetic:   true,
	},
}

// Prober resolves the version descriptor of a connection.
type Prober struct {
	// Override names a driver family; empty means query the kernel.
	Override string
	// Rejected lists override values that fail without detection.
	Rejected []string
	Logger   *utils.StructuredLogger
}

// Synthesizable reports whether name can be synthesized without a kernel
// query.
func Synthesizable(name string) bool {
	_, ok := synthetic[name]
	return ok
}

// Probe returns the version descriptor for conn. A synthesizable override
// never touches the kernel. Any other override, rejected or unknown, fails
// with UNSUPPORTED_BACKEND before detection. A kernel failure yields
// DETECTION_FAILED; there is no retry.
func (p *Prober) Probe(conn drm.Conn) (*types.Version, error) {
	log := p.Logger
	if log == nil {
		log = utils.NewNopLogger()
	}
	log = log.WithComponent("version")

	if p.Override != "" {
		for _, r := range p.Rejected {
			if r == p.Override {
				return nil, errors.Newf(errors.ErrCodeUnsupportedBackend, "%s is not supported", p.Override).
					WithComponent("version").WithOperation("probe").
					WithDetail("override", p.Override)
			}
		}
		if v, ok := synthetic[p.Override]; ok {
			log.Debug("synthesized version", map[string]interface{}{
				"override": p.Override,
				"version":  v.String(),
			})
			return &v, nil
		}
		log.Warn("unknown driver override", map[string]interface{}{
			"override": p.Override,
		})
		return nil, errors.Newf(errors.ErrCodeUnsupportedBackend, "unknown driver override %s", p.Override).
			WithComponent("version").WithOperation("probe").
			WithDetail("override", p.Override)
	}

	v, err := conn.Version()
	if err != nil {
		log.Debug("cannot get version", map[string]interface{}{"error": err.Error()})
		return nil, errors.Wrap(err, errors.ErrCodeDetectionFailed, "cannot get version").
			WithComponent("version").WithOperation("probe")
	}
	log.Debug("detected version", map[string]interface{}{"version": v.String()})
	return v, nil
}
