// Package hwaccel is the GPU adapter façade: capability detection and a
// pluggable H.264 encode backend selected at init time from whichever
// hardware factories were registered by a build-tag-gated backend file.
//
// The selection mechanism mirrors the teacher's video-encoder backend
// registry: hardware backends self-register from an init() func gated
// behind a build tag. When hardware is requested and none registered or
// none accepted the requested config, New returns ErrNoHardware; the
// software placeholder comes only from New(false).
package hwaccel

import (
	"errors"
	"fmt"
	"sync"
)

// Capabilities describes what an Adapter can do, queried once at startup
// to decide whether a GfxSurface needs the width/height-64-aligned
// auxiliary render surface NVENC requires.
type Capabilities struct {
	Name              string
	IsHardware        bool
	SupportsAVC420    bool
	SupportsDMABufIn  bool
	RequiresAlignment uint32 // 0 means no alignment constraint
}

// EncodeRequest carries one frame's encode parameters. It carries no
// quantization values; the caller attaches the AVC420 quantization
// descriptor when it wraps the output with internal/gfx/wire.
type EncodeRequest struct {
	Frame         []byte
	Width, Height uint32
	ForceKeyframe bool
}

// Adapter is a hardware (or software-fallback) H.264 encode backend.
type Adapter interface {
	Capabilities() Capabilities
	Encode(req EncodeRequest) ([]byte, error)
	SetBitrate(bitrate int) error
	Close() error
}

type adapterFactory func() (Adapter, error)

var (
	factoriesMu sync.Mutex
	factories   []adapterFactory
)

// registerFactory is called from a build-tag-gated backend's init().
func registerFactory(f adapterFactory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories = append(factories, f)
}

// ErrNoHardware is returned by New when preferHardware is set but no
// registered factory could produce an adapter.
var ErrNoHardware = errors.New("hwaccel: no hardware backend available")

// New selects a hardware adapter if preferHardware is set and a
// registered factory succeeds; if preferHardware is set and none does,
// it returns ErrNoHardware. With preferHardware unset it returns the
// software fallback.
func New(preferHardware bool) (Adapter, error) {
	if preferHardware {
		factoriesMu.Lock()
		fs := append([]adapterFactory(nil), factories...)
		factoriesMu.Unlock()

		for _, f := range fs {
			a, err := f()
			if err == nil && a != nil {
				return a, nil
			}
		}
		return nil, fmt.Errorf("%w: requested hardware, none registered or all failed", ErrNoHardware)
	}
	return newSoftwareAdapter(), nil
}
