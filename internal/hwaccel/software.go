package hwaccel

import (
	"errors"
	"sync"
)

var errInvalidBitrate = errors.New("hwaccel: invalid bitrate")

// softwareAdapter is the always-available fallback. It does not perform a
// real H.264 encode; internal/render's non-hardware path drives the
// progressive wavelet codec instead and never calls Encode on this
// adapter in practice, but keeping a working passthrough means a renderer
// misconfigured to request AVC420 without hardware degrades rather than
// panics.
type softwareAdapter struct {
	mu      sync.Mutex
	bitrate int
}

func newSoftwareAdapter() *softwareAdapter {
	return &softwareAdapter{bitrate: 2_500_000}
}

func (s *softwareAdapter) Capabilities() Capabilities {
	return Capabilities{Name: "software", IsHardware: false}
}

func (s *softwareAdapter) Encode(req EncodeRequest) ([]byte, error) {
	out := make([]byte, len(req.Frame))
	copy(out, req.Frame)
	return out, nil
}

func (s *softwareAdapter) SetBitrate(bitrate int) error {
	if bitrate <= 0 {
		return errInvalidBitrate
	}
	s.mu.Lock()
	s.bitrate = bitrate
	s.mu.Unlock()
	return nil
}

func (s *softwareAdapter) Close() error { return nil }
