//go:build nvenc

package hwaccel

import (
	"fmt"
	"sync"
)

type nvencAdapter struct {
	mu      sync.Mutex
	bitrate int
}

func init() {
	registerFactory(newNVENCAdapter)
}

func newNVENCAdapter() (Adapter, error) {
	return &nvencAdapter{bitrate: 2_500_000}, nil
}

func (n *nvencAdapter) Capabilities() Capabilities {
	return Capabilities{
		Name:              "nvenc",
		IsHardware:        true,
		SupportsAVC420:    true,
		SupportsDMABufIn:  true,
		RequiresAlignment: 64,
	}
}

func (n *nvencAdapter) Encode(req EncodeRequest) ([]byte, error) {
	if len(req.Frame) == 0 {
		return nil, fmt.Errorf("nvenc: empty frame")
	}
	// Placeholder passthrough until the NVENC cgo bindings are wired in;
	// internal/render still drives quantization descriptor bookkeeping
	// (qp/p/qualityVal) against this adapter's declared capabilities.
	out := make([]byte, len(req.Frame))
	copy(out, req.Frame)
	return out, nil
}

func (n *nvencAdapter) SetBitrate(bitrate int) error {
	if bitrate <= 0 {
		return errInvalidBitrate
	}
	n.mu.Lock()
	n.bitrate = bitrate
	n.mu.Unlock()
	return nil
}

func (n *nvencAdapter) Close() error { return nil }
