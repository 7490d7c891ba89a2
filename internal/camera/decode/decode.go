// Package decode implements the software H.264 decode session camera
// redirection uses to turn AVC420 samples streamed from the RDP client
// into decoded BGRA frames (§4.6 "Sample flow"). Decoded frames are
// republished through a LocalSource so downstream consumers (screen
// sharing, an application wanting camera input) see the camera device
// exactly as they would a PipeWire camera node.
package decode

import (
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/GNOME/gnome-remote-desktop-sub002/internal/logging"
)

var log = logging.L("camera.decode")

// Frame is one decoded camera frame, BGRA8888-packed, ready to be
// handed to a PipeWire mem-fd buffer or any other local consumer. The
// embedded media.Sample carries the pixel data and the frame duration
// derived from the stream's negotiated frame rate.
type Frame struct {
	media.Sample
	Width, Height int
}

// LocalSource is the republishing side of a decode Session: whatever
// backs the local capture source consumers attach to (§1 camera
// redirection's "re-publishes decoded frames as a local capture
// source"). It is the narrow external-collaborator boundary §1
// describes for the PipeWire producer side.
type LocalSource interface {
	Publish(Frame) error
}

// h264Decoder is the narrow surface this package needs from an H.264
// software decoder. openh264Decoder (openh264_decoder.go) implements it
// against github.com/y9o/go-openh264; isolating the binding behind this
// interface keeps any future decoder swap to one file, the same pattern
// internal/hwaccel uses for its build-tag-gated encoder backends.
type h264Decoder interface {
	Decode(nal []byte) (yuvI420 []byte, width, height int, err error)
	Close() error
}

// Session wraps one stream's decode state: a single software decoder
// instance and the LocalSource its output is republished through.
// DecodeSample, SetFrameDuration and Close serialize on mu; each
// CameraStream owns exactly one.
type Session struct {
	mu            sync.Mutex
	decoder       h264Decoder
	source        LocalSource
	frameDuration time.Duration
}

// NewSession constructs a decode session publishing onto source.
func NewSession(source LocalSource) (*Session, error) {
	dec, err := newOpenH264Decoder()
	if err != nil {
		return nil, fmt.Errorf("camera/decode: create software H.264 decoder: %w", err)
	}
	return &Session{decoder: dec, source: source}, nil
}

// DecodeSample decodes one AVC420 NAL unit sample and republishes the
// resulting BGRA frame through the session's LocalSource. A decode
// error is the caller's cue to treat the sample as corrupted (§4.6
// "SampleErrorResponse causes a corrupted-buffer queue").
func (s *Session) DecodeSample(nal []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	yuv, width, height, err := s.decoder.Decode(nal)
	if err != nil {
		return fmt.Errorf("camera/decode: decode sample: %w", err)
	}

	frame := Frame{
		Sample: media.Sample{Data: i420ToBGRA(yuv, width, height), Duration: s.frameDuration},
		Width:  width,
		Height: height,
	}
	if err := s.source.Publish(frame); err != nil {
		return fmt.Errorf("camera/decode: publish decoded frame: %w", err)
	}
	return nil
}

// SetFrameDuration records the per-frame duration of the stream's
// selected media type so published samples carry it.
func (s *Session) SetFrameDuration(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frameDuration = d
}

// Close releases the underlying decoder.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.decoder.Close()
}

// i420ToBGRA converts a planar I420 (YUV 4:2:0) buffer into packed
// BGRA8888.
func i420ToBGRA(yuv []byte, width, height int) []byte {
	if width <= 0 || height <= 0 {
		return nil
	}

	ySize := width * height
	cStride := (width + 1) / 2
	cSize := cStride * ((height + 1) / 2)
	if len(yuv) < ySize+2*cSize {
		return nil
	}

	yPlane := yuv[:ySize]
	uPlane := yuv[ySize : ySize+cSize]
	vPlane := yuv[ySize+cSize : ySize+2*cSize]

	out := make([]byte, width*height*4)
	for row := 0; row < height; row++ {
		cRow := row / 2
		for col := 0; col < width; col++ {
			cCol := col / 2
			y := int(yPlane[row*width+col])
			u := int(uPlane[cRow*cStride+cCol]) - 128
			v := int(vPlane[cRow*cStride+cCol]) - 128

			r := clampByte((298*y + 409*v + 128) >> 8)
			g := clampByte((298*y - 100*u - 208*v + 128) >> 8)
			b := clampByte((298*y + 516*u + 128) >> 8)

			i := (row*width + col) * 4
			out[i+0] = b
			out[i+1] = g
			out[i+2] = r
			out[i+3] = 0xFF
		}
	}
	return out
}

func clampByte(v int) byte {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return byte(v)
}
