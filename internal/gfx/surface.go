package gfx

import (
	"sync"

	"github.com/GNOME/gnome-remote-desktop-sub002/internal/bufferpool"
	"github.com/GNOME/gnome-remote-desktop-sub002/internal/damage"
)

// SurfaceID is the 16-bit server-assigned, wire-visible surface
// identifier. Ids may be reused across a GfxSurface's lifetime; Serial
// disambiguates stale references.
type SurfaceID uint16

// CodecContext is the server-side progressive-wavelet encoder state for
// one GfxSurface. Exactly one CodecContext exists per GfxSurface; it is
// created the first time a progressive header must be sent, and torn
// down with delete_encoding_context before delete_surface.
type CodecContext struct {
	HeaderSent bool
}

// NvEncSession is a per-GfxSurface H.264 hardware encoder session, bound
// to dimensions aligned to NVENC's requirements (width % 16 == 0,
// height % 64 == 0). Real encode/bitstream-buffer state lives behind
// internal/hwaccel; this struct only carries the binding the protocol
// layer needs.
type NvEncSession struct {
	AlignedWidth  uint32
	AlignedHeight uint32
}

func alignUp(v, to uint32) uint32 {
	return (v + to - 1) / to * to
}

// NewNvEncSession computes NVENC's aligned input geometry for a surface
// of the given visible size (width aligned to 16, height to 64, per §3).
func NewNvEncSession(width, height uint32) *NvEncSession {
	return &NvEncSession{
		AlignedWidth:  alignUp(width, 16),
		AlignedHeight: alignUp(height, 64),
	}
}

// NeedsAuxiliaryRenderSurface reports whether NVENC's aligned geometry
// exceeds the surface's visible size, requiring a second, auxiliary
// render GfxSurface of aligned dimensions (§4.3 create_surface).
func (s *NvEncSession) NeedsAuxiliaryRenderSurface(width, height uint32) bool {
	return s.AlignedWidth != width || s.AlignedHeight != height
}

// GfxSurface is the wire-visible handle to a Surface in the graphics
// pipeline: a 16-bit id plus a 32-bit lifetime-unique serial that lets
// unacked frames be associated with their surface even after the id is
// reused.
type GfxSurface struct {
	ID     SurfaceID
	Serial Serial

	Width, Height uint32

	Codec *CodecContext
	NvEnc *NvEncSession

	// NoLocalDataRequired is set when NVENC consumes GPU memory directly
	// and the CPU-side Surface need not retain pixel data.
	NoLocalDataRequired bool

	// RenderTarget, when non-nil, is the original (non-aligned) surface
	// this auxiliary render surface exists to feed; surface-to-surface
	// blits copy damage rectangles from this surface into RenderTarget
	// after each surface-command.
	RenderTarget *GfxSurface

	// non-owning back-reference; GfxSurface's teardown must never touch
	// it (§9 "Cyclic pointer between Surface and GfxSurface").
	owner *Surface
}

// Surface is a logical remote display: dimensions, output origin, a
// "valid" flag cleared whenever a full frame must be re-transmitted, a
// pending framebuffer, and a damage detector driven off the last
// successfully encoded framebuffer.
type Surface struct {
	OutputX, OutputY uint32
	Width, Height    uint32

	// Valid is cleared after reset, after an external invalidation
	// request, or after a codec-context deletion; the next render tick
	// must emit a full-surface frame.
	Valid bool

	Detector damage.Detector

	// pendingMu guards the pending framebuffer slot: one writer (the
	// capture producer) and one reader (the render tick) on different
	// goroutines (§5 shared-resource policy).
	pendingMu sync.Mutex
	pending   *bufferpool.Buffer

	lastEnc *bufferpool.Buffer

	// Gfx is the strong reference to this surface's wire-visible handle,
	// created on first demand and deleted on reset. Owning the strong
	// side means Surface.Close deletes Gfx; Gfx's own teardown never
	// reaches back into Surface.
	Gfx *GfxSurface

	// GraphicsSubsystemFailed latches permanently once any failure is
	// observed; subsequent render ticks become no-ops (§7 propagation
	// policy).
	GraphicsSubsystemFailed bool
}

// NewSurface creates a surface at the given output origin and size, with
// no GfxSurface bound yet (created on first demand).
func NewSurface(outputX, outputY, width, height uint32, detector damage.Detector) *Surface {
	return &Surface{
		OutputX: outputX, OutputY: outputY,
		Width: width, Height: height,
		Valid:    true,
		Detector: detector,
	}
}

// BindGfx attaches gfx as this surface's wire-visible handle and points
// gfx's non-owning back-reference at this surface.
func (s *Surface) BindGfx(gfx *GfxSurface) {
	s.Gfx = gfx
	gfx.owner = s
}

// SetPending installs buf as the surface's single pending framebuffer,
// returning the buffer it displaced (nil if none) so the caller can
// release a frame the render tick never got to.
func (s *Surface) SetPending(buf *bufferpool.Buffer) (displaced *bufferpool.Buffer) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	displaced = s.pending
	s.pending = buf
	return displaced
}

// TakePending removes and returns the pending framebuffer, or nil if
// none is set.
func (s *Surface) TakePending() *bufferpool.Buffer {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	b := s.pending
	s.pending = nil
	return b
}

// SetLastEncoded records buf as the last successfully encoded
// framebuffer, used by the damage detector for the next delta.
func (s *Surface) SetLastEncoded(buf *bufferpool.Buffer) {
	s.lastEnc = buf
}

// LastEncoded returns the last successfully encoded framebuffer.
func (s *Surface) LastEncoded() *bufferpool.Buffer {
	return s.lastEnc
}

// Invalidate clears Valid, forcing the next render to be a full frame.
func (s *Surface) Invalidate() {
	s.Valid = false
	if s.Detector != nil {
		s.Detector.InvalidateSurface()
	}
}
