// Package render drives one Surface's per-tick frame emission: pulling
// its pending framebuffer, running damage detection against the last
// encoded framebuffer, choosing the AVC420 or progressive-wavelet wire
// path per the pipeline's negotiated capabilities, and producing the
// ordered PDU sequence (start_frame, one or more wire_to_surface_1,
// end_frame) a caller hands to internal/dvc/transport.
package render

import (
	"fmt"
	"time"

	"github.com/pion/rtcp"

	"github.com/GNOME/gnome-remote-desktop-sub002/internal/bufferpool"
	"github.com/GNOME/gnome-remote-desktop-sub002/internal/damage"
	"github.com/GNOME/gnome-remote-desktop-sub002/internal/egl"
	"github.com/GNOME/gnome-remote-desktop-sub002/internal/gfx"
	"github.com/GNOME/gnome-remote-desktop-sub002/internal/gfx/wire"
	"github.com/GNOME/gnome-remote-desktop-sub002/internal/hwaccel"
	"github.com/GNOME/gnome-remote-desktop-sub002/internal/logging"
	"github.com/GNOME/gnome-remote-desktop-sub002/internal/pacing"
)

var log = logging.L("render")

// Renderer ties one Surface to its GfxSurface, the shared Pipeline, a
// pacing Controller, the bufferpool it draws framebuffers from, and an
// hwaccel Adapter used only when the surface's NvEncSession is set.
type Renderer struct {
	Pipeline *gfx.Pipeline
	Pool     *bufferpool.Pool
	Pacer    *pacing.Controller
	Adapter  hwaccel.Adapter
	// EGL, when non-nil, is the shared worker thread GPU-side buffer
	// mappings are unmapped on (§4.7, §5: "the GPU-interop 'unmap
	// previous' task runs on the EGL worker before the next upload").
	// A nil EGL falls back to releasing the mapping inline on whatever
	// goroutine calls Tick, which is correct for host-memory-only
	// buffers that never carry a GPUMapping.
	EGL *egl.Thread

	Surface *gfx.Surface
	Gfx     *gfx.GfxSurface

	confirmed gfx.Confirmed
	seq       uint64
}

// New constructs a Renderer for one surface. confirmed is snapshotted at
// construction time; callers recreate the Renderer (or call
// SetConfirmed) after a capability re-negotiation.
func New(pipeline *gfx.Pipeline, pool *bufferpool.Pool, pacer *pacing.Controller, adapter hwaccel.Adapter, eglThread *egl.Thread, surface *gfx.Surface, gfxSurface *gfx.GfxSurface) *Renderer {
	return &Renderer{
		Pipeline:  pipeline,
		Pool:      pool,
		Pacer:     pacer,
		Adapter:   adapter,
		EGL:       eglThread,
		Surface:   surface,
		Gfx:       gfxSurface,
		confirmed: pipeline.Confirmed(),
	}
}

// SetConfirmed updates the capability set this renderer encodes against,
// called after a successful re-negotiation.
func (r *Renderer) SetConfirmed(c gfx.Confirmed) { r.confirmed = c }

// Tick runs one emission cycle. It returns nil, nil when there is no
// pending framebuffer, the pacing controller's soft bound on unacked
// frames is reached (§4.4 — the pending framebuffer is left in place
// for a later tick), or the damage detector reports nothing changed
// (§4.3 "Emission of a frame" skip path). A non-nil error marks the
// surface's GraphicsSubsystemFailed latch and is otherwise non-fatal to
// the caller: the surface stops producing frames but nothing else in the
// session is torn down (§7).
func (r *Renderer) Tick(now time.Time) ([][]byte, error) {
	if r.Surface.GraphicsSubsystemFailed {
		return nil, nil
	}

	if r.Pacer != nil && r.Pacer.ShouldThrottle() {
		log.Debug("tick throttled, unacked window at soft bound", "surface", r.Gfx.ID)
		return nil, nil
	}

	buf := r.Surface.TakePending()
	if buf == nil {
		return nil, nil
	}

	if err := r.Surface.Detector.SubmitNewFramebuffer(buf); err != nil {
		r.Surface.GraphicsSubsystemFailed = true
		return nil, fmt.Errorf("render: damage detection failed: %w", err)
	}

	var pli *rtcp.PictureLossIndication
	if r.Pacer != nil {
		pli = r.Pacer.TakeKeyframeRequest(uint32(r.Gfx.ID))
	}

	fullFrame := !r.Surface.Valid || pli != nil
	if !fullFrame && !r.Surface.Detector.IsRegionDamaged() {
		log.Debug("tick skipped, no damage", "surface", r.Gfx.ID)
		r.releasePrevious(buf)
		return nil, nil
	}
	if pli != nil {
		log.Debug("forcing keyframe refresh", "surface", pli.MediaSSRC)
	}

	region := r.Surface.Detector.GetDamageRegion()
	rects := r.wireRects(fullFrame, region)

	frameID := r.Pipeline.AllocateFrameID()
	pdus, err := r.encode(frameID, now, buf, rects, pli != nil)
	if err != nil {
		r.Surface.GraphicsSubsystemFailed = true
		return nil, err
	}

	selfAck := r.Pipeline.RecordFrame(r.Gfx.Serial, frameID, now)
	if r.Pacer != nil {
		r.Pacer.UnackFrame(pacing.FrameID(frameID), now)
		if selfAck {
			r.Pacer.AckFrame(pacing.FrameID(frameID), now)
		}
	}

	r.releasePrevious(buf)
	r.Surface.Valid = true
	r.seq++

	return pdus, nil
}

func (r *Renderer) releasePrevious(newBuf *bufferpool.Buffer) {
	if prev := r.Surface.LastEncoded(); prev != nil && prev != newBuf {
		r.unmapPrevious(prev)
		r.Pool.Release(prev)
	}
	r.Surface.SetLastEncoded(newBuf)
}

// unmapPrevious releases prev's transient GPU-side mapping, if any,
// before the buffer is returned to the pool and becomes eligible for
// re-acquisition. When an EGL worker is wired, the unmap runs there and
// this call blocks until it completes, so the next upload never races a
// mapping still pending release on the EGL thread (§5).
func (r *Renderer) unmapPrevious(prev *bufferpool.Buffer) {
	if r.EGL == nil {
		prev.ReleaseGPUMapping()
		return
	}
	if err := r.EGL.RunSync(func() error {
		prev.ReleaseGPUMapping()
		return nil
	}); err != nil {
		log.Warn("egl unmap-previous task failed", "error", err)
	}
}

// wireRects reduces the detector's damage rectangles (or the whole
// surface, on a forced full frame) to wire.Rect16 clipping rectangles.
func (r *Renderer) wireRects(fullFrame bool, region []damage.Rect) []wire.Rect16 {
	if fullFrame || len(region) == 0 {
		return []wire.Rect16{{
			Left: 0, Top: 0,
			Right:  uint16(r.Surface.Width),
			Bottom: uint16(r.Surface.Height),
		}}
	}
	rects := make([]wire.Rect16, 0, len(region))
	for _, dr := range region {
		rects = append(rects, wire.Rect16{
			Left: uint16(dr.X), Top: uint16(dr.Y),
			Right: uint16(dr.X + dr.W), Bottom: uint16(dr.Y + dr.H),
		})
	}
	return rects
}

func (r *Renderer) encode(frameID gfx.FrameID, at time.Time, buf *bufferpool.Buffer, rects []wire.Rect16, forceKeyframe bool) ([][]byte, error) {
	timestamp := wire.PackTimestamp(at.Hour(), at.Minute(), at.Second(), at.Nanosecond()/1e6)

	var surfaceCmd []byte
	if r.confirmed.H264 && r.Gfx.NvEnc != nil && r.Adapter != nil {
		out, err := r.Adapter.Encode(hwaccel.EncodeRequest{
			Frame:         buf.Host,
			Width:         buf.Width,
			Height:        buf.Height,
			ForceKeyframe: forceKeyframe,
		})
		if err != nil {
			return nil, fmt.Errorf("render: hardware encode failed: %w", err)
		}

		quality := wire.QualityForFrame(r.seq)
		meta := wire.AVC420Meta{
			Rects:   rects,
			Quality: repeatQuality(quality, len(rects)),
		}
		surfaceCmd = wire.EncodeWireToSurface1AVC420(uint16(r.Gfx.ID), meta, out)
	} else {
		payload := r.encodeProgressive(buf, rects)
		destRect := wire.Rect16{Right: uint16(r.Surface.Width), Bottom: uint16(r.Surface.Height)}
		surfaceCmd = wire.EncodeWireToSurface1Progressive(uint16(r.Gfx.ID), destRect, payload)
	}

	pdus := [][]byte{
		wire.EncodeStartFrame(timestamp, uint32(frameID)),
		surfaceCmd,
	}

	// When encoding targets an auxiliary (aligned) render surface, blit
	// each damage rectangle onto the visible surface between the
	// surface-command and end_frame (§4.3 step 4).
	if rt := r.Gfx.RenderTarget; rt != nil {
		for _, rc := range rects {
			pdus = append(pdus, wire.EncodeSurfaceToSurface(
				uint16(r.Gfx.ID), uint16(rt.ID), rc,
				[]struct{ X, Y uint16 }{{X: rc.Left, Y: rc.Top}}))
		}
	}

	pdus = append(pdus, wire.EncodeEndFrame(uint32(frameID)))
	return pdus, nil
}

// encodeProgressive assembles the progressive wavelet block sequence for
// one frame. The sync block is emitted once per CodecContext lifetime;
// the wavelet transform and entropy coding of tile pixel data live behind
// the color-conversion stage this package does not yet implement, so
// each tile currently carries its raw color-converted bytes as a
// placeholder payload, matching the repository's other hardware/software
// encode backends' passthrough-until-bindings-land pattern.
func (r *Renderer) encodeProgressive(buf *bufferpool.Buffer, rects []wire.Rect16) []byte {
	var out []byte

	if r.Gfx.Codec == nil {
		r.Gfx.Codec = &gfx.CodecContext{}
	}
	if !r.Gfx.Codec.HeaderSent {
		out = append(out, wire.EncodeSyncBlock()...)
		out = append(out, wire.EncodeContextBlock(0, 64, 0)...)
		r.Gfx.Codec.HeaderSent = true
	}

	regionRects := make([]wire.RegionRect, 0, len(rects))
	var tiles []wire.Tile
	for _, rc := range rects {
		w := rc.Right - rc.Left
		h := rc.Bottom - rc.Top
		regionRects = append(regionRects, wire.RegionRect{X: rc.Left, Y: rc.Top, W: w, H: h})

		tileData := sliceTile(buf, uint32(rc.Left), uint32(rc.Top), uint32(w), uint32(h))
		tiles = append(tiles, wire.Tile{
			XIdx: rc.Left / 64, YIdx: rc.Top / 64,
			Y: tileData,
		})
	}

	out = append(out, wire.EncodeFrameBeginBlock(uint32(r.seq), uint16(len(regionRects)))...)
	out = append(out, wire.EncodeRegionBlock(regionRects, wire.QuantValues{}, tiles)...)
	out = append(out, wire.EncodeFrameEndBlock()...)
	return out
}

// sliceTile copies the raw pixel bytes under the given rectangle from a
// host-memory backed Buffer. Buffers with a non-host backing (dma-buf,
// memfd) are routed through internal/egl's download path before
// reaching this renderer; by the time Tick runs, buf.Host is populated.
func sliceTile(buf *bufferpool.Buffer, x, y, w, h uint32) []byte {
	if buf.Backing != bufferpool.BackingHostMemory || len(buf.Host) == 0 {
		return nil
	}
	out := make([]byte, 0, w*h*4)
	for row := y; row < y+h && row < buf.Height; row++ {
		start := row*buf.Stride + x*4
		end := start + w*4
		if int(end) > len(buf.Host) {
			end = uint32(len(buf.Host))
		}
		if int(start) < len(buf.Host) {
			out = append(out, buf.Host[start:end]...)
		}
	}
	return out
}

func repeatQuality(q wire.QuantQuality, n int) []wire.QuantQuality {
	out := make([]wire.QuantQuality, n)
	for i := range out {
		out[i] = q
	}
	return out
}
