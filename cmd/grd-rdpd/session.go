package main

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/GNOME/gnome-remote-desktop-sub002/internal/bufferpool"
	"github.com/GNOME/gnome-remote-desktop-sub002/internal/camera"
	"github.com/GNOME/gnome-remote-desktop-sub002/internal/damage"
	"github.com/GNOME/gnome-remote-desktop-sub002/internal/dvc/transport"
	"github.com/GNOME/gnome-remote-desktop-sub002/internal/frameclock"
	"github.com/GNOME/gnome-remote-desktop-sub002/internal/gfx"
	"github.com/GNOME/gnome-remote-desktop-sub002/internal/gfx/wire"
	"github.com/GNOME/gnome-remote-desktop-sub002/internal/hwaccel"
	"github.com/GNOME/gnome-remote-desktop-sub002/internal/pacing"
	"github.com/GNOME/gnome-remote-desktop-sub002/internal/render"
)

// defaultSurfaceID is the only surface this daemon creates per session;
// multi-monitor layouts would mint one GfxSurface per output, which is
// out of scope for a headless capture source.
const defaultSurfaceID gfx.SurfaceID = 1

// Session is one client's RDP Graphics Pipeline connection: the
// negotiated Pipeline, the single Surface/GfxSurface pair it drives, the
// pacing controller and renderer feeding it, and a synthetic capture
// producer standing in for the PipeWire/dma-buf source this headless
// daemon has no display server to obtain frames from.
type Session struct {
	d    *Daemon
	conn *transport.ServerConn

	pipeline *gfx.Pipeline
	pool     *bufferpool.Pool
	adapter  hwaccel.Adapter

	mu       sync.Mutex
	surface  *gfx.Surface
	pacer    *pacing.Controller
	renderer *render.Renderer
	clock    *frameclock.Clock
	source   *testSource

	// renderInFlight serializes render ticks on the shared worker pool:
	// at most one Tick per surface runs at a time, preserving the §5
	// "one reader (the render tick)" guarantee on the pending slot and
	// the renderer's unguarded per-surface state.
	renderInFlight atomic.Bool

	cameraBackend    *cameraBackend
	cameraEnumerator *camera.Enumerator
	cameraDone       chan struct{}

	negotiated chan struct{}
	once       sync.Once
}

func newSession(d *Daemon) *Session {
	adapter, err := hwaccel.New(d.cfg.NVENCEnabled)
	if err != nil {
		log.Warn("hardware adapter unavailable, falling back to software", "error", err)
		adapter, _ = hwaccel.New(false)
	}

	return &Session{
		d:          d,
		pipeline:   gfx.NewPipeline(),
		pool:       bufferpool.New(2),
		adapter:    adapter,
		negotiated: make(chan struct{}),
	}
}

// Run blocks for the lifetime of the connection: it arms the
// CapsAdvertise deadline, starts the connection's read/write pumps, and
// waits for Close to fire.
func (s *Session) Run() {
	s.pipeline.ArmCapsTimer(func() {
		log.Warn("capability advertise deadline expired, closing session")
		s.Close()
	})

	done := make(chan struct{})
	go func() {
		s.conn.Serve()
		close(done)
	}()

	<-done
}

// Close tears down the session's render loop and releases its buffer
// pool. Safe to call more than once.
func (s *Session) Close() {
	s.once.Do(func() {
		s.mu.Lock()
		if s.clock != nil {
			s.clock.Close()
		}
		if s.cameraDone != nil {
			close(s.cameraDone)
		}
		s.mu.Unlock()

		s.pool.Close()
		if s.adapter != nil {
			s.adapter.Close()
		}
		if s.conn != nil {
			s.conn.Close()
		}
	})
}

func (s *Session) setHostPressure(under bool) {
	s.mu.Lock()
	pacer := s.pacer
	s.mu.Unlock()
	if pacer != nil {
		pacer.SetHostPressure(under)
	}
}

// handlePDU dispatches one received PDU by its graphics-pipeline command
// id. Camera-channel PDUs are routed to the camera backend when
// redirection is enabled (see camera.go); any other channel is ignored.
func (s *Session) handlePDU(ch transport.ChannelID, pdu []byte) {
	if ch == transport.ChannelCamera {
		s.handleCameraPDU(pdu)
		return
	}
	if ch != transport.ChannelGraphics {
		return
	}

	cmd, _, err := wire.ParseHeader(pdu)
	if err != nil {
		log.Warn("short graphics pipeline PDU", "error", err)
		return
	}
	body := pdu[8:]

	switch cmd {
	case wire.CmdCapsAdvertise:
		s.handleCapsAdvertise(body)
	case wire.CmdFrameAcknowledge:
		s.handleFrameAcknowledge(body)
	default:
		log.Debug("ignoring unexpected client->server PDU", "cmd", cmd)
	}
}

func (s *Session) handleCapsAdvertise(body []byte) {
	entries, err := wire.DecodeCapsAdvertise(body)
	if err != nil {
		log.Warn("malformed caps advertise", "error", err)
		return
	}

	adv := &gfx.Advertise{Flags: make(map[gfx.CapVersion]gfx.CapFlag)}
	for _, e := range entries {
		v := gfx.CapVersion(e.Version)
		adv.Versions = append(adv.Versions, v)
		adv.Flags[v] = gfx.CapFlag(e.Flags)
	}

	confirmed, err := s.pipeline.HandleCapsAdvertise(adv)
	if err != nil {
		log.Warn("capability negotiation failed", "error", err)
		s.Close()
		return
	}

	s.conn.Send(transport.ChannelGraphics, wire.EncodeCapsConfirm(uint32(confirmed.Version), 0))

	first := false
	select {
	case <-s.negotiated:
	default:
		close(s.negotiated)
		first = true
	}

	if first {
		s.startRendering(confirmed)
	}
}

func (s *Session) handleFrameAcknowledge(body []byte) {
	ack, err := wire.DecodeFrameAcknowledge(body)
	if err != nil {
		log.Warn("malformed frame acknowledge", "error", err)
		return
	}
	s.pipeline.Acknowledge(gfx.FrameID(ack.FrameID), uint64(ack.TotalFrames), gfx.QueueDepth(ack.QueueDepth))
}

// startRendering creates the session's one GfxSurface, wires a pacing
// controller and Renderer to it, and starts the frame-clock-paced
// synthetic capture source.
func (s *Session) startRendering(confirmed gfx.Confirmed) {
	width, height := uint32(1280), uint32(720)

	// An NVENC session applies only when H.264 is negotiated AND the
	// hardware adapter is present; the software fallback drives the
	// progressive wavelet path instead.
	var nvenc *gfx.NvEncSession
	if confirmed.H264 && s.adapter != nil {
		if caps := s.adapter.Capabilities(); caps.IsHardware && caps.SupportsAVC420 {
			nvenc = gfx.NewNvEncSession(width, height)
		}
	}

	// The RTT-sample callback pushes the controller's REMB bitrate
	// estimate into the encode adapter; the vote callback retunes the
	// capture clock between the configured frame-rate bounds (§4.4's
	// slow-down-when-idle heuristic applied to the producer side).
	var pacer *pacing.Controller
	pacer = pacing.New(func(rtt time.Duration) {
		if s.adapter == nil {
			return
		}
		remb := pacer.Bound(uint32(defaultSurfaceID))
		if err := s.adapter.SetBitrate(int(remb.Bitrate)); err != nil {
			log.Debug("encoder bitrate update rejected", "bitrate", int(remb.Bitrate), "error", err)
		}
	}, s.onPacingVote)

	primary, aux := s.pipeline.CreateSurface(defaultSurfaceID, width, height, pacer, nvenc)

	// The renderer owns framebuffer lifecycle (EGL unmap, then release),
	// so the detector gets no pool of its own to release into.
	detector := damage.NewByteCompareDetector(nil, uint32(s.d.cfg.TileSize))
	if err := detector.ResizeSurface(width, height); err != nil {
		log.Error("failed to size damage detector", "error", err)
		return
	}
	surface := gfx.NewSurface(0, 0, width, height, detector)
	surface.BindGfx(primary)

	// The synthetic capture source only mints host-memory buffers, so the
	// CPU-side pixel data stays required even on the NVENC path.
	primary.NoLocalDataRequired = false

	// Encode onto the aligned render surface when NVENC geometry demands
	// one; damage rectangles are blitted back onto the visible surface.
	target := primary
	if aux != nil {
		target = aux
	}

	renderer := render.New(s.pipeline, s.pool, pacer, s.adapter, s.d.egl, surface, target)
	renderer.SetConfirmed(confirmed)

	s.mu.Lock()
	s.surface = surface
	s.pacer = pacer
	s.renderer = renderer
	s.mu.Unlock()

	if err := s.pool.Resize(width, height, width*4); err != nil {
		log.Warn("buffer pool resize failed", "error", err)
	}

	s.conn.Send(transport.ChannelGraphics, wire.EncodeCreateSurface(
		uint16(defaultSurfaceID), uint16(width), uint16(height), wire.PixelFormatBGRX32))
	s.conn.Send(transport.ChannelGraphics, wire.EncodeMapSurfaceToOutput(uint16(defaultSurfaceID), 0, 0))
	if aux != nil {
		// Aligned off-screen render surface; never mapped to an output.
		s.conn.Send(transport.ChannelGraphics, wire.EncodeCreateSurface(
			uint16(aux.ID), uint16(aux.Width), uint16(aux.Height), wire.PixelFormatBGRX32))
	}

	src := newTestSource(s.pool, width, height)
	s.mu.Lock()
	s.source = src
	s.mu.Unlock()

	clock, err := frameclock.New(s.onTick)
	if err != nil {
		log.Error("failed to create frame clock", "error", err)
		return
	}
	s.mu.Lock()
	s.clock = clock
	s.mu.Unlock()

	if err := clock.Arm(uint64(s.d.cfg.MaxFrameRate), 1); err != nil {
		log.Error("failed to arm frame clock", "error", err)
	}

	if s.d.cfg.CameraRedirectionEnabled {
		s.startCameraRedirection()
	}
}

// onPacingVote retunes the capture clock when the pacing controller's
// round-trip measurement vote flips: HIGH (frames recently encoded)
// keeps the clock at the configured maximum rate, LOW (a second of
// idle) drops it to the minimum so an idle session stops burning
// capture/compare work at full rate.
func (s *Session) onPacingVote(v pacing.Vote) {
	s.mu.Lock()
	clock := s.clock
	s.mu.Unlock()
	if clock == nil {
		return
	}

	rate := s.d.cfg.MaxFrameRate
	if v == pacing.VoteLow {
		rate = s.d.cfg.MinFrameRate
	}
	if err := clock.Arm(uint64(rate), 1); err != nil {
		log.Warn("failed to retune frame clock", "vote", v.String(), "rate", rate, "error", err)
	}
}

func (s *Session) onTick() {
	s.mu.Lock()
	surface, renderer, source, pacer := s.surface, s.renderer, s.source, s.pacer
	s.mu.Unlock()
	if surface == nil || renderer == nil || source == nil {
		return
	}

	// §4.4: once the unacked window reaches the RTT-derived soft bound,
	// stop producing frames entirely rather than queueing them.
	if pacer != nil && pacer.ShouldThrottle() {
		return
	}

	buf := source.next()
	if displaced := surface.SetPending(buf); displaced != nil {
		// The render pool is behind; drop the frame it never consumed.
		s.pool.Release(displaced)
	}

	// One render tick per surface at a time; a still-running tick keeps
	// the fresh framebuffer pending for the next attempt.
	if !s.renderInFlight.CompareAndSwap(false, true) {
		return
	}

	submitted := s.d.pool.Submit(func() {
		defer s.renderInFlight.Store(false)

		pdus, err := renderer.Tick(time.Now())
		if err != nil {
			log.Warn("render tick failed", "error", err)
			return
		}
		for _, pdu := range pdus {
			if err := s.conn.Send(transport.ChannelGraphics, pdu); err != nil {
				log.Debug("dropped outgoing graphics pdu", "error", err)
			}
		}
	})
	if !submitted {
		s.renderInFlight.Store(false)
	}
}
