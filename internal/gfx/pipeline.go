// Package gfx implements the server role of the RDP Graphics Pipeline
// Extension protocol ([MS-RDPEGFX]): capability negotiation, surface and
// codec-context lifecycle, frame-id allocation, frame-acknowledge
// tracking with history rewrite, suspension semantics, and
// reset-graphics. It is carried on a dynamic virtual channel abstracted
// by internal/dvc/transport; this package knows nothing about the
// channel's byte framing, only the PDU semantics (internal/gfx/wire owns
// the wire codec).
package gfx

import (
	"sync"
	"time"

	"github.com/GNOME/gnome-remote-desktop-sub002/internal/grderr"
	"github.com/GNOME/gnome-remote-desktop-sub002/internal/logging"
	"github.com/GNOME/gnome-remote-desktop-sub002/internal/pacing"
)

var log = logging.L("gfx")

// QueueDepth is the frame_acknowledge PDU's queueDepth field. The
// sentinel SuspendQueueDepth tells the server the peer has stopped
// sending acks and the pipeline must self-ack inline (§4.3, §4.4,
// glossary "Acks suspended").
type QueueDepth uint16

// SuspendQueueDepth is [MS-RDPEGFX]'s reserved "suspend frame
// acknowledgement" sentinel value for the queueDepth field.
const SuspendQueueDepth QueueDepth = 0xFFFF

func (q QueueDepth) isSuspend() bool { return q == SuspendQueueDepth }

// CapsTimeout is how long the pipeline waits for the peer's first
// CapsAdvertise before tearing the session down (§4.3).
const CapsTimeout = 10 * time.Second

// trackedFrame is one entry of the ordered FrameInfo queue, oldest-first.
type trackedFrame struct {
	info FrameInfo
}

// Pipeline is the server-side graphics-pipeline protocol state for one
// RDP session's dynamic virtual channel. One mutex guards surface
// tables, the frame-serial arena, and the tracked-frame queue, per §5
// "Graphics-pipeline protocol state: ... one mutex."
type Pipeline struct {
	mu sync.Mutex

	negotiated           bool
	firstAdvertiseVersion CapVersion
	confirmed            Confirmed

	surfaces    map[SurfaceID]*GfxSurface
	nextSerial  Serial
	serials     *serialArena

	queue        []trackedFrame
	frameIndex   map[FrameID]FrameInfo
	frameCursor  FrameID

	totalEncoded uint64
	suspended    bool

	capsTimer *time.Timer
}

// NewPipeline creates an un-negotiated pipeline; call ArmCapsTimer right
// after the channel opens.
func NewPipeline() *Pipeline {
	return &Pipeline{
		surfaces:   make(map[SurfaceID]*GfxSurface),
		serials:    newSerialArena(),
		frameIndex: make(map[FrameID]FrameInfo),
	}
}

// ArmCapsTimer starts the 10-second CapsAdvertise deadline. onTimeout is
// invoked (on its own goroutine) if the timer fires before
// HandleCapsAdvertise is called successfully; callers tear the session
// down from there.
func (p *Pipeline) ArmCapsTimer(onTimeout func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.capsTimer = time.AfterFunc(CapsTimeout, onTimeout)
}

func (p *Pipeline) disarmCapsTimerLocked() {
	if p.capsTimer != nil {
		p.capsTimer.Stop()
		p.capsTimer = nil
	}
}

// HandleCapsAdvertise processes the peer's CapsAdvertise per §4.3 steps
// 1-4. On success it returns the Confirmed capability set to send back
// as CapsConfirm; the pipeline state (surfaces, tracked frames, total
// counters, suspension) is reset as a side effect of step 4.
func (p *Pipeline) HandleCapsAdvertise(adv *Advertise) (Confirmed, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	version, ok := selectVersion(adv)
	if !ok {
		return Confirmed{}, grderr.Wrap(grderr.CapabilityMismatch, "gfx: no mutually supported capability version", nil)
	}

	flags := adv.flagsFor(version)
	disablesAVC := wouldDisableAVC(version, flags)

	if !p.negotiated {
		// First advertise: any outcome is acceptable, including one that
		// disables AVC.
		p.firstAdvertiseVersion = version
	} else {
		// Re-advertise. One that would disable AVC on the initialized
		// pipeline is a capability mismatch whatever the original
		// version; any other is only legal when the pipeline's original
		// version was >= 10.3.
		if disablesAVC {
			return Confirmed{}, grderr.Wrap(grderr.CapabilityMismatch, "gfx: re-advertise would disable AVC on an already-initialized pipeline", nil)
		}
		if p.firstAdvertiseVersion < CapVersion103 {
			return Confirmed{}, grderr.Wrap(grderr.ProtocolViolation, "gfx: unexpected re-advertise of capabilities", nil)
		}
	}

	p.confirmed = confirmFor(version, flags)
	p.negotiated = true
	p.disarmCapsTimerLocked()
	p.resetStateLocked()

	return p.confirmed, nil
}

// resetStateLocked implements §4.3 step 4: delete all surfaces, drop
// tracked FrameInfos, reset the total-encoded counter and the
// suspension flag. Callers must hold p.mu.
func (p *Pipeline) resetStateLocked() {
	p.surfaces = make(map[SurfaceID]*GfxSurface)
	p.serials.reset()
	p.queue = nil
	p.frameIndex = make(map[FrameID]FrameInfo)
	p.totalEncoded = 0
	p.suspended = false
}

// CreateSurface registers a new GfxSurface at id with the given
// dimensions, associating it with pacer for pacing/ack dispatch. If
// nvenc is non-nil and its aligned geometry exceeds (width, height), a
// second auxiliary render GfxSurface of aligned size is also created and
// returned, with the primary recorded as its render target.
func (p *Pipeline) CreateSurface(id SurfaceID, width, height uint32, pacer *pacing.Controller, nvenc *NvEncSession) (primary, aux *GfxSurface) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.nextSerial++
	primary = &GfxSurface{ID: id, Serial: p.nextSerial, Width: width, Height: height, NvEnc: nvenc}
	p.surfaces[id] = primary
	p.serials.create(primary, pacer)

	if nvenc != nil {
		primary.NoLocalDataRequired = true
		if nvenc.NeedsAuxiliaryRenderSurface(width, height) {
			p.nextSerial++
			aux = &GfxSurface{
				ID:     p.freeSurfaceIDLocked(id),
				Serial: p.nextSerial,
				Width:  nvenc.AlignedWidth,
				Height: nvenc.AlignedHeight,
			}
			aux.RenderTarget = primary
			p.surfaces[aux.ID] = aux
			p.serials.create(aux, pacer)
		}
	}
	return primary, aux
}

// freeSurfaceIDLocked probes upward from the given id for a surface-id
// not currently in use, for auxiliary render surfaces that need their
// own wire-visible id. Callers must hold p.mu.
func (p *Pipeline) freeSurfaceIDLocked(from SurfaceID) SurfaceID {
	id := from + 1
	for {
		if _, inUse := p.surfaces[id]; !inUse {
			return id
		}
		id++
	}
}

// DeleteSurface tears down the GfxSurface at id. It reports whether a
// delete_encoding_context PDU must be emitted before delete_surface (a
// CodecContext was bound), per §4.3. The surface-serial reference is
// freed immediately if no tracked frame refers to it, otherwise it is
// freed when the last tracked frame is acknowledged or discarded.
func (p *Pipeline) DeleteSurface(id SurfaceID) (needsDeleteEncodingContext bool, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	gfx, found := p.surfaces[id]
	if !found {
		return false, false
	}
	delete(p.surfaces, id)

	needsDeleteEncodingContext = gfx.Codec != nil
	p.serials.markSurfaceDeleted(gfx.Serial)
	return needsDeleteEncodingContext, true
}

// AllocateFrameID returns the next unique 32-bit frame-id by linear
// probing the tracked-frame lookup table from an advancing cursor, so
// uniqueness holds across the live tracked window even once the counter
// wraps (§4.3 "Frame identification").
func (p *Pipeline) AllocateFrameID() FrameID {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := p.frameCursor
	for {
		if _, inUse := p.frameIndex[id]; !inUse {
			break
		}
		id++
	}
	p.frameCursor = id + 1
	return id
}

// RecordFrame tracks a newly emitted frame under the protocol mutex. If
// the pipeline is currently acks-suspended the frame is not tracked and
// selfAcked is true: the caller unacks then immediately acks it on the
// surface's pacing controller, emulating the peer's ack at encode time
// (§4.3 step 2).
func (p *Pipeline) RecordFrame(serial Serial, frameID FrameID, encodedAt time.Time) (selfAcked bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.totalEncoded++

	if p.suspended {
		return true
	}

	info := FrameInfo{FrameID: frameID, Serial: serial, EncodeAt: encodedAt.UnixNano()}
	p.queue = append(p.queue, trackedFrame{info: info})
	p.frameIndex[frameID] = info
	p.serials.ref(serial)

	if len(p.queue) > MaxTrackedEncFrames {
		oldest := p.queue[0].info
		p.queue = p.queue[1:]
		delete(p.frameIndex, oldest.FrameID)
		p.serials.unref(oldest.Serial)
	}
	return false
}

// Acknowledge processes one frame_acknowledge(id, totalDecoded,
// queueDepth) PDU per §4.3 "Acknowledgement" and the history-rewrite
// supplement in SPEC_FULL §11.
func (p *Pipeline) Acknowledge(id FrameID, totalDecoded uint64, queueDepth QueueDepth) {
	p.mu.Lock()

	outstanding := int64(p.totalEncoded) - int64(totalDecoded)
	if outstanding < 0 {
		outstanding = 0
	}

	_, tracked := p.frameIndex[id]
	if outstanding <= MaxTrackedEncFrames && !tracked {
		// Stale ack: outside the tracked window and referring to a
		// frame-id this pipeline never acknowledges for. Ignore.
		p.mu.Unlock()
		return
	}

	// History rewrite (SPEC_FULL §11; mirrors maybe_rewrite_frame_history
	// / reduce_tracked_frame_infos): first trim the HEAD of the tracked
	// queue (oldest-first) down to outstanding+1 entries. Each trimmed
	// head entry has fallen out of the client's reported window for
	// good, so it is really released here: removed from frameIndex and
	// its surface serial unreffed — the window-displacement case of
	// invariant 5. Then unconditionally drain the entire remaining tail,
	// replaying each as freshly-unacked on its owning surface's pacer,
	// but leaving its frame-id -> serial association live in frameIndex
	// so a later direct ack (this one or a future one) can still
	// resolve it and decrement the serial refcount exactly once.
	for int64(len(p.queue)) > outstanding+1 {
		oldest := p.queue[0].info
		p.queue = p.queue[1:]
		delete(p.frameIndex, oldest.FrameID)
		p.serials.unref(oldest.Serial)
	}

	type replayEntry struct {
		pacer *pacing.Controller
		info  FrameInfo
	}
	var replay []replayEntry
	for len(p.queue) > 0 {
		last := len(p.queue) - 1
		fi := p.queue[last].info
		p.queue = p.queue[:last]
		if pacer := p.serials.pacerFor(fi.Serial); pacer != nil {
			replay = append(replay, replayEntry{pacer: pacer, info: fi})
		}
	}

	var resolvedPacer *pacing.Controller
	var resolved bool
	if info, ok := p.frameIndex[id]; ok {
		resolvedPacer = p.serials.pacerFor(info.Serial)
		delete(p.frameIndex, id)
		p.serials.unref(info.Serial)
		resolved = true
	}

	becomesSuspended := queueDepth.isSuspend()
	var suspendPacers []*pacing.Controller
	if becomesSuspended {
		suspendPacers = p.serials.allPacers()
		for _, fi := range p.frameIndex {
			p.serials.unref(fi.Serial)
		}
		p.queue = nil
		p.frameIndex = make(map[FrameID]FrameInfo)
		p.suspended = true
	} else {
		p.suspended = false
	}

	p.mu.Unlock()

	for _, e := range replay {
		e.pacer.UnackLastAckedFrame(pacing.FrameID(e.info.FrameID), time.Unix(0, e.info.EncodeAt))
	}

	if resolved && resolvedPacer != nil {
		resolvedPacer.AckFrame(pacing.FrameID(id), time.Now())
	}

	for _, pacer := range suspendPacers {
		pacer.ClearAllUnacked()
	}
}

// Suspended reports whether the pipeline is currently in the
// acks-suspended state.
func (p *Pipeline) Suspended() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.suspended
}

// TrackedFrameCount returns the number of entries in the tracked-frame
// queue, exposed for tests asserting the ack-window-rewrite invariant.
func (p *Pipeline) TrackedFrameCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// SerialRefCount exposes the arena's reference count for serial, for
// tests; returns -1 if the serial is unknown.
func (p *Pipeline) SerialRefCount(serial Serial) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.serials.refCount(serial)
}

// ResetGraphics tears down every existing GfxSurface and CodecContext
// (the caller emits delete_encoding_context/delete_surface for each
// before sending reset_graphics) and clears all tracked state, used when
// the client reconnects to a differently shaped virtual output (§4.3
// "Reset-graphics").
func (p *Pipeline) ResetGraphics() []SurfaceID {
	p.mu.Lock()
	ids := make([]SurfaceID, 0, len(p.surfaces))
	for id := range p.surfaces {
		ids = append(ids, id)
	}
	pacers := p.serials.allPacers()
	p.resetStateLocked()
	p.mu.Unlock()

	for _, pacer := range pacers {
		pacer.ClearAllUnacked()
	}
	return ids
}

// Confirmed returns the currently negotiated capability set.
func (p *Pipeline) Confirmed() Confirmed {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.confirmed
}
