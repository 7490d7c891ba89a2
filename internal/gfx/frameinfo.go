package gfx

import "github.com/GNOME/gnome-remote-desktop-sub002/internal/pacing"

// MaxTrackedEncFrames bounds the FrameInfo queue; entries beyond this
// bound are discarded oldest-first (§3 "FrameInfo").
const MaxTrackedEncFrames = 1000

// FrameID is the 32-bit server-assigned identifier attached to every
// start_frame and matched by frame_acknowledge.
type FrameID uint32

// Serial is a GfxSurface's 32-bit lifetime-unique serial.
type Serial uint32

// FrameInfo remembers, for one tracked frame-id, which surface-serial it
// belongs to and when it was encoded (wall time, for pacing/QoE).
type FrameInfo struct {
	FrameID  FrameID
	Serial   Serial
	EncodeAt int64 // unix nanos
}

// serialEntry is the reference-counted arena slot for one surface serial
// (§9 "Reference-counted surface serials"). A serial survives its owning
// GfxSurface's deletion as long as tracked frames still reference it.
type serialEntry struct {
	surface *GfxSurface // nil once the owning GfxSurface has been deleted
	pacer   *pacing.Controller
	refs    int
}

// serialArena is an integer-keyed arena of serialEntry, freed when both
// "surface deleted" and "refcount == 0" hold.
type serialArena struct {
	entries map[Serial]*serialEntry
}

func newSerialArena() *serialArena {
	return &serialArena{entries: make(map[Serial]*serialEntry)}
}

func (a *serialArena) create(s *GfxSurface, pacer *pacing.Controller) {
	a.entries[s.Serial] = &serialEntry{surface: s, pacer: pacer}
}

// pacerFor resolves the frame-pacing controller for serial, or nil when
// the owning GfxSurface has already been deleted (its serial entry may
// still be alive pending unref, but there is no surface left to pace).
func (a *serialArena) pacerFor(serial Serial) *pacing.Controller {
	if e, ok := a.entries[serial]; ok && e.surface != nil {
		return e.pacer
	}
	return nil
}

// markSurfaceDeleted clears the owning-surface pointer for serial. If no
// tracked frame still references it, the entry is freed immediately;
// otherwise it survives until the last reference is dropped.
func (a *serialArena) markSurfaceDeleted(serial Serial) {
	e, ok := a.entries[serial]
	if !ok {
		return
	}
	e.surface = nil
	if e.refs == 0 {
		delete(a.entries, serial)
	}
}

// ref increments serial's tracked-frame reference count. serial must
// already exist in the arena (created alongside its GfxSurface).
func (a *serialArena) ref(serial Serial) {
	if e, ok := a.entries[serial]; ok {
		e.refs++
	}
}

// unref decrements serial's reference count, freeing the entry if the
// owning surface has already been deleted and no references remain.
func (a *serialArena) unref(serial Serial) {
	e, ok := a.entries[serial]
	if !ok {
		return
	}
	e.refs--
	if e.refs <= 0 && e.surface == nil {
		delete(a.entries, serial)
	}
}

// surfaceFor resolves the live GfxSurface for serial, or nil if it has
// been deleted (the serial entry may still exist pending unref).
func (a *serialArena) surfaceFor(serial Serial) *GfxSurface {
	if e, ok := a.entries[serial]; ok {
		return e.surface
	}
	return nil
}

func (a *serialArena) refCount(serial Serial) int {
	if e, ok := a.entries[serial]; ok {
		return e.refs
	}
	return -1
}

func (a *serialArena) reset() {
	a.entries = make(map[Serial]*serialEntry)
}

// allPacers returns every distinct pacing controller still registered in
// the arena, used to clear unacked frames across every surface on
// suspend and on reset-graphics.
func (a *serialArena) allPacers() []*pacing.Controller {
	out := make([]*pacing.Controller, 0, len(a.entries))
	for _, e := range a.entries {
		if e.surface != nil && e.pacer != nil {
			out = append(out, e.pacer)
		}
	}
	return out
}
