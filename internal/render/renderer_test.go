package render

import (
	"testing"
	"time"

	"github.com/GNOME/gnome-remote-desktop-sub002/internal/bufferpool"
	"github.com/GNOME/gnome-remote-desktop-sub002/internal/damage"
	"github.com/GNOME/gnome-remote-desktop-sub002/internal/gfx"
	"github.com/GNOME/gnome-remote-desktop-sub002/internal/gfx/wire"
	"github.com/GNOME/gnome-remote-desktop-sub002/internal/pacing"
)

func newTestSurface(t *testing.T, p *gfx.Pipeline) (*gfx.Surface, *gfx.GfxSurface) {
	t.Helper()
	// The renderer owns buffer lifecycle; the detector must not release.
	detector := damage.NewByteCompareDetector(nil, 64)
	if err := detector.ResizeSurface(128, 128); err != nil {
		t.Fatalf("ResizeSurface: %v", err)
	}
	surface := gfx.NewSurface(0, 0, 128, 128, detector)

	pacer := pacing.New(nil, nil)
	gfxSurface, _ := p.CreateSurface(1, 128, 128, pacer, nil)
	surface.BindGfx(gfxSurface)
	return surface, gfxSurface
}

func TestTick_FirstFrameEmitsFullFrameProgressivePDUs(t *testing.T) {
	p := gfx.NewPipeline()
	pool := bufferpool.New(2)
	defer pool.Close()

	surface, gfxSurface := newTestSurface(t, p)
	surface.Valid = false // force full frame on first emission

	if err := pool.Resize(128, 128, 128*4); err != nil {
		t.Fatalf("Resize: %v", err)
	}
	surface.SetPending(pool.Acquire())

	pacer := pacing.New(nil, nil)
	r := New(p, pool, pacer, nil, nil, surface, gfxSurface)

	pdus, err := r.Tick(time.Now())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(pdus) != 3 {
		t.Fatalf("expected start_frame, surface command, end_frame; got %d pdus", len(pdus))
	}

	cmd, _, err := wire.ParseHeader(pdus[0])
	if err != nil || cmd != wire.CmdStartFrame {
		t.Fatalf("expected CmdStartFrame first, got %x (err=%v)", cmd, err)
	}
	cmd, _, err = wire.ParseHeader(pdus[2])
	if err != nil || cmd != wire.CmdEndFrame {
		t.Fatalf("expected CmdEndFrame last, got %x (err=%v)", cmd, err)
	}
	if !surface.Valid {
		t.Fatal("expected surface marked valid after a successful emission")
	}
	if p.TrackedFrameCount() != 1 {
		t.Fatalf("expected one tracked frame, got %d", p.TrackedFrameCount())
	}
}

func TestTick_NoPendingFramebufferIsANoOp(t *testing.T) {
	p := gfx.NewPipeline()
	pool := bufferpool.New(2)
	defer pool.Close()

	surface, gfxSurface := newTestSurface(t, p)
	pacer := pacing.New(nil, nil)
	r := New(p, pool, pacer, nil, nil, surface, gfxSurface)

	pdus, err := r.Tick(time.Now())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if pdus != nil {
		t.Fatalf("expected no pdus with nothing pending, got %d", len(pdus))
	}
}

func TestTick_ThrottledLeavesPendingInPlace(t *testing.T) {
	p := gfx.NewPipeline()
	pool := bufferpool.New(2)
	defer pool.Close()

	surface, gfxSurface := newTestSurface(t, p)
	if err := pool.Resize(128, 128, 128*4); err != nil {
		t.Fatalf("Resize: %v", err)
	}
	surface.SetPending(pool.Acquire())

	// One unacked frame at the minimum soft bound throttles the tick.
	pacer := pacing.New(nil, nil)
	pacer.UnackFrame(1, time.Now())
	r := New(p, pool, pacer, nil, nil, surface, gfxSurface)

	pdus, err := r.Tick(time.Now())
	if err != nil || pdus != nil {
		t.Fatalf("expected a silent no-op while throttled, got pdus=%v err=%v", pdus, err)
	}
	if surface.TakePending() == nil {
		t.Fatal("expected the pending framebuffer to stay in place for a later tick")
	}
	if p.TrackedFrameCount() != 0 {
		t.Fatal("expected no frame tracked while throttled")
	}
}

func TestTick_KeyframeRequestForcesFullFrameWithoutDamage(t *testing.T) {
	p := gfx.NewPipeline()
	pool := bufferpool.New(2)
	defer pool.Close()

	surface, gfxSurface := newTestSurface(t, p)
	if err := pool.Resize(128, 128, 128*4); err != nil {
		t.Fatalf("Resize: %v", err)
	}

	pacer := pacing.New(nil, nil)
	r := New(p, pool, pacer, nil, nil, surface, gfxSurface)

	surface.SetPending(pool.Acquire())
	if _, err := r.Tick(time.Now()); err != nil {
		t.Fatalf("first Tick: %v", err)
	}

	// Tear the unacked window down (as suspension/reset-graphics do);
	// the latched keyframe request must force a full frame even though
	// the next framebuffer is byte-identical.
	pacer.ClearAllUnacked()

	surface.SetPending(pool.Acquire())
	pdus, err := r.Tick(time.Now())
	if err != nil {
		t.Fatalf("second Tick: %v", err)
	}
	if len(pdus) != 3 {
		t.Fatalf("expected a full-frame emission after a keyframe request, got %d pdus", len(pdus))
	}
}

func TestTick_GraphicsSubsystemFailedShortCircuits(t *testing.T) {
	p := gfx.NewPipeline()
	pool := bufferpool.New(2)
	defer pool.Close()

	surface, gfxSurface := newTestSurface(t, p)
	surface.GraphicsSubsystemFailed = true
	surface.SetPending(pool.Acquire())

	pacer := pacing.New(nil, nil)
	r := New(p, pool, pacer, nil, nil, surface, gfxSurface)

	pdus, err := r.Tick(time.Now())
	if err != nil || pdus != nil {
		t.Fatalf("expected a silent no-op once failed, got pdus=%v err=%v", pdus, err)
	}
}
