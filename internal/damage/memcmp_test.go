package damage

import (
	"testing"

	"github.com/GNOME/gnome-remote-desktop-sub002/internal/bufferpool"
)

func makeBuffer(width, height, stride uint32) *bufferpool.Buffer {
	p := bufferpool.New(1)
	p.Resize(width, height, stride)
	return p.Acquire()
}

func TestFirstSubmitDamagesWholeSurface(t *testing.T) {
	d := NewByteCompareDetector(nil, 64)
	if err := d.ResizeSurface(128, 128); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	buf := makeBuffer(128, 128, 128*4)
	if err := d.SubmitNewFramebuffer(buf); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !d.IsRegionDamaged() {
		t.Fatal("expected first submit to report damage")
	}
	region := d.GetDamageRegion()
	if len(region) != 1 || region[0] != (Rect{X: 0, Y: 0, W: 128, H: 128}) {
		t.Fatalf("expected single full-surface rect, got %v", region)
	}
}

func TestIdenticalBuffersReportNoDamage(t *testing.T) {
	d := NewByteCompareDetector(nil, 64)
	if err := d.ResizeSurface(128, 128); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	first := makeBuffer(128, 128, 128*4)
	if err := d.SubmitNewFramebuffer(first); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	second := makeBuffer(128, 128, 128*4)
	if err := d.SubmitNewFramebuffer(second); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if d.IsRegionDamaged() {
		t.Fatalf("expected no damage between identical buffers, got %v", d.GetDamageRegion())
	}
}

func TestSinglePixelDifferenceDamagesExactlyOneTile(t *testing.T) {
	d := NewByteCompareDetector(nil, 64)
	if err := d.ResizeSurface(128, 128); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	first := makeBuffer(128, 128, 128*4)
	if err := d.SubmitNewFramebuffer(first); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	second := makeBuffer(128, 128, 128*4)
	// Flip a single pixel inside tile (1,1) (pixel at x=70, y=70).
	off := 70*second.Stride + 70*4
	second.Host[off] ^= 0xFF

	if err := d.SubmitNewFramebuffer(second); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	region := d.GetDamageRegion()
	if len(region) != 1 {
		t.Fatalf("expected exactly one damaged tile, got %v", region)
	}
	want := Rect{X: 64, Y: 64, W: 64, H: 64}
	if region[0] != want {
		t.Fatalf("expected damaged tile %v, got %v", want, region[0])
	}
}

func TestInvalidateSurfaceForcesFullDamageOnNextSubmit(t *testing.T) {
	d := NewByteCompareDetector(nil, 64)
	if err := d.ResizeSurface(64, 64); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	first := makeBuffer(64, 64, 64*4)
	if err := d.SubmitNewFramebuffer(first); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	d.InvalidateSurface()

	second := makeBuffer(64, 64, 64*4)
	if err := d.SubmitNewFramebuffer(second); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	region := d.GetDamageRegion()
	if len(region) != 1 || region[0] != (Rect{X: 0, Y: 0, W: 64, H: 64}) {
		t.Fatalf("expected full-surface rect after invalidation, got %v", region)
	}
}

func TestSubmitRejectsMismatchedSize(t *testing.T) {
	d := NewByteCompareDetector(nil, 64)
	if err := d.ResizeSurface(64, 64); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	wrong := makeBuffer(32, 32, 32*4)
	if err := d.SubmitNewFramebuffer(wrong); err == nil {
		t.Fatal("expected error submitting a mismatched-size buffer")
	}
}

func TestStatsAccumulate(t *testing.T) {
	d := NewByteCompareDetector(nil, 64)
	if err := d.ResizeSurface(64, 64); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for i := 0; i < 3; i++ {
		buf := makeBuffer(64, 64, 64*4)
		if err := d.SubmitNewFramebuffer(buf); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	stats := d.Stats()
	if stats.FramesCompared != 3 {
		t.Fatalf("expected 3 frames compared, got %d", stats.FramesCompared)
	}
}
