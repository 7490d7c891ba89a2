package gfx

import (
	"testing"
	"time"

	"github.com/GNOME/gnome-remote-desktop-sub002/internal/pacing"
)

func newPacer() *pacing.Controller {
	return pacing.New(nil, nil)
}

// S5: Peer advertises {8.0, 10, 10.4} with AVC-disabled flag cleared.
// The confirmed capability set is 10.4; H264 and AVC444v2 are enabled.
func TestHandleCapsAdvertise_SelectsHighestMutualVersion(t *testing.T) {
	p := NewPipeline()

	confirmed, err := p.HandleCapsAdvertise(&Advertise{
		Versions: []CapVersion{CapVersion8, CapVersion10, CapVersion104},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if confirmed.Version != CapVersion104 {
		t.Fatalf("expected version 10.4, got %x", confirmed.Version)
	}
	if !confirmed.H264 || !confirmed.AVC444 {
		t.Fatalf("expected H264 and AVC444 enabled, got %+v", confirmed)
	}
}

// S6: Peer whose initial version was 10.1 re-advertises with only 8.0.
// The session is aborted with CapabilityMismatch.
func TestHandleCapsAdvertise_ReAdvertiseDisablingAVCIsRejected(t *testing.T) {
	p := NewPipeline()

	if _, err := p.HandleCapsAdvertise(&Advertise{Versions: []CapVersion{CapVersion101}}); err != nil {
		t.Fatalf("initial advertise failed: %v", err)
	}

	_, err := p.HandleCapsAdvertise(&Advertise{Versions: []CapVersion{CapVersion8}})
	if err == nil {
		t.Fatal("expected CapabilityMismatch on re-advertise disabling AVC, got nil")
	}
}

func TestHandleCapsAdvertise_ReAdvertiseBelow103IsProtocolViolation(t *testing.T) {
	p := NewPipeline()

	if _, err := p.HandleCapsAdvertise(&Advertise{Versions: []CapVersion{CapVersion102}}); err != nil {
		t.Fatalf("initial advertise failed: %v", err)
	}

	_, err := p.HandleCapsAdvertise(&Advertise{Versions: []CapVersion{CapVersion102}})
	if err == nil {
		t.Fatal("expected protocol violation on re-advertise below 10.3, got nil")
	}
}

func TestHandleCapsAdvertise_NoMutualVersionIsCapabilityMismatch(t *testing.T) {
	p := NewPipeline()
	_, err := p.HandleCapsAdvertise(&Advertise{Versions: []CapVersion{0xDEADBEEF}})
	if err == nil {
		t.Fatal("expected capability mismatch")
	}
}

func TestHandleCapsAdvertise_Version81RequiresFlagForH264(t *testing.T) {
	p := NewPipeline()
	confirmed, err := p.HandleCapsAdvertise(&Advertise{
		Versions: []CapVersion{CapVersion81},
		Flags:    map[CapVersion]CapFlag{CapVersion81: FlagAVC420Enabled},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !confirmed.H264 || confirmed.AVC444 {
		t.Fatalf("expected H264 on, AVC444 off for 8.1, got %+v", confirmed)
	}
}

func TestAllocateFrameID_UniqueAcrossWrap(t *testing.T) {
	p := NewPipeline()
	p.frameCursor = FrameID(^uint32(0) - 2)

	seen := make(map[FrameID]bool)
	for i := 0; i < 6; i++ {
		id := p.AllocateFrameID()
		if seen[id] {
			t.Fatalf("duplicate frame id %d allocated", id)
		}
		seen[id] = true
		p.frameIndex[id] = FrameInfo{FrameID: id}
	}
}

// Invariant 5 / S3: encode far more than MAX_TRACKED_ENC_FRAMES frames
// without any ack; the tracked queue is bounded, and every eviction
// decrements the owning serial's refcount exactly once.
func TestRecordFrame_EvictsOldestBeyondWindow(t *testing.T) {
	p := NewPipeline()
	pacer := newPacer()
	surface, _ := p.CreateSurface(1, 800, 600, pacer, nil)

	for i := 0; i < MaxTrackedEncFrames+200; i++ {
		id := p.AllocateFrameID()
		p.RecordFrame(surface.Serial, id, time.Now())
	}

	if got := p.TrackedFrameCount(); got != MaxTrackedEncFrames {
		t.Fatalf("expected tracked queue bounded at %d, got %d", MaxTrackedEncFrames, got)
	}
	if got := p.SerialRefCount(surface.Serial); got != MaxTrackedEncFrames {
		t.Fatalf("expected refcount %d (one per tracked frame), got %d", MaxTrackedEncFrames, got)
	}
}

// S3: the ack-window history rewrite has two distinct halves (SPEC_FULL
// §11 / grd-rdp-graphics-pipeline.c's maybe_rewrite_frame_history): the
// HEAD of the tracked queue is trimmed down to outstanding+1 entries
// with a real release (dropped from the id->serial table, serial
// unreffed — gone for good), then the entire remaining TAIL is
// unconditionally drained and replayed as freshly-unacked, with its
// id->serial association left live so a later direct ack can still
// resolve it. This asserts both halves land on the right frame-ids, not
// just that the queue ends up "small enough".
func TestAcknowledge_AckWindowRewrite(t *testing.T) {
	p := NewPipeline()
	pacer := newPacer()
	surface, _ := p.CreateSurface(1, 800, 600, pacer, nil)

	ids := make([]FrameID, 5)
	for i := range ids {
		ids[i] = p.AllocateFrameID()
		p.RecordFrame(surface.Serial, ids[i], time.Now())
	}

	if got := p.SerialRefCount(surface.Serial); got != 5 {
		t.Fatalf("refcount before ack = %d, want 5 (one per tracked frame)", got)
	}

	// outstanding = totalEncoded(5) - totalDecoded(3) = 2, so the head
	// trim keeps outstanding+1 = 3 entries (ids[2], ids[3], ids[4]),
	// releasing ids[0] and ids[1] for real. The entire remaining tail is
	// then drained and replayed; ids[2] is additionally resolved
	// directly by this same ack.
	p.Acknowledge(ids[2], 3, 0)

	if got := p.TrackedFrameCount(); got != 0 {
		t.Fatalf("tracked queue after ack = %d, want 0 (history rewrite always fully drains the tail)", got)
	}

	// Two real head-trim releases (ids[0], ids[1]) plus one direct
	// resolve (ids[2]) must each drop the refcount exactly once:
	// 5 - 3 = 2 remain live, one per still-tracked frame (ids[3], ids[4]).
	if got := p.SerialRefCount(surface.Serial); got != 2 {
		t.Fatalf("refcount after ack = %d, want 2 (ids[3], ids[4] still tracked)", got)
	}

	// ids[0] was released outright, not replayed: a later ack naming it
	// is stale (outside the window, unknown frame-id) and must be
	// ignored rather than resolved a second time.
	p.Acknowledge(ids[0], 4, 0)
	if got := p.SerialRefCount(surface.Serial); got != 2 {
		t.Fatalf("refcount after stale ack on a released id = %d, want unchanged 2", got)
	}

	// ids[3] was replayed, not released: its id->serial association
	// stayed live, so a later ack naming it must still resolve directly.
	p.Acknowledge(ids[3], 4, 0)
	if got := p.SerialRefCount(surface.Serial); got != 1 {
		t.Fatalf("refcount after resolving a replayed id = %d, want 1 (only ids[4] left)", got)
	}
}

// S4: an ack with queue_depth == suspend clears every unacked frame on
// every surface and sets the suspended latch; the next encode self-acks.
func TestAcknowledge_SuspendClearsAllSurfaces(t *testing.T) {
	p := NewPipeline()
	pacerA := newPacer()
	pacerB := newPacer()
	surfA, _ := p.CreateSurface(1, 800, 600, pacerA, nil)
	surfB, _ := p.CreateSurface(2, 1024, 768, pacerB, nil)

	idA := p.AllocateFrameID()
	p.RecordFrame(surfA.Serial, idA, time.Now())
	pacerA.UnackFrame(pacing.FrameID(idA), time.Now())

	idB := p.AllocateFrameID()
	p.RecordFrame(surfB.Serial, idB, time.Now())
	pacerB.UnackFrame(pacing.FrameID(idB), time.Now())

	p.Acknowledge(idA, 1, SuspendQueueDepth)

	if !p.Suspended() {
		t.Fatal("expected pipeline to be in acks-suspended state")
	}
	if pacerA.UnackedCount() != 0 || pacerB.UnackedCount() != 0 {
		t.Fatalf("expected zero unacked frames on both surfaces, got A=%d B=%d",
			pacerA.UnackedCount(), pacerB.UnackedCount())
	}

	// The next encode self-acks rather than tracking an unacked frame.
	nextID := p.AllocateFrameID()
	p.RecordFrame(surfA.Serial, nextID, time.Now())
	if p.TrackedFrameCount() != 0 {
		t.Fatalf("expected no tracked frames while suspended, got %d", p.TrackedFrameCount())
	}
}

func TestDeleteSurface_FreesSerialWhenNoTrackedFrames(t *testing.T) {
	p := NewPipeline()
	pacer := newPacer()
	surface, _ := p.CreateSurface(1, 800, 600, pacer, nil)

	if _, ok := p.DeleteSurface(1); !ok {
		t.Fatal("expected delete to find surface")
	}
	if got := p.SerialRefCount(surface.Serial); got != -1 {
		t.Fatalf("expected serial entry freed immediately, refcount query returned %d", got)
	}
}

func TestDeleteSurface_KeepsSerialAliveUntilFramesDrain(t *testing.T) {
	p := NewPipeline()
	pacer := newPacer()
	surface, _ := p.CreateSurface(1, 800, 600, pacer, nil)

	id := p.AllocateFrameID()
	p.RecordFrame(surface.Serial, id, time.Now())

	p.DeleteSurface(1)
	if got := p.SerialRefCount(surface.Serial); got != 1 {
		t.Fatalf("expected serial to survive deletion with refcount 1, got %d", got)
	}

	p.Acknowledge(id, 1, 0)
	if got := p.SerialRefCount(surface.Serial); got != -1 {
		t.Fatalf("expected serial freed after last tracked frame acked, got %d", got)
	}
}

func TestCreateSurface_NvEncAlignmentCreatesAuxiliarySurface(t *testing.T) {
	p := NewPipeline()
	pacer := newPacer()

	nvenc := NewNvEncSession(800, 600)
	primary, aux := p.CreateSurface(1, 800, 600, pacer, nvenc)

	if !primary.NoLocalDataRequired {
		t.Fatal("expected primary surface to be marked no-local-data-required")
	}
	if aux == nil {
		t.Fatal("expected an auxiliary render surface for unaligned geometry")
	}
	if aux.RenderTarget != primary {
		t.Fatal("expected auxiliary surface's render target to be the primary surface")
	}
	if aux.Width != 800 || aux.Height != 640 {
		t.Fatalf("expected aligned 800x640, got %dx%d", aux.Width, aux.Height)
	}
}

func TestResetGraphics_ClearsSurfacesAndTrackedFrames(t *testing.T) {
	p := NewPipeline()
	pacer := newPacer()
	surface, _ := p.CreateSurface(1, 800, 600, pacer, nil)
	id := p.AllocateFrameID()
	p.RecordFrame(surface.Serial, id, time.Now())
	pacer.UnackFrame(pacing.FrameID(id), time.Now())

	ids := p.ResetGraphics()
	if len(ids) != 1 || ids[0] != 1 {
		t.Fatalf("expected reset to report surface 1, got %v", ids)
	}
	if p.TrackedFrameCount() != 0 {
		t.Fatal("expected tracked frames cleared")
	}
	if pacer.UnackedCount() != 0 {
		t.Fatal("expected unacked frames cleared on reset")
	}
}
