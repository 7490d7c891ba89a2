package wire

import "testing"

func TestCapsAdvertiseRoundTrip(t *testing.T) {
	entries := []CapsAdvertiseEntry{
		{Version: 0x000A0400, Flags: 1},
		{Version: 0x00080004, Flags: 0},
	}
	buf := EncodeCapsAdvertise(entries)

	cmd, pduLen, err := ParseHeader(buf)
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}
	if cmd != CmdCapsAdvertise {
		t.Fatalf("expected CmdCapsAdvertise, got %x", cmd)
	}
	if int(pduLen) != len(buf) {
		t.Fatalf("pduLength %d does not match buffer length %d", pduLen, len(buf))
	}

	got, err := DecodeCapsAdvertise(buf[headerLen:])
	if err != nil {
		t.Fatalf("DecodeCapsAdvertise: %v", err)
	}
	if len(got) != len(entries) {
		t.Fatalf("expected %d entries, got %d", len(entries), len(got))
	}
	for i, e := range entries {
		if got[i] != e {
			t.Fatalf("entry %d: expected %+v, got %+v", i, e, got[i])
		}
	}
}

func TestFrameAcknowledgeRoundTrip(t *testing.T) {
	ack := FrameAck{QueueDepth: SuspendQueueDepthForTest, FrameID: 42, TotalFrames: 7}
	buf := EncodeFrameAcknowledge(ack)

	cmd, _, err := ParseHeader(buf)
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}
	if cmd != CmdFrameAcknowledge {
		t.Fatalf("expected CmdFrameAcknowledge, got %x", cmd)
	}

	got, err := DecodeFrameAcknowledge(buf[headerLen:])
	if err != nil {
		t.Fatalf("DecodeFrameAcknowledge: %v", err)
	}
	if got != ack {
		t.Fatalf("expected %+v, got %+v", ack, got)
	}
}

// SuspendQueueDepthForTest mirrors gfx.SuspendQueueDepth without an
// import cycle (wire sits below gfx).
const SuspendQueueDepthForTest = 0xFFFF

func TestEncodeRegionBlockWithTiles(t *testing.T) {
	tile := Tile{
		XIdx: 0, YIdx: 0,
		Quant: QuantValues{1, 2, 3, 4, 5, 6, 7, 8, 9, 10},
		Y:     []byte{1, 2, 3, 4},
		Cb:    []byte{5, 6},
		Cr:    []byte{7, 8},
	}
	rects := []RegionRect{{X: 0, Y: 0, W: 64, H: 64}}
	buf := EncodeRegionBlock(rects, QuantValues{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, []Tile{tile})

	blockType := uint16(buf[0]) | uint16(buf[1])<<8
	if blockType != BlockTypeRegion {
		t.Fatalf("expected region block type, got %x", blockType)
	}
	blockLen := uint32(buf[2]) | uint32(buf[3])<<8 | uint32(buf[4])<<16 | uint32(buf[5])<<24
	if int(blockLen) != len(buf) {
		t.Fatalf("blockLen %d does not match buffer length %d", blockLen, len(buf))
	}
}

func TestEncodeWireToSurface1AVC420(t *testing.T) {
	meta := AVC420Meta{
		Rects: []Rect16{{Left: 0, Top: 0, Right: 64, Bottom: 64}},
	}
	bitstream := []byte{0, 0, 0, 1, 0x65, 0xAB, 0xCD}
	buf := EncodeWireToSurface1AVC420(7, meta, bitstream)

	cmd, pduLen, err := ParseHeader(buf)
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}
	if cmd != CmdWireToSurface1 {
		t.Fatalf("expected CmdWireToSurface1, got %x", cmd)
	}
	if int(pduLen) != len(buf) {
		t.Fatalf("pduLength mismatch: %d vs %d", pduLen, len(buf))
	}
	if buf[len(buf)-len(bitstream):][4] != 0x65 {
		t.Fatalf("expected bitstream tail to carry the NAL payload verbatim")
	}
}
