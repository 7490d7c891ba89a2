package wire

import (
	"encoding/binary"
	"fmt"
)

// The Decode* helpers below parse server->client PDUs. They exist for
// cmd/grd-testclient, which plays the peer role and needs to read back
// what the other Encode* functions in this package produce.

// DecodeCapsConfirm parses the body following the common header.
func DecodeCapsConfirm(body []byte) (version, flags uint32, err error) {
	if len(body) < 8 {
		return 0, 0, errShort("caps confirm")
	}
	return binary.LittleEndian.Uint32(body[0:4]), binary.LittleEndian.Uint32(body[4:8]), nil
}

// DecodeCreateSurface parses the body following the common header.
func DecodeCreateSurface(body []byte) (surfaceID uint16, width, height uint16, pixelFormat uint8, err error) {
	if len(body) < 7 {
		return 0, 0, 0, 0, errShort("create surface")
	}
	surfaceID = binary.LittleEndian.Uint16(body[0:2])
	width = binary.LittleEndian.Uint16(body[2:4])
	height = binary.LittleEndian.Uint16(body[4:6])
	pixelFormat = body[6]
	return
}

// DecodeStartFrame parses the body following the common header.
func DecodeStartFrame(body []byte) (timestamp, frameID uint32, err error) {
	if len(body) < 8 {
		return 0, 0, errShort("start frame")
	}
	return binary.LittleEndian.Uint32(body[0:4]), binary.LittleEndian.Uint32(body[4:8]), nil
}

// DecodeEndFrame parses the body following the common header.
func DecodeEndFrame(body []byte) (frameID uint32, err error) {
	if len(body) < 4 {
		return 0, errShort("end frame")
	}
	return binary.LittleEndian.Uint32(body[0:4]), nil
}

// WireToSurface1 is the decoded shape of RDPGFX_WIRE_TO_SURFACE_PDU_1
// common to both codec paths: the surface it targets, the codec used,
// and the bounding box the payload covers. Covered is the union of every
// clipping rectangle the payload carries (one destRect for progressive,
// the AVC420 meta block's rect list for AVC420).
type WireToSurface1 struct {
	SurfaceID uint16
	Codec     CodecID
	Covered   Rect16
}

// DecodeWireToSurface1 parses the body following the common header,
// branching on the embedded codec id the same way a real RDP client's
// graphics pipeline does.
func DecodeWireToSurface1(body []byte) (WireToSurface1, error) {
	if len(body) < 4 {
		return WireToSurface1{}, errShort("wire to surface 1")
	}
	surfaceID := binary.LittleEndian.Uint16(body[0:2])
	codec := CodecID(body[2])
	// body[3] is pixelFormat, not needed here.

	switch codec {
	case CodecProgressive:
		if len(body) < 12 {
			return WireToSurface1{}, errShort("wire to surface 1 (progressive)")
		}
		rect := getRect16(body[4:12])
		return WireToSurface1{SurfaceID: surfaceID, Codec: codec, Covered: rect}, nil
	case CodecAVC420, CodecAVC444:
		if len(body) < 12 {
			return WireToSurface1{}, errShort("wire to surface 1 (avc420 meta)")
		}
		count := binary.LittleEndian.Uint32(body[8:12])
		off := 12
		union := Rect16{}
		for i := uint32(0); i < count; i++ {
			if off+8 > len(body) {
				return WireToSurface1{}, errShort("wire to surface 1 (avc420 rect)")
			}
			r := getRect16(body[off : off+8])
			if i == 0 {
				union = r
			} else {
				union = unionRect16(union, r)
			}
			off += 8 + 4
		}
		return WireToSurface1{SurfaceID: surfaceID, Codec: codec, Covered: union}, nil
	default:
		return WireToSurface1{}, errShort("wire to surface 1 (unknown codec)")
	}
}

func unionRect16(a, b Rect16) Rect16 {
	out := a
	if b.Left < out.Left {
		out.Left = b.Left
	}
	if b.Top < out.Top {
		out.Top = b.Top
	}
	if b.Right > out.Right {
		out.Right = b.Right
	}
	if b.Bottom > out.Bottom {
		out.Bottom = b.Bottom
	}
	return out
}

func errShort(what string) error {
	return fmt.Errorf("wire: short %s", what)
}
