package wire

import "encoding/binary"

// CodecID identifies the codec used by a WireToSurface1 PDU's payload.
type CodecID uint8

const (
	CodecRemoteFX   CodecID = 0x03
	CodecProgressive CodecID = 0x09
	CodecAVC420     CodecID = 0x0A
	CodecAVC444     CodecID = 0x0E
)

// QuantQuality is one rectangle's AVC420 quantization/quality
// descriptor, [MS-RDPEGFX] §2.2.4.4.2.
type QuantQuality struct {
	QP          uint8
	R           bool // qpVal carries region-of-interest semantics when set
	P           uint8
	QualityVal  uint8
}

// AVC420Meta is the AVC420 bitstream meta block: the clipping rectangle
// list and one quantization descriptor per rectangle.
type AVC420Meta struct {
	Rects   []Rect16
	Quality []QuantQuality
}

// EncodeWireToSurface1AVC420 encodes RDPGFX_WIRE_TO_SURFACE_PDU_1 whose
// payload is an AVC420 bitstream: the meta block (clipping rects +
// per-rect quantization descriptors) followed by the raw NVENC bitstream.
func EncodeWireToSurface1AVC420(surfaceID uint16, meta AVC420Meta, bitstream []byte) []byte {
	metaLen := 4 + len(meta.Rects)*(8+4)
	body := 2 + 1 + 1 + 4 + metaLen + len(bitstream)
	buf := make([]byte, headerLen+body)

	off := headerLen
	binary.LittleEndian.PutUint16(buf[off:off+2], surfaceID)
	off += 2
	buf[off] = uint8(CodecAVC420)
	off++
	buf[off] = PixelFormatBGRX32
	off++
	// destRect omitted (full-surface codec path uses the bounding box
	// carried inside the AVC420 meta block itself); reserved dword.
	binary.LittleEndian.PutUint32(buf[off:off+4], 0)
	off += 4

	binary.LittleEndian.PutUint32(buf[off:off+4], uint32(len(meta.Rects)))
	off += 4
	for i, r := range meta.Rects {
		putRect16(buf[off:off+8], r)
		off += 8
		q := QuantQuality{QP: 22, P: 1, QualityVal: 100}
		if i < len(meta.Quality) {
			q = meta.Quality[i]
		}
		buf[off] = q.QP
		rFlag := uint8(0)
		if q.R {
			rFlag = 1
		}
		buf[off+1] = rFlag
		buf[off+2] = q.P
		buf[off+3] = q.QualityVal
		off += 4
	}

	copy(buf[off:off+len(bitstream)], bitstream)
	PutHeader(buf, CmdWireToSurface1, uint32(len(buf)))
	return buf
}

// EncodeWireToSurface1Progressive encodes RDPGFX_WIRE_TO_SURFACE_PDU_1
// whose payload is a progressive-wavelet bitstream (the already-assembled
// sync/context/frame-begin/region/tile block sequence from progressive.go).
func EncodeWireToSurface1Progressive(surfaceID uint16, destRect Rect16, payload []byte) []byte {
	body := 2 + 1 + 1 + 8 + len(payload)
	buf := make([]byte, headerLen+body)

	off := headerLen
	binary.LittleEndian.PutUint16(buf[off:off+2], surfaceID)
	off += 2
	buf[off] = uint8(CodecProgressive)
	off++
	buf[off] = PixelFormatBGRX32
	off++
	putRect16(buf[off:off+8], destRect)
	off += 8

	copy(buf[off:off+len(payload)], payload)
	PutHeader(buf, CmdWireToSurface1, uint32(len(buf)))
	return buf
}

// QualityForFrame returns the quantization/quality descriptor for a
// rectangle at the given 0-based encode sequence number for this
// surface: the first frame after (re)creation uses P=0, every subsequent
// frame uses qp=22, p=1, qualityVal=100 (§4.3 "Emission of a frame").
func QualityForFrame(seq uint64) QuantQuality {
	if seq == 0 {
		return QuantQuality{QP: 22, P: 0, QualityVal: 100}
	}
	return QuantQuality{QP: 22, P: 1, QualityVal: 100}
}
