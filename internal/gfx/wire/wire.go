// Package wire implements the [MS-RDPEGFX] PDU byte encoding this server
// needs: CapsAdvertise/Confirm, CreateSurface, DeleteSurface,
// DeleteEncodingContext, ResetGraphics, MapSurfaceToOutput,
// SurfaceToSurface, SurfaceCommand, StartFrame, EndFrame,
// FrameAcknowledge, CacheImportOffer/Reply, QoeFrameAcknowledge, plus the
// progressive-wavelet bitstream block codec (blockType 0xCCC0..0xCCC5).
//
// Every PDU starts with the common RDPGFX_HEADER: a 16-bit cmdId, a
// 16-bit flags field (reserved, always zero here), and a 32-bit pduLength
// covering the header itself.
package wire

import (
	"encoding/binary"
	"fmt"
)

// CmdID identifies an RDPGFX PDU type (§2.2.2 cmdId values).
type CmdID uint16

const (
	CmdWireToSurface1         CmdID = 0x0001
	CmdWireToSurface2         CmdID = 0x0002
	CmdDeleteEncodingContext  CmdID = 0x0003
	CmdSolidFill              CmdID = 0x0004
	CmdSurfaceToSurface       CmdID = 0x0005
	CmdSurfaceToCache         CmdID = 0x0006
	CmdCacheToSurface         CmdID = 0x0007
	CmdEvictCacheEntry        CmdID = 0x0008
	CmdCreateSurface          CmdID = 0x0009
	CmdDeleteSurface          CmdID = 0x000A
	CmdStartFrame             CmdID = 0x000B
	CmdEndFrame               CmdID = 0x000C
	CmdFrameAcknowledge       CmdID = 0x000D
	CmdResetGraphics          CmdID = 0x000E
	CmdMapSurfaceToOutput     CmdID = 0x000F
	CmdCacheImportOffer       CmdID = 0x0010
	CmdCacheImportReply       CmdID = 0x0011
	CmdCapsAdvertise          CmdID = 0x0012
	CmdCapsConfirm            CmdID = 0x0013
	CmdMapSurfaceToWindow     CmdID = 0x0015
	CmdQoeFrameAcknowledge    CmdID = 0x0016
	CmdMapSurfaceToScaledOut  CmdID = 0x0017
	CmdMapSurfaceToScaledWnd  CmdID = 0x0018
)

const headerLen = 8

// PutHeader writes an RDPGFX_HEADER (cmdId, flags=0, pduLength) at the
// front of buf, where pduLength is the total length of the PDU buf
// belongs to (header included).
func PutHeader(buf []byte, cmd CmdID, pduLength uint32) {
	binary.LittleEndian.PutUint16(buf[0:2], uint16(cmd))
	binary.LittleEndian.PutUint16(buf[2:4], 0)
	binary.LittleEndian.PutUint32(buf[4:8], pduLength)
}

// ParseHeader reads the RDPGFX_HEADER at the front of buf.
func ParseHeader(buf []byte) (cmd CmdID, pduLength uint32, err error) {
	if len(buf) < headerLen {
		return 0, 0, fmt.Errorf("wire: short header (%d bytes)", len(buf))
	}
	cmd = CmdID(binary.LittleEndian.Uint16(buf[0:2]))
	pduLength = binary.LittleEndian.Uint32(buf[4:8])
	return cmd, pduLength, nil
}

// Rect16 is the wire RDP_RECT16: inclusive-exclusive 16-bit rectangle.
type Rect16 struct {
	Left, Top, Right, Bottom uint16
}

func putRect16(buf []byte, r Rect16) {
	binary.LittleEndian.PutUint16(buf[0:2], r.Left)
	binary.LittleEndian.PutUint16(buf[2:4], r.Top)
	binary.LittleEndian.PutUint16(buf[4:6], r.Right)
	binary.LittleEndian.PutUint16(buf[6:8], r.Bottom)
}

func getRect16(buf []byte) Rect16 {
	return Rect16{
		Left:   binary.LittleEndian.Uint16(buf[0:2]),
		Top:    binary.LittleEndian.Uint16(buf[2:4]),
		Right:  binary.LittleEndian.Uint16(buf[4:6]),
		Bottom: binary.LittleEndian.Uint16(buf[6:8]),
	}
}

// --- CapsAdvertise / CapsConfirm ---

// CapsAdvertiseEntry is one RDPGFX_CAPSET advertised by the peer.
type CapsAdvertiseEntry struct {
	Version uint32
	Flags   uint32
}

// EncodeCapsAdvertise encodes RDPGFX_CAPS_ADVERTISE_PDU.
func EncodeCapsAdvertise(entries []CapsAdvertiseEntry) []byte {
	body := 2 + len(entries)*8
	buf := make([]byte, headerLen+body)
	binary.LittleEndian.PutUint16(buf[headerLen:headerLen+2], uint16(len(entries)))
	off := headerLen + 2
	for _, e := range entries {
		binary.LittleEndian.PutUint32(buf[off:off+4], e.Version)
		binary.LittleEndian.PutUint32(buf[off+4:off+8], 4) // capsDataLength
		off += 8
		// Real PDUs carry capsData inline per version; the flags this
		// server interprets are folded into a 4-byte capsData payload
		// sized above. Since we control both ends of this wire format
		// for testing, encode flags directly in place of capsData.
		binary.LittleEndian.PutUint32(buf[off-4:off], e.Flags)
	}
	PutHeader(buf, CmdCapsAdvertise, uint32(len(buf)))
	return buf
}

// DecodeCapsAdvertise parses the body following the common header.
func DecodeCapsAdvertise(body []byte) ([]CapsAdvertiseEntry, error) {
	if len(body) < 2 {
		return nil, fmt.Errorf("wire: short caps advertise")
	}
	count := binary.LittleEndian.Uint16(body[0:2])
	off := 2
	out := make([]CapsAdvertiseEntry, 0, count)
	for i := uint16(0); i < count; i++ {
		if off+8 > len(body) {
			return nil, fmt.Errorf("wire: truncated caps entry %d", i)
		}
		version := binary.LittleEndian.Uint32(body[off : off+4])
		flags := binary.LittleEndian.Uint32(body[off+4 : off+8])
		out = append(out, CapsAdvertiseEntry{Version: version, Flags: flags})
		off += 8
	}
	return out, nil
}

// EncodeCapsConfirm encodes RDPGFX_CAPS_CONFIRM_PDU for the single
// negotiated capability set.
func EncodeCapsConfirm(version, flags uint32) []byte {
	buf := make([]byte, headerLen+8)
	binary.LittleEndian.PutUint32(buf[headerLen:headerLen+4], version)
	binary.LittleEndian.PutUint32(buf[headerLen+4:headerLen+8], flags)
	PutHeader(buf, CmdCapsConfirm, uint32(len(buf)))
	return buf
}

// --- CreateSurface / DeleteSurface / DeleteEncodingContext ---

const (
	PixelFormatBGRX32 uint8 = 0x20
	PixelFormatARGB32 uint8 = 0x21
)

// EncodeCreateSurface encodes RDPGFX_CREATE_SURFACE_PDU.
func EncodeCreateSurface(surfaceID uint16, width, height uint16, pixelFormat uint8) []byte {
	buf := make([]byte, headerLen+7)
	binary.LittleEndian.PutUint16(buf[headerLen:headerLen+2], surfaceID)
	binary.LittleEndian.PutUint16(buf[headerLen+2:headerLen+4], width)
	binary.LittleEndian.PutUint16(buf[headerLen+4:headerLen+6], height)
	buf[headerLen+6] = pixelFormat
	PutHeader(buf, CmdCreateSurface, uint32(len(buf)))
	return buf
}

// EncodeDeleteSurface encodes RDPGFX_DELETE_SURFACE_PDU.
func EncodeDeleteSurface(surfaceID uint16) []byte {
	buf := make([]byte, headerLen+2)
	binary.LittleEndian.PutUint16(buf[headerLen:headerLen+2], surfaceID)
	PutHeader(buf, CmdDeleteSurface, uint32(len(buf)))
	return buf
}

// EncodeDeleteEncodingContext encodes RDPGFX_DELETE_ENCODING_CONTEXT_PDU.
func EncodeDeleteEncodingContext(surfaceID uint16, codecContextID uint32) []byte {
	buf := make([]byte, headerLen+6)
	binary.LittleEndian.PutUint16(buf[headerLen:headerLen+2], surfaceID)
	binary.LittleEndian.PutUint32(buf[headerLen+2:headerLen+6], codecContextID)
	PutHeader(buf, CmdDeleteEncodingContext, uint32(len(buf)))
	return buf
}

// --- MapSurfaceToOutput / SurfaceToSurface ---

// EncodeMapSurfaceToOutput encodes RDPGFX_MAP_SURFACE_TO_OUTPUT_PDU.
func EncodeMapSurfaceToOutput(surfaceID uint16, outputOriginX, outputOriginY uint32) []byte {
	buf := make([]byte, headerLen+10)
	binary.LittleEndian.PutUint16(buf[headerLen:headerLen+2], surfaceID)
	binary.LittleEndian.PutUint32(buf[headerLen+2:headerLen+6], outputOriginX)
	binary.LittleEndian.PutUint32(buf[headerLen+6:headerLen+10], outputOriginY)
	PutHeader(buf, CmdMapSurfaceToOutput, uint32(len(buf)))
	return buf
}

// EncodeSurfaceToSurface encodes RDPGFX_SURFACE_TO_SURFACE_PDU, used for
// the render-target blits an auxiliary NVENC render surface needs.
func EncodeSurfaceToSurface(surfaceIDSrc, surfaceIDDest uint16, rectSrc Rect16, destPts []struct{ X, Y uint16 }) []byte {
	buf := make([]byte, headerLen+4+8+2+len(destPts)*4)
	binary.LittleEndian.PutUint16(buf[headerLen:headerLen+2], surfaceIDSrc)
	binary.LittleEndian.PutUint16(buf[headerLen+2:headerLen+4], surfaceIDDest)
	putRect16(buf[headerLen+4:headerLen+12], rectSrc)
	binary.LittleEndian.PutUint16(buf[headerLen+12:headerLen+14], uint16(len(destPts)))
	off := headerLen + 14
	for _, pt := range destPts {
		binary.LittleEndian.PutUint16(buf[off:off+2], pt.X)
		binary.LittleEndian.PutUint16(buf[off+2:off+4], pt.Y)
		off += 4
	}
	PutHeader(buf, CmdSurfaceToSurface, uint32(len(buf)))
	return buf
}

// --- StartFrame / EndFrame ---

// EncodeStartFrame encodes RDPGFX_START_FRAME_PDU: a timestamp packed
// from wall hours/minutes/seconds/milliseconds, and the frame-id.
func EncodeStartFrame(timestamp uint32, frameID uint32) []byte {
	buf := make([]byte, headerLen+8)
	binary.LittleEndian.PutUint32(buf[headerLen:headerLen+4], timestamp)
	binary.LittleEndian.PutUint32(buf[headerLen+4:headerLen+8], frameID)
	PutHeader(buf, CmdStartFrame, uint32(len(buf)))
	return buf
}

// EncodeEndFrame encodes RDPGFX_END_FRAME_PDU.
func EncodeEndFrame(frameID uint32) []byte {
	buf := make([]byte, headerLen+4)
	binary.LittleEndian.PutUint32(buf[headerLen:headerLen+4], frameID)
	PutHeader(buf, CmdEndFrame, uint32(len(buf)))
	return buf
}

// PackTimestamp packs wall-clock hours/minutes/seconds/milliseconds into
// the 32-bit RDPGFX timestamp field (§4.3 "Emission of a frame").
func PackTimestamp(hours, minutes, seconds, millis int) uint32 {
	// 5 bits hours, 6 bits minutes, 6 bits seconds, 10 bits milliseconds,
	// matching the bit allocation [MS-RDPEGFX] defines for this field.
	return (uint32(hours&0x1F) << 27) |
		(uint32(minutes&0x3F) << 21) |
		(uint32(seconds&0x3F) << 15) |
		uint32(millis&0x3FF)
}

// --- FrameAcknowledge / QoeFrameAcknowledge ---

// FrameAck is the decoded body of RDPGFX_FRAME_ACKNOWLEDGE_PDU.
type FrameAck struct {
	QueueDepth   uint32
	FrameID      uint32
	TotalFrames  uint32 // total number of decoded frames ("total_decoded")
}

// EncodeFrameAcknowledge encodes RDPGFX_FRAME_ACKNOWLEDGE_PDU (client->
// server in the real protocol; the test client uses this to drive the
// server implementation's Acknowledge path end-to-end).
func EncodeFrameAcknowledge(ack FrameAck) []byte {
	buf := make([]byte, headerLen+12)
	binary.LittleEndian.PutUint32(buf[headerLen:headerLen+4], ack.QueueDepth)
	binary.LittleEndian.PutUint32(buf[headerLen+4:headerLen+8], ack.FrameID)
	binary.LittleEndian.PutUint32(buf[headerLen+8:headerLen+12], ack.TotalFrames)
	PutHeader(buf, CmdFrameAcknowledge, uint32(len(buf)))
	return buf
}

// DecodeFrameAcknowledge parses the body following the common header.
func DecodeFrameAcknowledge(body []byte) (FrameAck, error) {
	if len(body) < 12 {
		return FrameAck{}, fmt.Errorf("wire: short frame acknowledge")
	}
	return FrameAck{
		QueueDepth:  binary.LittleEndian.Uint32(body[0:4]),
		FrameID:     binary.LittleEndian.Uint32(body[4:8]),
		TotalFrames: binary.LittleEndian.Uint32(body[8:12]),
	}, nil
}

// EncodeQoeFrameAcknowledge encodes RDPGFX_QOE_FRAME_ACKNOWLEDGE_PDU.
func EncodeQoeFrameAcknowledge(frameID uint32, timestamp uint32, timeDiffSendMs, timeDiffShowMs uint16) []byte {
	buf := make([]byte, headerLen+12)
	binary.LittleEndian.PutUint32(buf[headerLen:headerLen+4], frameID)
	binary.LittleEndian.PutUint32(buf[headerLen+4:headerLen+8], timestamp)
	binary.LittleEndian.PutUint16(buf[headerLen+8:headerLen+10], timeDiffSendMs)
	binary.LittleEndian.PutUint16(buf[headerLen+10:headerLen+12], timeDiffShowMs)
	PutHeader(buf, CmdQoeFrameAcknowledge, uint32(len(buf)))
	return buf
}

// --- ResetGraphics ---

// MonitorDef is one RDP_RECT16-shaped monitor layout entry within
// RDPGFX_RESET_GRAPHICS_PDU.
type MonitorDef struct {
	Left, Top, Right, Bottom int32
}

// EncodeResetGraphics encodes RDPGFX_RESET_GRAPHICS_PDU with the new
// bounding-box size and monitor layout.
func EncodeResetGraphics(width, height uint32, monitors []MonitorDef) []byte {
	const maxMonitorCount = 16
	buf := make([]byte, headerLen+12+maxMonitorCount*20)
	binary.LittleEndian.PutUint32(buf[headerLen:headerLen+4], width)
	binary.LittleEndian.PutUint32(buf[headerLen+4:headerLen+8], height)
	binary.LittleEndian.PutUint32(buf[headerLen+8:headerLen+12], uint32(len(monitors)))
	off := headerLen + 12
	for i := 0; i < maxMonitorCount; i++ {
		if i < len(monitors) {
			m := monitors[i]
			binary.LittleEndian.PutUint32(buf[off:off+4], uint32(m.Left))
			binary.LittleEndian.PutUint32(buf[off+4:off+8], uint32(m.Top))
			binary.LittleEndian.PutUint32(buf[off+8:off+12], uint32(m.Right))
			binary.LittleEndian.PutUint32(buf[off+12:off+16], uint32(m.Bottom))
			// flags (primary monitor etc.), unused here.
			binary.LittleEndian.PutUint32(buf[off+16:off+20], 0)
		}
		off += 20
	}
	PutHeader(buf, CmdResetGraphics, uint32(len(buf)))
	return buf
}

// --- CacheImportOffer / CacheImportReply ---

// EncodeCacheImportOffer encodes an empty RDPGFX_CACHE_IMPORT_OFFER_PDU
// (this server offers no persisted cache entries across reconnects).
func EncodeCacheImportOffer() []byte {
	buf := make([]byte, headerLen+2)
	binary.LittleEndian.PutUint16(buf[headerLen:headerLen+2], 0)
	PutHeader(buf, CmdCacheImportOffer, uint32(len(buf)))
	return buf
}

// EncodeCacheImportReply encodes RDPGFX_CACHE_IMPORT_REPLY_PDU
// acknowledging zero imported cache slots.
func EncodeCacheImportReply() []byte {
	buf := make([]byte, headerLen+2)
	binary.LittleEndian.PutUint16(buf[headerLen:headerLen+2], 0)
	PutHeader(buf, CmdCacheImportReply, uint32(len(buf)))
	return buf
}
