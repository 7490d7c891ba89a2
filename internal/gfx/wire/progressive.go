package wire

import "encoding/binary"

// Progressive wavelet bitstream block types, [MS-RDPEGFX] §2.2.4.
const (
	BlockTypeSync     uint16 = 0xCCC0
	BlockTypeFrameBeg uint16 = 0xCCC1
	BlockTypeFrameEnd uint16 = 0xCCC2
	BlockTypeContext  uint16 = 0xCCC3
	BlockTypeRegion   uint16 = 0xCCC4
	BlockTypeTile     uint16 = 0xCCC5
)

// progressiveSyncMagic and progressiveSyncVersion are the fixed values
// RDPGFX_PROGRESSIVE_BLOCK_SYNC carries.
const (
	progressiveSyncMagic   uint32 = 0xCACCACCA
	progressiveSyncVersion uint16 = 0x0100
)

// bandOrder is the quantization-value byte order this bitstream uses,
// which [MS-RDPEGFX] deliberately differs from [MS-RDPRFX]: LL3, HL3,
// LH3, HH3, HL2, LH2, HH2, HL1, LH1, HH1.
var bandOrder = [10]string{"LL3", "HL3", "LH3", "HH3", "HL2", "LH2", "HH2", "HL1", "LH1", "HH1"}

// BandCount is len(bandOrder), exported for callers building a
// quantization table in the bitstream's expected order.
const BandCount = len(bandOrder)

func putBlockHeader(buf []byte, blockType uint16, blockLen uint32) {
	binary.LittleEndian.PutUint16(buf[0:2], blockType)
	binary.LittleEndian.PutUint32(buf[2:6], blockLen)
}

// EncodeSyncBlock encodes RDPGFX_PROGRESSIVE_BLOCK_SYNC (sent once, the
// first time a CodecContext is created for a GfxSurface).
func EncodeSyncBlock() []byte {
	buf := make([]byte, 6+6)
	putBlockHeader(buf, BlockTypeSync, uint32(len(buf)))
	binary.LittleEndian.PutUint32(buf[6:10], progressiveSyncMagic)
	binary.LittleEndian.PutUint16(buf[10:12], progressiveSyncVersion)
	return buf
}

// EncodeContextBlock encodes RDPGFX_PROGRESSIVE_BLOCK_CONTEXT, carrying
// the codec context id this surface's progressive state binds to.
func EncodeContextBlock(contextID uint8, tileSize uint16, flags uint8) []byte {
	buf := make([]byte, 6+4)
	putBlockHeader(buf, BlockTypeContext, uint32(len(buf)))
	buf[6] = contextID
	binary.LittleEndian.PutUint16(buf[7:9], tileSize)
	buf[9] = flags
	return buf
}

// EncodeFrameBeginBlock encodes RDPGFX_PROGRESSIVE_BLOCK_FRAME_BEGIN.
func EncodeFrameBeginBlock(frameID uint32, regionCount uint16) []byte {
	buf := make([]byte, 6+6)
	putBlockHeader(buf, BlockTypeFrameBeg, uint32(len(buf)))
	binary.LittleEndian.PutUint32(buf[6:10], frameID)
	binary.LittleEndian.PutUint16(buf[10:12], regionCount)
	return buf
}

// EncodeFrameEndBlock encodes RDPGFX_PROGRESSIVE_BLOCK_FRAME_END.
func EncodeFrameEndBlock() []byte {
	buf := make([]byte, 6)
	putBlockHeader(buf, BlockTypeFrameEnd, uint32(len(buf)))
	return buf
}

// QuantValues holds one tile's ten band quantization values, written in
// bandOrder.
type QuantValues [BandCount]uint8

// RegionRect is a rectangle in a progressive region block, tile-aligned.
type RegionRect struct {
	X, Y, W, H uint16
}

// Tile is one simple-tile block's pixel payload: the Y, Cb, Cr component
// buffers for one 64x64 tile (already color-converted and wavelet
// transformed by the caller).
type Tile struct {
	XIdx, YIdx uint16
	Quant      QuantValues
	Y, Cb, Cr  []byte
}

// EncodeRegionBlock encodes RDPGFX_PROGRESSIVE_BLOCK_REGION: the
// rectangle list, a quality/quantization table per rectangle (here one
// shared QuantValues for the whole region, the common case), and the
// contained tile blocks, all concatenated into the region block's body.
func EncodeRegionBlock(rects []RegionRect, quant QuantValues, tiles []Tile) []byte {
	var tileBlocks [][]byte
	totalTileLen := 0
	for _, t := range tiles {
		b := encodeTileBlock(t)
		tileBlocks = append(tileBlocks, b)
		totalTileLen += len(b)
	}

	body := 1 + 2 + len(rects)*8 + 1 + BandCount + 2
	total := 6 + body + totalTileLen
	buf := make([]byte, total)
	putBlockHeader(buf, BlockTypeRegion, uint32(total))

	off := 6
	buf[off] = 0x20 // tile pixel format: BGRX-derived 32bpp, fixed here
	off++
	binary.LittleEndian.PutUint16(buf[off:off+2], uint16(len(rects)))
	off += 2
	for _, r := range rects {
		binary.LittleEndian.PutUint16(buf[off:off+2], r.X)
		binary.LittleEndian.PutUint16(buf[off+2:off+4], r.Y)
		binary.LittleEndian.PutUint16(buf[off+4:off+6], r.X+r.W)
		binary.LittleEndian.PutUint16(buf[off+6:off+8], r.Y+r.H)
		off += 8
	}
	buf[off] = uint8(BandCount)
	off++
	copy(buf[off:off+BandCount], quant[:])
	off += BandCount
	binary.LittleEndian.PutUint16(buf[off:off+2], uint16(len(tiles)))
	off += 2

	for _, tb := range tileBlocks {
		copy(buf[off:off+len(tb)], tb)
		off += len(tb)
	}
	return buf
}

func encodeTileBlock(t Tile) []byte {
	body := 4 + BandCount + 3*4
	total := body + len(t.Y) + len(t.Cb) + len(t.Cr)
	buf := make([]byte, 6+total)
	putBlockHeader(buf, BlockTypeTile, uint32(len(buf)))

	off := 6
	binary.LittleEndian.PutUint16(buf[off:off+2], t.XIdx)
	binary.LittleEndian.PutUint16(buf[off+2:off+4], t.YIdx)
	off += 4
	copy(buf[off:off+BandCount], t.Quant[:])
	off += BandCount

	binary.LittleEndian.PutUint32(buf[off:off+4], uint32(len(t.Y)))
	off += 4
	copy(buf[off:off+len(t.Y)], t.Y)
	off += len(t.Y)

	binary.LittleEndian.PutUint32(buf[off:off+4], uint32(len(t.Cb)))
	off += 4
	copy(buf[off:off+len(t.Cb)], t.Cb)
	off += len(t.Cb)

	binary.LittleEndian.PutUint32(buf[off:off+4], uint32(len(t.Cr)))
	off += 4
	copy(buf[off:off+len(t.Cr)], t.Cr)
	off += len(t.Cr)

	return buf
}
