package main

import (
	"github.com/GNOME/gnome-remote-desktop-sub002/internal/bufferpool"
)

// testSource is a synthetic capture producer: the real PipeWire/dma-buf
// screen capture pipeline is an external collaborator this headless
// daemon has no display server to drive, so sessions are fed an evolving
// test pattern instead, just enough motion to exercise damage detection,
// pacing, and encode on every tick.
type testSource struct {
	pool          *bufferpool.Pool
	width, height uint32
	stride        uint32
	frame         uint32
}

func newTestSource(pool *bufferpool.Pool, width, height uint32) *testSource {
	return &testSource{pool: pool, width: width, height: height, stride: width * 4}
}

// next acquires a buffer from the pool and paints a vertically scrolling
// bar pattern into it, advancing one step per call so every tick damages
// a fresh horizontal band.
func (t *testSource) next() *bufferpool.Buffer {
	buf := t.pool.Acquire()

	barY := (t.frame * 4) % t.height
	for y := uint32(0); y < t.height; y++ {
		shade := byte(0x20)
		if y >= barY && y < barY+32 {
			shade = 0xE0
		}
		rowStart := y * t.stride
		rowEnd := rowStart + t.width*4
		if int(rowEnd) > len(buf.Host) {
			rowEnd = uint32(len(buf.Host))
		}
		for i := rowStart; i < rowEnd; i++ {
			buf.Host[i] = shade
		}
	}

	t.frame++
	return buf
}
