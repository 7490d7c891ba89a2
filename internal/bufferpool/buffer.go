// Package bufferpool implements the buffer substrate: a
// pool of reusable framebuffers with single-producer/single-consumer
// ownership, lazy growth on acquisition, and a deferred shrink pass back
// to the configured minimum.
package bufferpool

// PixelFormat identifies a packed 32-bit pixel layout.
type PixelFormat int

const (
	FormatBGRX32 PixelFormat = iota
	FormatARGB32
)

// BackingKind identifies how a Buffer's pixel storage is provided.
type BackingKind int

const (
	// BackingHostMemory is a plain heap-allocated byte slice.
	BackingHostMemory BackingKind = iota
	// BackingDMABuf wraps a dma-buf file descriptor suitable for GPU
	// import (offset/modifier describe the layout as handed to the
	// importing driver).
	BackingDMABuf
	// BackingMemFD wraps a memfd mappable on both the producer and
	// consumer side.
	BackingMemFD
)

// DMABufInfo describes a dma-buf backing.
type DMABufInfo struct {
	FD       int
	Offset   uint32
	Modifier uint64
}

// GPUMapping is a transient GPU-side import of a Buffer (a CUDA graphics
// resource or a Vulkan image import). It is independent of pool
// ownership and must be released before the Buffer returns to the pool.
type GPUMapping interface {
	Release()
}

// Buffer represents one captured framebuffer. A Buffer is minted by a
// BufferPool, exclusively owned by whichever goroutine holds it between
// Acquire and Release, and must be released exactly once.
type Buffer struct {
	Width  uint32
	Height uint32
	Stride uint32
	Format PixelFormat

	Backing BackingKind
	Host    []byte
	DMABuf  DMABufInfo
	MemFD   int

	gpu GPUMapping
}

// SetGPUMapping records the buffer's current transient GPU import.
func (b *Buffer) SetGPUMapping(m GPUMapping) {
	b.gpu = m
}

// ReleaseGPUMapping releases any transient GPU import. Must be called
// before the buffer is returned to its pool.
func (b *Buffer) ReleaseGPUMapping() {
	if b.gpu != nil {
		b.gpu.Release()
		b.gpu = nil
	}
}

func newBuffer() *Buffer {
	return &Buffer{Backing: BackingHostMemory}
}

// resize reallocates the buffer's backing storage for a new geometry.
// Only ever called while the buffer is not taken (the pool enforces
// this before calling it, either at mint time or during
// Pool.Resize).
func (b *Buffer) resize(width, height, stride uint32) {
	b.Width = width
	b.Height = height
	b.Stride = stride

	if b.Backing == BackingHostMemory {
		need := int(stride) * int(height)
		if cap(b.Host) < need {
			b.Host = make([]byte, need)
		} else {
			b.Host = b.Host[:need]
		}
	}
}
