// Package damage implements the damage-detection and tile-aggregation
// engine: given two successive framebuffers of identical dimensions,
// produce the set of dirty 64×64-aligned tiles.
package damage

import (
	"github.com/GNOME/gnome-remote-desktop-sub002/internal/bufferpool"
	"github.com/GNOME/gnome-remote-desktop-sub002/internal/grderr"
)

// Rect is an axis-aligned, tile-aligned dirty rectangle in pixel space.
type Rect struct {
	X, Y, W, H uint32
}

// Detector is the contract shared by every damage-detection backend
// (byte-compare and GPU-assisted). Implementations are not expected to be
// safe for concurrent use from multiple goroutines; one Detector is owned
// by one surface renderer.
type Detector interface {
	// InvalidateSurface resets the last-known framebuffer so the next
	// SubmitNewFramebuffer call reports the whole surface as damaged.
	InvalidateSurface()

	// ResizeSurface drops tracked state and reallocates internal
	// buffers for the new dimensions. A failure is fatal to the surface.
	ResizeSurface(width, height uint32) error

	// SubmitNewFramebuffer transfers ownership of the comparison slot to
	// buf, computing the damage region relative to the previously
	// submitted framebuffer (or the whole surface, on the first submit
	// after construction or after InvalidateSurface).
	SubmitNewFramebuffer(buf *bufferpool.Buffer) error

	// IsRegionDamaged reports whether the most recent submit produced a
	// non-empty damage region.
	IsRegionDamaged() bool

	// GetDamageRegion returns the dirty rectangles from the most recent
	// submit. The result may contain overlapping rectangles; callers
	// deduplicate as needed.
	GetDamageRegion() []Rect
}

// Stats holds cumulative counters for a Detector, matching the
// frameDiffer.Stats() reporting pattern.
type Stats struct {
	FramesCompared uint64
	FramesChanged  uint64
	TilesDamaged   uint64
}

const defaultTileSize = 64

func tilesPerAxis(size, tile uint32) uint32 {
	return (size + tile - 1) / tile
}

func wrapGraphicsFailure(detail string, cause error) error {
	return grderr.Wrap(grderr.GraphicsSubsystemFailure, detail, cause)
}
