//go:build cuda

package damage

import (
	"sync"

	"github.com/GNOME/gnome-remote-desktop-sub002/internal/bufferpool"
)

// CUDAKernels is the set of compiled kernel handles a GPU backend supplies
// to a CUDADetector. chkDmgPxl compares one pixel between the current and
// previous mapped buffer per thread and ORs a per-tile damage byte array;
// cmbDmgArrCols/cmbDmgArrRows fold that array down by successive column
// and row halvings (six passes each, for up to a 64-pixel tile edge);
// simplifyDmgArr downsamples the folded array to one byte per tile.
type CUDAKernels struct {
	ChkDmgPxl     func(args CheckDamageArgs) error
	CmbDmgArrCols func(args CombineArgs) error
	CmbDmgArrRows func(args CombineArgs) error
	SimplifyDmgArr func(args SimplifyArgs) error
}

// CheckDamageArgs mirrors the chk_dmg_pxl kernel launch parameters.
type CheckDamageArgs struct {
	DamageArray   CUDeviceMemory
	RegionDamaged CUDeviceMemory
	Current       CUDeviceMemory
	Previous      CUDeviceMemory
	Width, Height uint32
	Pitch         uint32
}

// CombineArgs mirrors the column/row reduction kernel launch parameters.
// Shift ranges over 0..5, one launch per halving as in the original
// six-pass column and row reduction.
type CombineArgs struct {
	DamageArray   CUDeviceMemory
	Width, Height uint32
	Pitch         uint32
	Shift         uint32
}

// SimplifyArgs mirrors the final per-tile downsample kernel.
type SimplifyArgs struct {
	SimplifiedArray CUDeviceMemory
	DamageArray     CUDeviceMemory
	Cols            uint32
	Width, Height   uint32
	Pitch           uint32
}

// CUDeviceMemory is an opaque device allocation handle, supplied by the
// hwaccel adapter that owns the CUDA context and stream.
type CUDeviceMemory interface {
	CopyToHost(dst []byte) error
	Set(value byte) error
	Free()
}

// DeviceAllocator allocates device memory sized in bytes.
type DeviceAllocator interface {
	Alloc(size uint32) (CUDeviceMemory, error)
}

// CUDADetector is the GPU-assisted damage detector. It mirrors the
// host-side control flow of the reference CUDA damage detector: damage
// state lives entirely on the device between submits, and
// GetDamageRegion is the only call that reads it back to the host.
type CUDADetector struct {
	mu sync.Mutex

	alloc   DeviceAllocator
	kernels CUDAKernels

	width, height uint32
	cols, rows    uint32

	damageArray     CUDeviceMemory
	regionDamaged   CUDeviceMemory
	simplifiedArray CUDeviceMemory

	lastFramebuffer *bufferpool.Buffer
	pool            *bufferpool.Pool
}

// NewCUDADetector constructs a detector bound to the given device
// allocator and compiled kernel set. Call ResizeSurface before the first
// SubmitNewFramebuffer.
func NewCUDADetector(alloc DeviceAllocator, kernels CUDAKernels, pool *bufferpool.Pool) (*CUDADetector, error) {
	d := &CUDADetector{alloc: alloc, kernels: kernels, pool: pool}
	mem, err := alloc.Alloc(1)
	if err != nil {
		return nil, wrapGraphicsFailure("cuda: failed to allocate region-damaged flag", err)
	}
	d.regionDamaged = mem
	return d, nil
}

func (d *CUDADetector) InvalidateSurface() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.releaseLastLocked()
	if d.damageArray == nil {
		return
	}
	d.damageArray.Set(1)
	d.regionDamaged.Set(1)
}

func (d *CUDADetector) ResizeSurface(width, height uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.releaseLastLocked()
	if d.simplifiedArray != nil {
		d.simplifiedArray.Free()
		d.simplifiedArray = nil
	}
	if d.damageArray != nil {
		d.damageArray.Free()
		d.damageArray = nil
	}

	d.width, d.height = width, height
	d.cols = tilesPerAxis(width, defaultTileSize)
	d.rows = tilesPerAxis(height, defaultTileSize)

	damage, err := d.alloc.Alloc(width * height)
	if err != nil {
		return wrapGraphicsFailure("cuda: failed to allocate damage array", err)
	}
	d.damageArray = damage

	simplified, err := d.alloc.Alloc(d.cols * d.rows)
	if err != nil {
		return wrapGraphicsFailure("cuda: failed to allocate simplified damage array", err)
	}
	d.simplifiedArray = simplified

	if err := d.damageArray.Set(1); err != nil {
		return wrapGraphicsFailure("cuda: failed to seed damage array", err)
	}
	if err := d.regionDamaged.Set(1); err != nil {
		return wrapGraphicsFailure("cuda: failed to seed region-damaged flag", err)
	}
	return nil
}

func (d *CUDADetector) SubmitNewFramebuffer(buf *bufferpool.Buffer) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.lastFramebuffer == nil {
		if err := d.damageArray.Set(1); err != nil {
			return wrapGraphicsFailure("cuda: failed to mark full damage", err)
		}
		if err := d.regionDamaged.Set(1); err != nil {
			return wrapGraphicsFailure("cuda: failed to mark full damage", err)
		}
		d.lastFramebuffer = buf
		return nil
	}

	if err := d.regionDamaged.Set(0); err != nil {
		return wrapGraphicsFailure("cuda: failed to clear region-damaged flag", err)
	}

	// Placeholder device pointers: a real hwaccel backend supplies the
	// CUDA-mapped memory for each bufferpool.Buffer via its GPUMapping.
	err := d.kernels.ChkDmgPxl(CheckDamageArgs{
		DamageArray:   d.damageArray,
		RegionDamaged: d.regionDamaged,
		Width:         d.width,
		Height:        d.height,
		Pitch:         d.width,
	})
	if err != nil {
		return wrapGraphicsFailure("cuda: chk_dmg_pxl kernel launch failed", err)
	}

	d.releaseLastLocked()
	d.lastFramebuffer = buf
	return nil
}

func (d *CUDADetector) releaseLastLocked() {
	if d.lastFramebuffer == nil {
		return
	}
	if d.pool != nil {
		d.pool.Release(d.lastFramebuffer)
	}
	d.lastFramebuffer = nil
}

func (d *CUDADetector) IsRegionDamaged() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	var flag [1]byte
	if err := d.regionDamaged.CopyToHost(flag[:]); err != nil {
		return true
	}
	return flag[0] != 0
}

// GetDamageRegion runs the six column-halving and six row-halving
// reduction passes, then the final per-tile downsample, and reads the
// simplified array back to produce one rectangle per damaged tile.
func (d *CUDADetector) GetDamageRegion() []Rect {
	d.mu.Lock()
	defer d.mu.Unlock()

	for shift := uint32(0); shift < 6; shift++ {
		if err := d.kernels.CmbDmgArrCols(CombineArgs{
			DamageArray: d.damageArray, Width: d.width, Height: d.height, Pitch: d.width, Shift: shift,
		}); err != nil {
			return nil
		}
	}
	for shift := uint32(0); shift < 6; shift++ {
		if err := d.kernels.CmbDmgArrRows(CombineArgs{
			DamageArray: d.damageArray, Width: d.width, Height: d.height, Pitch: d.width, Shift: shift,
		}); err != nil {
			return nil
		}
	}

	if err := d.kernels.SimplifyDmgArr(SimplifyArgs{
		SimplifiedArray: d.simplifiedArray,
		DamageArray:     d.damageArray,
		Cols:            d.cols,
		Width:           d.width,
		Height:          d.height,
		Pitch:           d.width,
	}); err != nil {
		return nil
	}

	host := make([]byte, d.cols*d.rows)
	if err := d.simplifiedArray.CopyToHost(host); err != nil {
		return nil
	}

	var region []Rect
	for y := uint32(0); y < d.rows; y++ {
		for x := uint32(0); x < d.cols; x++ {
			if host[y*d.cols+x] == 0 {
				continue
			}
			x0 := x * defaultTileSize
			y0 := y * defaultTileSize
			region = append(region, Rect{
				X: x0,
				Y: y0,
				W: min32(defaultTileSize, d.width-x0),
				H: min32(defaultTileSize, d.height-y0),
			})
		}
	}
	return region
}
