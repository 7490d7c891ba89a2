package bufferpool

import (
	"fmt"
	"sync"

	"github.com/GNOME/gnome-remote-desktop-sub002/internal/logging"
)

var log = logging.L("bufferpool")

// ErrPoolBusy is returned by Resize when buffers are still outstanding.
var ErrPoolBusy = fmt.Errorf("bufferpool: resize requested while buffers are outstanding")

type bufferInfo struct {
	taken bool
}

// Pool owns Buffer instances of a uniform size. All size bookkeeping and
// per-buffer taken state is guarded by a single mutex, matching
// grd-rdp-buffer-pool.c exactly: acquire/release are O(pool size).
type Pool struct {
	mu sync.Mutex

	hasSize bool
	width   uint32
	height  uint32
	stride  uint32

	minSize uint32
	taken   uint32
	table   map[*Buffer]*bufferInfo

	resizeArm  chan struct{}
	resizeDone chan struct{}
}

// New creates a pool pre-filled with minSize buffers.
func New(minSize uint32) *Pool {
	p := &Pool{
		minSize:    minSize,
		table:      make(map[*Buffer]*bufferInfo),
		resizeArm:  make(chan struct{}, 1),
		resizeDone: make(chan struct{}),
	}

	for uint32(len(p.table)) < minSize {
		p.addLocked()
	}

	go p.resizeWorker()
	return p
}

// Close stops the deferred-shrink worker. Safe to call once.
func (p *Pool) Close() {
	close(p.resizeDone)
}

func (p *Pool) addLocked() {
	buf := newBuffer()
	if p.hasSize {
		buf.resize(p.width, p.height, p.stride)
	}
	p.table[buf] = &bufferInfo{}
}

// Resize updates the geometry for all existing and future buffers. Fails
// with ErrPoolBusy if any buffer is currently acquired.
func (p *Pool) Resize(width, height, stride uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.taken != 0 {
		return ErrPoolBusy
	}

	p.width, p.height, p.stride = width, height, stride
	p.hasSize = true

	for buf, info := range p.table {
		if info.taken {
			panic("bufferpool: taken buffer found with zero outstanding count")
		}
		buf.resize(width, height, stride)
	}
	return nil
}

// Acquire returns an unused buffer, minting a new one if the free set is
// empty (lazy growth past the minimum).
func (p *Pool) Acquire() *Buffer {
	p.mu.Lock()
	defer p.mu.Unlock()

	if uint32(len(p.table)) <= p.taken {
		p.addLocked()
	}

	for buf, info := range p.table {
		if !info.taken {
			info.taken = true
			p.taken++
			return buf
		}
	}

	panic("bufferpool: no free buffer found after growth")
}

// shouldShrinkLocked reports whether the pool currently holds more
// buffers than its minimum and more than are outstanding.
func (p *Pool) shouldShrinkLocked() bool {
	size := uint32(len(p.table))
	return size > p.minSize && size > p.taken
}

// Release returns buf to the pool. Must be called exactly once per
// Acquire; a double release is a programmer bug and panics, matching
// the pool's "all failures are bugs, not runtime conditions" contract.
func (p *Pool) Release(buf *Buffer) {
	p.mu.Lock()
	info, ok := p.table[buf]
	if !ok {
		p.mu.Unlock()
		panic("bufferpool: release of a buffer not owned by this pool")
	}
	if !info.taken {
		p.mu.Unlock()
		panic("bufferpool: double release")
	}

	info.taken = false
	p.taken--
	arm := p.shouldShrinkLocked()
	p.mu.Unlock()

	if arm {
		select {
		case p.resizeArm <- struct{}{}:
		default:
		}
	}
}

// resizeWorker is the deferred-shrink task: armed (non-blockingly) by
// Release, it removes free buffers down to the minimum. This mirrors
// grd-rdp-buffer-pool.c's GSource armed via g_source_set_ready_time(0)
// rather than shrinking synchronously inside release_buffer.
func (p *Pool) resizeWorker() {
	for {
		select {
		case <-p.resizeDone:
			return
		case <-p.resizeArm:
			p.shrink()
		}
	}
}

func (p *Pool) shrink() {
	p.mu.Lock()
	defer p.mu.Unlock()

	before := len(p.table)
	for buf, info := range p.table {
		if !p.shouldShrinkLocked() {
			break
		}
		if !info.taken {
			delete(p.table, buf)
		}
	}
	if removed := before - len(p.table); removed > 0 {
		log.Debug("shrank buffer pool", "removed", removed, "size", len(p.table), "minSize", p.minSize)
	}
}

// Size returns the current number of buffers held by the pool (taken and
// free), used by tests to assert the shrink-to-minimum invariant.
func (p *Pool) Size() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return uint32(len(p.table))
}

// Outstanding returns the number of currently-acquired buffers.
func (p *Pool) Outstanding() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.taken
}
