package bufferpool

import (
	"testing"
	"time"
)

func waitForSize(t *testing.T, p *Pool, want uint32) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if p.Size() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("pool size never reached %d, got %d", want, p.Size())
}

func TestNewFillsToMinimum(t *testing.T) {
	p := New(4)
	defer p.Close()

	if got := p.Size(); got != 4 {
		t.Fatalf("expected minimum fill of 4, got %d", got)
	}
}

func TestAcquireGrowsPastMinimum(t *testing.T) {
	p := New(2)
	defer p.Close()

	bufs := make([]*Buffer, 0, 3)
	for i := 0; i < 3; i++ {
		bufs = append(bufs, p.Acquire())
	}

	if got := p.Size(); got != 3 {
		t.Fatalf("expected pool to grow to 3, got %d", got)
	}
	if got := p.Outstanding(); got != 3 {
		t.Fatalf("expected 3 outstanding, got %d", got)
	}

	for _, b := range bufs {
		p.Release(b)
	}
}

func TestReleaseEventuallyShrinksToMinimum(t *testing.T) {
	p := New(2)
	defer p.Close()

	bufs := make([]*Buffer, 0, 5)
	for i := 0; i < 5; i++ {
		bufs = append(bufs, p.Acquire())
	}
	for _, b := range bufs {
		p.Release(b)
	}

	// After the deferred-shrink task runs, pool size settles at
	// max(minimum, outstanding) == max(2, 0) == 2.
	waitForSize(t, p, 2)
}

func TestReleaseDoesNotShrinkBelowOutstanding(t *testing.T) {
	p := New(2)
	defer p.Close()

	bufs := make([]*Buffer, 0, 5)
	for i := 0; i < 5; i++ {
		bufs = append(bufs, p.Acquire())
	}
	// Release all but one; outstanding == 1 < minimum(2), so the shrink
	// target is max(2, 1) == 2.
	for _, b := range bufs[1:] {
		p.Release(b)
	}

	waitForSize(t, p, 2)
	if got := p.Outstanding(); got != 1 {
		t.Fatalf("expected 1 outstanding, got %d", got)
	}
	p.Release(bufs[0])
}

func TestResizeFailsWhenBusy(t *testing.T) {
	p := New(1)
	defer p.Close()

	buf := p.Acquire()
	defer p.Release(buf)

	if err := p.Resize(640, 480, 640*4); err != ErrPoolBusy {
		t.Fatalf("expected ErrPoolBusy, got %v", err)
	}
}

func TestResizeAppliesToFutureBuffers(t *testing.T) {
	p := New(1)
	defer p.Close()

	if err := p.Resize(320, 240, 320*4); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	buf := p.Acquire()
	defer p.Release(buf)

	if buf.Width != 320 || buf.Height != 240 {
		t.Fatalf("expected resized buffer 320x240, got %dx%d", buf.Width, buf.Height)
	}
	if len(buf.Host) != 320*4*240 {
		t.Fatalf("expected host backing sized for stride*height, got %d", len(buf.Host))
	}
}

func TestDoubleReleasePanics(t *testing.T) {
	p := New(1)
	defer p.Close()

	buf := p.Acquire()
	p.Release(buf)

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic on double release")
		}
	}()
	p.Release(buf)
}

func TestReleaseOfForeignBufferPanics(t *testing.T) {
	p := New(1)
	defer p.Close()

	foreign := newBuffer()
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic releasing a buffer this pool never minted")
		}
	}()
	p.Release(foreign)
}
