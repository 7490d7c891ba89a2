// Package egl runs all EGL/GL calls on one dedicated goroutine, since an
// EGL context may only be current on the thread that created it. Callers
// post closures; the worker goroutine runs them serialized, in order.
package egl

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/GNOME/gnome-remote-desktop-sub002/internal/logging"
)

var log = logging.L("egl")

// Task is a unit of work run on the EGL thread.
type Task func() error

type job struct {
	task Task
	done chan error
}

// Thread owns a single goroutine locked to an OS thread via
// runtime.LockOSThread, matching the teacher-adjacent pattern of binding
// a GPU/graphics context to one native thread for its lifetime.
type Thread struct {
	queue    chan job
	stopChan chan struct{}
	wg       sync.WaitGroup

	closeOnce sync.Once
}

// DownloadRequest describes one dma-buf-backed GPU buffer to read back
// into host memory.
type DownloadRequest struct {
	DstRowWidth int
	Format      uint32
	Width       int
	Height      int
	Planes      int
	Fds         []int
	Strides     []uint32
	Offsets     []uint32
	Modifiers   []uint64
}

// initFunc performs whatever platform EGL init is needed before the
// worker goroutine starts accepting tasks. It is swapped out in tests.
type initFunc func() error

// New starts the EGL thread and blocks until initialization completes or
// fails, mirroring grd_egl_thread_new's synchronous startup handshake.
func New(init initFunc) (*Thread, error) {
	t := &Thread{
		queue:    make(chan job, 64),
		stopChan: make(chan struct{}),
	}

	initErr := make(chan error, 1)
	t.wg.Add(1)
	go t.run(init, initErr)

	if err := <-initErr; err != nil {
		return nil, fmt.Errorf("egl: init failed: %w", err)
	}
	return t, nil
}

func (t *Thread) run(init initFunc, initErr chan<- error) {
	defer t.wg.Done()
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if init != nil {
		if err := init(); err != nil {
			initErr <- err
			return
		}
	}
	initErr <- nil

	for {
		select {
		case j := <-t.queue:
			j.done <- t.runOne(j.task)
		case <-t.stopChan:
			// Drain whatever is queued before exiting so callers blocked
			// on RunSync never hang.
			for {
				select {
				case j := <-t.queue:
					j.done <- t.runOne(j.task)
				default:
					return
				}
			}
		}
	}
}

func (t *Thread) runOne(task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("task panicked", "panic", r)
			err = fmt.Errorf("egl: task panicked: %v", r)
		}
	}()
	return task()
}

// RunSync posts a task and blocks until it has run, returning its error.
func (t *Thread) RunSync(task Task) error {
	j := job{task: task, done: make(chan error, 1)}
	select {
	case t.queue <- j:
	case <-t.stopChan:
		return fmt.Errorf("egl: thread stopped")
	}
	select {
	case err := <-j.done:
		return err
	case <-t.stopChan:
		return fmt.Errorf("egl: thread stopped")
	}
}

// RunAsync posts a task and returns immediately; callback, if non-nil, is
// invoked from the EGL goroutine once the task completes.
func (t *Thread) RunAsync(task Task, callback func(error)) {
	j := job{task: task, done: make(chan error, 1)}
	select {
	case t.queue <- j:
	case <-t.stopChan:
		if callback != nil {
			callback(fmt.Errorf("egl: thread stopped"))
		}
		return
	}
	if callback == nil {
		return
	}
	go func() {
		callback(<-j.done)
	}()
}

// Download schedules a dma-buf readback, completing asynchronously via
// callback. The actual GL/EGL texture-download call sequence is supplied
// by the hwaccel adapter backing this thread; this package only
// guarantees the call happens on the EGL-bound goroutine.
func (t *Thread) Download(req DownloadRequest, dst []byte, downloadFn func(DownloadRequest, []byte) error, callback func(error)) {
	t.RunAsync(func() error {
		return downloadFn(req, dst)
	}, callback)
}

// Close stops the worker goroutine once any in-flight/queued tasks drain.
func (t *Thread) Close() {
	t.closeOnce.Do(func() {
		close(t.stopChan)
	})
	t.wg.Wait()
}
