// Package workerpool dispatches the per-tick render work a Session's
// onTick hands off (encode + pace one frame, §4.7-4.8) onto a bounded
// set of goroutines, so a slow encode on one session's tick never
// blocks the HTTP/DVC accept loop or another session's tick.
package workerpool

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/GNOME/gnome-remote-desktop-sub002/internal/logging"
)

var log = logging.L("workerpool")

// Task is a unit of render-tick work submitted to the pool.
type Task func()

// Stats is a point-in-time snapshot of a Pool's lifetime counters,
// reported to the health monitor so a backed-up render queue or a
// run of panicking tasks shows up as a degraded component instead of
// silently dropped frames.
type Stats struct {
	Submitted int64
	Rejected  int64
	Completed int64
	Panicked  int64
	Queued    int
	Workers   int
}

// Pool is a bounded goroutine pool with a fixed-size task queue.
type Pool struct {
	maxWorkers int
	queue      chan Task
	wg         sync.WaitGroup
	accepting  atomic.Bool
	stopOnce   sync.Once
	closeOnce  sync.Once
	stopChan   chan struct{}

	submitted atomic.Int64
	rejected  atomic.Int64
	completed atomic.Int64
	panicked  atomic.Int64
}

// New creates a pool with maxWorkers goroutines and a task queue of queueSize.
func New(maxWorkers, queueSize int) *Pool {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}

	p := &Pool{
		maxWorkers: maxWorkers,
		queue:      make(chan Task, queueSize),
		stopChan:   make(chan struct{}),
	}
	p.accepting.Store(true)

	for i := 0; i < maxWorkers; i++ {
		go p.worker()
	}

	log.Info("render worker pool started", "workers", maxWorkers, "queueSize", queueSize)
	return p
}

// Submit enqueues a render task. Returns false if the pool is stopped or the
// queue is full (a full queue means the encode/pace pipeline is falling
// behind its tick rate and this tick's frame is dropped rather than
// piling up unbounded latency).
// wg.Add is called here (before enqueue) to prevent a race with Drain.
func (p *Pool) Submit(task Task) bool {
	if !p.accepting.Load() {
		p.rejected.Add(1)
		return false
	}

	p.wg.Add(1)
	select {
	case p.queue <- task:
		p.submitted.Add(1)
		return true
	default:
		p.wg.Done() // undo the Add since task was not enqueued
		p.rejected.Add(1)
		log.Warn("render worker pool queue full, tick dropped")
		return false
	}
}

// StopAccepting prevents new tasks from being submitted.
func (p *Pool) StopAccepting() {
	p.accepting.Store(false)
}

// Drain waits for all in-flight and queued tasks to complete, respecting the
// context deadline. Call StopAccepting first to prevent new submissions.
// If StopAccepting was called, the workers are stopped and the queue
// channel is closed when Drain returns; otherwise Drain only waits, and
// the pool keeps accepting and running tasks.
func (p *Pool) Drain(ctx context.Context) {
	stopping := !p.accepting.Load()
	if stopping {
		p.stopOnce.Do(func() {
			close(p.stopChan)
		})
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("render worker pool drained")
	case <-ctx.Done():
		log.Warn("render worker pool drain timed out")
	}

	// Close queue so worker goroutines exit and are not leaked
	if stopping {
		p.closeOnce.Do(func() {
			close(p.queue)
		})
	}
}

// Stats returns a snapshot of the pool's lifetime counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Submitted: p.submitted.Load(),
		Rejected:  p.rejected.Load(),
		Completed: p.completed.Load(),
		Panicked:  p.panicked.Load(),
		Queued:    len(p.queue),
		Workers:   p.maxWorkers,
	}
}

func (p *Pool) worker() {
	for {
		select {
		case task, ok := <-p.queue:
			if !ok {
				return
			}
			p.runTask(task)
		case <-p.stopChan:
			// Drain remaining queued tasks
			for {
				select {
				case task, ok := <-p.queue:
					if !ok {
						return
					}
					p.runTask(task)
				default:
					return
				}
			}
		}
	}
}

// runTask executes a single render task with panic recovery. wg.Done is
// called here to match the wg.Add in Submit.
func (p *Pool) runTask(task Task) {
	defer p.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			p.panicked.Add(1)
			log.Error("render task panicked", "panic", r, "stack", string(debug.Stack()))
		}
	}()
	task()
	p.completed.Add(1)
}
