//go:build linux

package frameclock

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// Clock schedules a Callback against an absolute monotonic-time grid
// using a Linux timerfd armed with TFD_TIMER_ABSTIME. Each wakeup
// re-derives the next boundary from the grid's origin rather than adding
// one interval to "now", so a late wakeup does not compound into a
// growing backlog of catch-up fires.
type Clock struct {
	mu sync.Mutex

	file *os.File

	onTrigger Callback

	startTimeNs uint64
	intervalNs  uint64
	armed       bool

	loopStarted bool
}

// New creates a disarmed Clock. onTrigger runs on a dedicated goroutine
// owned by the Clock; call Arm to start ticking.
func New(onTrigger Callback) (*Clock, error) {
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("frameclock: timerfd_create: %w", err)
	}
	return &Clock{
		file:      os.NewFile(uintptr(fd), "frameclock-timerfd"),
		onTrigger: onTrigger,
	}, nil
}

// IsArmed reports whether the clock is currently scheduling wakeups.
func (c *Clock) IsArmed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.armed
}

// Arm starts the clock at clockRateNum/clockRateDenom Hz (e.g. 60/1 for
// 60 fps), anchored to the current monotonic time. The first tick lands
// on the next grid boundary after now, which for a freshly armed clock
// is one full interval away.
func (c *Clock) Arm(clockRateNum, clockRateDenom uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now, err := monotonicNowNs()
	if err != nil {
		return err
	}

	c.startTimeNs = now
	c.intervalNs = clockRateDenom * uint64(1e9) / clockRateNum
	c.armed = true

	if err := c.scheduleNextLocked(); err != nil {
		return err
	}

	if !c.loopStarted {
		c.loopStarted = true
		go c.loop()
	}
	return nil
}

// Disarm stops scheduling wakeups. The background goroutine keeps
// running (blocked on the now-idle timerfd) until Close.
func (c *Clock) Disarm() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := unix.TimerfdSettime(int(c.file.Fd()), 0, &unix.ItimerSpec{}, nil); err != nil {
		return fmt.Errorf("frameclock: timerfd_settime(disarm): %w", err)
	}
	c.armed = false
	return nil
}

// Close releases the underlying timerfd, unblocking and terminating the
// background goroutine.
func (c *Clock) Close() error {
	return c.file.Close()
}

func (c *Clock) scheduleNextLocked() error {
	now, err := monotonicNowNs()
	if err != nil {
		return err
	}

	next := extrapolateNextIntervalBoundary(c.startTimeNs, now, c.intervalNs)
	spec := unix.ItimerSpec{Value: unix.NsecToTimespec(int64(next))}
	if err := unix.TimerfdSettime(int(c.file.Fd()), unix.TFD_TIMER_ABSTIME, &spec, nil); err != nil {
		return fmt.Errorf("frameclock: timerfd_settime: %w", err)
	}
	return nil
}

func (c *Clock) loop() {
	var buf [8]byte
	for {
		if _, err := c.file.Read(buf[:]); err != nil {
			return
		}

		c.onTrigger()

		c.mu.Lock()
		armed := c.armed
		var rearmErr error
		if armed {
			rearmErr = c.scheduleNextLocked()
		}
		c.mu.Unlock()
		if rearmErr != nil {
			return
		}
	}
}

func monotonicNowNs() (uint64, error) {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return 0, fmt.Errorf("frameclock: clock_gettime: %w", err)
	}
	return uint64(ts.Sec)*uint64(1e9) + uint64(ts.Nsec), nil
}
