package frameclock

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestClockArmFiresRepeatedlyAtApproximateRate(t *testing.T) {
	var fires atomic.Int64

	c, err := New(func() { fires.Add(1) })
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	if c.IsArmed() {
		t.Fatal("expected clock to start disarmed")
	}

	if err := c.Arm(100, 1); err != nil { // 100 Hz
		t.Fatalf("Arm: %v", err)
	}
	if !c.IsArmed() {
		t.Fatal("expected clock to be armed after Arm")
	}

	time.Sleep(250 * time.Millisecond)

	if got := fires.Load(); got < 10 {
		t.Fatalf("expected at least 10 fires in 250ms at 100Hz, got %d", got)
	}
}

func TestClockDisarmStopsFiring(t *testing.T) {
	var fires atomic.Int64

	c, err := New(func() { fires.Add(1) })
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	if err := c.Arm(50, 1); err != nil {
		t.Fatalf("Arm: %v", err)
	}
	time.Sleep(60 * time.Millisecond)
	if err := c.Disarm(); err != nil {
		t.Fatalf("Disarm: %v", err)
	}
	if c.IsArmed() {
		t.Fatal("expected clock to report disarmed")
	}

	afterDisarm := fires.Load()
	time.Sleep(100 * time.Millisecond)
	if fires.Load() != afterDisarm {
		t.Fatalf("expected no fires after Disarm, went from %d to %d", afterDisarm, fires.Load())
	}
}
