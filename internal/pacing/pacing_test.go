package pacing

import (
	"testing"
	"time"
)

func TestAckFrameRemovesUpToAndIncludingID(t *testing.T) {
	c := New(nil, nil)
	base := time.Now()

	c.UnackFrame(1, base)
	c.UnackFrame(2, base.Add(10*time.Millisecond))
	c.UnackFrame(3, base.Add(20*time.Millisecond))

	c.AckFrame(2, base.Add(30*time.Millisecond))

	if got := c.UnackedCount(); got != 1 {
		t.Fatalf("expected 1 remaining unacked frame, got %d", got)
	}
}

func TestAckFrameFeedsRTTSample(t *testing.T) {
	var sampled time.Duration
	c := New(func(rtt time.Duration) { sampled = rtt }, nil)

	base := time.Now()
	c.UnackFrame(1, base)
	c.AckFrame(1, base.Add(50*time.Millisecond))

	if sampled < 49*time.Millisecond || sampled > 51*time.Millisecond {
		t.Fatalf("expected ~50ms RTT sample, got %v", sampled)
	}
}

func TestUnknownAckIsIgnored(t *testing.T) {
	c := New(nil, nil)
	c.UnackFrame(1, time.Now())
	c.AckFrame(99, time.Now())

	if got := c.UnackedCount(); got != 1 {
		t.Fatalf("expected ack of unknown id to be a no-op, got %d unacked", got)
	}
}

func TestUnackLastAckedFrameRestoresTailEntry(t *testing.T) {
	c := New(nil, nil)
	now := time.Now()
	c.UnackFrame(1, now)
	c.AckFrame(1, now.Add(time.Millisecond))

	if got := c.UnackedCount(); got != 0 {
		t.Fatalf("expected 0 unacked after ack, got %d", got)
	}

	c.UnackLastAckedFrame(1, now)
	if got := c.UnackedCount(); got != 1 {
		t.Fatalf("expected 1 unacked after replay, got %d", got)
	}
}

func TestClearAllUnackedEmptiesTheQueue(t *testing.T) {
	c := New(nil, nil)
	now := time.Now()
	c.UnackFrame(1, now)
	c.UnackFrame(2, now)
	c.ClearAllUnacked()

	if got := c.UnackedCount(); got != 0 {
		t.Fatalf("expected 0 unacked after clear, got %d", got)
	}
}

func TestSoftBoundGrowsWithRTT(t *testing.T) {
	c := New(nil, nil)

	// At the minimum soft bound a single unacked frame throttles; after
	// a high-RTT sample widens the bound, the same count must not.
	c.NotifyNewRoundTripTime(0)
	c.UnackFrame(1, time.Now())
	if !c.ShouldThrottle() {
		t.Fatal("expected throttle at the minimum soft bound")
	}

	c.NotifyNewRoundTripTime(200 * time.Millisecond)
	if c.ShouldThrottle() {
		t.Fatal("expected the widened soft bound to stop throttling one unacked frame")
	}
}

func TestBitrateEstimateFollowsRTT(t *testing.T) {
	c := New(nil, nil)
	start := c.Bound(1).Bitrate

	c.NotifyNewRoundTripTime(300 * time.Millisecond)
	cut := c.Bound(1).Bitrate
	if !(cut < start) {
		t.Fatalf("expected a high-RTT sample to cut the bitrate estimate: start=%v cut=%v", start, cut)
	}

	for i := 0; i < 5; i++ {
		c.NotifyNewRoundTripTime(10 * time.Millisecond)
	}
	raised := c.Bound(1).Bitrate
	if !(raised > cut) {
		t.Fatalf("expected low-RTT samples to raise the bitrate estimate: cut=%v raised=%v", cut, raised)
	}
}

func TestClearAllUnackedLatchesKeyframeRequest(t *testing.T) {
	c := New(nil, nil)

	if pli := c.TakeKeyframeRequest(7); pli != nil {
		t.Fatalf("expected no keyframe request before any clear, got %+v", pli)
	}

	c.UnackFrame(1, time.Now())
	c.ClearAllUnacked()

	pli := c.TakeKeyframeRequest(7)
	if pli == nil {
		t.Fatal("expected a keyframe request after the unacked window was torn down")
	}
	if pli.MediaSSRC != 7 {
		t.Fatalf("expected MediaSSRC 7, got %d", pli.MediaSSRC)
	}

	if pli := c.TakeKeyframeRequest(7); pli != nil {
		t.Fatal("expected TakeKeyframeRequest to clear the latch")
	}
}

func TestShouldThrottleAtSoftBound(t *testing.T) {
	c := New(nil, nil)
	// Minimum soft bound is 1: a single unacked frame should throttle.
	c.UnackFrame(1, time.Now())

	if !c.ShouldThrottle() {
		t.Fatal("expected throttle once unacked count reaches the minimum soft bound")
	}
}

func TestVoteGoesHighOnEncodeAndLowAfterIdleWindow(t *testing.T) {
	var votes []Vote
	c := New(nil, func(v Vote) { votes = append(votes, v) })

	if c.Vote() != VoteLow {
		t.Fatal("expected controller to start at LOW")
	}

	c.UnackFrame(1, time.Now())
	if c.Vote() != VoteHigh {
		t.Fatal("expected vote to flip HIGH on first unacked frame")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.Vote() == VoteLow {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if c.Vote() != VoteLow {
		t.Fatal("expected vote to drop back to LOW after the idle window elapses")
	}
}

func TestRequestKeyframeCarriesSurfaceSSRC(t *testing.T) {
	pli := RequestKeyframe(42)
	if pli.MediaSSRC != 42 {
		t.Fatalf("expected MediaSSRC 42, got %d", pli.MediaSSRC)
	}
}
