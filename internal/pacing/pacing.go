// Package pacing implements the per-surface frame-pacing and
// acknowledgement controller: it tracks unacknowledged frame-ids, turns
// acks into round-trip samples, and derives a soft bound on in-flight
// frames that grows with measured RTT.
package pacing

import (
	"sync"
	"time"

	"github.com/pion/rtcp"
)

// FrameID identifies an encoded frame as tracked by the graphics
// pipeline layer.
type FrameID uint32

// Vote is the controller's opinion on whether the transport should keep
// sampling round-trip time. It mirrors the HIGH/LOW necessity votes used
// elsewhere in the pipeline to gate optional measurement work.
type Vote int

const (
	VoteLow Vote = iota
	VoteHigh
)

func (v Vote) String() string {
	if v == VoteHigh {
		return "HIGH"
	}
	return "LOW"
}

const (
	// idleWindow is how long encoding must be quiet before the vote
	// drops from HIGH to LOW.
	idleWindow = time.Second

	minSoftBound = 1
	maxSoftBound = 16
	// boundGrowthPerRTT controls how many additional in-flight frames
	// the soft bound allows per this much measured RTT.
	boundGrowthPerRTT = 20 * time.Millisecond

	minBitrate     = 250_000
	maxBitrate     = 5_000_000
	defaultBitrate = 2_500_000
	// raiseRTT/cutRTT bracket the additive-increase/multiplicative-
	// decrease bitrate steps: samples under raiseRTT step the estimate
	// up, samples over cutRTT cut it.
	raiseRTT    = 50 * time.Millisecond
	cutRTT      = 200 * time.Millisecond
	bitrateStep = 100_000
)

type unackedEntry struct {
	id        FrameID
	encodedAt time.Time
}

// Controller is the frame-pacing and acknowledgement state for one
// GfxSurface. It is not safe for concurrent construction but all methods
// are safe for concurrent use.
type Controller struct {
	mu sync.Mutex

	unacked []unackedEntry

	softBound int
	lastRTT   time.Duration
	bitrate   int

	// keyframeNeeded latches when the unacked window is torn down
	// wholesale (suspension, reset-graphics): the peer's decode state
	// can no longer be assumed to match the encode history, so the next
	// emitted frame must be a full refresh.
	keyframeNeeded bool

	lastEncodeAt time.Time
	vote         Vote
	voteTimerSet bool

	// hostPressure is set by a periodic host-memory check (internal/health)
	// and forces throttling regardless of the RTT-derived soft bound: the
	// RTT bound alone has no way to see host memory exhaustion coming.
	hostPressure bool

	onRTTSample  func(rtt time.Duration)
	onVoteChange func(Vote)
}

// New creates a controller with its soft bound at the minimum, widening
// only once RTT samples arrive.
func New(onRTTSample func(rtt time.Duration), onVoteChange func(Vote)) *Controller {
	return &Controller{
		softBound:    minSoftBound,
		bitrate:      defaultBitrate,
		vote:         VoteLow,
		onRTTSample:  onRTTSample,
		onVoteChange: onVoteChange,
	}
}

// UnackFrame records a newly encoded, not-yet-acknowledged frame.
func (c *Controller) UnackFrame(id FrameID, encodedAt time.Time) {
	c.mu.Lock()
	c.unacked = append(c.unacked, unackedEntry{id: id, encodedAt: encodedAt})
	c.lastEncodeAt = encodedAt
	needsTimer := !c.voteTimerSet
	wasLow := c.vote == VoteLow
	if wasLow {
		c.vote = VoteHigh
	}
	c.mu.Unlock()

	if wasLow && c.onVoteChange != nil {
		c.onVoteChange(VoteHigh)
	}
	if needsTimer {
		c.armVoteTimer()
	}
}

// AckFrame removes every tracked entry up to and including id (a single
// ack covers every frame encoded before it) and feeds the elapsed
// encode-to-ack time as a round-trip sample.
func (c *Controller) AckFrame(id FrameID, ackedAt time.Time) {
	c.mu.Lock()
	idx := -1
	for i, e := range c.unacked {
		if e.id == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		c.mu.Unlock()
		return
	}

	rtt := ackedAt.Sub(c.unacked[idx].encodedAt)
	c.unacked = append(c.unacked[:0], c.unacked[idx+1:]...)
	c.mu.Unlock()

	c.NotifyNewRoundTripTime(rtt)
}

// UnackLastAckedFrame restores a single previously-acked entry at the
// tail of the unacked list, used to replay frame history after an
// acks-suspended period ends.
func (c *Controller) UnackLastAckedFrame(id FrameID, encodedAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unacked = append(c.unacked, unackedEntry{id: id, encodedAt: encodedAt})
}

// ClearAllUnacked drops every tracked entry, used on acks-suspension and
// on reset-graphics. It also latches a keyframe request: after the
// window is torn down, the next frame must be a full refresh rather
// than a delta against history the peer may have discarded.
func (c *Controller) ClearAllUnacked() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unacked = c.unacked[:0]
	c.keyframeNeeded = true
}

// NotifyNewRoundTripTime updates the soft bound on in-flight frames and
// reports the sample upstream.
func (c *Controller) NotifyNewRoundTripTime(rtt time.Duration) {
	if rtt < 0 {
		rtt = 0
	}

	c.mu.Lock()
	c.lastRTT = rtt
	bound := minSoftBound + int(rtt/boundGrowthPerRTT)
	if bound < minSoftBound {
		bound = minSoftBound
	}
	if bound > maxSoftBound {
		bound = maxSoftBound
	}
	c.softBound = bound

	// Additive-increase/multiplicative-decrease bitrate estimate, fed
	// to the encoder through Bound's REMB snapshot.
	switch {
	case rtt > cutRTT:
		c.bitrate = c.bitrate * 3 / 4
		if c.bitrate < minBitrate {
			c.bitrate = minBitrate
		}
	case rtt < raiseRTT:
		c.bitrate += bitrateStep
		if c.bitrate > maxBitrate {
			c.bitrate = maxBitrate
		}
	}
	c.mu.Unlock()

	if c.onRTTSample != nil {
		c.onRTTSample(rtt)
	}
}

// ShouldThrottle reports whether the number of currently unacked frames
// has reached the RTT-derived soft bound, meaning the encoder should
// hold off submitting another frame.
func (c *Controller) ShouldThrottle() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hostPressure || len(c.unacked) >= c.softBound
}

// SetHostPressure is driven by a periodic host-memory check (see
// internal/health.CollectHostStats). While asserted, ShouldThrottle
// reports true unconditionally, independent of the RTT-derived soft
// bound, so the server stops growing its outstanding-frame window when
// the host itself is under memory pressure.
func (c *Controller) SetHostPressure(under bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hostPressure = under
}

// UnackedCount returns the number of frames currently awaiting
// acknowledgement.
func (c *Controller) UnackedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.unacked)
}

// Vote returns the controller's current HIGH/LOW round-trip measurement
// necessity vote.
func (c *Controller) Vote() Vote {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.vote
}

// Bound reports the controller's current RTT-derived bitrate estimate
// as a ReceiverEstimatedMaximumBitrate record. The session's RTT-sample
// callback reads this after each sample and pushes Bitrate into the
// encode adapter, so the encoder's rate follows the measured round
// trip.
func (c *Controller) Bound(surfaceSSRC uint32) rtcp.ReceiverEstimatedMaximumBitrate {
	c.mu.Lock()
	defer c.mu.Unlock()
	return rtcp.ReceiverEstimatedMaximumBitrate{
		SenderSSRC: surfaceSSRC,
		Bitrate:    float32(c.bitrate),
		SSRCs:      []uint32{surfaceSSRC},
	}
}

// RequestKeyframe returns a PictureLossIndication keyed to surfaceSSRC,
// reusing RTCP's PLI shape as the record a caller hands to the graphics
// pipeline to force a full-quality refresh of one surface.
func RequestKeyframe(surfaceSSRC uint32) *rtcp.PictureLossIndication {
	return &rtcp.PictureLossIndication{MediaSSRC: surfaceSSRC}
}

// TakeKeyframeRequest returns (and clears) the pending keyframe request
// latched by ClearAllUnacked, or nil when no full refresh is owed. The
// renderer consumes this at the top of each emission cycle.
func (c *Controller) TakeKeyframeRequest(surfaceSSRC uint32) *rtcp.PictureLossIndication {
	c.mu.Lock()
	needed := c.keyframeNeeded
	c.keyframeNeeded = false
	c.mu.Unlock()
	if !needed {
		return nil
	}
	return RequestKeyframe(surfaceSSRC)
}

func (c *Controller) armVoteTimer() {
	c.mu.Lock()
	c.voteTimerSet = true
	c.mu.Unlock()

	time.AfterFunc(idleWindow, c.checkIdle)
}

func (c *Controller) checkIdle() {
	c.mu.Lock()
	idle := time.Since(c.lastEncodeAt) >= idleWindow
	wasHigh := c.vote == VoteHigh
	if idle {
		c.vote = VoteLow
		c.voteTimerSet = false
	}
	c.mu.Unlock()

	if idle {
		if wasHigh && c.onVoteChange != nil {
			c.onVoteChange(VoteLow)
		}
		return
	}

	time.AfterFunc(idleWindow, c.checkIdle)
}
