package frameclock

import "testing"

func TestExtrapolateNextIntervalBoundaryOnGrid(t *testing.T) {
	const interval = uint64(1_000_000) // 1ms
	boundary := uint64(0)

	got := extrapolateNextIntervalBoundary(boundary, 0, interval)
	if got != 0 {
		t.Fatalf("expected 0 at the origin, got %d", got)
	}

	got = extrapolateNextIntervalBoundary(boundary, interval, interval)
	if got != interval {
		t.Fatalf("expected exactly one interval, got %d", got)
	}
}

func TestExtrapolateNextIntervalBoundaryMidInterval(t *testing.T) {
	const interval = uint64(1_000_000)
	boundary := uint64(0)

	// Reference sits strictly inside (0, interval): next boundary is one
	// full interval away, never less.
	got := extrapolateNextIntervalBoundary(boundary, interval/2, interval)
	if got != interval {
		t.Fatalf("expected next boundary %d, got %d", interval, got)
	}
}

func TestExtrapolateNextIntervalBoundarySkipsMissedIntervals(t *testing.T) {
	const interval = uint64(1_000_000)
	boundary := uint64(0)

	// A reference far past several missed intervals jumps straight to
	// the next free grid point rather than to boundary+interval.
	reference := interval*5 + 1
	got := extrapolateNextIntervalBoundary(boundary, reference, interval)
	if got != interval*6 {
		t.Fatalf("expected boundary %d, got %d", interval*6, got)
	}
}

func TestExtrapolateNextIntervalBoundaryNonZeroOrigin(t *testing.T) {
	const interval = uint64(1_000_000)
	boundary := uint64(250_000)

	got := extrapolateNextIntervalBoundary(boundary, boundary, interval)
	if got != boundary {
		t.Fatalf("expected boundary itself when reference == boundary, got %d", got)
	}

	got = extrapolateNextIntervalBoundary(boundary, boundary+interval+1, interval)
	if got != boundary+2*interval {
		t.Fatalf("expected %d, got %d", boundary+2*interval, got)
	}
}
