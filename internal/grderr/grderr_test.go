package grderr

import (
	"errors"
	"testing"
)

func TestWrapIsDetectsKind(t *testing.T) {
	err := Wrap(NotFound, "credential RDP", nil)
	if !Is(err, NotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
	if Is(err, ConfigError) {
		t.Fatalf("did not expect ConfigError match")
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("EINTR")
	err := Wrap(TransientIOError, "read dvc", cause)

	if !Is(err, TransientIOError) {
		t.Fatalf("expected TransientIOError")
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected wrapped cause to be reachable")
	}
	if got := err.Error(); got != "read dvc: EINTR" {
		t.Fatalf("unexpected message: %q", got)
	}
}

func TestKindsAreDistinct(t *testing.T) {
	kinds := []*Kind{
		ProtocolViolation, CapabilityMismatch, GraphicsSubsystemFailure,
		TransientIOError, ResourceExhaustion, NotFound, ConfigError,
	}
	seen := make(map[string]bool)
	for _, k := range kinds {
		if seen[k.name] {
			t.Fatalf("duplicate kind name %q", k.name)
		}
		seen[k.name] = true
	}
}
