// Package grderr defines the error taxonomy shared across the graphics
// pipeline: every fallible operation returns one of these kinds (wrapped
// with context via fmt.Errorf("...: %w", err)) so callers can branch on
// errors.Is without parsing strings.
package grderr

import "errors"

// Kind is a sentinel error identifying one taxonomy bucket. Wrap it with
// fmt.Errorf("%s: %w", detail, Kind) at the point of failure.
type Kind struct {
	name string
}

func (k *Kind) Error() string { return k.name }

var (
	// ProtocolViolation: the peer sent a message violating the state
	// machine or an allowed-value range. Fatal to the channel/session.
	ProtocolViolation = &Kind{"protocol violation"}

	// CapabilityMismatch: no mutually-supported capability set. Fatal.
	CapabilityMismatch = &Kind{"capability mismatch"}

	// GraphicsSubsystemFailure: internal error during damage detection,
	// encoding, or buffer import. Fatal to the session.
	GraphicsSubsystemFailure = &Kind{"graphics subsystem failure"}

	// TransientIOError: a read/write hit EINTR/EAGAIN. Retried locally by
	// the caller; this kind should never escape to a session boundary.
	TransientIOError = &Kind{"transient I/O error"}

	// ResourceExhaustion: allocation failure, fd exhaustion, map failure.
	// Reported upward after rollback of any partially allocated resource.
	ResourceExhaustion = &Kind{"resource exhaustion"}

	// NotFound: lookup of a credential (or other keyed resource) that is
	// not stored. Surfaced to the caller without logging.
	NotFound = &Kind{"not found"}

	// ConfigError: a referenced file is absent or not a regular file; the
	// setting is ignored silently by the layer above.
	ConfigError = &Kind{"config error"}
)

// Is reports whether err (or anything it wraps) is the given Kind.
func Is(err error, kind *Kind) bool {
	return errors.Is(err, kind)
}

// Wrap attaches a Kind to err's chain via a formatted message, keeping
// both err and kind reachable from errors.Is/errors.Unwrap.
func Wrap(kind *Kind, detail string, cause error) error {
	if cause == nil {
		return &wrapped{kind: kind, detail: detail}
	}
	return &wrapped{kind: kind, detail: detail, cause: cause}
}

type wrapped struct {
	kind   *Kind
	detail string
	cause  error
}

func (w *wrapped) Error() string {
	if w.cause != nil {
		return w.detail + ": " + w.cause.Error()
	}
	return w.detail
}

func (w *wrapped) Unwrap() []error {
	if w.cause != nil {
		return []error{w.kind, w.cause}
	}
	return []error{w.kind}
}
