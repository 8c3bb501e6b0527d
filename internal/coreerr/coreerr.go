// Package coreerr defines the abstract error kinds shared by every
// subsystem of the engine control core, per the error handling design:
// callers reject bad input, never crash, and hot-path failures are
// swallowed with a counter rather than propagated as panics.
package coreerr

import "fmt"

// Kind classifies why an operation failed. Kind values are never
// compared across subsystems for anything but logging/counters —
// callers branch on the Kind they expect, not on message text.
type Kind int

const (
	// BadArg is a caller contract violation: out-of-range channel,
	// NaN angle, non-monotone bins. Reject and return; never crash.
	BadArg Kind = iota
	// NotReady means the subsystem has not been initialized, or sync
	// has not been achieved. Distinct from BadArg because retry may
	// succeed.
	NotReady
	// Stale means the data is older than its freshness bound.
	Stale
	// Rejected means the scheduler refused an arm request (past
	// deadline, overlap, out-of-range duration).
	Rejected
	// Integrity means a calibration blob failed its version or CRC
	// check.
	Integrity
	// Fault is a physical condition that triggers limp mode
	// (over-rev, over-heat, under-volt, watchdog).
	Fault
)

func (k Kind) String() string {
	switch k {
	case BadArg:
		return "bad_arg"
	case NotReady:
		return "not_ready"
	case Stale:
		return "stale"
	case Rejected:
		return "rejected"
	case Integrity:
		return "integrity"
	case Fault:
		return "fault"
	default:
		return "unknown"
	}
}

// Error wraps an abstract Kind with a subsystem tag and an optional
// underlying cause, following errors.Is/As conventions.
type Error struct {
	Kind    Kind
	Op      string // subsystem/operation, e.g. "decoder.OnToothEdge"
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is allows errors.Is(err, coreerr.BadArg-shaped sentinel) style checks
// against another *Error by Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New constructs an *Error with no underlying cause.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap constructs an *Error carrying an underlying cause.
func Wrap(kind Kind, op, message string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: err}
}

// Sentinel returns a zero-value *Error of the given Kind, suitable as
// an errors.Is target: errors.Is(err, coreerr.Sentinel(coreerr.Stale)).
func Sentinel(kind Kind) *Error {
	return &Error{Kind: kind}
}
