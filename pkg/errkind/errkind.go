// Package errkind implements the engine's closed error taxonomy: every
// data-plane error carries a Kind rather than being matched by type or
// string, the way the teacher's job runners classify failures by category
// before deciding whether to retry, alert, or just record.
package errkind

import "fmt"

// Kind is a closed enum of error categories. New categories are never added
// by a caller; only this package defines the set.
type Kind int

const (
	// Unknown is the zero value; it should never appear on an emitted
	// outcome and indicates a bug in error classification.
	Unknown Kind = iota
	// Transient covers dropped streams and RPC timeouts. Recovered locally
	// via reconnect/retry with backoff.
	Transient
	// Stale means a snapshot sequence advanced between solve and submit.
	Stale
	// Infeasible means insufficient liquidity or a curve rejection at
	// quote time. The candidate is discarded, not surfaced as a failure.
	Infeasible
	// RiskRejected means a risk-gate rule fired.
	RiskRejected
	// ExecutionFailed means the on-chain program returned an error.
	// Terminal for the plan; counts against the venue's failure streak.
	ExecutionFailed
	// Fatal means configuration is invalid or the state store is corrupt.
	// The process exits with the corresponding code.
	Fatal
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Stale:
		return "stale"
	case Infeasible:
		return "infeasible"
	case RiskRejected:
		return "risk_rejected"
	case ExecutionFailed:
		return "execution_failed"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error wraps an underlying cause with a Kind and the stage that produced
// it, so logs and outcome records can classify failures without string
// matching.
type Error struct {
	Kind  Kind
	Stage string
	Err   error
}

func New(kind Kind, stage string, err error) *Error {
	return &Error{Kind: kind, Stage: stage, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Stage, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Stage, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the Kind from err if it (or something it wraps) is an
// *Error; otherwise returns Unknown.
func KindOf(err error) Kind {
	var e *Error
	for err != nil {
		if ae, ok := err.(*Error); ok {
			e = ae
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	if e == nil {
		return Unknown
	}
	return e.Kind
}
