// Package relay models the protected transaction relay as a Go interface,
// so the execution coordinator is not compile-time bound to any one
// submission backend. A Jito-backed implementation and a no-op
// implementation (for tests and the Dropped/Degraded scenarios) both
// satisfy it.
package relay

import (
	"context"

	"github.com/holiman/uint256"

	"github.com/gagliardetto/solana-go"
)

// Status is a submission's confirmation state.
type Status string

const (
	Pending  Status = "pending"
	Confirmed Status = "confirmed"
	Failed   Status = "failed"
	Dropped  Status = "dropped"
)

// PollResult is the outcome of one confirmation poll.
type PollResult struct {
	Status    Status
	ErrorCode string
	ActualOut *uint256.Int // realized output amount, set only on Confirmed
}

// Relay accepts a signed bundle and returns a submission id; a separate
// poll method reports Pending, Confirmed, or Failed(code). Implementations
// must tolerate both the submit and poll RPCs becoming unavailable.
type Relay interface {
	Submit(ctx context.Context, tx *solana.Transaction, priorityFeeMicroLamports uint64) (submissionID string, err error)
	Poll(ctx context.Context, submissionID string) (PollResult, error)
	Name() string
}
