package relay

import (
	"context"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
)

// NoopRelay accepts submissions without talking to any network, backing
// tests and the Dropped/Degraded scenarios: the first Poll of a submission
// reports Pending and every later Poll reports Dropped, so the
// coordinator's dropped-bundle path is exercised deterministically.
type NoopRelay struct {
	polled map[string]bool
}

// NewNoopRelay constructs a relay that drops every bundle it is handed.
func NewNoopRelay() *NoopRelay {
	return &NoopRelay{polled: make(map[string]bool)}
}

func (r *NoopRelay) Name() string { return "noop" }

func (r *NoopRelay) Submit(ctx context.Context, tx *solana.Transaction, priorityFeeMicroLamports uint64) (string, error) {
	return uuid.NewString(), nil
}

func (r *NoopRelay) Poll(ctx context.Context, submissionID string) (PollResult, error) {
	if r.polled[submissionID] {
		return PollResult{Status: Dropped}, nil
	}
	r.polled[submissionID] = true
	return PollResult{Status: Pending}, nil
}
