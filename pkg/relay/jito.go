package relay

import (
	"context"
	"fmt"

	"github.com/gagliardetto/solana-go"
	jitorpc "github.com/jito-labs/jito-go-rpc"
)

// JitoRelay submits bundles through Jito's block-engine relay, grounded on
// the pack's Solana-arbitrage-router reference dependency on
// jito-labs/jito-go-rpc.
type JitoRelay struct {
	client *jitorpc.JitoJsonRpcClient
}

// NewJitoRelay constructs a relay bound to the given block-engine endpoint.
func NewJitoRelay(endpoint, authToken string) *JitoRelay {
	return &JitoRelay{client: jitorpc.NewJitoJsonRpcClient(endpoint, authToken)}
}

func (r *JitoRelay) Name() string { return "jito" }

func (r *JitoRelay) Submit(ctx context.Context, tx *solana.Transaction, priorityFeeMicroLamports uint64) (string, error) {
	raw, err := tx.MarshalBinary()
	if err != nil {
		return "", fmt.Errorf("relay: marshal bundle: %w", err)
	}
	resp, err := r.client.SendBundle([][]byte{raw})
	if err != nil {
		return "", fmt.Errorf("relay: jito submit: %w", err)
	}
	return resp, nil
}

func (r *JitoRelay) Poll(ctx context.Context, submissionID string) (PollResult, error) {
	status, err := r.client.GetBundleStatuses([]string{submissionID})
	if err != nil {
		return PollResult{}, fmt.Errorf("relay: jito poll: %w", err)
	}
	return classifyJitoStatus(status), nil
}

// classifyJitoStatus translates the relay's raw status string into this
// package's closed Status enum.
func classifyJitoStatus(raw string) PollResult {
	switch raw {
	case "landed", "confirmed", "finalized":
		return PollResult{Status: Confirmed}
	case "failed", "rejected":
		return PollResult{Status: Failed, ErrorCode: raw}
	default:
		return PollResult{Status: Pending}
	}
}
