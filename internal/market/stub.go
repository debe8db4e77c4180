package market

import (
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/holiman/uint256"
)

// StubAdapter is a deterministic, in-memory adapter for tests: it does not
// decode real account bytes, instead holding reserves directly and running
// the constant-product formula. Exists only for tests and simulation, per
// the explicit init/teardown hook design note for swap-in stubs.
type StubAdapter struct {
	ReserveA, ReserveB *uint256.Int
	FeeBPS             uint32
	TokenA, TokenB     solana.PublicKey
}

func (s *StubAdapter) Curve() CurveKind { return ConstantProduct }

func (s *StubAdapter) Decode(_ []byte, meta Pool, slot uint64) (*PoolSnapshot, error) {
	return &PoolSnapshot{
		PoolID:       meta.ID,
		ReserveA:     new(uint256.Int).Set(s.ReserveA),
		ReserveB:     new(uint256.Int).Set(s.ReserveB),
		ObservedSlot: slot,
		SourceTime:   time.Now(),
		FeeBPS:       s.FeeBPS,
		TokenA:       s.TokenA,
		TokenB:       s.TokenB,
	}, nil
}

func (s *StubAdapter) QuoteExactIn(snap *PoolSnapshot, tokenIn solana.PublicKey, amountIn *uint256.Int) (*uint256.Int, float64, error) {
	cpmm := &ConstantProductAdapter{}
	return cpmm.QuoteExactIn(snap, tokenIn, amountIn)
}

func (s *StubAdapter) BuildSwapInstruction(hop PlanHop) (solana.Instruction, error) {
	return (&ConstantProductAdapter{}).BuildSwapInstruction(hop)
}

func (s *StubAdapter) RequiredAccounts(hop PlanHop) ([]*solana.AccountMeta, error) {
	return (&ConstantProductAdapter{}).RequiredAccounts(hop)
}
