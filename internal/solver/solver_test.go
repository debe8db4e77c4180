package solver

import (
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solflux/arbiter/internal/market"
)

func twoHopSetup(t *testing.T) (*Solver, market.Candidate) {
	t.Helper()
	tokenX := solana.NewWallet().PublicKey()
	tokenY := solana.NewWallet().PublicKey()
	programA := solana.NewWallet().PublicKey()
	programB := solana.NewWallet().PublicKey()

	poolA := market.Pool{ID: solana.NewWallet().PublicKey(), Venue: "a", TokenA: tokenX, TokenB: tokenY, FeeBPS: 25, Curve: market.ConstantProduct, ProgramID: programA}
	poolB := market.Pool{ID: solana.NewWallet().PublicKey(), Venue: "b", TokenA: tokenX, TokenB: tokenY, FeeBPS: 30, Curve: market.ConstantProduct, ProgramID: programB}

	store := market.NewStore(4, 8, nil, zerolog.Nop())
	store.Register(poolA)
	store.Register(poolB)
	store.Apply(&market.PoolSnapshot{PoolID: poolA.ID, Sequence: 1, ReserveA: uint256.NewInt(1_000), ReserveB: uint256.NewInt(200_000), FeeBPS: 25, TokenA: tokenX, TokenB: tokenY})
	store.Apply(&market.PoolSnapshot{PoolID: poolB.ID, Sequence: 1, ReserveA: uint256.NewInt(250_000), ReserveB: uint256.NewInt(1_200), FeeBPS: 30, TokenA: tokenY, TokenB: tokenX})

	registry := market.NewRegistry()
	registry.Register(programA, &market.ConstantProductAdapter{})
	registry.Register(programB, &market.ConstantProductAdapter{})

	cfg := Config{
		MinNotional:    uint256.NewInt(1),
		CapitalBudget:  uint256.NewInt(100),
		MaxIterations:  24,
		MinProfitUSD:   0,
		MaxSlippageBPS: 10000,
		MaxHops:        3,
		Weights:        ConfidenceWeights{Volatility: 0.4, Length: 0.2, Degradation: 0.4},
	}
	s := New(store, registry, cfg, nil, zerolog.Nop())

	cand := market.Candidate{
		CycleID: "cycle-test",
		Hops: []market.Hop{
			{PoolID: poolA.ID, AToB: true},
			{PoolID: poolB.ID, AToB: true},
		},
		TriggerPool: poolA.ID,
	}
	return s, cand
}

func TestSolver_SolveAcceptsProfitableRoute(t *testing.T) {
	s, cand := twoHopSetup(t)
	route, err := s.Solve(cand)
	require.NoError(t, err)
	assert.True(t, route.InputAmount.Sign() > 0)
	assert.GreaterOrEqual(t, route.Confidence, 0.0)
	assert.LessOrEqual(t, route.Confidence, 1.0)
}

func TestSolver_SolveIsPure(t *testing.T) {
	s, cand := twoHopSetup(t)
	r1, err := s.Solve(cand)
	require.NoError(t, err)
	r2, err := s.Solve(cand)
	require.NoError(t, err)
	assert.Equal(t, r1.InputAmount.String(), r2.InputAmount.String())
	assert.Equal(t, r1.ExpectedOutput.String(), r2.ExpectedOutput.String())
}

func TestSolver_RejectsBelowProfitFloor(t *testing.T) {
	s, cand := twoHopSetup(t)
	s.cfg.MinProfitUSD = 1e18
	_, err := s.Solve(cand)
	assert.ErrorIs(t, err, ErrBelowFloor)
}

func TestSolver_DetectsStaleCandidate(t *testing.T) {
	s, cand := twoHopSetup(t)
	s.store.Apply(&market.PoolSnapshot{PoolID: cand.Hops[0].PoolID, Sequence: 2, ReserveA: uint256.NewInt(999), ReserveB: uint256.NewInt(200_100)})
	_, err := s.Solve(cand)
	assert.Error(t, err)
}
