package risk

import (
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solflux/arbiter/internal/market"
)

func newTestGate(t *testing.T, cfg Config) *Gate {
	t.Helper()
	g := New(cfg, nil, nil, zerolog.Nop())
	go g.Run()
	t.Cleanup(g.Stop)
	return g
}

// newTestGateWithPools wires a fake poolOf resolver over the given pools, so
// tests can exercise venue-keyed state across more than one pool.
func newTestGateWithPools(t *testing.T, cfg Config, pools map[solana.PublicKey]market.Pool) *Gate {
	t.Helper()
	poolOf := func(id solana.PublicKey) (market.Pool, bool) {
		p, ok := pools[id]
		return p, ok
	}
	g := New(cfg, poolOf, nil, zerolog.Nop())
	go g.Run()
	t.Cleanup(g.Stop)
	return g
}

func sampleRoute(confidence float64) market.Route {
	poolID := solana.NewWallet().PublicKey()
	return market.Route{
		Candidate: market.Candidate{
			CycleID: "cycle-1",
			Hops:    []market.Hop{{PoolID: poolID, AToB: true}},
		},
		InputAmount:    uint256.NewInt(100),
		ExpectedOutput: uint256.NewInt(110),
		NetProfit:      uint256.NewInt(10),
		Confidence:     confidence,
	}
}

func TestGate_AcceptsAboveThresholds(t *testing.T) {
	g := newTestGate(t, Config{
		CapitalCeiling: uint256.NewInt(1_000_000),
		KellyFraction:  1.0,
		MinConfidence:  0.1,
		OpportunityTTL: 400 * time.Millisecond,
	})

	dec := g.Submit(sampleRoute(0.9))
	require.False(t, dec.Rejected)
	require.NotNil(t, dec.Plan)
	assert.NotEmpty(t, dec.Plan.Fingerprint)
}

func TestGate_DuplicateSuppression(t *testing.T) {
	g := newTestGate(t, Config{
		CapitalCeiling: uint256.NewInt(1_000_000),
		KellyFraction:  1.0,
		MinConfidence:  0.1,
	})

	route := sampleRoute(0.9)
	first := g.Submit(route)
	require.False(t, first.Rejected)

	second := g.Submit(route)
	require.True(t, second.Rejected)
	assert.Equal(t, RuleDuplicate, second.RuleID)
}

func TestGate_LowConfidenceRejected(t *testing.T) {
	g := newTestGate(t, Config{
		CapitalCeiling: uint256.NewInt(1_000_000),
		KellyFraction:  1.0,
		MinConfidence:  0.5,
	})

	dec := g.Submit(sampleRoute(0.1))
	require.True(t, dec.Rejected)
	assert.Equal(t, RuleLowConfidence, dec.RuleID)
}

func TestGate_HaltRejectsAll(t *testing.T) {
	g := newTestGate(t, Config{CapitalCeiling: uint256.NewInt(1_000_000), KellyFraction: 1.0})
	g.Halt("manual")
	dec := g.Submit(sampleRoute(0.99))
	require.True(t, dec.Rejected)
	assert.Equal(t, RuleHalted, dec.RuleID)

	g.Resume()
	assert.Equal(t, Normal, g.State())
}

func TestGate_CircuitBreakerTripsOnConsecutiveFailures(t *testing.T) {
	poolA := solana.NewWallet().PublicKey()
	poolB := solana.NewWallet().PublicKey()
	pools := map[solana.PublicKey]market.Pool{
		poolA: {ID: poolA, Venue: "dex-a"},
		poolB: {ID: poolB, Venue: "dex-a"},
	}
	g := newTestGateWithPools(t, Config{
		CapitalCeiling:              uint256.NewInt(1_000_000),
		KellyFraction:               1.0,
		MinConfidence:               0.1,
		ConsecutiveFailureThreshold: 3,
		CooldownSeconds:             60,
	}, pools)

	for i := 0; i < 3; i++ {
		g.RecordOutcome("dex-a", "fp-fail", false, 0)
	}

	// poolB is a distinct pool on the same venue as poolA: venue-keyed
	// throttle state must reject it too, not just poolA itself.
	route := market.Route{
		Candidate:   market.Candidate{CycleID: "c", Hops: []market.Hop{{PoolID: poolB, AToB: true}}},
		InputAmount: uint256.NewInt(10),
		Confidence:  0.9,
	}
	dec := g.Submit(route)
	require.True(t, dec.Rejected)
	assert.Equal(t, RuleVenueThrottled, dec.RuleID)
}

func TestGate_CapitalCeilingEnforced(t *testing.T) {
	g := newTestGate(t, Config{
		CapitalCeiling: uint256.NewInt(100),
		KellyFraction:  1.0,
		MinConfidence:  0.1,
	})

	first := g.Submit(sampleRoute(0.9))
	require.False(t, first.Rejected)

	second := g.Submit(sampleRoute(0.9))
	require.True(t, second.Rejected)
	assert.Equal(t, RuleCapitalCeiling, second.RuleID)
}
