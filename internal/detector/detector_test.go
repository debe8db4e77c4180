package detector

import (
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solflux/arbiter/internal/events"
	"github.com/solflux/arbiter/internal/market"
)

func setupTwoHopCycle(t *testing.T) (*market.Store, *CycleIndex, market.Pool, market.Pool) {
	t.Helper()
	tokenX := solana.NewWallet().PublicKey()
	tokenY := solana.NewWallet().PublicKey()

	poolA := market.Pool{ID: solana.NewWallet().PublicKey(), Venue: "a", TokenA: tokenX, TokenB: tokenY, FeeBPS: 25, Curve: market.ConstantProduct}
	poolB := market.Pool{ID: solana.NewWallet().PublicKey(), Venue: "b", TokenA: tokenX, TokenB: tokenY, FeeBPS: 30, Curve: market.ConstantProduct}

	store := market.NewStore(4, 8, nil, zerolog.Nop())
	store.Register(poolA)
	store.Register(poolB)

	index := NewCycleIndex()
	for _, c := range BuildCycles([]market.Pool{poolA, poolB}) {
		index.AddCycle(c)
	}
	return store, index, poolA, poolB
}

func TestDetector_EmitsCandidateAboveThreshold(t *testing.T) {
	store, index, poolA, poolB := setupTwoHopCycle(t)
	bus := events.NewBus(zerolog.Nop())
	d := New(store, index, bus, 0.001, 8, zerolog.Nop())

	store.Apply(&market.PoolSnapshot{PoolID: poolA.ID, Sequence: 1, ReserveA: uint256.NewInt(1000), ReserveB: uint256.NewInt(200_000)})
	store.Apply(&market.PoolSnapshot{PoolID: poolB.ID, Sequence: 1, ReserveA: uint256.NewInt(1200), ReserveB: uint256.NewInt(250_000)})

	d.handlePoolUpdate(poolA.ID)

	select {
	case cand := <-d.Candidates():
		assert.Equal(t, poolA.ID, cand.TriggerPool)
		assert.NotEmpty(t, cand.Hops)
	case <-time.After(time.Second):
		t.Fatal("expected a candidate")
	}
}

func TestDetector_SkipsWhenMissingSnapshot(t *testing.T) {
	store, index, poolA, _ := setupTwoHopCycle(t)
	bus := events.NewBus(zerolog.Nop())
	d := New(store, index, bus, 0.001, 8, zerolog.Nop())

	d.handlePoolUpdate(poolA.ID)

	select {
	case <-d.Candidates():
		t.Fatal("expected no candidate without both snapshots")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDetector_DiscardsCandidateOnDegradedVenue(t *testing.T) {
	store, index, poolA, poolB := setupTwoHopCycle(t)
	bus := events.NewBus(zerolog.Nop())
	d := New(store, index, bus, 0.001, 8, zerolog.Nop())
	d.SetDegradedVenueFilter(func(poolID solana.PublicKey) bool { return poolID == poolB.ID })

	store.Apply(&market.PoolSnapshot{PoolID: poolA.ID, Sequence: 1, ReserveA: uint256.NewInt(1000), ReserveB: uint256.NewInt(200_000)})
	store.Apply(&market.PoolSnapshot{PoolID: poolB.ID, Sequence: 1, ReserveA: uint256.NewInt(1200), ReserveB: uint256.NewInt(250_000)})

	d.handlePoolUpdate(poolA.ID)

	select {
	case <-d.Candidates():
		t.Fatal("expected candidate discarded due to degraded venue")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBuildCycles_TwoHop(t *testing.T) {
	_, _, poolA, poolB := setupTwoHopCycle(t)
	cycles := BuildCycles([]market.Pool{poolA, poolB})
	require.Len(t, cycles, 2)
	assert.Len(t, cycles[0].Hops, 2)
	assert.Len(t, cycles[1].Hops, 2)

	// Both trade directions around the pair must be present: one cycle
	// enters through poolA, the other through poolB.
	entryPools := []solana.PublicKey{cycles[0].Hops[0].PoolID, cycles[1].Hops[0].PoolID}
	assert.ElementsMatch(t, entryPools, []solana.PublicKey{poolA.ID, poolB.ID})
	assert.NotEqual(t, cycles[0].ID, cycles[1].ID)
}
