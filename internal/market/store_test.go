package market

import (
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solflux/arbiter/internal/events"
)

func testPool(id solana.PublicKey) Pool {
	return Pool{ID: id, Venue: "test-venue", Curve: ConstantProduct}
}

func TestStore_ApplyMonotoneSequence(t *testing.T) {
	store := NewStore(16, 8, nil, zerolog.Nop())
	poolID := solana.NewWallet().PublicKey()
	store.Register(testPool(poolID))

	s1 := &PoolSnapshot{PoolID: poolID, Sequence: 5, ReserveA: uint256.NewInt(100), ReserveB: uint256.NewInt(100)}
	require.Equal(t, Applied, store.Apply(s1))

	s2 := &PoolSnapshot{PoolID: poolID, Sequence: 4, ReserveA: uint256.NewInt(90), ReserveB: uint256.NewInt(110)}
	assert.Equal(t, Stale, store.Apply(s2))

	s3 := &PoolSnapshot{PoolID: poolID, Sequence: 5, ReserveA: uint256.NewInt(200), ReserveB: uint256.NewInt(50)}
	assert.Equal(t, NoOp, store.Apply(s3))

	got, ok := store.Get(poolID)
	require.True(t, ok)
	assert.Equal(t, uint64(5), got.Sequence)
	assert.Equal(t, uint64(100), got.ReserveA.Uint64())

	s4 := &PoolSnapshot{PoolID: poolID, Sequence: 6, ReserveA: uint256.NewInt(95), ReserveB: uint256.NewInt(105)}
	assert.Equal(t, Applied, store.Apply(s4))
}

func TestStore_UnknownPool(t *testing.T) {
	store := NewStore(16, 8, nil, zerolog.Nop())
	snap := &PoolSnapshot{PoolID: solana.NewWallet().PublicKey(), Sequence: 1}
	assert.Equal(t, UnknownPool, store.Apply(snap))
}

func TestStore_PublishesChangeNoticeOnApply(t *testing.T) {
	bus := events.NewBus(zerolog.Nop())
	store := NewStore(16, 8, bus, zerolog.Nop())
	poolID := solana.NewWallet().PublicKey()
	store.Register(testPool(poolID))

	notices := make(chan string, 4)
	bus.Subscribe(events.PoolSnapshotApplied, 4, true, func(ev events.Event) {
		notices <- ev.Data.(*events.PoolSnapshotAppliedData).PoolID
	})

	store.Apply(&PoolSnapshot{PoolID: poolID, Sequence: 1, ReserveA: uint256.NewInt(1), ReserveB: uint256.NewInt(1)})

	select {
	case id := <-notices:
		assert.Equal(t, poolID.String(), id)
	case <-time.After(time.Second):
		t.Fatal("expected a change notice")
	}
}

func TestStore_HistoryRing(t *testing.T) {
	store := NewStore(4, 3, nil, zerolog.Nop())
	poolID := solana.NewWallet().PublicKey()
	store.Register(testPool(poolID))

	for seq := uint64(1); seq <= 5; seq++ {
		store.Apply(&PoolSnapshot{PoolID: poolID, Sequence: seq, ReserveA: uint256.NewInt(seq), ReserveB: uint256.NewInt(seq)})
	}

	hist := store.History(poolID)
	require.Len(t, hist, 3)
	assert.Equal(t, uint64(3), hist[0].Sequence)
	assert.Equal(t, uint64(5), hist[2].Sequence)
}
