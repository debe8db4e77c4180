package events

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_DeliversToSubscriber(t *testing.T) {
	bus := NewBus(zerolog.Nop())

	var mu sync.Mutex
	var got []string

	bus.Subscribe(PoolSnapshotApplied, 4, true, func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		data := ev.Data.(*PoolSnapshotAppliedData)
		got = append(got, data.PoolID)
	})

	bus.Emit("ingestor", &PoolSnapshotAppliedData{PoolID: "pool-a", Sequence: 1})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{"pool-a"}, got)
	mu.Unlock()
}

func TestBus_DropOldestCoalescesUnderPressure(t *testing.T) {
	bus := NewBus(zerolog.Nop())

	release := make(chan struct{})
	first := make(chan struct{})
	var once sync.Once

	bus.Subscribe(PoolSnapshotApplied, 1, true, func(ev Event) {
		once.Do(func() { close(first) })
		<-release
	})

	bus.Emit("ingestor", &PoolSnapshotAppliedData{PoolID: "a"})
	<-first // ensure the handler goroutine has taken the first event and is blocked

	bus.Emit("ingestor", &PoolSnapshotAppliedData{PoolID: "b"})
	bus.Emit("ingestor", &PoolSnapshotAppliedData{PoolID: "c"})

	close(release)

	assert.GreaterOrEqual(t, bus.CoalescedTotal(), uint64(1))
}

func TestBus_RejectNewestDropsWithoutBlocking(t *testing.T) {
	bus := NewBus(zerolog.Nop())

	block := make(chan struct{})
	entered := make(chan struct{})
	var once sync.Once

	bus.Subscribe(PlanAccepted, 1, false, func(ev Event) {
		once.Do(func() { close(entered) })
		<-block
	})

	<-entered

	done := make(chan struct{})
	go func() {
		bus.Emit("risk", &PlanAcceptedData{Fingerprint: "fp1"})
		bus.Emit("risk", &PlanAcceptedData{Fingerprint: "fp2"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Emit blocked on a full reject-newest mailbox")
	}

	close(block)
}
