package market

import (
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog"

	"github.com/solflux/arbiter/internal/events"
	"github.com/solflux/arbiter/pkg/logger"
)

// ApplyResult is the outcome of committing a candidate snapshot to the
// store.
type ApplyResult int

const (
	Applied ApplyResult = iota
	Stale
	UnknownPool
	NoOp
)

func (r ApplyResult) String() string {
	switch r {
	case Applied:
		return "applied"
	case Stale:
		return "stale"
	case UnknownPool:
		return "unknown_pool"
	case NoOp:
		return "no_op"
	default:
		return "invalid"
	}
}

// ring is a fixed-capacity history of a pool's recent snapshots, used by the
// solver's confidence scoring. The detector does not read it and applies no
// volatility filter.
type ring struct {
	buf  []*PoolSnapshot
	next int
	full bool
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]*PoolSnapshot, capacity)}
}

func (r *ring) push(s *PoolSnapshot) {
	r.buf[r.next] = s
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

// snapshots returns the ring's contents oldest-first.
func (r *ring) snapshots() []*PoolSnapshot {
	if !r.full {
		out := make([]*PoolSnapshot, r.next)
		copy(out, r.buf[:r.next])
		return out
	}
	out := make([]*PoolSnapshot, len(r.buf))
	for i := 0; i < len(r.buf); i++ {
		out[i] = r.buf[(r.next+i)%len(r.buf)]
	}
	return out
}

// entry holds one pool's registered metadata, its latest snapshot (behind an
// atomic pointer for lock-free reads), and its history ring (guarded by the
// owning shard's mutex, since only the writer touches it).
type entry struct {
	pool     Pool
	latest   atomic.Pointer[PoolSnapshot]
	history  *ring
}

// shard is a single-writer-many-readers partition of the pool space.
// Readers dereference entry.latest without taking the mutex; the mutex
// serializes the compare-and-swap-by-sequence writers perform.
type shard struct {
	mu      sync.Mutex
	entries map[solana.PublicKey]*entry
}

// Store is the sharded, in-memory market state store. It is strictly
// memory-resident: durability is not a goal, since state is reconstructible
// from the chain.
type Store struct {
	shards     []*shard
	shardCount uint32
	ringSize   int
	bus        *events.Bus
	log        zerolog.Logger
}

// NewStore builds a Store with shardCount shards (must be a power of two)
// and a per-pool history ring of ringSize. bus may be nil, in which case
// Apply commits snapshots without publishing change notices (used by tests
// that only exercise store semantics).
func NewStore(shardCount, ringSize int, bus *events.Bus, log zerolog.Logger) *Store {
	s := &Store{
		shards:     make([]*shard, shardCount),
		shardCount: uint32(shardCount),
		ringSize:   ringSize,
		bus:        bus,
		log:        logger.Stage(log, "market.Store"),
	}
	for i := range s.shards {
		s.shards[i] = &shard{entries: make(map[solana.PublicKey]*entry)}
	}
	return s
}

func (s *Store) shardFor(id solana.PublicKey) *shard {
	h := fnv.New32a()
	_, _ = h.Write(id[:])
	return s.shards[h.Sum32()%s.shardCount]
}

// Register adds a pool's metadata to the store. Idempotent; re-registering
// an already-known pool id is a no-op on its snapshot state.
func (s *Store) Register(pool Pool) {
	sh := s.shardFor(pool.ID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, ok := sh.entries[pool.ID]; ok {
		return
	}
	sh.entries[pool.ID] = &entry{pool: pool, history: newRing(s.ringSize)}
}

// Retire removes a pool from the store on adapter signal.
func (s *Store) Retire(poolID solana.PublicKey) {
	sh := s.shardFor(poolID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	delete(sh.entries, poolID)
}

// Apply commits snap if its sequence is strictly greater than the currently
// stored sequence for its pool. Equal sequence is a NoOp; lower sequence is
// Stale; an unregistered pool id is UnknownPool.
func (s *Store) Apply(snap *PoolSnapshot) ApplyResult {
	sh := s.shardFor(snap.PoolID)

	sh.mu.Lock()
	e, ok := sh.entries[snap.PoolID]
	if !ok {
		sh.mu.Unlock()
		return UnknownPool
	}

	cur := e.latest.Load()
	if cur != nil {
		if snap.Sequence < cur.Sequence {
			sh.mu.Unlock()
			return Stale
		}
		if snap.Sequence == cur.Sequence {
			sh.mu.Unlock()
			return NoOp
		}
	}

	e.latest.Store(snap)
	e.history.push(snap)
	sh.mu.Unlock()

	if s.bus != nil {
		s.bus.Emit("market.Store", &events.PoolSnapshotAppliedData{
			PoolID:   snap.PoolID.String(),
			Sequence: snap.Sequence,
			Slot:     snap.ObservedSlot,
			Venue:    e.pool.Venue,
		})
	}
	return Applied
}

// Get returns the latest snapshot for poolID, or false if none has been
// applied yet (or the pool is unknown).
func (s *Store) Get(poolID solana.PublicKey) (*PoolSnapshot, bool) {
	sh := s.shardFor(poolID)
	sh.mu.Lock()
	e, ok := sh.entries[poolID]
	sh.mu.Unlock()
	if !ok {
		return nil, false
	}
	snap := e.latest.Load()
	return snap, snap != nil
}

// Pool returns the registered metadata for poolID.
func (s *Store) Pool(poolID solana.PublicKey) (Pool, bool) {
	sh := s.shardFor(poolID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.entries[poolID]
	if !ok {
		return Pool{}, false
	}
	return e.pool, true
}

// History returns the last K snapshots for poolID, oldest-first.
func (s *Store) History(poolID solana.PublicKey) []*PoolSnapshot {
	sh := s.shardFor(poolID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.entries[poolID]
	if !ok {
		return nil
	}
	return e.history.snapshots()
}

// Now is overridable in tests; production code always uses time.Now.
var Now = time.Now
