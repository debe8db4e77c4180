// Package ingestor implements the stream ingestor: it consumes a push
// stream of (account_id, bytes, slot) events from the external streaming
// interface, dispatches each to its owning venue adapter, commits decoded
// snapshots to the market state store, and tracks per-venue liveness.
package ingestor

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog"

	"github.com/solflux/arbiter/internal/market"
	"github.com/solflux/arbiter/pkg/logger"
)

// AccountUpdate is one raw event off the push stream: a pool's account
// bytes observed at a given slot.
type AccountUpdate struct {
	PoolID solana.PublicKey
	Bytes  []byte
	Slot   uint64
}

// AccountStream is the external streaming collaborator's contract: Recv
// blocks for the next update or returns an error on transport failure (the
// caller reconnects with backoff); Close releases the underlying
// connection. A real implementation wraps a gRPC bidirectional stream
// (e.g. a Yellowstone-Geyser-style subscription) — this engine does not
// vendor or regenerate that protobuf service, per the spec's treatment of
// the streaming interface as an external collaborator.
type AccountStream interface {
	Recv(ctx context.Context) (AccountUpdate, error)
	Close() error
}

// Dialer opens a fresh AccountStream, used on initial connect and every
// reconnect attempt.
type Dialer func(ctx context.Context) (AccountStream, error)

// venueQueue coalesces pending updates for one venue down to the latest
// per pool id: a full queue drops the older event for the same account
// rather than blocking, trading completeness for recency per the spec's
// backpressure policy.
type venueQueue struct {
	mu      sync.Mutex
	pending map[solana.PublicKey]AccountUpdate
	signal  chan struct{}
}

func newVenueQueue() *venueQueue {
	return &venueQueue{pending: make(map[solana.PublicKey]AccountUpdate), signal: make(chan struct{}, 1)}
}

// push stages upd, coalescing with any not-yet-drained update for the same
// pool. Returns true if an older pending update for this pool was replaced
// (a coalesce, for the metric counter).
func (q *venueQueue) push(upd AccountUpdate) bool {
	q.mu.Lock()
	_, existed := q.pending[upd.PoolID]
	q.pending[upd.PoolID] = upd
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return existed
}

// drain removes and returns one pending update, arbitrary order (the
// store's sequence-based Apply makes drain order within a venue harmless).
func (q *venueQueue) drain() (AccountUpdate, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for id, upd := range q.pending {
		delete(q.pending, id)
		return upd, true
	}
	return AccountUpdate{}, false
}

// PoolMeta resolves a pool id to its registered metadata (venue name,
// program id, fee, curve), the routing table the ingestor needs to dispatch
// decoded bytes to the right adapter and track per-venue liveness.
type PoolMeta interface {
	Pool(poolID solana.PublicKey) (market.Pool, bool)
}

// SequenceAllocator assigns the monotonic sequence number Decode leaves
// unset, since the chain provides no sequence of its own.
type SequenceAllocator struct {
	mu      sync.Mutex
	nextSeq map[solana.PublicKey]uint64
}

func NewSequenceAllocator() *SequenceAllocator {
	return &SequenceAllocator{nextSeq: make(map[solana.PublicKey]uint64)}
}

func (a *SequenceAllocator) Next(poolID solana.PublicKey) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nextSeq[poolID]++
	return a.nextSeq[poolID]
}

// Config holds the ingestor's tunables.
type Config struct {
	DegradedAfter  time.Duration // venue liveness threshold
	ReconnectMinMs int
	ReconnectMaxMs int
	// MaxConsecutiveFailures bounds how many dial-or-drop cycles in a row at
	// full backoff the ingestor tolerates before Run gives up and returns
	// ErrUnrecoverable; 0 means retry forever. The host process maps that
	// error to its unrecoverable-streaming-failure exit code.
	MaxConsecutiveFailures int
}

// ErrUnrecoverable is returned by Run once MaxConsecutiveFailures reconnect
// attempts in a row have failed at the backoff ceiling.
var ErrUnrecoverable = fmt.Errorf("ingestor: exceeded max consecutive reconnect failures")

// Ingestor dispatches account updates to adapters, commits snapshots to the
// store, and reports venue liveness.
type Ingestor struct {
	store    *market.Store
	registry *market.Registry
	pools    PoolMeta
	seq      *SequenceAllocator
	cfg      Config
	log      zerolog.Logger

	mu            sync.Mutex
	queues        map[string]*venueQueue
	workers       map[string]bool
	lastEventAt   map[string]time.Time
	degraded      map[string]bool
	coalescedTotal uint64

	onDegraded  func(venue string)
	onRecovered func(venue string)
}

// New constructs an Ingestor with no degrade/recover hooks set; see
// SetDegradedHooks.
func New(store *market.Store, registry *market.Registry, pools PoolMeta, cfg Config, log zerolog.Logger) *Ingestor {
	if cfg.DegradedAfter <= 0 {
		cfg.DegradedAfter = 5 * time.Second
	}
	if cfg.ReconnectMinMs <= 0 {
		cfg.ReconnectMinMs = 250
	}
	if cfg.ReconnectMaxMs <= 0 {
		cfg.ReconnectMaxMs = 30000
	}
	return &Ingestor{
		store:       store,
		registry:    registry,
		pools:       pools,
		seq:         NewSequenceAllocator(),
		cfg:         cfg,
		log:         logger.Stage(log, "ingestor.Ingestor"),
		queues:      make(map[string]*venueQueue),
		workers:     make(map[string]bool),
		lastEventAt: make(map[string]time.Time),
		degraded:    make(map[string]bool),
	}
}

// SetDegradedHooks wires the callbacks fired on venue degrade/recover
// transitions. Either may be nil. Routing decisions read Degraded directly
// rather than relying on these hooks.
func (ig *Ingestor) SetDegradedHooks(onDegraded, onRecovered func(venue string)) {
	ig.onDegraded = onDegraded
	ig.onRecovered = onRecovered
}

// Run connects via dial, consumes updates until ctx is cancelled or the
// stream errors, then reconnects with exponential jittered backoff
// (250ms -> 30s), resubscribing fully on every reconnect.
func (ig *Ingestor) Run(ctx context.Context, dial Dialer) error {
	backoff := time.Duration(ig.cfg.ReconnectMinMs) * time.Millisecond
	maxBackoff := time.Duration(ig.cfg.ReconnectMaxMs) * time.Millisecond
	consecutiveFailures := 0

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		stream, err := dial(ctx)
		if err != nil {
			ig.log.Warn().Err(err).Dur("backoff", backoff).Msg("stream connect failed, retrying")
			if ig.atFailureLimit(backoff, maxBackoff, &consecutiveFailures) {
				return ErrUnrecoverable
			}
			if !sleepOrDone(ctx, jitter(backoff)) {
				return ctx.Err()
			}
			backoff = nextBackoff(backoff, maxBackoff)
			continue
		}
		backoff = time.Duration(ig.cfg.ReconnectMinMs) * time.Millisecond
		consecutiveFailures = 0

		err = ig.consume(ctx, stream)
		stream.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		ig.log.Warn().Err(err).Dur("backoff", backoff).Msg("stream dropped, reconnecting")
		if ig.atFailureLimit(backoff, maxBackoff, &consecutiveFailures) {
			return ErrUnrecoverable
		}
		if !sleepOrDone(ctx, jitter(backoff)) {
			return ctx.Err()
		}
		backoff = nextBackoff(backoff, maxBackoff)
	}
}

// consume reads updates off stream until it errors, fanning each into its
// venue's coalescing queue and kicking a worker goroutine per venue (lazily
// started) to decode and apply.
func (ig *Ingestor) consume(ctx context.Context, stream AccountStream) error {
	for {
		upd, err := stream.Recv(ctx)
		if err != nil {
			return err
		}
		pool, ok := ig.pools.Pool(upd.PoolID)
		if !ok {
			continue // unregistered pool id, not the ingestor's problem
		}
		ig.mu.Lock()
		q, ok := ig.queues[pool.Venue]
		if !ok {
			q = newVenueQueue()
			ig.queues[pool.Venue] = q
		}
		ig.lastEventAt[pool.Venue] = time.Now()
		wasDegraded := ig.degraded[pool.Venue]
		if wasDegraded {
			ig.degraded[pool.Venue] = false
		}
		needsWorker := !ig.workers[pool.Venue]
		if needsWorker {
			ig.workers[pool.Venue] = true
		}
		ig.mu.Unlock()

		if wasDegraded && ig.onRecovered != nil {
			ig.onRecovered(pool.Venue)
		}

		if q.push(upd) {
			ig.mu.Lock()
			ig.coalescedTotal++
			ig.mu.Unlock()
		}

		if needsWorker {
			go ig.runVenueWorker(ctx, pool.Venue, q)
		}
	}
}

// runVenueWorker drains one venue's coalescing queue, decoding and applying
// updates as they arrive.
func (ig *Ingestor) runVenueWorker(ctx context.Context, venue string, q *venueQueue) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.signal:
			for {
				upd, ok := q.drain()
				if !ok {
					break
				}
				ig.handle(upd)
			}
		}
	}
}

func (ig *Ingestor) handle(upd AccountUpdate) {
	pool, ok := ig.pools.Pool(upd.PoolID)
	if !ok {
		return
	}
	adapter, ok := ig.registry.For(pool.ProgramID)
	if !ok {
		ig.log.Debug().Str("pool", upd.PoolID.String()).Msg("no adapter registered for program")
		return
	}
	snap, err := adapter.Decode(upd.Bytes, pool, upd.Slot)
	if err != nil {
		ig.log.Debug().Err(err).Str("pool", upd.PoolID.String()).Msg("decode failed")
		return
	}
	snap.Sequence = ig.seq.Next(upd.PoolID)
	ig.store.Apply(snap)
}

// CoalescedTotal reports how many updates were dropped in favor of a newer
// update for the same account (the change_notices_coalesced_total counter).
func (ig *Ingestor) CoalescedTotal() uint64 {
	ig.mu.Lock()
	defer ig.mu.Unlock()
	return ig.coalescedTotal
}

// SweepLiveness marks any venue whose last event exceeds the degraded
// threshold as Degraded, firing onDegraded once per transition. Intended to
// be driven by a periodic scheduler tick.
func (ig *Ingestor) SweepLiveness() {
	ig.mu.Lock()
	now := time.Now()
	var newlyDegraded []string
	for venue, last := range ig.lastEventAt {
		if !ig.degraded[venue] && now.Sub(last) > ig.cfg.DegradedAfter {
			ig.degraded[venue] = true
			newlyDegraded = append(newlyDegraded, venue)
		}
	}
	ig.mu.Unlock()
	if ig.onDegraded != nil {
		for _, v := range newlyDegraded {
			ig.onDegraded(v)
		}
	}
}

// Degraded reports whether venue is currently flagged degraded.
func (ig *Ingestor) Degraded(venue string) bool {
	ig.mu.Lock()
	defer ig.mu.Unlock()
	return ig.degraded[venue]
}

func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	delta := time.Duration(rand.Int63n(int64(d) / 2))
	return d/2 + delta
}

// atFailureLimit counts a failure toward MaxConsecutiveFailures only once
// backoff has reached its ceiling (the "after max retries" condition), and
// reports whether the limit has now been reached.
func (ig *Ingestor) atFailureLimit(backoff, maxBackoff time.Duration, count *int) bool {
	if ig.cfg.MaxConsecutiveFailures <= 0 || backoff < maxBackoff {
		return false
	}
	*count++
	return *count >= ig.cfg.MaxConsecutiveFailures
}

func nextBackoff(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next > max {
		return max
	}
	return next
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
