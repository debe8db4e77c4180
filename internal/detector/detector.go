package detector

import (
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog"

	"github.com/solflux/arbiter/internal/events"
	"github.com/solflux/arbiter/internal/market"
	"github.com/solflux/arbiter/pkg/logger"
)

// Detector subscribes to pool-snapshot change notices and emits Candidate
// records past a cheap price-ratio pre-filter. It never quotes exact
// amounts; that stays the solver's job, keeping this hot path cache-
// friendly.
type Detector struct {
	store     *market.Store
	index     *CycleIndex
	bus       *events.Bus
	threshold float64 // e.g. 0.003 requires >0.3% product edge over 1.0
	out       chan market.Candidate
	log       zerolog.Logger

	droppedDegradedVenue func(poolID solana.PublicKey) bool
}

// New constructs a Detector. No degraded-venue filter is set; one installed
// later through SetDegradedVenueFilter is consulted per cycle hop to decide
// whether a candidate touching a degraded venue survives.
func New(store *market.Store, index *CycleIndex, bus *events.Bus, threshold float64, queueCapacity int, log zerolog.Logger) *Detector {
	return &Detector{
		store:     store,
		index:     index,
		bus:       bus,
		threshold: threshold,
		out:       make(chan market.Candidate, queueCapacity),
		log:       logger.Stage(log, "detector.Detector"),
	}
}

// SetDegradedVenueFilter injects the predicate used to decide whether a
// candidate touching a degraded venue should be discarded.
func (d *Detector) SetDegradedVenueFilter(f func(poolID solana.PublicKey) bool) {
	d.droppedDegradedVenue = f
}

// Candidates returns the channel of emitted candidates for the solver to
// consume.
func (d *Detector) Candidates() <-chan market.Candidate { return d.out }

// Start subscribes to the change-notice topic and begins emitting
// candidates. Call once; it runs until the bus stops delivering (process
// lifetime).
func (d *Detector) Start() {
	d.bus.Subscribe(events.PoolSnapshotApplied, 256, true, d.onChangeNotice)
}

func (d *Detector) onChangeNotice(ev events.Event) {
	data, ok := ev.Data.(*events.PoolSnapshotAppliedData)
	if !ok {
		return
	}
	poolID, err := solana.PublicKeyFromBase58(data.PoolID)
	if err != nil {
		return
	}
	d.handlePoolUpdate(poolID)
}

// handlePoolUpdate recomputes candidate cycles for the updated pool. It is
// unexported; tests in this package call it directly without routing
// through the bus.
func (d *Detector) handlePoolUpdate(poolID solana.PublicKey) {
	for _, cycle := range d.index.CyclesFor(poolID) {
		if d.droppedDegradedVenue != nil && d.cycleTouchesDegradedVenue(cycle) {
			continue
		}
		ratio, ok := d.priceRatioProduct(cycle)
		if !ok || ratio <= 1+d.threshold {
			continue
		}
		cand := market.Candidate{
			CycleID:     cycle.ID,
			Hops:        cycle.Hops,
			TriggerPool: poolID,
			DetectedAt:  time.Now(),
		}
		select {
		case d.out <- cand:
		default:
			d.log.Debug().Str("cycle", cycle.ID).Msg("candidate queue full, dropping")
			continue
		}
		if d.bus != nil {
			d.bus.Emit("detector.Detector", &events.CandidateEmittedData{
				CycleID:     cycle.ID,
				TriggerPool: poolID.String(),
				Hops:        len(cycle.Hops),
			})
		}
	}
}

func (d *Detector) cycleTouchesDegradedVenue(cycle Cycle) bool {
	for _, hop := range cycle.Hops {
		if d.droppedDegradedVenue(hop.PoolID) {
			return true
		}
	}
	return false
}

// priceRatioProduct computes the product of spot mid-prices around the
// cycle. Ok is false if any hop's pool has no snapshot yet.
func (d *Detector) priceRatioProduct(cycle Cycle) (float64, bool) {
	product := 1.0
	for _, hop := range cycle.Hops {
		snap, ok := d.store.Get(hop.PoolID)
		if !ok || snap.ReserveA == nil || snap.ReserveB == nil {
			return 0, false
		}
		a, _ := snap.ReserveA.Float64()
		b, _ := snap.ReserveB.Float64()
		if a == 0 || b == 0 {
			return 0, false
		}
		if hop.AToB {
			product *= b / a
		} else {
			product *= a / b
		}
	}
	return product, true
}
