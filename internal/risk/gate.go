// Package risk implements the actor-style risk gate: a single goroutine
// owns every counter (fingerprints, committed capital, venue failure
// streaks, circuit-breaker state) and every external call is a message
// posted to that goroutine, so rule evaluation never needs fine-grained
// locking.
package risk

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"github.com/solflux/arbiter/internal/events"
	"github.com/solflux/arbiter/internal/market"
	"github.com/solflux/arbiter/pkg/logger"
)

// CircuitState is the gate's coarse-grained admission state.
type CircuitState string

const (
	Normal    CircuitState = "normal"
	Throttled CircuitState = "throttled"
	Halted    CircuitState = "halted"
)

// Rule identifiers attached to rejection decisions, matching the spec's
// scenario literals.
const (
	RuleHalted         = "halted"
	RuleDuplicate      = "duplicate_fingerprint"
	RuleCapitalCeiling = "capital_ceiling"
	RuleDailyLossLimit = "daily_loss_limit"
	RuleVenueThrottled = "venue_throttled"
	RuleLowConfidence  = "low_confidence"
	RuleGateSaturated  = "gate_saturated"
)

const bpsDenominator = 10000

// Decision is the gate's verdict: either an accepted ExecutionPlan or a
// rejection naming the firing rule.
type Decision struct {
	Plan     *market.ExecutionPlan
	Rejected bool
	RuleID   string
}

// Config holds the gate's thresholds, sourced from risk.* configuration.
type Config struct {
	CapitalCeiling              *uint256.Int
	DailyLossLimitUSD           float64
	ConsecutiveFailureThreshold int
	CooldownSeconds             int
	KellyFraction               float64
	MinConfidence               float64
	OpportunityTTL              time.Duration
	SlotBudget                  uint64
}

// command is a closure executed by the actor goroutine against its own
// state, the message-passing unit every public method builds and posts.
type command func(*state)

// state is the gate's counters, touched only inside the actor loop.
type state struct {
	cfg                  Config
	fingerprints         map[string]bool
	committedCapital     *uint256.Int
	dailyRealizedLossUSD float64
	consecutiveFailures  map[string]int
	venueState           map[string]CircuitState
	throttledAt          map[string]time.Time
	circuit              CircuitState
}

// Gate is the actor handle external code interacts with.
type Gate struct {
	commands chan command
	stop     chan struct{}
	bus      *events.Bus
	cfg      Config
	log      zerolog.Logger
	poolOf   func(solana.PublicKey) (market.Pool, bool)
	persist  PersistentStore
}

// New constructs a Gate. poolOf resolves a hop's pool to its Venue, so
// throttle/circuit-breaker state is tracked per venue rather than per pool —
// two pools on the same venue share one failure streak. A nil poolOf falls
// back to keying on the pool id itself (single-pool tests, stub wiring).
// Call Run in its own goroutine before posting requests.
func New(cfg Config, poolOf func(solana.PublicKey) (market.Pool, bool), bus *events.Bus, log zerolog.Logger) *Gate {
	return &Gate{
		commands: make(chan command, 256),
		stop:     make(chan struct{}),
		bus:      bus,
		cfg:      cfg,
		poolOf:   poolOf,
		log:      logger.Stage(log, "risk.Gate"),
	}
}

// venueOf resolves a pool id to its venue name via poolOf, falling back to
// the pool id's own string form when no resolver is configured or the pool
// is unknown.
func (g *Gate) venueOf(poolID solana.PublicKey) string {
	if g.poolOf != nil {
		if pool, ok := g.poolOf(poolID); ok {
			return pool.Venue
		}
	}
	return poolID.String()
}

// SetPersistence wires a durable store for per-venue circuit-breaker state.
// Call before Run; Run loads the store's contents as its starting state, and
// every subsequent venue-state transition is written back through it so a
// restarted gate does not forget a venue it had just throttled.
func (g *Gate) SetPersistence(store PersistentStore) {
	g.persist = store
}

// persistVenue writes venue's current state through the configured store,
// a no-op when none is set.
func (g *Gate) persistVenue(st *state, venue string) {
	if g.persist == nil {
		return
	}
	if err := g.persist.SaveVenueState(venue, st.venueState[venue], st.consecutiveFailures[venue], st.throttledAt[venue]); err != nil {
		g.log.Warn().Err(err).Str("venue", venue).Msg("failed to persist venue state")
	}
}

// Run is the actor loop: exactly one goroutine should call this.
func (g *Gate) Run() {
	st := &state{
		cfg:                 g.cfg,
		fingerprints:        make(map[string]bool),
		committedCapital:    new(uint256.Int),
		consecutiveFailures: make(map[string]int),
		venueState:          make(map[string]CircuitState),
		throttledAt:         make(map[string]time.Time),
		circuit:             Normal,
	}
	if g.persist != nil {
		venueState, consecutiveFailures, throttledAt, err := g.persist.LoadVenueState()
		if err != nil {
			g.log.Warn().Err(err).Msg("failed to load persisted venue state, starting clean")
		} else {
			for venue, cs := range venueState {
				st.venueState[venue] = cs
			}
			for venue, n := range consecutiveFailures {
				st.consecutiveFailures[venue] = n
			}
			for venue, at := range throttledAt {
				st.throttledAt[venue] = at
			}
		}
	}
	for {
		select {
		case cmd := <-g.commands:
			cmd(st)
		case <-g.stop:
			return
		}
	}
}

// Stop terminates the actor loop.
func (g *Gate) Stop() { close(g.stop) }

// Submit enqueues route for evaluation and blocks for the decision.
func (g *Gate) Submit(route market.Route) Decision {
	reply := make(chan Decision, 1)
	select {
	case g.commands <- func(st *state) { reply <- g.evaluate(st, route) }:
	default:
		return Decision{Rejected: true, RuleID: RuleGateSaturated}
	}
	return <-reply
}

// Halt forces the circuit breaker to Halted (manual reset required).
func (g *Gate) Halt(reason string) {
	done := make(chan struct{})
	g.commands <- func(st *state) {
		from := st.circuit
		st.circuit = Halted
		g.emitTransition(from, Halted, reason)
		close(done)
	}
	<-done
}

// Resume clears Halted back to Normal.
func (g *Gate) Resume() {
	done := make(chan struct{})
	g.commands <- func(st *state) {
		from := st.circuit
		st.circuit = Normal
		g.emitTransition(from, Normal, "operator_resume")
		close(done)
	}
	<-done
}

// State returns the current circuit-breaker state.
func (g *Gate) State() CircuitState {
	reply := make(chan CircuitState, 1)
	g.commands <- func(st *state) { reply <- st.circuit }
	return <-reply
}

// StateString reports the current circuit-breaker state as a plain string,
// the shape the control surface and metrics gauge want.
func (g *Gate) StateString() string {
	return string(g.State())
}

// RecordOutcome updates the venue's consecutive-failure streak and the
// day's realized PnL after the coordinator finalizes an outcome, then
// releases the fingerprint. Exactly one successful execution anywhere
// returns a Throttled venue to Normal after its cooldown elapses (checked
// when the success is recorded; until then Submit rejects routes through
// the venue).
func (g *Gate) RecordOutcome(venue, fingerprint string, success bool, realizedPnLUSD float64) {
	done := make(chan struct{})
	g.commands <- func(st *state) {
		delete(st.fingerprints, fingerprint)
		st.dailyRealizedLossUSD += realizedPnLUSD

		if success {
			st.consecutiveFailures[venue] = 0
			for v, vs := range st.venueState {
				if vs == Throttled && cooldownElapsed(st, v) {
					st.venueState[v] = Normal
					g.persistVenue(st, v)
				}
			}
		} else {
			st.consecutiveFailures[venue]++
			if st.consecutiveFailures[venue] >= st.cfg.ConsecutiveFailureThreshold && st.venueState[venue] != Throttled {
				st.venueState[venue] = Throttled
				st.throttledAt[venue] = time.Now()
			}
		}
		g.persistVenue(st, venue)
		close(done)
	}
	<-done
}

// evaluate applies the ordered rule set; the first rule that fires decides.
func (g *Gate) evaluate(st *state, route market.Route) Decision {
	if st.circuit == Halted {
		return g.reject(route, RuleHalted)
	}

	fp := Fingerprint(route)
	if st.fingerprints[fp] {
		return g.reject(route, RuleDuplicate)
	}

	sizedInput := kellyCappedSize(st, route)
	prospective := new(uint256.Int).Add(st.committedCapital, sizedInput)
	if st.cfg.CapitalCeiling != nil && prospective.Cmp(st.cfg.CapitalCeiling) > 0 {
		return g.reject(route, RuleCapitalCeiling)
	}

	if st.cfg.DailyLossLimitUSD > 0 && st.dailyRealizedLossUSD <= -st.cfg.DailyLossLimitUSD {
		from := st.circuit
		st.circuit = Halted
		g.emitTransition(from, Halted, "daily_loss_limit_breached")
		return g.reject(route, RuleDailyLossLimit)
	}

	for _, hop := range route.Candidate.Hops {
		venue := g.venueOf(hop.PoolID)
		if st.venueState[venue] == Throttled {
			return g.reject(route, RuleVenueThrottled)
		}
	}

	if route.Confidence < st.cfg.MinConfidence {
		return g.reject(route, RuleLowConfidence)
	}

	st.fingerprints[fp] = true
	st.committedCapital = prospective

	plan := &market.ExecutionPlan{
		Route:             route,
		SizedInput:        sizedInput,
		Deadline:          time.Now().Add(deadlineFor(st)),
		DeadlineSlot:      st.cfg.SlotBudget,
		Fingerprint:       fp,
		RequiresFlashLoan: route.RequiresFlashLoan,
	}
	if g.bus != nil {
		g.bus.Emit("risk.Gate", &events.PlanAcceptedData{Fingerprint: fp, SizedInput: sizedInput.String()})
	}
	return Decision{Plan: plan}
}

func (g *Gate) reject(route market.Route, rule string) Decision {
	if g.bus != nil {
		g.bus.Emit("risk.Gate", &events.PlanRejectedData{Fingerprint: Fingerprint(route), RuleID: rule})
	}
	return Decision{Rejected: true, RuleID: rule}
}

func (g *Gate) emitTransition(from, to CircuitState, why string) {
	if from == to || g.bus == nil {
		return
	}
	g.bus.Emit("risk.Gate", &events.CircuitBreakerChangedData{From: string(from), To: string(to), Why: why})
}

func deadlineFor(st *state) time.Duration {
	if st.cfg.OpportunityTTL <= 0 {
		return 400 * time.Millisecond
	}
	return st.cfg.OpportunityTTL
}

func cooldownElapsed(st *state, venue string) bool {
	since, ok := st.throttledAt[venue]
	if !ok {
		return true
	}
	return time.Since(since) >= time.Duration(st.cfg.CooldownSeconds)*time.Second
}

// kellyCappedSize caps the route's requested size at kelly_fraction times
// remaining capital.
func kellyCappedSize(st *state, route market.Route) *uint256.Int {
	remaining := new(uint256.Int)
	if st.cfg.CapitalCeiling != nil && st.cfg.CapitalCeiling.Cmp(st.committedCapital) > 0 {
		remaining.Sub(st.cfg.CapitalCeiling, st.committedCapital)
	}
	kellyBPS := uint64(st.cfg.KellyFraction * bpsDenominator)
	cap := new(uint256.Int).Mul(remaining, uint256.NewInt(kellyBPS))
	cap.Div(cap, uint256.NewInt(bpsDenominator))

	if route.InputAmount == nil {
		return cap
	}
	if cap.Sign() > 0 && route.InputAmount.Cmp(cap) > 0 {
		return cap
	}
	return route.InputAmount
}

// Fingerprint derives a content-addressed id from the normalized hop
// sequence, an input-size bucket, and a coarse deadline window, so near-
// simultaneous duplicate candidates collide deterministically.
func Fingerprint(route market.Route) string {
	h := sha256.New()
	for _, hop := range route.Candidate.Hops {
		fmt.Fprintf(h, "%s:%v|", hop.PoolID.String(), hop.AToB)
	}
	if route.InputAmount != nil {
		fmt.Fprintf(h, "bucket:%d|", sizeBucket(route.InputAmount))
	}
	fmt.Fprintf(h, "window:%d", time.Now().Truncate(100*time.Millisecond).UnixMilli())
	return hex.EncodeToString(h.Sum(nil))
}

// sizeBucket coarsens an input amount into an order-of-magnitude bucket so
// near-identical sizes collide for dedup purposes.
func sizeBucket(amount *uint256.Int) int {
	bucket := 0
	v := new(uint256.Int).Set(amount)
	ten := uint256.NewInt(10)
	for v.Sign() > 0 {
		v.Div(v, ten)
		bucket++
	}
	return bucket
}
