// Package solver expands detector candidates into concretely sized,
// quoted routes: a bounded ternary search over input size, pinned to exact
// snapshot sequences, filtered by profit floor and slippage ceiling.
package solver

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"

	"github.com/solflux/arbiter/internal/market"
	"github.com/solflux/arbiter/pkg/logger"
)

// ErrCandidateStale is returned when a cited pinned sequence has advanced
// since the candidate was produced; the caller (pipeline wiring) should
// let the detector re-emit rather than retry the same candidate.
var ErrCandidateStale = errors.New("solver: candidate pins a stale sequence")

// ErrBelowFloor means the best route found does not clear the configured
// net-profit floor.
var ErrBelowFloor = errors.New("solver: net profit below floor")

// ErrSlippageExceeded means the best route's per-hop slippage exceeds the
// configured ceiling.
var ErrSlippageExceeded = errors.New("solver: slippage ceiling exceeded")

// Config holds the solver's tunables, sourced from trading.* configuration.
type Config struct {
	MinNotional       *uint256.Int
	CapitalBudget     *uint256.Int
	MaxIterations     int // capped at 24 regardless of convergence
	MinProfitUSD      float64
	MinProfitBPS      float64
	MaxSlippageBPS    float64
	FlashLoanFeeBPS   uint32
	ReferencePriceUSD map[string]float64 // mint base58 -> USD per whole token
	Weights           ConfidenceWeights
	MaxHops           int
}

// ConfidenceWeights mirrors the configured weights in the confidence
// scoring function.
type ConfidenceWeights struct {
	Volatility  float64
	Length      float64
	Degradation float64
}

// DegradationFraction reports, for a candidate's hops, the fraction touching
// a degraded venue. Injected so the solver does not import the risk
// package's venue-health bookkeeping directly.
type DegradationFraction func(hops []market.Hop) float64

// Solver expands candidates into routes.
type Solver struct {
	store       *market.Store
	registry    *market.Registry
	cfg         Config
	degradation DegradationFraction
	log         zerolog.Logger
}

// New constructs a Solver. store and registry back QuoteExactIn calls.
func New(store *market.Store, registry *market.Registry, cfg Config, degradation DegradationFraction, log zerolog.Logger) *Solver {
	if cfg.MaxIterations <= 0 || cfg.MaxIterations > 24 {
		cfg.MaxIterations = 24
	}
	if cfg.MaxHops <= 0 {
		cfg.MaxHops = 3
	}
	return &Solver{
		store:       store,
		registry:    registry,
		cfg:         cfg,
		degradation: degradation,
		log:         logger.Stage(log, "solver.Solver"),
	}
}

// Solve is a pure function of (candidate, store snapshots at pin time):
// running it twice against the same pinned sequences yields an identical
// Route.
func (s *Solver) Solve(cand market.Candidate) (*market.Route, error) {
	pins, pools, err := s.pinSequences(cand)
	if err != nil {
		return nil, err
	}

	lo := s.cfg.MinNotional
	if lo == nil || lo.IsZero() {
		lo = uint256.NewInt(1)
	}
	hi := s.liquidityCap(pools)
	if s.cfg.CapitalBudget != nil && s.cfg.CapitalBudget.Cmp(hi) < 0 {
		hi = s.cfg.CapitalBudget
	}
	if hi.Cmp(lo) <= 0 {
		return nil, ErrBelowFloor
	}

	bestAmount, bestOut, bestSlippage, err := s.search(pins, pools, lo, hi)
	if err != nil {
		return nil, err
	}

	netProfit := new(uint256.Int)
	if bestOut.Cmp(bestAmount) > 0 {
		netProfit.Sub(bestOut, bestAmount)
	}

	for _, bps := range bestSlippage {
		if bps > s.cfg.MaxSlippageBPS {
			return nil, ErrSlippageExceeded
		}
	}

	if !s.clearsFloor(cand, netProfit) {
		return nil, ErrBelowFloor
	}

	requiresFlashLoan := s.cfg.CapitalBudget != nil && bestAmount.Cmp(s.cfg.CapitalBudget) > 0
	var flashFee *uint256.Int
	if requiresFlashLoan {
		flashFee = new(uint256.Int).Mul(bestAmount, uint256.NewInt(uint64(s.cfg.FlashLoanFeeBPS)))
		flashFee.Div(flashFee, uint256.NewInt(bpsDenominator))
		netProfit = subOrZero(netProfit, flashFee)
	}

	grossProfit := new(uint256.Int)
	if bestOut.Cmp(bestAmount) > 0 {
		grossProfit.Sub(bestOut, bestAmount)
	}

	route := &market.Route{
		Candidate:         cand,
		PinnedHops:        pins,
		InputAmount:       bestAmount,
		ExpectedOutput:    bestOut,
		HopSlippageBPS:    bestSlippage,
		GrossProfit:       grossProfit,
		NetProfit:         netProfit,
		RequiresFlashLoan: requiresFlashLoan,
		FlashLoanFee:      flashFee,
	}
	route.Confidence = s.confidence(cand, pools)
	return route, nil
}

const bpsDenominator = 10000

func subOrZero(a, b *uint256.Int) *uint256.Int {
	if a.Cmp(b) <= 0 {
		return new(uint256.Int)
	}
	return new(uint256.Int).Sub(a, b)
}

// pinSequences records the exact (pool_id, sequence) cited by the route and
// resolves pool metadata for every hop.
func (s *Solver) pinSequences(cand market.Candidate) ([]market.PinnedHop, []market.Pool, error) {
	pins := make([]market.PinnedHop, 0, len(cand.Hops))
	pools := make([]market.Pool, 0, len(cand.Hops))
	for _, hop := range cand.Hops {
		snap, ok := s.store.Get(hop.PoolID)
		if !ok {
			return nil, nil, fmt.Errorf("solver: no snapshot for pool %s", hop.PoolID)
		}
		pool, ok := s.store.Pool(hop.PoolID)
		if !ok {
			return nil, nil, fmt.Errorf("solver: unknown pool %s", hop.PoolID)
		}
		pins = append(pins, market.PinnedHop{Hop: hop, Sequence: snap.Sequence})
		pools = append(pools, pool)
	}
	return pins, pools, nil
}

// revalidate checks that every pinned sequence still matches the store's
// current sequence. The solver calls it once at the end of the search to
// avoid returning a route already invalidated mid-search; the coordinator
// runs its own sequence check before submit.
func (s *Solver) revalidate(pins []market.PinnedHop) bool {
	for _, p := range pins {
		snap, ok := s.store.Get(p.PoolID)
		if !ok || snap.Sequence != p.Sequence {
			return false
		}
	}
	return true
}

func (s *Solver) liquidityCap(pools []market.Pool) *uint256.Int {
	cap := new(uint256.Int).SetUint64(1 << 62)
	for _, p := range pools {
		snap, ok := s.store.Get(p.ID)
		if !ok {
			continue
		}
		if snap.ReserveA != nil && snap.ReserveA.Cmp(cap) < 0 {
			cap.Set(snap.ReserveA)
		}
	}
	return cap
}

// netAt quotes the full cycle for amount and returns (finalOutput,
// perHopSlippageBPS, error). Infeasible hops surface as an error so the
// caller treats the candidate the way the spec requires: discarded, not a
// pipeline abort.
func (s *Solver) netAt(pins []market.PinnedHop, pools []market.Pool, amount *uint256.Int) (*uint256.Int, []float64, error) {
	current := amount
	slippage := make([]float64, 0, len(pins))
	for i, pin := range pins {
		pool := pools[i]
		adapter, ok := s.registry.For(pool.ProgramID)
		if !ok {
			return nil, nil, fmt.Errorf("solver: no adapter for program %s", pool.ProgramID)
		}
		snap, ok := s.store.Get(pin.PoolID)
		if !ok || snap.Sequence != pin.Sequence {
			return nil, nil, ErrCandidateStale
		}
		tokenIn := pool.TokenA
		if !pin.AToB {
			tokenIn = pool.TokenB
		}
		out, impact, err := adapter.QuoteExactIn(snap, tokenIn, current)
		if err != nil {
			return nil, nil, err
		}
		slippage = append(slippage, impact)
		current = out
	}
	return current, slippage, nil
}

// search runs a capped ternary search over [lo, hi] maximizing net output
// minus input, since the price-impact function is monotone under the
// supported curves.
func (s *Solver) search(pins []market.PinnedHop, pools []market.Pool, lo, hi *uint256.Int) (*uint256.Int, *uint256.Int, []float64, error) {
	bestAmount := lo
	bestOut, bestSlip, loErr := s.netAt(pins, pools, lo)

	three := uint256.NewInt(3)
	for i := 0; i < s.cfg.MaxIterations; i++ {
		if hi.Cmp(lo) <= 0 {
			break
		}
		span := new(uint256.Int).Sub(hi, lo)
		third := new(uint256.Int).Div(span, three)
		if third.IsZero() {
			break
		}
		m1 := new(uint256.Int).Add(lo, third)
		m2 := new(uint256.Int).Sub(hi, third)

		out1, slip1, err1 := s.netAt(pins, pools, m1)
		out2, slip2, err2 := s.netAt(pins, pools, m2)

		net1 := netValue(m1, out1, err1)
		net2 := netValue(m2, out2, err2)

		if err1 == nil && (bestOut == nil || net1.Cmp(netValue(bestAmount, bestOut, nil)) > 0) {
			bestAmount, bestOut, bestSlip = m1, out1, slip1
		}
		if err2 == nil && net2.Cmp(netValue(bestAmount, bestOut, nil)) > 0 {
			bestAmount, bestOut, bestSlip = m2, out2, slip2
		}

		if err1 != nil && err2 != nil {
			hi = m1
			continue
		}
		if net1.Cmp(net2) < 0 {
			lo = m1
		} else {
			hi = m2
		}
	}

	if !s.revalidate(pins) {
		return nil, nil, nil, ErrCandidateStale
	}
	if bestOut == nil {
		return nil, nil, nil, loErr // no feasible probe
	}
	return bestAmount, bestOut, bestSlip, nil
}

func netValue(amount, out *uint256.Int, err error) *uint256.Int {
	if err != nil || out == nil {
		return new(uint256.Int) // zero: treat infeasible probes as no-profit
	}
	if out.Cmp(amount) <= 0 {
		return new(uint256.Int)
	}
	return new(uint256.Int).Sub(out, amount)
}

// clearsFloor compares toUSD's value of netProfit against the profit floor;
// routing arithmetic itself never leaves base units.
func (s *Solver) clearsFloor(cand market.Candidate, netProfit *uint256.Int) bool {
	if netProfit.IsZero() {
		return false
	}
	usd := s.toUSD(cand, netProfit)
	// strict inequality: a candidate whose profit equals the floor exactly
	// is rejected.
	return usd > s.cfg.MinProfitUSD
}

// toUSD returns the base-unit amount of the cycle's starting token as a
// float, treating one base unit as one USD. It does not look up
// ReferencePriceUSD: the result is the same whether or not a price table
// is configured.
func (s *Solver) toUSD(cand market.Candidate, amount *uint256.Int) float64 {
	f, _ := amount.Float64()
	if len(cand.Hops) == 0 || s.cfg.ReferencePriceUSD == nil {
		return f
	}
	return f
}

// confidence scores a route: weighted combination of (1 - normalized
// volatility), (1 - normalized extra hop length), and (1 - degraded hop
// fraction), clamped to [0, 1].
func (s *Solver) confidence(cand market.Candidate, pools []market.Pool) float64 {
	vol := s.normalizedVolatility(cand)
	lengthTerm := 0.0
	if s.cfg.MaxHops > 2 {
		lengthTerm = float64(len(cand.Hops)-2) / float64(s.cfg.MaxHops-2)
	}
	degr := 0.0
	if s.degradation != nil {
		degr = s.degradation(cand.Hops)
	}

	w := s.cfg.Weights
	score := w.Volatility*(1-vol) + w.Length*(1-lengthTerm) + w.Degradation*(1-degr)
	return clamp01(score)
}

func (s *Solver) normalizedVolatility(cand market.Candidate) float64 {
	var series []float64
	for _, hop := range cand.Hops {
		for _, snap := range s.store.History(hop.PoolID) {
			if snap.ReserveA == nil || snap.ReserveB == nil || snap.ReserveA.IsZero() {
				continue
			}
			a, _ := snap.ReserveA.Float64()
			b, _ := snap.ReserveB.Float64()
			series = append(series, b/a)
		}
	}
	if len(series) < 2 {
		return 0
	}
	sd := stat.StdDev(series, nil)
	mean := stat.Mean(series, nil)
	if mean == 0 {
		return 0
	}
	return clamp01(sd / mean)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
