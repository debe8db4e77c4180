// Package execution implements the execution coordinator: deadline
// budgeting, bundle assembly, protected-relay submission, confirmation
// polling, and outcome emission for accepted ExecutionPlans.
package execution

import (
	"context"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"github.com/solflux/arbiter/internal/events"
	"github.com/solflux/arbiter/internal/market"
	"github.com/solflux/arbiter/pkg/errkind"
	"github.com/solflux/arbiter/pkg/logger"
	"github.com/solflux/arbiter/pkg/relay"
)

// Resolver re-solves a candidate against fresh state; the coordinator calls
// it once when a pinned sequence has advanced. It is the solver's Solve
// capability exposed across the package boundary rather than importing the
// concrete solver type, keeping the coordinator solver-agnostic.
type Resolver interface {
	Solve(candidate market.Candidate) (*market.Route, error)
}

// Snapshots exposes the subset of market.Store the coordinator needs.
type Snapshots interface {
	Get(poolID solana.PublicKey) (*market.PoolSnapshot, bool)
}

// AdapterLookup resolves the adapter building instructions for a pool.
type AdapterLookup interface {
	For(programID solana.PublicKey) (market.Adapter, bool)
}

// Config holds the coordinator's tunables.
type Config struct {
	LookupTableThreshold  int
	PriorityFeeBase       uint64
	PriorityFeeMultiplier float64
	MaxSlippageBPS        float64
	RPCTimeout            time.Duration
}

// Coordinator executes accepted plans.
type Coordinator struct {
	store     Snapshots
	adapters  AdapterLookup
	resolver  Resolver
	relay     relay.Relay
	riskGate  OutcomeRecorder
	bus       *events.Bus
	cfg       Config
	log       zerolog.Logger
	poolOf    func(solana.PublicKey) (market.Pool, bool)
	signer    solana.PrivateKey
}

// OutcomeRecorder is the risk gate's RecordOutcome capability, isolated
// behind an interface so the coordinator does not import the concrete risk
// package type.
type OutcomeRecorder interface {
	RecordOutcome(venue, fingerprint string, success bool, realizedPnLUSD float64)
}

// pollInterval is how often submitAndObserve polls the relay for
// confirmation between submission and the plan's deadline.
const pollInterval = 50 * time.Millisecond

// New constructs a Coordinator.
func New(store Snapshots, adapters AdapterLookup, poolOf func(solana.PublicKey) (market.Pool, bool), resolver Resolver, r relay.Relay, riskGate OutcomeRecorder, bus *events.Bus, cfg Config, signer solana.PrivateKey, log zerolog.Logger) *Coordinator {
	return &Coordinator{
		store:    store,
		adapters: adapters,
		poolOf:   poolOf,
		resolver: resolver,
		relay:    r,
		riskGate: riskGate,
		bus:      bus,
		cfg:      cfg,
		signer:   signer,
		log:      logger.Stage(log, "execution.Coordinator"),
	}
}

// Execute drives one accepted plan to a terminal outcome: deadline budget,
// pre-validation, bundle assembly, submission, confirmation polling, and at
// most one retry on Timeout/Dropped.
func (c *Coordinator) Execute(ctx context.Context, plan *market.ExecutionPlan) market.ExecutionOutcome {
	start := time.Now()
	timings := make(map[string]time.Duration)

	ctx, cancel := context.WithDeadline(ctx, plan.Deadline)
	defer cancel()

	outcome := market.ExecutionOutcome{Fingerprint: plan.Fingerprint, SubmittedAt: start, StageTimings: timings}

	route, restaleErr := c.revalidateAndMaybeResolve(plan)
	timings["prevalidate"] = time.Since(start)
	if restaleErr != nil {
		outcome.Status = market.StatusRestaled
		outcome.ErrorCategory = errkind.Stale.String()
		outcome.FinalizedAt = time.Now()
		c.finish(plan, outcome, false, 0)
		return outcome
	}
	plan.Route = *route

	bundleStart := time.Now()
	bundle, err := c.assembleBundle(plan, 0)
	timings["assemble"] = time.Since(bundleStart)
	if err != nil {
		outcome.Status = market.StatusFailed
		outcome.ErrorCategory = errkind.ExecutionFailed.String()
		outcome.FinalizedAt = time.Now()
		c.finish(plan, outcome, false, 0)
		return outcome
	}

	result := c.submitAndObserve(ctx, plan, bundle, 0, timings)
	if (result.Status == market.StatusTimeout || result.Status == market.StatusDropped) && ctx.Err() == nil {
		result.RetryAttempted = true
		escalated, err := c.assembleBundle(plan, 1)
		if err == nil {
			result = c.submitAndObserve(ctx, plan, escalated, 1, timings)
			result.RetryAttempted = true
		}
	}

	result.Fingerprint = plan.Fingerprint
	result.SubmittedAt = start
	result.FinalizedAt = time.Now()
	result.StageTimings = timings

	success := result.Status == market.StatusConfirmed
	realizedUSD := 0.0
	if success && result.RealizedOutput != nil && plan.Route.InputAmount != nil {
		out, _ := result.RealizedOutput.Float64()
		in, _ := plan.Route.InputAmount.Float64()
		realizedUSD = out - in
	}
	c.finish(plan, result, success, realizedUSD)
	return result
}

func (c *Coordinator) finish(plan *market.ExecutionPlan, outcome market.ExecutionOutcome, success bool, realizedUSD float64) {
	venue := ""
	if len(plan.Route.Candidate.Hops) > 0 {
		poolID := plan.Route.Candidate.Hops[0].PoolID
		if pool, ok := c.poolOf(poolID); ok {
			venue = pool.Venue
		} else {
			venue = poolID.String()
		}
	}
	if c.riskGate != nil {
		c.riskGate.RecordOutcome(venue, plan.Fingerprint, success, realizedUSD)
	}
	if c.bus != nil {
		c.bus.Emit("execution.Coordinator", &events.OutcomeEmittedData{
			Fingerprint: outcome.Fingerprint,
			Status:      string(outcome.Status),
			ErrorKind:   outcome.ErrorCategory,
		})
	}
}

// revalidateAndMaybeResolve re-reads snapshots for every pinned pool; if
// any sequence advanced, it attempts exactly one re-solve against the
// fresh state.
func (c *Coordinator) revalidateAndMaybeResolve(plan *market.ExecutionPlan) (*market.Route, error) {
	stale := false
	for _, pin := range plan.Route.PinnedHops {
		snap, ok := c.store.Get(pin.PoolID)
		if !ok || snap.Sequence != pin.Sequence {
			stale = true
			break
		}
	}
	if !stale {
		return &plan.Route, nil
	}
	if c.resolver == nil {
		return nil, fmt.Errorf("execution: route restaled, no resolver configured")
	}
	fresh, err := c.resolver.Solve(plan.Route.Candidate)
	if err != nil {
		return nil, err
	}
	return fresh, nil
}

// assembleBundle builds the ordered instruction sequence for a plan:
// optional flash-loan borrow, swap instructions per hop, and settlement.
// When the summed per-hop account count exceeds the configured threshold it
// only logs that a lookup table is required; no address lookup table is
// attached to the transaction. attempt (0 = initial submission, 1 = retry)
// does not change the assembled bundle; the priority-fee escalation tier is
// applied by submitAndObserve.
func (c *Coordinator) assembleBundle(plan *market.ExecutionPlan, attempt int) (*solana.Transaction, error) {
	var instructions []solana.Instruction
	accountCount := 0

	if plan.RequiresFlashLoan {
		instructions = append(instructions, flashLoanBorrowInstruction(plan))
	}

	for _, pin := range plan.Route.PinnedHops {
		pool, ok := c.poolOf(pin.PoolID)
		if !ok {
			return nil, fmt.Errorf("execution: unknown pool %s", pin.PoolID)
		}
		adapter, ok := c.adapters.For(pool.ProgramID)
		if !ok {
			return nil, fmt.Errorf("execution: no adapter for program %s", pool.ProgramID)
		}
		hop := market.PlanHop{Pool: pool, AToB: pin.AToB, AmountIn: plan.SizedInput, MinAmountOut: c.minAmountOut(plan)}
		ix, err := adapter.BuildSwapInstruction(hop)
		if err != nil {
			return nil, err
		}
		instructions = append(instructions, ix)
		hopAccounts, err := adapter.RequiredAccounts(hop)
		if err != nil {
			return nil, err
		}
		accountCount += len(hopAccounts)
	}

	if plan.RequiresFlashLoan {
		instructions = append(instructions, flashLoanRepayInstruction(plan))
	}

	threshold := c.cfg.LookupTableThreshold
	if threshold <= 0 {
		threshold = 32
	}
	if accountCount > threshold {
		c.log.Debug().Int("accounts", accountCount).Msg("bundle exceeds single-transaction static account limit, lookup table required")
	}

	builder := solana.NewTransactionBuilder().SetFeePayer(c.signer.PublicKey())
	for _, ix := range instructions {
		builder.AddInstruction(ix)
	}
	tx, err := builder.Build()
	if err != nil {
		return nil, err
	}
	return tx, nil
}

func (c *Coordinator) minAmountOut(plan *market.ExecutionPlan) *uint256.Int {
	if plan.Route.ExpectedOutput == nil {
		return new(uint256.Int)
	}
	ceilingBPS := c.cfg.MaxSlippageBPS
	if ceilingBPS <= 0 {
		ceilingBPS = 50
	}
	slack := new(uint256.Int).Mul(plan.Route.ExpectedOutput, uint256.NewInt(uint64(ceilingBPS)))
	slack.Div(slack, uint256.NewInt(10000))
	return new(uint256.Int).Sub(plan.Route.ExpectedOutput, slack)
}

// priorityFee implements the adaptive schedule: base + multiplier *
// recent_failures_on_venue, escalated further on retry.
func (c *Coordinator) priorityFee(recentFailures int, attempt int) uint64 {
	fee := float64(c.cfg.PriorityFeeBase) + c.cfg.PriorityFeeMultiplier*float64(recentFailures)
	if attempt > 0 {
		fee *= 1.5
	}
	return uint64(fee)
}

func flashLoanBorrowInstruction(plan *market.ExecutionPlan) solana.Instruction {
	data := []byte{0xF0}
	return solana.NewInstruction(plan.Route.Candidate.Hops[0].PoolID, nil, data)
}

func flashLoanRepayInstruction(plan *market.ExecutionPlan) solana.Instruction {
	data := []byte{0xF1}
	return solana.NewInstruction(plan.Route.Candidate.Hops[0].PoolID, nil, data)
}

// submitAndObserve signs and submits bundle at the priority fee for attempt
// (0 = initial submission, 1 = retry), then polls the relay until the
// plan's deadline elapses or a terminal status is observed. The deadline is
// enforced cooperatively: every poll iteration checks ctx.Err() before
// continuing, per the spec's cancellation model.
func (c *Coordinator) submitAndObserve(ctx context.Context, plan *market.ExecutionPlan, bundle *solana.Transaction, attempt int, timings map[string]time.Duration) market.ExecutionOutcome {
	submitStart := time.Now()

	if _, err := bundle.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(c.signer.PublicKey()) {
			return &c.signer
		}
		return nil
	}); err != nil {
		return market.ExecutionOutcome{Status: market.StatusFailed, ErrorCategory: errkind.ExecutionFailed.String()}
	}

	fee := c.priorityFee(0, attempt)
	submissionID, err := c.relay.Submit(ctx, bundle, fee)
	timings["submit"] = time.Since(submitStart)
	if err != nil {
		return market.ExecutionOutcome{Status: market.StatusDropped, ErrorCategory: errkind.Transient.String()}
	}

	pollStart := time.Now()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			timings["confirm"] = time.Since(pollStart)
			return market.ExecutionOutcome{Status: market.StatusTimeout, ErrorCategory: errkind.Transient.String()}
		case <-ticker.C:
			result, err := c.relay.Poll(ctx, submissionID)
			if err != nil {
				continue
			}
			switch result.Status {
			case relay.Confirmed:
				timings["confirm"] = time.Since(pollStart)
				return market.ExecutionOutcome{Status: market.StatusConfirmed, RealizedOutput: result.ActualOut}
			case relay.Failed:
				timings["confirm"] = time.Since(pollStart)
				return market.ExecutionOutcome{Status: market.StatusFailed, ErrorCategory: errkind.ExecutionFailed.String()}
			case relay.Dropped:
				timings["confirm"] = time.Since(pollStart)
				return market.ExecutionOutcome{Status: market.StatusDropped, ErrorCategory: errkind.Transient.String()}
			}
		}
	}
}
