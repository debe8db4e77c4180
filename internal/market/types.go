// Package market holds the pipeline's core data model and the sharded,
// in-memory state store that sits between the venue adapters and every
// downstream stage.
package market

import (
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/holiman/uint256"
)

// CurveKind is the closed set of pricing-curve families a venue adapter can
// implement. New venues pick an existing kind; kinds themselves rarely grow.
type CurveKind int

const (
	ConstantProduct CurveKind = iota
	ConcentratedLiquidity
	BinBased
)

func (k CurveKind) String() string {
	switch k {
	case ConstantProduct:
		return "constant_product"
	case ConcentratedLiquidity:
		return "concentrated_liquidity"
	case BinBased:
		return "bin_based"
	default:
		return "unknown"
	}
}

// Token is informational metadata about a mint, loaded once from config and
// immutable at runtime.
type Token struct {
	Mint     solana.PublicKey
	Decimals uint8
	Symbol   string
}

// Pool is a venue's liquidity account: a pair of token reserves under one
// pricing curve. Registered at startup or on adapter discovery; retired on
// adapter signal.
type Pool struct {
	ID        solana.PublicKey
	Venue     string
	TokenA    solana.PublicKey
	TokenB    solana.PublicKey
	FeeBPS    uint32
	Curve     CurveKind
	ProgramID solana.PublicKey
}

// PoolSnapshot is an immutable observation of a pool at a given sequence.
// Producers never mutate a snapshot after construction; the store only ever
// replaces the pointer behind a pool id, never the value.
type PoolSnapshot struct {
	PoolID         solana.PublicKey
	ReserveA       *uint256.Int
	ReserveB       *uint256.Int
	TickState      *TickState // non-nil only for ConcentratedLiquidity pools
	BinState       *BinState  // non-nil only for BinBased pools
	ObservedSlot   uint64
	Sequence       uint64
	SourceTime     time.Time
	FeeBPS         uint32
	TokenA         solana.PublicKey
	TokenB         solana.PublicKey
}

// TickState is the concentrated-liquidity cursor: the active tick and the
// liquidity available as the route crosses ticks in either direction.
type TickState struct {
	ActiveTick      int32
	ActiveLiquidity *uint256.Int
	TickSpacing     int32
	// Ticks maps a tick index to the net liquidity delta crossing it,
	// sparse: only initialized ticks are present.
	Ticks map[int32]*uint256.Int
}

// BinState is the bin-based (DLMM-style) cursor: the active bin and a
// sparse map of bin id to reserves, consumed in price order from the active
// bin outward.
type BinState struct {
	ActiveBinID int32
	BinStep     uint16
	BaseFeeBPS  uint32
	Bins        map[int32]BinReserves
}

// BinReserves holds one bin's two-sided liquidity.
type BinReserves struct {
	ReserveA *uint256.Int
	ReserveB *uint256.Int
}

// Hop is one leg of a cycle: a pool and the direction traversed (A->B when
// AToB is true).
type Hop struct {
	PoolID solana.PublicKey
	AToB   bool
}

// Candidate is a cycle of pools the detector believes may be profitable,
// before any quoting. Created by the detector, consumed once by the solver.
type Candidate struct {
	CycleID       string
	Hops          []Hop
	TriggerPool   solana.PublicKey
	DetectedAt    time.Time
}

// PinnedHop records the exact snapshot sequence a route was quoted against,
// so the coordinator can detect staleness before submission.
type PinnedHop struct {
	Hop
	Sequence uint64
}

// Route is a fully quoted, sized path through specific pool snapshots.
type Route struct {
	Candidate      Candidate
	PinnedHops     []PinnedHop
	InputAmount    *uint256.Int
	ExpectedOutput *uint256.Int
	HopSlippageBPS []float64
	GrossProfit    *uint256.Int
	NetProfit      *uint256.Int
	Confidence     float64
	RequiresFlashLoan bool
	FlashLoanFee   *uint256.Int
}

// PlanStatus enumerates an ExecutionOutcome's terminal states.
type PlanStatus string

const (
	StatusSubmitted PlanStatus = "submitted"
	StatusConfirmed PlanStatus = "confirmed"
	StatusFailed    PlanStatus = "failed"
	StatusExpired   PlanStatus = "expired"
	StatusTimeout   PlanStatus = "timeout"
	StatusDropped   PlanStatus = "dropped"
	StatusRestaled  PlanStatus = "restaled"
)

// ExecutionPlan is a risk-gated, deadline-bound intent to execute a route.
type ExecutionPlan struct {
	Route               Route
	SizedInput          *uint256.Int
	Deadline             time.Time
	DeadlineSlot         uint64
	Fingerprint          string
	RiskTags             []string
	RequiresFlashLoan    bool
}

// ExecutionOutcome is produced once per plan and emitted to the sink.
type ExecutionOutcome struct {
	Fingerprint      string
	Status           PlanStatus
	RealizedOutput   *uint256.Int
	ObservedSlippage float64
	SubmittedAt      time.Time
	FinalizedAt      time.Time
	StageTimings     map[string]time.Duration
	ErrorCategory    string
	DecisionPath     string // rule id that fired, for rejections
	RetryAttempted   bool
}
