// Package events implements the pipeline's change-notice and outcome
// pub/sub fabric: a typed Bus that stages subscribe to and emit on, grounded
// on the teacher's events.Manager/EventData pattern (typed payloads behind a
// string-keyed dispatch table) but re-keyed for the arbitrage domain.
package events

import "time"

// EventType enumerates every notice the pipeline stages exchange.
type EventType string

const (
	// PoolSnapshotApplied fires when the market state store commits a new
	// snapshot for a pool (a "change notice").
	PoolSnapshotApplied EventType = "pool_snapshot_applied"
	// CandidateEmitted fires when the detector emits a Candidate.
	CandidateEmitted EventType = "candidate_emitted"
	// RouteAccepted fires when the solver accepts a Route.
	RouteAccepted EventType = "route_accepted"
	// PlanAccepted fires when the risk gate admits an ExecutionPlan.
	PlanAccepted EventType = "plan_accepted"
	// PlanRejected fires when the risk gate rejects a candidate plan.
	PlanRejected EventType = "plan_rejected"
	// OutcomeEmitted fires when the execution coordinator finalizes an
	// ExecutionOutcome.
	OutcomeEmitted EventType = "outcome_emitted"
	// VenueDegraded fires when a venue's liveness falls below threshold.
	VenueDegraded EventType = "venue_degraded"
	// VenueRecovered fires when a previously degraded venue recovers.
	VenueRecovered EventType = "venue_recovered"
	// CircuitBreakerChanged fires on any Normal/Throttled/Halted
	// transition.
	CircuitBreakerChanged EventType = "circuit_breaker_changed"
)

// EventData is implemented by every typed payload so handlers can type-
// assert without reflecting on a bare map.
type EventData interface {
	EventType() EventType
}

// PoolSnapshotAppliedData carries the pool whose snapshot just advanced.
type PoolSnapshotAppliedData struct {
	PoolID    string
	Sequence  uint64
	Slot      uint64
	Venue     string
}

func (d *PoolSnapshotAppliedData) EventType() EventType { return PoolSnapshotApplied }

// CandidateEmittedData carries a detector candidate identifier for log
// correlation; the full Candidate travels on its own channel.
type CandidateEmittedData struct {
	CycleID      string
	TriggerPool  string
	Hops         int
}

func (d *CandidateEmittedData) EventType() EventType { return CandidateEmitted }

// RouteAcceptedData records a solver acceptance.
type RouteAcceptedData struct {
	CycleID    string
	NetProfit  float64
	Confidence float64
}

func (d *RouteAcceptedData) EventType() EventType { return RouteAccepted }

// PlanAcceptedData records a risk-gate admission.
type PlanAcceptedData struct {
	Fingerprint string
	SizedInput  string
}

func (d *PlanAcceptedData) EventType() EventType { return PlanAccepted }

// PlanRejectedData records a risk-gate rejection and the firing rule.
type PlanRejectedData struct {
	Fingerprint string
	RuleID      string
}

func (d *PlanRejectedData) EventType() EventType { return PlanRejected }

// OutcomeEmittedData records an execution outcome summary.
type OutcomeEmittedData struct {
	Fingerprint string
	Status      string
	ErrorKind   string
}

func (d *OutcomeEmittedData) EventType() EventType { return OutcomeEmitted }

// VenueDegradedData names the venue and the liveness gap observed.
type VenueDegradedData struct {
	Venue        string
	SinceLastMs  int64
}

func (d *VenueDegradedData) EventType() EventType { return VenueDegraded }

// VenueRecoveredData names the recovered venue.
type VenueRecoveredData struct {
	Venue string
}

func (d *VenueRecoveredData) EventType() EventType { return VenueRecovered }

// CircuitBreakerChangedData records a state transition.
type CircuitBreakerChangedData struct {
	From string
	To   string
	Why  string
}

func (d *CircuitBreakerChangedData) EventType() EventType { return CircuitBreakerChanged }

// Event is the envelope delivered to subscribers.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Module    string
	Data      EventData
}
