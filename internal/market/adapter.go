package market

import (
	"errors"

	"github.com/gagliardetto/solana-go"
	"github.com/holiman/uint256"
)

// Sentinel adapter errors. Adapters return these as data, never panics; the
// pipeline never aborts on them.
var (
	ErrStalePool            = errors.New("market: stale pool")
	ErrInsufficientLiquidity = errors.New("market: insufficient liquidity")
	ErrDecode               = errors.New("market: decode error")
	ErrUnsupported          = errors.New("market: unsupported operation")
)

// PlanHop is the input to build_swap_instruction / required_accounts: one
// pinned hop of an accepted route, sized.
type PlanHop struct {
	Pool       Pool
	AToB       bool
	AmountIn   *uint256.Int
	MinAmountOut *uint256.Int
}

// Adapter translates one venue's raw account bytes into PoolSnapshots and
// quote functions. Implementations are pure: no I/O, no shared mutable
// state beyond what is passed in. New venues implement this fixed
// four-operation contract rather than a deep interface hierarchy; curve
// kinds rarely grow.
type Adapter interface {
	// Decode parses raw account bytes for a registered pool into a
	// PoolSnapshot. The sequence number is assigned by the caller (the
	// ingestor), not by Decode, since the chain provides no sequence of
	// its own.
	Decode(accountBytes []byte, meta Pool, slot uint64) (*PoolSnapshot, error)

	// QuoteExactIn computes the output amount and price impact (in basis
	// points) for trading amountIn of tokenIn against snap. Numerically
	// stable for amounts up to 2^63 base units; rounds toward zero.
	QuoteExactIn(snap *PoolSnapshot, tokenIn solana.PublicKey, amountIn *uint256.Int) (amountOut *uint256.Int, priceImpactBPS float64, err error)

	// BuildSwapInstruction assembles the opaque instruction for one hop.
	BuildSwapInstruction(hop PlanHop) (solana.Instruction, error)

	// RequiredAccounts lists the accounts a hop's instruction will touch,
	// for transaction/lookup-table assembly.
	RequiredAccounts(hop PlanHop) ([]*solana.AccountMeta, error)

	// Curve reports the curve kind this adapter implements.
	Curve() CurveKind
}

// Registry maps a venue's program id to its Adapter, the routing table the
// stream ingestor builds at startup to dispatch decoded account updates.
type Registry struct {
	byProgram map[solana.PublicKey]Adapter
}

func NewRegistry() *Registry {
	return &Registry{byProgram: make(map[solana.PublicKey]Adapter)}
}

func (r *Registry) Register(programID solana.PublicKey, adapter Adapter) {
	r.byProgram[programID] = adapter
}

func (r *Registry) For(programID solana.PublicKey) (Adapter, bool) {
	a, ok := r.byProgram[programID]
	return a, ok
}
