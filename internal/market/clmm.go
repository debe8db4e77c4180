package market

import (
	"encoding/binary"
	"sort"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/holiman/uint256"
)

// ConcentratedLiquidityAdapter implements tick-based pricing: liquidity is
// distributed across a sparse set of initialized ticks around an active
// tick, and a trade walks outward from the active tick consuming whatever
// liquidity each crossed tick provides.
type ConcentratedLiquidityAdapter struct {
	AccountLayout func(accountBytes []byte) (*TickState, error)
}

func (a *ConcentratedLiquidityAdapter) Curve() CurveKind { return ConcentratedLiquidity }

func (a *ConcentratedLiquidityAdapter) Decode(accountBytes []byte, meta Pool, slot uint64) (*PoolSnapshot, error) {
	if a.AccountLayout == nil {
		return nil, ErrDecode
	}
	tickState, err := a.AccountLayout(accountBytes)
	if err != nil {
		return nil, err
	}
	return &PoolSnapshot{
		PoolID:       meta.ID,
		TickState:    tickState,
		ObservedSlot: slot,
		SourceTime:   time.Now(),
		FeeBPS:       meta.FeeBPS,
		TokenA:       meta.TokenA,
		TokenB:       meta.TokenB,
	}, nil
}

// QuoteExactIn walks ticks outward from the active tick, consuming each
// crossed tick's available liquidity as the output-side reserve until
// amountIn is exhausted. Fails if the route would need more liquidity than
// the initialized ticks provide.
func (a *ConcentratedLiquidityAdapter) QuoteExactIn(snap *PoolSnapshot, tokenIn solana.PublicKey, amountIn *uint256.Int) (*uint256.Int, float64, error) {
	if snap == nil || snap.TickState == nil {
		return nil, 0, ErrStalePool
	}
	aToB := tokenIn == snap.TokenA
	if !aToB && tokenIn != snap.TokenB {
		return nil, 0, ErrUnsupported
	}

	ticks := orderedTicks(snap.TickState, aToB)
	remaining := new(uint256.Int).Set(amountIn)
	totalOut := new(uint256.Int)
	feeMultiplier := new(uint256.Int).SetUint64(bpsDenominator - uint64(snap.FeeBPS))
	denomUnit := new(uint256.Int).SetUint64(bpsDenominator)

	for _, liquidity := range ticks {
		if remaining.IsZero() {
			break
		}
		if liquidity.IsZero() {
			continue
		}
		chunkIn := remaining
		if chunkIn.Cmp(liquidity) > 0 {
			chunkIn = liquidity
		}
		afterFee := new(uint256.Int).Mul(chunkIn, feeMultiplier)
		afterFee.Div(afterFee, denomUnit)

		totalOut.Add(totalOut, afterFee)
		remaining.Sub(remaining, chunkIn)
	}

	if !remaining.IsZero() {
		return nil, 0, ErrInsufficientLiquidity
	}
	if totalOut.IsZero() {
		return nil, 0, ErrInsufficientLiquidity
	}
	return totalOut, 0, nil
}

// orderedTicks returns available output liquidity per initialized tick,
// ordered from the active tick outward in the traversal direction.
func orderedTicks(ts *TickState, aToB bool) []*uint256.Int {
	keys := make([]int32, 0, len(ts.Ticks))
	for k := range ts.Ticks {
		keys = append(keys, k)
	}
	if aToB {
		sort.Slice(keys, func(i, j int) bool { return keys[i] > keys[j] })
	} else {
		sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	}
	out := make([]*uint256.Int, 0, len(keys)+1)
	if ts.ActiveLiquidity != nil {
		out = append(out, ts.ActiveLiquidity)
	}
	for _, k := range keys {
		if (aToB && k > ts.ActiveTick) || (!aToB && k < ts.ActiveTick) {
			continue // behind the active tick in the traversal direction
		}
		out = append(out, ts.Ticks[k])
	}
	return out
}

func (a *ConcentratedLiquidityAdapter) BuildSwapInstruction(hop PlanHop) (solana.Instruction, error) {
	accounts, err := a.RequiredAccounts(hop)
	if err != nil {
		return nil, err
	}
	data := make([]byte, 17)
	data[0] = 2 // concentrated-liquidity swap discriminator
	binary.LittleEndian.PutUint64(data[1:9], hop.AmountIn.Uint64())
	binary.LittleEndian.PutUint64(data[9:17], hop.MinAmountOut.Uint64())
	return solana.NewInstruction(hop.Pool.ProgramID, accounts, data), nil
}

func (a *ConcentratedLiquidityAdapter) RequiredAccounts(hop PlanHop) ([]*solana.AccountMeta, error) {
	return []*solana.AccountMeta{
		solana.NewAccountMeta(hop.Pool.ID, true, false),
		solana.NewAccountMeta(hop.Pool.TokenA, true, false),
		solana.NewAccountMeta(hop.Pool.TokenB, true, false),
	}, nil
}
