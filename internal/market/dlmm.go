package market

import (
	"encoding/binary"
	"sort"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/holiman/uint256"
)

// BinBasedAdapter implements bin-liquidity pricing (DLMM-style): reserves
// are distributed across discrete price bins, and a trade consumes bins in
// price order starting from the active bin, applying the bin's dynamic fee.
type BinBasedAdapter struct {
	AccountLayout func(accountBytes []byte) (*BinState, error)
}

func (a *BinBasedAdapter) Curve() CurveKind { return BinBased }

func (a *BinBasedAdapter) Decode(accountBytes []byte, meta Pool, slot uint64) (*PoolSnapshot, error) {
	if a.AccountLayout == nil {
		return nil, ErrDecode
	}
	binState, err := a.AccountLayout(accountBytes)
	if err != nil {
		return nil, err
	}
	return &PoolSnapshot{
		PoolID:       meta.ID,
		BinState:     binState,
		ObservedSlot: slot,
		SourceTime:   time.Now(),
		FeeBPS:       meta.FeeBPS,
		TokenA:       meta.TokenA,
		TokenB:       meta.TokenB,
	}, nil
}

func (a *BinBasedAdapter) QuoteExactIn(snap *PoolSnapshot, tokenIn solana.PublicKey, amountIn *uint256.Int) (*uint256.Int, float64, error) {
	if snap == nil || snap.BinState == nil {
		return nil, 0, ErrStalePool
	}
	aToB := tokenIn == snap.TokenA
	if !aToB && tokenIn != snap.TokenB {
		return nil, 0, ErrUnsupported
	}

	bs := snap.BinState
	ids := orderedBinIDs(bs, aToB)

	remaining := new(uint256.Int).Set(amountIn)
	totalOut := new(uint256.Int)
	denomUnit := new(uint256.Int).SetUint64(bpsDenominator)

	for _, id := range ids {
		if remaining.IsZero() {
			break
		}
		bin := bs.Bins[id]
		outSide := bin.ReserveB
		if !aToB {
			outSide = bin.ReserveA
		}
		if outSide == nil || outSide.IsZero() {
			continue
		}

		feeBPS := bs.BaseFeeBPS + dynamicFeeSurcharge(id, bs.ActiveBinID)
		if feeBPS > bpsDenominator {
			feeBPS = bpsDenominator
		}
		feeMultiplier := new(uint256.Int).SetUint64(bpsDenominator - uint64(feeBPS))

		afterFee := new(uint256.Int).Mul(remaining, feeMultiplier)
		afterFee.Div(afterFee, denomUnit)

		chunkOut := afterFee
		consumedIn := remaining
		if chunkOut.Cmp(outSide) > 0 {
			chunkOut = outSide
			// invert the fee calc to find how much input this bin
			// actually absorbs for the capped output
			consumedIn = new(uint256.Int).Mul(chunkOut, denomUnit)
			consumedIn.Div(consumedIn, feeMultiplier)
			if consumedIn.Cmp(remaining) > 0 {
				consumedIn = remaining
			}
		}

		totalOut.Add(totalOut, chunkOut)
		remaining.Sub(remaining, consumedIn)
	}

	if !remaining.IsZero() {
		return nil, 0, ErrInsufficientLiquidity
	}
	if totalOut.IsZero() {
		return nil, 0, ErrInsufficientLiquidity
	}
	return totalOut, 0, nil
}

// dynamicFeeSurcharge grows with distance from the active bin, approximating
// a DLMM's volatility-driven variable fee component.
func dynamicFeeSurcharge(binID, activeBinID int32) uint32 {
	d := binID - activeBinID
	if d < 0 {
		d = -d
	}
	return uint32(d) * 2
}

func orderedBinIDs(bs *BinState, aToB bool) []int32 {
	ids := make([]int32, 0, len(bs.Bins))
	for id := range bs.Bins {
		ids = append(ids, id)
	}
	if aToB {
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	} else {
		sort.Slice(ids, func(i, j int) bool { return ids[i] > ids[j] })
	}
	// Start from the active bin outward: partition into
	// [activeBin, ...ascending/descending...] by re-sorting on distance.
	sort.SliceStable(ids, func(i, j int) bool {
		di, dj := distance(ids[i], bs.ActiveBinID), distance(ids[j], bs.ActiveBinID)
		return di < dj
	})
	return ids
}

func distance(a, b int32) int32 {
	d := a - b
	if d < 0 {
		return -d
	}
	return d
}

func (a *BinBasedAdapter) BuildSwapInstruction(hop PlanHop) (solana.Instruction, error) {
	accounts, err := a.RequiredAccounts(hop)
	if err != nil {
		return nil, err
	}
	data := make([]byte, 17)
	data[0] = 3 // bin-based swap discriminator
	binary.LittleEndian.PutUint64(data[1:9], hop.AmountIn.Uint64())
	binary.LittleEndian.PutUint64(data[9:17], hop.MinAmountOut.Uint64())
	return solana.NewInstruction(hop.Pool.ProgramID, accounts, data), nil
}

func (a *BinBasedAdapter) RequiredAccounts(hop PlanHop) ([]*solana.AccountMeta, error) {
	return []*solana.AccountMeta{
		solana.NewAccountMeta(hop.Pool.ID, true, false),
		solana.NewAccountMeta(hop.Pool.TokenA, true, false),
		solana.NewAccountMeta(hop.Pool.TokenB, true, false),
	}, nil
}
