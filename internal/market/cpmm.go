package market

import (
	"encoding/binary"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/holiman/uint256"
)

const bpsDenominator = 10000

// ConstantProductAdapter implements the x*y=k curve:
// out = (amount_in * (1 - fee) * reserve_out) / (reserve_in + amount_in * (1 - fee)).
type ConstantProductAdapter struct {
	// AccountLayout decodes raw account bytes into (reserveA, reserveB).
	// Injected so tests can stub decoding without a real venue's byte
	// layout; production wiring supplies the venue's actual decoder.
	AccountLayout func(accountBytes []byte) (reserveA, reserveB *uint256.Int, err error)
}

func (a *ConstantProductAdapter) Curve() CurveKind { return ConstantProduct }

func (a *ConstantProductAdapter) Decode(accountBytes []byte, meta Pool, slot uint64) (*PoolSnapshot, error) {
	if a.AccountLayout == nil {
		return nil, ErrDecode
	}
	reserveA, reserveB, err := a.AccountLayout(accountBytes)
	if err != nil {
		return nil, err
	}
	return &PoolSnapshot{
		PoolID:       meta.ID,
		ReserveA:     reserveA,
		ReserveB:     reserveB,
		ObservedSlot: slot,
		SourceTime:   time.Now(),
		FeeBPS:       meta.FeeBPS,
		TokenA:       meta.TokenA,
		TokenB:       meta.TokenB,
	}, nil
}

func (a *ConstantProductAdapter) QuoteExactIn(snap *PoolSnapshot, tokenIn solana.PublicKey, amountIn *uint256.Int) (*uint256.Int, float64, error) {
	if snap == nil || snap.ReserveA == nil || snap.ReserveB == nil {
		return nil, 0, ErrStalePool
	}

	reserveIn, reserveOut := snap.ReserveA, snap.ReserveB
	if tokenIn == snap.TokenB {
		reserveIn, reserveOut = snap.ReserveB, snap.ReserveA
	} else if tokenIn != snap.TokenA {
		return nil, 0, ErrUnsupported
	}

	feeMultiplier := new(uint256.Int).SetUint64(bpsDenominator - uint64(snap.feeBPSOrZero()))
	denomUnit := new(uint256.Int).SetUint64(bpsDenominator)

	amountInAfterFee := new(uint256.Int).Mul(amountIn, feeMultiplier)
	amountInAfterFee.Div(amountInAfterFee, denomUnit)

	numerator := new(uint256.Int).Mul(amountInAfterFee, reserveOut)
	denominator := new(uint256.Int).Add(reserveIn, amountInAfterFee)
	if denominator.IsZero() {
		return nil, 0, ErrInsufficientLiquidity
	}
	amountOut := new(uint256.Int).Div(numerator, denominator)

	if amountOut.IsZero() || amountOut.Cmp(reserveOut) >= 0 {
		return nil, 0, ErrInsufficientLiquidity
	}

	newReserveIn := new(uint256.Int).Add(reserveIn, amountIn)
	newReserveOut := new(uint256.Int).Sub(reserveOut, amountOut)
	if newReserveOut.Sign() <= 0 || newReserveIn.Cmp(reserveIn) <= 0 {
		return nil, 0, ErrInsufficientLiquidity
	}

	priceImpactBPS := priceImpact(reserveIn, reserveOut, newReserveIn, newReserveOut)
	return amountOut, priceImpactBPS, nil
}

// priceImpact compares the pre-trade and post-trade mid-price, expressed in
// basis points. Confined to this reporting path; routing decisions never
// use it directly (Numeric Policy keeps the hot path integer-only).
func priceImpact(reserveIn, reserveOut, newReserveIn, newReserveOut *uint256.Int) float64 {
	if reserveIn.IsZero() || newReserveIn.IsZero() {
		return 0
	}
	before := ratio(reserveOut, reserveIn)
	after := ratio(newReserveOut, newReserveIn)
	if before == 0 {
		return 0
	}
	return (before - after) / before * bpsDenominator
}

func ratio(a, b *uint256.Int) float64 {
	af, _ := a.Float64()
	bf, _ := b.Float64()
	if bf == 0 {
		return 0
	}
	return af / bf
}

func (a *ConstantProductAdapter) BuildSwapInstruction(hop PlanHop) (solana.Instruction, error) {
	accounts, err := a.RequiredAccounts(hop)
	if err != nil {
		return nil, err
	}
	data := make([]byte, 17)
	data[0] = 1 // swap discriminator
	binary.LittleEndian.PutUint64(data[1:9], hop.AmountIn.Uint64())
	binary.LittleEndian.PutUint64(data[9:17], hop.MinAmountOut.Uint64())
	return solana.NewInstruction(hop.Pool.ProgramID, accounts, data), nil
}

func (a *ConstantProductAdapter) RequiredAccounts(hop PlanHop) ([]*solana.AccountMeta, error) {
	return []*solana.AccountMeta{
		solana.NewAccountMeta(hop.Pool.ID, true, false),
		solana.NewAccountMeta(hop.Pool.TokenA, true, false),
		solana.NewAccountMeta(hop.Pool.TokenB, true, false),
	}, nil
}

func (s *PoolSnapshot) feeBPSOrZero() uint32 {
	if s == nil {
		return 0
	}
	return s.FeeBPS
}
