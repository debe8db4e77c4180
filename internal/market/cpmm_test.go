package market

import (
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConstantProductAdapter_QuoteExactIn(t *testing.T) {
	tokenA := solana.NewWallet().PublicKey()
	tokenB := solana.NewWallet().PublicKey()

	snap := &PoolSnapshot{
		ReserveA: uint256.NewInt(1_000_000),
		ReserveB: uint256.NewInt(200_000_000),
		FeeBPS:   25,
		TokenA:   tokenA,
		TokenB:   tokenB,
	}

	a := &ConstantProductAdapter{}
	out, _, err := a.QuoteExactIn(snap, tokenA, uint256.NewInt(1_000))
	require.NoError(t, err)
	assert.True(t, out.Sign() > 0)
	assert.True(t, out.Cmp(snap.ReserveB) < 0)
}

func TestConstantProductAdapter_WrongTokenRejected(t *testing.T) {
	snap := &PoolSnapshot{
		ReserveA: uint256.NewInt(1_000),
		ReserveB: uint256.NewInt(1_000),
		TokenA:   solana.NewWallet().PublicKey(),
		TokenB:   solana.NewWallet().PublicKey(),
	}
	a := &ConstantProductAdapter{}
	_, _, err := a.QuoteExactIn(snap, solana.NewWallet().PublicKey(), uint256.NewInt(1))
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestConstantProductAdapter_InsufficientLiquidity(t *testing.T) {
	tokenA := solana.NewWallet().PublicKey()
	tokenB := solana.NewWallet().PublicKey()
	snap := &PoolSnapshot{
		ReserveA: uint256.NewInt(10),
		ReserveB: uint256.NewInt(1),
		TokenA:   tokenA,
		TokenB:   tokenB,
	}
	a := &ConstantProductAdapter{}
	_, _, err := a.QuoteExactIn(snap, tokenA, uint256.NewInt(1_000_000))
	assert.ErrorIs(t, err, ErrInsufficientLiquidity)
}
