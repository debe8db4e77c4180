package market

import (
	"encoding/binary"

	"github.com/holiman/uint256"
)

// DecodeConstantProductLayout reads a fixed 16-byte reserve pair
// (little-endian u64 reserveA, u64 reserveB), the layout a constant-product
// pool's on-chain account exposes once past its discriminator/header bytes.
func DecodeConstantProductLayout(accountBytes []byte) (reserveA, reserveB *uint256.Int, err error) {
	if len(accountBytes) < 16 {
		return nil, nil, ErrDecode
	}
	a := binary.LittleEndian.Uint64(accountBytes[0:8])
	b := binary.LittleEndian.Uint64(accountBytes[8:16])
	return uint256.NewInt(a), uint256.NewInt(b), nil
}

// DecodeConcentratedLiquidityLayout reads an active tick cursor followed by
// a flat array of (tick_index int32, liquidity_delta u64) entries:
// [activeTick int32][activeLiquidity u64][tickSpacing int32][count u32]
// then count * (int32, u64) entries.
func DecodeConcentratedLiquidityLayout(accountBytes []byte) (*TickState, error) {
	const headerLen = 4 + 8 + 4 + 4
	if len(accountBytes) < headerLen {
		return nil, ErrDecode
	}
	ts := &TickState{
		ActiveTick:      int32(binary.LittleEndian.Uint32(accountBytes[0:4])),
		ActiveLiquidity: uint256.NewInt(binary.LittleEndian.Uint64(accountBytes[4:12])),
		TickSpacing:     int32(binary.LittleEndian.Uint32(accountBytes[12:16])),
		Ticks:           make(map[int32]*uint256.Int),
	}
	count := binary.LittleEndian.Uint32(accountBytes[16:20])
	offset := headerLen
	const entryLen = 4 + 8
	for i := uint32(0); i < count; i++ {
		if offset+entryLen > len(accountBytes) {
			return nil, ErrDecode
		}
		tick := int32(binary.LittleEndian.Uint32(accountBytes[offset : offset+4]))
		liquidity := binary.LittleEndian.Uint64(accountBytes[offset+4 : offset+entryLen])
		ts.Ticks[tick] = uint256.NewInt(liquidity)
		offset += entryLen
	}
	return ts, nil
}

// DecodeBinBasedLayout reads an active bin cursor followed by a flat array
// of (bin_id int32, reserveA u64, reserveB u64) entries:
// [activeBinID int32][binStep u16][baseFeeBPS u32][count u32] then count *
// (int32, u64, u64) entries.
func DecodeBinBasedLayout(accountBytes []byte) (*BinState, error) {
	const headerLen = 4 + 2 + 4 + 4
	if len(accountBytes) < headerLen {
		return nil, ErrDecode
	}
	bs := &BinState{
		ActiveBinID: int32(binary.LittleEndian.Uint32(accountBytes[0:4])),
		BinStep:     binary.LittleEndian.Uint16(accountBytes[4:6]),
		BaseFeeBPS:  binary.LittleEndian.Uint32(accountBytes[6:10]),
		Bins:        make(map[int32]BinReserves),
	}
	count := binary.LittleEndian.Uint32(accountBytes[10:14])
	offset := headerLen
	const entryLen = 4 + 8 + 8
	for i := uint32(0); i < count; i++ {
		if offset+entryLen > len(accountBytes) {
			return nil, ErrDecode
		}
		id := int32(binary.LittleEndian.Uint32(accountBytes[offset : offset+4]))
		reserveA := binary.LittleEndian.Uint64(accountBytes[offset+4 : offset+12])
		reserveB := binary.LittleEndian.Uint64(accountBytes[offset+12 : offset+entryLen])
		bs.Bins[id] = BinReserves{ReserveA: uint256.NewInt(reserveA), ReserveB: uint256.NewInt(reserveB)}
		offset += entryLen
	}
	return bs, nil
}
