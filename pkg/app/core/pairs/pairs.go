package pairs

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/memeperp/engine/pkg/app/core"
)

// Open creates a pair from one fill. Each fill opens its own pair; pairs are
// never merged, so counterparty attribution stays exact for liquidation and
// ADL.
func Open(f core.Fill, levLong, levShort, collLong, collShort, fundingIdx int64) *core.Pair {
	long, short := f.Taker, f.Maker
	if f.TakerSide == core.Short {
		long, short = f.Maker, f.Taker
	}
	return &core.Pair{
		ID:                 uuid.NewString(),
		Market:             f.Market,
		LongTrader:         long,
		ShortTrader:        short,
		Size:               f.Size,
		EntryPrice:         f.Price,
		LeverageLong:       levLong,
		LeverageShort:      levShort,
		CollateralLong:     collLong,
		CollateralShort:    collShort,
		FundingIndexAtOpen: fundingIdx,
		OpenedAt:           f.Ts,
		Status:             core.PairOpen,
	}
}

// SideSettlement is one trader's outcome from closing (part of) a pair.
type SideSettlement struct {
	Trader         common.Address
	Realized       int64 // signed price PnL
	Funding        int64 // signed; negative means this side paid funding
	Fee            int64
	MarginReleased int64 // collateral unlocked by this close
	Payout         int64 // what returns to free balance, never negative
	Shortfall      int64 // loss not covered by released collateral
}

// Settlement is the two-sided outcome of ClosePortion.
type Settlement struct {
	Long  SideSettlement
	Short SideSettlement
	Qty   int64
	Price int64
}

// Fees returns total closing fees collected.
func (s *Settlement) Fees() int64 { return s.Long.Fee + s.Short.Fee }

// ClosePortion settles q units of the pair at mark, mutating the pair in
// place. q equal to the remaining size closes the pair terminally with the
// given status; a smaller q shrinks size and collateral proportionally.
//
// Price PnL and funding are exactly zero-sum between the sides, so
// payouts + shortfalls always reconcile to released margin minus fees.
func ClosePortion(p *core.Pair, q, mark, fundingIdxNow, closeFeeBps int64, terminal core.PairStatus) (Settlement, error) {
	if p.Status != core.PairOpen {
		return Settlement{}, fmt.Errorf("pair %s not open", p.ID)
	}
	if q <= 0 || q > p.Size {
		return Settlement{}, fmt.Errorf("close qty %d out of range (size %d)", q, p.Size)
	}

	full := q == p.Size

	// Proportional collateral release; the final portion takes the remainder
	// so no dust is stranded in locked margin.
	relLong := p.CollateralLong * q / p.Size
	relShort := p.CollateralShort * q / p.Size
	if full {
		relLong = p.CollateralLong
		relShort = p.CollateralShort
	}

	realizedLong := core.PnL(p.EntryPrice, mark, q)
	fundingLong := -(fundingIdxNow - p.FundingIndexAtOpen) * q / core.SizeScale
	fee := core.FeeOn(mark, q, closeFeeBps)

	long := settleSide(p.LongTrader, realizedLong, fundingLong, fee, relLong)
	short := settleSide(p.ShortTrader, -realizedLong, -fundingLong, fee, relShort)

	p.Size -= q
	p.CollateralLong -= relLong
	p.CollateralShort -= relShort
	if full {
		p.Status = terminal
	}

	return Settlement{Long: long, Short: short, Qty: q, Price: mark}, nil
}

func settleSide(trader common.Address, realized, funding, fee, released int64) SideSettlement {
	payout := released + realized + funding - fee
	var shortfall int64
	if payout < 0 {
		shortfall = -payout
		payout = 0
	}
	return SideSettlement{
		Trader:         trader,
		Realized:       realized,
		Funding:        funding,
		Fee:            fee,
		MarginReleased: released,
		Payout:         payout,
		Shortfall:      shortfall,
	}
}

// PendingFunding returns the funding the given side would pay (negative) or
// receive (positive) if closed now.
func PendingFunding(p *core.Pair, s core.Side, fundingIdxNow int64) int64 {
	longPays := (fundingIdxNow - p.FundingIndexAtOpen) * p.Size / core.SizeScale
	if s == core.Long {
		return -longPays
	}
	return longPays
}
