package risk

import (
	"github.com/memeperp/engine/pkg/app/core"
	"github.com/memeperp/engine/pkg/app/core/pairs"
)

// Assess computes the risk readout for one side of an open pair at mark.
func Assess(p *core.Pair, s core.Side, mark, fundingIdxNow, maintBps int64) core.SideRisk {
	upnl := core.PnL(p.EntryPrice, mark, p.Size)
	if s == core.Short {
		upnl = -upnl
	}
	funding := pairs.PendingFunding(p, s, fundingIdxNow)
	equity := p.CollateralOn(s) + upnl + funding

	notional := core.Notional(mark, p.Size)
	var ratio int64
	if notional > 0 {
		ratio = equity * core.BpsDenom / notional
	}

	return core.SideRisk{
		PairID:           p.ID,
		Trader:           p.TraderOn(s),
		Side:             s,
		UnrealizedPnL:    upnl,
		PendingFunding:   funding,
		Equity:           equity,
		MarginRatioBps:   ratio,
		LiquidationPrice: LiquidationPrice(p, s, fundingIdxNow, maintBps),
		Level:            Level(ratio, maintBps),
	}
}

// Level maps a margin ratio to a risk band relative to maintenance margin.
func Level(ratioBps, maintBps int64) core.RiskLevel {
	switch {
	case ratioBps <= maintBps:
		return core.RiskCritical
	case ratioBps <= 2*maintBps:
		return core.RiskHigh
	case ratioBps <= 4*maintBps:
		return core.RiskMedium
	default:
		return core.RiskLow
	}
}

// Liquidatable reports whether the side's equity has fallen to or below
// maintenance margin at mark.
func Liquidatable(p *core.Pair, s core.Side, mark, fundingIdxNow, maintBps int64) bool {
	r := Assess(p, s, mark, fundingIdxNow, maintBps)
	return r.MarginRatioBps <= maintBps
}

// LiquidationPrice solves for the mark at which the side's equity equals
// maintenance margin. Returns 0 when the side cannot be liquidated by price
// alone (e.g. a fully collateralized short below entry).
func LiquidationPrice(p *core.Pair, s core.Side, fundingIdxNow, maintBps int64) int64 {
	if p.Size <= 0 {
		return 0
	}
	buffer := p.CollateralOn(s) + pairs.PendingFunding(p, s, fundingIdxNow)
	perUnit := buffer * core.SizeScale / p.Size

	var liq int64
	if s == core.Long {
		// coll + (liq-entry)·size = maint·liq·size
		liq = (p.EntryPrice - perUnit) * core.BpsDenom / (core.BpsDenom - maintBps)
	} else {
		// coll + (entry-liq)·size = maint·liq·size
		liq = (p.EntryPrice + perUnit) * core.BpsDenom / (core.BpsDenom + maintBps)
	}
	if liq < 0 {
		return 0
	}
	return liq
}

// BankruptcyPrice is the mark at which the side's equity hits zero. Forced
// closes settle at the worse of mark and bankruptcy so the counterparty is
// never paid out of thin air.
func BankruptcyPrice(p *core.Pair, s core.Side, fundingIdxNow int64) int64 {
	if p.Size <= 0 {
		return 0
	}
	buffer := p.CollateralOn(s) + pairs.PendingFunding(p, s, fundingIdxNow)
	perUnit := buffer * core.SizeScale / p.Size
	if s == core.Long {
		b := p.EntryPrice - perUnit
		if b < 0 {
			return 0
		}
		return b
	}
	return p.EntryPrice + perUnit
}
