package match

import (
	"sort"

	"go.uber.org/zap"

	"github.com/memeperp/engine/pkg/app/core"
	"github.com/memeperp/engine/pkg/app/core/pairs"
)

type adlCandidate struct {
	pair  *core.Pair
	side  core.Side
	score int64
	upnl  int64
}

// adlScore ranks a profitable side for deleveraging: the richer the
// unrealized profit relative to posted collateral and the higher the
// effective leverage, the earlier the side is reduced. Both factors are
// 1e4-scaled; the product is rescaled back.
func adlScore(p *core.Pair, s core.Side, mark, fundingIdx int64) (score, upnl int64, ok bool) {
	upnl = core.PnL(p.EntryPrice, mark, p.Size)
	if s == core.Short {
		upnl = -upnl
	}
	coll := p.CollateralOn(s)
	if upnl <= 0 || coll <= 0 {
		return 0, 0, false
	}
	equity := coll + upnl + pairs.PendingFunding(p, s, fundingIdx)
	if equity <= 0 {
		return 0, 0, false
	}
	upnlRatio := upnl * core.BpsDenom / coll
	effLev := core.Notional(mark, p.Size) * core.LeverageScale / equity
	return upnlRatio * effLev / core.LeverageScale, upnl, true
}

// runADL force-closes the highest-scored profitable sides at mark until their
// combined unrealized profit covers the uncovered bankruptcy deficit, and
// returns the affected pair ids. The selected pairs settle zero-sum against
// their own counterparties; what ADL removes is the engine's obligation to
// keep funding paper profits the insurance fund can no longer back. Partially
// selected pairs shrink in place; fully selected ones close as adl_reduced.
func (w *Worker) runADL(mark, deficit int64) []string {
	var cands []adlCandidate
	for _, p := range w.pairs.LivePairs(w.state.Params.ID) {
		if p.Status != core.PairOpen {
			continue
		}
		for _, s := range []core.Side{core.Long, core.Short} {
			if score, upnl, ok := adlScore(p, s, mark, w.state.FundingIndex); ok {
				cands = append(cands, adlCandidate{pair: p, side: s, score: score, upnl: upnl})
			}
		}
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].score > cands[j].score })

	var covered int64
	var affected []string
	for _, c := range cands {
		if covered >= deficit {
			break
		}
		need := deficit - covered

		q := c.pair.Size
		if c.upnl > need {
			// Partial reduction, rounded up so the portion's profit still
			// covers the remainder.
			q = (c.pair.Size*need + c.upnl - 1) / c.upnl
			if q > c.pair.Size {
				q = c.pair.Size
			}
		}
		if q <= 0 {
			continue
		}

		upnlPortion := c.upnl * q / c.pair.Size
		if _, err := w.closePortion(c.pair, q, mark, 0, core.PairADLReduced); err != nil {
			w.log.Error("adl close failed", zap.String("pair", c.pair.ID), zap.Error(err))
			continue
		}
		covered += upnlPortion
		affected = append(affected, c.pair.ID)
	}

	w.log.Warn("adl pass complete",
		zap.Int64("deficit", deficit),
		zap.Int64("covered", covered),
		zap.Int("pairsAffected", len(affected)))
	return affected
}
