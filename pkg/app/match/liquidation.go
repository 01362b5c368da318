package match

import (
	"go.uber.org/zap"

	"github.com/memeperp/engine/pkg/app/core"
	"github.com/memeperp/engine/pkg/app/risk"
)

type liquidatable struct {
	pair *core.Pair
	side core.Side
}

// riskTick is one pass of the 100 ms risk loop: recompute mark, accrue
// funding, expire stale resting orders, reassess every open pair, and process
// whatever became liquidatable. The tick is idempotent; a skipped tick is
// caught up here because everything derives from the clock and current state.
func (w *Worker) riskTick() {
	nowMs := w.now()
	mark := w.markPrice()
	if mark == 0 {
		// No usable price source yet. Nothing to mark against.
		return
	}
	w.state.MarkPrice = mark
	w.listing.PublishMark(mark)

	spot, stale := w.oracle()
	if !stale && spot > 0 {
		if rate, ok := w.state.AccrueFunding(nowMs, mark, spot); ok {
			w.sink.OnFunding(w.state.Params.ID, rate, w.state.FundingIndex)
		}
	}

	w.expireResting(nowMs / 1000)

	maint := w.state.Params.MaintMarginBps
	var risks []core.SideRisk
	var due []liquidatable
	for _, p := range w.pairs.LivePairs(w.state.Params.ID) {
		if p.Status != core.PairOpen {
			continue
		}
		for _, s := range []core.Side{core.Long, core.Short} {
			r := risk.Assess(p, s, mark, w.state.FundingIndex, maint)
			risks = append(risks, r)
			if r.MarginRatioBps <= maint {
				due = append(due, liquidatable{pair: p, side: s})
			}
		}
	}
	if len(risks) > 0 {
		w.sink.OnRisk(w.state.Params.ID, risks)
	}

	for _, d := range due {
		// An earlier liquidation this tick may have ADL-closed the pair.
		if d.pair.Status == core.PairOpen {
			w.liquidate(d.pair, d.side, mark)
		}
	}
}

// expireResting cancels resting orders whose deadline has passed.
func (w *Worker) expireResting(nowSec int64) {
	for _, o := range w.book.Orders() {
		if o.Deadline > 0 && o.Deadline < nowSec {
			w.book.Remove(o.ID)
			w.terminate(o, core.OrderExpired)
			w.sink.OnBookChanged(w.state.Params.ID)
		}
	}
}

// liquidate force-closes the whole pair because side u fell through
// maintenance margin. The loser's loss is capped at their collateral; the
// counterparty is paid in full at mark, with the insurance fund absorbing any
// bankruptcy gap. An uncovered gap hands off to the ADL selector.
func (w *Worker) liquidate(p *core.Pair, u core.Side, mark int64) {
	pairID := p.ID
	size := p.Size
	insBefore := w.state.Insurance
	s, err := w.closePortion(p, size, mark, 0, core.PairLiquidated)
	if err != nil {
		w.log.Error("liquidation close failed", zap.String("pair", pairID), zap.Error(err))
		return
	}

	under := s.Long
	if u == core.Short {
		under = s.Short
	}
	shortfall := s.Long.Shortfall + s.Short.Shortfall

	// Closing above the bankruptcy price leaves the loser residual collateral.
	// The rest returns to their free balance; the liquidation fee slice accrues
	// to the insurance fund. A close at or below bankruptcy pays out nothing,
	// so penalty and shortfall are mutually exclusive.
	var penalty int64
	if bps := w.state.Params.LiquidationFeeBps; bps > 0 && under.Payout > 0 {
		penalty = core.FeeOn(mark, size, bps)
		if penalty > under.Payout {
			penalty = under.Payout
		}
		penalty = w.ledger.DebitFree(under.Trader, penalty)
		w.state.Insurance += penalty
	}

	var adlAffected []string
	if shortfall > 0 && w.state.Insurance < 0 {
		// Deleverage only this close's uncovered slice, not the fund's whole
		// accumulated hole.
		deficit := shortfall
		if insBefore > 0 {
			deficit -= insBefore
		}
		adlAffected = w.runADL(mark, deficit)
		if !w.cfg.AllowNegativeInsurance {
			w.halt("insurance exhausted")
		}
	}

	ev := core.LiquidationEvent{
		PairID:         pairID,
		Market:         w.state.Params.ID,
		Trader:         under.Trader,
		SideClosed:     u,
		MarkPrice:      mark,
		CollateralLost: under.MarginReleased - under.Payout + penalty,
		Penalty:        penalty,
		InsuranceDelta: penalty - shortfall,
		ADLAffected:    adlAffected,
		Ts:             w.now(),
	}
	w.log.Info("pair liquidated",
		zap.String("pair", pairID),
		zap.String("side", u.String()),
		zap.Int64("mark", mark),
		zap.Int64("collateralLost", ev.CollateralLost),
		zap.Int64("insuranceDelta", ev.InsuranceDelta),
		zap.Int("adlAffected", len(adlAffected)))
	w.sink.OnLiquidation(ev)
}
