package perp

import (
	"encoding/json"
	"fmt"

	"github.com/memeperp/engine/pkg/app/core"
	"github.com/memeperp/engine/pkg/journal"
)

// Restore replays the journal into the ledger, pair registry, and market
// states. Must run after New and before Run: replay mutates worker-owned
// state directly, which is only safe while no worker goroutine exists yet.
func (e *Engine) Restore() error {
	if e.journal == nil {
		return nil
	}
	r := &replayer{engine: e, orders: make(map[string]*core.Order)}
	if err := e.journal.Replay(r.apply); err != nil {
		return fmt.Errorf("journal replay: %w", err)
	}
	r.finish()
	e.log.Info("journal replayed")
	return nil
}

// replayer rebuilds engine state record by record. Money movements reuse the
// journaled settlement numbers rather than re-running the matching logic, so
// a replayed ledger is bit-identical to the one that wrote the journal.
type replayer struct {
	engine *Engine
	orders map[string]*core.Order

	// A pair_opened record immediately follows its fill; the fill is held
	// here until the pair record supplies the margin split.
	lastFill *core.Fill
}

func (r *replayer) apply(rec journal.Record) error {
	e := r.engine
	switch rec.Type {
	case journal.TypeDeposit:
		var d journal.DepositRecord
		if err := json.Unmarshal(rec.Data, &d); err != nil {
			return err
		}
		return e.ledger.Deposit(d.Trader, d.Amount)

	case journal.TypeWithdraw:
		var d journal.WithdrawRecord
		if err := json.Unmarshal(rec.Data, &d); err != nil {
			return err
		}
		return e.ledger.Withdraw(d.Trader, d.Amount)

	case journal.TypeOrderAdmitted:
		var o core.Order
		if err := json.Unmarshal(rec.Data, &o); err != nil {
			return err
		}
		// Rejected orders burned nonces without a journal record, so the
		// restored counter may trail reality; >= admission tolerates that.
		if err := e.ledger.NextNonce(o.Trader, o.Nonce); err != nil {
			return fmt.Errorf("replay nonce %s: %w", o.ID, err)
		}
		if err := e.ledger.ReserveForOrder(o.Trader, o.OrderLock); err != nil {
			return fmt.Errorf("replay reserve %s: %w", o.ID, err)
		}
		r.orders[o.ID] = &o
		return nil

	case journal.TypeFill:
		var f core.Fill
		if err := json.Unmarshal(rec.Data, &f); err != nil {
			return err
		}
		if rt, ok := e.runtimes[f.Market]; ok {
			rt.state.RecordFill(f)
			if f.Seq > rt.state.Seq {
				rt.state.Seq = f.Seq
			}
		}
		r.lastFill = &f
		return nil

	case journal.TypePairOpened:
		var p core.Pair
		if err := json.Unmarshal(rec.Data, &p); err != nil {
			return err
		}
		return r.applyPairOpened(p)

	case journal.TypeOrderTerminal:
		var t journal.OrderTerminalRecord
		if err := json.Unmarshal(rec.Data, &t); err != nil {
			return err
		}
		if o, ok := r.orders[t.OrderID]; ok {
			if o.OrderLock > 0 {
				if err := e.ledger.ReleaseOrder(o.Trader, o.OrderLock); err != nil {
					return fmt.Errorf("replay release %s: %w", o.ID, err)
				}
				o.OrderLock = 0
			}
			o.Status = t.Status
		}
		return nil

	case journal.TypePairClosed:
		var c journal.PairClosedRecord
		if err := json.Unmarshal(rec.Data, &c); err != nil {
			return err
		}
		return r.applyPairClosed(c)

	case journal.TypeFundingTick:
		var f journal.FundingRecord
		if err := json.Unmarshal(rec.Data, &f); err != nil {
			return err
		}
		if rt, ok := e.runtimes[f.Market]; ok {
			rt.state.FundingRateBps = f.RateBps
			rt.state.FundingIndex = f.Index
			rt.state.LastFundingTs = rec.Ts
		}
		return nil

	case journal.TypeHalt:
		var h journal.HaltRecord
		if err := json.Unmarshal(rec.Data, &h); err != nil {
			return err
		}
		if rt, ok := e.runtimes[h.Market]; ok {
			rt.state.Halted = true
			rt.listing.SetHalted(true)
		}
		return nil

	case journal.TypeResume:
		var res journal.ResumeRecord
		if err := json.Unmarshal(rec.Data, &res); err != nil {
			return err
		}
		if rt, ok := e.runtimes[res.Market]; ok {
			rt.state.Halted = false
			rt.listing.SetHalted(false)
		}
		return nil

	case journal.TypeLiquidation:
		var ev core.LiquidationEvent
		if err := json.Unmarshal(rec.Data, &ev); err != nil {
			return err
		}
		// Margin, payouts, and shortfall moved in the pair_closed record;
		// only the penalty's free -> insurance hop replays here.
		if ev.Penalty > 0 {
			e.ledger.DebitFree(ev.Trader, ev.Penalty)
			if rt, ok := e.runtimes[ev.Market]; ok {
				rt.state.Insurance += ev.Penalty
			}
		}
		return nil

	case journal.TypeADL:
		// Informational; the money moved in the pair_closed records.
		return nil
	}
	return nil
}

// applyPairOpened commits both sides' margin using the pair's recorded
// collateral split and the held fill's fees.
func (r *replayer) applyPairOpened(p core.Pair) error {
	e := r.engine
	f := r.lastFill
	if f == nil {
		return fmt.Errorf("pair %s opened without a preceding fill", p.ID)
	}
	r.lastFill = nil

	takerMargin := p.CollateralOn(f.TakerSide)
	makerMargin := p.CollateralOn(f.TakerSide.Opposite())
	if err := e.ledger.CommitMargin(f.Taker, takerMargin, f.TakerFee); err != nil {
		return fmt.Errorf("replay commit taker %s: %w", p.ID, err)
	}
	if err := e.ledger.CommitMargin(f.Maker, makerMargin, f.MakerFee); err != nil {
		return fmt.Errorf("replay commit maker %s: %w", p.ID, err)
	}

	r.advanceOrder(f.TakerOrder, takerMargin+f.TakerFee, f.Price, f.Size)
	r.advanceOrder(f.MakerOrder, makerMargin+f.MakerFee, f.Price, f.Size)

	if rt, ok := e.runtimes[p.Market]; ok {
		total := f.TakerFee + f.MakerFee
		cut := rt.state.AccrueInsurance(total)
		rt.state.ProtocolFees += total - cut
		rt.state.OpenInterest += f.Size
	}

	cp := p
	e.pairs.Add(&cp)
	return nil
}

func (r *replayer) advanceOrder(id string, lockShare, px, q int64) {
	o, ok := r.orders[id]
	if !ok {
		return
	}
	o.OrderLock -= lockShare
	if o.OrderLock < 0 {
		o.OrderLock = 0
	}
	o.AvgFillPrice = (o.AvgFillPrice*o.Filled + px*q) / (o.Filled + q)
	o.Filled += q
	if o.Remaining() == 0 {
		o.Status = core.OrderFilled
	} else {
		o.Status = core.OrderPartial
	}
}

// applyPairClosed mirrors the worker's closePortion using journaled numbers.
// The released margin per side is the recorded pair's collateral drop.
func (r *replayer) applyPairClosed(c journal.PairClosedRecord) error {
	e := r.engine
	prev := e.pairs.Get(c.Pair.ID)
	if prev == nil {
		return fmt.Errorf("close of unknown pair %s", c.Pair.ID)
	}

	releasedLong := prev.CollateralLong - c.Pair.CollateralLong
	releasedShort := prev.CollateralShort - c.Pair.CollateralShort
	if err := e.ledger.ReleaseMargin(c.Pair.LongTrader, releasedLong, c.LongPayout); err != nil {
		return fmt.Errorf("replay release long %s: %w", c.Pair.ID, err)
	}
	if err := e.ledger.ReleaseMargin(c.Pair.ShortTrader, releasedShort, c.ShortPayout); err != nil {
		return fmt.Errorf("replay release short %s: %w", c.Pair.ID, err)
	}

	if rt, ok := e.runtimes[c.Pair.Market]; ok {
		cut := rt.state.AccrueInsurance(c.Fees)
		rt.state.ProtocolFees += c.Fees - cut
		rt.state.Insurance -= c.Shortfall
		rt.state.OpenInterest -= c.Qty
	}

	*prev = c.Pair
	if c.Status != core.PairOpen {
		e.pairs.Remove(c.Pair.ID)
	}
	return nil
}

// finish re-indexes every replayed order into its market worker; live limit
// orders go back on the book.
func (r *replayer) finish() {
	for _, o := range r.orders {
		if rt, ok := r.engine.runtimes[o.Market]; ok {
			rt.worker.RestoreOrder(o)
		}
	}
}
