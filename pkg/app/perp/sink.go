package perp

import (
	"github.com/memeperp/engine/pkg/app/core"
	"github.com/memeperp/engine/pkg/app/core/pairs"
	"github.com/memeperp/engine/pkg/hub"
	"github.com/memeperp/engine/pkg/journal"
)

// engineSink fans worker events out to the journal, the hub, and metrics.
// Every method runs on the emitting market's worker goroutine, so reading
// that market's state here is race-free. Nothing in this file may block.
type engineSink struct {
	engine *Engine
}

func (s *engineSink) OnOrderUpdate(o core.Order) {
	e := s.engine
	if o.Status.Terminal() {
		e.append(journal.TypeOrderTerminal, journal.OrderTerminalRecord{
			OrderID: o.ID,
			Trader:  o.Trader,
			Market:  o.Market,
			Status:  o.Status,
			Filled:  o.Filled,
		}, false)
	}
	e.hub.Publish(hub.TopicOrders(o.Trader), "order", o)
}

func (s *engineSink) OnFill(f core.Fill) {
	e := s.engine
	e.append(journal.TypeFill, f, false)
	e.metrics.Fills.WithLabelValues(f.Market).Inc()
	e.metrics.FillVolume.WithLabelValues(f.Market).Add(float64(core.Notional(f.Price, f.Size)))
	e.hub.Publish(hub.TopicTrades(f.Market), "trade", f)

	if rt, ok := e.runtimes[f.Market]; ok {
		for _, res := range e.cfg.Engine.KlineResolutions {
			if ks := rt.state.Klines(res, 1); len(ks) == 1 {
				e.hub.Publish(hub.TopicKlines(f.Market, res), "kline", ks[0])
			}
		}
	}
}

func (s *engineSink) OnPairOpened(p core.Pair) {
	e := s.engine
	e.append(journal.TypePairOpened, p, false)
	e.publishPositions(p.LongTrader)
	e.publishPositions(p.ShortTrader)
	e.publishBalance(p.LongTrader)
	e.publishBalance(p.ShortTrader)
}

func (s *engineSink) OnPairClosed(p core.Pair, st pairs.Settlement) {
	e := s.engine
	e.append(journal.TypePairClosed, journal.PairClosedRecord{
		Pair:        p,
		Qty:         st.Qty,
		Price:       st.Price,
		LongPayout:  st.Long.Payout,
		ShortPayout: st.Short.Payout,
		Fees:        st.Fees(),
		Shortfall:   st.Long.Shortfall + st.Short.Shortfall,
		Status:      p.Status,
	}, false)
	e.publishPositions(p.LongTrader)
	e.publishPositions(p.ShortTrader)
	e.publishBalance(p.LongTrader)
	e.publishBalance(p.ShortTrader)
}

func (s *engineSink) OnLiquidation(ev core.LiquidationEvent) {
	e := s.engine
	e.append(journal.TypeLiquidation, ev, true)
	e.metrics.Liquidations.WithLabelValues(ev.Market).Inc()
	e.hub.Publish(hub.TopicLiquidations(ev.Market), "liquidation", ev)

	if len(ev.ADLAffected) > 0 {
		e.append(journal.TypeADL, journal.ADLRecord{
			Market:   ev.Market,
			Deficit:  -ev.InsuranceDelta,
			Affected: ev.ADLAffected,
		}, true)
		e.metrics.ADLReductions.WithLabelValues(ev.Market).Add(float64(len(ev.ADLAffected)))
	}
}

func (s *engineSink) OnFunding(market string, rateBps, index int64) {
	e := s.engine
	e.append(journal.TypeFundingTick, journal.FundingRecord{
		Market:  market,
		RateBps: rateBps,
		Index:   index,
	}, false)
	e.metrics.FundingTicks.WithLabelValues(market).Inc()
	e.hub.Publish(hub.TopicRisk(market), "funding", journal.FundingRecord{
		Market: market, RateBps: rateBps, Index: index,
	})
}

func (s *engineSink) OnRisk(market string, risks []core.SideRisk) {
	e := s.engine
	e.hub.Publish(hub.TopicRisk(market), "risk", risks)

	// Gauges ride the risk tick so they track the worker's own cadence.
	if rt, ok := e.runtimes[market]; ok {
		e.metrics.MarkPrice.WithLabelValues(market).Set(float64(rt.state.MarkPrice))
		e.metrics.OpenInterest.WithLabelValues(market).Set(float64(rt.state.OpenInterest))
		e.metrics.InsuranceFund.WithLabelValues(market).Set(float64(rt.state.Insurance))
		e.metrics.OpenPairs.WithLabelValues(market).Set(float64(len(risks) / 2))
	}
}

func (s *engineSink) OnBookChanged(market string) {
	e := s.engine
	rt, ok := e.runtimes[market]
	if !ok {
		return
	}
	e.hub.PublishBook(hub.TopicBook(market), bookView(rt.worker.Book(), rt.state, defaultBookDepth))
}

func (s *engineSink) OnHalt(market, reason string) {
	e := s.engine
	e.append(journal.TypeHalt, journal.HaltRecord{Market: market, Reason: reason}, true)
	e.metrics.MarketHalted.WithLabelValues(market).Set(1)
	e.hub.Publish(hub.TopicRisk(market), "halt", journal.HaltRecord{Market: market, Reason: reason})
}

func (s *engineSink) OnResume(market string) {
	e := s.engine
	e.append(journal.TypeResume, journal.ResumeRecord{Market: market}, true)
	e.metrics.MarketHalted.WithLabelValues(market).Set(0)
	e.hub.Publish(hub.TopicRisk(market), "resume", journal.ResumeRecord{Market: market})
}
