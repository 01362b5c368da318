package perp

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/memeperp/engine/pkg/app/core"
	"github.com/memeperp/engine/pkg/app/core/book"
	"github.com/memeperp/engine/pkg/app/core/ledger"
	"github.com/memeperp/engine/pkg/app/core/market"
	"github.com/memeperp/engine/pkg/app/risk"
)

const defaultBookDepth = 20

// BalanceView is a trader's collateral plus aggregated open-position figures.
type BalanceView struct {
	Account       ledger.Account `json:"account"`
	UnrealizedPnL int64          `json:"unrealizedPnl"`
	Equity        int64          `json:"equity"` // total collateral + uPnL
}

// PositionView is one side of a pair enriched with live risk figures.
type PositionView struct {
	Pair core.Pair     `json:"pair"`
	Risk core.SideRisk `json:"risk"`
	Mark int64         `json:"mark"`
}

// BookView is an aggregated depth snapshot.
type BookView struct {
	Market string            `json:"market"`
	Bids   []book.PriceLevel `json:"bids"`
	Asks   []book.PriceLevel `json:"asks"`
	Mid    int64             `json:"mid,omitempty"`
	Seq    uint64            `json:"seq"`
}

// MarketRiskView is the market-wide risk readout.
type MarketRiskView struct {
	Market         string `json:"market"`
	MarkPrice      int64  `json:"markPrice"`
	LastPrice      int64  `json:"lastPrice"`
	OpenInterest   int64  `json:"openInterest"`
	Insurance      int64  `json:"insurance"`
	ProtocolFees   int64  `json:"protocolFees"`
	FundingRateBps int64  `json:"fundingRateBps"`
	FundingIndex   int64  `json:"fundingIndex"`
	Halted         bool   `json:"halted"`
	OpenPairs      int    `json:"openPairs"`
}

// LiquidationBucket aggregates liquidation exposure around one price.
type LiquidationBucket struct {
	Price    int64 `json:"price"` // bucket floor, 1e6 fixed point
	Notional int64 `json:"notional"`
	Pairs    int   `json:"pairs"`
}

// Balance returns the trader's account with uPnL aggregated over every open
// pair, marked at each market's last published mark.
func (e *Engine) Balance(trader common.Address) (BalanceView, error) {
	acc := e.ledger.Get(trader)
	if acc == nil {
		return BalanceView{}, core.ErrUnknownTrader
	}
	var upnl int64
	for _, p := range e.pairs.ByTrader(trader) {
		rt, ok := e.runtimes[p.Market]
		if !ok {
			continue
		}
		mark := rt.listing.Mark()
		if mark == 0 {
			continue
		}
		side := core.Long
		if p.ShortTrader == trader {
			side = core.Short
		}
		pnl := core.PnL(p.EntryPrice, mark, p.Size)
		if side == core.Short {
			pnl = -pnl
		}
		upnl += pnl
	}
	return BalanceView{
		Account:       *acc,
		UnrealizedPnL: upnl,
		Equity:        acc.Total() + upnl,
	}, nil
}

// Positions returns the trader's open positions with live risk assessment.
// Each market's pairs are assessed on that market's worker goroutine so the
// mark, funding index, and pair state are mutually consistent.
func (e *Engine) Positions(ctx context.Context, trader common.Address) ([]PositionView, error) {
	byMarket := make(map[string][]string)
	for _, p := range e.pairs.ByTrader(trader) {
		byMarket[p.Market] = append(byMarket[p.Market], p.ID)
	}

	var out []PositionView
	for m, ids := range byMarket {
		rt, ok := e.runtimes[m]
		if !ok {
			continue
		}
		err := rt.worker.Exec(ctx, func() {
			st := rt.state
			for _, id := range ids {
				p := e.pairs.Get(id)
				if p == nil || p.Status != core.PairOpen {
					continue
				}
				side := core.Long
				if p.ShortTrader == trader {
					side = core.Short
				}
				out = append(out, PositionView{
					Pair: *p,
					Risk: risk.Assess(p, side, st.MarkPrice, st.FundingIndex, st.Params.MaintMarginBps),
					Mark: st.MarkPrice,
				})
			}
		})
		if err != nil {
			return nil, err
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Pair.OpenedAt < out[j].Pair.OpenedAt })
	return out, nil
}

// Orders returns the trader's orders on a market, optionally filtered by
// status.
func (e *Engine) Orders(ctx context.Context, marketID string, trader common.Address, status *core.OrderStatus) ([]core.Order, error) {
	rt, ok := e.runtimes[marketID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrUnknownMarket, marketID)
	}
	var out []core.Order
	err := rt.worker.Exec(ctx, func() {
		out = rt.worker.OrdersOf(trader, status)
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out, nil
}

// Nonce returns the trader's next expected order nonce.
func (e *Engine) Nonce(trader common.Address) uint64 {
	return e.ledger.PeekNonce(trader)
}

// BookSnapshot returns aggregated depth, best first on both sides.
func (e *Engine) BookSnapshot(ctx context.Context, marketID string, depth int) (BookView, error) {
	rt, ok := e.runtimes[marketID]
	if !ok {
		return BookView{}, fmt.Errorf("%w: %s", core.ErrUnknownMarket, marketID)
	}
	if depth <= 0 {
		depth = defaultBookDepth
	}
	var v BookView
	err := rt.worker.Exec(ctx, func() {
		v = bookView(rt.worker.Book(), rt.state, depth)
	})
	return v, err
}

func bookView(b *book.Book, st *market.State, depth int) BookView {
	mid, _ := b.Mid()
	return BookView{
		Market: st.Params.ID,
		Bids:   b.Levels(core.Long, depth),
		Asks:   b.Levels(core.Short, depth),
		Mid:    mid,
		Seq:    st.Seq,
	}
}

// Trades returns the market's most recent fills, newest first.
func (e *Engine) Trades(ctx context.Context, marketID string, n int) ([]core.Fill, error) {
	rt, ok := e.runtimes[marketID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrUnknownMarket, marketID)
	}
	var out []core.Fill
	err := rt.worker.Exec(ctx, func() {
		out = rt.state.Trades(n)
	})
	return out, err
}

// Klines returns up to n candles at the given resolution, oldest first.
func (e *Engine) Klines(ctx context.Context, marketID string, resolutionSec int64, n int) ([]market.Kline, error) {
	rt, ok := e.runtimes[marketID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrUnknownMarket, marketID)
	}
	var out []market.Kline
	err := rt.worker.Exec(ctx, func() {
		out = rt.state.Klines(resolutionSec, n)
	})
	return out, err
}

// MarketRisk returns the market-wide risk readout.
func (e *Engine) MarketRisk(ctx context.Context, marketID string) (MarketRiskView, error) {
	rt, ok := e.runtimes[marketID]
	if !ok {
		return MarketRiskView{}, fmt.Errorf("%w: %s", core.ErrUnknownMarket, marketID)
	}
	var v MarketRiskView
	err := rt.worker.Exec(ctx, func() {
		st := rt.state
		v = MarketRiskView{
			Market:         st.Params.ID,
			MarkPrice:      st.MarkPrice,
			LastPrice:      st.LastPrice,
			OpenInterest:   st.OpenInterest,
			Insurance:      st.Insurance,
			ProtocolFees:   st.ProtocolFees,
			FundingRateBps: st.FundingRateBps,
			FundingIndex:   st.FundingIndex,
			Halted:         st.Halted,
			OpenPairs:      len(e.pairs.LivePairs(st.Params.ID)),
		}
	})
	return v, err
}

// Markets lists the registered market parameters.
func (e *Engine) Markets() []market.Params {
	ls := e.markets.List()
	out := make([]market.Params, 0, len(ls))
	for _, l := range ls {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// LiquidationMap projects, per price bucket, the notional that would be
// force-closed if the mark reached that bucket. bucketSize is in 1e6 price
// units; 0 picks roughly 0.5% of the current mark.
func (e *Engine) LiquidationMap(ctx context.Context, marketID string, bucketSize int64) ([]LiquidationBucket, error) {
	rt, ok := e.runtimes[marketID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrUnknownMarket, marketID)
	}
	acc := make(map[int64]*LiquidationBucket)
	err := rt.worker.Exec(ctx, func() {
		st := rt.state
		size := bucketSize
		if size <= 0 {
			size = st.MarkPrice / 200
		}
		if size <= 0 {
			size = 1
		}
		maint := st.Params.MaintMarginBps
		for _, p := range e.pairs.LivePairs(st.Params.ID) {
			for _, side := range []core.Side{core.Long, core.Short} {
				liq := risk.LiquidationPrice(p, side, st.FundingIndex, maint)
				if liq <= 0 {
					continue
				}
				bucket := liq - liq%size
				b, ok := acc[bucket]
				if !ok {
					b = &LiquidationBucket{Price: bucket}
					acc[bucket] = b
				}
				b.Notional += core.Notional(liq, p.Size)
				b.Pairs++
			}
		}
	})
	if err != nil {
		return nil, err
	}
	out := make([]LiquidationBucket, 0, len(acc))
	for _, b := range acc {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Price < out[j].Price })
	return out, nil
}

// snapshotTopic serves the first message of a fresh hub subscription. Book,
// trades, kline, balance, and position topics have snapshots; risk and
// liquidation streams are delta-only.
func (e *Engine) snapshotTopic(topic string) (string, any, bool) {
	parts := strings.Split(topic, ":")
	ctx := context.Background()

	switch {
	case len(parts) >= 3 && parts[0] == "market":
		m := parts[1]
		switch parts[2] {
		case "book":
			v, err := e.BookSnapshot(ctx, m, defaultBookDepth)
			return "orderbook", v, err == nil
		case "trades":
			ts, err := e.Trades(ctx, m, 50)
			return "trades", ts, err == nil
		case "klines":
			if len(parts) != 4 {
				return "", nil, false
			}
			res, err := strconv.ParseInt(parts[3], 10, 64)
			if err != nil {
				return "", nil, false
			}
			ks, kerr := e.Klines(ctx, m, res, 100)
			return "klines", ks, kerr == nil
		}
	case len(parts) == 3 && parts[0] == "trader":
		addr := common.HexToAddress(parts[1])
		switch parts[2] {
		case "balance":
			if acc := e.ledger.Get(addr); acc != nil {
				return "balance", acc, true
			}
		case "positions":
			return "positions", e.pairs.ByTrader(addr), true
		}
	}
	return "", nil, false
}
