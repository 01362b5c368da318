package api

import (
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"github.com/memeperp/engine/pkg/app/core"
	"github.com/memeperp/engine/pkg/app/core/market"
	"github.com/memeperp/engine/pkg/app/perp"
	"github.com/memeperp/engine/pkg/crypto"
)

// Monetary values cross the wire as decimal strings of their 1e6 fixed-point
// representation so JavaScript clients never lose precision to float64.

func dec(v int64) string { return strconv.FormatInt(v, 10) }

func parseDec(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseInt(s, 10, 64)
}

// SubmitOrderRequest is the POST /orders body.
type SubmitOrderRequest struct {
	Trader    string `json:"trader"`
	Market    string `json:"market"`
	Side      string `json:"side"` // "long" | "short"
	Type      string `json:"type"` // "limit" | "market"
	Size      string `json:"size"`
	Leverage  string `json:"leverage"`
	Price     string `json:"price,omitempty"`
	TIF       string `json:"tif,omitempty"` // "GTC" | "IOC" | "FOK", default GTC
	Deadline  int64  `json:"deadline"`
	Nonce     uint64 `json:"nonce"`
	Signature string `json:"signature"` // hex, 65 bytes
}

// ToOrder converts the request into a core order, validating shape but not
// semantics; the authenticator owns those.
func (r *SubmitOrderRequest) ToOrder() (*core.Order, error) {
	if !common.IsHexAddress(r.Trader) {
		return nil, fmt.Errorf("invalid trader address %q", r.Trader)
	}
	size, err := parseDec(r.Size)
	if err != nil {
		return nil, fmt.Errorf("invalid size: %w", err)
	}
	leverage, err := parseDec(r.Leverage)
	if err != nil {
		return nil, fmt.Errorf("invalid leverage: %w", err)
	}
	price, err := parseDec(r.Price)
	if err != nil {
		return nil, fmt.Errorf("invalid price: %w", err)
	}
	sig, err := crypto.SignatureFromHex(r.Signature)
	if err != nil {
		return nil, fmt.Errorf("invalid signature: %w", err)
	}

	o := &core.Order{
		Trader:    common.HexToAddress(r.Trader),
		Market:    r.Market,
		Size:      size,
		Leverage:  leverage,
		Price:     price,
		Deadline:  r.Deadline,
		Nonce:     r.Nonce,
		Signature: sig,
	}

	switch r.Side {
	case "long":
		o.Side = core.Long
	case "short":
		o.Side = core.Short
	default:
		return nil, fmt.Errorf("invalid side %q", r.Side)
	}

	switch r.Type {
	case "limit":
		o.Type = core.LimitOrder
	case "market":
		o.Type = core.MarketOrder
	default:
		return nil, fmt.Errorf("invalid order type %q", r.Type)
	}

	switch r.TIF {
	case "", "GTC":
		o.TIF = core.GTC
	case "IOC":
		o.TIF = core.IOC
	case "FOK":
		o.TIF = core.FOK
	default:
		return nil, fmt.Errorf("invalid tif %q", r.TIF)
	}
	return o, nil
}

// CancelOrderRequest is the POST /orders/{id}/cancel body.
type CancelOrderRequest struct {
	Trader    string `json:"trader"`
	Signature string `json:"signature"`
}

// ClosePairRequest is the POST /pairs/{id}/close body. Qty 0 closes full size.
type ClosePairRequest struct {
	Trader    string `json:"trader"`
	Qty       string `json:"qty,omitempty"`
	Signature string `json:"signature"`
}

// TransferRequest funds or drains an account (devnet custody endpoint).
type TransferRequest struct {
	Amount string `json:"amount"`
}

// OrderView is the wire form of an order.
type OrderView struct {
	ID           string `json:"id"`
	Trader       string `json:"trader"`
	Market       string `json:"market"`
	Side         string `json:"side"`
	Type         string `json:"type"`
	Size         string `json:"size"`
	Leverage     string `json:"leverage"`
	Price        string `json:"price"`
	TIF          string `json:"tif"`
	Filled       string `json:"filled"`
	AvgFillPrice string `json:"avgFillPrice"`
	Status       string `json:"status"`
	CreatedAt    int64  `json:"createdAt"`
	UpdatedAt    int64  `json:"updatedAt"`
}

func orderView(o core.Order) OrderView {
	return OrderView{
		ID:           o.ID,
		Trader:       o.Trader.Hex(),
		Market:       o.Market,
		Side:         o.Side.String(),
		Type:         o.Type.String(),
		Size:         dec(o.Size),
		Leverage:     dec(o.Leverage),
		Price:        dec(o.Price),
		TIF:          o.TIF.String(),
		Filled:       dec(o.Filled),
		AvgFillPrice: dec(o.AvgFillPrice),
		Status:       o.Status.String(),
		CreatedAt:    o.CreatedAt,
		UpdatedAt:    o.UpdatedAt,
	}
}

// FillView is the wire form of a fill.
type FillView struct {
	Market    string `json:"market"`
	Price     string `json:"price"`
	Size      string `json:"size"`
	TakerSide string `json:"takerSide"`
	Seq       uint64 `json:"seq"`
	Ts        int64  `json:"ts"`
}

func fillView(f core.Fill) FillView {
	return FillView{
		Market:    f.Market,
		Price:     dec(f.Price),
		Size:      dec(f.Size),
		TakerSide: f.TakerSide.String(),
		Seq:       f.Seq,
		Ts:        f.Ts,
	}
}

// SubmitOrderResponse returns the order's post-matching state and its fills.
type SubmitOrderResponse struct {
	Order OrderView  `json:"order"`
	Fills []FillView `json:"fills"`
}

// BalanceView is the wire form of an account with aggregate position figures.
type BalanceView struct {
	Address       string `json:"address"`
	Free          string `json:"free"`
	LockedOrders  string `json:"lockedOrders"`
	LockedMargin  string `json:"lockedMargin"`
	UnrealizedPnL string `json:"unrealizedPnl"`
	Equity        string `json:"equity"`
	Nonce         uint64 `json:"nonce"`
}

func balanceView(b perp.BalanceView) BalanceView {
	return BalanceView{
		Address:       b.Account.Address.Hex(),
		Free:          dec(b.Account.Free),
		LockedOrders:  dec(b.Account.LockedOrders),
		LockedMargin:  dec(b.Account.LockedMargin),
		UnrealizedPnL: dec(b.UnrealizedPnL),
		Equity:        dec(b.Equity),
		Nonce:         b.Account.Nonce,
	}
}

// PositionView is the wire form of one side of an open pair.
type PositionView struct {
	PairID           string `json:"pairId"`
	Market           string `json:"market"`
	Side             string `json:"side"`
	Size             string `json:"size"`
	EntryPrice       string `json:"entryPrice"`
	MarkPrice        string `json:"markPrice"`
	Collateral       string `json:"collateral"`
	Leverage         string `json:"leverage"`
	UnrealizedPnL    string `json:"unrealizedPnl"`
	PendingFunding   string `json:"pendingFunding"`
	MarginRatioBps   string `json:"marginRatioBps"`
	LiquidationPrice string `json:"liquidationPrice"`
	RiskLevel        string `json:"riskLevel"`
	OpenedAt         int64  `json:"openedAt"`
}

func positionView(p perp.PositionView) PositionView {
	side := p.Risk.Side
	return PositionView{
		PairID:           p.Pair.ID,
		Market:           p.Pair.Market,
		Side:             side.String(),
		Size:             dec(p.Pair.Size),
		EntryPrice:       dec(p.Pair.EntryPrice),
		MarkPrice:        dec(p.Mark),
		Collateral:       dec(p.Pair.CollateralOn(side)),
		Leverage:         dec(p.Pair.LeverageOn(side)),
		UnrealizedPnL:    dec(p.Risk.UnrealizedPnL),
		PendingFunding:   dec(p.Risk.PendingFunding),
		MarginRatioBps:   dec(p.Risk.MarginRatioBps),
		LiquidationPrice: dec(p.Risk.LiquidationPrice),
		RiskLevel:        p.Risk.Level.String(),
		OpenedAt:         p.Pair.OpenedAt,
	}
}

// LevelView is one aggregated depth entry.
type LevelView struct {
	Price string `json:"price"`
	Qty   string `json:"qty"`
}

// BookResponse is an order book snapshot.
type BookResponse struct {
	Market string      `json:"market"`
	Bids   []LevelView `json:"bids"`
	Asks   []LevelView `json:"asks"`
	Mid    string      `json:"mid"`
	Seq    uint64      `json:"seq"`
}

func bookResponse(v perp.BookView) BookResponse {
	out := BookResponse{Market: v.Market, Mid: dec(v.Mid), Seq: v.Seq,
		Bids: make([]LevelView, 0, len(v.Bids)), Asks: make([]LevelView, 0, len(v.Asks))}
	for _, l := range v.Bids {
		out.Bids = append(out.Bids, LevelView{Price: dec(l.Price), Qty: dec(l.Qty)})
	}
	for _, l := range v.Asks {
		out.Asks = append(out.Asks, LevelView{Price: dec(l.Price), Qty: dec(l.Qty)})
	}
	return out
}

// KlineView is one OHLCV candle.
type KlineView struct {
	OpenTime int64  `json:"openTime"`
	Open     string `json:"open"`
	High     string `json:"high"`
	Low      string `json:"low"`
	Close    string `json:"close"`
	Volume   string `json:"volume"`
	Trades   int64  `json:"trades"`
}

func klineView(k market.Kline) KlineView {
	return KlineView{
		OpenTime: k.OpenTime,
		Open:     dec(k.Open),
		High:     dec(k.High),
		Low:      dec(k.Low),
		Close:    dec(k.Close),
		Volume:   dec(k.Volume),
		Trades:   k.Trades,
	}
}

// MarketInfo is a listed market's static parameters.
type MarketInfo struct {
	ID              string `json:"id"`
	Token           string `json:"token"`
	MaxLeverage     string `json:"maxLeverage"`
	MaintMarginBps  string `json:"maintMarginBps"`
	TakerFeeBps     string `json:"takerFeeBps"`
	MakerFeeBps     string `json:"makerFeeBps"`
	FundingInterval int64  `json:"fundingIntervalSec"`
}

func marketInfo(p market.Params) MarketInfo {
	return MarketInfo{
		ID:              p.ID,
		Token:           p.Token.Hex(),
		MaxLeverage:     dec(p.MaxLeverageX),
		MaintMarginBps:  dec(p.MaintMarginBps),
		TakerFeeBps:     dec(p.TakerFeeBps),
		MakerFeeBps:     dec(p.MakerFeeBps),
		FundingInterval: p.FundingInterval,
	}
}

// MarketRiskResponse is the market-wide risk readout.
type MarketRiskResponse struct {
	Market         string `json:"market"`
	MarkPrice      string `json:"markPrice"`
	LastPrice      string `json:"lastPrice"`
	OpenInterest   string `json:"openInterest"`
	Insurance      string `json:"insurance"`
	FundingRateBps string `json:"fundingRateBps"`
	FundingIndex   string `json:"fundingIndex"`
	Halted         bool   `json:"halted"`
	OpenPairs      int    `json:"openPairs"`
}

func marketRiskResponse(v perp.MarketRiskView) MarketRiskResponse {
	return MarketRiskResponse{
		Market:         v.Market,
		MarkPrice:      dec(v.MarkPrice),
		LastPrice:      dec(v.LastPrice),
		OpenInterest:   dec(v.OpenInterest),
		Insurance:      dec(v.Insurance),
		FundingRateBps: dec(v.FundingRateBps),
		FundingIndex:   dec(v.FundingIndex),
		Halted:         v.Halted,
		OpenPairs:      v.OpenPairs,
	}
}

// LiquidationBucketView is one bucket of the liquidation map.
type LiquidationBucketView struct {
	Price    string `json:"price"`
	Notional string `json:"notional"`
	Pairs    int    `json:"pairs"`
}

// ErrorResponse carries the stable taxonomy code plus a human message.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}
