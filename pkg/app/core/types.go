package core

import (
	"github.com/ethereum/go-ethereum/common"
)

// Fixed-point scales. A single deployment uses one collateral unit: this one is
// USD-margined, so every monetary value is an int64 in 1e6 units ($1 = 1_000_000).
// Sizes are base-asset quantity in 1e6 units. Leverage is 1e4-scaled (5x = 50_000).
const (
	PriceScale    int64 = 1_000_000
	SizeScale     int64 = 1_000_000
	LeverageScale int64 = 10_000
	BpsDenom      int64 = 10_000
)

// Side of an order or position.
type Side int8

const (
	Long  Side = 1
	Short Side = -1
)

func (s Side) String() string {
	switch s {
	case Long:
		return "long"
	case Short:
		return "short"
	default:
		return "unknown"
	}
}

// Opposite returns the other side.
func (s Side) Opposite() Side { return -s }

// OrderType distinguishes market from limit orders.
type OrderType int8

const (
	MarketOrder OrderType = iota
	LimitOrder
)

func (t OrderType) String() string {
	switch t {
	case MarketOrder:
		return "market"
	case LimitOrder:
		return "limit"
	default:
		return "unknown"
	}
}

// TIF is the time-in-force discipline of an order.
type TIF int8

const (
	GTC TIF = iota // rest residual on the book
	IOC            // cancel residual
	FOK            // fill completely or reject before any state change
)

func (t TIF) String() string {
	switch t {
	case GTC:
		return "GTC"
	case IOC:
		return "IOC"
	case FOK:
		return "FOK"
	default:
		return "unknown"
	}
}

// OrderStatus is the lifecycle state of an order. Terminal states are absorbing.
type OrderStatus int8

const (
	OrderPending OrderStatus = iota
	OrderPartial
	OrderFilled
	OrderCancelled
	OrderRejected
	OrderExpired
)

func (s OrderStatus) String() string {
	switch s {
	case OrderPending:
		return "pending"
	case OrderPartial:
		return "partial"
	case OrderFilled:
		return "filled"
	case OrderCancelled:
		return "cancelled"
	case OrderRejected:
		return "rejected"
	case OrderExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Terminal reports whether the status is absorbing.
func (s OrderStatus) Terminal() bool {
	return s == OrderFilled || s == OrderCancelled || s == OrderRejected || s == OrderExpired
}

// PairStatus is the lifecycle state of a long/short pair.
type PairStatus int8

const (
	PairOpen PairStatus = iota
	PairClosed
	PairLiquidated
	PairADLReduced
)

func (s PairStatus) String() string {
	switch s {
	case PairOpen:
		return "open"
	case PairClosed:
		return "closed"
	case PairLiquidated:
		return "liquidated"
	case PairADLReduced:
		return "adl_reduced"
	default:
		return "unknown"
	}
}

// RiskLevel classifies a position side by margin-ratio thresholds.
type RiskLevel int8

const (
	RiskLow RiskLevel = iota
	RiskMedium
	RiskHigh
	RiskCritical
)

func (r RiskLevel) String() string {
	switch r {
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	case RiskCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Order is a signed trading instruction. Input fields are immutable after
// admission; runtime fields are mutated only by the owning market worker.
type Order struct {
	ID         string         `json:"id"`
	ClientID   string         `json:"clientId,omitempty"`
	Trader     common.Address `json:"trader"`
	Market     string         `json:"market"` // token identifier
	Side       Side           `json:"side"`
	Type       OrderType      `json:"type"`
	Size       int64          `json:"size"`     // base-asset quantity, 1e6 fixed point
	Leverage   int64          `json:"leverage"` // 1e4-scaled
	Price      int64          `json:"price"`    // 1e6 fixed point, 0 for market orders
	TIF        TIF            `json:"tif"`
	ReduceOnly bool           `json:"reduceOnly,omitempty"`
	TakeProfit int64          `json:"takeProfit,omitempty"`
	StopLoss   int64          `json:"stopLoss,omitempty"`
	Deadline   int64          `json:"deadline"` // unix seconds
	Nonce      uint64         `json:"nonce"`
	Signature  []byte         `json:"signature,omitempty"`

	// Runtime fields.
	Filled       int64       `json:"filled"`
	AvgFillPrice int64       `json:"avgFillPrice"`
	Status       OrderStatus `json:"status"`
	CreatedAt    int64       `json:"createdAt"` // authenticator admit time, unix ms
	UpdatedAt    int64       `json:"updatedAt"`
	Seq          uint64      `json:"seq"` // admission sequence within the market

	// Funds moved free -> locked_orders at admission; drawn down as fills commit.
	OrderLock int64 `json:"orderLock"`
}

// Remaining returns the unfilled quantity.
func (o *Order) Remaining() int64 { return o.Size - o.Filled }

// Notional returns qty*price in collateral units.
func Notional(price, qty int64) int64 {
	return mulDiv(price, qty, SizeScale)
}

// FeeOn computes a bps fee on notional, rounding half to even so that fee
// rounding carries no drift across many fills.
func FeeOn(price, qty, feeBps int64) int64 {
	return divRoundHalfEven(Notional(price, qty)*feeBps, BpsDenom)
}

// MarginFor computes the collateral required for qty at price under leverage.
func MarginFor(price, qty, leverage int64) int64 {
	if leverage <= 0 {
		return 0
	}
	return mulDiv(Notional(price, qty), LeverageScale, leverage)
}

// PnL returns the signed profit of the long side for qty between entry and
// mark. The short side's PnL is the negation.
func PnL(entry, mark, qty int64) int64 {
	return mulDiv(mark-entry, qty, SizeScale)
}

// mulDiv computes a*b/den, splitting a when a*b would overflow int64.
func mulDiv(a, b, den int64) int64 {
	if a == 0 || b == 0 {
		return 0
	}
	if q := a * b; q/b == a {
		return q / den
	}
	hi, lo := a/den, a%den
	return hi*b + lo*b/den
}

// divRoundHalfEven divides num by den rounding half to even.
func divRoundHalfEven(num, den int64) int64 {
	if den == 0 {
		return 0
	}
	neg := false
	if num < 0 {
		num, neg = -num, !neg
	}
	if den < 0 {
		den, neg = -den, !neg
	}
	q, r := num/den, num%den
	switch {
	case 2*r > den:
		q++
	case 2*r == den && q%2 == 1:
		q++
	}
	if neg {
		return -q
	}
	return q
}

// Fill records a single match between a taker and a maker order. Append-only.
type Fill struct {
	Market     string         `json:"market"`
	TakerOrder string         `json:"takerOrder"`
	MakerOrder string         `json:"makerOrder"`
	Taker      common.Address `json:"taker"`
	Maker      common.Address `json:"maker"`
	TakerSide  Side           `json:"takerSide"`
	Price      int64          `json:"price"` // maker's price
	Size       int64          `json:"size"`
	TakerFee   int64          `json:"takerFee"`
	MakerFee   int64          `json:"makerFee"`
	Seq        uint64         `json:"seq"` // total order within the market
	Ts         int64          `json:"ts"`  // unix ms
}

// Pair is a matched long/short counterparty record, the unit of position
// accounting. Its state is mutated only by the market worker that owns it.
type Pair struct {
	ID                 string         `json:"id"`
	Market             string         `json:"market"`
	LongTrader         common.Address `json:"longTrader"`
	ShortTrader        common.Address `json:"shortTrader"`
	Size               int64          `json:"size"`
	EntryPrice         int64          `json:"entryPrice"`
	LeverageLong       int64          `json:"leverageLong"`
	LeverageShort      int64          `json:"leverageShort"`
	CollateralLong     int64          `json:"collateralLong"`
	CollateralShort    int64          `json:"collateralShort"`
	FundingIndexAtOpen int64          `json:"fundingIndexAtOpen"`
	OpenedAt           int64          `json:"openedAt"`
	Status             PairStatus     `json:"status"`
}

// TraderOn returns the trader holding the given side of the pair.
func (p *Pair) TraderOn(s Side) common.Address {
	if s == Long {
		return p.LongTrader
	}
	return p.ShortTrader
}

// CollateralOn returns the collateral backing the given side.
func (p *Pair) CollateralOn(s Side) int64 {
	if s == Long {
		return p.CollateralLong
	}
	return p.CollateralShort
}

// LeverageOn returns the declared leverage of the given side.
func (p *Pair) LeverageOn(s Side) int64 {
	if s == Long {
		return p.LeverageLong
	}
	return p.LeverageShort
}

// LiquidationEvent describes a forced close, including any ADL fallout.
// Penalty is the liquidation fee taken from the loser's residual collateral;
// InsuranceDelta nets it against the bankruptcy shortfall the fund absorbed.
type LiquidationEvent struct {
	PairID         string         `json:"pairId"`
	Market         string         `json:"market"`
	Trader         common.Address `json:"trader"` // holder of the closed side
	SideClosed     Side           `json:"sideClosed"`
	MarkPrice      int64          `json:"markPrice"`
	CollateralLost int64          `json:"collateralLost"`
	Penalty        int64          `json:"penalty"`
	InsuranceDelta int64          `json:"insuranceDelta"`
	ADLAffected    []string       `json:"adlAffected,omitempty"`
	Ts             int64          `json:"ts"`
}

// SideRisk is the per-side risk readout recomputed each risk tick.
type SideRisk struct {
	PairID           string         `json:"pairId"`
	Trader           common.Address `json:"trader"`
	Side             Side           `json:"side"`
	UnrealizedPnL    int64          `json:"unrealizedPnl"`
	PendingFunding   int64          `json:"pendingFunding"`
	Equity           int64          `json:"equity"`
	MarginRatioBps   int64          `json:"marginRatioBps"`
	LiquidationPrice int64          `json:"liquidationPrice"`
	Level            RiskLevel      `json:"level"`
}
