package journal

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/memeperp/engine/pkg/app/core"
)

// Typed payloads for each record type. Orders, fills, pairs, and liquidation
// events journal their core structs directly.

// DepositRecord credits a trader's free balance.
type DepositRecord struct {
	Trader common.Address `json:"trader"`
	Amount int64          `json:"amount"`
}

// WithdrawRecord debits a trader's free balance.
type WithdrawRecord struct {
	Trader common.Address `json:"trader"`
	Amount int64          `json:"amount"`
}

// OrderTerminalRecord finalizes an order's lifecycle.
type OrderTerminalRecord struct {
	OrderID string           `json:"orderId"`
	Trader  common.Address   `json:"trader"`
	Market  string           `json:"market"`
	Status  core.OrderStatus `json:"status"`
	Filled  int64            `json:"filled"`
}

// PairClosedRecord captures a (partial) close with its settlement numbers.
type PairClosedRecord struct {
	Pair        core.Pair       `json:"pair"` // post-close state
	Qty         int64           `json:"qty"`
	Price       int64           `json:"price"`
	LongPayout  int64           `json:"longPayout"`
	ShortPayout int64           `json:"shortPayout"`
	Fees        int64           `json:"fees"`
	Shortfall   int64           `json:"shortfall"`
	Status      core.PairStatus `json:"status"`
}

// ADLRecord lists the pairs reduced after a bankruptcy exhausted the
// insurance fund. Deficit is the full bankruptcy shortfall; the selector's
// target was that minus whatever cushion the fund had left.
type ADLRecord struct {
	Market   string   `json:"market"`
	Deficit  int64    `json:"deficit"`
	Affected []string `json:"affected"`
}

// FundingRecord is one funding interval accrual.
type FundingRecord struct {
	Market  string `json:"market"`
	RateBps int64  `json:"rateBps"`
	Index   int64  `json:"index"`
}

// HaltRecord pauses admission for a market.
type HaltRecord struct {
	Market string `json:"market"`
	Reason string `json:"reason"`
}

// ResumeRecord reopens admission.
type ResumeRecord struct {
	Market string `json:"market"`
}
