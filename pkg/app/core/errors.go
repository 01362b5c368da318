package core

import "errors"

// Stable rejection taxonomy. API handlers map these to string codes; everything
// else wraps them with context via fmt.Errorf("...: %w", err).

// Authentication errors.
var (
	ErrBadSignature  = errors.New("bad signature")
	ErrBadNonce      = errors.New("bad nonce")
	ErrExpired       = errors.New("order expired")
	ErrUnknownTrader = errors.New("unknown trader")
)

// Input errors.
var (
	ErrBadSize          = errors.New("bad size")
	ErrBadLeverage      = errors.New("bad leverage")
	ErrBadPrice         = errors.New("bad price")
	ErrUnknownMarket    = errors.New("unknown market")
	ErrMarketHalted     = errors.New("market halted")
	ErrUnknownOrderType = errors.New("unknown order type")
)

// Balance errors.
var (
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrInsufficientMargin = errors.New("insufficient margin")
)

// Order errors.
var (
	ErrSelfTrade       = errors.New("self trade")
	ErrNotFillable     = errors.New("not fillable")
	ErrAlreadyTerminal = errors.New("order already terminal")
)

// Runtime errors.
var (
	ErrOracleStale  = errors.New("oracle stale")
	ErrSlowConsumer = errors.New("slow consumer")
	ErrInternal     = errors.New("internal error")
)

var errCodes = []struct {
	err  error
	code string
}{
	{ErrBadSignature, "BadSignature"},
	{ErrBadNonce, "BadNonce"},
	{ErrExpired, "Expired"},
	{ErrUnknownTrader, "UnknownTrader"},
	{ErrBadSize, "BadSize"},
	{ErrBadLeverage, "BadLeverage"},
	{ErrBadPrice, "BadPrice"},
	{ErrUnknownMarket, "UnknownMarket"},
	{ErrMarketHalted, "MarketHalted"},
	{ErrUnknownOrderType, "UnknownOrderType"},
	{ErrInsufficientFunds, "InsufficientFunds"},
	{ErrInsufficientMargin, "InsufficientMargin"},
	{ErrSelfTrade, "SelfTrade"},
	{ErrNotFillable, "NotFillable"},
	{ErrAlreadyTerminal, "AlreadyTerminal"},
	{ErrOracleStale, "OracleStale"},
	{ErrSlowConsumer, "BroadcastSlowConsumer"},
}

// Code returns the stable taxonomy code for err, or "Internal" when the error
// is outside the taxonomy.
func Code(err error) string {
	for _, e := range errCodes {
		if errors.Is(err, e.err) {
			return e.code
		}
	}
	return "Internal"
}
