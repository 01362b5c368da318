package auth

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/memeperp/engine/pkg/app/core"
	"github.com/memeperp/engine/pkg/app/core/ledger"
	"github.com/memeperp/engine/pkg/app/core/market"
	"github.com/memeperp/engine/pkg/crypto"
	"github.com/memeperp/engine/pkg/util"
)

// Authenticator admits signed orders into the engine. Checks run in a fixed
// order and the first failure wins, so clients see a stable rejection code for
// a given bad input. A successful admission has already reserved the order's
// collateral; the caller must hand the order to the market worker or release
// the reservation.
type Authenticator struct {
	ledger   *ledger.Ledger
	registry *market.Registry
	verifier *crypto.EIP712Signer
	clock    util.Clock
	log      *zap.Logger
}

// New creates an authenticator.
func New(l *ledger.Ledger, r *market.Registry, v *crypto.EIP712Signer, c util.Clock, log *zap.Logger) *Authenticator {
	return &Authenticator{ledger: l, registry: r, verifier: v, clock: c, log: log}
}

func toTypedOrder(o *core.Order, token common.Address) *crypto.OrderEIP712 {
	ot := uint8(0)
	if o.Type == core.LimitOrder {
		ot = 1
	}
	return &crypto.OrderEIP712{
		Trader:    o.Trader,
		Token:     token,
		IsLong:    o.Side == core.Long,
		Size:      big.NewInt(o.Size),
		Leverage:  big.NewInt(o.Leverage),
		Price:     big.NewInt(o.Price),
		Deadline:  big.NewInt(o.Deadline),
		Nonce:     new(big.Int).SetUint64(o.Nonce),
		OrderType: ot,
	}
}

// Admit validates and reserves collateral for an order. quoteHint is the best
// opposing quote for margin estimation of market orders; 0 when the book is
// empty. On success the order carries its assigned ID, admit timestamp, and
// the reserved lock amount.
func (a *Authenticator) Admit(o *core.Order, quoteHint int64) error {
	// 1. Signature binds the declared trader.
	listing, lerr := a.registry.Get(o.Market)
	var token common.Address
	if lerr == nil {
		token = listing.Params.Token
	}
	ok, err := a.verifier.VerifyOrderSignature(toTypedOrder(o, token), o.Signature)
	if err != nil || !ok {
		return core.ErrBadSignature
	}

	// 2. Deadline.
	now := util.NowUnix(a.clock)
	if o.Deadline < now {
		return fmt.Errorf("%w: deadline %d, now %d", core.ErrExpired, o.Deadline, now)
	}

	// 3. Trader known.
	if !a.ledger.Exists(o.Trader) {
		return core.ErrUnknownTrader
	}

	// 4. Nonce. Consumed here even if a later check fails, so a rejected
	// order's nonce can never be replayed with different contents.
	if err := a.ledger.NextNonce(o.Trader, o.Nonce); err != nil {
		return err
	}

	// 5. Market listed and accepting orders.
	if lerr != nil {
		return lerr
	}
	if listing.Halted() {
		return fmt.Errorf("%w: %s", core.ErrMarketHalted, o.Market)
	}

	// 6. Shape checks.
	if o.Size <= 0 {
		return core.ErrBadSize
	}
	if o.Leverage < core.LeverageScale || o.Leverage > listing.Params.MaxLeverageX {
		return fmt.Errorf("%w: %d", core.ErrBadLeverage, o.Leverage)
	}
	switch o.Type {
	case core.LimitOrder:
		if o.Price <= 0 {
			return core.ErrBadPrice
		}
	case core.MarketOrder:
		if o.Price != 0 {
			return core.ErrBadPrice
		}
	default:
		return core.ErrUnknownOrderType
	}

	// 7. Reserve worst-case margin plus taker fee.
	ref := o.Price
	if o.Type == core.MarketOrder {
		ref = quoteHint
		if ref == 0 {
			ref = listing.Mark()
		}
		if ref == 0 {
			return fmt.Errorf("%w: no reference price for market order", core.ErrBadPrice)
		}
	}
	margin := core.MarginFor(ref, o.Size, o.Leverage)
	fee := core.FeeOn(ref, o.Size, listing.Params.TakerFeeBps)
	lock := margin + fee
	if err := a.ledger.ReserveForOrder(o.Trader, lock); err != nil {
		return err
	}

	o.ID = fmt.Sprintf("%s-%d", o.Trader.Hex(), o.Nonce)
	o.OrderLock = lock
	o.CreatedAt = util.NowMillis(a.clock)
	o.UpdatedAt = o.CreatedAt
	o.Status = core.OrderPending

	a.log.Debug("order admitted",
		zap.String("order", o.ID),
		zap.String("market", o.Market),
		zap.String("side", o.Side.String()),
		zap.Int64("size", o.Size),
		zap.Int64("lock", lock))
	return nil
}

// VerifyCancel checks the trader's personal-sign authorization to cancel an
// order.
func (a *Authenticator) VerifyCancel(orderID string, trader common.Address, sig []byte) error {
	ok, err := crypto.VerifyTextSignature(trader, crypto.CancelMessage(orderID), sig)
	if err != nil || !ok {
		return core.ErrBadSignature
	}
	return nil
}

// VerifyClose checks the trader's personal-sign authorization to close their
// side of a pair.
func (a *Authenticator) VerifyClose(pairID string, trader common.Address, sig []byte) error {
	ok, err := crypto.VerifyTextSignature(trader, crypto.CloseMessage(pairID, trader), sig)
	if err != nil || !ok {
		return core.ErrBadSignature
	}
	return nil
}
