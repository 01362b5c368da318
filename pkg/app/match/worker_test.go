package match

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/memeperp/engine/pkg/app/core"
	"github.com/memeperp/engine/pkg/app/core/ledger"
	"github.com/memeperp/engine/pkg/app/core/market"
	"github.com/memeperp/engine/pkg/app/core/pairs"
)

var (
	alice = common.HexToAddress("0xa11ce00000000000000000000000000000000001")
	bob   = common.HexToAddress("0xb0b0000000000000000000000000000000000002")
	carol = common.HexToAddress("0xca201000000000000000000000000000000000c3")
	dave  = common.HexToAddress("0xdave000000000000000000000000000000000004")
)

const (
	px10 = 10_000_000  // $10
	q100 = 100_000_000 // 100 units
	lev5 = 50_000
)

type recorder struct {
	NopSink
	liquidations []core.LiquidationEvent
	closed       []pairs.Settlement
	halts        []string
}

func (r *recorder) OnLiquidation(ev core.LiquidationEvent)        { r.liquidations = append(r.liquidations, ev) }
func (r *recorder) OnPairClosed(_ core.Pair, s pairs.Settlement)  { r.closed = append(r.closed, s) }
func (r *recorder) OnHalt(_, reason string)                       { r.halts = append(r.halts, reason) }

type env struct {
	t       *testing.T
	ledger  *ledger.Ledger
	listing *market.Listing
	state   *market.State
	pairs   *pairs.Registry
	w       *Worker
	rec     *recorder
	clock   *clock.Mock

	oraclePx    int64
	oracleStale bool
	nonce       map[common.Address]uint64
}

func newEnv(t *testing.T, tweak func(*market.Params)) *env {
	t.Helper()
	p := market.Params{
		ID:              "MEME",
		MaxLeverageX:    1_000_000, // 100x
		MaintMarginBps:  100,       // 1%
		TakerFeeBps:     10,
		MakerFeeBps:     2,
		FundingInterval: 3600,
		MaxFundingBps:   75,
		InsuranceSeed:   0,
	}
	if tweak != nil {
		tweak(&p)
	}
	require.NoError(t, p.Validate())

	reg := market.NewRegistry()
	listing, err := reg.Register(p)
	require.NoError(t, err)

	e := &env{
		t:        t,
		ledger:   ledger.New(),
		listing:  listing,
		state:    market.NewState(p, []int64{60}),
		pairs:    pairs.NewRegistry(),
		rec:      &recorder{},
		clock:    clock.NewMock(),
		oraclePx: px10,
		nonce:    make(map[common.Address]uint64),
	}
	e.clock.Set(time.Unix(1_700_000_000, 0))
	e.w = NewWorker(e.state, listing, e.pairs, e.ledger,
		func() (int64, bool) { return e.oraclePx, e.oracleStale },
		e.rec, e.clock, zap.NewNop(), Config{})
	return e
}

func (e *env) deposit(addr common.Address, amt int64) {
	require.NoError(e.t, e.ledger.Deposit(addr, amt))
}

// admit fabricates what the authenticator produces: a validated order with
// its margin and worst-case taker fee reserved.
func (e *env) admit(trader common.Address, side core.Side, typ core.OrderType,
	size, lev, price int64, tif core.TIF) *core.Order {
	e.t.Helper()
	ref := price
	if typ == core.MarketOrder {
		ref = e.oraclePx
	}
	lock := core.MarginFor(ref, size, lev) + core.FeeOn(ref, size, e.state.Params.TakerFeeBps)
	require.NoError(e.t, e.ledger.ReserveForOrder(trader, lock))

	n := e.nonce[trader]
	e.nonce[trader]++
	return &core.Order{
		ID:        fmt.Sprintf("%s-%d", trader.Hex(), n),
		Trader:    trader,
		Market:    "MEME",
		Side:      side,
		Type:      typ,
		Size:      size,
		Leverage:  lev,
		Price:     price,
		TIF:       tif,
		Deadline:  1_700_000_600,
		Nonce:     n,
		Status:    core.OrderPending,
		CreatedAt: e.clock.Now().UnixMilli(),
		OrderLock: lock,
	}
}

// custody is everything the engine holds: trader buckets, the insurance
// fund, and protocol fee revenue. It must be constant across every internal
// operation.
func (e *env) custody() int64 {
	return e.ledger.TotalCollateral() + e.state.Insurance + e.state.ProtocolFees
}

func TestLimitThenMarketMatch(t *testing.T) {
	e := newEnv(t, nil)
	e.deposit(alice, 1_000_000_000)
	e.deposit(bob, 1_000_000_000)
	before := e.custody()

	// Alice rests a limit long 100 @ $10, 5x.
	r := e.w.handleSubmit(e.admit(alice, core.Long, core.LimitOrder, q100, lev5, px10, core.GTC))
	assert.Empty(t, r.Fills)
	assert.Equal(t, core.OrderPending, r.Order.Status)
	assert.Equal(t, 1, e.w.book.Len())

	// Bob crosses with a market short 100, 5x.
	r = e.w.handleSubmit(e.admit(bob, core.Short, core.MarketOrder, q100, lev5, 0, core.GTC))
	require.Len(t, r.Fills, 1)
	f := r.Fills[0]
	assert.Equal(t, int64(px10), f.Price) // maker price wins
	assert.Equal(t, int64(q100), f.Size)
	assert.Equal(t, core.OrderFilled, r.Order.Status)
	assert.Equal(t, 0, e.w.book.Len(), "no filled order rests")

	// One pair, Alice long / Bob short, entry $10, both sides near $200 margin.
	live := e.pairs.ByMarket("MEME")
	require.Len(t, live, 1)
	p := live[0]
	assert.Equal(t, alice, p.LongTrader)
	assert.Equal(t, bob, p.ShortTrader)
	assert.Equal(t, int64(px10), p.EntryPrice)
	assert.Equal(t, int64(q100), p.Size)
	assert.InDelta(t, 200_000_000, p.CollateralLong, 2_000_000)
	assert.InDelta(t, 200_000_000, p.CollateralShort, 2_000_000)
	assert.Equal(t, int64(q100), e.state.OpenInterest)

	// Fees moved out of trader custody into insurance + protocol revenue.
	assert.Equal(t, before, e.custody())
	assert.Greater(t, e.state.ProtocolFees+e.state.Insurance, int64(0))

	// Close at unchanged mark: realized PnL zero, close fees charged.
	pp := e.pairs.Get(p.ID)
	_, err := e.w.closePortion(pp, pp.Size, px10, e.state.Params.TakerFeeBps, core.PairClosed)
	require.NoError(t, err)
	assert.Equal(t, int64(0), e.state.OpenInterest)
	assert.Equal(t, before, e.custody())
	assert.Equal(t, 0, e.pairs.Count())
}

func TestProfitTransfer(t *testing.T) {
	e := newEnv(t, nil)
	e.deposit(alice, 1_000_000_000)
	e.deposit(bob, 1_000_000_000)

	e.w.handleSubmit(e.admit(alice, core.Long, core.LimitOrder, q100, lev5, px10, core.GTC))
	e.w.handleSubmit(e.admit(bob, core.Short, core.MarketOrder, q100, lev5, 0, core.GTC))

	p := e.pairs.ByMarket("MEME")[0]
	insuranceBefore := e.state.Insurance

	// Mark moves to $12; Bob closes. No close fee to keep the numbers exact.
	live := e.pairs.Get(p.ID)
	s, err := e.w.closePortion(live, live.Size, 12_000_000, 0, core.PairClosed)
	require.NoError(t, err)

	assert.Equal(t, int64(200_000_000), s.Long.Realized)  // +$200 to Alice
	assert.Equal(t, int64(-200_000_000), s.Short.Realized)
	assert.Equal(t, insuranceBefore, e.state.Insurance, "insurance untouched")

	// Alice (maker, 2 bps open fee) netted +$200; Bob (taker, 10 bps) the
	// mirror image.
	const notional = 1_000_000_000
	makerFee := int64(notional * 2 / 10_000)
	takerFee := int64(notional * 10 / 10_000)
	assert.Equal(t, int64(1_000_000_000+200_000_000)-makerFee, e.ledger.Get(alice).Total())
	assert.Equal(t, int64(1_000_000_000-200_000_000)-takerFee, e.ledger.Get(bob).Total())
}

func TestPartialFillAndResidualRests(t *testing.T) {
	e := newEnv(t, nil)
	e.deposit(alice, 1_000_000_000)
	e.deposit(bob, 1_000_000_000)

	e.w.handleSubmit(e.admit(alice, core.Long, core.LimitOrder, 40_000_000, lev5, px10, core.GTC))
	r := e.w.handleSubmit(e.admit(bob, core.Short, core.LimitOrder, q100, lev5, px10, core.GTC))

	require.Len(t, r.Fills, 1)
	assert.Equal(t, int64(40_000_000), r.Fills[0].Size)
	assert.Equal(t, core.OrderPartial, r.Order.Status)
	assert.Equal(t, int64(60_000_000), r.Order.Remaining())
	assert.Equal(t, 1, e.w.book.Len(), "residual rests")
}

func TestIOCResidualCancelsAndReleases(t *testing.T) {
	e := newEnv(t, nil)
	e.deposit(alice, 1_000_000_000)
	e.deposit(bob, 1_000_000_000)
	before := e.custody()

	e.w.handleSubmit(e.admit(alice, core.Long, core.LimitOrder, 40_000_000, lev5, px10, core.GTC))
	r := e.w.handleSubmit(e.admit(bob, core.Short, core.LimitOrder, q100, lev5, px10, core.IOC))

	require.Len(t, r.Fills, 1)
	assert.Equal(t, core.OrderCancelled, r.Order.Status)
	assert.Equal(t, 0, e.w.book.Len())
	assert.Equal(t, int64(0), r.Order.OrderLock, "residual lock released")
	assert.Equal(t, before, e.custody())
	assert.Equal(t, int64(0), e.ledger.Get(bob).LockedOrders)
}

func TestMarketOrderEmptyBookCancelled(t *testing.T) {
	e := newEnv(t, nil)
	e.deposit(bob, 1_000_000_000)

	r := e.w.handleSubmit(e.admit(bob, core.Short, core.MarketOrder, q100, lev5, 0, core.GTC))
	assert.Empty(t, r.Fills)
	assert.Equal(t, core.OrderCancelled, r.Order.Status)
	acc := e.ledger.Get(bob)
	assert.Equal(t, int64(1_000_000_000), acc.Free)
	assert.Equal(t, int64(0), acc.LockedOrders)
}

func TestFOKRejectsAtomically(t *testing.T) {
	e := newEnv(t, nil)
	e.deposit(alice, 1_000_000_000)
	e.deposit(bob, 1_000_000_000)

	e.w.handleSubmit(e.admit(alice, core.Long, core.LimitOrder, 40_000_000, lev5, px10, core.GTC))
	r := e.w.handleSubmit(e.admit(bob, core.Short, core.LimitOrder, q100, lev5, px10, core.FOK))

	assert.Empty(t, r.Fills)
	assert.Equal(t, core.OrderRejected, r.Order.Status)
	// Maker untouched, funds back.
	assert.Equal(t, 1, e.w.book.Len())
	assert.Equal(t, int64(0), e.ledger.Get(bob).LockedOrders)

	// With enough liquidity the same FOK fills completely.
	e.w.handleSubmit(e.admit(alice, core.Long, core.LimitOrder, q100, lev5, px10, core.GTC))
	r = e.w.handleSubmit(e.admit(bob, core.Short, core.LimitOrder, q100, lev5, px10, core.FOK))
	assert.Equal(t, core.OrderFilled, r.Order.Status)
}

func TestSelfTradeCancelsSmallerSide(t *testing.T) {
	e := newEnv(t, nil)
	e.deposit(alice, 2_000_000_000)
	e.deposit(bob, 1_000_000_000)

	// Alice rests 40 then takes 100 short: her resting order is smaller, so
	// it cancels and matching continues against Bob.
	e.w.handleSubmit(e.admit(alice, core.Long, core.LimitOrder, 40_000_000, lev5, px10, core.GTC))
	e.w.handleSubmit(e.admit(bob, core.Long, core.LimitOrder, q100, lev5, px10, core.GTC))

	r := e.w.handleSubmit(e.admit(alice, core.Short, core.LimitOrder, q100, lev5, px10, core.GTC))
	require.Len(t, r.Fills, 1)
	assert.Equal(t, bob, r.Fills[0].Maker)
	assert.Equal(t, int64(q100), r.Fills[0].Size)

	resting := e.w.orders[fmt.Sprintf("%s-0", alice.Hex())]
	assert.Equal(t, core.OrderCancelled, resting.Status)

	// When the incoming order is the smaller one, it cancels instead and the
	// resting order stays.
	e.deposit(carol, 2_000_000_000)
	e.w.handleSubmit(e.admit(carol, core.Long, core.LimitOrder, q100, lev5, px10, core.GTC))
	r = e.w.handleSubmit(e.admit(carol, core.Short, core.LimitOrder, 40_000_000, lev5, px10, core.GTC))
	assert.Empty(t, r.Fills)
	assert.Equal(t, core.OrderCancelled, r.Order.Status)
	assert.Equal(t, 1, e.w.book.Len())
}

func TestPriceTimePriority(t *testing.T) {
	e := newEnv(t, nil)
	for _, a := range []common.Address{alice, bob, carol, dave} {
		e.deposit(a, 1_000_000_000)
	}

	e.w.handleSubmit(e.admit(alice, core.Short, core.LimitOrder, 10_000_000, lev5, px10, core.GTC))
	e.w.handleSubmit(e.admit(bob, core.Short, core.LimitOrder, 10_000_000, lev5, 9_900_000, core.GTC))
	e.w.handleSubmit(e.admit(carol, core.Short, core.LimitOrder, 10_000_000, lev5, px10, core.GTC))

	r := e.w.handleSubmit(e.admit(dave, core.Long, core.MarketOrder, 30_000_000, lev5, 0, core.GTC))
	require.Len(t, r.Fills, 3)
	assert.Equal(t, bob, r.Fills[0].Maker, "better price first")
	assert.Equal(t, alice, r.Fills[1].Maker, "earlier order first within level")
	assert.Equal(t, carol, r.Fills[2].Maker)
}

func TestLiquidationWithInsurance(t *testing.T) {
	e := newEnv(t, func(p *market.Params) { p.InsuranceSeed = 100_000_000 }) // $100
	e.deposit(alice, 1_000_000_000)
	e.deposit(bob, 1_000_000_000)

	// Alice long 100 @ $10 at 100x: $10 collateral, bankruptcy at $9.90.
	e.w.handleSubmit(e.admit(alice, core.Long, core.LimitOrder, q100, 1_000_000, px10, core.GTC))
	e.w.handleSubmit(e.admit(bob, core.Short, core.MarketOrder, q100, lev5, 0, core.GTC))
	require.Equal(t, 1, e.pairs.Count())
	before := e.custody()
	insuranceBefore := e.state.Insurance

	// Mark falls to $9.85: loss $15 exceeds Alice's collateral.
	e.oraclePx = 9_850_000
	e.state.LastPrice = 9_850_000
	e.w.riskTick()

	require.Len(t, e.rec.liquidations, 1)
	ev := e.rec.liquidations[0]
	assert.Equal(t, core.Long, ev.SideClosed)
	assert.Equal(t, int64(9_850_000), ev.MarkPrice)
	assert.Negative(t, ev.InsuranceDelta)
	assert.Empty(t, ev.ADLAffected)
	assert.Equal(t, 0, e.pairs.Count())

	// Insurance paid the bankruptcy gap; custody still conserved.
	assert.Less(t, e.state.Insurance, insuranceBefore)
	assert.Positive(t, e.state.Insurance)
	assert.Equal(t, before, e.custody())
	assert.Equal(t, int64(0), e.ledger.Get(alice).LockedMargin)
	assert.Empty(t, e.rec.halts)
}

func TestLiquidationPenaltyAboveBankruptcy(t *testing.T) {
	e := newEnv(t, func(p *market.Params) { p.LiquidationFeeBps = 50 })
	e.deposit(alice, 1_000_000_000)
	e.deposit(bob, 1_000_000_000)

	// Alice long 100 @ $10 at 10x. Maker at 2 bps, so her committed margin is
	// the $101 lock minus the $0.20 maker fee: $100.80, bankruptcy near $8.99.
	e.w.handleSubmit(e.admit(alice, core.Long, core.LimitOrder, q100, 100_000, px10, core.GTC))
	e.w.handleSubmit(e.admit(bob, core.Short, core.MarketOrder, q100, lev5, 0, core.GTC))
	require.Equal(t, 1, e.pairs.Count())
	before := e.custody()

	// Mark falls to $9.05: under maintenance but above bankruptcy, so the
	// close leaves Alice $5.80 of residual collateral.
	e.oraclePx = 9_050_000
	e.state.LastPrice = 9_050_000
	e.w.riskTick()

	require.Len(t, e.rec.liquidations, 1)
	ev := e.rec.liquidations[0]
	assert.Equal(t, alice, ev.Trader)
	assert.Equal(t, core.Long, ev.SideClosed)

	// 50 bps on the $905 closed notional, taken out of the residual.
	const penalty = int64(4_525_000)
	assert.Equal(t, penalty, ev.Penalty)
	assert.Equal(t, penalty, ev.InsuranceDelta, "no shortfall, fund gains the fee")
	assert.Equal(t, penalty, e.state.Insurance)
	assert.Empty(t, ev.ADLAffected)
	assert.Empty(t, e.rec.halts)

	// Alice keeps the residual net of the penalty: deposit - maker fee -
	// realized loss - penalty.
	assert.Equal(t, int64(1_000_000_000-200_000-95_000_000)-penalty,
		e.ledger.Get(alice).Total())
	assert.Equal(t, before, e.custody())
}

func TestADLTrigger(t *testing.T) {
	e := newEnv(t, nil) // insurance seed 0
	for _, a := range []common.Address{alice, bob, carol, dave} {
		e.deposit(a, 10_000_000_000)
	}

	// Pair 1: Alice long 100x vs Bob.
	e.w.handleSubmit(e.admit(alice, core.Long, core.LimitOrder, q100, 1_000_000, px10, core.GTC))
	e.w.handleSubmit(e.admit(bob, core.Short, core.MarketOrder, q100, lev5, 0, core.GTC))

	// Pair 2: Carol short 50x vs Dave long 5x, same entry. Carol is the
	// profit-rich, high-leverage candidate ADL should pick.
	e.w.handleSubmit(e.admit(dave, core.Long, core.LimitOrder, q100, lev5, px10, core.GTC))
	e.w.handleSubmit(e.admit(carol, core.Short, core.MarketOrder, q100, 500_000, 0, core.GTC))
	require.Equal(t, 2, e.pairs.Count())

	pair2 := pairOf(e, carol)
	before := e.custody()

	// Crash to $9.50: Alice is bankrupt ($50 loss on $10 collateral) with no
	// insurance to cover the $40 gap.
	e.oraclePx = 9_500_000
	e.state.LastPrice = 9_500_000
	e.w.riskTick()

	require.Len(t, e.rec.liquidations, 1)
	ev := e.rec.liquidations[0]
	assert.Equal(t, core.Long, ev.SideClosed)
	require.NotEmpty(t, ev.ADLAffected)
	assert.Contains(t, ev.ADLAffected, pair2.ID)

	// Carol's pair was reduced just enough to cover the deficit.
	reduced := e.pairs.Get(pair2.ID)
	if reduced != nil {
		assert.Less(t, reduced.Size, int64(q100))
	}

	// Operator does not allow negative insurance: market halts.
	assert.NotEmpty(t, e.rec.halts)
	assert.True(t, e.listing.Halted())

	// The uncovered gap shows up as negative insurance, custody conserved.
	assert.Negative(t, e.state.Insurance)
	assert.Equal(t, before, e.custody())
}

func pairOf(e *env, trader common.Address) core.Pair {
	ps := e.pairs.ByTrader(trader)
	require.Len(e.t, ps, 1)
	return ps[0]
}

func TestCancelLifecycle(t *testing.T) {
	e := newEnv(t, nil)
	e.deposit(alice, 1_000_000_000)

	r := e.w.handleSubmit(e.admit(alice, core.Long, core.LimitOrder, q100, lev5, px10, core.GTC))
	id := r.Order.ID

	require.NoError(t, e.w.handleCancel(id, alice))
	assert.Equal(t, 0, e.w.book.Len())
	assert.Equal(t, int64(0), e.ledger.Get(alice).LockedOrders)

	// Cancelling again reports the terminal state.
	assert.ErrorIs(t, e.w.handleCancel(id, alice), core.ErrAlreadyTerminal)
	// Someone else cannot cancel.
	r = e.w.handleSubmit(e.admit(alice, core.Long, core.LimitOrder, q100, lev5, px10, core.GTC))
	assert.ErrorIs(t, e.w.handleCancel(r.Order.ID, bob), core.ErrBadSignature)
}

func TestExpiredRestingOrders(t *testing.T) {
	e := newEnv(t, nil)
	e.deposit(alice, 1_000_000_000)

	r := e.w.handleSubmit(e.admit(alice, core.Long, core.LimitOrder, q100, lev5, px10, core.GTC))
	e.clock.Set(time.Unix(1_700_000_601, 0)) // past the order deadline
	e.w.riskTick()

	assert.Equal(t, core.OrderExpired, e.w.orders[r.Order.ID].Status)
	assert.Equal(t, 0, e.w.book.Len())
	assert.Equal(t, int64(0), e.ledger.Get(alice).LockedOrders)
}

func TestWorkerLoop(t *testing.T) {
	e := newEnv(t, nil)
	e.deposit(alice, 1_000_000_000)
	e.deposit(bob, 1_000_000_000)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.w.Run(ctx)

	_, err := e.w.Submit(ctx, e.admit(alice, core.Long, core.LimitOrder, q100, lev5, px10, core.GTC))
	require.NoError(t, err)
	r, err := e.w.Submit(ctx, e.admit(bob, core.Short, core.MarketOrder, q100, lev5, 0, core.GTC))
	require.NoError(t, err)
	assert.Len(t, r.Fills, 1)

	// A fresh resting bid shows up as the best quote a short taker would hit.
	_, err = e.w.Submit(ctx, e.admit(alice, core.Long, core.LimitOrder, q100, lev5, 9_900_000, core.GTC))
	require.NoError(t, err)
	assert.Equal(t, int64(9_900_000), e.w.BestQuote(ctx, core.Short))

	assert.True(t, e.w.TryTick())

	var oi int64
	require.NoError(t, e.w.Exec(ctx, func() { oi = e.state.OpenInterest }))
	assert.Equal(t, int64(q100), oi)
}
