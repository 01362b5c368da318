package match

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/memeperp/engine/pkg/app/core"
	"github.com/memeperp/engine/pkg/app/core/book"
	"github.com/memeperp/engine/pkg/app/core/ledger"
	"github.com/memeperp/engine/pkg/app/core/market"
	"github.com/memeperp/engine/pkg/app/core/pairs"
	"github.com/memeperp/engine/pkg/app/risk"
	"github.com/memeperp/engine/pkg/util"
)

// OracleFn returns the current oracle spot for the worker's market and
// whether it is stale.
type OracleFn func() (price int64, stale bool)

// Config tunes a worker beyond its market params.
type Config struct {
	AllowNegativeInsurance bool
	QueueSize              int // submit/cancel queue depth

	// ObserveTick, when set, receives the duration of each risk pass.
	ObserveTick func(time.Duration)
}

// SubmitResult is what a submit caller gets back once matching completes.
type SubmitResult struct {
	Order core.Order
	Fills []core.Fill
}

type submitMsg struct {
	order *core.Order
	resp  chan SubmitResult
}

type cancelMsg struct {
	orderID string
	trader  common.Address
	resp    chan error
}

type closeMsg struct {
	pairID string
	trader common.Address
	qty    int64 // 0 means full size
	resp   chan error
}

type execMsg struct {
	fn   func()
	done chan struct{}
}

type haltMsg struct{ reason string }

type resumeMsg struct{}

// Worker serializes all mutation of one market: its book, pairs, market
// state, and insurance fund. Everything flows through the message channel, so
// a cancel can never race an in-flight fill for the same order.
type Worker struct {
	state   *market.State
	listing *market.Listing
	book    *book.Book
	pairs   *pairs.Registry
	ledger  *ledger.Ledger
	oracle  OracleFn
	sink    Sink
	clock   util.Clock
	log     *zap.Logger
	cfg     Config

	// Order index: everything admitted to this market this session, terminal
	// orders included so queries and cancels see a stable view.
	orders   map[string]*core.Order
	byTrader map[common.Address]map[string]*core.Order

	msgs chan any
	tick chan struct{} // cap 1: at most one pending risk tick
	stop chan struct{}
}

// NewWorker wires a worker for one listed market.
func NewWorker(st *market.State, listing *market.Listing, pr *pairs.Registry,
	l *ledger.Ledger, oracle OracleFn, sink Sink, c util.Clock, log *zap.Logger, cfg Config) *Worker {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	return &Worker{
		state:    st,
		listing:  listing,
		book:     book.New(),
		pairs:    pr,
		ledger:   l,
		oracle:   oracle,
		sink:     sink,
		clock:    c,
		log:      log.With(zap.String("market", st.Params.ID)),
		cfg:      cfg,
		orders:   make(map[string]*core.Order),
		byTrader: make(map[common.Address]map[string]*core.Order),
		msgs:     make(chan any, cfg.QueueSize),
		tick:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}
}

// Run processes messages until ctx is done. Ticks yield to queued messages.
func (w *Worker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(w.stop)
			return
		case m := <-w.msgs:
			w.dispatch(m)
		case <-w.tick:
			start := w.clock.Now()
			w.riskTick()
			if w.cfg.ObserveTick != nil {
				w.cfg.ObserveTick(w.clock.Since(start))
			}
		}
	}
}

func (w *Worker) dispatch(m any) {
	switch msg := m.(type) {
	case submitMsg:
		msg.resp <- w.handleSubmit(msg.order)
	case cancelMsg:
		msg.resp <- w.handleCancel(msg.orderID, msg.trader)
	case closeMsg:
		msg.resp <- w.handleClose(msg.pairID, msg.trader, msg.qty)
	case execMsg:
		msg.fn()
		close(msg.done)
	case haltMsg:
		w.halt(msg.reason)
	case resumeMsg:
		w.resume()
	}
}

// Submit hands an admitted order to the worker and waits for matching.
func (w *Worker) Submit(ctx context.Context, o *core.Order) (SubmitResult, error) {
	resp := make(chan SubmitResult, 1)
	select {
	case w.msgs <- submitMsg{order: o, resp: resp}:
	case <-ctx.Done():
		return SubmitResult{}, ctx.Err()
	case <-w.stop:
		return SubmitResult{}, fmt.Errorf("worker stopped")
	}
	select {
	case r := <-resp:
		return r, nil
	case <-w.stop:
		return SubmitResult{}, fmt.Errorf("worker stopped")
	}
}

// Cancel requests cancellation of a resting order.
func (w *Worker) Cancel(ctx context.Context, orderID string, trader common.Address) error {
	resp := make(chan error, 1)
	select {
	case w.msgs <- cancelMsg{orderID: orderID, trader: trader, resp: resp}:
	case <-ctx.Done():
		return ctx.Err()
	case <-w.stop:
		return fmt.Errorf("worker stopped")
	}
	select {
	case err := <-resp:
		return err
	case <-w.stop:
		return fmt.Errorf("worker stopped")
	}
}

// ClosePair requests closing the trader's side of a pair at the current mark.
func (w *Worker) ClosePair(ctx context.Context, pairID string, trader common.Address, qty int64) error {
	resp := make(chan error, 1)
	select {
	case w.msgs <- closeMsg{pairID: pairID, trader: trader, qty: qty, resp: resp}:
	case <-ctx.Done():
		return ctx.Err()
	case <-w.stop:
		return fmt.Errorf("worker stopped")
	}
	select {
	case err := <-resp:
		return err
	case <-w.stop:
		return fmt.Errorf("worker stopped")
	}
}

// Exec runs fn on the worker goroutine and waits for it. Queries use it to
// take consistent snapshots of worker-owned state.
func (w *Worker) Exec(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	select {
	case w.msgs <- execMsg{fn: fn, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	case <-w.stop:
		return fmt.Errorf("worker stopped")
	}
	select {
	case <-done:
		return nil
	case <-w.stop:
		return fmt.Errorf("worker stopped")
	}
}

// TryTick requests a risk pass without blocking. At most one tick pends.
func (w *Worker) TryTick() bool {
	select {
	case w.tick <- struct{}{}:
		return true
	default:
		return false
	}
}

// BestQuote returns the best opposing quote for a prospective taker side,
// for admission margin hints.
func (w *Worker) BestQuote(ctx context.Context, takerSide core.Side) int64 {
	var px int64
	_ = w.Exec(ctx, func() {
		if o := w.book.Head(takerSide); o != nil {
			px = o.Price
		}
	})
	return px
}

func (w *Worker) indexOrder(o *core.Order) {
	w.orders[o.ID] = o
	if w.byTrader[o.Trader] == nil {
		w.byTrader[o.Trader] = make(map[string]*core.Order)
	}
	w.byTrader[o.Trader][o.ID] = o
}

// Orders returns copies of the trader's orders, optionally filtered by
// status. Must run inside Exec.
func (w *Worker) OrdersOf(trader common.Address, status *core.OrderStatus) []core.Order {
	out := make([]core.Order, 0, len(w.byTrader[trader]))
	for _, o := range w.byTrader[trader] {
		if status != nil && o.Status != *status {
			continue
		}
		out = append(out, *o)
	}
	return out
}

// RestoreOrder re-indexes an order after journal replay, re-inserting live
// limit orders into the book. Must be called before Run.
func (w *Worker) RestoreOrder(o *core.Order) {
	w.indexOrder(o)
	if !o.Status.Terminal() && o.Type == core.LimitOrder && o.Remaining() > 0 {
		w.book.Insert(o)
	}
}

// Book exposes worker-owned book state. Must run inside Exec.
func (w *Worker) Book() *book.Book { return w.book }

// State exposes worker-owned market state. Must run inside Exec.
func (w *Worker) State() *market.State { return w.state }

func (w *Worker) now() int64 { return util.NowMillis(w.clock) }

// handleSubmit matches an admitted order against the book.
func (w *Worker) handleSubmit(o *core.Order) SubmitResult {
	w.indexOrder(o)

	// FOK simulates the walk first: reject before any state change if the
	// book cannot fully fill.
	if o.TIF == core.FOK {
		if w.book.AvailableWithin(o.Side, o.Price, o.Trader.Hex()) < o.Size {
			w.terminate(o, core.OrderRejected)
			return SubmitResult{Order: *o}
		}
	}

	var fills []core.Fill
	for o.Remaining() > 0 {
		maker := w.book.Head(o.Side)
		if maker == nil || !book.Crosses(o.Side, o.Price, maker.Price) {
			break
		}

		// Self-trade: refuse the fill and cancel the smaller side.
		if maker.Trader == o.Trader {
			if maker.Remaining() <= o.Remaining() {
				w.cancelResting(maker)
				continue
			}
			w.terminate(o, core.OrderCancelled)
			return SubmitResult{Order: *o, Fills: fills}
		}

		fills = append(fills, w.fill(o, maker))
	}

	switch {
	case o.Remaining() == 0:
		w.finishFilled(o)
	case o.Type == core.MarketOrder || o.TIF == core.IOC:
		// Residual cancels, locked funds release.
		w.terminate(o, core.OrderCancelled)
	default:
		// GTC residual rests.
		if len(fills) > 0 {
			o.Status = core.OrderPartial
		}
		o.UpdatedAt = w.now()
		w.book.Insert(o)
		w.sink.OnOrderUpdate(*o)
		w.sink.OnBookChanged(w.state.Params.ID)
	}

	return SubmitResult{Order: *o, Fills: fills}
}

// fill executes one match at the maker's price and opens the pair.
func (w *Worker) fill(taker, maker *core.Order) core.Fill {
	q := taker.Remaining()
	if r := maker.Remaining(); r < q {
		q = r
	}
	px := maker.Price

	takerMargin, takerFee := w.commitFill(taker, q, px, w.state.Params.TakerFeeBps)
	makerMargin, makerFee := w.commitFill(maker, q, px, w.state.Params.MakerFeeBps)

	cut := w.state.AccrueInsurance(takerFee + makerFee)
	w.state.ProtocolFees += takerFee + makerFee - cut

	f := core.Fill{
		Market:     w.state.Params.ID,
		TakerOrder: taker.ID,
		MakerOrder: maker.ID,
		Taker:      taker.Trader,
		Maker:      maker.Trader,
		TakerSide:  taker.Side,
		Price:      px,
		Size:       q,
		TakerFee:   takerFee,
		MakerFee:   makerFee,
		Seq:        w.state.NextSeq(),
		Ts:         w.now(),
	}
	w.state.RecordFill(f)

	levLong, levShort := taker.Leverage, maker.Leverage
	collLong, collShort := takerMargin, makerMargin
	if taker.Side == core.Short {
		levLong, levShort = maker.Leverage, taker.Leverage
		collLong, collShort = makerMargin, takerMargin
	}
	p := pairs.Open(f, levLong, levShort, collLong, collShort, w.state.FundingIndex)
	w.pairs.Add(p)
	w.state.OpenInterest += q

	// The fill and pair records must reach the journal before the maker can go
	// terminal: replay settles the maker's lock from the pair record.
	w.sink.OnFill(f)
	w.sink.OnPairOpened(*p)

	w.book.Reduce(maker, q)
	if maker.Remaining() == 0 {
		w.finishFilled(maker)
	} else {
		maker.Status = core.OrderPartial
		maker.UpdatedAt = f.Ts
		w.sink.OnOrderUpdate(*maker)
	}
	w.sink.OnBookChanged(w.state.Params.ID)
	return f
}

// commitFill consumes the order's pro-rata lock share for q units: the fee
// leaves the account, the rest becomes pair margin. Updates fill accounting.
func (w *Worker) commitFill(o *core.Order, q, px, feeBps int64) (margin, fee int64) {
	share := o.OrderLock
	if q < o.Remaining() {
		share = o.OrderLock * q / o.Remaining()
	}
	fee = core.FeeOn(px, q, feeBps)
	if fee > share {
		fee = share
	}
	margin = share - fee

	if err := w.ledger.CommitMargin(o.Trader, margin, fee); err != nil {
		// The lock was reserved at admission; a failure here is a bug, not a
		// user error.
		w.log.Error("commit margin failed", zap.String("order", o.ID), zap.Error(err))
	}
	o.OrderLock -= share

	// Volume-weighted average entry.
	o.AvgFillPrice = (o.AvgFillPrice*o.Filled + px*q) / (o.Filled + q)
	o.Filled += q
	return margin, fee
}

// finishFilled marks a fully filled order terminal and releases any lock dust.
func (w *Worker) finishFilled(o *core.Order) {
	if o.OrderLock > 0 {
		if err := w.ledger.ReleaseOrder(o.Trader, o.OrderLock); err != nil {
			w.log.Error("release lock dust failed", zap.String("order", o.ID), zap.Error(err))
		}
		o.OrderLock = 0
	}
	o.Status = core.OrderFilled
	o.UpdatedAt = w.now()
	w.sink.OnOrderUpdate(*o)
}

// terminate moves an order to a terminal status and releases its residual
// lock.
func (w *Worker) terminate(o *core.Order, st core.OrderStatus) {
	if o.OrderLock > 0 {
		if err := w.ledger.ReleaseOrder(o.Trader, o.OrderLock); err != nil {
			w.log.Error("release lock failed", zap.String("order", o.ID), zap.Error(err))
		}
		o.OrderLock = 0
	}
	o.Status = st
	o.UpdatedAt = w.now()
	w.sink.OnOrderUpdate(*o)
}

// cancelResting removes a resting order from the book and terminates it.
func (w *Worker) cancelResting(o *core.Order) {
	w.book.Remove(o.ID)
	w.terminate(o, core.OrderCancelled)
	w.sink.OnBookChanged(w.state.Params.ID)
}

func (w *Worker) handleCancel(orderID string, trader common.Address) error {
	o, ok := w.orders[orderID]
	if !ok {
		return fmt.Errorf("%w: order %s", core.ErrNotFillable, orderID)
	}
	if o.Trader != trader {
		return core.ErrBadSignature
	}
	if o.Status.Terminal() {
		return fmt.Errorf("%w: %s", core.ErrAlreadyTerminal, o.Status)
	}
	w.cancelResting(o)
	return nil
}

func (w *Worker) handleClose(pairID string, trader common.Address, qty int64) error {
	p := w.pairs.Get(pairID)
	if p == nil || p.Market != w.state.Params.ID {
		return fmt.Errorf("%w: pair %s", core.ErrNotFillable, pairID)
	}
	if p.LongTrader != trader && p.ShortTrader != trader {
		return core.ErrBadSignature
	}
	if p.Status != core.PairOpen {
		return fmt.Errorf("%w: pair %s", core.ErrAlreadyTerminal, pairID)
	}
	if qty <= 0 || qty > p.Size {
		qty = p.Size
	}

	mark := w.markPrice()
	if mark == 0 {
		return core.ErrBadPrice
	}
	_, err := w.closePortion(p, qty, mark, w.state.Params.TakerFeeBps, core.PairClosed)
	return err
}

// closePortion settles q of the pair at mark and routes the money through the
// ledger and insurance fund.
func (w *Worker) closePortion(p *core.Pair, q, mark, feeBps int64, terminal core.PairStatus) (pairs.Settlement, error) {
	s, err := pairs.ClosePortion(p, q, mark, w.state.FundingIndex, feeBps, terminal)
	if err != nil {
		return s, err
	}

	for _, side := range []pairs.SideSettlement{s.Long, s.Short} {
		if err := w.ledger.ReleaseMargin(side.Trader, side.MarginReleased, side.Payout); err != nil {
			w.log.Error("release margin failed", zap.String("pair", p.ID), zap.Error(err))
		}
	}

	cut := w.state.AccrueInsurance(s.Fees())
	w.state.ProtocolFees += s.Fees() - cut

	// A shortfall means the counterparty was paid more than the loser's
	// collateral could fund; the insurance fund balances the books.
	if short := s.Long.Shortfall + s.Short.Shortfall; short > 0 {
		w.state.Insurance -= short
	}

	w.state.OpenInterest -= q
	if p.Status != core.PairOpen {
		w.pairs.Remove(p.ID)
	}
	w.sink.OnPairClosed(*p, s)
	return s, nil
}

// markPrice blends oracle, book mid, and last trade.
func (w *Worker) markPrice() int64 {
	spot, stale := w.oracle()
	mid, _ := w.book.Mid()
	return risk.Mark(risk.MarkInputs{
		OracleSpot:  spot,
		OracleStale: stale,
		BookMid:     mid,
		LastTrade:   w.state.LastPrice,
	})
}

// Halt asks the worker to block new-order admission. Safe from any
// goroutine; the oracle poller calls it on staleness.
func (w *Worker) Halt(reason string) {
	select {
	case w.msgs <- haltMsg{reason: reason}:
	case <-w.stop:
	}
}

// Resume asks the worker to reopen admission after a halt.
func (w *Worker) Resume() {
	select {
	case w.msgs <- resumeMsg{}:
	case <-w.stop:
	}
}

// halt runs on the worker goroutine. Resting orders, cancels, closes, and
// the risk loop continue while halted.
func (w *Worker) halt(reason string) {
	if w.listing.Halted() {
		return
	}
	w.listing.SetHalted(true)
	w.state.Halted = true
	w.log.Warn("market halted", zap.String("reason", reason))
	w.sink.OnHalt(w.state.Params.ID, reason)
}

func (w *Worker) resume() {
	if !w.listing.Halted() {
		return
	}
	w.listing.SetHalted(false)
	w.state.Halted = false
	w.log.Info("market resumed")
	w.sink.OnResume(w.state.Params.ID)
}
