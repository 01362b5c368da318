package perp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/memeperp/engine/params"
	"github.com/memeperp/engine/pkg/app/auth"
	"github.com/memeperp/engine/pkg/app/core"
	"github.com/memeperp/engine/pkg/app/core/ledger"
	"github.com/memeperp/engine/pkg/app/core/market"
	"github.com/memeperp/engine/pkg/app/core/pairs"
	"github.com/memeperp/engine/pkg/app/match"
	"github.com/memeperp/engine/pkg/app/risk"
	"github.com/memeperp/engine/pkg/crypto"
	"github.com/memeperp/engine/pkg/hub"
	"github.com/memeperp/engine/pkg/journal"
	"github.com/memeperp/engine/pkg/metrics"
	"github.com/memeperp/engine/pkg/oracle"
	"github.com/memeperp/engine/pkg/util"
)

// runtime bundles one market's worker-owned state with its worker.
type runtime struct {
	listing *market.Listing
	state   *market.State
	worker  *match.Worker
}

// Engine is the top of the stack: it owns the ledger, every market runtime,
// the oracle poller, the risk driver, the journal, and the broadcast hub, and
// exposes the operations the API layer calls.
type Engine struct {
	cfg     params.Config
	ledger  *ledger.Ledger
	markets *market.Registry
	pairs   *pairs.Registry
	auth    *auth.Authenticator
	journal *journal.Journal
	hub     *hub.Hub
	metrics *metrics.Metrics
	poller  *oracle.Poller
	driver  *risk.Driver
	clock   util.Clock
	log     *zap.Logger

	runtimes map[string]*runtime
}

// New wires an engine from config. The journal is passed in open so the
// caller controls recovery ordering: open, New, Restore, Run.
func New(cfg params.Config, src oracle.Source, j *journal.Journal, c util.Clock, log *zap.Logger) (*Engine, error) {
	e := &Engine{
		cfg:      cfg,
		ledger:   ledger.New(),
		markets:  market.NewRegistry(),
		pairs:    pairs.NewRegistry(),
		journal:  j,
		metrics:  metrics.New(),
		clock:    c,
		log:      log,
		runtimes: make(map[string]*runtime),
	}
	e.hub = hub.New(c, log, e.snapshotTopic)

	domain := crypto.DefaultDomain(cfg.Chain.ChainID, common.HexToAddress(cfg.Chain.SettlementAddress))
	e.auth = auth.New(e.ledger, e.markets, crypto.NewEIP712Signer(domain), c, log)

	sink := &engineSink{engine: e}
	ids := make([]string, 0, len(cfg.Markets))
	for _, mc := range cfg.Markets {
		p := marketParams(mc)
		listing, err := e.markets.Register(p)
		if err != nil {
			return nil, err
		}
		st := market.NewState(p, cfg.Engine.KlineResolutions)
		id := p.ID
		w := match.NewWorker(st, listing, e.pairs, e.ledger, func() (int64, bool) {
			return e.poller.Price(id)
		}, sink, c, log, match.Config{
			AllowNegativeInsurance: cfg.Engine.AllowNegativeInsurance,
			ObserveTick:            func(d time.Duration) { e.metrics.RiskTickSeconds.Observe(d.Seconds()) },
		})
		e.runtimes[id] = &runtime{listing: listing, state: st, worker: w}
		ids = append(ids, id)
	}

	e.poller = oracle.NewPoller(src, c, cfg.Oracle.PollInterval, cfg.Oracle.Staleness, log, ids...)
	e.poller.OnHalt = func(m, reason string) {
		if rt, ok := e.runtimes[m]; ok {
			rt.worker.Halt(reason)
		}
	}
	e.poller.OnResume = func(m string) {
		if rt, ok := e.runtimes[m]; ok {
			rt.worker.Resume()
		}
	}

	tickables := make([]risk.Tickable, 0, len(e.runtimes))
	for _, rt := range e.runtimes {
		tickables = append(tickables, rt.worker)
	}
	e.driver = risk.NewDriver(c, cfg.Engine.RiskTickInterval, log, tickables...)

	return e, nil
}

func marketParams(mc params.MarketConfig) market.Params {
	maxFunding := mc.MaxFundingBps
	if maxFunding == 0 {
		maxFunding = 75
	}
	return market.Params{
		ID:                mc.ID,
		Token:             common.HexToAddress(mc.Token),
		MaxLeverageX:      mc.MaxLeverageX * core.LeverageScale,
		MaintMarginBps:    mc.MaintMarginBps,
		TakerFeeBps:       mc.TakerFeeBps,
		MakerFeeBps:       mc.MakerFeeBps,
		FundingInterval:   mc.FundingIntervalSec,
		MaxFundingBps:     maxFunding,
		InsuranceSeed:     mc.InsuranceSeed,
		InsuranceFeeBps:   mc.InsuranceFeeBps,
		LiquidationFeeBps: mc.LiquidationFeeBps,
	}
}

// Run starts every goroutine and blocks until ctx is done.
func (e *Engine) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, rt := range e.runtimes {
		wg.Add(1)
		go func(w *match.Worker) {
			defer wg.Done()
			w.Run(ctx)
		}(rt.worker)
	}
	wg.Add(3)
	go func() { defer wg.Done(); e.poller.Run(ctx) }()
	go func() { defer wg.Done(); e.driver.Run(ctx) }()
	go func() { defer wg.Done(); e.hub.Run(ctx) }()

	e.log.Info("engine running",
		zap.Int("markets", len(e.runtimes)),
		zap.Int64("chainId", e.cfg.Chain.ChainID))
	wg.Wait()
}

// Hub exposes the broadcast hub for the websocket transport.
func (e *Engine) Hub() *hub.Hub { return e.hub }

// Metrics exposes the metric set for the metrics listener.
func (e *Engine) Metrics() *metrics.Metrics { return e.metrics }

// Auth exposes the authenticator, for signature pre-checks in transports.
func (e *Engine) Auth() *auth.Authenticator { return e.auth }

// Deposit credits a trader's free collateral and journals it durably.
func (e *Engine) Deposit(trader common.Address, amount int64) error {
	if err := e.ledger.Deposit(trader, amount); err != nil {
		return err
	}
	e.append(journal.TypeDeposit, journal.DepositRecord{Trader: trader, Amount: amount}, true)
	e.publishBalance(trader)
	return nil
}

// Withdraw debits free collateral. Funds locked behind orders or margin stay.
func (e *Engine) Withdraw(trader common.Address, amount int64) error {
	if err := e.ledger.Withdraw(trader, amount); err != nil {
		return err
	}
	e.append(journal.TypeWithdraw, journal.WithdrawRecord{Trader: trader, Amount: amount}, true)
	e.publishBalance(trader)
	return nil
}

// SubmitOrder authenticates, reserves, journals, and matches a signed order.
// The order mutates in place: on return it carries its terminal or resting
// state.
func (e *Engine) SubmitOrder(ctx context.Context, o *core.Order) (match.SubmitResult, error) {
	rt := e.runtimes[o.Market]

	var hint int64
	if rt != nil && o.Type == core.MarketOrder {
		hint = rt.worker.BestQuote(ctx, o.Side)
	}

	if err := e.auth.Admit(o, hint); err != nil {
		e.metrics.OrdersRejected.WithLabelValues(o.Market, core.Code(err)).Inc()
		return match.SubmitResult{}, err
	}

	// Admission is the durability point: a crash after this fsync replays the
	// order; a crash before it never reserved funds.
	e.append(journal.TypeOrderAdmitted, o, true)
	e.metrics.OrdersAdmitted.WithLabelValues(o.Market).Inc()

	res, err := rt.worker.Submit(ctx, o)
	if err != nil {
		return match.SubmitResult{}, err
	}
	e.publishBalance(o.Trader)
	return res, nil
}

// CancelOrder verifies the trader's cancel authorization and cancels the
// order on whichever market holds it.
func (e *Engine) CancelOrder(ctx context.Context, orderID string, trader common.Address, sig []byte) error {
	if err := e.auth.VerifyCancel(orderID, trader, sig); err != nil {
		return err
	}
	var lastErr error = fmt.Errorf("%w: order %s", core.ErrNotFillable, orderID)
	for _, rt := range e.runtimes {
		err := rt.worker.Cancel(ctx, orderID, trader)
		if err == nil {
			e.publishBalance(trader)
			return nil
		}
		if !errors.Is(err, core.ErrNotFillable) {
			return err
		}
		lastErr = err
	}
	return lastErr
}

// ClosePair verifies the trader's close authorization and closes qty of their
// side at the current mark. qty <= 0 closes the full size.
func (e *Engine) ClosePair(ctx context.Context, pairID string, trader common.Address, qty int64, sig []byte) error {
	if err := e.auth.VerifyClose(pairID, trader, sig); err != nil {
		return err
	}
	p := e.pairs.Get(pairID)
	if p == nil {
		return fmt.Errorf("%w: pair %s", core.ErrNotFillable, pairID)
	}
	rt, ok := e.runtimes[p.Market]
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrUnknownMarket, p.Market)
	}
	if err := rt.worker.ClosePair(ctx, pairID, trader, qty); err != nil {
		return err
	}
	e.publishBalance(trader)
	return nil
}

// HaltMarket blocks admission on a market. Operator action; resting orders
// and the risk loop keep running.
func (e *Engine) HaltMarket(id, reason string) error {
	rt, ok := e.runtimes[id]
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrUnknownMarket, id)
	}
	rt.worker.Halt(reason)
	return nil
}

// ResumeMarket reopens admission after a halt.
func (e *Engine) ResumeMarket(id string) error {
	rt, ok := e.runtimes[id]
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrUnknownMarket, id)
	}
	rt.worker.Resume()
	return nil
}

// append journals a record, tolerating a nil journal for tests.
func (e *Engine) append(typ string, data any, sync bool) {
	if e.journal == nil {
		return
	}
	if _, err := e.journal.Append(util.NowMillis(e.clock), typ, data, sync); err != nil {
		e.log.Error("journal append failed", zap.String("type", typ), zap.Error(err))
		return
	}
	e.metrics.JournalRecords.Inc()
}

func (e *Engine) publishBalance(trader common.Address) {
	if acc := e.ledger.Get(trader); acc != nil {
		e.hub.Publish(hub.TopicBalance(trader), "balance", acc)
	}
}

func (e *Engine) publishPositions(trader common.Address) {
	e.hub.Publish(hub.TopicPositions(trader), "positions", e.pairs.ByTrader(trader))
}
