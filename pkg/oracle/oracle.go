package oracle

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/memeperp/engine/pkg/util"
)

// DefaultStaleness is how old the last good price may be before the market
// halts admission.
const DefaultStaleness = 10 * time.Second

// Source fetches the external spot price for a market. Implementations must
// honor the context deadline.
type Source interface {
	SpotPrice(ctx context.Context, market string) (int64, error)
}

// StaticSource serves fixed prices, for tests and devnet.
type StaticSource struct {
	mu     sync.RWMutex
	prices map[string]int64
	err    error
}

// NewStaticSource creates a source with initial prices.
func NewStaticSource(prices map[string]int64) *StaticSource {
	cp := make(map[string]int64, len(prices))
	for k, v := range prices {
		cp[k] = v
	}
	return &StaticSource{prices: cp}
}

// Set updates a market's price.
func (s *StaticSource) Set(market string, price int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[market] = price
}

// Fail makes every fetch return err; nil restores normal operation.
func (s *StaticSource) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *StaticSource) SpotPrice(_ context.Context, market string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.err != nil {
		return 0, s.err
	}
	p, ok := s.prices[market]
	if !ok {
		return 0, fmt.Errorf("no price for %s", market)
	}
	return p, nil
}

// HTTPSource fetches prices from a JSON endpoint returning
// {"price":"<decimal string>"} in 1e6 fixed point. The market id is appended
// to the base URL path.
type HTTPSource struct {
	client *resty.Client
}

// NewHTTPSource creates a source against baseURL.
func NewHTTPSource(baseURL string, timeout time.Duration) *HTTPSource {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(100 * time.Millisecond)
	return &HTTPSource{client: client}
}

type priceResponse struct {
	Price string `json:"price"`
}

func (h *HTTPSource) SpotPrice(ctx context.Context, market string) (int64, error) {
	var out priceResponse
	resp, err := h.client.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/price/" + market)
	if err != nil {
		return 0, fmt.Errorf("fetch spot %s: %w", market, err)
	}
	if resp.IsError() {
		return 0, fmt.Errorf("fetch spot %s: status %d", market, resp.StatusCode())
	}
	p, err := strconv.ParseInt(out.Price, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse spot %s %q: %w", market, out.Price, err)
	}
	if p <= 0 {
		return 0, fmt.Errorf("non-positive spot %s: %d", market, p)
	}
	return p, nil
}

// marketState is the poller's view of one market's feed.
type marketState struct {
	price   int64
	fetched time.Time
	halted  bool
}

// Poller polls a source per market, retains the last good value, and flags
// staleness. On the stale transition it calls OnHalt; on recovery OnResume.
type Poller struct {
	source    Source
	clock     util.Clock
	interval  time.Duration
	staleness time.Duration
	log       *zap.Logger

	OnHalt   func(market, reason string)
	OnResume func(market string)

	mu     sync.RWMutex
	states map[string]*marketState
}

// NewPoller creates a poller for the given markets.
func NewPoller(src Source, c util.Clock, interval, staleness time.Duration, log *zap.Logger, markets ...string) *Poller {
	if staleness <= 0 {
		staleness = DefaultStaleness
	}
	states := make(map[string]*marketState, len(markets))
	for _, m := range markets {
		states[m] = &marketState{}
	}
	return &Poller{
		source:    src,
		clock:     c,
		interval:  interval,
		staleness: staleness,
		log:       log,
		states:    states,
	}
}

// Price returns the last good price and whether it is stale. A market that
// has never fetched successfully is (0, true).
func (p *Poller) Price(market string) (int64, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	st, ok := p.states[market]
	if !ok || st.fetched.IsZero() {
		return 0, true
	}
	return st.price, p.clock.Now().Sub(st.fetched) > p.staleness
}

// Run polls until ctx is done.
func (p *Poller) Run(ctx context.Context) {
	t := p.clock.Ticker(p.interval)
	defer t.Stop()

	p.pollAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			p.pollAll(ctx)
		}
	}
}

func (p *Poller) pollAll(ctx context.Context) {
	p.mu.RLock()
	markets := make([]string, 0, len(p.states))
	for m := range p.states {
		markets = append(markets, m)
	}
	p.mu.RUnlock()

	for _, m := range markets {
		p.pollOne(ctx, m)
	}
}

func (p *Poller) pollOne(ctx context.Context, market string) {
	fetchCtx, cancel := context.WithTimeout(ctx, p.interval)
	price, err := p.source.SpotPrice(fetchCtx, market)
	cancel()

	p.mu.Lock()
	st := p.states[market]
	now := p.clock.Now()

	if err == nil && price > 0 {
		st.price = price
		st.fetched = now
		wasHalted := st.halted
		st.halted = false
		p.mu.Unlock()
		if wasHalted {
			p.log.Info("oracle recovered", zap.String("market", market))
			if p.OnResume != nil {
				p.OnResume(market)
			}
		}
		return
	}

	stale := st.fetched.IsZero() || now.Sub(st.fetched) > p.staleness
	transition := stale && !st.halted
	if transition {
		st.halted = true
	}
	p.mu.Unlock()

	p.log.Warn("oracle fetch failed", zap.String("market", market), zap.Error(err))
	if transition {
		p.log.Error("oracle stale, halting market", zap.String("market", market))
		if p.OnHalt != nil {
			p.OnHalt(market, "oracle stale")
		}
	}
}
