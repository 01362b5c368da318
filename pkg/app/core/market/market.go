package market

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/memeperp/engine/pkg/app/core"
)

// Params are a market's static listing parameters, loaded from config.
type Params struct {
	ID              string         `json:"id"`    // market identifier, e.g. "MEME"
	Token           common.Address `json:"token"` // on-chain token address for EIP-712 binding
	MaxLeverageX    int64          `json:"maxLeverage"`     // 1e4-scaled, e.g. 100_000 = 10x
	MaintMarginBps  int64          `json:"maintMarginBps"`  // maintenance margin ratio
	TakerFeeBps     int64          `json:"takerFeeBps"`
	MakerFeeBps     int64          `json:"makerFeeBps"`
	FundingInterval int64          `json:"fundingIntervalSec"`
	MaxFundingBps   int64          `json:"maxFundingRateBps"` // per-interval clamp
	InsuranceSeed   int64          `json:"insuranceSeed"`
	InsuranceFeeBps int64          `json:"insuranceFeeBps"` // fraction of protocol fees routed to the fund

	// LiquidationFeeBps is charged on the liquidated notional out of the
	// loser's residual collateral and accrues to the insurance fund.
	LiquidationFeeBps int64 `json:"liquidationFeeBps"`
}

// Validate rejects listings that could not operate.
func (p Params) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("market id required")
	}
	if p.MaxLeverageX < core.LeverageScale {
		return fmt.Errorf("market %s: max leverage below 1x: %d", p.ID, p.MaxLeverageX)
	}
	if p.MaintMarginBps <= 0 || p.MaintMarginBps >= core.BpsDenom {
		return fmt.Errorf("market %s: maintenance margin out of range: %d", p.ID, p.MaintMarginBps)
	}
	if p.TakerFeeBps < 0 || p.MakerFeeBps < 0 || p.LiquidationFeeBps < 0 {
		return fmt.Errorf("market %s: negative fee", p.ID)
	}
	if p.FundingInterval <= 0 {
		return fmt.Errorf("market %s: funding interval must be positive", p.ID)
	}
	return nil
}

// tradesRingSize bounds the recent-trades buffer served by queries.
const tradesRingSize = 1000

// State is a market's mutable runtime state. It is owned by the market's
// worker goroutine; queries receive copies through the worker.
type State struct {
	Params Params

	Halted       bool
	LastPrice    int64 // most recent fill price
	MarkPrice    int64 // recomputed each risk tick
	OpenInterest int64 // sum of open pair sizes

	// Insurance fund balance. Protocol fees accrue here per InsuranceFeeBps;
	// liquidation shortfalls draw it down.
	Insurance int64

	// ProtocolFees is the fee revenue not routed to insurance.
	ProtocolFees int64

	// FundingIndex accumulates signed per-unit funding over time. A pair's
	// pending funding is (index_now - index_at_open) * size.
	FundingIndex   int64
	FundingRateBps int64 // last computed per-interval rate
	LastFundingTs  int64 // unix ms of the last funding accrual

	Seq uint64 // engine sequence, incremented per fill and event

	trades []core.Fill // ring, newest last
	klines *KlineSet
}

// NewState creates runtime state for a listed market.
func NewState(p Params, resolutions []int64) *State {
	return &State{
		Params:    p,
		Insurance: p.InsuranceSeed,
		klines:    NewKlineSet(resolutions),
	}
}

// NextSeq allocates the market's next engine sequence number.
func (s *State) NextSeq() uint64 {
	s.Seq++
	return s.Seq
}

// RecordFill updates last price, the trades ring, and klines.
func (s *State) RecordFill(f core.Fill) {
	s.LastPrice = f.Price
	s.trades = append(s.trades, f)
	if len(s.trades) > tradesRingSize {
		s.trades = s.trades[len(s.trades)-tradesRingSize:]
	}
	s.klines.Apply(f.Ts, f.Price, f.Size)
}

// Trades returns the most recent n fills, newest first.
func (s *State) Trades(n int) []core.Fill {
	if n <= 0 || n > len(s.trades) {
		n = len(s.trades)
	}
	out := make([]core.Fill, n)
	for i := 0; i < n; i++ {
		out[i] = s.trades[len(s.trades)-1-i]
	}
	return out
}

// Klines returns up to n candles at the given resolution, oldest first.
func (s *State) Klines(resolutionSec int64, n int) []Kline {
	return s.klines.Tail(resolutionSec, n)
}

// AccrueInsurance routes the insurance fraction of a fee into the fund and
// returns the amount accrued.
func (s *State) AccrueInsurance(fee int64) int64 {
	cut := fee * s.Params.InsuranceFeeBps / core.BpsDenom
	s.Insurance += cut
	return cut
}

// FundingRate computes the clamped per-interval rate in bps from the premium
// of mark over oracle spot. Premium divides by 8 so a persistent gap bleeds in
// over several intervals rather than all at once.
func FundingRate(mark, oracle, maxBps int64) int64 {
	if oracle <= 0 {
		return 0
	}
	premiumBps := (mark - oracle) * core.BpsDenom / oracle
	rate := premiumBps / 8
	if rate > maxBps {
		rate = maxBps
	}
	if rate < -maxBps {
		rate = -maxBps
	}
	return rate
}

// AccrueFunding advances the funding index when an interval has elapsed.
// Returns the applied rate and true when an accrual happened. The per-unit
// index delta is rate·mark/1e4 so pending funding stays in collateral units.
func (s *State) AccrueFunding(nowMs, mark, oracle int64) (int64, bool) {
	intervalMs := s.Params.FundingInterval * 1000
	if s.LastFundingTs == 0 {
		s.LastFundingTs = nowMs
		return 0, false
	}
	if nowMs-s.LastFundingTs < intervalMs {
		return 0, false
	}
	rate := FundingRate(mark, oracle, s.Params.MaxFundingBps)
	s.FundingRateBps = rate
	s.FundingIndex += mark * rate / core.BpsDenom
	s.LastFundingTs = nowMs
	return rate, true
}
