package risk

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/memeperp/engine/pkg/app/core"
)

func TestMarkMedian(t *testing.T) {
	// All three present: median wins regardless of which is the outlier.
	assert.Equal(t, int64(100), Mark(MarkInputs{OracleSpot: 100, BookMid: 99, LastTrade: 150}))
	assert.Equal(t, int64(100), Mark(MarkInputs{OracleSpot: 50, BookMid: 100, LastTrade: 150}))

	// Stale oracle is excluded; mid preferred among the rest.
	assert.Equal(t, int64(99), Mark(MarkInputs{OracleSpot: 100, OracleStale: true, BookMid: 99, LastTrade: 150}))

	// Missing inputs degrade mid -> last -> oracle.
	assert.Equal(t, int64(99), Mark(MarkInputs{BookMid: 99, LastTrade: 150}))
	assert.Equal(t, int64(150), Mark(MarkInputs{LastTrade: 150}))
	assert.Equal(t, int64(100), Mark(MarkInputs{OracleSpot: 100}))
	assert.Equal(t, int64(0), Mark(MarkInputs{OracleSpot: 100, OracleStale: true}))
}

func testPair() *core.Pair {
	return &core.Pair{
		ID:              "p1",
		Market:          "MEME",
		LongTrader:      common.HexToAddress("0x01"),
		ShortTrader:     common.HexToAddress("0x02"),
		Size:            2_000_000,  // 2 units
		EntryPrice:      1_000_000,  // $1.00
		LeverageLong:    50_000,     // 5x
		LeverageShort:   50_000,
		CollateralLong:  400_000, // $0.40
		CollateralShort: 400_000,
		Status:          core.PairOpen,
	}
}

func TestAssessLong(t *testing.T) {
	p := testPair()

	// At entry: equity = collateral, notional $2, ratio 2000 bps.
	r := Assess(p, core.Long, 1_000_000, 0, 50)
	assert.Equal(t, int64(0), r.UnrealizedPnL)
	assert.Equal(t, int64(400_000), r.Equity)
	assert.Equal(t, int64(2_000), r.MarginRatioBps)
	assert.Equal(t, core.RiskLow, r.Level)

	// Price drops 15%: long uPnL -$0.30, equity $0.10 on $1.70 notional.
	r = Assess(p, core.Long, 850_000, 0, 50)
	assert.Equal(t, int64(-300_000), r.UnrealizedPnL)
	assert.Equal(t, int64(100_000), r.Equity)
	assert.Equal(t, int64(588), r.MarginRatioBps)

	// Short mirrors the gain.
	r = Assess(p, core.Short, 850_000, 0, 50)
	assert.Equal(t, int64(300_000), r.UnrealizedPnL)
}

func TestLevels(t *testing.T) {
	assert.Equal(t, core.RiskCritical, Level(50, 50))
	assert.Equal(t, core.RiskCritical, Level(-10, 50))
	assert.Equal(t, core.RiskHigh, Level(100, 50))
	assert.Equal(t, core.RiskMedium, Level(200, 50))
	assert.Equal(t, core.RiskLow, Level(201, 50))
}

func TestLiquidationPriceRoundTrip(t *testing.T) {
	p := testPair()
	maint := int64(50)

	liqLong := LiquidationPrice(p, core.Long, 0, maint)
	require.Greater(t, liqLong, int64(0))
	require.Less(t, liqLong, p.EntryPrice)

	// At the computed price the side is exactly at (or within rounding of)
	// the liquidation threshold; one tick above it is safe.
	assert.True(t, Liquidatable(p, core.Long, liqLong, 0, maint))
	assert.False(t, Liquidatable(p, core.Long, liqLong+1_000, 0, maint))

	liqShort := LiquidationPrice(p, core.Short, 0, maint)
	require.Greater(t, liqShort, p.EntryPrice)
	assert.True(t, Liquidatable(p, core.Short, liqShort, 0, maint))
	assert.False(t, Liquidatable(p, core.Short, liqShort-1_000, 0, maint))
}

func TestBankruptcyPrice(t *testing.T) {
	p := testPair()
	// Long posted $0.40 on 2 units at $1.00: bankrupt at $0.80.
	assert.Equal(t, int64(800_000), BankruptcyPrice(p, core.Long, 0))
	// Short bankrupt at $1.20.
	assert.Equal(t, int64(1_200_000), BankruptcyPrice(p, core.Short, 0))

	// Funding owed brings bankruptcy closer.
	p.FundingIndexAtOpen = 0
	bLong := BankruptcyPrice(p, core.Long, 10_000) // long owes 10_000/unit
	assert.Greater(t, bLong, int64(800_000))
}

type countTick struct{ n atomic.Int64 }

func (c *countTick) TryTick() bool { c.n.Add(1); return true }

type busyTick struct{}

func (busyTick) TryTick() bool { return false }

func TestDriverTicks(t *testing.T) {
	mock := clock.NewMock()
	target := &countTick{}
	d := NewDriver(mock, 100*time.Millisecond, zap.NewNop(), target, busyTick{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	// Let the goroutine install its ticker before advancing.
	time.Sleep(10 * time.Millisecond)
	mock.Add(1 * time.Second)
	assert.Eventually(t, func() bool { return target.n.Load() >= 10 },
		time.Second, 5*time.Millisecond)

	cancel()
	mock.Add(200 * time.Millisecond)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("driver did not stop")
	}
}
