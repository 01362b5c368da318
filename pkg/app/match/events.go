package match

import (
	"github.com/memeperp/engine/pkg/app/core"
	"github.com/memeperp/engine/pkg/app/core/pairs"
)

// Sink receives engine events from a market worker. Implementations fan out
// to the journal, the broadcast hub, and metrics. Calls happen on the worker
// goroutine and must never block; the hub side queues and drops per client.
type Sink interface {
	OnOrderUpdate(o core.Order)
	OnFill(f core.Fill)
	OnPairOpened(p core.Pair)
	OnPairClosed(p core.Pair, s pairs.Settlement)
	OnLiquidation(ev core.LiquidationEvent)
	OnFunding(market string, rateBps, index int64)
	OnRisk(market string, risks []core.SideRisk)
	OnBookChanged(market string)
	OnHalt(market, reason string)
	OnResume(market string)
}

// NopSink discards every event. Tests that only care about state use it.
type NopSink struct{}

func (NopSink) OnOrderUpdate(core.Order)                     {}
func (NopSink) OnFill(core.Fill)                             {}
func (NopSink) OnPairOpened(core.Pair)                       {}
func (NopSink) OnPairClosed(core.Pair, pairs.Settlement)     {}
func (NopSink) OnLiquidation(core.LiquidationEvent)          {}
func (NopSink) OnFunding(string, int64, int64)               {}
func (NopSink) OnRisk(string, []core.SideRisk)               {}
func (NopSink) OnBookChanged(string)                         {}
func (NopSink) OnHalt(string, string)                        {}
func (NopSink) OnResume(string)                              {}
