package risk

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/memeperp/engine/pkg/util"
)

// DefaultInterval is the risk loop cadence.
const DefaultInterval = 100 * time.Millisecond

// Driver fires the risk tick for a set of market workers on a fixed cadence.
// Each target's TryTick must be non-blocking: when a worker is still chewing
// on the previous tick the new one is dropped, and the worker catches up by
// reading the clock when it finally runs. At most one tick is ever pending
// per worker.
type Driver struct {
	clock    util.Clock
	interval time.Duration
	targets  []Tickable
	log      *zap.Logger
}

// Tickable is the worker-side tick intake.
type Tickable interface {
	// TryTick requests a risk pass and reports whether it was accepted.
	TryTick() bool
}

// NewDriver creates a driver over the given workers.
func NewDriver(c util.Clock, interval time.Duration, log *zap.Logger, targets ...Tickable) *Driver {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Driver{clock: c, interval: interval, targets: targets, log: log}
}

// Run drives ticks until ctx is done.
func (d *Driver) Run(ctx context.Context) {
	t := d.clock.Ticker(d.interval)
	defer t.Stop()

	var dropped int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			for _, w := range d.targets {
				if !w.TryTick() {
					dropped++
					if dropped%100 == 1 {
						d.log.Warn("risk tick dropped, worker busy", zap.Int64("dropped", dropped))
					}
				}
			}
		}
	}
}
