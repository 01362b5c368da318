package market

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/memeperp/engine/pkg/app/core"
)

// Listing is a registered market's parameters plus the flags other goroutines
// may read without going through the market worker.
type Listing struct {
	Params Params

	halted atomic.Bool
	mark   atomic.Int64 // last published mark, for margin hints on market orders
}

// Halted reports whether new-order admission is blocked.
func (l *Listing) Halted() bool { return l.halted.Load() }

// SetHalted flips the admission gate.
func (l *Listing) SetHalted(h bool) { l.halted.Store(h) }

// Mark returns the last published mark price, 0 before the first risk tick.
func (l *Listing) Mark() int64 { return l.mark.Load() }

// PublishMark stores the mark computed by the risk tick.
func (l *Listing) PublishMark(p int64) { l.mark.Store(p) }

// Registry is the set of listed markets, shared by the authenticator, the
// query surface, and the engine facade.
type Registry struct {
	mu       sync.RWMutex
	listings map[string]*Listing
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{listings: make(map[string]*Listing)}
}

// Register lists a market. Re-listing an id is an error.
func (r *Registry) Register(p Params) (*Listing, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.listings[p.ID]; ok {
		return nil, fmt.Errorf("market %s already listed", p.ID)
	}
	l := &Listing{Params: p}
	r.listings[p.ID] = l
	return l, nil
}

// Get returns the listing for id.
func (r *Registry) Get(id string) (*Listing, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.listings[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrUnknownMarket, id)
	}
	return l, nil
}

// List returns every listing's params.
func (r *Registry) List() []Params {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Params, 0, len(r.listings))
	for _, l := range r.listings {
		out = append(out, l.Params)
	}
	return out
}

// Exists reports whether id is listed.
func (r *Registry) Exists(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.listings[id]
	return ok
}
