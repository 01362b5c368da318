package oracle

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestStaticSource(t *testing.T) {
	s := NewStaticSource(map[string]int64{"MEME": 1_000_000})

	p, err := s.SpotPrice(context.Background(), "MEME")
	require.NoError(t, err)
	assert.Equal(t, int64(1_000_000), p)

	_, err = s.SpotPrice(context.Background(), "NOPE")
	assert.Error(t, err)

	s.Fail(errors.New("down"))
	_, err = s.SpotPrice(context.Background(), "MEME")
	assert.Error(t, err)
	s.Fail(nil)
	_, err = s.SpotPrice(context.Background(), "MEME")
	assert.NoError(t, err)
}

func TestHTTPSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/price/MEME":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"price":"1500000"}`))
		case "/price/BAD":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"price":"not-a-number"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	src := NewHTTPSource(srv.URL, time.Second)

	p, err := src.SpotPrice(context.Background(), "MEME")
	require.NoError(t, err)
	assert.Equal(t, int64(1_500_000), p)

	_, err = src.SpotPrice(context.Background(), "BAD")
	assert.Error(t, err)

	_, err = src.SpotPrice(context.Background(), "MISSING")
	assert.Error(t, err)
}

type haltRecorder struct {
	mu      sync.Mutex
	halts   []string
	resumes []string
}

func (h *haltRecorder) onHalt(market, _ string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.halts = append(h.halts, market)
}

func (h *haltRecorder) onResume(market string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.resumes = append(h.resumes, market)
}

func (h *haltRecorder) counts() (int, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.halts), len(h.resumes)
}

func TestPollerStalenessHaltAndRecovery(t *testing.T) {
	src := NewStaticSource(map[string]int64{"MEME": 1_000_000})
	mock := clock.NewMock()
	rec := &haltRecorder{}

	p := NewPoller(src, mock, time.Second, 10*time.Second, zap.NewNop(), "MEME")
	p.OnHalt = rec.onHalt
	p.OnResume = rec.onResume

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() { p.Run(ctx); close(done) }()
	time.Sleep(10 * time.Millisecond)

	// Healthy fetch: fresh price.
	assert.Eventually(t, func() bool {
		px, stale := p.Price("MEME")
		return px == 1_000_000 && !stale
	}, time.Second, 5*time.Millisecond)

	// Source fails; inside the staleness bound the last good value holds.
	src.Fail(errors.New("exchange down"))
	mock.Add(5 * time.Second)
	time.Sleep(20 * time.Millisecond)
	px, stale := p.Price("MEME")
	assert.Equal(t, int64(1_000_000), px)
	assert.False(t, stale)
	halts, _ := rec.counts()
	assert.Zero(t, halts, "no halt while within staleness bound")

	// Past the bound: stale, one halt callback.
	mock.Add(10 * time.Second)
	assert.Eventually(t, func() bool {
		_, stale := p.Price("MEME")
		h, _ := rec.counts()
		return stale && h == 1
	}, time.Second, 5*time.Millisecond)

	// Still failing: no duplicate halts.
	mock.Add(5 * time.Second)
	time.Sleep(20 * time.Millisecond)
	halts, _ = rec.counts()
	assert.Equal(t, 1, halts)

	// Recovery resumes exactly once.
	src.Fail(nil)
	src.Set("MEME", 1_100_000)
	mock.Add(time.Second)
	assert.Eventually(t, func() bool {
		px, stale := p.Price("MEME")
		_, r := rec.counts()
		return px == 1_100_000 && !stale && r == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	mock.Add(time.Second)
	<-done
}

func TestPollerUnknownMarket(t *testing.T) {
	p := NewPoller(NewStaticSource(nil), clock.NewMock(), time.Second, 0, zap.NewNop())
	px, stale := p.Price("NOPE")
	assert.Equal(t, int64(0), px)
	assert.True(t, stale)
}
