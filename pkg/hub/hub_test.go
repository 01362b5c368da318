package hub

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func drain(t *testing.T, s *Session) []Message {
	t.Helper()
	var out []Message
	for {
		select {
		case raw := <-s.Out():
			var m Message
			require.NoError(t, json.Unmarshal(raw, &m))
			out = append(out, m)
		default:
			return out
		}
	}
}

func newHub(snapshot SnapshotFunc) (*Hub, *clock.Mock) {
	mock := clock.NewMock()
	return New(mock, zap.NewNop(), snapshot), mock
}

func TestSubscribeSnapshotThenDeltas(t *testing.T) {
	h, _ := newHub(func(topic string) (string, any, bool) {
		return "orderbook", map[string]string{"snap": topic}, true
	})

	s := NewSession("c1")
	h.Register(s)
	h.Subscribe(s, TopicBook("MEME"))

	h.Publish(TopicBook("MEME"), "orderbook", "delta1")
	h.Publish(TopicBook("MEME"), "orderbook", "delta2")

	msgs := drain(t, s)
	require.Len(t, msgs, 3)
	assert.Equal(t, uint64(1), msgs[0].Seq, "snapshot first")
	assert.Equal(t, uint64(2), msgs[1].Seq)
	assert.Equal(t, uint64(3), msgs[2].Seq)

	// Resubscribing yields a fresh snapshot with a later seq.
	h.Subscribe(s, TopicBook("MEME"))
	msgs = drain(t, s)
	require.Len(t, msgs, 1)
	assert.Equal(t, uint64(4), msgs[0].Seq)
}

func TestUnsubscribedReceivesNothing(t *testing.T) {
	h, _ := newHub(nil)
	s := NewSession("c1")
	h.Register(s)
	h.Subscribe(s, TopicTrades("MEME"))
	h.Unsubscribe(s, TopicTrades("MEME"))
	h.Unsubscribe(s, TopicTrades("MEME")) // idempotent

	h.Publish(TopicTrades("MEME"), "trade", "x")
	assert.Empty(t, drain(t, s))
}

func TestSlowConsumerDisconnected(t *testing.T) {
	h, _ := newHub(nil)
	s := NewSession("c1")
	h.Register(s)
	h.Subscribe(s, TopicTrades("MEME"))

	// Fill the queue past capacity without draining.
	for i := 0; i < SendQueueSize+1; i++ {
		h.Publish(TopicTrades("MEME"), "trade", i)
	}

	select {
	case <-s.Closed():
		assert.Equal(t, ReasonSlowConsumer, s.CloseReason())
	default:
		t.Fatal("session should be closed")
	}
	assert.Equal(t, 0, h.SessionCount())

	// Other sessions are unaffected.
	s2 := NewSession("c2")
	h.Register(s2)
	h.Subscribe(s2, TopicTrades("MEME"))
	h.Publish(TopicTrades("MEME"), "trade", "still flowing")
	assert.Len(t, drain(t, s2), 1)
}

func TestBookCoalescing(t *testing.T) {
	h, mock := newHub(nil)
	s := NewSession("c1")
	h.Register(s)
	h.Subscribe(s, TopicBook("MEME"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() { h.Run(ctx); close(done) }()
	time.Sleep(10 * time.Millisecond)

	// A burst of book updates within one flush window.
	for i := 0; i < 50; i++ {
		h.PublishBook(TopicBook("MEME"), i)
	}
	mock.Add(bookFlushInterval)
	assert.Eventually(t, func() bool {
		msgs := drain(t, s)
		if len(msgs) == 0 {
			return false
		}
		// Only the latest payload flushed.
		require.Len(t, msgs, 1)
		assert.Equal(t, "orderbook", msgs[0].Type)
		assert.Equal(t, float64(49), msgs[0].Data)
		return true
	}, time.Second, 5*time.Millisecond)

	cancel()
	mock.Add(bookFlushInterval)
	<-done
}

func TestHeartbeat(t *testing.T) {
	h, mock := newHub(nil)
	s := NewSession("c1")
	h.Register(s)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() { h.Run(ctx); close(done) }()
	time.Sleep(10 * time.Millisecond)

	mock.Add(HeartbeatInterval)
	assert.Eventually(t, func() bool {
		for _, m := range drain(t, s) {
			if m.Type == "heartbeat" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	cancel()
	mock.Add(HeartbeatInterval)
	<-done
}

func TestTraderTopicsAreScoped(t *testing.T) {
	h, _ := newHub(nil)
	a := NewSession("alice")
	b := NewSession("bob")
	h.Register(a)
	h.Register(b)

	addrA := common.HexToAddress("0x01")
	addrB := common.HexToAddress("0x02")
	h.Subscribe(a, TopicBalance(addrA))
	h.Subscribe(b, TopicBalance(addrB))

	h.Publish(TopicBalance(addrA), "balance", "private")
	assert.Len(t, drain(t, a), 1)
	assert.Empty(t, drain(t, b))
}

func TestIsBookTopic(t *testing.T) {
	assert.True(t, IsBookTopic(TopicBook("MEME")))
	assert.False(t, IsBookTopic(TopicTrades("MEME")))
	assert.False(t, IsBookTopic(TopicBalance(common.HexToAddress("0x01"))))
}
