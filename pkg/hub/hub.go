package hub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/memeperp/engine/pkg/util"
)

const (
	// SendQueueSize bounds each session's outbound queue. Overflow means the
	// consumer cannot keep up and the session is dropped.
	SendQueueSize = 1024

	// HeartbeatInterval paces server heartbeats; transports close a session
	// after two missed beats.
	HeartbeatInterval = 15 * time.Second

	// bookFlushInterval caps book topics at 10 Hz.
	bookFlushInterval = 100 * time.Millisecond

	// ReasonSlowConsumer is the close reason for queue overflow.
	ReasonSlowConsumer = "slow_consumer"
)

// Message is the wire envelope for every server-to-client payload.
type Message struct {
	Type    string `json:"type"`
	Channel string `json:"channel,omitempty"`
	Seq     uint64 `json:"seq,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// SnapshotFunc produces the first message for a fresh subscription to topic.
// ok=false means the topic has no snapshot (delta-only stream).
type SnapshotFunc func(topic string) (msgType string, data any, ok bool)

// Session is one connected client. The transport goroutine drains Out; the
// hub never blocks on it.
type Session struct {
	id   string
	out  chan []byte
	subs map[string]bool

	closeOnce   sync.Once
	closed      chan struct{}
	closeReason string
}

// NewSession creates a session with a bounded send queue.
func NewSession(id string) *Session {
	return &Session{
		id:     id,
		out:    make(chan []byte, SendQueueSize),
		subs:   make(map[string]bool),
		closed: make(chan struct{}),
	}
}

// Out is the stream the transport writes to the wire.
func (s *Session) Out() <-chan []byte { return s.out }

// Closed signals the transport to tear down the connection.
func (s *Session) Closed() <-chan struct{} { return s.closed }

// CloseReason is valid after Closed fires.
func (s *Session) CloseReason() string { return s.closeReason }

func (s *Session) close(reason string) {
	s.closeOnce.Do(func() {
		s.closeReason = reason
		close(s.closed)
	})
}

// Hub routes engine events to subscribed sessions. Producers hand off and
// never block: a full session queue disconnects that session only.
type Hub struct {
	mu       sync.RWMutex
	sessions map[*Session]bool
	topics   map[string]map[*Session]bool
	seq      map[string]uint64
	snapshot SnapshotFunc

	// Book deltas coalesce: only the latest payload per topic flushes, at
	// most 10 times a second.
	pendingBooks map[string]any

	clock util.Clock
	log   *zap.Logger
}

// New creates a hub. snapshot may be nil for delta-only operation.
func New(c util.Clock, log *zap.Logger, snapshot SnapshotFunc) *Hub {
	return &Hub{
		sessions:     make(map[*Session]bool),
		topics:       make(map[string]map[*Session]bool),
		seq:          make(map[string]uint64),
		snapshot:     snapshot,
		pendingBooks: make(map[string]any),
		clock:        c,
		log:          log,
	}
}

// Run drives heartbeats and book flushes until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	heartbeat := h.clock.Ticker(HeartbeatInterval)
	flush := h.clock.Ticker(bookFlushInterval)
	defer heartbeat.Stop()
	defer flush.Stop()

	for {
		select {
		case <-ctx.Done():
			h.closeAll("shutdown")
			return
		case <-heartbeat.C:
			h.broadcastHeartbeat()
		case <-flush.C:
			h.flushBooks()
		}
	}
}

// Register adds a session to the hub.
func (h *Hub) Register(s *Session) {
	h.mu.Lock()
	h.sessions[s] = true
	n := len(h.sessions)
	h.mu.Unlock()
	h.log.Debug("session connected", zap.String("session", s.id), zap.Int("total", n))
}

// Unregister removes a session and its subscriptions. Idempotent.
func (h *Hub) Unregister(s *Session) {
	h.mu.Lock()
	if _, ok := h.sessions[s]; ok {
		delete(h.sessions, s)
		for topic := range s.subs {
			delete(h.topics[topic], s)
		}
	}
	n := len(h.sessions)
	h.mu.Unlock()
	s.close("unregistered")
	h.log.Debug("session disconnected", zap.String("session", s.id), zap.Int("total", n))
}

// Subscribe attaches the session to a topic and queues the topic snapshot as
// the first message. Idempotent: re-subscribing delivers a fresh snapshot.
// The snapshot is taken before the hub lock: snapshot providers may round-trip
// through a market worker, and workers publish into the hub.
func (h *Hub) Subscribe(s *Session, topic string) {
	var snap *Message
	if h.snapshot != nil {
		if msgType, data, ok := h.snapshot(topic); ok {
			snap = &Message{Type: msgType, Channel: topic, Data: data}
		}
	}

	h.mu.Lock()
	if h.topics[topic] == nil {
		h.topics[topic] = make(map[*Session]bool)
	}
	h.topics[topic][s] = true
	s.subs[topic] = true

	if snap != nil {
		h.seq[topic]++
		snap.Seq = h.seq[topic]
		h.deliverLocked(s, *snap)
	}
	h.mu.Unlock()
}

// Unsubscribe detaches the session from a topic. Idempotent.
func (h *Hub) Unsubscribe(s *Session, topic string) {
	h.mu.Lock()
	delete(h.topics[topic], s)
	delete(s.subs, topic)
	h.mu.Unlock()
}

// Publish fans a delta out to a topic's subscribers with the topic's next
// sequence number. Never blocks.
func (h *Hub) Publish(topic, msgType string, data any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := h.topics[topic]
	if len(subs) == 0 {
		return
	}
	h.seq[topic]++
	msg := Message{Type: msgType, Channel: topic, Seq: h.seq[topic], Data: data}
	for s := range subs {
		h.deliverLocked(s, msg)
	}
}

// PublishBook queues a book payload for coalesced delivery: only the latest
// payload per topic goes out on the next 100 ms flush.
func (h *Hub) PublishBook(topic string, data any) {
	h.mu.Lock()
	h.pendingBooks[topic] = data
	h.mu.Unlock()
}

func (h *Hub) flushBooks() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for topic, data := range h.pendingBooks {
		delete(h.pendingBooks, topic)
		subs := h.topics[topic]
		if len(subs) == 0 {
			continue
		}
		h.seq[topic]++
		msg := Message{Type: "orderbook", Channel: topic, Seq: h.seq[topic], Data: data}
		for s := range subs {
			h.deliverLocked(s, msg)
		}
	}
}

func (h *Hub) broadcastHeartbeat() {
	h.mu.Lock()
	defer h.mu.Unlock()
	msg := Message{Type: "heartbeat"}
	for s := range h.sessions {
		h.deliverLocked(s, msg)
	}
}

func (h *Hub) closeAll(reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.sessions {
		delete(h.sessions, s)
		s.close(reason)
	}
}

// deliverLocked marshals and enqueues without blocking. A full queue evicts
// the session with reason slow_consumer.
func (h *Hub) deliverLocked(s *Session, msg Message) {
	payload, err := json.Marshal(msg)
	if err != nil {
		h.log.Error("marshal broadcast", zap.Error(err))
		return
	}
	select {
	case s.out <- payload:
	default:
		delete(h.sessions, s)
		for topic := range s.subs {
			delete(h.topics[topic], s)
		}
		s.close(ReasonSlowConsumer)
		h.log.Warn("slow consumer dropped", zap.String("session", s.id))
	}
}

// SessionCount returns the number of connected sessions.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}
