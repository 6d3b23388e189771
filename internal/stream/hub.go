// Package stream fans ingestion events out to live dashboard subscribers.
//
// Publish never blocks on a subscriber. Each subscription owns a bounded
// queue; when it is full the hub either drops that subscriber's oldest
// queued event or disconnects it, depending on the overflow policy. Every
// subscriber sees events in the order they were published. The hub keeps no
// history: a client that reconnects resyncs from the query API.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"coldchain-monitor/internal/metrics"
)

// Event types
const (
	EventConnected     = "connected"
	EventTelemetry     = "telemetry"
	EventAlertResolved = "alert.resolved"
	EventTripCompleted = "trip.completed"
	EventKeepalive     = "keepalive"
)

// Overflow policies
const (
	DropOldest = "drop_oldest"
	Disconnect = "disconnect"
)

// ErrHubClosed is returned by Subscribe after the hub has shut down
var ErrHubClosed = errors.New("stream hub closed")

// Event is one message delivered to subscribers. Seq carries the frame ID
// for telemetry events and is zero otherwise.
type Event struct {
	ID   string          `json:"id"`
	Type string          `json:"type"`
	Seq  int64           `json:"seq,omitempty"`
	Time time.Time       `json:"time"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewEvent builds an event with a fresh ID and payload encoded as JSON
func NewEvent(eventType string, seq int64, payload any) (Event, error) {
	ev := Event{
		ID:   uuid.NewString(),
		Type: eventType,
		Seq:  seq,
		Time: time.Now().UTC(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return ev, fmt.Errorf("failed to encode %s event: %w", eventType, err)
		}
		ev.Data = data
	}
	return ev, nil
}

// Options configures a Hub
type Options struct {
	BufferSize int
	Overflow   string
	Keepalive  time.Duration
	Logger     *slog.Logger
}

// Hub tracks subscriptions and fans events out to them
type Hub struct {
	opts Options

	mu     sync.RWMutex
	subs   map[string]*Subscription
	closed bool

	// publishMu orders publishes so every subscriber sees the same sequence
	publishMu sync.Mutex
}

// NewHub creates a hub. Zero option values fall back to a buffer of 10,
// drop-oldest overflow and a 30s keepalive.
func NewHub(opts Options) *Hub {
	if opts.BufferSize < 1 {
		opts.BufferSize = 10
	}
	if opts.Overflow != Disconnect {
		opts.Overflow = DropOldest
	}
	if opts.Keepalive <= 0 {
		opts.Keepalive = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Hub{opts: opts, subs: make(map[string]*Subscription)}
}

// Subscription receives every event published after it was created until
// it is closed or evicted. Events is closed when the subscription ends.
type Subscription struct {
	ID string

	hub     *Hub
	mu      sync.Mutex
	ch      chan Event
	closed  bool
	dropped atomic.Int64
}

// Events returns the subscription's queue
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Dropped reports how many queued events were discarded for this subscriber
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Close unsubscribes. It is safe to call more than once.
func (s *Subscription) Close() {
	s.hub.Unsubscribe(s)
}

// offer queues ev without blocking. It reports false when the subscriber
// must be evicted.
func (s *Subscription) offer(ev Event, policy string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}

	select {
	case s.ch <- ev:
		return true
	default:
	}

	if policy == Disconnect {
		return false
	}

	select {
	case <-s.ch:
		s.dropped.Add(1)
		metrics.EventsDropped.Add(1)
	default:
	}
	select {
	case s.ch <- ev:
	default:
		s.dropped.Add(1)
		metrics.EventsDropped.Add(1)
	}
	return true
}

// offerIfRoom queues ev only when the buffer has space
func (s *Subscription) offerIfRoom(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- ev:
	default:
	}
}

func (s *Subscription) close() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	close(s.ch)
	return true
}

// Subscribe registers a new subscription
func (h *Hub) Subscribe() (*Subscription, error) {
	s := &Subscription{
		ID:  uuid.NewString(),
		hub: h,
		ch:  make(chan Event, h.opts.BufferSize),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHubClosed
	}
	h.subs[s.ID] = s
	metrics.ActiveSubscribers.Add(1)
	h.opts.Logger.Debug("subscriber joined", "subscriber", s.ID, "subscribers", len(h.subs))
	return s, nil
}

// Unsubscribe removes the subscription and releases its buffer
func (h *Hub) Unsubscribe(s *Subscription) {
	h.mu.Lock()
	_, ok := h.subs[s.ID]
	if ok {
		delete(h.subs, s.ID)
		metrics.ActiveSubscribers.Add(-1)
	}
	h.mu.Unlock()

	s.close()
	if ok {
		h.opts.Logger.Debug("subscriber left", "subscriber", s.ID)
	}
}

// Len returns the number of active subscriptions
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) snapshot() []*Subscription {
	h.mu.RLock()
	defer h.mu.RUnlock()
	subs := make([]*Subscription, 0, len(h.subs))
	for _, s := range h.subs {
		subs = append(subs, s)
	}
	return subs
}

// Broadcast delivers ev to every current subscriber and returns how many
// were offered the event. Subscribers that overflow under the disconnect
// policy are evicted.
func (h *Hub) Broadcast(ev Event) int {
	h.publishMu.Lock()
	defer h.publishMu.Unlock()

	subs := h.snapshot()
	var evicted []*Subscription
	for _, s := range subs {
		if !s.offer(ev, h.opts.Overflow) {
			evicted = append(evicted, s)
		}
	}
	metrics.EventsPublished.Add(1)

	for _, s := range evicted {
		h.Unsubscribe(s)
		metrics.SubscribersEvicted.Add(1)
		h.opts.Logger.Warn("subscriber evicted, buffer full", "subscriber", s.ID, "event", ev.Type)
	}
	return len(subs) - len(evicted)
}

// Publish broadcasts to local subscribers
func (h *Hub) Publish(_ context.Context, ev Event) {
	h.Broadcast(ev)
}

// keepalive offers a keepalive to every subscriber without displacing
// queued events
func (h *Hub) keepalive() {
	h.publishMu.Lock()
	defer h.publishMu.Unlock()

	ev := Event{ID: uuid.NewString(), Type: EventKeepalive, Time: time.Now().UTC()}
	for _, s := range h.snapshot() {
		s.offerIfRoom(ev)
	}
}

// Run sends keepalives until ctx is done, then closes the hub
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.opts.Keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.Close()
			return
		case <-ticker.C:
			h.keepalive()
		}
	}
}

// Close ends every subscription and rejects new ones
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	subs := h.subs
	h.subs = make(map[string]*Subscription)
	h.mu.Unlock()

	for _, s := range subs {
		if s.close() {
			metrics.ActiveSubscribers.Add(-1)
		}
	}
}
