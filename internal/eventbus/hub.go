// Package eventbus fans application events out to connected clients
// (WebSocket sessions and the MQTT bridge) as {type, data} envelopes.
package eventbus

import (
	"log/slog"
	"sync"
	"time"
)

type EventType string

const (
	EventHealth       EventType = "health"
	EventContact      EventType = "contact"
	EventChannel      EventType = "channel"
	EventMessage      EventType = "message"
	EventMessageAcked EventType = "message_acked"
	EventRawPacket    EventType = "raw_packet"
	EventError        EventType = "error"
	EventSuccess      EventType = "success"
)

// Envelope is the serialized unit every subscriber receives.
type Envelope struct {
	Type EventType `json:"type"`
	Data any       `json:"data"`
}

const (
	subscriberQueueSize = 64
	sendTimeout         = 5 * time.Second
)

// Subscription is one client's event queue. A subscriber that stays full
// past the send timeout is dropped.
type Subscription struct {
	C chan Envelope

	closeOnce sync.Once
}

func (s *Subscription) close() {
	s.closeOnce.Do(func() {
		close(s.C)
	})
}

// SnapshotFunc produces the initial-state replay for a new subscriber:
// current health first, then contacts, then channels.
type SnapshotFunc func() []Envelope

type Hub struct {
	logger *slog.Logger

	mu       sync.Mutex
	subs     map[*Subscription]struct{}
	snapshot SnapshotFunc
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger: logger,
		subs:   make(map[*Subscription]struct{}),
	}
}

// SetSnapshot registers the initial-state provider.
func (h *Hub) SetSnapshot(fn SnapshotFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.snapshot = fn
}

// Subscribe registers a client and queues its initial-state replay before
// any live event can arrive.
func (h *Hub) Subscribe() *Subscription {
	sub := &Subscription{C: make(chan Envelope, subscriberQueueSize)}

	h.mu.Lock()
	snapshot := h.snapshot
	var replay []Envelope
	if snapshot != nil {
		replay = snapshot()
	}
	for _, env := range replay {
		select {
		case sub.C <- env:
		default:
			h.logger.Warn("initial replay overflowed subscriber queue", "queued", len(replay))
		}
	}
	h.subs[sub] = struct{}{}
	h.mu.Unlock()

	return sub
}

func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	_, ok := h.subs[sub]
	delete(h.subs, sub)
	h.mu.Unlock()
	if ok {
		sub.close()
	}
}

func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Broadcast fans an event out to every subscriber. The subscriber list is
// snapshotted first so no client blocks another; sends are bounded by the
// per-subscriber timeout and slow clients are dropped in a batch afterwards.
func (h *Hub) Broadcast(eventType EventType, data any) {
	env := Envelope{Type: eventType, Data: data}

	h.mu.Lock()
	targets := make([]*Subscription, 0, len(h.subs))
	for sub := range h.subs {
		targets = append(targets, sub)
	}
	h.mu.Unlock()

	if len(targets) == 0 {
		return
	}

	var (
		wg     sync.WaitGroup
		deadMu sync.Mutex
		dead   []*Subscription
	)
	for _, sub := range targets {
		wg.Add(1)
		go func(sub *Subscription) {
			defer wg.Done()
			timer := time.NewTimer(sendTimeout)
			defer timer.Stop()
			select {
			case sub.C <- env:
			case <-timer.C:
				deadMu.Lock()
				dead = append(dead, sub)
				deadMu.Unlock()
			}
		}(sub)
	}
	wg.Wait()

	if len(dead) == 0 {
		return
	}
	h.mu.Lock()
	for _, sub := range dead {
		delete(h.subs, sub)
	}
	h.mu.Unlock()
	for _, sub := range dead {
		sub.close()
		h.logger.Warn("dropped slow event subscriber")
	}
}
