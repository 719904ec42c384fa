package bus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// DefaultHistoryCapacity bounds the event history ring buffer.
const DefaultHistoryCapacity = 1000

// Handler processes one event. A returned error (or panic) is counted
// and logged; it never affects other handlers or the publisher.
type Handler func(ctx context.Context, e Event) error

// Filter is a predicate over events. A nil filter matches everything.
type Filter func(e Event) bool

// Subscription is the handle returned by Subscribe, used to unsubscribe.
type Subscription struct {
	id        uuid.UUID
	eventType Type
	handler   Handler
	filter    Filter
}

// Type returns the event type this subscription listens on.
func (s *Subscription) Type() Type { return s.eventType }

// Bus is the in-process event bus. Delivery to subscribers of one
// publish call is concurrent; Publish returns after every matching
// handler has been invoked and has returned.
type Bus struct {
	mu   sync.RWMutex
	subs map[Type][]*Subscription // copy-on-write slices

	histMu   sync.Mutex
	history  []Event // ring buffer, oldest evicted
	histHead int
	histLen  int

	published     atomic.Int64
	delivered     atomic.Int64
	handlerErrors atomic.Int64
}

// Stats is a snapshot of bus counters.
type Stats struct {
	Published         int64 `json:"published"`
	Delivered         int64 `json:"delivered"`
	HandlerErrors     int64 `json:"handler_errors"`
	ActiveSubscribers int   `json:"active_subscribers"`
	HistorySize       int   `json:"history_size"`
}

// New creates a Bus with the given history capacity (0 uses the default).
func New(historyCapacity int) *Bus {
	if historyCapacity <= 0 {
		historyCapacity = DefaultHistoryCapacity
	}
	return &Bus{
		subs:    make(map[Type][]*Subscription),
		history: make([]Event, historyCapacity),
	}
}

// Subscribe registers a handler for an event type. filter may be nil.
// Multiple subscribers per type are allowed.
func (b *Bus) Subscribe(t Type, h Handler, filter Filter) *Subscription {
	sub := &Subscription{
		id:        uuid.New(),
		eventType: t,
		handler:   h,
		filter:    filter,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	// Copy-on-write: Publish holds the old slice without a lock.
	old := b.subs[t]
	next := make([]*Subscription, len(old)+1)
	copy(next, old)
	next[len(old)] = sub
	b.subs[t] = next
	return sub
}

// Unsubscribe removes a subscription. Idempotent.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	old := b.subs[sub.eventType]
	next := make([]*Subscription, 0, len(old))
	for _, s := range old {
		if s.id != sub.id {
			next = append(next, s)
		}
	}
	if len(next) == 0 {
		delete(b.subs, sub.eventType)
		return
	}
	b.subs[sub.eventType] = next
}

// Publish delivers the event to every matching subscriber concurrently
// and returns after best-effort delivery to all. Missing ID/timestamp
// fields are filled in.
func (b *Bus) Publish(ctx context.Context, e Event) Event {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	b.published.Add(1)
	b.appendHistory(e)

	b.mu.RLock()
	subs := b.subs[e.Type]
	b.mu.RUnlock()

	var wg sync.WaitGroup
	for _, sub := range subs {
		if sub.filter != nil && !sub.filter(e) {
			continue
		}
		wg.Add(1)
		go func(s *Subscription) {
			defer wg.Done()
			b.invoke(ctx, s, e)
		}(sub)
	}
	wg.Wait()
	return e
}

// invoke runs one handler, isolating errors and panics from the
// publisher and from sibling handlers.
func (b *Bus) invoke(ctx context.Context, s *Subscription, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.handlerErrors.Add(1)
			slog.Error("Event handler panicked",
				"event_type", e.Type, "event_id", e.ID, "panic", r)
		}
	}()

	if err := s.handler(ctx, e); err != nil {
		b.handlerErrors.Add(1)
		slog.Warn("Event handler failed",
			"event_type", e.Type, "event_id", e.ID, "error", err)
		return
	}
	b.delivered.Add(1)
}

// History returns buffered events, oldest first. t == "" matches all
// types; filter may be nil; limit <= 0 returns everything buffered.
func (b *Bus) History(t Type, filter Filter, limit int) []Event {
	b.histMu.Lock()
	defer b.histMu.Unlock()

	out := make([]Event, 0, b.histLen)
	for i := 0; i < b.histLen; i++ {
		e := b.history[(b.histHead+i)%len(b.history)]
		if t != "" && e.Type != t {
			continue
		}
		if filter != nil && !filter(e) {
			continue
		}
		out = append(out, e)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// Stats returns a snapshot of the bus counters.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	active := 0
	for _, subs := range b.subs {
		active += len(subs)
	}
	b.mu.RUnlock()

	b.histMu.Lock()
	histLen := b.histLen
	b.histMu.Unlock()

	return Stats{
		Published:         b.published.Load(),
		Delivered:         b.delivered.Load(),
		HandlerErrors:     b.handlerErrors.Load(),
		ActiveSubscribers: active,
		HistorySize:       histLen,
	}
}

func (b *Bus) appendHistory(e Event) {
	b.histMu.Lock()
	defer b.histMu.Unlock()
	if b.histLen < len(b.history) {
		b.history[(b.histHead+b.histLen)%len(b.history)] = e
		b.histLen++
		return
	}
	// Full: overwrite oldest.
	b.history[b.histHead] = e
	b.histHead = (b.histHead + 1) % len(b.history)
}
