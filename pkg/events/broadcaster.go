package events

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dan-solli/ctxrelay/pkg/metrics"
)

const (
	// DefaultHistorySize is how many events are kept for replay.
	DefaultHistorySize = 1000

	// DefaultBufferSize is the channel buffer for each subscriber.
	DefaultBufferSize = 64
)

// ErrClosed is returned by Subscribe after Close.
var ErrClosed = errors.New("broadcaster closed")

// Policy decides what happens when a subscriber's buffer is full.
type Policy string

const (
	// PolicyDropOldest evicts the oldest queued events and queues a resync
	// marker ahead of the new event.
	PolicyDropOldest Policy = "drop_oldest"

	// PolicyDisconnect removes the subscriber and closes its channel.
	PolicyDisconnect Policy = "disconnect"
)

// ParsePolicy validates a configured policy name.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case PolicyDropOldest, PolicyDisconnect:
		return Policy(s), nil
	case "":
		return PolicyDropOldest, nil
	}
	return "", fmt.Errorf("unknown backpressure policy %q", s)
}

// Options configures a Broadcaster.
type Options struct {
	HistorySize int
	BufferSize  int
	Policy      Policy
	Logger      *slog.Logger
	Metrics     metrics.Collector
}

// Broadcaster fans events out to subscribers and keeps a bounded history.
// Publish never blocks on a subscriber. Every subscriber observes events in
// publish order.
type Broadcaster struct {
	mu          sync.Mutex
	subscribers map[string]*subscriber
	history     *ring
	lastID      uint64
	closed      bool

	bufferSize int
	policy     Policy
	logger     *slog.Logger
	metrics    metrics.Collector
	now        func() time.Time
}

type subscriber struct {
	id       string
	ch       chan Event
	types    map[Type]bool // nil means all types
	dropped  int
	done     chan struct{}
	stopOnce sync.Once
}

func (s *subscriber) stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

func (s *subscriber) wants(t Type) bool {
	return s.types == nil || s.types[t]
}

// NewBroadcaster creates a broadcaster. Zero options take defaults.
func NewBroadcaster(opts Options) *Broadcaster {
	if opts.HistorySize <= 0 {
		opts.HistorySize = DefaultHistorySize
	}
	if opts.BufferSize < 2 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.Policy == "" {
		opts.Policy = PolicyDropOldest
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewNoopCollector()
	}
	return &Broadcaster{
		subscribers: make(map[string]*subscriber),
		history:     newRing(opts.HistorySize),
		bufferSize:  opts.BufferSize,
		policy:      opts.Policy,
		logger:      opts.Logger.With("component", "broadcaster"),
		metrics:     opts.Metrics,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Publish assigns the next ID, records the event in history and delivers it
// to every matching subscriber. Payloads are shared between subscribers and
// must not be mutated after publishing. After Close, Publish is a no-op and
// returns the zero Event.
func (b *Broadcaster) Publish(t Type, payload map[string]any) Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return Event{}
	}

	b.lastID++
	ev := Event{ID: b.lastID, Type: t, Timestamp: b.now(), Payload: payload}
	b.history.push(ev)
	b.metrics.RecordEventPublished(string(t))

	for id, sub := range b.subscribers {
		if !sub.wants(t) {
			continue
		}
		if !b.deliver(sub, ev) {
			b.removeLocked(id)
			b.logger.Warn("disconnected slow subscriber",
				"sub_id", id,
				"event_id", ev.ID,
				"buffer", b.bufferSize)
			b.metrics.RecordEventsDropped(string(PolicyDisconnect), 1)
		}
	}
	return ev
}

// deliver queues ev for sub. It reports false when the subscriber must be
// disconnected. Publish is the only sender and holds b.mu, so after draining
// there is guaranteed room for the marker and the event.
func (b *Broadcaster) deliver(sub *subscriber, ev Event) bool {
	select {
	case sub.ch <- ev:
		return true
	default:
	}

	if b.policy == PolicyDisconnect {
		return false
	}

	removed, dropped := 0, 0
drain:
	for len(sub.ch) > cap(sub.ch)-2 {
		select {
		case old := <-sub.ch:
			removed++
			if old.Type != TypeResync {
				dropped++
			}
		default:
			break drain
		}
	}
	if removed == 0 {
		// the subscriber caught up meanwhile
		sub.ch <- ev
		return true
	}
	sub.dropped += dropped
	b.metrics.RecordEventsDropped(string(PolicyDropOldest), dropped)
	b.logger.Debug("dropped events for slow subscriber",
		"sub_id", sub.id,
		"dropped", dropped,
		"event_id", ev.ID)

	sub.ch <- Event{
		Type:      TypeResync,
		Timestamp: ev.Timestamp,
		Payload:   map[string]any{"reason": "dropped", "dropped": dropped},
	}
	sub.ch <- ev
	return true
}

// SubscribeOptions controls replay and filtering for a new subscription.
type SubscribeOptions struct {
	// LastEventID requests replay of buffered events strictly after this ID.
	LastEventID *uint64
	// Types restricts delivery; empty means every type.
	Types []Type
}

// Subscription is a registered subscriber.
type Subscription struct {
	ID string
	// Replay holds the buffered events to deliver before C.
	Replay []Event
	// Gap is set when LastEventID aged out of history or was never issued.
	// Replay then holds whatever history is still buffered.
	Gap bool
	// C receives live events. It is closed on Close, context cancellation,
	// broadcaster shutdown or disconnection by backpressure.
	C <-chan Event

	b   *Broadcaster
	sub *subscriber
}

// Close unsubscribes. It is safe to call more than once.
func (s *Subscription) Close() {
	s.sub.stop()
	s.b.unsubscribe(s.ID)
}

// Dropped returns how many events this subscriber lost to backpressure.
func (s *Subscription) Dropped() int {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	return s.sub.dropped
}

// Subscribe registers a subscriber. Replay and registration happen under one
// lock, so no event is both replayed and delivered live, and none is missed.
// The subscription is closed when ctx is cancelled.
func (b *Broadcaster) Subscribe(ctx context.Context, opts SubscribeOptions) (*Subscription, error) {
	var types map[Type]bool
	if len(opts.Types) > 0 {
		types = make(map[Type]bool, len(opts.Types))
		for _, t := range opts.Types {
			types[t] = true
		}
	}

	sub := &subscriber{
		id:    uuid.New().String(),
		ch:    make(chan Event, b.bufferSize),
		types: types,
		done:  make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}

	var replay []Event
	gap := false
	if opts.LastEventID != nil {
		last := *opts.LastEventID
		oldest, ok := b.history.oldestID()
		switch {
		case last > b.lastID:
			gap = true
			replay = b.history.all()
		case ok && last+1 < oldest:
			gap = true
			replay = b.history.all()
		case !ok && last < b.lastID:
			gap = true
		default:
			replay = b.history.after(last)
		}
	}
	replay = filter(replay, sub)

	b.subscribers[sub.id] = sub
	count := len(b.subscribers)
	b.mu.Unlock()

	b.metrics.SetSubscribers(count)
	b.logger.Debug("subscriber added",
		"sub_id", sub.id,
		"replay", len(replay),
		"gap", gap)

	s := &Subscription{
		ID:     sub.id,
		Replay: replay,
		Gap:    gap,
		C:      sub.ch,
		b:      b,
		sub:    sub,
	}

	// Auto-cleanup on context cancellation
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-sub.done:
		}
	}()

	return s, nil
}

func filter(evs []Event, sub *subscriber) []Event {
	if sub.types == nil {
		return evs
	}
	out := evs[:0:0]
	for _, ev := range evs {
		if sub.wants(ev.Type) {
			out = append(out, ev)
		}
	}
	return out
}

func (b *Broadcaster) unsubscribe(id string) {
	b.mu.Lock()
	removed := b.removeLocked(id)
	count := len(b.subscribers)
	b.mu.Unlock()

	if removed {
		b.metrics.SetSubscribers(count)
		b.logger.Debug("subscriber removed", "sub_id", id)
	}
}

func (b *Broadcaster) removeLocked(id string) bool {
	sub, ok := b.subscribers[id]
	if !ok {
		return false
	}
	delete(b.subscribers, id)
	close(sub.ch)
	sub.stop()
	return true
}

// History returns up to limit buffered events, oldest first. An empty type
// matches every type; limit <= 0 returns everything buffered.
func (b *Broadcaster) History(t Type, limit int) []Event {
	b.mu.Lock()
	all := b.history.all()
	b.mu.Unlock()

	var out []Event
	for _, ev := range all {
		if t == "" || ev.Type == t {
			out = append(out, ev)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// SubscriberCount returns the number of registered subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

// LastID returns the ID of the most recently published event.
func (b *Broadcaster) LastID() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastID
}

// Close shuts down the broadcaster and closes all subscriber channels.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id := range b.subscribers {
		b.removeLocked(id)
	}
	b.metrics.SetSubscribers(0)
	b.logger.Debug("broadcaster closed")
}
