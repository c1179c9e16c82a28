package activity

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/miradorstack/mirador-causal/internal/cache"
	"github.com/miradorstack/mirador-causal/internal/metrics"
	"github.com/miradorstack/mirador-causal/internal/models"
)

// defaultCapacity bounds the in-memory ring when none is configured.
const defaultCapacity = 4096

// mirrorKey is the sorted set holding the cross-instance activity mirror.
const mirrorKey = "mirador:causal:activity"

// Feed is the engine's live activity log: a bounded in-memory ring with a
// strictly monotonic cursor, optionally mirrored into a Valkey sorted set so
// other instances can read it. Subscribers get push delivery for streaming;
// slow subscribers are skipped rather than allowed to block publication.
type Feed struct {
	capacity  int
	provider  cache.Provider
	mirrorTTL time.Duration
	logger    *slog.Logger

	mu      sync.RWMutex
	cursor  uint64
	ring    []models.ActivityEvent
	subs    map[int]chan models.ActivityEvent
	nextSub int
}

// Option configures a Feed.
type Option func(*Feed)

// WithCapacity overrides the ring size.
func WithCapacity(n int) Option {
	return func(f *Feed) {
		if n > 0 {
			f.capacity = n
		}
	}
}

// WithMirror mirrors published events into the given cache provider.
func WithMirror(provider cache.Provider, ttl time.Duration) Option {
	return func(f *Feed) {
		f.provider = provider
		f.mirrorTTL = ttl
	}
}

// NewFeed constructs an empty feed.
func NewFeed(logger *slog.Logger, opts ...Option) *Feed {
	f := &Feed{
		capacity: defaultCapacity,
		logger:   logger,
		subs:     make(map[int]chan models.ActivityEvent),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Publish appends an event to the feed and fans it out to subscribers.
func (f *Feed) Publish(eventType models.ActivityType, service, message string, metadata map[string]string) {
	f.mu.Lock()
	f.cursor++
	event := models.ActivityEvent{
		Cursor:    f.cursor,
		Timestamp: time.Now().UTC(),
		Type:      eventType,
		Service:   service,
		Message:   message,
		Metadata:  metadata,
	}
	f.ring = append(f.ring, event)
	if len(f.ring) > f.capacity {
		f.ring = append(f.ring[:0], f.ring[len(f.ring)-f.capacity:]...)
	}
	for _, ch := range f.subs {
		select {
		case ch <- event:
		default:
			// Subscriber is not keeping up; it can recover via Since.
		}
	}
	f.mu.Unlock()

	metrics.ObserveActivityEvent(string(eventType))
	f.mirror(event)
}

// Since returns up to limit events with a cursor strictly greater than the
// given one, oldest first. A zero limit means no cap. When the ring has
// evicted past the requested cursor and a mirror is configured, the range is
// served from the mirror instead, so replicas and late readers still see the
// retained history.
func (f *Feed) Since(cursor uint64, limit int) []models.ActivityEvent {
	f.mu.RLock()
	var evicted bool
	if len(f.ring) == 0 {
		evicted = f.cursor > cursor
	} else {
		evicted = f.ring[0].Cursor > cursor+1
	}
	out := make([]models.ActivityEvent, 0)
	for _, event := range f.ring {
		if event.Cursor <= cursor {
			continue
		}
		out = append(out, event)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	f.mu.RUnlock()

	if evicted && f.provider != nil {
		if mirrored, ok := f.readMirror(cursor, limit); ok {
			return mirrored
		}
	}
	return out
}

// readMirror range-reads the shared sorted set. Members are scored by
// publication time, so the whole retained window is fetched and filtered by
// cursor; a read failure falls back to whatever the local ring still holds.
func (f *Feed) readMirror(cursor uint64, limit int) ([]models.ActivityEvent, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	payloads, err := f.provider.ZRangeByScore(ctx, mirrorKey, 0, math.Inf(1))
	if err != nil {
		f.logger.Warn("activity mirror read failed", "error", err)
		return nil, false
	}
	events := make([]models.ActivityEvent, 0, len(payloads))
	for _, payload := range payloads {
		var event models.ActivityEvent
		if err := json.Unmarshal(payload, &event); err != nil {
			f.logger.Warn("activity mirror decode failed", "error", err)
			continue
		}
		if event.Cursor <= cursor {
			continue
		}
		events = append(events, event)
	}
	sort.Slice(events, func(i, j int) bool { return events[i].Cursor < events[j].Cursor })
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return events, true
}

// Cursor returns the cursor of the most recently published event.
func (f *Feed) Cursor() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.cursor
}

// Subscribe registers a push channel for new events. The returned cancel
// function must be called when the subscriber goes away.
func (f *Feed) Subscribe() (<-chan models.ActivityEvent, func()) {
	ch := make(chan models.ActivityEvent, 64)
	f.mu.Lock()
	id := f.nextSub
	f.nextSub++
	f.subs[id] = ch
	f.mu.Unlock()

	cancel := func() {
		f.mu.Lock()
		if _, ok := f.subs[id]; ok {
			delete(f.subs, id)
			close(ch)
		}
		f.mu.Unlock()
	}
	return ch, cancel
}

// mirror best-effort copies the event into the shared sorted set, scored by
// publication time so other instances can range-read it.
func (f *Feed) mirror(event models.ActivityEvent) {
	if f.provider == nil {
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		f.logger.Warn("activity mirror marshal failed", "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	score := float64(event.Timestamp.UnixMilli())
	if err := f.provider.ZAdd(ctx, mirrorKey, score, payload); err != nil {
		f.logger.Warn("activity mirror write failed", "error", err)
		return
	}
	if err := f.provider.Expire(ctx, mirrorKey, f.mirrorTTL); err != nil {
		f.logger.Warn("activity mirror expire failed", "error", err)
	}
}
