package activity

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/miradorstack/mirador-causal/internal/models"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCursorIsMonotonic(t *testing.T) {
	feed := NewFeed(discardLogger())
	for i := 0; i < 5; i++ {
		feed.Publish(models.ActivityAnomalyDetected, "checkout", "msg", nil)
	}
	events := feed.Since(0, 0)
	if len(events) != 5 {
		t.Fatalf("expected 5 events, got %d", len(events))
	}
	for i, event := range events {
		if event.Cursor != uint64(i+1) {
			t.Fatalf("cursor must increase by one per event, got %d at %d", event.Cursor, i)
		}
	}
	if feed.Cursor() != 5 {
		t.Fatalf("feed cursor should be 5, got %d", feed.Cursor())
	}
}

func TestSinceFiltersAndLimits(t *testing.T) {
	feed := NewFeed(discardLogger())
	for i := 0; i < 10; i++ {
		feed.Publish(models.ActivityIncidentCreated, "checkout", "msg", nil)
	}

	tail := feed.Since(7, 0)
	if len(tail) != 3 || tail[0].Cursor != 8 {
		t.Fatalf("expected cursors 8..10, got %+v", tail)
	}
	limited := feed.Since(0, 4)
	if len(limited) != 4 || limited[3].Cursor != 4 {
		t.Fatalf("limit not applied: %+v", limited)
	}
	if got := feed.Since(10, 0); len(got) != 0 {
		t.Fatalf("caught-up cursor should see nothing, got %d", len(got))
	}
}

func TestRingEvictsOldest(t *testing.T) {
	feed := NewFeed(discardLogger(), WithCapacity(3))
	for i := 0; i < 5; i++ {
		feed.Publish(models.ActivityRCAStarted, "", "msg", nil)
	}
	events := feed.Since(0, 0)
	if len(events) != 3 {
		t.Fatalf("ring should hold 3 events, got %d", len(events))
	}
	if events[0].Cursor != 3 {
		t.Fatalf("oldest events must be evicted first, got cursor %d", events[0].Cursor)
	}
}

func TestSubscribePushesEvents(t *testing.T) {
	feed := NewFeed(discardLogger())
	ch, cancel := feed.Subscribe()
	defer cancel()

	feed.Publish(models.ActivitySuspectsGenerated, "checkout", "ranked", map[string]string{"incident_id": "inc-1"})

	select {
	case event := <-ch:
		if event.Type != models.ActivitySuspectsGenerated || event.Metadata["incident_id"] != "inc-1" {
			t.Fatalf("unexpected event: %+v", event)
		}
	case <-time.After(time.Second):
		t.Fatalf("subscriber did not receive the event")
	}

	cancel()
	if _, ok := <-ch; ok {
		t.Fatalf("cancel should close the channel")
	}
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	feed := NewFeed(discardLogger())
	_, cancel := feed.Subscribe() // never drained
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 200; i++ { // more than the subscriber buffer
			feed.Publish(models.ActivityAnomalyDetected, "checkout", "msg", nil)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("publish blocked on a slow subscriber")
	}
}

type fakeMirror struct {
	mu      sync.Mutex
	members [][]byte
	expires int
}

func (f *fakeMirror) ZAdd(_ context.Context, _ string, _ float64, member []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.members = append(f.members, member)
	return nil
}
func (f *fakeMirror) ZRangeByScore(context.Context, string, float64, float64) ([][]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.members...), nil
}
func (f *fakeMirror) Expire(context.Context, string, time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expires++
	return nil
}
func (f *fakeMirror) Close() error { return nil }

func TestMirrorWritesSortedSet(t *testing.T) {
	mirror := &fakeMirror{}
	feed := NewFeed(discardLogger(), WithMirror(mirror, time.Hour))
	feed.Publish(models.ActivityIncidentCreated, "checkout", "Incident in checkout", nil)

	mirror.mu.Lock()
	defer mirror.mu.Unlock()
	if len(mirror.members) != 1 {
		t.Fatalf("expected one mirrored member, got %d", len(mirror.members))
	}
	if mirror.expires != 1 {
		t.Fatalf("mirror should refresh the TTL on publish")
	}
}

func TestSinceBackfillsFromMirror(t *testing.T) {
	mirror := &fakeMirror{}
	feed := NewFeed(discardLogger(), WithCapacity(2), WithMirror(mirror, time.Hour))
	for i := 0; i < 5; i++ {
		feed.Publish(models.ActivityAnomalyDetected, "checkout", "msg", nil)
	}

	// The ring only holds cursors 4 and 5; the mirror covers the rest.
	events := feed.Since(0, 0)
	if len(events) != 5 {
		t.Fatalf("expected the mirror to backfill 5 events, got %d", len(events))
	}
	for i, event := range events {
		if event.Cursor != uint64(i+1) {
			t.Fatalf("backfill out of order: cursor %d at %d", event.Cursor, i)
		}
	}

	limited := feed.Since(0, 2)
	if len(limited) != 2 || limited[1].Cursor != 2 {
		t.Fatalf("limit must apply to mirror reads too: %+v", limited)
	}

	// A cursor the ring still covers never touches the mirror.
	tail := feed.Since(3, 0)
	if len(tail) != 2 || tail[0].Cursor != 4 {
		t.Fatalf("expected cursors 4..5 from the ring, got %+v", tail)
	}
}
