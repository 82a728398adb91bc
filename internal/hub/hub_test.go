package hub

import (
	"context"
	"testing"
	"time"
)

func mustReceive(t *testing.T, stream <-chan Event) Event {
	t.Helper()
	select {
	case event := <-stream:
		return event
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event")
		return Event{}
	}
}

func assertNoEvent(t *testing.T, stream <-chan Event) {
	t.Helper()
	select {
	case event := <-stream:
		t.Fatalf("unexpected event %v", event)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestConnectDeliversInitWithClientID(t *testing.T) {
	h := New(nil)
	stream, cleanup := h.Connect(context.Background(), "user-1", "client-1")
	defer cleanup()

	init := mustReceive(t, stream)
	if init.Type != EventInit {
		t.Fatalf("expected INIT event, got %s", init.Type)
	}
	if init.ClientID != "client-1" {
		t.Fatalf("expected negotiated client id, got %s", init.ClientID)
	}
}

func TestPublishReachesAudienceOnly(t *testing.T) {
	h := New(nil)
	memberStream, memberCleanup := h.Connect(context.Background(), "user-1", "client-1")
	defer memberCleanup()
	outsiderStream, outsiderCleanup := h.Connect(context.Background(), "user-9", "client-9")
	defer outsiderCleanup()
	mustReceive(t, memberStream)
	mustReceive(t, outsiderStream)

	h.Publish(Event{Type: EventNoteCreated, NoteID: "note-1"}, []string{"user-1"}, "")

	event := mustReceive(t, memberStream)
	if event.Type != EventNoteCreated || event.NoteID != "note-1" {
		t.Fatalf("unexpected event %v", event)
	}
	assertNoEvent(t, outsiderStream)
}

func TestPublishExcludesOriginClient(t *testing.T) {
	h := New(nil)
	originStream, originCleanup := h.Connect(context.Background(), "user-1", "client-1")
	defer originCleanup()
	otherStream, otherCleanup := h.Connect(context.Background(), "user-1", "client-2")
	defer otherCleanup()
	mustReceive(t, originStream)
	mustReceive(t, otherStream)

	h.Publish(Event{Type: EventNoteUpdated, NoteID: "note-1"}, []string{"user-1"}, "client-1")

	event := mustReceive(t, otherStream)
	if event.OriginClientID != "client-1" {
		t.Fatalf("expected origin client id stamped, got %q", event.OriginClientID)
	}
	assertNoEvent(t, originStream)
}

func TestPublishDropsEventsForStalledSubscriber(t *testing.T) {
	h := New(nil)
	stream, cleanup := h.Connect(context.Background(), "user-1", "client-1")
	defer cleanup()
	// Leave the INIT event and everything after it unread; the buffer fills
	// and further publishes must not block.
	for i := 0; i < defaultBufferSize*2; i++ {
		h.Publish(Event{Type: EventNoteUpdated, NoteID: "note-1"}, []string{"user-1"}, "")
	}
	if len(stream) != defaultBufferSize {
		t.Fatalf("expected buffer capped at %d, got %d", defaultBufferSize, len(stream))
	}
}

func TestDisconnectDropsLastUserEntry(t *testing.T) {
	h := New(nil)
	_, cleanup1 := h.Connect(context.Background(), "user-1", "client-1")
	_, cleanup2 := h.Connect(context.Background(), "user-1", "client-2")

	if count := h.ConnectionCount("user-1"); count != 2 {
		t.Fatalf("expected 2 connections, got %d", count)
	}
	cleanup1()
	if count := h.ConnectionCount("user-1"); count != 1 {
		t.Fatalf("expected 1 connection, got %d", count)
	}
	cleanup2()
	if count := h.ConnectionCount("user-1"); count != 0 {
		t.Fatalf("expected no connections, got %d", count)
	}

	h.mu.RLock()
	_, present := h.connections["user-1"]
	h.mu.RUnlock()
	if present {
		t.Fatalf("expected user routing entry removed after last disconnect")
	}
}

func TestContextCancellationDisconnects(t *testing.T) {
	h := New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	h.Connect(ctx, "user-1", "client-1")
	cancel()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.ConnectionCount("user-1") == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected connection removed after context cancellation")
}

func TestReconnectReplacesPreviousSink(t *testing.T) {
	h := New(nil)
	first, firstCleanup := h.Connect(context.Background(), "user-1", "client-1")
	defer firstCleanup()
	mustReceive(t, first)

	second, secondCleanup := h.Connect(context.Background(), "user-1", "client-1")
	defer secondCleanup()
	mustReceive(t, second)

	if count := h.ConnectionCount("user-1"); count != 1 {
		t.Fatalf("expected replacement, got %d connections", count)
	}

	h.Publish(Event{Type: EventNoteCreated, NoteID: "note-1"}, []string{"user-1"}, "")
	event := mustReceive(t, second)
	if event.NoteID != "note-1" {
		t.Fatalf("unexpected event %v", event)
	}
}

func TestConnectRejectsEmptyIdentifiers(t *testing.T) {
	h := New(nil)
	stream, cleanup := h.Connect(context.Background(), "", "client-1")
	defer cleanup()
	if _, open := <-stream; open {
		t.Fatalf("expected closed stream for empty user id")
	}
}

type staticResolver struct {
	audience []string
	err      error
}

func (r *staticResolver) CollectionAudience(context.Context, string) ([]string, error) {
	return r.audience, r.err
}

func (r *staticResolver) NoteAudience(context.Context, string) ([]string, error) {
	return r.audience, r.err
}

func TestBroadcastNoteUsesResolverAudience(t *testing.T) {
	h := New(nil)
	h.SetResolver(&staticResolver{audience: []string{"user-1"}})

	stream, cleanup := h.Connect(context.Background(), "user-1", "client-1")
	defer cleanup()
	mustReceive(t, stream)

	h.BroadcastNote(context.Background(), "note-1", Event{Type: EventNoteUpdated, NoteID: "note-1"}, "")
	event := mustReceive(t, stream)
	if event.Type != EventNoteUpdated {
		t.Fatalf("unexpected event %v", event)
	}
}

func TestBroadcastDropsOnResolverFailure(t *testing.T) {
	h := New(nil)
	h.SetResolver(&staticResolver{err: context.DeadlineExceeded})

	stream, cleanup := h.Connect(context.Background(), "user-1", "client-1")
	defer cleanup()
	mustReceive(t, stream)

	h.BroadcastNote(context.Background(), "note-1", Event{Type: EventNoteUpdated, NoteID: "note-1"}, "")
	assertNoEvent(t, stream)
}
