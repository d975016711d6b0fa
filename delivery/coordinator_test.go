package delivery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/medassist/realtime/bus"
	"github.com/medassist/realtime/config"
	"github.com/medassist/realtime/dedup"
	"github.com/medassist/realtime/httpapi"
	"github.com/medassist/realtime/stream"
	"go.uber.org/zap"
)

type fakePublisher struct {
	mu        sync.Mutex
	err       error
	published [][]byte
}

func (f *fakePublisher) Publish(_ string, body []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, body)
	return nil
}

type fakeFallback struct {
	mu      sync.Mutex
	receipt httpapi.SendReceipt
	err     error
	calls   int
}

func (f *fakeFallback) SendMessage(_ context.Context, _ stream.Outgoing) (httpapi.SendReceipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.receipt, f.err
}

func (f *fakeFallback) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testCoordinator(pub *fakePublisher, fb *fakeFallback, store *dedup.Store) (*Coordinator, *bus.Bus) {
	b := bus.New()
	apply := func(evt stream.Event) bool { return store.Append(evt) }
	c := NewCoordinator(pub, fb, apply, config.Delivery{
		ConfirmWindow: config.Duration(15 * time.Second),
	}, b, zap.NewNop(), nil)
	return c, b
}

func outgoing(content string) stream.Outgoing {
	return stream.Outgoing{
		SenderID:   "u1",
		ReceiverID: "d2",
		SenderRole: "patient",
		Content:    content,
		Timestamp:  time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC),
	}
}

func waitState(t *testing.T, p *PendingSend, want State) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for p.State() != want {
		select {
		case <-deadline:
			t.Fatalf("state = %s, want %s", p.State(), want)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func waitVia(t *testing.T, p *PendingSend, want string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for p.AttemptedVia() != want {
		select {
		case <-deadline:
			t.Fatalf("attemptedVia = %s, want %s", p.AttemptedVia(), want)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestStreamSendAwaitsEcho(t *testing.T) {
	store := dedup.NewStore()
	pub := &fakePublisher{}
	fb := &fakeFallback{}
	c, _ := testCoordinator(pub, fb, store)

	subject := stream.Conversation("u1", "d2")
	p := c.Send(context.Background(), subject, outgoing("hello"))

	waitVia(t, p, "stream")
	if p.State() != StateSending {
		t.Errorf("state = %s, want sending until echo arrives", p.State())
	}
	// No local synthesis on the stream path: the store must stay empty.
	if entries := store.EntriesFor(subject); len(entries) != 0 {
		t.Errorf("store has %d entries before echo, want 0", len(entries))
	}
	if fb.callCount() != 0 {
		t.Errorf("fallback called %d times, want 0", fb.callCount())
	}

	// The server echoes the message back through the subscription.
	echo := stream.Event{
		ServerID:    "srv-7",
		Subject:     subject,
		SenderID:    "u1",
		Content:     "hello",
		OccurredAt:  time.Date(2025, 6, 1, 10, 0, 2, 0, time.UTC),
		ReceivedVia: stream.ViaStream,
	}
	store.Append(echo)
	c.Observe(echo)

	waitState(t, p, StateConfirmed)
	if p.ServerID() != "srv-7" {
		t.Errorf("ServerID = %q, want srv-7", p.ServerID())
	}
}

func TestEchoOutsideWindowDoesNotConfirm(t *testing.T) {
	store := dedup.NewStore()
	c, _ := testCoordinator(&fakePublisher{}, &fakeFallback{}, store)

	subject := stream.Conversation("u1", "d2")
	p := c.Send(context.Background(), subject, outgoing("hello"))
	waitVia(t, p, "stream")

	echo := stream.Event{
		Subject:    subject,
		SenderID:   "u1",
		Content:    "hello",
		OccurredAt: time.Date(2025, 6, 1, 11, 0, 0, 0, time.UTC), // an hour later
	}
	c.Observe(echo)

	if p.State() != StateSending {
		t.Errorf("state = %s, want sending (echo outside window)", p.State())
	}
}

func TestFallbackOnPublishFailure(t *testing.T) {
	store := dedup.NewStore()
	pub := &fakePublisher{err: errors.New("not connected")}
	fb := &fakeFallback{receipt: httpapi.SendReceipt{ServerID: "srv-42"}}
	c, _ := testCoordinator(pub, fb, store)

	subject := stream.Conversation("u1", "d2")
	p := c.Send(context.Background(), subject, outgoing("bonjour"))

	select {
	case <-p.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for terminal state")
	}

	if p.State() != StateConfirmed {
		t.Fatalf("state = %s, want confirmed", p.State())
	}
	if p.AttemptedVia() != "fallback" {
		t.Errorf("attemptedVia = %s, want fallback", p.AttemptedVia())
	}

	entries := store.EntriesFor(subject)
	if len(entries) != 1 {
		t.Fatalf("store entries = %d, want 1 synthesized event", len(entries))
	}
	if entries[0].ServerID != "srv-42" || entries[0].ReceivedVia != stream.ViaFallback {
		t.Errorf("synthesized event = %+v", entries[0])
	}

	// A later stream echo carrying the same server id must not double-enter.
	echo := entries[0]
	echo.ReceivedVia = stream.ViaStream
	if store.Append(echo) {
		t.Error("stream echo after fallback should be a duplicate")
	}
	if got := len(store.EntriesFor(subject)); got != 1 {
		t.Errorf("store entries after echo = %d, want 1", got)
	}
}

func TestFallbackWithoutServerIDAbsorbsEcho(t *testing.T) {
	store := dedup.NewStore()
	pub := &fakePublisher{err: errors.New("not connected")}
	fb := &fakeFallback{} // receipt carries no id
	c, _ := testCoordinator(pub, fb, store)

	subject := stream.Conversation("u1", "d2")
	p := c.Send(context.Background(), subject, outgoing("sans id"))

	select {
	case <-p.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for fallback confirmation")
	}
	if got := len(store.EntriesFor(subject)); got != 1 {
		t.Fatalf("store entries = %d, want 1 synthesized event", got)
	}

	// The stream echo carries a server id and a server timestamp, so its
	// dedup identity differs from the synthesized event's fingerprint. It
	// must be absorbed, not appended as a second entry.
	echo := stream.Event{
		ServerID:    "srv-late",
		Subject:     subject,
		SenderID:    "u1",
		Content:     "sans id",
		OccurredAt:  outgoing("sans id").Timestamp.Add(2 * time.Second),
		ReceivedVia: stream.ViaStream,
	}
	if !c.Absorb(echo) {
		t.Fatal("echo of an id-less fallback send was not absorbed")
	}
	// Consumed: a second identical event is a genuine new delivery.
	if c.Absorb(echo) {
		t.Error("echo absorbed twice")
	}
}

func TestAbsorbIgnoresUnrelatedEvents(t *testing.T) {
	store := dedup.NewStore()
	pub := &fakePublisher{err: errors.New("not connected")}
	c, _ := testCoordinator(pub, &fakeFallback{}, store)

	subject := stream.Conversation("u1", "d2")
	p := c.Send(context.Background(), subject, outgoing("mine"))
	select {
	case <-p.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for fallback confirmation")
	}

	peer := stream.Event{
		ServerID:    "srv-9",
		Subject:     subject,
		SenderID:    "d2",
		Content:     "mine",
		OccurredAt:  outgoing("mine").Timestamp,
		ReceivedVia: stream.ViaStream,
	}
	if c.Absorb(peer) {
		t.Error("peer message with matching content was absorbed")
	}

	synth := outgoing("mine").Event(subject, "", stream.ViaFallback)
	if c.Absorb(synth) {
		t.Error("fallback-path event was absorbed")
	}
}

func TestBothPathsFailProducesErrorEvent(t *testing.T) {
	store := dedup.NewStore()
	pub := &fakePublisher{err: errors.New("not connected")}
	fb := &fakeFallback{err: errors.New("503 unavailable")}
	c, b := testCoordinator(pub, fb, store)

	ch, unsub := b.Subscribe("message.", 10)
	defer unsub()

	subject := stream.Conversation("u1", "d2")
	p := c.Send(context.Background(), subject, outgoing("lost"))

	select {
	case <-p.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for terminal state")
	}

	if p.State() != StateFailed {
		t.Fatalf("state = %s, want failed", p.State())
	}
	if p.FailureReason() == "" {
		t.Error("FailureReason should be set")
	}

	entries := store.EntriesFor(subject)
	if len(entries) != 1 {
		t.Fatalf("store entries = %d, want 1 flagged event", len(entries))
	}
	if !entries[0].Error || entries[0].FailureReason == "" {
		t.Errorf("flagged event = %+v, want Error=true with reason", entries[0])
	}
	if entries[0].Content != "lost" {
		t.Errorf("flagged event content = %q, want original payload", entries[0].Content)
	}

	select {
	case evt := <-ch:
		if evt.Kind != bus.KindMessageSendFailed {
			t.Errorf("bus kind = %q, want %q", evt.Kind, bus.KindMessageSendFailed)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for send_failed bus event")
	}
}

func TestConfirmedSendIsPrunedFromMatching(t *testing.T) {
	store := dedup.NewStore()
	pub := &fakePublisher{}
	c, _ := testCoordinator(pub, &fakeFallback{}, store)

	subject := stream.Conversation("u1", "d2")
	p := c.Send(context.Background(), subject, outgoing("once"))
	waitVia(t, p, "stream")

	echo := stream.Event{
		ServerID:   "srv-1",
		Subject:    subject,
		SenderID:   "u1",
		Content:    "once",
		OccurredAt: outgoing("once").Timestamp,
	}
	c.Observe(echo)
	waitState(t, p, StateConfirmed)

	// A redelivered echo must not find the handle again.
	c.Observe(echo)
	if p.ServerID() != "srv-1" {
		t.Errorf("ServerID changed on duplicate echo: %q", p.ServerID())
	}
}
