package dedup

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/medassist/realtime/stream"
)

var baseTime = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

func chatEvent(subject stream.Subject, serverID, sender, content string) stream.Event {
	return stream.Event{
		ServerID:    serverID,
		Subject:     subject,
		SenderID:    sender,
		Content:     content,
		OccurredAt:  baseTime,
		ReceivedVia: stream.ViaStream,
	}
}

func TestAppendIdempotentByServerID(t *testing.T) {
	s := NewStore()
	subject := stream.Conversation("u1", "d9")
	evt := chatEvent(subject, "srv-42", "u1", "hello")

	if !s.Append(evt) {
		t.Fatal("first append should apply")
	}
	// Same server id arriving again via the other path.
	evt.ReceivedVia = stream.ViaFallback
	if s.Append(evt) {
		t.Error("duplicate append should not apply")
	}
	if got := len(s.EntriesFor(subject)); got != 1 {
		t.Errorf("entries = %d, want 1", got)
	}
}

func TestAppendIdempotentByFingerprint(t *testing.T) {
	s := NewStore()
	subject := stream.Conversation("u1", "d9")

	// Two deliveries of the same logical message, neither carrying a server
	// id: one from the stream, one synthesized by the fallback path.
	first := chatEvent(subject, "", "u1", "bonjour")
	second := chatEvent(subject, "", "u1", "bonjour")
	second.ReceivedVia = stream.ViaFallback

	if !s.Append(first) {
		t.Fatal("first append should apply")
	}
	if s.Append(second) {
		t.Error("fingerprint duplicate should not apply")
	}
	if got := len(s.EntriesFor(subject)); got != 1 {
		t.Errorf("entries = %d, want 1", got)
	}
}

func TestFirstSeenOrderSurvivesRedelivery(t *testing.T) {
	s := NewStore()
	subject := stream.Conversation("a", "b")

	for i := 0; i < 5; i++ {
		s.Append(chatEvent(subject, fmt.Sprintf("id-%d", i), "a", fmt.Sprintf("m%d", i)))
	}
	// Redeliver everything in reverse.
	for i := 4; i >= 0; i-- {
		s.Append(chatEvent(subject, fmt.Sprintf("id-%d", i), "a", fmt.Sprintf("m%d", i)))
	}

	entries := s.EntriesFor(subject)
	if len(entries) != 5 {
		t.Fatalf("entries = %d, want 5", len(entries))
	}
	for i, e := range entries {
		if want := fmt.Sprintf("id-%d", i); e.ServerID != want {
			t.Errorf("entries[%d].ServerID = %q, want %q", i, e.ServerID, want)
		}
	}
}

func TestSubjectsAreIndependent(t *testing.T) {
	s := NewStore()
	conv := stream.Conversation("a", "b")
	feed := stream.Feed("a")

	s.Append(chatEvent(conv, "shared-id", "a", "hi"))
	if !s.Append(chatEvent(feed, "shared-id", "a", "hi")) {
		t.Error("same identity on a different subject should apply")
	}
}

func TestHasSeen(t *testing.T) {
	s := NewStore()
	subject := stream.Conversation("a", "b")

	if s.HasSeen(subject, "srv-1") {
		t.Error("HasSeen on empty store should be false")
	}
	s.Append(chatEvent(subject, "srv-1", "a", "x"))
	if !s.HasSeen(subject, "srv-1") {
		t.Error("HasSeen after append should be true")
	}
}

func TestDropDiscardsLog(t *testing.T) {
	s := NewStore()
	subject := stream.Conversation("a", "b")
	s.Append(chatEvent(subject, "srv-1", "a", "x"))

	s.Drop(subject)

	if s.HasSeen(subject, "srv-1") {
		t.Error("identity should be forgotten after Drop")
	}
	if entries := s.EntriesFor(subject); entries != nil {
		t.Errorf("entries after Drop = %v, want nil", entries)
	}
}

func TestResetDiscardsAllSubjects(t *testing.T) {
	s := NewStore()
	s.Append(chatEvent(stream.Conversation("a", "b"), "1", "a", "x"))
	s.Append(chatEvent(stream.Feed("a"), "2", "", "y"))

	s.Reset()

	if s.HasSeen(stream.Conversation("a", "b"), "1") || s.HasSeen(stream.Feed("a"), "2") {
		t.Error("Reset should discard every subject log")
	}
}

func TestConcurrentAppendsSingleEntry(t *testing.T) {
	s := NewStore()
	subject := stream.Conversation("a", "b")
	evt := chatEvent(subject, "race-id", "a", "hello")

	var wg sync.WaitGroup
	applied := make(chan bool, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			applied <- s.Append(evt)
		}()
	}
	wg.Wait()
	close(applied)

	wins := 0
	for ok := range applied {
		if ok {
			wins++
		}
	}
	if wins != 1 {
		t.Errorf("applied %d times, want exactly 1", wins)
	}
	if got := len(s.EntriesFor(subject)); got != 1 {
		t.Errorf("entries = %d, want 1", got)
	}
}
