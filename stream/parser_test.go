package stream

import (
	"testing"
	"time"
)

var recvTime = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func TestDecodeChatEnvelope(t *testing.T) {
	subject := Conversation("u1", "d1")
	body := []byte(`{"id":"42","senderId":"u1","receiverId":"d1","senderName":"Ana","senderRole":"patient","content":"hello","timestamp":"2025-03-10T11:59:30Z"}`)

	evt := DecodeChat(subject, body, recvTime)

	if evt.ServerID != "42" {
		t.Fatalf("expected server id 42, got %q", evt.ServerID)
	}
	if evt.SenderID != "u1" || evt.Content != "hello" {
		t.Fatalf("unexpected fields: %+v", evt)
	}
	if evt.ReceivedVia != ViaStream {
		t.Fatalf("expected stream via, got %q", evt.ReceivedVia)
	}
	want := time.Date(2025, 3, 10, 11, 59, 30, 0, time.UTC)
	if !evt.OccurredAt.Equal(want) {
		t.Fatalf("expected %v, got %v", want, evt.OccurredAt)
	}
}

func TestDecodeChatNumericID(t *testing.T) {
	evt := DecodeChat(Conversation("u1", "d1"), []byte(`{"id":42,"content":"x"}`), recvTime)
	if evt.ServerID != "42" {
		t.Fatalf("expected numeric id normalized to string, got %q", evt.ServerID)
	}
}

func TestDecodeChatNullID(t *testing.T) {
	evt := DecodeChat(Conversation("u1", "d1"), []byte(`{"id":null,"content":"x"}`), recvTime)
	if evt.ServerID != "" {
		t.Fatalf("expected empty id for null, got %q", evt.ServerID)
	}
}

func TestDecodeChatBareString(t *testing.T) {
	evt := DecodeChat(Conversation("u1", "d1"), []byte("  system maintenance at noon \n"), recvTime)
	if evt.Content != "system maintenance at noon" {
		t.Fatalf("expected trimmed body as content, got %q", evt.Content)
	}
	if evt.ServerID != "" {
		t.Fatalf("expected no server id, got %q", evt.ServerID)
	}
	if !evt.OccurredAt.Equal(recvTime) {
		t.Fatalf("expected receive time, got %v", evt.OccurredAt)
	}
}

func TestDecodeChatQuotedString(t *testing.T) {
	// Plain text inside the frame protocol arrives as a JSON-encoded string;
	// the quotes must not leak into the content.
	evt := DecodeChat(Conversation("u1", "d1"), []byte(`"system maintenance at noon"`), recvTime)
	if evt.Content != "system maintenance at noon" {
		t.Fatalf("expected decoded string content, got %q", evt.Content)
	}
	if !evt.OccurredAt.Equal(recvTime) {
		t.Fatalf("expected receive time, got %v", evt.OccurredAt)
	}
}

func TestDecodeNotificationQuotedString(t *testing.T) {
	evt := DecodeNotification(Feed("u1"), []byte(`"appointment APPROVED"`), recvTime)
	if evt.Content != "appointment APPROVED" {
		t.Fatalf("expected decoded string content, got %q", evt.Content)
	}
}

func TestDecodeChatBadTimestampFallsBack(t *testing.T) {
	evt := DecodeChat(Conversation("u1", "d1"), []byte(`{"content":"x","timestamp":"yesterday"}`), recvTime)
	if !evt.OccurredAt.Equal(recvTime) {
		t.Fatalf("expected receive time fallback, got %v", evt.OccurredAt)
	}
}

func TestDecodeNotificationEnvelope(t *testing.T) {
	subject := Feed("u1")
	evt := DecodeNotification(subject, []byte(`{"id":7,"message":"appointment APPROVED","timestamp":"2025-03-10T09:00:00Z"}`), recvTime)
	if evt.ServerID != "7" {
		t.Fatalf("expected id 7, got %q", evt.ServerID)
	}
	if evt.Content != "appointment APPROVED" {
		t.Fatalf("unexpected content %q", evt.Content)
	}
}

func TestDecodeRoutesBySubjectKind(t *testing.T) {
	feedEvt := Decode(Feed("u1"), []byte(`{"message":"hi"}`), recvTime)
	if feedEvt.Content != "hi" {
		t.Fatalf("expected notification envelope decode, got %+v", feedEvt)
	}
	chatEvt := Decode(Conversation("u1", "d1"), []byte(`{"content":"hi"}`), recvTime)
	if chatEvt.Content != "hi" {
		t.Fatalf("expected chat envelope decode, got %+v", chatEvt)
	}
}

func TestIdentityPrefersServerID(t *testing.T) {
	evt := Event{ServerID: "srv-1", SenderID: "u1", Content: "x", Subject: Conversation("u1", "d1"), OccurredAt: recvTime}
	if evt.Identity() != "srv-1" {
		t.Fatalf("expected server id identity, got %q", evt.Identity())
	}
}

func TestIdentityFingerprintStableAcrossPaths(t *testing.T) {
	subject := Conversation("u1", "d1")
	streamEvt := Event{Subject: subject, SenderID: "u1", Content: "hello", OccurredAt: recvTime, ReceivedVia: ViaStream}
	fallbackEvt := Event{Subject: subject, SenderID: "u1", Content: "hello", OccurredAt: recvTime, ReceivedVia: ViaFallback}

	if streamEvt.Identity() != fallbackEvt.Identity() {
		t.Fatal("expected equal identity regardless of delivery path")
	}
	other := Event{Subject: subject, SenderID: "u1", Content: "hello!", OccurredAt: recvTime}
	if streamEvt.Identity() == other.Identity() {
		t.Fatal("expected different content to change the fingerprint")
	}
}

func TestNotificationFallsBackToIdentity(t *testing.T) {
	evt := Event{Subject: Feed("u1"), Content: "reminder", OccurredAt: recvTime}
	n := evt.Notification()
	if n.ID == "" {
		t.Fatal("expected a stable local id")
	}
	if n.ID != evt.Identity() {
		t.Fatalf("expected identity as id, got %q", n.ID)
	}
	if n.Message != "reminder" {
		t.Fatalf("unexpected message %q", n.Message)
	}
}

func TestOutgoingEvent(t *testing.T) {
	out := Outgoing{SenderID: "u1", ReceiverID: "d1", Content: "hi", Timestamp: recvTime}
	evt := out.Event(Conversation("u1", "d1"), "srv-9", ViaFallback)
	if evt.ServerID != "srv-9" || evt.ReceivedVia != ViaFallback {
		t.Fatalf("unexpected event %+v", evt)
	}
	if evt.Content != "hi" || !evt.OccurredAt.Equal(recvTime) {
		t.Fatalf("unexpected event %+v", evt)
	}
}
