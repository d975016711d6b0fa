package stream

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Via records which transport path delivered an event.
type Via string

const (
	ViaStream   Via = "stream"
	ViaFallback Via = "fallback"
)

// fingerprintNS namespaces content fingerprints so they cannot collide with
// server-assigned ids of the same shape.
var fingerprintNS = uuid.MustParse("7f1cb1a4-6c52-4c86-9a0e-2d4e61b0a9d3")

// Event is one inbound unit on a subject's stream: a chat message or a
// notification, regardless of whether it arrived via the streaming
// subscription or was synthesized from the REST fallback response.
type Event struct {
	// ServerID is the server-assigned id, empty when the payload carried none.
	ServerID string

	Subject Subject

	SenderID     string
	ReceiverID   string
	SenderName   string
	ReceiverName string
	SenderRole   string

	Content    string
	OccurredAt time.Time

	ReceivedVia Via

	// Error marks a terminal local send failure surfaced as a visible event
	// instead of being silently dropped. FailureReason is human readable.
	Error         bool
	FailureReason string
}

// Identity returns the stable dedup key for the event: the server-assigned id
// when present, otherwise a fingerprint of (sender, content, topic, time).
// Both the fallback REST path and the stream path can deliver the same
// logical message, with or without a server id, so two events with equal
// identity are the same event regardless of transport path.
func (e Event) Identity() string {
	if e.ServerID != "" {
		return e.ServerID
	}
	return Fingerprint(e.SenderID, e.Content, e.Subject, e.OccurredAt)
}

// Fingerprint derives a deterministic identity for an event without a server
// id.
func Fingerprint(senderID, content string, subject Subject, occurredAt time.Time) string {
	seed := fmt.Sprintf("%s|%s|%s|%d", senderID, content, subject.Topic(), occurredAt.UnixMilli())
	return uuid.NewSHA1(fingerprintNS, []byte(seed)).String()
}

// Notification is one entry in a user's notification feed.
type Notification struct {
	ID        string
	Message   string
	CreatedAt time.Time
	Read      bool
}

// Notification converts a feed event into a ledger entry. Events without a
// server id get the dedup identity as a stable local id.
func (e Event) Notification() Notification {
	id := e.ServerID
	if id == "" {
		id = e.Identity()
	}
	return Notification{
		ID:        id,
		Message:   e.Content,
		CreatedAt: e.OccurredAt,
	}
}

// Outgoing is the outbound chat message payload. Field names match the wire
// envelope expected by both the streaming destination and the REST fallback.
type Outgoing struct {
	SenderID     string    `json:"senderId"`
	ReceiverID   string    `json:"receiverId"`
	SenderName   string    `json:"senderName"`
	ReceiverName string    `json:"receiverName"`
	SenderRole   string    `json:"senderRole"`
	Content      string    `json:"content"`
	Timestamp    time.Time `json:"timestamp"`
}

// Event converts an outgoing payload into a local Event for the given
// subject. serverID may be empty; via records the delivering path.
func (o Outgoing) Event(subject Subject, serverID string, via Via) Event {
	return Event{
		ServerID:     serverID,
		Subject:      subject,
		SenderID:     o.SenderID,
		ReceiverID:   o.ReceiverID,
		SenderName:   o.SenderName,
		ReceiverName: o.ReceiverName,
		SenderRole:   o.SenderRole,
		Content:      o.Content,
		OccurredAt:   o.Timestamp,
		ReceivedVia:  via,
	}
}
