package stream

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"
)

// WireID is an identifier field that servers deliver inconsistently as a
// JSON string or a number. It decodes either into its string form.
type WireID string

// UnmarshalJSON implements json.Unmarshaler.
func (w *WireID) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if string(trimmed) == "null" {
		*w = ""
		return nil
	}
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		*w = WireID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(trimmed, &n); err != nil {
		return err
	}
	*w = WireID(n.String())
	return nil
}

// chatEnvelope is the JSON shape delivered on conversation topics.
type chatEnvelope struct {
	ID           WireID `json:"id"`
	SenderID     string `json:"senderId"`
	ReceiverID   string `json:"receiverId"`
	SenderName   string `json:"senderName"`
	ReceiverName string `json:"receiverName"`
	SenderRole   string `json:"senderRole"`
	Content      string `json:"content"`
	Timestamp    string `json:"timestamp"`
}

// notificationEnvelope is the JSON shape delivered on notification topics.
type notificationEnvelope struct {
	ID        WireID `json:"id"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// DecodeChat normalizes a raw conversation payload into an Event. The server
// is not trusted to always send JSON: a bare string body becomes the message
// content with the receive time as timestamp.
func DecodeChat(subject Subject, body []byte, now time.Time) Event {
	var env chatEnvelope
	if !looksLikeJSON(body) || json.Unmarshal(body, &env) != nil {
		return Event{
			Subject:     subject,
			Content:     bareContent(body),
			OccurredAt:  now,
			ReceivedVia: ViaStream,
		}
	}
	return Event{
		ServerID:     string(env.ID),
		Subject:      subject,
		SenderID:     env.SenderID,
		ReceiverID:   env.ReceiverID,
		SenderName:   env.SenderName,
		ReceiverName: env.ReceiverName,
		SenderRole:   env.SenderRole,
		Content:      env.Content,
		OccurredAt:   parseTime(env.Timestamp, now),
		ReceivedVia:  ViaStream,
	}
}

// DecodeNotification normalizes a raw notification payload into a feed Event.
func DecodeNotification(subject Subject, body []byte, now time.Time) Event {
	var env notificationEnvelope
	if !looksLikeJSON(body) || json.Unmarshal(body, &env) != nil {
		return Event{
			Subject:     subject,
			Content:     bareContent(body),
			OccurredAt:  now,
			ReceivedVia: ViaStream,
		}
	}
	return Event{
		ServerID:    string(env.ID),
		Subject:     subject,
		Content:     env.Message,
		OccurredAt:  parseTime(env.Timestamp, now),
		ReceivedVia: ViaStream,
	}
}

// Decode picks the envelope shape from the subject kind.
func Decode(subject Subject, body []byte, now time.Time) Event {
	if subject.IsFeed() {
		return DecodeNotification(subject, body, now)
	}
	return DecodeChat(subject, body, now)
}

func looksLikeJSON(body []byte) bool {
	trimmed := bytes.TrimSpace(body)
	return len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[')
}

// bareContent recovers message text from a non-envelope payload. Inside the
// frame protocol plain text arrives as a JSON-encoded string, so a leading
// quote means the body must be decoded, not used verbatim.
func bareContent(body []byte) string {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err == nil {
			return strings.TrimSpace(s)
		}
	}
	return string(trimmed)
}

// parseTime accepts RFC3339 (with or without sub-second precision) and falls
// back to the receive time for anything else.
func parseTime(s string, fallback time.Time) time.Time {
	if s == "" {
		return fallback
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	return fallback
}
