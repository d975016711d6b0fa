package store

import (
	"time"

	"github.com/medassist/realtime/stream"
)

// UpsertMessage caches an applied event, idempotent on (topic, identity).
func (db *DB) UpsertMessage(evt stream.Event) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO messages (topic, identity, server_id, sender_id, receiver_id, sender_name, receiver_name, sender_role, content, occurred_at, received_via, error, failure_reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(topic, identity) DO UPDATE SET
			server_id = excluded.server_id,
			received_via = excluded.received_via,
			error = excluded.error,
			failure_reason = excluded.failure_reason`,
		evt.Subject.Topic(), evt.Identity(), evt.ServerID, evt.SenderID, evt.ReceiverID,
		evt.SenderName, evt.ReceiverName, evt.SenderRole, evt.Content,
		evt.OccurredAt.UnixMilli(), string(evt.ReceivedVia), evt.Error, evt.FailureReason, now)
	return err
}

// ListMessages returns the cached conversation for a subject in first-seen
// order.
func (db *DB) ListMessages(subject stream.Subject) ([]stream.Event, error) {
	rows, err := db.Query(`
		SELECT server_id, sender_id, receiver_id, sender_name, receiver_name, sender_role, content, occurred_at, received_via, error, failure_reason
		FROM messages
		WHERE topic = ?
		ORDER BY id ASC`, subject.Topic())
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var events []stream.Event
	for rows.Next() {
		var evt stream.Event
		var occurredAt int64
		var via string
		if err := rows.Scan(&evt.ServerID, &evt.SenderID, &evt.ReceiverID, &evt.SenderName,
			&evt.ReceiverName, &evt.SenderRole, &evt.Content, &occurredAt, &via,
			&evt.Error, &evt.FailureReason); err != nil {
			return nil, err
		}
		evt.Subject = subject
		evt.OccurredAt = time.UnixMilli(occurredAt)
		evt.ReceivedVia = stream.Via(via)
		events = append(events, evt)
	}
	return events, rows.Err()
}
