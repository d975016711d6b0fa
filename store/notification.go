package store

import (
	"time"

	"github.com/medassist/realtime/stream"
)

// UpsertNotification caches one notification for an owner.
func (db *DB) UpsertNotification(ownerID string, n stream.Notification) error {
	_, err := db.Exec(`
		INSERT INTO notifications (id, owner_id, message, created_at, is_read)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			message = excluded.message,
			is_read = excluded.is_read`,
		n.ID, ownerID, n.Message, n.CreatedAt.UnixMilli(), n.Read)
	return err
}

// ListNotifications returns the cached feed for an owner, most recent first.
func (db *DB) ListNotifications(ownerID string) ([]stream.Notification, error) {
	rows, err := db.Query(`
		SELECT id, message, created_at, is_read
		FROM notifications
		WHERE owner_id = ?
		ORDER BY created_at DESC`, ownerID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var items []stream.Notification
	for rows.Next() {
		var n stream.Notification
		var createdAt int64
		if err := rows.Scan(&n.ID, &n.Message, &createdAt, &n.Read); err != nil {
			return nil, err
		}
		n.CreatedAt = time.UnixMilli(createdAt)
		items = append(items, n)
	}
	return items, rows.Err()
}

// MarkNotificationRead flags one cached notification as read.
func (db *DB) MarkNotificationRead(id string) error {
	_, err := db.Exec(`UPDATE notifications SET is_read = 1 WHERE id = ?`, id)
	return err
}

// MarkAllNotificationsRead flags an owner's whole cached feed as read.
func (db *DB) MarkAllNotificationsRead(ownerID string) error {
	_, err := db.Exec(`UPDATE notifications SET is_read = 1 WHERE owner_id = ?`, ownerID)
	return err
}

// DeleteNotification removes one cached notification.
func (db *DB) DeleteNotification(id string) error {
	_, err := db.Exec(`DELETE FROM notifications WHERE id = ?`, id)
	return err
}

// ClearNotifications removes an owner's whole cached feed.
func (db *DB) ClearNotifications(ownerID string) error {
	_, err := db.Exec(`DELETE FROM notifications WHERE owner_id = ?`, ownerID)
	return err
}
