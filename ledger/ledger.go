// Package ledger holds the current user's notifications with read/unread
// state, bulk operations, and derived summary statistics.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/medassist/realtime/bus"
	"github.com/medassist/realtime/dedup"
	"github.com/medassist/realtime/stream"
	"go.uber.org/zap"
)

// ErrNotFound is returned by Remove for an unknown notification id.
var ErrNotFound = errors.New("ledger: notification not found")

// Deleter is the external notification delete collaborator. Local state is
// only mutated after it confirms success.
type Deleter interface {
	DeleteNotification(ctx context.Context, id string) error
}

// Stats summarizes the ledger.
type Stats struct {
	Total            int
	Unread           int
	Read             int
	UnreadPercentage int
}

// Ledger is the notification view for one session. Entries are kept
// most-recent-first.
type Ledger struct {
	dedup   *dedup.Store
	deleter Deleter
	bus     *bus.Bus
	logger  *zap.Logger

	mu    sync.Mutex
	items []stream.Notification
}

// NewLedger creates an empty ledger backed by the given dedup store.
func NewLedger(d *dedup.Store, deleter Deleter, b *bus.Bus, logger *zap.Logger) *Ledger {
	return &Ledger{
		dedup:   d,
		deleter: deleter,
		bus:     b,
		logger:  logger,
	}
}

// Load seeds the ledger from the history collaborator, replacing any
// previous contents. Called once per session, right after login.
func (l *Ledger) Load(items []stream.Notification) {
	l.mu.Lock()
	l.items = make([]stream.Notification, len(items))
	copy(l.items, items)
	l.mu.Unlock()
	l.logger.Info("notification ledger loaded", zap.Int("count", len(items)))
}

// Apply ingests an inbound feed event. The entry is inserted at the head,
// unread, only when the dedup store confirms the event is fresh. It reports
// whether the event was applied.
func (l *Ledger) Apply(evt stream.Event) bool {
	if !l.dedup.Append(evt) {
		return false
	}
	n := evt.Notification()

	l.mu.Lock()
	l.items = append([]stream.Notification{n}, l.items...)
	l.mu.Unlock()

	l.bus.Publish(bus.Event{Kind: bus.KindNotificationCreated, Payload: n})
	return true
}

// MarkRead marks one notification read. Unknown ids are ignored.
func (l *Ledger) MarkRead(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.items {
		if l.items[i].ID == id {
			if !l.items[i].Read {
				l.items[i].Read = true
				l.bus.Publish(bus.Event{Kind: bus.KindNotificationRead, Payload: l.items[i]})
			}
			return
		}
	}
}

// MarkAllRead marks every notification read.
func (l *Ledger) MarkAllRead() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.items {
		l.items[i].Read = true
	}
	l.bus.Publish(bus.Event{Kind: bus.KindNotificationRead, Payload: len(l.items)})
}

// Remove deletes a notification via the external delete interface and only
// updates local state on confirmed success. On failure the local state is
// left untouched and the error is surfaced to the caller.
func (l *Ledger) Remove(ctx context.Context, id string) error {
	l.mu.Lock()
	idx := -1
	for i := range l.items {
		if l.items[i].ID == id {
			idx = i
			break
		}
	}
	l.mu.Unlock()
	if idx == -1 {
		return ErrNotFound
	}

	if err := l.deleter.DeleteNotification(ctx, id); err != nil {
		l.logger.Warn("notification delete failed, keeping local entry",
			zap.String("id", id), zap.Error(err))
		return fmt.Errorf("remove notification: %w", err)
	}

	l.mu.Lock()
	for i := range l.items {
		if l.items[i].ID == id {
			removed := l.items[i]
			l.items = append(l.items[:i], l.items[i+1:]...)
			l.mu.Unlock()
			l.bus.Publish(bus.Event{Kind: bus.KindNotificationRemoved, Payload: removed})
			return nil
		}
	}
	l.mu.Unlock()
	return nil
}

// ClearAll empties the ledger locally. It deliberately does NOT call the
// delete interface: server-side notifications survive a local clear. Use
// Remove for server-side deletion.
func (l *Ledger) ClearAll() {
	l.mu.Lock()
	count := len(l.items)
	l.items = nil
	l.mu.Unlock()
	l.bus.Publish(bus.Event{Kind: bus.KindNotificationCleared, Payload: count})
}

// Reset drops all state without emitting events. Called on session teardown.
func (l *Ledger) Reset() {
	l.mu.Lock()
	l.items = nil
	l.mu.Unlock()
}

// All returns a copy of the notifications, most recent first.
func (l *Ledger) All() []stream.Notification {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]stream.Notification, len(l.items))
	copy(out, l.items)
	return out
}

// Stats derives the summary counters. UnreadPercentage is 0 for an empty
// ledger.
func (l *Ledger) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := Stats{Total: len(l.items)}
	for i := range l.items {
		if l.items[i].Read {
			s.Read++
		} else {
			s.Unread++
		}
	}
	if s.Total > 0 {
		s.UnreadPercentage = int(math.Round(float64(s.Unread) / float64(s.Total) * 100))
	}
	return s
}
