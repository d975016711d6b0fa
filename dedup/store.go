// Package dedup keeps an ordered, append-only log of events per subject and
// rejects re-application of events already present. The stream path and the
// REST fallback path can both deliver the same logical message, so every
// inbound event passes through here before it reaches a view.
package dedup

import (
	"sync"

	"github.com/medassist/realtime/stream"
)

// Store is the per-subject dedup log. Identity membership is O(1) amortized;
// ordering within a subject is first-seen insertion order.
type Store struct {
	mu   sync.RWMutex
	logs map[stream.Subject]*subjectLog
}

// subjectLog has its own mutex: concurrent appends from a retried fallback
// and a stream echo are plausible races, and set membership plus append must
// not interleave.
type subjectLog struct {
	mu      sync.Mutex
	seen    map[string]struct{}
	entries []stream.Event
}

// NewStore creates an empty dedup store.
func NewStore() *Store {
	return &Store{logs: make(map[stream.Subject]*subjectLog)}
}

func (s *Store) log(subject stream.Subject) *subjectLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.logs[subject]
	if !ok {
		l = &subjectLog{seen: make(map[string]struct{})}
		s.logs[subject] = l
	}
	return l
}

// Append adds the event to its subject's log unless an event with the same
// identity is already present. It reports whether the event was applied;
// duplicates never reorder or mutate the existing entry.
func (s *Store) Append(evt stream.Event) bool {
	l := s.log(evt.Subject)
	identity := evt.Identity()

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, dup := l.seen[identity]; dup {
		return false
	}
	l.seen[identity] = struct{}{}
	l.entries = append(l.entries, evt)
	return true
}

// HasSeen reports whether an event with the given identity was already
// applied to the subject's log.
func (s *Store) HasSeen(subject stream.Subject, identity string) bool {
	s.mu.RLock()
	l, ok := s.logs[subject]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_, seen := l.seen[identity]
	return seen
}

// EntriesFor returns a copy of the subject's log in first-seen order. It is a
// materialized view, safe to iterate while new events arrive.
func (s *Store) EntriesFor(subject stream.Subject) []stream.Event {
	s.mu.RLock()
	l, ok := s.logs[subject]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]stream.Event, len(l.entries))
	copy(out, l.entries)
	return out
}

// Drop discards the subject's log. Called when a conversation is deselected
// so memory stays bounded; history is re-fetched on re-selection.
func (s *Store) Drop(subject stream.Subject) {
	s.mu.Lock()
	delete(s.logs, subject)
	s.mu.Unlock()
}

// Reset discards every log. Called on session teardown so no topic data leaks
// across users.
func (s *Store) Reset() {
	s.mu.Lock()
	s.logs = make(map[stream.Subject]*subjectLog)
	s.mu.Unlock()
}
