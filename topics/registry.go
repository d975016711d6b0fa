// Package topics maps logical subjects to transport topic names and tracks
// which subscriptions are active, so a conversation deselect or a session
// teardown can cancel exactly what it owns.
package topics

import (
	"sync"

	"github.com/medassist/realtime/stream"
	"github.com/medassist/realtime/transport"
	"go.uber.org/zap"
)

// Subscriber is the slice of the transport session the registry drives.
type Subscriber interface {
	Subscribe(topic string, h transport.Handler)
	Unsubscribe(topic string)
}

// Sink receives the raw body of every inbound message together with the
// subject it belongs to. It runs on the transport's dispatcher goroutine.
type Sink func(subject stream.Subject, body []byte)

// Registry tracks at most one active subscription per subject. Conversation
// subjects are canonical (stream.Conversation orders the pair), so (A,B) and
// (B,A) resolve to the same topic and cannot double-subscribe.
type Registry struct {
	session Subscriber
	sink    Sink
	logger  *zap.Logger

	// onRelease runs after a subject's bookkeeping is removed; the client
	// uses it to discard the subject's dedup log.
	onRelease func(stream.Subject)

	mu     sync.Mutex
	active map[stream.Subject]struct{}
}

// NewRegistry creates a registry over the given transport session. onRelease
// may be nil.
func NewRegistry(session Subscriber, sink Sink, onRelease func(stream.Subject), logger *zap.Logger) *Registry {
	return &Registry{
		session:   session,
		sink:      sink,
		logger:    logger,
		onRelease: onRelease,
		active:    make(map[stream.Subject]struct{}),
	}
}

// EnsureSubscribed subscribes the subject's topic. Re-subscribing an active
// subject is a no-op.
func (r *Registry) EnsureSubscribed(subject stream.Subject) {
	r.mu.Lock()
	if _, ok := r.active[subject]; ok {
		r.mu.Unlock()
		return
	}
	r.active[subject] = struct{}{}
	r.mu.Unlock()

	r.logger.Info("subscribing", zap.Stringer("subject", subject))
	r.session.Subscribe(subject.Topic(), func(_ string, body []byte) {
		r.sink(subject, body)
	})
}

// Release cancels the subject's subscription. Bookkeeping is synchronous; the
// transport-level unsubscribe may complete asynchronously.
func (r *Registry) Release(subject stream.Subject) {
	r.mu.Lock()
	_, ok := r.active[subject]
	delete(r.active, subject)
	r.mu.Unlock()
	if !ok {
		return
	}

	r.session.Unsubscribe(subject.Topic())
	if r.onRelease != nil {
		r.onRelease(subject)
	}
	r.logger.Info("released", zap.Stringer("subject", subject))
}

// ReleaseAll cancels every active subscription. Mandatory on logout, before
// the session identity changes, so no topic data leaks across users.
func (r *Registry) ReleaseAll() {
	r.mu.Lock()
	subjects := make([]stream.Subject, 0, len(r.active))
	for s := range r.active {
		subjects = append(subjects, s)
	}
	r.active = make(map[stream.Subject]struct{})
	r.mu.Unlock()

	for _, subject := range subjects {
		r.session.Unsubscribe(subject.Topic())
		if r.onRelease != nil {
			r.onRelease(subject)
		}
	}
	if len(subjects) > 0 {
		r.logger.Info("released all subscriptions", zap.Int("count", len(subjects)))
	}
}

// Active returns the currently subscribed subjects.
func (r *Registry) Active() []stream.Subject {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]stream.Subject, 0, len(r.active))
	for s := range r.active {
		out = append(out, s)
	}
	return out
}
