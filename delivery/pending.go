package delivery

import (
	"sync"
	"time"

	"github.com/medassist/realtime/stream"
)

// State is the lifecycle of an outbound send.
type State string

const (
	StateSending   State = "sending"
	StateConfirmed State = "confirmed"
	StateFailed    State = "failed"
)

// AttemptedVia values. ViaNone means no path has accepted the payload yet.
const ViaNone = "none"

// PendingSend is the caller's handle for one outbound message. Callers
// observe transitions through Done() rather than a single synchronous
// result: a stream-path send is only confirmed when the server's echo
// arrives through the subscription.
type PendingSend struct {
	ClientTempID string
	Subject      stream.Subject
	Payload      stream.Outgoing

	mu           sync.Mutex
	state        State
	attemptedVia string
	serverID     string
	failure      string
	created      time.Time
	done         chan struct{}
}

func newPendingSend(tempID string, subject stream.Subject, payload stream.Outgoing) *PendingSend {
	return &PendingSend{
		ClientTempID: tempID,
		Subject:      subject,
		Payload:      payload,
		state:        StateSending,
		attemptedVia: ViaNone,
		created:      time.Now(),
		done:         make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (p *PendingSend) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// AttemptedVia reports which path last accepted the payload: "stream",
// "fallback" or "none".
func (p *PendingSend) AttemptedVia() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attemptedVia
}

// ServerID returns the server-assigned id once confirmed, else empty.
func (p *PendingSend) ServerID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.serverID
}

// FailureReason returns the terminal failure description, empty unless the
// send failed.
func (p *PendingSend) FailureReason() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failure
}

// Done is closed once the send reaches a terminal state.
func (p *PendingSend) Done() <-chan struct{} {
	return p.done
}

func (p *PendingSend) markAttempt(via stream.Via) {
	p.mu.Lock()
	p.attemptedVia = string(via)
	p.mu.Unlock()
}

// confirm moves to confirmed. Returns false if already terminal.
func (p *PendingSend) confirm(serverID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateSending {
		return false
	}
	p.state = StateConfirmed
	p.serverID = serverID
	close(p.done)
	return true
}

func (p *PendingSend) fail(reason string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateSending {
		return false
	}
	p.state = StateFailed
	p.failure = reason
	close(p.done)
	return true
}

func (p *PendingSend) age(now time.Time) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return now.Sub(p.created)
}
