// Package delivery sends outbound messages: streaming publish first, REST
// fallback second, and reconciles the locally visible state with whichever
// path delivered. The stream is authoritative and self-delivering (the server
// rebroadcasts to the sender too), so the stream path never synthesizes a
// local copy; the fallback path must, since it has no subscription echo.
package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/medassist/realtime/bus"
	"github.com/medassist/realtime/config"
	"github.com/medassist/realtime/httpapi"
	"github.com/medassist/realtime/metrics"
	"github.com/medassist/realtime/stream"
	"go.uber.org/zap"
)

// DefaultDestination is where outbound chat messages are published.
const DefaultDestination = "/app/chat/send"

// pendingMaxAge bounds how long an unconfirmed stream-path send is kept for
// echo matching.
const pendingMaxAge = 10 * time.Minute

// Publisher is the streaming publish side of the transport session.
type Publisher interface {
	Publish(destination string, body []byte) error
}

// Fallback is the request/response send collaborator.
type Fallback interface {
	SendMessage(ctx context.Context, out stream.Outgoing) (httpapi.SendReceipt, error)
}

// Apply feeds an event into the client's inbound pipeline (dedup, cache,
// bus). It reports whether the event was fresh.
type Apply func(evt stream.Event) bool

// Coordinator owns the dual-path outbound protocol.
type Coordinator struct {
	transport   Publisher
	fallback    Fallback
	apply       Apply
	destination string
	window      time.Duration

	bus     *bus.Bus
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	pending  []*PendingSend
	subjects map[stream.Subject]*sync.Mutex
	echoes   []fallbackEcho
}

// fallbackEcho remembers a fallback-delivered send whose receipt carried no
// server id. The synthesized event was fingerprinted over the local
// timestamp, so a later stream echo (server id, server timestamp) would not
// collide in the dedup store; Absorb recognizes and consumes that echo.
type fallbackEcho struct {
	subject  stream.Subject
	senderID string
	content  string
	sentAt   time.Time
}

// NewCoordinator creates a coordinator publishing to DefaultDestination.
func NewCoordinator(transport Publisher, fallback Fallback, apply Apply, cfg config.Delivery, b *bus.Bus, logger *zap.Logger, m *metrics.Metrics) *Coordinator {
	return &Coordinator{
		transport:   transport,
		fallback:    fallback,
		apply:       apply,
		destination: DefaultDestination,
		window:      cfg.ConfirmWindow.Std(),
		bus:         b,
		logger:      logger,
		metrics:     m,
		subjects:    make(map[stream.Subject]*sync.Mutex),
	}
}

// Send attempts delivery of an outbound message and returns a non-blocking
// handle. Publish attempts for one subject are serialized so a single
// sender's messages keep their observed order; different subjects proceed
// concurrently.
func (c *Coordinator) Send(ctx context.Context, subject stream.Subject, out stream.Outgoing) *PendingSend {
	if out.Timestamp.IsZero() {
		out.Timestamp = time.Now()
	}
	p := newPendingSend(uuid.NewString(), subject, out)

	c.mu.Lock()
	c.prune(time.Now())
	c.pending = append(c.pending, p)
	c.mu.Unlock()

	go c.deliver(ctx, p)
	return p
}

func (c *Coordinator) deliver(ctx context.Context, p *PendingSend) {
	lock := c.subjectLock(p.Subject)
	lock.Lock()
	defer lock.Unlock()

	body, err := json.Marshal(p.Payload)
	if err != nil {
		// Outgoing is plain data; this cannot fail in practice.
		c.terminalFailure(p, fmt.Sprintf("encode payload: %v", err))
		return
	}

	pubErr := c.transport.Publish(c.destination, body)
	if pubErr == nil {
		// Stream accepted it. The authoritative copy, with server id and
		// server timestamp, arrives through the subscription; confirmation
		// happens in Observe.
		p.markAttempt(stream.ViaStream)
		c.logger.Info("published via stream",
			zap.String("client_temp_id", p.ClientTempID),
			zap.Stringer("subject", p.Subject))
		return
	}
	c.logger.Warn("stream publish failed, trying fallback",
		zap.String("client_temp_id", p.ClientTempID),
		zap.Error(pubErr))

	receipt, ferr := c.fallback.SendMessage(ctx, p.Payload)
	if ferr != nil {
		c.metrics.SendFailure()
		c.terminalFailure(p, fmt.Sprintf("send failed on both paths: %v", ferr))
		return
	}

	p.markAttempt(stream.ViaFallback)
	// No subscription echo on this path: synthesize the local copy from the
	// authoritative response. The dedup append also protects against a later
	// stream echo carrying the same server id.
	evt := p.Payload.Event(p.Subject, receipt.ServerID, stream.ViaFallback)
	c.apply(evt)
	c.metrics.FallbackSend()

	if receipt.ServerID == "" {
		c.mu.Lock()
		c.echoes = append(c.echoes, fallbackEcho{
			subject:  p.Subject,
			senderID: p.Payload.SenderID,
			content:  p.Payload.Content,
			sentAt:   p.Payload.Timestamp,
		})
		c.mu.Unlock()
	}

	if p.confirm(receipt.ServerID) {
		c.logger.Info("delivered via fallback",
			zap.String("client_temp_id", p.ClientTempID),
			zap.String("server_id", receipt.ServerID))
		c.bus.Publish(bus.Event{Kind: bus.KindMessageConfirmed, Payload: p})
	}
	c.remove(p)
}

// Observe inspects an applied inbound event for confirmation of a pending
// stream-path send. The client calls it for every fresh conversation event.
func (c *Coordinator) Observe(evt stream.Event) {
	c.mu.Lock()
	var matched *PendingSend
	for _, p := range c.pending {
		if p.Subject != evt.Subject || p.State() != StateSending || p.AttemptedVia() != string(stream.ViaStream) {
			continue
		}
		if p.Payload.SenderID == evt.SenderID &&
			p.Payload.Content == evt.Content &&
			withinWindow(p.Payload.Timestamp, evt.OccurredAt, c.window) {
			matched = p
			break
		}
	}
	c.mu.Unlock()

	if matched == nil {
		return
	}
	if matched.confirm(evt.Identity()) {
		c.logger.Info("stream send confirmed by echo",
			zap.String("client_temp_id", matched.ClientTempID),
			zap.String("server_id", evt.ServerID))
		c.bus.Publish(bus.Event{Kind: bus.KindMessageConfirmed, Payload: matched})
	}
	c.remove(matched)
}

// Absorb reports whether an inbound event is the stream echo of a message
// already materialized from an id-less fallback receipt. The client consults
// it before the dedup append; matched echoes are consumed, so only the first
// echo is absorbed and unrelated resends still apply normally.
func (c *Coordinator) Absorb(evt stream.Event) bool {
	if evt.ReceivedVia != stream.ViaStream {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, e := range c.echoes {
		if e.subject == evt.Subject && e.senderID == evt.SenderID && e.content == evt.Content &&
			withinWindow(e.sentAt, evt.OccurredAt, c.window) {
			c.echoes = append(c.echoes[:i], c.echoes[i+1:]...)
			return true
		}
	}
	return false
}

// terminalFailure appends a visibly failed event so the conversation view can
// render it; it is never retried automatically. A retry is a new Send call.
func (c *Coordinator) terminalFailure(p *PendingSend, reason string) {
	evt := p.Payload.Event(p.Subject, "", stream.ViaFallback)
	evt.Error = true
	evt.FailureReason = reason
	c.apply(evt)

	if p.fail(reason) {
		c.logger.Error("send failed",
			zap.String("client_temp_id", p.ClientTempID),
			zap.String("reason", reason))
		c.bus.Publish(bus.Event{Kind: bus.KindMessageSendFailed, Payload: p})
	}
	c.remove(p)
}

func (c *Coordinator) subjectLock(subject stream.Subject) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	lock, ok := c.subjects[subject]
	if !ok {
		lock = &sync.Mutex{}
		c.subjects[subject] = lock
	}
	return lock
}

func (c *Coordinator) remove(target *PendingSend) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, p := range c.pending {
		if p == target {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return
		}
	}
}

// prune drops stale unconfirmed entries so lost echoes cannot grow the
// matching list forever. Caller holds c.mu.
func (c *Coordinator) prune(now time.Time) {
	kept := c.pending[:0]
	for _, p := range c.pending {
		if p.State() == StateSending && p.age(now) < pendingMaxAge {
			kept = append(kept, p)
		}
	}
	c.pending = kept

	echoes := c.echoes[:0]
	for _, e := range c.echoes {
		if now.Sub(e.sentAt) < pendingMaxAge {
			echoes = append(echoes, e)
		}
	}
	c.echoes = echoes
}

func withinWindow(a, b time.Time, window time.Duration) bool {
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return d <= window
}
