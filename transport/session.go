// Package transport owns the physical connection to the realtime endpoint:
// connect/disconnect, publish, subscribe, and reconnection with capped
// exponential backoff. Subscriptions are declarative state, so every
// successful (re)connect replays them and reconnection stays transparent to
// callers.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/medassist/realtime/bus"
	"github.com/medassist/realtime/config"
	"github.com/medassist/realtime/metrics"
	"go.uber.org/zap"
)

// ErrNotConnected is returned by Publish while the session is offline.
// Publish never queues; callers needing guaranteed delivery use the delivery
// coordinator's fallback path.
var ErrNotConnected = errors.New("transport: not connected")

const writeTimeout = 5 * time.Second

// Handler consumes the raw body of an inbound message for one topic. All
// handlers run on the session's single read-loop goroutine and must not
// block it.
type Handler func(topic string, body []byte)

// Session owns one logical connection to the realtime endpoint. Reconnection
// is indefinite but rate-limited; a Disconnect cancels any in-flight backoff
// timer.
type Session struct {
	endpoint       string
	initialBackoff time.Duration
	maxBackoff     time.Duration

	dialer  Dialer
	bus     *bus.Bus
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu        sync.Mutex
	conn      Conn
	connected bool
	handlers  map[string]Handler
	cancel    context.CancelFunc
	writeMu   sync.Mutex
}

// NewSession creates a session for the configured endpoint. Nothing is dialed
// until Connect.
func NewSession(cfg config.Transport, dialer Dialer, b *bus.Bus, logger *zap.Logger, m *metrics.Metrics) *Session {
	return &Session{
		endpoint:       cfg.Endpoint,
		initialBackoff: cfg.InitialBackoff.Std(),
		maxBackoff:     cfg.MaxBackoff.Std(),
		dialer:         dialer,
		bus:            b,
		logger:         logger,
		metrics:        m,
		handlers:       make(map[string]Handler),
	}
}

// Connect starts the background connection manager. Dial failures are
// recovered locally with backoff and never surfaced here; the only error is
// calling Connect on an already-running session.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return errors.New("transport: already connected")
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	go s.run(runCtx)
	return nil
}

// Disconnect tears the session down. Bookkeeping is synchronous: after return
// the session is marked offline and the reconnect loop (including any pending
// backoff timer) is cancelled.
func (s *Session) Disconnect() {
	s.mu.Lock()
	cancel := s.cancel
	conn := s.conn
	s.cancel = nil
	s.conn = nil
	s.connected = false
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
}

// Connected reports whether a live connection is established.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Publish sends a payload to a destination. It fails immediately with
// ErrNotConnected while offline and does not queue.
func (s *Session) Publish(destination string, body []byte) error {
	s.mu.Lock()
	conn := s.conn
	connected := s.connected
	s.mu.Unlock()

	if !connected || conn == nil {
		return ErrNotConnected
	}
	frame := Frame{Type: frameSend, Destination: destination, Body: body}
	if err := s.writeFrame(conn, frame); err != nil {
		return fmt.Errorf("transport: publish to %s: %w", destination, err)
	}
	return nil
}

// Subscribe registers a handler for a topic. The registration is declarative:
// it survives reconnects and is replayed on every successful connect.
// Subscribing a topic twice replaces the handler without a second wire
// subscription.
func (s *Session) Subscribe(topic string, h Handler) {
	s.mu.Lock()
	_, already := s.handlers[topic]
	s.handlers[topic] = h
	conn := s.conn
	connected := s.connected
	s.mu.Unlock()

	if connected && conn != nil && !already {
		if err := s.writeFrame(conn, Frame{Type: frameSubscribe, Topic: topic}); err != nil {
			s.logger.Warn("subscribe frame failed, will replay on reconnect",
				zap.String("topic", topic), zap.Error(err))
		}
	}
}

// Unsubscribe removes a topic's handler. Local bookkeeping is synchronous;
// the wire unsubscribe may complete asynchronously and its confirmation is
// not awaited.
func (s *Session) Unsubscribe(topic string) {
	s.mu.Lock()
	_, had := s.handlers[topic]
	delete(s.handlers, topic)
	conn := s.conn
	connected := s.connected
	s.mu.Unlock()

	if had && connected && conn != nil {
		if err := s.writeFrame(conn, Frame{Type: frameUnsubscribe, Topic: topic}); err != nil {
			s.logger.Debug("unsubscribe frame failed", zap.String("topic", topic), zap.Error(err))
		}
	}
}

func (s *Session) run(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.initialBackoff
	bo.MaxInterval = s.maxBackoff

	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}
		conn, err := s.dialer.Dial(ctx, s.endpoint)
		if err != nil {
			delay := bo.NextBackOff()
			s.logger.Warn("dial failed",
				zap.String("endpoint", s.endpoint),
				zap.Duration("retry_in", delay),
				zap.Error(err))
			s.bus.Publish(bus.Event{Kind: bus.KindTransportReconnecting, Payload: err.Error()})
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return
			}
		}

		bo.Reset()
		s.attach(conn, attempt > 0)
		attempt++

		s.readLoop(ctx, conn)

		s.detach(conn)
		if ctx.Err() != nil {
			return
		}
		s.bus.Publish(bus.Event{Kind: bus.KindTransportDisconnected})
	}
}

// attach marks the session online and replays every registered subscription.
func (s *Session) attach(conn Conn, reconnect bool) {
	s.mu.Lock()
	s.conn = conn
	s.connected = true
	topics := make([]string, 0, len(s.handlers))
	for topic := range s.handlers {
		topics = append(topics, topic)
	}
	s.mu.Unlock()

	for _, topic := range topics {
		if err := s.writeFrame(conn, Frame{Type: frameSubscribe, Topic: topic}); err != nil {
			s.logger.Warn("subscription replay failed", zap.String("topic", topic), zap.Error(err))
		}
	}

	if reconnect {
		s.metrics.Reconnect()
	}
	s.logger.Info("transport connected",
		zap.String("endpoint", s.endpoint),
		zap.Int("subscriptions", len(topics)),
		zap.Bool("reconnect", reconnect))
	s.bus.Publish(bus.Event{Kind: bus.KindTransportConnected, Payload: s.endpoint})
}

func (s *Session) detach(conn Conn) {
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
		s.connected = false
	}
	s.mu.Unlock()
	_ = conn.Close()
}

// readLoop is the single inbound dispatcher: every subscribed topic's events
// arrive through this one ordered goroutine.
func (s *Session) readLoop(ctx context.Context, conn Conn) {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Warn("read failed", zap.Error(err))
			}
			return
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.logger.Debug("dropping unparseable frame", zap.Error(err))
			continue
		}
		if frame.Type != frameMessage {
			continue
		}

		s.mu.Lock()
		h := s.handlers[frame.Topic]
		s.mu.Unlock()
		if h == nil {
			s.logger.Debug("message for unsubscribed topic", zap.String("topic", frame.Topic))
			continue
		}
		h(frame.Topic, frame.Body)
	}
}

func (s *Session) writeFrame(conn Conn, frame Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return conn.Write(ctx, data)
}
