// Package realtime is the embeddable realtime delivery client for the
// scheduling portal: chat conversations and notification feeds over a
// streaming subscription, with a REST fallback for sends and history.
//
// The client is transport-agnostic from the host's point of view. The host
// logs a session in, opens conversations and sends messages; connectivity,
// reconnection, deduplication and delivery reconciliation happen inside.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/medassist/realtime/bus"
	"github.com/medassist/realtime/config"
	"github.com/medassist/realtime/dedup"
	"github.com/medassist/realtime/delivery"
	"github.com/medassist/realtime/httpapi"
	"github.com/medassist/realtime/ledger"
	"github.com/medassist/realtime/lock"
	"github.com/medassist/realtime/metrics"
	"github.com/medassist/realtime/store"
	"github.com/medassist/realtime/stream"
	"github.com/medassist/realtime/topics"
	"github.com/medassist/realtime/transport"
)

// ErrNoSession is returned by operations that require a logged-in session.
var ErrNoSession = errors.New("realtime: no active session")

// HistoryError wraps a history load failure. The operation that returns it
// still succeeded locally: the subscription is active and any cached entries
// were returned, so the host can render what it has and show an indicator.
type HistoryError struct {
	Subject stream.Subject
	Err     error
}

func (e *HistoryError) Error() string {
	return fmt.Sprintf("realtime: history load for %s failed: %v", e.Subject, e.Err)
}

func (e *HistoryError) Unwrap() error { return e.Err }

// Client ties the transport session, subscription registry, dedup store,
// delivery coordinator and notification ledger together behind one facade.
// All inbound events, regardless of origin, flow through applyEvent so that
// deduplication, caching, bus fan-out and send reconciliation see every one
// of them exactly once.
type Client struct {
	cfg     *config.Config
	logger  *zap.Logger
	bus     *bus.Bus
	metrics *metrics.Metrics

	transport   *transport.Session
	registry    *topics.Registry
	dedup       *dedup.Store
	api         *httpapi.Client
	coordinator *delivery.Coordinator
	ledger      *ledger.Ledger

	mu        sync.Mutex
	session   stream.Session
	cache     *store.DB
	cacheLock *lock.Lock
	connected bool
}

// New builds a client with the production websocket dialer and no metrics
// registration. Hosts that want fx wiring use Module instead.
func New(cfg *config.Config, logger *zap.Logger) *Client {
	b := bus.New()
	m := metrics.New(nil)
	ts := transport.NewSession(cfg.Transport, transport.WebsocketDialer{}, b, logger, m)
	return NewClient(cfg, logger, b, m, ts, httpapi.New(cfg.API, logger), dedup.NewStore())
}

// NewClient assembles a client from explicit collaborators.
func NewClient(cfg *config.Config, logger *zap.Logger, b *bus.Bus, m *metrics.Metrics, ts *transport.Session, api *httpapi.Client, d *dedup.Store) *Client {
	c := &Client{
		cfg:       cfg,
		logger:    logger,
		bus:       b,
		metrics:   m,
		transport: ts,
		dedup:     d,
		api:       api,
	}
	c.registry = topics.NewRegistry(ts, c.dispatch, c.onRelease, logger)
	c.coordinator = delivery.NewCoordinator(ts, api, c.applyEvent, cfg.Delivery, b, logger, m)
	c.ledger = ledger.NewLedger(d, api, b, logger)
	return c
}

// dispatch is the registry sink: every frame from an active subscription
// lands here, already attributed to its subject.
func (c *Client) dispatch(subject stream.Subject, body []byte) {
	c.applyEvent(stream.Decode(subject, body, time.Now()))
}

// applyEvent is the single funnel for inbound events. Feed events go to the
// ledger, conversation events to the dedup store; duplicates are dropped
// before any side effect. Returns whether the event was applied.
func (c *Client) applyEvent(evt stream.Event) bool {
	if evt.Subject.IsFeed() {
		return c.applyFeedEvent(evt)
	}
	if c.coordinator.Absorb(evt) {
		c.metrics.DuplicateDropped()
		c.bus.Publish(bus.Event{Kind: bus.KindMessageDuplicate, Payload: evt})
		c.logger.Debug("fallback echo absorbed",
			zap.String("subject", evt.Subject.String()))
		return false
	}
	if !c.dedup.Append(evt) {
		c.metrics.DuplicateDropped()
		c.bus.Publish(bus.Event{Kind: bus.KindMessageDuplicate, Payload: evt})
		c.logger.Debug("duplicate event dropped",
			zap.String("identity", evt.Identity()),
			zap.String("subject", evt.Subject.String()))
		return false
	}
	c.metrics.EventApplied()
	c.cacheMessage(evt)
	c.bus.Publish(bus.Event{Kind: bus.KindMessageApplied, Payload: evt})
	c.coordinator.Observe(evt)
	return true
}

func (c *Client) applyFeedEvent(evt stream.Event) bool {
	if !c.ledger.Apply(evt) {
		c.metrics.DuplicateDropped()
		return false
	}
	c.metrics.EventApplied()
	c.mu.Lock()
	db, owner := c.cache, c.session.UserID
	c.mu.Unlock()
	if db != nil {
		if err := db.UpsertNotification(owner, evt.Notification()); err != nil {
			c.logger.Warn("notification cache write failed", zap.Error(err))
		}
	}
	return true
}

func (c *Client) cacheMessage(evt stream.Event) {
	c.mu.Lock()
	db := c.cache
	c.mu.Unlock()
	if db == nil {
		return
	}
	if err := db.UpsertMessage(evt); err != nil {
		c.logger.Warn("message cache write failed", zap.Error(err))
	}
}

// onRelease drops the per-subject dedup log once nothing is subscribed to
// the subject anymore. Feed subjects keep their log: the ledger owns it for
// the lifetime of the session.
func (c *Client) onRelease(subject stream.Subject) {
	if subject.IsFeed() {
		return
	}
	c.dedup.Drop(subject)
}

// Login starts a session: tears down any previous one, connects the
// transport if needed, subscribes the notification feed and seeds the
// ledger from the server (or the local cache when the server is
// unreachable). A *HistoryError return means the session is active but the
// feed was seeded from cache or left empty.
func (c *Client) Login(ctx context.Context, sess stream.Session) error {
	if !sess.Valid() {
		return fmt.Errorf("realtime: invalid session %q/%q", sess.UserID, sess.Role)
	}

	c.mu.Lock()
	if c.session.Valid() {
		c.mu.Unlock()
		c.Logout()
		c.mu.Lock()
	}
	c.session = sess
	connect := !c.connected
	c.mu.Unlock()

	if c.cfg.Cache.Enabled {
		if err := c.openCache(sess.UserID); err != nil {
			c.mu.Lock()
			c.session = stream.Session{}
			c.mu.Unlock()
			return err
		}
	}

	// The connected flag is only latched once Connect has actually been
	// issued, so a failed login (cache error above) leaves the next attempt
	// free to start the transport.
	if connect {
		if err := c.transport.Connect(ctx); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Warn("transport connect", zap.Error(err))
		}
		c.mu.Lock()
		c.connected = true
		c.mu.Unlock()
	}

	c.registry.EnsureSubscribed(stream.Feed(sess.UserID))
	c.bus.Publish(bus.Event{Kind: bus.KindSessionStarted, Payload: sess})

	return c.seedLedger(ctx, sess)
}

func (c *Client) seedLedger(ctx context.Context, sess stream.Session) error {
	items, err := c.api.Notifications(ctx, sess.UserID, sess.Role)
	if err == nil {
		c.ledger.Load(items)
		c.cacheNotifications(sess.UserID, items)
		return nil
	}

	c.logger.Warn("notification history load failed",
		zap.String("user", sess.UserID), zap.Error(err))
	cached := c.cachedNotifications(sess.UserID)
	c.ledger.Load(cached)
	c.bus.Publish(bus.Event{Kind: bus.KindHistoryLoadFailed, Payload: stream.Feed(sess.UserID)})
	return &HistoryError{Subject: stream.Feed(sess.UserID), Err: err}
}

func (c *Client) cacheNotifications(owner string, items []stream.Notification) {
	c.mu.Lock()
	db := c.cache
	c.mu.Unlock()
	if db == nil {
		return
	}
	for _, n := range items {
		if err := db.UpsertNotification(owner, n); err != nil {
			c.logger.Warn("notification cache write failed", zap.Error(err))
			return
		}
	}
}

func (c *Client) cachedNotifications(owner string) []stream.Notification {
	c.mu.Lock()
	db := c.cache
	c.mu.Unlock()
	if db == nil {
		return nil
	}
	items, err := db.ListNotifications(owner)
	if err != nil {
		c.logger.Warn("notification cache read failed", zap.Error(err))
		return nil
	}
	return items
}

func (c *Client) openCache(userID string) error {
	held, err := lock.Acquire(c.cfg.Cache.Dir)
	if err != nil {
		return fmt.Errorf("acquiring cache lock: %w", err)
	}
	db, err := store.OpenUserCache(c.cfg.Cache.Dir, userID)
	if err != nil {
		_ = held.Release()
		return fmt.Errorf("opening cache: %w", err)
	}
	if _, err := db.Migrate(); err != nil {
		_ = db.Close()
		_ = held.Release()
		return fmt.Errorf("migrating cache: %w", err)
	}
	c.mu.Lock()
	c.cache = db
	c.cacheLock = held
	c.mu.Unlock()
	return nil
}

// Logout ends the current session. All subscriptions are released, in-memory
// state is wiped and the cache is closed so nothing leaks into the next
// session. The transport connection itself is kept for reuse; Close tears
// it down.
func (c *Client) Logout() {
	c.mu.Lock()
	sess := c.session
	c.session = stream.Session{}
	db, held := c.cache, c.cacheLock
	c.cache, c.cacheLock = nil, nil
	c.mu.Unlock()

	if !sess.Valid() {
		return
	}

	c.registry.ReleaseAll()
	c.ledger.Reset()
	c.dedup.Reset()

	if db != nil {
		if err := db.Close(); err != nil {
			c.logger.Warn("cache close failed", zap.Error(err))
		}
	}
	if held != nil {
		if err := held.Release(); err != nil {
			c.logger.Warn("cache lock release failed", zap.Error(err))
		}
	}

	c.bus.Publish(bus.Event{Kind: bus.KindSessionEnded, Payload: sess})
}

// Close logs out and disconnects the transport.
func (c *Client) Close() {
	c.Logout()
	c.mu.Lock()
	wasConnected := c.connected
	c.connected = false
	c.mu.Unlock()
	if wasConnected {
		c.transport.Disconnect()
	}
}

// OpenConversation subscribes the canonical conversation with peerID and
// returns its history, server-first with cache fallback. The returned events
// are already deduplicated and in first-seen order. A *HistoryError means
// the subscription is live but history came from cache (or is empty).
func (c *Client) OpenConversation(ctx context.Context, peerID string) ([]stream.Event, error) {
	c.mu.Lock()
	sess := c.session
	c.mu.Unlock()
	if !sess.Valid() {
		return nil, ErrNoSession
	}

	subject := stream.Conversation(sess.UserID, peerID)
	c.registry.EnsureSubscribed(subject)

	events, err := c.api.ChatHistory(ctx, subject.A, subject.B)
	if err != nil {
		c.logger.Warn("chat history load failed",
			zap.String("subject", subject.String()), zap.Error(err))
		c.seedFromCache(subject)
		c.bus.Publish(bus.Event{Kind: bus.KindHistoryLoadFailed, Payload: subject})
		return c.dedup.EntriesFor(subject), &HistoryError{Subject: subject, Err: err}
	}

	for _, evt := range events {
		if c.dedup.Append(evt) {
			c.cacheMessage(evt)
		}
	}
	return c.dedup.EntriesFor(subject), nil
}

func (c *Client) seedFromCache(subject stream.Subject) {
	c.mu.Lock()
	db := c.cache
	c.mu.Unlock()
	if db == nil {
		return
	}
	cached, err := db.ListMessages(subject)
	if err != nil {
		c.logger.Warn("message cache read failed", zap.Error(err))
		return
	}
	for _, evt := range cached {
		c.dedup.Append(evt)
	}
}

// CloseConversation unsubscribes the conversation with peerID and discards
// its in-memory log. The cache keeps its copy.
func (c *Client) CloseConversation(peerID string) {
	c.mu.Lock()
	sess := c.session
	c.mu.Unlock()
	if !sess.Valid() {
		return
	}
	c.registry.Release(stream.Conversation(sess.UserID, peerID))
}

// Send delivers content to peerID: stream first, REST fallback second. The
// returned PendingSend resolves to confirmed or failed; a failed send
// surfaces as a flagged event in the conversation and is never retried
// automatically.
func (c *Client) Send(ctx context.Context, peerID, content string) (*delivery.PendingSend, error) {
	c.mu.Lock()
	sess := c.session
	c.mu.Unlock()
	if !sess.Valid() {
		return nil, ErrNoSession
	}

	subject := stream.Conversation(sess.UserID, peerID)
	out := stream.Outgoing{
		SenderID:   sess.UserID,
		ReceiverID: peerID,
		SenderName: sess.Name,
		SenderRole: string(sess.Role),
		Content:    content,
		Timestamp:  time.Now(),
	}
	return c.coordinator.Send(ctx, subject, out), nil
}

// Conversation returns the applied events for the conversation with peerID,
// in first-seen order.
func (c *Client) Conversation(peerID string) []stream.Event {
	c.mu.Lock()
	sess := c.session
	c.mu.Unlock()
	if !sess.Valid() {
		return nil
	}
	return c.dedup.EntriesFor(stream.Conversation(sess.UserID, peerID))
}

// Ledger exposes the notification ledger directly for hosts that want the
// full API. Mutations made through the Client (not the ledger) additionally
// keep the local cache in sync.
func (c *Client) Ledger() *ledger.Ledger {
	return c.ledger
}

// Notifications returns the current ledger entries, newest first.
func (c *Client) Notifications() []stream.Notification {
	return c.ledger.All()
}

// Stats returns the notification counters the badge and header widgets
// render from.
func (c *Client) Stats() ledger.Stats {
	return c.ledger.Stats()
}

// MarkNotificationRead flips one entry to read, locally and in the cache.
func (c *Client) MarkNotificationRead(id string) {
	c.ledger.MarkRead(id)
	c.mu.Lock()
	db := c.cache
	c.mu.Unlock()
	if db != nil {
		if err := db.MarkNotificationRead(id); err != nil {
			c.logger.Warn("notification cache update failed", zap.Error(err))
		}
	}
}

// MarkAllNotificationsRead flips every entry to read, locally and in the
// cache.
func (c *Client) MarkAllNotificationsRead() {
	c.ledger.MarkAllRead()
	c.mu.Lock()
	db, owner := c.cache, c.session.UserID
	c.mu.Unlock()
	if db != nil {
		if err := db.MarkAllNotificationsRead(owner); err != nil {
			c.logger.Warn("notification cache update failed", zap.Error(err))
		}
	}
}

// RemoveNotification deletes one entry on the server, then locally. On a
// server error the entry stays and the error is returned.
func (c *Client) RemoveNotification(ctx context.Context, id string) error {
	if err := c.ledger.Remove(ctx, id); err != nil {
		return err
	}
	c.mu.Lock()
	db := c.cache
	c.mu.Unlock()
	if db != nil {
		if err := db.DeleteNotification(id); err != nil {
			c.logger.Warn("notification cache delete failed", zap.Error(err))
		}
	}
	return nil
}

// ClearNotifications empties the local ledger and cache without touching the
// server.
func (c *Client) ClearNotifications() {
	c.ledger.ClearAll()
	c.mu.Lock()
	db, owner := c.cache, c.session.UserID
	c.mu.Unlock()
	if db != nil {
		if err := db.ClearNotifications(owner); err != nil {
			c.logger.Warn("notification cache clear failed", zap.Error(err))
		}
	}
}

// Events subscribes to the internal bus under the given kind prefix.
func (c *Client) Events(namespace string, bufSize int) (<-chan bus.Event, func()) {
	return c.bus.Subscribe(namespace, bufSize)
}

// Connected reports whether the streaming transport is currently attached.
func (c *Client) Connected() bool {
	return c.transport.Connected()
}

// Session returns the active session, zero when logged out.
func (c *Client) Session() stream.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}
