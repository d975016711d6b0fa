// Package httpapi is the request/response side of the portal: history loads,
// the fallback send used when the streaming publish is unavailable, and
// notification deletion.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/medassist/realtime/config"
	"github.com/medassist/realtime/stream"
	"go.uber.org/zap"
)

// StatusError is returned for any non-2xx response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("httpapi: unexpected status %d: %s", e.Code, e.Body)
}

// SendReceipt is the authoritative result of a fallback send.
type SendReceipt struct {
	ServerID string
}

// Client talks to the portal's REST endpoints.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

// New creates a REST client for the configured base URL.
func New(cfg config.API, logger *zap.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    &http.Client{Timeout: cfg.Timeout.Std()},
		logger:  logger,
	}
}

// ChatHistory loads the stored conversation between two users, oldest first.
// The server answers with a bare array, {"messages": [...]} or
// {"data": [...]}; anything else is treated as empty history.
func (c *Client) ChatHistory(ctx context.Context, a, b string) ([]stream.Event, error) {
	subject := stream.Conversation(a, b)
	raw, err := c.get(ctx, fmt.Sprintf("%s/chat/%s/%s", c.baseURL, a, b))
	if err != nil {
		return nil, fmt.Errorf("load chat history: %w", err)
	}

	items := normalizeList(raw)
	events := make([]stream.Event, 0, len(items))
	now := time.Now()
	for _, item := range items {
		evt := stream.DecodeChat(subject, item, now)
		evt.ReceivedVia = stream.ViaFallback
		events = append(events, evt)
	}
	return events, nil
}

// historyNotification tolerates numeric ids and an optional read flag.
type historyNotification struct {
	ID        stream.WireID `json:"id"`
	Message   string        `json:"message"`
	Timestamp string        `json:"timestamp"`
	CreatedAt string        `json:"createdAt"`
	Read      bool          `json:"read"`
}

// Notifications loads the stored notification feed for a user.
func (c *Client) Notifications(ctx context.Context, userID string, role stream.Role) ([]stream.Notification, error) {
	raw, err := c.get(ctx, fmt.Sprintf("%s/notifications/%s/%s", c.baseURL, role, userID))
	if err != nil {
		return nil, fmt.Errorf("load notifications: %w", err)
	}

	items := normalizeList(raw)
	out := make([]stream.Notification, 0, len(items))
	for _, item := range items {
		var n historyNotification
		if err := json.Unmarshal(item, &n); err != nil {
			c.logger.Debug("skipping malformed notification", zap.Error(err))
			continue
		}
		ts := n.Timestamp
		if ts == "" {
			ts = n.CreatedAt
		}
		out = append(out, stream.Notification{
			ID:        string(n.ID),
			Message:   n.Message,
			CreatedAt: parseWhen(ts),
			Read:      n.Read,
		})
	}
	return out, nil
}

// sendResponse is the fallback send result envelope.
type sendResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    struct {
		ID stream.WireID `json:"id"`
	} `json:"data"`
}

// SendMessage delivers an outbound message over the request/response path.
// Used only when the streaming publish failed.
func (c *Client) SendMessage(ctx context.Context, out stream.Outgoing) (SendReceipt, error) {
	payload, err := json.Marshal(out)
	if err != nil {
		return SendReceipt{}, fmt.Errorf("encode message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/send", bytes.NewReader(payload))
	if err != nil {
		return SendReceipt{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	body, err := c.do(req)
	if err != nil {
		return SendReceipt{}, fmt.Errorf("fallback send: %w", err)
	}

	var resp sendResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return SendReceipt{}, fmt.Errorf("fallback send: decode response: %w", err)
	}
	if !resp.Success {
		return SendReceipt{}, fmt.Errorf("fallback send rejected: %s", resp.Message)
	}
	return SendReceipt{ServerID: string(resp.Data.ID)}, nil
}

// DeleteNotification removes a notification server-side. Only an explicit
// 2xx counts as success.
func (c *Client) DeleteNotification(ctx context.Context, id string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/notifications/"+id, nil)
	if err != nil {
		return err
	}
	if _, err := c.do(req); err != nil {
		return fmt.Errorf("delete notification %s: %w", id, err)
	}
	return nil
}

func (c *Client) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return body, nil
}

// listEnvelope covers the two wrapped history response shapes.
type listEnvelope struct {
	Messages []json.RawMessage `json:"messages"`
	Data     []json.RawMessage `json:"data"`
}

// normalizeList accepts a bare array, {"messages": [...]} or {"data": [...]}
// and defaults to empty on any unrecognized shape.
func normalizeList(raw []byte) []json.RawMessage {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil
	}
	if trimmed[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil
		}
		return items
	}
	var env listEnvelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return nil
	}
	if env.Messages != nil {
		return env.Messages
	}
	return env.Data
}

func parseWhen(s string) time.Time {
	if s == "" {
		return time.Now()
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	return time.Now()
}
