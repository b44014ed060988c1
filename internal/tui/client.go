package tui

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/clawinfra/fieldsync/internal/api"
	"github.com/clawinfra/fieldsync/internal/notify"
	"github.com/clawinfra/fieldsync/internal/outbox"
	"github.com/clawinfra/fieldsync/internal/submit"
	"github.com/clawinfra/fieldsync/internal/syncer"
)

// APIError is a non-2xx answer from the daemon.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// Client talks to a running fieldsync daemon.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient creates a client for the API at baseURL. token is sent as a
// bearer token when non-empty.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(data, &e) != nil {
			e.Error = strings.TrimSpace(string(data))
		}
		return &APIError{StatusCode: resp.StatusCode, Message: e.Error}
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Status fetches the daemon status.
func (c *Client) Status(ctx context.Context) (api.Status, error) {
	var st api.Status
	err := c.do(ctx, http.MethodGet, "/api/status", nil, &st)
	return st, err
}

// Outbox lists queued entries, oldest first.
func (c *Client) Outbox(ctx context.Context) ([]outbox.Entry, error) {
	var entries []outbox.Entry
	err := c.do(ctx, http.MethodGet, "/api/outbox", nil, &entries)
	return entries, err
}

// Submit delivers or queues one operation through the daemon.
func (c *Client) Submit(ctx context.Context, req api.SubmitRequest) (submit.Result, error) {
	var res submit.Result
	err := c.do(ctx, http.MethodPost, "/api/submit", req, &res)
	return res, err
}

// Sync runs a sync pass now.
func (c *Client) Sync(ctx context.Context) (syncer.Result, error) {
	var res syncer.Result
	err := c.do(ctx, http.MethodPost, "/api/outbox/sync", nil, &res)
	return res, err
}

// Retry requeues a failed entry.
func (c *Client) Retry(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/api/outbox/"+url.PathEscape(id)+"/retry", nil, nil)
}

// Discard removes an entry.
func (c *Client) Discard(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/outbox/"+url.PathEscape(id), nil, nil)
}

// Events streams sync events to fn until ctx ends or the connection drops.
func (c *Client) Events(ctx context.Context, fn func(notify.Event)) error {
	wsURL := "ws" + strings.TrimPrefix(c.baseURL, "http") + "/api/events"

	opts := &websocket.DialOptions{HTTPHeader: http.Header{}}
	if c.token != "" {
		opts.HTTPHeader.Set("Authorization", "Bearer "+c.token)
	}

	conn, _, err := websocket.Dial(ctx, wsURL, opts)
	if err != nil {
		return fmt.Errorf("dial event stream: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	for {
		var ev notify.Event
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			return err
		}
		fn(ev)
	}
}
