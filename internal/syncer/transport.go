package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/clawinfra/fieldsync/internal/outbox"
)

// DefaultDeliveryTimeout bounds one delivery request.
const DefaultDeliveryTimeout = 15 * time.Second

// Transport delivers one operation. A nil error means the remote accepted it.
type Transport interface {
	Send(ctx context.Context, method outbox.Method, endpoint string, payload json.RawMessage) error
}

// TransportFunc adapts a function to the Transport interface.
type TransportFunc func(ctx context.Context, method outbox.Method, endpoint string, payload json.RawMessage) error

func (f TransportFunc) Send(ctx context.Context, method outbox.Method, endpoint string, payload json.RawMessage) error {
	return f(ctx, method, endpoint, payload)
}

// HTTPError is returned for a completed request with a non-2xx status.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("http %d", e.StatusCode)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Body)
}

// HTTPTransport sends operations as JSON over HTTP.
type HTTPTransport struct {
	baseURL    string
	authToken  string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewHTTPTransport creates a transport. Relative endpoints are resolved
// against baseURL; authToken, when set, is sent as a bearer token.
func NewHTTPTransport(baseURL, authToken string, timeout time.Duration, logger *slog.Logger) *HTTPTransport {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = DefaultDeliveryTimeout
	}
	return &HTTPTransport{
		baseURL:   strings.TrimRight(baseURL, "/"),
		authToken: authToken,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger.With("component", "transport"),
	}
}

func (t *HTTPTransport) resolve(endpoint string) string {
	if t.baseURL == "" || strings.Contains(endpoint, "://") {
		return endpoint
	}
	if !strings.HasPrefix(endpoint, "/") {
		endpoint = "/" + endpoint
	}
	return t.baseURL + endpoint
}

func (t *HTTPTransport) Send(ctx context.Context, method outbox.Method, endpoint string, payload json.RawMessage) error {
	url := t.resolve(endpoint)

	var body io.Reader
	if len(payload) > 0 {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, string(method), url, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if t.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+t.authToken)
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	// Only the status decides the outcome; keep a short excerpt for lastError.
	excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &HTTPError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(excerpt))}
	}

	t.logger.Debug("delivered", "method", method, "url", url, "status", resp.StatusCode)
	return nil
}
