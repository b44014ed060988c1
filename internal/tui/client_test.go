package tui

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/clawinfra/fieldsync/internal/api"
	"github.com/clawinfra/fieldsync/internal/notify"
	"github.com/clawinfra/fieldsync/internal/outbox"
	"github.com/clawinfra/fieldsync/internal/security"
	"github.com/clawinfra/fieldsync/internal/submit"
	"github.com/clawinfra/fieldsync/internal/syncer"
)

type offline struct{}

func (offline) Check(context.Context) bool { return false }

func newDaemon(t *testing.T, secret []byte) (*httptest.Server, *notify.MemoryBus, *notify.Hub) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := outbox.NewMemoryStore()
	bus := notify.NewMemoryBus(logger)
	t.Cleanup(func() { bus.Close() })
	hub := notify.NewHub(logger)
	t.Cleanup(hub.Attach(bus))

	tr := syncer.TransportFunc(func(context.Context, outbox.Method, string, json.RawMessage) error { return nil })
	engine := syncer.NewEngine(store, tr, bus, logger)
	svc := submit.NewService(store, tr, offline{}, engine, submit.Options{}, logger)
	srv := httptest.NewServer(api.NewServer(0, svc, api.Options{Engine: engine, Events: hub, JWTSecret: secret}, logger).Handler())
	t.Cleanup(srv.Close)
	return srv, bus, hub
}

func TestClientRoundTrip(t *testing.T) {
	ctx := context.Background()
	srv, _, _ := newDaemon(t, nil)
	c := NewClient(srv.URL+"/", "")

	res, err := c.Submit(ctx, api.SubmitRequest{Endpoint: "/reports", Payload: json.RawMessage(`{"site":"A"}`)})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !res.Queued || res.LocalID == "" {
		t.Fatalf("result = %+v", res)
	}

	st, err := c.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Pending != 1 || st.Online != nil {
		t.Errorf("status = %+v", st)
	}

	entries, err := c.Outbox(ctx)
	if err != nil || len(entries) != 1 || entries[0].ID != res.LocalID {
		t.Fatalf("Outbox = %+v, %v", entries, err)
	}

	err = c.Retry(ctx, res.LocalID)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusConflict {
		t.Errorf("Retry pending entry: %v", err)
	}

	sync, err := c.Sync(ctx)
	if err != nil || sync.Success != 1 {
		t.Errorf("Sync = %+v, %v", sync, err)
	}

	if err := c.Discard(ctx, res.LocalID); !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound {
		t.Errorf("Discard delivered entry: %v", err)
	}
}

func TestClientSendsToken(t *testing.T) {
	secret := []byte("s3cret")
	srv, _, _ := newDaemon(t, secret)

	if _, err := NewClient(srv.URL, "").Status(context.Background()); err == nil {
		t.Fatal("expected 401 without token")
	}

	tok, err := security.GenerateToken("cli", security.RoleReadonly, secret, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := NewClient(srv.URL, tok).Status(context.Background()); err != nil {
		t.Errorf("Status with token: %v", err)
	}
}

func TestClientEvents(t *testing.T) {
	srv, bus, hub := newDaemon(t, nil)
	c := NewClient(srv.URL, "")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	got := make(chan notify.Event, 1)
	go c.Events(ctx, func(e notify.Event) { got <- e })

	for hub.Clients() == 0 && ctx.Err() == nil {
		time.Sleep(5 * time.Millisecond)
	}
	bus.Publish(ctx, notify.SyncSuccess("entry-1"))

	select {
	case e := <-got:
		if e.Type != notify.EventSyncSuccess || e.ID != "entry-1" {
			t.Errorf("event = %+v", e)
		}
	case <-ctx.Done():
		t.Fatal("no event received")
	}
}

func TestAPIErrorMessage(t *testing.T) {
	if got := (&APIError{StatusCode: 502}).Error(); got != "HTTP 502" {
		t.Errorf("Error() = %q", got)
	}
}
