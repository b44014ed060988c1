package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/clawinfra/fieldsync/internal/notify"
	"github.com/clawinfra/fieldsync/internal/outbox"
	"github.com/clawinfra/fieldsync/internal/scheduler"
	"github.com/clawinfra/fieldsync/internal/security"
	"github.com/clawinfra/fieldsync/internal/submit"
	"github.com/clawinfra/fieldsync/internal/syncer"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeNet struct{ online atomic.Bool }

func (f *fakeNet) IsOnline() bool                 { return f.online.Load() }
func (f *fakeNet) Check(ctx context.Context) bool { return f.online.Load() }

type fakeTransport struct {
	fail atomic.Bool
	sent atomic.Int32
}

func (f *fakeTransport) Send(context.Context, outbox.Method, string, json.RawMessage) error {
	if f.fail.Load() {
		return errors.New("connection refused")
	}
	f.sent.Add(1)
	return nil
}

type fixture struct {
	store     *outbox.MemoryStore
	transport *fakeTransport
	net       *fakeNet
	engine    *syncer.Engine
	bus       *notify.MemoryBus
	handler   http.Handler
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	f := &fixture{
		store:     outbox.NewMemoryStore(),
		transport: &fakeTransport{},
		net:       &fakeNet{},
		bus:       notify.NewMemoryBus(testLogger),
	}
	t.Cleanup(func() { f.bus.Close() })
	f.engine = syncer.NewEngine(f.store, f.transport, f.bus, testLogger)
	svc := submit.NewService(f.store, f.transport, f.net, f.engine, submit.Options{}, testLogger)

	opts.Monitor = f.net
	opts.Engine = f.engine
	f.handler = NewServer(0, svc, opts, testLogger).Handler()
	return f
}

func (f *fixture) do(t *testing.T, method, path, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func (f *fixture) addFailed(t *testing.T, id string) {
	t.Helper()
	ctx := context.Background()
	if err := f.store.Add(ctx, outbox.Entry{ID: id, Endpoint: "/reports", Method: outbox.MethodPost, Payload: json.RawMessage(`{}`), CreatedAt: 1}); err != nil {
		t.Fatal(err)
	}
	if err := f.store.Update(ctx, id, outbox.FailurePatch("boom", 1)); err != nil {
		t.Fatal(err)
	}
}

func TestHandleStatus(t *testing.T) {
	f := newFixture(t, Options{})
	f.net.online.Store(true)

	w := f.do(t, http.MethodGet, "/api/status", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	st := decode[Status](t, w)
	if st.Version != Version {
		t.Errorf("version = %q", st.Version)
	}
	if st.Online == nil || !*st.Online {
		t.Errorf("online = %v", st.Online)
	}
	if st.Pending != 0 || st.Syncing {
		t.Errorf("status = %+v", st)
	}
}

func TestHandleStatusMethodNotAllowed(t *testing.T) {
	f := newFixture(t, Options{})
	w := f.do(t, http.MethodPost, "/api/status", "", "")
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", w.Code)
	}
}

func TestSubmitOnlineDelivers(t *testing.T) {
	f := newFixture(t, Options{})
	f.net.online.Store(true)

	w := f.do(t, http.MethodPost, "/api/submit", `{"endpoint":"/reports","payload":{"site":"A"}}`, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body)
	}
	res := decode[submit.Result](t, w)
	if !res.Success || res.Queued || res.LocalID == "" {
		t.Errorf("result = %+v", res)
	}
	if f.transport.sent.Load() != 1 {
		t.Errorf("sent = %d", f.transport.sent.Load())
	}
}

func TestSubmitOfflineQueues(t *testing.T) {
	f := newFixture(t, Options{})

	w := f.do(t, http.MethodPost, "/api/submit", `{"endpoint":"/reports","method":"put","payload":{"site":"A"}}`, "")
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body)
	}
	res := decode[submit.Result](t, w)
	if !res.Success || !res.Queued {
		t.Errorf("result = %+v", res)
	}

	list := f.do(t, http.MethodGet, "/api/outbox", "", "")
	entries := decode[[]outbox.Entry](t, list)
	if len(entries) != 1 || entries[0].ID != res.LocalID || entries[0].Method != outbox.MethodPut {
		t.Fatalf("entries = %+v", entries)
	}

	count := decode[map[string]int](t, f.do(t, http.MethodGet, "/api/outbox/count", "", ""))
	if count["pending"] != 1 {
		t.Errorf("count = %v", count)
	}
}

func TestSubmitRejectsBadInput(t *testing.T) {
	f := newFixture(t, Options{})
	for name, body := range map[string]string{
		"malformed":      `{"endpoint":`,
		"bad method":     `{"endpoint":"/reports","method":"PATCH"}`,
		"empty endpoint": `{"endpoint":"  ","payload":{}}`,
	} {
		t.Run(name, func(t *testing.T) {
			w := f.do(t, http.MethodPost, "/api/submit", body, "")
			if w.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d: %s", w.Code, w.Body)
			}
		})
	}
}

func TestListEmptyOutboxIsArray(t *testing.T) {
	f := newFixture(t, Options{})
	w := f.do(t, http.MethodGet, "/api/outbox", "", "")
	if strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("body = %q", w.Body.String())
	}
}

func TestSyncDrainsQueue(t *testing.T) {
	f := newFixture(t, Options{})
	f.do(t, http.MethodPost, "/api/submit", `{"endpoint":"/reports","payload":{}}`, "")
	f.do(t, http.MethodPost, "/api/submit", `{"endpoint":"/reports","payload":{}}`, "")

	w := f.do(t, http.MethodPost, "/api/outbox/sync", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	res := decode[syncer.Result](t, w)
	if res.Success != 2 || res.Failed != 0 {
		t.Errorf("result = %+v", res)
	}
	if n, _ := f.store.PendingCount(context.Background()); n != 0 {
		t.Errorf("pending after sync = %d", n)
	}
}

func TestRetryEntry(t *testing.T) {
	f := newFixture(t, Options{})
	f.addFailed(t, "e1")
	if err := f.store.Add(context.Background(), outbox.Entry{ID: "e2", Endpoint: "/x", Method: outbox.MethodPost, Payload: json.RawMessage(`{}`), CreatedAt: 2}); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		id   string
		want int
	}{
		{"e1", http.StatusOK},
		{"e2", http.StatusConflict},
		{"missing", http.StatusNotFound},
	}
	for _, tt := range tests {
		w := f.do(t, http.MethodPost, "/api/outbox/"+tt.id+"/retry", "", "")
		if w.Code != tt.want {
			t.Errorf("retry %s: got %d, want %d", tt.id, w.Code, tt.want)
		}
	}

	e, _ := f.store.Get(context.Background(), "e1")
	if e.Status != outbox.StatusPending || e.RetryCount != 1 {
		t.Errorf("e1 after retry = %+v", e)
	}
}

func TestDiscardEntry(t *testing.T) {
	f := newFixture(t, Options{})
	f.addFailed(t, "e1")

	if w := f.do(t, http.MethodDelete, "/api/outbox/e1", "", ""); w.Code != http.StatusNoContent {
		t.Errorf("discard: got %d", w.Code)
	}
	if w := f.do(t, http.MethodDelete, "/api/outbox/e1", "", ""); w.Code != http.StatusNotFound {
		t.Errorf("second discard: got %d", w.Code)
	}
}

func TestAuthAndPermissions(t *testing.T) {
	secret := []byte("test-secret")
	f := newFixture(t, Options{JWTSecret: secret})
	f.addFailed(t, "e1")

	token := func(role string) string {
		tok, err := security.GenerateToken("device-1", role, secret, time.Hour)
		if err != nil {
			t.Fatal(err)
		}
		return tok
	}

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		token  string
		want   int
	}{
		{"no token", http.MethodGet, "/api/status", "", "", http.StatusUnauthorized},
		{"bad token", http.MethodGet, "/api/status", "", "garbage", http.StatusUnauthorized},
		{"readonly reads", http.MethodGet, "/api/outbox", "", token(security.RoleReadonly), http.StatusOK},
		{"readonly cannot submit", http.MethodPost, "/api/submit", `{"endpoint":"/r"}`, token(security.RoleReadonly), http.StatusForbidden},
		{"inspector submits", http.MethodPost, "/api/submit", `{"endpoint":"/r"}`, token(security.RoleInspector), http.StatusAccepted},
		{"inspector cannot discard", http.MethodDelete, "/api/outbox/e1", "", token(security.RoleInspector), http.StatusForbidden},
		{"owner discards", http.MethodDelete, "/api/outbox/e1", "", token(security.RoleOwner), http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, tt.method, tt.path, tt.body, tt.token)
			if w.Code != tt.want {
				t.Errorf("got %d, want %d: %s", w.Code, tt.want, w.Body)
			}
		})
	}
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t, Options{JWTSecret: []byte("s")})
	w := f.do(t, http.MethodOptions, "/api/submit", "", "")
	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing CORS header")
	}
}

func TestSchedulerRoutes(t *testing.T) {
	sched := scheduler.NewScheduler(testLogger)
	var runs atomic.Int32
	job := &scheduler.Job{ID: "digest", Name: "Digest", Spec: "@every 1h", Enabled: true, Run: func(context.Context) error {
		runs.Add(1)
		return nil
	}}
	if err := sched.AddJob(job); err != nil {
		t.Fatal(err)
	}
	f := newFixture(t, Options{Scheduler: sched})

	jobs := decode[[]scheduler.JobState](t, f.do(t, http.MethodGet, "/api/scheduler/jobs", "", ""))
	if len(jobs) != 1 || jobs[0].ID != "digest" {
		t.Fatalf("jobs = %+v", jobs)
	}

	one := decode[scheduler.JobState](t, f.do(t, http.MethodGet, "/api/scheduler/jobs/digest", "", ""))
	if one.ID != "digest" || one.Spec != "@every 1h" {
		t.Errorf("job = %+v", one)
	}
	if w := f.do(t, http.MethodGet, "/api/scheduler/jobs/nope", "", ""); w.Code != http.StatusNotFound {
		t.Errorf("get missing: got %d", w.Code)
	}

	if w := f.do(t, http.MethodPost, "/api/scheduler/jobs/digest/run", "", ""); w.Code != http.StatusAccepted {
		t.Errorf("run: got %d", w.Code)
	}
	if w := f.do(t, http.MethodPost, "/api/scheduler/jobs/nope/run", "", ""); w.Code != http.StatusNotFound {
		t.Errorf("run missing: got %d", w.Code)
	}

	deadline := time.Now().Add(2 * time.Second)
	for runs.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if runs.Load() != 1 {
		t.Errorf("runs = %d", runs.Load())
	}
}

func TestEventsStream(t *testing.T) {
	hub := notify.NewHub(testLogger)
	f := newFixture(t, Options{Events: hub})
	detach := hub.Attach(f.bus)
	defer detach()

	srv := httptest.NewServer(f.handler)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/api/events", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	for hub.Clients() == 0 && ctx.Err() == nil {
		time.Sleep(5 * time.Millisecond)
	}
	f.bus.Publish(ctx, notify.SyncComplete(3, 1))

	var ev notify.Event
	if err := wsjson.Read(ctx, conn, &ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ev.Type != notify.EventSyncComplete || ev.Success != 3 || ev.Failed != 1 {
		t.Errorf("event = %+v", ev)
	}
}

func TestEventsStreamWithQueryToken(t *testing.T) {
	secret := []byte("test-secret")
	hub := notify.NewHub(testLogger)
	f := newFixture(t, Options{Events: hub, JWTSecret: secret})
	detach := hub.Attach(f.bus)
	defer detach()

	srv := httptest.NewServer(f.handler)
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/events"

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	// browsers cannot attach headers to a WebSocket handshake
	if _, resp, err := websocket.Dial(ctx, wsURL, nil); err == nil {
		t.Fatal("dial without a token succeeded")
	} else if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("dial without a token: resp = %v, err = %v", resp, err)
	}

	tok, err := security.GenerateToken("browser", security.RoleReadonly, secret, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	conn, _, err := websocket.Dial(ctx, wsURL+"?"+security.AccessTokenParam+"="+tok, nil)
	if err != nil {
		t.Fatalf("dial with query token: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	for hub.Clients() == 0 && ctx.Err() == nil {
		time.Sleep(5 * time.Millisecond)
	}
	f.bus.Publish(ctx, notify.SyncComplete(1, 0))

	var ev notify.Event
	if err := wsjson.Read(ctx, conn, &ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ev.Type != notify.EventSyncComplete || ev.Success != 1 {
		t.Errorf("event = %+v", ev)
	}
}

func TestServeShutsDownOnCancel(t *testing.T) {
	store := outbox.NewMemoryStore()
	svc := submit.NewService(store, &fakeTransport{}, nil, syncer.NewEngine(store, &fakeTransport{}, nil, testLogger), submit.Options{}, testLogger)
	s := NewServer(0, svc, Options{}, testLogger)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	url := "http://" + ln.Addr().String() + "/api/status"
	var resp *http.Response
	for i := 0; i < 50; i++ {
		resp, err = http.Get(url)
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("server never answered: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
