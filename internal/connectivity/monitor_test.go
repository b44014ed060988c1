package connectivity

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// toggleProber answers according to a switch the test flips.
type toggleProber struct {
	up    atomic.Bool
	calls atomic.Int32
}

func (p *toggleProber) Probe(context.Context) error {
	p.calls.Add(1)
	if p.up.Load() {
		return nil
	}
	return errors.New("unreachable")
}

func alwaysUp() bool { return true }

func TestCheckIsEdgeTriggered(t *testing.T) {
	p := &toggleProber{}
	m := NewMonitor(p, nil, WithFlag(alwaysUp))

	var transitions []bool
	m.AddListener(func(online bool) { transitions = append(transitions, online) })

	ctx := context.Background()
	m.Check(ctx) // unknown -> offline
	m.Check(ctx)
	p.up.Store(true)
	m.Check(ctx) // offline -> online
	m.Check(ctx)
	m.Check(ctx)
	p.up.Store(false)
	m.Check(ctx) // online -> offline

	want := []bool{false, true, false}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Fatalf("transitions = %v, want %v", transitions, want)
		}
	}
	if m.IsOnline() {
		t.Error("expected offline")
	}
}

func TestFlagDownSkipsProbe(t *testing.T) {
	p := &toggleProber{}
	p.up.Store(true)
	m := NewMonitor(p, nil, WithFlag(func() bool { return false }))

	if m.Check(context.Background()) {
		t.Error("expected offline when the interface flag is down")
	}
	if p.calls.Load() != 0 {
		t.Errorf("probe should not run when the flag is down, ran %d times", p.calls.Load())
	}
}

func TestListenerPanicIsContained(t *testing.T) {
	p := &toggleProber{}
	p.up.Store(true)
	m := NewMonitor(p, nil, WithFlag(alwaysUp))

	var called bool
	m.AddListener(func(bool) { panic("listener bug") })
	m.AddListener(func(bool) { called = true })

	if !m.Check(context.Background()) {
		t.Fatal("expected online")
	}
	if !called {
		t.Error("second listener should still run")
	}
}

func TestUnsubscribe(t *testing.T) {
	p := &toggleProber{}
	m := NewMonitor(p, nil, WithFlag(alwaysUp))

	var calls int
	unsub := m.AddListener(func(bool) { calls++ })
	m.Check(context.Background())
	unsub()
	unsub()
	p.up.Store(true)
	m.Check(context.Background())

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestStartStop(t *testing.T) {
	p := &toggleProber{}
	p.up.Store(true)
	m := NewMonitor(p, nil, WithFlag(alwaysUp), WithInterval(10*time.Millisecond))

	m.Stop() // not running

	var mu sync.Mutex
	var events []bool
	m.AddListener(func(online bool) {
		mu.Lock()
		events = append(events, online)
		mu.Unlock()
	})

	ctx := context.Background()
	m.Start(ctx)
	m.Start(ctx) // no-op
	if !m.Running() {
		t.Fatal("expected running")
	}

	deadline := time.Now().Add(2 * time.Second)
	for p.calls.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if p.calls.Load() < 3 {
		t.Fatalf("expected repeated probes, got %d", p.calls.Load())
	}

	m.Stop()
	m.Stop()
	if m.Running() {
		t.Error("expected stopped")
	}

	stopped := p.calls.Load()
	time.Sleep(50 * time.Millisecond)
	if p.calls.Load() != stopped {
		t.Error("probing continued after Stop")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 1 || !events[0] {
		t.Errorf("events = %v, want [true]", events)
	}
}

func TestStartAfterContextCancelled(t *testing.T) {
	p := &toggleProber{}
	p.up.Store(true)
	m := NewMonitor(p, nil, WithFlag(alwaysUp), WithInterval(10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	m.Start(ctx)
	cancel()

	deadline := time.Now().Add(2 * time.Second)
	for m.Running() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if m.Running() {
		t.Fatal("loop still reported running after its context was cancelled")
	}

	m.Start(context.Background())
	defer m.Stop()
	if !m.Running() {
		t.Fatal("Start after cancellation did not restart the loop")
	}

	before := p.calls.Load()
	deadline = time.Now().Add(2 * time.Second)
	for p.calls.Load() < before+3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if p.calls.Load() < before+3 {
		t.Errorf("probes after restart = %d, want at least 3", p.calls.Load()-before)
	}
}

func TestConcurrentChecksDeliverFinalState(t *testing.T) {
	var n atomic.Int64
	p := ProberFunc(func(context.Context) error {
		if n.Add(1)%2 == 0 {
			return errors.New("unreachable")
		}
		return nil
	})
	m := NewMonitor(p, nil, WithFlag(alwaysUp))

	var mu sync.Mutex
	var last bool
	var delivered int
	m.AddListener(func(online bool) {
		mu.Lock()
		last = online
		delivered++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Check(context.Background())
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if delivered == 0 {
		t.Fatal("no transitions delivered")
	}
	if last != m.IsOnline() {
		t.Errorf("listener last saw online=%v, monitor state is %v", last, m.IsOnline())
	}
}

func TestHTTPProberAnyStatusIsOnline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			t.Errorf("method = %s, want HEAD", r.Method)
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	if err := NewHTTPProber(srv.URL).Probe(context.Background()); err != nil {
		t.Errorf("non-2xx response should count as reachable: %v", err)
	}
}

func TestHTTPProberUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	if err := NewHTTPProber(url).Probe(context.Background()); err == nil {
		t.Error("expected an error for a closed server")
	}
}

func TestHTTPProberTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	p := NewHTTPProber(srv.URL)
	m := NewMonitor(p, nil, WithFlag(alwaysUp))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if m.Check(ctx) {
		t.Error("a timed-out probe should mean offline")
	}
}
