package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/chandaliar/internal/resilience"
)

func readyz(t *testing.T, h *Handler, ctx context.Context) (int, result) {
	t.Helper()
	req := httptest.NewRequest("GET", "/readyz", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	h.Readyz(rec, req)

	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	return rec.Code, body
}

func ok(context.Context) error { return nil }

func TestHealthz_AlwaysReturns200(t *testing.T) {
	t.Parallel()
	h := New(Checker{Name: "llm", Check: func(context.Context) error { return errors.New("down") }})

	req := httptest.NewRequest("GET", "/healthz", nil)
	rec := httptest.NewRecorder()
	h.Healthz(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
}

func TestReadyz_AllCheckersPass(t *testing.T) {
	t.Parallel()
	h := New(
		Checker{Name: "llm", Check: ok},
		Checker{Name: "synthesizer", Check: ok},
	)
	code, body := readyz(t, h, context.Background())
	if code != http.StatusOK {
		t.Errorf("status = %d, want %d", code, http.StatusOK)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q, want ok", body.Status)
	}
	if body.Checks["llm"] != "ok" || body.Checks["synthesizer"] != "ok" {
		t.Errorf("checks = %v, want all ok", body.Checks)
	}
}

func TestReadyz_RequiredFailure(t *testing.T) {
	t.Parallel()
	h := New(
		Checker{Name: "llm", Check: func(context.Context) error { return errors.New("connection refused") }},
		Checker{Name: "synthesizer", Check: ok},
	)
	code, body := readyz(t, h, context.Background())
	if code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", code, http.StatusServiceUnavailable)
	}
	if body.Status != "fail" {
		t.Errorf("status = %q, want fail", body.Status)
	}
	if got := body.Checks["llm"]; got != "fail: connection refused" {
		t.Errorf("llm check = %q, want %q", got, "fail: connection refused")
	}
}

func TestReadyz_OptionalFailureDegrades(t *testing.T) {
	t.Parallel()
	h := New(
		Checker{Name: "llm", Check: ok},
		Checker{Name: "light", Optional: true, Check: func(context.Context) error { return errors.New("bulb offline") }},
	)
	code, body := readyz(t, h, context.Background())
	if code != http.StatusOK {
		t.Errorf("status = %d, want %d", code, http.StatusOK)
	}
	if body.Status != "degraded" {
		t.Errorf("status = %q, want degraded", body.Status)
	}
	if got := body.Checks["light"]; got != "degraded: bulb offline" {
		t.Errorf("light check = %q", got)
	}
}

func TestReadyz_NoCheckers(t *testing.T) {
	t.Parallel()
	code, body := readyz(t, New(), context.Background())
	if code != http.StatusOK || body.Status != "ok" {
		t.Errorf("got %d/%q, want 200/ok", code, body.Status)
	}
}

func TestReadyz_RunsConcurrently(t *testing.T) {
	t.Parallel()
	var inFlight, peak atomic.Int32
	slow := func(context.Context) error {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
		inFlight.Add(-1)
		return nil
	}
	h := New(
		Checker{Name: "a", Check: slow},
		Checker{Name: "b", Check: slow},
		Checker{Name: "c", Check: slow},
	)
	if code, _ := readyz(t, h, context.Background()); code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if peak.Load() < 2 {
		t.Errorf("peak concurrency = %d, want checks to overlap", peak.Load())
	}
}

func TestReadyz_RespectsContextCancellation(t *testing.T) {
	t.Parallel()
	h := New(Checker{Name: "slow", Check: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if code, _ := readyz(t, h, ctx); code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", code, http.StatusServiceUnavailable)
	}
}

type fakeReadier struct{ ready atomic.Bool }

func (f *fakeReadier) Ready() bool { return f.ready.Load() }

func TestReadyCheck(t *testing.T) {
	t.Parallel()
	r := &fakeReadier{}
	c := ReadyCheck("synthesizer", r)
	if err := c.Check(context.Background()); err == nil {
		t.Error("expected error while not ready")
	}
	r.ready.Store(true)
	if err := c.Check(context.Background()); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestBreakerCheck(t *testing.T) {
	t.Parallel()
	cfg := resilience.CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour}
	cfg.Name = "openai"
	primary := resilience.NewCircuitBreaker(cfg)
	cfg.Name = "ollama"
	fallback := resilience.NewCircuitBreaker(cfg)
	boom := func() error { return errors.New("boom") }

	c := BreakerCheck("llm", primary, fallback)
	_ = primary.Execute(boom)
	if err := c.Check(context.Background()); err != nil {
		t.Errorf("one backend left: unexpected error %v", err)
	}
	_ = fallback.Execute(boom)
	if err := c.Check(context.Background()); err == nil {
		t.Error("expected error with every breaker open")
	}
	if err := BreakerCheck("none").Check(context.Background()); err != nil {
		t.Errorf("no breakers: unexpected error %v", err)
	}
}

func TestRegister_RoutesWork(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	New(Checker{Name: "test", Check: ok}).Register(mux)

	for _, path := range []string{"/healthz", "/readyz"} {
		req := httptest.NewRequest("GET", path, nil)
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("%s: status = %d, want %d", path, rec.Code, http.StatusOK)
		}
	}
}
