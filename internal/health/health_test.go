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
)

func TestHealthzReportsVersionAndUptime(t *testing.T) {
	t.Parallel()
	h := New("1.2.3")

	rec := httptest.NewRecorder()
	h.Healthz(rec, httptest.NewRequest("GET", "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	var body liveness
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "ok" || body.Version != "1.2.3" {
		t.Errorf("body = %+v", body)
	}
	if body.UptimeSeconds < 0 {
		t.Errorf("uptime = %d", body.UptimeSeconds)
	}
}

func TestReadyzAllDependenciesUp(t *testing.T) {
	t.Parallel()
	h := New("dev").
		Depend("redis", func(context.Context) error { return nil }).
		Depend("postgres", func(context.Context) error { return nil })

	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
	var body readiness
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !body.Ready || len(body.Dependencies) != 2 {
		t.Errorf("body = %+v", body)
	}
	if !body.Dependencies["redis"].OK || !body.Dependencies["postgres"].OK {
		t.Errorf("dependencies = %+v", body.Dependencies)
	}
}

func TestReadyzDependencyDownAnswers503(t *testing.T) {
	t.Parallel()
	h := New("dev").
		Depend("redis", func(context.Context) error { return nil }).
		Depend("postgres", func(context.Context) error { return errors.New("connection refused") })

	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d", rec.Code)
	}
	var body readiness
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Ready {
		t.Error("ready despite failed dependency")
	}
	pg := body.Dependencies["postgres"]
	if pg.OK || pg.Error != "connection refused" {
		t.Errorf("postgres = %+v", pg)
	}
	if !body.Dependencies["redis"].OK {
		t.Errorf("redis = %+v", body.Dependencies["redis"])
	}
}

func TestReadyzNoDependencies(t *testing.T) {
	t.Parallel()
	rec := httptest.NewRecorder()
	New("dev").Readyz(rec, httptest.NewRequest("GET", "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestReadyzChecksRunConcurrently(t *testing.T) {
	t.Parallel()

	var inFlight, peak atomic.Int32
	slow := func(context.Context) error {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
		return nil
	}
	h := New("dev").Depend("a", slow).Depend("b", slow).Depend("c", slow)

	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
	if peak.Load() < 2 {
		t.Errorf("peak concurrent checks = %d", peak.Load())
	}
}

func TestReadyzHonoursRequestCancellation(t *testing.T) {
	t.Parallel()
	h := New("dev").Depend("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil).WithContext(ctx))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestRegisterMountsBothRoutes(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	New("dev").Depend("x", func(context.Context) error { return nil }).Register(mux)

	for _, path := range []string{"/healthz", "/readyz"} {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("%s status = %d", path, rec.Code)
		}
	}
}

func TestDependReplacesDuplicateName(t *testing.T) {
	t.Parallel()
	h := New("dev").
		Depend("redis", func(context.Context) error { return errors.New("old") }).
		Depend("redis", func(context.Context) error { return nil })

	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
	var body readiness
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Dependencies) != 1 {
		t.Errorf("dependencies = %+v", body.Dependencies)
	}
}
