package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type stubChecker struct {
	err   error
	delay time.Duration
}

func (s *stubChecker) HealthCheck(ctx context.Context) error {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return s.err
}

func loaded() bool { return true }

func serveReady(t *testing.T, checks ReadinessChecks) (int, ReadinessResponse) {
	t.Helper()
	rec := httptest.NewRecorder()
	HandleReady(checks).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))

	var resp ReadinessResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	return rec.Code, resp
}

func TestHandleHealth(t *testing.T) {
	origVersion, origCommit := Version, Commit
	Version, Commit = "0.4.0", "9f2c1e7"
	t.Cleanup(func() { Version, Commit = origVersion, origCommit })

	rec := httptest.NewRecorder()
	HandleHealth().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	want := HealthResponse{Service: "peerflow", Status: "ok", Version: "0.4.0", Commit: "9f2c1e7"}
	if resp != want {
		t.Errorf("resp = %+v, want %+v", resp, want)
	}
}

func TestHandleReady(t *testing.T) {
	down := &stubChecker{err: errors.New("connection refused")}

	tests := []struct {
		name   string
		checks ReadinessChecks
		code   int
		status string
		failed string
	}{
		{
			name:   "catalog only",
			checks: ReadinessChecks{CatalogLoaded: loaded},
			code:   http.StatusOK,
			status: StateReady,
		},
		{
			name:   "catalog missing",
			checks: ReadinessChecks{},
			code:   http.StatusServiceUnavailable,
			status: StateNotReady,
			failed: "catalog",
		},
		{
			name:   "all healthy",
			checks: ReadinessChecks{CatalogLoaded: loaded, Store: &stubChecker{}, IdempotencyStore: &stubChecker{}},
			code:   http.StatusOK,
			status: StateReady,
		},
		{
			name:   "store down",
			checks: ReadinessChecks{CatalogLoaded: loaded, Store: down, IdempotencyStore: &stubChecker{}},
			code:   http.StatusServiceUnavailable,
			status: StateNotReady,
			failed: "store",
		},
		{
			name:   "replay cache down degrades",
			checks: ReadinessChecks{CatalogLoaded: loaded, Store: &stubChecker{}, IdempotencyStore: down},
			code:   http.StatusOK,
			status: StateDegraded,
			failed: "idempotency_store",
		},
		{
			name:   "required failure wins over degraded",
			checks: ReadinessChecks{CatalogLoaded: loaded, Store: down, IdempotencyStore: down},
			code:   http.StatusServiceUnavailable,
			status: StateNotReady,
			failed: "store",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, resp := serveReady(t, tt.checks)
			if code != tt.code {
				t.Errorf("code = %d, want %d", code, tt.code)
			}
			if resp.Status != tt.status {
				t.Errorf("status = %q, want %q", resp.Status, tt.status)
			}
			for name, res := range resp.Checks {
				if res.LatencyMs < 0 {
					t.Errorf("%s latency = %d", name, res.LatencyMs)
				}
				if name == tt.failed {
					if res.Status != ProbeFailed || res.Error == "" {
						t.Errorf("%s = %+v, want a failure with a message", name, res)
					}
				} else if res.Status != ProbeOK {
					t.Errorf("%s = %+v, want ok", name, res)
				}
			}
		})
	}
}

func TestHandleReady_optionalFlagged(t *testing.T) {
	_, resp := serveReady(t, ReadinessChecks{CatalogLoaded: loaded, IdempotencyStore: &stubChecker{}})
	if !resp.Checks["idempotency_store"].Optional || resp.Checks["catalog"].Optional {
		t.Errorf("checks = %+v", resp.Checks)
	}
}

func TestHandleReady_slowProbeTimesOut(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for the probe timeout")
	}
	code, resp := serveReady(t, ReadinessChecks{CatalogLoaded: loaded, Store: &stubChecker{delay: time.Minute}})
	if code != http.StatusServiceUnavailable {
		t.Fatalf("code = %d, want 503", code)
	}
	if resp.Checks["store"].Error != context.DeadlineExceeded.Error() {
		t.Errorf("store error = %q", resp.Checks["store"].Error)
	}
}
