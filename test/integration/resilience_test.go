package integration

import (
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/pitabwire/peerflow/internal/config"
	"github.com/pitabwire/peerflow/internal/verify"
	"github.com/pitabwire/peerflow/model"
)

// ==========================================================================
// Verification provider circuit breaker
// ==========================================================================

func TestResilience_BreakerTripsOnProviderFailures(t *testing.T) {
	h := NewTestHarness(t, WithBreaker(config.CircuitBreakerConfig{
		FailureThreshold: 3,
		SuccessThreshold: 1,
		Timeout:          30 * time.Second,
	}))
	seedOpenReview(h)
	h.Siteverify.Fail(http.StatusServiceUnavailable)

	for range 3 {
		h.AssertError(t, h.GuestSubmit("link-1", model.ChildCompleted, "x"), http.StatusUnauthorized,
			model.ErrVerificationFailed)
	}
	if h.Verifier.Breaker().State() != verify.StateOpen {
		t.Fatalf("breaker = %s, want open", h.Verifier.Breaker().State())
	}

	calls := h.Siteverify.Calls()
	h.AssertError(t, h.GuestSubmit("link-1", model.ChildCompleted, "x"), http.StatusUnauthorized,
		model.ErrVerificationFailed)
	if h.Siteverify.Calls() != calls {
		t.Error("an open breaker must not call the provider")
	}
	if got := h.Instance("rev-1").State; got != model.ReviewInProgress {
		t.Errorf("failing closed still changed the review: %q", got)
	}
}

func TestResilience_BreakerRecoversAfterTimeout(t *testing.T) {
	h := NewTestHarness(t, WithBreaker(config.CircuitBreakerConfig{
		FailureThreshold: 2,
		SuccessThreshold: 1,
		Timeout:          300 * time.Millisecond,
	}))
	seedOpenReview(h)
	h.Siteverify.Fail(http.StatusBadGateway)

	for range 2 {
		h.AssertStatus(t, h.GuestSubmit("link-1", model.ChildCompleted, "x"), http.StatusUnauthorized)
	}

	time.Sleep(400 * time.Millisecond)
	h.Siteverify.Accept(0.9)

	h.AssertStatus(t, h.GuestSubmit("link-1", model.ChildCompleted, "x"), http.StatusOK)
	if h.Verifier.Breaker().State() != verify.StateClosed {
		t.Errorf("breaker = %s, want closed after a good probe", h.Verifier.Breaker().State())
	}
}

func TestResilience_RejectionsDoNotTripBreaker(t *testing.T) {
	h := NewTestHarness(t, WithBreaker(config.CircuitBreakerConfig{
		FailureThreshold: 2,
		SuccessThreshold: 1,
		Timeout:          30 * time.Second,
	}))
	seedOpenReview(h)
	h.Siteverify.Reject("timeout-or-duplicate")

	for range 5 {
		h.AssertStatus(t, h.GuestSubmit("link-1", model.ChildCompleted, "x"), http.StatusUnauthorized)
	}
	if h.Siteverify.Calls() != 5 {
		t.Errorf("provider calls = %d, want 5", h.Siteverify.Calls())
	}
	if h.Verifier.Breaker().State() != verify.StateClosed {
		t.Errorf("breaker = %s, want closed", h.Verifier.Breaker().State())
	}
}

func TestResilience_SlowProviderFailsClosed(t *testing.T) {
	h := NewTestHarness(t, WithVerifyTimeout(200*time.Millisecond))
	seedOpenReview(h)
	h.Siteverify.Accept(0.9).WithDelay(3 * time.Second)

	start := time.Now()
	h.AssertError(t, h.GuestSubmit("link-1", model.ChildCompleted, "x"), http.StatusUnauthorized,
		model.ErrVerificationFailed)
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("request took %v, the provider timeout was not applied", elapsed)
	}
}

// ==========================================================================
// Concurrent submissions
// ==========================================================================

func TestResilience_ConcurrentFinalSubmissionsCascadeOnce(t *testing.T) {
	h := NewTestHarness(t, WithoutIdempotency())

	const n = 4
	children := make([]ChildSeed, n)
	for i := range children {
		children[i] = ChildSeed{
			ID:    fmt.Sprintf("fa-%d", i),
			State: model.ChildStarted,
			Token: fmt.Sprintf("link-c%d", i),
		}
	}
	h.SeedInstance("rev-c", model.WorkflowReview, model.ReviewInProgress, children...)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		statuses []int
		cascades int
	)
	for i := range n {
		wg.Add(1)
		go func(token string) {
			defer wg.Done()
			resp := h.GuestSubmit(token, model.ChildCompleted, "final")
			var out model.TransitionOutcome
			if resp.StatusCode == http.StatusOK {
				h.ParseJSON(resp, &out)
			} else {
				resp.Body.Close()
			}
			mu.Lock()
			defer mu.Unlock()
			statuses = append(statuses, resp.StatusCode)
			if out.Cascade != nil {
				cascades++
			}
		}(children[i].Token)
	}
	wg.Wait()

	for _, s := range statuses {
		if s != http.StatusOK {
			t.Errorf("statuses = %v, want all 200", statuses)
			break
		}
	}
	if cascades != 1 {
		t.Errorf("cascading responses = %d, want exactly 1", cascades)
	}

	token := h.GenerateToken(HRClaims())
	var history struct {
		Events []model.TransitionEvent `json:"events"`
	}
	h.AssertJSON(t, h.GET("/api/workflows/rev-c/history", token), http.StatusOK, &history)
	count := 0
	for _, ev := range history.Events {
		if ev.Kind == model.EventCascade {
			count++
		}
	}
	if count != 1 {
		t.Errorf("cascade events = %d, want 1", count)
	}
	if got := h.Instance("rev-c").State; got != model.ReviewFeedbackCompleted {
		t.Errorf("state = %q", got)
	}
}

// ==========================================================================
// Probes
// ==========================================================================

func TestResilience_ReadinessReportsStore(t *testing.T) {
	h := NewTestHarness(t)

	var body struct {
		Status string                    `json:"status"`
		Checks map[string]map[string]any `json:"checks"`
	}
	h.AssertJSON(t, h.GET("/ready", ""), http.StatusOK, &body)
	if body.Status != "ready" {
		t.Errorf("status = %q", body.Status)
	}
	for _, name := range []string{"catalog", "store"} {
		if body.Checks[name]["status"] != "ok" {
			t.Errorf("check %s = %v", name, body.Checks[name])
		}
	}
}
