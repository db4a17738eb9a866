package integration

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// MockSiteverify simulates a reCAPTCHA siteverify endpoint. Responses are
// served from a queue; the last queued response repeats once the queue is
// drained.
type MockSiteverify struct {
	server *httptest.Server

	mu        sync.Mutex
	responses []*siteverifyResponse
	current   int
	received  []RecordedVerification
}

// RecordedVerification captures one form post received by the provider.
type RecordedVerification struct {
	Secret     string
	Response   string
	RemoteIP   string
	ReceivedAt time.Time
}

type siteverifyResponse struct {
	status int
	body   map[string]any
	delay  time.Duration
}

func newMockSiteverify(t *testing.T) *MockSiteverify {
	t.Helper()
	mv := &MockSiteverify{}
	mv.server = httptest.NewServer(http.HandlerFunc(mv.handle))
	t.Cleanup(mv.server.Close)
	mv.Accept(0.9)
	return mv
}

// URL returns the siteverify endpoint.
func (mv *MockSiteverify) URL() string { return mv.server.URL }

// Accept replaces the queue with a single passing answer at score.
func (mv *MockSiteverify) Accept(score float64) *MockSiteverify {
	mv.reset()
	return mv.Then(http.StatusOK, map[string]any{"success": true, "score": score, "action": "feedback"})
}

// Reject replaces the queue with a single failed answer.
func (mv *MockSiteverify) Reject(codes ...string) *MockSiteverify {
	mv.reset()
	return mv.Then(http.StatusOK, map[string]any{"success": false, "error-codes": codes})
}

// Fail replaces the queue with a provider outage.
func (mv *MockSiteverify) Fail(status int) *MockSiteverify {
	mv.reset()
	return mv.Then(status, map[string]any{"error": "unavailable"})
}

// Then appends a response to the queue.
func (mv *MockSiteverify) Then(status int, body map[string]any) *MockSiteverify {
	mv.mu.Lock()
	defer mv.mu.Unlock()
	mv.responses = append(mv.responses, &siteverifyResponse{status: status, body: body})
	return mv
}

// WithDelay delays the most recently queued response.
func (mv *MockSiteverify) WithDelay(d time.Duration) *MockSiteverify {
	mv.mu.Lock()
	defer mv.mu.Unlock()
	if n := len(mv.responses); n > 0 {
		mv.responses[n-1].delay = d
	}
	return mv
}

// Calls returns the number of verification requests received.
func (mv *MockSiteverify) Calls() int {
	mv.mu.Lock()
	defer mv.mu.Unlock()
	return len(mv.received)
}

// LastRequest returns the most recent verification request, or nil.
func (mv *MockSiteverify) LastRequest() *RecordedVerification {
	mv.mu.Lock()
	defer mv.mu.Unlock()
	if len(mv.received) == 0 {
		return nil
	}
	rv := mv.received[len(mv.received)-1]
	return &rv
}

func (mv *MockSiteverify) reset() {
	mv.mu.Lock()
	defer mv.mu.Unlock()
	mv.responses = nil
	mv.current = 0
}

func (mv *MockSiteverify) next() *siteverifyResponse {
	mv.mu.Lock()
	defer mv.mu.Unlock()
	resp := mv.responses[mv.current]
	if mv.current < len(mv.responses)-1 {
		mv.current++
	}
	return resp
}

func (mv *MockSiteverify) handle(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	mv.mu.Lock()
	mv.received = append(mv.received, RecordedVerification{
		Secret:     r.PostForm.Get("secret"),
		Response:   r.PostForm.Get("response"),
		RemoteIP:   r.PostForm.Get("remoteip"),
		ReceivedAt: time.Now(),
	})
	mv.mu.Unlock()

	resp := mv.next()
	if resp.delay > 0 {
		select {
		case <-time.After(resp.delay):
		case <-r.Context().Done():
			return
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.status)
	_ = json.NewEncoder(w).Encode(resp.body)
}
