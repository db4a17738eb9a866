// Package integration provides an end-to-end harness for the peerflow
// server. It starts the full HTTP stack with an in-memory store, a test JWT
// issuer, a mock siteverify provider and a watermill subscriber capturing
// transition events.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/pitabwire/peerflow/internal/catalog"
	"github.com/pitabwire/peerflow/internal/config"
	"github.com/pitabwire/peerflow/internal/guest"
	"github.com/pitabwire/peerflow/internal/notify"
	"github.com/pitabwire/peerflow/internal/observability"
	"github.com/pitabwire/peerflow/internal/progression"
	"github.com/pitabwire/peerflow/internal/store"
	"github.com/pitabwire/peerflow/internal/transport"
	"github.com/pitabwire/peerflow/internal/verify"
	"github.com/pitabwire/peerflow/model"
)

const (
	eventsTopic      = "peerflow.transitions.test"
	verifierSecret   = "siteverify-test-secret"
	captchaToken     = "captcha-ok"
	verificationHdr  = "X-Verification-Token"
	defaultTokenLife = 24 * time.Hour
)

// TestHarness is a fully wired peerflow instance.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	issuer *tokenIssuer

	Catalog     *catalog.Registry
	Store       *store.MemoryStore
	Coordinator *progression.Coordinator
	Verifier    *verify.RecaptchaVerifier
	Siteverify  *MockSiteverify
	Metrics     *prometheus.Registry
	Logs        *observer.ObservedLogs

	eventsMu sync.Mutex
	events   []model.TransitionEvent
	eventsCh chan struct{}
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	breaker        config.CircuitBreakerConfig
	verifyTimeout  time.Duration
	handlerTimeout time.Duration
	idempotency    bool
}

// WithBreaker overrides the verification provider circuit breaker.
func WithBreaker(cb config.CircuitBreakerConfig) HarnessOption {
	return func(c *harnessConfig) { c.breaker = cb }
}

// WithVerifyTimeout bounds each call to the verification provider.
func WithVerifyTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) { c.verifyTimeout = d }
}

// WithoutIdempotency disables the guest replay cache.
func WithoutIdempotency() HarnessOption {
	return func(c *harnessConfig) { c.idempotency = false }
}

// NewTestHarness creates and starts a peerflow instance that is torn down
// when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	defaults := config.Defaults()
	hc := &harnessConfig{
		breaker:        defaults.Verification.CircuitBreaker,
		verifyTimeout:  2 * time.Second,
		handlerTimeout: 10 * time.Second,
		idempotency:    true,
	}
	for _, opt := range opts {
		opt(hc)
	}

	core, logs := observer.New(zap.DebugLevel)
	logger := zap.New(core)

	h := &TestHarness{
		t:        t,
		Logs:     logs,
		Catalog:  catalog.MustDefault(),
		Store:    store.NewMemoryStore(),
		Metrics:  prometheus.NewRegistry(),
		eventsCh: make(chan struct{}, 1),
	}
	metrics := observability.InitMetrics(h.Metrics)

	pubsub := notify.NewGoChannel(logger)
	h.subscribe(pubsub)
	dispatcher := notify.NewDispatcher(notify.NewWatermillSink(pubsub, eventsTopic), 64, metrics, logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = dispatcher.Close(ctx)
		_ = pubsub.Close()
	})

	runner := store.NewRunner(h.Store, store.RetryPolicy{
		MaxAttempts:     10,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
	}, logger)
	h.Coordinator = progression.NewCoordinator(h.Catalog, runner, dispatcher, metrics, logger)

	h.Siteverify = newMockSiteverify(t)
	h.Verifier = verify.NewRecaptchaVerifier(verify.RecaptchaConfig{
		Endpoint: h.Siteverify.URL(),
		Secret:   verifierSecret,
		MinScore: 0.5,
		Timeout:  hc.verifyTimeout,
		Breaker: verify.BreakerSettings{
			FailureThreshold:   hc.breaker.FailureThreshold,
			SuccessThreshold:   hc.breaker.SuccessThreshold,
			Timeout:            hc.breaker.Timeout,
			ErrorRateThreshold: hc.breaker.ErrorRateThreshold,
			ErrorRateWindow:    hc.breaker.ErrorRateWindow,
		},
	}, nil, metrics, logger)

	guestOpts := []guest.Option{guest.WithMetrics(metrics)}
	if hc.idempotency {
		guestOpts = append(guestOpts, guest.WithIdempotency(guest.NewMemoryIdempotencyStore(), time.Hour))
	}
	guestHandler := guest.NewHandler(h.Coordinator, h.Store, h.Catalog, h.Verifier, logger, guestOpts...)

	h.issuer = newTokenIssuer(t)

	cfg := defaults
	cfg.Server.HandlerTimeout = hc.handlerTimeout
	cfg.Server.CORS.AllowedOrigins = []string{"http://localhost:3000"}
	cfg.Identity = config.IdentityConfig{
		Issuer:       h.issuer.Issuer(),
		Audience:     h.issuer.Audience(),
		JWKSURL:      h.issuer.JWKSURL(),
		JWKSCacheTTL: time.Hour,
		Algorithms:   []string{"RS256"},
		ClaimPaths: map[string]string{
			"subject_id": "sub",
			"email":      "email",
			"roles":      "realm_access.roles",
		},
	}

	jwks := transport.NewJWKSClient(cfg.Identity.JWKSURL, cfg.Identity.JWKSCacheTTL, logger)
	router := transport.NewRouter(transport.Dependencies{
		Config:       cfg,
		Logger:       logger,
		Metrics:      metrics,
		Gatherer:     h.Metrics,
		Authenticate: transport.Authenticate(cfg.Identity, jwks, logger),
		Catalog:      h.Catalog,
		Coordinator:  h.Coordinator,
		Guest:        guestHandler,
		Readiness: observability.ReadinessChecks{
			CatalogLoaded: func() bool { return len(h.Catalog.Types()) > 0 },
			Store:         h.Store,
		},
	})

	h.server = httptest.NewServer(router)
	t.Cleanup(h.server.Close)

	return h
}

func (h *TestHarness) subscribe(pubsub *gochannel.GoChannel) {
	ctx, cancel := context.WithCancel(context.Background())
	h.t.Cleanup(cancel)

	msgs, err := pubsub.Subscribe(ctx, eventsTopic)
	if err != nil {
		h.t.Fatalf("subscribe %s: %v", eventsTopic, err)
	}
	go func() {
		for msg := range msgs {
			var ev model.TransitionEvent
			if err := json.Unmarshal(msg.Payload, &ev); err == nil {
				h.eventsMu.Lock()
				h.events = append(h.events, ev)
				h.eventsMu.Unlock()
				select {
				case h.eventsCh <- struct{}{}:
				default:
				}
			}
			msg.Ack()
		}
	}()
}

// WaitForEvents blocks until at least n transition events were published
// and returns them in publication order.
func (h *TestHarness) WaitForEvents(t *testing.T, n int) []model.TransitionEvent {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		h.eventsMu.Lock()
		if len(h.events) >= n {
			out := append([]model.TransitionEvent(nil), h.events...)
			h.eventsMu.Unlock()
			return out
		}
		got := len(h.events)
		h.eventsMu.Unlock()

		select {
		case <-h.eventsCh:
		case <-time.After(20 * time.Millisecond):
		case <-deadline:
			t.Fatalf("published events = %d, want at least %d", got, n)
		}
	}
}

// --- fixtures ---

// ChildSeed describes a feedback assignment to create under a review.
type ChildSeed struct {
	ID    string
	State model.State
	Token string
}

// SeedInstance creates a workflow instance and its feedback assignments.
func (h *TestHarness) SeedInstance(id string, wt model.WorkflowType, state model.State, children ...ChildSeed) {
	h.t.Helper()
	ctx := context.Background()
	if err := h.Store.CreateInstance(ctx, model.WorkflowInstance{
		ID: id, Type: wt, State: state, HRRep: "hr-rep-1", Subject: "employee-7",
	}); err != nil {
		h.t.Fatalf("seed instance %s: %v", id, err)
	}
	expires := time.Now().Add(defaultTokenLife)
	for i, c := range children {
		if err := h.Store.CreateChild(ctx, model.ChildRecord{
			ID:             c.ID,
			ParentID:       id,
			State:          c.State,
			Assignee:       fmt.Sprintf("reviewer-%d@partner.example.com", i+1),
			GuestToken:     c.Token,
			TokenExpiresAt: &expires,
		}); err != nil {
			h.t.Fatalf("seed child %s: %v", c.ID, err)
		}
	}
}

// Instance returns the stored state of an instance.
func (h *TestHarness) Instance(id string) model.WorkflowInstance {
	h.t.Helper()
	inst, err := h.Store.GetInstance(context.Background(), id)
	if err != nil {
		h.t.Fatalf("get instance %s: %v", id, err)
	}
	return inst
}

// --- tokens ---

// GenerateToken creates a valid staff token.
func (h *TestHarness) GenerateToken(c StaffClaims) string { return h.issuer.GenerateToken(c) }

// GenerateExpiredToken creates a staff token that has already expired.
func (h *TestHarness) GenerateExpiredToken(c StaffClaims) string {
	return h.issuer.GenerateExpiredToken(c)
}

// GenerateForeignToken creates a staff token signed by an unpublished key.
func (h *TestHarness) GenerateForeignToken(c StaffClaims) string {
	return h.issuer.GenerateForeignToken(c)
}

// HRClaims returns claims for an HR representative.
func HRClaims() StaffClaims {
	return StaffClaims{
		SubjectID: "hr-rep-1",
		Email:     "hr@peerflow.example.com",
		Roles:     []string{"hr_rep"},
	}
}

// --- HTTP helpers ---

// GET performs a GET request; token may be empty.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodGet, path, nil, token, nil)
}

// POST performs a POST request with a JSON body; token may be empty.
func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodPost, path, body, token, nil)
}

// Transition posts a staff transition request.
func (h *TestHarness) Transition(instanceID string, action model.Action, token string) *http.Response {
	h.t.Helper()
	return h.POST("/api/workflows/"+instanceID+"/transitions", action, token)
}

// GuestSubmit posts a guest submission carrying a passing captcha token.
func (h *TestHarness) GuestSubmit(linkToken string, state model.State, contentHash string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodPost, "/guest/feedback/"+linkToken,
		map[string]any{"state": state, "content_hash": contentHash}, "",
		map[string]string{verificationHdr: captchaToken})
}

func (h *TestHarness) doRequest(method, path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, h.server.URL+path, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := (&http.Client{Timeout: 10 * time.Second}).Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// AssertStatus checks the status code and closes the body.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	defer resp.Body.Close()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// AssertJSON checks the status and parses the body into target.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

// AssertError checks the status and error code of an error envelope.
func (h *TestHarness) AssertError(t *testing.T, resp *http.Response, status int, code string) model.ErrorEnvelope {
	t.Helper()
	var body struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	h.AssertJSON(t, resp, status, &body)
	if body.Error.Code != code {
		t.Errorf("error code = %q, want %q (message %q)", body.Error.Code, code, body.Error.Message)
	}
	return body.Error
}
