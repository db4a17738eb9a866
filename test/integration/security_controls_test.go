package integration

import (
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/pitabwire/peerflow/model"
)

// ==========================================================================
// Staff authentication
// ==========================================================================

var staffEndpoints = []string{
	"/api/workflows/rev-1",
	"/api/workflows/rev-1/history",
	"/api/catalog/review",
	"/api/catalog/review/legal-actions?state=InProgress",
}

func TestSecurity_NoAuthHeader_Returns401(t *testing.T) {
	h := NewTestHarness(t)
	seedOpenReview(h)

	for _, ep := range staffEndpoints {
		t.Run(ep, func(t *testing.T) {
			h.AssertError(t, h.GET(ep, ""), http.StatusUnauthorized, model.ErrUnauthorized)
		})
	}
}

func TestSecurity_RejectedTokens_Return401(t *testing.T) {
	h := NewTestHarness(t)
	seedOpenReview(h)

	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none","typ":"JWT"}`))
	payload := base64.RawURLEncoding.EncodeToString([]byte(
		`{"sub":"admin","iss":"` + h.issuer.Issuer() + `","aud":"` + h.issuer.Audience() + `"}`))

	tests := []struct {
		name  string
		token string
	}{
		{"expired", h.GenerateExpiredToken(HRClaims())},
		{"foreign signing key", h.GenerateForeignToken(HRClaims())},
		{"none algorithm", header + "." + payload + "."},
		{"malformed", "not.a.valid.jwt.token"},
		{"wrong audience", h.GenerateToken(StaffClaims{SubjectID: "hr-1", Extra: map[string]any{"aud": "payroll"}})},
		{"wrong issuer", h.GenerateToken(StaffClaims{SubjectID: "hr-1", Extra: map[string]any{"iss": "https://evil.example.com"}})},
		{"no subject", h.GenerateToken(StaffClaims{Email: "nobody@example.com"})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h.AssertError(t, h.GET("/api/workflows/rev-1", tt.token), http.StatusUnauthorized, model.ErrUnauthorized)
		})
	}
}

func TestSecurity_ValidJWT_Returns200(t *testing.T) {
	h := NewTestHarness(t)
	seedOpenReview(h)
	token := h.GenerateToken(HRClaims())

	for _, ep := range staffEndpoints {
		t.Run(ep, func(t *testing.T) {
			h.AssertStatus(t, h.GET(ep, token), http.StatusOK)
		})
	}
}

func TestSecurity_ActorComesFromToken(t *testing.T) {
	h := NewTestHarness(t)
	seedOpenReview(h)
	token := h.GenerateToken(StaffClaims{SubjectID: "hr-rep-9", Roles: []string{"hr_rep"}})

	h.AssertStatus(t, h.doRequest(http.MethodPost, "/api/workflows/rev-1/transitions",
		model.Action{Kind: model.ActionSetParentState, State: model.ReviewCancelled}, token,
		map[string]string{"X-Actor-Id": "someone-else"}), http.StatusOK)

	events := h.WaitForEvents(t, 1)
	if events[0].ActorID != "hr-rep-9" || events[0].ActorKind != model.ActorStaff {
		t.Errorf("event actor = %s/%s", events[0].ActorKind, events[0].ActorID)
	}
}

// ==========================================================================
// Guest links
// ==========================================================================

func TestSecurity_GuestSubmissionRequiresVerification(t *testing.T) {
	h := NewTestHarness(t)
	seedOpenReview(h)

	resp := h.POST("/guest/feedback/link-1", map[string]any{"state": "Completed"}, "")
	h.AssertError(t, resp, http.StatusUnauthorized, model.ErrVerificationFailed)
	if h.Siteverify.Calls() != 0 {
		t.Error("a missing token must not reach the provider")
	}

	h.Siteverify.Reject("invalid-input-response")
	h.AssertError(t, h.GuestSubmit("link-1", model.ChildCompleted, "x"), http.StatusUnauthorized,
		model.ErrVerificationFailed)

	h.Siteverify.Accept(0.1)
	h.AssertError(t, h.GuestSubmit("link-1", model.ChildCompleted, "x"), http.StatusUnauthorized,
		model.ErrVerificationFailed)

	if got := h.Instance("rev-1"); got.State != model.ReviewInProgress {
		t.Errorf("rejected submissions changed the review: %q", got.State)
	}
}

func TestSecurity_VerificationForwardsSecretAndClientIP(t *testing.T) {
	h := NewTestHarness(t)
	seedOpenReview(h)

	resp := h.doRequest(http.MethodPost, "/guest/feedback/link-1",
		map[string]any{"state": "Started"}, "",
		map[string]string{verificationHdr: captchaToken, "X-Forwarded-For": "198.51.100.23"})
	h.AssertStatus(t, resp, http.StatusOK)

	req := h.Siteverify.LastRequest()
	if req == nil {
		t.Fatal("provider was not called")
	}
	if req.Secret != verifierSecret || req.Response != captchaToken || req.RemoteIP != "198.51.100.23" {
		t.Errorf("siteverify form = %+v", *req)
	}
}

func TestSecurity_UnknownAndRetractedLinksLookAlike(t *testing.T) {
	h := NewTestHarness(t)
	h.SeedInstance("rev-2", model.WorkflowReview, model.ReviewInProgress,
		ChildSeed{ID: "fa-r", State: model.ChildRetracted, Token: "retracted-link"},
	)

	unknown := h.AssertError(t, h.GET("/guest/feedback/never-issued", ""), http.StatusNotFound, model.ErrNotFound)
	retracted := h.AssertError(t, h.GET("/guest/feedback/retracted-link", ""), http.StatusNotFound, model.ErrNotFound)
	if unknown.Message != retracted.Message {
		t.Errorf("messages differ: %q vs %q", unknown.Message, retracted.Message)
	}
}

func TestSecurity_GuestTokensStayOutOfLogsAndMetrics(t *testing.T) {
	h := NewTestHarness(t)
	seedOpenReview(h)

	h.AssertStatus(t, h.GuestSubmit("link-1", model.ChildCompleted, "x"), http.StatusOK)
	h.AssertStatus(t, h.GET("/guest/feedback/link-2", ""), http.StatusOK)

	for _, entry := range h.Logs.All() {
		for k, v := range entry.ContextMap() {
			if s := fmt.Sprint(v); strings.Contains(s, "link-1") || strings.Contains(s, "link-2") {
				t.Errorf("log %q field %s carries a guest token", entry.Message, k)
			}
		}
	}

	resp := h.GET("/metrics", "")
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if strings.Contains(string(body), "link-1") || strings.Contains(string(body), "link-2") {
		t.Error("metrics carry a guest token")
	}
}

// ==========================================================================
// Response hygiene
// ==========================================================================

func TestSecurity_HeadersOnEveryResponse(t *testing.T) {
	h := NewTestHarness(t)
	seedOpenReview(h)

	for _, path := range []string{"/health", "/guest/feedback/link-1", "/api/workflows/rev-1"} {
		t.Run(path, func(t *testing.T) {
			resp := h.GET(path, "")
			defer resp.Body.Close()
			if got := resp.Header.Get("X-Content-Type-Options"); got != "nosniff" {
				t.Errorf("X-Content-Type-Options = %q", got)
			}
			if got := resp.Header.Get("Cache-Control"); got != "no-store" {
				t.Errorf("Cache-Control = %q", got)
			}
			if resp.Header.Get("X-Correlation-Id") == "" {
				t.Error("missing X-Correlation-Id")
			}
		})
	}
}

func TestSecurity_UnknownFieldsRejected(t *testing.T) {
	h := NewTestHarness(t)
	seedOpenReview(h)
	token := h.GenerateToken(HRClaims())

	resp := h.POST("/api/workflows/rev-1/transitions", map[string]any{
		"kind": "set_parent_state", "state": "Cancelled", "actor_id": "forged",
	}, token)
	h.AssertError(t, resp, http.StatusBadRequest, model.ErrBadRequest)
}

func TestSecurity_CORS(t *testing.T) {
	h := NewTestHarness(t)

	resp := h.doRequest(http.MethodGet, "/health", nil, "", map[string]string{"Origin": "http://localhost:3000"})
	resp.Body.Close()
	if resp.Header.Get("Access-Control-Allow-Origin") != "http://localhost:3000" {
		t.Error("CORS not set for allowed origin")
	}

	resp = h.doRequest(http.MethodGet, "/health", nil, "", map[string]string{"Origin": "https://evil.example.com"})
	resp.Body.Close()
	if resp.Header.Get("Access-Control-Allow-Origin") != "" {
		t.Error("CORS headers should not be set for disallowed origin")
	}
}
