// Package verify checks that a guest submission came from a human before
// any workflow data is touched.
package verify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/peerflow/internal/observability"
)

// Verification results recorded in metrics.
const (
	ResultPassed      = "passed"
	ResultRejected    = "rejected"
	ResultError       = "error"
	ResultCircuitOpen = "circuit_open"
)

// siteverifyResponse is the provider's answer. Score and Action are only
// present for score-based keys.
type siteverifyResponse struct {
	Success    bool     `json:"success"`
	Score      *float64 `json:"score,omitempty"`
	Action     string   `json:"action,omitempty"`
	Hostname   string   `json:"hostname,omitempty"`
	ErrorCodes []string `json:"error-codes,omitempty"`
}

// RecaptchaConfig configures a RecaptchaVerifier.
type RecaptchaConfig struct {
	Endpoint       string
	Secret         string
	MinScore       float64
	ExpectedAction string
	Timeout        time.Duration
	Breaker        BreakerSettings
}

// RecaptchaVerifier asks a reCAPTCHA-compatible siteverify endpoint whether
// a client token is genuine. Provider trouble is reported as an error so the
// caller fails closed.
type RecaptchaVerifier struct {
	cfg     RecaptchaConfig
	client  *http.Client
	breaker *Breaker
	metrics *observability.Metrics
	logger  *zap.Logger
}

// NewRecaptchaVerifier creates a verifier. A nil client gets one bounded by
// cfg.Timeout.
func NewRecaptchaVerifier(cfg RecaptchaConfig, client *http.Client, metrics *observability.Metrics, logger *zap.Logger) *RecaptchaVerifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	v := &RecaptchaVerifier{cfg: cfg, client: client, metrics: metrics, logger: logger}
	v.breaker = NewBreaker(cfg.Breaker, func(s State) {
		metrics.SetVerifierBreakerState(breakerGauge(s))
		logger.Warn("verification breaker state changed", zap.Stringer("state", s))
	})
	metrics.SetVerifierBreakerState(observability.BreakerClosed)
	return v
}

// Breaker exposes the provider circuit breaker.
func (v *RecaptchaVerifier) Breaker() *Breaker { return v.breaker }

// Verify implements model.Verifier.
func (v *RecaptchaVerifier) Verify(ctx context.Context, token, remoteIP string) (bool, error) {
	start := time.Now()
	ok, result, err := v.verify(ctx, token, remoteIP)
	v.metrics.RecordVerification(result, time.Since(start))
	return ok, err
}

func (v *RecaptchaVerifier) verify(ctx context.Context, token, remoteIP string) (bool, string, error) {
	if token == "" {
		return false, ResultRejected, nil
	}
	if err := v.breaker.Allow(); err != nil {
		return false, ResultCircuitOpen, err
	}

	ctx, cancel := context.WithTimeout(ctx, v.cfg.Timeout)
	defer cancel()

	resp, err := v.post(ctx, token, remoteIP)
	if err != nil {
		v.breaker.Failure()
		return false, ResultError, err
	}
	v.breaker.Success()

	if !v.accept(resp) {
		observability.LoggerFrom(ctx, v.logger).Info("verification rejected",
			zap.Strings("error_codes", resp.ErrorCodes),
			zap.String("action", resp.Action),
		)
		return false, ResultRejected, nil
	}
	return true, ResultPassed, nil
}

func (v *RecaptchaVerifier) post(ctx context.Context, token, remoteIP string) (siteverifyResponse, error) {
	form := url.Values{}
	form.Set("secret", v.cfg.Secret)
	form.Set("response", token)
	if remoteIP != "" {
		form.Set("remoteip", remoteIP)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.cfg.Endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return siteverifyResponse{}, fmt.Errorf("verify: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req, span := observability.StartClientSpan(req, "verify.siteverify")

	resp, err := v.client.Do(req)
	observability.EndClientSpan(span, resp, err)
	if err != nil {
		return siteverifyResponse{}, fmt.Errorf("verify: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return siteverifyResponse{}, fmt.Errorf("verify: provider returned status %d", resp.StatusCode)
	}

	var out siteverifyResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&out); err != nil {
		return siteverifyResponse{}, fmt.Errorf("verify: decode response: %w", err)
	}
	return out, nil
}

func (v *RecaptchaVerifier) accept(resp siteverifyResponse) bool {
	if !resp.Success {
		return false
	}
	if resp.Score != nil && *resp.Score < v.cfg.MinScore {
		return false
	}
	if v.cfg.ExpectedAction != "" && resp.Action != v.cfg.ExpectedAction {
		return false
	}
	return true
}

func breakerGauge(s State) float64 {
	switch s {
	case StateOpen:
		return observability.BreakerOpen
	case StateHalfOpen:
		return observability.BreakerHalfOpen
	default:
		return observability.BreakerClosed
	}
}

// StaticVerifier answers every request the same way. It stands in for the
// provider in local setups.
type StaticVerifier struct {
	Allow bool
}

// Verify implements model.Verifier.
func (s StaticVerifier) Verify(_ context.Context, token, _ string) (bool, error) {
	return s.Allow && token != "", nil
}
