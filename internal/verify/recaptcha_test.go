package verify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/peerflow/internal/observability"
)

func provider(t *testing.T, status int, body map[string]any) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "s3cret", r.PostForm.Get("secret"))
		assert.Equal(t, "client-token", r.PostForm.Get("response"))
		assert.Equal(t, "203.0.113.7", r.PostForm.Get("remoteip"))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func newVerifier(endpoint string, m *observability.Metrics) *RecaptchaVerifier {
	return NewRecaptchaVerifier(RecaptchaConfig{
		Endpoint:       endpoint,
		Secret:         "s3cret",
		MinScore:       0.5,
		ExpectedAction: "feedback",
		Timeout:        time.Second,
		Breaker:        BreakerSettings{FailureThreshold: 2, Timeout: time.Minute},
	}, nil, m, nil)
}

func TestRecaptcha_answers(t *testing.T) {
	tests := []struct {
		name   string
		body   map[string]any
		want   bool
		result string
	}{
		{name: "passes", body: map[string]any{"success": true, "score": 0.9, "action": "feedback"}, want: true, result: ResultPassed},
		{name: "checkbox key without score", body: map[string]any{"success": true, "action": "feedback"}, want: true, result: ResultPassed},
		{name: "unsuccessful", body: map[string]any{"success": false, "error-codes": []string{"invalid-input-response"}}, result: ResultRejected},
		{name: "low score", body: map[string]any{"success": true, "score": 0.1, "action": "feedback"}, result: ResultRejected},
		{name: "wrong action", body: map[string]any{"success": true, "score": 0.9, "action": "login"}, result: ResultRejected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := provider(t, http.StatusOK, tt.body)
			m := observability.InitMetrics(prometheus.NewRegistry())
			v := newVerifier(srv.URL, m)

			ok, err := v.Verify(context.Background(), "client-token", "203.0.113.7")
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
			assert.Equal(t, 1.0, testutil.ToFloat64(m.VerificationsTotal.WithLabelValues(tt.result)))
		})
	}
}

func TestRecaptcha_emptyTokenSkipsProvider(t *testing.T) {
	srv, calls := provider(t, http.StatusOK, map[string]any{"success": true})
	v := newVerifier(srv.URL, nil)

	ok, err := v.Verify(context.Background(), "", "203.0.113.7")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int32(0), calls.Load())
}

func TestRecaptcha_providerErrorFailsClosed(t *testing.T) {
	srv, _ := provider(t, http.StatusBadGateway, map[string]any{})
	v := newVerifier(srv.URL, nil)

	ok, err := v.Verify(context.Background(), "client-token", "203.0.113.7")
	assert.Error(t, err)
	assert.False(t, ok)
}

func TestRecaptcha_malformedBodyFailsClosed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("<html>"))
	}))
	t.Cleanup(srv.Close)
	v := newVerifier(srv.URL, nil)

	ok, err := v.Verify(context.Background(), "client-token", "")
	assert.Error(t, err)
	assert.False(t, ok)
}

func TestRecaptcha_breakerOpensOnRepeatedFailures(t *testing.T) {
	srv, calls := provider(t, http.StatusInternalServerError, map[string]any{})
	m := observability.InitMetrics(prometheus.NewRegistry())
	v := newVerifier(srv.URL, m)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := v.Verify(ctx, "client-token", "203.0.113.7")
		require.Error(t, err)
	}
	require.Equal(t, StateOpen, v.Breaker().State())
	assert.Equal(t, float64(observability.BreakerOpen), testutil.ToFloat64(m.VerifierBreakerState))

	_, err := v.Verify(ctx, "client-token", "203.0.113.7")
	assert.ErrorIs(t, err, ErrBreakerOpen)
	assert.Equal(t, int32(2), calls.Load(), "open breaker must not reach the provider")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.VerificationsTotal.WithLabelValues(ResultCircuitOpen)))
}

func TestRecaptcha_rejectionDoesNotTripBreaker(t *testing.T) {
	srv, _ := provider(t, http.StatusOK, map[string]any{"success": false})
	v := newVerifier(srv.URL, nil)

	for i := 0; i < 5; i++ {
		ok, err := v.Verify(context.Background(), "client-token", "203.0.113.7")
		require.NoError(t, err)
		require.False(t, ok)
	}
	assert.Equal(t, StateClosed, v.Breaker().State())
}

func TestStaticVerifier(t *testing.T) {
	ctx := context.Background()

	ok, err := StaticVerifier{Allow: true}.Verify(ctx, "anything", "")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _ = StaticVerifier{Allow: true}.Verify(ctx, "", "")
	assert.False(t, ok)

	ok, _ = StaticVerifier{Allow: false}.Verify(ctx, "anything", "")
	assert.False(t, ok)
}
