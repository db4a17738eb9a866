package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// Build-time variables injected via ldflags.
var (
	Version = "dev"
	Commit  = "unknown"
)

const serviceName = "peerflow"

// Probe outcomes.
const (
	ProbeOK       = "ok"
	ProbeFailed   = "error"
	StateReady    = "ready"
	StateDegraded = "degraded"
	StateNotReady = "not_ready"
)

// HealthResponse is the liveness body.
type HealthResponse struct {
	Service string `json:"service"`
	Status  string `json:"status"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

// ReadinessResponse is the readiness body. Status is ready, degraded when
// only optional dependencies fail, or not_ready.
type ReadinessResponse struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks"`
}

// CheckResult is the outcome of one dependency probe.
type CheckResult struct {
	Status    string `json:"status"`
	Optional  bool   `json:"optional,omitempty"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// HealthChecker can verify its own health.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// ReadinessChecks lists what /ready probes. The catalog and the workflow
// store gate readiness. The idempotency store only degrades it, since guest
// submissions still work without replay caching.
type ReadinessChecks struct {
	CatalogLoaded    func() bool
	Store            HealthChecker
	IdempotencyStore HealthChecker
}

type probe struct {
	name     string
	optional bool
	check    func(ctx context.Context) error
}

func (c ReadinessChecks) probes() []probe {
	ps := []probe{{name: "catalog", check: func(context.Context) error {
		if c.CatalogLoaded == nil || !c.CatalogLoaded() {
			return errCatalogNotLoaded
		}
		return nil
	}}}
	if c.Store != nil {
		ps = append(ps, probe{name: "store", check: c.Store.HealthCheck})
	}
	if c.IdempotencyStore != nil {
		ps = append(ps, probe{name: "idempotency_store", optional: true, check: c.IdempotencyStore.HealthCheck})
	}
	return ps
}

type probeError string

func (e probeError) Error() string { return string(e) }

const errCatalogNotLoaded = probeError("status catalog not loaded")

const checkTimeout = 2 * time.Second

// HandleHealth returns the liveness handler.
func HandleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeProbe(w, http.StatusOK, HealthResponse{
			Service: serviceName,
			Status:  ProbeOK,
			Version: Version,
			Commit:  Commit,
		})
	}
}

// HandleReady returns the readiness handler. Probes run concurrently, each
// bounded by its own timeout.
func HandleReady(checks ReadinessChecks) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		probes := checks.probes()
		results := make([]CheckResult, len(probes))

		var wg sync.WaitGroup
		for i, p := range probes {
			wg.Go(func() {
				results[i] = runCheck(r.Context(), p)
			})
		}
		wg.Wait()

		resp := ReadinessResponse{Status: StateReady, Checks: make(map[string]CheckResult, len(probes))}
		for i, p := range probes {
			res := results[i]
			resp.Checks[p.name] = res
			switch {
			case res.Status == ProbeOK:
			case res.Optional:
				if resp.Status == StateReady {
					resp.Status = StateDegraded
				}
			default:
				resp.Status = StateNotReady
			}
		}

		code := http.StatusOK
		if resp.Status == StateNotReady {
			code = http.StatusServiceUnavailable
		}
		writeProbe(w, code, resp)
	}
}

func runCheck(parent context.Context, p probe) CheckResult {
	ctx, cancel := context.WithTimeout(parent, checkTimeout)
	defer cancel()

	start := time.Now()
	err := p.check(ctx)
	res := CheckResult{Status: ProbeOK, Optional: p.optional, LatencyMs: time.Since(start).Milliseconds()}
	if err != nil {
		res.Status = ProbeFailed
		res.Error = err.Error()
	}
	return res
}

func writeProbe(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
