package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"
)

// Build-time variables injected via ldflags.
var (
	Version = "dev"
	Commit  = "unknown"
)

// HealthResponse is the JSON response for the liveness endpoint.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

// ReadinessResponse is the JSON response for the readiness endpoint.
type ReadinessResponse struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks"`
}

// CheckResult is the result of a single readiness check.
type CheckResult struct {
	Status    string `json:"status"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// HealthChecker can verify its own health. Case and idempotency stores
// implement it.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// ReadinessChecks lists what must be up before the service takes cases. At
// least one template version must be loaded. The stores are checked only when
// set.
type ReadinessChecks struct {
	TemplatesLoaded  func() int
	CaseStore        HealthChecker
	IdempotencyStore HealthChecker
}

const checkTimeout = 2 * time.Second

var errNoTemplates = errors.New("no templates loaded")

// checkerFunc adapts a function to HealthChecker.
type checkerFunc func(context.Context) error

func (f checkerFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

// named returns every configured check keyed by the name it reports under.
func (c ReadinessChecks) named() map[string]HealthChecker {
	checks := map[string]HealthChecker{
		"templates": checkerFunc(func(context.Context) error {
			if c.TemplatesLoaded == nil || c.TemplatesLoaded() == 0 {
				return errNoTemplates
			}
			return nil
		}),
	}
	if c.CaseStore != nil {
		checks["case_store"] = c.CaseStore
	}
	if c.IdempotencyStore != nil {
		checks["idempotency_store"] = c.IdempotencyStore
	}
	return checks
}

// HandleHealth returns the liveness handler. It reports the build and never
// touches a dependency.
func HandleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeHealthJSON(w, http.StatusOK, HealthResponse{Status: "ok", Version: Version, Commit: Commit})
	}
}

// HandleReady returns the readiness handler. Checks run concurrently and the
// service is ready only when every one passes.
func HandleReady(checks ReadinessChecks) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		named := checks.named()
		results := make(map[string]CheckResult, len(named))
		var mu sync.Mutex
		var wg sync.WaitGroup
		for name, checker := range named {
			wg.Go(func() {
				result := runCheck(r.Context(), checker)
				mu.Lock()
				results[name] = result
				mu.Unlock()
			})
		}
		wg.Wait()

		resp := ReadinessResponse{Status: "ready", Checks: results}
		status := http.StatusOK
		for _, result := range results {
			if result.Status != "ok" {
				resp.Status = "not_ready"
				status = http.StatusServiceUnavailable
				break
			}
		}
		writeHealthJSON(w, status, resp)
	}
}

func writeHealthJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// runCheck executes one check under checkTimeout.
func runCheck(parent context.Context, checker HealthChecker) CheckResult {
	ctx, cancel := context.WithTimeout(parent, checkTimeout)
	defer cancel()

	start := time.Now()
	err := checker.HealthCheck(ctx)
	result := CheckResult{Status: "ok", LatencyMs: time.Since(start).Milliseconds()}
	if err != nil {
		result.Status = "error"
		result.Error = err.Error()
	}
	return result
}
