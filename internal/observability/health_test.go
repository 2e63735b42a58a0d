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

func TestHandleHealth_returnsOK(t *testing.T) {
	origVersion, origCommit := Version, Commit
	Version = "1.2.3"
	Commit = "abc1234"
	t.Cleanup(func() {
		Version = origVersion
		Commit = origCommit
	})

	rec := httptest.NewRecorder()
	HandleHealth().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("status = %q, want ok", resp.Status)
	}
	if resp.Version != "1.2.3" {
		t.Errorf("version = %q, want 1.2.3", resp.Version)
	}
	if resp.Commit != "abc1234" {
		t.Errorf("commit = %q, want abc1234", resp.Commit)
	}
}

func TestHandleHealth_defaultValues(t *testing.T) {
	rec := httptest.NewRecorder()
	HandleHealth().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	var resp HealthResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp.Version == "" {
		t.Error("version should have a default value")
	}
}

type mockHealthChecker struct {
	err   error
	delay time.Duration
}

func (m *mockHealthChecker) HealthCheck(ctx context.Context) error {
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return m.err
}

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

func TestHandleReady_allHealthy(t *testing.T) {
	code, resp := serveReady(t, ReadinessChecks{
		TemplatesLoaded:  func() int { return 1 },
		CaseStore:        &mockHealthChecker{},
		IdempotencyStore: &mockHealthChecker{},
	})

	if code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if resp.Status != "ready" {
		t.Errorf("status = %q, want ready", resp.Status)
	}
	for _, name := range []string{"templates", "case_store", "idempotency_store"} {
		if resp.Checks[name].Status != "ok" {
			t.Errorf("%s = %q, want ok", name, resp.Checks[name].Status)
		}
	}
}

func TestHandleReady_noTemplates(t *testing.T) {
	code, resp := serveReady(t, ReadinessChecks{
		TemplatesLoaded: func() int { return 0 },
	})

	if code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", code)
	}
	if resp.Status != "not_ready" {
		t.Errorf("status = %q, want not_ready", resp.Status)
	}
	if resp.Checks["templates"].Error != "no templates loaded" {
		t.Errorf("templates error = %q", resp.Checks["templates"].Error)
	}
}

func TestHandleReady_nilTemplatesFunc(t *testing.T) {
	code, resp := serveReady(t, ReadinessChecks{})

	if code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", code)
	}
	if resp.Checks["templates"].Status != "error" {
		t.Errorf("templates = %q, want error", resp.Checks["templates"].Status)
	}
}

func TestHandleReady_caseStoreDown(t *testing.T) {
	code, resp := serveReady(t, ReadinessChecks{
		TemplatesLoaded: func() int { return 2 },
		CaseStore:       &mockHealthChecker{err: errors.New("connection refused")},
	})

	if code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", code)
	}
	if resp.Checks["case_store"].Error != "connection refused" {
		t.Errorf("case_store error = %q, want connection refused", resp.Checks["case_store"].Error)
	}
	if resp.Checks["templates"].Status != "ok" {
		t.Errorf("templates = %q, want ok", resp.Checks["templates"].Status)
	}
}

func TestHandleReady_idempotencyStoreDown(t *testing.T) {
	code, resp := serveReady(t, ReadinessChecks{
		TemplatesLoaded:  func() int { return 1 },
		IdempotencyStore: &mockHealthChecker{err: errors.New("redis: connection refused")},
	})

	if code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", code)
	}
	if resp.Checks["idempotency_store"].Status != "error" {
		t.Errorf("idempotency_store = %q, want error", resp.Checks["idempotency_store"].Status)
	}
}

func TestHandleReady_withoutOptionalChecks(t *testing.T) {
	code, resp := serveReady(t, ReadinessChecks{
		TemplatesLoaded: func() int { return 1 },
	})

	if code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if len(resp.Checks) != 1 {
		t.Errorf("checks count = %d, want 1", len(resp.Checks))
	}
	if _, ok := resp.Checks["case_store"]; ok {
		t.Error("case_store should not be in checks when nil")
	}
}

func TestHandleReady_checksHaveLatency(t *testing.T) {
	_, resp := serveReady(t, ReadinessChecks{
		TemplatesLoaded: func() int { return 1 },
		CaseStore:       &mockHealthChecker{delay: 5 * time.Millisecond},
	})

	for name, check := range resp.Checks {
		if check.LatencyMs < 0 {
			t.Errorf("%s latency = %d, should be >= 0", name, check.LatencyMs)
		}
	}
}

func TestHandleReady_multipleFailures(t *testing.T) {
	code, resp := serveReady(t, ReadinessChecks{
		TemplatesLoaded:  func() int { return 0 },
		CaseStore:        &mockHealthChecker{err: errors.New("pg down")},
		IdempotencyStore: &mockHealthChecker{err: errors.New("redis down")},
	})

	if code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", code)
	}

	failCount := 0
	for _, check := range resp.Checks {
		if check.Status == "error" {
			failCount++
		}
	}
	if failCount != 3 {
		t.Errorf("failed checks = %d, want 3", failCount)
	}
}

func TestRunCheck_timeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	result := runCheck(ctx, &mockHealthChecker{delay: time.Second})
	if result.Status != "error" {
		t.Errorf("status = %q, want error", result.Status)
	}
	if result.Error == "" {
		t.Error("expected timeout error message")
	}
}
