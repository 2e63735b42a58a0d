// Package integration provides a reusable test harness for end-to-end
// testing of the closing API. It starts a full HTTP server with the built-in
// templates, in-memory or miniredis-backed stores, and a test JWT issuer.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/closing/internal/cases"
	"github.com/pitabwire/closing/internal/config"
	"github.com/pitabwire/closing/internal/engine"
	"github.com/pitabwire/closing/internal/observability"
	"github.com/pitabwire/closing/internal/openapi"
	"github.com/pitabwire/closing/internal/template"
	"github.com/pitabwire/closing/internal/transport"
	"github.com/pitabwire/closing/model"
	"github.com/pitabwire/closing/templates"
)

// TestHarness encapsulates a fully wired API instance for integration testing.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	idp    *identityProvider

	// Internal components exposed for advanced test scenarios.
	Registry         *template.Registry
	CaseStore        *cases.MemoryStore
	IdempotencyStore cases.IdempotencyStore
	Cases            *cases.Service
	Gatherer         *prometheus.Registry
	Redis            *miniredis.Miniredis

	cfg *config.Config
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	enforceOrder     bool
	redisIdempotency bool
	now              func() time.Time
}

// WithoutOrderEnforcement lets steps complete before their dependencies.
func WithoutOrderEnforcement() HarnessOption {
	return func(c *harnessConfig) {
		c.enforceOrder = false
	}
}

// WithRedisIdempotency backs the idempotency store with miniredis instead
// of memory.
func WithRedisIdempotency() HarnessOption {
	return func(c *harnessConfig) {
		c.redisIdempotency = true
	}
}

// WithClock overrides the service clock.
func WithClock(now func() time.Time) HarnessOption {
	return func(c *harnessConfig) {
		c.now = now
	}
}

// NewTestHarness creates and starts a full API test instance. The server is
// automatically cleaned up when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		enforceOrder: true,
	}
	for _, opt := range opts {
		opt(hc)
	}

	h := &TestHarness{t: t}

	// Step 1: Compile the built-in templates.
	loader, err := template.NewLoader()
	if err != nil {
		t.Fatalf("template loader: %v", err)
	}
	tpls, err := loader.LoadFS(templates.FS)
	if err != nil {
		t.Fatalf("load built-in templates: %v", err)
	}
	h.Registry, err = template.NewRegistry(tpls, templates.DefaultVersion)
	if err != nil {
		t.Fatalf("template registry: %v", err)
	}

	// Step 2: Build stores.
	h.CaseStore = cases.NewMemoryStore()
	if hc.redisIdempotency {
		h.Redis = miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: h.Redis.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		h.IdempotencyStore = cases.NewRedisIdempotencyStore(client)
	} else {
		h.IdempotencyStore = cases.NewMemoryIdempotencyStore()
	}

	// Step 3: Metrics on a private registry.
	h.Gatherer = prometheus.NewRegistry()
	metrics := observability.InitMetrics(h.Gatherer)

	// Step 4: Case service.
	svcOpts := []cases.Option{
		cases.WithEngine(engine.New(zap.NewNop(), metrics)),
		cases.WithEnforceOrder(hc.enforceOrder),
		cases.WithRecorder(metrics),
		cases.WithIdempotencyStore(h.IdempotencyStore, time.Hour),
	}
	if hc.now != nil {
		svcOpts = append(svcOpts, cases.WithClock(hc.now))
	}
	h.Cases = cases.NewService(h.Registry, h.CaseStore, svcOpts...)

	validator, err := openapi.NewValidator()
	if err != nil {
		t.Fatalf("load OpenAPI document: %v", err)
	}

	// Step 5: Start the identity provider.
	h.idp = newIdentityProvider(t)

	// Step 6: Build config.
	h.cfg = config.Defaults()
	h.cfg.Server.HandlerTimeout = 10 * time.Second
	h.cfg.Server.CORS = config.CORSConfig{
		AllowedOrigins: []string{"http://localhost:3000"},
		AllowedMethods: []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type",
			"X-Correlation-Id", "X-Idempotency-Key"},
		MaxAge: 86400,
	}
	h.cfg.Identity.Issuer = h.idp.issuer
	h.cfg.Identity.Audience = h.idp.audience
	h.cfg.Identity.JWKSURL = h.idp.jwks.URL
	h.cfg.Identity.Algorithms = []string{"ES256"}

	// Step 7: Build router with full middleware chain.

	router := transport.NewRouter(transport.Dependencies{
		Config:       h.cfg,
		Logger:       zap.NewNop(),
		Cases:        h.Cases,
		Templates:    h.Registry,
		Validator:    validator,
		Authenticate: transport.NewAuthenticator(h.cfg.Identity, zap.NewNop()),
		Metrics:      metrics,
		Gatherer:     h.Gatherer,
		Readiness: observability.ReadinessChecks{
			TemplatesLoaded:  func() int { return len(h.Registry.All()) },
			CaseStore:        h.CaseStore,
			IdempotencyStore: h.IdempotencyStore,
		},
	})

	// Step 8: Start test server.
	h.server = httptest.NewServer(router)
	t.Cleanup(func() {
		h.server.Close()
	})

	return h
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// GenerateToken creates a valid JWT token with the given claims.
func (h *TestHarness) GenerateToken(claims TestClaims) string {
	return h.idp.Token(claims, time.Hour)
}

// GenerateExpiredToken creates a JWT that has already expired.
func (h *TestHarness) GenerateExpiredToken(claims TestClaims) string {
	return h.idp.Token(claims, -time.Hour)
}

// --- HTTP client helpers ---

// GET performs an authenticated GET request.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodGet, path, nil, token, nil)
}

// GETWithHeaders performs an authenticated GET request with additional headers.
func (h *TestHarness) GETWithHeaders(path, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodGet, path, nil, token, headers)
}

// POST performs an authenticated POST request with a JSON body.
func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodPost, path, body, token, nil)
}

// POSTWithHeaders performs an authenticated POST request with additional headers.
func (h *TestHarness) POSTWithHeaders(path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodPost, path, body, token, headers)
}

// PATCH performs an authenticated PATCH request with a JSON body.
func (h *TestHarness) PATCH(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodPatch, path, body, token, nil)
}

func (h *TestHarness) doRequest(method, path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()

	url := h.server.URL + path

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, url, bodyReader)
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

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into the target.
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

// ReadBody reads and returns the response body as bytes.
func (h *TestHarness) ReadBody(resp *http.Response) []byte {
	h.t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	return data
}

// AssertStatus checks that the response has the expected status code and
// closes the body.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != expected {
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// AssertJSON checks that the response has the expected status and parses the body.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

// AssertError checks the status and the error code of an error response.
func (h *TestHarness) AssertError(t *testing.T, resp *http.Response, status int, code string) {
	t.Helper()
	var body struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	h.AssertJSON(t, resp, status, &body)
	if body.Error.Code != code {
		t.Errorf("error code = %q, want %q", body.Error.Code, code)
	}
}

// --- Case helpers ---

// CreateCase creates a case with the given reference and returns its view.
func (h *TestHarness) CreateCase(t *testing.T, token, reference string, flags map[string]bool) model.CaseView {
	t.Helper()
	body := map[string]any{"reference": reference}
	if flags != nil {
		body["flags"] = flags
	}
	var view model.CaseView
	h.AssertJSON(t, h.POST("/v1/cases", body, token), http.StatusCreated, &view)
	return view
}

// CompleteStep completes a step and returns the updated view.
func (h *TestHarness) CompleteStep(t *testing.T, token, caseID, stepCode string) model.CaseView {
	t.Helper()
	var view model.CaseView
	path := fmt.Sprintf("/v1/cases/%s/steps/%s/complete", caseID, stepCode)
	h.AssertJSON(t, h.POST(path, map[string]any{}, token), http.StatusOK, &view)
	return view
}

// --- Default test claims ---

// AgentClaims returns TestClaims for an estate agent of the acme tenant.
func AgentClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-agent",
		TenantID:  "acme-realty",
		Email:     "agent@acme.example.com",
	}
}

// NotaryClaims returns TestClaims for a notary of the acme tenant.
func NotaryClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-notary",
		TenantID:  "acme-realty",
		Email:     "notary@acme.example.com",
	}
}

// OtherTenantClaims returns TestClaims for a user of a different tenant.
func OtherTenantClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-other",
		TenantID:  "globex-homes",
		Email:     "agent@globex.example.com",
	}
}

// CashPurchasePath lists the steps of the built-in template in an order that
// completes a purchase without financing or encumbrances.
func CashPurchasePath() []string {
	return []string{
		"ONB_MANDATE",
		"ONB_BUYER_REGISTERED",
		"ONB_SELLER_DOCUMENTS",
		"ONB_RESERVATION",
		"FIN_EQUITY_PROOF",
		"PRE_DRAFT_REQUESTED",
		"PRE_DRAFT_RECEIVED",
		"PRE_DRAFT_REVIEWED_BUYER",
		"PRE_DRAFT_REVIEWED_SELLER",
		"NOT_APPOINTMENT_SCHEDULED",
		"NOT_CONTRACT_SIGNED",
		"SET_PRIORITY_NOTICE",
		"SET_PURCHASE_PRICE_PAID",
		"SET_HANDOVER",
		"SET_OWNERSHIP_REGISTERED",
	}
}

// FormatJSON converts a value to indented JSON for test output.
func FormatJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
