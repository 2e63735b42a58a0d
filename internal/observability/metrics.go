package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets       = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	storeDurationBuckets      = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5}
	evaluationDurationBuckets = []float64{0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01}
	bodySizeBuckets           = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds all Prometheus metric instruments of the service.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Case metrics
	CaseMutationsTotal   *prometheus.CounterVec
	CaseMutationDuration *prometheus.HistogramVec
	CasesCreatedTotal    *prometheus.CounterVec
	CasesCompletedTotal  *prometheus.CounterVec

	// Engine metrics
	EvaluationsTotal       *prometheus.CounterVec
	EvaluationDuration     *prometheus.HistogramVec
	UnknownStepCodesTotal  *prometheus.CounterVec
	PredicateFailuresTotal *prometheus.CounterVec

	// Idempotency metrics
	IdempotencyReplaysTotal   prometheus.Counter
	IdempotencyConflictsTotal prometheus.Counter

	// MCP metrics
	MCPToolCallsTotal *prometheus.CounterVec

	// System metrics
	TemplateLoadTotal *prometheus.CounterVec
	TemplatesLoaded   prometheus.Gauge
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "closing_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "closing_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "closing_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "closing_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Cases
		CaseMutationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "closing_case_mutations_total",
			Help: "Total number of case mutations by action and result.",
		}, []string{"action", "result"}),
		CaseMutationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "closing_case_mutation_duration_seconds",
			Help:    "Case mutation duration in seconds, store round trips included.",
			Buckets: storeDurationBuckets,
		}, []string{"action"}),
		CasesCreatedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "closing_cases_created_total",
			Help: "Total number of cases created.",
		}, []string{"template_version"}),
		CasesCompletedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "closing_cases_completed_total",
			Help: "Total number of cases that reached 100 percent progress.",
		}, []string{"template_version"}),

		// Engine
		EvaluationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "closing_evaluations_total",
			Help: "Total number of progress evaluations.",
		}, []string{"template_version"}),
		EvaluationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "closing_evaluation_duration_seconds",
			Help:    "Progress evaluation duration in seconds.",
			Buckets: evaluationDurationBuckets,
		}, []string{"template_version"}),
		UnknownStepCodesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "closing_unknown_step_codes_total",
			Help: "Total number of completed step codes ignored because the template does not define them.",
		}, []string{"template_version"}),
		PredicateFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "closing_predicate_failures_total",
			Help: "Total number of predicate evaluations that failed and resolved to false.",
		}, []string{"template_version", "predicate"}),

		// Idempotency
		IdempotencyReplaysTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "closing_idempotency_replays_total",
			Help: "Total number of requests answered from the idempotency store.",
		}),
		IdempotencyConflictsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "closing_idempotency_conflicts_total",
			Help: "Total number of idempotency keys reused with a different payload.",
		}),

		// MCP
		MCPToolCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "closing_mcp_tool_calls_total",
			Help: "Total number of MCP tool calls.",
		}, []string{"tool", "status"}),

		// System
		TemplateLoadTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "closing_template_load_total",
			Help: "Total template load attempts.",
		}, []string{"status"}),
		TemplatesLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "closing_templates_loaded",
			Help: "Number of loaded template versions.",
		}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		// Cases
		m.CaseMutationsTotal,
		m.CaseMutationDuration,
		m.CasesCreatedTotal,
		m.CasesCompletedTotal,
		// Engine
		m.EvaluationsTotal,
		m.EvaluationDuration,
		m.UnknownStepCodesTotal,
		m.PredicateFailuresTotal,
		// Idempotency
		m.IdempotencyReplaysTotal,
		m.IdempotencyConflictsTotal,
		// MCP
		m.MCPToolCallsTotal,
		// System
		m.TemplateLoadTotal,
		m.TemplatesLoaded,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordCaseMutation records a case mutation. Result is "ok" or an error code.
func (m *Metrics) RecordCaseMutation(action, result string, duration time.Duration) {
	m.CaseMutationsTotal.WithLabelValues(action, result).Inc()
	m.CaseMutationDuration.WithLabelValues(action).Observe(duration.Seconds())
}

// RecordCaseCreated records a new case.
func (m *Metrics) RecordCaseCreated(templateVersion string) {
	m.CasesCreatedTotal.WithLabelValues(templateVersion).Inc()
}

// RecordCaseCompleted records a case reaching full progress.
func (m *Metrics) RecordCaseCompleted(templateVersion string) {
	m.CasesCompletedTotal.WithLabelValues(templateVersion).Inc()
}

// RecordEvaluation records one engine evaluation.
func (m *Metrics) RecordEvaluation(templateVersion string, duration time.Duration) {
	m.EvaluationsTotal.WithLabelValues(templateVersion).Inc()
	m.EvaluationDuration.WithLabelValues(templateVersion).Observe(duration.Seconds())
}

// RecordUnknownSteps records completed codes the template does not define.
func (m *Metrics) RecordUnknownSteps(templateVersion string, count int) {
	m.UnknownStepCodesTotal.WithLabelValues(templateVersion).Add(float64(count))
}

// RecordPredicateFailure records a predicate that failed to evaluate.
func (m *Metrics) RecordPredicateFailure(templateVersion, predicate string) {
	m.PredicateFailuresTotal.WithLabelValues(templateVersion, predicate).Inc()
}

// RecordIdempotencyReplay records a replayed response.
func (m *Metrics) RecordIdempotencyReplay() {
	m.IdempotencyReplaysTotal.Inc()
}

// RecordIdempotencyConflict records a key reused with a different payload.
func (m *Metrics) RecordIdempotencyConflict() {
	m.IdempotencyConflictsTotal.Inc()
}

// RecordMCPToolCall records an MCP tool invocation.
func (m *Metrics) RecordMCPToolCall(tool, status string) {
	m.MCPToolCallsTotal.WithLabelValues(tool, status).Inc()
}

// RecordTemplateLoad records a template load attempt.
func (m *Metrics) RecordTemplateLoad(status string) {
	m.TemplateLoadTotal.WithLabelValues(status).Inc()
}

// SetTemplatesLoaded sets the number of loaded template versions.
func (m *Metrics) SetTemplatesLoaded(count int) {
	m.TemplatesLoaded.Set(float64(count))
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &responseRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		reqSize := 0
		if r.ContentLength > 0 {
			reqSize = int(r.ContentLength)
		}
		m.RecordHTTPRequest(r.Method, routePattern(r), sw.status, time.Since(start), reqSize, sw.bytes)
	})
}

// Handler returns the Prometheus HTTP handler for the given gatherer.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	pattern = strings.ReplaceAll(pattern, "/*/", "/")
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// responseRecorder captures the status and body size of a response.
type responseRecorder struct {
	http.ResponseWriter
	status  int
	bytes   int
	written bool
}

func (w *responseRecorder) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *responseRecorder) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}
