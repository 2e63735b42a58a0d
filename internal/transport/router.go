package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pitabwire/closing/internal/cases"
	"github.com/pitabwire/closing/internal/config"
	"github.com/pitabwire/closing/internal/observability"
	"github.com/pitabwire/closing/internal/openapi"
	"github.com/pitabwire/closing/internal/template"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config    *config.Config
	Logger    *zap.Logger
	Cases     *cases.Service
	Templates *template.Registry
	Validator *openapi.Validator

	// Authenticate verifies bearer tokens. When nil, identity is read from
	// the X-Tenant-Id and X-Subject-Id headers.
	Authenticate func(http.Handler) http.Handler

	Metrics   *observability.Metrics
	Gatherer  prometheus.Gatherer
	Readiness observability.ReadinessChecks
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, metrics and the API document bypass
// authentication.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	// Global middleware: applied to all routes including health.
	r.Use(Recovery(logger))
	r.Use(observability.TracingMiddleware)
	if deps.Metrics != nil {
		r.Use(deps.Metrics.MetricsMiddleware)
	}
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)

	// Public routes.
	r.Get("/health", observability.HandleHealth())
	r.Get("/ready", observability.HandleReady(deps.Readiness))
	if deps.Config.Observability.Metrics.Enabled && deps.Gatherer != nil {
		r.Method(http.MethodGet, deps.Config.Observability.Metrics.Path, observability.Handler(deps.Gatherer))
	}
	r.Get("/openapi.yaml", handleOpenAPISpec)

	// Authenticated API.
	r.Route("/v1", func(r chi.Router) {
		if deps.Authenticate != nil {
			r.Use(deps.Authenticate)
		} else {
			r.Use(HeaderRequestContext)
		}
		r.Use(RequireIdentity)
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(RequestLogging(logger))
		r.Use(RequestValidation(deps.Validator))

		r.Get("/templates", handleTemplateList(deps.Templates))
		r.Get("/templates/{version}", handleTemplateGet(deps.Templates))
		r.Post("/evaluate", handleEvaluate(deps.Cases))

		r.Route("/cases", func(r chi.Router) {
			r.Get("/", handleCaseList(deps.Cases))
			r.Post("/", handleCaseCreate(deps.Cases))
			r.Get("/{caseId}", handleCaseGet(deps.Cases))
			r.Get("/{caseId}/events", handleCaseEvents(deps.Cases))
			r.Post("/{caseId}/steps/{stepCode}/complete", handleStepComplete(deps.Cases))
			r.Post("/{caseId}/steps/{stepCode}/reopen", handleStepReopen(deps.Cases))
			r.Patch("/{caseId}/flags", handleCaseFlags(deps.Cases))
			r.Post("/{caseId}/what-if", handleCaseWhatIf(deps.Cases))
			r.Post("/{caseId}/cancel", handleCaseCancel(deps.Cases))
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		WriteNotFound(w, r, "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Allow", "GET, POST, PATCH")
		WriteJSON(w, http.StatusMethodNotAllowed, map[string]any{
			"error": map[string]string{"code": "METHOD_NOT_ALLOWED", "message": "method not allowed"},
		})
	})

	return r
}

func handleOpenAPISpec(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(openapi.Spec())
}
