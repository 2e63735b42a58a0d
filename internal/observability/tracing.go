package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/pitabwire/closing/internal/config"
	"github.com/pitabwire/closing/model"
)

const tracerName = "github.com/pitabwire/closing"

// Span attributes for case, template and MCP tool spans.
var (
	AttrCaseID          = attribute.Key("closing.case_id")
	AttrTemplateVersion = attribute.Key("closing.template_version")
	AttrStepCode        = attribute.Key("closing.step_code")
	AttrAction          = attribute.Key("closing.action")
	AttrTenantID        = attribute.Key("closing.tenant_id")
	AttrSubjectID       = attribute.Key("closing.subject_id")
	AttrProgress        = attribute.Key("closing.progress_percent")
	AttrIdempotent      = attribute.Key("closing.idempotent_replay")
	AttrErrorCode       = attribute.Key("closing.error_code")
	AttrTool            = attribute.Key("closing.mcp_tool")
)

// InitTracing installs the global tracer provider and W3C propagators. The
// returned function flushes pending spans and must run before exit.
func InitTracing(ctx context.Context, cfg config.TracingConfig, serviceName, serviceVersion string) (func(context.Context) error, error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("tracing: create exporter: %w", err)
	}
	res, err := resource.New(ctx,
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("tracing: create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(newSampler(cfg.SamplingRate)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return tp.Shutdown, nil
}

func newExporter(ctx context.Context, cfg config.TracingConfig) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "otlp", "":
		var opts []otlptracegrpc.Option
		if cfg.Endpoint != "" {
			opts = append(opts, otlptracegrpc.WithEndpoint(cfg.Endpoint))
		}
		return otlptracegrpc.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unsupported exporter: %q (supported: otlp, stdout)", cfg.Exporter)
	}
}

// newSampler honours the caller's sampling decision and samples new traces
// at rate. A rate of zero or less means 10%.
func newSampler(rate float64) sdktrace.Sampler {
	switch {
	case rate <= 0:
		rate = 0.1
	case rate >= 1:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
}

func tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span on the closing tracer.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

// StartCaseSpan starts the span of a case operation named "case.<action>".
// Empty caseID and stepCode are left off.
func StartCaseSpan(ctx context.Context, action, caseID, stepCode string) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{AttrAction.String(action)}
	if caseID != "" {
		attrs = append(attrs, AttrCaseID.String(caseID))
	}
	if stepCode != "" {
		attrs = append(attrs, AttrStepCode.String(stepCode))
	}
	return StartSpan(ctx, "case."+action, attrs...)
}

// SetCaller records the tenant and subject a case operation runs as.
func SetCaller(span trace.Span, rctx *model.RequestContext) {
	span.SetAttributes(
		AttrTenantID.String(rctx.TenantID),
		AttrSubjectID.String(rctx.SubjectID),
	)
}

// SetSnapshot records the template version and overall progress of an
// evaluation.
func SetSnapshot(span trace.Span, snap model.Snapshot) {
	span.SetAttributes(
		AttrTemplateVersion.String(snap.TemplateVersion),
		AttrProgress.Float64(snap.OverallProgressPercent),
	)
}

// MarkReplay flags the active span as answered from the idempotency cache.
func MarkReplay(ctx context.Context) {
	trace.SpanFromContext(ctx).SetAttributes(AttrIdempotent.Bool(true))
}

// EndSpan ends span, marking it failed when err is set. Error envelopes also
// record their code so rejected mutations can be told apart from faults.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		var env *model.ErrorEnvelope
		if errors.As(err, &env) {
			span.SetAttributes(AttrErrorCode.String(env.Code))
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// SpanIDs returns the trace and span ID of the active span, or empty strings
// when ctx carries none.
func SpanIDs(ctx context.Context) (traceID, spanID string) {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if sc.HasTraceID() {
		traceID = sc.TraceID().String()
	}
	if sc.HasSpanID() {
		spanID = sc.SpanID().String()
	}
	return traceID, spanID
}

// TracingMiddleware starts a server span per request, continuing any inbound
// traceparent and echoing the server span in the response headers. Once chi
// has matched, the span is renamed to the route pattern so case IDs stay out
// of span names.
func TracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		propagator := otel.GetTextMapPropagator()
		ctx := propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := tracer().Start(ctx, r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				semconv.HTTPRequestMethodKey.String(r.Method),
				semconv.URLPath(r.URL.Path),
			),
		)
		defer span.End()
		propagator.Inject(ctx, propagation.HeaderCarrier(w.Header()))

		r = r.WithContext(ctx)
		rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		if route := routePattern(r); route != r.URL.Path {
			span.SetName(r.Method + " " + route)
			span.SetAttributes(semconv.HTTPRoute(route))
		}
		span.SetAttributes(semconv.HTTPResponseStatusCode(rec.status))
		if rec.status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(rec.status))
		}
	})
}
