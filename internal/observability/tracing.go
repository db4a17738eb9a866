package observability

import (
	"context"
	"fmt"
	"net/http"
	"strings"

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

	"github.com/pitabwire/peerflow/internal/config"
	"github.com/pitabwire/peerflow/model"
)

const tracerName = "github.com/pitabwire/peerflow"

// Span attribute keys.
var (
	AttrWorkflowType = attribute.Key("peerflow.workflow_type")
	AttrInstanceID   = attribute.Key("peerflow.instance_id")
	AttrChildID      = attribute.Key("peerflow.child_id")
	AttrAction       = attribute.Key("peerflow.action")
	AttrTargetState  = attribute.Key("peerflow.target_state")
	AttrActorKind    = attribute.Key("peerflow.actor_kind")
	AttrCascade      = attribute.Key("peerflow.cascade")
	AttrNoop         = attribute.Key("peerflow.noop")
	AttrReplayed     = attribute.Key("peerflow.replayed")
	AttrErrorCode    = attribute.Key("peerflow.error_code")
)

// InitTracing installs a global TracerProvider. The returned function
// flushes and stops it; with tracing disabled it is a no-op.
func InitTracing(ctx context.Context, cfg config.TracingConfig, serviceName, serviceVersion string) (func(context.Context) error, error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("tracing: create exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithTelemetrySDK(),
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
		sdktrace.WithSampler(newSampler(cfg)),
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
		return nil, fmt.Errorf("unsupported exporter %q", cfg.Exporter)
	}
}

// newSampler honours the caller's sampling decision and otherwise samples
// SamplingRate of new traces. A non-positive rate falls back to 10%.
func newSampler(cfg config.TracingConfig) sdktrace.Sampler {
	switch rate := cfg.SamplingRate; {
	case rate <= 0:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(0.1))
	case rate >= 1:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
	}
}

// Tracer returns the peerflow tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts an internal span carrying attrs.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

// StartTransitionSpan starts the span around one transition attempt.
func StartTransitionSpan(ctx context.Context, instanceID string, action model.Action, actor model.Actor) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{
		AttrInstanceID.String(instanceID),
		AttrAction.String(string(action.Kind)),
		AttrActorKind.String(string(actor.Kind)),
	}
	if action.ChildID != "" {
		attrs = append(attrs, AttrChildID.String(action.ChildID))
	}
	if action.State != "" {
		attrs = append(attrs, AttrTargetState.String(string(action.State)))
	}
	return StartSpan(ctx, "progression.attempt", attrs...)
}

// AnnotateOutcome records what a successful transition did.
func AnnotateOutcome(span trace.Span, outcome model.TransitionOutcome) {
	span.SetAttributes(AttrNoop.Bool(outcome.Noop))
	if outcome.Cascade != nil {
		span.SetAttributes(AttrCascade.Bool(true))
		span.AddEvent("cascade", trace.WithAttributes(
			attribute.String("from", string(outcome.Cascade.From)),
			attribute.String("to", string(outcome.Cascade.To)),
		))
	}
}

// EndSpan ends span and classifies err. Domain rejections are expected
// outcomes: they are tagged with their envelope code and leave the span
// status unset. Anything else marks the span as failed.
func EndSpan(span trace.Span, err error) {
	defer span.End()
	if err == nil {
		return
	}
	code := model.CodeOf(err)
	span.SetAttributes(AttrErrorCode.String(code))
	if code != model.ErrInternalError {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// TraceIDFromContext returns the active trace ID, or "" outside a span.
func TraceIDFromContext(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Tracing returns middleware that opens a server span per request. Spans
// are renamed after the chi route pattern once routing is done, so path
// parameters such as guest tokens never become span names. Requests whose
// path is listed in skip are served untraced.
func Tracing(skip ...string) func(http.Handler) http.Handler {
	skipped := make(map[string]struct{}, len(skip))
	for _, p := range skip {
		skipped[p] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := skipped[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			propagator := otel.GetTextMapPropagator()
			ctx := propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := Tracer().Start(ctx, r.Method,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(semconv.HTTPRequestMethodKey.String(r.Method)),
			)
			defer span.End()
			propagator.Inject(ctx, propagation.HeaderCarrier(w.Header()))

			sw := &tracingStatusWriter{ResponseWriter: w, status: http.StatusOK}
			r = r.WithContext(ctx)
			next.ServeHTTP(sw, r)

			route := routePattern(r)
			span.SetName(r.Method + " " + route)
			span.SetAttributes(
				semconv.HTTPRoute(route),
				semconv.HTTPResponseStatusCode(sw.status),
			)
			if strings.HasPrefix(route, "/guest/") {
				span.SetAttributes(AttrActorKind.String(string(model.ActorGuest)))
			}
			if sw.status >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(sw.status))
			}
		})
	}
}

// StartClientSpan opens a client span for an outbound provider call and
// propagates the trace context on req.
func StartClientSpan(req *http.Request, name string) (*http.Request, trace.Span) {
	ctx, span := Tracer().Start(req.Context(), name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			semconv.HTTPRequestMethodKey.String(req.Method),
			semconv.ServerAddress(req.URL.Hostname()),
		),
	)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))
	return req.WithContext(ctx), span
}

// EndClientSpan records the provider's answer on a client span.
func EndClientSpan(span trace.Span, resp *http.Response, err error) {
	defer span.End()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetAttributes(semconv.HTTPResponseStatusCode(resp.StatusCode))
	if resp.StatusCode >= http.StatusBadRequest {
		span.SetStatus(codes.Error, http.StatusText(resp.StatusCode))
	}
}

type tracingStatusWriter struct {
	http.ResponseWriter
	status  int
	written bool
}

func (w *tracingStatusWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *tracingStatusWriter) Write(b []byte) (int, error) {
	w.written = true
	return w.ResponseWriter.Write(b)
}
