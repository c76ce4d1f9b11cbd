// Package tracing wires OpenTelemetry spans and the span id propagation used between
// the chat runner, the worker manager and remote workers.
package tracing

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.30.0"
	"go.opentelemetry.io/otel/trace"
)

// SpanIDHeader carries the caller's span id on worker HTTP requests.
const SpanIDHeader = "DBGPT-Trace-Span-Id"

const instrumentation = "modelworker"

// Config selects the span exporter.
type Config struct {
	// none, stdout or otlp. none still records span ids so they can be propagated.
	Exporter    string
	Endpoint    string
	Insecure    bool
	ServiceName string
	Environment string
}

// Setup installs a global tracer provider and returns its shutdown func.
func Setup(ctx context.Context, cfg Config, log zerolog.Logger) (func(context.Context) error, error) {
	name := cfg.ServiceName
	if name == "" {
		name = instrumentation
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(name),
			attribute.String("deployment.environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, err
	}

	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	switch strings.ToLower(strings.TrimSpace(cfg.Exporter)) {
	case "", "none":
		log.Debug().Msg("tracing without exporter")
	case "stdout":
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, err
		}
		opts = append(opts, sdktrace.WithBatcher(exp))
		log.Info().Str("exporter", "stdout").Msg("tracing initialized")
	case "otlp":
		endpoint := strings.TrimSpace(cfg.Endpoint)
		if endpoint == "" {
			return nil, fmt.Errorf("tracing: otlp exporter requires an endpoint")
		}
		gopts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
		if cfg.Insecure {
			gopts = append(gopts, otlptracegrpc.WithInsecure())
		}
		exp, err := otlptracegrpc.New(ctx, gopts...)
		if err != nil {
			return nil, err
		}
		opts = append(opts, sdktrace.WithBatcher(exp))
		log.Info().Str("exporter", "otlp").Str("endpoint", endpoint).Msg("tracing initialized")
	default:
		return nil, fmt.Errorf("tracing: unknown exporter %q", cfg.Exporter)
	}

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// Start opens a span. When parentSpanID is a valid "trace:span" id and ctx carries no
// span of its own, the new span becomes its child.
func Start(ctx context.Context, name, parentSpanID string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if parentSpanID != "" && !trace.SpanContextFromContext(ctx).IsValid() {
		ctx = WithSpanID(ctx, parentSpanID)
	}
	return otel.Tracer(instrumentation).Start(ctx, name, trace.WithAttributes(attrs...))
}

// SpanID formats the current span of ctx as "traceid:spanid", or "" when there is none.
func SpanID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String() + ":" + sc.SpanID().String()
}

// ParseSpanID parses a "traceid:spanid" string.
func ParseSpanID(s string) (trace.SpanContext, bool) {
	traceHex, spanHex, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return trace.SpanContext{}, false
	}
	tid, err := trace.TraceIDFromHex(traceHex)
	if err != nil {
		return trace.SpanContext{}, false
	}
	sid, err := trace.SpanIDFromHex(spanHex)
	if err != nil {
		return trace.SpanContext{}, false
	}
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    tid,
		SpanID:     sid,
		TraceFlags: trace.FlagsSampled,
		Remote:     true,
	})
	return sc, sc.IsValid()
}

// WithSpanID returns ctx with the parsed span id as remote parent. Invalid ids leave ctx as is.
func WithSpanID(ctx context.Context, spanID string) context.Context {
	sc, ok := ParseSpanID(spanID)
	if !ok {
		return ctx
	}
	return trace.ContextWithRemoteSpanContext(ctx, sc)
}
