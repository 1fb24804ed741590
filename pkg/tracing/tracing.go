package tracing

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "groupcall"

type TracerProvider struct {
	tp *tracesdk.TracerProvider
}

type Config struct {
	Enabled     bool
	ServiceName string
	JaegerURL   string
	Environment string
	SampleRate  float64

	ServiceVersion string
}

func DefaultConfig() Config {
	return Config{
		Enabled:     false,
		ServiceName: "groupcall",
		JaegerURL:   "http://localhost:14268/api/traces",
		Environment: "development",
		SampleRate:  1.0,

		ServiceVersion: "dev",
	}
}

// Init installs a jaeger-backed global tracer provider. With tracing
// disabled it returns a provider whose Shutdown is a no-op.
func Init(cfg Config) (*TracerProvider, error) {
	if !cfg.Enabled {
		return &TracerProvider{}, nil
	}

	exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(cfg.JaegerURL)))
	if err != nil {
		return nil, fmt.Errorf("failed to create Jaeger exporter: %w", err)
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.ServiceVersion),
			attribute.String("environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := tracesdk.NewTracerProvider(
		tracesdk.WithBatcher(exp),
		tracesdk.WithResource(res),
		tracesdk.WithSampler(tracesdk.TraceIDRatioBased(cfg.SampleRate)),
	)

	otel.SetTracerProvider(tp)

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &TracerProvider{tp: tp}, nil
}

// Shutdown shuts down the tracer provider
func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	if tp.tp != nil {
		return tp.tp.Shutdown(ctx)
	}
	return nil
}

func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, opts...)
}

func AddSpanAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.SetAttributes(attrs...)
	}
}

// RecordError records err on the current span and marks it failed.
func RecordError(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// Common span attributes
var (
	ConnectionIDKey = attribute.Key("connection.id")
	UserIDKey       = attribute.Key("user.id")
	RoomIDKey       = attribute.Key("room.id")
	TransportIDKey  = attribute.Key("transport.id")
	ProducerIDKey   = attribute.Key("producer.id")
	MediaKindKey    = attribute.Key("media.kind")
	DurationKey     = attribute.Key("duration_ms")
)

func TraceHTTPRequest(ctx context.Context, method, path string) (context.Context, trace.Span) {
	return StartSpan(ctx, fmt.Sprintf("http.%s", method),
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			semconv.HTTPMethodKey.String(method),
			semconv.HTTPRouteKey.String(path),
		),
	)
}

// TraceSignalRequest starts the span covering one signaling request.
func TraceSignalRequest(ctx context.Context, op string, connectionID string) (context.Context, trace.Span) {
	return StartSpan(ctx, "signal."+op,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("signal.op", op),
			ConnectionIDKey.String(connectionID),
		),
	)
}

func TraceEngineOperation(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return StartSpan(ctx, "engine."+op,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(append([]attribute.KeyValue{attribute.String("engine.op", op)}, attrs...)...),
	)
}

func TraceStoreOperation(ctx context.Context, op, store string) (context.Context, trace.Span) {
	return StartSpan(ctx, fmt.Sprintf("store.%s", op),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.operation", op),
			attribute.String("db.table", store),
		),
	)
}

// MeasureDuration records the elapsed time since start on the current span.
func MeasureDuration(ctx context.Context, start time.Time) {
	AddSpanAttributes(ctx, DurationKey.Int64(time.Since(start).Milliseconds()))
}
