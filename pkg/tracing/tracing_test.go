package tracing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func withRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	tp := tracesdk.NewTracerProvider(tracesdk.WithSpanProcessor(rec))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})
	return rec
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.False(t, cfg.Enabled)
	assert.Equal(t, "groupcall", cfg.ServiceName)
	assert.Equal(t, 1.0, cfg.SampleRate)
}

func TestInit_Disabled(t *testing.T) {
	tp, err := Init(DefaultConfig())
	require.NoError(t, err)
	assert.NoError(t, tp.Shutdown(context.Background()))
}

func TestTraceSignalRequest_RecordsAttributesAndErrors(t *testing.T) {
	rec := withRecorder(t)

	ctx, span := TraceSignalRequest(context.Background(), "produce", "conn_1")
	AddSpanAttributes(ctx, RoomIDKey.String("r1"))
	RecordError(ctx, errors.New("boom"))
	MeasureDuration(ctx, time.Now())
	span.End()

	ended := rec.Ended()
	require.Len(t, ended, 1)
	s := ended[0]
	assert.Equal(t, "signal.produce", s.Name())
	assert.Equal(t, codes.Error, s.Status().Code)
	assert.Contains(t, s.Attributes(), attribute.String("connection.id", "conn_1"))
	assert.Contains(t, s.Attributes(), attribute.String("room.id", "r1"))
}

func TestEngineAndStoreSpans(t *testing.T) {
	rec := withRecorder(t)

	_, span := TraceEngineOperation(context.Background(), "create_transport", TransportIDKey.String("tr_1"))
	span.End()
	_, span = TraceStoreOperation(context.Background(), "get", "meetings")
	span.End()
	_, span = TraceHTTPRequest(context.Background(), "GET", "/api/v1/rooms/:id")
	span.End()

	names := []string{}
	for _, s := range rec.Ended() {
		names = append(names, s.Name())
	}
	assert.Equal(t, []string{"engine.create_transport", "store.get", "http.GET"}, names)
}
