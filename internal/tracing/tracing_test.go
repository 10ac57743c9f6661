package tracing

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"chatrelay/internal/models"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestGenerateRequestID(t *testing.T) {
	id1 := GenerateRequestID()
	id2 := GenerateRequestID()

	assert.NotEqual(t, id1, id2)
	assert.True(t, strings.HasPrefix(id1, "req_"))
	assert.Len(t, id1, len("req_")+16)
}

func TestContextValues(t *testing.T) {
	start := time.Now().Add(-time.Second)
	ctx := WithRequestID(context.Background(), "req_1")
	ctx = WithTraceID(ctx, "trace")
	ctx = WithSpanID(ctx, "span")
	ctx = WithStartTime(ctx, start)

	info := GetRequestInfo(ctx)
	assert.Equal(t, "req_1", info.RequestID)
	assert.Equal(t, "trace", info.TraceID)
	assert.Equal(t, "span", info.SpanID)
	assert.Equal(t, start, info.StartTime)
	assert.GreaterOrEqual(t, Duration(ctx), time.Second)

	empty := GetRequestInfo(context.Background())
	assert.Empty(t, empty.RequestID)
	assert.Zero(t, Duration(context.Background()))
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate(models.TracingConfig{}))
	assert.NoError(t, Validate(DefaultTracingConfig()))

	cfg := DefaultTracingConfig()
	cfg.Enabled = true
	assert.NoError(t, Validate(cfg))

	cfg.ServiceName = ""
	assert.Error(t, Validate(cfg))

	cfg = DefaultTracingConfig()
	cfg.Enabled = true
	cfg.SampleRate = 1.5
	assert.Error(t, Validate(cfg))

	cfg = DefaultTracingConfig()
	cfg.Enabled = true
	cfg.UseStdout = false
	cfg.OTLPEndpoint = ""
	assert.Error(t, Validate(cfg))
}

func TestTracingManager_DisabledIsNoop(t *testing.T) {
	logger, hook := test.NewNullLogger()
	tm := NewTracingManager(DefaultTracingConfig(), logger)

	require.NoError(t, tm.Initialize(context.Background()))
	assert.Equal(t, "OpenTelemetry tracing is disabled", hook.LastEntry().Message)
	assert.NoError(t, tm.Shutdown(context.Background()))
}

func installRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prevProvider := otel.GetTracerProvider()
	prevPropagator := otel.GetTextMapPropagator()
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() {
		otel.SetTracerProvider(prevProvider)
		otel.SetTextMapPropagator(prevPropagator)
		_ = provider.Shutdown(context.Background())
	})
	return recorder
}

func TestWithOtelTracing_MirrorsIDs(t *testing.T) {
	recorder := installRecorder(t)

	ctx, span := WithOtelTracing(context.Background(), "op")
	assert.Equal(t, GetOtelTraceID(ctx), GetTraceID(ctx))
	assert.Equal(t, GetOtelSpanID(ctx), GetSpanID(ctx))
	assert.NotEmpty(t, GetTraceID(ctx))
	span.End()

	require.Len(t, recorder.Ended(), 1)
	assert.Equal(t, "op", recorder.Ended()[0].Name())
}

func TestInjectExtractHeaders(t *testing.T) {
	installRecorder(t)

	ctx, span := StartSpan(context.Background(), "outbound")
	defer span.End()

	header := http.Header{}
	InjectHeaders(ctx, header)
	require.NotEmpty(t, header.Get("traceparent"))

	extracted := ExtractHeaders(context.Background(), header)
	_, child := StartSpan(extracted, "inbound")
	defer child.End()
	assert.Equal(t, span.SpanContext().TraceID(), child.SpanContext().TraceID())
}

func TestRecordErrorWithoutSpan(t *testing.T) {
	assert.NotPanics(t, func() {
		RecordError(context.Background(), assert.AnError)
		SetSpanStatus(context.Background(), 0, "")
	})
	assert.Empty(t, GetOtelTraceID(context.Background()))
}
