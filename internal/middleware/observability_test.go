package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"chatrelay/internal/metrics"
	"chatrelay/internal/security"
	"chatrelay/internal/tracing"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newTestLogger(buf *bytes.Buffer) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(buf)
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.DebugLevel)
	return logger
}

func installRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = provider.Shutdown(t.Context())
	})
	return recorder
}

func TestObservabilityMiddleware(t *testing.T) {
	recorder := installRecorder(t)
	metrics.GetRegistry().Reset()

	var logBuffer bytes.Buffer
	logger := newTestLogger(&logBuffer)

	var seen *tracing.RequestInfo
	handler := ObservabilityMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = tracing.GetRequestInfo(r.Context())
		_, _ = w.Write([]byte("test response"))
	}))

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.Header.Set("User-Agent", "test-agent")
	req.RemoteAddr = "192.168.1.100:12345"
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, seen)
	assert.True(t, strings.HasPrefix(seen.RequestID, "req_"))
	assert.NotEmpty(t, seen.TraceID)
	assert.NotEqual(t, "00000000000000000000000000000000", seen.TraceID)
	assert.Equal(t, seen.RequestID, w.Header().Get(tracing.RequestIDHeader))

	snapshot := metrics.GetAllMetrics()
	assert.Contains(t, snapshot.Counters, "http_requests_total_endpoint:/test_method:GET")
	assert.Contains(t, snapshot.Timers, "http_request_duration_endpoint:/test_method:GET_status_code:200")

	logOutput := logBuffer.String()
	assert.Contains(t, logOutput, "HTTP request started")
	assert.Contains(t, logOutput, "HTTP request completed")
	assert.Contains(t, logOutput, `"request_id"`)
	assert.Contains(t, logOutput, `"trace_id"`)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "http_request", spans[0].Name())
}

func TestObservabilityMiddleware_KeepsIncomingRequestID(t *testing.T) {
	var logBuffer bytes.Buffer
	handler := ObservabilityMiddleware(newTestLogger(&logBuffer))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "req_upstream", tracing.GetRequestID(r.Context()))
	}))

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set(tracing.RequestIDHeader, "req_upstream")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, "req_upstream", w.Header().Get(tracing.RequestIDHeader))
}

func TestObservabilityMiddleware_StatusLevels(t *testing.T) {
	tests := []struct {
		status int
		level  string
	}{
		{http.StatusOK, `"level":"info"`},
		{http.StatusNotFound, `"level":"warning"`},
		{http.StatusInternalServerError, `"level":"error"`},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			var logBuffer bytes.Buffer
			handler := ObservabilityMiddleware(newTestLogger(&logBuffer))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/status", nil))

			assert.Equal(t, tt.status, w.Code)
			assert.Contains(t, logBuffer.String(), tt.level)
		})
	}
}

func TestObservabilityMiddleware_UsesRouteTemplate(t *testing.T) {
	metrics.GetRegistry().Reset()
	var logBuffer bytes.Buffer

	router := mux.NewRouter()
	router.Use(ObservabilityMiddleware(newTestLogger(&logBuffer)))
	router.HandleFunc("/chat/messages/{phone}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/chat/messages/+5511999999999", nil))

	counters := metrics.GetAllMetrics().Counters
	assert.Contains(t, counters, "http_requests_total_endpoint:/chat/messages/{phone}_method:GET")
	for key := range counters {
		assert.NotContains(t, key, "5511999999999")
	}
}

func TestInboundObservabilityMiddleware(t *testing.T) {
	metrics.GetRegistry().Reset()
	var logBuffer bytes.Buffer
	logger := newTestLogger(&logBuffer)

	ok := InboundObservabilityMiddleware(logger, "receive_message")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	rejected := InboundObservabilityMiddleware(logger, "receive_message")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))

	ok.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/chat/receive-message", nil))
	rejected.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/chat/receive-message", nil))

	counters := metrics.GetAllMetrics().Counters
	assert.Equal(t, float64(2), counters["inbound_requests_total_source:receive_message"].Value)
	assert.Equal(t, float64(1), counters["inbound_errors_total_source:receive_message_status_code:401"].Value)
	assert.Contains(t, logBuffer.String(), "Inbound message rejected")
}

func TestResponseWrapper(t *testing.T) {
	rec := httptest.NewRecorder()
	wrapper := &responseWrapper{ResponseWriter: rec, statusCode: http.StatusOK}

	wrapper.WriteHeader(http.StatusCreated)
	n, err := wrapper.Write([]byte("hello"))
	require.NoError(t, err)

	assert.Equal(t, 5, n)
	assert.Equal(t, http.StatusCreated, wrapper.statusCode)
	assert.Equal(t, int64(5), wrapper.responseSize)
	assert.Equal(t, http.ResponseWriter(rec), wrapper.Unwrap())

	_, _, err = wrapper.Hijack()
	assert.Error(t, err)
}

func TestMiddleware_ConcurrentRequests(t *testing.T) {
	metrics.GetRegistry().Reset()
	var logBuffer bytes.Buffer
	logger := newTestLogger(&logBuffer)
	logger.SetOutput(&syncWriter{w: &logBuffer})

	handler := ObservabilityMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/concurrent", nil))
		}()
	}
	wg.Wait()

	counters := metrics.GetAllMetrics().Counters
	assert.Equal(t, float64(20), counters["http_requests_total_endpoint:/concurrent_method:GET"].Value)
	assert.Equal(t, float64(0), counters["http_requests_active"].Value)
}

func TestDebugLoggingMiddleware(t *testing.T) {
	var logBuffer bytes.Buffer
	logger := newTestLogger(&logBuffer)
	handler := DebugLoggingMiddleware(logger, DefaultDebugLoggingConfig())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/chat/receive-message", strings.NewReader(`{"message":"secret"}`))
	req.Header.Set(security.SignatureHeader, "sha256=abcdef")
	req.Header.Set("Content-Type", "application/json")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	out := logBuffer.String()
	assert.Contains(t, out, "Request details")
	assert.Contains(t, out, "***MASKED***")
	assert.NotContains(t, out, "abcdef")
	assert.NotContains(t, out, "secret")

	logBuffer.Reset()
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Empty(t, logBuffer.String())
}

func TestIsSensitiveHeader(t *testing.T) {
	sensitive := DefaultDebugLoggingConfig().SensitiveHeaders
	assert.True(t, isSensitiveHeader("Authorization", sensitive))
	assert.True(t, isSensitiveHeader(security.SignatureHeader, sensitive))
	assert.False(t, isSensitiveHeader("Content-Type", sensitive))
}

type syncWriter struct {
	mu sync.Mutex
	w  *bytes.Buffer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}
