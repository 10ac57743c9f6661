package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"chatrelay/internal/attachment"
	"chatrelay/internal/config"
	"chatrelay/internal/database"
	"chatrelay/internal/models"
	"chatrelay/internal/security"
	"chatrelay/internal/service"
	"chatrelay/internal/stream"
	"chatrelay/internal/webhook"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPhone = "+5511999999999"

type testServer struct {
	*Server
	hook     *httptest.Server
	hookHits atomic.Int32
	engine   *webhook.Engine
}

func newTestServer(t *testing.T, mutate ...func(*models.Config)) *testServer {
	t.Helper()
	ctx := context.Background()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	ts := &testServer{}
	ts.hook = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ts.hookHits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(ts.hook.Close)

	dir := t.TempDir()
	cfg := config.Default()
	cfg.Server.PublicBaseURL = "http://relay.test"
	cfg.Database.Path = filepath.Join(dir, "chatrelay.db")
	cfg.Uploads.Dir = filepath.Join(dir, "uploads")
	cfg.Webhook.URL = ts.hook.URL
	for _, m := range mutate {
		m(cfg)
	}

	store, err := database.NewSQLite(ctx, cfg.Database.Path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	blobs, err := attachment.NewLocalStore(cfg.Uploads.Dir, attachment.WithStoreLogger(logger))
	require.NoError(t, err)

	settings := config.NewSettingsStore(filepath.Join(dir, "webhook_settings.json"), cfg.Webhook.URL, cfg.Webhook.TimeoutSec)
	ts.engine = webhook.NewEngine(webhook.Config{URL: cfg.Webhook.URL, Timeout: 2 * time.Second},
		webhook.WithLogger(logger),
		webhook.WithDeliveryLog(webhook.NewMemoryLog(10)),
		webhook.WithSleep(func(ctx context.Context, _ time.Duration) error { return ctx.Err() }),
	)
	t.Cleanup(func() { _ = ts.engine.Close(context.Background()) })

	hub := stream.NewHub(logger, 8)
	relay := service.NewRelayService(store, ts.engine, attachment.NewResolver(blobs, logger),
		service.WithStream(hub), service.WithRelayLogger(logger))

	ts.Server = NewServer(cfg, Dependencies{
		Relay:     relay,
		Analytics: service.NewAnalyticsService(store),
		Engine:    ts.engine,
		Prober:    webhook.NewProber(nil, 2*time.Second),
		Settings:  settings,
		Blobs:     blobs,
		Store:     store,
		Hub:       hub,
	}, logger)
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(operatorHeader, "operator@example.com")
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)

	var out map[string]any
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	}
	return w, out
}

func TestServer_HandleHealth(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "OK", w.Body.String())
}

func TestServer_AddSendAndList(t *testing.T) {
	ts := newTestServer(t)

	w, body := ts.do(t, http.MethodPost, "/chat/add-phone", map[string]any{"number": testPhone})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, true, body["created"])
	assert.Equal(t, true, body["webhook_sent"])

	w, body = ts.do(t, http.MethodPost, "/chat/send-message", map[string]any{
		"phone_number": testPhone,
		"content":      "hello",
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["webhook_sent"])
	assert.Equal(t, "delivered", body["webhook_status"])
	msg := body["message"].(map[string]any)
	assert.Equal(t, "user", msg["type"])
	assert.Nil(t, msg["attachment_url"])

	w, body = ts.do(t, http.MethodGet, "/chat/messages/"+testPhone, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, body["messages"], 1)

	w, body = ts.do(t, http.MethodGet, "/chat/phones", nil)
	require.Equal(t, http.StatusOK, w.Code)
	phones := body["phones"].([]any)
	require.Len(t, phones, 1)
	assert.Equal(t, testPhone, phones[0].(map[string]any)["number"])

	assert.Equal(t, int32(2), ts.hookHits.Load())
}

func TestServer_SendMessageErrors(t *testing.T) {
	ts := newTestServer(t)

	w, body := ts.do(t, http.MethodPost, "/chat/send-message", map[string]any{"content": "hello"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, false, body["success"])

	w, _ = ts.do(t, http.MethodPost, "/chat/send-message", map[string]any{"phone_number": testPhone})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = ts.do(t, http.MethodPost, "/chat/send-message", map[string]any{"phone_number": testPhone, "content": "hi"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	req := httptest.NewRequest(http.MethodPost, "/chat/send-message", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	w, _ = ts.do(t, http.MethodGet, "/chat/messages/"+testPhone+"?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, body = ts.do(t, http.MethodPost, "/chat/send-message", map[string]any{
		"phone_number": testPhone,
		"content":      strings.Repeat("x", maxJSONBodyBytes+1),
	})
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Equal(t, "Request body too large", body["message"])

	assert.Zero(t, ts.hookHits.Load())
}

func TestServer_ToggleAndDelete(t *testing.T) {
	ts := newTestServer(t)

	w, _ := ts.do(t, http.MethodPost, "/chat/toggle-ai/42", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	_, body := ts.do(t, http.MethodPost, "/chat/add-phone", map[string]any{"number": testPhone})
	id := int64(body["phone"].(map[string]any)["id"].(float64))
	path := "/chat/toggle-ai/" + jsonNumber(id)

	w, body = ts.do(t, http.MethodPost, path, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["new_status"])

	_, body = ts.do(t, http.MethodPost, "/chat/send-message", map[string]any{"phone_number": testPhone, "content": "hi"})
	assert.Equal(t, "ai", body["message"].(map[string]any)["type"])

	w, _ = ts.do(t, http.MethodPost, "/chat/delete-phone", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, body = ts.do(t, http.MethodPost, "/chat/delete-phone", map[string]any{"phone_id": jsonNumber(id)})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), body["messages_deleted"])

	w, _ = ts.do(t, http.MethodDelete, "/chat/delete-phone/"+jsonNumber(id), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func jsonNumber(id int64) string {
	b, _ := json.Marshal(id)
	return string(b)
}

func TestServer_ReceiveMessage(t *testing.T) {
	const secret = "0123456789abcdef0123456789abcdef"
	ts := newTestServer(t, func(c *models.Config) { c.Inbound.Secret = secret })

	payload, _ := json.Marshal(map[string]any{"phone_number": testPhone, "message": "reply"})

	req := httptest.NewRequest(http.MethodPost, "/chat/receive-message", bytes.NewReader(payload))
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req = httptest.NewRequest(http.MethodPost, "/chat/receive-message", bytes.NewReader(payload))
	req.Header.Set(security.SignatureHeader, security.Sign(secret, payload))
	w = httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, true, body["conversation_created"])
	assert.Equal(t, false, body["attachment_downloaded"])
	assert.Equal(t, "lead", body["message"].(map[string]any)["type"])
	assert.Zero(t, ts.hookHits.Load(), "inbound messages emit no webhook")
}

func TestServer_UploadAndServe(t *testing.T) {
	ts := newTestServer(t)
	content := append([]byte("\x89PNG\r\n\x1a\n"), bytes.Repeat([]byte{0}, 100)...)

	upload := func(filename, phone string) *httptest.ResponseRecorder {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		fw, err := mw.CreateFormFile("file", filename)
		require.NoError(t, err)
		_, _ = fw.Write(content)
		if phone != "" {
			require.NoError(t, mw.WriteField("phone_number", phone))
		}
		require.NoError(t, mw.Close())

		req := httptest.NewRequest(http.MethodPost, "/chat/upload-attachment", &buf)
		req.Header.Set("Content-Type", mw.FormDataContentType())
		w := httptest.NewRecorder()
		ts.router.ServeHTTP(w, req)
		return w
	}

	w := upload("photo.png", testPhone)
	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	att := body["attachment"].(map[string]any)
	assert.Equal(t, "image", att["type"])
	assert.Equal(t, "photo.png", att["name"])
	assert.Equal(t, float64(len(content)), att["size"])
	assert.Equal(t, "image/png", body["mime_type"])
	url := att["url"].(string)
	assert.True(t, strings.HasPrefix(url, "/chat/uploads/"))
	assert.Equal(t, "http://relay.test"+url, att["full_url"])

	req := httptest.NewRequest(http.MethodGet, url, nil)
	served := httptest.NewRecorder()
	ts.router.ServeHTTP(served, req)
	assert.Equal(t, http.StatusOK, served.Code)
	assert.Equal(t, content, served.Body.Bytes())
	assert.Equal(t, "image/png", served.Header().Get("Content-Type"))

	assert.Equal(t, http.StatusBadRequest, upload("tool.exe", testPhone).Code)
	assert.Equal(t, http.StatusBadRequest, upload("photo.png", "").Code)

	req = httptest.NewRequest(http.MethodGet, "/chat/uploads/missing.png", nil)
	missing := httptest.NewRecorder()
	ts.router.ServeHTTP(missing, req)
	assert.Equal(t, http.StatusNotFound, missing.Code)
}

func TestServer_WebhookStatusAndReset(t *testing.T) {
	ts := newTestServer(t)
	for i := 0; i < 5; i++ {
		ts.engine.Breaker().RecordFailure()
	}

	w, body := ts.do(t, http.MethodGet, "/chat/webhook-status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["circuit_broken"])
	assert.Equal(t, float64(5), body["failure_count"])
	assert.Equal(t, float64(5), body["max_failures"])
	assert.Equal(t, float64(60), body["circuit_break_duration"])
	assert.NotNil(t, body["time_since_last_failure"])
	assert.Equal(t, ts.hook.URL, body["webhook_url"])

	w, _ = ts.do(t, http.MethodPost, "/chat/reset-webhook-circuit", nil)
	require.Equal(t, http.StatusOK, w.Code)

	_, body = ts.do(t, http.MethodGet, "/chat/webhook-status", nil)
	assert.Equal(t, false, body["circuit_broken"])
	assert.Equal(t, float64(0), body["failure_count"])
}

func TestServer_TestWebhook(t *testing.T) {
	ts := newTestServer(t)

	w, body := ts.do(t, http.MethodPost, "/chat/test-webhook", map[string]any{"attachment_type": "image"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["webhook_sent"])
	assert.Equal(t, "Test webhook for image completed", body["message"])
	assert.Equal(t, int32(1), ts.hookHits.Load())

	_, body = ts.do(t, http.MethodGet, "/chat/webhook-status", nil)
	assert.Len(t, body["recent_deliveries"], 1)
}

func TestServer_WebhookConfig(t *testing.T) {
	ts := newTestServer(t)

	w, _ := ts.do(t, http.MethodPost, "/settings/webhook-config", map[string]any{"webhook_url": "ftp://example.com"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = ts.do(t, http.MethodPost, "/settings/webhook-config", map[string]any{"webhook_url": ""})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	saved := ts.hook.URL + "/saved"
	w, body := ts.do(t, http.MethodPost, "/settings/webhook-config", map[string]any{"webhook_url": saved})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "online", body["webhook_status"].(map[string]any)["status"])

	url, _ := ts.engine.Endpoint()
	assert.Equal(t, saved, url)

	w, body = ts.do(t, http.MethodGet, "/settings/webhook-config", nil)
	require.Equal(t, http.StatusOK, w.Code)
	cfg := body["config"].(map[string]any)
	assert.Equal(t, saved, cfg["webhook_url"])
	details := cfg["config_details"].(map[string]any)
	assert.Equal(t, "interface", details["source"])
	assert.Equal(t, true, details["has_conflict"])
}

func TestServer_ProbeWebhook(t *testing.T) {
	ts := newTestServer(t)

	w, body := ts.do(t, http.MethodPost, "/settings/test-webhook", map[string]any{})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "online", body["webhook_status"].(map[string]any)["status"])

	closed := httptest.NewServer(http.NotFoundHandler())
	closedURL := closed.URL
	closed.Close()
	_, body = ts.do(t, http.MethodPost, "/settings/test-webhook", map[string]any{"webhook_url": closedURL})
	assert.Equal(t, "offline", body["webhook_status"].(map[string]any)["status"])
}

func TestServer_DatabaseStatus(t *testing.T) {
	ts := newTestServer(t)

	w, body := ts.do(t, http.MethodGet, "/settings/database-status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	status := body["status"].(map[string]any)
	assert.Equal(t, true, status["connected"])
	assert.Equal(t, "sqlite3", status["driver"])
	assert.True(t, strings.HasPrefix(status["database_url"].(string), "sqlite://"))
}

func TestServer_Analytics(t *testing.T) {
	ts := newTestServer(t)

	w, _ := ts.do(t, http.MethodGet, "/analytics/daily-stats?date=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, body := ts.do(t, http.MethodGet, "/analytics/daily-stats?date=2026-01-15", nil)
	require.Equal(t, http.StatusOK, w.Code)
	stats := body["stats"].(map[string]any)
	assert.Equal(t, "2026-01-15", stats["date"])
	assert.Equal(t, float64(0), stats["total_messages"])

	w, body = ts.do(t, http.MethodGet, "/analytics/weekly-stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, body["weekly_stats"], 7)
	assert.Contains(t, body["totals"], "period")

	w, body = ts.do(t, http.MethodGet, "/analytics/monthly-stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, body["monthly_stats"])
}

func TestServer_Metrics(t *testing.T) {
	ts := newTestServer(t)

	w, body := ts.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, body, "counters")
	assert.Contains(t, body, "gauges")
	assert.Equal(t, "no-cache, no-store, must-revalidate", w.Header().Get("Cache-Control"))
}

func TestOperator(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Equal(t, defaultOperator, operator(req))
	req.Header.Set(operatorHeader, " ops@example.com ")
	assert.Equal(t, "ops@example.com", operator(req))
}
