package integration_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"chatrelay/internal/attachment"
	"chatrelay/internal/cache"
	"chatrelay/internal/database"
	"chatrelay/internal/service"
	"chatrelay/internal/stream"
	"chatrelay/internal/webhook"
	"chatrelay/pkg/circuitbreaker"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

const (
	testWebhookSecret = "integration-webhook-secret-0123456789"
	testMaxFailures   = 3
	testBaseURL       = "http://relay.test"
)

// ReceivedEvent is one webhook request captured by the receiver.
type ReceivedEvent struct {
	Header  http.Header
	Body    []byte
	Payload map[string]any
}

// WebhookReceiver stands in for the automation endpoint. The first
// failFirst requests get a 500.
type WebhookReceiver struct {
	mu        sync.Mutex
	events    []ReceivedEvent
	failFirst atomic.Int32
	status    atomic.Int32
	server    *httptest.Server
}

func newWebhookReceiver(t *testing.T) *WebhookReceiver {
	t.Helper()
	rcv := &WebhookReceiver{}
	rcv.status.Store(http.StatusOK)
	rcv.server = httptest.NewServer(http.HandlerFunc(rcv.handle))
	t.Cleanup(rcv.server.Close)
	return rcv
}

func (r *WebhookReceiver) handle(w http.ResponseWriter, req *http.Request) {
	body, _ := io.ReadAll(req.Body)
	ev := ReceivedEvent{Header: req.Header.Clone(), Body: body}
	_ = json.Unmarshal(body, &ev.Payload)

	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()

	if r.failFirst.Add(-1) >= 0 {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.WriteHeader(int(r.status.Load()))
}

func (r *WebhookReceiver) URL() string { return r.server.URL }

// FailNext makes the next n requests fail.
func (r *WebhookReceiver) FailNext(n int) { r.failFirst.Store(int32(n)) }

// SetStatus sets the response code for requests that are not forced to fail.
func (r *WebhookReceiver) SetStatus(code int) { r.status.Store(int32(code)) }

func (r *WebhookReceiver) Events() []ReceivedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ReceivedEvent, len(r.events))
	copy(out, r.events)
	return out
}

func (r *WebhookReceiver) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

// TestEnvironment wires the relay against real SQLite, Redis (miniredis),
// a websocket hub and a fake webhook endpoint.
type TestEnvironment struct {
	Dir         string
	Store       *database.SQLiteStore
	Blobs       *attachment.LocalStore
	Breaker     *circuitbreaker.CircuitBreaker
	Engine      *webhook.Engine
	Relay       *service.RelayService
	Hub         *stream.Hub
	HubServer   *httptest.Server
	Receiver    *WebhookReceiver
	Redis       *miniredis.Miniredis
	DeliveryLog *cache.RedisDeliveryLog
	Logger      *logrus.Logger
}

func NewTestEnvironment(t *testing.T) *TestEnvironment {
	t.Helper()
	ctx := context.Background()

	env := &TestEnvironment{Dir: t.TempDir()}
	env.Logger = logrus.New()
	env.Logger.SetOutput(io.Discard)

	enc, err := database.NewEncryptor("integration-encryption-secret-0123456789")
	require.NoError(t, err)
	env.Store, err = database.NewSQLite(ctx, filepath.Join(env.Dir, "chatrelay.db"), enc)
	require.NoError(t, err)
	t.Cleanup(func() { _ = env.Store.Close() })

	env.Blobs, err = attachment.NewLocalStore(filepath.Join(env.Dir, "uploads"),
		attachment.WithStoreLogger(env.Logger),
		attachment.WithDownloadTimeout(2*time.Second))
	require.NoError(t, err)

	env.Redis = miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: env.Redis.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	env.DeliveryLog = cache.NewRedisDeliveryLog(rdb, "chatrelay:test:deliveries", 50, time.Hour)

	env.Receiver = newWebhookReceiver(t)
	env.Breaker = circuitbreaker.New("webhook", testMaxFailures, time.Minute, circuitbreaker.WithLogger(env.Logger))
	env.Engine = webhook.NewEngine(webhook.Config{
		URL:        env.Receiver.URL(),
		Timeout:    2 * time.Second,
		MaxRetries: 2,
		Secret:     testWebhookSecret,
	},
		webhook.WithBreaker(env.Breaker),
		webhook.WithDeliveryLog(env.DeliveryLog),
		webhook.WithLogger(env.Logger),
		webhook.WithSleep(func(ctx context.Context, _ time.Duration) error { return ctx.Err() }),
	)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = env.Engine.Close(ctx)
	})

	env.Hub = stream.NewHub(env.Logger, 16)
	env.HubServer = httptest.NewServer(env.Hub)
	t.Cleanup(env.HubServer.Close)

	env.Relay = service.NewRelayService(env.Store, env.Engine,
		attachment.NewResolver(env.Blobs, env.Logger),
		service.WithStream(env.Hub),
		service.WithRelayLogger(env.Logger))
	return env
}
