package service

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"chatrelay/internal/attachment"
	"chatrelay/internal/database"
	apperrors "chatrelay/internal/errors"
	"chatrelay/internal/eventbus"
	"chatrelay/internal/models"
	"chatrelay/internal/stream"
	"chatrelay/internal/webhook"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const testPhone = "+5511999999999"

type hookServer struct {
	*httptest.Server
	status atomic.Int32
	mu     sync.Mutex
	bodies []map[string]any
}

func newHookServer(t *testing.T) *hookServer {
	t.Helper()
	hs := &hookServer{}
	hs.status.Store(http.StatusOK)
	hs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var body map[string]any
		_ = json.Unmarshal(raw, &body)
		hs.mu.Lock()
		hs.bodies = append(hs.bodies, body)
		hs.mu.Unlock()
		w.WriteHeader(int(hs.status.Load()))
	}))
	t.Cleanup(hs.Close)
	return hs
}

func (hs *hookServer) received() []map[string]any {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	out := make([]map[string]any, len(hs.bodies))
	copy(out, hs.bodies)
	return out
}

type mockBus struct {
	mock.Mock
}

func (m *mockBus) Publish(ctx context.Context, ev eventbus.Event) error {
	return m.Called(ctx, ev).Error(0)
}

func (m *mockBus) Close() error { return nil }

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

type relayFixture struct {
	svc       *RelayService
	store     *database.SQLiteStore
	engine    *webhook.Engine
	hook      *hookServer
	hub       *stream.Hub
	uploadDir string
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newRelayFixture(t *testing.T, opts ...RelayOption) *relayFixture {
	t.Helper()
	ctx := context.Background()
	logger := quietLogger()

	store, err := database.NewSQLite(ctx, filepath.Join(t.TempDir(), "relay.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	hook := newHookServer(t)
	engine := webhook.NewEngine(webhook.Config{URL: hook.URL, Timeout: 2 * time.Second, MaxRetries: 2},
		webhook.WithSleep(noSleep), webhook.WithLogger(logger))
	t.Cleanup(func() { _ = engine.Close(context.Background()) })

	uploadDir := t.TempDir()
	blobs, err := attachment.NewLocalStore(uploadDir, attachment.WithStoreLogger(logger))
	require.NoError(t, err)

	hub := stream.NewHub(logger, 16)
	opts = append([]RelayOption{WithStream(hub), WithRelayLogger(logger)}, opts...)
	svc := NewRelayService(store, engine, attachment.NewResolver(blobs, logger), opts...)

	return &relayFixture{svc: svc, store: store, engine: engine, hook: hook, hub: hub, uploadDir: uploadDir}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		dir  models.Direction
		conv *models.Conversation
		want models.MessageKind
	}{
		{"inbound automation off", models.Inbound, &models.Conversation{AIActive: false}, models.KindLead},
		{"inbound automation on", models.Inbound, &models.Conversation{AIActive: true}, models.KindLead},
		{"outbound automation off", models.Outbound, &models.Conversation{AIActive: false}, models.KindUser},
		{"outbound automation on", models.Outbound, &models.Conversation{AIActive: true}, models.KindAI},
		{"outbound without conversation", models.Outbound, nil, models.KindUser},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.dir, tt.conv))
		})
	}
}

func TestRelay_EndToEndClassification(t *testing.T) {
	f := newRelayFixture(t)
	ctx := context.Background()

	added, err := f.svc.AddConversation(ctx, testPhone, "operator@example.com")
	require.NoError(t, err)
	require.True(t, added.Created)
	assert.True(t, added.WebhookSent)
	assert.False(t, added.Conversation.AIActive)

	first, err := f.svc.SendMessage(ctx, SendRequest{PhoneNumber: testPhone, Content: "hello", SentBy: "operator@example.com"})
	require.NoError(t, err)
	assert.Equal(t, models.KindUser, first.Message.Kind)
	assert.Equal(t, models.StatusDelivered, first.WebhookStatus)
	assert.True(t, first.WebhookSent)

	toggled, err := f.svc.ToggleAutomation(ctx, added.Conversation.ID, "operator@example.com")
	require.NoError(t, err)
	assert.True(t, toggled.Conversation.AIActive)
	assert.False(t, toggled.PreviousStatus)
	assert.True(t, toggled.WebhookSent)

	second, err := f.svc.SendMessage(ctx, SendRequest{PhoneNumber: testPhone, Content: "hi"})
	require.NoError(t, err)
	assert.Equal(t, models.KindAI, second.Message.Kind)

	inbound, err := f.svc.ReceiveMessage(ctx, ReceiveRequest{PhoneNumber: testPhone, Content: "reply"})
	require.NoError(t, err)
	assert.Equal(t, models.KindLead, inbound.Message.Kind)
	assert.False(t, inbound.ConversationCreated)

	msgs, err := f.svc.ListMessages(ctx, testPhone, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, []models.MessageKind{models.KindUser, models.KindAI, models.KindLead},
		[]models.MessageKind{msgs[0].Kind, msgs[1].Kind, msgs[2].Kind})

	bodies := f.hook.received()
	require.Len(t, bodies, 4, "inbound messages emit no webhook")
	assert.Equal(t, "phone_added", bodies[0]["event_type"])
	assert.Equal(t, "message", bodies[1]["event_type"])
	assert.Equal(t, "user", bodies[1]["message_type"])
	assert.Equal(t, "hello", bodies[1]["message"])
	assert.Equal(t, "operator@example.com", bodies[1]["sent_by"])
	assert.Equal(t, "ai_toggle", bodies[2]["event_type"])
	assert.Equal(t, false, bodies[2]["previous_status"])
	assert.Equal(t, true, bodies[2]["new_status"])
	assert.Equal(t, "ai", bodies[3]["message_type"])
	assert.Equal(t, true, bodies[3]["ai_active"])
	for _, b := range bodies {
		assert.Equal(t, testPhone, b["phone_number"])
		assert.NotEmpty(t, b["timestamp"])
	}
}

func TestRelay_SendMessageValidation(t *testing.T) {
	f := newRelayFixture(t)
	ctx := context.Background()

	_, err := f.svc.SendMessage(ctx, SendRequest{Content: "hello"})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeValidationFailed))

	_, err = f.svc.SendMessage(ctx, SendRequest{PhoneNumber: testPhone})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeValidationFailed))

	_, err = f.svc.SendMessage(ctx, SendRequest{PhoneNumber: "+5511000000000", Content: "hello"})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeNotFound))

	assert.Empty(t, f.hook.received())
}

func TestRelay_SendMessageWebhookFailureIsAccepted(t *testing.T) {
	f := newRelayFixture(t)
	ctx := context.Background()
	f.hook.status.Store(http.StatusInternalServerError)

	_, err := f.svc.AddConversation(ctx, testPhone, "")
	require.NoError(t, err)

	res, err := f.svc.SendMessage(ctx, SendRequest{PhoneNumber: testPhone, Content: "hello"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusRetrying, res.WebhookStatus)
	assert.True(t, res.WebhookSent)
	assert.NotZero(t, res.Message.ID)

	// phone_added, the inline send, then maxRetries+1 background attempts
	require.Eventually(t, func() bool {
		return len(f.hook.received()) == 5 && f.engine.InflightRetries() == 0
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, f.engine.Close(context.Background()))
	assert.Len(t, f.hook.received(), 5)
}

func TestRelay_SendMessageWithoutWebhook(t *testing.T) {
	f := newRelayFixture(t)
	ctx := context.Background()
	f.engine.SetEndpoint("", 0)

	_, err := f.svc.AddConversation(ctx, testPhone, "")
	require.NoError(t, err)
	res, err := f.svc.SendMessage(ctx, SendRequest{PhoneNumber: testPhone, Content: "hello"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusSkipped, res.WebhookStatus)
	assert.False(t, res.WebhookSent)
	assert.Empty(t, f.hook.received())
}

func TestRelay_SendMessageWithAttachment(t *testing.T) {
	f := newRelayFixture(t)
	ctx := context.Background()
	_, err := f.svc.AddConversation(ctx, testPhone, "")
	require.NoError(t, err)

	res, err := f.svc.SendMessage(ctx, SendRequest{
		PhoneNumber: testPhone,
		Attachment: models.RawAttachment{
			URL:  "/chat/uploads/abc.pdf",
			Type: "spreadsheet",
			Size: "2048",
		},
	})
	require.NoError(t, err)
	require.NotNil(t, res.Message.Attachment)
	assert.Equal(t, models.AttachmentFile, res.Message.Attachment.Type)
	assert.Equal(t, int64(2048), res.Message.Attachment.SizeBytes)
	assert.Equal(t, "attachment", res.Message.Attachment.Name)

	bodies := f.hook.received()
	last := bodies[len(bodies)-1]
	assert.Equal(t, "/chat/uploads/abc.pdf", last["attachment_url"])
	assert.Equal(t, "file", last["attachment_type"])
	assert.Equal(t, float64(2048), last["attachment_size"])
}

func TestRelay_ReceiveMessageCreatesConversation(t *testing.T) {
	f := newRelayFixture(t)
	ctx := context.Background()

	frames, unsubscribe := f.hub.Subscribe()
	defer unsubscribe()

	res, err := f.svc.ReceiveMessage(ctx, ReceiveRequest{PhoneNumber: testPhone, Content: "first contact"})
	require.NoError(t, err)
	assert.True(t, res.ConversationCreated)
	assert.Equal(t, models.KindLead, res.Message.Kind)
	assert.False(t, res.AttachmentDownloaded)
	assert.False(t, res.AttachmentWasLocal)

	conv, err := f.store.GetConversation(ctx, testPhone)
	require.NoError(t, err)
	require.NotNil(t, conv)
	assert.False(t, conv.AIActive)

	var types []string
	for i := 0; i < 2; i++ {
		select {
		case data := <-frames:
			var frame map[string]any
			require.NoError(t, json.Unmarshal(data, &frame))
			types = append(types, frame["type"].(string))
		case <-time.After(time.Second):
			t.Fatal("missing stream frame")
		}
	}
	assert.Equal(t, []string{"conversation", "message"}, types)
	assert.Empty(t, f.hook.received())
}

func TestRelay_ReceiveMessageLocalAttachment(t *testing.T) {
	f := newRelayFixture(t)
	ctx := context.Background()

	name := "0123abcd_20260101_120000.jpg"
	require.NoError(t, os.WriteFile(filepath.Join(f.uploadDir, name), make([]byte, 4096), 0600))

	res, err := f.svc.ReceiveMessage(ctx, ReceiveRequest{
		PhoneNumber: testPhone,
		Attachment:  models.RawAttachment{URL: "/chat/uploads/" + name, Size: 10},
		BaseURL:     "https://relay.example.com",
	})
	require.NoError(t, err)
	assert.True(t, res.AttachmentWasLocal)
	assert.False(t, res.AttachmentDownloaded)

	att := res.Message.Attachment
	require.NotNil(t, att)
	assert.Equal(t, int64(4096), att.SizeBytes)
	assert.Equal(t, models.AttachmentImage, att.Type)
	assert.Equal(t, "https://relay.example.com/chat/uploads/"+name, att.FullURL)
}

func TestRelay_ReceiveMessageValidation(t *testing.T) {
	f := newRelayFixture(t)
	ctx := context.Background()

	_, err := f.svc.ReceiveMessage(ctx, ReceiveRequest{Content: "x"})
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeValidationFailed))

	_, err = f.svc.ReceiveMessage(ctx, ReceiveRequest{PhoneNumber: testPhone})
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeValidationFailed))

	convs, err := f.svc.ListConversations(ctx)
	require.NoError(t, err)
	assert.Empty(t, convs)
}

func TestRelay_AddConversationExisting(t *testing.T) {
	f := newRelayFixture(t)
	ctx := context.Background()

	first, err := f.svc.AddConversation(ctx, testPhone, "")
	require.NoError(t, err)
	again, err := f.svc.AddConversation(ctx, testPhone, "")
	require.NoError(t, err)

	assert.False(t, again.Created)
	assert.False(t, again.WebhookSent)
	assert.Equal(t, first.Conversation.ID, again.Conversation.ID)
	assert.Len(t, f.hook.received(), 1)

	_, err = f.svc.AddConversation(ctx, "not a phone!", "")
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeValidationFailed))
}

func TestRelay_DeleteConversation(t *testing.T) {
	f := newRelayFixture(t)
	ctx := context.Background()

	added, err := f.svc.AddConversation(ctx, testPhone, "")
	require.NoError(t, err)
	for _, content := range []string{"a", "b"} {
		_, err := f.svc.SendMessage(ctx, SendRequest{PhoneNumber: testPhone, Content: content})
		require.NoError(t, err)
	}

	res, err := f.svc.DeleteConversation(ctx, added.Conversation.ID, "admin")
	require.NoError(t, err)
	assert.Equal(t, 2, res.MessagesDeleted)
	assert.Equal(t, testPhone, res.PhoneNumber)
	assert.True(t, res.WebhookSent)

	bodies := f.hook.received()
	last := bodies[len(bodies)-1]
	assert.Equal(t, "phone_deleted", last["event_type"])
	assert.Equal(t, float64(2), last["messages_deleted"])
	assert.Equal(t, "admin", last["deleted_by"])

	_, err = f.svc.DeleteConversation(ctx, added.Conversation.ID, "admin")
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeNotFound))

	msgs, err := f.svc.ListMessages(ctx, testPhone, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestRelay_ToggleUnknown(t *testing.T) {
	f := newRelayFixture(t)
	_, err := f.svc.ToggleAutomation(context.Background(), 4242, "")
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeNotFound))
	assert.Empty(t, f.hook.received())
}

func TestRelay_TestWebhook(t *testing.T) {
	f := newRelayFixture(t)

	outcome := f.svc.TestWebhook(context.Background(), "", "image", "operator")
	assert.Equal(t, models.OutcomeDelivered, outcome)

	bodies := f.hook.received()
	require.Len(t, bodies, 1)
	assert.Equal(t, true, bodies[0]["test_mode"])
	assert.Equal(t, "image", bodies[0]["attachment_type"])
	assert.Equal(t, webhook.ProbePhoneNumber, bodies[0]["phone_number"])
}

func TestRelay_MirrorsEventsToBus(t *testing.T) {
	bus := &mockBus{}
	bus.On("Publish", mock.Anything, mock.MatchedBy(func(ev eventbus.Event) bool {
		return ev.Type == "phone_added" && ev.PhoneNumber == testPhone
	})).Return(nil).Once()
	bus.On("Publish", mock.Anything, mock.MatchedBy(func(ev eventbus.Event) bool {
		return ev.Type == "message"
	})).Return(assert.AnError).Once()

	f := newRelayFixture(t, WithEventBus(bus))
	ctx := context.Background()

	_, err := f.svc.AddConversation(ctx, testPhone, "")
	require.NoError(t, err)

	res, err := f.svc.SendMessage(ctx, SendRequest{PhoneNumber: testPhone, Content: "hello"})
	require.NoError(t, err, "bus failures never fail a send")
	assert.Equal(t, models.StatusDelivered, res.WebhookStatus)

	bus.AssertExpectations(t)
}

func TestRelay_ListMessagesUnknownPhone(t *testing.T) {
	f := newRelayFixture(t)
	msgs, err := f.svc.ListMessages(context.Background(), "+5511000000000", 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}
