package integration_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path"
	"strings"
	"testing"
	"time"

	"chatrelay/internal/models"
	"chatrelay/internal/security"
	"chatrelay/internal/service"
	"chatrelay/internal/stream"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const leadPhone = "+5511999999999"

func dialStream(t *testing.T, env *TestEnvironment) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(env.HubServer.URL, "http")
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })

	require.Eventually(t, func() bool { return env.Hub.Count() == 1 }, 2*time.Second, 10*time.Millisecond)
	return conn
}

// readFrame returns the next frame of the wanted type, skipping others.
func readFrame(t *testing.T, conn *websocket.Conn, frameType string) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	for {
		_, data, err := conn.Read(ctx)
		require.NoError(t, err)
		var frame map[string]any
		require.NoError(t, json.Unmarshal(data, &frame))
		if frame["type"] == frameType {
			return frame
		}
	}
}

func TestOutboundMessageFlow(t *testing.T) {
	env := NewTestEnvironment(t)
	ctx := context.Background()
	conn := dialStream(t, env)

	added, err := env.Relay.AddConversation(ctx, leadPhone, "ops@example.com")
	require.NoError(t, err)
	assert.True(t, added.Created)
	assert.True(t, added.WebhookSent)

	convFrame := readFrame(t, conn, stream.FrameConversation)
	assert.Equal(t, stream.ActionCreated, convFrame["action"])

	res, err := env.Relay.SendMessage(ctx, service.SendRequest{
		PhoneNumber: leadPhone,
		Content:     "Hello from the desk",
		SentBy:      "ops@example.com",
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusDelivered, res.WebhookStatus)
	assert.Equal(t, models.KindUser, res.Message.Kind)

	msgFrame := readFrame(t, conn, stream.FrameMessage)
	assert.Equal(t, leadPhone, msgFrame["phone_number"])
	assert.Equal(t, "Hello from the desk", msgFrame["message"].(map[string]any)["content"])

	events := env.Receiver.Events()
	require.Len(t, events, 2)
	assert.Equal(t, "phone_added", events[0].Payload["event_type"])
	assert.Equal(t, "ops@example.com", events[0].Payload["added_by"])

	msg := events[1]
	assert.Equal(t, "message", msg.Payload["event_type"])
	assert.Equal(t, leadPhone, msg.Payload["phone_number"])
	assert.Equal(t, "Hello from the desk", msg.Payload["message"])
	assert.Equal(t, "user", msg.Payload["message_type"])
	assert.Equal(t, false, msg.Payload["ai_active"])
	assert.Nil(t, msg.Payload["attachment_url"])
	assert.NotEmpty(t, msg.Payload["timestamp"])
	assert.Equal(t, security.Sign(testWebhookSecret, msg.Body), msg.Header.Get(security.SignatureHeader))

	stored, err := env.Relay.ListMessages(ctx, leadPhone, 10)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "Hello from the desk", stored[0].Content, "content is decrypted on read")

	recent, err := env.DeliveryLog.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	for _, rec := range recent {
		assert.Equal(t, models.OutcomeDelivered, rec.Outcome)
	}
}

func TestAutomationToggleAndDeleteEvents(t *testing.T) {
	env := NewTestEnvironment(t)
	ctx := context.Background()

	added, err := env.Relay.AddConversation(ctx, leadPhone, "ops")
	require.NoError(t, err)

	toggled, err := env.Relay.ToggleAutomation(ctx, added.Conversation.ID, "ops")
	require.NoError(t, err)
	assert.False(t, toggled.PreviousStatus)
	assert.True(t, toggled.Conversation.AIActive)

	res, err := env.Relay.SendMessage(ctx, service.SendRequest{PhoneNumber: leadPhone, Content: "Automated reply", SentBy: "bot"})
	require.NoError(t, err)
	assert.Equal(t, models.KindAI, res.Message.Kind)

	deleted, err := env.Relay.DeleteConversation(ctx, added.Conversation.ID, "ops")
	require.NoError(t, err)
	assert.Equal(t, 1, deleted.MessagesDeleted)

	events := env.Receiver.Events()
	require.Len(t, events, 4)
	types := make([]any, 0, len(events))
	for _, ev := range events {
		types = append(types, ev.Payload["event_type"])
	}
	assert.Equal(t, []any{"phone_added", "ai_toggle", "message", "phone_deleted"}, types)

	assert.Equal(t, false, events[1].Payload["previous_status"])
	assert.Equal(t, true, events[1].Payload["new_status"])
	assert.Equal(t, "ai", events[2].Payload["message_type"])
	assert.Equal(t, true, events[2].Payload["ai_active"])
	assert.Equal(t, float64(1), events[3].Payload["messages_deleted"])

	convs, err := env.Relay.ListConversations(ctx)
	require.NoError(t, err)
	assert.Empty(t, convs)
}

func pngBytes() []byte {
	return append([]byte("\x89PNG\r\n\x1a\n"), bytes.Repeat([]byte{0}, 256)...)
}

func TestInboundMessageWithRemoteAttachment(t *testing.T) {
	env := NewTestEnvironment(t)
	ctx := context.Background()
	content := pngBytes()

	files := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/files/photo.png" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(content)
	}))
	defer files.Close()

	res, err := env.Relay.ReceiveMessage(ctx, service.ReceiveRequest{
		PhoneNumber: leadPhone,
		Content:     "see attached",
		Attachment:  models.RawAttachment{URL: files.URL + "/files/photo.png", Type: "image"},
		BaseURL:     testBaseURL,
	})
	require.NoError(t, err)
	assert.True(t, res.ConversationCreated)
	assert.True(t, res.AttachmentDownloaded)
	assert.False(t, res.AttachmentWasLocal)
	assert.Equal(t, models.KindLead, res.Message.Kind)

	att := res.Message.Attachment
	require.NotNil(t, att)
	assert.True(t, strings.HasPrefix(att.URL, "/chat/uploads/"))
	assert.Equal(t, testBaseURL+att.URL, att.FullURL)
	assert.Equal(t, models.AttachmentType("image"), att.Type)

	size, ok := env.Blobs.Size(path.Base(att.URL))
	require.True(t, ok)
	assert.Equal(t, int64(len(content)), size)

	assert.Zero(t, env.Receiver.Count(), "inbound messages emit no webhook")

	again, err := env.Relay.ReceiveMessage(ctx, service.ReceiveRequest{PhoneNumber: leadPhone, Content: "second"})
	require.NoError(t, err)
	assert.False(t, again.ConversationCreated)
}

func TestInboundAttachmentDownloadFailureKeepsRemoteReference(t *testing.T) {
	env := NewTestEnvironment(t)
	files := httptest.NewServer(http.NotFoundHandler())
	defer files.Close()

	remote := files.URL + "/files/missing.pdf"
	res, err := env.Relay.ReceiveMessage(context.Background(), service.ReceiveRequest{
		PhoneNumber: leadPhone,
		Attachment:  models.RawAttachment{URL: remote, Type: "document", Name: "contract.pdf"},
		BaseURL:     testBaseURL,
	})
	require.NoError(t, err)
	assert.False(t, res.AttachmentDownloaded)
	require.NotNil(t, res.Message.Attachment)
	assert.Equal(t, remote, res.Message.Attachment.URL)
	assert.Equal(t, "contract.pdf", res.Message.Attachment.Name)
}

func TestRetryAfterTransientFailure(t *testing.T) {
	env := NewTestEnvironment(t)
	ctx := context.Background()

	_, _, err := env.Store.CreateConversation(ctx, leadPhone)
	require.NoError(t, err)

	env.Receiver.FailNext(1)
	res, err := env.Relay.SendMessage(ctx, service.SendRequest{PhoneNumber: leadPhone, Content: "retry me", SentBy: "ops"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusRetrying, res.WebhookStatus)
	assert.True(t, res.WebhookSent)

	require.Eventually(t, func() bool {
		return env.Receiver.Count() == 2 && env.Engine.InflightRetries() == 0
	}, 5*time.Second, 10*time.Millisecond)

	recent, err := env.DeliveryLog.Recent(ctx, 10)
	require.NoError(t, err)
	outcomes := map[models.DeliveryOutcome]int{}
	for _, rec := range recent {
		outcomes[rec.Outcome]++
	}
	assert.Equal(t, 1, outcomes[models.OutcomeFailed])
	assert.Equal(t, 1, outcomes[models.OutcomeDelivered])
	assert.False(t, env.Breaker.IsOpen())
}

func TestCircuitBreakerOpensAndResets(t *testing.T) {
	env := NewTestEnvironment(t)
	ctx := context.Background()
	env.Receiver.SetStatus(http.StatusInternalServerError)

	for i := 0; i < testMaxFailures; i++ {
		assert.Equal(t, models.OutcomeFailed, env.Relay.TestWebhook(ctx, leadPhone, "image", "ops"))
	}
	require.True(t, env.Breaker.IsOpen())

	assert.Equal(t, models.OutcomeCircuitOpen, env.Relay.TestWebhook(ctx, leadPhone, "image", "ops"))
	assert.Equal(t, testMaxFailures, env.Receiver.Count(), "an open circuit makes no request")

	status := env.Engine.Status()
	assert.True(t, status.CircuitBroken)
	assert.Equal(t, testMaxFailures, status.FailureCount)

	env.Engine.ResetCircuit()
	env.Receiver.SetStatus(http.StatusOK)
	assert.Equal(t, models.OutcomeDelivered, env.Relay.TestWebhook(ctx, "", "document", "ops"))

	last := env.Receiver.Events()[testMaxFailures]
	assert.Equal(t, true, last.Payload["test_mode"])
	assert.Equal(t, "document", last.Payload["attachment_type"])
	assert.Equal(t, "+5511999999999", last.Payload["phone_number"])
}
