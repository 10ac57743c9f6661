package webhook

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	apperrors "chatrelay/internal/errors"
	"chatrelay/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildPayload_FlattensEventUnderEnvelope(t *testing.T) {
	at := time.Date(2024, 5, 1, 10, 30, 0, 0, time.UTC)

	payload, err := BuildPayload(EventAIToggle, "+5511888888888", AIToggleEvent{
		PreviousStatus: false,
		NewStatus:      true,
		PhoneID:        2,
		ChangedBy:      "ops@example.com",
	}, at)
	require.NoError(t, err)

	assert.Equal(t, "ai_toggle", payload["event_type"])
	assert.Equal(t, "+5511888888888", payload["phone_number"])
	assert.Equal(t, "2024-05-01T10:30:00Z", payload["timestamp"])
	assert.Equal(t, false, payload["previous_status"])
	assert.Equal(t, true, payload["new_status"])
	assert.Equal(t, float64(2), payload["phone_id"])
	assert.Equal(t, "ops@example.com", payload["changed_by"])
}

func TestBuildPayload_HeaderWinsOverFields(t *testing.T) {
	payload, err := BuildPayload(EventMessage, "+5511999999999", map[string]any{
		"event_type": "spoofed",
		"extra":      1,
	}, time.Now())
	require.NoError(t, err)

	assert.Equal(t, "message", payload["event_type"])
	assert.Equal(t, float64(1), payload["extra"])
}

func TestBuildPayload_RejectsUnserializable(t *testing.T) {
	_, err := BuildPayload(EventMessage, "+5511999999999", map[string]any{"bad": math.Inf(1)}, time.Now())
	assert.Error(t, err)

	_, err = BuildPayload(EventMessage, "+5511999999999", []int{1, 2}, time.Now())
	assert.Error(t, err)
}

func TestValidatePayload(t *testing.T) {
	valid := map[string]any{
		"event_type":   "message",
		"phone_number": "+5511999999999",
		"timestamp":    "2024-05-01T10:30:00Z",
	}

	body, err := ValidatePayload(valid)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(body, &decoded))
	assert.Equal(t, valid, decoded)

	tests := []struct {
		name   string
		mutate func(map[string]any)
		field  string
	}{
		{"missing phone", func(m map[string]any) { delete(m, "phone_number") }, "phone_number"},
		{"null timestamp", func(m map[string]any) { m["timestamp"] = nil }, "timestamp"},
		{"empty event type", func(m map[string]any) { m["event_type"] = "" }, "event_type"},
		{"short phone", func(m map[string]any) { m["phone_number"] = "+551199" }, "phone_number"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := map[string]any{}
			for k, v := range valid {
				p[k] = v
			}
			tt.mutate(p)

			_, err := ValidatePayload(p)
			require.Error(t, err)
			assert.True(t, apperrors.Is(err, apperrors.ErrCodeValidationFailed))
		})
	}
}

func TestNewMessageEvent_WithAttachment(t *testing.T) {
	msg := &models.Message{
		ID:      42,
		Content: "see file",
		Kind:    models.KindAI,
		Attachment: &models.Attachment{
			URL:       "/chat/uploads/a.pdf",
			FullURL:   "http://relay.test/chat/uploads/a.pdf",
			Name:      "a.pdf",
			Type:      models.AttachmentPDF,
			SizeBytes: 2048,
		},
	}

	ev := NewMessageEvent(msg, true, "bot")

	assert.Equal(t, EventMessage, ev.Type())
	assert.Equal(t, "ai", ev.MessageType)
	assert.True(t, ev.AIActive)
	require.NotNil(t, ev.AttachmentType)
	assert.Equal(t, "pdf", *ev.AttachmentType)
	require.NotNil(t, ev.AttachmentSize)
	assert.Equal(t, int64(2048), *ev.AttachmentSize)
	assert.Equal(t, "http://relay.test/chat/uploads/a.pdf", *ev.AttachmentFullURL)
}

func TestEventTypes(t *testing.T) {
	assert.Equal(t, EventAIToggle, AIToggleEvent{}.Type())
	assert.Equal(t, EventPhoneAdded, PhoneAddedEvent{}.Type())
	assert.Equal(t, EventPhoneDeleted, PhoneDeletedEvent{}.Type())
}
