package service

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"chatrelay/internal/attachment"
	"chatrelay/internal/constants"
	apperrors "chatrelay/internal/errors"
	"chatrelay/internal/eventbus"
	"chatrelay/internal/metrics"
	"chatrelay/internal/models"
	"chatrelay/internal/stream"
	"chatrelay/internal/tracing"
	"chatrelay/internal/validation"
	"chatrelay/internal/webhook"

	"github.com/sirupsen/logrus"
)

// ConversationStore is the persistence the relay needs.
type ConversationStore interface {
	GetConversation(ctx context.Context, number string) (*models.Conversation, error)
	GetConversationByID(ctx context.Context, id int64) (*models.Conversation, error)
	CreateConversation(ctx context.Context, number string) (*models.Conversation, bool, error)
	ListConversations(ctx context.Context) ([]models.Conversation, error)
	ToggleAutomation(ctx context.Context, id int64) (*models.Conversation, error)
	DeleteConversation(ctx context.Context, id int64) (bool, int, error)
	CreateMessage(ctx context.Context, conversationID int64, content string, kind models.MessageKind, att *models.Attachment) (*models.Message, error)
	RecordInbound(ctx context.Context, number, content string, att *models.Attachment) (*models.Conversation, *models.Message, bool, error)
	ListMessages(ctx context.Context, conversationID int64, limit int) ([]models.Message, error)
}

// Notifier delivers webhook events.
type Notifier interface {
	// Deliver makes exactly one attempt.
	Deliver(ctx context.Context, phoneNumber string, event webhook.Event) models.DeliveryOutcome
	// Notify makes one attempt and falls back to background retries.
	Notify(ctx context.Context, phoneNumber string, event webhook.Event) models.DeliveryStatus
}

// AttachmentResolver resolves inbound attachment metadata, fetching remote
// files when possible.
type AttachmentResolver interface {
	Resolve(ctx context.Context, raw models.RawAttachment, baseURL string) attachment.Result
}

// StreamPublisher pushes live updates to connected clients.
type StreamPublisher interface {
	PublishMessage(phone string, msg *models.Message)
	PublishConversation(action string, conv *models.Conversation)
}

// Classify returns the kind of a message created now for conv. Inbound is
// always a lead; outbound depends on the conversation's automation flag.
func Classify(dir models.Direction, conv *models.Conversation) models.MessageKind {
	if dir == models.Inbound {
		return models.KindLead
	}
	if conv != nil && conv.AIActive {
		return models.KindAI
	}
	return models.KindUser
}

type SendRequest struct {
	PhoneNumber string
	Content     string
	Attachment  models.RawAttachment
	SentBy      string
}

type SendResult struct {
	Message       *models.Message
	WebhookSent   bool
	WebhookStatus models.DeliveryStatus
}

type ReceiveRequest struct {
	PhoneNumber string
	Content     string
	Attachment  models.RawAttachment
	// BaseURL is the public origin used for full attachment urls.
	BaseURL string
}

type ReceiveResult struct {
	Message              *models.Message
	Conversation         *models.Conversation
	ConversationCreated  bool
	AttachmentDownloaded bool
	AttachmentWasLocal   bool
}

type ToggleResult struct {
	Conversation   *models.Conversation
	PreviousStatus bool
	WebhookSent    bool
}

type AddResult struct {
	Conversation *models.Conversation
	Created      bool
	WebhookSent  bool
}

type DeleteResult struct {
	PhoneNumber     string
	MessagesDeleted int
	WebhookSent     bool
}

// RelayOption configures a RelayService.
type RelayOption func(*RelayService)

func WithStream(s StreamPublisher) RelayOption {
	return func(r *RelayService) { r.stream = s }
}

func WithEventBus(p eventbus.Publisher) RelayOption {
	return func(r *RelayService) { r.bus = p }
}

func WithRelayLogger(logger logrus.FieldLogger) RelayOption {
	return func(r *RelayService) { r.logger = logger }
}

func WithRelayClock(now func() time.Time) RelayOption {
	return func(r *RelayService) { r.now = now }
}

// RelayService classifies, stores and announces chat messages and
// conversation changes.
type RelayService struct {
	store    ConversationStore
	notifier Notifier
	resolver AttachmentResolver
	stream   StreamPublisher
	bus      eventbus.Publisher
	logger   logrus.FieldLogger
	now      func() time.Time
}

func NewRelayService(store ConversationStore, notifier Notifier, resolver AttachmentResolver, opts ...RelayOption) *RelayService {
	r := &RelayService{
		store:    store,
		notifier: notifier,
		resolver: resolver,
		bus:      eventbus.Nop{},
		logger:   logrus.StandardLogger(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ListConversations returns every conversation, newest first.
func (r *RelayService) ListConversations(ctx context.Context) ([]models.Conversation, error) {
	convs, err := r.store.ListConversations(ctx)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list conversations", err)
	}
	return convs, nil
}

// ListMessages returns up to limit messages of phone, oldest first. An
// unknown phone has no messages.
func (r *RelayService) ListMessages(ctx context.Context, phone string, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = constants.DefaultMessageListLimit
	}
	if limit > constants.MaxMessageListLimit {
		limit = constants.MaxMessageListLimit
	}

	conv, err := r.store.GetConversation(ctx, strings.TrimSpace(phone))
	if err != nil {
		return nil, apperrors.NewDatabaseError("get conversation", err)
	}
	if conv == nil {
		return []models.Message{}, nil
	}
	msgs, err := r.store.ListMessages(ctx, conv.ID, limit)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list messages", err)
	}
	return msgs, nil
}

// SendMessage stores an outbound message for an existing conversation and
// notifies the webhook. The webhook outcome never fails the send.
func (r *RelayService) SendMessage(ctx context.Context, req SendRequest) (*SendResult, error) {
	ctx, span := tracing.StartSpan(ctx, "relay.send_message")
	defer span.End()

	phone := strings.TrimSpace(req.PhoneNumber)
	if phone == "" {
		return nil, apperrors.NewValidationError("phone_number", "Phone number is required")
	}
	if req.Content == "" && req.Attachment.Empty() {
		return nil, apperrors.NewValidationError("content", "Content or attachment is required")
	}

	conv, err := r.store.GetConversation(ctx, phone)
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, apperrors.NewDatabaseError("get conversation", err)
	}
	if conv == nil {
		return nil, apperrors.NewNotFoundError("phone number", phone)
	}

	kind := Classify(models.Outbound, conv)
	att := attachment.Normalize(req.Attachment)

	msg, err := r.store.CreateMessage(ctx, conv.ID, req.Content, kind, att)
	if err != nil {
		tracing.RecordError(ctx, err)
		if apperrors.Is(err, apperrors.ErrCodeValidationFailed) {
			return nil, err
		}
		return nil, apperrors.NewDatabaseError("create message", err)
	}

	logger := r.logger.WithFields(logrus.Fields{
		LogFieldPhone:     LogPhone(ctx, phone),
		LogFieldMessageID: msg.ID,
		LogFieldDirection: models.Outbound.String(),
	})
	LogMessageStored(ctx, logger, phone, msg)
	metrics.IncrementCounter("messages_stored_total", map[string]string{"type": string(kind)}, "Stored chat messages")

	r.publishMessage(phone, msg)

	event := webhook.NewMessageEvent(msg, conv.AIActive, req.SentBy)
	status := r.notifier.Notify(ctx, phone, event)
	r.mirror(ctx, phone, event)

	logger.WithFields(logrus.Fields{
		LogFieldMessageKind: kind,
		LogFieldStatus:      status,
	}).Info("Outbound message relayed")

	return &SendResult{
		Message:       msg,
		WebhookSent:   status.Accepted(),
		WebhookStatus: status,
	}, nil
}

// ReceiveMessage stores an inbound lead message, creating the conversation
// on first contact. No webhook is emitted.
func (r *RelayService) ReceiveMessage(ctx context.Context, req ReceiveRequest) (*ReceiveResult, error) {
	ctx, span := tracing.StartSpan(ctx, "relay.receive_message")
	defer span.End()

	phone := strings.TrimSpace(req.PhoneNumber)
	if phone == "" {
		return nil, apperrors.NewValidationError("phone_number", "Phone number is required")
	}
	if req.Content == "" && req.Attachment.Empty() {
		return nil, apperrors.NewValidationError("message", "Content or attachment is required")
	}

	var res attachment.Result
	if !req.Attachment.Empty() {
		if r.resolver != nil {
			res = r.resolver.Resolve(ctx, req.Attachment, req.BaseURL)
		} else {
			res = attachment.Result{Attachment: attachment.Normalize(req.Attachment)}
		}
	}

	conv, msg, created, err := r.store.RecordInbound(ctx, phone, req.Content, res.Attachment)
	if err != nil {
		tracing.RecordError(ctx, err)
		if apperrors.Is(err, apperrors.ErrCodeValidationFailed) {
			return nil, err
		}
		return nil, apperrors.NewDatabaseError("record inbound message", err)
	}

	logger := r.logger.WithFields(logrus.Fields{
		LogFieldPhone:     LogPhone(ctx, phone),
		LogFieldMessageID: msg.ID,
		LogFieldDirection: models.Inbound.String(),
	})
	if created {
		logger.Info("Conversation created from inbound message")
		metrics.IncrementCounter("conversations_created_total", map[string]string{"source": "inbound"}, "Conversations created")
		r.publishConversation(stream.ActionCreated, conv)
	}
	LogMessageStored(ctx, logger, phone, msg)
	metrics.IncrementCounter("messages_stored_total", map[string]string{"type": string(msg.Kind)}, "Stored chat messages")

	r.publishMessage(phone, msg)
	r.mirrorRaw(ctx, "message_received", phone, msg)

	return &ReceiveResult{
		Message:              msg,
		Conversation:         conv,
		ConversationCreated:  created,
		AttachmentDownloaded: res.Downloaded,
		AttachmentWasLocal:   res.Local,
	}, nil
}

// ToggleAutomation flips the conversation's automation flag and makes one
// webhook attempt.
func (r *RelayService) ToggleAutomation(ctx context.Context, id int64, changedBy string) (*ToggleResult, error) {
	conv, err := r.store.ToggleAutomation(ctx, id)
	if err != nil {
		return nil, apperrors.NewDatabaseError("toggle automation", err)
	}
	if conv == nil {
		return nil, apperrors.NewNotFoundError("phone number", "")
	}

	r.logger.WithFields(logrus.Fields{
		LogFieldConversationID: conv.ID,
		LogFieldPhone:          LogPhone(ctx, conv.Number),
		"ai_active":            conv.AIActive,
	}).Info("Automation toggled")
	r.publishConversation(stream.ActionToggled, conv)

	event := webhook.AIToggleEvent{
		PreviousStatus: !conv.AIActive,
		NewStatus:      conv.AIActive,
		PhoneID:        conv.ID,
		ChangedBy:      changedBy,
	}
	outcome := r.notifier.Deliver(ctx, conv.Number, event)
	r.mirror(ctx, conv.Number, event)

	return &ToggleResult{
		Conversation:   conv,
		PreviousStatus: !conv.AIActive,
		WebhookSent:    outcome == models.OutcomeDelivered,
	}, nil
}

// AddConversation creates the conversation for number. Adding an existing
// number returns it without announcing anything.
func (r *RelayService) AddConversation(ctx context.Context, number, addedBy string) (*AddResult, error) {
	number = strings.TrimSpace(number)
	if number == "" {
		return nil, apperrors.NewValidationError("number", "Phone number is required")
	}
	if err := validation.ValidatePhoneNumber(number); err != nil {
		return nil, apperrors.NewValidationError("number", err.Error())
	}

	conv, created, err := r.store.CreateConversation(ctx, number)
	if err != nil {
		return nil, apperrors.NewDatabaseError("create conversation", err)
	}
	if !created {
		return &AddResult{Conversation: conv}, nil
	}

	r.logger.WithFields(logrus.Fields{
		LogFieldConversationID: conv.ID,
		LogFieldPhone:          LogPhone(ctx, number),
	}).Info("Conversation added")
	metrics.IncrementCounter("conversations_created_total", map[string]string{"source": "operator"}, "Conversations created")
	r.publishConversation(stream.ActionCreated, conv)

	event := webhook.PhoneAddedEvent{PhoneID: conv.ID, AIActive: conv.AIActive, AddedBy: addedBy}
	outcome := r.notifier.Deliver(ctx, number, event)
	r.mirror(ctx, number, event)

	return &AddResult{Conversation: conv, Created: true, WebhookSent: outcome == models.OutcomeDelivered}, nil
}

// DeleteConversation removes the conversation and its messages and makes
// one webhook attempt.
func (r *RelayService) DeleteConversation(ctx context.Context, id int64, deletedBy string) (*DeleteResult, error) {
	conv, err := r.store.GetConversationByID(ctx, id)
	if err != nil {
		return nil, apperrors.NewDatabaseError("get conversation", err)
	}
	if conv == nil {
		return nil, apperrors.NewNotFoundError("phone number", "")
	}

	deleted, count, err := r.store.DeleteConversation(ctx, id)
	if err != nil {
		return nil, apperrors.NewDatabaseError("delete conversation", err)
	}
	if !deleted {
		return nil, apperrors.NewNotFoundError("phone number", "")
	}

	r.logger.WithFields(logrus.Fields{
		LogFieldConversationID: id,
		LogFieldPhone:          LogPhone(ctx, conv.Number),
		LogFieldCount:          count,
	}).Info("Conversation deleted")
	r.publishConversation(stream.ActionDeleted, conv)

	event := webhook.PhoneDeletedEvent{PhoneID: id, DeletedBy: deletedBy, MessagesDeleted: int64(count)}
	outcome := r.notifier.Deliver(ctx, conv.Number, event)
	r.mirror(ctx, conv.Number, event)

	return &DeleteResult{
		PhoneNumber:     conv.Number,
		MessagesDeleted: count,
		WebhookSent:     outcome == models.OutcomeDelivered,
	}, nil
}

// TestWebhook sends a synthetic message event flagged test_mode.
func (r *RelayService) TestWebhook(ctx context.Context, phone, attachmentType, sentBy string) models.DeliveryOutcome {
	if strings.TrimSpace(phone) == "" {
		phone = webhook.ProbePhoneNumber
	}
	if attachmentType == "" {
		attachmentType = "test"
	}
	url, fullURL, name := "/test/file.jpg", "http://localhost/test/file.jpg", "test_file.jpg"
	size := int64(12345)
	event := webhook.MessageEvent{
		Message:           "Test webhook message",
		MessageType:       string(models.KindUser),
		AttachmentURL:     &url,
		AttachmentFullURL: &fullURL,
		AttachmentName:    &name,
		AttachmentType:    &attachmentType,
		AttachmentSize:    &size,
		MessageID:         999999,
		SentBy:            sentBy,
		TestMode:          true,
	}
	return r.notifier.Deliver(ctx, phone, event)
}

func (r *RelayService) publishMessage(phone string, msg *models.Message) {
	if r.stream != nil {
		r.stream.PublishMessage(phone, msg)
	}
}

func (r *RelayService) publishConversation(action string, conv *models.Conversation) {
	if r.stream != nil {
		r.stream.PublishConversation(action, conv)
	}
}

func (r *RelayService) mirror(ctx context.Context, phone string, event webhook.Event) {
	r.mirrorRaw(ctx, string(event.Type()), phone, event)
}

// mirrorRaw copies an event onto the bus. Bus failures are logged only.
func (r *RelayService) mirrorRaw(ctx context.Context, eventType, phone string, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		r.logger.WithError(err).Warn("Failed to encode bus event")
		return
	}
	ev := eventbus.NewEvent(eventType, phone, body, r.now())
	ev.RequestID = tracing.GetRequestID(ctx)
	if err := r.bus.Publish(ctx, ev); err != nil {
		metrics.IncrementCounter("eventbus_publish_errors_total", map[string]string{"event_type": eventType}, "Events that failed to reach the bus")
		r.logger.WithFields(logrus.Fields{
			LogFieldEventType: eventType,
			"error":           err.Error(),
		}).Warn("Failed to publish event to bus")
	}
}
