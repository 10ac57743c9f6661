package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"chatrelay/internal/constants"
	"chatrelay/internal/metrics"
	"chatrelay/internal/models"

	"github.com/coder/websocket"
	"github.com/sirupsen/logrus"
)

const writeTimeout = 10 * time.Second

// Frame types pushed to subscribers.
const (
	FrameMessage      = "message"
	FrameConversation = "conversation"
)

// Conversation actions.
const (
	ActionCreated = "created"
	ActionToggled = "toggled"
	ActionDeleted = "deleted"
)

type MessageFrame struct {
	Type        string          `json:"type"`
	PhoneNumber string          `json:"phone_number"`
	Message     *models.Message `json:"message"`
}

type ConversationFrame struct {
	Type         string               `json:"type"`
	Action       string               `json:"action"`
	Conversation *models.Conversation `json:"conversation"`
}

type subscriber struct {
	frames chan []byte
}

// Hub fans out relay activity to websocket subscribers. Slow subscribers
// lose frames instead of blocking publishers.
type Hub struct {
	mu     sync.RWMutex
	subs   map[*subscriber]struct{}
	buffer int
	logger logrus.FieldLogger
}

func NewHub(logger logrus.FieldLogger, buffer int) *Hub {
	if buffer <= 0 {
		buffer = constants.DefaultStreamSubscriberBuffer
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Hub{
		subs:   make(map[*subscriber]struct{}),
		buffer: buffer,
		logger: logger,
	}
}

// Subscribe registers a new subscriber. The returned func unregisters it.
func (h *Hub) Subscribe() (<-chan []byte, func()) {
	sub := &subscriber{frames: make(chan []byte, h.buffer)}

	h.mu.Lock()
	h.subs[sub] = struct{}{}
	count := len(h.subs)
	h.mu.Unlock()
	metrics.SetGauge("stream_subscribers", float64(count), nil, "Connected stream subscribers")

	var once sync.Once
	return sub.frames, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, sub)
			count := len(h.subs)
			h.mu.Unlock()
			metrics.SetGauge("stream_subscribers", float64(count), nil, "Connected stream subscribers")
		})
	}
}

// Count returns the number of connected subscribers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) PublishMessage(phone string, msg *models.Message) {
	if msg == nil {
		return
	}
	h.broadcast(MessageFrame{Type: FrameMessage, PhoneNumber: phone, Message: msg})
}

func (h *Hub) PublishConversation(action string, conv *models.Conversation) {
	if conv == nil {
		return
	}
	h.broadcast(ConversationFrame{Type: FrameConversation, Action: action, Conversation: conv})
}

func (h *Hub) broadcast(frame any) {
	data, err := json.Marshal(frame)
	if err != nil {
		h.logger.WithError(err).Error("Failed to encode stream frame")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs {
		select {
		case sub.frames <- data:
		default:
			metrics.IncrementCounter("stream_frames_dropped_total", nil, "Frames dropped for slow stream subscribers")
		}
	}
}

// ServeHTTP upgrades the request and streams frames until the client goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Warn("Stream upgrade failed")
		return
	}
	defer func() { _ = conn.CloseNow() }()

	frames, unsubscribe := h.Subscribe()
	defer unsubscribe()

	// Client frames are ignored; CloseRead cancels ctx when the peer disconnects.
	ctx := conn.CloseRead(r.Context())
	h.logger.Debug("Stream subscriber connected")

	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("Stream subscriber disconnected")
			return
		case data := <-frames:
			if err := h.write(ctx, conn, data); err != nil {
				h.logger.WithError(err).Debug("Stream write failed")
				return
			}
		}
	}
}

func (h *Hub) write(ctx context.Context, conn *websocket.Conn, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}
