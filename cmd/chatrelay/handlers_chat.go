package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"chatrelay/internal/attachment"
	"chatrelay/internal/constants"
	apperrors "chatrelay/internal/errors"
	"chatrelay/internal/httputil"
	"chatrelay/internal/models"
	"chatrelay/internal/service"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

type sendMessageRequest struct {
	PhoneNumber string `json:"phone_number"`
	Content     string `json:"content"`
	models.RawAttachment
}

type receiveMessageRequest struct {
	PhoneNumber string `json:"phone_number"`
	Message     string `json:"message"`
	Content     string `json:"content"`
	models.RawAttachment
}

type testWebhookRequest struct {
	PhoneNumber    string `json:"phone_number"`
	AttachmentType string `json:"attachment_type"`
}

func (s *Server) handleListPhones() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		convs, err := s.deps.Relay.ListConversations(r.Context())
		if err != nil {
			s.writeError(w, r, err, "Failed to list phone numbers")
			return
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]any{"success": true, "phones": convs})
	}
}

func (s *Server) handleListMessages() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := constants.DefaultMessageListLimit
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				s.writeError(w, r, apperrors.NewValidationError("limit", "limit must be a positive integer"), "Invalid message list request")
				return
			}
			limit = n
		}

		msgs, err := s.deps.Relay.ListMessages(r.Context(), mux.Vars(r)["phone"], limit)
		if err != nil {
			s.writeError(w, r, err, "Failed to list messages")
			return
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]any{"success": true, "messages": msgs})
	}
}

func (s *Server) handleSendMessage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req sendMessageRequest
		if err := httputil.DecodeJSON(r, maxJSONBodyBytes, &req); err != nil {
			writeDecodeFailure(w, err)
			return
		}

		res, err := s.deps.Relay.SendMessage(r.Context(), service.SendRequest{
			PhoneNumber: req.PhoneNumber,
			Content:     req.Content,
			Attachment:  req.RawAttachment,
			SentBy:      operator(r),
		})
		if err != nil {
			s.writeError(w, r, err, "Failed to send message")
			return
		}

		httputil.WriteJSON(w, http.StatusOK, map[string]any{
			"success":        true,
			"message":        res.Message,
			"webhook_sent":   res.WebhookSent,
			"webhook_status": res.WebhookStatus,
		})
	}
}

func (s *Server) handleReceiveMessage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := readSignedBody(r, s.cfg.Inbound.Secret, maxJSONBodyBytes)
		if err != nil {
			if !apperrors.Is(err, apperrors.ErrCodeTooLarge) {
				err = apperrors.NewAuthError(err.Error())
			}
			s.writeError(w, r, err, "Inbound message rejected")
			return
		}

		var req receiveMessageRequest
		if err := json.Unmarshal(body, &req); err != nil {
			writeFailure(w, http.StatusBadRequest, "Invalid JSON body")
			return
		}
		content := req.Message
		if content == "" {
			content = req.Content
		}

		res, err := s.deps.Relay.ReceiveMessage(r.Context(), service.ReceiveRequest{
			PhoneNumber: req.PhoneNumber,
			Content:     content,
			Attachment:  req.RawAttachment,
			BaseURL:     s.baseURL(r),
		})
		if err != nil {
			s.writeError(w, r, err, "Failed to receive message")
			return
		}

		httputil.WriteJSON(w, http.StatusOK, map[string]any{
			"success":               true,
			"message":               res.Message,
			"conversation_created":  res.ConversationCreated,
			"attachment_downloaded": res.AttachmentDownloaded,
			"attachment_was_local":  res.AttachmentWasLocal,
		})
	}
}

func (s *Server) handleToggleAI() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
		if err != nil {
			writeFailure(w, http.StatusBadRequest, "Invalid phone id")
			return
		}

		res, err := s.deps.Relay.ToggleAutomation(r.Context(), id, operator(r))
		if err != nil {
			s.writeError(w, r, err, "Failed to toggle automation")
			return
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]any{
			"success":      true,
			"message":      "AI status changed",
			"webhook_sent": res.WebhookSent,
			"new_status":   res.Conversation.AIActive,
		})
	}
}

func (s *Server) handleAddPhone() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Number string `json:"number"`
		}
		if err := httputil.DecodeJSON(r, maxJSONBodyBytes, &req); err != nil {
			writeDecodeFailure(w, err)
			return
		}

		res, err := s.deps.Relay.AddConversation(r.Context(), req.Number, operator(r))
		if err != nil {
			s.writeError(w, r, err, "Failed to add phone number")
			return
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]any{
			"success":      true,
			"phone":        res.Conversation,
			"created":      res.Created,
			"webhook_sent": res.WebhookSent,
		})
	}
}

func (s *Server) handleDeletePhone() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
		if err != nil {
			writeFailure(w, http.StatusBadRequest, "Invalid phone id")
			return
		}
		s.deletePhone(w, r, id)
	}
}

func (s *Server) handleDeletePhonePost() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			PhoneID json.Number `json:"phone_id"`
		}
		if err := httputil.DecodeJSON(r, maxJSONBodyBytes, &req); err != nil {
			writeDecodeFailure(w, err)
			return
		}
		if req.PhoneID == "" {
			writeFailure(w, http.StatusBadRequest, "phone_id is required")
			return
		}
		id, err := req.PhoneID.Int64()
		if err != nil || id <= 0 {
			writeFailure(w, http.StatusBadRequest, "Invalid phone id")
			return
		}
		s.deletePhone(w, r, id)
	}
}

func (s *Server) deletePhone(w http.ResponseWriter, r *http.Request, id int64) {
	res, err := s.deps.Relay.DeleteConversation(r.Context(), id, operator(r))
	if err != nil {
		s.writeError(w, r, err, "Failed to delete phone number")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"success":          true,
		"message":          "Phone number deleted",
		"messages_deleted": res.MessagesDeleted,
		"webhook_sent":     res.WebhookSent,
	})
}

func (s *Server) handleUploadAttachment() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		maxBytes := s.deps.Blobs.MaxBytes()
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes+maxJSONBodyBytes)

		if err := r.ParseMultipartForm(constants.BytesPerMegabyte * 8); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				s.writeError(w, r, apperrors.NewTooLargeError(r.ContentLength, maxBytes), "Upload rejected")
				return
			}
			writeFailure(w, http.StatusBadRequest, "Invalid multipart form")
			return
		}
		defer func() { _ = r.MultipartForm.RemoveAll() }()

		file, header, err := r.FormFile("file")
		if err != nil {
			writeFailure(w, http.StatusBadRequest, "No file uploaded")
			return
		}
		defer file.Close()

		name := attachment.SanitizeFilename(header.Filename)
		if name == "" {
			writeFailure(w, http.StatusBadRequest, "No file selected")
			return
		}
		phone := strings.TrimSpace(r.FormValue("phone_number"))
		if phone == "" {
			writeFailure(w, http.StatusBadRequest, "Phone number is required")
			return
		}
		if header.Size > maxBytes {
			s.writeError(w, r, apperrors.NewTooLargeError(header.Size, maxBytes), "Upload rejected")
			return
		}
		if !attachment.IsAllowedFilename(name) {
			writeFailure(w, http.StatusBadRequest, "File type not allowed")
			return
		}

		head := make([]byte, constants.MimeDetectionBufferSize)
		n, err := io.ReadFull(file, head)
		if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
			s.writeError(w, r, apperrors.NewAttachmentError("read upload", err), "Upload failed")
			return
		}
		head = head[:n]

		stored, err := s.deps.Blobs.Save(io.MultiReader(bytes.NewReader(head), file), name, s.baseURL(r))
		if err != nil {
			s.writeError(w, r, err, "Upload failed")
			return
		}

		att := models.Attachment{
			URL:       stored.URL,
			FullURL:   stored.FullURL,
			Name:      name,
			Type:      models.AttachmentType(attachment.TypeForFilename(name)),
			SizeBytes: stored.SizeBytes,
		}
		s.logger.WithFields(logrus.Fields{
			"file_name": stored.FileName,
			"size":      stored.SizeBytes,
			"type":      att.Type,
		}).Info("Attachment uploaded")

		httputil.WriteJSON(w, http.StatusOK, map[string]any{
			"success":    true,
			"attachment": att,
			"mime_type":  attachment.MimeTypeFor(name, head),
		})
	}
}

func (s *Server) handleServeUpload() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := mux.Vars(r)["filename"]
		f, info, err := s.deps.Blobs.Open(name)
		if err != nil {
			if !apperrors.Is(err, apperrors.ErrCodeNotFound) {
				apperrors.LogError(s.logger, err, "Failed to open upload")
			}
			http.Error(w, "File not found", http.StatusNotFound)
			return
		}
		defer f.Close()

		w.Header().Set("Content-Type", attachment.MimeTypeFor(name, nil))
		http.ServeContent(w, r, info.Name(), info.ModTime(), f)
	}
}

func (s *Server) handleWebhookStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := s.deps.Engine.Status()

		var sinceLastFailure *int64
		if st.TimeSinceLastFailure != nil {
			secs := int64(st.TimeSinceLastFailure.Seconds())
			sinceLastFailure = &secs
		}

		httputil.WriteJSON(w, http.StatusOK, map[string]any{
			"success":                 true,
			"webhook_url":             st.URL,
			"webhook_timeout":         int(st.Timeout.Seconds()),
			"circuit_broken":          st.CircuitBroken,
			"failure_count":           st.FailureCount,
			"time_since_last_failure": sinceLastFailure,
			"max_failures":            st.MaxFailures,
			"circuit_break_duration":  int(st.Cooldown.Seconds()),
			"inflight_retries":        s.deps.Engine.InflightRetries(),
			"recent_deliveries":       s.deps.Engine.RecentDeliveries(r.Context(), recentDeliveryLimit),
		})
	}
}

func (s *Server) handleResetCircuit() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.deps.Engine.ResetCircuit()
		s.logger.WithField("operator", operator(r)).Info("Webhook circuit breaker reset")
		httputil.WriteJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"message": "Circuit breaker reset",
		})
	}
}

func (s *Server) handleTestWebhook() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req testWebhookRequest
		if r.ContentLength != 0 {
			if err := httputil.DecodeJSON(r, maxJSONBodyBytes, &req); err != nil && !errors.Is(err, io.EOF) {
				writeDecodeFailure(w, err)
				return
			}
		}
		if req.AttachmentType == "" {
			req.AttachmentType = "test"
		}

		outcome := s.deps.Relay.TestWebhook(r.Context(), req.PhoneNumber, req.AttachmentType, operator(r))
		httputil.WriteJSON(w, http.StatusOK, map[string]any{
			"success":      true,
			"webhook_sent": outcome == models.OutcomeDelivered,
			"outcome":      outcome,
			"message":      "Test webhook for " + req.AttachmentType + " completed",
		})
	}
}
