package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"chatrelay/internal/database"
	"chatrelay/internal/httputil"
	"chatrelay/internal/privacy"
	"chatrelay/internal/validation"
	"chatrelay/internal/webhook"

	"github.com/sirupsen/logrus"
)

const databasePingTimeout = 5 * time.Second

type webhookConfigRequest struct {
	WebhookURL string `json:"webhook_url"`
}

func (s *Server) probe(ctx context.Context, url string) webhook.ProbeResult {
	return s.deps.Prober.Probe(ctx, url)
}

func (s *Server) handleGetWebhookConfig() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		url, _ := s.deps.Settings.EffectiveURL()

		probe := webhook.ProbeResult{Status: webhook.ProbeNotConfigured, Message: "Webhook URL not configured"}
		if url != "" {
			probe = s.probe(r.Context(), url)
		}

		httputil.WriteJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"config": map[string]any{
				"webhook_url":    url,
				"webhook_status": probe,
				"config_details": s.deps.Settings.Status(),
				"last_checked":   time.Now().UTC().Format(time.RFC3339),
			},
		})
	}
}

func (s *Server) handleUpdateWebhookConfig() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req webhookConfigRequest
		if err := httputil.DecodeJSON(r, maxJSONBodyBytes, &req); err != nil {
			writeDecodeFailure(w, err)
			return
		}
		url := strings.TrimSpace(req.WebhookURL)
		if err := validation.ValidateWebhookURL(url); err != nil {
			s.writeError(w, r, err, "Invalid webhook url")
			return
		}

		if err := s.deps.Settings.Save(url); err != nil {
			s.writeError(w, r, err, "Failed to save webhook settings")
			return
		}
		_, timeout := s.deps.Engine.Endpoint()
		s.deps.Engine.SetEndpoint(url, timeout)

		s.logger.WithFields(logrus.Fields{
			"operator":    operator(r),
			"webhook_url": privacy.RedactURL(url),
		}).Info("Webhook URL updated")

		httputil.WriteJSON(w, http.StatusOK, map[string]any{
			"success":        true,
			"message":        "Webhook configuration updated and saved",
			"webhook_status": s.probe(r.Context(), url),
		})
	}
}

func (s *Server) handleProbeWebhook() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req webhookConfigRequest
		if r.ContentLength != 0 {
			if err := httputil.DecodeJSON(r, maxJSONBodyBytes, &req); err != nil && !errors.Is(err, io.EOF) {
				writeDecodeFailure(w, err)
				return
			}
		}
		url := strings.TrimSpace(req.WebhookURL)
		if url == "" {
			url, _ = s.deps.Settings.EffectiveURL()
		}
		if url == "" {
			writeFailure(w, http.StatusBadRequest, "Webhook URL not configured")
			return
		}

		result := s.probe(r.Context(), url)
		httputil.WriteJSON(w, http.StatusOK, map[string]any{
			"success":        true,
			"webhook_status": result,
			"message":        "Test completed - Status: " + string(result.Status),
		})
	}
}

func (s *Server) handleDatabaseStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), databasePingTimeout)
		defer cancel()

		connected := true
		if err := s.deps.Store.Ping(ctx); err != nil {
			connected = false
			s.logger.WithError(err).Warn("Database ping failed")
		}
		status := "disconnected"
		if connected {
			status = "connected"
		}

		httputil.WriteJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"status": map[string]any{
				"connected":    connected,
				"database_url": database.DisplayLocation(s.cfg.Database),
				"driver":       s.deps.Store.Driver(),
				"status":       status,
				"last_checked": time.Now().UTC().Format(time.RFC3339),
			},
		})
	}
}
