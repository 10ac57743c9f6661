package main

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"chatrelay/internal/attachment"
	"chatrelay/internal/config"
	"chatrelay/internal/database"
	apperrors "chatrelay/internal/errors"
	"chatrelay/internal/httputil"
	"chatrelay/internal/middleware"
	"chatrelay/internal/models"
	"chatrelay/internal/service"
	"chatrelay/internal/stream"
	"chatrelay/internal/tracing"
	"chatrelay/internal/webhook"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

const (
	// operatorHeader names the operator acting through the API. Authentication
	// happens in front of this service.
	operatorHeader  = "X-Chatrelay-Operator"
	defaultOperator = "api"

	maxJSONBodyBytes    = 1 << 20
	inboundRateLimit    = 60
	inboundRateWindow   = time.Minute
	recentDeliveryLimit = 20
)

// Dependencies are the components the HTTP surface drives.
type Dependencies struct {
	Relay     *service.RelayService
	Analytics *service.AnalyticsService
	Engine    *webhook.Engine
	Prober    *webhook.Prober
	Settings  *config.SettingsStore
	Blobs     *attachment.LocalStore
	Store     database.Store
	Hub       *stream.Hub
	// Verbose logs phone numbers and message content unmasked.
	Verbose bool
}

type Server struct {
	cfg     *models.Config
	deps    Dependencies
	router  *mux.Router
	logger  *logrus.Logger
	limiter *RateLimiter
	server  *http.Server
}

func NewServer(cfg *models.Config, deps Dependencies, logger *logrus.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		deps:    deps,
		router:  mux.NewRouter(),
		logger:  logger,
		limiter: NewRateLimiter(inboundRateLimit, inboundRateWindow),
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.ObservabilityMiddleware(s.logger))
	s.router.Use(s.verboseContext)
	if s.logger.IsLevelEnabled(logrus.DebugLevel) {
		s.router.Use(middleware.DebugLoggingMiddleware(s.logger, middleware.DefaultDebugLoggingConfig()))
	}

	s.router.HandleFunc("/health", s.handleHealth()).Methods(http.MethodGet)
	s.router.HandleFunc("/metrics", s.handleMetrics()).Methods(http.MethodGet)

	chat := s.router.PathPrefix("/chat").Subrouter()
	chat.HandleFunc("/phones", s.handleListPhones()).Methods(http.MethodGet)
	chat.HandleFunc("/messages/{phone}", s.handleListMessages()).Methods(http.MethodGet)
	chat.HandleFunc("/send-message", s.handleSendMessage()).Methods(http.MethodPost)
	chat.HandleFunc("/toggle-ai/{id:[0-9]+}", s.handleToggleAI()).Methods(http.MethodPost)
	chat.HandleFunc("/add-phone", s.handleAddPhone()).Methods(http.MethodPost)
	chat.HandleFunc("/delete-phone/{id:[0-9]+}", s.handleDeletePhone()).Methods(http.MethodDelete)
	chat.HandleFunc("/delete-phone", s.handleDeletePhonePost()).Methods(http.MethodPost)
	chat.HandleFunc("/upload-attachment", s.handleUploadAttachment()).Methods(http.MethodPost)
	chat.HandleFunc("/uploads/{filename}", s.handleServeUpload()).Methods(http.MethodGet)
	chat.Handle("/receive-message", s.limiter.Middleware(
		middleware.InboundObservabilityMiddleware(s.logger, "receive_message")(s.handleReceiveMessage()),
	)).Methods(http.MethodPost)
	chat.HandleFunc("/webhook-status", s.handleWebhookStatus()).Methods(http.MethodGet)
	chat.HandleFunc("/reset-webhook-circuit", s.handleResetCircuit()).Methods(http.MethodPost)
	chat.HandleFunc("/test-webhook", s.handleTestWebhook()).Methods(http.MethodPost)
	if s.deps.Hub != nil {
		chat.Handle("/stream", s.deps.Hub).Methods(http.MethodGet)
	}

	settings := s.router.PathPrefix("/settings").Subrouter()
	settings.HandleFunc("/webhook-config", s.handleGetWebhookConfig()).Methods(http.MethodGet)
	settings.HandleFunc("/webhook-config", s.handleUpdateWebhookConfig()).Methods(http.MethodPost)
	settings.HandleFunc("/test-webhook", s.handleProbeWebhook()).Methods(http.MethodPost)
	settings.HandleFunc("/database-status", s.handleDatabaseStatus()).Methods(http.MethodGet)

	analytics := s.router.PathPrefix("/analytics").Subrouter()
	analytics.HandleFunc("/daily-stats", s.handleDailyStats()).Methods(http.MethodGet)
	analytics.HandleFunc("/weekly-stats", s.handleWeeklyStats()).Methods(http.MethodGet)
	analytics.HandleFunc("/monthly-stats", s.handleMonthlyStats()).Methods(http.MethodGet)
}

func (s *Server) Start() error {
	port := s.cfg.Server.Port

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.cfg.Server.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(s.cfg.Server.WriteTimeoutSec) * time.Second,
		IdleTimeout:  time.Duration(s.cfg.Server.IdleTimeoutSec) * time.Second,
	}

	s.logger.Infof("Starting server on port %d", port)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Handler implementations
func (s *Server) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	}
}

func (s *Server) verboseContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(service.WithVerbose(r.Context(), s.deps.Verbose)))
	})
}

func operator(r *http.Request) string {
	if op := strings.TrimSpace(r.Header.Get(operatorHeader)); op != "" {
		return op
	}
	return defaultOperator
}

// baseURL is the public origin used in full attachment urls.
func (s *Server) baseURL(r *http.Request) string {
	if s.cfg.Server.PublicBaseURL != "" {
		return s.cfg.Server.PublicBaseURL
	}
	return httputil.BaseURL(r)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error, message string) {
	status := apperrors.HTTPStatusCode(err)
	logger := s.logger.WithField("request_id", tracing.GetRequestID(r.Context()))
	if status >= http.StatusInternalServerError {
		apperrors.LogError(logger, err, message)
	} else {
		logger.WithError(err).WithFields(apperrors.Fields(err)).Warn(message)
	}
	httputil.WriteJSON(w, status, apperrors.ToHTTPResponse(err, tracing.GetRequestID(r.Context())))
}

func writeDecodeFailure(w http.ResponseWriter, err error) {
	if apperrors.Is(err, apperrors.ErrCodeTooLarge) {
		writeFailure(w, http.StatusRequestEntityTooLarge, "Request body too large")
		return
	}
	writeFailure(w, http.StatusBadRequest, "Invalid JSON body")
}

func writeFailure(w http.ResponseWriter, status int, message string) {
	httputil.WriteJSON(w, status, map[string]any{"success": false, "message": message})
}
