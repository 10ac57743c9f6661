package webhook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"chatrelay/internal/constants"
	apperrors "chatrelay/internal/errors"
	"chatrelay/internal/metrics"
	"chatrelay/internal/models"
	"chatrelay/internal/privacy"
	"chatrelay/internal/retry"
	"chatrelay/internal/security"
	"chatrelay/internal/tracing"
	"chatrelay/pkg/circuitbreaker"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var (
	// ErrRetryCapacity is returned when every retry slot is taken.
	ErrRetryCapacity = errors.New("webhook retry capacity exhausted")
	// ErrEngineClosed is returned for retries requested after Close.
	ErrEngineClosed = errors.New("webhook engine closed")
)

// Config is the runtime configuration of an Engine.
type Config struct {
	URL                string
	Timeout            time.Duration
	MaxRetries         int
	UserAgent          string
	Secret             string
	MaxInflightRetries int
}

// ConfigFromModel converts file configuration, applying defaults for zero values.
func ConfigFromModel(cfg models.WebhookConfig) Config {
	out := Config{
		URL:                strings.TrimSpace(cfg.URL),
		Timeout:            time.Duration(cfg.TimeoutSec) * time.Second,
		MaxRetries:         cfg.MaxRetries,
		UserAgent:          cfg.UserAgent,
		Secret:             cfg.Secret,
		MaxInflightRetries: cfg.MaxInflightRetries,
	}
	if out.Timeout <= 0 {
		out.Timeout = time.Duration(constants.DefaultWebhookTimeoutSec) * time.Second
	}
	if out.UserAgent == "" {
		out.UserAgent = constants.DefaultUserAgent
	}
	if out.MaxInflightRetries <= 0 {
		out.MaxInflightRetries = constants.DefaultMaxInflightRetries
	}
	return out
}

// Option configures an Engine.
type Option func(*Engine)

// WithBreaker injects the circuit breaker guarding the endpoint.
func WithBreaker(cb *circuitbreaker.CircuitBreaker) Option {
	return func(e *Engine) { e.breaker = cb }
}

// WithHTTPClient replaces the client. Redirect handling is left to the caller.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Engine) { e.client = c }
}

// WithDeliveryLog records every attempt into log.
func WithDeliveryLog(log DeliveryLog) Option {
	return func(e *Engine) { e.log = log }
}

// WithSleep replaces the wait between retry attempts.
func WithSleep(sleep retry.SleepFunc) Option {
	return func(e *Engine) { e.sleep = sleep }
}

// WithClock replaces time.Now for envelope timestamps and records.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithVerbose logs phone numbers unmasked.
func WithVerbose(verbose bool) Option {
	return func(e *Engine) { e.verbose = verbose }
}

// Engine posts event envelopes to the configured endpoint. It owns the
// circuit breaker and the pool of background retries.
type Engine struct {
	mu      sync.RWMutex
	url     string
	timeout time.Duration

	maxRetries int
	userAgent  string
	secret     string

	breaker *circuitbreaker.CircuitBreaker
	client  *http.Client
	log     DeliveryLog
	sleep   retry.SleepFunc
	now     func() time.Time
	logger  logrus.FieldLogger
	verbose bool

	slots     chan struct{}
	rootCtx   context.Context
	cancelAll context.CancelFunc
	closed    bool
	wg        sync.WaitGroup
}

func NewEngine(cfg Config, opts ...Option) *Engine {
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Duration(constants.DefaultWebhookTimeoutSec) * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = constants.DefaultUserAgent
	}
	if cfg.MaxInflightRetries <= 0 {
		cfg.MaxInflightRetries = constants.DefaultMaxInflightRetries
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		url:        strings.TrimSpace(cfg.URL),
		timeout:    cfg.Timeout,
		maxRetries: cfg.MaxRetries,
		userAgent:  cfg.UserAgent,
		secret:     cfg.Secret,
		sleep:      retry.Sleep,
		now:        time.Now,
		logger:     logrus.StandardLogger(),
		slots:      make(chan struct{}, cfg.MaxInflightRetries),
		rootCtx:    ctx,
		cancelAll:  cancel,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.breaker == nil {
		e.breaker = circuitbreaker.New("webhook",
			constants.DefaultCircuitMaxFailures,
			time.Duration(constants.DefaultCircuitCooldownSec)*time.Second,
			circuitbreaker.WithLogger(e.logger))
	}
	if e.client == nil {
		e.client = NewHTTPClient()
	}
	return e
}

// NewHTTPClient returns a client that never follows redirects and never
// reuses connections.
func NewHTTPClient() *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DisableKeepAlives = true
	return &http.Client{
		Transport: transport,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// SetEndpoint swaps the endpoint and timeout used by subsequent attempts.
// An empty url disables delivery.
func (e *Engine) SetEndpoint(url string, timeout time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.url = strings.TrimSpace(url)
	if timeout > 0 {
		e.timeout = timeout
	}
}

// Endpoint returns the current url and timeout.
func (e *Engine) Endpoint() (string, time.Duration) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.url, e.timeout
}

// MaxRetries is the retry count used by Notify.
func (e *Engine) MaxRetries() int { return e.maxRetries }

// Breaker exposes the engine's circuit breaker.
func (e *Engine) Breaker() *circuitbreaker.CircuitBreaker { return e.breaker }

// Deliver makes one attempt to post the event. Only OutcomeDelivered means
// the endpoint accepted it.
func (e *Engine) Deliver(ctx context.Context, phoneNumber string, event Event) models.DeliveryOutcome {
	if url, _ := e.Endpoint(); url == "" {
		e.record(ctx, event.Type(), phoneNumber, models.OutcomeUnconfigured, 1, 0, nil, 0)
		metrics.IncrementCounter("webhook_skipped_total", map[string]string{"reason": string(models.OutcomeUnconfigured)}, "Webhooks not attempted")
		e.logger.WithField("event_type", event.Type()).Debug("No webhook URL configured, skipping")
		return models.OutcomeUnconfigured
	}
	if e.breaker.IsOpen() {
		e.record(ctx, event.Type(), phoneNumber, models.OutcomeCircuitOpen, 1, 0, nil, 0)
		metrics.IncrementCounter("webhook_skipped_total", map[string]string{"reason": string(models.OutcomeCircuitOpen)}, "Webhooks not attempted")
		e.logger.WithField("event_type", event.Type()).Warn("Circuit breaker active, skipping webhook")
		return models.OutcomeCircuitOpen
	}

	body, err := e.prepare(phoneNumber, event)
	if err != nil {
		e.record(ctx, event.Type(), phoneNumber, models.OutcomeInvalid, 1, 0, err, 0)
		apperrors.LogError(e.logger.WithField("event_type", event.Type()), err, "Webhook payload validation failed")
		return models.OutcomeInvalid
	}
	return e.send(ctx, event.Type(), phoneNumber, body, 1)
}

func (e *Engine) prepare(phoneNumber string, event Event) ([]byte, error) {
	payload, err := BuildPayload(event.Type(), phoneNumber, event, e.now())
	if err != nil {
		return nil, apperrors.NewValidationError("payload", err.Error())
	}
	return ValidatePayload(payload)
}

// send posts a validated body. The breaker is checked again by callers.
func (e *Engine) send(ctx context.Context, eventType EventType, phoneNumber string, body []byte, attempt int) models.DeliveryOutcome {
	url, timeout := e.Endpoint()
	if url == "" {
		e.record(ctx, eventType, phoneNumber, models.OutcomeUnconfigured, attempt, 0, nil, 0)
		return models.OutcomeUnconfigured
	}

	ctx, span := tracing.StartSpan(ctx, "webhook.deliver",
		attribute.String("webhook.event_type", string(eventType)),
		attribute.Int("webhook.attempt", attempt),
	)
	defer span.End()

	start := time.Now()
	status, err := e.post(ctx, url, timeout, body)
	duration := time.Since(start)

	labels := map[string]string{"event_type": string(eventType)}
	metrics.RecordTimer("webhook_delivery_duration", duration, labels, "Webhook delivery latency")

	fields := logrus.Fields{
		"event_type":  eventType,
		"phone":       e.maskPhone(phoneNumber),
		"attempt":     attempt,
		"duration_ms": duration.Milliseconds(),
	}

	if err != nil && ctx.Err() != nil {
		// caller went away; not the endpoint's fault
		e.record(ctx, eventType, phoneNumber, models.OutcomeFailed, attempt, status, err, duration)
		e.logger.WithFields(fields).WithError(err).Debug("Webhook attempt abandoned")
		return models.OutcomeFailed
	}
	if err != nil {
		e.breaker.RecordFailure()
		tracing.RecordError(ctx, err)
		e.record(ctx, eventType, phoneNumber, models.OutcomeFailed, attempt, status, err, duration)
		metrics.IncrementCounter("webhook_failures_total", labels, "Failed webhook deliveries")
		fields["error"] = err.Error()
		if status != 0 {
			fields["status_code"] = status
		}
		e.logger.WithFields(fields).Warn("Webhook delivery failed")
		return models.OutcomeFailed
	}

	e.breaker.RecordSuccess()
	tracing.SetSpanStatus(ctx, codes.Ok, "")
	e.record(ctx, eventType, phoneNumber, models.OutcomeDelivered, attempt, status, nil, duration)
	metrics.IncrementCounter("webhook_deliveries_total", labels, "Delivered webhooks")
	fields["status_code"] = status
	e.logger.WithFields(fields).Info("Webhook delivered")
	return models.OutcomeDelivered
}

func (e *Engine) post(ctx context.Context, url string, timeout time.Duration, body []byte) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Close = true
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", e.userAgent)
	req.Header.Set("Connection", "close")
	if e.secret != "" {
		req.Header.Set(security.SignatureHeader, security.Sign(e.secret, body))
	}
	tracing.InjectHeaders(ctx, req.Header)

	resp, err := e.client.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return 0, fmt.Errorf("webhook timed out after %s: %w", timeout, err)
		}
		return 0, fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

func (e *Engine) record(ctx context.Context, eventType EventType, phoneNumber string, outcome models.DeliveryOutcome, attempt, status int, err error, duration time.Duration) {
	if e.log == nil {
		return
	}
	rec := models.DeliveryRecord{
		EventType:   string(eventType),
		PhoneNumber: privacy.MaskPhoneNumber(phoneNumber),
		Outcome:     outcome,
		Attempt:     attempt,
		StatusCode:  status,
		DurationMs:  duration.Milliseconds(),
		At:          e.now().UTC(),
	}
	if err != nil {
		rec.Error = err.Error()
	}
	if logErr := e.log.Record(context.WithoutCancel(ctx), rec); logErr != nil {
		e.logger.WithError(logErr).Debug("Failed to record webhook delivery")
	}
}

func (e *Engine) maskPhone(phone string) string {
	if e.verbose {
		return phone
	}
	return privacy.MaskPhoneNumber(phone)
}

// RecentDeliveries returns the newest records from the delivery log.
func (e *Engine) RecentDeliveries(ctx context.Context, limit int) []models.DeliveryRecord {
	if e.log == nil {
		return []models.DeliveryRecord{}
	}
	recs, err := e.log.Recent(ctx, limit)
	if err != nil {
		e.logger.WithError(err).Warn("Failed to read webhook delivery log")
		return []models.DeliveryRecord{}
	}
	return recs
}

// Status is the admin view of the engine.
type Status struct {
	URL                  string
	Timeout              time.Duration
	CircuitBroken        bool
	FailureCount         int
	TimeSinceLastFailure *time.Duration
	MaxFailures          int
	Cooldown             time.Duration
}

// Status reports endpoint and breaker counters. Reading it applies the
// breaker's cooldown reset like any other check.
func (e *Engine) Status() Status {
	url, timeout := e.Endpoint()
	broken := e.breaker.IsOpen()
	stats := e.breaker.GetStats()

	st := Status{
		URL:           url,
		Timeout:       timeout,
		CircuitBroken: broken,
		FailureCount:  stats.Failures,
		MaxFailures:   stats.MaxFailures,
		Cooldown:      stats.Cooldown,
	}
	if !stats.LastFailureTime.IsZero() {
		since := stats.SinceLastFailure
		st.TimeSinceLastFailure = &since
	}
	return st
}

// ResetCircuit clears the breaker.
func (e *Engine) ResetCircuit() {
	e.breaker.Reset()
}
