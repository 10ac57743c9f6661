package webhook

import (
	"context"
	"errors"
	"fmt"

	apperrors "chatrelay/internal/errors"
	"chatrelay/internal/metrics"
	"chatrelay/internal/models"
	"chatrelay/internal/retry"

	"github.com/sirupsen/logrus"
)

// RetryHandle tracks one background retry sequence.
type RetryHandle struct {
	cancel   context.CancelFunc
	done     chan struct{}
	outcome  models.DeliveryOutcome
	attempts int
}

// Cancel stops the sequence before its next attempt.
func (h *RetryHandle) Cancel() { h.cancel() }

// Done is closed when the sequence has finished.
func (h *RetryHandle) Done() <-chan struct{} { return h.done }

// Outcome is the result of the last attempt. Only valid after Done.
func (h *RetryHandle) Outcome() models.DeliveryOutcome { return h.outcome }

// Attempts is the number of attempts made. Only valid after Done.
func (h *RetryHandle) Attempts() int { return h.attempts }

type outcomeError struct{ outcome models.DeliveryOutcome }

func (e *outcomeError) Error() string { return fmt.Sprintf("webhook attempt %s", e.outcome) }

func isRetryableOutcome(err error) bool {
	var oe *outcomeError
	if !errors.As(err, &oe) {
		return false
	}
	return oe.outcome == models.OutcomeFailed || oe.outcome == models.OutcomeCircuitOpen
}

// DeliverWithRetry runs up to maxRetries+1 attempts in the background,
// waiting min(2^n, 5) seconds before the n-th retry. The first attempt is
// immediate. It fails fast when the retry pool is full or the engine closed.
func (e *Engine) DeliverWithRetry(phoneNumber string, event Event, maxRetries int) (*RetryHandle, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrEngineClosed
	}
	select {
	case e.slots <- struct{}{}:
	default:
		e.mu.Unlock()
		metrics.IncrementCounter("webhook_retry_rejected_total", nil, "Retries rejected because the pool was full")
		return nil, ErrRetryCapacity
	}
	e.wg.Add(1)
	e.mu.Unlock()

	ctx, cancel := context.WithCancel(e.rootCtx)
	h := &RetryHandle{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer func() {
			<-e.slots
			cancel()
			close(h.done)
			e.wg.Done()
		}()
		h.outcome, h.attempts = e.runRetries(ctx, phoneNumber, event, maxRetries)
	}()

	return h, nil
}

func (e *Engine) runRetries(ctx context.Context, phoneNumber string, event Event, maxRetries int) (models.DeliveryOutcome, int) {
	if maxRetries < 0 {
		maxRetries = 0
	}
	eventType := event.Type()
	logger := e.logger.WithFields(logrus.Fields{
		"event_type": eventType,
		"phone":      e.maskPhone(phoneNumber),
	})

	body, err := e.prepare(phoneNumber, event)
	if err != nil {
		e.record(ctx, eventType, phoneNumber, models.OutcomeInvalid, 1, 0, err, 0)
		apperrors.LogError(logger, err, "Webhook payload validation failed")
		return models.OutcomeInvalid, 0
	}

	backoff := retry.NewBackoff(retry.WebhookBackoffConfig(maxRetries)).WithSleep(e.sleep)

	outcome := models.OutcomeFailed
	attempts := 0
	err = backoff.RetryAttempts(ctx, func(attempt int) error {
		attempts = attempt
		if attempt > 1 {
			logger.WithField("attempt", attempt).Info("Retrying webhook")
		}
		outcome = e.attempt(ctx, eventType, phoneNumber, body, attempt)
		if outcome == models.OutcomeDelivered {
			return nil
		}
		return &outcomeError{outcome: outcome}
	}, isRetryableOutcome)

	switch {
	case err == nil:
		if attempts > 1 {
			logger.WithField("attempts", attempts).Info("Webhook retry succeeded")
		}
	case ctx.Err() != nil:
		logger.WithField("attempts", attempts).Info("Webhook retry cancelled")
	default:
		metrics.IncrementCounter("webhook_retry_exhausted_total", map[string]string{"event_type": string(eventType)}, "Retry sequences that never succeeded")
		logger.WithFields(logrus.Fields{
			"attempts": attempts,
			"outcome":  outcome,
		}).Error("All webhook attempts failed")
	}
	return outcome, attempts
}

func (e *Engine) attempt(ctx context.Context, eventType EventType, phoneNumber string, body []byte, attempt int) models.DeliveryOutcome {
	if url, _ := e.Endpoint(); url == "" {
		e.record(ctx, eventType, phoneNumber, models.OutcomeUnconfigured, attempt, 0, nil, 0)
		return models.OutcomeUnconfigured
	}
	if e.breaker.IsOpen() {
		e.record(ctx, eventType, phoneNumber, models.OutcomeCircuitOpen, attempt, 0, nil, 0)
		return models.OutcomeCircuitOpen
	}
	return e.send(ctx, eventType, phoneNumber, body, attempt)
}

// Notify makes one synchronous attempt and hands failures to the retry pool.
func (e *Engine) Notify(ctx context.Context, phoneNumber string, event Event) models.DeliveryStatus {
	switch e.Deliver(ctx, phoneNumber, event) {
	case models.OutcomeDelivered:
		return models.StatusDelivered
	case models.OutcomeUnconfigured:
		return models.StatusSkipped
	case models.OutcomeInvalid:
		return models.StatusFailed
	}

	if _, err := e.DeliverWithRetry(phoneNumber, event, e.maxRetries); err != nil {
		e.logger.WithFields(logrus.Fields{
			"event_type": event.Type(),
			"error":      err.Error(),
		}).Warn("Webhook retry not scheduled")
		return models.StatusFailed
	}
	return models.StatusRetrying
}

// InflightRetries is the number of retry sequences currently running.
func (e *Engine) InflightRetries() int {
	return len(e.slots)
}

// Close cancels outstanding retries and waits for them, bounded by ctx.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.cancelAll()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for webhook retries: %w", ctx.Err())
	}
}
