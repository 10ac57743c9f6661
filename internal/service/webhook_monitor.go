package service

import (
	"context"
	"time"

	"chatrelay/internal/metrics"
	"chatrelay/internal/webhook"

	"github.com/sirupsen/logrus"
)

// WebhookStatusSource exposes the delivery engine state.
type WebhookStatusSource interface {
	Status() webhook.Status
	InflightRetries() int
}

// WebhookMonitor samples the delivery engine into gauges and warns while
// the circuit is open.
type WebhookMonitor struct {
	source        WebhookStatusSource
	checkInterval time.Duration
	logger        logrus.FieldLogger
	stopCh        chan struct{}
	wasOpen       bool
}

func NewWebhookMonitor(source WebhookStatusSource, checkInterval time.Duration, logger logrus.FieldLogger) *WebhookMonitor {
	if checkInterval <= 0 {
		checkInterval = 30 * time.Second
	}
	return &WebhookMonitor{
		source:        source,
		checkInterval: checkInterval,
		logger:        logger,
		stopCh:        make(chan struct{}),
	}
}

func (m *WebhookMonitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()

	m.logger.WithField("check_interval", m.checkInterval).Info("Starting webhook monitor")

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.check()
		}
	}
}

func (m *WebhookMonitor) Stop() {
	close(m.stopCh)
}

func (m *WebhookMonitor) check() {
	st := m.source.Status()

	open := 0.0
	if st.CircuitBroken {
		open = 1
	}
	metrics.SetGauge("webhook_circuit_open", open, nil, "1 while the webhook circuit breaker is open")
	metrics.SetGauge("webhook_failure_count", float64(st.FailureCount), nil, "Consecutive webhook failures")
	metrics.SetGauge("webhook_inflight_retries", float64(m.source.InflightRetries()), nil, "Running webhook retry sequences")

	switch {
	case st.CircuitBroken && !m.wasOpen:
		m.logger.WithFields(logrus.Fields{
			"failure_count": st.FailureCount,
			"cooldown":      st.Cooldown.String(),
		}).Warn("Webhook circuit breaker is open")
	case !st.CircuitBroken && m.wasOpen:
		m.logger.Info("Webhook circuit breaker closed")
	}
	m.wasOpen = st.CircuitBroken
}
