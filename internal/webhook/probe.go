package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"chatrelay/internal/constants"
)

// ProbeStatus classifies a connectivity check.
type ProbeStatus string

const (
	ProbeOnline        ProbeStatus = "online"
	ProbeError         ProbeStatus = "error"
	ProbeTimeout       ProbeStatus = "timeout"
	ProbeOffline       ProbeStatus = "offline"
	ProbeNotConfigured ProbeStatus = "not_configured"
)

// ProbeResult is the outcome of a connectivity check. ResponseTime is in
// seconds, rounded to two decimals, and nil when no response arrived.
type ProbeResult struct {
	Status       ProbeStatus `json:"status"`
	Message      string      `json:"message"`
	StatusCode   int         `json:"status_code,omitempty"`
	ResponseTime *float64    `json:"response_time"`
}

// ProbePhoneNumber is the sample number sent in connectivity probes.
const ProbePhoneNumber = "+5511999999999"

// Prober posts a small test body to a webhook url. It does not touch the
// circuit breaker.
type Prober struct {
	client    *http.Client
	timeout   time.Duration
	userAgent string
}

func NewProber(client *http.Client, timeout time.Duration) *Prober {
	if client == nil {
		client = NewHTTPClient()
	}
	if timeout <= 0 {
		timeout = time.Duration(constants.DefaultProbeTimeoutSec) * time.Second
	}
	return &Prober{client: client, timeout: timeout, userAgent: constants.DefaultUserAgent}
}

// Probe checks url. An empty url reports not_configured.
func (p *Prober) Probe(ctx context.Context, url string) ProbeResult {
	url = strings.TrimSpace(url)
	if url == "" {
		return ProbeResult{Status: ProbeNotConfigured, Message: "webhook url not configured"}
	}

	body, _ := json.Marshal(map[string]any{
		"phone_number": ProbePhoneNumber,
		"message":      "Webhook connectivity test",
		"test":         true,
	})

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return ProbeResult{Status: ProbeError, Message: fmt.Sprintf("invalid webhook url: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", p.userAgent)

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ProbeResult{Status: ProbeTimeout, Message: fmt.Sprintf("webhook did not respond within %s", p.timeout)}
		}
		return ProbeResult{Status: ProbeOffline, Message: "could not connect to webhook"}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	elapsed := math.Round(time.Since(start).Seconds()*100) / 100
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return ProbeResult{
			Status:       ProbeOnline,
			Message:      "webhook responding normally",
			StatusCode:   resp.StatusCode,
			ResponseTime: &elapsed,
		}
	}
	return ProbeResult{
		Status:       ProbeError,
		Message:      fmt.Sprintf("webhook returned status %d", resp.StatusCode),
		StatusCode:   resp.StatusCode,
		ResponseTime: &elapsed,
	}
}
