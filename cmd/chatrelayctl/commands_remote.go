package main

import (
	"fmt"

	"chatrelay/internal/models"

	"github.com/spf13/cobra"
)

type webhookStatus struct {
	WebhookURL           string                  `json:"webhook_url"`
	WebhookTimeout       int                     `json:"webhook_timeout"`
	CircuitBroken        bool                    `json:"circuit_broken"`
	FailureCount         int                     `json:"failure_count"`
	TimeSinceLastFailure *int64                  `json:"time_since_last_failure"`
	MaxFailures          int                     `json:"max_failures"`
	CircuitBreakDuration int                     `json:"circuit_break_duration"`
	InflightRetries      int                     `json:"inflight_retries"`
	RecentDeliveries     []models.DeliveryRecord `json:"recent_deliveries"`
}

func newStatusCmd(opts *options) *cobra.Command {
	var deliveries bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show webhook delivery and circuit breaker status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient(opts)
			if err != nil {
				return err
			}
			var st webhookStatus
			if err := client.get(cmd.Context(), "/chat/webhook-status", &st); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			heading(out, "Webhook")
			if st.WebhookURL == "" {
				yellow.Fprintln(out, "  URL:              (not configured)")
			} else {
				fmt.Fprintf(out, "  URL:              %s\n", st.WebhookURL)
			}
			fmt.Fprintf(out, "  Timeout:          %ds\n", st.WebhookTimeout)
			if st.CircuitBroken {
				red.Fprintln(out, "  Circuit:          OPEN")
			} else {
				green.Fprintln(out, "  Circuit:          closed")
			}
			fmt.Fprintf(out, "  Failures:         %d/%d\n", st.FailureCount, st.MaxFailures)
			fmt.Fprintf(out, "  Last failure:     %s\n", formatSeconds(st.TimeSinceLastFailure))
			fmt.Fprintf(out, "  Cooldown:         %ds\n", st.CircuitBreakDuration)
			fmt.Fprintf(out, "  Retries inflight: %d\n", st.InflightRetries)

			if !deliveries || len(st.RecentDeliveries) == 0 {
				return nil
			}
			fmt.Fprintln(out)
			heading(out, "Recent deliveries")
			w := newTable(out)
			fmt.Fprintln(w, "  AT\tEVENT\tPHONE\tOUTCOME\tSTATUS\tMS")
			for _, d := range st.RecentDeliveries {
				fmt.Fprintf(w, "  %s\t%s\t%s\t%s\t%d\t%d\n",
					d.At.Local().Format("15:04:05"), d.EventType, d.PhoneNumber, d.Outcome, d.StatusCode, d.DurationMs)
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&deliveries, "deliveries", false, "Also list recent delivery attempts")
	return cmd
}

func newResetCircuitCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "reset-circuit",
		Short: "Close the webhook circuit breaker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient(opts)
			if err != nil {
				return err
			}
			var resp struct {
				Message string `json:"message"`
			}
			if err := client.post(cmd.Context(), "/chat/reset-webhook-circuit", nil, &resp); err != nil {
				return err
			}
			green.Fprintln(cmd.OutOrStdout(), resp.Message)
			return nil
		},
	}
}

func newTestWebhookCmd(opts *options) *cobra.Command {
	var phone, attachmentType string

	cmd := &cobra.Command{
		Use:   "test-webhook",
		Short: "Send a test message event through the delivery engine",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient(opts)
			if err != nil {
				return err
			}
			var resp struct {
				WebhookSent bool                   `json:"webhook_sent"`
				Outcome     models.DeliveryOutcome `json:"outcome"`
				Message     string                 `json:"message"`
			}
			body := map[string]string{"phone_number": phone, "attachment_type": attachmentType}
			if err := client.post(cmd.Context(), "/chat/test-webhook", body, &resp); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if resp.WebhookSent {
				green.Fprintf(out, "Delivered (%s)\n", resp.Outcome)
				return nil
			}
			red.Fprintf(out, "Not delivered: %s\n", resp.Outcome)
			return fmt.Errorf("test webhook %s", resp.Outcome)
		},
	}
	cmd.Flags().StringVar(&phone, "phone", "", "Phone number for the test event")
	cmd.Flags().StringVar(&attachmentType, "attachment-type", "test", "Attachment type to simulate (image, document, audio, video, test)")
	return cmd
}
