package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"complaintwatch/internal/events"
	"complaintwatch/internal/retry"
)

// SlackDispatcher posts paged alerts to a Slack incoming webhook. INFO
// payloads are skipped; they are dashboard-only by policy.
type SlackDispatcher struct {
	webhookURL string
	httpClient *http.Client
	retry      retry.Config
}

// NewSlackDispatcher creates a Slack dispatcher for the given webhook URL.
func NewSlackDispatcher(webhookURL string) (*SlackDispatcher, error) {
	if !strings.HasPrefix(webhookURL, "http://") && !strings.HasPrefix(webhookURL, "https://") {
		return nil, fmt.Errorf("invalid Slack webhook URL: %q (must be an HTTP/HTTPS URL)", maskURL(webhookURL))
	}
	return &SlackDispatcher{
		webhookURL: webhookURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		retry:      retry.DefaultConfig(),
	}, nil
}

// slackMessage is the minimal incoming-webhook body.
type slackMessage struct {
	Text string `json:"text"`
}

// Dispatch posts a summary line for WARN and CRITICAL payloads.
func (d *SlackDispatcher) Dispatch(ctx context.Context, p *events.AlertPayload) error {
	if p.Level != events.LevelWarn && p.Level != events.LevelCritical {
		return nil
	}

	body, err := json.Marshal(slackMessage{Text: formatSlackText(p)})
	if err != nil {
		return fmt.Errorf("failed to marshal Slack payload: %w", err)
	}

	err = retry.Do(ctx, d.retry, "slack_dispatch", func() error {
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, d.webhookURL, bytes.NewReader(body))
		if reqErr != nil {
			return fmt.Errorf("failed to create HTTP request: %w", reqErr)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, doErr := d.httpClient.Do(req)
		if doErr != nil {
			return fmt.Errorf("failed to send Slack notification: %w", doErr)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			// Include the response text so the retry classifier can tell a
			// transient gateway failure from a rejected payload.
			snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
			return fmt.Errorf("slack webhook returned status %d: %s",
				resp.StatusCode, strings.TrimSpace(string(snippet)))
		}
		return nil
	})
	if err != nil {
		slog.Error("Slack dispatch failed",
			"alert_id", p.AlertID,
			"webhook_url", maskURL(d.webhookURL),
			"error", err,
		)
		return err
	}

	slog.Info("Slack notification sent", "alert_id", p.AlertID, "kind", p.Kind)
	return nil
}

// formatSlackText builds the message line. Aggregates and identifiers only.
func formatSlackText(p *events.AlertPayload) string {
	var b strings.Builder
	switch p.Kind {
	case "ESCALATION":
		fmt.Fprintf(&b, ":rotating_light: [%s] alert %s ESCALATED to %s",
			p.Level, p.AlertID, strings.Join(p.Escalation.Notified, ", "))
	case "STANDING_INCIDENT":
		fmt.Fprintf(&b, ":octagonal_sign: [%s] alert %s unacknowledged after escalation, manual intervention required",
			p.Level, p.AlertID)
	case "STATUS_UPDATE":
		fmt.Fprintf(&b, ":hourglass: [%s] alert %s still under investigation", p.Level, p.AlertID)
	default:
		fmt.Fprintf(&b, ":warning: [%s] %s: current=%.1f baseline=%.1f",
			p.Level, p.Signal.Name, p.Signal.CurrentValue, p.Signal.BaselineValue)
	}
	if p.Context.TopTheme != "" {
		fmt.Fprintf(&b, " | top theme: %s", p.Context.TopTheme)
	}
	if dl := p.Escalation.AcknowledgementRequiredBy; dl != nil {
		fmt.Fprintf(&b, " | ack by %s", dl.Format(time.RFC3339))
	}
	return b.String()
}

// maskURL masks sensitive parts of a webhook URL for logging.
func maskURL(url string) string {
	if len(url) > 50 {
		return url[:30] + "..." + url[len(url)-10:]
	}
	return url
}

// Fanout delivers every payload to all dispatchers.
type Fanout []interface {
	Dispatch(ctx context.Context, p *events.AlertPayload) error
}

// Dispatch sends to every underlying dispatcher. A failure in one does not
// prevent delivery through the others.
func (f Fanout) Dispatch(ctx context.Context, p *events.AlertPayload) error {
	var firstErr error
	for _, d := range f {
		if err := d.Dispatch(ctx, p); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
