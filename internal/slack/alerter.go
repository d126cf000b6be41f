package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/MikeSquared-Agency/vigil/internal/report"
)

// Alerter posts failed-run alerts to a Slack channel via chat.postMessage.
type Alerter struct {
	token   string
	channel string
	client  *http.Client
	apiURL  string

	mu       sync.Mutex
	lastSent time.Time
}

// NewAlerter creates a new Slack alerter.
func NewAlerter(token, channel string) *Alerter {
	return &Alerter{
		token:   token,
		channel: channel,
		client:  &http.Client{Timeout: 10 * time.Second},
		apiURL:  "https://slack.com/api/chat.postMessage",
	}
}

// PostRunFailure sends a Block Kit message for a failed run. Passing runs
// are ignored. It rate-limits to at most one alert per 30 seconds.
func (a *Alerter) PostRunFailure(ctx context.Context, run *report.Run) error {
	if run.Passed() {
		return nil
	}
	a.mu.Lock()
	if time.Since(a.lastSent) < 30*time.Second {
		a.mu.Unlock()
		return nil
	}
	a.lastSent = time.Now()
	a.mu.Unlock()

	f := run.Failure
	msg := f.Message
	if msg == "" {
		msg = "unknown"
	}

	fields := []map[string]any{
		{"type": "mrkdwn", "text": fmt.Sprintf("*Suite:*\n%s", run.Suite)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Phase:*\n%s", f.Phase)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Kind:*\n%s", f.Kind)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Run:*\n%s", run.RunID)},
	}
	if f.Expected != "" || f.Actual != "" {
		fields = append(fields,
			map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Expected:*\n%s", f.Expected)},
			map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Actual:*\n%s", f.Actual)},
		)
	}

	blocks := []map[string]any{
		{
			"type": "header",
			"text": map[string]any{
				"type": "plain_text",
				"text": "Compliance Run Failed",
			},
		},
		{
			"type":   "section",
			"fields": fields,
		},
		{
			"type": "section",
			"text": map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("```%s```", msg)},
		},
		{
			"type": "context",
			"elements": []map[string]any{
				{"type": "mrkdwn", "text": fmt.Sprintf("Sent at %s", time.Now().UTC().Format(time.RFC3339))},
			},
		},
	}

	body, err := json.Marshal(map[string]any{
		"channel": a.channel,
		"blocks":  blocks,
		"text":    fmt.Sprintf("%s failed in %s: %s", run.Suite, f.Phase, msg),
	})
	if err != nil {
		return fmt.Errorf("marshal slack payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.apiURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+a.token)

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("slack post: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack returned %d", resp.StatusCode)
	}

	slog.Info("slack: run failure alert posted", "channel", a.channel, "run_id", run.RunID)
	return nil
}
