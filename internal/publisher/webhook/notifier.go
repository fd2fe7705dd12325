// Package webhook posts alerts to chat webhooks (Slack or Discord) or to any
// endpoint accepting the raw alert as JSON.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/JakeFAU/sitewatch/internal/monitor"
	"github.com/JakeFAU/sitewatch/internal/policy/retry"
)

// Supported payload formats.
const (
	FormatSlack   = "slack"
	FormatDiscord = "discord"
	FormatJSON    = "json"
)

// Config controls the webhook target.
type Config struct {
	URL     string
	Format  string
	Timeout time.Duration
	// Headers are added to every request, e.g. an Authorization token.
	Headers map[string]string
}

// Notifier implements monitor.Notifier over HTTP POST.
type Notifier struct {
	client  *http.Client
	url     string
	format  string
	headers map[string]string
}

// New validates cfg and returns a Notifier. A nil client gets one with
// cfg.Timeout (10s when unset).
func New(client *http.Client, cfg Config) (*Notifier, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("webhook url %q must be an absolute http(s) url", cfg.URL)
	}
	format := strings.ToLower(strings.TrimSpace(cfg.Format))
	switch format {
	case "":
		format = FormatJSON
	case FormatSlack, FormatDiscord, FormatJSON:
	default:
		return nil, fmt.Errorf("unsupported webhook format %q", cfg.Format)
	}
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &Notifier{client: client, url: u.String(), format: format, headers: cfg.Headers}, nil
}

// Notify posts the alert. Responses of 429 and 5xx are retryable; any other
// non-2xx status is returned as a permanent error.
func (n *Notifier) Notify(ctx context.Context, alert monitor.Alert) error {
	body, err := n.payload(alert)
	if err != nil {
		return retry.Permanent(fmt.Errorf("encode %s payload: %w", n.format, err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return retry.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range n.headers {
		req.Header.Set(k, v)
	}
	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: post webhook: %w", monitor.ErrDeliveryFailure, err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	err = fmt.Errorf("%w: webhook returned %s", monitor.ErrDeliveryFailure, resp.Status)
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return err
	}
	return retry.Permanent(err)
}

func (n *Notifier) payload(alert monitor.Alert) ([]byte, error) {
	switch n.format {
	case FormatSlack:
		return json.Marshal(slackMessage(alert))
	case FormatDiscord:
		return json.Marshal(discordMessage(alert))
	default:
		return json.Marshal(alert)
	}
}
