package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sitewatch/internal/monitor"
	"github.com/JakeFAU/sitewatch/internal/policy/retry"
)

func testAlert() monitor.Alert {
	prev := &monitor.Snapshot{SiteID: "s1", HTTPStatus: 200}
	cur := &monitor.Snapshot{
		SiteID:         "s1",
		HTTPStatus:     503,
		ResponseTimeMs: 812,
		ScreenshotRef:  "https://storage.googleapis.com/shots/s1/1.png",
	}
	report := monitor.ChangeReport{
		SiteID:     "s1",
		Kind:       monitor.ChangeStatus,
		Previous:   prev,
		Current:    cur,
		DetectedAt: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
	}
	return monitor.NewAlert(monitor.SiteConfig{ID: "s1", URL: "https://example.com"}, report, 0)
}

type capture struct {
	mu     sync.Mutex
	bodies [][]byte
	header http.Header
}

func (c *capture) handler(status int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		c.mu.Lock()
		c.bodies = append(c.bodies, body)
		c.header = r.Header.Clone()
		c.mu.Unlock()
		w.WriteHeader(status)
	}
}

func TestNotifySlackPayload(t *testing.T) {
	t.Parallel()

	rec := &capture{}
	srv := httptest.NewServer(rec.handler(http.StatusOK))
	defer srv.Close()

	n, err := New(srv.Client(), Config{URL: srv.URL, Format: "Slack", Headers: map[string]string{"X-Token": "t"}})
	require.NoError(t, err)
	require.NoError(t, n.Notify(context.Background(), testAlert()))

	require.Len(t, rec.bodies, 1)
	require.Equal(t, "application/json", rec.header.Get("Content-Type"))
	require.Equal(t, "t", rec.header.Get("X-Token"))

	var got slackPayload
	require.NoError(t, json.Unmarshal(rec.bodies[0], &got))
	require.Contains(t, got.Text, "CRITICAL")
	require.Contains(t, got.Text, "https://example.com")
	require.Len(t, got.Attachments, 1)
	require.Equal(t, "#d50200", got.Attachments[0].Color)
	require.Contains(t, got.Attachments[0].Text, "200 -> 503")
	require.Equal(t, "https://storage.googleapis.com/shots/s1/1.png", got.Attachments[0].ImageURL)
}

func TestNotifyDiscordPayload(t *testing.T) {
	t.Parallel()

	rec := &capture{}
	srv := httptest.NewServer(rec.handler(http.StatusNoContent))
	defer srv.Close()

	n, err := New(srv.Client(), Config{URL: srv.URL, Format: FormatDiscord})
	require.NoError(t, err)
	require.NoError(t, n.Notify(context.Background(), testAlert()))

	var got discordPayload
	require.NoError(t, json.Unmarshal(rec.bodies[0], &got))
	require.Len(t, got.Embeds, 1)
	require.Equal(t, 0xd50200, got.Embeds[0].Color)
	require.Equal(t, "https://example.com", got.Embeds[0].URL)
	require.NotNil(t, got.Embeds[0].Image)
	require.Equal(t, "2024-05-01T10:00:00Z", got.Embeds[0].Timestamp)
}

func TestNotifyRawJSONPayload(t *testing.T) {
	t.Parallel()

	rec := &capture{}
	srv := httptest.NewServer(rec.handler(http.StatusAccepted))
	defer srv.Close()

	n, err := New(nil, Config{URL: srv.URL})
	require.NoError(t, err)
	require.NoError(t, n.Notify(context.Background(), testAlert()))

	var got monitor.Alert
	require.NoError(t, json.Unmarshal(rec.bodies[0], &got))
	require.Equal(t, monitor.ChangeStatus, got.Report.Kind)
	require.Equal(t, "s1", got.Site.ID)
}

func TestNotifyStatusClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status    int
		permanent bool
	}{
		{status: http.StatusBadRequest, permanent: true},
		{status: http.StatusNotFound, permanent: true},
		{status: http.StatusTooManyRequests, permanent: false},
		{status: http.StatusBadGateway, permanent: false},
	}
	for _, tc := range tests {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			t.Parallel()

			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
			}))
			defer srv.Close()

			n, err := New(srv.Client(), Config{URL: srv.URL, Format: FormatJSON})
			require.NoError(t, err)
			err = n.Notify(context.Background(), testAlert())
			require.ErrorIs(t, err, monitor.ErrDeliveryFailure)
			require.Equal(t, tc.permanent, retry.IsPermanent(err))
		})
	}
}

func TestNotifyConnectionErrorIsRetryable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	n, err := New(nil, Config{URL: addr, Timeout: time.Second})
	require.NoError(t, err)
	err = n.Notify(context.Background(), testAlert())
	require.ErrorIs(t, err, monitor.ErrDeliveryFailure)
	require.False(t, retry.IsPermanent(err))
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{URL: "not a url"})
	require.Error(t, err)
	_, err = New(nil, Config{URL: "ftp://example.com/hook"})
	require.Error(t, err)
	_, err = New(nil, Config{URL: "https://example.com/hook", Format: "teams"})
	require.Error(t, err)
}
