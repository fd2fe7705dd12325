// Package monitor defines the domain types and ports for the site monitor.
package monitor

import (
	"slices"
	"strings"
	"time"
)

// ChangeKind classifies the difference between two snapshots.
type ChangeKind string

// Supported change kinds, listed in detection priority order.
const (
	ChangeNone    ChangeKind = "none"
	ChangeStatus  ChangeKind = "status"
	ChangeIP      ChangeKind = "ip"
	ChangeDNS     ChangeKind = "dns"
	ChangeContent ChangeKind = "content"
)

// SiteConfig is the validated, user-supplied description of a monitored site.
// Build it through NewSiteConfig; only the interval may change afterwards.
type SiteConfig struct {
	ID            string        `json:"id"`
	URL           string        `json:"url"`
	CheckInterval time.Duration `json:"check_interval"`
	CreatedAt     time.Time     `json:"created_at"`
}

// WithInterval returns a copy of the config with a new check interval.
func (c SiteConfig) WithInterval(d time.Duration) SiteConfig {
	c.CheckInterval = d
	return c
}

// IntervalMinutes reports the check interval in whole minutes.
func (c SiteConfig) IntervalMinutes() int {
	return int(c.CheckInterval / time.Minute)
}

// Snapshot is one point-in-time observation of a site. It is produced once
// per check attempt and never modified afterwards.
type Snapshot struct {
	SiteID         string      `json:"site_id"`
	TakenAt        time.Time   `json:"taken_at"`
	FinalURL       string      `json:"final_url,omitempty"`
	HTTPStatus     int         `json:"http_status"`
	ResponseTimeMs int64       `json:"response_time_ms"`
	ContentHash    string      `json:"content_hash"`
	DNSRecords     []string    `json:"dns_records"`
	ResolvedIPs    []string    `json:"resolved_ips"`
	ScreenshotRef  string      `json:"screenshot_ref,omitempty"`
	FetchError     *FetchError `json:"fetch_error,omitempty"`
}

// Unreachable reports whether the check failed at the connection level.
func (s *Snapshot) Unreachable() bool {
	if s == nil || s.FetchError == nil {
		return false
	}
	return s.FetchError.Kind == ErrorKindTimeout || s.FetchError.Kind == ErrorKindConnection
}

// SlowerThan reports whether a reachable check took longer than thresholdMs.
// A non-positive threshold never matches.
func (s *Snapshot) SlowerThan(thresholdMs int64) bool {
	if s == nil || thresholdMs <= 0 || s.Unreachable() {
		return false
	}
	return s.ResponseTimeMs > thresholdMs
}

// SiteState is the authoritative per-site record held by the store.
// NextDueAt is never earlier than LastCheckedAt.
type SiteState struct {
	Config              SiteConfig    `json:"config"`
	LastSnapshot        *Snapshot     `json:"last_snapshot,omitempty"`
	LastCheckedAt       time.Time     `json:"last_checked_at"`
	NextDueAt           time.Time     `json:"next_due_at"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	LastChange          *ChangeReport `json:"last_change,omitempty"`
}

// ChangeReport is the classified result of comparing two snapshots.
type ChangeReport struct {
	SiteID     string     `json:"site_id"`
	Kind       ChangeKind `json:"kind"`
	Previous   *Snapshot  `json:"previous,omitempty"`
	Current    *Snapshot  `json:"current,omitempty"`
	DetectedAt time.Time  `json:"detected_at"`
}

// Changed reports whether the report carries anything other than ChangeNone.
func (r ChangeReport) Changed() bool {
	return r.Kind != "" && r.Kind != ChangeNone
}

// CheckTask asks the worker pool to check one site.
type CheckTask struct {
	SiteID      string
	SubmittedAt time.Time
}

// NewSet returns a sorted copy of values with blanks and duplicates removed.
func NewSet(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// SameSet compares two string collections ignoring order and duplicates.
func SameSet(a, b []string) bool {
	return slices.Equal(NewSet(a), NewSet(b))
}
