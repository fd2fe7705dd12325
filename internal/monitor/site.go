package monitor

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Interval defaults applied when sites are created or edited.
const (
	DefaultCheckInterval = 30 * time.Minute
	MinCheckInterval     = 5 * time.Minute
)

// IntervalRules bounds the per-site check interval.
type IntervalRules struct {
	Default time.Duration
	Min     time.Duration
}

// DefaultIntervalRules returns the 30 minute default with a 5 minute floor.
func DefaultIntervalRules() IntervalRules {
	return IntervalRules{Default: DefaultCheckInterval, Min: MinCheckInterval}
}

// Resolve converts a requested interval in minutes into a duration. Zero or
// negative requests use the default; anything under the floor is raised to
// the floor and reported as clamped.
func (r IntervalRules) Resolve(minutes int) (d time.Duration, clamped bool) {
	if r.Default <= 0 {
		r.Default = DefaultCheckInterval
	}
	if r.Min <= 0 {
		r.Min = MinCheckInterval
	}
	if minutes <= 0 {
		return max(r.Default, r.Min), false
	}
	d = time.Duration(minutes) * time.Minute
	if d < r.Min {
		return r.Min, true
	}
	return d, false
}

// NormalizeURL canonicalises a site URL so the same site is never added twice.
// A missing scheme defaults to https. Scheme and host are lowercased, default
// ports and fragments are dropped and query parameters are sorted.
func NormalizeURL(rawURL string) (string, error) {
	raw := strings.TrimSpace(rawURL)
	if raw == "" {
		return "", fmt.Errorf("%w: url is required", ErrInvalidSite)
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: parse url: %w", ErrInvalidSite, err)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidSite, u.Scheme)
	}
	u.Host = strings.ToLower(u.Host)
	if u.Hostname() == "" {
		return "", fmt.Errorf("%w: url %q has no host", ErrInvalidSite, rawURL)
	}
	if u.Scheme == "http" {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}
	u.User = nil
	u.Fragment = ""
	u.RawFragment = ""
	u.RawQuery = u.Query().Encode()
	if u.Path == "/" {
		u.Path = ""
	}
	return u.String(), nil
}

// NewSiteConfig validates the inputs and builds a SiteConfig.
func NewSiteConfig(
	id string,
	rawURL string,
	intervalMinutes int,
	rules IntervalRules,
	createdAt time.Time,
) (SiteConfig, error) {
	if strings.TrimSpace(id) == "" {
		return SiteConfig{}, fmt.Errorf("%w: id is required", ErrInvalidSite)
	}
	normalized, err := NormalizeURL(rawURL)
	if err != nil {
		return SiteConfig{}, err
	}
	interval, _ := rules.Resolve(intervalMinutes)
	return SiteConfig{
		ID:            id,
		URL:           normalized,
		CheckInterval: interval,
		CreatedAt:     createdAt.UTC(),
	}, nil
}

// Host returns the hostname portion of the site URL.
func (c SiteConfig) Host() string {
	u, err := url.Parse(c.URL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
