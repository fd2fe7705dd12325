package monitor

import (
	"fmt"
	"strings"
)

// Severity ranks an alert for the notification collaborator.
type Severity string

// Alert severities.
const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// criticalFailureStreak marks a site critical once it has failed this many checks in a row.
const criticalFailureStreak = 3

// Alert is what the notification collaborator receives: the change report,
// the site it concerns and a resolvable screenshot reference.
type Alert struct {
	Site                SiteConfig   `json:"site"`
	Report              ChangeReport `json:"report"`
	Severity            Severity     `json:"severity"`
	ScreenshotRef       string       `json:"screenshot_ref,omitempty"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	// SlowThresholdMs is the response time above which the summary flags the
	// check as slow. Zero disables the note.
	SlowThresholdMs int64 `json:"slow_threshold_ms,omitempty"`
}

// NewAlert builds an Alert from a report and the failure streak recorded with it.
func NewAlert(site SiteConfig, report ChangeReport, failures int) Alert {
	alert := Alert{
		Site:                site,
		Report:              report,
		ConsecutiveFailures: failures,
		Severity:            Classify(report.Current, failures),
	}
	if report.Current != nil {
		alert.ScreenshotRef = report.Current.ScreenshotRef
	}
	return alert
}

// Classify derives a severity from the latest snapshot and failure streak.
func Classify(current *Snapshot, failures int) Severity {
	switch {
	case current.Unreachable(), failures >= criticalFailureStreak:
		return SeverityCritical
	case current != nil && current.HTTPStatus >= 500:
		return SeverityCritical
	case current != nil && current.HTTPStatus >= 400:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

// Title is a one-line headline for chat-style notifiers.
func (a Alert) Title() string {
	return fmt.Sprintf("[%s] %s change detected on %s", strings.ToUpper(string(a.Severity)), a.Report.Kind, a.Site.URL)
}

// Summary describes what moved between the previous and current snapshot.
func (a Alert) Summary() string {
	prev, cur := a.Report.Previous, a.Report.Current
	if cur == nil {
		return "no current snapshot"
	}
	var b strings.Builder
	switch a.Report.Kind {
	case ChangeStatus:
		if cur.Unreachable() {
			fmt.Fprintf(&b, "site unreachable: %s", cur.FetchError.Message)
		} else {
			fmt.Fprintf(&b, "HTTP status %d -> %d", statusOf(prev), cur.HTTPStatus)
		}
	case ChangeIP:
		fmt.Fprintf(&b, "resolved IPs %v -> %v", setOf(prev, ipsOf), cur.ResolvedIPs)
	case ChangeDNS:
		fmt.Fprintf(&b, "DNS records %v -> %v", setOf(prev, dnsOf), cur.DNSRecords)
	case ChangeContent:
		fmt.Fprintf(&b, "content hash %s -> %s", shortHash(prev), shortHash(cur))
	default:
		b.WriteString("no change")
	}
	if a.ConsecutiveFailures > 0 {
		fmt.Fprintf(&b, " (failures: %d)", a.ConsecutiveFailures)
	}
	if cur.FetchError != nil && !cur.Unreachable() {
		fmt.Fprintf(&b, "\npartial check failure: %s", cur.FetchError.Message)
	}
	if a.Slow() {
		fmt.Fprintf(&b, "\nslow response: %dms (threshold %dms)", cur.ResponseTimeMs, a.SlowThresholdMs)
	}
	if a.ScreenshotRef != "" {
		fmt.Fprintf(&b, "\nscreenshot: %s", a.ScreenshotRef)
	}
	return b.String()
}

// Slow reports whether the current snapshot's response time exceeded the
// alert's threshold.
func (a Alert) Slow() bool {
	return a.Report.Current.SlowerThan(a.SlowThresholdMs)
}

func statusOf(s *Snapshot) int {
	if s == nil {
		return 0
	}
	return s.HTTPStatus
}

func ipsOf(s *Snapshot) []string { return s.ResolvedIPs }

func dnsOf(s *Snapshot) []string { return s.DNSRecords }

func setOf(s *Snapshot, pick func(*Snapshot) []string) []string {
	if s == nil {
		return nil
	}
	return pick(s)
}

func shortHash(s *Snapshot) string {
	if s == nil || s.ContentHash == "" {
		return "-"
	}
	if len(s.ContentHash) > 12 {
		return s.ContentHash[:12]
	}
	return s.ContentHash
}
