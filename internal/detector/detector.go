// Package detector classifies the difference between consecutive snapshots.
package detector

import (
	"time"

	"github.com/JakeFAU/sitewatch/internal/monitor"
)

// Detect compares prev against cur and returns a single classified report.
// Rules are evaluated in priority order and the first match wins:
//
//  1. the site became unreachable -> Status
//  2. HTTP status differs -> Status
//  3. resolved IP set differs -> IP
//  4. DNS record set differs -> DNS
//  5. content hash differs -> Content
//
// With no previous snapshot the result is always ChangeNone. DNS and render
// failures on a reachable site are carried on the snapshot but never raise a
// change by themselves.
func Detect(prev *monitor.Snapshot, cur monitor.Snapshot, now time.Time) monitor.ChangeReport {
	report := monitor.ChangeReport{
		SiteID:     cur.SiteID,
		Kind:       monitor.ChangeNone,
		Previous:   prev,
		Current:    &cur,
		DetectedAt: now,
	}
	if prev == nil {
		return report
	}
	report.Kind = classify(prev, &cur)
	return report
}

func classify(prev, cur *monitor.Snapshot) monitor.ChangeKind {
	switch {
	case !prev.Unreachable() && cur.Unreachable():
		return monitor.ChangeStatus
	case prev.HTTPStatus != cur.HTTPStatus:
		return monitor.ChangeStatus
	case !monitor.SameSet(prev.ResolvedIPs, cur.ResolvedIPs):
		return monitor.ChangeIP
	case !monitor.SameSet(prev.DNSRecords, cur.DNSRecords):
		return monitor.ChangeDNS
	case prev.ContentHash != cur.ContentHash:
		return monitor.ChangeContent
	default:
		return monitor.ChangeNone
	}
}
