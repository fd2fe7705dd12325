package monitor

import (
	"context"
	"io"
	"time"
)

// Mutation edits a copy of a SiteState. Returning an error discards the edit.
type Mutation func(state *SiteState) error

// SiteStore owns every SiteState. Upserts on the same site serialize while
// different sites proceed independently.
type SiteStore interface {
	Get(ctx context.Context, siteID string) (SiteState, error)
	GetByURL(ctx context.Context, url string) (SiteState, error)
	ListDue(ctx context.Context, now time.Time) ([]SiteState, error)
	List(ctx context.Context, offset, limit int) ([]SiteState, int, error)
	Create(ctx context.Context, state SiteState) error
	Delete(ctx context.Context, siteID string) error
	Upsert(ctx context.Context, siteID string, mutate Mutation) (SiteState, error)
}

// Persister is the durable backing for a SiteStore.
type Persister interface {
	LoadSites(ctx context.Context) ([]SiteState, error)
	SaveSite(ctx context.Context, state SiteState) error
	DeleteSite(ctx context.Context, siteID string) error
}

// SnapshotTaker collects a Snapshot for a site. It never fails outright;
// problems are recorded on the returned snapshot.
type SnapshotTaker interface {
	Take(ctx context.Context, site SiteConfig, prev *Snapshot) Snapshot
}

// Renderer captures a full-page screenshot of url.
type Renderer interface {
	Screenshot(ctx context.Context, url string) ([]byte, error)
}

// BlobStore writes raw artifacts and returns a resolvable URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Notifier delivers an alert to an external collaborator.
type Notifier interface {
	Notify(ctx context.Context, alert Alert) error
}

// AlertSink accepts alerts for asynchronous delivery.
type AlertSink interface {
	Dispatch(alert Alert)
}

// CheckSubmitter accepts check tasks without blocking.
type CheckSubmitter interface {
	Submit(task CheckTask) bool
	InFlight(siteID string) bool
}

// Hasher computes content digests.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces site IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// BackoffPolicy stretches a check interval after consecutive failures.
type BackoffPolicy interface {
	Next(interval time.Duration, failures int) time.Duration
}
