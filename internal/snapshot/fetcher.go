// Package snapshot performs a single check of a site: an HTTP probe, DNS and
// address resolution, content hashing and an optional screenshot.
package snapshot

import (
	"context"
	"fmt"
	"net/netip"
	"strings"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	collyfetcher "github.com/JakeFAU/sitewatch/internal/fetcher/colly"
	"github.com/JakeFAU/sitewatch/internal/fetcher/dnsprobe"
	"github.com/JakeFAU/sitewatch/internal/monitor"
	"github.com/JakeFAU/sitewatch/internal/normalize"
)

// HTTPProber issues the HTTP GET for a check.
type HTTPProber interface {
	Probe(ctx context.Context, url string) (collyfetcher.Response, error)
}

// DNSLookup resolves a host's record sets and addresses.
type DNSLookup interface {
	Lookup(ctx context.Context, host string) (dnsprobe.Result, error)
}

// Waiter throttles requests per host.
type Waiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Fetcher implements monitor.SnapshotTaker.
type Fetcher struct {
	prober     HTTPProber
	dns        DNSLookup
	capturer   *Capturer
	limiter    Waiter
	normalizer normalize.Policy
	hasher     monitor.Hasher
	clock      monitor.Clock
	logger     *zap.Logger
}

// Option customises a Fetcher.
type Option func(*Fetcher)

// WithDNS enables record and address collection.
func WithDNS(d DNSLookup) Option {
	return func(f *Fetcher) { f.dns = d }
}

// WithCapturer enables screenshots.
func WithCapturer(c *Capturer) Option {
	return func(f *Fetcher) { f.capturer = c }
}

// WithLimiter throttles probes per host.
func WithLimiter(w Waiter) Option {
	return func(f *Fetcher) { f.limiter = w }
}

// WithNormalizer sets the policy applied to bodies before hashing.
func WithNormalizer(p normalize.Policy) Option {
	return func(f *Fetcher) {
		if p != nil {
			f.normalizer = p
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(f *Fetcher) {
		if l != nil {
			f.logger = l
		}
	}
}

// New builds a Fetcher around the HTTP prober, which is the only required
// sub-step.
func New(prober HTTPProber, hasher monitor.Hasher, clock monitor.Clock, opts ...Option) *Fetcher {
	f := &Fetcher{
		prober:     prober,
		hasher:     hasher,
		clock:      clock,
		normalizer: normalize.Identity{},
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Take runs one check. It never fails: timeouts and connection failures
// produce a snapshot carrying only the error, with other observations copied
// from prev. DNS or render failures are recorded alongside whatever was
// collected. A context that expires at any point counts as a timeout.
func (f *Fetcher) Take(ctx context.Context, site monitor.SiteConfig, prev *monitor.Snapshot) monitor.Snapshot {
	snap := monitor.Snapshot{SiteID: site.ID, TakenAt: f.clock.Now()}

	if f.limiter != nil {
		if err := f.limiter.Wait(ctx, site.URL); err != nil {
			return unreachable(snap, prev, fmt.Errorf("%w: %w", monitor.ErrFetchTimeout, err))
		}
	}

	var (
		resp   collyfetcher.Response
		dnsRes dnsprobe.Result
		dnsErr error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		resp, err = f.prober.Probe(gctx, site.URL)
		return err
	})
	if f.dns != nil {
		g.Go(func() error {
			dnsRes, dnsErr = f.dns.Lookup(gctx, site.Host())
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return unreachable(snap, prev, err)
	}

	snap.FinalURL = resp.FinalURL
	snap.HTTPStatus = resp.StatusCode
	snap.ResponseTimeMs = resp.Duration.Milliseconds()
	snap.ContentHash = f.hash(site, resp.Body)
	records, ips := carryFailed(dnsRes, prev)
	snap.DNSRecords = monitor.NewSet(records)
	snap.ResolvedIPs = monitor.NewSet(ips)

	var errs error
	if dnsErr != nil {
		errs = multierr.Append(errs, dnsErr)
	}
	if f.capturer != nil {
		ref, err := f.capturer.Capture(ctx, site.ID, site.URL, snap.TakenAt)
		if err != nil {
			errs = multierr.Append(errs, err)
		} else {
			snap.ScreenshotRef = ref
		}
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return unreachable(snap, prev, fmt.Errorf("%w: %w", monitor.ErrFetchTimeout, ctxErr))
	}
	if errs != nil {
		snap.FetchError = combined(errs)
		f.logger.Debug("partial snapshot",
			zap.String("site_id", site.ID),
			zap.String("kind", string(snap.FetchError.Kind)),
			zap.Error(errs),
		)
	}
	return snap
}

func (f *Fetcher) hash(site monitor.SiteConfig, body []byte) string {
	normalized, err := f.normalizer.Normalize(body)
	if err != nil {
		f.logger.Warn("normalize body failed; hashing raw body", zap.String("site_id", site.ID), zap.Error(err))
		normalized = body
	}
	sum, err := f.hasher.Hash(normalized)
	if err != nil {
		f.logger.Warn("hash body failed", zap.String("site_id", site.ID), zap.Error(err))
		return ""
	}
	return sum
}

// unreachable builds the short-circuit snapshot for a failed probe.
func unreachable(partial monitor.Snapshot, prev *monitor.Snapshot, err error) monitor.Snapshot {
	fe := monitor.NewFetchError(err)
	if fe.Kind != monitor.ErrorKindTimeout {
		fe.Kind = monitor.ErrorKindConnection
	}
	snap := monitor.Snapshot{SiteID: partial.SiteID, TakenAt: partial.TakenAt, FetchError: fe}
	if prev != nil {
		snap.ContentHash = prev.ContentHash
		snap.DNSRecords = append([]string(nil), prev.DNSRecords...)
		snap.ResolvedIPs = append([]string(nil), prev.ResolvedIPs...)
		snap.ScreenshotRef = prev.ScreenshotRef
	}
	return snap
}

// carryFailed fills in prev's records and addresses for every DNS query that
// errored. A failed MX query says nothing about the MX set.
func carryFailed(res dnsprobe.Result, prev *monitor.Snapshot) (records, ips []string) {
	records = append(records, res.Records...)
	ips = append(ips, res.IPs...)
	if prev == nil {
		return records, ips
	}
	for _, failed := range res.Failed {
		prefix := failed + " "
		for _, rec := range prev.DNSRecords {
			if strings.HasPrefix(rec, prefix) {
				records = append(records, rec)
			}
		}
		switch failed {
		case "A":
			ips = append(ips, family(prev.ResolvedIPs, true)...)
		case "AAAA":
			ips = append(ips, family(prev.ResolvedIPs, false)...)
		}
	}
	return records, ips
}

func family(ips []string, v4 bool) []string {
	var out []string
	for _, raw := range ips {
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			continue
		}
		if addr.Unmap().Is4() == v4 {
			out = append(out, raw)
		}
	}
	return out
}

// combined folds sub-step errors into one FetchError named after the first.
func combined(err error) *monitor.FetchError {
	all := multierr.Errors(err)
	kind := monitor.ErrorKindUnknown
	if len(all) > 0 {
		kind = monitor.KindOf(all[0])
	}
	return &monitor.FetchError{Kind: kind, Message: err.Error()}
}
