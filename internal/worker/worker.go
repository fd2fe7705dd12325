// Package worker implements the bounded check pool: W goroutines draining a
// task queue, each running fetch, detect, record and alert for one site.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitewatch/internal/detector"
	"github.com/JakeFAU/sitewatch/internal/metrics"
	"github.com/JakeFAU/sitewatch/internal/monitor"
	"github.com/JakeFAU/sitewatch/internal/progress"
	"github.com/JakeFAU/sitewatch/internal/queue/memory"
)

// Defaults applied when Config values are unset.
const (
	DefaultConcurrency  = 8
	DefaultCheckTimeout = 60 * time.Second
)

// Check results recorded in metrics.
const (
	resultOK          = "ok"
	resultPartial     = "partial"
	resultUnreachable = "unreachable"
)

// Config controls Pool behavior.
type Config struct {
	Concurrency  int
	QueueDepth   int
	CheckTimeout time.Duration
	// SlowThresholdMs flags reachable checks that took longer. Zero disables it.
	SlowThresholdMs int64
}

// Pool accepts check tasks without blocking and runs them on a fixed number
// of goroutines. A site never has more than one task queued or running.
type Pool struct {
	queue    *memory.Queue
	inflight *inflightSet
	store    monitor.SiteStore
	taker    monitor.SnapshotTaker
	alerts   monitor.AlertSink
	backoff  monitor.BackoffPolicy
	clock    monitor.Clock
	progress progress.Emitter
	cfg      Config
	logger   *zap.Logger
}

// Option customises a Pool.
type Option func(*Pool)

// WithProgress emits check lifecycle events.
func WithProgress(e progress.Emitter) Option {
	return func(p *Pool) { p.progress = e }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Pool) {
		if l != nil {
			p.logger = l
		}
	}
}

// New constructs a Pool. The queue depth defaults to twice the concurrency.
func New(
	store monitor.SiteStore,
	taker monitor.SnapshotTaker,
	alerts monitor.AlertSink,
	backoff monitor.BackoffPolicy,
	clock monitor.Clock,
	cfg Config,
	opts ...Option,
) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 2 * cfg.Concurrency
	}
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = DefaultCheckTimeout
	}
	p := &Pool{
		queue:    memory.NewQueue(cfg.QueueDepth),
		inflight: newInflightSet(),
		store:    store,
		taker:    taker,
		alerts:   alerts,
		backoff:  backoff,
		clock:    clock,
		cfg:      cfg,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Submit queues a check. It returns false without blocking when the site is
// already in flight or the queue is full.
func (p *Pool) Submit(task monitor.CheckTask) bool {
	if !p.inflight.add(task.SiteID) {
		metrics.ObserveSubmitRejection("in_flight")
		return false
	}
	if !p.queue.TryEnqueue(task) {
		p.inflight.remove(task.SiteID)
		metrics.ObserveSubmitRejection("queue_full")
		p.logger.Warn("check queue full", zap.String("site_id", task.SiteID), zap.Int("depth", p.cfg.QueueDepth))
		return false
	}
	return true
}

// InFlight reports whether a check for the site is queued or running.
func (p *Pool) InFlight(siteID string) bool {
	return p.inflight.contains(siteID)
}

// Pending reports the number of sites queued or running.
func (p *Pool) Pending() int {
	return p.inflight.len()
}

// Run starts the workers and blocks until the context finishes and every
// running check has returned.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.work(ctx, id)
		}(i)
	}
	p.logger.Info("worker pool started", zap.Int("workers", p.cfg.Concurrency), zap.Int("queue_depth", p.cfg.QueueDepth))
	<-ctx.Done()
	wg.Wait()
	p.queue.Close()
	p.logger.Info("worker pool stopped")
}

func (p *Pool) work(ctx context.Context, id int) {
	logger := p.logger.With(zap.Int("worker", id))
	for {
		task, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, memory.ErrClosed) {
				return
			}
			logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		logger.Debug("dequeued check", zap.String("site_id", task.SiteID))
		p.process(ctx, task)
	}
}

func (p *Pool) process(ctx context.Context, task monitor.CheckTask) {
	defer p.inflight.remove(task.SiteID)
	metrics.IncInflight()
	defer metrics.DecInflight()

	state, err := p.store.Get(ctx, task.SiteID)
	if err != nil {
		p.logger.Debug("site gone before check", zap.String("site_id", task.SiteID), zap.Error(err))
		return
	}
	site := state.Config
	p.emit(progress.Event{SiteID: site.ID, Stage: progress.StageCheckStart, Site: metrics.SanitizeSite(site.URL), URL: site.URL})

	started := p.clock.Now()
	checkCtx, cancel := context.WithTimeout(ctx, p.cfg.CheckTimeout)
	snap := p.taker.Take(checkCtx, site, state.LastSnapshot)
	cancel()
	if ctx.Err() != nil {
		p.logger.Debug("shutting down; check result dropped", zap.String("site_id", site.ID))
		return
	}
	completedAt := p.clock.Now()

	var report monitor.ChangeReport
	updated, err := p.store.Upsert(ctx, site.ID, p.record(snap, completedAt, &report))
	if err != nil {
		p.logUpsertError(site, err)
		return
	}

	p.observeCheck(site, snap, completedAt.Sub(started))
	p.observeLatency(site, snap)
	if !report.Changed() {
		return
	}
	metrics.ObserveChange(string(report.Kind))
	p.emit(progress.Event{
		SiteID: site.ID,
		Stage:  progress.StageChangeDetected,
		Site:   metrics.SanitizeSite(site.URL),
		URL:    site.URL,
		Kind:   string(report.Kind),
	})
	p.logger.Info("change detected",
		zap.String("site_id", site.ID),
		zap.String("url", site.URL),
		zap.String("kind", string(report.Kind)),
		zap.Int("consecutive_failures", updated.ConsecutiveFailures),
	)
	if p.alerts != nil {
		alert := monitor.NewAlert(updated.Config, report, updated.ConsecutiveFailures)
		alert.SlowThresholdMs = p.cfg.SlowThresholdMs
		p.alerts.Dispatch(alert)
	}
}

// record returns the mutation that folds a finished snapshot into the site's
// state. Results older than what the store already holds are refused.
func (p *Pool) record(snap monitor.Snapshot, completedAt time.Time, report *monitor.ChangeReport) monitor.Mutation {
	return func(st *monitor.SiteState) error {
		if st.LastSnapshot != nil && !snap.TakenAt.After(st.LastSnapshot.TakenAt) {
			return fmt.Errorf("%w: snapshot taken at %s is not newer than %s",
				monitor.ErrStoreConflict, snap.TakenAt.Format(time.RFC3339Nano), st.LastSnapshot.TakenAt.Format(time.RFC3339Nano))
		}
		if st.LastCheckedAt.After(completedAt) {
			return fmt.Errorf("%w: already checked at %s", monitor.ErrStoreConflict, st.LastCheckedAt.Format(time.RFC3339Nano))
		}

		*report = detector.Detect(st.LastSnapshot, snap, completedAt)
		if snap.Unreachable() {
			st.ConsecutiveFailures++
		} else {
			st.ConsecutiveFailures = 0
		}
		current := snap
		st.LastSnapshot = &current
		st.LastCheckedAt = completedAt
		delay := st.Config.CheckInterval
		if p.backoff != nil {
			delay = p.backoff.Next(delay, st.ConsecutiveFailures)
		}
		st.NextDueAt = completedAt.Add(delay)
		if report.Changed() {
			changed := *report
			st.LastChange = &changed
		}
		return nil
	}
}

func (p *Pool) logUpsertError(site monitor.SiteConfig, err error) {
	switch {
	case errors.Is(err, monitor.ErrStoreConflict):
		p.logger.Warn("stale check result discarded", zap.String("site_id", site.ID), zap.Error(err))
	case errors.Is(err, monitor.ErrNotFound):
		p.logger.Debug("site removed during check", zap.String("site_id", site.ID))
	default:
		p.logger.Error("record check result failed", zap.String("site_id", site.ID), zap.Error(err))
	}
}

func (p *Pool) observeCheck(site monitor.SiteConfig, snap monitor.Snapshot, dur time.Duration) {
	result := resultOK
	stage := progress.StageCheckDone
	note := ""
	switch {
	case snap.Unreachable():
		result = resultUnreachable
		stage = progress.StageCheckFailed
		note = snap.FetchError.Message
	case snap.FetchError != nil:
		result = resultPartial
		note = snap.FetchError.Message
	}
	metrics.ObserveCheck(site.URL, result, dur)
	p.emit(progress.Event{
		SiteID:      site.ID,
		Stage:       stage,
		Site:        metrics.SanitizeSite(site.URL),
		URL:         site.URL,
		StatusClass: progress.ClassifyStatus(snap.HTTPStatus),
		Dur:         dur,
		Note:        note,
	})
	if ce := p.logger.Check(zap.DebugLevel, "check finished"); ce != nil {
		ce.Write(
			zap.String("site_id", site.ID),
			zap.String("result", result),
			zap.Int("status", snap.HTTPStatus),
			zap.Duration("dur", dur),
		)
	}
}

// observeLatency reports a check whose response time crossed the slow
// threshold. Slowness is not a change and raises no alert on its own.
func (p *Pool) observeLatency(site monitor.SiteConfig, snap monitor.Snapshot) {
	if !snap.SlowerThan(p.cfg.SlowThresholdMs) {
		return
	}
	rt := time.Duration(snap.ResponseTimeMs) * time.Millisecond
	metrics.ObserveSlowResponse(site.URL)
	p.emit(progress.Event{
		SiteID:      site.ID,
		Stage:       progress.StageSlowResponse,
		Site:        metrics.SanitizeSite(site.URL),
		URL:         site.URL,
		StatusClass: progress.ClassifyStatus(snap.HTTPStatus),
		Dur:         rt,
		Note:        fmt.Sprintf("threshold %dms", p.cfg.SlowThresholdMs),
	})
	p.logger.Warn("slow response",
		zap.String("site_id", site.ID),
		zap.String("url", site.URL),
		zap.Int64("response_time_ms", snap.ResponseTimeMs),
		zap.Int64("threshold_ms", p.cfg.SlowThresholdMs),
	)
}

func (p *Pool) emit(evt progress.Event) {
	if p.progress == nil {
		return
	}
	if evt.TS.IsZero() {
		evt.TS = p.clock.Now()
	}
	p.progress.Emit(evt)
}
