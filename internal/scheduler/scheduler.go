// Package scheduler submits due sites to the worker pool on a fixed cadence.
package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitewatch/internal/monitor"
)

// DefaultTick is the scan cadence when Config.Tick is unset.
const DefaultTick = 5 * time.Second

// Config controls the scan cadence.
type Config struct {
	Tick time.Duration
}

// Scheduler scans the store for due sites and hands them to the pool. It
// never blocks on the pool: a full queue ends the scan and the remaining
// sites are picked up on a later tick.
type Scheduler struct {
	store     monitor.SiteStore
	submitter monitor.CheckSubmitter
	clock     monitor.Clock
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Scheduler.
func New(store monitor.SiteStore, submitter monitor.CheckSubmitter, clock monitor.Clock, cfg Config, logger *zap.Logger) *Scheduler {
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultTick
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{store: store, submitter: submitter, clock: clock, cfg: cfg, logger: logger}
}

// Run scans immediately and then once per tick until ctx ends.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()
	s.logger.Info("scheduler started", zap.Duration("tick", s.cfg.Tick))
	for {
		s.Tick(ctx)
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case <-ticker.C:
		}
	}
}

// Tick performs one scan and returns the number of sites submitted.
func (s *Scheduler) Tick(ctx context.Context) int {
	now := s.clock.Now()
	due, err := s.store.ListDue(ctx, now)
	if err != nil {
		s.logger.Error("list due sites failed", zap.Error(err))
		return 0
	}
	submitted := 0
	for _, st := range due {
		if ctx.Err() != nil {
			break
		}
		id := st.Config.ID
		if s.submitter.InFlight(id) {
			continue
		}
		task := monitor.CheckTask{SiteID: id, SubmittedAt: now}
		if !s.submitter.Submit(task) {
			if s.submitter.InFlight(id) {
				continue
			}
			s.logger.Debug("worker queue full; deferring remaining sites",
				zap.Int("submitted", submitted),
				zap.Int("remaining", len(due)-submitted),
			)
			break
		}
		submitted++
		s.advance(ctx, id, now)
	}
	if submitted > 0 {
		s.logger.Debug("scheduler tick", zap.Int("due", len(due)), zap.Int("submitted", submitted))
	}
	return submitted
}

// advance pushes NextDueAt past the submission so the next tick does not
// pick the site up again while its check is queued. A completion recorded
// at or after submittedAt already set a better value and is left alone.
func (s *Scheduler) advance(ctx context.Context, siteID string, submittedAt time.Time) {
	_, err := s.store.Upsert(ctx, siteID, func(st *monitor.SiteState) error {
		if !st.LastCheckedAt.Before(submittedAt) {
			return nil
		}
		if next := submittedAt.Add(st.Config.CheckInterval); next.After(st.NextDueAt) {
			st.NextDueAt = next
		}
		return nil
	})
	if err != nil {
		s.logger.Debug("advance next due failed", zap.String("site_id", siteID), zap.Error(err))
	}
}
