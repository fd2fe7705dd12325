package monitor

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// DefaultPageSize is the number of sites returned per ListSites page.
const DefaultPageSize = 10

// ErrCheckNotAccepted is returned by CheckNow when the pool refused the task,
// either because the site is already being checked or the queue is full.
var ErrCheckNotAccepted = errors.New("check not accepted")

// Page is one slice of the site listing.
type Page struct {
	Sites      []SiteState `json:"sites"`
	Page       int         `json:"page"`
	PageSize   int         `json:"page_size"`
	Total      int         `json:"total"`
	TotalPages int         `json:"total_pages"`
}

// Service implements the command interface over the store and worker pool.
type Service struct {
	store     SiteStore
	submitter CheckSubmitter
	backoff   BackoffPolicy
	clock     Clock
	ids       IDGenerator
	rules     IntervalRules
	logger    *zap.Logger
}

// ServiceOption customises a Service.
type ServiceOption func(*Service)

// WithSubmitter lets CheckNow hand tasks to the worker pool.
func WithSubmitter(s CheckSubmitter) ServiceOption {
	return func(svc *Service) { svc.submitter = s }
}

// WithBackoff applies a backoff policy when intervals are edited.
func WithBackoff(b BackoffPolicy) ServiceOption {
	return func(svc *Service) { svc.backoff = b }
}

// WithIntervalRules overrides the default and minimum check intervals.
func WithIntervalRules(r IntervalRules) ServiceOption {
	return func(svc *Service) { svc.rules = r }
}

// NewService constructs a Service.
func NewService(store SiteStore, clock Clock, ids IDGenerator, logger *zap.Logger, opts ...ServiceOption) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	svc := &Service{
		store:  store,
		clock:  clock,
		ids:    ids,
		rules:  DefaultIntervalRules(),
		logger: logger,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

// AddSite registers a new site. It is due immediately so the first check
// establishes a baseline.
func (s *Service) AddSite(ctx context.Context, rawURL string, intervalMinutes int) (SiteState, error) {
	id, err := s.ids.NewID()
	if err != nil {
		return SiteState{}, fmt.Errorf("generate site id: %w", err)
	}
	now := s.clock.Now()
	cfg, err := NewSiteConfig(id, rawURL, intervalMinutes, s.rules, now)
	if err != nil {
		return SiteState{}, err
	}
	if _, clamped := s.rules.Resolve(intervalMinutes); clamped {
		s.logger.Warn("check interval raised to minimum",
			zap.String("url", cfg.URL),
			zap.Int("requested_minutes", intervalMinutes),
			zap.Duration("interval", cfg.CheckInterval),
		)
	}
	state := SiteState{Config: cfg, NextDueAt: now}
	if err := s.store.Create(ctx, state); err != nil {
		return SiteState{}, fmt.Errorf("add site %s: %w", cfg.URL, err)
	}
	s.logger.Info("site added", zap.String("site_id", id), zap.String("url", cfg.URL))
	return state, nil
}

// RemoveSite stops monitoring the site with the given URL.
func (s *Service) RemoveSite(ctx context.Context, rawURL string) error {
	state, err := s.lookup(ctx, rawURL)
	if err != nil {
		return err
	}
	if err := s.store.Delete(ctx, state.Config.ID); err != nil {
		return fmt.Errorf("remove site %s: %w", state.Config.URL, err)
	}
	s.logger.Info("site removed", zap.String("site_id", state.Config.ID), zap.String("url", state.Config.URL))
	return nil
}

// UpdateInterval changes a site's check interval and reschedules it from its
// last completed check.
func (s *Service) UpdateInterval(ctx context.Context, rawURL string, intervalMinutes int) (SiteState, error) {
	state, err := s.lookup(ctx, rawURL)
	if err != nil {
		return SiteState{}, err
	}
	interval, clamped := s.rules.Resolve(intervalMinutes)
	if clamped {
		s.logger.Warn("check interval raised to minimum",
			zap.String("url", state.Config.URL),
			zap.Int("requested_minutes", intervalMinutes),
		)
	}
	updated, err := s.store.Upsert(ctx, state.Config.ID, func(st *SiteState) error {
		st.Config = st.Config.WithInterval(interval)
		if st.LastCheckedAt.IsZero() {
			return nil
		}
		next := interval
		if s.backoff != nil {
			next = s.backoff.Next(interval, st.ConsecutiveFailures)
		}
		st.NextDueAt = st.LastCheckedAt.Add(next)
		return nil
	})
	if err != nil {
		return SiteState{}, fmt.Errorf("update interval for %s: %w", state.Config.URL, err)
	}
	return updated, nil
}

// ListSites returns one page of monitored sites. Pages are 1-based.
func (s *Service) ListSites(ctx context.Context, page, pageSize int) (Page, error) {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if page <= 0 {
		page = 1
	}
	sites, total, err := s.store.List(ctx, (page-1)*pageSize, pageSize)
	if err != nil {
		return Page{}, fmt.Errorf("list sites: %w", err)
	}
	return Page{
		Sites:      sites,
		Page:       page,
		PageSize:   pageSize,
		Total:      total,
		TotalPages: (total + pageSize - 1) / pageSize,
	}, nil
}

// GetStatus returns the current state of a site, including its last change.
func (s *Service) GetStatus(ctx context.Context, rawURL string) (SiteState, error) {
	return s.lookup(ctx, rawURL)
}

// CheckNow submits an immediate check for the site.
func (s *Service) CheckNow(ctx context.Context, rawURL string) (SiteState, error) {
	state, err := s.lookup(ctx, rawURL)
	if err != nil {
		return SiteState{}, err
	}
	if s.submitter == nil {
		return SiteState{}, fmt.Errorf("%w: no worker pool", ErrCheckNotAccepted)
	}
	task := CheckTask{SiteID: state.Config.ID, SubmittedAt: s.clock.Now()}
	if !s.submitter.Submit(task) {
		return SiteState{}, fmt.Errorf("%w: %s", ErrCheckNotAccepted, state.Config.URL)
	}
	s.logger.Info("on-demand check submitted", zap.String("site_id", task.SiteID), zap.String("url", state.Config.URL))
	return state, nil
}

func (s *Service) lookup(ctx context.Context, rawURL string) (SiteState, error) {
	normalized, err := NormalizeURL(rawURL)
	if err != nil {
		return SiteState{}, err
	}
	state, err := s.store.GetByURL(ctx, normalized)
	if err != nil {
		return SiteState{}, fmt.Errorf("lookup %s: %w", normalized, err)
	}
	return state, nil
}

