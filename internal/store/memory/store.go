// Package memory implements the Site Record Store as an in-process map with
// per-site locking and optional write-through persistence.
package memory

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitewatch/internal/monitor"
)

type entry struct {
	mu    sync.Mutex
	state monitor.SiteState
	// pending is set while Create is persisting the site.
	pending bool
	deleted bool
}

// visible reports whether readers may see the entry. Callers hold e.mu.
func (e *entry) visible() bool {
	return !e.pending && !e.deleted
}

// Store holds every SiteState. The index lock is held only for map lookups;
// reads and writes of a site happen under that site's own mutex.
type Store struct {
	mu        sync.RWMutex
	entries   map[string]*entry
	byURL     map[string]string
	persister monitor.Persister
	logger    *zap.Logger
}

// Option customises a Store.
type Option func(*Store)

// WithPersister writes every change through to durable storage.
func WithPersister(p monitor.Persister) Option {
	return func(s *Store) { s.persister = p }
}

// WithLogger sets the logger used for persistence warnings.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// New returns an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		entries: make(map[string]*entry),
		byURL:   make(map[string]string),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open builds a Store and loads any sites held by the persister. Sites that
// were never scheduled are due at now; persisted due times are kept.
func Open(ctx context.Context, now time.Time, opts ...Option) (*Store, error) {
	s := New(opts...)
	if s.persister == nil {
		return s, nil
	}
	states, err := s.persister.LoadSites(ctx)
	if err != nil {
		return nil, fmt.Errorf("load sites: %w", err)
	}
	for _, st := range states {
		if st.NextDueAt.IsZero() {
			st.NextDueAt = now
		}
		if st.NextDueAt.Before(st.LastCheckedAt) {
			st.NextDueAt = st.LastCheckedAt
		}
		s.entries[st.Config.ID] = &entry{state: st}
		s.byURL[st.Config.URL] = st.Config.ID
	}
	s.logger.Info("site store loaded", zap.Int("sites", len(states)))
	return s, nil
}

func (s *Store) lookup(siteID string) (*entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[siteID]
	return e, ok
}

// Get returns the current state of a site.
func (s *Store) Get(_ context.Context, siteID string) (monitor.SiteState, error) {
	e, ok := s.lookup(siteID)
	if !ok {
		return monitor.SiteState{}, fmt.Errorf("%w: %s", monitor.ErrNotFound, siteID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.visible() {
		return monitor.SiteState{}, fmt.Errorf("%w: %s", monitor.ErrNotFound, siteID)
	}
	return e.state, nil
}

// GetByURL returns the state of the site registered under a normalized URL.
func (s *Store) GetByURL(ctx context.Context, url string) (monitor.SiteState, error) {
	s.mu.RLock()
	id, ok := s.byURL[url]
	s.mu.RUnlock()
	if !ok {
		return monitor.SiteState{}, fmt.Errorf("%w: %s", monitor.ErrNotFound, url)
	}
	return s.Get(ctx, id)
}

// ListDue returns sites whose NextDueAt is at or before now, ordered by
// NextDueAt and then by site ID.
func (s *Store) ListDue(_ context.Context, now time.Time) ([]monitor.SiteState, error) {
	due := make([]monitor.SiteState, 0)
	for _, e := range s.snapshotEntries() {
		e.mu.Lock()
		if e.visible() && !e.state.NextDueAt.After(now) {
			due = append(due, e.state)
		}
		e.mu.Unlock()
	}
	slices.SortFunc(due, func(a, b monitor.SiteState) int {
		if c := a.NextDueAt.Compare(b.NextDueAt); c != 0 {
			return c
		}
		return strings.Compare(a.Config.ID, b.Config.ID)
	})
	return due, nil
}

// List returns a page of sites ordered by creation time and the total count.
func (s *Store) List(_ context.Context, offset, limit int) ([]monitor.SiteState, int, error) {
	all := make([]monitor.SiteState, 0)
	for _, e := range s.snapshotEntries() {
		e.mu.Lock()
		if e.visible() {
			all = append(all, e.state)
		}
		e.mu.Unlock()
	}
	slices.SortFunc(all, func(a, b monitor.SiteState) int {
		if c := a.Config.CreatedAt.Compare(b.Config.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.Config.ID, b.Config.ID)
	})
	total := len(all)
	if offset < 0 {
		offset = 0
	}
	if offset >= total {
		return []monitor.SiteState{}, total, nil
	}
	end := total
	if limit > 0 && offset+limit < total {
		end = offset + limit
	}
	return all[offset:end], total, nil
}

// Create registers a new site. URLs are unique across the store. The URL and
// ID are reserved under the index lock, but the persister write happens
// outside it; the site stays invisible until that write succeeds.
func (s *Store) Create(ctx context.Context, state monitor.SiteState) error {
	id := state.Config.ID
	if id == "" || state.Config.URL == "" {
		return fmt.Errorf("%w: id and url are required", monitor.ErrInvalidSite)
	}
	s.mu.Lock()
	if _, ok := s.byURL[state.Config.URL]; ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", monitor.ErrDuplicateSite, state.Config.URL)
	}
	if _, ok := s.entries[id]; ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: id %s", monitor.ErrDuplicateSite, id)
	}
	e := &entry{state: state, pending: s.persister != nil}
	s.entries[id] = e
	s.byURL[state.Config.URL] = id
	s.mu.Unlock()

	if s.persister == nil {
		return nil
	}
	if err := s.persister.SaveSite(ctx, state); err != nil {
		s.mu.Lock()
		delete(s.entries, id)
		delete(s.byURL, state.Config.URL)
		s.mu.Unlock()
		e.mu.Lock()
		e.deleted = true
		e.mu.Unlock()
		return fmt.Errorf("persist site: %w", err)
	}
	e.mu.Lock()
	e.pending = false
	e.mu.Unlock()
	return nil
}

// Delete removes a site. Upserts already waiting on the site fail with NotFound.
func (s *Store) Delete(ctx context.Context, siteID string) error {
	s.mu.Lock()
	e, ok := s.entries[siteID]
	if ok {
		e.mu.Lock()
		ok = !e.pending
		e.mu.Unlock()
	}
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", monitor.ErrNotFound, siteID)
	}
	delete(s.entries, siteID)
	delete(s.byURL, e.state.Config.URL)
	s.mu.Unlock()

	e.mu.Lock()
	e.deleted = true
	e.mu.Unlock()

	if s.persister != nil {
		if err := s.persister.DeleteSite(ctx, siteID); err != nil {
			return fmt.Errorf("persist delete: %w", err)
		}
	}
	return nil
}

// Upsert applies mutate to a copy of the site's state and commits the copy
// only if mutate succeeds. Calls for the same site serialize.
func (s *Store) Upsert(ctx context.Context, siteID string, mutate monitor.Mutation) (monitor.SiteState, error) {
	e, ok := s.lookup(siteID)
	if !ok {
		return monitor.SiteState{}, fmt.Errorf("%w: %s", monitor.ErrNotFound, siteID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.visible() {
		return monitor.SiteState{}, fmt.Errorf("%w: %s", monitor.ErrNotFound, siteID)
	}

	next := e.state
	if err := mutate(&next); err != nil {
		return e.state, err
	}
	// Identity is owned by the store.
	next.Config.ID = e.state.Config.ID
	next.Config.URL = e.state.Config.URL
	if next.NextDueAt.Before(next.LastCheckedAt) {
		next.NextDueAt = next.LastCheckedAt
	}

	if s.persister != nil {
		if err := s.persister.SaveSite(ctx, next); err != nil {
			if errors.Is(err, monitor.ErrStoreConflict) {
				return e.state, err
			}
			s.logger.Warn("persist site failed; keeping in-memory state",
				zap.String("site_id", siteID),
				zap.Error(err),
			)
		}
	}
	e.state = next
	return next, nil
}

// Len reports the number of sites held.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *Store) snapshotEntries() []*entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	return out
}
