package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitewatch/internal/monitor"
	"github.com/JakeFAU/sitewatch/internal/store/memory"
)

var base = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeSubmitter struct {
	mu       sync.Mutex
	capacity int
	inflight map[string]bool
	tasks    []monitor.CheckTask
}

func newFakeSubmitter(capacity int) *fakeSubmitter {
	return &fakeSubmitter{capacity: capacity, inflight: make(map[string]bool)}
}

func (f *fakeSubmitter) Submit(task monitor.CheckTask) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inflight[task.SiteID] || len(f.inflight) >= f.capacity {
		return false
	}
	f.inflight[task.SiteID] = true
	f.tasks = append(f.tasks, task)
	return true
}

func (f *fakeSubmitter) InFlight(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inflight[id]
}

func (f *fakeSubmitter) finish(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.inflight, id)
}

func (f *fakeSubmitter) submittedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.tasks))
	for _, task := range f.tasks {
		ids = append(ids, task.SiteID)
	}
	return ids
}

func addSite(t *testing.T, store *memory.Store, id string, due time.Time) {
	t.Helper()
	require.NoError(t, store.Create(context.Background(), monitor.SiteState{
		Config:    monitor.SiteConfig{ID: id, URL: "https://" + id + ".example", CheckInterval: 10 * time.Minute},
		NextDueAt: due,
	}))
}

func TestTickSubmitsDueSitesInOrder(t *testing.T) {
	t.Parallel()

	store := memory.New()
	addSite(t, store, "b", base)
	addSite(t, store, "a", base.Add(-time.Minute))
	addSite(t, store, "later", base.Add(time.Hour))
	clock := &fakeClock{now: base}
	sub := newFakeSubmitter(10)

	s := New(store, sub, clock, Config{}, zap.NewNop())
	require.Equal(t, 2, s.Tick(context.Background()))
	require.Equal(t, []string{"a", "b"}, sub.submittedIDs())

	st, err := store.Get(context.Background(), "a")
	require.NoError(t, err)
	require.Equal(t, base.Add(10*time.Minute), st.NextDueAt)
}

func TestTickSkipsInFlightSites(t *testing.T) {
	t.Parallel()

	store := memory.New()
	addSite(t, store, "a", base)
	clock := &fakeClock{now: base}
	sub := newFakeSubmitter(10)
	s := New(store, sub, clock, Config{}, nil)

	require.Equal(t, 1, s.Tick(context.Background()))

	// Still in flight, and due again once the tentative due time passes.
	clock.Advance(11 * time.Minute)
	require.Zero(t, s.Tick(context.Background()))
	require.Len(t, sub.submittedIDs(), 1)

	sub.finish("a")
	require.Equal(t, 1, s.Tick(context.Background()))
}

func TestTickStopsWhenQueueFull(t *testing.T) {
	t.Parallel()

	store := memory.New()
	for _, id := range []string{"a", "b", "c", "d"} {
		addSite(t, store, id, base)
	}
	clock := &fakeClock{now: base}
	sub := newFakeSubmitter(2)
	s := New(store, sub, clock, Config{}, nil)

	require.Equal(t, 2, s.Tick(context.Background()))
	require.Equal(t, []string{"a", "b"}, sub.submittedIDs())

	st, err := store.Get(context.Background(), "c")
	require.NoError(t, err)
	require.Equal(t, base, st.NextDueAt, "unsubmitted sites stay due")

	sub.finish("a")
	sub.finish("b")
	require.Equal(t, 2, s.Tick(context.Background()))
	require.Equal(t, []string{"a", "b", "c", "d"}, sub.submittedIDs())
}

func TestAdvanceLeavesCompletedChecksAlone(t *testing.T) {
	t.Parallel()

	store := memory.New()
	addSite(t, store, "a", base)
	clock := &fakeClock{now: base}
	s := New(store, newFakeSubmitter(1), clock, Config{}, nil)

	completed := base.Add(time.Second)
	_, err := store.Upsert(context.Background(), "a", func(st *monitor.SiteState) error {
		st.LastCheckedAt = completed
		st.NextDueAt = completed.Add(40 * time.Minute)
		return nil
	})
	require.NoError(t, err)

	s.advance(context.Background(), "a", base)

	st, err := store.Get(context.Background(), "a")
	require.NoError(t, err)
	require.Equal(t, completed.Add(40*time.Minute), st.NextDueAt)
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	store := memory.New()
	addSite(t, store, "a", base)
	sub := newFakeSubmitter(1)
	s := New(store, sub, &fakeClock{now: base}, Config{Tick: 10 * time.Millisecond}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return len(sub.submittedIDs()) == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop after cancel")
	}
}
