package monitor_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sitewatch/internal/monitor"
	"github.com/JakeFAU/sitewatch/internal/policy/backoff"
	"github.com/JakeFAU/sitewatch/internal/store/memory"
)

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

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDs) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("site-%03d", g.n), nil
}

type fakeSubmitter struct {
	mu     sync.Mutex
	tasks  []monitor.CheckTask
	accept bool
}

func (f *fakeSubmitter) Submit(task monitor.CheckTask) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.accept {
		return false
	}
	f.tasks = append(f.tasks, task)
	return true
}

func (f *fakeSubmitter) InFlight(string) bool { return false }

func newService(t *testing.T, opts ...monitor.ServiceOption) (*monitor.Service, *memory.Store, *fakeClock) {
	t.Helper()
	store := memory.New()
	clock := &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	return monitor.NewService(store, clock, &seqIDs{}, nil, opts...), store, clock
}

func TestServiceAddSite(t *testing.T) {
	t.Parallel()

	svc, store, clock := newService(t)
	ctx := context.Background()

	state, err := svc.AddSite(ctx, "Example.com", 0)
	require.NoError(t, err)
	require.Equal(t, "https://example.com", state.Config.URL)
	require.Equal(t, monitor.DefaultCheckInterval, state.Config.CheckInterval)
	require.Equal(t, clock.Now(), state.NextDueAt)
	require.Nil(t, state.LastSnapshot)

	due, err := store.ListDue(ctx, clock.Now())
	require.NoError(t, err)
	require.Len(t, due, 1)

	_, err = svc.AddSite(ctx, "https://example.com/", 10)
	require.ErrorIs(t, err, monitor.ErrDuplicateSite)

	clamped, err := svc.AddSite(ctx, "https://other.example", 1)
	require.NoError(t, err)
	require.Equal(t, monitor.MinCheckInterval, clamped.Config.CheckInterval)

	_, err = svc.AddSite(ctx, "gopher://nope", 10)
	require.ErrorIs(t, err, monitor.ErrInvalidSite)
}

func TestServiceRemoveAndStatus(t *testing.T) {
	t.Parallel()

	svc, _, _ := newService(t)
	ctx := context.Background()

	_, err := svc.AddSite(ctx, "https://example.com", 10)
	require.NoError(t, err)

	got, err := svc.GetStatus(ctx, "example.com")
	require.NoError(t, err)
	require.Equal(t, 10, got.Config.IntervalMinutes())

	require.NoError(t, svc.RemoveSite(ctx, "https://EXAMPLE.com"))
	_, err = svc.GetStatus(ctx, "example.com")
	require.ErrorIs(t, err, monitor.ErrNotFound)
	require.ErrorIs(t, svc.RemoveSite(ctx, "example.com"), monitor.ErrNotFound)
}

func TestServiceUpdateIntervalReschedules(t *testing.T) {
	t.Parallel()

	svc, store, clock := newService(t, monitor.WithBackoff(backoff.New(backoff.Config{})))
	ctx := context.Background()

	added, err := svc.AddSite(ctx, "https://example.com", 10)
	require.NoError(t, err)

	// Never checked: stays due now.
	updated, err := svc.UpdateInterval(ctx, "https://example.com", 20)
	require.NoError(t, err)
	require.Equal(t, 20*time.Minute, updated.Config.CheckInterval)
	require.Equal(t, added.NextDueAt, updated.NextDueAt)

	checkedAt := clock.Now().Add(time.Minute)
	_, err = store.Upsert(ctx, added.Config.ID, func(st *monitor.SiteState) error {
		st.LastCheckedAt = checkedAt
		st.NextDueAt = checkedAt.Add(20 * time.Minute)
		st.ConsecutiveFailures = 1
		return nil
	})
	require.NoError(t, err)

	updated, err = svc.UpdateInterval(ctx, "https://example.com", 6)
	require.NoError(t, err)
	require.Equal(t, checkedAt.Add(12*time.Minute), updated.NextDueAt)

	_, err = svc.UpdateInterval(ctx, "https://missing.example", 6)
	require.ErrorIs(t, err, monitor.ErrNotFound)
}

func TestServiceListSitesPaginates(t *testing.T) {
	t.Parallel()

	svc, _, clock := newService(t)
	ctx := context.Background()
	for i := 0; i < 23; i++ {
		_, err := svc.AddSite(ctx, fmt.Sprintf("https://s%02d.example", i), 10)
		require.NoError(t, err)
		clock.Advance(time.Second)
	}

	page, err := svc.ListSites(ctx, 3, 0)
	require.NoError(t, err)
	require.Equal(t, 23, page.Total)
	require.Equal(t, 3, page.TotalPages)
	require.Equal(t, monitor.DefaultPageSize, page.PageSize)
	require.Len(t, page.Sites, 3)
	require.Equal(t, "https://s20.example", page.Sites[0].Config.URL)

	first, err := svc.ListSites(ctx, 0, 5)
	require.NoError(t, err)
	require.Equal(t, 1, first.Page)
	require.Len(t, first.Sites, 5)
	require.Equal(t, "https://s00.example", first.Sites[0].Config.URL)
}

func TestServiceCheckNow(t *testing.T) {
	t.Parallel()

	sub := &fakeSubmitter{accept: true}
	svc, _, clock := newService(t, monitor.WithSubmitter(sub))
	ctx := context.Background()

	added, err := svc.AddSite(ctx, "https://example.com", 10)
	require.NoError(t, err)

	_, err = svc.CheckNow(ctx, "example.com")
	require.NoError(t, err)
	require.Len(t, sub.tasks, 1)
	require.Equal(t, added.Config.ID, sub.tasks[0].SiteID)
	require.Equal(t, clock.Now(), sub.tasks[0].SubmittedAt)

	sub.accept = false
	_, err = svc.CheckNow(ctx, "example.com")
	require.ErrorIs(t, err, monitor.ErrCheckNotAccepted)

	_, err = svc.CheckNow(ctx, "https://unknown.example")
	require.ErrorIs(t, err, monitor.ErrNotFound)

	bare, _, _ := newService(t)
	_, err = bare.AddSite(ctx, "https://example.com", 10)
	require.NoError(t, err)
	_, err = bare.CheckNow(ctx, "https://example.com")
	require.ErrorIs(t, err, monitor.ErrCheckNotAccepted)
}
