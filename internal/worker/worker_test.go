package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/sitewatch/internal/monitor"
	"github.com/JakeFAU/sitewatch/internal/policy/backoff"
	"github.com/JakeFAU/sitewatch/internal/progress"
	sitestore "github.com/JakeFAU/sitewatch/internal/store/memory"
)

func TestPoolContentChangeRaisesOneAlert(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{Concurrency: 2})
	hash := atomic.Value{}
	hash.Store("h1")
	env.taker.fn = func(_ context.Context, site monitor.SiteConfig, _ *monitor.Snapshot, at time.Time) monitor.Snapshot {
		return monitor.Snapshot{SiteID: site.ID, TakenAt: at, HTTPStatus: 200, ContentHash: hash.Load().(string)}
	}
	env.start(t)

	env.checkAndWait(t, "site-1")
	st := env.state(t, "site-1")
	require.NotNil(t, st.LastSnapshot)
	require.Nil(t, st.LastChange)
	require.Empty(t, env.alerts.all())

	hash.Store("h2")
	env.checkAndWait(t, "site-1")

	alerts := env.alerts.all()
	require.Len(t, alerts, 1)
	require.Equal(t, monitor.ChangeContent, alerts[0].Report.Kind)
	require.Equal(t, "https://site-1.example", alerts[0].Site.URL)
	require.Equal(t, monitor.SeverityInfo, alerts[0].Severity)

	st = env.state(t, "site-1")
	require.NotNil(t, st.LastChange)
	require.Equal(t, monitor.ChangeContent, st.LastChange.Kind)
	require.Equal(t, "h2", st.LastSnapshot.ContentHash)
}

func TestPoolRepeatedFailuresFromBaseline(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{Concurrency: 1})
	env.taker.fn = func(_ context.Context, site monitor.SiteConfig, prev *monitor.Snapshot, at time.Time) monitor.Snapshot {
		return monitor.Snapshot{
			SiteID:     site.ID,
			TakenAt:    at,
			FetchError: &monitor.FetchError{Kind: monitor.ErrorKindConnection, Message: "connection refused"},
		}
	}
	env.start(t)

	for i := 0; i < 3; i++ {
		env.checkAndWait(t, "site-1")
	}

	require.Empty(t, env.alerts.all())
	st := env.state(t, "site-1")
	require.Equal(t, 3, st.ConsecutiveFailures)
	require.Equal(t, 8*5*time.Minute, st.NextDueAt.Sub(st.LastCheckedAt))
}

func TestPoolRecoveryResetsFailures(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{Concurrency: 1})
	var down atomic.Bool
	env.taker.fn = func(_ context.Context, site monitor.SiteConfig, _ *monitor.Snapshot, at time.Time) monitor.Snapshot {
		if down.Load() {
			return monitor.Snapshot{SiteID: site.ID, TakenAt: at, FetchError: &monitor.FetchError{Kind: monitor.ErrorKindTimeout}}
		}
		return monitor.Snapshot{SiteID: site.ID, TakenAt: at, HTTPStatus: 200, ContentHash: "h"}
	}
	env.start(t)

	env.checkAndWait(t, "site-1")
	down.Store(true)
	env.checkAndWait(t, "site-1")
	env.checkAndWait(t, "site-1")
	require.Equal(t, 2, env.state(t, "site-1").ConsecutiveFailures)

	down.Store(false)
	env.checkAndWait(t, "site-1")

	st := env.state(t, "site-1")
	require.Zero(t, st.ConsecutiveFailures)
	require.Equal(t, 5*time.Minute, st.NextDueAt.Sub(st.LastCheckedAt))

	alerts := env.alerts.all()
	require.Len(t, alerts, 2)
	require.Equal(t, monitor.ChangeStatus, alerts[0].Report.Kind)
	require.Equal(t, monitor.SeverityCritical, alerts[0].Severity)
	require.Equal(t, monitor.ChangeStatus, alerts[1].Report.Kind)
}

func TestPoolFlagsSlowResponses(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{Concurrency: 1, SlowThresholdMs: 5000})
	core, logs := observer.New(zap.WarnLevel)
	events := &recordingEmitter{}
	env.pool = New(env.store, env.taker, env.alerts, backoff.New(backoff.Config{}), env.clock, env.pool.cfg,
		WithLogger(zap.New(core)), WithProgress(events))

	var (
		hash  atomic.Value
		latMs atomic.Int64
	)
	hash.Store("h1")
	latMs.Store(7000)
	env.taker.fn = func(_ context.Context, site monitor.SiteConfig, _ *monitor.Snapshot, at time.Time) monitor.Snapshot {
		return monitor.Snapshot{SiteID: site.ID, TakenAt: at, HTTPStatus: 200, ContentHash: hash.Load().(string), ResponseTimeMs: latMs.Load()}
	}
	env.start(t)

	env.checkAndWait(t, "site-1")
	require.Empty(t, env.alerts.all())
	require.Equal(t, 1, logs.FilterMessage("slow response").Len())

	slow := events.withStage(progress.StageSlowResponse)
	require.Len(t, slow, 1)
	require.Equal(t, 7*time.Second, slow[0].Dur)
	require.NoError(t, slow[0].Validate())

	hash.Store("h2")
	env.checkAndWait(t, "site-1")
	alerts := env.alerts.all()
	require.Len(t, alerts, 1)
	require.Equal(t, monitor.ChangeContent, alerts[0].Report.Kind)
	require.Contains(t, alerts[0].Summary(), "slow response: 7000ms (threshold 5000ms)")

	latMs.Store(300)
	env.checkAndWait(t, "site-1")
	require.Len(t, events.withStage(progress.StageSlowResponse), 2)
	require.Equal(t, 2, logs.FilterMessage("slow response").Len())
	require.Len(t, env.alerts.all(), 1)
}

func TestPoolIntermittentRenderFailureRaisesNoAlert(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{Concurrency: 1})
	var calls atomic.Int32
	env.taker.fn = func(_ context.Context, site monitor.SiteConfig, _ *monitor.Snapshot, at time.Time) monitor.Snapshot {
		snap := monitor.Snapshot{SiteID: site.ID, TakenAt: at, HTTPStatus: 200, ContentHash: "h"}
		if calls.Add(1)%2 == 0 {
			snap.FetchError = &monitor.FetchError{Kind: monitor.ErrorKindRender, Message: "render error: target crashed"}
		}
		return snap
	}
	env.start(t)

	for i := 0; i < 5; i++ {
		env.checkAndWait(t, "site-1")
	}
	require.Empty(t, env.alerts.all())
	require.Zero(t, env.state(t, "site-1").ConsecutiveFailures)
}

func TestPoolSubmitRejectsInFlightAndFullQueue(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{Concurrency: 1, QueueDepth: 1})
	now := env.clock.Now()

	require.True(t, env.pool.Submit(monitor.CheckTask{SiteID: "site-1", SubmittedAt: now}))
	require.True(t, env.pool.InFlight("site-1"))
	require.False(t, env.pool.Submit(monitor.CheckTask{SiteID: "site-1", SubmittedAt: now}))

	require.False(t, env.pool.Submit(monitor.CheckTask{SiteID: "site-2", SubmittedAt: now}))
	require.False(t, env.pool.InFlight("site-2"))
	require.Equal(t, 1, env.pool.Pending())
}

func TestPoolNeverRunsOneSiteConcurrently(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{Concurrency: 4, QueueDepth: 16})
	var running, maxRunning, checks atomic.Int32
	env.taker.fn = func(_ context.Context, site monitor.SiteConfig, _ *monitor.Snapshot, at time.Time) monitor.Snapshot {
		n := running.Add(1)
		for {
			cur := maxRunning.Load()
			if n <= cur || maxRunning.CompareAndSwap(cur, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		running.Add(-1)
		checks.Add(1)
		return monitor.Snapshot{SiteID: site.ID, TakenAt: at, HTTPStatus: 200}
	}
	env.start(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				env.pool.Submit(monitor.CheckTask{SiteID: "site-1", SubmittedAt: env.clock.Now()})
				time.Sleep(time.Millisecond)
			}
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool { return !env.pool.InFlight("site-1") }, time.Second, 5*time.Millisecond)
	require.Equal(t, int32(1), maxRunning.Load())
	require.Positive(t, checks.Load())
}

func TestPoolTimeoutCancelsOnlyThatCheck(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{Concurrency: 2, CheckTimeout: 50 * time.Millisecond}, "slow", "fast")
	env.taker.fn = func(ctx context.Context, site monitor.SiteConfig, _ *monitor.Snapshot, at time.Time) monitor.Snapshot {
		if site.ID == "slow" {
			<-ctx.Done()
			return monitor.Snapshot{SiteID: site.ID, TakenAt: at, FetchError: monitor.NewFetchError(ctx.Err())}
		}
		return monitor.Snapshot{SiteID: site.ID, TakenAt: at, HTTPStatus: 200}
	}
	env.start(t)

	require.True(t, env.pool.Submit(monitor.CheckTask{SiteID: "slow"}))
	require.True(t, env.pool.Submit(monitor.CheckTask{SiteID: "fast"}))
	require.Eventually(t, func() bool { return env.pool.Pending() == 0 }, 2*time.Second, 5*time.Millisecond)

	slow := env.state(t, "slow")
	require.Equal(t, monitor.ErrorKindTimeout, slow.LastSnapshot.FetchError.Kind)
	require.Equal(t, 1, slow.ConsecutiveFailures)

	fast := env.state(t, "fast")
	require.Nil(t, fast.LastSnapshot.FetchError)
	require.Zero(t, fast.ConsecutiveFailures)
}

func TestPoolShutdownDropsRunningResult(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{Concurrency: 1})
	entered := make(chan struct{})
	env.taker.fn = func(ctx context.Context, site monitor.SiteConfig, _ *monitor.Snapshot, at time.Time) monitor.Snapshot {
		close(entered)
		<-ctx.Done()
		return monitor.Snapshot{SiteID: site.ID, TakenAt: at, FetchError: monitor.NewFetchError(ctx.Err())}
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		env.pool.Run(ctx)
		close(done)
	}()
	require.True(t, env.pool.Submit(monitor.CheckTask{SiteID: "site-1"}))
	<-entered
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pool did not stop after context cancel")
	}
	st := env.state(t, "site-1")
	require.Nil(t, st.LastSnapshot)
	require.Zero(t, st.ConsecutiveFailures)
}

func TestRecordRefusesStaleResults(t *testing.T) {
	t.Parallel()

	p := New(nil, nil, nil, backoff.New(backoff.Config{}), &stepClock{}, Config{})
	base := time.Unix(10_000, 0).UTC()
	state := monitor.SiteState{
		Config:        monitor.SiteConfig{ID: "s", CheckInterval: time.Minute},
		LastSnapshot:  &monitor.Snapshot{SiteID: "s", TakenAt: base},
		LastCheckedAt: base.Add(time.Second),
	}

	var report monitor.ChangeReport
	older := monitor.Snapshot{SiteID: "s", TakenAt: base.Add(-time.Second)}
	st := state
	require.ErrorIs(t, p.record(older, base.Add(2*time.Second), &report)(&st), monitor.ErrStoreConflict)

	newer := monitor.Snapshot{SiteID: "s", TakenAt: base.Add(time.Second)}
	st = state
	require.ErrorIs(t, p.record(newer, base, &report)(&st), monitor.ErrStoreConflict)

	st = state
	completed := base.Add(3 * time.Second)
	require.NoError(t, p.record(newer, completed, &report)(&st))
	require.Equal(t, completed, st.LastCheckedAt)
	require.Equal(t, completed.Add(time.Minute), st.NextDueAt)
	require.False(t, st.NextDueAt.Before(st.LastCheckedAt))
}

type testEnv struct {
	store  *sitestore.Store
	clock  *stepClock
	taker  *scriptedTaker
	alerts *recordingSink
	pool   *Pool
}

func newTestEnv(t *testing.T, cfg Config, ids ...string) *testEnv {
	t.Helper()
	if len(ids) == 0 {
		ids = []string{"site-1"}
	}
	env := &testEnv{
		store:  sitestore.New(),
		clock:  &stepClock{now: time.Unix(1_700_000_000, 0).UTC()},
		alerts: &recordingSink{},
	}
	env.taker = &scriptedTaker{clock: env.clock}
	for _, id := range ids {
		require.NoError(t, env.store.Create(context.Background(), monitor.SiteState{
			Config: monitor.SiteConfig{
				ID:            id,
				URL:           "https://" + id + ".example",
				CheckInterval: 5 * time.Minute,
			},
			NextDueAt: env.clock.Now(),
		}))
	}
	env.pool = New(env.store, env.taker, env.alerts, backoff.New(backoff.Config{}), env.clock, cfg, WithLogger(zap.NewNop()))
	return env
}

func (e *testEnv) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.pool.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func (e *testEnv) checkAndWait(t *testing.T, siteID string) {
	t.Helper()
	require.True(t, e.pool.Submit(monitor.CheckTask{SiteID: siteID, SubmittedAt: e.clock.Now()}))
	require.Eventually(t, func() bool { return !e.pool.InFlight(siteID) }, time.Second, 2*time.Millisecond)
}

func (e *testEnv) state(t *testing.T, siteID string) monitor.SiteState {
	t.Helper()
	st, err := e.store.Get(context.Background(), siteID)
	require.NoError(t, err)
	return st
}

// stepClock advances one second on every read so successive snapshots and
// completions are strictly ordered.
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type scriptedTaker struct {
	clock *stepClock
	fn    func(ctx context.Context, site monitor.SiteConfig, prev *monitor.Snapshot, at time.Time) monitor.Snapshot
}

func (s *scriptedTaker) Take(ctx context.Context, site monitor.SiteConfig, prev *monitor.Snapshot) monitor.Snapshot {
	return s.fn(ctx, site, prev, s.clock.Now())
}

type recordingSink struct {
	mu     sync.Mutex
	alerts []monitor.Alert
}

func (r *recordingSink) Dispatch(alert monitor.Alert) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, alert)
}

func (r *recordingSink) all() []monitor.Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]monitor.Alert(nil), r.alerts...)
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recordingEmitter) Emit(evt progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recordingEmitter) withStage(stage progress.Stage) []progress.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []progress.Event
	for _, evt := range r.events {
		if evt.Stage == stage {
			out = append(out, evt)
		}
	}
	return out
}
