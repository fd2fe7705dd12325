// Package dispatcher delivers alerts to the notification collaborator. Each
// site gets its own FIFO lane so alerts for one site arrive in detection
// order, while a global cap bounds concurrent deliveries across sites.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitewatch/internal/metrics"
	"github.com/JakeFAU/sitewatch/internal/monitor"
	"github.com/JakeFAU/sitewatch/internal/progress"
)

// Defaults applied when Config values are unset.
const (
	DefaultLaneBuffer      = 32
	DefaultMaxConcurrent   = 4
	DefaultDeliveryTimeout = 10 * time.Second
)

// RetryPolicy decides whether a failed delivery is attempted again.
type RetryPolicy interface {
	ShouldRetry(err error, attempt int) bool
	Backoff(attempt int) time.Duration
}

// Config controls Dispatcher behavior.
type Config struct {
	// LaneBuffer caps the alerts waiting in one site's lane.
	LaneBuffer int
	// MaxConcurrent caps deliveries in progress across all sites.
	MaxConcurrent int
	// DeliveryTimeout bounds a single delivery attempt.
	DeliveryTimeout time.Duration
}

type lane struct {
	pending []monitor.Alert
}

// Dispatcher implements monitor.AlertSink.
type Dispatcher struct {
	notifier monitor.Notifier
	retry    RetryPolicy
	clock    monitor.Clock
	progress progress.Emitter
	cfg      Config
	logger   *zap.Logger

	sem    chan struct{}
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	lanes  map[string]*lane
	closed bool
	wg     sync.WaitGroup
}

// Option customises a Dispatcher.
type Option func(*Dispatcher)

// WithProgress emits delivery outcome events.
func WithProgress(e progress.Emitter) Option {
	return func(d *Dispatcher) { d.progress = e }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// New constructs a Dispatcher.
func New(notifier monitor.Notifier, retry RetryPolicy, clock monitor.Clock, cfg Config, opts ...Option) *Dispatcher {
	if cfg.LaneBuffer <= 0 {
		cfg.LaneBuffer = DefaultLaneBuffer
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = DefaultDeliveryTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		notifier: notifier,
		retry:    retry,
		clock:    clock,
		cfg:      cfg,
		logger:   zap.NewNop(),
		sem:      make(chan struct{}, cfg.MaxConcurrent),
		ctx:      ctx,
		cancel:   cancel,
		lanes:    make(map[string]*lane),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch queues an alert on its site's lane and returns immediately. A lane
// goroutine is started when the site has none; it exits once the lane drains.
func (d *Dispatcher) Dispatch(alert monitor.Alert) {
	siteID := alert.Site.ID
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.drop(alert, 0, 0, errors.New("dispatcher closed"))
		return
	}
	l, active := d.lanes[siteID]
	if !active {
		l = &lane{}
		d.lanes[siteID] = l
	}
	if len(l.pending) >= d.cfg.LaneBuffer {
		d.mu.Unlock()
		d.drop(alert, 0, 0, fmt.Errorf("lane for %s is full", siteID))
		return
	}
	l.pending = append(l.pending, alert)
	if !active {
		d.wg.Add(1)
		go d.drain(siteID, l)
	}
	d.mu.Unlock()
}

// ActiveLanes reports the number of sites with undelivered alerts.
func (d *Dispatcher) ActiveLanes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.lanes)
}

// Close stops accepting alerts and waits for queued ones to be delivered.
// When ctx ends first, in-progress retries are abandoned.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return fmt.Errorf("dispatcher close: %w", ctx.Err())
	}
}

func (d *Dispatcher) drain(siteID string, l *lane) {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		if len(l.pending) == 0 {
			delete(d.lanes, siteID)
			d.mu.Unlock()
			return
		}
		alert := l.pending[0]
		l.pending = l.pending[1:]
		d.mu.Unlock()

		d.deliver(alert)
	}
}

func (d *Dispatcher) deliver(alert monitor.Alert) {
	started := d.clock.Now()
	for attempt := 1; ; attempt++ {
		err := d.attempt(alert)
		if err == nil {
			d.delivered(alert, attempt, d.clock.Now().Sub(started))
			return
		}
		if d.retry == nil || !d.retry.ShouldRetry(err, attempt) {
			d.drop(alert, attempt, d.clock.Now().Sub(started), err)
			return
		}
		metrics.ObserveAlert("retried")
		delay := d.retry.Backoff(attempt)
		d.logger.Debug("alert delivery failed; retrying",
			zap.String("site_id", alert.Site.ID),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-d.ctx.Done():
			timer.Stop()
			d.drop(alert, attempt, d.clock.Now().Sub(started), err)
			return
		}
	}
}

func (d *Dispatcher) attempt(alert monitor.Alert) error {
	select {
	case d.sem <- struct{}{}:
	case <-d.ctx.Done():
		return fmt.Errorf("acquire delivery slot: %w", d.ctx.Err())
	}
	defer func() { <-d.sem }()

	ctx, cancel := context.WithTimeout(d.ctx, d.cfg.DeliveryTimeout)
	defer cancel()
	if err := d.notifier.Notify(ctx, alert); err != nil {
		return fmt.Errorf("notify: %w", err)
	}
	return nil
}

func (d *Dispatcher) delivered(alert monitor.Alert, attempts int, dur time.Duration) {
	metrics.ObserveAlert("delivered")
	d.emit(alert, progress.StageAlertDelivered, attempts, dur, "")
	d.logger.Info("alert delivered",
		zap.String("site_id", alert.Site.ID),
		zap.String("url", alert.Site.URL),
		zap.String("kind", string(alert.Report.Kind)),
		zap.String("severity", string(alert.Severity)),
		zap.Int("attempts", attempts),
	)
}

func (d *Dispatcher) drop(alert monitor.Alert, attempts int, dur time.Duration, cause error) {
	err := fmt.Errorf("%w: %w", monitor.ErrDeliveryFailure, cause)
	metrics.ObserveAlert("dropped")
	d.emit(alert, progress.StageAlertDropped, attempts, dur, cause.Error())
	d.logger.Error("alert dropped",
		zap.String("site_id", alert.Site.ID),
		zap.String("url", alert.Site.URL),
		zap.String("kind", string(alert.Report.Kind)),
		zap.Int("attempts", attempts),
		zap.Error(err),
	)
}

func (d *Dispatcher) emit(alert monitor.Alert, stage progress.Stage, attempts int, dur time.Duration, note string) {
	if d.progress == nil {
		return
	}
	d.progress.Emit(progress.Event{
		SiteID:   alert.Site.ID,
		TS:       d.clock.Now(),
		Stage:    stage,
		Site:     metrics.SanitizeSite(alert.Site.URL),
		URL:      alert.Site.URL,
		Kind:     string(alert.Report.Kind),
		Attempts: attempts,
		Dur:      dur,
		Note:     note,
	})
}
