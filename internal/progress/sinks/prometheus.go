package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/sitewatch/internal/progress"
)

// PrometheusSink exports per-site state derived from progress events: whether
// the last check succeeded, when it ran, and how many changes and alerts the
// site has produced.
type PrometheusSink struct {
	checksRunning prometheus.Gauge
	siteUp        *prometheus.GaugeVec
	lastCheck     *prometheus.GaugeVec
	checkDuration *prometheus.HistogramVec
	checkStatus   *prometheus.CounterVec
	siteChanges   *prometheus.CounterVec
	alertOutcomes *prometheus.CounterVec
	alertAttempts prometheus.Histogram

	tracker *checkTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		checksRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sitewatch_progress_checks_running",
			Help: "Checks that have started but not yet finished.",
		}),
		siteUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sitewatch_site_up",
			Help: "1 when the site's last check reached it, 0 when it was unreachable.",
		}, []string{"site"}),
		lastCheck: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sitewatch_site_last_check_timestamp_seconds",
			Help: "Unix time of the site's last finished check.",
		}, []string{"site"}),
		checkDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sitewatch_site_check_duration_seconds",
			Help:    "Check duration partitioned by status class.",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"status_class"}),
		checkStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sitewatch_site_checks_total",
			Help: "Finished checks partitioned by site and status class.",
		}, []string{"site", "status_class"}),
		siteChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sitewatch_site_changes_total",
			Help: "Detected changes partitioned by site and kind.",
		}, []string{"site", "kind"}),
		alertOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sitewatch_site_alerts_total",
			Help: "Alert deliveries partitioned by site and outcome.",
		}, []string{"site", "outcome"}),
		alertAttempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sitewatch_alert_attempts",
			Help:    "Delivery attempts spent per alert.",
			Buckets: []float64{1, 2, 3, 5, 8},
		}),
		tracker: newCheckTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.checksRunning,
		s.siteUp,
		s.lastCheck,
		s.checkDuration,
		s.checkStatus,
		s.siteChanges,
		s.alertOutcomes,
		s.alertAttempts,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	site := evt.Site
	if site == "" {
		site = "unknown"
	}
	switch evt.Stage {
	case progress.StageCheckStart:
		if s.tracker.start(evt.SiteID) {
			s.checksRunning.Inc()
		}
	case progress.StageCheckDone, progress.StageCheckFailed:
		if s.tracker.complete(evt.SiteID) {
			s.checksRunning.Dec()
		}
		s.handleCheckEvent(evt, site)
	case progress.StageChangeDetected:
		s.siteChanges.WithLabelValues(site, evt.Kind).Inc()
	case progress.StageAlertDelivered:
		s.handleAlertEvent(evt, site, "delivered")
	case progress.StageAlertDropped:
		s.handleAlertEvent(evt, site, "dropped")
	}
}

func (s *PrometheusSink) handleCheckEvent(evt progress.Event, site string) {
	statusClass := string(evt.StatusClass)
	if statusClass == "" {
		statusClass = string(progress.StatusOther)
	}
	up := 1.0
	if evt.Stage == progress.StageCheckFailed {
		up = 0
	}
	s.siteUp.WithLabelValues(site).Set(up)
	s.lastCheck.WithLabelValues(site).Set(float64(evt.TS.Unix()))
	s.checkStatus.WithLabelValues(site, statusClass).Inc()
	if evt.Dur > 0 {
		s.checkDuration.WithLabelValues(statusClass).Observe(evt.Dur.Seconds())
	}
}

func (s *PrometheusSink) handleAlertEvent(evt progress.Event, site, outcome string) {
	s.alertOutcomes.WithLabelValues(site, outcome).Inc()
	if evt.Attempts > 0 {
		s.alertAttempts.Observe(float64(evt.Attempts))
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type checkTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func newCheckTracker() *checkTracker {
	return &checkTracker{running: make(map[string]struct{})}
}

func (t *checkTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *checkTracker) complete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
