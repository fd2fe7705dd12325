// Package metrics holds the process-wide Prometheus collectors for checks,
// changes, alerts and the HTTP API. Every Observe helper is a no-op until Init
// has run, so packages can be tested without registering collectors.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const unknownSite = "unknown"

var (
	checksTotal      *prometheus.CounterVec
	checkDuration    *prometheus.HistogramVec
	changesTotal     *prometheus.CounterVec
	alertsTotal      *prometheus.CounterVec
	submitRejections *prometheus.CounterVec
	slowResponses    *prometheus.CounterVec
	rateLimitWait    *prometheus.HistogramVec
	inflightChecks   prometheus.Gauge

	apiRequests        *prometheus.CounterVec
	apiRequestDuration *prometheus.HistogramVec

	initOnce sync.Once
)

// Init registers the collectors with the default registry. Later calls do
// nothing.
func Init() {
	initOnce.Do(func() {
		checksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "sitewatch_checks_total",
			Help: "Completed site checks by site and result.",
		}, []string{"site", "result"})
		checkDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sitewatch_check_duration_seconds",
			Help:    "Wall time of one site check by result.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"result"})
		changesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "sitewatch_changes_total",
			Help: "Detected changes by kind.",
		}, []string{"kind"})
		alertsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "sitewatch_alerts_total",
			Help: "Alert delivery outcomes: delivered, retried or dropped.",
		}, []string{"outcome"})
		submitRejections = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "sitewatch_submit_rejections_total",
			Help: "Check submissions the worker pool refused, by reason.",
		}, []string{"reason"})
		slowResponses = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "sitewatch_slow_responses_total",
			Help: "Reachable checks whose response time exceeded the slow threshold, by site.",
		}, []string{"site"})
		rateLimitWait = promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sitewatch_rate_limit_wait_seconds",
			Help:    "Time spent waiting on the per-host rate limiter.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"host"})
		inflightChecks = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "sitewatch_inflight_checks",
			Help: "Checks currently queued or running.",
		})
		apiRequests = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "sitewatch_api_requests_total",
			Help: "API requests by method, route and status code.",
		}, []string{"method", "route", "code"})
		apiRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sitewatch_api_request_duration_seconds",
			Help:    "API request latency by method and route.",
			Buckets: []float64{0.005, 0.025, 0.1, 0.25, 1, 5},
		}, []string{"method", "route"})
	})
}

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SanitizeSite reduces a URL to its lowercase host so it can be used as a
// label value. Anything unparseable becomes "unknown".
func SanitizeSite(rawURL string) string {
	if !strings.Contains(rawURL, "://") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return unknownSite
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return unknownSite
	}
	return host
}

// ObserveCheck counts a finished check and records its duration.
func ObserveCheck(siteURL, result string, d time.Duration) {
	if checksTotal == nil {
		return
	}
	checksTotal.WithLabelValues(SanitizeSite(siteURL), result).Inc()
	checkDuration.WithLabelValues(result).Observe(d.Seconds())
}

// ObserveChange counts a detected change.
func ObserveChange(kind string) {
	if changesTotal != nil {
		changesTotal.WithLabelValues(kind).Inc()
	}
}

// ObserveAlert counts an alert outcome.
func ObserveAlert(outcome string) {
	if alertsTotal != nil {
		alertsTotal.WithLabelValues(outcome).Inc()
	}
}

// ObserveSubmitRejection counts a refused check submission.
func ObserveSubmitRejection(reason string) {
	if submitRejections != nil {
		submitRejections.WithLabelValues(reason).Inc()
	}
}

// ObserveSlowResponse counts a check that answered slower than the configured
// threshold.
func ObserveSlowResponse(siteURL string) {
	if slowResponses != nil {
		slowResponses.WithLabelValues(SanitizeSite(siteURL)).Inc()
	}
}

// ObserveRateLimitDelay records how long a fetch waited for its host's token.
func ObserveRateLimitDelay(host string, d time.Duration) {
	if rateLimitWait != nil {
		rateLimitWait.WithLabelValues(host).Observe(d.Seconds())
	}
}

// ObserveHTTPRequest records one API request.
func ObserveHTTPRequest(method, route string, code int, d time.Duration) {
	if apiRequests == nil {
		return
	}
	apiRequests.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	apiRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// IncInflight marks a check as queued or running.
func IncInflight() {
	if inflightChecks != nil {
		inflightChecks.Inc()
	}
}

// DecInflight marks a check as finished.
func DecInflight() {
	if inflightChecks != nil {
		inflightChecks.Dec()
	}
}
