package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage names a milestone in a check or alert.
type Stage string

// Stages emitted by the worker pool and the alert dispatcher.
const (
	StageCheckStart     Stage = "CHECK_START"
	StageCheckDone      Stage = "CHECK_DONE"
	StageCheckFailed    Stage = "CHECK_FAILED"
	StageSlowResponse   Stage = "SLOW_RESPONSE"
	StageChangeDetected Stage = "CHANGE_DETECTED"
	StageAlertDelivered Stage = "ALERT_DELIVERED"
	StageAlertDropped   Stage = "ALERT_DROPPED"
)

// retained reports whether the Hub keeps the event once its buffer is full.
func (s Stage) retained() bool {
	switch s {
	case StageChangeDetected, StageAlertDelivered, StageAlertDropped:
		return true
	default:
		return false
	}
}

// StatusClass buckets HTTP status codes so metric labels stay bounded.
type StatusClass string

const (
	Status2xx   StatusClass = "2xx"
	Status3xx   StatusClass = "3xx"
	Status4xx   StatusClass = "4xx"
	Status5xx   StatusClass = "5xx"
	StatusOther StatusClass = "other"
)

// Event is one milestone for one site.
type Event struct {
	SiteID string
	// TS defaults to the Emit time when zero.
	TS    time.Time
	Stage Stage
	// Site is the host, used as a metric label.
	Site string
	URL  string
	// StatusClass is required on CHECK_DONE.
	StatusClass StatusClass
	// Kind is the change kind; required on change and alert stages.
	Kind     string
	Attempts int
	Dur      time.Duration
	// Note holds short free text such as an error message.
	Note string
}

// Validate rejects events a sink could not label.
func (e Event) Validate() error {
	if e.SiteID == "" {
		return errors.New("progress event: missing site id")
	}
	if e.TS.IsZero() {
		return errors.New("progress event: missing timestamp")
	}
	if e.Dur < 0 {
		return fmt.Errorf("progress event: negative duration %s", e.Dur)
	}
	switch e.Stage {
	case StageCheckStart, StageCheckFailed:
		return nil
	case StageCheckDone:
		if e.StatusClass == "" {
			return errors.New("progress event: CHECK_DONE without status class")
		}
		return nil
	case StageSlowResponse:
		if e.Dur <= 0 {
			return errors.New("progress event: SLOW_RESPONSE without response time")
		}
		return nil
	case StageChangeDetected, StageAlertDelivered, StageAlertDropped:
		if e.Kind == "" {
			return fmt.Errorf("progress event: %s without kind", e.Stage)
		}
		return nil
	default:
		return fmt.Errorf("progress event: unknown stage %q", e.Stage)
	}
}

// ClassifyStatus maps an HTTP status code to its StatusClass.
func ClassifyStatus(code int) StatusClass {
	switch code / 100 {
	case 2:
		return Status2xx
	case 3:
		return Status3xx
	case 4:
		return Status4xx
	case 5:
		return Status5xx
	default:
		return StatusOther
	}
}
