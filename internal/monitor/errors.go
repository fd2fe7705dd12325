package monitor

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors shared across the monitor pipeline.
var (
	ErrFetchTimeout    = errors.New("fetch timeout")
	ErrFetchConnection = errors.New("fetch connection error")
	ErrDNSResolution   = errors.New("dns resolution error")
	ErrRender          = errors.New("render error")
	ErrStoreConflict   = errors.New("store conflict")
	ErrNotFound        = errors.New("site not found")
	ErrDeliveryFailure = errors.New("alert delivery failure")
	ErrDuplicateSite   = errors.New("site already monitored")
	ErrInvalidSite     = errors.New("invalid site")
)

// ErrorKind is the serialisable form of a fetch-level error.
type ErrorKind string

// Fetch error kinds recorded on snapshots.
const (
	ErrorKindTimeout    ErrorKind = "fetch_timeout"
	ErrorKindConnection ErrorKind = "fetch_connection"
	ErrorKindDNS        ErrorKind = "dns_resolution"
	ErrorKindRender     ErrorKind = "render"
	ErrorKindUnknown    ErrorKind = "unknown"
)

// FetchError records why part or all of a snapshot could not be collected.
type FetchError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// KindOf maps an error chain onto the fetch error taxonomy. Context deadline
// errors count as timeouts.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrFetchTimeout), errors.Is(err, context.DeadlineExceeded):
		return ErrorKindTimeout
	case errors.Is(err, ErrFetchConnection):
		return ErrorKindConnection
	case errors.Is(err, ErrDNSResolution):
		return ErrorKindDNS
	case errors.Is(err, ErrRender):
		return ErrorKindRender
	default:
		return ErrorKindUnknown
	}
}

// NewFetchError converts err into a FetchError, or nil when err is nil.
func NewFetchError(err error) *FetchError {
	if err == nil {
		return nil
	}
	return &FetchError{Kind: KindOf(err), Message: err.Error()}
}
