// Package httpcache is the request executor every upstream lookup goes
// through. It serves fresh responses from a TTL cache, retries failed
// fetches with bounded backoff, and falls back to the last known response
// (or a typed DataUnavailable) when an upstream stays down.
package httpcache

import (
	"errors"
	"fmt"
	"net/http"
)

// Availability describes how a piece of data was obtained.
type Availability string

const (
	Complete    Availability = "complete"    // fetched fresh from the upstream
	Cached      Availability = "cached"      // served from cache, possibly stale
	Partial     Availability = "partial"     // some inputs missing
	Unavailable Availability = "unavailable" // nothing obtainable
)

func (a Availability) rank() int {
	switch a {
	case Complete:
		return 0
	case Cached:
		return 1
	case Partial:
		return 2
	default:
		return 3
	}
}

// Worse reports whether a is a worse availability than b.
func (a Availability) Worse(b Availability) bool { return a.rank() > b.rank() }

// Worst returns the worst availability among as. Unavailable dominates
// partial, which dominates cached, which dominates complete. An empty
// list is Complete.
func Worst(as ...Availability) Availability {
	worst := Complete
	for _, a := range as {
		if a.Worse(worst) {
			worst = a
		}
	}
	return worst
}

var (
	// ErrDataUnavailable is matched by every *DataUnavailable.
	ErrDataUnavailable = errors.New("data unavailable")
	// ErrNotFound is matched by a 404 StatusError.
	ErrNotFound = errors.New("not found")
	// ErrCircuitOpen is returned when the source's breaker rejects the call.
	ErrCircuitOpen = errors.New("circuit open")
)

// DataUnavailable is returned when a source failed and no cached value
// exists to fall back on.
type DataUnavailable struct {
	Source string
	Reason string
	Err    error
}

func (e *DataUnavailable) Error() string {
	return fmt.Sprintf("%s: data unavailable: %s", e.Source, e.Reason)
}

// Unwrap exposes both ErrDataUnavailable and the underlying cause.
func (e *DataUnavailable) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrDataUnavailable}
	}
	return []error{ErrDataUnavailable, e.Err}
}

// StatusError is a non-2xx upstream response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("upstream status %d", e.Code)
	}
	return fmt.Sprintf("upstream status %d: %s", e.Code, e.Body)
}

// Is lets errors.Is(err, ErrNotFound) match a 404.
func (e *StatusError) Is(target error) bool {
	return target == ErrNotFound && e.Code == http.StatusNotFound
}

// Retryable reports whether the status is worth retrying. Rate limiting
// (429), provider-side throttling surfaced as 403, and 5xx are; any
// other 4xx is a permanent answer.
func (e *StatusError) Retryable() bool {
	switch {
	case e.Code == http.StatusTooManyRequests, e.Code == http.StatusForbidden:
		return true
	case e.Code >= 500:
		return true
	default:
		return false
	}
}
