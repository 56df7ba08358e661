package youtube

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/api/googleapi"
)

// Kind classifies an upstream failure.
type Kind int

const (
	KindTransient Kind = iota
	KindQuotaExceeded
	KindNotFound
	KindMalformed
	// KindThrottled is a request the client's own quota limiter held back.
	// Nothing was sent upstream.
	KindThrottled
)

func (k Kind) String() string {
	switch k {
	case KindQuotaExceeded:
		return "quota_exceeded"
	case KindNotFound:
		return "not_found"
	case KindMalformed:
		return "malformed_response"
	case KindThrottled:
		return "throttled"
	default:
		return "transient"
	}
}

// Query names one of the three upstream calls.
type Query string

const (
	QueryBroadcastStatus   Query = "broadcast_status"
	QueryVideoStatistics   Query = "video_statistics"
	QueryChannelStatistics Query = "channel_statistics"
)

// quota related reasons returned by the Data API in the errors array
var quotaReasons = map[string]bool{
	"quotaExceeded":         true,
	"rateLimitExceeded":     true,
	"userRateLimitExceeded": true,
	"dailyLimitExceeded":    true,
}

// Error is returned by every Client method on failure.
type Error struct {
	Kind  Kind
	Query Query
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("youtube %s: %s: %v", e.Query, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether a later attempt may succeed.
func (e *Error) Retryable() bool {
	return e.Kind == KindTransient || e.Kind == KindQuotaExceeded || e.Kind == KindThrottled
}

// KindOf extracts the Kind of err. The second result is false when err was
// not produced by this package.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return KindTransient, false
}

// IsNotFound reports whether err is a NotFound upstream error.
func IsNotFound(err error) bool {
	k, ok := KindOf(err)
	return ok && k == KindNotFound
}

// IsThrottled reports whether err was raised by the local quota limiter
// without reaching the API.
func IsThrottled(err error) bool {
	k, ok := KindOf(err)
	return ok && k == KindThrottled
}

// IsRetryable reports whether err is a quota, throttled or transient error.
func IsRetryable(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Retryable()
}

func newError(q Query, kind Kind, err error) *Error {
	return &Error{Kind: kind, Query: q, Err: err}
}

// classify maps transport, HTTP and decoding failures onto a Kind.
func classify(q Query, err error) *Error {
	var already *Error
	if errors.As(err, &already) {
		return already
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return newError(q, kindOfStatus(apiErr), err)
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return newError(q, KindMalformed, err)
	}

	// timeouts, resets, refused connections and anything unrecognised
	return newError(q, KindTransient, err)
}

func kindOfStatus(apiErr *googleapi.Error) Kind {
	for _, item := range apiErr.Errors {
		if quotaReasons[item.Reason] {
			return KindQuotaExceeded
		}
	}

	switch {
	case apiErr.Code == http.StatusTooManyRequests:
		return KindQuotaExceeded
	case apiErr.Code == http.StatusNotFound:
		return KindNotFound
	case apiErr.Code >= http.StatusInternalServerError:
		return KindTransient
	case apiErr.Code == http.StatusRequestTimeout:
		return KindTransient
	default:
		return KindMalformed
	}
}
