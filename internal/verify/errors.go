package verify

import (
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/akl7777777/imei-intel/internal/model"
)

// Kind classifies a failed verification.
type Kind string

const (
	KindInvalidIdentifier     Kind = "invalid_identifier"
	KindInvalidMode           Kind = "invalid_mode"
	KindRateLimited           Kind = "rate_limited"
	KindCreditExhausted       Kind = "credit_exhausted"
	KindAllProvidersExhausted Kind = "all_providers_exhausted"
	KindNormalization         Kind = "normalization_error"
	KindCanceled              Kind = "canceled"
	KindInternal              Kind = "internal"
)

// StatusClientClosedRequest is the non-standard status used for canceled
// requests.
const StatusClientClosedRequest = 499

// Error is returned by Service.Verify. Message is safe to show to callers.
type Error struct {
	Kind       Kind
	Message    string
	RetryAfter time.Duration   // rate_limited only
	Attempts   []model.Attempt // all_providers_exhausted only
	err        error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.err)
	}
	return string(e.Kind) + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.err }

// HTTPStatus maps the kind to a response code.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindInvalidIdentifier, KindInvalidMode:
		return http.StatusBadRequest
	case KindCreditExhausted:
		return http.StatusPaymentRequired
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindCanceled:
		return StatusClientClosedRequest
	default:
		return http.StatusInternalServerError
	}
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds, at least 1 for
// a rate-limited error.
func (e *Error) RetryAfterSeconds() int {
	if e.Kind != KindRateLimited {
		return 0
	}
	secs := int(math.Ceil(e.RetryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}

func newError(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, err: err}
}
