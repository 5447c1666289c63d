package pesakit

import (
	"errors"
	"fmt"
	"time"
)

// Kind identifies a failure class. The set is closed on purpose: the
// classifier and callers branch over these constants instead of probing
// error shapes.
type Kind string

const (
	// KindRateLimit marks a quota rejection; retry after Error.RetryAfter.
	KindRateLimit Kind = "RateLimit"
	// KindCircuitOpen marks a breaker short-circuit; no call was made.
	KindCircuitOpen Kind = "CircuitOpen"
	// KindNetwork marks a transport failure before a response arrived.
	KindNetwork Kind = "Network"
	// KindTimeout marks a call that exceeded its deadline.
	KindTimeout Kind = "Timeout"
	// KindServer marks a provider 5xx response.
	KindServer Kind = "Server"
	// KindClient marks a provider 4xx response (429/408 are still retryable).
	KindClient Kind = "Client"
	// KindConfiguration marks invalid construction input or a crypto failure.
	KindConfiguration Kind = "Configuration"
)

// Sentinel errors for common failure scenarios.
var (
	// ErrCircuitOpen is returned when the circuit breaker is in open state.
	ErrCircuitOpen = errors.New("pesakit: circuit open")

	// ErrRateLimited is returned when a request is denied due to rate limiting.
	ErrRateLimited = errors.New("pesakit: rate limited")

	// ErrTokenNotFound is returned by FetchToken when the fetch function
	// produced no token.
	ErrTokenNotFound = errors.New("pesakit: token not found")

	// ErrShutdown is returned by components after Shutdown/Destroy.
	ErrShutdown = errors.New("pesakit: shut down")
)

// Error is the single tagged error type crossing the package boundary.
// Kind is always set; the remaining fields are populated per kind.
type Error struct {
	Kind       Kind
	Message    string
	Cause      error
	HTTPStatus int

	// Rate limit rejections.
	Key        string
	Strategy   Strategy
	RetryAfter time.Duration

	// Breaker short-circuits.
	Endpoint    string
	State       string
	NextAttempt time.Time
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Message)
	if e.Endpoint != "" {
		msg = fmt.Sprintf("%s (endpoint %s)", msg, e.Endpoint)
	}
	if e.RetryAfter > 0 {
		msg = fmt.Sprintf("%s (retry after %s)", msg, e.RetryAfter)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is matches sentinel errors and same-kind *Error values for errors.Is.
func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	switch target {
	case ErrCircuitOpen:
		return e.Kind == KindCircuitOpen
	case ErrRateLimited:
		return e.Kind == KindRateLimit
	}
	if t, ok := target.(*Error); ok {
		return e.Kind == t.Kind
	}
	return false
}

// Classifier reports whether an error should count against breaker
// statistics, i.e. whether it represents a transient provider-side failure.
// Classifier-negative errors (auth failures, validation rejections) pass
// through to the caller without affecting breaker state.
type Classifier func(err error) bool

// DefaultClassifier treats network errors, timeouts, 5xx, 429 and 408 as
// breaker-triggering. Other 4xx responses and configuration errors are not.
func DefaultClassifier(err error) bool {
	if err == nil {
		return false
	}

	var e *Error
	if errors.As(err, &e) {
		switch e.Kind {
		case KindNetwork, KindTimeout, KindServer, KindCircuitOpen, KindRateLimit:
			return true
		case KindClient:
			return e.HTTPStatus == 429 || e.HTTPStatus == 408
		default:
			return false
		}
	}

	// Untagged errors from an arbitrary work function: assume transport
	// failure. Context deadline errors count as timeouts.
	return true
}

func newConfigError(message string, cause error) *Error {
	return &Error{Kind: KindConfiguration, Message: message, Cause: cause}
}
