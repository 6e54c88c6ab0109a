package core

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrorKind classifies a gateway error. Kinds, not Go types, drive
// retry decisions, breaker accounting and facade translation.
type ErrorKind string

const (
	KindInvalidArgument     ErrorKind = "INVALID_ARGUMENT"
	KindUnauthenticated     ErrorKind = "UNAUTHENTICATED"
	KindPermissionDenied    ErrorKind = "PERMISSION_DENIED"
	KindQuotaExhausted      ErrorKind = "QUOTA_EXHAUSTED"
	KindRateLimited         ErrorKind = "RATE_LIMITED"
	KindPolicyViolation     ErrorKind = "POLICY_VIOLATION"
	KindProviderUnavailable ErrorKind = "PROVIDER_UNAVAILABLE"
	KindProviderTransient   ErrorKind = "PROVIDER_TRANSIENT"
	KindProviderPermanent   ErrorKind = "PROVIDER_PERMANENT"
	KindCircuitOpen         ErrorKind = "CIRCUIT_OPEN"
	KindDeadlineExceeded    ErrorKind = "DEADLINE_EXCEEDED"
	KindCancelled           ErrorKind = "CANCELLED"
	KindInternal            ErrorKind = "INTERNAL"
)

// SuggestedAction hints what the caller should do with a failed request
type SuggestedAction string

const (
	ActionRetry       SuggestedAction = "retry"
	ActionFallback    SuggestedAction = "fallback"
	ActionEscalate    SuggestedAction = "escalate"
	ActionHumanReview SuggestedAction = "human_review"
)

// Standard sentinel errors for comparison using errors.Is()
var (
	ErrCircuitBreakerOpen = errors.New("circuit breaker open")
	ErrQuotaExhausted     = errors.New("quota exhausted")
	ErrProviderNotFound   = errors.New("provider not found")
	ErrModelNotFound      = errors.New("model not found")
	ErrRunnerClosed       = errors.New("runner closed")
	ErrStreamClosed       = errors.New("stream closed")
	ErrDuplicateRequest   = errors.New("duplicate request id")
	ErrJobNotFound        = errors.New("job not found")

	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrMissingConfiguration = errors.New("missing required configuration")
	ErrNotInitialized       = errors.New("not initialized")
	ErrAlreadyRegistered    = errors.New("already registered")
	ErrShuttingDown         = errors.New("shutting down")
)

// GatewayError provides structured error information with context.
// It implements the error interface and supports error wrapping.
type GatewayError struct {
	Kind       ErrorKind       // Classification per the error taxonomy
	Op         string          // Operation that failed (e.g. "adapter.Infer")
	Message    string          // Human-readable message
	ProviderID string          // Provider involved, if any
	RequestID  string          // Request involved, if any
	Retryable  bool            // Whether this attempt may be retried
	RetryAfter time.Duration   // Optional backoff hint (rate limits)
	Action     SuggestedAction // What the caller should do
	Err        error           // Underlying error for wrapping
}

// Error returns the string representation of the error
func (e *GatewayError) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s [%s]: %v", e.Op, e.Kind, e.Err)
	case e.Message != "":
		return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
	case e.Err != nil:
		return e.Err.Error()
	default:
		return string(e.Kind)
	}
}

// Unwrap returns the underlying error for use with errors.Is/As
func (e *GatewayError) Unwrap() error {
	return e.Err
}

// NewGatewayError creates a GatewayError with retryability derived from the kind
func NewGatewayError(kind ErrorKind, op string, err error) *GatewayError {
	return &GatewayError{
		Kind:      kind,
		Op:        op,
		Err:       err,
		Retryable: kindRetryable(kind),
		Action:    kindAction(kind),
	}
}

// Errorf creates a GatewayError from a format string
func Errorf(kind ErrorKind, op, format string, args ...interface{}) *GatewayError {
	return &GatewayError{
		Kind:      kind,
		Op:        op,
		Message:   fmt.Sprintf(format, args...),
		Retryable: kindRetryable(kind),
		Action:    kindAction(kind),
	}
}

func kindRetryable(kind ErrorKind) bool {
	switch kind {
	case KindProviderTransient, KindProviderUnavailable:
		return true
	default:
		return false
	}
}

func kindAction(kind ErrorKind) SuggestedAction {
	switch kind {
	case KindProviderTransient, KindRateLimited:
		return ActionRetry
	case KindProviderUnavailable, KindCircuitOpen, KindProviderPermanent:
		return ActionFallback
	case KindPolicyViolation:
		return ActionHumanReview
	case KindInternal:
		return ActionEscalate
	default:
		return ""
	}
}

// KindOf extracts the error kind, mapping context errors to their taxonomy
// entries and everything unrecognized to INTERNAL.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge.Kind
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindDeadlineExceeded
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, ErrCircuitBreakerOpen):
		return KindCircuitOpen
	case errors.Is(err, ErrQuotaExhausted):
		return KindQuotaExhausted
	case errors.Is(err, ErrProviderNotFound), errors.Is(err, ErrModelNotFound):
		return KindProviderUnavailable
	default:
		return KindInternal
	}
}

// IsRetryable reports whether the orchestrator may retry the EXECUTE
// phase after this error.
func IsRetryable(err error) bool {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge.Retryable
	}
	return KindOf(err) == KindProviderTransient
}

// CountsTowardBreaker reports whether the failure is provider-side and
// should advance the provider's circuit breaker.
func CountsTowardBreaker(err error) bool {
	switch KindOf(err) {
	case KindProviderTransient, KindProviderPermanent, KindDeadlineExceeded:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the error ends the request with no further
// phases except CLEANUP.
func IsTerminal(err error) bool {
	switch KindOf(err) {
	case KindDeadlineExceeded, KindCancelled:
		return true
	default:
		return false
	}
}

// ClassifyStatus maps an upstream HTTP status to an error kind.
// 5xx and connection-level failures are transient; auth and rate limits
// get their own kinds; remaining 4xx are permanent provider errors.
func ClassifyStatus(status int) ErrorKind {
	switch {
	case status == http.StatusUnauthorized:
		return KindUnauthenticated
	case status == http.StatusForbidden:
		return KindPermissionDenied
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status == http.StatusRequestTimeout, status == http.StatusGatewayTimeout:
		return KindProviderTransient
	case status >= 500:
		return KindProviderTransient
	case status >= 400:
		return KindProviderPermanent
	default:
		return KindInternal
	}
}
