// Package apierr carries the sum-typed error kinds described in spec §7
// from the service layer to the single place that maps them onto HTTP.
package apierr

import "net/http"

// Kind is the taxonomy of error categories a handler can produce.
type Kind int

const (
	KindValidation Kind = iota
	KindAuth
	KindForbidden
	KindNotFound
	KindConflict
	KindPayment
	KindRateLimited
	KindInternal
)

// Error is the one error type every service-layer function returns on
// failure. code is the machine-readable taxonomy string from spec.md
// (e.g. AGENT_UNAVAILABLE, ONCHAIN_IDENTITY_MISMATCH); message is the
// human string surfaced in the response body.
type Error struct {
	Kind              Kind
	Code              string
	Message           string
	Details           any
	RetryAfterSeconds int
}

func (e *Error) Error() string { return e.Message }

func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

func Validation(code, message string) *Error { return New(KindValidation, code, message) }
func Auth(code, message string) *Error       { return New(KindAuth, code, message) }
func Forbidden(code, message string) *Error  { return New(KindForbidden, code, message) }
func NotFound(code, message string) *Error   { return New(KindNotFound, code, message) }
func Conflict(code, message string) *Error   { return New(KindConflict, code, message) }
func Payment(code, message string) *Error    { return New(KindPayment, code, message) }
func Internal(code, message string) *Error   { return New(KindInternal, code, message) }

func RateLimited(retryAfterSeconds int) *Error {
	return &Error{
		Kind:              KindRateLimited,
		Code:              "RATE_LIMITED",
		Message:           "rate limit exceeded",
		RetryAfterSeconds: retryAfterSeconds,
	}
}

// WithDetails attaches structured details (e.g. validation field list).
func (e *Error) WithDetails(d any) *Error {
	e.Details = d
	return e
}

// StatusCode maps a Kind (and, for payment errors, the specific code) to the
// HTTP status defined by spec.md §6/§7.
func (e *Error) StatusCode() int {
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuth:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindPayment:
		return paymentStatusCode(e.Code)
	default:
		return http.StatusInternalServerError
	}
}

func paymentStatusCode(code string) int {
	switch code {
	case "INVALID_PAYLOAD", "EXPIRED_PAYMENT", "INVALID_TONGO_PROOF":
		return http.StatusBadRequest
	case "CONTEXT_MISMATCH", "ONCHAIN_IDENTITY_CONTEXT_MISMATCH", "REPLAY_DETECTED", "POLICY_DENIED":
		return http.StatusConflict
	case "TIMEOUT", "RPC_FAILURE":
		return http.StatusConflict
	default:
		return http.StatusPaymentRequired
	}
}
