package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/caskade-dev/caskade/internal/provider"
)

// Kind classifies everything that can go wrong with a dispatched request.
type Kind string

const (
	// KindValidation is a malformed client request; never forwarded.
	KindValidation Kind = "validation"
	// KindNoAccount means no healthy account could serve the request path.
	KindNoAccount Kind = "no_account"
	// KindAuth covers credential failures: refresh rejection or upstream 401/403.
	KindAuth Kind = "auth"
	// KindRateLimit is an upstream 429 or exhausted quota.
	KindRateLimit Kind = "rate_limit"
	// KindUpstream5xx is an upstream server error.
	KindUpstream5xx Kind = "upstream_5xx"
	// KindTransport is a network-level failure reaching upstream.
	KindTransport Kind = "transport"
	// KindClientAbort means the client went away mid-request.
	KindClientAbort Kind = "client_abort"
	// KindFatal is an internal invariant failure.
	KindFatal Kind = "fatal"
)

// Error is a classified dispatch failure. StatusCode carries the upstream
// status when one was observed.
type Error struct {
	Kind       Kind
	StatusCode int
	AccountID  string
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// newError wraps err under a kind.
func newError(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Retryable reports whether the failure should trigger failover to the next
// candidate account. Only pre-commit failures ever reach this check.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindAuth, KindRateLimit, KindUpstream5xx, KindTransport:
		return true
	default:
		return false
	}
}

// HTTPStatus maps a kind to the status returned to the client when every
// candidate failed or the failure is terminal.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindNoAccount:
		return http.StatusServiceUnavailable
	case KindAuth, KindTransport:
		return http.StatusBadGateway
	case KindRateLimit:
		if e.StatusCode != 0 {
			return e.StatusCode
		}
		return http.StatusTooManyRequests
	case KindUpstream5xx:
		if e.StatusCode != 0 {
			return e.StatusCode
		}
		return http.StatusBadGateway
	case KindClientAbort:
		// 499 in the nginx tradition; never actually written to the client.
		return 499
	default:
		return http.StatusInternalServerError
	}
}

// classifyTransport sorts a round-trip error into client-abort versus
// transport failure.
func classifyTransport(ctx context.Context, err error) *Error {
	if ctx.Err() != nil && errors.Is(ctx.Err(), context.Canceled) {
		return newError(KindClientAbort, err)
	}
	return newError(KindTransport, err)
}

// classifyStatus sorts an upstream response status into a kind; 2xx/3xx/4xx
// client errors pass through as nil (forwarded verbatim). 408 is the
// upstream timing out, not the client's fault, so it retries like a 5xx.
func classifyStatus(status int) *Error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &Error{Kind: KindAuth, StatusCode: status, Err: fmt.Errorf("upstream status %d", status)}
	case status == http.StatusTooManyRequests:
		return &Error{Kind: KindRateLimit, StatusCode: status, Err: fmt.Errorf("upstream status %d", status)}
	case status >= 500, status == http.StatusRequestTimeout:
		return &Error{Kind: KindUpstream5xx, StatusCode: status, Err: fmt.Errorf("upstream status %d", status)}
	default:
		return nil
	}
}

// classifyTokenError maps token manager failures onto the taxonomy. A
// rejected refresh token and a transient refresh failure are both credential
// problems from the dispatcher's point of view; both are retryable on the
// next account.
func classifyTokenError(err error) *Error {
	if errors.Is(err, provider.ErrReauthRequired) {
		return newError(KindAuth, fmt.Errorf("account requires re-authentication: %w", err))
	}
	return newError(KindAuth, err)
}
