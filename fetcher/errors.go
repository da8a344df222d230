package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"syscall"
)

// ErrorCode classifies a failed task for delivery to the visitor.
type ErrorCode int

const (
	ErrFailed ErrorCode = iota
	ErrTimedOut
	ErrNameNotResolved
	ErrConnectionRefused
	ErrConnectionReset
	ErrTLSHandshakeFailed
	ErrContentDecodingFailed
	ErrInvalidURL
	ErrNoProxyPass
)

// shortName is the wire-visible error name carried into the synthetic HTTP
// response body.
var shortNames = map[ErrorCode]string{
	ErrFailed:                "failed",
	ErrTimedOut:              "timed_out",
	ErrNameNotResolved:       "name_not_resolved",
	ErrConnectionRefused:     "connection_refused",
	ErrConnectionReset:       "connection_reset",
	ErrTLSHandshakeFailed:    "ssl_protocol_error",
	ErrContentDecodingFailed: "content_decoding_failed",
	ErrInvalidURL:            "invalid_url",
	ErrNoProxyPass:           "no_proxy_pass",
}

// Error is the typed failure delivered through Visitor.OnError.
type Error struct {
	Code  ErrorCode
	Cause error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return e.ShortName()
	}
	return fmt.Sprintf("%s: %v", e.ShortName(), e.Cause)
}

func (e *Error) ShortName() string {
	if name, ok := shortNames[e.Code]; ok {
		return name
	}
	return shortNames[ErrFailed]
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Timeout reports whether the task ended because its one-shot timer fired.
func (e *Error) Timeout() bool {
	return e.Code == ErrTimedOut
}

func newError(code ErrorCode, cause error) *Error {
	return &Error{Code: code, Cause: cause}
}

// NewNoProxyPassError marks a request that arrived while no proxy-pass origin
// is configured.
func NewNoProxyPassError() *Error {
	return newError(ErrNoProxyPass, nil)
}

// NewInvalidURLError marks a request whose backend URL could not be built.
func NewInvalidURLError(cause error) *Error {
	return newError(ErrInvalidURL, cause)
}

// classifyError maps transport failures onto the error taxonomy. errTaskTimedOut
// as the context cause marks the one-shot task timer, not a per-dial deadline.
func classifyError(ctx context.Context, err error) *Error {
	if errors.Is(context.Cause(ctx), errTaskTimedOut) {
		return newError(ErrTimedOut, err)
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		err = urlErr.Err
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return newError(ErrNameNotResolved, dnsErr)
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return newError(ErrConnectionRefused, err)
	}
	if errors.Is(err, syscall.ECONNRESET) {
		return newError(ErrConnectionReset, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return newError(ErrTimedOut, err)
	}
	if isTLSError(err) {
		return newError(ErrTLSHandshakeFailed, err)
	}
	return newError(ErrFailed, err)
}

// crypto/tls errors stringify with a "tls:" prefix and expose no exported
// type to match on.
func isTLSError(err error) bool {
	for e := err; e != nil; e = errors.Unwrap(e) {
		if strings.HasPrefix(e.Error(), "tls:") || strings.HasPrefix(e.Error(), "x509:") {
			return true
		}
	}
	return false
}

// isRetryableNetworkError reports transient failures that the network-change
// retry policy may retry.
func isRetryableNetworkError(err *Error) bool {
	switch err.Code {
	case ErrConnectionRefused, ErrConnectionReset, ErrNameNotResolved:
		return true
	}
	return false
}
