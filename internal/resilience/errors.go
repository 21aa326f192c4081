package resilience

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"
)

// Kind classifies a pipeline failure.
type Kind string

const (
	// KindTransient is an unreachable or erroring external service. Retryable.
	KindTransient Kind = "transient"
	// KindIntegrity is a decryption or missing-mapping failure. Fatal for the encounter.
	KindIntegrity Kind = "integrity"
	// KindTimeout is an exhausted execution budget. Retryable, reported separately.
	KindTimeout Kind = "timeout"
	// KindValidation is malformed input rejected before the pipeline.
	KindValidation Kind = "validation"
)

// Retryable reports whether an explicit retry can be expected to help.
func (k Kind) Retryable() bool {
	return k == KindTransient || k == KindTimeout
}

// Error tags an underlying error with its failure kind.
type Error struct {
	Kind       Kind
	Err        error
	StatusCode int
}

func (e *Error) Error() string {
	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func tag(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// Transient marks err as a retryable external-service failure.
func Transient(err error) error { return tag(KindTransient, err) }

// Integrity marks err as a data-integrity failure.
func Integrity(err error) error { return tag(KindIntegrity, err) }

// Timeout marks err as a budget expiry.
func Timeout(err error) error { return tag(KindTimeout, err) }

// Validation marks err as rejected input.
func Validation(err error) error { return tag(KindValidation, err) }

// NewTransientError wraps an error as transient with an optional HTTP status code.
func NewTransientError(err error, statusCode int) *Error {
	return &Error{Kind: KindTransient, Err: err, StatusCode: statusCode}
}

// KindOf returns the failure kind for err. An explicit tag wins; a context
// deadline is a timeout; everything else defaults to transient so that
// unclassified failures stay retryable.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindTransient
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	return KindOf(err) == kind
}

// IsTransient reports whether err should be retried in-call: an explicit
// transient tag, or a network-level failure (timeouts, resets, DNS).
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var e *Error
	if errors.As(err, &e) {
		return e.Kind == KindTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range []string{
		"connection reset by peer",
		"broken pipe",
		"temporary failure in name resolution",
		"no such host",
		"tls handshake timeout",
		"i/o timeout",
		"server closed idle connection",
	} {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// IsTransientHTTPStatus returns true for status codes that are safe to retry.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// SafeMessage returns a short, display-safe message for a failure. It never
// includes the underlying error text.
func SafeMessage(kind Kind, step string) string {
	switch kind {
	case KindTimeout:
		return "exceeded time limit"
	case KindIntegrity:
		return "PHI mapping could not be verified"
	case KindValidation:
		return "invalid input"
	default:
		if step == "" {
			return "temporary service failure"
		}
		return "temporary service failure during " + step
	}
}
