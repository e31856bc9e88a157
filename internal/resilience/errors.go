// Package resilience defines the error taxonomy shared by the fetch
// adapters, the acquisition orchestrator, and the storage writer, plus
// retry and circuit-breaker helpers built on it.
package resilience

import (
	"errors"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/atlas-health/refsync/internal/model"
)

// RateLimitedError signals that the upstream refused the request because of
// rate limiting. The orchestrator waits out the cool-down (or RetryAfter,
// when the server supplied one) before retrying, bounded by the daily
// ceiling.
type RateLimitedError struct {
	Err        error
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string { return e.Err.Error() }
func (e *RateLimitedError) Unwrap() error { return e.Err }

// RateLimited wraps err as a rate-limit signal.
func RateLimited(err error, retryAfter time.Duration) *RateLimitedError {
	return &RateLimitedError{Err: err, RetryAfter: retryAfter}
}

// PermanentError signals an auth or schema failure that no amount of
// retrying will fix. The run is marked failed until operator intervention.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err as a permanent source failure.
func Permanent(err error) *PermanentError {
	return &PermanentError{Err: err}
}

// TransientError wraps an error that is safe to retry after a short delay
// (5xx, connection reset, timeout).
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as transient with an optional HTTP status code.
func Transient(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// StorageError signals that the state store or canonical storage is
// unavailable. Fatal for the current run; state stays resumable.
type StorageError struct {
	Err error
}

func (e *StorageError) Error() string { return e.Err.Error() }
func (e *StorageError) Unwrap() error { return e.Err }

// Storage wraps err as a storage-unavailable failure.
func Storage(err error) *StorageError {
	return &StorageError{Err: err}
}

// IsRateLimited reports whether err carries a rate-limit signal.
func IsRateLimited(err error) bool {
	var rl *RateLimitedError
	return errors.As(err, &rl)
}

// RetryAfter extracts the server-supplied cool-down from a rate-limit
// error, or 0 if none was given.
func RetryAfter(err error) time.Duration {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl.RetryAfter
	}
	return 0
}

// IsPermanent reports whether err is a permanent source failure.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// IsStorage reports whether err is a storage-unavailable failure.
func IsStorage(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

// IsTransient reports whether err (or anything in its chain) is explicitly
// transient, or matches common transient network patterns.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
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

	// String heuristics for errors wrapped by HTTP/FTP clients.
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

// Kind maps an error to the taxonomy kind persisted on the download state.
func Kind(err error) model.ErrorKind {
	switch {
	case err == nil:
		return model.ErrKindNone
	case IsRateLimited(err):
		return model.ErrKindRateLimited
	case IsPermanent(err):
		return model.ErrKindPermanent
	case IsStorage(err):
		return model.ErrKindStorage
	case errors.Is(err, syscall.ECANCELED):
		return model.ErrKindCancelled
	case IsTransient(err):
		return model.ErrKindTransient
	default:
		return model.ErrKindTransient
	}
}

// IsTransientHTTPStatus reports whether an HTTP status is safe to retry.
// 429 is excluded: it is a rate-limit signal, not a plain transient.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}
