package updater

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

var (
	// ErrInvalidCredentials means the remote side rejected the bot token. It is never retried.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrTimedOut means a remote call did not complete in time. It is retried immediately.
	ErrTimedOut = errors.New("timed out")

	// ErrAlreadyRunning is returned by StartPolling and StartWebhook while a transport is active.
	ErrAlreadyRunning = errors.New("updater is already running")
	// ErrNotInitialized is returned by StartPolling and StartWebhook before Initialize.
	ErrNotInitialized = errors.New("updater is not initialized")
	// ErrNotRunning is returned by Stop when no transport is active.
	ErrNotRunning = errors.New("updater is not running")
	// ErrStillRunning is returned by Shutdown while a transport is active.
	ErrStillRunning = errors.New("updater is still running")
	// ErrStopPending is returned by StartPolling, StartWebhook and Shutdown while the
	// polling task of a previous run has not exited yet.
	ErrStopPending = errors.New("previous polling task has not exited yet")
)

// RateLimitError asks the caller to wait before the next request.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited: retry after %s", e.RetryAfter)
}

// ConfigurationError reports local misconfiguration detected before serving.
type ConfigurationError struct {
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	if e.Err == nil {
		return "configuration error: " + e.Reason
	}
	return fmt.Sprintf("configuration error: %s: %v", e.Reason, e.Err)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// Failure classifies an error returned by a loop action.
type Failure int

const (
	// FailureTransient is any recoverable remote error; retried with backoff.
	FailureTransient Failure = iota
	// FailureTimedOut is retried without sleeping.
	FailureTimedOut
	// FailureRateLimited is retried after the server-provided delay.
	FailureRateLimited
	// FailureInvalidCredentials aborts the loop.
	FailureInvalidCredentials
	// FailureConfiguration aborts the loop; retrying cannot fix local misconfiguration.
	FailureConfiguration
)

func (f Failure) String() string {
	switch f {
	case FailureTimedOut:
		return "timed_out"
	case FailureRateLimited:
		return "rate_limited"
	case FailureInvalidCredentials:
		return "invalid_credentials"
	case FailureConfiguration:
		return "configuration"
	default:
		return "transient"
	}
}

// Classify maps an error onto the retry policy taxonomy.
func Classify(err error) Failure {
	if errors.Is(err, ErrInvalidCredentials) {
		return FailureInvalidCredentials
	}
	var configErr *ConfigurationError
	if errors.As(err, &configErr) {
		return FailureConfiguration
	}
	var rateLimit *RateLimitError
	if errors.As(err, &rateLimit) {
		return FailureRateLimited
	}
	if errors.Is(err, ErrTimedOut) || errors.Is(err, context.DeadlineExceeded) {
		return FailureTimedOut
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return FailureTimedOut
	}
	return FailureTransient
}

// retryAfter returns the delay carried by a rate-limit error, or zero.
func retryAfter(err error) time.Duration {
	var rateLimit *RateLimitError
	if errors.As(err, &rateLimit) {
		return rateLimit.RetryAfter
	}
	return 0
}
