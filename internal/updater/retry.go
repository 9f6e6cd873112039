package updater

import (
	"context"
	"log/slog"
	"time"
)

const (
	// maxInterval caps the backoff between consecutive transient failures.
	maxInterval = 30 * time.Second
	// rateLimitPadding is added on top of the server-provided retry delay.
	rateLimitPadding = 500 * time.Millisecond
)

// Action performs one network operation. Returning false ends the loop.
type Action func(ctx context.Context) (bool, error)

// Loop repeatedly calls an action, retrying after network errors.
//
// The loop ends when Running reports false, when the action returns false,
// when ctx is cancelled, on an invalid-credentials or configuration failure,
// or when one of the error hooks returns an error.
type Loop struct {
	// Description names the operation in logs.
	Description string
	// Interval is slept after every successful call.
	Interval time.Duration
	// Running is polled before every iteration. Nil means always running.
	Running func() bool
	// Classify defaults to the package-level Classify.
	Classify func(error) Failure
	// OnError is called for transient failures before backing off.
	OnError func(error) error
	// OnRateLimit is called for rate-limit failures before waiting.
	OnRateLimit func(error) error

	Log   *slog.Logger
	sleep func(ctx context.Context, d time.Duration) error
}

// Run drives the loop until one of its stop conditions holds.
// Cancellation is a clean exit and yields nil.
func (l Loop) Run(ctx context.Context, action Action) error {
	log := l.Log
	if log == nil {
		log = slog.Default()
	}
	classify := l.Classify
	if classify == nil {
		classify = Classify
	}
	sleep := l.sleep
	if sleep == nil {
		sleep = sleepContext
	}

	log.Debug("Network loop started", "operation", l.Description)
	current := l.Interval
	for l.running() {
		if ctx.Err() != nil {
			log.Debug("Network loop cancelled", "operation", l.Description)
			return nil
		}

		more, err := action(ctx)
		switch {
		case err == nil && !more:
			return nil
		case err == nil:
			current = l.Interval
		case ctx.Err() != nil:
			log.Debug("Network loop cancelled", "operation", l.Description)
			return nil
		default:
			switch classify(err) {
			case FailureRateLimited:
				log.Info("Rate limited", "operation", l.Description, "error", err)
				if l.OnRateLimit != nil {
					if hookErr := l.OnRateLimit(err); hookErr != nil {
						return hookErr
					}
				}
				current = retryAfter(err) + rateLimitPadding
			case FailureTimedOut:
				log.Debug("Timed out", "operation", l.Description, "error", err)
				current = 0
			case FailureInvalidCredentials:
				log.Error("Invalid token; aborting", "operation", l.Description, "error", err)
				return err
			case FailureConfiguration:
				log.Error("Configuration error; aborting", "operation", l.Description, "error", err)
				return err
			default:
				log.Error("Network error", "operation", l.Description, "error", err)
				if l.OnError != nil {
					if hookErr := l.OnError(err); hookErr != nil {
						return hookErr
					}
				}
				current = NextInterval(current)
			}
		}

		if current > 0 {
			if err := sleep(ctx, current); err != nil {
				log.Debug("Network loop cancelled", "operation", l.Description)
				return nil
			}
		}
	}
	return nil
}

func (l Loop) running() bool {
	return l.Running == nil || l.Running()
}

// NextInterval grows the wait after a transient failure: 0 becomes 1s,
// anything else is multiplied by 1.5, never exceeding 30s.
func NextInterval(current time.Duration) time.Duration {
	if current <= 0 {
		return time.Second
	}
	next := current * 3 / 2
	if next > maxInterval {
		return maxInterval
	}
	return next
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
