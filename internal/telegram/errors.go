package telegram

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/codex-k8s/telegram-updater/internal/updater"
	"github.com/mymmrac/telego/telegoapi"
)

// translateError maps Bot API and transport failures onto the updater taxonomy.
func translateError(err error) error {
	if err == nil || errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", updater.ErrTimedOut, err)
	}

	var apiErr *telegoapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode {
		case http.StatusUnauthorized, http.StatusNotFound:
			return fmt.Errorf("%w: %w", updater.ErrInvalidCredentials, err)
		case http.StatusTooManyRequests:
			var retryAfter time.Duration
			if apiErr.Parameters != nil {
				retryAfter = time.Duration(apiErr.Parameters.RetryAfter) * time.Second
			}
			return &updater.RateLimitError{RetryAfter: retryAfter}
		}
		return err
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %w", updater.ErrTimedOut, err)
	}
	return err
}
