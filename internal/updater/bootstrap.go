package updater

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

var errBootstrapInterrupted = errors.New("bootstrap interrupted")

// bootstrap makes the remote webhook configuration match the requested mode.
// A nil webhook means polling: any registered webhook is removed.
//
// maxRetries < 0 retries forever, 0 never retries, > 0 retries up to that many times.
func (u *Updater) bootstrap(ctx context.Context, log *slog.Logger, maxRetries int, dropPendingUpdates bool, webhook *WebhookParams) error {
	retries := 0
	onErr := func(err error) error {
		if maxRetries < 0 || retries < maxRetries {
			retries++
			log.Warn("Failed bootstrap phase", "try", retries, "max_retries", maxRetries, "error", err)
			return nil
		}
		log.Error("Failed bootstrap phase", "retries", retries, "error", err)
		return fmt.Errorf("bootstrap failed after %d retries: %w", retries, err)
	}
	run := func(description string, call func(ctx context.Context) error) error {
		done := false
		loop := Loop{
			Description: description,
			Interval:    u.bootstrapInterval,
			Running:     u.running.Load,
			OnError:     onErr,
			OnRateLimit: onErr,
			Log:         log,
			sleep:       u.sleepFunc(),
		}
		err := loop.Run(ctx, func(ctx context.Context) (bool, error) {
			if err := call(ctx); err != nil {
				return false, err
			}
			done = true
			return false, nil
		})
		if err != nil {
			return fmt.Errorf("%s: %w", description, err)
		}
		if !done {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return fmt.Errorf("%s: %w", description, ctxErr)
			}
			return fmt.Errorf("%s: %w", description, errBootstrapInterrupted)
		}
		return nil
	}

	if dropPendingUpdates || webhook == nil {
		err := run("bootstrap delete webhook", func(ctx context.Context) error {
			log.Debug("Deleting webhook", "drop_pending_updates", dropPendingUpdates)
			return u.client.UnregisterWebhook(ctx, dropPendingUpdates)
		})
		if err != nil {
			return err
		}
		retries = 0
	}

	if webhook != nil {
		params := *webhook
		params.DropPendingUpdates = dropPendingUpdates
		err := run("bootstrap set webhook", func(ctx context.Context) error {
			log.Debug("Setting webhook", "url", params.URL, "drop_pending_updates", dropPendingUpdates)
			return u.client.RegisterWebhook(ctx, params)
		})
		if err != nil {
			return err
		}
	}
	return nil
}
