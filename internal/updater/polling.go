package updater

import (
	"context"
	"log/slog"
	"time"

	logging "github.com/codex-k8s/telegram-updater/internal/log"
)

// PollingOptions configures StartPolling. Zero values are used as given;
// DefaultPollingOptions returns the usual settings.
type PollingOptions struct {
	// PollInterval is slept between successful fetches.
	PollInterval time.Duration
	// Timeout is the long-poll timeout sent to the Bot API.
	Timeout time.Duration
	// BootstrapRetries: < 0 retry forever, 0 no retries, > 0 retry up to that many times.
	BootstrapRetries int
	// ReadTimeout is added to Timeout while waiting for a response.
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	ConnectTimeout time.Duration
	PoolTimeout    time.Duration
	AllowedUpdates []string
	// DropPendingUpdates clears the backlog on the server before polling.
	DropPendingUpdates bool
	// ErrorCallback receives transient fetch errors. Nil logs a warning.
	ErrorCallback func(error)
}

// DefaultPollingOptions returns the default polling configuration.
func DefaultPollingOptions() PollingOptions {
	return PollingOptions{
		Timeout:          10 * time.Second,
		ReadTimeout:      2 * time.Second,
		BootstrapRetries: -1,
	}
}

func (u *Updater) startPolling(ctx context.Context, opts PollingOptions) error {
	log := u.runLogger("polling")
	log.Debug("Updater started")

	if err := u.bootstrap(ctx, log, opts.BootstrapRetries, opts.DropPendingUpdates, nil); err != nil {
		return err
	}
	log.Debug("Bootstrap done")

	onErr := opts.ErrorCallback
	if onErr == nil {
		onErr = func(err error) {
			log.Warn("Error while polling for updates", "error", err)
		}
	}
	params := FetchParams{
		Timeout:        opts.Timeout,
		ReadTimeout:    opts.ReadTimeout,
		WriteTimeout:   opts.WriteTimeout,
		ConnectTimeout: opts.ConnectTimeout,
		PoolTimeout:    opts.PoolTimeout,
		AllowedUpdates: opts.AllowedUpdates,
	}
	loop := Loop{
		Description: "getting updates",
		Interval:    opts.PollInterval,
		Running:     u.running.Load,
		OnError: func(err error) error {
			onErr(err)
			return nil
		},
		Log:   log,
		sleep: u.sleepFunc(),
	}

	log.Debug("Waiting for polling to start")
	u.spawn(ctx, func(ctx context.Context) error {
		return loop.Run(ctx, u.pollOnce(log, params))
	})
	log.Info("Polling started", "offset", u.LastUpdateID())
	return nil
}

// pollOnce fetches one batch since the cursor, enqueues it in order and advances the cursor.
func (u *Updater) pollOnce(log *slog.Logger, params FetchParams) Action {
	return func(ctx context.Context) (bool, error) {
		params.Offset = u.LastUpdateID()
		updates, err := u.client.FetchUpdates(ctx, params)
		if err != nil {
			return false, err
		}
		if len(updates) == 0 {
			return true, nil
		}

		// Stop raced with this fetch. The cursor stays put so the batch is requested again on restart.
		// A cancelled ctx means this task belongs to a stopped run even if a new run has started.
		if !u.running.Load() || ctx.Err() != nil {
			log.Log(ctx, logging.LevelCritical, "Updater stopped unexpectedly; pulled updates will be ignored and fetched again on restart",
				"count", len(updates),
				"offset", params.Offset,
			)
			return true, nil
		}

		for _, update := range updates {
			u.queue.Put(update)
		}
		next := int64(updates[len(updates)-1].UpdateID) + 1
		if next > u.lastUpdateID.Load() {
			u.lastUpdateID.Store(next)
		}
		return true, nil
	}
}
