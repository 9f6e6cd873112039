// Package updater delivers Telegram updates into a local queue via long polling or a webhook server.
package updater

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const bootstrapInterval = time.Second

// Updater fetches updates either by polling the Bot API or by serving a
// webhook, and puts them into its queue. At most one transport is active.
type Updater struct {
	client Client
	queue  *Queue
	log    *slog.Logger

	// mu serialises lifecycle transitions; the polling loop never takes it.
	mu           sync.Mutex
	initialized  bool
	running      atomic.Bool
	lastUpdateID atomic.Int64

	pollCancel context.CancelFunc
	pollDone   chan struct{}
	webhook    *webhookServer
	fatal      chan error

	bootstrapInterval time.Duration
	sleep             func(ctx context.Context, d time.Duration) error
}

// New creates an updater. A nil queue is replaced with a fresh one.
func New(client Client, queue *Queue, log *slog.Logger) *Updater {
	if queue == nil {
		queue = NewQueue()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Updater{
		client:            client,
		queue:             queue,
		log:               log,
		fatal:             make(chan error, 1),
		bootstrapInterval: bootstrapInterval,
	}
}

// Running reports whether a transport is active.
func (u *Updater) Running() bool {
	return u.running.Load()
}

// Queue returns the shared update queue.
func (u *Updater) Queue() *Queue {
	return u.queue
}

// LastUpdateID returns the next update identifier polling will request.
func (u *Updater) LastUpdateID() int {
	return int(u.lastUpdateID.Load())
}

// Fatal delivers the error that terminated an active transport.
// The updater stays running until Stop is called.
func (u *Updater) Fatal() <-chan error {
	return u.fatal
}

// Initialize prepares the client. Calling it twice is a no-op.
func (u *Updater) Initialize(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.initialized {
		u.log.Debug("Updater is already initialized")
		return nil
	}
	if err := u.client.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize client: %w", err)
	}
	u.initialized = true
	return nil
}

// Shutdown releases the client. It fails while running and is a no-op when already shut down.
func (u *Updater) Shutdown(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.running.Load() {
		return ErrStillRunning
	}
	if !u.pollExited() {
		return ErrStopPending
	}
	if !u.initialized {
		u.log.Warn("Updater is already shut down")
		return nil
	}
	if err := u.client.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown client: %w", err)
	}
	u.initialized = false
	u.log.Debug("Updater shut down")
	return nil
}

// Scope initializes the updater, runs fn and always shuts the updater down afterwards.
// Errors from fn and Shutdown are joined.
func (u *Updater) Scope(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := u.Initialize(ctx); err != nil {
		return errors.Join(err, u.Shutdown(ctx))
	}
	err := fn(ctx)
	return errors.Join(err, u.Shutdown(ctx))
}

// StartPolling bootstraps polling mode and starts fetching updates in the background.
func (u *Updater) StartPolling(ctx context.Context, opts PollingOptions) (*Queue, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if err := u.beginStart(); err != nil {
		return nil, err
	}
	if err := u.startPolling(ctx, opts); err != nil {
		u.running.Store(false)
		return nil, err
	}
	return u.queue, nil
}

// StartWebhook bootstraps webhook mode and starts serving pushes from the Bot API.
func (u *Updater) StartWebhook(ctx context.Context, opts WebhookOptions) (*Queue, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if err := u.beginStart(); err != nil {
		return nil, err
	}
	if err := u.startWebhook(ctx, opts); err != nil {
		u.running.Store(false)
		return nil, err
	}
	return u.queue, nil
}

// beginStart checks start preconditions and marks the updater running. Callers hold mu.
func (u *Updater) beginStart() error {
	if u.running.Load() {
		return ErrAlreadyRunning
	}
	if !u.initialized {
		return ErrNotInitialized
	}
	if !u.pollExited() {
		return ErrStopPending
	}
	select {
	case <-u.fatal:
	default:
	}
	u.running.Store(true)
	return nil
}

// Stop clears the running flag, drains the webhook server and waits for the polling loop.
// ctx bounds the wait. If it expires first, the polling task is still cancelled and
// StartPolling, StartWebhook and Shutdown return ErrStopPending until it exits.
func (u *Updater) Stop(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if !u.running.Load() {
		return ErrNotRunning
	}
	u.log.Debug("Stopping updater")
	u.running.Store(false)

	var errs []error
	if u.webhook != nil {
		u.log.Debug("Waiting for webhook connections to close")
		if err := u.webhook.shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown webhook server: %w", err))
		}
		u.webhook = nil
	}
	if u.pollCancel != nil {
		u.log.Debug("Waiting for polling loop to finish")
		u.pollCancel()
		u.pollCancel = nil
		select {
		case <-u.pollDone:
			u.pollDone = nil
		case <-ctx.Done():
			// pollDone is kept so the next start waits for this task to exit.
			errs = append(errs, fmt.Errorf("wait for polling loop: %w", ctx.Err()))
		}
	}
	u.log.Debug("Updater stopped")
	return errors.Join(errs...)
}

// spawn runs fn in the background with a context that only Stop cancels.
func (u *Updater) spawn(ctx context.Context, fn func(ctx context.Context) error) {
	taskCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	ready := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		close(ready)
		if err := fn(taskCtx); err != nil {
			u.reportFatal(err)
		}
	}()
	<-ready
	u.pollCancel = cancel
	u.pollDone = done
}

// pollExited reports whether no polling task from an earlier run is still alive. Callers hold mu.
func (u *Updater) pollExited() bool {
	if u.pollDone == nil {
		return true
	}
	select {
	case <-u.pollDone:
		u.pollDone = nil
		return true
	default:
		return false
	}
}

func (u *Updater) reportFatal(err error) {
	select {
	case u.fatal <- err:
	default:
		u.log.Error("Dropped fatal transport error", "error", err)
	}
}

func (u *Updater) sleepFunc() func(ctx context.Context, d time.Duration) error {
	if u.sleep != nil {
		return u.sleep
	}
	return sleepContext
}

// runLogger tags a started transport with a fresh run id.
func (u *Updater) runLogger(mode string) *slog.Logger {
	return u.log.With("mode", mode, "run_id", uuid.NewString())
}
