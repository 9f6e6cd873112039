package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/codex-k8s/telegram-updater/internal/config"
	httpapi "github.com/codex-k8s/telegram-updater/internal/http"
	"github.com/codex-k8s/telegram-updater/internal/log"
	"github.com/codex-k8s/telegram-updater/internal/telegram"
	"github.com/codex-k8s/telegram-updater/internal/updater"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger := log.New(cfg.LogLevel, cfg.LogFormat).With("service", cfg.ServiceName)
	if err := run(cfg, logger); err != nil {
		logger.Error("telegram updater stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	client, err := telegram.NewClient(cfg.Token, cfg.APIServer, logger)
	if err != nil {
		return err
	}
	upd := updater.New(client, nil, logger)

	baseCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Registered before startup so a signal during a retrying bootstrap still stops cleanly.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	return upd.Scope(baseCtx, func(ctx context.Context) error {
		if me := client.Me(); me != nil {
			logger.Info("Authorized", "bot", me.Username, "id", me.ID)
		}

		queue, err := awaitStart(ctx, sigCh, upd, cfg.ShutdownTimeout, logger, func(ctx context.Context) (*updater.Queue, error) {
			return start(ctx, cfg, upd)
		})
		if errors.Is(err, errStartInterrupted) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("start %s: %w", cfg.Mode, err)
		}
		go consume(ctx, queue, logger)

		errCh := make(chan error, 1)
		var server *httpapi.Server
		if cfg.HTTPEnabled() {
			server = httpapi.New(cfg.HTTPAddr(), cfg.Mode, upd, logger)
			go func() { errCh <- server.ListenAndServe() }()
		}

		var runErr error
		select {
		case sig := <-sigCh:
			logger.Info("Shutdown requested", "signal", sig.String())
		case runErr = <-upd.Fatal():
			logger.Error("Updater failed", "error", runErr)
		case runErr = <-errCh:
			logger.Error("HTTP server stopped", "error", runErr)
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer shutdownCancel()
		var errs []error
		if server != nil {
			errs = append(errs, server.Shutdown(shutdownCtx))
		}
		errs = append(errs, stopUpdater(upd, cfg.ShutdownTimeout))
		cancel()
		return errors.Join(append(errs, runErr)...)
	})
}

var errStartInterrupted = errors.New("startup interrupted by signal")

// awaitStart runs start until it returns or a signal arrives. A signal cancels the
// ctx given to start, which aborts a retrying bootstrap; if start still succeeded,
// the updater is stopped again before errStartInterrupted is returned.
func awaitStart(
	ctx context.Context,
	sigCh <-chan os.Signal,
	upd *updater.Updater,
	shutdownTimeout time.Duration,
	logger *slog.Logger,
	start func(ctx context.Context) (*updater.Queue, error),
) (*updater.Queue, error) {
	startCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		queue *updater.Queue
		err   error
	}
	started := make(chan result, 1)
	go func() {
		queue, err := start(startCtx)
		started <- result{queue: queue, err: err}
	}()

	select {
	case res := <-started:
		return res.queue, res.err
	case sig := <-sigCh:
		logger.Info("Shutdown requested during startup", "signal", sig.String())
		cancel()
		if res := <-started; res.err == nil {
			if err := stopUpdater(upd, shutdownTimeout); err != nil {
				return nil, fmt.Errorf("stop after interrupted startup: %w", err)
			}
		}
		return nil, errStartInterrupted
	}
}

func stopUpdater(upd *updater.Updater, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := upd.Stop(ctx); err != nil && !errors.Is(err, updater.ErrNotRunning) {
		return err
	}
	return nil
}

func start(ctx context.Context, cfg config.Config, upd *updater.Updater) (*updater.Queue, error) {
	if cfg.WebhookEnabled() {
		opts := updater.DefaultWebhookOptions()
		opts.Listen = cfg.Webhook.Listen
		opts.Port = cfg.Webhook.Port
		opts.URLPath = cfg.Webhook.URLPath
		opts.CertPath = cfg.Webhook.CertPath
		opts.KeyPath = cfg.Webhook.KeyPath
		opts.BootstrapRetries = cfg.Webhook.BootstrapRetries
		opts.WebhookURL = cfg.Webhook.URL
		opts.SecretToken = cfg.Webhook.Secret
		opts.IPAddress = cfg.Webhook.IPAddress
		opts.MaxConnections = cfg.Webhook.MaxConnections
		opts.AllowedUpdates = cfg.AllowedUpdates
		opts.DropPendingUpdates = cfg.DropPendingUpdates
		return upd.StartWebhook(ctx, opts)
	}

	opts := updater.DefaultPollingOptions()
	opts.PollInterval = cfg.Polling.Interval
	opts.Timeout = cfg.Polling.Timeout
	opts.BootstrapRetries = cfg.Polling.BootstrapRetries
	opts.ReadTimeout = cfg.Polling.ReadTimeout
	opts.WriteTimeout = cfg.Polling.WriteTimeout
	opts.ConnectTimeout = cfg.Polling.ConnectTimeout
	opts.PoolTimeout = cfg.Polling.PoolTimeout
	opts.AllowedUpdates = cfg.AllowedUpdates
	opts.DropPendingUpdates = cfg.DropPendingUpdates
	return upd.StartPolling(ctx, opts)
}

// consume logs every delivered update until ctx is cancelled.
func consume(ctx context.Context, queue *updater.Queue, logger *slog.Logger) {
	for {
		update, err := queue.Get(ctx)
		if err != nil {
			return
		}
		attrs := []any{"update_id", update.UpdateID}
		if msg := update.Message; msg != nil {
			attrs = append(attrs, "chat_id", msg.Chat.ID, "message_id", msg.MessageID)
		}
		logger.Info("Update received", attrs...)
	}
}
