package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/codex-k8s/telegram-updater/internal/updater"
	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
	"golang.org/x/net/http2"
)

// Ensure Client satisfies the updater collaborator.
var _ updater.Client = (*Client)(nil)

// Client talks to the Telegram Bot API through telego.
type Client struct {
	bot        *telego.Bot
	httpClient *http.Client
	log        *slog.Logger

	mu sync.Mutex
	me *telego.User
}

// NewClient creates a Bot API client. An empty apiServer uses the public Bot API.
func NewClient(token, apiServer string, log *slog.Logger) (*Client, error) {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	if _, err := http2.ConfigureTransports(transport); err != nil {
		return nil, fmt.Errorf("configure http2 transport: %w", err)
	}
	httpClient := &http.Client{Transport: transport}

	options := []telego.BotOption{
		telego.WithLogger(telegoLogger{log: log, token: token}),
		telego.WithHTTPClient(httpClient),
	}
	if apiServer != "" {
		options = append(options, telego.WithAPIServer(apiServer))
	}
	bot, err := telego.NewBot(token, options...)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}
	return &Client{bot: bot, httpClient: httpClient, log: log}, nil
}

// Initialize verifies the token with getMe and caches the bot identity.
func (c *Client) Initialize(ctx context.Context) error {
	me, err := c.bot.GetMe(ctx)
	if err != nil {
		return translateError(err)
	}
	c.mu.Lock()
	c.me = me
	c.mu.Unlock()
	c.log.Info("Telegram bot authorized", "bot_id", me.ID, "username", me.Username)
	return nil
}

// Shutdown drops the cached identity and idle connections.
func (c *Client) Shutdown(context.Context) error {
	c.mu.Lock()
	c.me = nil
	c.mu.Unlock()
	c.httpClient.CloseIdleConnections()
	return nil
}

// Me returns the bot identity cached by Initialize, or nil.
func (c *Client) Me() *telego.User {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.me
}

// FetchUpdates calls getUpdates. The request deadline is the long-poll
// timeout plus every configured network timeout.
func (c *Client) FetchUpdates(ctx context.Context, params updater.FetchParams) ([]telego.Update, error) {
	if deadline := requestDeadline(params); deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, deadline)
		defer cancel()
	}
	updates, err := c.bot.GetUpdates(ctx, &telego.GetUpdatesParams{
		Offset:         params.Offset,
		Timeout:        int(params.Timeout / time.Second),
		AllowedUpdates: params.AllowedUpdates,
	})
	if err != nil {
		return nil, translateError(err)
	}
	return updates, nil
}

// RegisterWebhook calls setWebhook, uploading the certificate when a path is given.
func (c *Client) RegisterWebhook(ctx context.Context, params updater.WebhookParams) error {
	request := &telego.SetWebhookParams{
		URL:                params.URL,
		IPAddress:          params.IPAddress,
		MaxConnections:     params.MaxConnections,
		AllowedUpdates:     params.AllowedUpdates,
		DropPendingUpdates: params.DropPendingUpdates,
		SecretToken:        params.SecretToken,
	}
	if params.CertificatePath != "" {
		file, err := os.Open(params.CertificatePath)
		if err != nil {
			return &updater.ConfigurationError{Reason: "open webhook certificate", Err: err}
		}
		defer file.Close()
		certificate := tu.File(file)
		request.Certificate = &certificate
	}
	if err := c.bot.SetWebhook(ctx, request); err != nil {
		return translateError(err)
	}
	return nil
}

// UnregisterWebhook calls deleteWebhook.
func (c *Client) UnregisterWebhook(ctx context.Context, dropPendingUpdates bool) error {
	err := c.bot.DeleteWebhook(ctx, &telego.DeleteWebhookParams{DropPendingUpdates: dropPendingUpdates})
	if err != nil {
		return translateError(err)
	}
	return nil
}

func requestDeadline(params updater.FetchParams) time.Duration {
	return params.Timeout + params.ReadTimeout + params.WriteTimeout + params.ConnectTimeout + params.PoolTimeout
}
