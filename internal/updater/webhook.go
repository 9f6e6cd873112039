package updater

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/mymmrac/telego"
	"golang.org/x/net/http2"
)

const (
	secretTokenHeader = "X-Telegram-Bot-Api-Secret-Token"
	maxWebhookBody    = 1 << 20
)

// WebhookOptions configures StartWebhook.
type WebhookOptions struct {
	// Listen is the local address to bind.
	Listen string
	Port   int
	// URLPath is served by the webhook; a leading slash is added when missing.
	URLPath string
	// CertPath and KeyPath enable TLS when both are set. CertPath alone is
	// still uploaded to the Bot API for self-signed setups behind a proxy.
	CertPath string
	KeyPath  string
	// BootstrapRetries: < 0 retry forever, 0 no retries, > 0 retry up to that many times.
	BootstrapRetries int
	// WebhookURL overrides the URL derived from Listen, Port and URLPath.
	WebhookURL         string
	AllowedUpdates     []string
	DropPendingUpdates bool
	IPAddress          string
	MaxConnections     int
	// SecretToken is required in every push. A random token is generated when empty.
	SecretToken string
}

// DefaultWebhookOptions returns the default webhook configuration.
func DefaultWebhookOptions() WebhookOptions {
	return WebhookOptions{
		Listen:         "127.0.0.1",
		Port:           80,
		MaxConnections: 40,
	}
}

// WebhookAddr returns the bound webhook address, or "" when no server is running.
func (u *Updater) WebhookAddr() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.webhook == nil {
		return ""
	}
	return u.webhook.addr()
}

func (u *Updater) startWebhook(ctx context.Context, opts WebhookOptions) error {
	log := u.runLogger("webhook")
	log.Debug("Updater started")

	urlPath := opts.URLPath
	if !strings.HasPrefix(urlPath, "/") {
		urlPath = "/" + urlPath
	}

	tlsConfig, err := loadTLSConfig(opts.CertPath, opts.KeyPath)
	if err != nil {
		return err
	}

	secret := opts.SecretToken
	if secret == "" {
		secret = uuid.NewString()
	}

	webhookURL := opts.WebhookURL
	if webhookURL == "" {
		scheme := "http"
		if tlsConfig != nil {
			scheme = "https"
		}
		webhookURL = webhookURLFor(scheme, opts.Listen, opts.Port, urlPath)
	}

	server, err := newWebhookServer(urlPath, secret, tlsConfig, u.queue, log)
	if err != nil {
		return err
	}

	err = u.bootstrap(ctx, log, opts.BootstrapRetries, opts.DropPendingUpdates, &WebhookParams{
		URL:             webhookURL,
		CertificatePath: opts.CertPath,
		AllowedUpdates:  opts.AllowedUpdates,
		IPAddress:       opts.IPAddress,
		MaxConnections:  opts.MaxConnections,
		SecretToken:     secret,
	})
	if err != nil {
		return err
	}
	log.Debug("Bootstrap done")

	listenAddr := net.JoinHostPort(opts.Listen, strconv.Itoa(opts.Port))
	if err := server.listen(listenAddr); err != nil {
		return err
	}

	log.Debug("Waiting for webhook server to start")
	ready := make(chan struct{})
	go func() {
		close(ready)
		if err := server.serve(); err != nil {
			log.Error("Webhook server stopped unexpectedly", "error", err)
			u.reportFatal(err)
		}
	}()
	<-ready
	u.webhook = server
	log.Info("Webhook server started", "addr", server.addr(), "url", webhookURL)
	return nil
}

func webhookURLFor(scheme, listen string, port int, urlPath string) string {
	return fmt.Sprintf("%s://%s:%d%s", scheme, listen, port, urlPath)
}

// loadTLSConfig returns nil unless both files are given.
func loadTLSConfig(certPath, keyPath string) (*tls.Config, error) {
	if certPath == "" || keyPath == "" {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, &ConfigurationError{Reason: "invalid TLS certificate", Err: err}
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// webhookServer receives pushed updates and puts them into the queue.
type webhookServer struct {
	server   *http.Server
	listener net.Listener
	secret   string
	queue    *Queue
	closed   atomic.Bool
	// inFlight counts accepted pushes that have not been answered yet.
	inFlight atomic.Int32
	log      *slog.Logger
}

func newWebhookServer(urlPath, secret string, tlsConfig *tls.Config, queue *Queue, log *slog.Logger) (*webhookServer, error) {
	s := &webhookServer{secret: secret, queue: queue, log: log}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Post(urlPath, s.handleUpdates)

	s.server = &http.Server{
		Handler:           router,
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 5 * time.Second,
	}
	if tlsConfig != nil {
		if err := http2.ConfigureServer(s.server, &http2.Server{}); err != nil {
			return nil, &ConfigurationError{Reason: "configure http2", Err: err}
		}
	}
	return s, nil
}

func (s *webhookServer) listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen webhook: %w", err)
	}
	if s.server.TLSConfig != nil {
		ln = tls.NewListener(ln, s.server.TLSConfig)
	}
	s.listener = ln
	return nil
}

func (s *webhookServer) addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *webhookServer) serve() error {
	if err := s.server.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// shutdown stops accepting pushes and waits for in-flight requests, falling back to Close when ctx expires.
func (s *webhookServer) shutdown(ctx context.Context) error {
	s.closed.Store(true)
	s.log.Debug("Draining webhook server", "in_flight", s.inFlight.Load())
	if err := s.server.Shutdown(ctx); err != nil {
		s.log.Warn("Graceful webhook shutdown failed", "error", err)
		_ = s.server.Close()
		return err
	}
	return nil
}

func (s *webhookServer) handleUpdates(w http.ResponseWriter, r *http.Request) {
	if s.closed.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	s.inFlight.Add(1)
	defer s.inFlight.Add(-1)

	if r.Header.Get(secretTokenHeader) != s.secret {
		s.log.Warn("Webhook secret mismatch", "remote", r.RemoteAddr)
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	defer r.Body.Close()
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		s.log.Error("Failed to read webhook body", "error", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	updates, err := decodeUpdates(body)
	if err != nil {
		s.log.Error("Failed to decode webhook update", "error", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	for _, update := range updates {
		s.queue.Put(update)
	}
	s.log.Debug("Webhook updates received", "count", len(updates))
	w.WriteHeader(http.StatusOK)
}

// decodeUpdates accepts a single update object or an array of updates.
func decodeUpdates(body []byte) ([]telego.Update, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, errors.New("empty body")
	}
	if body[0] == '[' {
		var updates []telego.Update
		if err := json.Unmarshal(body, &updates); err != nil {
			return nil, err
		}
		return updates, nil
	}
	var update telego.Update
	if err := json.Unmarshal(body, &update); err != nil {
		return nil, err
	}
	return []telego.Update{update}, nil
}
