package updater

import (
	"context"
	"time"

	"github.com/mymmrac/telego"
)

// Client is the remote Bot API collaborator used by the updater.
//
// Implementations report failures using the taxonomy in this package:
// ErrInvalidCredentials, *RateLimitError, ErrTimedOut, or any other error
// for transient remote failures.
type Client interface {
	// Initialize prepares the client for use.
	Initialize(ctx context.Context) error
	// Shutdown releases client resources.
	Shutdown(ctx context.Context) error
	// FetchUpdates returns updates with identifiers >= params.Offset in delivery order.
	FetchUpdates(ctx context.Context, params FetchParams) ([]telego.Update, error)
	// RegisterWebhook points the remote side at a push endpoint.
	RegisterWebhook(ctx context.Context, params WebhookParams) error
	// UnregisterWebhook removes any push endpoint, optionally dropping the pending backlog.
	UnregisterWebhook(ctx context.Context, dropPendingUpdates bool) error
}

// FetchParams describes a single long-poll request.
type FetchParams struct {
	Offset         int
	Timeout        time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	ConnectTimeout time.Duration
	PoolTimeout    time.Duration
	AllowedUpdates []string
}

// WebhookParams describes the push endpoint registration.
type WebhookParams struct {
	URL string
	// CertificatePath is uploaded to the remote side when set.
	CertificatePath    string
	AllowedUpdates     []string
	IPAddress          string
	DropPendingUpdates bool
	MaxConnections     int
	SecretToken        string
}
