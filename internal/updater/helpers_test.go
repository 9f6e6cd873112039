package updater

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/mymmrac/telego"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeClient is a scriptable Client. Unset hooks succeed, except fetch which
// blocks until ctx is done like an idle long poll.
type fakeClient struct {
	mu sync.Mutex

	initErr       error
	initCalls     int
	shutdownCalls int

	fetch      func(ctx context.Context, params FetchParams) ([]telego.Update, error)
	register   func(ctx context.Context, params WebhookParams) error
	unregister func(ctx context.Context, drop bool) error

	offsets      []int
	registered   []WebhookParams
	unregistered []bool
}

func (f *fakeClient) Initialize(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initCalls++
	return f.initErr
}

func (f *fakeClient) Shutdown(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdownCalls++
	return nil
}

func (f *fakeClient) FetchUpdates(ctx context.Context, params FetchParams) ([]telego.Update, error) {
	f.mu.Lock()
	f.offsets = append(f.offsets, params.Offset)
	fetch := f.fetch
	f.mu.Unlock()
	if fetch == nil {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return fetch(ctx, params)
}

func (f *fakeClient) RegisterWebhook(ctx context.Context, params WebhookParams) error {
	f.mu.Lock()
	f.registered = append(f.registered, params)
	register := f.register
	f.mu.Unlock()
	if register == nil {
		return nil
	}
	return register(ctx, params)
}

func (f *fakeClient) UnregisterWebhook(ctx context.Context, drop bool) error {
	f.mu.Lock()
	f.unregistered = append(f.unregistered, drop)
	unregister := f.unregister
	f.mu.Unlock()
	if unregister == nil {
		return nil
	}
	return unregister(ctx, drop)
}

func (f *fakeClient) fetchOffsets() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.offsets...)
}

func (f *fakeClient) registrations() []WebhookParams {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]WebhookParams(nil), f.registered...)
}

func (f *fakeClient) unregistrations() []bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bool(nil), f.unregistered...)
}

// batches returns a fetch hook that serves each batch once and then idles.
func batches(list ...[]telego.Update) func(ctx context.Context, params FetchParams) ([]telego.Update, error) {
	var mu sync.Mutex
	return func(ctx context.Context, params FetchParams) ([]telego.Update, error) {
		mu.Lock()
		if len(list) > 0 {
			next := list[0]
			list = list[1:]
			mu.Unlock()
			return next, nil
		}
		mu.Unlock()
		<-ctx.Done()
		return nil, ctx.Err()
	}
}

func updatesWithIDs(ids ...int) []telego.Update {
	out := make([]telego.Update, 0, len(ids))
	for _, id := range ids {
		out = append(out, telego.Update{UpdateID: id})
	}
	return out
}

// sleepRecorder replaces real sleeps and records requested durations.
type sleepRecorder struct {
	mu        sync.Mutex
	durations []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.durations = append(s.durations, d)
	s.mu.Unlock()
	return nil
}

func (s *sleepRecorder) recorded() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.durations...)
}

// newTestUpdater returns an initialized updater whose sleeps are recorded instead of performed.
func newTestUpdater(t *testing.T, client *fakeClient) (*Updater, *sleepRecorder) {
	t.Helper()
	sleeps := &sleepRecorder{}
	u := New(client, nil, testLogger())
	u.sleep = sleeps.sleep
	if err := u.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	t.Cleanup(func() {
		if u.Running() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = u.Stop(ctx)
		}
	})
	return u, sleeps
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func drain(t *testing.T, q *Queue, n int) []int {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ids := make([]int, 0, n)
	for range n {
		update, err := q.Get(ctx)
		if err != nil {
			t.Fatalf("Queue.Get() after %v: %v", ids, err)
		}
		ids = append(ids, update.UpdateID)
	}
	return ids
}
