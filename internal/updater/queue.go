package updater

import (
	"context"
	"sync"

	"github.com/mymmrac/telego"
)

// Queue is an unbounded FIFO of updates shared between the updater and its consumers.
type Queue struct {
	mu     sync.Mutex
	items  []telego.Update
	signal chan struct{}
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{signal: make(chan struct{}, 1)}
}

// Put appends an update. It never blocks.
func (q *Queue) Put(update telego.Update) {
	q.mu.Lock()
	q.items = append(q.items, update)
	q.mu.Unlock()
	q.notify()
}

// Get removes and returns the oldest update, waiting until one is available or ctx is done.
func (q *Queue) Get(ctx context.Context) (telego.Update, error) {
	for {
		if update, ok := q.TryGet(); ok {
			return update, nil
		}
		select {
		case <-ctx.Done():
			return telego.Update{}, ctx.Err()
		case <-q.signal:
		}
	}
}

// TryGet removes and returns the oldest update without waiting.
func (q *Queue) TryGet() (telego.Update, bool) {
	q.mu.Lock()
	if len(q.items) == 0 {
		q.mu.Unlock()
		return telego.Update{}, false
	}
	update := q.items[0]
	q.items[0] = telego.Update{}
	q.items = q.items[1:]
	remaining := len(q.items)
	q.mu.Unlock()

	// Wake another waiting consumer if more updates are buffered.
	if remaining > 0 {
		q.notify()
	}
	return update, true
}

// Len reports the number of buffered updates.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}
