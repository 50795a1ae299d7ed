// Package queue implements the admission queue sitting in front of the
// scheduler: a bound on global in-flight concurrency, a FIFO wait list with
// a hard queue_limit, and a per-request timeout that abandons the handler
// if it runs too long.
package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"cloudrelay/internal/apierr"
)

// Config parameters, per §4.3. The queue does no "auto" handling: callers
// resolve "auto" to clamp(enabledCredentialCount*perTokenConcurrency, 1, 100)
// before constructing the queue. Zero or negative fields take the defaults
// in withDefaults (MaxConcurrent 1, QueueLimit 100, Timeout 300s).
type Config struct {
	MaxConcurrent int
	QueueLimit    int
	Timeout       time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 1
	}
	if c.QueueLimit <= 0 {
		c.QueueLimit = 100
	}
	if c.Timeout <= 0 {
		c.Timeout = 300 * time.Second
	}
	return c
}

// ResolveMaxConcurrent implements the "auto" resolution rule:
// clamp(enabled*perTokenConcurrency, 1, 100).
func ResolveMaxConcurrent(enabled, perTokenConcurrency int) int {
	v := enabled * perTokenConcurrency
	if v < 1 {
		v = 1
	}
	if v > 100 {
		v = 100
	}
	return v
}

// Status is the queue's point-in-time snapshot.
type Status struct {
	Concurrency int
	InFlight    int
	Waiting     int
	Paused      bool
}

// Queue bounds global concurrency and queue depth at the ingress.
type Queue struct {
	cfg Config
	sem *semaphore.Weighted

	mu       sync.Mutex
	waiting  int
	inFlight int
	paused   bool
}

// New constructs a Queue. cfg.MaxConcurrent must already be resolved (no
// "auto" handling happens here).
func New(cfg Config) *Queue {
	cfg = cfg.withDefaults()
	return &Queue{
		cfg: cfg,
		sem: semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
	}
}

// Release is a one-shot slot release: the admission slot holds a single
// atomic released flag, and either the completion path or the disconnect
// path fires it — the second firing is a no-op.
type Release struct {
	queue    *Queue
	cancel   context.CancelFunc
	released atomic.Bool
}

// Fire releases the slot exactly once, idempotently, and unblocks the
// deadline context handed back by Admit.
func (r *Release) Fire() {
	if r.released.CompareAndSwap(false, true) {
		r.queue.release()
		r.cancel()
	}
}

// Admit blocks until a concurrency slot is available or ctx/timeout fires,
// first checking the queue_limit admission gate. On success it returns a
// context whose deadline is timeout measured from the Admit call, not from
// the moment a slot opened up: timeout is a budget over the whole admitted
// request, queueing plus execution, per §4.3. The caller must run the
// handler's upstream work against this context (not the original request
// context) and must Fire the Release exactly once when done.
func (q *Queue) Admit(ctx context.Context) (context.Context, *Release, *apierr.Error) {
	q.mu.Lock()
	if q.waiting >= q.cfg.QueueLimit {
		size := q.waiting
		q.mu.Unlock()
		return nil, nil, apierr.QueueFull(size)
	}
	q.waiting++
	q.mu.Unlock()

	deadlineCtx, cancel := context.WithTimeout(ctx, q.cfg.Timeout)

	err := q.sem.Acquire(deadlineCtx, 1)

	q.mu.Lock()
	q.waiting--
	q.mu.Unlock()

	if err != nil {
		cancel()
		if ctx.Err() != nil {
			return nil, nil, apierr.Timeout("client disconnected while waiting for admission")
		}
		return nil, nil, apierr.Timeout("timed out waiting for an admission slot")
	}

	q.mu.Lock()
	q.inFlight++
	q.mu.Unlock()

	return deadlineCtx, &Release{queue: q, cancel: cancel}, nil
}

func (q *Queue) release() {
	q.mu.Lock()
	if q.inFlight > 0 {
		q.inFlight--
	}
	q.mu.Unlock()
	q.sem.Release(1)
}

// Status returns a point-in-time snapshot: {concurrency, in_flight, waiting, paused}.
func (q *Queue) Status() Status {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Status{
		Concurrency: q.cfg.MaxConcurrent,
		InFlight:    q.inFlight,
		Waiting:     q.waiting,
		Paused:      q.paused,
	}
}

// Pause and Resume toggle the paused flag surfaced in Status; the queue
// itself keeps admitting (pause is advisory metadata for /health, not an
// admission gate), matching the spec's status snapshot contract without
// inventing an undocumented hard-pause behavior.
func (q *Queue) Pause() {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
}

func (q *Queue) Resume() {
	q.mu.Lock()
	q.paused = false
	q.mu.Unlock()
}
