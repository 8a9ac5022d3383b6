// Package queue provides the in-process work queue feeding the game-loop
// worker pool. Delivery is asynchronous and at-least-once: a failed handler
// is retried with linear backoff until the attempt budget runs out, then
// dead-lettered to the log. No ordering is guaranteed between distinct
// jobs — every handler must be idempotent.
package queue

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

// Kind identifies which handler a job is routed to.
type Kind string

const (
	KindPlayLoop    Kind = "play_loop"
	KindVillageTick Kind = "village_tick"
	KindProduce     Kind = "produce"
)

// Job is one unit of schedulable work. Fields beyond ID/Kind are set as the
// kind requires; unused fields stay zero.
type Job struct {
	ID             string `json:"id"`
	Kind           Kind   `json:"kind"`
	CycleID        string `json:"cycle_id,omitempty"`
	RunID          string `json:"run_id,omitempty"`
	VillageID      int64  `json:"village_id,omitempty"`
	BuildingTypeID int64  `json:"building_type_id,omitempty"`
	Multiplier     int64  `json:"multiplier,omitempty"`
	Attempt        int    `json:"attempt"`
}

// Dispatcher is the enqueue contract the loop services depend on.
type Dispatcher interface {
	Enqueue(ctx context.Context, job Job) error
}

// HandlerFunc processes one job. A returned error triggers the retry policy.
type HandlerFunc func(ctx context.Context, job Job) error

// Options configures a Queue. Zero values select defaults.
type Options struct {
	Workers      int
	Buffer       int
	MaxAttempts  int
	RetryBackoff time.Duration
}

// ErrStopped is returned by Enqueue after Drain has begun.
var ErrStopped = errors.New("queue stopped")

// Queue runs registered handlers on a pool of workers.
type Queue struct {
	opts     Options
	ch       chan Job
	handlers map[Kind]HandlerFunc

	pending sync.WaitGroup // jobs not yet terminally handled (incl. retries)
	workers sync.WaitGroup

	// mu orders Enqueue against Drain: an Enqueue that passed the stopped
	// check holds the read lock until its pending token is added, so Drain
	// can never close the channel under a send.
	mu      sync.RWMutex
	stopped bool

	deadLettered atomic.Int64
}

// New creates a queue. Register handlers with Handle before Start.
func New(opts Options) *Queue {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 256
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 2 * time.Second
	}

	return &Queue{
		opts:     opts,
		ch:       make(chan Job, opts.Buffer),
		handlers: make(map[Kind]HandlerFunc),
	}
}

// Handle registers the handler for a job kind. Not safe to call after Start.
func (q *Queue) Handle(kind Kind, fn HandlerFunc) {
	q.handlers[kind] = fn
}

// Start launches the worker pool. ctx is passed to handlers.
func (q *Queue) Start(ctx context.Context) {
	for i := 0; i < q.opts.Workers; i++ {
		q.workers.Add(1)
		go func() {
			defer q.workers.Done()
			for job := range q.ch {
				q.process(ctx, job)
			}
		}()
	}
	slog.Info("queue started", "workers", q.opts.Workers, "max_attempts", q.opts.MaxAttempts)
}

// Enqueue submits a job. Assigns a job id and first attempt if unset.
func (q *Queue) Enqueue(ctx context.Context, job Job) error {
	if _, ok := q.handlers[job.Kind]; !ok {
		return fmt.Errorf("no handler for job kind %q", job.Kind)
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Attempt == 0 {
		job.Attempt = 1
	}

	q.mu.RLock()
	if q.stopped {
		q.mu.RUnlock()
		return ErrStopped
	}
	q.pending.Add(1)
	q.mu.RUnlock()

	select {
	case q.ch <- job:
		return nil
	case <-ctx.Done():
		q.pending.Done()
		return ctx.Err()
	}
}

func (q *Queue) process(ctx context.Context, job Job) {
	fn := q.handlers[job.Kind]

	err := fn(ctx, job)
	if err == nil {
		q.pending.Done()
		return
	}

	if job.Attempt >= q.opts.MaxAttempts {
		q.deadLettered.Add(1)
		q.pending.Done()
		slog.Error("job dead-lettered",
			"job", job.ID, "kind", job.Kind, "attempt", job.Attempt, "error", err)
		return
	}

	backoff := time.Duration(job.Attempt) * q.opts.RetryBackoff
	slog.Warn("job failed, will retry",
		"job", job.ID, "kind", job.Kind, "attempt", job.Attempt,
		"backoff", backoff, "error", err)

	job.Attempt++
	// The pending token stays held until the retry resolves, so Drain
	// cannot close the channel underneath this send.
	go func(j Job) {
		time.Sleep(backoff)
		q.ch <- j
	}(job)
}

// Wait blocks until every submitted job has terminally resolved. Test hook.
func (q *Queue) Wait() {
	q.pending.Wait()
}

// Drain stops accepting new jobs, waits for in-flight work (including
// retries) to resolve, then shuts the workers down. Taking the write lock
// waits out any Enqueue that already passed its stopped check, so every
// submitted job is covered by the pending wait.
func (q *Queue) Drain() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	q.mu.Unlock()

	q.pending.Wait()
	close(q.ch)
	q.workers.Wait()
	slog.Info("queue drained", "dead_lettered", q.deadLettered.Load())
}

// Depth returns the number of buffered jobs, for inspection.
func (q *Queue) Depth() int {
	return len(q.ch)
}

// DeadLettered returns how many jobs exhausted their attempts.
func (q *Queue) DeadLettered() int64 {
	return q.deadLettered.Load()
}
