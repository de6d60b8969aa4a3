// Package taskqueue runs deferred work off the request path. Tasks are
// persisted, polled, claimed and retried with backoff; failures are logged
// and never reach the conversation that produced them.
package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"pediatric-assistant/internal/domain"
)

const (
	DefaultInterval    = 2 * time.Second
	DefaultBatchSize   = 10
	DefaultMaxAttempts = 3
	DefaultBackoff     = 5 * time.Second
	DefaultLease       = time.Minute
	maxBackoff         = 10 * time.Minute
	defaultConcurrency = 4
)

// ErrNotCancellable is returned by Cancel for tasks that are no longer pending.
var ErrNotCancellable = errors.New("taskqueue: task is not pending")

// Store persists tasks.
type Store interface {
	CreateTask(ctx context.Context, t domain.Task) error
	// GetTask returns nil, nil when the task does not exist.
	GetTask(ctx context.Context, id string) (*domain.Task, error)
	// DueTasks lists pending tasks whose RunAfter is not after now, oldest first.
	DueTasks(ctx context.Context, now time.Time, limit int) ([]domain.Task, error)
	// ClaimTask atomically moves a pending task with the given attempt count
	// to attempts+1 and pushes RunAfter to leaseUntil. It reports false when
	// another worker got there first.
	ClaimTask(ctx context.Context, id string, attempts int, leaseUntil time.Time) (bool, error)
	// SaveTask writes t unless the stored task was cancelled meanwhile.
	SaveTask(ctx context.Context, t domain.Task) error
	// CancelTask moves a pending task to cancelled and reports false when the
	// task was not pending.
	CancelTask(ctx context.Context, id string, now time.Time) (bool, error)
}

// Handler performs one task.
type Handler func(ctx context.Context, t domain.Task) error

// Queue polls a Store and dispatches due tasks by kind.
type Queue struct {
	store       Store
	interval    time.Duration
	batch       int
	maxAttempts int
	backoff     time.Duration
	lease       time.Duration
	concurrency int
	now         func() time.Time
	newID       func() string
	logger      *slog.Logger
	observe     func(kind string, status domain.TaskStatus)

	mu       sync.RWMutex
	handlers map[string]Handler
}

// Option configures a Queue.
type Option func(*Queue)

func WithInterval(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.interval = d
		}
	}
}

func WithBatchSize(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.batch = n
		}
	}
}

func WithMaxAttempts(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxAttempts = n
		}
	}
}

// WithBackoff sets the base retry delay. The n-th retry waits base*2^(n-1),
// capped at ten minutes.
func WithBackoff(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.backoff = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) {
		if l != nil {
			q.logger = l
		}
	}
}

// WithObserver registers a callback receiving the final status of every
// processed attempt.
func WithObserver(fn func(kind string, status domain.TaskStatus)) Option {
	return func(q *Queue) { q.observe = fn }
}

// New returns a Queue over store.
func New(store Store, opts ...Option) (*Queue, error) {
	if store == nil {
		return nil, errors.New("taskqueue: store must not be nil")
	}
	q := &Queue{
		store:       store,
		interval:    DefaultInterval,
		batch:       DefaultBatchSize,
		maxAttempts: DefaultMaxAttempts,
		backoff:     DefaultBackoff,
		lease:       DefaultLease,
		concurrency: defaultConcurrency,
		now:         time.Now,
		newID:       uuid.NewString,
		logger:      slog.Default(),
		handlers:    make(map[string]Handler),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q, nil
}

// Register binds a handler to a task kind.
func (q *Queue) Register(kind string, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[kind] = h
}

func (q *Queue) handler(kind string) (Handler, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	h, ok := q.handlers[kind]
	return h, ok
}

// Enqueue persists a new pending task that is due immediately.
func (q *Queue) Enqueue(ctx context.Context, kind, conversationID, userID string, payload map[string]string) (domain.Task, error) {
	if kind == "" {
		return domain.Task{}, errors.New("taskqueue: kind is required")
	}
	now := q.now()
	t := domain.Task{
		ID:             q.newID(),
		Kind:           kind,
		ConversationID: conversationID,
		UserID:         userID,
		Payload:        payload,
		Status:         domain.TaskPending,
		RunAfter:       now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := q.store.CreateTask(ctx, t); err != nil {
		return domain.Task{}, fmt.Errorf("taskqueue: enqueue %s: %w", kind, err)
	}
	return t, nil
}

// Cancel moves a pending task to cancelled.
func (q *Queue) Cancel(ctx context.Context, id string) error {
	ok, err := q.store.CancelTask(ctx, id, q.now())
	if err != nil {
		return fmt.Errorf("taskqueue: cancel %s: %w", id, err)
	}
	if !ok {
		return ErrNotCancellable
	}
	return nil
}

// Run polls until ctx is done. Poll errors are logged and retried on the
// next tick.
func (q *Queue) Run(ctx context.Context) error {
	ticker := time.NewTicker(q.interval)
	defer ticker.Stop()
	q.logger.Info("taskqueue: polling", "interval", q.interval.String())
	for {
		if _, err := q.RunOnce(ctx); err != nil && ctx.Err() == nil {
			q.logger.Error("taskqueue: poll failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce claims and processes one batch of due tasks and returns how many
// it processed.
func (q *Queue) RunOnce(ctx context.Context) (int, error) {
	due, err := q.store.DueTasks(ctx, q.now(), q.batch)
	if err != nil {
		return 0, fmt.Errorf("taskqueue: list due tasks: %w", err)
	}

	var (
		mu        sync.Mutex
		processed int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(q.concurrency)
	for _, t := range due {
		g.Go(func() error {
			claimed, err := q.store.ClaimTask(gctx, t.ID, t.Attempts, q.now().Add(q.lease))
			if err != nil {
				q.logger.Warn("taskqueue: claim failed", "task_id", t.ID, "err", err)
				return nil
			}
			if !claimed {
				return nil
			}
			t.Attempts++
			q.process(gctx, t)
			mu.Lock()
			processed++
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return processed, nil
}

func (q *Queue) process(ctx context.Context, t domain.Task) {
	h, ok := q.handler(t.Kind)
	var err error
	if !ok {
		err = fmt.Errorf("no handler for kind %q", t.Kind)
		t.Attempts = q.maxAttempts
	} else {
		hctx, cancel := context.WithTimeout(ctx, q.lease)
		err = h(hctx, t)
		cancel()
	}

	now := q.now()
	t.UpdatedAt = now
	switch {
	case err == nil:
		t.Status = domain.TaskCompleted
		t.LastError = ""
	case t.Attempts >= q.maxAttempts:
		t.Status = domain.TaskFailed
		t.LastError = err.Error()
		q.logger.Error("taskqueue: task failed permanently",
			"task_id", t.ID, "kind", t.Kind, "attempts", t.Attempts, "err", err, "alert", true)
	default:
		t.Status = domain.TaskPending
		t.LastError = err.Error()
		t.RunAfter = now.Add(q.retryDelay(t.Attempts))
		q.logger.Warn("taskqueue: task failed, will retry",
			"task_id", t.ID, "kind", t.Kind, "attempts", t.Attempts, "err", err)
	}

	if err := q.store.SaveTask(ctx, t); err != nil {
		q.logger.Error("taskqueue: save task", "task_id", t.ID, "err", err)
		return
	}
	if q.observe != nil {
		q.observe(t.Kind, t.Status)
	}
}

// retryDelay is the wait before retry number attempts: base, doubling, capped
// at maxBackoff.
func (q *Queue) retryDelay(attempts int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = q.backoff
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = maxBackoff
	b.Reset()

	d := b.NextBackOff()
	for i := 1; i < attempts && d < maxBackoff; i++ {
		d = b.NextBackOff()
	}
	return min(d, maxBackoff)
}
