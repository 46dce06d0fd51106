package async

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/platinummonkey/salonguard/pkg/observability"
)

var (
	// ErrQueueClosed is returned by Enqueue after Drain has started
	ErrQueueClosed = errors.New("detached task queue closed")
	// ErrQueueFull is returned by Enqueue when the buffer is full
	ErrQueueFull = errors.New("detached task queue full")
)

// QueueConfig sizes the detached task queue
type QueueConfig struct {
	Workers     int
	Buffer      int
	TaskTimeout time.Duration
	Retry       RetryConfig
}

// DefaultQueueConfig returns defaults suitable for audit and alert work
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		Workers:     4,
		Buffer:      256,
		TaskTimeout: 10 * time.Second,
		Retry:       DefaultRetryConfig(),
	}
}

type task struct {
	name   string
	parent context.Context
	run    func(context.Context) error
}

// Queue runs fire-and-forget work after a response has been computed.
//
// Tasks keep the values of the context they were enqueued with (correlation
// ID, logger) but not its cancellation, so a finished request does not kill
// its own audit write. Failed tasks are retried with exponential backoff up
// to the configured attempt count. Every task either completes or is logged
// as abandoned; Drain must be called before the process exits.
type Queue struct {
	cfg     QueueConfig
	retry   *RetryPolicy
	logger  *observability.Logger
	metrics *observability.SecurityMetrics

	tasks  chan task
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewQueue starts cfg.Workers workers
func NewQueue(cfg QueueConfig, logger *observability.Logger, metrics *observability.SecurityMetrics) *Queue {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Buffer < 0 {
		cfg.Buffer = 0
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = DefaultQueueConfig().TaskTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		cfg:     cfg,
		retry:   NewRetryPolicy(cfg.Retry),
		logger:  logger.Component("async.queue"),
		metrics: metrics,
		tasks:   make(chan task, cfg.Buffer),
		ctx:     ctx,
		cancel:  cancel,
	}

	for i := 0; i < cfg.Workers; i++ {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			for t := range q.tasks {
				q.execute(t)
			}
		}()
	}

	return q
}

// Enqueue schedules fn. It never blocks; a full or closed queue abandons the
// task and returns the reason.
func (q *Queue) Enqueue(ctx context.Context, name string, fn func(context.Context) error) error {
	if ctx == nil {
		ctx = context.Background()
	}

	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		q.abandon(ctx, name, 0, ErrQueueClosed)
		return ErrQueueClosed
	}

	select {
	case q.tasks <- task{name: name, parent: ctx, run: fn}:
		return nil
	default:
		q.abandon(ctx, name, 0, ErrQueueFull)
		return ErrQueueFull
	}
}

// Drain stops accepting tasks and waits for queued work to finish. When ctx
// expires first, in-flight tasks are cancelled, anything still queued is
// abandoned and ctx.Err() is returned.
func (q *Queue) Drain(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.tasks)
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.cancel()
		return nil
	case <-ctx.Done():
		q.cancel()
		q.logger.Warn("Drain deadline reached, abandoning remaining detached tasks")
		return ctx.Err()
	}
}

func (q *Queue) execute(t task) {
	for attempt := 1; ; attempt++ {
		if err := q.ctx.Err(); err != nil {
			q.abandon(t.parent, t.name, attempt-1, err)
			return
		}

		err := q.attempt(t)
		if err == nil {
			return
		}
		if !q.retry.ShouldRetry(attempt, err) {
			q.abandon(t.parent, t.name, attempt, err)
			return
		}

		q.logFor(t.parent).WithError(err).
			WithField("task", t.name).
			WithField("attempt", attempt).
			Debug("Detached task failed, retrying")

		timer := time.NewTimer(q.retry.NextRetryDelay(attempt))
		select {
		case <-timer.C:
		case <-q.ctx.Done():
			timer.Stop()
		}
	}
}

// attempt runs one try with its own timeout, recovering panics
func (q *Queue) attempt(t task) (err error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(t.parent), q.cfg.TaskTimeout)
	stop := context.AfterFunc(q.ctx, cancel)
	defer func() {
		stop()
		cancel()
	}()

	defer func() {
		if perr := observability.RecoverError(recover()); perr != nil {
			err = fmt.Errorf("task %s: %w", t.name, perr)
		}
	}()

	return t.run(ctx)
}

func (q *Queue) logFor(ctx context.Context) *observability.Logger {
	return q.logger.ForRequest(ctx)
}

func (q *Queue) abandon(ctx context.Context, name string, attempts int, err error) {
	q.metrics.TaskAbandoned()
	q.logFor(ctx).WithError(err).
		WithField("task", name).
		WithField("attempts", attempts).
		Error("Detached task abandoned")
}

// RunEvery calls fn every interval until ctx is done. Each tick gets its own
// timeout of one interval; errors and panics are logged and the loop
// carries on.
func RunEvery(ctx context.Context, logger *observability.Logger, interval time.Duration, taskName string, fn func(context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runTick(ctx, logger, interval, taskName, fn)
		}
	}
}

func runTick(parent context.Context, logger *observability.Logger, timeout time.Duration, taskName string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()
	defer observability.RecoverPanic(logger, taskName)
	if err := fn(ctx); err != nil {
		logger.WithError(err).WithField("task", taskName).Warn("Periodic task failed")
	}
}
