package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

// Enqueuer is the narrow slice of Broker that producers (the Job API,
// the Scraper Runtime, the Dispatcher) depend on. Tests substitute a
// fake implementation so enqueue behavior can be asserted without a
// live Redis instance.
type Enqueuer interface {
	Enqueue(ctx context.Context, taskType string, payload interface{}, opts EnqueueOptions) error
}

// Counts is the per-queue inspection snapshot returned by QueueStatus.
type Counts struct {
	Waiting   int `json:"waiting"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Delayed   int `json:"delayed"`
}

// EnqueueOptions configures a single Enqueue call. JobID enables
// idempotent enqueue: a second Enqueue with the same JobID while the
// first is still pending, active, scheduled or retrying is a no-op.
type EnqueueOptions struct {
	Queue       string
	JobID       string
	Delay       time.Duration
	MaxAttempts int
}

// Broker is a durable multi-queue job delivery system built on asynq +
// Redis. It wraps an asynq.Client for producing, an asynq.Server for
// consuming, and an asynq.Inspector for the status/retry/clean surface
// the Job API exposes.
type Broker struct {
	client    *asynq.Client
	server    *asynq.Server
	inspector *asynq.Inspector
	mux       *asynq.ServeMux
}

// Config mirrors the teacher's redis/config connection shape, trimmed
// to what this broker actually needs.
type Config struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	Concurrency   int
	RetryInterval time.Duration
	MaxRetries    int
}

const defaultBackoff = 30 * time.Second

// NewBroker dials Redis and constructs the client/server/inspector
// trio. The server is not started until Start is called, so a process
// that only enqueues (the Job API) can construct a Broker without
// running any workers.
func NewBroker(cfg Config) *Broker {
	opt := asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}

	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	srv := asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		Queues: map[string]int{
			QueueScrape:    6,
			QueueMatch:     3,
			QueueInstagram: 1,
		},
		RetryDelayFunc: exponentialBackoff(defaultBackoff),
	})

	return &Broker{
		client:    asynq.NewClient(opt),
		server:    srv,
		inspector: asynq.NewInspector(opt),
		mux:       asynq.NewServeMux(),
	}
}

// exponentialBackoff doubles the delay from base on every retry,
// matching the teacher's redis/server.go RetryDelayFunc shape.
func exponentialBackoff(base time.Duration) asynq.RetryDelayFunc {
	return func(n int, err error, task *asynq.Task) time.Duration {
		delay := base << uint(n)
		const maxDelay = 30 * time.Minute
		if delay > maxDelay || delay <= 0 {
			delay = maxDelay
		}
		return delay
	}
}

// HandleFunc registers h to process tasks of the given type. It must
// be called before Start.
func (b *Broker) HandleFunc(taskType string, h func(ctx context.Context, task *asynq.Task) error) {
	b.mux.HandleFunc(taskType, h)
}

// Start begins pulling and dispatching tasks to registered handlers.
// It blocks until ctx is cancelled, then shuts the server down
// gracefully.
func (b *Broker) Start(ctx context.Context) error {
	if err := b.server.Start(b.mux); err != nil {
		return fmt.Errorf("starting asynq server: %w", err)
	}
	<-ctx.Done()
	b.server.Shutdown()
	return nil
}

// Enqueue submits payload under taskType to the named queue. A JobID
// collision with a not-yet-terminal task is treated as success (the
// idempotent no-op the dispatcher and Job API rely on for
// match-after-scrape and duplicate POST /scrape submissions).
func (b *Broker) Enqueue(ctx context.Context, taskType string, payload interface{}, opts EnqueueOptions) error {
	body, err := marshalPayload(payload)
	if err != nil {
		return fmt.Errorf("marshaling %s payload: %w", taskType, err)
	}

	task := asynq.NewTask(taskType, body)

	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	taskOpts := []asynq.Option{
		asynq.Queue(opts.Queue),
		asynq.MaxRetry(maxAttempts),
	}
	if opts.Delay > 0 {
		taskOpts = append(taskOpts, asynq.ProcessIn(opts.Delay))
	}
	if opts.JobID != "" {
		taskOpts = append(taskOpts, asynq.TaskID(opts.JobID))
	}

	_, err = b.client.EnqueueContext(ctx, task, taskOpts...)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
			return nil
		}
		return fmt.Errorf("enqueueing %s: %w", taskType, err)
	}
	return nil
}

// Counts returns the waiting/active/completed/failed/delayed snapshot
// for a single queue.
func (b *Broker) Counts(queue string) (Counts, error) {
	info, err := b.inspector.GetQueueInfo(queue)
	if err != nil {
		return Counts{}, fmt.Errorf("inspecting queue %s: %w", queue, err)
	}
	return Counts{
		Waiting:   info.Pending,
		Active:    info.Active,
		Completed: info.Completed,
		Failed:    info.Failed,
		Delayed:   info.Scheduled + info.Retry,
	}, nil
}

// QueueStatus returns Counts for every durable queue this broker
// manages.
func (b *Broker) QueueStatus() (map[string]Counts, error) {
	out := make(map[string]Counts, 3)
	for _, q := range []string{QueueScrape, QueueMatch, QueueInstagram} {
		c, err := b.Counts(q)
		if err != nil {
			return nil, err
		}
		out[q] = c
	}
	return out, nil
}

// Retry moves a failed or archived task back onto its queue for
// immediate reprocessing.
func (b *Broker) Retry(queue, jobID string) error {
	if err := b.inspector.RunTask(queue, jobID); err != nil {
		return fmt.Errorf("retrying job %s on queue %s: %w", jobID, queue, err)
	}
	return nil
}

// Clean deletes completed tasks older than olderThan from every managed
// queue. Archived tasks are not touched.
func (b *Broker) Clean(olderThan time.Duration) error {
	cutoff := time.Now().Add(-olderThan)
	for _, q := range []string{QueueScrape, QueueMatch, QueueInstagram} {
		if err := b.cleanQueue(q, cutoff); err != nil {
			return err
		}
	}
	return nil
}

func (b *Broker) cleanQueue(queue string, cutoff time.Time) error {
	tasks, err := b.inspector.ListCompletedTasks(queue)
	if err != nil {
		return fmt.Errorf("listing completed tasks on %s: %w", queue, err)
	}
	for _, t := range tasks {
		if t.CompletedAt.Before(cutoff) {
			if err := b.inspector.DeleteTask(queue, t.ID); err != nil {
				return fmt.Errorf("deleting task %s on %s: %w", t.ID, queue, err)
			}
		}
	}
	return nil
}

// Close releases the client and inspector connections. The server is
// stopped via Start's context cancellation, not here.
func (b *Broker) Close() error {
	if err := b.client.Close(); err != nil {
		return fmt.Errorf("closing asynq client: %w", err)
	}
	return b.inspector.Close()
}
