// Package queue implements persistent job orchestration: named queues
// with prioritized dispatch, idempotent enqueue, retry with backoff,
// and a dead-letter path for exhausted jobs.
package queue

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/probatio/probatio/internal/model"
)

func isDuplicateKey(err error) bool {
	var e *model.Error
	return errors.As(err, &e) && e.Code == model.CodeDuplicateKey
}

const (
	maxPriority  = 10
	maxBackoff   = 5 * time.Minute
	defaultPoll  = 250 * time.Millisecond
	defaultDedup = time.Hour
)

// Handler executes one job attempt. A nil return completes the job; a
// retryable error reschedules it, anything else dead-letters it.
type Handler func(ctx context.Context, job *model.Job) error

// Storage is the persistence surface the queue needs.
type Storage interface {
	InsertJob(ctx context.Context, job *model.Job) error
	UpdateJob(ctx context.Context, job *model.Job) error
	FindJobByKey(ctx context.Context, queue, key string, since time.Time) (*model.Job, error)
	ClaimNextJob(ctx context.Context, queue string, now time.Time) (*model.Job, error)
	CountJobs(ctx context.Context, queue string) (map[model.JobStatus]int, error)
	ListDeadJobs(ctx context.Context, queue string) ([]model.Job, error)
}

// Options tune one enqueue call.
type Options struct {
	IdempotencyKey string
	CorrelationID  string
	Priority       int // 0 (lowest) to 10 (highest)
	Delay          time.Duration
	Retry          *model.RetryPolicy // nil uses the queue default
}

// Metrics is a point-in-time view of one queue.
type Metrics struct {
	Queue     string `json:"queue"`
	Waiting   int    `json:"waiting"`
	Active    int    `json:"active"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
	Dead      int    `json:"dead"`
	Paused    bool   `json:"paused"`
}

type worker struct {
	handler     Handler
	concurrency int
	paused      bool
}

// Queue dispatches persisted jobs to registered workers.
type Queue struct {
	store       Storage
	logger      *zap.Logger
	pollEvery   time.Duration
	dedupWindow time.Duration
	retry       model.RetryPolicy

	mu      sync.Mutex
	workers map[string]*worker

	wg     sync.WaitGroup
	cancel context.CancelFunc

	now     func() time.Time
	jitter  func(max time.Duration) time.Duration
	sleep   func(ctx context.Context, d time.Duration)
}

// New builds a queue over the given storage.
func New(cfg model.QueueConfig, store Storage, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	pollEvery := cfg.PollEvery
	if pollEvery <= 0 {
		pollEvery = defaultPoll
	}
	dedupWindow := cfg.DedupWindow
	if dedupWindow <= 0 {
		dedupWindow = defaultDedup
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	baseDelay := cfg.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 2 * time.Second
	}

	return &Queue{
		store:       store,
		logger:      logger,
		pollEvery:   pollEvery,
		dedupWindow: dedupWindow,
		retry: model.RetryPolicy{
			MaxAttempts: maxAttempts,
			Backoff:     model.BackoffExponential,
			BaseDelay:   baseDelay,
		},
		workers: make(map[string]*worker),
		now:     func() time.Time { return time.Now().UTC() },
		jitter: func(max time.Duration) time.Duration {
			if max <= 0 {
				return 0
			}
			return time.Duration(rand.Int63n(int64(max)))
		},
		sleep: func(ctx context.Context, d time.Duration) {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
			case <-t.C:
			}
		},
	}
}

// Enqueue persists a job on the named queue. When an idempotency key is
// given and a job with the same key was enqueued within the dedup
// window, that job is returned instead of creating a duplicate.
func (q *Queue) Enqueue(ctx context.Context, queueName string, payload []byte, opts Options) (*model.Job, error) {
	if _, err := Decode(payload); err != nil {
		return nil, err
	}
	if opts.Priority < 0 {
		opts.Priority = 0
	}
	if opts.Priority > maxPriority {
		opts.Priority = maxPriority
	}

	now := q.now()
	if opts.IdempotencyKey != "" {
		existing, err := q.store.FindJobByKey(ctx, queueName, opts.IdempotencyKey, now.Add(-q.dedupWindow))
		if err != nil {
			return nil, err
		}
		if existing != nil {
			q.logger.Debug("enqueue deduplicated",
				zap.String("queue", queueName),
				zap.String("job_id", existing.ID),
				zap.String("idempotency_key", opts.IdempotencyKey))
			return existing, nil
		}
	}

	retry := q.retry
	if opts.Retry != nil {
		retry = *opts.Retry
	}

	job := &model.Job{
		ID:             uuid.New().String(),
		Queue:          queueName,
		Payload:        payload,
		IdempotencyKey: opts.IdempotencyKey,
		CorrelationID:  opts.CorrelationID,
		Priority:       opts.Priority,
		Status:         model.JobWaiting,
		Retry:          retry,
		RunAfter:       now.Add(opts.Delay),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := q.store.InsertJob(ctx, job); err != nil {
		// A unique-index hit on (queue, idempotency_key) means a
		// concurrent enqueue won the insert race; resolve to its job.
		if isDuplicateKey(err) {
			existing, ferr := q.store.FindJobByKey(ctx, queueName, opts.IdempotencyKey, time.Time{})
			if ferr == nil && existing != nil {
				return existing, nil
			}
		}
		return nil, err
	}

	q.logger.Debug("job enqueued",
		zap.String("queue", queueName),
		zap.String("job_id", job.ID),
		zap.String("correlation_id", job.CorrelationID),
		zap.Int("priority", job.Priority))
	return job, nil
}

// RegisterWorker binds a handler to a queue. Must be called before Start.
func (q *Queue) RegisterWorker(queueName string, h Handler, concurrency int) {
	if concurrency <= 0 {
		concurrency = 1
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.workers[queueName] = &worker{handler: h, concurrency: concurrency}
}

// Pause stops dispatch on one queue. Enqueued jobs accumulate.
func (q *Queue) Pause(queueName string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if w, ok := q.workers[queueName]; ok {
		w.paused = true
	}
}

// Resume restarts dispatch on a paused queue.
func (q *Queue) Resume(queueName string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if w, ok := q.workers[queueName]; ok {
		w.paused = false
	}
}

func (q *Queue) isPaused(queueName string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	w, ok := q.workers[queueName]
	return ok && w.paused
}

// Start launches the polling workers. It returns immediately; call Stop
// to drain.
func (q *Queue) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	q.cancel = cancel

	q.mu.Lock()
	defer q.mu.Unlock()
	for name, w := range q.workers {
		for i := 0; i < w.concurrency; i++ {
			q.wg.Add(1)
			go q.poll(ctx, name, w.handler)
		}
	}
}

// Stop cancels the workers and waits for in-flight jobs to finish.
func (q *Queue) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
	q.wg.Wait()
}

func (q *Queue) poll(ctx context.Context, queueName string, h Handler) {
	defer q.wg.Done()
	for {
		if ctx.Err() != nil {
			return
		}
		if q.isPaused(queueName) {
			q.sleep(ctx, q.pollEvery)
			continue
		}

		job, err := q.store.ClaimNextJob(ctx, queueName, q.now())
		if err != nil {
			q.logger.Warn("claim failed", zap.String("queue", queueName), zap.Error(err))
			q.sleep(ctx, q.pollEvery)
			continue
		}
		if job == nil {
			q.sleep(ctx, q.pollEvery)
			continue
		}
		q.runJob(ctx, job, h)
	}
}

func (q *Queue) runJob(ctx context.Context, job *model.Job, h Handler) {
	job.Attempts++
	log := q.logger.With(
		zap.String("queue", job.Queue),
		zap.String("job_id", job.ID),
		zap.String("correlation_id", job.CorrelationID),
		zap.Int("attempt", job.Attempts))

	err := h(ctx, job)
	if err == nil {
		job.Status = model.JobCompleted
		job.LastError = ""
		if uerr := q.store.UpdateJob(ctx, job); uerr != nil {
			log.Error("complete update failed", zap.Error(uerr))
		}
		log.Debug("job completed")
		return
	}

	job.LastError = err.Error()
	switch {
	case !model.IsRetryable(err):
		job.Status = model.JobDead
		log.Warn("job dead-lettered", zap.String("reason", "non-retryable"), zap.Error(err))
	case job.Attempts >= job.Retry.MaxAttempts:
		job.Status = model.JobDead
		log.Warn("job dead-lettered", zap.String("reason", "retries exhausted"), zap.Error(err))
	default:
		delay := q.backoff(job.Retry, job.Attempts)
		job.Status = model.JobFailed
		job.RunAfter = q.now().Add(delay)
		log.Info("job will retry", zap.Duration("delay", delay), zap.Error(err))
	}
	if uerr := q.store.UpdateJob(ctx, job); uerr != nil {
		log.Error("failure update failed", zap.Error(uerr))
	}
}

// backoff computes the delay before the next attempt. Exponential
// doubles the base per prior attempt and adds up to 25% jitter so
// synchronized failures do not retry in lockstep.
func (q *Queue) backoff(p model.RetryPolicy, attempts int) time.Duration {
	d := p.BaseDelay
	if p.Backoff == model.BackoffExponential {
		for i := 1; i < attempts && d < maxBackoff; i++ {
			d *= 2
		}
	}
	if d > maxBackoff {
		d = maxBackoff
	}
	return d + q.jitter(d/4)
}

// Metrics returns per-status counts for the named queue.
func (q *Queue) Metrics(ctx context.Context, queueName string) (Metrics, error) {
	counts, err := q.store.CountJobs(ctx, queueName)
	if err != nil {
		return Metrics{}, err
	}
	return Metrics{
		Queue:     queueName,
		Waiting:   counts[model.JobWaiting],
		Active:    counts[model.JobActive],
		Completed: counts[model.JobCompleted],
		Failed:    counts[model.JobFailed],
		Dead:      counts[model.JobDead],
		Paused:    q.isPaused(queueName),
	}, nil
}

// DeadLetters returns the dead-lettered jobs on one queue.
func (q *Queue) DeadLetters(ctx context.Context, queueName string) ([]model.Job, error) {
	return q.store.ListDeadJobs(ctx, queueName)
}

// Queues returns the registered queue names.
func (q *Queue) Queues() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	names := make([]string, 0, len(q.workers))
	for name := range q.workers {
		names = append(names, name)
	}
	return names
}
