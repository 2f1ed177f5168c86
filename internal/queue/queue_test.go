package queue

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/probatio/probatio/internal/model"
)

// memStorage is an in-memory Storage for tests.
type memStorage struct {
	mu   sync.Mutex
	jobs map[string]*model.Job
}

func newMemStorage() *memStorage {
	return &memStorage{jobs: make(map[string]*model.Job)}
}

func (m *memStorage) InsertJob(_ context.Context, job *model.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *job
	m.jobs[job.ID] = &c
	return nil
}

func (m *memStorage) UpdateJob(_ context.Context, job *model.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *job
	m.jobs[job.ID] = &c
	return nil
}

func (m *memStorage) FindJobByKey(_ context.Context, queue, key string, since time.Time) (*model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.jobs {
		if j.Queue == queue && j.IdempotencyKey == key && !j.CreatedAt.Before(since) {
			c := *j
			return &c, nil
		}
	}
	return nil, nil
}

func (m *memStorage) ClaimNextJob(_ context.Context, queue string, now time.Time) (*model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *model.Job
	for _, j := range m.jobs {
		if j.Queue != queue || j.RunAfter.After(now) {
			continue
		}
		if j.Status != model.JobWaiting && j.Status != model.JobFailed {
			continue
		}
		if best == nil || j.Priority > best.Priority {
			best = j
		}
	}
	if best == nil {
		return nil, nil
	}
	best.Status = model.JobActive
	c := *best
	return &c, nil
}

func (m *memStorage) CountJobs(_ context.Context, queue string) (map[model.JobStatus]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[model.JobStatus]int)
	for _, j := range m.jobs {
		if j.Queue == queue {
			out[j.Status]++
		}
	}
	return out, nil
}

func (m *memStorage) ListDeadJobs(_ context.Context, queue string) ([]model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Job
	for _, j := range m.jobs {
		if j.Queue == queue && j.Status == model.JobDead {
			out = append(out, *j)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out, nil
}

func (m *memStorage) get(id string) *model.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.jobs[id]
	if j == nil {
		return nil
	}
	c := *j
	return &c
}

func testQueue(store Storage) *Queue {
	q := New(model.QueueConfig{
		Concurrency: 1,
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		DedupWindow: time.Hour,
		PollEvery:   5 * time.Millisecond,
	}, store, zap.NewNop())
	q.jitter = func(time.Duration) time.Duration { return 0 }
	return q
}

func stagePayload(t *testing.T, runID string) []byte {
	t.Helper()
	b, err := Encode(Envelope{Kind: KindStage, RunID: runID, Stage: model.StatusDiscover})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return b
}

func TestEnqueueRejectsUnknownPayload(t *testing.T) {
	q := testQueue(newMemStorage())
	_, err := q.Enqueue(context.Background(), "pipeline", []byte(`{"kind":"mystery"}`), Options{})
	if err == nil {
		t.Fatal("expected validation error for unknown kind")
	}
	if model.KindOf(err) != model.ErrValidation {
		t.Errorf("kind = %q, want validation", model.KindOf(err))
	}
}

func TestEnqueueRejectsStageWithoutRun(t *testing.T) {
	q := testQueue(newMemStorage())
	b, _ := Encode(Envelope{Kind: KindSignalScan})
	if _, err := q.Enqueue(context.Background(), "signals", b, Options{}); err != nil {
		t.Errorf("signal scan payload: %v", err)
	}
	_, err := q.Enqueue(context.Background(), "pipeline", []byte(`{"kind":"stage"}`), Options{})
	if err == nil {
		t.Fatal("expected error for stage payload without run_id")
	}
}

func TestEnqueueDeduplicates(t *testing.T) {
	q := testQueue(newMemStorage())
	ctx := context.Background()
	payload := stagePayload(t, "run-1")

	first, err := q.Enqueue(ctx, "pipeline", payload, Options{IdempotencyKey: "key-1"})
	if err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	second, err := q.Enqueue(ctx, "pipeline", payload, Options{IdempotencyKey: "key-1"})
	if err != nil {
		t.Fatalf("second enqueue: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("dedup returned new job %s, want existing %s", second.ID, first.ID)
	}

	// A different key produces a fresh job.
	third, err := q.Enqueue(ctx, "pipeline", payload, Options{IdempotencyKey: "key-2"})
	if err != nil {
		t.Fatalf("third enqueue: %v", err)
	}
	if third.ID == first.ID {
		t.Error("distinct key should not dedupe")
	}
}

// raceStorage simulates a concurrent enqueue landing between the dedup
// lookup and the insert: the lookup misses once, then the insert hits
// the unique index.
type raceStorage struct {
	*memStorage
	misses int
}

func (r *raceStorage) FindJobByKey(ctx context.Context, queue, key string, since time.Time) (*model.Job, error) {
	if r.misses > 0 {
		r.misses--
		return nil, nil
	}
	return r.memStorage.FindJobByKey(ctx, queue, key, since)
}

func (r *raceStorage) InsertJob(ctx context.Context, job *model.Job) error {
	if job.IdempotencyKey != "" {
		if existing, _ := r.memStorage.FindJobByKey(ctx, job.Queue, job.IdempotencyKey, time.Time{}); existing != nil {
			return model.NewError(model.ErrDomain, model.CodeDuplicateKey, "insert job", nil)
		}
	}
	return r.memStorage.InsertJob(ctx, job)
}

func TestEnqueueResolvesInsertRaceToExistingJob(t *testing.T) {
	store := &raceStorage{memStorage: newMemStorage()}
	q := testQueue(store)
	ctx := context.Background()
	payload := stagePayload(t, "run-1")

	first, err := q.Enqueue(ctx, "pipeline", payload, Options{IdempotencyKey: "key-1"})
	if err != nil {
		t.Fatalf("first enqueue: %v", err)
	}

	// The second enqueue's lookup misses, so only the unique index
	// stands between it and a duplicate.
	store.misses = 1
	second, err := q.Enqueue(ctx, "pipeline", payload, Options{IdempotencyKey: "key-1"})
	if err != nil {
		t.Fatalf("racing enqueue: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("race resolved to job %s, want existing %s", second.ID, first.ID)
	}
	if n := len(store.jobs); n != 1 {
		t.Errorf("store holds %d jobs, want 1", n)
	}
}

func TestEnqueueClampsPriority(t *testing.T) {
	q := testQueue(newMemStorage())
	job, err := q.Enqueue(context.Background(), "pipeline", stagePayload(t, "run-1"), Options{Priority: 99})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if job.Priority != 10 {
		t.Errorf("priority = %d, want clamped to 10", job.Priority)
	}
}

func TestRunJobRetriesTransient(t *testing.T) {
	store := newMemStorage()
	q := testQueue(store)
	ctx := context.Background()

	job, _ := q.Enqueue(ctx, "pipeline", stagePayload(t, "run-1"), Options{})
	fail := model.NewError(model.ErrTransient, model.CodeStoreUnavailable, "db down", nil)

	q.runJob(ctx, job, func(context.Context, *model.Job) error { return fail })

	got := store.get(job.ID)
	if got.Status != model.JobFailed {
		t.Fatalf("status = %q, want failed", got.Status)
	}
	if got.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", got.Attempts)
	}
	if !got.RunAfter.After(q.now().Add(500 * time.Millisecond)) {
		t.Errorf("run_after %v not pushed into the future", got.RunAfter)
	}
	if got.LastError == "" {
		t.Error("last error not recorded")
	}
}

func TestRunJobDeadLettersNonRetryable(t *testing.T) {
	store := newMemStorage()
	q := testQueue(store)
	ctx := context.Background()

	job, _ := q.Enqueue(ctx, "pipeline", stagePayload(t, "run-1"), Options{})
	fail := model.NewError(model.ErrValidation, model.CodeInvalidPayload, "bad input", nil)

	q.runJob(ctx, job, func(context.Context, *model.Job) error { return fail })

	got := store.get(job.ID)
	if got.Status != model.JobDead {
		t.Fatalf("status = %q, want dead (validation errors never retry)", got.Status)
	}
	if got.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", got.Attempts)
	}
}

func TestRunJobDeadLettersAfterMaxAttempts(t *testing.T) {
	store := newMemStorage()
	q := testQueue(store)
	ctx := context.Background()

	job, _ := q.Enqueue(ctx, "pipeline", stagePayload(t, "run-1"), Options{})
	fail := errors.New("plain failure") // unclassified errors are not retryable

	q.runJob(ctx, job, func(context.Context, *model.Job) error { return fail })
	if got := store.get(job.ID); got.Status != model.JobDead {
		t.Fatalf("unclassified error: status = %q, want dead", got.Status)
	}

	// Transient failures exhaust max attempts before dead-lettering.
	job2, _ := q.Enqueue(ctx, "pipeline", stagePayload(t, "run-2"), Options{})
	transient := model.NewError(model.ErrTransient, model.CodeStoreUnavailable, "flaky", nil)
	for i := 0; i < 3; i++ {
		q.runJob(ctx, job2, func(context.Context, *model.Job) error { return transient })
	}
	got := store.get(job2.ID)
	if got.Status != model.JobDead {
		t.Fatalf("status = %q after 3 attempts, want dead", got.Status)
	}
	if got.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", got.Attempts)
	}

	dead, err := q.DeadLetters(ctx, "pipeline")
	if err != nil {
		t.Fatalf("DeadLetters: %v", err)
	}
	if len(dead) != 2 {
		t.Errorf("dead letters = %d, want 2", len(dead))
	}
}

func TestBackoffCurve(t *testing.T) {
	q := testQueue(newMemStorage())
	p := model.RetryPolicy{MaxAttempts: 5, Backoff: model.BackoffExponential, BaseDelay: time.Second}

	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
	}
	for _, tc := range cases {
		if got := q.backoff(p, tc.attempts); got != tc.want {
			t.Errorf("backoff(attempts=%d) = %v, want %v", tc.attempts, got, tc.want)
		}
	}

	fixed := model.RetryPolicy{MaxAttempts: 5, Backoff: model.BackoffFixed, BaseDelay: time.Second}
	if got := q.backoff(fixed, 4); got != time.Second {
		t.Errorf("fixed backoff = %v, want 1s", got)
	}

	big := model.RetryPolicy{MaxAttempts: 20, Backoff: model.BackoffExponential, BaseDelay: time.Second}
	if got := q.backoff(big, 15); got > maxBackoff {
		t.Errorf("backoff %v exceeds cap %v", got, maxBackoff)
	}
}

func TestWorkerProcessesJob(t *testing.T) {
	store := newMemStorage()
	q := testQueue(store)
	ctx := context.Background()

	done := make(chan string, 1)
	q.RegisterWorker("pipeline", func(_ context.Context, job *model.Job) error {
		env, err := Decode(job.Payload)
		if err != nil {
			return err
		}
		done <- env.RunID
		return nil
	}, 2)

	job, err := q.Enqueue(ctx, "pipeline", stagePayload(t, "run-42"), Options{})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	q.Start(ctx)
	defer q.Stop()

	select {
	case runID := <-done:
		if runID != "run-42" {
			t.Errorf("handler saw run %q", runID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not pick up job")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if store.get(job.ID).Status == model.JobCompleted {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job status = %q, want completed", store.get(job.ID).Status)
}

func TestPauseStopsDispatch(t *testing.T) {
	store := newMemStorage()
	q := testQueue(store)
	ctx := context.Background()

	var handled sync.WaitGroup
	handled.Add(1)
	var once sync.Once
	q.RegisterWorker("pipeline", func(context.Context, *model.Job) error {
		once.Do(handled.Done)
		return nil
	}, 1)

	q.Pause("pipeline")
	q.Start(ctx)
	defer q.Stop()

	if _, err := q.Enqueue(ctx, "pipeline", stagePayload(t, "run-1"), Options{}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	m, err := q.Metrics(ctx, "pipeline")
	if err != nil {
		t.Fatalf("Metrics: %v", err)
	}
	if !m.Paused {
		t.Error("metrics should report paused")
	}
	if m.Waiting != 1 {
		t.Errorf("waiting = %d while paused, want 1", m.Waiting)
	}

	q.Resume("pipeline")
	waitDone := make(chan struct{})
	go func() { handled.Wait(); close(waitDone) }()
	select {
	case <-waitDone:
	case <-time.After(2 * time.Second):
		t.Fatal("job not dispatched after resume")
	}
}
