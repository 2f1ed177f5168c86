package model

import "time"

// JobStatus is the lifecycle of a queued unit of work.
type JobStatus string

const (
	JobWaiting   JobStatus = "waiting"
	JobActive    JobStatus = "active"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"   // attempt failed, will retry
	JobDead      JobStatus = "dead"     // retries exhausted, moved to dead-letter
)

// BackoffKind selects the delay curve between retry attempts.
type BackoffKind string

const (
	BackoffFixed       BackoffKind = "fixed"
	BackoffExponential BackoffKind = "exponential"
)

// RetryPolicy bounds how a failing job is retried.
type RetryPolicy struct {
	MaxAttempts int           `json:"max_attempts"`
	Backoff     BackoffKind   `json:"backoff"`
	BaseDelay   time.Duration `json:"base_delay"`
}

// Job is a persisted unit of queued work.
type Job struct {
	ID             string      `json:"id"`
	Queue          string      `json:"queue"`
	Payload        []byte      `json:"payload"` // serialized tagged payload variant
	IdempotencyKey string      `json:"idempotency_key,omitempty"`
	CorrelationID  string      `json:"correlation_id,omitempty"`
	Priority       int         `json:"priority"` // 0 (lowest) to 10 (highest)
	Status         JobStatus   `json:"status"`
	Attempts       int         `json:"attempts"`
	Retry          RetryPolicy `json:"retry"`
	LastError      string      `json:"last_error,omitempty"`
	RunAfter       time.Time   `json:"run_after"` // earliest time the job may be picked up
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}
