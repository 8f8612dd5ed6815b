// Package queue defines the durable work-queue backend the conversion
// scheduler produces into. Jobs are prioritized, retry-budgeted and keyed
// by a stable id so resubmitting the same conversion is idempotent. Two
// implementations exist: an in-memory queue for tests and single-process
// runs, and a PostgreSQL queue for durable multi-worker deployments.
package queue

import (
	"context"
	"encoding/json"
	"time"
)

// State is a job's lifecycle state.
type State string

const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateDelayed   State = "delayed"
)

// Job is a unit of work held by the queue.
type Job struct {
	ID          string
	Payload     json.RawMessage
	Priority    int // lower is served first
	MaxAttempts int
	Attempts    int
	State       State
	LastError   string
	NotBefore   time.Time // earliest claim time for delayed jobs
	EnqueuedAt  time.Time
	UpdatedAt   time.Time
}

// Options carries the scheduling attributes assigned at enqueue time.
type Options struct {
	JobID    string
	Priority int
	Attempts int // maximum processing attempts
}

// Stats are aggregate queue counts, used for monitoring and for the
// ETA's queue-position input.
type Stats struct {
	Waiting   int
	Active    int
	Completed int
	Failed    int
	Delayed   int
}

// Queue is the backend contract.
//
// Enqueue submits a payload under opts.JobID and reports whether a new job
// was created; false means a job with that id already exists and nothing
// changed. Status returns common.ErrNotFound for unknown ids. Cancel
// removes a job unless it already completed, returning false for unknown
// (or completed) jobs; it never errors on repeat cancellation. Claim
// transitions the best waiting job to active and returns (nil, nil) when
// nothing is ready.
type Queue interface {
	Enqueue(ctx context.Context, payload json.RawMessage, opts Options) (bool, error)
	Status(ctx context.Context, jobID string) (*Job, error)
	Cancel(ctx context.Context, jobID string) (bool, error)
	QueueStats(ctx context.Context) (*Stats, error)

	Claim(ctx context.Context) (*Job, error)
	Complete(ctx context.Context, jobID string) error
	Fail(ctx context.Context, jobID string, reason string, retryIn time.Duration) error
}
