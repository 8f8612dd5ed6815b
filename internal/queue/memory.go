package queue

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/docuvert/docuvert/internal/common"
)

// MemoryQueue is a process-local Queue used by tests and single-node runs.
// It mirrors the PostgreSQL implementation's semantics exactly.
type MemoryQueue struct {
	mu   sync.Mutex
	jobs map[string]*Job
	now  func() time.Time // test seam
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		jobs: make(map[string]*Job),
		now:  time.Now,
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, payload json.RawMessage, opts Options) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.jobs[opts.JobID]; exists {
		return false, nil
	}

	now := q.now()
	q.jobs[opts.JobID] = &Job{
		ID:          opts.JobID,
		Payload:     payload,
		Priority:    opts.Priority,
		MaxAttempts: opts.Attempts,
		State:       StateWaiting,
		EnqueuedAt:  now,
		UpdatedAt:   now,
	}
	return true, nil
}

func (q *MemoryQueue) Status(ctx context.Context, jobID string) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return nil, common.ErrNotFound
	}
	cp := *job
	return &cp, nil
}

func (q *MemoryQueue) Cancel(ctx context.Context, jobID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok || job.State == StateCompleted {
		return false, nil
	}
	delete(q.jobs, jobID)
	return true, nil
}

func (q *MemoryQueue) QueueStats(ctx context.Context) (*Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := &Stats{}
	for _, job := range q.jobs {
		switch job.State {
		case StateWaiting:
			s.Waiting++
		case StateActive:
			s.Active++
		case StateCompleted:
			s.Completed++
		case StateFailed:
			s.Failed++
		case StateDelayed:
			s.Delayed++
		}
	}
	return s, nil
}

// Claim picks the claimable job with the lowest priority value, breaking
// ties by enqueue time, and marks it active.
func (q *MemoryQueue) Claim(ctx context.Context) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var best *Job
	for _, job := range q.jobs {
		if !q.claimable(job, now) {
			continue
		}
		if best == nil || job.Priority < best.Priority ||
			(job.Priority == best.Priority && job.EnqueuedAt.Before(best.EnqueuedAt)) {
			best = job
		}
	}
	if best == nil {
		return nil, nil
	}

	best.State = StateActive
	best.Attempts++
	best.UpdatedAt = now
	cp := *best
	return &cp, nil
}

func (q *MemoryQueue) claimable(job *Job, now time.Time) bool {
	switch job.State {
	case StateWaiting:
		return true
	case StateDelayed:
		return !job.NotBefore.After(now)
	default:
		return false
	}
}

func (q *MemoryQueue) Complete(ctx context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return common.ErrNotFound
	}
	job.State = StateCompleted
	job.UpdatedAt = q.now()
	return nil
}

// Fail records a failed attempt. The job is parked as delayed until
// retryIn elapses while budget remains, and marked failed once the retry
// budget is exhausted.
func (q *MemoryQueue) Fail(ctx context.Context, jobID string, reason string, retryIn time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return common.ErrNotFound
	}

	now := q.now()
	job.LastError = reason
	job.UpdatedAt = now
	if job.Attempts >= job.MaxAttempts {
		job.State = StateFailed
	} else {
		job.State = StateDelayed
		job.NotBefore = now.Add(retryIn)
	}
	return nil
}
