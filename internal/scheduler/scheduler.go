// Package scheduler translates conversion requests into prioritized,
// retry-budgeted queue jobs and exposes status, cancellation and wait-time
// estimation on top of the queue backend.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/docuvert/docuvert/internal/common"
	"github.com/docuvert/docuvert/internal/estimate"
	"github.com/docuvert/docuvert/internal/logging"
	"github.com/docuvert/docuvert/internal/queue"
	"github.com/docuvert/docuvert/internal/server/models"
	"github.com/docuvert/docuvert/internal/tier"
)

// JobHandle identifies a scheduled conversion. Created reports whether this
// call enqueued the job or a job with the same conversion id already existed.
type JobHandle struct {
	JobID   string
	Created bool
}

// Scheduler assigns tier policy to conversion jobs and submits them under a
// stable per-conversion key so resubmission is idempotent.
type Scheduler struct {
	queue  queue.Queue
	logger logging.Logger
}

func New(q queue.Queue, logger logging.Logger) *Scheduler {
	return &Scheduler{queue: q, logger: logger}
}

// JobKey builds the stable queue key for a conversion id.
func JobKey(conversionID string) string {
	return common.JobKeyPrefix + conversionID
}

// Enqueue submits the job with priority and retry budget taken from the
// owner's tier. An unknown tier degrades to the free policy row.
func (s *Scheduler) Enqueue(ctx context.Context, job *models.ConversionJob) (*JobHandle, error) {
	if job == nil || job.ConversionID == "" {
		return nil, fmt.Errorf("%w: missing conversion id", common.ErrValidation)
	}
	if job.UserID == "" {
		return nil, fmt.Errorf("%w: missing user id", common.ErrValidation)
	}

	t := tier.Parse(string(job.UserTier))
	payload, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job payload: %w", err)
	}

	opts := queue.Options{
		JobID:    JobKey(job.ConversionID),
		Priority: t.Priority(),
		Attempts: t.Attempts(),
	}
	created, err := s.queue.Enqueue(ctx, payload, opts)
	if err != nil {
		return nil, err
	}
	if created {
		s.logger.Info(ctx, "conversion scheduled",
			"job_id", opts.JobID, "tier", string(t), "priority", opts.Priority)
	}
	return &JobHandle{JobID: opts.JobID, Created: created}, nil
}

// Status reports the queue state of a conversion. Unknown conversions return
// common.ErrNotFound, which callers must treat as distinct from a failed job.
func (s *Scheduler) Status(ctx context.Context, conversionID string) (*queue.Job, error) {
	return s.queue.Status(ctx, JobKey(conversionID))
}

// Cancel removes a conversion that has not completed. It is authoritative
// for queued work and advisory for work already dispatched to a worker.
func (s *Scheduler) Cancel(ctx context.Context, conversionID string) (bool, error) {
	ok, err := s.queue.Cancel(ctx, JobKey(conversionID))
	if err != nil {
		return false, err
	}
	if ok {
		s.logger.Info(ctx, "conversion cancelled", "job_id", JobKey(conversionID))
	}
	return ok, nil
}

func (s *Scheduler) QueueStats(ctx context.Context) (*queue.Stats, error) {
	return s.queue.QueueStats(ctx)
}

// EstimateWait predicts total wait for a new conversion. The raw waiting
// count is discounted by the tier factor before it reaches the estimator, so
// higher tiers perceive a shorter queue.
func (s *Scheduler) EstimateWait(ctx context.Context, fileType estimate.FileType, fileSizeBytes int64, quality estimate.Quality, t tier.Tier) (time.Duration, error) {
	stats, err := s.queue.QueueStats(ctx)
	if err != nil {
		return 0, err
	}
	pos := effectivePosition(stats.Waiting, t)
	return estimate.Estimate(fileType, fileSizeBytes, quality, pos)
}

func effectivePosition(waiting int, t tier.Tier) int {
	if waiting <= 0 {
		return 0
	}
	return int(math.Round(float64(waiting) * t.DiscountFactor()))
}
