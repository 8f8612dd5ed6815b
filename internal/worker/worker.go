// Package worker consumes conversion jobs from the queue and drives them
// through the conversion service, honoring each job's retry budget.
package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/docuvert/docuvert/internal/logging"
	"github.com/docuvert/docuvert/internal/queue"
	"github.com/docuvert/docuvert/internal/server/models"
)

const (
	defaultPollInterval = time.Second
	defaultRetryDelay   = 30 * time.Second
)

// Processor runs one claimed conversion job to completion.
type Processor interface {
	Process(ctx context.Context, job *models.ConversionJob) (*models.StoredFile, error)
}

type Option func(*Worker)

func WithPollInterval(d time.Duration) Option {
	return func(w *Worker) { w.pollInterval = d }
}

func WithRetryDelay(d time.Duration) Option {
	return func(w *Worker) { w.retryDelay = d }
}

// Worker claims jobs one at a time. Run several workers for parallelism;
// the queue's claim semantics keep them from colliding.
type Worker struct {
	queue     queue.Queue
	processor Processor
	logger    logging.Logger

	pollInterval time.Duration
	retryDelay   time.Duration
}

func New(q queue.Queue, p Processor, logger logging.Logger, opts ...Option) *Worker {
	w := &Worker{
		queue:        q,
		processor:    p,
		logger:       logger,
		pollInterval: defaultPollInterval,
		retryDelay:   defaultRetryDelay,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run claims and processes jobs until the context is cancelled.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info(ctx, "worker started")
	for {
		select {
		case <-ctx.Done():
			w.logger.Info(ctx, "worker stopped")
			return
		default:
		}

		job, err := w.queue.Claim(ctx)
		if err != nil {
			w.logger.Error(ctx, "failed to claim job", "error", err)
			w.sleep(ctx)
			continue
		}
		if job == nil {
			w.sleep(ctx)
			continue
		}

		w.handle(ctx, job)
	}
}

func (w *Worker) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(w.pollInterval):
	}
}

// handle runs one claimed job and reports the outcome to the queue. A
// processing error consumes one attempt; the queue parks the job for a
// delayed retry until the budget runs out.
func (w *Worker) handle(ctx context.Context, job *queue.Job) {
	var payload models.ConversionJob
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		// malformed payloads can never succeed, burn the budget at once
		w.logger.Error(ctx, "malformed job payload", "job_id", job.ID, "error", err)
		if ferr := w.queue.Fail(ctx, job.ID, "malformed payload: "+err.Error(), 0); ferr != nil {
			w.logger.Error(ctx, "failed to report malformed job", "job_id", job.ID, "error", ferr)
		}
		return
	}

	if _, err := w.processor.Process(ctx, &payload); err != nil {
		w.logger.Warn(ctx, "job attempt failed",
			"job_id", job.ID, "attempt", job.Attempts, "max_attempts", job.MaxAttempts, "error", err)
		if ferr := w.queue.Fail(ctx, job.ID, err.Error(), w.retryDelay); ferr != nil {
			w.logger.Error(ctx, "failed to report job failure", "job_id", job.ID, "error", ferr)
		}
		return
	}

	if err := w.queue.Complete(ctx, job.ID); err != nil {
		w.logger.Error(ctx, "failed to complete job", "job_id", job.ID, "error", err)
		return
	}
	w.logger.Info(ctx, "job completed", "job_id", job.ID, "attempt", job.Attempts)
}
