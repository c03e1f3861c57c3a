package dispatch

import (
	"context"
	"fmt"
	"time"

	"notification-service/internal/config"
	"notification-service/internal/domain"
	"notification-service/internal/queue"
	"notification-service/pkg/id"
	"notification-service/pkg/xerrors"

	"go.uber.org/zap"
)

// Dispatcher is the producer side of the pipeline. Drafts are validated
// synchronously; everything after the returned job id is asynchronous.
type Dispatcher struct {
	q      queue.Queue
	cfg    config.QueueConfig
	logger *zap.Logger
}

func NewDispatcher(q queue.Queue, cfg config.QueueConfig, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{q: q, cfg: cfg, logger: logger}
}

// EnqueueSingle queues one notification for one recipient.
func (d *Dispatcher) EnqueueSingle(ctx context.Context, draft *domain.Draft, opts queue.EnqueueOptions) (string, error) {
	if draft == nil {
		return "", xerrors.ErrInvalidInput
	}
	if err := draft.Validate(true); err != nil {
		return "", err
	}

	job := buildJob(d.cfg, domain.JobSend, draft.Priority, domain.JobPayload{Draft: draft}, opts)
	return d.submit(ctx, job)
}

// EnqueueBatch queues independent drafts as one job. The job rides the lane
// of its highest-priority draft so urgent members are not held back.
func (d *Dispatcher) EnqueueBatch(ctx context.Context, drafts []domain.Draft, opts queue.EnqueueOptions) (string, error) {
	if len(drafts) == 0 {
		return "", xerrors.ErrInvalidInput
	}

	top := domain.PriorityLow
	for i := range drafts {
		if err := drafts[i].Validate(true); err != nil {
			return "", fmt.Errorf("draft %d: %w", i, err)
		}
		if drafts[i].Priority.Rank() > top.Rank() {
			top = drafts[i].Priority
		}
	}

	job := buildJob(d.cfg, domain.JobSendBatch, top, domain.JobPayload{Drafts: drafts}, opts)
	return d.submit(ctx, job)
}

// EnqueueBroadcast queues one draft for many recipients. The list stays on
// the job; the worker expands it into sub-batches, so enqueue cost does not
// grow with the audience.
func (d *Dispatcher) EnqueueBroadcast(ctx context.Context, draft *domain.Draft, recipientIDs []string, opts queue.EnqueueOptions) (string, error) {
	if draft == nil || len(recipientIDs) == 0 {
		return "", xerrors.ErrInvalidInput
	}
	if err := draft.Validate(false); err != nil {
		return "", err
	}

	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = d.cfg.BatchSize
	}

	job := buildJob(d.cfg, domain.JobSendBroadcast, draft.Priority, domain.JobPayload{
		Draft:        draft,
		RecipientIDs: recipientIDs,
		BatchSize:    batchSize,
	}, opts)
	return d.submit(ctx, job)
}

// EnqueueDelayed schedules a single send for a future time. A past or zero
// processAt degrades to an immediate send.
func (d *Dispatcher) EnqueueDelayed(ctx context.Context, draft *domain.Draft, processAt time.Time, opts queue.EnqueueOptions) (string, error) {
	if draft == nil {
		return "", xerrors.ErrInvalidInput
	}
	if err := draft.Validate(true); err != nil {
		return "", err
	}

	opts.ProcessAt = processAt
	job := buildJob(d.cfg, domain.JobSendDelayed, draft.Priority, domain.JobPayload{Draft: draft}, opts)
	return d.submit(ctx, job)
}

func (d *Dispatcher) submit(ctx context.Context, job *domain.Job) (string, error) {
	if err := d.q.Enqueue(ctx, job); err != nil {
		return "", err
	}
	d.logger.Info("job enqueued",
		zap.String("job_id", job.ID),
		zap.String("kind", string(job.Kind)),
		zap.Int("weight", job.Weight),
		zap.Time("process_at", job.ProcessAt))
	return job.ID, nil
}

// buildJob applies queue defaults; shared with the worker so recurring
// sends rebuild jobs with the same shape.
func buildJob(cfg config.QueueConfig, kind domain.JobKind, priority domain.Priority, payload domain.JobPayload, opts queue.EnqueueOptions) *domain.Job {
	now := time.Now().UTC()

	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = cfg.MaxAttempts
	}
	backoff := opts.Backoff
	if backoff <= 0 {
		backoff = cfg.BackoffBase
	}

	processAt := now
	switch {
	case !opts.ProcessAt.IsZero() && opts.ProcessAt.After(now):
		processAt = opts.ProcessAt.UTC()
	case opts.Delay > 0:
		processAt = now.Add(opts.Delay)
	}

	return &domain.Job{
		ID:          id.GenerateJobID(),
		Kind:        kind,
		Weight:      priority.Weight(),
		Payload:     payload,
		MaxAttempts: maxAttempts,
		BackoffMS:   backoff.Milliseconds(),
		CreatedAt:   now,
		ProcessAt:   processAt,
	}
}
