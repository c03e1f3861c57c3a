package usecase

import (
	"context"
	"time"

	"notification-service/internal/config"
	"notification-service/internal/dispatch"
	"notification-service/internal/domain"
	"notification-service/internal/queue"
	"notification-service/pkg/xerrors"

	"go.uber.org/zap"
)

// QueueAdminUsecase exposes queue operations to operators: inspection,
// retry/removal, pause/resume and manual cleanup.
type QueueAdminUsecase struct {
	q       queue.Queue
	monitor *dispatch.Monitor
	cfg     config.MonitorConfig
	logger  *zap.Logger
}

func NewQueueAdminUsecase(
	q queue.Queue,
	monitor *dispatch.Monitor,
	cfg config.MonitorConfig,
	logger *zap.Logger,
) *QueueAdminUsecase {
	return &QueueAdminUsecase{
		q:       q,
		monitor: monitor,
		cfg:     cfg,
		logger:  logger,
	}
}

func (uc *QueueAdminUsecase) Stats(ctx context.Context) (*queue.Stats, error) {
	return uc.q.Stats(ctx)
}

// Health serves the cached snapshot; force regenerates it.
func (uc *QueueAdminUsecase) Health(ctx context.Context, force bool) (*dispatch.Snapshot, error) {
	return uc.monitor.Snapshot(ctx, force)
}

func (uc *QueueAdminUsecase) Jobs(ctx context.Context, state string, limit int) ([]*domain.Job, error) {
	parsed, err := parseJobState(state)
	if err != nil {
		return nil, err
	}
	return uc.q.ListJobs(ctx, parsed, limit)
}

func (uc *QueueAdminUsecase) Job(ctx context.Context, id string) (*domain.Job, error) {
	if id == "" {
		return nil, xerrors.ErrInvalidInput
	}
	return uc.q.GetJob(ctx, id)
}

func (uc *QueueAdminUsecase) Retry(ctx context.Context, id string) error {
	if id == "" {
		return xerrors.ErrInvalidInput
	}
	if err := uc.q.RetryJob(ctx, id); err != nil {
		return err
	}
	uc.logger.Info("job retried by operator", zap.String("job_id", id))
	return nil
}

func (uc *QueueAdminUsecase) Remove(ctx context.Context, id string) error {
	if id == "" {
		return xerrors.ErrInvalidInput
	}
	if err := uc.q.RemoveJob(ctx, id); err != nil {
		return err
	}
	uc.logger.Info("job removed by operator", zap.String("job_id", id))
	return nil
}

func (uc *QueueAdminUsecase) Pause(ctx context.Context) error {
	if err := uc.q.Pause(ctx); err != nil {
		return err
	}
	uc.logger.Warn("queue paused by operator")
	return nil
}

func (uc *QueueAdminUsecase) Resume(ctx context.Context) error {
	if err := uc.q.Resume(ctx); err != nil {
		return err
	}
	uc.logger.Info("queue resumed by operator")
	return nil
}

// CleanUp runs the retention sweep immediately instead of waiting for the
// next monitor tick.
func (uc *QueueAdminUsecase) CleanUp(ctx context.Context) (int64, error) {
	now := time.Now().UTC()
	removed, err := uc.q.CleanUp(ctx,
		now.Add(-uc.cfg.CompletedRetention),
		now.Add(-uc.cfg.FailedRetention),
		uc.cfg.MaxCompleted,
		uc.cfg.MaxFailed,
	)
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		uc.logger.Info("manual queue cleanup", zap.Int64("removed", removed))
	}
	return removed, nil
}

func parseJobState(s string) (domain.JobState, error) {
	state := domain.JobState(s)
	switch state {
	case domain.JobWaiting, domain.JobDelayed, domain.JobActive, domain.JobCompleted, domain.JobFailed:
		return state, nil
	}
	return "", xerrors.ErrInvalidInput
}
