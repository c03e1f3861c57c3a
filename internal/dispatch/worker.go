package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"notification-service/internal/config"
	"notification-service/internal/domain"
	"notification-service/internal/gateway"
	"notification-service/internal/preference"
	"notification-service/internal/queue"
	"notification-service/internal/repository"
	"notification-service/internal/template"
	"notification-service/pkg/id"
	"notification-service/pkg/metrics"
	"notification-service/pkg/xerrors"

	"go.uber.org/zap"
)

// RealtimeGateway is the slice of the delivery gateway the worker needs.
type RealtimeGateway interface {
	Deliver(ctx context.Context, n *domain.Notification) gateway.PushResult
	PushUnreadCount(ctx context.Context, userID string)
}

// Worker consumes queue jobs through the pipeline: resolve template, apply
// the preference filter, persist, push realtime. One Worker runs a pool of
// goroutines plus the delayed-job promoter.
type Worker struct {
	q        queue.Queue
	notifs   repository.NotificationStore
	prefs    repository.PreferenceStore
	resolver *template.Resolver
	filter   *preference.Filter
	gw       RealtimeGateway

	cfg    config.WorkerConfig
	qcfg   config.QueueConfig
	logger *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewWorker(
	q queue.Queue,
	notifs repository.NotificationStore,
	prefs repository.PreferenceStore,
	resolver *template.Resolver,
	filter *preference.Filter,
	gw RealtimeGateway,
	cfg config.WorkerConfig,
	qcfg config.QueueConfig,
	logger *zap.Logger,
) *Worker {
	return &Worker{
		q:        q,
		notifs:   notifs,
		prefs:    prefs,
		resolver: resolver,
		filter:   filter,
		gw:       gw,
		cfg:      cfg,
		qcfg:     qcfg,
		logger:   logger,
	}
}

// Start launches the worker pool and the delayed-job promoter.
func (w *Worker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)

	for i := 0; i < w.cfg.Concurrency; i++ {
		w.wg.Add(1)
		go w.run(ctx, i)
	}
	w.wg.Add(1)
	go w.promote(ctx)

	w.logger.Info("worker pool started", zap.Int("concurrency", w.cfg.Concurrency))
}

// Stop cancels the pool and waits for in-flight jobs to finish.
func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	w.logger.Info("worker pool stopped")
}

func (w *Worker) run(ctx context.Context, worker int) {
	defer w.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		handled, err := w.ProcessOne(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			w.logger.Error("dequeue failed", zap.Int("worker", worker), zap.Error(err))
			w.idle(ctx)
			continue
		}
		if !handled {
			w.idle(ctx)
		}
	}
}

// ProcessOne pulls and processes a single job. It reports whether a job was
// available; processing outcomes land in the queue, not in the return.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	job, err := w.q.Dequeue(ctx)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	w.process(ctx, job)
	return true, nil
}

func (w *Worker) process(ctx context.Context, job *domain.Job) {
	start := time.Now()

	jctx, cancel := context.WithTimeout(ctx, w.cfg.JobTimeout)
	err := w.execute(jctx, job)
	cancel()

	status := "completed"
	switch {
	case err == nil:
		if cerr := w.q.Complete(ctx, job); cerr != nil {
			w.logger.Error("failed to complete job", zap.String("job_id", job.ID), zap.Error(cerr))
		}

	case xerrors.IsPermanent(err) || job.AttemptsMade >= job.MaxAttempts:
		status = "failed"
		if ferr := w.q.Fail(ctx, job, err.Error()); ferr != nil {
			w.logger.Error("failed to record job failure", zap.String("job_id", job.ID), zap.Error(ferr))
		}
		w.logger.Error("job failed",
			zap.String("job_id", job.ID),
			zap.String("kind", string(job.Kind)),
			zap.Int("attempts", job.AttemptsMade),
			zap.Error(err))

	default:
		status = "retried"
		delay := job.NextBackoff(job.AttemptsMade)
		if rerr := w.q.Reschedule(ctx, job, delay, err.Error()); rerr != nil {
			w.logger.Error("failed to reschedule job", zap.String("job_id", job.ID), zap.Error(rerr))
		}
		w.logger.Warn("job retry scheduled",
			zap.String("job_id", job.ID),
			zap.Int("attempt", job.AttemptsMade),
			zap.Duration("delay", delay),
			zap.Error(err))
	}

	metrics.RecordJobProcess(string(job.Kind), status, time.Since(start))
}

func (w *Worker) execute(ctx context.Context, job *domain.Job) error {
	switch job.Kind {
	case domain.JobSend:
		if job.Payload.Draft == nil {
			return xerrors.Permanent(fmt.Errorf("send job without draft: %w", xerrors.ErrInvalidInput))
		}
		return w.deliverOne(ctx, job.Payload.Draft)

	case domain.JobSendDelayed:
		if job.Payload.Draft == nil {
			return xerrors.Permanent(fmt.Errorf("delayed job without draft: %w", xerrors.ErrInvalidInput))
		}
		if err := w.deliverOne(ctx, job.Payload.Draft); err != nil {
			return err
		}
		w.scheduleNext(ctx, job)
		return nil

	case domain.JobSendBatch:
		return w.deliverBatch(ctx, job.Payload.Drafts)

	case domain.JobSendBroadcast:
		return w.deliverBroadcast(ctx, job)

	default:
		return xerrors.Permanent(fmt.Errorf("unknown job kind %q", job.Kind))
	}
}

// deliverOne runs the full pipeline for a single recipient.
func (w *Worker) deliverOne(ctx context.Context, draft *domain.Draft) error {
	content := draft.Content
	if content.Template != nil {
		rendered, _, err := w.resolver.BuildContent(ctx, content.Template)
		if err != nil {
			return classifyTemplateError(err)
		}
		mergeRendered(&content, rendered)
	}

	pref, err := w.prefs.Get(ctx, draft.RecipientID)
	if err != nil && !errors.Is(err, xerrors.ErrPreferenceNotFound) {
		return fmt.Errorf("failed to load preferences for %s: %w", draft.RecipientID, err)
	}

	decision := w.filter.Evaluate(ctx, draft, pref, time.Now())
	if !decision.Allow {
		w.logger.Info("notification suppressed",
			zap.String("recipient_id", draft.RecipientID),
			zap.String("type", string(draft.Type)),
			zap.String("reason", decision.Reason))
		for _, c := range draft.ResolvedChannels() {
			metrics.IncrementDelivery(string(c), "suppressed")
		}
		return nil
	}

	now := time.Now().UTC()
	n := buildNotification(draft, content, decision.Channels, now)

	// Persisting the record is the in_app delivery.
	if d := n.DeliveryFor(domain.ChannelInApp); d != nil {
		d.Status = domain.DeliveryDelivered
		d.SentAt = &now
		d.DeliveredAt = &now
	}
	if err := w.notifs.Create(ctx, n); err != nil {
		return fmt.Errorf("failed to persist notification: %w", err)
	}
	if n.DeliveryFor(domain.ChannelInApp) != nil {
		metrics.IncrementDelivery(string(domain.ChannelInApp), "delivered")
	}

	w.pushRealtime(ctx, n)
	w.finishStubChannels(ctx, n)

	if w.gw != nil {
		w.gw.PushUnreadCount(ctx, n.RecipientID)
	}
	return nil
}

// deliverBatch processes recipients independently; one failure never aborts
// the rest, but any failure marks the whole job failed with a summary so
// partial failures stay visible.
func (w *Worker) deliverBatch(ctx context.Context, drafts []domain.Draft) error {
	if len(drafts) == 0 {
		return xerrors.Permanent(fmt.Errorf("batch job without drafts: %w", xerrors.ErrInvalidInput))
	}

	failed := 0
	for i := range drafts {
		if err := w.deliverOne(ctx, &drafts[i]); err != nil {
			failed++
			w.logger.Warn("batch recipient failed",
				zap.Int("index", i),
				zap.String("recipient_id", drafts[i].RecipientID),
				zap.Error(err))
		}
	}

	if failed > 0 {
		return xerrors.Permanent(fmt.Errorf("%d/%d recipients failed", failed, len(drafts)))
	}
	return nil
}

// deliverBroadcast expands the recipient list into sequential sub-batches.
// A sub-batch failure is recorded and the remaining sub-batches still run.
func (w *Worker) deliverBroadcast(ctx context.Context, job *domain.Job) error {
	p := job.Payload
	if p.Draft == nil || len(p.RecipientIDs) == 0 {
		return xerrors.Permanent(fmt.Errorf("broadcast job without draft or recipients: %w", xerrors.ErrInvalidInput))
	}

	size := p.BatchSize
	if size <= 0 {
		size = w.qcfg.BatchSize
	}

	total := len(p.RecipientIDs)
	failed := 0
	for bi, span := range batchSpans(total, size) {
		batchFailed := 0
		for _, rid := range p.RecipientIDs[span[0]:span[1]] {
			d := *p.Draft
			d.RecipientID = rid
			if err := w.deliverOne(ctx, &d); err != nil {
				batchFailed++
				w.logger.Warn("broadcast recipient failed",
					zap.String("recipient_id", rid),
					zap.Error(err))
			}
		}
		failed += batchFailed
		w.logger.Debug("broadcast sub-batch processed",
			zap.String("job_id", job.ID),
			zap.Int("sub_batch", bi+1),
			zap.Int("size", span[1]-span[0]),
			zap.Int("failed", batchFailed))
	}

	if failed > 0 {
		return xerrors.Permanent(fmt.Errorf("%d/%d recipients failed", failed, total))
	}
	return nil
}

func (w *Worker) pushRealtime(ctx context.Context, n *domain.Notification) {
	if n.DeliveryFor(domain.ChannelRealtime) == nil {
		return
	}

	result := gateway.PushNoListener
	if w.gw != nil {
		result = w.gw.Deliver(ctx, n)
	}

	var err error
	switch result {
	case gateway.PushDelivered:
		err = w.notifs.UpdateDeliveryStatus(ctx, n.ID, domain.ChannelRealtime, domain.DeliveryDelivered, "")
	case gateway.PushRelayed:
		err = w.notifs.UpdateDeliveryStatus(ctx, n.ID, domain.ChannelRealtime, domain.DeliverySent, "")
	default:
		err = w.notifs.UpdateDeliveryStatus(ctx, n.ID, domain.ChannelRealtime, domain.DeliveryFailed, "not connected")
	}
	if err != nil {
		w.logger.Warn("delivery status update failed",
			zap.String("notification_id", n.ID),
			zap.Error(err))
	}
}

// finishStubChannels closes out channels with no transport yet.
func (w *Worker) finishStubChannels(ctx context.Context, n *domain.Notification) {
	for _, c := range []domain.Channel{domain.ChannelEmail, domain.ChannelSMS} {
		if n.DeliveryFor(c) == nil {
			continue
		}
		if err := w.notifs.UpdateDeliveryStatus(ctx, n.ID, c, domain.DeliveryFailed, "channel not supported"); err != nil {
			w.logger.Warn("delivery status update failed",
				zap.String("notification_id", n.ID),
				zap.Error(err))
		}
		metrics.IncrementDelivery(string(c), "failed")
	}
}

// scheduleNext re-enqueues a recurring delayed send for its next occurrence.
func (w *Worker) scheduleNext(ctx context.Context, job *domain.Job) {
	draft := job.Payload.Draft
	if draft.Schedule == nil {
		return
	}
	next, ok := nextOccurrence(job.ProcessAt, draft.Schedule.Recurrence)
	if !ok {
		return
	}
	now := time.Now().UTC()
	for !next.After(now) {
		next, _ = nextOccurrence(next, draft.Schedule.Recurrence)
	}

	nd := *draft
	nd.Schedule = &domain.Schedule{
		ScheduledFor: next,
		Timezone:     draft.Schedule.Timezone,
		Recurrence:   draft.Schedule.Recurrence,
	}
	njob := buildJob(w.qcfg, domain.JobSendDelayed, nd.Priority, domain.JobPayload{Draft: &nd}, queue.EnqueueOptions{
		ProcessAt:   next,
		MaxAttempts: job.MaxAttempts,
		Backoff:     time.Duration(job.BackoffMS) * time.Millisecond,
	})
	if err := w.q.Enqueue(ctx, njob); err != nil {
		w.logger.Error("failed to schedule recurring send",
			zap.String("job_id", job.ID),
			zap.Error(err))
		return
	}
	w.logger.Info("recurring send scheduled",
		zap.String("job_id", njob.ID),
		zap.Time("process_at", next))
}

func (w *Worker) promote(ctx context.Context) {
	defer w.wg.Done()

	interval := w.cfg.PollBackoff
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := w.q.PromoteDelayed(ctx, time.Now())
			if err != nil {
				w.logger.Warn("delayed promotion failed", zap.Error(err))
				continue
			}
			if n > 0 {
				w.logger.Debug("promoted delayed jobs", zap.Int("count", n))
			}
		}
	}
}

func (w *Worker) idle(ctx context.Context) {
	t := time.NewTimer(w.cfg.PollBackoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// ==============================
// Helpers
// ==============================

func buildNotification(draft *domain.Draft, content domain.Content, channels []domain.Channel, now time.Time) *domain.Notification {
	expires := now.Add(draft.Type.DefaultExpiry())
	if draft.ExpiresAt != nil && draft.ExpiresAt.After(now) {
		expires = draft.ExpiresAt.UTC()
	}

	delivery := make([]domain.DeliveryChannel, 0, len(channels))
	for _, c := range channels {
		delivery = append(delivery, domain.DeliveryChannel{Channel: c, Status: domain.DeliveryPending})
	}

	return &domain.Notification{
		ID:          id.GenerateUUID("ntf"),
		Type:        draft.Type,
		Priority:    draft.Priority,
		RecipientID: draft.RecipientID,
		SenderID:    draft.SenderID,
		Content:     content,
		Delivery:    delivery,
		ExpiresAt:   expires,
		Related:     draft.Related,
		Schedule:    draft.Schedule,
		Metadata:    draft.Metadata,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func mergeRendered(c *domain.Content, r *template.RenderedContent) {
	if r.Title != "" {
		c.Title = r.Title
	}
	if r.Message != "" {
		c.Message = r.Message
	}
	if len(r.Actions) > 0 {
		c.Actions = r.Actions
	}
	if r.HTML != "" {
		if c.Data == nil {
			c.Data = map[string]interface{}{}
		}
		c.Data["html"] = r.HTML
		c.ContentType = "html"
	}
}

// classifyTemplateError separates template errors retrying cannot fix from
// infrastructure ones that it can.
func classifyTemplateError(err error) error {
	switch {
	case errors.Is(err, xerrors.ErrTemplateNotFound),
		errors.Is(err, xerrors.ErrTemplateInactive),
		errors.Is(err, xerrors.ErrInvalidTemplate),
		errors.Is(err, xerrors.ErrRenderFailed),
		errors.Is(err, xerrors.ErrMissingVariable):
		return xerrors.Permanent(err)
	}
	return err
}

func batchSpans(total, size int) [][2]int {
	if size <= 0 {
		size = 1
	}
	var spans [][2]int
	for start := 0; start < total; start += size {
		end := start + size
		if end > total {
			end = total
		}
		spans = append(spans, [2]int{start, end})
	}
	return spans
}

func nextOccurrence(after time.Time, recurrence string) (time.Time, bool) {
	switch recurrence {
	case "daily":
		return after.Add(24 * time.Hour), true
	case "weekly":
		return after.Add(7 * 24 * time.Hour), true
	case "monthly":
		return after.AddDate(0, 1, 0), true
	}
	return time.Time{}, false
}
