package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"notification-service/internal/config"
	"notification-service/internal/domain"
	"notification-service/pkg/xerrors"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisQueue is the production Queue. Layout per namespace:
//
//	<ns>:wait:<lane>  LIST   waiting job ids, LPUSH head / pop tail (FIFO)
//	<ns>:active       LIST   ids claimed by workers (LMOVE target)
//	<ns>:delayed      ZSET   id scored by process-at millis
//	<ns>:completed    ZSET   id scored by finished-at millis
//	<ns>:failed       ZSET   id scored by finished-at millis
//	<ns>:job:<id>     STRING job document (JSON)
//	<ns>:paused       STRING pause flag
//
// Moves between structures run in MULTI/EXEC pipelines so a job id is never
// dropped between keys. Concurrent promoters can in rare cases double-queue
// a delayed job, which the at-least-once contract absorbs.
type RedisQueue struct {
	rdb            redis.UniversalClient
	ns             string
	starvationScan int
	dequeues       atomic.Int64
	logger         *zap.Logger
}

// reversed lane order for the starvation guard scan.
var reversedLanes []Lane

func init() {
	reversedLanes = make([]Lane, len(Lanes))
	for i, l := range Lanes {
		reversedLanes[len(Lanes)-1-i] = l
	}
}

func NewRedisQueue(rdb redis.UniversalClient, cfg config.QueueConfig, logger *zap.Logger) *RedisQueue {
	return &RedisQueue{
		rdb:            rdb,
		ns:             cfg.Namespace,
		starvationScan: cfg.StarvationScan,
		logger:         logger,
	}
}

func (q *RedisQueue) waitKey(lane string) string { return q.ns + ":wait:" + lane }
func (q *RedisQueue) activeKey() string          { return q.ns + ":active" }
func (q *RedisQueue) delayedKey() string         { return q.ns + ":delayed" }
func (q *RedisQueue) completedKey() string       { return q.ns + ":completed" }
func (q *RedisQueue) failedKey() string          { return q.ns + ":failed" }
func (q *RedisQueue) pausedKey() string          { return q.ns + ":paused" }
func (q *RedisQueue) jobKey(id string) string    { return q.ns + ":job:" + id }

// ============================================================================
// produce / consume
// ============================================================================

func (q *RedisQueue) Enqueue(ctx context.Context, job *domain.Job) error {
	if job.ID == "" || job.Kind == "" {
		return xerrors.ErrInvalidInput
	}

	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	if job.ProcessAt.IsZero() {
		job.ProcessAt = now
	}

	delayed := job.ProcessAt.After(now)
	if delayed {
		job.State = domain.JobDelayed
	} else {
		job.State = domain.JobWaiting
	}

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	pipe := q.rdb.TxPipeline()
	pipe.Set(ctx, q.jobKey(job.ID), data, 0)
	if delayed {
		pipe.ZAdd(ctx, q.delayedKey(), redis.Z{Score: float64(job.ProcessAt.UnixMilli()), Member: job.ID})
	} else {
		pipe.LPush(ctx, q.waitKey(LaneFor(job.Weight).Name), job.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: enqueue %s: %v", xerrors.ErrQueueUnavailable, job.ID, err)
	}

	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context) (*domain.Job, error) {
	paused, err := q.IsPaused(ctx)
	if err != nil {
		return nil, err
	}
	if paused {
		return nil, nil
	}

	// Scan highest lane first; every starvationScan-th call scans lowest
	// first so a deep high-priority backlog cannot starve the low lanes.
	order := Lanes
	if q.starvationScan > 0 && q.dequeues.Add(1)%int64(q.starvationScan) == 0 {
		order = reversedLanes
	}

	for _, lane := range order {
		id, err := q.rdb.LMove(ctx, q.waitKey(lane.Name), q.activeKey(), "RIGHT", "LEFT").Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to pop lane %s: %w", lane.Name, err)
		}

		job, err := q.loadJob(ctx, id)
		if err != nil {
			// Id without a document, drop it.
			q.rdb.LRem(ctx, q.activeKey(), 1, id)
			q.logger.Warn("Dropped orphaned job id", zap.String("job_id", id), zap.Error(err))
			continue
		}

		now := time.Now().UTC()
		job.State = domain.JobActive
		job.StartedAt = &now
		job.AttemptsMade++
		if err := q.storeJob(ctx, job); err != nil {
			return nil, err
		}
		return job, nil
	}

	return nil, nil
}

func (q *RedisQueue) Complete(ctx context.Context, job *domain.Job) error {
	now := time.Now().UTC()
	job.State = domain.JobCompleted
	job.FinishedAt = &now
	job.LastError = ""

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	pipe := q.rdb.TxPipeline()
	pipe.LRem(ctx, q.activeKey(), 1, job.ID)
	pipe.Set(ctx, q.jobKey(job.ID), data, 0)
	pipe.ZAdd(ctx, q.completedKey(), redis.Z{Score: float64(now.UnixMilli()), Member: job.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to complete job %s: %w", job.ID, err)
	}
	return nil
}

func (q *RedisQueue) Fail(ctx context.Context, job *domain.Job, reason string) error {
	now := time.Now().UTC()
	job.State = domain.JobFailed
	job.FinishedAt = &now
	job.LastError = reason

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	pipe := q.rdb.TxPipeline()
	pipe.LRem(ctx, q.activeKey(), 1, job.ID)
	pipe.Set(ctx, q.jobKey(job.ID), data, 0)
	pipe.ZAdd(ctx, q.failedKey(), redis.Z{Score: float64(now.UnixMilli()), Member: job.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to fail job %s: %w", job.ID, err)
	}
	return nil
}

func (q *RedisQueue) Reschedule(ctx context.Context, job *domain.Job, delay time.Duration, reason string) error {
	job.State = domain.JobDelayed
	job.ProcessAt = time.Now().UTC().Add(delay)
	job.LastError = reason
	job.StartedAt = nil

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	pipe := q.rdb.TxPipeline()
	pipe.LRem(ctx, q.activeKey(), 1, job.ID)
	pipe.Set(ctx, q.jobKey(job.ID), data, 0)
	pipe.ZAdd(ctx, q.delayedKey(), redis.Z{Score: float64(job.ProcessAt.UnixMilli()), Member: job.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to reschedule job %s: %w", job.ID, err)
	}
	return nil
}

// ============================================================================
// maintenance
// ============================================================================

func (q *RedisQueue) PromoteDelayed(ctx context.Context, now time.Time) (int, error) {
	ids, err := q.rdb.ZRangeByScore(ctx, q.delayedKey(), &redis.ZRangeBy{
		Min:    "-inf",
		Max:    strconv.FormatInt(now.UnixMilli(), 10),
		Offset: 0,
		Count:  100,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to scan delayed jobs: %w", err)
	}

	promoted := 0
	for _, jid := range ids {
		job, err := q.loadJob(ctx, jid)
		if err != nil {
			q.rdb.ZRem(ctx, q.delayedKey(), jid)
			continue
		}

		job.State = domain.JobWaiting
		data, err := json.Marshal(job)
		if err != nil {
			continue
		}

		pipe := q.rdb.TxPipeline()
		pipe.ZRem(ctx, q.delayedKey(), jid)
		pipe.Set(ctx, q.jobKey(jid), data, 0)
		pipe.LPush(ctx, q.waitKey(LaneFor(job.Weight).Name), jid)
		if _, err := pipe.Exec(ctx); err != nil {
			return promoted, fmt.Errorf("failed to promote job %s: %w", jid, err)
		}
		promoted++
	}

	return promoted, nil
}

func (q *RedisQueue) ReclaimStuck(ctx context.Context, olderThan time.Duration) (int, error) {
	ids, err := q.rdb.LRange(ctx, q.activeKey(), 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to scan active jobs: %w", err)
	}

	cutoff := time.Now().UTC().Add(-olderThan)
	reclaimed := 0
	for _, jid := range ids {
		job, err := q.loadJob(ctx, jid)
		if err != nil {
			q.rdb.LRem(ctx, q.activeKey(), 1, jid)
			continue
		}
		if job.State != domain.JobActive || job.StartedAt == nil || job.StartedAt.After(cutoff) {
			continue
		}

		if job.AttemptsMade >= job.MaxAttempts {
			err = q.Fail(ctx, job, "processing timeout")
		} else {
			err = q.Reschedule(ctx, job, job.NextBackoff(job.AttemptsMade), "processing timeout")
		}
		if err != nil {
			return reclaimed, err
		}
		q.logger.Warn("Reclaimed stuck job",
			zap.String("job_id", jid),
			zap.Int("attempts_made", job.AttemptsMade))
		reclaimed++
	}

	return reclaimed, nil
}

func (q *RedisQueue) CleanUp(ctx context.Context, completedBefore, failedBefore time.Time, maxCompleted, maxFailed int64) (int64, error) {
	var removed int64

	n, err := q.cleanSet(ctx, q.completedKey(), completedBefore, maxCompleted)
	if err != nil {
		return removed, err
	}
	removed += n

	n, err = q.cleanSet(ctx, q.failedKey(), failedBefore, maxFailed)
	if err != nil {
		return removed, err
	}
	removed += n

	return removed, nil
}

func (q *RedisQueue) cleanSet(ctx context.Context, key string, before time.Time, maxCount int64) (int64, error) {
	ids, err := q.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(before.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to scan retained jobs: %w", err)
	}

	var removed int64
	if len(ids) > 0 {
		if err := q.dropMembers(ctx, key, ids); err != nil {
			return removed, err
		}
		removed += int64(len(ids))
	}

	if maxCount > 0 {
		card, err := q.rdb.ZCard(ctx, key).Result()
		if err != nil {
			return removed, fmt.Errorf("failed to size retained set: %w", err)
		}
		if card > maxCount {
			oldest, err := q.rdb.ZRange(ctx, key, 0, card-maxCount-1).Result()
			if err != nil {
				return removed, fmt.Errorf("failed to trim retained set: %w", err)
			}
			if len(oldest) > 0 {
				if err := q.dropMembers(ctx, key, oldest); err != nil {
					return removed, err
				}
				removed += int64(len(oldest))
			}
		}
	}

	return removed, nil
}

func (q *RedisQueue) dropMembers(ctx context.Context, key string, ids []string) error {
	members := make([]interface{}, len(ids))
	keys := make([]string, len(ids))
	for i, jid := range ids {
		members[i] = jid
		keys[i] = q.jobKey(jid)
	}

	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, key, members...)
	pipe.Del(ctx, keys...)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to drop retained jobs: %w", err)
	}
	return nil
}

// ============================================================================
// inspection / administration
// ============================================================================

func (q *RedisQueue) Stats(ctx context.Context) (*Stats, error) {
	pipe := q.rdb.Pipeline()
	waitCmds := make(map[string]*redis.IntCmd, len(Lanes))
	for _, lane := range Lanes {
		waitCmds[lane.Name] = pipe.LLen(ctx, q.waitKey(lane.Name))
	}
	activeCmd := pipe.LLen(ctx, q.activeKey())
	delayedCmd := pipe.ZCard(ctx, q.delayedKey())
	completedCmd := pipe.ZCard(ctx, q.completedKey())
	failedCmd := pipe.ZCard(ctx, q.failedKey())
	pausedCmd := pipe.Exists(ctx, q.pausedKey())
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to read queue stats: %w", err)
	}

	stats := &Stats{Waiting: make(map[string]int64, len(Lanes))}
	for _, lane := range Lanes {
		n := waitCmds[lane.Name].Val()
		stats.Waiting[lane.Name] = n
		stats.TotalWaiting += n
	}
	stats.Active = activeCmd.Val()
	stats.Delayed = delayedCmd.Val()
	stats.Completed = completedCmd.Val()
	stats.Failed = failedCmd.Val()
	stats.Paused = pausedCmd.Val() > 0

	return stats, nil
}

func (q *RedisQueue) ListJobs(ctx context.Context, state domain.JobState, limit int) ([]*domain.Job, error) {
	if limit <= 0 {
		limit = 50
	}

	var ids []string
	switch state {
	case domain.JobWaiting:
		for _, lane := range Lanes {
			laneIDs, err := q.rdb.LRange(ctx, q.waitKey(lane.Name), 0, -1).Result()
			if err != nil {
				return nil, fmt.Errorf("failed to list lane %s: %w", lane.Name, err)
			}
			// LPUSH puts newest at the head; reverse for FIFO order.
			for i := len(laneIDs) - 1; i >= 0; i-- {
				ids = append(ids, laneIDs[i])
			}
		}
	case domain.JobActive:
		laneIDs, err := q.rdb.LRange(ctx, q.activeKey(), 0, int64(limit)-1).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to list active jobs: %w", err)
		}
		ids = laneIDs
	case domain.JobDelayed:
		zIDs, err := q.rdb.ZRange(ctx, q.delayedKey(), 0, int64(limit)-1).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to list delayed jobs: %w", err)
		}
		ids = zIDs
	case domain.JobCompleted:
		zIDs, err := q.rdb.ZRevRange(ctx, q.completedKey(), 0, int64(limit)-1).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to list completed jobs: %w", err)
		}
		ids = zIDs
	case domain.JobFailed:
		zIDs, err := q.rdb.ZRevRange(ctx, q.failedKey(), 0, int64(limit)-1).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to list failed jobs: %w", err)
		}
		ids = zIDs
	default:
		return nil, xerrors.ErrInvalidInput
	}

	if len(ids) > limit {
		ids = ids[:limit]
	}
	return q.loadJobs(ctx, ids)
}

func (q *RedisQueue) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	return q.loadJob(ctx, id)
}

func (q *RedisQueue) RemoveJob(ctx context.Context, id string) error {
	job, err := q.loadJob(ctx, id)
	if err != nil {
		return err
	}

	pipe := q.rdb.TxPipeline()
	switch job.State {
	case domain.JobActive:
		return xerrors.ErrJobNotRemovable
	case domain.JobWaiting:
		pipe.LRem(ctx, q.waitKey(LaneFor(job.Weight).Name), 1, id)
	case domain.JobDelayed:
		pipe.ZRem(ctx, q.delayedKey(), id)
	case domain.JobCompleted:
		pipe.ZRem(ctx, q.completedKey(), id)
	case domain.JobFailed:
		pipe.ZRem(ctx, q.failedKey(), id)
	}
	pipe.Del(ctx, q.jobKey(id))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to remove job %s: %w", id, err)
	}
	return nil
}

func (q *RedisQueue) RetryJob(ctx context.Context, id string) error {
	job, err := q.loadJob(ctx, id)
	if err != nil {
		return err
	}
	if job.State != domain.JobFailed {
		return xerrors.ErrInvalidInput
	}

	job.State = domain.JobWaiting
	job.AttemptsMade = 0
	job.LastError = ""
	job.StartedAt = nil
	job.FinishedAt = nil
	job.ProcessAt = time.Now().UTC()

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, q.failedKey(), id)
	pipe.Set(ctx, q.jobKey(id), data, 0)
	pipe.LPush(ctx, q.waitKey(LaneFor(job.Weight).Name), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to retry job %s: %w", id, err)
	}
	return nil
}

func (q *RedisQueue) Pause(ctx context.Context) error {
	if err := q.rdb.Set(ctx, q.pausedKey(), "1", 0).Err(); err != nil {
		return fmt.Errorf("failed to pause queue: %w", err)
	}
	return nil
}

func (q *RedisQueue) Resume(ctx context.Context) error {
	if err := q.rdb.Del(ctx, q.pausedKey()).Err(); err != nil {
		return fmt.Errorf("failed to resume queue: %w", err)
	}
	return nil
}

func (q *RedisQueue) IsPaused(ctx context.Context) (bool, error) {
	n, err := q.rdb.Exists(ctx, q.pausedKey()).Result()
	if err != nil {
		return false, fmt.Errorf("failed to read pause flag: %w", err)
	}
	return n > 0, nil
}

// ============================================================================
// helpers
// ============================================================================

func (q *RedisQueue) loadJob(ctx context.Context, id string) (*domain.Job, error) {
	data, err := q.rdb.Get(ctx, q.jobKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, xerrors.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job %s: %w", id, err)
	}

	var job domain.Job
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job %s: %w", id, err)
	}
	return &job, nil
}

func (q *RedisQueue) storeJob(ctx context.Context, job *domain.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	if err := q.rdb.Set(ctx, q.jobKey(job.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to store job %s: %w", job.ID, err)
	}
	return nil
}

func (q *RedisQueue) loadJobs(ctx context.Context, ids []string) ([]*domain.Job, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, jid := range ids {
		keys[i] = q.jobKey(jid)
	}
	vals, err := q.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load jobs: %w", err)
	}

	out := make([]*domain.Job, 0, len(vals))
	for _, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var job domain.Job
		if err := json.Unmarshal([]byte(s), &job); err != nil {
			continue
		}
		out = append(out, &job)
	}
	return out, nil
}
