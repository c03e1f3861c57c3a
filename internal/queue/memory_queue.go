package queue

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"notification-service/internal/config"
	"notification-service/internal/domain"
	"notification-service/pkg/xerrors"
)

// MemQueue is an in-process Queue with the same ordering and retry
// semantics as RedisQueue. Used by tests and single-binary development
// runs; it does not survive restarts.
type MemQueue struct {
	mu             sync.Mutex
	waiting        map[string][]string // lane name -> ids, oldest first
	active         []string
	delayed        map[string]time.Time // id -> process-at
	completed      []string             // finish order, oldest first
	failed         []string
	jobs           map[string]*domain.Job
	paused         bool
	starvationScan int
	dequeues       int64
}

func NewMemQueue(cfg config.QueueConfig) *MemQueue {
	return &MemQueue{
		waiting:        make(map[string][]string),
		delayed:        make(map[string]time.Time),
		jobs:           make(map[string]*domain.Job),
		starvationScan: cfg.StarvationScan,
	}
}

func cloneJob(j *domain.Job) *domain.Job {
	b, _ := json.Marshal(j)
	out := &domain.Job{}
	_ = json.Unmarshal(b, out)
	return out
}

func removeID(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}

func (q *MemQueue) Enqueue(_ context.Context, job *domain.Job) error {
	if job.ID == "" || job.Kind == "" {
		return xerrors.ErrInvalidInput
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	if job.ProcessAt.IsZero() {
		job.ProcessAt = now
	}

	stored := cloneJob(job)
	if stored.ProcessAt.After(now) {
		stored.State = domain.JobDelayed
		q.delayed[stored.ID] = stored.ProcessAt
	} else {
		stored.State = domain.JobWaiting
		lane := LaneFor(stored.Weight).Name
		q.waiting[lane] = append(q.waiting[lane], stored.ID)
	}
	q.jobs[stored.ID] = stored
	job.State = stored.State
	return nil
}

func (q *MemQueue) Dequeue(_ context.Context) (*domain.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.paused {
		return nil, nil
	}

	order := Lanes
	q.dequeues++
	if q.starvationScan > 0 && q.dequeues%int64(q.starvationScan) == 0 {
		order = reversedLanes
	}

	for _, lane := range order {
		ids := q.waiting[lane.Name]
		if len(ids) == 0 {
			continue
		}
		id := ids[0]
		q.waiting[lane.Name] = ids[1:]

		job, ok := q.jobs[id]
		if !ok {
			continue
		}
		now := time.Now().UTC()
		job.State = domain.JobActive
		job.StartedAt = &now
		job.AttemptsMade++
		q.active = append(q.active, id)
		return cloneJob(job), nil
	}

	return nil, nil
}

func (q *MemQueue) Complete(_ context.Context, job *domain.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now().UTC()
	job.State = domain.JobCompleted
	job.FinishedAt = &now
	job.LastError = ""

	q.active = removeID(q.active, job.ID)
	q.jobs[job.ID] = cloneJob(job)
	q.completed = append(q.completed, job.ID)
	return nil
}

func (q *MemQueue) Fail(_ context.Context, job *domain.Job, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now().UTC()
	job.State = domain.JobFailed
	job.FinishedAt = &now
	job.LastError = reason

	q.active = removeID(q.active, job.ID)
	q.jobs[job.ID] = cloneJob(job)
	q.failed = append(q.failed, job.ID)
	return nil
}

func (q *MemQueue) Reschedule(_ context.Context, job *domain.Job, delay time.Duration, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job.State = domain.JobDelayed
	job.ProcessAt = time.Now().UTC().Add(delay)
	job.LastError = reason
	job.StartedAt = nil

	q.active = removeID(q.active, job.ID)
	q.jobs[job.ID] = cloneJob(job)
	q.delayed[job.ID] = job.ProcessAt
	return nil
}

func (q *MemQueue) PromoteDelayed(_ context.Context, now time.Time) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	type due struct {
		id string
		at time.Time
	}
	var dues []due
	for id, at := range q.delayed {
		if !at.After(now) {
			dues = append(dues, due{id: id, at: at})
		}
	}
	sort.Slice(dues, func(i, j int) bool { return dues[i].at.Before(dues[j].at) })

	for _, d := range dues {
		delete(q.delayed, d.id)
		job, ok := q.jobs[d.id]
		if !ok {
			continue
		}
		job.State = domain.JobWaiting
		lane := LaneFor(job.Weight).Name
		q.waiting[lane] = append(q.waiting[lane], d.id)
	}

	return len(dues), nil
}

func (q *MemQueue) ReclaimStuck(_ context.Context, olderThan time.Duration) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := time.Now().UTC().Add(-olderThan)
	reclaimed := 0
	for _, id := range append([]string(nil), q.active...) {
		job, ok := q.jobs[id]
		if !ok {
			q.active = removeID(q.active, id)
			continue
		}
		if job.StartedAt == nil || job.StartedAt.After(cutoff) {
			continue
		}

		q.active = removeID(q.active, id)
		now := time.Now().UTC()
		if job.AttemptsMade >= job.MaxAttempts {
			job.State = domain.JobFailed
			job.FinishedAt = &now
			job.LastError = "processing timeout"
			q.failed = append(q.failed, id)
		} else {
			job.State = domain.JobDelayed
			job.ProcessAt = now.Add(job.NextBackoff(job.AttemptsMade))
			job.LastError = "processing timeout"
			job.StartedAt = nil
			q.delayed[id] = job.ProcessAt
		}
		reclaimed++
	}

	return reclaimed, nil
}

func (q *MemQueue) Stats(_ context.Context) (*Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := &Stats{Waiting: make(map[string]int64, len(Lanes))}
	for _, lane := range Lanes {
		n := int64(len(q.waiting[lane.Name]))
		stats.Waiting[lane.Name] = n
		stats.TotalWaiting += n
	}
	stats.Active = int64(len(q.active))
	stats.Delayed = int64(len(q.delayed))
	stats.Completed = int64(len(q.completed))
	stats.Failed = int64(len(q.failed))
	stats.Paused = q.paused
	return stats, nil
}

func (q *MemQueue) ListJobs(_ context.Context, state domain.JobState, limit int) ([]*domain.Job, error) {
	if limit <= 0 {
		limit = 50
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	var ids []string
	switch state {
	case domain.JobWaiting:
		for _, lane := range Lanes {
			ids = append(ids, q.waiting[lane.Name]...)
		}
	case domain.JobActive:
		ids = append(ids, q.active...)
	case domain.JobDelayed:
		type entry struct {
			id string
			at time.Time
		}
		var entries []entry
		for id, at := range q.delayed {
			entries = append(entries, entry{id, at})
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].at.Before(entries[j].at) })
		for _, e := range entries {
			ids = append(ids, e.id)
		}
	case domain.JobCompleted:
		for i := len(q.completed) - 1; i >= 0; i-- {
			ids = append(ids, q.completed[i])
		}
	case domain.JobFailed:
		for i := len(q.failed) - 1; i >= 0; i-- {
			ids = append(ids, q.failed[i])
		}
	default:
		return nil, xerrors.ErrInvalidInput
	}

	if len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]*domain.Job, 0, len(ids))
	for _, id := range ids {
		if job, ok := q.jobs[id]; ok {
			out = append(out, cloneJob(job))
		}
	}
	return out, nil
}

func (q *MemQueue) GetJob(_ context.Context, id string) (*domain.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[id]
	if !ok {
		return nil, xerrors.ErrJobNotFound
	}
	return cloneJob(job), nil
}

func (q *MemQueue) RemoveJob(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[id]
	if !ok {
		return xerrors.ErrJobNotFound
	}

	switch job.State {
	case domain.JobActive:
		return xerrors.ErrJobNotRemovable
	case domain.JobWaiting:
		lane := LaneFor(job.Weight).Name
		q.waiting[lane] = removeID(q.waiting[lane], id)
	case domain.JobDelayed:
		delete(q.delayed, id)
	case domain.JobCompleted:
		q.completed = removeID(q.completed, id)
	case domain.JobFailed:
		q.failed = removeID(q.failed, id)
	}
	delete(q.jobs, id)
	return nil
}

func (q *MemQueue) RetryJob(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[id]
	if !ok {
		return xerrors.ErrJobNotFound
	}
	if job.State != domain.JobFailed {
		return xerrors.ErrInvalidInput
	}

	q.failed = removeID(q.failed, id)
	job.State = domain.JobWaiting
	job.AttemptsMade = 0
	job.LastError = ""
	job.StartedAt = nil
	job.FinishedAt = nil
	job.ProcessAt = time.Now().UTC()
	lane := LaneFor(job.Weight).Name
	q.waiting[lane] = append(q.waiting[lane], id)
	return nil
}

func (q *MemQueue) Pause(_ context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused = true
	return nil
}

func (q *MemQueue) Resume(_ context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused = false
	return nil
}

func (q *MemQueue) IsPaused(_ context.Context) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused, nil
}

func (q *MemQueue) CleanUp(_ context.Context, completedBefore, failedBefore time.Time, maxCompleted, maxFailed int64) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var removed int64
	removed += q.cleanList(&q.completed, completedBefore, maxCompleted)
	removed += q.cleanList(&q.failed, failedBefore, maxFailed)
	return removed, nil
}

func (q *MemQueue) cleanList(list *[]string, before time.Time, maxCount int64) int64 {
	var removed int64
	kept := (*list)[:0]
	for _, id := range *list {
		job, ok := q.jobs[id]
		if !ok {
			removed++
			continue
		}
		if job.FinishedAt != nil && !job.FinishedAt.After(before) {
			delete(q.jobs, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	*list = kept

	if maxCount > 0 {
		for int64(len(*list)) > maxCount {
			id := (*list)[0]
			*list = (*list)[1:]
			delete(q.jobs, id)
			removed++
		}
	}
	return removed
}
