package queue

import (
	"context"
	"time"

	"notification-service/internal/domain"
)

// Lane is one priority tier of the dispatch queue.
type Lane struct {
	Name   string
	Weight int
}

// Lanes in dequeue preference order, highest weight first.
var Lanes = []Lane{
	{Name: "critical", Weight: 10},
	{Name: "high", Weight: 7},
	{Name: "medium", Weight: 5},
	{Name: "low", Weight: 1},
}

// LaneFor maps a job weight to its lane; unknown weights land in medium.
func LaneFor(weight int) Lane {
	for _, l := range Lanes {
		if l.Weight == weight {
			return l
		}
	}
	return Lanes[2]
}

// EnqueueOptions tune a single enqueue. Zero values fall back to the queue
// defaults.
type EnqueueOptions struct {
	MaxAttempts int
	Backoff     time.Duration
	Delay       time.Duration
	ProcessAt   time.Time
	BatchSize   int // broadcast sub-batch size
}

// Stats is a point-in-time queue census.
type Stats struct {
	Waiting      map[string]int64 `json:"waiting"`
	TotalWaiting int64            `json:"total_waiting"`
	Active       int64            `json:"active"`
	Completed    int64            `json:"completed"`
	Failed       int64            `json:"failed"`
	Delayed      int64            `json:"delayed"`
	Paused       bool             `json:"paused"`
}

// Queue is the shared, persistent dispatch queue. Producers enqueue;
// workers drive the dequeue/complete/fail/reschedule cycle. Ordering is
// priority-first across lanes and FIFO within a lane.
type Queue interface {
	Enqueue(ctx context.Context, job *domain.Job) error

	// Dequeue returns the next ready job or nil when nothing is ready.
	// Dequeuing marks the job active and increments its attempt count.
	Dequeue(ctx context.Context) (*domain.Job, error)

	Complete(ctx context.Context, job *domain.Job) error
	Fail(ctx context.Context, job *domain.Job, reason string) error

	// Reschedule parks an active job in the delayed set for a retry.
	Reschedule(ctx context.Context, job *domain.Job, delay time.Duration, reason string) error

	// PromoteDelayed moves due delayed jobs back to their waiting lanes.
	PromoteDelayed(ctx context.Context, now time.Time) (int, error)

	// ReclaimStuck requeues or fails active jobs whose processing started
	// more than olderThan ago, covering workers that died mid-job.
	ReclaimStuck(ctx context.Context, olderThan time.Duration) (int, error)

	Stats(ctx context.Context) (*Stats, error)
	ListJobs(ctx context.Context, state domain.JobState, limit int) ([]*domain.Job, error)
	GetJob(ctx context.Context, id string) (*domain.Job, error)

	// RemoveJob deletes a waiting, delayed, completed or failed job; active
	// jobs cannot be cancelled mid-flight.
	RemoveJob(ctx context.Context, id string) error

	// RetryJob returns a failed job to its waiting lane with a fresh
	// attempt budget.
	RetryJob(ctx context.Context, id string) error

	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	IsPaused(ctx context.Context) (bool, error)

	// CleanUp removes completed jobs finished before completedBefore and
	// failed jobs finished before failedBefore, then enforces the count
	// caps oldest-first. Returns the number of jobs removed.
	CleanUp(ctx context.Context, completedBefore, failedBefore time.Time, maxCompleted, maxFailed int64) (int64, error)
}
