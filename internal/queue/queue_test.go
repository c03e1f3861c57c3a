package queue

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"notification-service/internal/config"
	"notification-service/internal/domain"
	"notification-service/pkg/xerrors"
)

func testQueueConfig() config.QueueConfig {
	return config.QueueConfig{
		Namespace:      "testq",
		MaxAttempts:    3,
		BackoffBase:    time.Second,
		BatchSize:      100,
		StarvationScan: 0,
	}
}

// backends returns every Queue implementation under the same config so each
// test exercises identical semantics on both.
func backends(t *testing.T, cfg config.QueueConfig) map[string]Queue {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	return map[string]Queue{
		"memory": NewMemQueue(cfg),
		"redis":  NewRedisQueue(rdb, cfg, zap.NewNop()),
	}
}

func testJob(id string, priority domain.Priority) *domain.Job {
	return &domain.Job{
		ID:          id,
		Kind:        domain.JobSend,
		Weight:      priority.Weight(),
		MaxAttempts: 3,
		BackoffMS:   10,
		Payload: domain.JobPayload{
			Draft: &domain.Draft{
				Type:        domain.TypeSocial,
				Priority:    priority,
				RecipientID: "usr_1",
				Content:     domain.Content{Title: "hi"},
			},
		},
	}
}

func TestQueuePriorityOrder(t *testing.T) {
	for name, q := range backends(t, testQueueConfig()) {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			ctx := context.Background()

			// Enqueue low first so priority, not insertion order, decides.
			assert.NoError(q.Enqueue(ctx, testJob("job_low", domain.PriorityLow)))
			assert.NoError(q.Enqueue(ctx, testJob("job_med", domain.PriorityMedium)))
			assert.NoError(q.Enqueue(ctx, testJob("job_crit", domain.PriorityCritical)))
			assert.NoError(q.Enqueue(ctx, testJob("job_high", domain.PriorityHigh)))

			var order []string
			for i := 0; i < 4; i++ {
				job, err := q.Dequeue(ctx)
				assert.NoError(err)
				if assert.NotNil(job) {
					order = append(order, job.ID)
				}
			}
			assert.Equal([]string{"job_crit", "job_high", "job_med", "job_low"}, order)

			job, err := q.Dequeue(ctx)
			assert.NoError(err)
			assert.Nil(job)
		})
	}
}

func TestQueueFIFOWithinLane(t *testing.T) {
	for name, q := range backends(t, testQueueConfig()) {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			ctx := context.Background()

			for i := 0; i < 3; i++ {
				assert.NoError(q.Enqueue(ctx, testJob(fmt.Sprintf("job_%d", i), domain.PriorityMedium)))
			}
			for i := 0; i < 3; i++ {
				job, err := q.Dequeue(ctx)
				assert.NoError(err)
				assert.Equal(fmt.Sprintf("job_%d", i), job.ID)
			}
		})
	}
}

func TestQueueEnqueueValidation(t *testing.T) {
	for name, q := range backends(t, testQueueConfig()) {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			ctx := context.Background()

			assert.ErrorIs(q.Enqueue(ctx, &domain.Job{Kind: domain.JobSend}), xerrors.ErrInvalidInput)
			assert.ErrorIs(q.Enqueue(ctx, &domain.Job{ID: "job_1"}), xerrors.ErrInvalidInput)
		})
	}
}

func TestQueueDequeueMarksActive(t *testing.T) {
	for name, q := range backends(t, testQueueConfig()) {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			ctx := context.Background()

			assert.NoError(q.Enqueue(ctx, testJob("job_1", domain.PriorityMedium)))

			job, err := q.Dequeue(ctx)
			assert.NoError(err)
			assert.Equal(domain.JobActive, job.State)
			assert.Equal(1, job.AttemptsMade)
			assert.NotNil(job.StartedAt)

			stored, err := q.GetJob(ctx, "job_1")
			assert.NoError(err)
			assert.Equal(domain.JobActive, stored.State)

			stats, err := q.Stats(ctx)
			assert.NoError(err)
			assert.Equal(int64(1), stats.Active)
			assert.Equal(int64(0), stats.TotalWaiting)
		})
	}
}

func TestQueueCompleteAndFail(t *testing.T) {
	for name, q := range backends(t, testQueueConfig()) {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			ctx := context.Background()

			assert.NoError(q.Enqueue(ctx, testJob("job_ok", domain.PriorityMedium)))
			assert.NoError(q.Enqueue(ctx, testJob("job_bad", domain.PriorityMedium)))

			ok, err := q.Dequeue(ctx)
			assert.NoError(err)
			assert.NoError(q.Complete(ctx, ok))

			bad, err := q.Dequeue(ctx)
			assert.NoError(err)
			assert.NoError(q.Fail(ctx, bad, "store exploded"))

			stored, err := q.GetJob(ctx, "job_ok")
			assert.NoError(err)
			assert.Equal(domain.JobCompleted, stored.State)
			assert.NotNil(stored.FinishedAt)
			assert.Empty(stored.LastError)

			stored, err = q.GetJob(ctx, "job_bad")
			assert.NoError(err)
			assert.Equal(domain.JobFailed, stored.State)
			assert.Equal("store exploded", stored.LastError)

			stats, err := q.Stats(ctx)
			assert.NoError(err)
			assert.Equal(int64(1), stats.Completed)
			assert.Equal(int64(1), stats.Failed)
			assert.Equal(int64(0), stats.Active)
		})
	}
}

func TestQueueDelayedUntilPromoted(t *testing.T) {
	for name, q := range backends(t, testQueueConfig()) {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			ctx := context.Background()

			job := testJob("job_later", domain.PriorityMedium)
			job.ProcessAt = time.Now().UTC().Add(time.Hour)
			assert.NoError(q.Enqueue(ctx, job))

			got, err := q.Dequeue(ctx)
			assert.NoError(err)
			assert.Nil(got)

			// Not due yet.
			n, err := q.PromoteDelayed(ctx, time.Now().UTC())
			assert.NoError(err)
			assert.Zero(n)

			n, err = q.PromoteDelayed(ctx, time.Now().UTC().Add(2*time.Hour))
			assert.NoError(err)
			assert.Equal(1, n)

			got, err = q.Dequeue(ctx)
			assert.NoError(err)
			if assert.NotNil(got) {
				assert.Equal("job_later", got.ID)
			}
		})
	}
}

func TestQueueRescheduleParksDelayed(t *testing.T) {
	for name, q := range backends(t, testQueueConfig()) {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			ctx := context.Background()

			assert.NoError(q.Enqueue(ctx, testJob("job_1", domain.PriorityMedium)))
			job, err := q.Dequeue(ctx)
			assert.NoError(err)

			assert.NoError(q.Reschedule(ctx, job, time.Hour, "flaky downstream"))

			stored, err := q.GetJob(ctx, "job_1")
			assert.NoError(err)
			assert.Equal(domain.JobDelayed, stored.State)
			assert.Equal("flaky downstream", stored.LastError)
			assert.Nil(stored.StartedAt)
			// The attempt already made stays on the record.
			assert.Equal(1, stored.AttemptsMade)

			stats, err := q.Stats(ctx)
			assert.NoError(err)
			assert.Equal(int64(1), stats.Delayed)
			assert.Equal(int64(0), stats.Active)
		})
	}
}

func TestQueueRetryResetsAttempts(t *testing.T) {
	for name, q := range backends(t, testQueueConfig()) {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			ctx := context.Background()

			assert.NoError(q.Enqueue(ctx, testJob("job_1", domain.PriorityMedium)))
			job, err := q.Dequeue(ctx)
			assert.NoError(err)
			assert.NoError(q.Fail(ctx, job, "boom"))

			assert.NoError(q.RetryJob(ctx, "job_1"))

			stored, err := q.GetJob(ctx, "job_1")
			assert.NoError(err)
			assert.Equal(domain.JobWaiting, stored.State)
			assert.Zero(stored.AttemptsMade)
			assert.Empty(stored.LastError)
			assert.Nil(stored.FinishedAt)

			// Only failed jobs can be retried.
			assert.ErrorIs(q.RetryJob(ctx, "job_1"), xerrors.ErrInvalidInput)
			assert.ErrorIs(q.RetryJob(ctx, "job_missing"), xerrors.ErrJobNotFound)
		})
	}
}

func TestQueueRemoveJob(t *testing.T) {
	for name, q := range backends(t, testQueueConfig()) {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			ctx := context.Background()

			assert.NoError(q.Enqueue(ctx, testJob("job_active", domain.PriorityMedium)))
			assert.NoError(q.Enqueue(ctx, testJob("job_waiting", domain.PriorityMedium)))

			active, err := q.Dequeue(ctx)
			assert.NoError(err)
			assert.Equal("job_active", active.ID)

			// A claimed job cannot be cancelled out from under its worker.
			assert.ErrorIs(q.RemoveJob(ctx, "job_active"), xerrors.ErrJobNotRemovable)

			assert.NoError(q.RemoveJob(ctx, "job_waiting"))
			_, err = q.GetJob(ctx, "job_waiting")
			assert.ErrorIs(err, xerrors.ErrJobNotFound)

			got, err := q.Dequeue(ctx)
			assert.NoError(err)
			assert.Nil(got)
		})
	}
}

func TestQueuePauseBlocksDequeueOnly(t *testing.T) {
	for name, q := range backends(t, testQueueConfig()) {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			ctx := context.Background()

			assert.NoError(q.Pause(ctx))

			paused, err := q.IsPaused(ctx)
			assert.NoError(err)
			assert.True(paused)

			// Intake keeps working while consumption is held.
			assert.NoError(q.Enqueue(ctx, testJob("job_1", domain.PriorityCritical)))

			job, err := q.Dequeue(ctx)
			assert.NoError(err)
			assert.Nil(job)

			stats, err := q.Stats(ctx)
			assert.NoError(err)
			assert.True(stats.Paused)
			assert.Equal(int64(1), stats.TotalWaiting)

			assert.NoError(q.Resume(ctx))
			job, err = q.Dequeue(ctx)
			assert.NoError(err)
			assert.NotNil(job)
		})
	}
}

func TestQueueStarvationScanReachesLowLane(t *testing.T) {
	cfg := testQueueConfig()
	cfg.StarvationScan = 2
	for name, q := range backends(t, cfg) {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			ctx := context.Background()

			for i := 0; i < 4; i++ {
				assert.NoError(q.Enqueue(ctx, testJob(fmt.Sprintf("job_crit_%d", i), domain.PriorityCritical)))
			}
			assert.NoError(q.Enqueue(ctx, testJob("job_low", domain.PriorityLow)))

			first, err := q.Dequeue(ctx)
			assert.NoError(err)
			assert.Equal(domain.PriorityCritical.Weight(), first.Weight)

			// Every second scan starts from the starved end.
			second, err := q.Dequeue(ctx)
			assert.NoError(err)
			assert.Equal("job_low", second.ID)

			third, err := q.Dequeue(ctx)
			assert.NoError(err)
			assert.Equal(domain.PriorityCritical.Weight(), third.Weight)
		})
	}
}

func TestQueueReclaimStuck(t *testing.T) {
	for name, q := range backends(t, testQueueConfig()) {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			ctx := context.Background()

			retryable := testJob("job_retryable", domain.PriorityMedium)
			exhausted := testJob("job_exhausted", domain.PriorityMedium)
			exhausted.MaxAttempts = 1
			assert.NoError(q.Enqueue(ctx, retryable))
			assert.NoError(q.Enqueue(ctx, exhausted))

			for i := 0; i < 2; i++ {
				_, err := q.Dequeue(ctx)
				assert.NoError(err)
			}

			// Negative threshold makes every active job count as stuck.
			n, err := q.ReclaimStuck(ctx, -time.Second)
			assert.NoError(err)
			assert.Equal(2, n)

			stored, err := q.GetJob(ctx, "job_retryable")
			assert.NoError(err)
			assert.Equal(domain.JobDelayed, stored.State)

			stored, err = q.GetJob(ctx, "job_exhausted")
			assert.NoError(err)
			assert.Equal(domain.JobFailed, stored.State)

			stats, err := q.Stats(ctx)
			assert.NoError(err)
			assert.Equal(int64(0), stats.Active)
			assert.Equal(int64(1), stats.Delayed)
			assert.Equal(int64(1), stats.Failed)
		})
	}
}

func TestQueueCleanUpCaps(t *testing.T) {
	for name, q := range backends(t, testQueueConfig()) {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			ctx := context.Background()

			for i := 0; i < 3; i++ {
				assert.NoError(q.Enqueue(ctx, testJob(fmt.Sprintf("job_%d", i), domain.PriorityMedium)))
				job, err := q.Dequeue(ctx)
				assert.NoError(err)
				assert.NoError(q.Complete(ctx, job))
			}

			// Age cutoff in the past keeps everything, the cap trims to one.
			removed, err := q.CleanUp(ctx, time.Now().Add(-time.Hour), time.Now().Add(-time.Hour), 1, 1)
			assert.NoError(err)
			assert.Equal(int64(2), removed)

			stats, err := q.Stats(ctx)
			assert.NoError(err)
			assert.Equal(int64(1), stats.Completed)
		})
	}
}

func TestQueueCleanUpByAge(t *testing.T) {
	for name, q := range backends(t, testQueueConfig()) {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			ctx := context.Background()

			assert.NoError(q.Enqueue(ctx, testJob("job_1", domain.PriorityMedium)))
			job, err := q.Dequeue(ctx)
			assert.NoError(err)
			assert.NoError(q.Complete(ctx, job))

			// Cutoff after the finish time removes it.
			removed, err := q.CleanUp(ctx, time.Now().UTC().Add(time.Minute), time.Now().UTC().Add(time.Minute), 0, 0)
			assert.NoError(err)
			assert.Equal(int64(1), removed)

			_, err = q.GetJob(ctx, "job_1")
			assert.ErrorIs(err, xerrors.ErrJobNotFound)
		})
	}
}

func TestQueueListJobs(t *testing.T) {
	for name, q := range backends(t, testQueueConfig()) {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			ctx := context.Background()

			assert.NoError(q.Enqueue(ctx, testJob("job_a", domain.PriorityCritical)))
			assert.NoError(q.Enqueue(ctx, testJob("job_b", domain.PriorityLow)))

			waiting, err := q.ListJobs(ctx, domain.JobWaiting, 10)
			assert.NoError(err)
			if assert.Len(waiting, 2) {
				// Lane order, critical first.
				assert.Equal("job_a", waiting[0].ID)
				assert.Equal("job_b", waiting[1].ID)
			}

			_, err = q.ListJobs(ctx, domain.JobState("bogus"), 10)
			assert.ErrorIs(err, xerrors.ErrInvalidInput)
		})
	}
}

func TestLaneFor(t *testing.T) {
	assert := assert.New(t)

	assert.Equal("critical", LaneFor(domain.PriorityCritical.Weight()).Name)
	assert.Equal("low", LaneFor(domain.PriorityLow.Weight()).Name)
	// Unknown weights fall back to the medium lane.
	assert.Equal("medium", LaneFor(42).Name)
}
