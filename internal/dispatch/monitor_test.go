package dispatch

import (
	"context"
	"fmt"
	"testing"
	"time"

	"notification-service/internal/config"
	"notification-service/internal/domain"
	"notification-service/internal/queue"
	"notification-service/internal/repository"
	"notification-service/pkg/cache"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func testMonitorConfig() config.MonitorConfig {
	return config.MonitorConfig{
		Interval:           time.Minute,
		SnapshotTTL:        time.Minute,
		CompletedRetention: time.Hour,
		FailedRetention:    time.Hour,
		MaxCompleted:       100,
		MaxFailed:          100,
		MinSuccessRate:     0.95,
		MaxBacklog:         2,
		MaxAvgProcessingMS: 5000,
	}
}

func newMonitorHarness(t *testing.T, c *cache.Cache) (*Monitor, *queue.MemQueue, *repository.MemNotificationStore) {
	t.Helper()

	q := queue.NewMemQueue(testQueueConfig())
	notifs := repository.NewMemNotificationStore()
	wcfg := config.WorkerConfig{JobTimeout: 5 * time.Second}
	m := NewMonitor(q, notifs, c, testMonitorConfig(), wcfg, zap.NewNop())
	return m, q, notifs
}

func seedWaiting(t *testing.T, q *queue.MemQueue, n int) []string {
	t.Helper()

	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		job := &domain.Job{
			ID:          fmt.Sprintf("job_%d_%d", time.Now().UnixNano(), i),
			Kind:        domain.JobSend,
			Weight:      domain.PriorityMedium.Weight(),
			MaxAttempts: 3,
			BackoffMS:   1,
		}
		assert.NoError(t, q.Enqueue(context.Background(), job))
		ids = append(ids, job.ID)
	}
	return ids
}

func TestMonitorReportsHealthyWhenIdle(t *testing.T) {
	assert := assert.New(t)
	m, _, _ := newMonitorHarness(t, nil)

	snap, err := m.Refresh(context.Background())
	assert.NoError(err)
	assert.Equal(HealthHealthy, snap.Status)
	assert.Empty(snap.Issues)
	assert.Equal(1.0, snap.SuccessRate, "an idle queue counts as fully successful")
	assert.Equal(int64(0), snap.Stats.TotalWaiting)
	assert.False(snap.GeneratedAt.IsZero())
}

func TestMonitorFlagsBacklog(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	m, q, _ := newMonitorHarness(t, nil)

	seedWaiting(t, q, 3)
	snap, err := m.Refresh(ctx)
	assert.NoError(err)
	assert.Equal(HealthWarning, snap.Status)
	assert.Contains(snap.Issues[0], "backlog")

	// Twice over the limit tips it into critical.
	seedWaiting(t, q, 2)
	snap, err = m.Refresh(ctx)
	assert.NoError(err)
	assert.Equal(HealthCritical, snap.Status)
}

func TestMonitorFlagsFailureRate(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	m, q, _ := newMonitorHarness(t, nil)

	seedWaiting(t, q, 2)
	for i := 0; i < 2; i++ {
		job, err := q.Dequeue(ctx)
		assert.NoError(err)
		if i == 0 {
			assert.NoError(q.Complete(ctx, job))
		} else {
			assert.NoError(q.Fail(ctx, job, "boom"))
		}
	}

	// 1 of 2 finished jobs failed: below the floor but not catastrophic.
	snap, err := m.Refresh(ctx)
	assert.NoError(err)
	assert.Equal(HealthWarning, snap.Status)
	assert.Equal(0.5, snap.SuccessRate)
	assert.Contains(snap.Issues[0], "success rate")

	// Fail another and the rate drops under half the floor.
	seedWaiting(t, q, 2)
	for i := 0; i < 2; i++ {
		job, err := q.Dequeue(ctx)
		assert.NoError(err)
		assert.NoError(q.Fail(ctx, job, "boom"))
	}
	snap, err = m.Refresh(ctx)
	assert.NoError(err)
	assert.Equal(HealthCritical, snap.Status)
}

func TestMonitorFlagsPausedQueue(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	m, q, _ := newMonitorHarness(t, nil)

	assert.NoError(q.Pause(ctx))
	snap, err := m.Refresh(ctx)
	assert.NoError(err)
	assert.Equal(HealthWarning, snap.Status)
	assert.Contains(snap.Issues[0], "paused")
}

func TestMonitorSnapshotServedFromCache(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	m, q, _ := newMonitorHarness(t, cache.New(rdb))

	_, err := m.Refresh(ctx)
	assert.NoError(err)

	// Queue state changes after the refresh...
	seedWaiting(t, q, 1)

	// ...but the cached snapshot still reports the old census.
	snap, err := m.Snapshot(ctx, false)
	assert.NoError(err)
	assert.Equal(int64(0), snap.Stats.TotalWaiting)

	// Forcing bypasses the cache.
	snap, err = m.Snapshot(ctx, true)
	assert.NoError(err)
	assert.Equal(int64(1), snap.Stats.TotalWaiting)
}

func TestMonitorSweepEnforcesRetentionCaps(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	m, q, _ := newMonitorHarness(t, nil)
	m.cfg.MaxCompleted = 1

	seedWaiting(t, q, 3)
	for i := 0; i < 3; i++ {
		job, err := q.Dequeue(ctx)
		assert.NoError(err)
		assert.NoError(q.Complete(ctx, job))
	}

	m.Sweep(ctx)

	stats, err := q.Stats(ctx)
	assert.NoError(err)
	assert.Equal(int64(1), stats.Completed, "the count cap keeps only the newest completed job")
}

func TestMonitorSweepRemovesExpiredNotifications(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	m, _, notifs := newMonitorHarness(t, nil)

	assert.NoError(notifs.Create(ctx, &domain.Notification{
		ID:          "ntf_old",
		Type:        domain.TypeSocial,
		Priority:    domain.PriorityLow,
		RecipientID: "usr_1",
		ExpiresAt:   time.Now().Add(-time.Hour),
	}))

	m.Sweep(ctx)

	_, err := notifs.GetByID(ctx, "ntf_old")
	assert.Error(err, "expired notifications should be swept")
}

func TestMonitorSweepReclaimsStuckJobs(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	m, q, _ := newMonitorHarness(t, nil)
	m.stuckAfter = -time.Second // treat anything active as stuck

	seedWaiting(t, q, 1)
	_, err := q.Dequeue(ctx)
	assert.NoError(err)

	m.Sweep(ctx)

	stats, err := q.Stats(ctx)
	assert.NoError(err)
	assert.Equal(int64(0), stats.Active)
	assert.Equal(int64(1), stats.Delayed, "a reclaimed job goes back through the backoff cycle")
}

func TestMonitorClassify(t *testing.T) {
	assert := assert.New(t)
	m, _, _ := newMonitorHarness(t, nil)

	status, issues := m.classify(&queue.Stats{}, 1, 0)
	assert.Equal(HealthHealthy, status)
	assert.Empty(issues)

	status, issues = m.classify(&queue.Stats{}, 1, 6000)
	assert.Equal(HealthWarning, status)
	assert.Contains(issues[0], "processing time")

	// Multiple findings surface together, worst one wins the status.
	status, issues = m.classify(&queue.Stats{TotalWaiting: 10, Paused: true}, 0.2, 0)
	assert.Equal(HealthCritical, status)
	assert.Len(issues, 3)
}
