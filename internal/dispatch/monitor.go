package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"notification-service/internal/config"
	"notification-service/internal/domain"
	"notification-service/internal/queue"
	"notification-service/internal/repository"
	"notification-service/pkg/cache"
	"notification-service/pkg/metrics"

	"go.uber.org/zap"
)

const (
	HealthHealthy  = "healthy"
	HealthWarning  = "warning"
	HealthCritical = "critical"
)

const (
	monitorNamespace = "queuemon"
	snapshotKey      = "snapshot"

	// completed jobs sampled per refresh for the processing-time average
	processingSample = 100
)

// Snapshot is the queue health report served to operators.
type Snapshot struct {
	Status          string       `json:"status"`
	Issues          []string     `json:"issues,omitempty"`
	Stats           *queue.Stats `json:"stats"`
	SuccessRate     float64      `json:"success_rate"`
	AvgProcessingMS float64      `json:"avg_processing_ms"`
	GeneratedAt     time.Time    `json:"generated_at"`
}

// Monitor periodically inspects the queue, publishes lane depth gauges,
// enforces job retention and sweeps expired notifications. Health snapshots
// are cached so admin polling does not hammer the queue.
type Monitor struct {
	q      queue.Queue
	notifs repository.NotificationStore
	cache  *cache.Cache // nil keeps snapshots per-instance
	cfg    config.MonitorConfig
	logger *zap.Logger

	// active jobs older than this are presumed orphaned by a dead worker
	stuckAfter time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewMonitor(
	q queue.Queue,
	notifs repository.NotificationStore,
	c *cache.Cache,
	cfg config.MonitorConfig,
	wcfg config.WorkerConfig,
	logger *zap.Logger,
) *Monitor {
	stuck := 2 * wcfg.JobTimeout
	if stuck <= 0 {
		stuck = time.Minute
	}
	return &Monitor{
		q:          q,
		notifs:     notifs,
		cache:      c,
		cfg:        cfg,
		logger:     logger,
		stuckAfter: stuck,
	}
}

func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go m.loop(ctx)
	m.logger.Info("queue monitor started", zap.Duration("interval", m.cfg.Interval))
}

func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.logger.Info("queue monitor stopped")
}

func (m *Monitor) loop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
			if _, err := m.Refresh(ctx); err != nil {
				m.logger.Warn("queue snapshot refresh failed", zap.Error(err))
			}
		}
	}
}

// Snapshot returns the cached health report, regenerating it when the cache
// is cold or force is set.
func (m *Monitor) Snapshot(ctx context.Context, force bool) (*Snapshot, error) {
	if !force && m.cache != nil {
		raw, err := m.cache.Get(ctx, monitorNamespace, snapshotKey)
		if err == nil && raw != "" {
			var s Snapshot
			if err := json.Unmarshal([]byte(raw), &s); err == nil {
				return &s, nil
			}
		}
	}
	return m.Refresh(ctx)
}

// Refresh rebuilds the health report from live queue stats and caches it.
func (m *Monitor) Refresh(ctx context.Context) (*Snapshot, error) {
	stats, err := m.q.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to collect queue stats: %w", err)
	}

	snap := &Snapshot{
		Stats:           stats,
		SuccessRate:     successRate(stats),
		AvgProcessingMS: m.avgProcessingMS(ctx),
		GeneratedAt:     time.Now().UTC(),
	}
	snap.Status, snap.Issues = m.classify(stats, snap.SuccessRate, snap.AvgProcessingMS)

	for lane, depth := range stats.Waiting {
		metrics.SetQueueDepth(lane, depth)
	}

	if m.cache != nil {
		if raw, err := json.Marshal(snap); err == nil {
			if err := m.cache.Set(ctx, monitorNamespace, snapshotKey, string(raw), m.cfg.SnapshotTTL); err != nil {
				m.logger.Warn("failed to cache queue snapshot", zap.Error(err))
			}
		}
	}
	return snap, nil
}

// Sweep runs one retention and reclaim pass.
func (m *Monitor) Sweep(ctx context.Context) {
	now := time.Now().UTC()

	removed, err := m.q.CleanUp(ctx,
		now.Add(-m.cfg.CompletedRetention),
		now.Add(-m.cfg.FailedRetention),
		m.cfg.MaxCompleted,
		m.cfg.MaxFailed,
	)
	if err != nil {
		m.logger.Warn("queue cleanup failed", zap.Error(err))
	} else if removed > 0 {
		m.logger.Info("queue cleanup removed jobs", zap.Int64("count", removed))
	}

	reclaimed, err := m.q.ReclaimStuck(ctx, m.stuckAfter)
	if err != nil {
		m.logger.Warn("stuck job reclaim failed", zap.Error(err))
	} else if reclaimed > 0 {
		m.logger.Warn("reclaimed stuck jobs", zap.Int("count", reclaimed))
	}

	// The worker promotes on its poll interval; this pass only catches up
	// after the pool has been down.
	promoted, err := m.q.PromoteDelayed(ctx, now)
	if err != nil {
		m.logger.Warn("delayed promotion failed", zap.Error(err))
	} else if promoted > 0 {
		m.logger.Info("promoted overdue delayed jobs", zap.Int("count", promoted))
	}

	expired, err := m.notifs.DeleteExpired(ctx, now)
	if err != nil {
		m.logger.Warn("expired notification sweep failed", zap.Error(err))
	} else if expired > 0 {
		m.logger.Info("expired notifications removed", zap.Int64("count", expired))
	}
}

func (m *Monitor) classify(stats *queue.Stats, rate, avgMS float64) (string, []string) {
	var criticals, warnings []string

	if stats.Paused {
		warnings = append(warnings, "queue is paused")
	}

	if m.cfg.MaxBacklog > 0 && stats.TotalWaiting > m.cfg.MaxBacklog {
		msg := fmt.Sprintf("backlog of %d waiting jobs exceeds the limit of %d", stats.TotalWaiting, m.cfg.MaxBacklog)
		if stats.TotalWaiting > 2*m.cfg.MaxBacklog {
			criticals = append(criticals, msg)
		} else {
			warnings = append(warnings, msg)
		}
	}

	if m.cfg.MinSuccessRate > 0 && rate < m.cfg.MinSuccessRate {
		msg := fmt.Sprintf("success rate %.1f%% is below the %.1f%% floor", rate*100, m.cfg.MinSuccessRate*100)
		if rate < m.cfg.MinSuccessRate/2 {
			criticals = append(criticals, msg)
		} else {
			warnings = append(warnings, msg)
		}
	}

	if m.cfg.MaxAvgProcessingMS > 0 && avgMS > m.cfg.MaxAvgProcessingMS {
		warnings = append(warnings, fmt.Sprintf("average processing time %.0fms exceeds %.0fms", avgMS, m.cfg.MaxAvgProcessingMS))
	}

	switch {
	case len(criticals) > 0:
		return HealthCritical, append(criticals, warnings...)
	case len(warnings) > 0:
		return HealthWarning, warnings
	default:
		return HealthHealthy, nil
	}
}

// avgProcessingMS samples recent completed jobs. Sampling keeps the refresh
// cheap; the figure is advisory, not an exact aggregate.
func (m *Monitor) avgProcessingMS(ctx context.Context) float64 {
	jobs, err := m.q.ListJobs(ctx, domain.JobCompleted, processingSample)
	if err != nil {
		m.logger.Warn("failed to sample completed jobs", zap.Error(err))
		return 0
	}

	var total float64
	var counted int
	for _, j := range jobs {
		if j.StartedAt == nil || j.FinishedAt == nil {
			continue
		}
		total += float64(j.FinishedAt.Sub(*j.StartedAt).Microseconds()) / 1000.0
		counted++
	}
	if counted == 0 {
		return 0
	}
	return total / float64(counted)
}

// successRate treats an idle queue as fully healthy.
func successRate(stats *queue.Stats) float64 {
	finished := stats.Completed + stats.Failed
	if finished == 0 {
		return 1
	}
	return float64(stats.Completed) / float64(finished)
}
