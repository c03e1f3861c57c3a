package analytics

import (
	"context"

	"notification-service/internal/domain"
	"notification-service/internal/repository"
	"notification-service/pkg/xerrors"

	"go.uber.org/zap"
)

// Action kinds accepted by the tracking surface.
const (
	ActionImpression = "impression"
	ActionClick      = "click"
	ActionConversion = "conversion"
)

// Aggregator tracks engagement events against stored notifications. Raw
// counters are bumped atomically in the store; the derived rates are
// recomputed from the returned snapshot and written back best-effort.
type Aggregator struct {
	store  repository.NotificationStore
	logger *zap.Logger
}

func NewAggregator(store repository.NotificationStore, logger *zap.Logger) *Aggregator {
	return &Aggregator{store: store, logger: logger}
}

func (a *Aggregator) TrackImpression(ctx context.Context, notificationID string) (*domain.Analytics, error) {
	return a.track(ctx, notificationID, 1, 0, 0)
}

func (a *Aggregator) TrackClick(ctx context.Context, notificationID string) (*domain.Analytics, error) {
	return a.track(ctx, notificationID, 0, 1, 0)
}

func (a *Aggregator) TrackConversion(ctx context.Context, notificationID string) (*domain.Analytics, error) {
	return a.track(ctx, notificationID, 0, 0, 1)
}

// Track records an engagement event by kind.
func (a *Aggregator) Track(ctx context.Context, notificationID, kind string) (*domain.Analytics, error) {
	switch kind {
	case ActionImpression:
		return a.TrackImpression(ctx, notificationID)
	case ActionClick:
		return a.TrackClick(ctx, notificationID)
	case ActionConversion:
		return a.TrackConversion(ctx, notificationID)
	default:
		return nil, xerrors.ErrInvalidInput
	}
}

func (a *Aggregator) track(ctx context.Context, id string, impressions, clicks, conversions int64) (*domain.Analytics, error) {
	snap, err := a.store.IncrementAnalytics(ctx, id, impressions, clicks, conversions)
	if err != nil {
		return nil, err
	}

	Derive(snap)
	if err := a.store.UpdateAnalyticsRates(ctx, id, snap); err != nil {
		// Counters are already safe; rates are informational and recomputed
		// on the next event.
		a.logger.Warn("analytics rate update failed",
			zap.String("notification_id", id),
			zap.Error(err))
	}
	return snap, nil
}

// Derive recomputes the rates and the engagement score from the raw
// counters, in place.
func Derive(a *domain.Analytics) {
	a.ClickRate = 0
	a.ConversionRate = 0
	if a.Impressions > 0 {
		a.ClickRate = float64(a.Clicks) / float64(a.Impressions)
		a.ConversionRate = float64(a.Conversions) / float64(a.Impressions)
	}

	score := a.ClickRate*50 + a.ConversionRate*50
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	a.EngagementScore = score
}
