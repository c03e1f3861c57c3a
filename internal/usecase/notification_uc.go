package usecase

import (
	"context"

	"notification-service/internal/analytics"
	"notification-service/internal/domain"
	"notification-service/internal/repository"
	"notification-service/pkg/xerrors"

	"go.uber.org/zap"
)

// EventPusher pushes live events to a user's open connections. Pushes are
// best effort; zero listeners is not an error.
type EventPusher interface {
	PushEvent(ctx context.Context, userID, eventType string, data interface{}) int
	PushUnreadCount(ctx context.Context, userID string)
}

// NotificationUsecase is the user-facing surface over stored notifications
// and preferences. Mutations emit gateway events so other open tabs of the
// same user converge without polling.
type NotificationUsecase struct {
	notifs repository.NotificationStore
	prefs  repository.PreferenceStore
	agg    *analytics.Aggregator
	pusher EventPusher // nil when the gateway is disabled
	logger *zap.Logger
}

func NewNotificationUsecase(
	notifs repository.NotificationStore,
	prefs repository.PreferenceStore,
	agg *analytics.Aggregator,
	pusher EventPusher,
	logger *zap.Logger,
) *NotificationUsecase {
	return &NotificationUsecase{
		notifs: notifs,
		prefs:  prefs,
		agg:    agg,
		pusher: pusher,
		logger: logger,
	}
}

// -----------------------------
// Notifications
// -----------------------------

func (uc *NotificationUsecase) List(ctx context.Context, recipientID string, filter repository.ListFilter) ([]*domain.Notification, error) {
	if recipientID == "" {
		return nil, xerrors.ErrInvalidInput
	}
	return uc.notifs.ListByRecipient(ctx, recipientID, filter)
}

func (uc *NotificationUsecase) Get(ctx context.Context, id, recipientID string) (*domain.Notification, error) {
	if id == "" || recipientID == "" {
		return nil, xerrors.ErrInvalidInput
	}
	n, err := uc.notifs.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if n.RecipientID != recipientID {
		// Someone else's notification reads the same as a missing one.
		return nil, xerrors.ErrNotificationNotFound
	}
	return n, nil
}

// MarkRead returns the number of records changed; re-reading an already-read
// notification changes nothing and emits nothing.
func (uc *NotificationUsecase) MarkRead(ctx context.Context, id, recipientID string) (int64, error) {
	if id == "" || recipientID == "" {
		return 0, xerrors.ErrInvalidInput
	}
	modified, err := uc.notifs.MarkRead(ctx, id, recipientID)
	if err != nil {
		return 0, err
	}
	if modified > 0 {
		uc.emit(ctx, recipientID, domain.EventNotificationRead, map[string]interface{}{"notification_id": id})
		uc.pushUnread(ctx, recipientID)
	}
	return modified, nil
}

func (uc *NotificationUsecase) MarkManyRead(ctx context.Context, ids []string, recipientID string) (int64, error) {
	if len(ids) == 0 || recipientID == "" {
		return 0, xerrors.ErrInvalidInput
	}
	modified, err := uc.notifs.MarkManyRead(ctx, ids, recipientID)
	if err != nil {
		return 0, err
	}
	if modified > 0 {
		uc.emit(ctx, recipientID, domain.EventNotificationRead, map[string]interface{}{"notification_ids": ids})
		uc.pushUnread(ctx, recipientID)
	}
	return modified, nil
}

func (uc *NotificationUsecase) MarkAllRead(ctx context.Context, recipientID string) (int64, error) {
	if recipientID == "" {
		return 0, xerrors.ErrInvalidInput
	}
	modified, err := uc.notifs.MarkAllRead(ctx, recipientID)
	if err != nil {
		return 0, err
	}
	if modified > 0 {
		uc.emit(ctx, recipientID, domain.EventNotificationRead, map[string]interface{}{"all": true})
		uc.pushUnread(ctx, recipientID)
	}
	return modified, nil
}

func (uc *NotificationUsecase) Delete(ctx context.Context, id, recipientID string) error {
	if id == "" || recipientID == "" {
		return xerrors.ErrInvalidInput
	}
	if err := uc.notifs.Delete(ctx, id, recipientID); err != nil {
		return err
	}
	uc.emit(ctx, recipientID, domain.EventNotificationDeleted, map[string]interface{}{"notification_id": id})
	uc.pushUnread(ctx, recipientID)
	return nil
}

func (uc *NotificationUsecase) Unread(ctx context.Context, recipientID string) (*repository.UnreadCount, error) {
	if recipientID == "" {
		return nil, xerrors.ErrInvalidInput
	}
	return uc.notifs.CountUnreadGrouped(ctx, recipientID)
}

// TrackAction records an engagement event against a notification the caller
// owns.
func (uc *NotificationUsecase) TrackAction(ctx context.Context, id, recipientID, kind string) (*domain.Analytics, error) {
	if _, err := uc.Get(ctx, id, recipientID); err != nil {
		return nil, err
	}
	return uc.agg.Track(ctx, id, kind)
}

// -----------------------------
// Preferences
// -----------------------------

// GetPreferences seeds and returns the default document for first-time
// callers, so the settings screen always has something to show.
func (uc *NotificationUsecase) GetPreferences(ctx context.Context, userID string) (*domain.Preference, error) {
	if userID == "" {
		return nil, xerrors.ErrInvalidInput
	}
	return uc.prefs.EnsureDefaults(ctx, userID)
}

func (uc *NotificationUsecase) UpdatePreferences(ctx context.Context, userID string, p *domain.Preference) (*domain.Preference, error) {
	if userID == "" || p == nil {
		return nil, xerrors.ErrInvalidInput
	}
	p.UserID = userID
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if err := uc.prefs.Upsert(ctx, p); err != nil {
		return nil, err
	}

	stored, err := uc.prefs.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	uc.emit(ctx, userID, domain.EventPreferencesUpdated, stored)
	return stored, nil
}

func (uc *NotificationUsecase) emit(ctx context.Context, userID, event string, data interface{}) {
	if uc.pusher == nil {
		return
	}
	uc.pusher.PushEvent(ctx, userID, event, data)
}

func (uc *NotificationUsecase) pushUnread(ctx context.Context, userID string) {
	if uc.pusher == nil {
		return
	}
	uc.pusher.PushUnreadCount(ctx, userID)
}
