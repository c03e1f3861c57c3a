package repository

import (
	"context"
	"time"

	"notification-service/internal/domain"
)

// ListFilter narrows notification listings.
type ListFilter struct {
	Types      []domain.NotificationType
	Priorities []domain.Priority
	UnreadOnly bool
	Limit      int
	Offset     int
}

// UnreadCount carries the total plus optional groupings.
type UnreadCount struct {
	Total      int64                            `json:"total"`
	ByType     map[domain.NotificationType]int64 `json:"by_type,omitempty"`
	ByPriority map[domain.Priority]int64         `json:"by_priority,omitempty"`
}

type NotificationStore interface {
	Create(ctx context.Context, n *domain.Notification) error
	GetByID(ctx context.Context, id string) (*domain.Notification, error)
	ListByRecipient(ctx context.Context, recipientID string, filter ListFilter) ([]*domain.Notification, error)

	// MarkRead returns the number of records it changed; marking an
	// already-read notification changes nothing and is not an error.
	MarkRead(ctx context.Context, id, recipientID string) (int64, error)
	MarkManyRead(ctx context.Context, ids []string, recipientID string) (int64, error)
	MarkAllRead(ctx context.Context, recipientID string) (int64, error)

	Delete(ctx context.Context, id, recipientID string) error
	CountUnread(ctx context.Context, recipientID string) (int64, error)
	CountUnreadGrouped(ctx context.Context, recipientID string) (*UnreadCount, error)

	UpdateDeliveryStatus(ctx context.Context, id string, channel domain.Channel, status domain.DeliveryStatus, failureReason string) error

	// IncrementAnalytics atomically bumps the raw counters and returns the
	// resulting snapshot; derived rates are written back separately.
	IncrementAnalytics(ctx context.Context, id string, impressions, clicks, conversions int64) (*domain.Analytics, error)
	UpdateAnalyticsRates(ctx context.Context, id string, a *domain.Analytics) error

	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

type PreferenceStore interface {
	Get(ctx context.Context, userID string) (*domain.Preference, error)
	Upsert(ctx context.Context, p *domain.Preference) error

	// EnsureDefaults seeds the default document if none exists and returns
	// the stored one either way.
	EnsureDefaults(ctx context.Context, userID string) (*domain.Preference, error)
	Delete(ctx context.Context, userID string) error
}

// TemplateFilter narrows template listings.
type TemplateFilter struct {
	Type       domain.NotificationType
	ActiveOnly bool
	Limit      int
	Offset     int
}

type TemplateStore interface {
	Create(ctx context.Context, t *domain.Template) error
	Get(ctx context.Context, templateID, version string) (*domain.Template, error)

	// GetLatestActive resolves an empty-version template reference.
	GetLatestActive(ctx context.Context, templateID string) (*domain.Template, error)
	List(ctx context.Context, filter TemplateFilter) ([]*domain.Template, error)
	SetActive(ctx context.Context, templateID, version string, active bool) error
	Delete(ctx context.Context, templateID, version string) error

	// RecordUsage folds one render into the rolling usage counters.
	RecordUsage(ctx context.Context, templateID, version string, renderMs float64, ok bool) error
}
