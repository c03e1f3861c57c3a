package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"notification-service/internal/domain"
	"notification-service/pkg/xerrors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const notificationColumns = `
	id, type, priority, recipient_id, sender_id, content, delivery,
	is_read, read_at, expires_at, related, schedule,
	impressions, clicks, conversions, click_rate, conversion_rate, engagement_score,
	metadata, created_at, updated_at`

// NotificationRepository is the postgres-backed NotificationStore.
type NotificationRepository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

func NewNotificationRepository(pool *pgxpool.Pool, logger *zap.Logger) *NotificationRepository {
	return &NotificationRepository{
		pool:   pool,
		logger: logger,
	}
}

// ============================================================================
// CREATE
// ============================================================================

func (r *NotificationRepository) Create(ctx context.Context, n *domain.Notification) error {
	query := `
		INSERT INTO notifications (
			id, type, priority, recipient_id, sender_id, content, delivery,
			is_read, read_at, expires_at, related, schedule, metadata,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`

	contentJSON, err := json.Marshal(n.Content)
	if err != nil {
		return fmt.Errorf("failed to marshal content: %w", err)
	}
	deliveryJSON, err := json.Marshal(n.Delivery)
	if err != nil {
		return fmt.Errorf("failed to marshal delivery: %w", err)
	}
	relatedJSON := marshalOrNil(n.Related)
	scheduleJSON := marshalOrNil(n.Schedule)
	metadataJSON := marshalOrNil(n.Metadata)

	_, err = r.pool.Exec(ctx, query,
		n.ID,
		string(n.Type),
		string(n.Priority),
		n.RecipientID,
		nullString(n.SenderID),
		contentJSON,
		deliveryJSON,
		n.IsRead,
		n.ReadAt,
		n.ExpiresAt,
		relatedJSON,
		scheduleJSON,
		metadataJSON,
		n.CreatedAt,
		n.UpdatedAt,
	)
	if err != nil {
		if xerrors.ParsePGErrorCode(err) == "23505" {
			return xerrors.ErrConflict
		}
		r.logger.Error("Failed to create notification",
			zap.String("notification_id", n.ID),
			zap.String("recipient_id", n.RecipientID),
			zap.Error(err))
		return fmt.Errorf("failed to create notification: %w", err)
	}

	return nil
}

// ============================================================================
// READ
// ============================================================================

func (r *NotificationRepository) GetByID(ctx context.Context, id string) (*domain.Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE id = $1`

	n, err := scanNotification(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, xerrors.ErrNotificationNotFound
		}
		return nil, fmt.Errorf("failed to get notification: %w", err)
	}
	return n, nil
}

func (r *NotificationRepository) ListByRecipient(ctx context.Context, recipientID string, filter ListFilter) ([]*domain.Notification, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT ` + notificationColumns + ` FROM notifications WHERE recipient_id = $1 AND expires_at > NOW()`)

	args := []interface{}{recipientID}
	if len(filter.Types) > 0 {
		args = append(args, typeStrings(filter.Types))
		fmt.Fprintf(&sb, " AND type = ANY($%d)", len(args))
	}
	if len(filter.Priorities) > 0 {
		args = append(args, priorityStrings(filter.Priorities))
		fmt.Fprintf(&sb, " AND priority = ANY($%d)", len(args))
	}
	if filter.UnreadOnly {
		sb.WriteString(" AND is_read = FALSE")
	}

	sb.WriteString(" ORDER BY created_at DESC")
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)
	fmt.Fprintf(&sb, " LIMIT $%d", len(args))
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		fmt.Fprintf(&sb, " OFFSET $%d", len(args))
	}

	rows, err := r.pool.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	defer rows.Close()

	var out []*domain.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		out = append(out, n)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}

	return out, nil
}

func (r *NotificationRepository) CountUnread(ctx context.Context, recipientID string) (int64, error) {
	query := `
		SELECT COUNT(*)
		FROM notifications
		WHERE recipient_id = $1
		  AND is_read = FALSE
		  AND expires_at > NOW()
	`

	var count int64
	if err := r.pool.QueryRow(ctx, query, recipientID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count unread: %w", err)
	}
	return count, nil
}

func (r *NotificationRepository) CountUnreadGrouped(ctx context.Context, recipientID string) (*UnreadCount, error) {
	query := `
		SELECT type, priority, COUNT(*)
		FROM notifications
		WHERE recipient_id = $1
		  AND is_read = FALSE
		  AND expires_at > NOW()
		GROUP BY type, priority
	`

	rows, err := r.pool.Query(ctx, query, recipientID)
	if err != nil {
		return nil, fmt.Errorf("failed to count unread grouped: %w", err)
	}
	defer rows.Close()

	uc := &UnreadCount{
		ByType:     map[domain.NotificationType]int64{},
		ByPriority: map[domain.Priority]int64{},
	}
	for rows.Next() {
		var (
			typ      string
			priority string
			count    int64
		)
		if err := rows.Scan(&typ, &priority, &count); err != nil {
			return nil, fmt.Errorf("failed to scan unread group: %w", err)
		}
		uc.Total += count
		uc.ByType[domain.NotificationType(typ)] += count
		uc.ByPriority[domain.Priority(priority)] += count
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}

	return uc, nil
}

// ============================================================================
// UPDATE
// ============================================================================

func (r *NotificationRepository) MarkRead(ctx context.Context, id, recipientID string) (int64, error) {
	query := `
		UPDATE notifications
		SET is_read = TRUE, read_at = NOW(), updated_at = NOW()
		WHERE id = $1
		  AND recipient_id = $2
		  AND is_read = FALSE
	`

	ct, err := r.pool.Exec(ctx, query, id, recipientID)
	if err != nil {
		return 0, fmt.Errorf("failed to mark read: %w", err)
	}

	if ct.RowsAffected() == 0 {
		// Distinguish "already read" (idempotent no-op) from "missing".
		var exists bool
		checkQuery := `SELECT EXISTS(SELECT 1 FROM notifications WHERE id = $1 AND recipient_id = $2)`
		if err := r.pool.QueryRow(ctx, checkQuery, id, recipientID).Scan(&exists); err != nil {
			return 0, fmt.Errorf("failed to check notification: %w", err)
		}
		if !exists {
			return 0, xerrors.ErrNotificationNotFound
		}
	}

	return ct.RowsAffected(), nil
}

func (r *NotificationRepository) MarkManyRead(ctx context.Context, ids []string, recipientID string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	query := `
		UPDATE notifications
		SET is_read = TRUE, read_at = NOW(), updated_at = NOW()
		WHERE id = ANY($1)
		  AND recipient_id = $2
		  AND is_read = FALSE
	`

	ct, err := r.pool.Exec(ctx, query, ids, recipientID)
	if err != nil {
		return 0, fmt.Errorf("failed to mark many read: %w", err)
	}
	return ct.RowsAffected(), nil
}

func (r *NotificationRepository) MarkAllRead(ctx context.Context, recipientID string) (int64, error) {
	query := `
		UPDATE notifications
		SET is_read = TRUE, read_at = NOW(), updated_at = NOW()
		WHERE recipient_id = $1
		  AND is_read = FALSE
	`

	ct, err := r.pool.Exec(ctx, query, recipientID)
	if err != nil {
		return 0, fmt.Errorf("failed to mark all read: %w", err)
	}
	return ct.RowsAffected(), nil
}

// UpdateDeliveryStatus patches the delivery entry for one channel in place.
// The statement is atomic per notification id, so concurrent updates to
// different notifications never conflict.
func (r *NotificationRepository) UpdateDeliveryStatus(ctx context.Context, id string, channel domain.Channel, status domain.DeliveryStatus, failureReason string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	patch := map[string]interface{}{"status": string(status)}
	switch status {
	case domain.DeliverySent:
		patch["sent_at"] = now
	case domain.DeliveryDelivered:
		patch["sent_at"] = now
		patch["delivered_at"] = now
	case domain.DeliveryFailed:
		patch["failure_reason"] = failureReason
	case domain.DeliveryRead:
		patch["read_at"] = now
	}
	patchJSON, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("failed to marshal delivery patch: %w", err)
	}

	query := `
		UPDATE notifications
		SET delivery = (
			SELECT COALESCE(jsonb_agg(
				CASE WHEN elem->>'channel' = $2 THEN
					elem || $3::jsonb ||
					(CASE WHEN $4 THEN jsonb_build_object('retry_count', COALESCE((elem->>'retry_count')::int, 0) + 1)
					      ELSE '{}'::jsonb END)
				ELSE elem END
			), '[]'::jsonb)
			FROM jsonb_array_elements(delivery) AS elem
		),
		updated_at = NOW()
		WHERE id = $1
	`

	ct, err := r.pool.Exec(ctx, query, id, string(channel), patchJSON, status == domain.DeliveryFailed)
	if err != nil {
		r.logger.Error("Failed to update delivery status",
			zap.String("notification_id", id),
			zap.String("channel", string(channel)),
			zap.Error(err))
		return fmt.Errorf("failed to update delivery status: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return xerrors.ErrNotificationNotFound
	}

	return nil
}

func (r *NotificationRepository) IncrementAnalytics(ctx context.Context, id string, impressions, clicks, conversions int64) (*domain.Analytics, error) {
	query := `
		UPDATE notifications
		SET impressions = impressions + $2,
		    clicks = clicks + $3,
		    conversions = conversions + $4,
		    updated_at = NOW()
		WHERE id = $1
		RETURNING impressions, clicks, conversions, click_rate, conversion_rate, engagement_score
	`

	var a domain.Analytics
	err := r.pool.QueryRow(ctx, query, id, impressions, clicks, conversions).Scan(
		&a.Impressions,
		&a.Clicks,
		&a.Conversions,
		&a.ClickRate,
		&a.ConversionRate,
		&a.EngagementScore,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, xerrors.ErrNotificationNotFound
		}
		return nil, fmt.Errorf("failed to increment analytics: %w", err)
	}

	return &a, nil
}

func (r *NotificationRepository) UpdateAnalyticsRates(ctx context.Context, id string, a *domain.Analytics) error {
	query := `
		UPDATE notifications
		SET click_rate = $2, conversion_rate = $3, engagement_score = $4, updated_at = NOW()
		WHERE id = $1
	`

	ct, err := r.pool.Exec(ctx, query, id, a.ClickRate, a.ConversionRate, a.EngagementScore)
	if err != nil {
		return fmt.Errorf("failed to update analytics rates: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return xerrors.ErrNotificationNotFound
	}
	return nil
}

// ============================================================================
// DELETE
// ============================================================================

func (r *NotificationRepository) Delete(ctx context.Context, id, recipientID string) error {
	query := `DELETE FROM notifications WHERE id = $1 AND recipient_id = $2`

	ct, err := r.pool.Exec(ctx, query, id, recipientID)
	if err != nil {
		return fmt.Errorf("failed to delete notification: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return xerrors.ErrNotificationNotFound
	}
	return nil
}

func (r *NotificationRepository) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	query := `DELETE FROM notifications WHERE expires_at <= $1`

	ct, err := r.pool.Exec(ctx, query, before)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired notifications: %w", err)
	}
	return ct.RowsAffected(), nil
}

// ============================================================================
// helpers
// ============================================================================

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanNotification(row rowScanner) (*domain.Notification, error) {
	var (
		n            domain.Notification
		typ          string
		priority     string
		senderID     *string
		contentJSON  []byte
		deliveryJSON []byte
		relatedJSON  []byte
		scheduleJSON []byte
		metadataJSON []byte
	)

	err := row.Scan(
		&n.ID,
		&typ,
		&priority,
		&n.RecipientID,
		&senderID,
		&contentJSON,
		&deliveryJSON,
		&n.IsRead,
		&n.ReadAt,
		&n.ExpiresAt,
		&relatedJSON,
		&scheduleJSON,
		&n.Analytics.Impressions,
		&n.Analytics.Clicks,
		&n.Analytics.Conversions,
		&n.Analytics.ClickRate,
		&n.Analytics.ConversionRate,
		&n.Analytics.EngagementScore,
		&metadataJSON,
		&n.CreatedAt,
		&n.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	n.Type = domain.NotificationType(typ)
	n.Priority = domain.Priority(priority)
	if senderID != nil {
		n.SenderID = *senderID
	}
	if err := json.Unmarshal(contentJSON, &n.Content); err != nil {
		return nil, fmt.Errorf("failed to unmarshal content: %w", err)
	}
	if err := json.Unmarshal(deliveryJSON, &n.Delivery); err != nil {
		return nil, fmt.Errorf("failed to unmarshal delivery: %w", err)
	}
	if len(relatedJSON) > 0 {
		if err := json.Unmarshal(relatedJSON, &n.Related); err != nil {
			return nil, fmt.Errorf("failed to unmarshal related entity: %w", err)
		}
	}
	if len(scheduleJSON) > 0 {
		if err := json.Unmarshal(scheduleJSON, &n.Schedule); err != nil {
			return nil, fmt.Errorf("failed to unmarshal schedule: %w", err)
		}
	}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &n.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}

	return &n, nil
}

func marshalOrNil(v interface{}) []byte {
	switch t := v.(type) {
	case *domain.RelatedEntity:
		if t == nil {
			return nil
		}
	case *domain.Schedule:
		if t == nil {
			return nil
		}
	case map[string]interface{}:
		if len(t) == 0 {
			return nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func typeStrings(ts []domain.NotificationType) []string {
	out := make([]string, len(ts))
	for i, t := range ts {
		out[i] = string(t)
	}
	return out
}

func priorityStrings(ps []domain.Priority) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = string(p)
	}
	return out
}
