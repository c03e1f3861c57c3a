package repository

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"notification-service/internal/domain"
	"notification-service/pkg/xerrors"
)

// MemNotificationStore is an in-memory NotificationStore with the same
// semantics as the postgres implementation. Used by tests and single-binary
// development runs.
type MemNotificationStore struct {
	mu    sync.RWMutex
	items map[string]*domain.Notification
}

func NewMemNotificationStore() *MemNotificationStore {
	return &MemNotificationStore{items: make(map[string]*domain.Notification)}
}

func cloneNotification(n *domain.Notification) *domain.Notification {
	b, _ := json.Marshal(n)
	out := &domain.Notification{}
	_ = json.Unmarshal(b, out)
	return out
}

func (s *MemNotificationStore) Create(_ context.Context, n *domain.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.items[n.ID]; ok {
		return xerrors.ErrConflict
	}
	s.items[n.ID] = cloneNotification(n)
	return nil
}

func (s *MemNotificationStore) GetByID(_ context.Context, id string) (*domain.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.items[id]
	if !ok {
		return nil, xerrors.ErrNotificationNotFound
	}
	return cloneNotification(n), nil
}

func (s *MemNotificationStore) ListByRecipient(_ context.Context, recipientID string, filter ListFilter) ([]*domain.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	var out []*domain.Notification
	for _, n := range s.items {
		if n.RecipientID != recipientID || !n.ExpiresAt.After(now) {
			continue
		}
		if len(filter.Types) > 0 && !containsType(filter.Types, n.Type) {
			continue
		}
		if len(filter.Priorities) > 0 && !containsPriority(filter.Priorities, n.Priority) {
			continue
		}
		if filter.UnreadOnly && n.IsRead {
			continue
		}
		out = append(out, cloneNotification(n))
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })

	offset := filter.Offset
	if offset > len(out) {
		offset = len(out)
	}
	out = out[offset:]
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemNotificationStore) MarkRead(_ context.Context, id, recipientID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.items[id]
	if !ok || n.RecipientID != recipientID {
		return 0, xerrors.ErrNotificationNotFound
	}
	if n.IsRead {
		return 0, nil
	}
	now := time.Now().UTC()
	n.IsRead = true
	n.ReadAt = &now
	n.UpdatedAt = now
	return 1, nil
}

func (s *MemNotificationStore) MarkManyRead(_ context.Context, ids []string, recipientID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var modified int64
	now := time.Now().UTC()
	for _, id := range ids {
		n, ok := s.items[id]
		if !ok || n.RecipientID != recipientID || n.IsRead {
			continue
		}
		readAt := now
		n.IsRead = true
		n.ReadAt = &readAt
		n.UpdatedAt = now
		modified++
	}
	return modified, nil
}

func (s *MemNotificationStore) MarkAllRead(_ context.Context, recipientID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var modified int64
	now := time.Now().UTC()
	for _, n := range s.items {
		if n.RecipientID != recipientID || n.IsRead {
			continue
		}
		readAt := now
		n.IsRead = true
		n.ReadAt = &readAt
		n.UpdatedAt = now
		modified++
	}
	return modified, nil
}

func (s *MemNotificationStore) Delete(_ context.Context, id, recipientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.items[id]
	if !ok || n.RecipientID != recipientID {
		return xerrors.ErrNotificationNotFound
	}
	delete(s.items, id)
	return nil
}

func (s *MemNotificationStore) CountUnread(_ context.Context, recipientID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	var count int64
	for _, n := range s.items {
		if n.RecipientID == recipientID && !n.IsRead && n.ExpiresAt.After(now) {
			count++
		}
	}
	return count, nil
}

func (s *MemNotificationStore) CountUnreadGrouped(_ context.Context, recipientID string) (*UnreadCount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	uc := &UnreadCount{
		ByType:     map[domain.NotificationType]int64{},
		ByPriority: map[domain.Priority]int64{},
	}
	for _, n := range s.items {
		if n.RecipientID != recipientID || n.IsRead || !n.ExpiresAt.After(now) {
			continue
		}
		uc.Total++
		uc.ByType[n.Type]++
		uc.ByPriority[n.Priority]++
	}
	return uc, nil
}

func (s *MemNotificationStore) UpdateDeliveryStatus(_ context.Context, id string, channel domain.Channel, status domain.DeliveryStatus, failureReason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.items[id]
	if !ok {
		return xerrors.ErrNotificationNotFound
	}

	now := time.Now().UTC()
	for i := range n.Delivery {
		if n.Delivery[i].Channel != channel {
			continue
		}
		d := &n.Delivery[i]
		d.Status = status
		switch status {
		case domain.DeliverySent:
			d.SentAt = &now
		case domain.DeliveryDelivered:
			d.SentAt = &now
			d.DeliveredAt = &now
		case domain.DeliveryFailed:
			d.FailureReason = failureReason
			d.RetryCount++
		case domain.DeliveryRead:
			d.ReadAt = &now
		}
		break
	}
	n.UpdatedAt = now
	return nil
}

func (s *MemNotificationStore) IncrementAnalytics(_ context.Context, id string, impressions, clicks, conversions int64) (*domain.Analytics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.items[id]
	if !ok {
		return nil, xerrors.ErrNotificationNotFound
	}
	n.Analytics.Impressions += impressions
	n.Analytics.Clicks += clicks
	n.Analytics.Conversions += conversions
	n.UpdatedAt = time.Now().UTC()

	snapshot := n.Analytics
	return &snapshot, nil
}

func (s *MemNotificationStore) UpdateAnalyticsRates(_ context.Context, id string, a *domain.Analytics) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.items[id]
	if !ok {
		return xerrors.ErrNotificationNotFound
	}
	n.Analytics.ClickRate = a.ClickRate
	n.Analytics.ConversionRate = a.ConversionRate
	n.Analytics.EngagementScore = a.EngagementScore
	n.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemNotificationStore) DeleteExpired(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for id, n := range s.items {
		if !n.ExpiresAt.After(before) {
			delete(s.items, id)
			removed++
		}
	}
	return removed, nil
}

func containsType(ts []domain.NotificationType, t domain.NotificationType) bool {
	for _, v := range ts {
		if v == t {
			return true
		}
	}
	return false
}

func containsPriority(ps []domain.Priority, p domain.Priority) bool {
	for _, v := range ps {
		if v == p {
			return true
		}
	}
	return false
}
