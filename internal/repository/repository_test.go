package repository

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"notification-service/internal/domain"
	"notification-service/pkg/xerrors"
)

func memNotification(id, recipientID string, opts ...func(*domain.Notification)) *domain.Notification {
	n := &domain.Notification{
		ID:          id,
		Type:        domain.TypeSocial,
		Priority:    domain.PriorityMedium,
		RecipientID: recipientID,
		Content:     domain.Content{Title: "hello"},
		Delivery: []domain.DeliveryChannel{
			{Channel: domain.ChannelInApp, Status: domain.DeliveryPending},
			{Channel: domain.ChannelRealtime, Status: domain.DeliveryPending},
		},
		ExpiresAt: time.Now().Add(time.Hour),
		CreatedAt: time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

func TestNotificationCreateAndGet(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	s := NewMemNotificationStore()

	n := memNotification("ntf_1", "usr_1")
	assert.NoError(s.Create(ctx, n))
	assert.ErrorIs(s.Create(ctx, n), xerrors.ErrConflict)

	got, err := s.GetByID(ctx, "ntf_1")
	assert.NoError(err)
	assert.Equal("hello", got.Content.Title)

	// The store hands out copies, not shared pointers.
	got.Content.Title = "mutated"
	again, err := s.GetByID(ctx, "ntf_1")
	assert.NoError(err)
	assert.Equal("hello", again.Content.Title)

	_, err = s.GetByID(ctx, "ntf_missing")
	assert.ErrorIs(err, xerrors.ErrNotificationNotFound)
}

func TestMarkReadIdempotent(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	s := NewMemNotificationStore()
	assert.NoError(s.Create(ctx, memNotification("ntf_1", "usr_1")))

	modified, err := s.MarkRead(ctx, "ntf_1", "usr_1")
	assert.NoError(err)
	assert.Equal(int64(1), modified)

	got, err := s.GetByID(ctx, "ntf_1")
	assert.NoError(err)
	assert.True(got.IsRead)
	assert.NotNil(got.ReadAt)

	// Second mark changes nothing and is not an error.
	modified, err = s.MarkRead(ctx, "ntf_1", "usr_1")
	assert.NoError(err)
	assert.Zero(modified)

	// Another user's id behaves like a missing record.
	_, err = s.MarkRead(ctx, "ntf_1", "usr_2")
	assert.ErrorIs(err, xerrors.ErrNotificationNotFound)
}

func TestMarkManyAndAllRead(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	s := NewMemNotificationStore()

	for i := 1; i <= 3; i++ {
		assert.NoError(s.Create(ctx, memNotification(fmt.Sprintf("ntf_%d", i), "usr_1")))
	}
	assert.NoError(s.Create(ctx, memNotification("ntf_other", "usr_2")))

	// Foreign and missing ids are skipped, not errors.
	modified, err := s.MarkManyRead(ctx, []string{"ntf_1", "ntf_2", "ntf_other", "ntf_missing"}, "usr_1")
	assert.NoError(err)
	assert.Equal(int64(2), modified)

	modified, err = s.MarkAllRead(ctx, "usr_1")
	assert.NoError(err)
	assert.Equal(int64(1), modified)

	count, err := s.CountUnread(ctx, "usr_1")
	assert.NoError(err)
	assert.Zero(count)

	// usr_2 was untouched throughout.
	count, err = s.CountUnread(ctx, "usr_2")
	assert.NoError(err)
	assert.Equal(int64(1), count)
}

func TestListByRecipientFilters(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	s := NewMemNotificationStore()

	base := time.Now().UTC()
	assert.NoError(s.Create(ctx, memNotification("ntf_old", "usr_1", func(n *domain.Notification) {
		n.CreatedAt = base.Add(-2 * time.Hour)
	})))
	assert.NoError(s.Create(ctx, memNotification("ntf_sec", "usr_1", func(n *domain.Notification) {
		n.Type = domain.TypeSecurity
		n.Priority = domain.PriorityCritical
		n.CreatedAt = base.Add(-time.Hour)
	})))
	assert.NoError(s.Create(ctx, memNotification("ntf_new", "usr_1", func(n *domain.Notification) {
		n.CreatedAt = base
	})))
	assert.NoError(s.Create(ctx, memNotification("ntf_expired", "usr_1", func(n *domain.Notification) {
		n.ExpiresAt = base.Add(-time.Minute)
	})))
	assert.NoError(s.Create(ctx, memNotification("ntf_foreign", "usr_2")))

	// Newest first, expired and foreign rows never appear.
	all, err := s.ListByRecipient(ctx, "usr_1", ListFilter{})
	assert.NoError(err)
	if assert.Len(all, 3) {
		assert.Equal("ntf_new", all[0].ID)
		assert.Equal("ntf_old", all[2].ID)
	}

	byType, err := s.ListByRecipient(ctx, "usr_1", ListFilter{Types: []domain.NotificationType{domain.TypeSecurity}})
	assert.NoError(err)
	if assert.Len(byType, 1) {
		assert.Equal("ntf_sec", byType[0].ID)
	}

	byPriority, err := s.ListByRecipient(ctx, "usr_1", ListFilter{Priorities: []domain.Priority{domain.PriorityCritical}})
	assert.NoError(err)
	assert.Len(byPriority, 1)

	paged, err := s.ListByRecipient(ctx, "usr_1", ListFilter{Limit: 1, Offset: 1})
	assert.NoError(err)
	if assert.Len(paged, 1) {
		assert.Equal("ntf_sec", paged[0].ID)
	}

	_, err = s.MarkRead(ctx, "ntf_new", "usr_1")
	assert.NoError(err)
	unread, err := s.ListByRecipient(ctx, "usr_1", ListFilter{UnreadOnly: true})
	assert.NoError(err)
	assert.Len(unread, 2)
}

func TestCountUnreadGrouped(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	s := NewMemNotificationStore()

	assert.NoError(s.Create(ctx, memNotification("ntf_1", "usr_1")))
	assert.NoError(s.Create(ctx, memNotification("ntf_2", "usr_1", func(n *domain.Notification) {
		n.Type = domain.TypeSecurity
		n.Priority = domain.PriorityCritical
	})))
	assert.NoError(s.Create(ctx, memNotification("ntf_3", "usr_1", func(n *domain.Notification) {
		n.IsRead = true
	})))

	uc, err := s.CountUnreadGrouped(ctx, "usr_1")
	assert.NoError(err)
	assert.Equal(int64(2), uc.Total)
	assert.Equal(int64(1), uc.ByType[domain.TypeSocial])
	assert.Equal(int64(1), uc.ByType[domain.TypeSecurity])
	assert.Equal(int64(1), uc.ByPriority[domain.PriorityCritical])
}

func TestUpdateDeliveryStatus(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	s := NewMemNotificationStore()
	assert.NoError(s.Create(ctx, memNotification("ntf_1", "usr_1")))

	assert.NoError(s.UpdateDeliveryStatus(ctx, "ntf_1", domain.ChannelRealtime, domain.DeliveryDelivered, ""))
	assert.NoError(s.UpdateDeliveryStatus(ctx, "ntf_1", domain.ChannelInApp, domain.DeliveryFailed, "store offline"))

	got, err := s.GetByID(ctx, "ntf_1")
	assert.NoError(err)
	for _, d := range got.Delivery {
		switch d.Channel {
		case domain.ChannelRealtime:
			assert.Equal(domain.DeliveryDelivered, d.Status)
			assert.NotNil(d.SentAt)
			assert.NotNil(d.DeliveredAt)
		case domain.ChannelInApp:
			assert.Equal(domain.DeliveryFailed, d.Status)
			assert.Equal("store offline", d.FailureReason)
			assert.Equal(1, d.RetryCount)
		}
	}

	assert.ErrorIs(s.UpdateDeliveryStatus(ctx, "ntf_missing", domain.ChannelInApp, domain.DeliverySent, ""),
		xerrors.ErrNotificationNotFound)
}

func TestDeleteScopedToRecipient(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	s := NewMemNotificationStore()
	assert.NoError(s.Create(ctx, memNotification("ntf_1", "usr_1")))

	assert.ErrorIs(s.Delete(ctx, "ntf_1", "usr_2"), xerrors.ErrNotificationNotFound)
	assert.NoError(s.Delete(ctx, "ntf_1", "usr_1"))

	_, err := s.GetByID(ctx, "ntf_1")
	assert.ErrorIs(err, xerrors.ErrNotificationNotFound)
}

func TestDeleteExpired(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	s := NewMemNotificationStore()

	assert.NoError(s.Create(ctx, memNotification("ntf_live", "usr_1")))
	assert.NoError(s.Create(ctx, memNotification("ntf_dead", "usr_1", func(n *domain.Notification) {
		n.ExpiresAt = time.Now().Add(-time.Hour)
	})))

	removed, err := s.DeleteExpired(ctx, time.Now())
	assert.NoError(err)
	assert.Equal(int64(1), removed)

	_, err = s.GetByID(ctx, "ntf_dead")
	assert.ErrorIs(err, xerrors.ErrNotificationNotFound)
	_, err = s.GetByID(ctx, "ntf_live")
	assert.NoError(err)
}

func TestPreferenceLifecycle(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	s := NewMemPreferenceStore()

	_, err := s.Get(ctx, "usr_1")
	assert.ErrorIs(err, xerrors.ErrPreferenceNotFound)

	seeded, err := s.EnsureDefaults(ctx, "usr_1")
	assert.NoError(err)
	assert.True(seeded.Global.Enabled)
	assert.True(seeded.QuietHours.OverrideForCritical)

	// A stored document is never replaced by the defaults again.
	seeded.Global.Enabled = false
	assert.NoError(s.Upsert(ctx, seeded))
	again, err := s.EnsureDefaults(ctx, "usr_1")
	assert.NoError(err)
	assert.False(again.Global.Enabled)
	assert.Equal(seeded.CreatedAt, again.CreatedAt)

	assert.ErrorIs(s.Upsert(ctx, &domain.Preference{}), xerrors.ErrInvalidInput)

	assert.NoError(s.Delete(ctx, "usr_1"))
	assert.ErrorIs(s.Delete(ctx, "usr_1"), xerrors.ErrPreferenceNotFound)
}

func memTemplate(id, version string, createdAt time.Time) *domain.Template {
	return &domain.Template{
		TemplateID:      id,
		Name:            "Welcome",
		Type:            domain.TypeSocial,
		ContentType:     "text",
		TitleTemplate:   "Hello {{.userName}}",
		MessageTemplate: "Glad to have you",
		IsActive:        true,
		Version:         version,
		CreatedAt:       createdAt,
	}
}

func TestTemplateVersions(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	s := NewMemTemplateStore()

	base := time.Now().UTC()
	assert.NoError(s.Create(ctx, memTemplate("tmpl_welcome", "v1", base.Add(-time.Hour))))
	assert.NoError(s.Create(ctx, memTemplate("tmpl_welcome", "v2", base)))
	assert.ErrorIs(s.Create(ctx, memTemplate("tmpl_welcome", "v2", base)), xerrors.ErrTemplateExists)
	assert.ErrorIs(s.Create(ctx, &domain.Template{TemplateID: "tmpl_x"}), xerrors.ErrInvalidInput)

	latest, err := s.GetLatestActive(ctx, "tmpl_welcome")
	assert.NoError(err)
	assert.Equal("v2", latest.Version)

	// An empty version resolves through the latest active.
	resolved, err := s.Get(ctx, "tmpl_welcome", "")
	assert.NoError(err)
	assert.Equal("v2", resolved.Version)

	assert.NoError(s.SetActive(ctx, "tmpl_welcome", "v2", false))
	latest, err = s.GetLatestActive(ctx, "tmpl_welcome")
	assert.NoError(err)
	assert.Equal("v1", latest.Version)

	assert.NoError(s.Delete(ctx, "tmpl_welcome", "v1"))
	_, err = s.Get(ctx, "tmpl_welcome", "v1")
	assert.ErrorIs(err, xerrors.ErrTemplateNotFound)
}

func TestTemplateListFilter(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	s := NewMemTemplateStore()

	base := time.Now().UTC()
	assert.NoError(s.Create(ctx, memTemplate("tmpl_a", "v1", base)))
	inactive := memTemplate("tmpl_b", "v1", base)
	inactive.IsActive = false
	assert.NoError(s.Create(ctx, inactive))
	security := memTemplate("tmpl_c", "v1", base)
	security.Type = domain.TypeSecurity
	assert.NoError(s.Create(ctx, security))

	all, err := s.List(ctx, TemplateFilter{})
	assert.NoError(err)
	assert.Len(all, 3)

	active, err := s.List(ctx, TemplateFilter{ActiveOnly: true})
	assert.NoError(err)
	assert.Len(active, 2)

	byType, err := s.List(ctx, TemplateFilter{Type: domain.TypeSecurity})
	assert.NoError(err)
	if assert.Len(byType, 1) {
		assert.Equal("tmpl_c", byType[0].TemplateID)
	}
}

func TestTemplateRecordUsage(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	s := NewMemTemplateStore()
	assert.NoError(s.Create(ctx, memTemplate("tmpl_a", "v1", time.Now().UTC())))

	assert.NoError(s.RecordUsage(ctx, "tmpl_a", "v1", 2, true))
	assert.NoError(s.RecordUsage(ctx, "tmpl_a", "v1", 4, false))

	got, err := s.Get(ctx, "tmpl_a", "v1")
	assert.NoError(err)
	assert.Equal(int64(2), got.Usage.TotalUsed)
	assert.InDelta(3.0, got.Usage.AvgRenderMs, 1e-9)
	assert.InDelta(0.5, got.Usage.SuccessRate, 1e-9)
	assert.NotNil(got.Usage.LastUsed)
}
