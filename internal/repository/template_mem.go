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

// MemTemplateStore is the in-memory TemplateStore.
type MemTemplateStore struct {
	mu    sync.RWMutex
	items map[string]*domain.Template // key: templateID + "@" + version
}

func NewMemTemplateStore() *MemTemplateStore {
	return &MemTemplateStore{items: make(map[string]*domain.Template)}
}

func templateKey(templateID, version string) string {
	return templateID + "@" + version
}

func cloneTemplate(t *domain.Template) *domain.Template {
	b, _ := json.Marshal(t)
	out := &domain.Template{}
	_ = json.Unmarshal(b, out)
	return out
}

func (s *MemTemplateStore) Create(_ context.Context, t *domain.Template) error {
	if t.TemplateID == "" || t.Version == "" {
		return xerrors.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := templateKey(t.TemplateID, t.Version)
	if _, ok := s.items[key]; ok {
		return xerrors.ErrTemplateExists
	}

	stored := cloneTemplate(t)
	now := time.Now().UTC()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	stored.Usage = domain.TemplateUsage{SuccessRate: 1}
	s.items[key] = stored
	return nil
}

func (s *MemTemplateStore) Get(ctx context.Context, templateID, version string) (*domain.Template, error) {
	if version == "" {
		return s.GetLatestActive(ctx, templateID)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.items[templateKey(templateID, version)]
	if !ok {
		return nil, xerrors.ErrTemplateNotFound
	}
	return cloneTemplate(t), nil
}

func (s *MemTemplateStore) GetLatestActive(_ context.Context, templateID string) (*domain.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *domain.Template
	for _, t := range s.items {
		if t.TemplateID != templateID || !t.IsActive {
			continue
		}
		if latest == nil || t.CreatedAt.After(latest.CreatedAt) {
			latest = t
		}
	}
	if latest == nil {
		return nil, xerrors.ErrTemplateNotFound
	}
	return cloneTemplate(latest), nil
}

func (s *MemTemplateStore) List(_ context.Context, filter TemplateFilter) ([]*domain.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.Template
	for _, t := range s.items {
		if filter.Type != "" && t.Type != filter.Type {
			continue
		}
		if filter.ActiveOnly && !t.IsActive {
			continue
		}
		out = append(out, cloneTemplate(t))
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].TemplateID != out[j].TemplateID {
			return out[i].TemplateID < out[j].TemplateID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	offset := filter.Offset
	if offset > len(out) {
		offset = len(out)
	}
	out = out[offset:]
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemTemplateStore) SetActive(_ context.Context, templateID, version string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.items[templateKey(templateID, version)]
	if !ok {
		return xerrors.ErrTemplateNotFound
	}
	t.IsActive = active
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemTemplateStore) Delete(_ context.Context, templateID, version string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := templateKey(templateID, version)
	if _, ok := s.items[key]; !ok {
		return xerrors.ErrTemplateNotFound
	}
	delete(s.items, key)
	return nil
}

func (s *MemTemplateStore) RecordUsage(_ context.Context, templateID, version string, renderMs float64, ok bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, found := s.items[templateKey(templateID, version)]
	if !found {
		return xerrors.ErrTemplateNotFound
	}

	okVal := 0.0
	if ok {
		okVal = 1.0
	}
	used := float64(t.Usage.TotalUsed)
	t.Usage.AvgRenderMs = (t.Usage.AvgRenderMs*used + renderMs) / (used + 1)
	t.Usage.SuccessRate = (t.Usage.SuccessRate*used + okVal) / (used + 1)
	t.Usage.TotalUsed++
	now := time.Now().UTC()
	t.Usage.LastUsed = &now
	t.UpdatedAt = now
	return nil
}
