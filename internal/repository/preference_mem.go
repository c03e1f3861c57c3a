package repository

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"notification-service/internal/domain"
	"notification-service/pkg/xerrors"
)

// MemPreferenceStore is the in-memory PreferenceStore.
type MemPreferenceStore struct {
	mu    sync.RWMutex
	items map[string]*domain.Preference
}

func NewMemPreferenceStore() *MemPreferenceStore {
	return &MemPreferenceStore{items: make(map[string]*domain.Preference)}
}

func clonePreference(p *domain.Preference) *domain.Preference {
	b, _ := json.Marshal(p)
	out := &domain.Preference{}
	_ = json.Unmarshal(b, out)
	return out
}

func (s *MemPreferenceStore) Get(_ context.Context, userID string) (*domain.Preference, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.items[userID]
	if !ok {
		return nil, xerrors.ErrPreferenceNotFound
	}
	return clonePreference(p), nil
}

func (s *MemPreferenceStore) Upsert(_ context.Context, p *domain.Preference) error {
	if p.UserID == "" {
		return xerrors.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	stored := clonePreference(p)
	stored.UpdatedAt = now
	if existing, ok := s.items[p.UserID]; ok {
		stored.CreatedAt = existing.CreatedAt
	} else if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	s.items[p.UserID] = stored
	return nil
}

func (s *MemPreferenceStore) EnsureDefaults(_ context.Context, userID string) (*domain.Preference, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.items[userID]; ok {
		return clonePreference(p), nil
	}
	p := domain.DefaultPreferences(userID)
	s.items[userID] = p
	return clonePreference(p), nil
}

func (s *MemPreferenceStore) Delete(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.items[userID]; !ok {
		return xerrors.ErrPreferenceNotFound
	}
	delete(s.items, userID)
	return nil
}
