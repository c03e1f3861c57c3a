package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"notification-service/internal/domain"
	"notification-service/pkg/xerrors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// PreferenceRepository is the postgres-backed PreferenceStore. The
// document body lives in a JSONB column keyed by user id, one row per user.
type PreferenceRepository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

func NewPreferenceRepository(pool *pgxpool.Pool, logger *zap.Logger) *PreferenceRepository {
	return &PreferenceRepository{
		pool:   pool,
		logger: logger,
	}
}

func (r *PreferenceRepository) Get(ctx context.Context, userID string) (*domain.Preference, error) {
	query := `SELECT doc, created_at, updated_at FROM preferences WHERE user_id = $1`

	var (
		docJSON   []byte
		createdAt time.Time
		updatedAt time.Time
	)
	err := r.pool.QueryRow(ctx, query, userID).Scan(&docJSON, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, xerrors.ErrPreferenceNotFound
		}
		return nil, fmt.Errorf("failed to get preferences: %w", err)
	}

	var p domain.Preference
	if err := json.Unmarshal(docJSON, &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal preferences: %w", err)
	}
	p.UserID = userID
	p.CreatedAt = createdAt
	p.UpdatedAt = updatedAt

	return &p, nil
}

func (r *PreferenceRepository) Upsert(ctx context.Context, p *domain.Preference) error {
	if p.UserID == "" {
		return xerrors.ErrInvalidInput
	}
	p.UpdatedAt = time.Now().UTC()

	docJSON, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal preferences: %w", err)
	}

	query := `
		INSERT INTO preferences (user_id, doc, created_at, updated_at)
		VALUES ($1, $2, NOW(), NOW())
		ON CONFLICT (user_id)
		DO UPDATE SET doc = EXCLUDED.doc, updated_at = NOW()
	`

	if _, err := r.pool.Exec(ctx, query, p.UserID, docJSON); err != nil {
		r.logger.Error("Failed to upsert preferences",
			zap.String("user_id", p.UserID),
			zap.Error(err))
		return fmt.Errorf("failed to upsert preferences: %w", err)
	}

	return nil
}

// EnsureDefaults inserts the default document if the user has none, then
// returns whatever is stored. Existing documents are never overwritten.
func (r *PreferenceRepository) EnsureDefaults(ctx context.Context, userID string) (*domain.Preference, error) {
	defaults := domain.DefaultPreferences(userID)
	docJSON, err := json.Marshal(defaults)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal default preferences: %w", err)
	}

	query := `
		INSERT INTO preferences (user_id, doc, created_at, updated_at)
		VALUES ($1, $2, NOW(), NOW())
		ON CONFLICT (user_id) DO NOTHING
	`

	if _, err := r.pool.Exec(ctx, query, userID, docJSON); err != nil {
		return nil, fmt.Errorf("failed to seed default preferences: %w", err)
	}

	return r.Get(ctx, userID)
}

func (r *PreferenceRepository) Delete(ctx context.Context, userID string) error {
	query := `DELETE FROM preferences WHERE user_id = $1`

	ct, err := r.pool.Exec(ctx, query, userID)
	if err != nil {
		return fmt.Errorf("failed to delete preferences: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return xerrors.ErrPreferenceNotFound
	}
	return nil
}
