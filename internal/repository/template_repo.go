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

// TemplateRepository is the postgres-backed TemplateStore. Versioning is
// append-only: (template_id, version) is the primary key and a version bump
// inserts a new row. Usage counters sit in dedicated columns so they can be
// folded in atomically.
type TemplateRepository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

func NewTemplateRepository(pool *pgxpool.Pool, logger *zap.Logger) *TemplateRepository {
	return &TemplateRepository{
		pool:   pool,
		logger: logger,
	}
}

func (r *TemplateRepository) Create(ctx context.Context, t *domain.Template) error {
	if t.TemplateID == "" || t.Version == "" {
		return xerrors.ErrInvalidInput
	}

	docJSON, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to marshal template: %w", err)
	}

	query := `
		INSERT INTO templates (
			template_id, version, type, is_active, doc,
			total_used, avg_render_ms, success_rate,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, 0, 0, 1, NOW(), NOW())
	`

	_, err = r.pool.Exec(ctx, query,
		t.TemplateID,
		t.Version,
		string(t.Type),
		t.IsActive,
		docJSON,
	)
	if err != nil {
		if xerrors.ParsePGErrorCode(err) == "23505" {
			return xerrors.ErrTemplateExists
		}
		r.logger.Error("Failed to create template",
			zap.String("template_id", t.TemplateID),
			zap.String("version", t.Version),
			zap.Error(err))
		return fmt.Errorf("failed to create template: %w", err)
	}

	return nil
}

func (r *TemplateRepository) Get(ctx context.Context, templateID, version string) (*domain.Template, error) {
	if version == "" {
		return r.GetLatestActive(ctx, templateID)
	}

	query := `
		SELECT doc, is_active, total_used, last_used, avg_render_ms, success_rate, created_at, updated_at
		FROM templates
		WHERE template_id = $1 AND version = $2
	`

	return r.scanOne(r.pool.QueryRow(ctx, query, templateID, version))
}

// GetLatestActive resolves an empty-version reference to the newest active
// version of the template.
func (r *TemplateRepository) GetLatestActive(ctx context.Context, templateID string) (*domain.Template, error) {
	query := `
		SELECT doc, is_active, total_used, last_used, avg_render_ms, success_rate, created_at, updated_at
		FROM templates
		WHERE template_id = $1 AND is_active = TRUE
		ORDER BY created_at DESC
		LIMIT 1
	`

	return r.scanOne(r.pool.QueryRow(ctx, query, templateID))
}

func (r *TemplateRepository) List(ctx context.Context, filter TemplateFilter) ([]*domain.Template, error) {
	var sb strings.Builder
	sb.WriteString(`
		SELECT doc, is_active, total_used, last_used, avg_render_ms, success_rate, created_at, updated_at
		FROM templates
		WHERE 1=1`)

	var args []interface{}
	if filter.Type != "" {
		args = append(args, string(filter.Type))
		fmt.Fprintf(&sb, " AND type = $%d", len(args))
	}
	if filter.ActiveOnly {
		sb.WriteString(" AND is_active = TRUE")
	}

	sb.WriteString(" ORDER BY template_id, created_at DESC")
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	fmt.Fprintf(&sb, " LIMIT $%d", len(args))
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		fmt.Fprintf(&sb, " OFFSET $%d", len(args))
	}

	rows, err := r.pool.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list templates: %w", err)
	}
	defer rows.Close()

	var out []*domain.Template
	for rows.Next() {
		t, err := r.scanOne(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}

	return out, nil
}

func (r *TemplateRepository) SetActive(ctx context.Context, templateID, version string, active bool) error {
	query := `
		UPDATE templates
		SET is_active = $3,
		    doc = jsonb_set(doc, '{is_active}', to_jsonb($3::boolean)),
		    updated_at = NOW()
		WHERE template_id = $1 AND version = $2
	`

	ct, err := r.pool.Exec(ctx, query, templateID, version, active)
	if err != nil {
		return fmt.Errorf("failed to set template active flag: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return xerrors.ErrTemplateNotFound
	}
	return nil
}

func (r *TemplateRepository) Delete(ctx context.Context, templateID, version string) error {
	query := `DELETE FROM templates WHERE template_id = $1 AND version = $2`

	ct, err := r.pool.Exec(ctx, query, templateID, version)
	if err != nil {
		return fmt.Errorf("failed to delete template: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return xerrors.ErrTemplateNotFound
	}
	return nil
}

// RecordUsage folds one render into the rolling counters in a single
// statement, so concurrent renders never lose updates.
func (r *TemplateRepository) RecordUsage(ctx context.Context, templateID, version string, renderMs float64, ok bool) error {
	okVal := 0.0
	if ok {
		okVal = 1.0
	}

	query := `
		UPDATE templates
		SET total_used = total_used + 1,
		    last_used = NOW(),
		    avg_render_ms = (avg_render_ms * total_used + $3) / (total_used + 1),
		    success_rate = (success_rate * total_used + $4) / (total_used + 1),
		    updated_at = NOW()
		WHERE template_id = $1 AND version = $2
	`

	ct, err := r.pool.Exec(ctx, query, templateID, version, renderMs, okVal)
	if err != nil {
		return fmt.Errorf("failed to record template usage: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return xerrors.ErrTemplateNotFound
	}
	return nil
}

func (r *TemplateRepository) scanOne(row rowScanner) (*domain.Template, error) {
	var (
		docJSON   []byte
		isActive  bool
		totalUsed int64
		lastUsed  *time.Time
		avgMs     float64
		successRt float64
		createdAt time.Time
		updatedAt time.Time
	)

	err := row.Scan(&docJSON, &isActive, &totalUsed, &lastUsed, &avgMs, &successRt, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, xerrors.ErrTemplateNotFound
		}
		return nil, fmt.Errorf("failed to scan template: %w", err)
	}

	var t domain.Template
	if err := json.Unmarshal(docJSON, &t); err != nil {
		return nil, fmt.Errorf("failed to unmarshal template: %w", err)
	}

	// Columns are authoritative for mutable state; the doc snapshot can lag.
	t.IsActive = isActive
	t.Usage = domain.TemplateUsage{
		TotalUsed:   totalUsed,
		LastUsed:    lastUsed,
		AvgRenderMs: avgMs,
		SuccessRate: successRt,
	}
	t.CreatedAt = createdAt
	t.UpdatedAt = updatedAt

	return &t, nil
}
