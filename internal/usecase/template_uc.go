package usecase

import (
	"context"

	"notification-service/internal/domain"
	"notification-service/internal/repository"
	"notification-service/internal/template"
	"notification-service/pkg/xerrors"

	"go.uber.org/zap"
)

// TemplateUsecase is the admin surface for template management. Writes go
// through a compile check first so broken templates never reach the store,
// and every write invalidates the resolver caches.
type TemplateUsecase struct {
	store    repository.TemplateStore
	engine   *template.Engine
	resolver *template.Resolver
	logger   *zap.Logger
}

func NewTemplateUsecase(
	store repository.TemplateStore,
	engine *template.Engine,
	resolver *template.Resolver,
	logger *zap.Logger,
) *TemplateUsecase {
	return &TemplateUsecase{
		store:    store,
		engine:   engine,
		resolver: resolver,
		logger:   logger,
	}
}

// -----------------------------
// CRUD
// -----------------------------

// Create inserts a new template version. Versions are immutable once
// stored; an update is a Create with a new version string.
func (uc *TemplateUsecase) Create(ctx context.Context, t *domain.Template) (*domain.Template, error) {
	if t == nil || t.TemplateID == "" || t.Name == "" {
		return nil, xerrors.ErrInvalidInput
	}
	if !t.Type.Valid() {
		return nil, xerrors.ErrInvalidType
	}
	if t.Version == "" {
		t.Version = "v1"
	}
	if t.ContentType == "" {
		t.ContentType = "text"
	}
	if t.DefaultPriority != "" && !t.DefaultPriority.Valid() {
		return nil, xerrors.ErrInvalidPriority
	}
	// Creation activates; deactivation is an explicit SetActive call.
	t.IsActive = true

	if _, err := uc.engine.Compile(t); err != nil {
		return nil, err
	}
	if err := uc.store.Create(ctx, t); err != nil {
		return nil, err
	}

	// The new version may now be the latest active one.
	uc.resolver.Invalidate(ctx, t.TemplateID, "")

	uc.logger.Info("template created",
		zap.String("template_id", t.TemplateID),
		zap.String("version", t.Version))
	return uc.store.Get(ctx, t.TemplateID, t.Version)
}

// Get resolves an empty version to the latest active one.
func (uc *TemplateUsecase) Get(ctx context.Context, templateID, version string) (*domain.Template, error) {
	if templateID == "" {
		return nil, xerrors.ErrInvalidInput
	}
	return uc.store.Get(ctx, templateID, version)
}

func (uc *TemplateUsecase) List(ctx context.Context, filter repository.TemplateFilter) ([]*domain.Template, error) {
	return uc.store.List(ctx, filter)
}

func (uc *TemplateUsecase) SetActive(ctx context.Context, templateID, version string, active bool) error {
	if templateID == "" || version == "" {
		return xerrors.ErrInvalidInput
	}
	if err := uc.store.SetActive(ctx, templateID, version, active); err != nil {
		return err
	}
	uc.resolver.Invalidate(ctx, templateID, version)
	return nil
}

func (uc *TemplateUsecase) Delete(ctx context.Context, templateID, version string) error {
	if templateID == "" || version == "" {
		return xerrors.ErrInvalidInput
	}
	if err := uc.store.Delete(ctx, templateID, version); err != nil {
		return err
	}
	uc.resolver.Invalidate(ctx, templateID, version)
	return nil
}

// -----------------------------
// Tooling
// -----------------------------

// Validate checks template sources without storing anything.
func (uc *TemplateUsecase) Validate(title, message string, actions []domain.ActionTemplate) *template.ValidationReport {
	return uc.engine.Validate(title, message, actions)
}

// Preview renders a stored template against sample variables. Preview is
// always strict; a broken render surfaces instead of falling back.
func (uc *TemplateUsecase) Preview(ctx context.Context, templateID, version string, vars map[string]interface{}) (*template.RenderedContent, error) {
	if templateID == "" {
		return nil, xerrors.ErrInvalidInput
	}
	return uc.resolver.Preview(ctx, templateID, version, vars)
}

func (uc *TemplateUsecase) Usage(ctx context.Context, templateID, version string) (*domain.TemplateUsage, error) {
	if templateID == "" {
		return nil, xerrors.ErrInvalidInput
	}
	t, err := uc.store.Get(ctx, templateID, version)
	if err != nil {
		return nil, err
	}
	return &t.Usage, nil
}

// InvalidateCache drops the compiled and shared cache entries; an empty
// version drops every cached version of the template.
func (uc *TemplateUsecase) InvalidateCache(ctx context.Context, templateID, version string) error {
	if templateID == "" {
		return xerrors.ErrInvalidInput
	}
	uc.resolver.Invalidate(ctx, templateID, version)
	return nil
}
