package template

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"notification-service/internal/config"
	"notification-service/internal/domain"
	"notification-service/internal/repository"
	"notification-service/pkg/cache"
	"notification-service/pkg/metrics"

	"go.uber.org/zap"
)

const cacheNamespace = "tmpl"

type entry struct {
	compiled *Compiled
	tmpl     *domain.Template
}

// Resolver loads templates through a two-tier cache: compiled units live
// in-process keyed by templateID@version, raw template documents live in
// the shared cache with a TTL. A cache outage degrades to store reads.
type Resolver struct {
	engine *Engine
	store  repository.TemplateStore
	cache  *cache.Cache // nil disables the shared tier
	ttl    time.Duration
	strict bool

	mu    sync.RWMutex
	local map[string]*entry

	logger *zap.Logger
}

func NewResolver(engine *Engine, store repository.TemplateStore, c *cache.Cache, cfg config.TemplateConfig, logger *zap.Logger) *Resolver {
	return &Resolver{
		engine: engine,
		store:  store,
		cache:  c,
		ttl:    cfg.CacheTTL,
		strict: cfg.StrictRender,
		local:  make(map[string]*entry),
		logger: logger,
	}
}

// Resolve returns the compiled unit and the template document for the
// given id and version. An empty version means the latest active one.
func (r *Resolver) Resolve(ctx context.Context, templateID, version string) (*Compiled, *domain.Template, error) {
	if version != "" {
		if e := r.lookupLocal(localKey(templateID, version)); e != nil {
			return e.compiled, e.tmpl, nil
		}
	}

	tmpl, err := r.load(ctx, templateID, version)
	if err != nil {
		return nil, nil, err
	}

	// A latest-active request now carries a concrete version.
	k := localKey(templateID, tmpl.Version)
	if e := r.lookupLocal(k); e != nil {
		return e.compiled, e.tmpl, nil
	}

	compiled, err := r.engine.Compile(tmpl)
	if err != nil {
		return nil, nil, err
	}

	r.mu.Lock()
	r.local[k] = &entry{compiled: compiled, tmpl: tmpl}
	r.mu.Unlock()

	return compiled, tmpl, nil
}

// BuildContent resolves the referenced template and renders every section
// with the reference's variables. A render failure falls back to the raw
// template sources unless strict rendering is configured.
func (r *Resolver) BuildContent(ctx context.Context, ref *domain.TemplateRef) (*RenderedContent, *domain.Template, error) {
	start := time.Now()

	compiled, tmpl, err := r.Resolve(ctx, ref.TemplateID, ref.Version)
	if err != nil {
		metrics.RecordTemplateRender("error", time.Since(start))
		return nil, nil, err
	}

	data, err := BuildContext(tmpl, ref.Variables)
	if err == nil {
		var rendered *RenderedContent
		if rendered, err = r.engine.RenderAll(compiled, data); err == nil {
			elapsed := time.Since(start)
			r.recordUsage(ctx, tmpl, elapsed, true)
			metrics.RecordTemplateRender("success", elapsed)
			return rendered, tmpl, nil
		}
	}

	elapsed := time.Since(start)
	r.recordUsage(ctx, tmpl, elapsed, false)
	r.logger.Warn("template render failed",
		zap.String("template_id", tmpl.TemplateID),
		zap.String("version", tmpl.Version),
		zap.Error(err))

	if r.strict {
		metrics.RecordTemplateRender("error", elapsed)
		return nil, tmpl, err
	}

	metrics.RecordTemplateRender("fallback", elapsed)
	return rawContent(tmpl), tmpl, nil
}

// Preview renders a template with sample variables for admin tooling.
// Errors always surface and usage counters stay untouched.
func (r *Resolver) Preview(ctx context.Context, templateID, version string, vars map[string]interface{}) (*RenderedContent, error) {
	compiled, tmpl, err := r.Resolve(ctx, templateID, version)
	if err != nil {
		return nil, err
	}
	data, err := BuildContext(tmpl, vars)
	if err != nil {
		return nil, err
	}
	return r.engine.RenderAll(compiled, data)
}

// Invalidate drops a template from both cache tiers. An empty version
// drops every cached version of the template.
func (r *Resolver) Invalidate(ctx context.Context, templateID, version string) {
	r.mu.Lock()
	if version == "" {
		prefix := templateID + "@"
		for k := range r.local {
			if strings.HasPrefix(k, prefix) {
				delete(r.local, k)
			}
		}
	} else {
		delete(r.local, localKey(templateID, version))
	}
	r.mu.Unlock()

	if r.cache == nil {
		return
	}
	if version != "" {
		if err := r.cache.Delete(ctx, cacheNamespace, docKey(templateID, version)); err != nil {
			r.logger.Warn("template cache delete failed", zap.String("template_id", templateID), zap.Error(err))
		}
	}
	// The latest pointer may reference any version, so it always goes.
	if err := r.cache.Delete(ctx, cacheNamespace, docKey(templateID, "")); err != nil {
		r.logger.Warn("template cache delete failed", zap.String("template_id", templateID), zap.Error(err))
	}
}

// ==============================
// Internal helpers
// ==============================

func (r *Resolver) lookupLocal(key string) *entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.local[key]
}

func (r *Resolver) load(ctx context.Context, templateID, version string) (*domain.Template, error) {
	if tmpl := r.fromSharedCache(ctx, templateID, version); tmpl != nil {
		return tmpl, nil
	}

	var tmpl *domain.Template
	var err error
	if version == "" {
		tmpl, err = r.store.GetLatestActive(ctx, templateID)
	} else {
		tmpl, err = r.store.Get(ctx, templateID, version)
	}
	if err != nil {
		return nil, err
	}

	r.toSharedCache(ctx, templateID, version, tmpl)
	return tmpl, nil
}

func (r *Resolver) fromSharedCache(ctx context.Context, templateID, version string) *domain.Template {
	if r.cache == nil {
		return nil
	}
	raw, err := r.cache.Get(ctx, cacheNamespace, docKey(templateID, version))
	if err != nil {
		r.logger.Warn("template cache read failed", zap.String("template_id", templateID), zap.Error(err))
		return nil
	}
	if raw == "" {
		return nil
	}
	var tmpl domain.Template
	if err := json.Unmarshal([]byte(raw), &tmpl); err != nil {
		r.logger.Warn("template cache entry corrupt", zap.String("template_id", templateID), zap.Error(err))
		return nil
	}
	return &tmpl
}

func (r *Resolver) toSharedCache(ctx context.Context, templateID, requestedVersion string, tmpl *domain.Template) {
	if r.cache == nil {
		return
	}
	raw, err := json.Marshal(tmpl)
	if err != nil {
		return
	}
	doc := string(raw)
	if err := r.cache.Set(ctx, cacheNamespace, docKey(templateID, tmpl.Version), doc, r.ttl); err != nil {
		r.logger.Warn("template cache write failed", zap.String("template_id", templateID), zap.Error(err))
	}
	if requestedVersion == "" {
		if err := r.cache.Set(ctx, cacheNamespace, docKey(templateID, ""), doc, r.ttl); err != nil {
			r.logger.Warn("template cache write failed", zap.String("template_id", templateID), zap.Error(err))
		}
	}
}

func (r *Resolver) recordUsage(ctx context.Context, tmpl *domain.Template, elapsed time.Duration, ok bool) {
	renderMs := float64(elapsed.Microseconds()) / 1000.0
	if err := r.store.RecordUsage(ctx, tmpl.TemplateID, tmpl.Version, renderMs, ok); err != nil {
		r.logger.Warn("template usage update failed", zap.String("template_id", tmpl.TemplateID), zap.Error(err))
	}
}

func rawContent(tmpl *domain.Template) *RenderedContent {
	out := &RenderedContent{
		Title:   tmpl.TitleTemplate,
		Message: tmpl.MessageTemplate,
		HTML:    tmpl.HTMLTemplate,
	}
	for _, a := range tmpl.ActionTemplates {
		out.Actions = append(out.Actions, domain.Action{
			ID:    a.ID,
			Label: a.Label,
			Type:  a.Type,
			URL:   a.URL,
			Style: a.Style,
		})
	}
	return out
}

func localKey(templateID, version string) string {
	return templateID + "@" + version
}

func docKey(templateID, version string) string {
	if version == "" {
		version = "latest"
	}
	return templateID + "@" + version
}
