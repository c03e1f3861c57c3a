package template

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"notification-service/internal/config"
	"notification-service/internal/domain"
	"notification-service/internal/repository"
	"notification-service/pkg/cache"
	"notification-service/pkg/xerrors"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

// countingStore wraps a TemplateStore and counts backing reads so tests
// can tell cache hits from store hits.
type countingStore struct {
	repository.TemplateStore
	reads atomic.Int64
}

func (s *countingStore) Get(ctx context.Context, templateID, version string) (*domain.Template, error) {
	s.reads.Add(1)
	return s.TemplateStore.Get(ctx, templateID, version)
}

func (s *countingStore) GetLatestActive(ctx context.Context, templateID string) (*domain.Template, error) {
	s.reads.Add(1)
	return s.TemplateStore.GetLatestActive(ctx, templateID)
}

func newTestResolver(t *testing.T, strict bool) (*Resolver, *countingStore) {
	t.Helper()

	store := &countingStore{TemplateStore: repository.NewMemTemplateStore()}
	assert.NoError(t, store.TemplateStore.Create(context.Background(), orderTemplate()))

	cfg := config.TemplateConfig{CacheTTL: time.Minute, StrictRender: strict}
	r := NewResolver(NewEngine(zap.NewNop()), store, nil, cfg, zap.NewNop())
	return r, store
}

func TestResolveCachesCompiledUnit(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	r, store := newTestResolver(t, false)

	compiled, tmpl, err := r.Resolve(ctx, "tmpl_order_shipped", "v1")
	assert.NoError(err)
	assert.Equal("v1", tmpl.Version)
	assert.NotNil(compiled)
	assert.Equal(int64(1), store.reads.Load())

	// Second resolve is served from the in-process tier.
	_, _, err = r.Resolve(ctx, "tmpl_order_shipped", "v1")
	assert.NoError(err)
	assert.Equal(int64(1), store.reads.Load())
}

func TestResolveLatestActive(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	r, _ := newTestResolver(t, false)

	_, tmpl, err := r.Resolve(ctx, "tmpl_order_shipped", "")
	assert.NoError(err)
	assert.Equal("v1", tmpl.Version, "empty version should resolve to the latest active one")
}

func TestResolveUnknownTemplate(t *testing.T) {
	assert := assert.New(t)
	r, _ := newTestResolver(t, false)

	_, _, err := r.Resolve(context.Background(), "tmpl_missing", "v1")
	assert.ErrorIs(err, xerrors.ErrTemplateNotFound)
}

func TestBuildContentRendersReference(t *testing.T) {
	assert := assert.New(t)
	r, _ := newTestResolver(t, false)

	out, tmpl, err := r.BuildContent(context.Background(), &domain.TemplateRef{
		TemplateID: "tmpl_order_shipped",
		Variables: map[string]interface{}{
			"orderId": "ORD-9",
			"amount":  42.0,
		},
	})
	assert.NoError(err)
	assert.Equal("Order ORD-9 shipped", out.Title)
	assert.Equal("v1", tmpl.Version)

	// Usage bookkeeping went through the store.
	stored, err := r.store.Get(context.Background(), "tmpl_order_shipped", "v1")
	assert.NoError(err)
	assert.Equal(int64(1), stored.Usage.TotalUsed)
}

func TestBuildContentFallsBackToRawSources(t *testing.T) {
	assert := assert.New(t)
	r, _ := newTestResolver(t, false)

	// amount is required with no default, so context building fails and the
	// non-strict resolver degrades to the raw template sources.
	out, _, err := r.BuildContent(context.Background(), &domain.TemplateRef{
		TemplateID: "tmpl_order_shipped",
		Variables:  map[string]interface{}{"orderId": "ORD-9"},
	})
	assert.NoError(err)
	assert.Equal("Order {{.orderId}} shipped", out.Title)
}

func TestBuildContentStrictModeSurfacesErrors(t *testing.T) {
	assert := assert.New(t)
	r, _ := newTestResolver(t, true)

	_, _, err := r.BuildContent(context.Background(), &domain.TemplateRef{
		TemplateID: "tmpl_order_shipped",
		Variables:  map[string]interface{}{"orderId": "ORD-9"},
	})
	assert.ErrorIs(err, xerrors.ErrMissingVariable)
}

func TestPreviewAlwaysStrict(t *testing.T) {
	assert := assert.New(t)
	r, _ := newTestResolver(t, false)

	_, err := r.Preview(context.Background(), "tmpl_order_shipped", "v1", map[string]interface{}{"orderId": "ORD-9"})
	assert.ErrorIs(err, xerrors.ErrMissingVariable, "preview should not fall back")

	out, err := r.Preview(context.Background(), "tmpl_order_shipped", "v1", map[string]interface{}{
		"orderId": "ORD-9",
		"amount":  10.0,
	})
	assert.NoError(err)
	assert.Equal("Order ORD-9 shipped", out.Title)

	// Preview leaves usage untouched.
	stored, err := r.store.Get(context.Background(), "tmpl_order_shipped", "v1")
	assert.NoError(err)
	assert.Equal(int64(0), stored.Usage.TotalUsed)
}

func TestSharedCacheTier(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	shared := cache.New(rdb)

	store := &countingStore{TemplateStore: repository.NewMemTemplateStore()}
	assert.NoError(store.TemplateStore.Create(ctx, orderTemplate()))

	cfg := config.TemplateConfig{CacheTTL: time.Minute}
	first := NewResolver(NewEngine(zap.NewNop()), store, shared, cfg, zap.NewNop())

	_, _, err := first.Resolve(ctx, "tmpl_order_shipped", "v1")
	assert.NoError(err)
	assert.Equal(int64(1), store.reads.Load())

	// A fresh resolver with a cold local tier hits the shared cache, not the store.
	second := NewResolver(NewEngine(zap.NewNop()), store, shared, cfg, zap.NewNop())
	_, tmpl, err := second.Resolve(ctx, "tmpl_order_shipped", "v1")
	assert.NoError(err)
	assert.Equal("v1", tmpl.Version)
	assert.Equal(int64(1), store.reads.Load())
}

func TestInvalidateDropsBothTiers(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	shared := cache.New(rdb)

	store := &countingStore{TemplateStore: repository.NewMemTemplateStore()}
	assert.NoError(store.TemplateStore.Create(ctx, orderTemplate()))

	cfg := config.TemplateConfig{CacheTTL: time.Minute}
	r := NewResolver(NewEngine(zap.NewNop()), store, shared, cfg, zap.NewNop())

	_, _, err := r.Resolve(ctx, "tmpl_order_shipped", "v1")
	assert.NoError(err)

	r.Invalidate(ctx, "tmpl_order_shipped", "v1")

	_, _, err = r.Resolve(ctx, "tmpl_order_shipped", "v1")
	assert.NoError(err)
	assert.Equal(int64(2), store.reads.Load(), "invalidation should force a store reload")
}
