package entitlement

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/GoCodeAlone/controlplane/catalog"
	"github.com/GoCodeAlone/controlplane/store"
)

func seed(t *testing.T, st *store.MemoryStore, tier catalog.Tier) {
	t.Helper()
	ctx := context.Background()
	if err := st.CreatePrincipal(ctx, &store.Principal{ID: "u1", TenantID: "t1"}); err != nil {
		t.Fatalf("CreatePrincipal: %v", err)
	}
	if err := st.PutSubscription(ctx, &store.Subscription{
		TenantID: "t1", SubscriptionID: "sub_1", Status: store.StatusActive, Tier: tier,
	}); err != nil {
		t.Fatalf("PutSubscription: %v", err)
	}
}

func TestService_Entitlement(t *testing.T) {
	st := store.NewMemoryStore()
	seed(t, st, catalog.TierPro)
	svc := NewService(st, st, nil, nil)

	e, err := svc.Entitlement(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Entitlement: %v", err)
	}
	if e.Tier != catalog.TierPro || !e.Has(catalog.PermAPIAccess) {
		t.Errorf("unexpected entitlement %+v", e)
	}
	tenantID, limits, err := svc.QuotaLimits(context.Background(), "u1")
	if err != nil || tenantID != "t1" || limits != catalog.PlanPro.Limits {
		t.Errorf("unexpected quota limits %q %+v %v", tenantID, limits, err)
	}
}

func TestService_UnknownPrincipal(t *testing.T) {
	svc := NewService(store.NewMemoryStore(), store.NewMemoryStore(), nil, nil)
	if _, err := svc.Entitlement(context.Background(), "ghost"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestService_StoreUnavailable(t *testing.T) {
	st := store.NewMemoryStore()
	seed(t, st, catalog.TierPro)
	st.FailWith(errors.New("timeout"))
	svc := NewService(st, st, nil, nil)
	if _, err := svc.Entitlement(context.Background(), "u1"); !errors.Is(err, store.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestService_CacheInvalidation(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	seed(t, st, catalog.TierBasic)
	svc := NewService(st, st, NewLocalCache(LocalCacheConfig{}), nil)

	e, _ := svc.Entitlement(ctx, "u1")
	if e.Tier != catalog.TierBasic {
		t.Fatalf("expected basic, got %q", e.Tier)
	}
	sub, _ := st.GetSubscription(ctx, "t1")
	sub.Tier = catalog.TierExtreme
	if err := st.PutSubscription(ctx, sub); err != nil {
		t.Fatalf("PutSubscription: %v", err)
	}

	e, _ = svc.Entitlement(ctx, "u1")
	if e.Tier != catalog.TierBasic {
		t.Fatalf("expected cached basic before invalidation, got %q", e.Tier)
	}
	svc.InvalidateTenant(ctx, "t1")
	e, _ = svc.Entitlement(ctx, "u1")
	if e.Tier != catalog.TierExtreme {
		t.Errorf("expected extreme after invalidation, got %q", e.Tier)
	}
}

func TestService_ReturnsIndependentCopies(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	seed(t, st, catalog.TierFree)
	svc := NewService(st, st, NewLocalCache(LocalCacheConfig{}), nil)

	e, _ := svc.Entitlement(ctx, "u1")
	e.Permissions.Add(catalog.PermQuotasReset)
	again, _ := svc.Entitlement(ctx, "u1")
	if again.Has(catalog.PermQuotasReset) {
		t.Error("mutating a returned entitlement must not leak into the cache")
	}
}

func TestService_EnsurePrincipal(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	svc := NewService(st, st, nil, nil)

	p, err := svc.EnsurePrincipal(ctx, "new", "")
	if err != nil {
		t.Fatalf("EnsurePrincipal: %v", err)
	}
	if p.Role != catalog.RoleImplicit || p.BillingTenant() != "new" {
		t.Errorf("unexpected principal %+v", p)
	}
	again, err := svc.EnsurePrincipal(ctx, "new", "other")
	if err != nil || again.TenantID != "" {
		t.Errorf("existing principal should be returned unchanged, got %+v %v", again, err)
	}
}

// --- caches ---

func fill(ctx context.Context, c Cache, e *Entitlement) {
	epoch, _ := c.Epoch(ctx)
	c.Set(ctx, e, epoch)
}

// A load that straddles an invalidation must not be cached.
func testStaleFillDropped(t *testing.T, c Cache) {
	t.Helper()
	ctx := context.Background()

	epoch, ok := c.Epoch(ctx)
	if !ok {
		t.Fatal("expected an epoch")
	}
	c.InvalidateTenant(ctx, "t1")
	c.Set(ctx, &Entitlement{PrincipalID: "u1", TenantID: "t1", Tier: catalog.TierFree}, epoch)
	if _, ok := c.Get(ctx, "u1"); ok {
		t.Error("fill started before a tenant invalidation should be dropped")
	}

	epoch, _ = c.Epoch(ctx)
	c.InvalidatePrincipal(ctx, "u2")
	c.Set(ctx, &Entitlement{PrincipalID: "u2", TenantID: "t2"}, epoch)
	if _, ok := c.Get(ctx, "u2"); ok {
		t.Error("fill started before a principal invalidation should be dropped")
	}

	fill(ctx, c, &Entitlement{PrincipalID: "u1", TenantID: "t1", Tier: catalog.TierPro})
	if e, ok := c.Get(ctx, "u1"); !ok || e.Tier != catalog.TierPro {
		t.Errorf("fill with a current epoch should hit, got %+v %v", e, ok)
	}
}

func TestLocalCache_StaleFillDropped(t *testing.T) {
	testStaleFillDropped(t, NewLocalCache(LocalCacheConfig{}))
}

func TestRedisCache_StaleFillDropped(t *testing.T) {
	c, _ := newTestRedisCache(t)
	testStaleFillDropped(t, c)
}

func TestService_QuotaLimitsBypassCache(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	seed(t, st, catalog.TierBasic)
	svc := NewService(st, st, NewLocalCache(LocalCacheConfig{}), nil)

	if _, err := svc.Entitlement(ctx, "u1"); err != nil {
		t.Fatalf("Entitlement: %v", err)
	}
	// Another replica upgrades the tenant; this replica's cache is not told.
	sub, _ := st.GetSubscription(ctx, "t1")
	sub.Tier = catalog.TierPro
	if err := st.PutSubscription(ctx, sub); err != nil {
		t.Fatalf("PutSubscription: %v", err)
	}

	_, limits, err := svc.QuotaLimits(ctx, "u1")
	if err != nil {
		t.Fatalf("QuotaLimits: %v", err)
	}
	if limits != catalog.PlanPro.Limits {
		t.Errorf("limit snapshot must come from the store, got %+v", limits)
	}
}

func TestLocalCache_TTLAndEviction(t *testing.T) {
	ctx := context.Background()
	c := NewLocalCache(LocalCacheConfig{MaxSize: 2, TTL: time.Minute})
	now := time.Now()
	c.now = func() time.Time { return now }

	fill(ctx, c, &Entitlement{PrincipalID: "a", TenantID: "t"})
	fill(ctx, c, &Entitlement{PrincipalID: "b", TenantID: "t"})
	c.Get(ctx, "a")
	fill(ctx, c, &Entitlement{PrincipalID: "c", TenantID: "t"})

	if _, ok := c.Get(ctx, "b"); ok {
		t.Error("least recently used entry should be evicted")
	}
	if _, ok := c.Get(ctx, "a"); !ok {
		t.Error("recently used entry should survive")
	}
	if c.Stats().Evictions != 1 {
		t.Errorf("expected 1 eviction, got %d", c.Stats().Evictions)
	}

	now = now.Add(2 * time.Minute)
	if _, ok := c.Get(ctx, "a"); ok {
		t.Error("expired entry should miss")
	}
}

func TestLocalCache_InvalidatePrincipal(t *testing.T) {
	ctx := context.Background()
	c := NewLocalCache(LocalCacheConfig{})
	fill(ctx, c, &Entitlement{PrincipalID: "a", TenantID: "t"})
	c.InvalidatePrincipal(ctx, "a")
	if _, ok := c.Get(ctx, "a"); ok {
		t.Error("invalidated principal should miss")
	}
}

func newTestRedisCache(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisCache(client, "test:", time.Minute, nil), mr
}

func TestRedisCache_GenerationInvalidation(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestRedisCache(t)

	e := Resolve(Subject{PrincipalID: "u1", TenantID: "t1", Tier: catalog.TierPro})
	fill(ctx, c, e)
	got, ok := c.Get(ctx, "u1")
	if !ok {
		t.Fatal("expected cache hit")
	}
	if got.Tier != catalog.TierPro || !got.Has(catalog.PermAPIAccess) {
		t.Errorf("unexpected cached entitlement %+v", got)
	}

	c.InvalidateTenant(ctx, "t1")
	if _, ok := c.Get(ctx, "u1"); ok {
		t.Error("tenant invalidation should hide the entry")
	}

	fill(ctx, c, e)
	if _, ok := c.Get(ctx, "u1"); !ok {
		t.Error("entry stored under the new generation should hit")
	}
	c.InvalidatePrincipal(ctx, "u1")
	if _, ok := c.Get(ctx, "u1"); ok {
		t.Error("principal invalidation should delete the entry")
	}
}

func TestRedisCache_TTL(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestRedisCache(t)
	fill(ctx, c, &Entitlement{PrincipalID: "u1", TenantID: "t1"})
	mr.FastForward(2 * time.Minute)
	if _, ok := c.Get(ctx, "u1"); ok {
		t.Error("entry should expire with its TTL")
	}
}

func TestRedisCache_DownIsMiss(t *testing.T) {
	c, mr := newTestRedisCache(t)
	mr.Close()
	if _, ok := c.Get(context.Background(), "u1"); ok {
		t.Error("unreachable redis should miss")
	}
}
