package billing

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/GoCodeAlone/controlplane/catalog"
	"github.com/GoCodeAlone/controlplane/entitlement"
	"github.com/GoCodeAlone/controlplane/store"
	"github.com/GoCodeAlone/controlplane/tenant"
)

// replica is one control plane process sharing a record store with others.
type replica struct {
	ents     *entitlement.Service
	ledger   *tenant.Ledger
	pipeline *Pipeline
}

func newReplica(st *store.MemoryStore, cache entitlement.Cache) *replica {
	ents := entitlement.NewService(st, st, cache, nil)
	ledger := tenant.NewLedger(st, ents, nil)
	sm := NewStateMachine(st, testPrices, NewPropagator(ledger, st, ents, nil), nil)
	norm := NewNormalizer(st, map[Channel]Verifier{ChannelWebhook: NewStripeVerifier(testSecret)}, nil)
	return &replica{ents: ents, ledger: ledger, pipeline: NewPipeline(norm, sm, nil)}
}

func upgradeToPro(t *testing.T, r *replica) {
	t.Helper()
	ctx := context.Background()
	checkout := eventJSON(t, "evt_cs", EventCheckoutCompleted, 1000, map[string]any{
		"id": "cs_1", "object": "checkout.session", "mode": "subscription",
		"client_reference_id": "t1", "customer": "cus_1", "subscription": "sub_1",
	})
	if rep, err := r.pipeline.Process(ctx, signedRaw(t, checkout)); err != nil || rep.Outcome != OutcomeApplied {
		t.Fatalf("checkout: %+v %v", rep, err)
	}
	created := eventJSON(t, "evt_created", EventSubscriptionCreated, 1000, subscriptionObject("sub_1", "cus_1", "active", "price_pro"))
	if rep, err := r.pipeline.Process(ctx, signedRaw(t, created)); err != nil || !rep.Transition.TierChanged {
		t.Fatalf("created: %+v %v", rep, err)
	}
}

func TestReplicas_LedgerSnapshotIgnoresPeerCache(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	a := newReplica(st, entitlement.NewLocalCache(entitlement.LocalCacheConfig{}))
	b := newReplica(st, entitlement.NewLocalCache(entitlement.LocalCacheConfig{}))

	if _, err := b.ents.EnsurePrincipal(ctx, "u1", "t1"); err != nil {
		t.Fatalf("EnsurePrincipal: %v", err)
	}
	ent, err := b.ents.Entitlement(ctx, "u1")
	if err != nil || ent.Tier != catalog.TierFree {
		t.Fatalf("warm: %+v %v", ent, err)
	}

	upgradeToPro(t, a)

	c, err := b.ledger.TryConsume(ctx, "u1", catalog.ResourceCreations, 1)
	if err != nil || !c.Granted {
		t.Fatalf("TryConsume: %+v %v", c, err)
	}
	if c.Limit != catalog.PlanPro.Limits.Creations {
		t.Errorf("period snapshot should carry the pro limit, got %v", c.Limit)
	}
	s, err := b.ledger.Status(ctx, "u1", catalog.ResourceCreations)
	if err != nil || s.Limit != catalog.PlanPro.Limits.Creations {
		t.Errorf("stored snapshot: %+v %v", s, err)
	}
}

func TestReplicas_SharedRedisCacheSeesUpgrade(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	st := store.NewMemoryStore()
	a := newReplica(st, entitlement.NewRedisCache(client, "cp:", time.Minute, nil))
	b := newReplica(st, entitlement.NewRedisCache(client, "cp:", time.Minute, nil))

	if _, err := b.ents.EnsurePrincipal(ctx, "u1", "t1"); err != nil {
		t.Fatalf("EnsurePrincipal: %v", err)
	}
	if ent, err := b.ents.Entitlement(ctx, "u1"); err != nil || ent.Tier != catalog.TierFree {
		t.Fatalf("warm: %+v %v", ent, err)
	}

	upgradeToPro(t, a)

	ent, err := b.ents.Entitlement(ctx, "u1")
	if err != nil {
		t.Fatalf("Entitlement: %v", err)
	}
	if ent.Tier != catalog.TierPro || !ent.Has(catalog.PermAPIAccess) {
		t.Errorf("peer replica should see the upgrade, got %+v", ent)
	}
}
