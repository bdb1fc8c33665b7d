package billing

import (
	"context"
	"errors"
	"testing"

	"github.com/GoCodeAlone/controlplane/catalog"
	"github.com/GoCodeAlone/controlplane/entitlement"
	"github.com/GoCodeAlone/controlplane/store"
	"github.com/GoCodeAlone/controlplane/tenant"
)

type testEngine struct {
	store    *store.MemoryStore
	ents     *entitlement.Service
	ledger   *tenant.Ledger
	pipeline *Pipeline
	recorder *countingRecorder
}

func newTestEngine(t *testing.T) *testEngine {
	t.Helper()
	st := store.NewMemoryStore()
	ents := entitlement.NewService(st, st, entitlement.NewLocalCache(entitlement.LocalCacheConfig{}), nil)
	ledger := tenant.NewLedger(st, ents, nil)
	prop := NewPropagator(ledger, st, ents, nil)
	sm := NewStateMachine(st, testPrices, prop, nil)
	norm := NewNormalizer(st, map[Channel]Verifier{
		ChannelWebhook: NewStripeVerifier(testSecret),
		ChannelPartner: NewPartnerVerifier("", ""),
	}, nil)
	rec := newCountingRecorder()
	return &testEngine{
		store:    st,
		ents:     ents,
		ledger:   ledger,
		pipeline: NewPipeline(norm, sm, nil, WithRecorder(rec)),
		recorder: rec,
	}
}

func (e *testEngine) deliver(t *testing.T, body []byte) (*Report, error) {
	t.Helper()
	return e.pipeline.Process(context.Background(), signedRaw(t, body))
}

func subscriptionObject(subID, customer, status, price string) map[string]any {
	return map[string]any{
		"id":       subID,
		"object":   "subscription",
		"customer": customer,
		"status":   status,
		"items": map[string]any{"data": []any{
			map[string]any{"price": map[string]any{"id": price}},
		}},
	}
}

func TestPipeline_UpgradeReflectsImmediately(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	if _, err := e.ents.EnsurePrincipal(ctx, "u1", "t1"); err != nil {
		t.Fatalf("EnsurePrincipal: %v", err)
	}
	c, err := e.ledger.TryConsume(ctx, "u1", catalog.ResourceCreations, 3)
	if err != nil || !c.Granted || c.Limit != catalog.PlanFree.Limits.Creations {
		t.Fatalf("free consumption: %+v %v", c, err)
	}

	checkout := eventJSON(t, "evt_cs", EventCheckoutCompleted, 1000, map[string]any{
		"id": "cs_1", "object": "checkout.session", "mode": "subscription",
		"client_reference_id": "t1", "customer": "cus_1", "subscription": "sub_1",
	})
	if rep, err := e.deliver(t, checkout); err != nil || rep.Outcome != OutcomeApplied {
		t.Fatalf("checkout: %+v %v", rep, err)
	}

	created := eventJSON(t, "evt_created", EventSubscriptionCreated, 1000, subscriptionObject("sub_1", "cus_1", "active", "price_pro"))
	rep, err := e.deliver(t, created)
	if err != nil {
		t.Fatalf("created: %v", err)
	}
	if rep.Outcome != OutcomeApplied || !rep.Transition.TierChanged {
		t.Fatalf("expected applied tier change, got %+v", rep.Transition)
	}

	st, err := e.ledger.Status(ctx, "u1", catalog.ResourceCreations)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Limit != catalog.PlanPro.Limits.Creations || st.Usage != 3 {
		t.Errorf("expected pro limit with usage kept, got %+v", st)
	}
	ent, err := e.ents.Entitlement(ctx, "u1")
	if err != nil {
		t.Fatalf("Entitlement: %v", err)
	}
	if ent.Tier != catalog.TierPro || !ent.Has(catalog.PermAPIAccess) {
		t.Errorf("cached entitlement should reflect the upgrade, got %+v", ent)
	}

	rep, err = e.deliver(t, created)
	if err != nil || rep.Outcome != OutcomeDuplicate {
		t.Errorf("redelivery: expected duplicate, got %+v %v", rep, err)
	}

	deleted := eventJSON(t, "evt_deleted", EventSubscriptionDeleted, 2000, subscriptionObject("sub_1", "cus_1", "canceled", "price_pro"))
	if rep, err := e.deliver(t, deleted); err != nil || rep.Transition.NewStatus != store.StatusCanceled {
		t.Fatalf("deleted: %+v %v", rep, err)
	}
	st, _ = e.ledger.Status(ctx, "u1", catalog.ResourceCreations)
	if st.Limit != catalog.PlanFree.Limits.Creations || st.Usage != 3 {
		t.Errorf("expected free limit with usage kept, got %+v", st)
	}
	if e.recorder.tiers != 2 {
		t.Errorf("expected 2 tier changes recorded, got %d", e.recorder.tiers)
	}
}

func TestPipeline_SameEventOnBothChannels(t *testing.T) {
	e := newTestEngine(t)
	body := eventJSON(t, "evt_both", EventSubscriptionUpdated, 1000, map[string]any{
		"id": "sub_1", "object": "subscription", "status": "active", "metadata": map[string]any{"tenant_id": "t1"},
	})
	rep, err := e.deliver(t, body)
	if err != nil || rep.Outcome != OutcomeApplied {
		t.Fatalf("webhook delivery: %+v %v", rep, err)
	}
	rep, err = e.pipeline.Process(context.Background(), &RawEvent{
		Channel: ChannelPartner,
		Body:    partnerBody(t, "aws.partner/stripe.com/ed_1", "123456789012", body),
	})
	if err != nil || rep.Outcome != OutcomeDuplicate {
		t.Errorf("partner delivery of the same id: expected duplicate, got %+v %v", rep, err)
	}
}

func TestPipeline_InvalidIsNotRecorded(t *testing.T) {
	e := newTestEngine(t)
	body := eventJSON(t, "evt_forged", EventSubscriptionUpdated, 1000, map[string]any{"id": "sub_1", "status": "active"})
	raw := &RawEvent{Channel: ChannelWebhook, Body: body, Signature: "t=1,v1=deadbeef"}
	rep, err := e.pipeline.Process(context.Background(), raw)
	if !errors.Is(err, ErrInvalidEvent) || rep.Outcome != OutcomeInvalid {
		t.Fatalf("expected invalid, got %+v %v", rep, err)
	}
	if _, err := e.store.GetEvent(context.Background(), "evt_forged"); !errors.Is(err, store.ErrNotFound) {
		t.Error("invalid events must not be recorded")
	}
}

func TestPipeline_MalformedIsRecorded(t *testing.T) {
	e := newTestEngine(t)
	body := eventJSON(t, "evt_bad", EventSubscriptionUpdated, 1000, map[string]any{
		"id": "sub_1", "object": "subscription", "metadata": map[string]any{"tenant_id": "t1"},
	})
	rep, err := e.deliver(t, body)
	if err != nil || rep.Outcome != OutcomeMalformed {
		t.Fatalf("expected malformed with nil error, got %+v %v", rep, err)
	}
	if _, err := e.store.GetEvent(context.Background(), "evt_bad"); err != nil {
		t.Errorf("malformed events keep their record, got %v", err)
	}
	if rep, _ := e.deliver(t, body); rep.Outcome != OutcomeDuplicate {
		t.Errorf("malformed redelivery should be a duplicate, got %s", rep.Outcome)
	}
}

func TestPipeline_ReleasesOnTransientFailure(t *testing.T) {
	events := store.NewMemoryStore()
	subs := store.NewMemoryStore()
	prop := &fakePropagator{}
	norm := NewNormalizer(events, map[Channel]Verifier{ChannelWebhook: NewStripeVerifier(testSecret)}, nil)
	p := NewPipeline(norm, NewStateMachine(subs, testPrices, prop, nil), nil)
	ctx := context.Background()

	body := eventJSON(t, "evt_retry", EventSubscriptionUpdated, 1000, map[string]any{
		"id": "sub_1", "object": "subscription", "status": "active", "metadata": map[string]any{"tenant_id": "t1"},
	})
	subs.FailWith(errors.New("throttled"))
	rep, err := p.Process(ctx, signedRaw(t, body))
	if !errors.Is(err, store.ErrUnavailable) || rep.Outcome != OutcomeFailed {
		t.Fatalf("expected transient failure, got %+v %v", rep, err)
	}
	if _, err := events.GetEvent(ctx, "evt_retry"); !errors.Is(err, store.ErrNotFound) {
		t.Fatal("transient failures must release the event record")
	}

	subs.FailWith(nil)
	rep, err = p.Process(ctx, signedRaw(t, body))
	if err != nil || rep.Outcome != OutcomeApplied || rep.Transition.NewStatus != store.StatusActive {
		t.Errorf("redelivery should apply, got %+v %v", rep, err)
	}
}

func TestPropagator_IdempotentAndKeepsRoleFloor(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	for _, p := range []*store.Principal{
		{ID: "u1", TenantID: "t1"},
		{ID: "u2", TenantID: "t1", Role: catalog.RoleExtreme},
	} {
		if err := e.store.CreatePrincipal(ctx, p); err != nil {
			t.Fatalf("CreatePrincipal: %v", err)
		}
		if _, err := e.ledger.TryConsume(ctx, p.ID, catalog.ResourceExecutions, 1); err != nil {
			t.Fatalf("TryConsume: %v", err)
		}
	}
	if err := e.store.PutSubscription(ctx, &store.Subscription{
		TenantID: "t1", SubscriptionID: "sub_1", Status: store.StatusActive, Tier: catalog.TierBasic,
	}); err != nil {
		t.Fatalf("PutSubscription: %v", err)
	}

	prop := NewPropagator(e.ledger, e.store, e.ents, nil)
	if err := prop.OnTierChange(ctx, "t1", catalog.TierFree, catalog.TierBasic); err != nil {
		t.Fatalf("OnTierChange: %v", err)
	}
	s1, _ := e.ledger.Status(ctx, "u1", catalog.ResourceExecutions)
	s2, _ := e.ledger.Status(ctx, "u2", catalog.ResourceExecutions)
	if s1.Limit != catalog.PlanBasic.Limits.Executions {
		t.Errorf("u1: expected basic limit, got %v", s1.Limit)
	}
	if s2.Limit != catalog.PlanExtreme.Limits.Executions {
		t.Errorf("u2: explicit extreme role should keep its limit, got %v", s2.Limit)
	}

	n, err := e.ledger.SyncLimits(ctx, "t1", func(ctx context.Context, pid string) (catalog.LimitSet, error) {
		_, limits, err := e.ents.QuotaLimits(ctx, pid)
		return limits, err
	})
	if err != nil || n != 0 {
		t.Errorf("repeating propagation should change nothing, got %d %v", n, err)
	}
}
