package entitlement

import (
	"testing"

	"github.com/GoCodeAlone/controlplane/catalog"
	"github.com/GoCodeAlone/controlplane/store"
)

func TestResolve_EffectiveRole(t *testing.T) {
	tests := []struct {
		name     string
		role     catalog.Role
		tier     catalog.Tier
		wantRole catalog.Role
		wantTier catalog.Tier
	}{
		{"implicit follows subscription", catalog.RoleImplicit, catalog.TierPro, catalog.RolePro, catalog.TierPro},
		{"implicit without subscription", catalog.RoleImplicit, catalog.TierFree, catalog.RoleFree, catalog.TierFree},
		{"explicit tier role is a floor", catalog.RoleBasic, catalog.TierExtreme, catalog.RoleExtreme, catalog.TierExtreme},
		{"explicit tier above subscription", catalog.RoleExtreme, catalog.TierFree, catalog.RoleExtreme, catalog.TierExtreme},
		{"admin ignores subscription", catalog.RoleAdmin, catalog.TierFree, catalog.RoleAdmin, catalog.TierEnterprise},
		{"anonymous stays anonymous", catalog.RoleAnonymous, catalog.TierPro, catalog.RoleAnonymous, catalog.TierFree},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := Resolve(Subject{PrincipalID: "u1", Role: tt.role, Tier: tt.tier})
			if e.Role != tt.wantRole || e.Tier != tt.wantTier {
				t.Errorf("got role %q tier %q, want %q %q", e.Role, e.Tier, tt.wantRole, tt.wantTier)
			}
			want, _ := catalog.PermissionsFor(tt.wantRole)
			if len(e.Permissions) != len(want) || !want.SubsetOf(e.Permissions) {
				t.Errorf("permissions do not match role %q", tt.wantRole)
			}
			if e.Limits != catalog.LimitsFor(tt.wantTier) {
				t.Errorf("limits do not match tier %q", tt.wantTier)
			}
		})
	}
}

func TestResolve_UnknownRoleFailsClosed(t *testing.T) {
	e := Resolve(Subject{
		PrincipalID: "u1",
		Role:        "superuser",
		Tier:        catalog.TierEnterprise,
		Grants:      []catalog.Permission{catalog.PermQuotasReset},
	})
	if len(e.Permissions) != 0 {
		t.Errorf("expected empty permission set, got %v", e.Permissions.Sorted())
	}
	if e.Limits != catalog.PlanFree.Limits {
		t.Errorf("expected free limits, got %+v", e.Limits)
	}
	if e.Has(catalog.PermPostsRead) {
		t.Error("unknown role must not read posts")
	}
}

func TestResolve_DisabledPrincipal(t *testing.T) {
	e := Resolve(Subject{PrincipalID: "u1", Role: catalog.RoleAdmin, Disabled: true})
	if len(e.Permissions) != 0 {
		t.Errorf("disabled principal should have no permissions, got %v", e.Permissions.Sorted())
	}
}

func TestResolve_GrantsAndRevocations(t *testing.T) {
	e := Resolve(Subject{
		PrincipalID: "u1",
		Tier:        catalog.TierBasic,
		Grants:      []catalog.Permission{catalog.PermAPIAccess, catalog.PermDatasetsExport},
		Revocations: []catalog.Permission{catalog.PermDatasetsExport, catalog.PermPostsCreate},
	})
	if !e.Has(catalog.PermAPIAccess) {
		t.Error("grant should add api:access")
	}
	if e.Has(catalog.PermDatasetsExport) {
		t.Error("revocation applies after grants")
	}
	if e.Has(catalog.PermPostsCreate) {
		t.Error("revocation should remove a role-derived permission")
	}
	if !e.Has(catalog.PermAIObjectsCreate) {
		t.Error("basic permissions should remain")
	}
}

func TestResolve_Memberships(t *testing.T) {
	e := Resolve(Subject{
		PrincipalID: "u1",
		Tier:        catalog.TierFree,
		Memberships: []store.Membership{
			{OrgID: "o1", Role: catalog.OrgRoleMember, Active: true},
			{OrgID: "o2", Role: catalog.OrgRoleOwner, Active: false},
		},
	})
	if !e.Has(catalog.PermOrgsRead) {
		t.Error("active membership should add orgs:read")
	}
	if e.Has(catalog.PermOrgsManage) {
		t.Error("inactive ownership must not add orgs:manage")
	}
}

func TestResolve_InternalRolesThroughSamePath(t *testing.T) {
	admin := Resolve(Subject{PrincipalID: "a", Role: catalog.RoleAdmin})
	ent := Resolve(Subject{PrincipalID: "e", Tier: catalog.TierEnterprise})
	if !ent.Permissions.SubsetOf(admin.Permissions) {
		t.Error("admin should hold every enterprise permission")
	}
	revoked := Resolve(Subject{PrincipalID: "a", Role: catalog.RoleAdmin, Revocations: []catalog.Permission{catalog.PermQuotasReset}})
	if revoked.Has(catalog.PermQuotasReset) {
		t.Error("revocations apply to internal roles too")
	}
}

func TestResolve_Monotonic(t *testing.T) {
	tiers := catalog.Tiers()
	for i := 1; i < len(tiers); i++ {
		lower := Resolve(Subject{PrincipalID: "u", Tier: tiers[i-1]})
		higher := Resolve(Subject{PrincipalID: "u", Tier: tiers[i]})
		if !lower.Permissions.SubsetOf(higher.Permissions) {
			t.Errorf("%s is not a superset of %s", tiers[i], tiers[i-1])
		}
	}
}

func TestSubjectFor_NonEntitlingSubscription(t *testing.T) {
	p := &store.Principal{ID: "u1", TenantID: "t1"}
	sub := &store.Subscription{TenantID: "t1", Status: store.StatusCanceled, Tier: catalog.TierPro}
	e := Resolve(SubjectFor(p, sub))
	if e.Tier != catalog.TierFree || e.TenantID != "t1" {
		t.Errorf("canceled subscription should resolve to free, got %q for tenant %q", e.Tier, e.TenantID)
	}
}
