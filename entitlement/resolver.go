// Package entitlement computes what a principal may do and how much of each
// metered resource it may consume.
package entitlement

import (
	"github.com/GoCodeAlone/controlplane/catalog"
	"github.com/GoCodeAlone/controlplane/store"
)

// Subject is every input resolution depends on.
type Subject struct {
	PrincipalID string
	TenantID    string
	Role        catalog.Role
	// Tier is the tier granted by the tenant's subscription, already reduced
	// to free for non-entitling statuses.
	Tier        catalog.Tier
	Disabled    bool
	Memberships []store.Membership
	Grants      []catalog.Permission
	Revocations []catalog.Permission
}

// SubjectFor builds a Subject from stored records. sub may be nil.
func SubjectFor(p *store.Principal, sub *store.Subscription) Subject {
	return Subject{
		PrincipalID: p.ID,
		TenantID:    p.BillingTenant(),
		Role:        p.Role,
		Tier:        sub.EffectiveTier(),
		Disabled:    p.Status == store.PrincipalDisabled,
		Memberships: p.Memberships,
		Grants:      p.Grants,
		Revocations: p.Revocations,
	}
}

// Entitlement is the computed permission set and limit set of a principal.
type Entitlement struct {
	PrincipalID string                `json:"principal_id"`
	TenantID    string                `json:"tenant_id"`
	Role        catalog.Role          `json:"role"`
	Tier        catalog.Tier          `json:"tier"`
	Permissions catalog.PermissionSet `json:"permissions"`
	Limits      catalog.LimitSet      `json:"limits"`
}

// Has reports whether the entitlement includes p.
func (e *Entitlement) Has(p catalog.Permission) bool {
	return e != nil && e.Permissions.Has(p)
}

// effectiveRole picks the hierarchy rung whose permissions apply. Explicit
// tier roles act as a floor under the subscription tier; internal and
// anonymous roles stand on their own. ok is false for unrecognized roles.
func effectiveRole(role catalog.Role, tier catalog.Tier) (catalog.Role, bool) {
	tierRole, tierOK := catalog.RoleForTier(tier)
	switch {
	case role == catalog.RoleImplicit:
		return tierRole, tierOK
	case !role.Known():
		return role, false
	case role.IsInternal(), role == catalog.RoleAnonymous:
		return role, true
	case tierOK && tierRole.Rank() > role.Rank():
		return tierRole, true
	default:
		return role, true
	}
}

// Resolve computes role permissions ∪ grants − revocations with the limits of
// the role's tier. Unrecognized roles and disabled principals resolve to an
// empty permission set with free limits. Resolve has no side effects.
func Resolve(s Subject) *Entitlement {
	e := &Entitlement{
		PrincipalID: s.PrincipalID,
		TenantID:    s.TenantID,
		Role:        s.Role,
		Tier:        catalog.TierFree,
		Permissions: catalog.NewPermissionSet(),
		Limits:      catalog.LimitsFor(catalog.TierFree),
	}
	if s.Disabled {
		return e
	}
	role, ok := effectiveRole(s.Role, s.Tier)
	if !ok {
		return e
	}
	perms, ok := catalog.PermissionsFor(role)
	if !ok {
		return e
	}
	for _, m := range s.Memberships {
		if m.Active {
			perms.Add(catalog.OrgPermissions(m.Role)...)
		}
	}
	perms.Add(s.Grants...)
	perms.Remove(s.Revocations...)

	tier, _ := role.Tier()
	e.Role = role
	e.Tier = tier
	e.Permissions = perms
	e.Limits = catalog.LimitsFor(tier)
	return e
}
