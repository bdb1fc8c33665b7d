package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
)

// Permission is a capability string in "resource:action" form.
type Permission string

// Product permissions, granted through the tier hierarchy.
const (
	PermPostsRead          Permission = "posts:read"
	PermPostsCreate        Permission = "posts:create"
	PermExperimentsRead    Permission = "experiments:read"
	PermExperimentsCreate  Permission = "experiments:create"
	PermDatasetsRead       Permission = "datasets:read"
	PermDatasetsCreate     Permission = "datasets:create"
	PermAIObjectsCreate    Permission = "ai-objects:create"
	PermWorkflowsExecute   Permission = "workflows:execute"
	PermDatasetsExport     Permission = "datasets:export"
	PermAPIAccess          Permission = "api:access"
	PermExperimentsShare   Permission = "experiments:share"
	PermWorkflowsSchedule  Permission = "workflows:schedule"
	PermOrgsRead           Permission = "orgs:read"
	PermOrgsManage         Permission = "orgs:manage"
	PermSSOConfigure       Permission = "sso:configure"
	PermAuditExport        Permission = "audit:export"
	PermEntitlementsRead   Permission = "entitlements:read"
	PermQuotasRead         Permission = "quotas:read"
	PermSubscriptionsRead  Permission = "subscriptions:read"
	PermQuotasAdjust       Permission = "quotas:adjust"
	PermQuotasReset        Permission = "quotas:reset"
	PermPermissionsGrant   Permission = "permissions:grant"
	PermPermissionsRevoke  Permission = "permissions:revoke"
	PermSubscriptionsWrite Permission = "subscriptions:write"
)

// Resource returns the part before the colon.
func (p Permission) Resource() string {
	res, _, _ := strings.Cut(string(p), ":")
	return res
}

// Action returns the part after the colon.
func (p Permission) Action() string {
	_, act, _ := strings.Cut(string(p), ":")
	return act
}

// ParsePermission validates a "resource:action" string.
func ParsePermission(s string) (Permission, error) {
	res, act, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || res == "" || act == "" || strings.Contains(act, ":") {
		return "", errors.New("catalog: invalid permission format, expected resource:action")
	}
	return Permission(res + ":" + act), nil
}

// PermissionSet is an unordered set of permissions.
type PermissionSet map[Permission]struct{}

// NewPermissionSet builds a set from the given permissions.
func NewPermissionSet(perms ...Permission) PermissionSet {
	s := make(PermissionSet, len(perms))
	for _, p := range perms {
		s[p] = struct{}{}
	}
	return s
}

// Has reports whether p is in the set. A nil set has nothing.
func (s PermissionSet) Has(p Permission) bool {
	_, ok := s[p]
	return ok
}

// Add inserts all perms.
func (s PermissionSet) Add(perms ...Permission) {
	for _, p := range perms {
		s[p] = struct{}{}
	}
}

// Remove deletes all perms.
func (s PermissionSet) Remove(perms ...Permission) {
	for _, p := range perms {
		delete(s, p)
	}
}

// Clone returns an independent copy.
func (s PermissionSet) Clone() PermissionSet {
	cp := make(PermissionSet, len(s))
	for p := range s {
		cp[p] = struct{}{}
	}
	return cp
}

// SubsetOf reports whether every permission in s is also in other.
func (s PermissionSet) SubsetOf(other PermissionSet) bool {
	for p := range s {
		if !other.Has(p) {
			return false
		}
	}
	return true
}

// Sorted returns the permissions in lexical order.
func (s PermissionSet) Sorted() []Permission {
	out := make([]Permission, 0, len(s))
	for p := range s {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}

// MarshalJSON encodes the set as a sorted array.
func (s PermissionSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Sorted())
}

// UnmarshalJSON decodes an array of permission strings.
func (s *PermissionSet) UnmarshalJSON(data []byte) error {
	var perms []Permission
	if err := json.Unmarshal(data, &perms); err != nil {
		return err
	}
	*s = NewPermissionSet(perms...)
	return nil
}

// Role is the role assigned to a principal. The empty role means the
// principal's permissions come from its subscription tier.
type Role string

// Roles in hierarchy order. Tier roles share their name with the tier.
const (
	RoleImplicit   Role = ""
	RoleAnonymous  Role = "anonymous"
	RoleFree       Role = "free"
	RoleBasic      Role = "basic"
	RolePro        Role = "pro"
	RoleExtreme    Role = "extreme"
	RoleEnterprise Role = "enterprise"
	RoleSupport    Role = "support"
	RoleAdmin      Role = "admin"
)

// level is one rung of the role hierarchy. Each rung owns every permission
// of the rungs below it plus its own additions.
type level struct {
	role Role
	tier Tier // limits applied to principals at this rung
	adds []Permission
}

var hierarchy = []level{
	{role: RoleAnonymous, tier: TierFree, adds: []Permission{
		PermPostsRead,
	}},
	{role: RoleFree, tier: TierFree, adds: []Permission{
		PermPostsCreate,
		PermExperimentsRead,
		PermExperimentsCreate,
		PermDatasetsRead,
		PermDatasetsCreate,
	}},
	{role: RoleBasic, tier: TierBasic, adds: []Permission{
		PermAIObjectsCreate,
		PermWorkflowsExecute,
	}},
	{role: RolePro, tier: TierPro, adds: []Permission{
		PermDatasetsExport,
		PermAPIAccess,
	}},
	{role: RoleExtreme, tier: TierExtreme, adds: []Permission{
		PermExperimentsShare,
		PermWorkflowsSchedule,
	}},
	{role: RoleEnterprise, tier: TierEnterprise, adds: []Permission{
		PermOrgsRead,
		PermOrgsManage,
		PermSSOConfigure,
		PermAuditExport,
	}},
	{role: RoleSupport, tier: TierEnterprise, adds: []Permission{
		PermEntitlementsRead,
		PermQuotasRead,
		PermSubscriptionsRead,
	}},
	{role: RoleAdmin, tier: TierEnterprise, adds: []Permission{
		PermQuotasAdjust,
		PermQuotasReset,
		PermPermissionsGrant,
		PermPermissionsRevoke,
		PermSubscriptionsWrite,
	}},
}

// rolePermissions and roleRank are filled once in init and never mutated.
var (
	rolePermissions = make(map[Role]PermissionSet, len(hierarchy))
	roleRank        = make(map[Role]int, len(hierarchy))
	roleTier        = make(map[Role]Tier, len(hierarchy))
)

func init() {
	acc := NewPermissionSet()
	for i, lvl := range hierarchy {
		acc.Add(lvl.adds...)
		rolePermissions[lvl.role] = acc.Clone()
		roleRank[lvl.role] = i
		roleTier[lvl.role] = lvl.tier
	}
	if err := Validate(); err != nil {
		panic(err)
	}
}

// Known reports whether r is a role in the hierarchy.
func (r Role) Known() bool {
	_, ok := roleRank[r]
	return ok
}

// Rank is the role's position in the hierarchy, or -1 if unknown.
func (r Role) Rank() int {
	if n, ok := roleRank[r]; ok {
		return n
	}
	return -1
}

// IsInternal reports whether r is a staff role above every tier.
func (r Role) IsInternal() bool {
	return r == RoleSupport || r == RoleAdmin
}

// Tier returns the subscription tier whose limits apply to the role.
func (r Role) Tier() (Tier, bool) {
	t, ok := roleTier[r]
	return t, ok
}

// RoleForTier returns the hierarchy role matching a tier.
func RoleForTier(t Tier) (Role, bool) {
	r := Role(t)
	if _, ok := ParseTier(string(t)); !ok {
		return "", false
	}
	return r, r.Known()
}

// PermissionsFor returns a copy of the cumulative permission set of role.
// Unknown roles yield an empty set and false.
func PermissionsFor(role Role) (PermissionSet, bool) {
	perms, ok := rolePermissions[role]
	if !ok {
		return NewPermissionSet(), false
	}
	return perms.Clone(), true
}

// Roles returns the hierarchy roles from lowest to highest.
func Roles() []Role {
	out := make([]Role, len(hierarchy))
	for i, lvl := range hierarchy {
		out[i] = lvl.role
	}
	return out
}

// Validate checks that each rung's permissions include every lower rung's,
// and that tier limits never shrink going up the hierarchy.
func Validate() error {
	for i := 1; i < len(hierarchy); i++ {
		lower, higher := hierarchy[i-1], hierarchy[i]
		if !rolePermissions[lower.role].SubsetOf(rolePermissions[higher.role]) {
			return fmt.Errorf("catalog: role %q does not include all permissions of %q", higher.role, lower.role)
		}
		if lower.tier.Rank() > higher.tier.Rank() {
			return fmt.Errorf("catalog: role %q maps to a lower tier than %q", higher.role, lower.role)
		}
	}
	for i := 1; i < len(tierOrder); i++ {
		lo, hi := LimitsFor(tierOrder[i-1]), LimitsFor(tierOrder[i])
		for _, rt := range AllResources() {
			a, _ := lo.For(rt)
			b, _ := hi.For(rt)
			if !b.AtLeast(a) {
				return fmt.Errorf("catalog: tier %q has a lower %s limit than %q", tierOrder[i], rt, tierOrder[i-1])
			}
		}
	}
	return nil
}

// OrgRole is a principal's role inside an organization.
type OrgRole string

// Organization roles.
const (
	OrgRoleOwner  OrgRole = "owner"
	OrgRoleAdmin  OrgRole = "admin"
	OrgRoleMember OrgRole = "member"
)

// OrgPermissions returns the permissions an active membership contributes.
func OrgPermissions(r OrgRole) []Permission {
	switch r {
	case OrgRoleOwner, OrgRoleAdmin:
		return []Permission{PermOrgsRead, PermOrgsManage}
	case OrgRoleMember:
		return []Permission{PermOrgsRead}
	default:
		return nil
	}
}
