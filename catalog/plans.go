package catalog

import "strings"

// Tier is a subscription tier. Tiers are totally ordered.
type Tier string

const (
	TierFree       Tier = "free"
	TierBasic      Tier = "basic"
	TierPro        Tier = "pro"
	TierExtreme    Tier = "extreme"
	TierEnterprise Tier = "enterprise"
)

var tierOrder = []Tier{TierFree, TierBasic, TierPro, TierExtreme, TierEnterprise}

// Tiers returns all tiers from lowest to highest.
func Tiers() []Tier {
	return append([]Tier(nil), tierOrder...)
}

// ParseTier matches a tier name case-insensitively.
func ParseTier(s string) (Tier, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, t := range tierOrder {
		if string(t) == s {
			return t, true
		}
	}
	return "", false
}

// Rank is the tier's position, or -1 if unknown.
func (t Tier) Rank() int {
	for i, o := range tierOrder {
		if o == t {
			return i
		}
	}
	return -1
}

// Plan describes a billing plan and its resource limits.
type Plan struct {
	Tier         Tier     `json:"tier"`
	Name         string   `json:"name"`
	PriceMonthly int      `json:"price_monthly"` // cents
	Limits       LimitSet `json:"limits"`
}

const (
	mib = 1 << 20
	gib = 1 << 30
)

// Predefined plans.
var (
	PlanFree = Plan{
		Tier:         TierFree,
		Name:         "Free",
		PriceMonthly: 0,
		Limits:       LimitSet{Creations: 5, Executions: 20, APICalls: 1_000, StorageBytes: 100 * mib},
	}
	PlanBasic = Plan{
		Tier:         TierBasic,
		Name:         "Basic",
		PriceMonthly: 900,
		Limits:       LimitSet{Creations: 50, Executions: 200, APICalls: 10_000, StorageBytes: 1 * gib},
	}
	PlanPro = Plan{
		Tier:         TierPro,
		Name:         "Pro",
		PriceMonthly: 2900,
		Limits:       LimitSet{Creations: 100, Executions: 1_000, APICalls: 100_000, StorageBytes: 10 * gib},
	}
	PlanExtreme = Plan{
		Tier:         TierExtreme,
		Name:         "Extreme",
		PriceMonthly: 9900,
		Limits:       LimitSet{Creations: 500, Executions: 5_000, APICalls: 1_000_000, StorageBytes: 100 * gib},
	}
	PlanEnterprise = Plan{
		Tier:         TierEnterprise,
		Name:         "Enterprise",
		PriceMonthly: 0, // negotiated
		Limits:       LimitSet{Creations: Unlimited, Executions: Unlimited, APICalls: Unlimited, StorageBytes: Unlimited},
	}
)

// AllPlans returns every plan from lowest to highest tier.
func AllPlans() []Plan {
	return []Plan{PlanFree, PlanBasic, PlanPro, PlanExtreme, PlanEnterprise}
}

// PlanFor returns the plan of tier t.
func PlanFor(t Tier) (Plan, bool) {
	for _, p := range AllPlans() {
		if p.Tier == t {
			return p, true
		}
	}
	return Plan{}, false
}

// LimitsFor returns the limits of tier t. Unknown tiers get free limits.
func LimitsFor(t Tier) LimitSet {
	if p, ok := PlanFor(t); ok {
		return p.Limits
	}
	return PlanFree.Limits
}

// PriceMap maps billing price identifiers and lookup keys to tiers.
type PriceMap map[string]Tier

// Resolve returns the tier for the first identifier that matches. Entries in
// the map win; otherwise an identifier naming a tier directly is accepted.
func (m PriceMap) Resolve(ids ...string) (Tier, bool) {
	for _, id := range ids {
		if id == "" {
			continue
		}
		if t, ok := m[id]; ok {
			return t, true
		}
	}
	for _, id := range ids {
		if t, ok := ParseTier(id); ok {
			return t, true
		}
	}
	return "", false
}
