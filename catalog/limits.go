package catalog

import (
	"fmt"
	"math"
	"strconv"
)

// ResourceType identifies a metered resource.
type ResourceType string

const (
	ResourceCreations    ResourceType = "creation-count"
	ResourceExecutions   ResourceType = "execution-count"
	ResourceAPICalls     ResourceType = "api-call-count"
	ResourceStorageBytes ResourceType = "storage-bytes"
)

// AllResources returns every metered resource type.
func AllResources() []ResourceType {
	return []ResourceType{ResourceCreations, ResourceExecutions, ResourceAPICalls, ResourceStorageBytes}
}

// ParseResourceType validates a resource type name.
func ParseResourceType(s string) (ResourceType, error) {
	for _, rt := range AllResources() {
		if string(rt) == s {
			return rt, nil
		}
	}
	return "", fmt.Errorf("catalog: unknown resource type %q", s)
}

// Periodic reports whether usage of the resource resets each billing period.
// Storage is a standing balance and carries across periods.
func (r ResourceType) Periodic() bool {
	return r != ResourceStorageBytes
}

// Limit is the maximum usage of a resource per period. Unlimited is a
// sentinel and is never compared numerically.
type Limit int64

// Unlimited means no bound applies.
const Unlimited Limit = -1

// IsUnlimited reports whether l is the unlimited sentinel.
func (l Limit) IsUnlimited() bool { return l == Unlimited }

// Valid reports whether l is a non-negative bound or Unlimited.
func (l Limit) Valid() bool { return l >= 0 || l == Unlimited }

// Allows reports whether consuming amount on top of usage stays within l.
// Malformed limits allow nothing.
func (l Limit) Allows(usage, amount int64) bool {
	if l.IsUnlimited() {
		return true
	}
	if !l.Valid() || usage < 0 || amount < 0 {
		return false
	}
	if usage > math.MaxInt64-amount {
		return false
	}
	return usage+amount <= int64(l)
}

// Remaining returns the headroom left under l, or -1 when unlimited.
func (l Limit) Remaining(usage int64) int64 {
	if l.IsUnlimited() {
		return -1
	}
	if !l.Valid() || usage >= int64(l) {
		return 0
	}
	return int64(l) - usage
}

// Exceeded reports whether usage is already at or past l.
func (l Limit) Exceeded(usage int64) bool {
	if l.IsUnlimited() {
		return false
	}
	return !l.Valid() || usage >= int64(l)
}

// AtLeast reports whether l is at least as generous as other.
func (l Limit) AtLeast(other Limit) bool {
	switch {
	case l.IsUnlimited():
		return true
	case other.IsUnlimited():
		return false
	default:
		return l >= other
	}
}

func (l Limit) String() string {
	if l.IsUnlimited() {
		return "unlimited"
	}
	return strconv.FormatInt(int64(l), 10)
}

// ParseLimit accepts a non-negative integer or "unlimited".
func ParseLimit(s string) (Limit, error) {
	if s == "unlimited" || s == "-1" {
		return Unlimited, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("catalog: invalid limit %q", s)
	}
	return Limit(n), nil
}

// LimitSet holds the limit for every metered resource.
type LimitSet struct {
	Creations    Limit `json:"creation_count" yaml:"creation_count"`
	Executions   Limit `json:"execution_count" yaml:"execution_count"`
	APICalls     Limit `json:"api_call_count" yaml:"api_call_count"`
	StorageBytes Limit `json:"storage_bytes" yaml:"storage_bytes"`
}

// For returns the limit for rt.
func (s LimitSet) For(rt ResourceType) (Limit, bool) {
	switch rt {
	case ResourceCreations:
		return s.Creations, true
	case ResourceExecutions:
		return s.Executions, true
	case ResourceAPICalls:
		return s.APICalls, true
	case ResourceStorageBytes:
		return s.StorageBytes, true
	default:
		return 0, false
	}
}

// Map returns the set keyed by resource type.
func (s LimitSet) Map() map[ResourceType]Limit {
	out := make(map[ResourceType]Limit, 4)
	for _, rt := range AllResources() {
		out[rt], _ = s.For(rt)
	}
	return out
}
