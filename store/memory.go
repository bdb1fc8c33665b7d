package store

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/GoCodeAlone/controlplane/catalog"
)

// MemoryStore is a thread-safe in-memory Store for tests and single-process
// deployments. Every method is atomic under one mutex.
type MemoryStore struct {
	mu            sync.Mutex
	principals    map[string]*Principal
	subscriptions map[string]*Subscription
	customers     map[string]string // customer id -> tenant id
	quotas        map[QuotaKey]*QuotaEntry
	events        map[string]*BillingEventRecord
	failErr       error
	now           func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		principals:    make(map[string]*Principal),
		subscriptions: make(map[string]*Subscription),
		customers:     make(map[string]string),
		quotas:        make(map[QuotaKey]*QuotaEntry),
		events:        make(map[string]*BillingEventRecord),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// FailWith makes every subsequent call return err wrapped in ErrUnavailable.
// Passing nil restores normal operation.
func (s *MemoryStore) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failErr = err
}

func (s *MemoryStore) failed() error {
	if s.failErr != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, s.failErr)
	}
	return nil
}

// --- principals ---

func clonePrincipal(p *Principal) *Principal {
	cp := *p
	cp.Memberships = slices.Clone(p.Memberships)
	cp.Grants = slices.Clone(p.Grants)
	cp.Revocations = slices.Clone(p.Revocations)
	return &cp
}

func (s *MemoryStore) GetPrincipal(_ context.Context, id string) (*Principal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failed(); err != nil {
		return nil, err
	}
	p, ok := s.principals[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clonePrincipal(p), nil
}

func (s *MemoryStore) CreatePrincipal(_ context.Context, p *Principal) error {
	if p.ID == "" {
		return fmt.Errorf("principal id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failed(); err != nil {
		return err
	}
	if _, exists := s.principals[p.ID]; exists {
		return ErrDuplicate
	}
	now := s.now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if p.Status == "" {
		p.Status = PrincipalActive
	}
	p.UpdatedAt = now
	p.Version = 1
	s.principals[p.ID] = clonePrincipal(p)
	return nil
}

func (s *MemoryStore) UpdatePrincipal(_ context.Context, p *Principal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failed(); err != nil {
		return err
	}
	cur, ok := s.principals[p.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != p.Version {
		return ErrConflict
	}
	p.Version++
	p.UpdatedAt = s.now()
	s.principals[p.ID] = clonePrincipal(p)
	return nil
}

// --- subscriptions ---

func (s *MemoryStore) GetSubscription(_ context.Context, tenantID string) (*Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failed(); err != nil {
		return nil, err
	}
	sub, ok := s.subscriptions[tenantID]
	if !ok {
		return nil, ErrNotFound
	}
	return sub.Clone(), nil
}

func (s *MemoryStore) FindSubscriptionByCustomer(_ context.Context, customerID string) (*Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failed(); err != nil {
		return nil, err
	}
	tenantID, ok := s.customers[customerID]
	if !ok {
		return nil, ErrNotFound
	}
	sub, ok := s.subscriptions[tenantID]
	if !ok {
		return nil, ErrNotFound
	}
	return sub.Clone(), nil
}

func (s *MemoryStore) PutSubscription(_ context.Context, sub *Subscription) error {
	if sub.TenantID == "" {
		return fmt.Errorf("subscription tenant id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failed(); err != nil {
		return err
	}
	cur, exists := s.subscriptions[sub.TenantID]
	switch {
	case sub.Version == 0 && exists:
		return ErrDuplicate
	case sub.Version != 0 && (!exists || cur.Version != sub.Version):
		return ErrConflict
	}
	sub.Version++
	sub.UpdatedAt = s.now()
	s.subscriptions[sub.TenantID] = sub.Clone()
	if sub.CustomerID != "" {
		s.customers[sub.CustomerID] = sub.TenantID
	}
	return nil
}

// --- quotas ---

func (s *MemoryStore) GetQuota(_ context.Context, key QuotaKey) (*QuotaEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failed(); err != nil {
		return nil, err
	}
	e, ok := s.quotas[key]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *MemoryStore) CreateQuota(_ context.Context, e *QuotaEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failed(); err != nil {
		return err
	}
	if _, exists := s.quotas[e.Key()]; exists {
		return ErrDuplicate
	}
	e.UpdatedAt = s.now()
	cp := *e
	s.quotas[e.Key()] = &cp
	return nil
}

func (s *MemoryStore) IncrementQuota(_ context.Context, key QuotaKey, amount int64, limit catalog.Limit) (*QuotaEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failed(); err != nil {
		return nil, err
	}
	e, ok := s.quotas[key]
	if !ok {
		return nil, ErrConflict
	}
	if e.Limit != limit || !limit.Allows(e.Usage, amount) {
		return nil, ErrConflict
	}
	e.Usage += amount
	e.UpdatedAt = s.now()
	cp := *e
	return &cp, nil
}

func (s *MemoryStore) ResetQuota(_ context.Context, key QuotaKey, from, periodStart time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failed(); err != nil {
		return err
	}
	e, ok := s.quotas[key]
	if !ok {
		return ErrNotFound
	}
	if !e.PeriodStart.Equal(from) {
		return ErrConflict
	}
	e.Usage = 0
	e.PeriodStart = periodStart
	e.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) SetQuotaLimit(_ context.Context, key QuotaKey, limit catalog.Limit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failed(); err != nil {
		return err
	}
	e, ok := s.quotas[key]
	if !ok {
		return ErrNotFound
	}
	e.Limit = limit
	e.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) SetQuotaUsage(_ context.Context, key QuotaKey, usage int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failed(); err != nil {
		return err
	}
	e, ok := s.quotas[key]
	if !ok {
		return ErrNotFound
	}
	e.Usage = usage
	e.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) ListQuotas(_ context.Context, tenantID string) ([]*QuotaEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failed(); err != nil {
		return nil, err
	}
	var out []*QuotaEntry
	for _, e := range s.quotas {
		if e.TenantID == tenantID {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PrincipalID != out[j].PrincipalID {
			return out[i].PrincipalID < out[j].PrincipalID
		}
		return out[i].Resource < out[j].Resource
	})
	return out, nil
}

// --- billing events ---

func (s *MemoryStore) RecordEvent(_ context.Context, rec *BillingEventRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("event id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failed(); err != nil {
		return err
	}
	if cur, exists := s.events[rec.ID]; exists && s.now().Before(cur.ExpiresAt) {
		return ErrDuplicate
	}
	rec.stamp(s.now())
	cp := *rec
	s.events[rec.ID] = &cp
	return nil
}

func (s *MemoryStore) GetEvent(_ context.Context, id string) (*BillingEventRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failed(); err != nil {
		return nil, err
	}
	rec, ok := s.events[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !s.now().Before(rec.ExpiresAt) {
		delete(s.events, id)
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) DeleteEvent(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failed(); err != nil {
		return err
	}
	delete(s.events, id)
	return nil
}

// Cleanup removes expired event records.
func (s *MemoryStore) Cleanup(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var count int64
	for id, rec := range s.events {
		if !now.Before(rec.ExpiresAt) {
			delete(s.events, id)
			count++
		}
	}
	return count, nil
}

var _ Store = (*MemoryStore)(nil)
