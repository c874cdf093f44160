package policy

import (
	"context"
	"sync"
	"time"

	"github.com/ashita-ai/tejun/internal/errs"
	"github.com/ashita-ai/tejun/internal/model"
)

// Store holds versioned policies. Exactly one version is active per tenant at
// any instant; activation is an atomic swap visible to subsequent run starts
// only — in-flight runs keep their captured snapshot.
type Store interface {
	// Put commits a new policy version. Version is assigned by the store
	// (previous head + 1) and returned on the stored policy.
	Put(ctx context.Context, tenant, name string, doc model.PolicyDoc) (model.Policy, error)
	// Activate swaps the tenant's active policy.
	Activate(ctx context.Context, tenant, name string, version int) error
	// Active returns the tenant's currently active policy.
	Active(ctx context.Context, tenant string) (model.Policy, error)
	// Get returns a specific retained version.
	Get(ctx context.Context, tenant, name string, version int) (model.Policy, error)
}

// MemoryStore is the in-process Store.
type MemoryStore struct {
	mu       sync.RWMutex
	versions map[string][]model.Policy // tenant -> all versions, append order
	active   map[string]int            // tenant -> index into versions
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		versions: make(map[string][]model.Policy),
		active:   make(map[string]int),
	}
}

func (s *MemoryStore) Put(ctx context.Context, tenant, name string, doc model.PolicyDoc) (model.Policy, error) {
	if err := Validate(doc); err != nil {
		return model.Policy{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	version := 1
	for _, p := range s.versions[tenant] {
		if p.Name == name && p.Version >= version {
			version = p.Version + 1
		}
	}
	p := model.Policy{
		TenantID:  tenant,
		Name:      name,
		Version:   version,
		Document:  doc,
		CreatedAt: time.Now().UTC(),
	}
	s.versions[tenant] = append(s.versions[tenant], p)
	// First policy for a tenant becomes active implicitly.
	if len(s.versions[tenant]) == 1 {
		p.Active = true
		s.versions[tenant][0] = p
		s.active[tenant] = 0
	}
	return p, nil
}

func (s *MemoryStore) Activate(ctx context.Context, tenant, name string, version int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, p := range s.versions[tenant] {
		if p.Name == name && p.Version == version {
			if cur, ok := s.active[tenant]; ok {
				s.versions[tenant][cur].Active = false
			}
			s.versions[tenant][i].Active = true
			s.active[tenant] = i
			return nil
		}
	}
	return errs.Newf(errs.KindValidation, "policy: %s v%d not found for tenant %s", name, version, tenant)
}

func (s *MemoryStore) Active(ctx context.Context, tenant string) (model.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i, ok := s.active[tenant]
	if !ok {
		return model.Policy{}, errs.Newf(errs.KindValidation, "policy: no active policy for tenant %s", tenant)
	}
	return s.versions[tenant][i], nil
}

func (s *MemoryStore) Get(ctx context.Context, tenant, name string, version int) (model.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, p := range s.versions[tenant] {
		if p.Name == name && p.Version == version {
			return p, nil
		}
	}
	return model.Policy{}, errs.Newf(errs.KindValidation, "policy: %s v%d not found for tenant %s", name, version, tenant)
}
