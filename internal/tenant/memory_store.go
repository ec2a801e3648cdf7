package tenant

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryStore is an in-memory tenant store for demo/development.
//
// Resource rows (documents, contacts, ...) belong to other subsystems, so
// the memory store keeps their counts directly; tests and the demo seed
// them with SetTeamUsage / SetOrgUsage.
type MemoryStore struct {
	mu          sync.RWMutex
	teams       map[string]*Team
	orgs        map[string]*Organization
	teamUsage   map[string]TeamUsage
	orgUsage    map[string]OrgUsage
	activations map[string]*Activation // tenantID|kind → record
	esig        map[string]int         // orgID|month → count

	usageReads atomic.Int64
}

// NewMemoryStore creates a new in-memory tenant store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		teams:       make(map[string]*Team),
		orgs:        make(map[string]*Organization),
		teamUsage:   make(map[string]TeamUsage),
		orgUsage:    make(map[string]OrgUsage),
		activations: make(map[string]*Activation),
		esig:        make(map[string]int),
	}
}

// UsageReads returns how many GetTeamWithUsage/GetOrgWithUsage calls were served.
func (m *MemoryStore) UsageReads() int64 {
	return m.usageReads.Load()
}

// SetTeamUsage replaces the live counts for a team.
func (m *MemoryStore) SetTeamUsage(teamID string, u TeamUsage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.teamUsage[teamID] = u
}

// SetOrgUsage replaces the live counts for an organization. EsigThisMonth is
// ignored; monthly e-signature usage lives in its own counter.
func (m *MemoryStore) SetOrgUsage(orgID string, u OrgUsage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u.EsigThisMonth = 0
	m.orgUsage[orgID] = u
}

func (m *MemoryStore) CreateTeam(_ context.Context, t *Team) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.teams[t.ID]; exists {
		return ErrAlreadyExists
	}
	m.teams[t.ID] = cloneTeam(t)
	return nil
}

func (m *MemoryStore) UpdateTeam(_ context.Context, t *Team) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.teams[t.ID]; !ok {
		return ErrTeamNotFound
	}
	m.teams[t.ID] = cloneTeam(t)
	return nil
}

func (m *MemoryStore) GetTeam(_ context.Context, id string) (*Team, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.teams[id]
	if !ok {
		return nil, ErrTeamNotFound
	}
	return cloneTeam(t), nil
}

func (m *MemoryStore) GetTeamByStripeCustomer(_ context.Context, customerID string) (*Team, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, t := range m.teams {
		if customerID != "" && t.StripeCustomerID == customerID {
			return cloneTeam(t), nil
		}
	}
	return nil, ErrTeamNotFound
}

func (m *MemoryStore) GetTeamWithUsage(_ context.Context, id string) (*Team, TeamUsage, error) {
	m.usageReads.Add(1)
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.teams[id]
	if !ok {
		return nil, TeamUsage{}, ErrTeamNotFound
	}
	return cloneTeam(t), m.teamUsage[id], nil
}

func (m *MemoryStore) CreateOrg(_ context.Context, o *Organization) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.orgs[o.ID]; exists {
		return ErrAlreadyExists
	}
	m.orgs[o.ID] = cloneOrg(o)
	return nil
}

func (m *MemoryStore) UpdateOrg(_ context.Context, o *Organization) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.orgs[o.ID]; !ok {
		return ErrOrgNotFound
	}
	m.orgs[o.ID] = cloneOrg(o)
	return nil
}

func (m *MemoryStore) GetOrg(_ context.Context, id string) (*Organization, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.orgs[id]
	if !ok {
		return nil, ErrOrgNotFound
	}
	return cloneOrg(o), nil
}

func (m *MemoryStore) GetOrgByStripeCustomer(_ context.Context, customerID string) (*Organization, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, o := range m.orgs {
		if customerID != "" && o.StripeCustomerID == customerID {
			return cloneOrg(o), nil
		}
	}
	return nil, ErrOrgNotFound
}

func (m *MemoryStore) GetOrgWithUsage(_ context.Context, id, month string) (*Organization, OrgUsage, error) {
	m.usageReads.Add(1)
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.orgs[id]
	if !ok {
		return nil, OrgUsage{}, ErrOrgNotFound
	}
	u := m.orgUsage[id]
	u.EsigThisMonth = m.esig[id+"|"+month]
	return cloneOrg(o), u, nil
}

func (m *MemoryStore) GetActivation(_ context.Context, tenantID string, kind ActivationKind) (*Activation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.activations[tenantID+"|"+string(kind)]
	if !ok {
		return &Activation{TenantID: tenantID, Kind: kind, Status: ActivationNone}, nil
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) SetActivation(_ context.Context, a *Activation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *a
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now()
	}
	m.activations[a.TenantID+"|"+string(a.Kind)] = &cp
	return nil
}

func (m *MemoryStore) CountContacts(_ context.Context, orgID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.orgUsage[orgID].Contacts, nil
}

func (m *MemoryStore) CountSignerDocuments(_ context.Context, orgID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.orgUsage[orgID].SignerDocuments, nil
}

func (m *MemoryStore) CountTemplates(_ context.Context, orgID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.orgUsage[orgID].Templates, nil
}

func (m *MemoryStore) EsigUsage(_ context.Context, orgID, month string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.esig[orgID+"|"+month], nil
}

func (m *MemoryStore) IncrementEsigUsage(_ context.Context, orgID, month string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := orgID + "|" + month
	m.esig[key]++
	return m.esig[key], nil
}

func cloneTeam(t *Team) *Team {
	cp := *t
	cp.CustomLimits = cloneLimits(t.CustomLimits)
	if t.Features != nil {
		cp.Features = make(map[string]bool, len(t.Features))
		for k, v := range t.Features {
			cp.Features[k] = v
		}
	}
	return &cp
}

func cloneOrg(o *Organization) *Organization {
	cp := *o
	cp.CustomLimits = cloneLimits(o.CustomLimits)
	return &cp
}

func cloneLimits(l Limits) Limits {
	if l == nil {
		return nil
	}
	out := make(Limits, len(l))
	for k, v := range l {
		if v == nil {
			out[k] = nil
			continue
		}
		n := *v
		out[k] = &n
	}
	return out
}

var _ Store = (*MemoryStore)(nil)
