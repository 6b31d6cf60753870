package policy

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory Store implementation.
//
// It backs two use cases: policy seeded from the config file for
// deployments without a database, and unit tests. The administrative
// mutators (SetIdentity, SetRole, SetTarget, DisableIdentity) apply
// externally pushed policy changes without restart.
//
// Safe for concurrent use.
type MemoryStore struct {
	mu         sync.RWMutex
	identities map[string]Identity // keyed by username
	roles      map[string]Role     // keyed by role name
	targets    map[string]Target   // keyed by target name
	records    []SessionRecord
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		identities: make(map[string]Identity),
		roles:      make(map[string]Role),
		targets:    make(map[string]Target),
	}
}

// GetIdentity implements Store.
func (m *MemoryStore) GetIdentity(_ context.Context, username string) (*Identity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.identities[username]
	if !ok {
		return nil, ErrNotFound
	}
	cp := id
	return &cp, nil
}

// RolesFor implements Store. Role names that no longer resolve are skipped.
func (m *MemoryStore) RolesFor(_ context.Context, identity *Identity) ([]Role, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	roles := make([]Role, 0, len(identity.Roles))
	for _, name := range identity.Roles {
		if r, ok := m.roles[name]; ok {
			roles = append(roles, r)
		}
	}
	return roles, nil
}

// GrantsFor implements Store.
func (m *MemoryStore) GrantsFor(_ context.Context, role string) ([]Grant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.roles[role]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]Grant(nil), r.Grants...), nil
}

// GetTarget implements Store.
func (m *MemoryStore) GetTarget(_ context.Context, name string) (*Target, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.targets[name]
	if !ok {
		return nil, ErrNotFound
	}
	cp := t
	return &cp, nil
}

// AppendSessionRecord implements Store. Records are kept in memory only —
// durability is the Postgres store's concern.
func (m *MemoryStore) AppendSessionRecord(_ context.Context, rec SessionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

// Records returns a snapshot of all appended session records.
func (m *MemoryStore) Records() []SessionRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]SessionRecord(nil), m.records...)
}

// SetIdentity inserts or replaces an identity.
func (m *MemoryStore) SetIdentity(id Identity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.identities[id.Username] = id
}

// DisableIdentity soft-disables an identity. Returns false when unknown.
func (m *MemoryStore) DisableIdentity(username string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.identities[username]
	if !ok {
		return false
	}
	id.Disabled = true
	m.identities[username] = id
	return true
}

// SetRole inserts or replaces a role.
func (m *MemoryStore) SetRole(r Role) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.roles[r.Name] = r
}

// SetTarget inserts or replaces a target.
func (m *MemoryStore) SetTarget(t Target) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.targets[t.Name] = t
}
