package registry

import (
	"context"
	"sort"
	"sync"

	"github.com/ckpay/platform/internal/identity"
)

// Compile-time check that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)

// MemoryStore implements Store with in-memory maps, for development and tests.
type MemoryStore struct {
	mu          sync.RWMutex
	units       map[string]*UnitRecord
	ownerIndex  map[identity.Principal][]string
	stats       Stats
	nextVersion uint64
	pkg         []byte
}

// NewMemoryStore creates an empty in-memory registry store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		units:      make(map[string]*UnitRecord),
		ownerIndex: make(map[identity.Principal][]string),
	}
}

func (m *MemoryStore) Put(ctx context.Context, rec *UnitRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.units[rec.ID] = copyRecord(rec)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*UnitRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.units[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyRecord(rec), nil
}

func (m *MemoryStore) Remove(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.units[id]; !ok {
		return ErrNotFound
	}
	delete(m.units, id)
	return nil
}

func (m *MemoryStore) List(ctx context.Context) ([]*UnitRecord, error) {
	return m.filter(func(*UnitRecord) bool { return true }), nil
}

func (m *MemoryStore) ListActive(ctx context.Context) ([]*UnitRecord, error) {
	return m.filter(func(rec *UnitRecord) bool { return rec.Active }), nil
}

func (m *MemoryStore) ListByOwner(ctx context.Context, owner identity.Principal) ([]*UnitRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*UnitRecord
	for _, id := range m.ownerIndex[owner] {
		if rec, ok := m.units[id]; ok {
			result = append(result, copyRecord(rec))
		}
	}
	return result, nil
}

func (m *MemoryStore) FindByToken(ctx context.Context, tokenSymbol string) ([]*UnitRecord, error) {
	return m.filter(func(rec *UnitRecord) bool {
		if !rec.Active {
			return false
		}
		for _, t := range rec.SupportedTokens {
			if t == tokenSymbol {
				return true
			}
		}
		return false
	}), nil
}

func (m *MemoryStore) filter(keep func(*UnitRecord) bool) []*UnitRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*UnitRecord
	for _, rec := range m.units {
		if keep(rec) {
			result = append(result, copyRecord(rec))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result
}

func (m *MemoryStore) AddToOwner(ctx context.Context, owner identity.Principal, unitID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.ownerIndex[owner] {
		if id == unitID {
			return ErrAlreadyOwned
		}
	}
	m.ownerIndex[owner] = append(m.ownerIndex[owner], unitID)
	return nil
}

func (m *MemoryStore) RemoveFromOwner(ctx context.Context, owner identity.Principal, unitID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := m.ownerIndex[owner]
	for i, id := range ids {
		if id == unitID {
			m.ownerIndex[owner] = append(ids[:i], ids[i+1:]...)
			return nil
		}
	}
	return nil
}

func (m *MemoryStore) OwnerUnitIDs(ctx context.Context, owner identity.Principal) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.ownerIndex[owner]...), nil
}

func (m *MemoryStore) NextVersion(ctx context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.nextVersion
	m.nextVersion++
	return n, nil
}

func (m *MemoryStore) Stats(ctx context.Context) (*Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := m.stats
	return &s, nil
}

func (m *MemoryStore) IncrementStats(ctx context.Context, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.TotalUnits++
	if active {
		m.stats.ActiveUnits++
	}
	return nil
}

func (m *MemoryStore) DecrementStats(ctx context.Context, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stats.TotalUnits > 0 {
		m.stats.TotalUnits--
	}
	if active && m.stats.ActiveUnits > 0 {
		m.stats.ActiveUnits--
	}
	return nil
}

func (m *MemoryStore) SetPackage(ctx context.Context, blob []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pkg = append([]byte(nil), blob...)
	return nil
}

func (m *MemoryStore) GetPackage(ctx context.Context) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.pkg) == 0 {
		return nil, ErrNoPackage
	}
	return append([]byte(nil), m.pkg...), nil
}

func copyRecord(rec *UnitRecord) *UnitRecord {
	cp := *rec
	if rec.SupportedTokens != nil {
		cp.SupportedTokens = append([]string(nil), rec.SupportedTokens...)
	}
	return &cp
}
