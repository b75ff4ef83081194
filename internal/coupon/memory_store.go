package coupon

import (
	"context"
	"strings"
	"sync"
)

// Compile-time check that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-memory coupon store for demo/development mode.
type MemoryStore struct {
	coupons map[string]*Coupon // by ID
	usage   map[string]*Usage  // by usage ID
	nextID  uint64
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory coupon store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		coupons: make(map[string]*Coupon),
		usage:   make(map[string]*Usage),
	}
}

func (m *MemoryStore) Create(ctx context.Context, c *Coupon) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.coupons {
		if strings.EqualFold(existing.Code, c.Code) {
			return ErrCodeExists
		}
	}
	cp := copyCoupon(c)
	m.coupons[c.ID] = cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Coupon, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.coupons[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyCoupon(c), nil
}

func (m *MemoryStore) GetByCode(ctx context.Context, code string) (*Coupon, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, c := range m.coupons {
		if strings.EqualFold(c.Code, code) {
			return copyCoupon(c), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) Update(ctx context.Context, c *Coupon) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.coupons[c.ID]; !ok {
		return ErrNotFound
	}
	for id, existing := range m.coupons {
		if id != c.ID && strings.EqualFold(existing.Code, c.Code) {
			return ErrCodeExists
		}
	}
	m.coupons[c.ID] = copyCoupon(c)
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.coupons[id]; !ok {
		return ErrNotFound
	}
	delete(m.coupons, id)
	return nil
}

func (m *MemoryStore) List(ctx context.Context) ([]*Coupon, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Coupon, 0, len(m.coupons))
	for _, c := range m.coupons {
		result = append(result, copyCoupon(c))
	}
	return result, nil
}

func (m *MemoryStore) NextID(ctx context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	return id, nil
}

func (m *MemoryStore) AddUsage(ctx context.Context, u *Usage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *u
	m.usage[u.ID] = &cp
	return nil
}

func (m *MemoryStore) ListUsage(ctx context.Context, couponID string) ([]*Usage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Usage
	for _, u := range m.usage {
		if u.CouponID == couponID {
			cp := *u
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *MemoryStore) DeleteUsage(ctx context.Context, couponID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, u := range m.usage {
		if u.CouponID == couponID {
			delete(m.usage, id)
		}
	}
	return nil
}

func (m *MemoryStore) Clear(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := len(m.coupons)
	m.coupons = make(map[string]*Coupon)
	m.usage = make(map[string]*Usage)
	return count, nil
}

func copyCoupon(c *Coupon) *Coupon {
	cp := *c
	cp.ApplicableTokens = append([]string(nil), c.ApplicableTokens...)
	if c.ExpiresAt != nil {
		t := *c.ExpiresAt
		cp.ExpiresAt = &t
	}
	return &cp
}
