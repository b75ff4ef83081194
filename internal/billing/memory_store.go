package billing

import (
	"context"
	"sync"

	"github.com/ckpay/platform/internal/identity"
	"github.com/ckpay/platform/internal/unit"
)

// Compile-time check that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)

// MemoryStore implements Store with in-memory maps, for development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	plans    map[string]*Plan
	subs     map[string]*Subscription
	payments map[string]*Payment
	nextID   uint64
}

// NewMemoryStore creates an empty in-memory billing store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		plans:    make(map[string]*Plan),
		subs:     make(map[string]*Subscription),
		payments: make(map[string]*Payment),
	}
}

func (m *MemoryStore) CreatePlan(ctx context.Context, p *Plan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.plans[p.ID] = copyPlan(p)
	return nil
}

func (m *MemoryStore) GetPlan(ctx context.Context, id string) (*Plan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.plans[id]
	if !ok {
		return nil, ErrPlanNotFound
	}
	return copyPlan(p), nil
}

func (m *MemoryStore) UpdatePlan(ctx context.Context, p *Plan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.plans[p.ID]; !ok {
		return ErrPlanNotFound
	}
	m.plans[p.ID] = copyPlan(p)
	return nil
}

func (m *MemoryStore) DeletePlan(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.plans[id]; !ok {
		return ErrPlanNotFound
	}
	delete(m.plans, id)
	return nil
}

func (m *MemoryStore) ListPlans(ctx context.Context) ([]*Plan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]*Plan, 0, len(m.plans))
	for _, p := range m.plans {
		result = append(result, copyPlan(p))
	}
	return result, nil
}

func (m *MemoryStore) CreateSubscription(ctx context.Context, s *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[s.ID] = copySubscription(s)
	return nil
}

func (m *MemoryStore) GetSubscription(ctx context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.subs[id]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	return copySubscription(s), nil
}

func (m *MemoryStore) UpdateSubscription(ctx context.Context, s *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[s.ID]; !ok {
		return ErrSubscriptionNotFound
	}
	m.subs[s.ID] = copySubscription(s)
	return nil
}

func (m *MemoryStore) ListSubscriptions(ctx context.Context) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]*Subscription, 0, len(m.subs))
	for _, s := range m.subs {
		result = append(result, copySubscription(s))
	}
	return result, nil
}

func (m *MemoryStore) ListBySubscriber(ctx context.Context, subscriber identity.Principal) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Subscription
	for _, s := range m.subs {
		if s.Subscriber == subscriber {
			result = append(result, copySubscription(s))
		}
	}
	return result, nil
}

func (m *MemoryStore) ListByPlan(ctx context.Context, planID string) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Subscription
	for _, s := range m.subs {
		if s.PlanID == planID {
			result = append(result, copySubscription(s))
		}
	}
	return result, nil
}

func (m *MemoryStore) AddPayment(ctx context.Context, p *Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.payments[p.ID] = &cp
	return nil
}

func (m *MemoryStore) GetPayment(ctx context.Context, id string) (*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.payments[id]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) ListPayments(ctx context.Context, subscriptionID string) ([]*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Payment
	for _, p := range m.payments {
		if p.SubscriptionID == subscriptionID {
			cp := *p
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *MemoryStore) NextID(ctx context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.nextID
	m.nextID++
	return n, nil
}

func (m *MemoryStore) Clear(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.plans) + len(m.subs)
	m.plans = make(map[string]*Plan)
	m.subs = make(map[string]*Subscription)
	m.payments = make(map[string]*Payment)
	return n, nil
}

func copyPlan(p *Plan) *Plan {
	cp := *p
	return &cp
}

func copySubscription(s *Subscription) *Subscription {
	cp := *s
	if s.TrialEnd != nil {
		t := *s.TrialEnd
		cp.TrialEnd = &t
	}
	if s.CancelledAt != nil {
		t := *s.CancelledAt
		cp.CancelledAt = &t
	}
	if s.Metadata != nil {
		cp.Metadata = append(unit.Metadata(nil), s.Metadata...)
	}
	return &cp
}
