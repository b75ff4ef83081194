package coupon

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ckpay/platform/internal/identity"
	"github.com/ckpay/platform/internal/unit"
)

// Service provides coupon business logic for one tenant unit.
type Service struct {
	store Store
	state *unit.State
	now   func() time.Time
}

// NewService creates a coupon service bound to a unit's state.
func NewService(store Store, state *unit.State) *Service {
	return &Service{
		store: store,
		state: state,
		now:   time.Now,
	}
}

// WithClock overrides the service clock, for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func validateCoupon(c *Coupon) error {
	if c.Code == "" {
		return fmt.Errorf("coupon code cannot be empty")
	}
	if c.Description == "" {
		return fmt.Errorf("coupon description cannot be empty")
	}
	switch c.Kind {
	case KindPercentage:
		if c.Percent > 100 {
			return fmt.Errorf("percentage discount cannot exceed 100%%")
		}
	case KindFixedAmount:
		if c.Amount == 0 {
			return fmt.Errorf("fixed discount amount must be greater than 0")
		}
	case KindFreeShipping:
	default:
		return fmt.Errorf("unknown coupon kind %q", c.Kind)
	}
	return nil
}

// Create stores a new coupon and returns its id. Owner only. Codes are
// unique case-insensitively and stored uppercase.
func (s *Service) Create(ctx context.Context, caller identity.Principal, c Coupon) (string, error) {
	if !s.state.IsOwner(caller) {
		return "", unit.ErrNotOwner
	}
	if err := validateCoupon(&c); err != nil {
		return "", err
	}

	n, err := s.store.NextID(ctx)
	if err != nil {
		return "", fmt.Errorf("next coupon id: %w", err)
	}

	now := s.now()
	c.ID = fmt.Sprintf("coupon_%d", n)
	c.Code = strings.ToUpper(c.Code)
	c.UsedCount = 0
	c.CreatedAt = now
	c.UpdatedAt = now

	if err := s.store.Create(ctx, &c); err != nil {
		return "", err
	}
	return c.ID, nil
}

// Update replaces a coupon's definition, preserving its usage count and
// creation time. Owner only.
func (s *Service) Update(ctx context.Context, caller identity.Principal, id string, updated Coupon) error {
	if !s.state.IsOwner(caller) {
		return unit.ErrNotOwner
	}
	if err := validateCoupon(&updated); err != nil {
		return err
	}

	existing, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}

	updated.ID = id
	updated.Code = strings.ToUpper(updated.Code)
	updated.UsedCount = existing.UsedCount
	updated.CreatedAt = existing.CreatedAt
	updated.UpdatedAt = s.now()

	return s.store.Update(ctx, &updated)
}

// Get returns a coupon by id.
func (s *Service) Get(ctx context.Context, id string) (*Coupon, error) {
	return s.store.Get(ctx, id)
}

// GetByCode returns a coupon by its code, case-insensitively.
func (s *Service) GetByCode(ctx context.Context, code string) (*Coupon, error) {
	return s.store.GetByCode(ctx, strings.ToUpper(code))
}

// List returns every coupon.
func (s *Service) List(ctx context.Context) ([]*Coupon, error) {
	return s.store.List(ctx)
}

// ListActive returns coupons that are active, unexpired, and under their
// usage limit.
func (s *Service) ListActive(ctx context.Context) ([]*Coupon, error) {
	all, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}
	now := s.now()
	result := make([]*Coupon, 0, len(all))
	for _, c := range all {
		if !c.Active {
			continue
		}
		if c.ExpiresAt != nil && now.After(*c.ExpiresAt) {
			continue
		}
		if c.UsageLimit > 0 && c.UsedCount >= c.UsageLimit {
			continue
		}
		result = append(result, c)
	}
	return result, nil
}

// Delete removes a coupon and purges its usage history. Owner only.
func (s *Service) Delete(ctx context.Context, caller identity.Principal, id string) error {
	if !s.state.IsOwner(caller) {
		return unit.ErrNotOwner
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	return s.store.DeleteUsage(ctx, id)
}

// Toggle flips a coupon's active flag and returns the new value. Owner only.
func (s *Service) Toggle(ctx context.Context, caller identity.Principal, id string) (bool, error) {
	if !s.state.IsOwner(caller) {
		return false, unit.ErrNotOwner
	}
	c, err := s.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	c.Active = !c.Active
	c.UpdatedAt = s.now()
	if err := s.store.Update(ctx, c); err != nil {
		return false, err
	}
	return c.Active, nil
}

// ValidateAndUse checks a coupon against the given amount and token and, if
// it applies, consumes one use and records it. The use is not rolled back if
// the surrounding payment later fails.
func (s *Service) ValidateAndUse(ctx context.Context, caller identity.Principal, code string, amount uint64, tokenSymbol string) (string, uint64, error) {
	c, err := s.store.GetByCode(ctx, strings.ToUpper(code))
	if err != nil {
		return "", 0, err
	}

	now := s.now()
	if !c.Active {
		return "", 0, ErrNotActive
	}
	if c.ExpiresAt != nil && now.After(*c.ExpiresAt) {
		return "", 0, ErrExpired
	}
	if c.UsageLimit > 0 && c.UsedCount >= c.UsageLimit {
		return "", 0, ErrLimitReached
	}
	if amount < c.MinimumAmount {
		return "", 0, fmt.Errorf("minimum purchase amount of %d required", c.MinimumAmount)
	}
	if len(c.ApplicableTokens) > 0 && !contains(c.ApplicableTokens, tokenSymbol) {
		return "", 0, ErrNotApplicable
	}

	discount := c.Discount(amount)

	c.UsedCount++
	c.UpdatedAt = now
	if err := s.store.Update(ctx, c); err != nil {
		return "", 0, fmt.Errorf("consume coupon use: %w", err)
	}

	usage := &Usage{
		ID:              fmt.Sprintf("usage_%s_%d", c.ID, now.UnixNano()),
		CouponID:        c.ID,
		User:            caller,
		InvoiceID:       fmt.Sprintf("pending_%d", now.UnixNano()),
		DiscountApplied: discount,
		UsedAt:          now,
	}
	if err := s.store.AddUsage(ctx, usage); err != nil {
		return "", 0, fmt.Errorf("record coupon usage: %w", err)
	}

	return c.ID, discount, nil
}

// UsageStats returns a coupon's use count and its usage records.
func (s *Service) UsageStats(ctx context.Context, id string) (uint32, []*Usage, error) {
	c, err := s.store.Get(ctx, id)
	if err != nil {
		return 0, nil, err
	}
	history, err := s.store.ListUsage(ctx, id)
	if err != nil {
		return 0, nil, err
	}
	return c.UsedCount, history, nil
}

// Clear removes every coupon and all usage history. Owner only. Returns the
// number of coupons removed.
func (s *Service) Clear(ctx context.Context, caller identity.Principal) (int, error) {
	if !s.state.IsOwner(caller) {
		return 0, unit.ErrNotOwner
	}
	return s.store.Clear(ctx)
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
