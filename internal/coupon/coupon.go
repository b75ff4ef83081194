// Package coupon implements discount coupons for tenant units.
//
// Coupons are owner-managed and applied during settlement. A coupon use is
// consumed at validation time; if the surrounding payment later fails, the
// use is not refunded (soft-hold semantics).
package coupon

import (
	"context"
	"errors"
	"time"

	"github.com/ckpay/platform/internal/identity"
)

var (
	ErrNotFound      = errors.New("coupon not found")
	ErrCodeExists    = errors.New("a coupon with this code already exists")
	ErrNotActive     = errors.New("coupon is not active")
	ErrExpired       = errors.New("coupon has expired")
	ErrLimitReached  = errors.New("coupon usage limit reached")
	ErrNotApplicable = errors.New("coupon is not applicable to this token")
)

// Kind discriminates how a coupon discounts an amount.
type Kind string

const (
	KindPercentage   Kind = "percentage"
	KindFixedAmount  Kind = "fixed_amount"
	KindFreeShipping Kind = "free_shipping"
)

// Coupon is a discount definition. Percent is used by percentage coupons,
// Amount by fixed-amount coupons. A zero UsageLimit means unlimited; a nil
// ExpiresAt means no expiry; an empty ApplicableTokens list applies to every
// token.
type Coupon struct {
	ID               string     `json:"id"`
	Code             string     `json:"code"`
	Description      string     `json:"description"`
	Kind             Kind       `json:"kind"`
	Percent          uint32     `json:"percent,omitempty"`
	Amount           uint64     `json:"amount,omitempty"`
	MinimumAmount    uint64     `json:"minimumAmount,omitempty"`
	ApplicableTokens []string   `json:"applicableTokens,omitempty"`
	UsageLimit       uint32     `json:"usageLimit,omitempty"`
	UsedCount        uint32     `json:"usedCount"`
	ExpiresAt        *time.Time `json:"expiresAt,omitempty"`
	Active           bool       `json:"active"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
}

// Discount computes the discount the coupon grants on amount. Percentage
// discounts round down; fixed discounts are capped at the amount; free
// shipping grants no monetary discount here.
func (c *Coupon) Discount(amount uint64) uint64 {
	switch c.Kind {
	case KindPercentage:
		return amount * uint64(c.Percent) / 100
	case KindFixedAmount:
		if c.Amount > amount {
			return amount
		}
		return c.Amount
	default:
		return 0
	}
}

// Usage is one recorded application of a coupon.
type Usage struct {
	ID              string             `json:"id"`
	CouponID        string             `json:"couponId"`
	User            identity.Principal `json:"user"`
	InvoiceID       string             `json:"invoiceId"`
	DiscountApplied uint64             `json:"discountApplied"`
	UsedAt          time.Time          `json:"usedAt"`
}

// Store persists coupons and their usage history for one unit.
type Store interface {
	Create(ctx context.Context, c *Coupon) error
	Get(ctx context.Context, id string) (*Coupon, error)
	GetByCode(ctx context.Context, code string) (*Coupon, error)
	Update(ctx context.Context, c *Coupon) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]*Coupon, error)
	NextID(ctx context.Context) (uint64, error)

	AddUsage(ctx context.Context, u *Usage) error
	ListUsage(ctx context.Context, couponID string) ([]*Usage, error)
	DeleteUsage(ctx context.Context, couponID string) error
	Clear(ctx context.Context) (int, error)
}
