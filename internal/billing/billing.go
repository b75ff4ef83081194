// Package billing implements subscription plans and recurring billing for
// tenant units.
//
// Billing intervals are fixed durations (a month is 30 days, a year 365);
// calendar-aware billing is out of scope. Plans and subscriptions share one
// id sequence, so ids interleave: plan_0, sub_1, plan_2, ...
package billing

import (
	"context"
	"errors"
	"time"

	"github.com/ckpay/platform/internal/identity"
	"github.com/ckpay/platform/internal/unit"
)

var (
	ErrPlanNotFound         = errors.New("subscription plan not found")
	ErrPlanInactive         = errors.New("subscription plan is not active")
	ErrPlanHasSubscriptions = errors.New("cannot delete plan with active subscriptions")
	ErrPlanFull             = errors.New("subscription plan has reached maximum number of subscriptions")
	ErrAlreadySubscribed    = errors.New("subscriber already has an active subscription to this plan")
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrAlreadyCancelled     = errors.New("subscription is already cancelled")
	ErrNotActive            = errors.New("only active subscriptions can be paused")
	ErrNotPaused            = errors.New("only paused subscriptions can be resumed")
	ErrNotAuthorized        = errors.New("only the subscriber or owner can manage this subscription")
	ErrPaymentNotDue        = errors.New("payment is not yet due")
	ErrPaymentNotFound      = errors.New("subscription payment not found")
)

// IntervalUnit names a billing cadence.
type IntervalUnit string

const (
	IntervalDaily     IntervalUnit = "daily"
	IntervalWeekly    IntervalUnit = "weekly"
	IntervalMonthly   IntervalUnit = "monthly"
	IntervalQuarterly IntervalUnit = "quarterly"
	IntervalYearly    IntervalUnit = "yearly"
	IntervalCustom    IntervalUnit = "custom"
)

// Interval is a billing cadence. Seconds is only meaningful for the custom
// unit.
type Interval struct {
	Unit    IntervalUnit `json:"unit"`
	Seconds uint64       `json:"seconds,omitempty"`
}

// Duration returns the fixed length of one billing period.
func (iv Interval) Duration() time.Duration {
	switch iv.Unit {
	case IntervalDaily:
		return 24 * time.Hour
	case IntervalWeekly:
		return 7 * 24 * time.Hour
	case IntervalMonthly:
		return 30 * 24 * time.Hour
	case IntervalQuarterly:
		return 90 * 24 * time.Hour
	case IntervalYearly:
		return 365 * 24 * time.Hour
	case IntervalCustom:
		return time.Duration(iv.Seconds) * time.Second
	default:
		return 0
	}
}

// Plan is a subscription offering priced in one of the unit's tokens.
// A zero TrialDays means no trial; a zero MaxSubscriptions means unlimited.
type Plan struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	Description      string    `json:"description"`
	Price            uint64    `json:"price"`
	Token            string    `json:"token"`
	Interval         Interval  `json:"interval"`
	TrialDays        uint32    `json:"trialDays,omitempty"`
	MaxSubscriptions uint32    `json:"maxSubscriptions,omitempty"`
	Active           bool      `json:"active"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// Status is a subscription's lifecycle state.
type Status string

const (
	StatusActive         Status = "active"
	StatusPaused         Status = "paused"
	StatusCancelled      Status = "cancelled"
	StatusExpired        Status = "expired"
	StatusPendingPayment Status = "pending_payment"
)

// Subscription binds a subscriber to a plan across billing periods.
type Subscription struct {
	ID                 string             `json:"id"`
	PlanID             string             `json:"planId"`
	Subscriber         identity.Principal `json:"subscriber"`
	Status             Status             `json:"status"`
	CurrentPeriodStart time.Time          `json:"currentPeriodStart"`
	CurrentPeriodEnd   time.Time          `json:"currentPeriodEnd"`
	NextBillingDate    time.Time          `json:"nextBillingDate"`
	TrialEnd           *time.Time         `json:"trialEnd,omitempty"`
	CancelledAt        *time.Time         `json:"cancelledAt,omitempty"`
	CancelAtPeriodEnd  bool               `json:"cancelAtPeriodEnd"`
	TotalPayments      uint64             `json:"totalPayments"`
	PaymentFailures    uint32             `json:"paymentFailures"`
	Metadata           unit.Metadata      `json:"metadata,omitempty"`
	CreatedAt          time.Time          `json:"createdAt"`
	UpdatedAt          time.Time          `json:"updatedAt"`
}

// Payment records one billing charge against a subscription.
type Payment struct {
	ID             string    `json:"id"`
	SubscriptionID string    `json:"subscriptionId"`
	Amount         uint64    `json:"amount"`
	Token          string    `json:"token"`
	PeriodStart    time.Time `json:"periodStart"`
	PeriodEnd      time.Time `json:"periodEnd"`
	PaymentDate    time.Time `json:"paymentDate"`
	Status         string    `json:"status"` // "pending", "paid", "failed"
	TransactionID  string    `json:"transactionId,omitempty"`
	FailureReason  string    `json:"failureReason,omitempty"`
}

// Stats summarizes a unit's billing state.
type Stats struct {
	Plans               uint32 `json:"plans"`
	Subscriptions       uint32 `json:"subscriptions"`
	ActiveSubscriptions uint32 `json:"activeSubscriptions"`
}

// Store persists plans, subscriptions, and payments for one unit. Plans and
// subscriptions allocate ids from the same sequence.
type Store interface {
	CreatePlan(ctx context.Context, p *Plan) error
	GetPlan(ctx context.Context, id string) (*Plan, error)
	UpdatePlan(ctx context.Context, p *Plan) error
	DeletePlan(ctx context.Context, id string) error
	ListPlans(ctx context.Context) ([]*Plan, error)

	CreateSubscription(ctx context.Context, s *Subscription) error
	GetSubscription(ctx context.Context, id string) (*Subscription, error)
	UpdateSubscription(ctx context.Context, s *Subscription) error
	ListSubscriptions(ctx context.Context) ([]*Subscription, error)
	ListBySubscriber(ctx context.Context, subscriber identity.Principal) ([]*Subscription, error)
	ListByPlan(ctx context.Context, planID string) ([]*Subscription, error)

	AddPayment(ctx context.Context, p *Payment) error
	GetPayment(ctx context.Context, id string) (*Payment, error)
	ListPayments(ctx context.Context, subscriptionID string) ([]*Payment, error)

	NextID(ctx context.Context) (uint64, error)
	Clear(ctx context.Context) (int, error)
}

// EventSink receives subscription lifecycle notifications. All methods are
// best-effort; implementations must not block settlement.
type EventSink interface {
	SubscriptionCreated(ctx context.Context, sub *Subscription)
	SubscriptionRenewed(ctx context.Context, sub *Subscription, payment *Payment)
	SubscriptionCancelled(ctx context.Context, sub *Subscription)
}
