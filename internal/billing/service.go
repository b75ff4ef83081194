package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/ckpay/platform/internal/identity"
	"github.com/ckpay/platform/internal/unit"
)

// Service provides subscription billing logic for one tenant unit.
type Service struct {
	store Store
	state *unit.State
	sink  EventSink
	now   func() time.Time
}

// NewService creates a billing service bound to a unit's state.
func NewService(store Store, state *unit.State) *Service {
	return &Service{
		store: store,
		state: state,
		now:   time.Now,
	}
}

// WithEvents attaches a sink for subscription lifecycle events.
func (s *Service) WithEvents(sink EventSink) *Service {
	s.sink = sink
	return s
}

// WithClock overrides the service clock, for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) validatePlan(p *Plan) error {
	if p.Name == "" {
		return fmt.Errorf("plan name cannot be empty")
	}
	if p.Description == "" {
		return fmt.Errorf("plan description cannot be empty")
	}
	if p.Price == 0 {
		return fmt.Errorf("plan price must be greater than 0")
	}
	if p.Token == "" {
		return fmt.Errorf("plan token cannot be empty")
	}
	if p.Interval.Duration() <= 0 {
		return fmt.Errorf("billing interval must be positive")
	}
	if _, ok := s.state.Config().ActiveToken(p.Token); !ok {
		return fmt.Errorf("token not supported or inactive")
	}
	return nil
}

// CreatePlan stores a new subscription plan and returns its id. Owner only.
func (s *Service) CreatePlan(ctx context.Context, caller identity.Principal, p Plan) (string, error) {
	if !s.state.IsOwner(caller) {
		return "", unit.ErrNotOwner
	}
	if err := s.validatePlan(&p); err != nil {
		return "", err
	}

	n, err := s.store.NextID(ctx)
	if err != nil {
		return "", fmt.Errorf("next plan id: %w", err)
	}

	now := s.now()
	p.ID = fmt.Sprintf("plan_%d", n)
	p.CreatedAt = now
	p.UpdatedAt = now

	if err := s.store.CreatePlan(ctx, &p); err != nil {
		return "", err
	}
	return p.ID, nil
}

// UpdatePlan replaces a plan's definition, preserving its creation time.
// Owner only. Existing subscriptions keep billing on the updated terms from
// their next renewal.
func (s *Service) UpdatePlan(ctx context.Context, caller identity.Principal, id string, updated Plan) error {
	if !s.state.IsOwner(caller) {
		return unit.ErrNotOwner
	}
	if err := s.validatePlan(&updated); err != nil {
		return err
	}

	existing, err := s.store.GetPlan(ctx, id)
	if err != nil {
		return err
	}

	updated.ID = id
	updated.CreatedAt = existing.CreatedAt
	updated.UpdatedAt = s.now()

	return s.store.UpdatePlan(ctx, &updated)
}

// GetPlan returns a plan by id.
func (s *Service) GetPlan(ctx context.Context, id string) (*Plan, error) {
	return s.store.GetPlan(ctx, id)
}

// ListPlans returns every plan.
func (s *Service) ListPlans(ctx context.Context) ([]*Plan, error) {
	return s.store.ListPlans(ctx)
}

// ListActivePlans returns plans open for new subscriptions.
func (s *Service) ListActivePlans(ctx context.Context) ([]*Plan, error) {
	all, err := s.store.ListPlans(ctx)
	if err != nil {
		return nil, err
	}
	result := make([]*Plan, 0, len(all))
	for _, p := range all {
		if p.Active {
			result = append(result, p)
		}
	}
	return result, nil
}

// DeletePlan removes a plan. Owner only. Refused while the plan still has
// active or payment-pending subscriptions.
func (s *Service) DeletePlan(ctx context.Context, caller identity.Principal, id string) error {
	if !s.state.IsOwner(caller) {
		return unit.ErrNotOwner
	}

	subs, err := s.store.ListByPlan(ctx, id)
	if err != nil {
		return err
	}
	for _, sub := range subs {
		if sub.Status == StatusActive || sub.Status == StatusPendingPayment {
			return ErrPlanHasSubscriptions
		}
	}

	return s.store.DeletePlan(ctx, id)
}

// TogglePlan flips a plan's active flag and returns the new value. Owner only.
func (s *Service) TogglePlan(ctx context.Context, caller identity.Principal, id string) (bool, error) {
	if !s.state.IsOwner(caller) {
		return false, unit.ErrNotOwner
	}
	p, err := s.store.GetPlan(ctx, id)
	if err != nil {
		return false, err
	}
	p.Active = !p.Active
	p.UpdatedAt = s.now()
	if err := s.store.UpdatePlan(ctx, p); err != nil {
		return false, err
	}
	return p.Active, nil
}

func countsAgainstPlan(st Status) bool {
	return st == StatusActive || st == StatusPendingPayment
}

// Subscribe creates a subscription for the caller on the given plan. With a
// trial the subscription starts active and bills when the trial ends;
// without one it starts pending its initial payment.
func (s *Service) Subscribe(ctx context.Context, caller identity.Principal, planID string, metadata unit.Metadata) (string, error) {
	if caller.IsAnonymous() {
		return "", fmt.Errorf("anonymous callers cannot subscribe")
	}

	plan, err := s.store.GetPlan(ctx, planID)
	if err != nil {
		return "", err
	}
	if !plan.Active {
		return "", ErrPlanInactive
	}

	existing, err := s.store.ListByPlan(ctx, planID)
	if err != nil {
		return "", err
	}
	var activeCount uint32
	for _, sub := range existing {
		if !countsAgainstPlan(sub.Status) {
			continue
		}
		activeCount++
		if sub.Subscriber == caller {
			return "", ErrAlreadySubscribed
		}
	}
	if plan.MaxSubscriptions > 0 && activeCount >= plan.MaxSubscriptions {
		return "", ErrPlanFull
	}

	n, err := s.store.NextID(ctx)
	if err != nil {
		return "", fmt.Errorf("next subscription id: %w", err)
	}

	now := s.now()
	interval := plan.Interval.Duration()

	sub := &Subscription{
		ID:                 fmt.Sprintf("sub_%d", n),
		PlanID:             planID,
		Subscriber:         caller,
		Status:             StatusPendingPayment,
		CurrentPeriodStart: now,
		CurrentPeriodEnd:   now.Add(interval),
		NextBillingDate:    now.Add(interval),
		Metadata:           metadata,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if plan.TrialDays > 0 {
		trialEnd := now.Add(time.Duration(plan.TrialDays) * 24 * time.Hour)
		sub.Status = StatusActive
		sub.TrialEnd = &trialEnd
		sub.NextBillingDate = trialEnd
	}

	if err := s.store.CreateSubscription(ctx, sub); err != nil {
		return "", err
	}
	if s.sink != nil {
		s.sink.SubscriptionCreated(ctx, sub)
	}
	return sub.ID, nil
}

// GetSubscription returns a subscription by id.
func (s *Service) GetSubscription(ctx context.Context, id string) (*Subscription, error) {
	return s.store.GetSubscription(ctx, id)
}

// ListSubscriptions returns every subscription. Owner only.
func (s *Service) ListSubscriptions(ctx context.Context, caller identity.Principal) ([]*Subscription, error) {
	if !s.state.IsOwner(caller) {
		return nil, unit.ErrNotOwner
	}
	return s.store.ListSubscriptions(ctx)
}

// ListSubscriberSubscriptions returns the given subscriber's subscriptions.
func (s *Service) ListSubscriberSubscriptions(ctx context.Context, subscriber identity.Principal) ([]*Subscription, error) {
	return s.store.ListBySubscriber(ctx, subscriber)
}

// ListPlanSubscriptions returns a plan's subscriptions.
func (s *Service) ListPlanSubscriptions(ctx context.Context, planID string) ([]*Subscription, error) {
	return s.store.ListByPlan(ctx, planID)
}

func (s *Service) authorize(caller identity.Principal, sub *Subscription) error {
	if caller != sub.Subscriber && !s.state.IsOwner(caller) {
		return ErrNotAuthorized
	}
	return nil
}

// Cancel cancels a subscription. Immediate cancellation takes effect at once;
// otherwise the subscription runs until its current period ends and is
// finalized during the next renewal. Subscriber or owner only.
func (s *Service) Cancel(ctx context.Context, caller identity.Principal, id string, immediately bool) error {
	sub, err := s.store.GetSubscription(ctx, id)
	if err != nil {
		return err
	}
	if err := s.authorize(caller, sub); err != nil {
		return err
	}
	if sub.Status == StatusCancelled {
		return ErrAlreadyCancelled
	}

	now := s.now()
	if immediately {
		sub.Status = StatusCancelled
		sub.CancelledAt = &now
	} else {
		sub.CancelAtPeriodEnd = true
	}
	sub.UpdatedAt = now

	if err := s.store.UpdateSubscription(ctx, sub); err != nil {
		return err
	}
	if immediately && s.sink != nil {
		s.sink.SubscriptionCancelled(ctx, sub)
	}
	return nil
}

// Pause pauses an active subscription. Subscriber or owner only.
func (s *Service) Pause(ctx context.Context, caller identity.Principal, id string) error {
	sub, err := s.store.GetSubscription(ctx, id)
	if err != nil {
		return err
	}
	if err := s.authorize(caller, sub); err != nil {
		return err
	}
	if sub.Status != StatusActive {
		return ErrNotActive
	}

	sub.Status = StatusPaused
	sub.UpdatedAt = s.now()
	return s.store.UpdateSubscription(ctx, sub)
}

// Resume reactivates a paused subscription. Subscriber or owner only.
func (s *Service) Resume(ctx context.Context, caller identity.Principal, id string) error {
	sub, err := s.store.GetSubscription(ctx, id)
	if err != nil {
		return err
	}
	if err := s.authorize(caller, sub); err != nil {
		return err
	}
	if sub.Status != StatusPaused {
		return ErrNotPaused
	}

	sub.Status = StatusActive
	sub.UpdatedAt = s.now()
	return s.store.UpdateSubscription(ctx, sub)
}

// UpdateMetadata replaces a subscription's metadata. Subscriber or owner only.
func (s *Service) UpdateMetadata(ctx context.Context, caller identity.Principal, id string, metadata unit.Metadata) error {
	sub, err := s.store.GetSubscription(ctx, id)
	if err != nil {
		return err
	}
	if err := s.authorize(caller, sub); err != nil {
		return err
	}

	sub.Metadata = metadata
	sub.UpdatedAt = s.now()
	return s.store.UpdateSubscription(ctx, sub)
}

// ProcessPayment charges a due subscription and advances it one billing
// period. The payment record covers the period just ended; the new period
// starts where the old one ended, so billing dates never drift. If the
// subscription was marked to cancel at period end it is finalized here.
func (s *Service) ProcessPayment(ctx context.Context, id string) (string, error) {
	sub, err := s.store.GetSubscription(ctx, id)
	if err != nil {
		return "", err
	}
	plan, err := s.store.GetPlan(ctx, sub.PlanID)
	if err != nil {
		return "", err
	}

	now := s.now()
	if now.Before(sub.NextBillingDate) {
		return "", ErrPaymentNotDue
	}

	payment := &Payment{
		ID:             fmt.Sprintf("pay_%s_%d", id, now.UnixNano()),
		SubscriptionID: id,
		Amount:         plan.Price,
		Token:          plan.Token,
		PeriodStart:    sub.CurrentPeriodStart,
		PeriodEnd:      sub.CurrentPeriodEnd,
		PaymentDate:    now,
		Status:         "paid",
	}

	interval := plan.Interval.Duration()
	sub.Status = StatusActive
	sub.CurrentPeriodStart = sub.CurrentPeriodEnd
	sub.CurrentPeriodEnd = sub.CurrentPeriodEnd.Add(interval)
	sub.NextBillingDate = sub.CurrentPeriodEnd
	sub.TotalPayments += plan.Price
	sub.PaymentFailures = 0
	sub.UpdatedAt = now

	cancelled := false
	if sub.CancelAtPeriodEnd {
		sub.Status = StatusCancelled
		sub.CancelledAt = &now
		cancelled = true
	}

	if err := s.store.UpdateSubscription(ctx, sub); err != nil {
		return "", err
	}
	if err := s.store.AddPayment(ctx, payment); err != nil {
		return "", err
	}

	if s.sink != nil {
		s.sink.SubscriptionRenewed(ctx, sub, payment)
		if cancelled {
			s.sink.SubscriptionCancelled(ctx, sub)
		}
	}
	return payment.ID, nil
}

// GetPayment returns a subscription payment by id.
func (s *Service) GetPayment(ctx context.Context, id string) (*Payment, error) {
	return s.store.GetPayment(ctx, id)
}

// ListPayments returns a subscription's payment history.
func (s *Service) ListPayments(ctx context.Context, subscriptionID string) ([]*Payment, error) {
	return s.store.ListPayments(ctx, subscriptionID)
}

// Stats returns plan and subscription counts. Owner only.
func (s *Service) Stats(ctx context.Context, caller identity.Principal) (*Stats, error) {
	if !s.state.IsOwner(caller) {
		return nil, unit.ErrNotOwner
	}
	plans, err := s.store.ListPlans(ctx)
	if err != nil {
		return nil, err
	}
	subs, err := s.store.ListSubscriptions(ctx)
	if err != nil {
		return nil, err
	}
	stats := &Stats{
		Plans:         uint32(len(plans)),
		Subscriptions: uint32(len(subs)),
	}
	for _, sub := range subs {
		if sub.Status == StatusActive {
			stats.ActiveSubscriptions++
		}
	}
	return stats, nil
}

// Clear removes every plan, subscription, and payment. Owner only. Returns
// the number of plans and subscriptions removed.
func (s *Service) Clear(ctx context.Context, caller identity.Principal) (int, error) {
	if !s.state.IsOwner(caller) {
		return 0, unit.ErrNotOwner
	}
	return s.store.Clear(ctx)
}
