package realtime

import (
	"context"
	"time"

	"github.com/ckpay/platform/internal/billing"
	"github.com/ckpay/platform/internal/identity"
	"github.com/ckpay/platform/internal/metrics"
	"github.com/ckpay/platform/internal/settlement"
)

// Feed adapts the hub to a unit's settlement and billing event sinks, so
// subscribed dashboards see activity the moment it settles.
type Feed struct {
	hub    *Hub
	unitID string
}

// NewFeed creates a feed publishing one unit's events to the hub.
func NewFeed(hub *Hub, unitID string) *Feed {
	return &Feed{hub: hub, unitID: unitID}
}

var (
	_ settlement.EventSink = (*Feed)(nil)
	_ billing.EventSink    = (*Feed)(nil)
)

func (f *Feed) publish(eventType EventType, data map[string]interface{}) {
	if f == nil || f.hub == nil {
		return
	}
	data["unitId"] = f.unitID
	f.hub.Broadcast(&Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	})
}

func (f *Feed) PaymentSucceeded(_ context.Context, inv *settlement.Invoice, tx *settlement.Transaction) {
	metrics.PaymentsTotal.WithLabelValues(string(tx.Status)).Inc()
	f.publish(EventPaymentSucceeded, map[string]interface{}{
		"invoiceId":     inv.ID,
		"transactionId": tx.ID,
		"token":         tx.Token.Symbol,
		"amount":        tx.Amount,
		"payer":         tx.From.String(),
	})
}

func (f *Feed) PaymentFailed(_ context.Context, inv *settlement.Invoice, tx *settlement.Transaction) {
	metrics.PaymentsTotal.WithLabelValues(string(tx.Status)).Inc()
	f.publish(EventPaymentFailed, map[string]interface{}{
		"invoiceId":     inv.ID,
		"transactionId": tx.ID,
		"token":         tx.Token.Symbol,
		"amount":        tx.Amount,
		"reason":        tx.FailureReason,
	})
}

func (f *Feed) WithdrawalCompleted(_ context.Context, tokenSymbol string, amount uint64, to identity.Principal) {
	f.publish(EventWithdrawal, map[string]interface{}{
		"token":  tokenSymbol,
		"amount": amount,
		"to":     to.String(),
	})
}

func (f *Feed) SubscriptionCreated(_ context.Context, sub *billing.Subscription) {
	f.publish(EventSubscriptionCreated, map[string]interface{}{
		"subscriptionId": sub.ID,
		"planId":         sub.PlanID,
		"status":         string(sub.Status),
	})
}

func (f *Feed) SubscriptionRenewed(_ context.Context, sub *billing.Subscription, payment *billing.Payment) {
	metrics.SubscriptionRenewalsTotal.Inc()
	f.publish(EventSubscriptionRenewed, map[string]interface{}{
		"subscriptionId": sub.ID,
		"planId":         sub.PlanID,
		"paymentId":      payment.ID,
		"token":          payment.Token,
		"amount":         payment.Amount,
	})
}

func (f *Feed) SubscriptionCancelled(_ context.Context, sub *billing.Subscription) {
	f.publish(EventSubscriptionCancelled, map[string]interface{}{
		"subscriptionId": sub.ID,
		"planId":         sub.PlanID,
	})
}
