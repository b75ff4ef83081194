package webhooks

import (
	"context"
	"log/slog"
	"time"

	"github.com/ckpay/platform/internal/billing"
	"github.com/ckpay/platform/internal/identity"
	"github.com/ckpay/platform/internal/settlement"
)

// Emitter adapts a unit's Dispatcher to the settlement and billing event
// sinks. All methods are fire-and-forget: delivery runs in the background
// and failures are logged, never surfaced to the payment pipeline.
type Emitter struct {
	d      *Dispatcher
	logger *slog.Logger
}

// NewEmitter creates a webhook emitter over a dispatcher.
func NewEmitter(d *Dispatcher, logger *slog.Logger) *Emitter {
	return &Emitter{d: d, logger: logger}
}

// Compile-time checks against the sinks the emitter serves.
var (
	_ settlement.EventSink = (*Emitter)(nil)
	_ billing.EventSink    = (*Emitter)(nil)
)

func (e *Emitter) emit(eventType EventType, data map[string]interface{}) {
	if e == nil || e.d == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := e.d.Dispatch(ctx, eventType, data); err != nil {
			e.logger.Warn("webhook delivery failed", "event", eventType, "error", err)
		}
	}()
}

func (e *Emitter) PaymentSucceeded(_ context.Context, inv *settlement.Invoice, tx *settlement.Transaction) {
	e.emit(EventPaymentSucceeded, map[string]interface{}{
		"invoiceId":     inv.ID,
		"transactionId": tx.ID,
		"token":         tx.Token.Symbol,
		"amount":        tx.Amount,
		"merchantFee":   tx.MerchantFee,
		"payer":         tx.From.String(),
	})
}

func (e *Emitter) PaymentFailed(_ context.Context, inv *settlement.Invoice, tx *settlement.Transaction) {
	e.emit(EventPaymentFailed, map[string]interface{}{
		"invoiceId":     inv.ID,
		"transactionId": tx.ID,
		"token":         tx.Token.Symbol,
		"amount":        tx.Amount,
		"reason":        tx.FailureReason,
	})
}

func (e *Emitter) WithdrawalCompleted(_ context.Context, tokenSymbol string, amount uint64, to identity.Principal) {
	e.emit(EventWithdrawalCompleted, map[string]interface{}{
		"token":  tokenSymbol,
		"amount": amount,
		"to":     to.String(),
	})
}

func (e *Emitter) SubscriptionCreated(_ context.Context, sub *billing.Subscription) {
	e.emit(EventSubscriptionCreated, map[string]interface{}{
		"subscriptionId": sub.ID,
		"planId":         sub.PlanID,
		"subscriber":     sub.Subscriber.String(),
		"status":         string(sub.Status),
	})
}

func (e *Emitter) SubscriptionRenewed(_ context.Context, sub *billing.Subscription, payment *billing.Payment) {
	e.emit(EventSubscriptionRenewed, map[string]interface{}{
		"subscriptionId": sub.ID,
		"planId":         sub.PlanID,
		"paymentId":      payment.ID,
		"amount":         payment.Amount,
		"token":          payment.Token,
	})
}

func (e *Emitter) SubscriptionCancelled(_ context.Context, sub *billing.Subscription) {
	e.emit(EventSubscriptionCancelled, map[string]interface{}{
		"subscriptionId": sub.ID,
		"planId":         sub.PlanID,
		"subscriber":     sub.Subscriber.String(),
	})
}
