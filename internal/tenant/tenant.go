// Package tenant hosts provisioned units inside the server process.
//
// Each unit bundles its own state, stores and domain services; the Manager
// owns the bundles and doubles as the local hosting substrate for the
// factory in single-process deployments. With a database configured the
// per-unit stores are Postgres-backed, otherwise they live in memory.
package tenant

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ckpay/platform/internal/billing"
	"github.com/ckpay/platform/internal/circuitbreaker"
	"github.com/ckpay/platform/internal/coupon"
	"github.com/ckpay/platform/internal/identity"
	"github.com/ckpay/platform/internal/ledger"
	"github.com/ckpay/platform/internal/realtime"
	"github.com/ckpay/platform/internal/settlement"
	"github.com/ckpay/platform/internal/unit"
	"github.com/ckpay/platform/internal/webhooks"
)

var ErrUnitNotFound = errors.New("unit not found")

const (
	defaultWebhookTimeout  = 10 * time.Second
	defaultWebhookAttempts = 3
)

// Unit is one hosted unit: its configuration state plus the domain services
// operating on it.
type Unit struct {
	ID         string
	State      *unit.State
	Coupons    *coupon.Service
	Billing    *billing.Service
	Settlement *settlement.Engine
	Webhooks   *webhooks.Dispatcher

	stores unitStores
	secret string
}

// unitStores holds a unit's persistence layer. Upgrades rebuild the service
// bundle but carry these over so domain state survives in-place.
type unitStores struct {
	coupons    coupon.Store
	billing    billing.Store
	settlement settlement.Store
}

// WebhookSecret returns the unit's webhook signing secret. Receivers use it
// to verify the X-Ckpay-Signature header.
func (u *Unit) WebhookSecret() string { return u.secret }

// Manager owns the hosted units.
type Manager struct {
	db     *sql.DB
	ledger ledger.Client
	logger *slog.Logger
	hub    *realtime.Hub

	webhookTimeout  time.Duration
	webhookAttempts int
	breaker         *circuitbreaker.Breaker

	mu       sync.RWMutex
	units    map[string]*Unit
	reserved map[string]uint64
	nextID   uint64
}

// NewManager creates a unit manager. A nil db selects in-memory stores.
func NewManager(db *sql.DB, ledgerClient ledger.Client, logger *slog.Logger) *Manager {
	return &Manager{
		db:              db,
		ledger:          ledgerClient,
		logger:          logger,
		webhookTimeout:  defaultWebhookTimeout,
		webhookAttempts: defaultWebhookAttempts,
		breaker:         circuitbreaker.New(5, 60*time.Second),
		units:           make(map[string]*Unit),
		reserved:        make(map[string]uint64),
	}
}

// WithWebhookPolicy overrides the delivery timeout and retry count used by
// every unit's webhook dispatcher.
func (m *Manager) WithWebhookPolicy(timeout time.Duration, attempts int) *Manager {
	if timeout > 0 {
		m.webhookTimeout = timeout
	}
	if attempts > 0 {
		m.webhookAttempts = attempts
	}
	return m
}

// WithRealtime additionally publishes unit events to a WebSocket hub.
func (m *Manager) WithRealtime(hub *realtime.Hub) *Manager {
	m.hub = hub
	return m
}

// Unit returns a hosted unit by ID.
func (m *Manager) Unit(id string) (*Unit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.units[id]
	if !ok {
		return nil, ErrUnitNotFound
	}
	return u, nil
}

// UnitIDs returns the IDs of every installed unit.
func (m *Manager) UnitIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.units))
	for id := range m.units {
		ids = append(ids, id)
	}
	return ids
}

// build assembles a unit's service bundle around the given state. A non-nil
// prior store set is carried over unchanged, so upgrades keep the unit's
// invoices, balances, coupons, and subscriptions. The webhook endpoint reads
// the live config on every delivery, so owners can repoint their webhook URL
// without a rebuild.
func (m *Manager) build(ctx context.Context, id string, st *unit.State, secret string, prior *unitStores) (*Unit, error) {
	var stores unitStores
	switch {
	case prior != nil:
		stores = *prior
	case m.db != nil:
		cs := coupon.NewPostgresStore(m.db, id)
		bs := billing.NewPostgresStore(m.db, id)
		ss := settlement.NewPostgresStore(m.db, id)
		for _, migrate := range []func(context.Context) error{cs.Migrate, bs.Migrate, ss.Migrate} {
			if err := migrate(ctx); err != nil {
				return nil, fmt.Errorf("migrate unit %s: %w", id, err)
			}
		}
		stores = unitStores{coupons: cs, billing: bs, settlement: ss}
	default:
		stores = unitStores{
			coupons:    coupon.NewMemoryStore(),
			billing:    billing.NewMemoryStore(),
			settlement: settlement.NewMemoryStore(),
		}
	}

	dispatcher := webhooks.NewDispatcher(id, func() (string, string) {
		return st.Config().WebhookURL, secret
	}, m.webhookTimeout, m.webhookAttempts).WithBreaker(m.breaker)
	emitter := webhooks.NewEmitter(dispatcher, m.logger)

	var (
		settleSink  settlement.EventSink = emitter
		billingSink billing.EventSink    = emitter
	)
	if m.hub != nil {
		feed := realtime.NewFeed(m.hub, id)
		settleSink = settlementSinks{emitter, feed}
		billingSink = billingSinks{emitter, feed}
	}

	coupons := coupon.NewService(stores.coupons, st)
	return &Unit{
		ID:      id,
		State:   st,
		Coupons: coupons,
		Billing: billing.NewService(stores.billing, st).WithEvents(billingSink),
		Settlement: settlement.NewEngine(stores.settlement, st, m.ledger, m.logger).
			WithCoupons(coupons).
			WithEvents(settleSink),
		Webhooks: dispatcher,
		stores:   stores,
		secret:   secret,
	}, nil
}

// settlementSinks fans one settlement event out to several sinks.
type settlementSinks []settlement.EventSink

func (s settlementSinks) PaymentSucceeded(ctx context.Context, inv *settlement.Invoice, tx *settlement.Transaction) {
	for _, sink := range s {
		sink.PaymentSucceeded(ctx, inv, tx)
	}
}

func (s settlementSinks) PaymentFailed(ctx context.Context, inv *settlement.Invoice, tx *settlement.Transaction) {
	for _, sink := range s {
		sink.PaymentFailed(ctx, inv, tx)
	}
}

func (s settlementSinks) WithdrawalCompleted(ctx context.Context, tokenSymbol string, amount uint64, to identity.Principal) {
	for _, sink := range s {
		sink.WithdrawalCompleted(ctx, tokenSymbol, amount, to)
	}
}

// billingSinks fans one billing event out to several sinks.
type billingSinks []billing.EventSink

func (s billingSinks) SubscriptionCreated(ctx context.Context, sub *billing.Subscription) {
	for _, sink := range s {
		sink.SubscriptionCreated(ctx, sub)
	}
}

func (s billingSinks) SubscriptionRenewed(ctx context.Context, sub *billing.Subscription, payment *billing.Payment) {
	for _, sink := range s {
		sink.SubscriptionRenewed(ctx, sub, payment)
	}
}

func (s billingSinks) SubscriptionCancelled(ctx context.Context, sub *billing.Subscription) {
	for _, sink := range s {
		sink.SubscriptionCancelled(ctx, sub)
	}
}
