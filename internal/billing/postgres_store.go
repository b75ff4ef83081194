package billing

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/ckpay/platform/internal/identity"
	"github.com/ckpay/platform/internal/storage"
	"github.com/ckpay/platform/internal/unit"
)

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// PostgresStore implements Store backed by PostgreSQL, scoped to one unit.
type PostgresStore struct {
	db     *sql.DB
	unitID string
}

// NewPostgresStore creates a PostgreSQL-backed billing store for a unit.
func NewPostgresStore(db *sql.DB, unitID string) *PostgresStore {
	return &PostgresStore{db: db, unitID: unitID}
}

// Migrate creates the billing tables if they don't exist.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS subscription_plans (
			unit_id           VARCHAR(64) NOT NULL,
			id                VARCHAR(36) NOT NULL,
			name              VARCHAR(100) NOT NULL,
			description       TEXT NOT NULL,
			price             BIGINT NOT NULL,
			token             VARCHAR(20) NOT NULL,
			interval_unit     VARCHAR(20) NOT NULL,
			interval_seconds  BIGINT NOT NULL DEFAULT 0,
			trial_days        INTEGER NOT NULL DEFAULT 0,
			max_subscriptions INTEGER NOT NULL DEFAULT 0,
			active            BOOLEAN NOT NULL DEFAULT TRUE,
			created_at        TIMESTAMPTZ DEFAULT NOW(),
			updated_at        TIMESTAMPTZ DEFAULT NOW(),
			PRIMARY KEY (unit_id, id)
		);

		CREATE TABLE IF NOT EXISTS subscriptions (
			unit_id              VARCHAR(64) NOT NULL,
			id                   VARCHAR(36) NOT NULL,
			plan_id              VARCHAR(36) NOT NULL,
			subscriber           VARCHAR(128) NOT NULL,
			status               VARCHAR(20) NOT NULL,
			current_period_start TIMESTAMPTZ NOT NULL,
			current_period_end   TIMESTAMPTZ NOT NULL,
			next_billing_date    TIMESTAMPTZ NOT NULL,
			trial_end            TIMESTAMPTZ,
			cancelled_at         TIMESTAMPTZ,
			cancel_at_period_end BOOLEAN NOT NULL DEFAULT FALSE,
			total_payments       BIGINT NOT NULL DEFAULT 0,
			payment_failures     INTEGER NOT NULL DEFAULT 0,
			metadata             JSONB NOT NULL DEFAULT '[]',
			created_at           TIMESTAMPTZ DEFAULT NOW(),
			updated_at           TIMESTAMPTZ DEFAULT NOW(),
			PRIMARY KEY (unit_id, id)
		);
		CREATE INDEX IF NOT EXISTS idx_subscriptions_plan ON subscriptions(unit_id, plan_id);
		CREATE INDEX IF NOT EXISTS idx_subscriptions_subscriber ON subscriptions(unit_id, subscriber);

		CREATE TABLE IF NOT EXISTS subscription_payments (
			unit_id         VARCHAR(64) NOT NULL,
			id              VARCHAR(128) NOT NULL,
			subscription_id VARCHAR(36) NOT NULL,
			amount          BIGINT NOT NULL,
			token           VARCHAR(20) NOT NULL,
			period_start    TIMESTAMPTZ NOT NULL,
			period_end      TIMESTAMPTZ NOT NULL,
			payment_date    TIMESTAMPTZ NOT NULL,
			status          VARCHAR(20) NOT NULL,
			transaction_id  VARCHAR(64),
			failure_reason  TEXT,
			PRIMARY KEY (unit_id, id)
		);
		CREATE INDEX IF NOT EXISTS idx_subscription_payments_sub ON subscription_payments(unit_id, subscription_id);
	`)
	return err
}

func (p *PostgresStore) CreatePlan(ctx context.Context, plan *Plan) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO subscription_plans (
			unit_id, id, name, description, price, token, interval_unit, interval_seconds,
			trial_days, max_subscriptions, active, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`,
		p.unitID, plan.ID, plan.Name, plan.Description, int64(plan.Price), plan.Token,
		string(plan.Interval.Unit), int64(plan.Interval.Seconds),
		plan.TrialDays, plan.MaxSubscriptions, plan.Active, plan.CreatedAt, plan.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert plan: %w", err)
	}
	return nil
}

const planColumns = `id, name, description, price, token, interval_unit, interval_seconds,
	trial_days, max_subscriptions, active, created_at, updated_at`

func (p *PostgresStore) GetPlan(ctx context.Context, id string) (*Plan, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+planColumns+` FROM subscription_plans WHERE unit_id = $1 AND id = $2`,
		p.unitID, id)
	plan, err := scanPlan(row)
	if err == sql.ErrNoRows {
		return nil, ErrPlanNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get plan: %w", err)
	}
	return plan, nil
}

func (p *PostgresStore) UpdatePlan(ctx context.Context, plan *Plan) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE subscription_plans SET
			name              = $3,
			description       = $4,
			price             = $5,
			token             = $6,
			interval_unit     = $7,
			interval_seconds  = $8,
			trial_days        = $9,
			max_subscriptions = $10,
			active            = $11,
			updated_at        = $12
		WHERE unit_id = $1 AND id = $2
	`,
		p.unitID, plan.ID, plan.Name, plan.Description, int64(plan.Price), plan.Token,
		string(plan.Interval.Unit), int64(plan.Interval.Seconds),
		plan.TrialDays, plan.MaxSubscriptions, plan.Active, plan.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update plan: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return ErrPlanNotFound
	}
	return nil
}

func (p *PostgresStore) DeletePlan(ctx context.Context, id string) error {
	result, err := p.db.ExecContext(ctx,
		`DELETE FROM subscription_plans WHERE unit_id = $1 AND id = $2`, p.unitID, id)
	if err != nil {
		return fmt.Errorf("delete plan: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return ErrPlanNotFound
	}
	return nil
}

func (p *PostgresStore) ListPlans(ctx context.Context) ([]*Plan, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+planColumns+` FROM subscription_plans WHERE unit_id = $1 ORDER BY created_at`,
		p.unitID)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Plan
	for rows.Next() {
		plan, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, plan)
	}
	return result, rows.Err()
}

const subscriptionColumns = `id, plan_id, subscriber, status, current_period_start, current_period_end,
	next_billing_date, trial_end, cancelled_at, cancel_at_period_end, total_payments,
	payment_failures, metadata, created_at, updated_at`

func (p *PostgresStore) CreateSubscription(ctx context.Context, s *Subscription) error {
	metadata, err := json.Marshal(s.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO subscriptions (
			unit_id, id, plan_id, subscriber, status, current_period_start, current_period_end,
			next_billing_date, trial_end, cancelled_at, cancel_at_period_end, total_payments,
			payment_failures, metadata, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`,
		p.unitID, s.ID, s.PlanID, s.Subscriber.String(), string(s.Status),
		s.CurrentPeriodStart, s.CurrentPeriodEnd, s.NextBillingDate, s.TrialEnd, s.CancelledAt,
		s.CancelAtPeriodEnd, int64(s.TotalPayments), s.PaymentFailures, metadata, s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert subscription: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetSubscription(ctx context.Context, id string) (*Subscription, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE unit_id = $1 AND id = $2`,
		p.unitID, id)
	s, err := scanSubscription(row)
	if err == sql.ErrNoRows {
		return nil, ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	return s, nil
}

func (p *PostgresStore) UpdateSubscription(ctx context.Context, s *Subscription) error {
	metadata, err := json.Marshal(s.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE subscriptions SET
			status               = $3,
			current_period_start = $4,
			current_period_end   = $5,
			next_billing_date    = $6,
			trial_end            = $7,
			cancelled_at         = $8,
			cancel_at_period_end = $9,
			total_payments       = $10,
			payment_failures     = $11,
			metadata             = $12,
			updated_at           = $13
		WHERE unit_id = $1 AND id = $2
	`,
		p.unitID, s.ID, string(s.Status), s.CurrentPeriodStart, s.CurrentPeriodEnd,
		s.NextBillingDate, s.TrialEnd, s.CancelledAt, s.CancelAtPeriodEnd,
		int64(s.TotalPayments), s.PaymentFailures, metadata, s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update subscription: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

func (p *PostgresStore) ListSubscriptions(ctx context.Context) ([]*Subscription, error) {
	return p.querySubscriptions(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE unit_id = $1 ORDER BY created_at`,
		p.unitID)
}

func (p *PostgresStore) ListBySubscriber(ctx context.Context, subscriber identity.Principal) ([]*Subscription, error) {
	return p.querySubscriptions(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE unit_id = $1 AND subscriber = $2 ORDER BY created_at`,
		p.unitID, subscriber.String())
}

func (p *PostgresStore) ListByPlan(ctx context.Context, planID string) ([]*Subscription, error) {
	return p.querySubscriptions(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE unit_id = $1 AND plan_id = $2 ORDER BY created_at`,
		p.unitID, planID)
}

func (p *PostgresStore) querySubscriptions(ctx context.Context, query string, args ...interface{}) ([]*Subscription, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Subscription
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, s)
	}
	return result, rows.Err()
}

func (p *PostgresStore) AddPayment(ctx context.Context, pay *Payment) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO subscription_payments (
			unit_id, id, subscription_id, amount, token, period_start, period_end,
			payment_date, status, transaction_id, failure_reason
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		p.unitID, pay.ID, pay.SubscriptionID, int64(pay.Amount), pay.Token,
		pay.PeriodStart, pay.PeriodEnd, pay.PaymentDate, pay.Status,
		nullString(pay.TransactionID), nullString(pay.FailureReason),
	)
	if err != nil {
		return fmt.Errorf("insert subscription payment: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetPayment(ctx context.Context, id string) (*Payment, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, subscription_id, amount, token, period_start, period_end,
			payment_date, status, transaction_id, failure_reason
		FROM subscription_payments WHERE unit_id = $1 AND id = $2
	`, p.unitID, id)
	pay, err := scanPayment(row)
	if err == sql.ErrNoRows {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription payment: %w", err)
	}
	return pay, nil
}

func (p *PostgresStore) ListPayments(ctx context.Context, subscriptionID string) ([]*Payment, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, subscription_id, amount, token, period_start, period_end,
			payment_date, status, transaction_id, failure_reason
		FROM subscription_payments WHERE unit_id = $1 AND subscription_id = $2 ORDER BY payment_date
	`, p.unitID, subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("list subscription payments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Payment
	for rows.Next() {
		pay, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, pay)
	}
	return result, rows.Err()
}

func (p *PostgresStore) NextID(ctx context.Context) (uint64, error) {
	return storage.NextSeq(ctx, p.db, p.unitID, storage.RegionSubscriptionSeq)
}

func (p *PostgresStore) Clear(ctx context.Context) (int, error) {
	plans, err := p.db.ExecContext(ctx, `DELETE FROM subscription_plans WHERE unit_id = $1`, p.unitID)
	if err != nil {
		return 0, fmt.Errorf("clear plans: %w", err)
	}
	subs, err := p.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE unit_id = $1`, p.unitID)
	if err != nil {
		return 0, fmt.Errorf("clear subscriptions: %w", err)
	}
	if _, err := p.db.ExecContext(ctx, `DELETE FROM subscription_payments WHERE unit_id = $1`, p.unitID); err != nil {
		return 0, fmt.Errorf("clear subscription payments: %w", err)
	}
	planRows, err := plans.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	subRows, err := subs.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(planRows + subRows), nil
}

// scannable abstracts *sql.Row and *sql.Rows for shared scanning logic.
type scannable interface {
	Scan(dest ...interface{}) error
}

func scanPlan(row scannable) (*Plan, error) {
	var p Plan
	var price, seconds int64
	var intervalUnit string

	err := row.Scan(
		&p.ID, &p.Name, &p.Description, &price, &p.Token, &intervalUnit, &seconds,
		&p.TrialDays, &p.MaxSubscriptions, &p.Active, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	p.Price = uint64(price)
	p.Interval = Interval{Unit: IntervalUnit(intervalUnit), Seconds: uint64(seconds)}
	return &p, nil
}

func scanSubscription(row scannable) (*Subscription, error) {
	var s Subscription
	var subscriber, status string
	var trialEnd, cancelledAt sql.NullTime
	var totalPayments int64
	var metadata []byte

	err := row.Scan(
		&s.ID, &s.PlanID, &subscriber, &status, &s.CurrentPeriodStart, &s.CurrentPeriodEnd,
		&s.NextBillingDate, &trialEnd, &cancelledAt, &s.CancelAtPeriodEnd, &totalPayments,
		&s.PaymentFailures, &metadata, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	s.Subscriber = identity.Principal(subscriber)
	s.Status = Status(status)
	s.TotalPayments = uint64(totalPayments)
	if trialEnd.Valid {
		t := trialEnd.Time
		s.TrialEnd = &t
	}
	if cancelledAt.Valid {
		t := cancelledAt.Time
		s.CancelledAt = &t
	}
	if len(metadata) > 0 {
		var md unit.Metadata
		if err := json.Unmarshal(metadata, &md); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
		s.Metadata = md
	}
	return &s, nil
}

func scanPayment(row scannable) (*Payment, error) {
	var p Payment
	var amount int64
	var txID, failure sql.NullString

	err := row.Scan(
		&p.ID, &p.SubscriptionID, &amount, &p.Token, &p.PeriodStart, &p.PeriodEnd,
		&p.PaymentDate, &p.Status, &txID, &failure,
	)
	if err != nil {
		return nil, err
	}

	p.Amount = uint64(amount)
	p.TransactionID = txID.String
	p.FailureReason = failure.String
	return &p, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
