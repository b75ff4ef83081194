package coupon

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/ckpay/platform/internal/identity"
	"github.com/ckpay/platform/internal/storage"
)

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// PostgresStore implements Store backed by PostgreSQL, scoped to one unit.
type PostgresStore struct {
	db     *sql.DB
	unitID string
}

// NewPostgresStore creates a PostgreSQL-backed coupon store for a unit.
func NewPostgresStore(db *sql.DB, unitID string) *PostgresStore {
	return &PostgresStore{db: db, unitID: unitID}
}

// Migrate creates the coupon tables if they don't exist.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS coupons (
			unit_id           VARCHAR(64) NOT NULL,
			id                VARCHAR(36) NOT NULL,
			code              VARCHAR(64) NOT NULL,
			description       TEXT NOT NULL,
			kind              VARCHAR(20) NOT NULL,
			percent           INTEGER NOT NULL DEFAULT 0,
			amount            BIGINT NOT NULL DEFAULT 0,
			minimum_amount    BIGINT NOT NULL DEFAULT 0,
			applicable_tokens TEXT[] NOT NULL DEFAULT '{}',
			usage_limit       INTEGER NOT NULL DEFAULT 0,
			used_count        INTEGER NOT NULL DEFAULT 0,
			expires_at        TIMESTAMPTZ,
			active            BOOLEAN NOT NULL DEFAULT TRUE,
			created_at        TIMESTAMPTZ DEFAULT NOW(),
			updated_at        TIMESTAMPTZ DEFAULT NOW(),
			PRIMARY KEY (unit_id, id)
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_coupons_code ON coupons(unit_id, LOWER(code));

		CREATE TABLE IF NOT EXISTS coupon_usage (
			unit_id          VARCHAR(64) NOT NULL,
			id               VARCHAR(128) NOT NULL,
			coupon_id        VARCHAR(36) NOT NULL,
			user_principal   VARCHAR(128) NOT NULL,
			invoice_id       VARCHAR(64) NOT NULL,
			discount_applied BIGINT NOT NULL DEFAULT 0,
			used_at          TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (unit_id, id)
		);
		CREATE INDEX IF NOT EXISTS idx_coupon_usage_coupon ON coupon_usage(unit_id, coupon_id);
	`)
	return err
}

const couponColumns = `id, code, description, kind, percent, amount, minimum_amount,
	applicable_tokens, usage_limit, used_count, expires_at, active, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, c *Coupon) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO coupons (
			unit_id, id, code, description, kind, percent, amount, minimum_amount,
			applicable_tokens, usage_limit, used_count, expires_at, active, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`,
		p.unitID, c.ID, c.Code, c.Description, string(c.Kind), c.Percent, int64(c.Amount), int64(c.MinimumAmount),
		pq.Array(c.ApplicableTokens), c.UsageLimit, c.UsedCount, c.ExpiresAt, c.Active, c.CreatedAt, c.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrCodeExists
	}
	if err != nil {
		return fmt.Errorf("insert coupon: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Coupon, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+couponColumns+` FROM coupons WHERE unit_id = $1 AND id = $2`,
		p.unitID, id)
	c, err := scanCoupon(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get coupon: %w", err)
	}
	return c, nil
}

func (p *PostgresStore) GetByCode(ctx context.Context, code string) (*Coupon, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+couponColumns+` FROM coupons WHERE unit_id = $1 AND LOWER(code) = LOWER($2)`,
		p.unitID, code)
	c, err := scanCoupon(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get coupon by code: %w", err)
	}
	return c, nil
}

func (p *PostgresStore) Update(ctx context.Context, c *Coupon) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE coupons SET
			code              = $3,
			description       = $4,
			kind              = $5,
			percent           = $6,
			amount            = $7,
			minimum_amount    = $8,
			applicable_tokens = $9,
			usage_limit       = $10,
			used_count        = $11,
			expires_at        = $12,
			active            = $13,
			updated_at        = $14
		WHERE unit_id = $1 AND id = $2
	`,
		p.unitID, c.ID, c.Code, c.Description, string(c.Kind), c.Percent, int64(c.Amount), int64(c.MinimumAmount),
		pq.Array(c.ApplicableTokens), c.UsageLimit, c.UsedCount, c.ExpiresAt, c.Active, c.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrCodeExists
	}
	if err != nil {
		return fmt.Errorf("update coupon: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	result, err := p.db.ExecContext(ctx,
		`DELETE FROM coupons WHERE unit_id = $1 AND id = $2`, p.unitID, id)
	if err != nil {
		return fmt.Errorf("delete coupon: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context) ([]*Coupon, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+couponColumns+` FROM coupons WHERE unit_id = $1 ORDER BY created_at`,
		p.unitID)
	if err != nil {
		return nil, fmt.Errorf("list coupons: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Coupon
	for rows.Next() {
		c, err := scanCoupon(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

func (p *PostgresStore) NextID(ctx context.Context) (uint64, error) {
	return storage.NextSeq(ctx, p.db, p.unitID, storage.RegionCouponSeq)
}

func (p *PostgresStore) AddUsage(ctx context.Context, u *Usage) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO coupon_usage (
			unit_id, id, coupon_id, user_principal, invoice_id, discount_applied, used_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`,
		p.unitID, u.ID, u.CouponID, u.User.String(), u.InvoiceID, int64(u.DiscountApplied), u.UsedAt,
	)
	if err != nil {
		return fmt.Errorf("insert coupon usage: %w", err)
	}
	return nil
}

func (p *PostgresStore) ListUsage(ctx context.Context, couponID string) ([]*Usage, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, coupon_id, user_principal, invoice_id, discount_applied, used_at
		FROM coupon_usage WHERE unit_id = $1 AND coupon_id = $2 ORDER BY used_at
	`, p.unitID, couponID)
	if err != nil {
		return nil, fmt.Errorf("list coupon usage: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Usage
	for rows.Next() {
		var u Usage
		var user string
		var discount int64
		if err := rows.Scan(&u.ID, &u.CouponID, &user, &u.InvoiceID, &discount, &u.UsedAt); err != nil {
			return nil, err
		}
		u.User = identity.Principal(user)
		u.DiscountApplied = uint64(discount)
		result = append(result, &u)
	}
	return result, rows.Err()
}

func (p *PostgresStore) DeleteUsage(ctx context.Context, couponID string) error {
	_, err := p.db.ExecContext(ctx,
		`DELETE FROM coupon_usage WHERE unit_id = $1 AND coupon_id = $2`, p.unitID, couponID)
	if err != nil {
		return fmt.Errorf("delete coupon usage: %w", err)
	}
	return nil
}

func (p *PostgresStore) Clear(ctx context.Context) (int, error) {
	result, err := p.db.ExecContext(ctx, `DELETE FROM coupons WHERE unit_id = $1`, p.unitID)
	if err != nil {
		return 0, fmt.Errorf("clear coupons: %w", err)
	}
	if _, err := p.db.ExecContext(ctx, `DELETE FROM coupon_usage WHERE unit_id = $1`, p.unitID); err != nil {
		return 0, fmt.Errorf("clear coupon usage: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(rows), nil
}

// scannable abstracts *sql.Row and *sql.Rows for shared scanning logic.
type scannable interface {
	Scan(dest ...interface{}) error
}

func scanCoupon(row scannable) (*Coupon, error) {
	var c Coupon
	var kind string
	var amount, minimum int64
	var expiresAt sql.NullTime
	var tokens pq.StringArray

	err := row.Scan(
		&c.ID, &c.Code, &c.Description, &kind, &c.Percent, &amount, &minimum,
		&tokens, &c.UsageLimit, &c.UsedCount, &expiresAt, &c.Active, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	c.Kind = Kind(kind)
	c.Amount = uint64(amount)
	c.MinimumAmount = uint64(minimum)
	c.ApplicableTokens = []string(tokens)
	if expiresAt.Valid {
		t := expiresAt.Time
		c.ExpiresAt = &t
	}
	return &c, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if pqErr, ok := err.(*pq.Error); ok {
		return pqErr.Code == "23505"
	}
	return false
}
