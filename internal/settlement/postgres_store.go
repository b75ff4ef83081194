package settlement

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

// NewPostgresStore creates a PostgreSQL-backed settlement store for a unit.
func NewPostgresStore(db *sql.DB, unitID string) *PostgresStore {
	return &PostgresStore{db: db, unitID: unitID}
}

// Migrate creates the settlement tables if they don't exist.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS invoices (
			unit_id     VARCHAR(64) NOT NULL,
			id          VARCHAR(36) NOT NULL,
			merchant    VARCHAR(128) NOT NULL,
			amount      BIGINT NOT NULL,
			token       JSONB NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			metadata    JSONB NOT NULL DEFAULT '[]',
			expires_at  TIMESTAMPTZ,
			created_at  TIMESTAMPTZ NOT NULL,
			status      VARCHAR(20) NOT NULL,
			PRIMARY KEY (unit_id, id)
		);

		CREATE TABLE IF NOT EXISTS transactions (
			unit_id        VARCHAR(64) NOT NULL,
			seq            BIGSERIAL,
			id             VARCHAR(36) NOT NULL,
			from_principal VARCHAR(128) NOT NULL,
			to_principal   VARCHAR(128) NOT NULL,
			token          JSONB NOT NULL,
			amount         BIGINT NOT NULL,
			fee            BIGINT NOT NULL DEFAULT 0,
			merchant_fee   BIGINT NOT NULL DEFAULT 0,
			created_at     TIMESTAMPTZ NOT NULL,
			status         VARCHAR(20) NOT NULL,
			failure_reason TEXT,
			metadata       JSONB NOT NULL DEFAULT '[]',
			method         VARCHAR(20) NOT NULL,
			block_index    BIGINT,
			PRIMARY KEY (unit_id, id)
		);
		CREATE INDEX IF NOT EXISTS idx_transactions_seq ON transactions(unit_id, seq);

		CREATE TABLE IF NOT EXISTS balances (
			unit_id VARCHAR(64) NOT NULL,
			token   VARCHAR(20) NOT NULL,
			amount  BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (unit_id, token)
		);
	`)
	return err
}

func (p *PostgresStore) CreateInvoice(ctx context.Context, inv *Invoice) error {
	token, err := json.Marshal(inv.Token)
	if err != nil {
		return fmt.Errorf("marshal token: %w", err)
	}
	metadata, err := json.Marshal(inv.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO invoices (
			unit_id, id, merchant, amount, token, description, metadata, expires_at, created_at, status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`,
		p.unitID, inv.ID, inv.Merchant.String(), int64(inv.Amount), token, inv.Description,
		metadata, inv.ExpiresAt, inv.CreatedAt, string(inv.Status),
	)
	if err != nil {
		return fmt.Errorf("insert invoice: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetInvoice(ctx context.Context, id string) (*Invoice, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, merchant, amount, token, description, metadata, expires_at, created_at, status
		FROM invoices WHERE unit_id = $1 AND id = $2
	`, p.unitID, id)
	inv, err := scanInvoice(row)
	if err == sql.ErrNoRows {
		return nil, ErrInvoiceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get invoice: %w", err)
	}
	return inv, nil
}

func (p *PostgresStore) UpdateInvoice(ctx context.Context, inv *Invoice) error {
	metadata, err := json.Marshal(inv.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE invoices SET metadata = $3, expires_at = $4, status = $5
		WHERE unit_id = $1 AND id = $2
	`, p.unitID, inv.ID, metadata, inv.ExpiresAt, string(inv.Status))
	if err != nil {
		return fmt.Errorf("update invoice: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return ErrInvoiceNotFound
	}
	return nil
}

func (p *PostgresStore) ListInvoices(ctx context.Context) ([]*Invoice, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, merchant, amount, token, description, metadata, expires_at, created_at, status
		FROM invoices WHERE unit_id = $1 ORDER BY created_at
	`, p.unitID)
	if err != nil {
		return nil, fmt.Errorf("list invoices: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, inv)
	}
	return result, rows.Err()
}

func (p *PostgresStore) CreateTransaction(ctx context.Context, tx *Transaction) error {
	token, err := json.Marshal(tx.Token)
	if err != nil {
		return fmt.Errorf("marshal token: %w", err)
	}
	metadata, err := json.Marshal(tx.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	var blockIndex sql.NullInt64
	if tx.BlockIndex != nil {
		blockIndex = sql.NullInt64{Int64: int64(*tx.BlockIndex), Valid: true}
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO transactions (
			unit_id, id, from_principal, to_principal, token, amount, fee, merchant_fee,
			created_at, status, failure_reason, metadata, method, block_index
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`,
		p.unitID, tx.ID, tx.From.String(), tx.To.String(), token, int64(tx.Amount),
		int64(tx.Fee), int64(tx.MerchantFee), tx.Timestamp, string(tx.Status),
		nullString(tx.FailureReason), metadata, string(tx.Method), blockIndex,
	)
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

const transactionColumns = `id, from_principal, to_principal, token, amount, fee, merchant_fee,
	created_at, status, failure_reason, metadata, method, block_index`

func (p *PostgresStore) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE unit_id = $1 AND id = $2`,
		p.unitID, id)
	tx, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get transaction: %w", err)
	}
	return tx, nil
}

func (p *PostgresStore) ListTransactions(ctx context.Context) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE unit_id = $1 ORDER BY seq`,
		p.unitID)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, tx)
	}
	return result, rows.Err()
}

func (p *PostgresStore) Balance(ctx context.Context, tokenSymbol string) (uint64, error) {
	var amount int64
	err := p.db.QueryRowContext(ctx,
		`SELECT amount FROM balances WHERE unit_id = $1 AND token = $2`,
		p.unitID, tokenSymbol).Scan(&amount)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get balance: %w", err)
	}
	return uint64(amount), nil
}

func (p *PostgresStore) Balances(ctx context.Context) (map[string]uint64, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT token, amount FROM balances WHERE unit_id = $1`, p.unitID)
	if err != nil {
		return nil, fmt.Errorf("list balances: %w", err)
	}
	defer func() { _ = rows.Close() }()

	result := make(map[string]uint64)
	for rows.Next() {
		var token string
		var amount int64
		if err := rows.Scan(&token, &amount); err != nil {
			return nil, err
		}
		result[token] = uint64(amount)
	}
	return result, rows.Err()
}

func (p *PostgresStore) Credit(ctx context.Context, tokenSymbol string, amount uint64) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO balances (unit_id, token, amount) VALUES ($1, $2, $3)
		ON CONFLICT (unit_id, token) DO UPDATE SET amount = balances.amount + $3
	`, p.unitID, tokenSymbol, int64(amount))
	if err != nil {
		return fmt.Errorf("credit balance: %w", err)
	}
	return nil
}

func (p *PostgresStore) Debit(ctx context.Context, tokenSymbol string, amount uint64) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE balances SET amount = amount - $3
		WHERE unit_id = $1 AND token = $2 AND amount >= $3
	`, p.unitID, tokenSymbol, int64(amount))
	if err != nil {
		return fmt.Errorf("debit balance: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return ErrInsufficientBalance
	}
	return nil
}

func (p *PostgresStore) NextInvoiceID(ctx context.Context) (uint64, error) {
	return storage.NextSeq(ctx, p.db, p.unitID, storage.RegionInvoiceSeq)
}

func (p *PostgresStore) NextTransactionID(ctx context.Context) (uint64, error) {
	return storage.NextSeq(ctx, p.db, p.unitID, storage.RegionTransactionSeq)
}

// scannable abstracts *sql.Row and *sql.Rows for shared scanning logic.
type scannable interface {
	Scan(dest ...interface{}) error
}

func scanInvoice(row scannable) (*Invoice, error) {
	var inv Invoice
	var merchant, status string
	var amount int64
	var token, metadata []byte
	var expiresAt sql.NullTime

	err := row.Scan(
		&inv.ID, &merchant, &amount, &token, &inv.Description, &metadata,
		&expiresAt, &inv.CreatedAt, &status,
	)
	if err != nil {
		return nil, err
	}

	inv.Merchant = identity.Principal(merchant)
	inv.Amount = uint64(amount)
	inv.Status = InvoiceStatus(status)
	if err := json.Unmarshal(token, &inv.Token); err != nil {
		return nil, fmt.Errorf("unmarshal token: %w", err)
	}
	if err := unmarshalMetadata(metadata, &inv.Metadata); err != nil {
		return nil, err
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		inv.ExpiresAt = &t
	}
	return &inv, nil
}

func scanTransaction(row scannable) (*Transaction, error) {
	var tx Transaction
	var from, to, status, method string
	var amount, fee, merchantFee int64
	var failureReason sql.NullString
	var token, metadata []byte
	var blockIndex sql.NullInt64

	err := row.Scan(
		&tx.ID, &from, &to, &token, &amount, &fee, &merchantFee,
		&tx.Timestamp, &status, &failureReason, &metadata, &method, &blockIndex,
	)
	if err != nil {
		return nil, err
	}

	tx.From = identity.Principal(from)
	tx.To = identity.Principal(to)
	tx.Amount = uint64(amount)
	tx.Fee = uint64(fee)
	tx.MerchantFee = uint64(merchantFee)
	tx.Status = TransactionStatus(status)
	tx.FailureReason = failureReason.String
	tx.Method = Method(method)
	if err := json.Unmarshal(token, &tx.Token); err != nil {
		return nil, fmt.Errorf("unmarshal token: %w", err)
	}
	if err := unmarshalMetadata(metadata, &tx.Metadata); err != nil {
		return nil, err
	}
	if blockIndex.Valid {
		b := uint64(blockIndex.Int64)
		tx.BlockIndex = &b
	}
	return &tx, nil
}

func unmarshalMetadata(raw []byte, dst *unit.Metadata) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("unmarshal metadata: %w", err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
