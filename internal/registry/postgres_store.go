package registry

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/ckpay/platform/internal/identity"
	"github.com/ckpay/platform/internal/storage"
)

// registryNamespace keys the registry's durable sequences apart from
// per-unit ones.
const registryNamespace = "registry"

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// PostgresStore implements Store backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed registry store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the registry tables if they don't exist, including the
// shared sequence table used by every namespace.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	if err := storage.MigrateSequences(ctx, p.db); err != nil {
		return err
	}
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS registry_units (
			id               VARCHAR(64) PRIMARY KEY,
			owner            VARCHAR(128) NOT NULL,
			name             VARCHAR(100) NOT NULL,
			description      TEXT NOT NULL DEFAULT '',
			version          BIGINT NOT NULL DEFAULT 1,
			created_at       TIMESTAMPTZ NOT NULL,
			last_updated     TIMESTAMPTZ NOT NULL,
			active           BOOLEAN NOT NULL DEFAULT TRUE,
			supported_tokens TEXT[] NOT NULL DEFAULT '{}'
		);
		CREATE INDEX IF NOT EXISTS idx_registry_units_owner ON registry_units(owner);

		CREATE TABLE IF NOT EXISTS registry_owner_index (
			owner   VARCHAR(128) NOT NULL,
			unit_id VARCHAR(64) NOT NULL,
			PRIMARY KEY (owner, unit_id)
		);

		CREATE TABLE IF NOT EXISTS registry_stats (
			id           SMALLINT PRIMARY KEY DEFAULT 1,
			total_units  BIGINT NOT NULL DEFAULT 0,
			active_units BIGINT NOT NULL DEFAULT 0
		);
		INSERT INTO registry_stats (id) VALUES (1) ON CONFLICT DO NOTHING;

		CREATE TABLE IF NOT EXISTS registry_package (
			id   SMALLINT PRIMARY KEY DEFAULT 1,
			blob BYTEA NOT NULL
		);
	`)
	return err
}

const recordColumns = `id, owner, name, description, version, created_at, last_updated, active, supported_tokens`

func (p *PostgresStore) Put(ctx context.Context, rec *UnitRecord) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO registry_units (
			id, owner, name, description, version, created_at, last_updated, active, supported_tokens
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			owner            = EXCLUDED.owner,
			name             = EXCLUDED.name,
			description      = EXCLUDED.description,
			version          = EXCLUDED.version,
			last_updated     = EXCLUDED.last_updated,
			active           = EXCLUDED.active,
			supported_tokens = EXCLUDED.supported_tokens
	`,
		rec.ID, rec.Owner.String(), rec.Name, rec.Description, int64(rec.Version),
		rec.CreatedAt, rec.LastUpdated, rec.Active, pq.Array(rec.SupportedTokens),
	)
	if err != nil {
		return fmt.Errorf("upsert unit record: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*UnitRecord, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM registry_units WHERE id = $1`, id)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get unit record: %w", err)
	}
	return rec, nil
}

func (p *PostgresStore) Remove(ctx context.Context, id string) error {
	result, err := p.db.ExecContext(ctx, `DELETE FROM registry_units WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete unit record: %w", err)
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

func (p *PostgresStore) List(ctx context.Context) ([]*UnitRecord, error) {
	return p.queryRecords(ctx,
		`SELECT `+recordColumns+` FROM registry_units ORDER BY created_at`)
}

func (p *PostgresStore) ListActive(ctx context.Context) ([]*UnitRecord, error) {
	return p.queryRecords(ctx,
		`SELECT `+recordColumns+` FROM registry_units WHERE active ORDER BY created_at`)
}

func (p *PostgresStore) ListByOwner(ctx context.Context, owner identity.Principal) ([]*UnitRecord, error) {
	return p.queryRecords(ctx, `
		SELECT `+recordColumns+` FROM registry_units
		WHERE id IN (SELECT unit_id FROM registry_owner_index WHERE owner = $1)
		ORDER BY created_at
	`, owner.String())
}

func (p *PostgresStore) FindByToken(ctx context.Context, tokenSymbol string) ([]*UnitRecord, error) {
	return p.queryRecords(ctx,
		`SELECT `+recordColumns+` FROM registry_units WHERE active AND $1 = ANY(supported_tokens) ORDER BY created_at`,
		tokenSymbol)
}

func (p *PostgresStore) queryRecords(ctx context.Context, query string, args ...interface{}) ([]*UnitRecord, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list unit records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*UnitRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

func (p *PostgresStore) AddToOwner(ctx context.Context, owner identity.Principal, unitID string) error {
	result, err := p.db.ExecContext(ctx, `
		INSERT INTO registry_owner_index (owner, unit_id) VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, owner.String(), unitID)
	if err != nil {
		return fmt.Errorf("add to owner index: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return ErrAlreadyOwned
	}
	return nil
}

func (p *PostgresStore) RemoveFromOwner(ctx context.Context, owner identity.Principal, unitID string) error {
	_, err := p.db.ExecContext(ctx,
		`DELETE FROM registry_owner_index WHERE owner = $1 AND unit_id = $2`,
		owner.String(), unitID)
	if err != nil {
		return fmt.Errorf("remove from owner index: %w", err)
	}
	return nil
}

func (p *PostgresStore) OwnerUnitIDs(ctx context.Context, owner identity.Principal) ([]string, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT unit_id FROM registry_owner_index WHERE owner = $1`, owner.String())
	if err != nil {
		return nil, fmt.Errorf("list owner units: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		result = append(result, id)
	}
	return result, rows.Err()
}

func (p *PostgresStore) NextVersion(ctx context.Context) (uint64, error) {
	return storage.NextSeq(ctx, p.db, registryNamespace, storage.RegionRegistryVersionSeq)
}

func (p *PostgresStore) Stats(ctx context.Context) (*Stats, error) {
	var total, active int64
	err := p.db.QueryRowContext(ctx,
		`SELECT total_units, active_units FROM registry_stats WHERE id = 1`).Scan(&total, &active)
	if err != nil {
		return nil, fmt.Errorf("get registry stats: %w", err)
	}
	return &Stats{TotalUnits: uint64(total), ActiveUnits: uint64(active)}, nil
}

func (p *PostgresStore) IncrementStats(ctx context.Context, active bool) error {
	activeDelta := 0
	if active {
		activeDelta = 1
	}
	_, err := p.db.ExecContext(ctx, `
		UPDATE registry_stats SET total_units = total_units + 1, active_units = active_units + $1
		WHERE id = 1
	`, activeDelta)
	if err != nil {
		return fmt.Errorf("increment registry stats: %w", err)
	}
	return nil
}

func (p *PostgresStore) DecrementStats(ctx context.Context, active bool) error {
	activeDelta := 0
	if active {
		activeDelta = 1
	}
	_, err := p.db.ExecContext(ctx, `
		UPDATE registry_stats SET
			total_units  = GREATEST(total_units - 1, 0),
			active_units = GREATEST(active_units - $1, 0)
		WHERE id = 1
	`, activeDelta)
	if err != nil {
		return fmt.Errorf("decrement registry stats: %w", err)
	}
	return nil
}

func (p *PostgresStore) SetPackage(ctx context.Context, blob []byte) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO registry_package (id, blob) VALUES (1, $1)
		ON CONFLICT (id) DO UPDATE SET blob = EXCLUDED.blob
	`, blob)
	if err != nil {
		return fmt.Errorf("store package: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetPackage(ctx context.Context) ([]byte, error) {
	var blob []byte
	err := p.db.QueryRowContext(ctx, `SELECT blob FROM registry_package WHERE id = 1`).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, ErrNoPackage
	}
	if err != nil {
		return nil, fmt.Errorf("get package: %w", err)
	}
	if len(blob) == 0 {
		return nil, ErrNoPackage
	}
	return blob, nil
}

// scannable abstracts *sql.Row and *sql.Rows for shared scanning logic.
type scannable interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row scannable) (*UnitRecord, error) {
	var rec UnitRecord
	var owner string
	var version int64
	var tokens pq.StringArray

	err := row.Scan(
		&rec.ID, &owner, &rec.Name, &rec.Description, &version,
		&rec.CreatedAt, &rec.LastUpdated, &rec.Active, &tokens,
	)
	if err != nil {
		return nil, err
	}

	rec.Owner = identity.Principal(owner)
	rec.Version = uint64(version)
	rec.SupportedTokens = []string(tokens)
	return &rec, nil
}
