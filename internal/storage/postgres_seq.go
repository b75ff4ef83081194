package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// MigrateSequences creates the durable sequence table shared by every
// region-scoped counter. Counters are keyed by (namespace, region) so the
// factory registry and each tenant unit allocate independently.
func MigrateSequences(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS region_sequences (
			namespace  VARCHAR(64) NOT NULL,
			region     SMALLINT NOT NULL,
			value      BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (namespace, region)
		);
	`)
	return err
}

// NextSeq atomically returns the current counter value for (namespace,
// region) and advances it by one. The first call returns 0.
func NextSeq(ctx context.Context, db *sql.DB, namespace string, region Region) (uint64, error) {
	var next int64
	err := db.QueryRowContext(ctx, `
		INSERT INTO region_sequences (namespace, region, value)
		VALUES ($1, $2, 1)
		ON CONFLICT (namespace, region)
		DO UPDATE SET value = region_sequences.value + 1
		RETURNING value
	`, namespace, int16(region)).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("advance sequence %s/%d: %w", namespace, region, err)
	}
	return uint64(next - 1), nil
}
