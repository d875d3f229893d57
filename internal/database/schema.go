package database

import (
	"context"
	"fmt"
)

// Schema creates the snapshot tables. It is safe to apply repeatedly.
const Schema = `
CREATE TABLE IF NOT EXISTS reserve_snapshots (
	pool        TEXT        NOT NULL,
	dex         TEXT        NOT NULL,
	mint_a      TEXT        NOT NULL,
	mint_b      TEXT        NOT NULL,
	reserve_a   NUMERIC     NOT NULL,
	reserve_b   NUMERIC     NOT NULL,
	decimals_a  SMALLINT    NOT NULL,
	decimals_b  SMALLINT    NOT NULL,
	slot        BIGINT      NOT NULL,
	bucket      BIGINT      NOT NULL,
	observed_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (pool, bucket)
);

CREATE INDEX IF NOT EXISTS reserve_snapshots_pair_slot
	ON reserve_snapshots (mint_a, mint_b, slot DESC);

CREATE TABLE IF NOT EXISTS supply_snapshots (
	mint        TEXT        NOT NULL,
	slot        BIGINT      NOT NULL,
	bucket      BIGINT      NOT NULL,
	total       NUMERIC     NOT NULL,
	decimals    SMALLINT    NOT NULL,
	observed_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (mint, bucket)
);

CREATE INDEX IF NOT EXISTS supply_snapshots_mint_slot
	ON supply_snapshots (mint, slot DESC);
`

// Migrate applies Schema.
func Migrate(ctx context.Context, db DB) error {
	if _, err := db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
