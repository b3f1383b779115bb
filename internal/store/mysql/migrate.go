package mysql

import (
	"context"
	"database/sql"
	"fmt"
)

// schema is applied statement by statement; the driver runs one statement
// per Exec unless multiStatements is enabled.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS lots (
		id            VARCHAR(64)    NOT NULL PRIMARY KEY,
		farmer_id     VARCHAR(64)    NOT NULL,
		location      VARCHAR(255)   NOT NULL DEFAULT '',
		tree_count    INT            NOT NULL,
		minimum_price DECIMAL(14, 2) NOT NULL,
		min_increment DECIMAL(14, 2) NOT NULL DEFAULT 0,
		bidding_start DATETIME(6)    NOT NULL,
		bidding_end   DATETIME(6)    NOT NULL,
		status        VARCHAR(16)    NOT NULL,
		version       BIGINT         NOT NULL DEFAULT 1,
		created_at    DATETIME(6)    NOT NULL,
		updated_at    DATETIME(6)    NOT NULL,
		KEY lots_farmer_idx (farmer_id),
		KEY lots_due_idx (status, bidding_end),
		CHECK (tree_count >= 1),
		CHECK (bidding_end > bidding_start)
	)`,
	`CREATE TABLE IF NOT EXISTS bids (
		id            VARCHAR(64)    NOT NULL PRIMARY KEY,
		lot_id        VARCHAR(64)    NOT NULL,
		bidder_id     VARCHAR(64)    NOT NULL,
		amount        DECIMAL(14, 2) NOT NULL,
		comment       TEXT           NOT NULL,
		status        VARCHAR(16)    NOT NULL,
		bid_type      VARCHAR(16)    NOT NULL,
		bid_rank      INT            NOT NULL DEFAULT 0,
		is_winning    BOOLEAN        NOT NULL DEFAULT FALSE,
		submitted_at  DATETIME(6)    NOT NULL,
		created_at    DATETIME(6)    NOT NULL,
		updated_at    DATETIME(6)    NOT NULL,
		won_lot       VARCHAR(64) AS (IF(status = 'won', lot_id, NULL)) STORED,
		KEY bids_lot_idx (lot_id, status),
		UNIQUE KEY bids_one_per_bidder (lot_id, bidder_id),
		UNIQUE KEY bids_one_winner_per_lot (won_lot),
		CONSTRAINT bids_lot_fk FOREIGN KEY (lot_id) REFERENCES lots (id),
		CHECK (amount > 0)
	)`,
	`CREATE TABLE IF NOT EXISTS bid_history (
		bid_id      VARCHAR(64)    NOT NULL,
		seq         INT            NOT NULL,
		amount      DECIMAL(14, 2) NOT NULL,
		comment     TEXT           NOT NULL,
		recorded_at DATETIME(6)    NOT NULL,
		PRIMARY KEY (bid_id, seq),
		CONSTRAINT bid_history_bid_fk FOREIGN KEY (bid_id) REFERENCES bids (id)
	)`,
	`CREATE TABLE IF NOT EXISTS events (
		id           VARCHAR(32) NOT NULL PRIMARY KEY,
		aggregate_id VARCHAR(64) NOT NULL,
		type         VARCHAR(32) NOT NULL,
		data         JSON        NOT NULL,
		version      BIGINT      NOT NULL,
		created_at   DATETIME(6) NOT NULL,
		UNIQUE KEY events_aggregate_version (aggregate_id, version),
		KEY events_type_idx (type, created_at)
	)`,
}

// Migrate applies the schema. Every statement is idempotent.
func Migrate(ctx context.Context, db *sql.DB) error {
	for i, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("applying schema statement %d: %w", i+1, err)
		}
	}
	return nil
}
