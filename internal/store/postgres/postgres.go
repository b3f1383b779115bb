// Package postgres provides the "postgres" store.Driver built on sqlx and
// lib/pq with OTEL instrumentation via otelsql.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/XSAM/otelsql"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // postgres driver
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/agrimarket/treelot/internal/clock"
	"github.com/agrimarket/treelot/internal/config"
	"github.com/agrimarket/treelot/internal/event"
	"github.com/agrimarket/treelot/internal/store"
)

//go:embed migrations/*.sql
var migrations embed.FS

func init() {
	store.Register("postgres", openPostgres)
}

func openPostgres(ctx context.Context, cfg config.DatabaseConfig, clk clock.Clock) (*store.Repositories, error) {
	db, err := Connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := Migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &store.Repositories{
		Lots:   NewLotRepo(db, clk),
		Bids:   NewBidRepo(db, clk),
		Events: NewEventStore(db, clk),
		Units:  NewUnitOfWork(db, clk),
		Closer: db,
		Ping:   db.PingContext,
	}, nil
}

// Connect opens and verifies a Postgres connection with OTEL instrumentation.
func Connect(ctx context.Context, cfg config.DatabaseConfig) (*sqlx.DB, error) {
	dsn := cfg.DSN()

	// Register the OTel-instrumented driver wrapping lib/pq.
	driverName, err := otelsql.Register("postgres",
		otelsql.WithAttributes(semconv.DBSystemPostgreSQL),
	)
	if err != nil {
		return nil, fmt.Errorf("registering otel driver: %w", err)
	}

	db, err := sqlx.ConnectContext(ctx, driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return db, nil
}

// Migrate applies the embedded schema. Every statement is idempotent.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	schema, err := migrations.ReadFile("migrations/001_initial.sql")
	if err != nil {
		return fmt.Errorf("reading migration: %w", err)
	}
	if _, err := db.ExecContext(ctx, string(schema)); err != nil {
		return fmt.Errorf("applying migration: %w", err)
	}
	return nil
}

// UnitOfWork implements store.UnitOfWork with a transaction holding a row
// lock on the lot.
type UnitOfWork struct {
	db    *sqlx.DB
	clock clock.Clock
}

// NewUnitOfWork returns a new UnitOfWork.
func NewUnitOfWork(db *sqlx.DB, clk clock.Clock) *UnitOfWork {
	return &UnitOfWork{db: db, clock: clk}
}

func (u *UnitOfWork) WithinLot(ctx context.Context, lotID string, fn func(ctx context.Context, tx store.Tx) error) error {
	tx, err := u.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var locked string
	if err := tx.GetContext(ctx, &locked, `SELECT id FROM lots WHERE id = $1 FOR UPDATE`, lotID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("locking lot %s: %w", lotID, store.ErrNotFound)
		}
		return fmt.Errorf("locking lot %s: %w", lotID, err)
	}

	if err := fn(ctx, &txRepos{tx: tx, clock: u.clock}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing lot %s: %w", lotID, err)
	}
	return nil
}

func (u *UnitOfWork) CreateLot(ctx context.Context, l *store.Lot, fn func(ctx context.Context, tx store.Tx) error) error {
	tx, err := u.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	repos := &txRepos{tx: tx, clock: u.clock}
	if err := repos.Lots().Create(ctx, l); err != nil {
		return err
	}
	if err := fn(ctx, repos); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing lot %s: %w", l.ID, err)
	}
	return nil
}

type txRepos struct {
	tx    *sqlx.Tx
	clock clock.Clock
}

func (t *txRepos) Lots() store.LotRepository { return NewLotRepo(t.tx, t.clock) }
func (t *txRepos) Bids() store.BidRepository { return NewBidRepo(t.tx, t.clock) }
func (t *txRepos) Events() event.Store       { return NewEventStore(t.tx, t.clock) }

func notFound(err error, format string, args ...any) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf(format+": %w", append(args, store.ErrNotFound)...)
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}
