// Package mysql provides the "mysql" store.Driver. It talks to MySQL through
// database/sql with OTEL instrumentation via otelsql.
package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/XSAM/otelsql"
	gomysql "github.com/go-sql-driver/mysql"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/agrimarket/treelot/internal/clock"
	"github.com/agrimarket/treelot/internal/config"
	"github.com/agrimarket/treelot/internal/event"
	"github.com/agrimarket/treelot/internal/store"
)

func init() {
	store.Register("mysql", openMySQL)
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func openMySQL(ctx context.Context, cfg config.DatabaseConfig, clk clock.Clock) (*store.Repositories, error) {
	db, err := Connect(ctx, DSN(cfg))
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
		Closer: store.CloserFunc(db.Close),
		Ping:   db.PingContext,
	}, nil
}

// DSN builds the driver connection string for cfg. Times are read and
// written in UTC and RowsAffected counts matched rows, not changed ones.
func DSN(cfg config.DatabaseConfig) string {
	c := gomysql.NewConfig()
	c.User = cfg.User
	c.Passwd = cfg.Password
	c.Net = "tcp"
	c.Addr = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	c.DBName = cfg.DBName
	c.ParseTime = true
	c.Loc = time.UTC
	c.ClientFoundRows = true
	if cfg.SSLMode != "" && cfg.SSLMode != "disable" {
		c.TLSConfig = "true"
	}
	return c.FormatDSN()
}

// Connect opens and verifies a MySQL connection with OTEL instrumentation.
func Connect(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := otelsql.Open("mysql", dsn,
		otelsql.WithAttributes(semconv.DBSystemMySQL),
	)
	if err != nil {
		return nil, fmt.Errorf("opening mysql database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging mysql database: %w", err)
	}

	return db, nil
}

// UnitOfWork implements store.UnitOfWork with a transaction holding a row
// lock on the lot.
type UnitOfWork struct {
	db    *sql.DB
	clock clock.Clock
}

// NewUnitOfWork returns a new UnitOfWork.
func NewUnitOfWork(db *sql.DB, clk clock.Clock) *UnitOfWork {
	return &UnitOfWork{db: db, clock: clk}
}

func (u *UnitOfWork) WithinLot(ctx context.Context, lotID string, fn func(ctx context.Context, tx store.Tx) error) error {
	tx, err := u.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var locked string
	if err := tx.QueryRowContext(ctx, `SELECT id FROM lots WHERE id = ? FOR UPDATE`, lotID).Scan(&locked); err != nil {
		return notFound(err, "locking lot %s", lotID)
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
	tx, err := u.db.BeginTx(ctx, nil)
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
	tx    *sql.Tx
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
