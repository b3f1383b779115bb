package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/agrimarket/treelot/internal/clock"
	"github.com/agrimarket/treelot/internal/store"
	"github.com/agrimarket/treelot/internal/store/postgres"
)

// newTestDB starts a Postgres container, applies the migration, and returns
// a connected *sqlx.DB. The container is automatically terminated when the
// test ends.
func newTestDB(t *testing.T) *sqlx.DB {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	ctr, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("treelot_test"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	testcontainers.CleanupContainer(t, ctr)
	if err != nil {
		t.Fatalf("starting postgres container: %v", err)
	}

	connStr, err := ctr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("getting connection string: %v", err)
	}

	db, err := sqlx.Connect("postgres", connStr)
	if err != nil {
		t.Fatalf("connecting to test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := postgres.Migrate(ctx, db); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	// Applying twice must be harmless.
	if err := postgres.Migrate(ctx, db); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}

	return db
}

var epoch = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func newClock() *clock.Mock { return clock.NewMock(epoch) }

func seedLot(t *testing.T, db *sqlx.DB, clk clock.Clock) *store.Lot {
	t.Helper()
	l := &store.Lot{
		FarmerID:     "farmer-1",
		Location:     "Kottayam",
		TreeCount:    420,
		MinimumPrice: decimal.NewFromInt(100000),
		BiddingStart: epoch,
		BiddingEnd:   epoch.Add(48 * time.Hour),
		Status:       store.LotActive,
	}
	if err := postgres.NewLotRepo(db, clk).Create(context.Background(), l); err != nil {
		t.Fatalf("seeding lot: %v", err)
	}
	return l
}
