package mysql_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/testcontainers/testcontainers-go"
	tcmysql "github.com/testcontainers/testcontainers-go/modules/mysql"

	"github.com/agrimarket/treelot/internal/clock"
	"github.com/agrimarket/treelot/internal/config"
	"github.com/agrimarket/treelot/internal/store"
	"github.com/agrimarket/treelot/internal/store/mysql"
)

// newTestDB starts a MySQL container, applies the schema, and returns a
// connected *sql.DB. The container is terminated when the test ends.
func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	ctr, err := tcmysql.Run(ctx, "mysql:8.4",
		tcmysql.WithDatabase("treelot_test"),
		tcmysql.WithUsername("test"),
		tcmysql.WithPassword("test"),
	)
	testcontainers.CleanupContainer(t, ctr)
	if err != nil {
		t.Fatalf("starting mysql container: %v", err)
	}

	host, err := ctr.Host(ctx)
	if err != nil {
		t.Fatalf("getting container host: %v", err)
	}
	port, err := ctr.MappedPort(ctx, "3306/tcp")
	if err != nil {
		t.Fatalf("getting mapped port: %v", err)
	}

	dsn := mysql.DSN(config.DatabaseConfig{
		Host:     host,
		Port:     port.Int(),
		User:     "test",
		Password: "test",
		DBName:   "treelot_test",
		SSLMode:  "disable",
	})
	db, err := mysql.Connect(ctx, dsn)
	if err != nil {
		t.Fatalf("connecting to test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := mysql.Migrate(ctx, db); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if err := mysql.Migrate(ctx, db); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}

	return db
}

var epoch = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func seedLot(t *testing.T, db *sql.DB, clk clock.Clock) *store.Lot {
	t.Helper()
	l := &store.Lot{
		FarmerID:     "farmer-1",
		TreeCount:    420,
		MinimumPrice: decimal.NewFromInt(100000),
		BiddingStart: epoch,
		BiddingEnd:   epoch.Add(48 * time.Hour),
		Status:       store.LotActive,
	}
	if err := mysql.NewLotRepo(db, clk).Create(context.Background(), l); err != nil {
		t.Fatalf("seeding lot: %v", err)
	}
	return l
}

func newBid(lotID, bidder string, amount int64) *store.Bid {
	return &store.Bid{
		LotID:    lotID,
		BidderID: bidder,
		Amount:   decimal.NewFromInt(amount),
		Status:   store.BidActive,
		Type:     store.BidInitial,
	}
}
