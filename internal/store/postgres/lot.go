package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/agrimarket/treelot/internal/clock"
	"github.com/agrimarket/treelot/internal/store"
)

// LotRepo implements store.LotRepository with sqlx. db is either the
// connection pool or a transaction.
type LotRepo struct {
	db    sqlx.ExtContext
	clock clock.Clock
}

// NewLotRepo returns a new LotRepo.
func NewLotRepo(db sqlx.ExtContext, clk clock.Clock) *LotRepo {
	return &LotRepo{db: db, clock: clk}
}

func (r *LotRepo) Create(ctx context.Context, l *store.Lot) error {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if l.Version == 0 {
		l.Version = 1
	}
	now := r.clock.Now().UTC()
	l.CreatedAt = now
	l.UpdatedAt = now

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO lots (id, farmer_id, location, tree_count, minimum_price, min_increment,
		                   bidding_start, bidding_end, status, version, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		l.ID, l.FarmerID, l.Location, l.TreeCount, l.MinimumPrice, l.MinIncrement,
		l.BiddingStart.UTC(), l.BiddingEnd.UTC(), l.Status, l.Version, l.CreatedAt, l.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting lot: %w", err)
	}
	return nil
}

func (r *LotRepo) GetByID(ctx context.Context, id string) (*store.Lot, error) {
	var l store.Lot
	if err := sqlx.GetContext(ctx, r.db, &l, `SELECT * FROM lots WHERE id = $1`, id); err != nil {
		return nil, notFound(err, "getting lot %s", id)
	}
	return &l, nil
}

func (r *LotRepo) List(ctx context.Context, f store.LotFilter) ([]store.Lot, error) {
	var (
		where []string
		args  []any
	)
	if f.FarmerID != "" {
		args = append(args, f.FarmerID)
		where = append(where, fmt.Sprintf("farmer_id = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	query := `SELECT * FROM lots`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id ASC`

	var lots []store.Lot
	if err := sqlx.SelectContext(ctx, r.db, &lots, query, args...); err != nil {
		return nil, fmt.Errorf("listing lots: %w", err)
	}
	return lots, nil
}

func (r *LotRepo) ListDue(ctx context.Context, now time.Time) ([]store.Lot, error) {
	var lots []store.Lot
	err := sqlx.SelectContext(ctx, r.db, &lots,
		`SELECT * FROM lots l
		 WHERE l.bidding_end <= $1
		   AND (l.status = 'active'
		        OR (l.status = 'closed'
		            AND EXISTS (SELECT 1 FROM bids b WHERE b.lot_id = l.id AND b.status = 'active')))
		 ORDER BY l.bidding_end ASC, l.id ASC`, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("listing due lots: %w", err)
	}
	return lots, nil
}

func (r *LotRepo) UpdateStatus(ctx context.Context, id string, status store.LotStatus) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE lots SET status = $1, updated_at = $2 WHERE id = $3`,
		status, r.clock.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("updating lot status: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("updating lot %s: %w", id, store.ErrNotFound)
	}
	return nil
}

func (r *LotRepo) BumpVersion(ctx context.Context, id string) (int64, error) {
	var version int64
	err := sqlx.GetContext(ctx, r.db, &version,
		`UPDATE lots SET version = version + 1, updated_at = $1 WHERE id = $2 RETURNING version`,
		r.clock.Now().UTC(), id,
	)
	if err != nil {
		return 0, notFound(err, "bumping lot %s version", id)
	}
	return version, nil
}
