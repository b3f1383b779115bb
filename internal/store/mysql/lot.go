package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agrimarket/treelot/internal/clock"
	"github.com/agrimarket/treelot/internal/store"
)

const lotColumns = `id, farmer_id, location, tree_count, minimum_price, min_increment,
	bidding_start, bidding_end, status, version, created_at, updated_at`

// LotRepo implements store.LotRepository using database/sql.
type LotRepo struct {
	db    querier
	clock clock.Clock
}

// NewLotRepo returns a new LotRepo.
func NewLotRepo(db querier, clk clock.Clock) *LotRepo {
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
		`INSERT INTO lots (`+lotColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.FarmerID, l.Location, l.TreeCount, l.MinimumPrice, l.MinIncrement,
		l.BiddingStart.UTC(), l.BiddingEnd.UTC(), l.Status, l.Version, l.CreatedAt, l.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting lot: %w", err)
	}
	return nil
}

func scanLot(row interface{ Scan(...any) error }) (store.Lot, error) {
	var l store.Lot
	err := row.Scan(&l.ID, &l.FarmerID, &l.Location, &l.TreeCount, &l.MinimumPrice, &l.MinIncrement,
		&l.BiddingStart, &l.BiddingEnd, &l.Status, &l.Version, &l.CreatedAt, &l.UpdatedAt)
	return l, err
}

func (r *LotRepo) GetByID(ctx context.Context, id string) (*store.Lot, error) {
	l, err := scanLot(r.db.QueryRowContext(ctx, `SELECT `+lotColumns+` FROM lots WHERE id = ?`, id))
	if err != nil {
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
		where = append(where, "farmer_id = ?")
		args = append(args, f.FarmerID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	query := `SELECT ` + lotColumns + ` FROM lots`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id ASC`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing lots: %w", err)
	}
	return collectLots(rows)
}

func (r *LotRepo) ListDue(ctx context.Context, now time.Time) ([]store.Lot, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+lotColumns+` FROM lots
		 WHERE bidding_end <= ?
		   AND (status = 'active'
		        OR (status = 'closed'
		            AND EXISTS (SELECT 1 FROM bids WHERE bids.lot_id = lots.id AND bids.status = 'active')))
		 ORDER BY bidding_end ASC, id ASC`, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("listing due lots: %w", err)
	}
	return collectLots(rows)
}

func collectLots(rows *sql.Rows) ([]store.Lot, error) {
	defer rows.Close()

	var lots []store.Lot
	for rows.Next() {
		l, err := scanLot(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning lot row: %w", err)
		}
		lots = append(lots, l)
	}
	return lots, rows.Err()
}

func (r *LotRepo) UpdateStatus(ctx context.Context, id string, status store.LotStatus) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE lots SET status = ?, updated_at = ? WHERE id = ?`,
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
	result, err := r.db.ExecContext(ctx,
		`UPDATE lots SET version = version + 1, updated_at = ? WHERE id = ?`,
		r.clock.Now().UTC(), id,
	)
	if err != nil {
		return 0, fmt.Errorf("bumping lot %s version: %w", id, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return 0, fmt.Errorf("bumping lot %s version: %w", id, store.ErrNotFound)
	}

	var version int64
	if err := r.db.QueryRowContext(ctx, `SELECT version FROM lots WHERE id = ?`, id).Scan(&version); err != nil {
		return 0, notFound(err, "reading lot %s version", id)
	}
	return version, nil
}
