package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/agrimarket/treelot/internal/clock"
	"github.com/agrimarket/treelot/internal/store"
)

const bidColumns = `id, lot_id, bidder_id, amount, comment, status, bid_type, bid_rank,
	is_winning, submitted_at, created_at, updated_at`

// BidRepo implements store.BidRepository using database/sql.
type BidRepo struct {
	db    querier
	clock clock.Clock
}

// NewBidRepo returns a new BidRepo.
func NewBidRepo(db querier, clk clock.Clock) *BidRepo {
	return &BidRepo{db: db, clock: clk}
}

func (r *BidRepo) Create(ctx context.Context, b *store.Bid) error {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	now := r.clock.Now().UTC()
	b.CreatedAt = now
	b.UpdatedAt = now
	if b.SubmittedAt.IsZero() {
		b.SubmittedAt = now
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO bids (`+bidColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.LotID, b.BidderID, b.Amount, b.Comment, b.Status, b.Type, b.Rank,
		b.IsWinning, b.SubmittedAt.UTC(), b.CreatedAt, b.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting bid: %w", err)
	}

	rev := store.BidRevision{BidID: b.ID, Seq: 1, Amount: b.Amount, Comment: b.Comment, RecordedAt: b.SubmittedAt.UTC()}
	if err := r.insertRevision(ctx, rev); err != nil {
		return err
	}
	b.History = []store.BidRevision{rev}
	return nil
}

func (r *BidRepo) insertRevision(ctx context.Context, rev store.BidRevision) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO bid_history (bid_id, seq, amount, comment, recorded_at) VALUES (?, ?, ?, ?, ?)`,
		rev.BidID, rev.Seq, rev.Amount, rev.Comment, rev.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting bid history: %w", err)
	}
	return nil
}

func scanBid(row interface{ Scan(...any) error }) (store.Bid, error) {
	var b store.Bid
	err := row.Scan(&b.ID, &b.LotID, &b.BidderID, &b.Amount, &b.Comment, &b.Status, &b.Type, &b.Rank,
		&b.IsWinning, &b.SubmittedAt, &b.CreatedAt, &b.UpdatedAt)
	return b, err
}

func (r *BidRepo) withHistory(ctx context.Context, b store.Bid) (*store.Bid, error) {
	history, err := r.History(ctx, b.ID)
	if err != nil {
		return nil, err
	}
	b.History = history
	return &b, nil
}

func (r *BidRepo) GetByID(ctx context.Context, id string) (*store.Bid, error) {
	b, err := scanBid(r.db.QueryRowContext(ctx, `SELECT `+bidColumns+` FROM bids WHERE id = ?`, id))
	if err != nil {
		return nil, notFound(err, "getting bid %s", id)
	}
	return r.withHistory(ctx, b)
}

func (r *BidRepo) GetByBidder(ctx context.Context, lotID, bidderID string) (*store.Bid, error) {
	b, err := scanBid(r.db.QueryRowContext(ctx,
		`SELECT `+bidColumns+` FROM bids WHERE lot_id = ? AND bidder_id = ?`,
		lotID, bidderID))
	if err != nil {
		return nil, notFound(err, "getting bid of %s on lot %s", bidderID, lotID)
	}
	return r.withHistory(ctx, b)
}

func (r *BidRepo) ListByLot(ctx context.Context, lotID string) ([]store.Bid, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+bidColumns+` FROM bids WHERE lot_id = ? ORDER BY created_at ASC, id ASC`, lotID)
	if err != nil {
		return nil, fmt.Errorf("listing bids: %w", err)
	}
	return collectBids(rows)
}

func (r *BidRepo) ListActiveByLot(ctx context.Context, lotID string) ([]store.Bid, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+bidColumns+` FROM bids WHERE lot_id = ? AND status = 'active' ORDER BY created_at ASC, id ASC`, lotID)
	if err != nil {
		return nil, fmt.Errorf("listing active bids: %w", err)
	}
	return collectBids(rows)
}

func collectBids(rows *sql.Rows) ([]store.Bid, error) {
	defer rows.Close()

	var bids []store.Bid
	for rows.Next() {
		b, err := scanBid(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning bid row: %w", err)
		}
		bids = append(bids, b)
	}
	return bids, rows.Err()
}

func (r *BidRepo) Amend(ctx context.Context, b *store.Bid, rev store.BidRevision) error {
	now := r.clock.Now().UTC()
	result, err := r.db.ExecContext(ctx,
		`UPDATE bids SET amount = ?, comment = ?, bid_type = ?, submitted_at = ?, updated_at = ?
		 WHERE id = ? AND status = 'active'`,
		b.Amount, b.Comment, b.Type, b.SubmittedAt.UTC(), now, b.ID,
	)
	if err != nil {
		return fmt.Errorf("amending bid: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("amending bid %s: no active bid: %w", b.ID, store.ErrNotFound)
	}

	var last int
	if err := r.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM bid_history WHERE bid_id = ?`, b.ID).Scan(&last); err != nil {
		return fmt.Errorf("reading bid history: %w", err)
	}
	rev.BidID = b.ID
	rev.Seq = last + 1
	rev.RecordedAt = rev.RecordedAt.UTC()
	if err := r.insertRevision(ctx, rev); err != nil {
		return err
	}

	b.UpdatedAt = now
	history, err := r.History(ctx, b.ID)
	if err != nil {
		return err
	}
	b.History = history
	return nil
}

func (r *BidRepo) History(ctx context.Context, bidID string) ([]store.BidRevision, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT bid_id, seq, amount, comment, recorded_at FROM bid_history WHERE bid_id = ? ORDER BY seq ASC`, bidID)
	if err != nil {
		return nil, fmt.Errorf("loading bid history: %w", err)
	}
	defer rows.Close()

	var history []store.BidRevision
	for rows.Next() {
		var rev store.BidRevision
		if err := rows.Scan(&rev.BidID, &rev.Seq, &rev.Amount, &rev.Comment, &rev.RecordedAt); err != nil {
			return nil, fmt.Errorf("scanning bid history row: %w", err)
		}
		history = append(history, rev)
	}
	return history, rows.Err()
}

// caseByID renders "CASE id WHEN ? THEN ? ... END" for n bids.
func caseByID(n int) string {
	var sb strings.Builder
	sb.WriteString("CASE id")
	for range n {
		sb.WriteString(" WHEN ? THEN ?")
	}
	sb.WriteString(" END")
	return sb.String()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func (r *BidRepo) UpdateRanks(ctx context.Context, lotID string, updates []store.RankUpdate) error {
	if len(updates) == 0 {
		return nil
	}

	args := make([]any, 0, 5*len(updates)+2)
	for _, u := range updates {
		args = append(args, u.BidID, u.Rank)
	}
	for _, u := range updates {
		args = append(args, u.BidID, u.IsWinning)
	}
	args = append(args, r.clock.Now().UTC(), lotID)
	for _, u := range updates {
		args = append(args, u.BidID)
	}

	query := `UPDATE bids SET bid_rank = ` + caseByID(len(updates)) +
		`, is_winning = ` + caseByID(len(updates)) +
		`, updated_at = ? WHERE lot_id = ? AND id IN (` + placeholders(len(updates)) + `)`
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating bid ranks: %w", err)
	}
	if n, _ := result.RowsAffected(); n != int64(len(updates)) {
		return fmt.Errorf("updating bid ranks on lot %s: %d of %d bids matched: %w", lotID, n, len(updates), store.ErrNotFound)
	}
	return nil
}

// UpdateStatuses relies on MySQL evaluating single-table SET assignments
// left to right: is_winning and bid_rank see the new status.
func (r *BidRepo) UpdateStatuses(ctx context.Context, lotID string, updates []store.StatusUpdate) error {
	if len(updates) == 0 {
		return nil
	}

	args := make([]any, 0, 3*len(updates)+2)
	for _, u := range updates {
		args = append(args, u.BidID, u.Status)
	}
	args = append(args, r.clock.Now().UTC(), lotID)
	for _, u := range updates {
		args = append(args, u.BidID)
	}

	query := `UPDATE bids SET status = ` + caseByID(len(updates)) + `,
		is_winning = IF(status = 'active', is_winning, FALSE),
		bid_rank = IF(status IN ('active', 'won', 'lost'), bid_rank, 0),
		updated_at = ?
		WHERE lot_id = ? AND id IN (` + placeholders(len(updates)) + `)`
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating bid statuses: %w", err)
	}
	if n, _ := result.RowsAffected(); n != int64(len(updates)) {
		return fmt.Errorf("updating bid statuses on lot %s: %d of %d bids matched: %w", lotID, n, len(updates), store.ErrNotFound)
	}
	return nil
}
