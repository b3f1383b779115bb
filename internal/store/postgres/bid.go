package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/agrimarket/treelot/internal/clock"
	"github.com/agrimarket/treelot/internal/store"
)

// BidRepo implements store.BidRepository with sqlx.
type BidRepo struct {
	db    sqlx.ExtContext
	clock clock.Clock
}

// NewBidRepo returns a new BidRepo.
func NewBidRepo(db sqlx.ExtContext, clk clock.Clock) *BidRepo {
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
		`INSERT INTO bids (id, lot_id, bidder_id, amount, comment, status, bid_type, bid_rank,
		                   is_winning, submitted_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		b.ID, b.LotID, b.BidderID, b.Amount, b.Comment, b.Status, b.Type, b.Rank,
		b.IsWinning, b.SubmittedAt.UTC(), b.CreatedAt, b.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting bid: %w", err)
	}

	rev := store.BidRevision{BidID: b.ID, Seq: 1, Amount: b.Amount, Comment: b.Comment, RecordedAt: b.SubmittedAt.UTC()}
	if _, err := r.db.ExecContext(ctx,
		`INSERT INTO bid_history (bid_id, seq, amount, comment, recorded_at) VALUES ($1, $2, $3, $4, $5)`,
		rev.BidID, rev.Seq, rev.Amount, rev.Comment, rev.RecordedAt,
	); err != nil {
		return fmt.Errorf("inserting bid history: %w", err)
	}
	b.History = []store.BidRevision{rev}
	return nil
}

func (r *BidRepo) GetByID(ctx context.Context, id string) (*store.Bid, error) {
	var b store.Bid
	if err := sqlx.GetContext(ctx, r.db, &b, `SELECT * FROM bids WHERE id = $1`, id); err != nil {
		return nil, notFound(err, "getting bid %s", id)
	}
	history, err := r.History(ctx, id)
	if err != nil {
		return nil, err
	}
	b.History = history
	return &b, nil
}

func (r *BidRepo) GetByBidder(ctx context.Context, lotID, bidderID string) (*store.Bid, error) {
	var b store.Bid
	err := sqlx.GetContext(ctx, r.db, &b,
		`SELECT * FROM bids WHERE lot_id = $1 AND bidder_id = $2`, lotID, bidderID)
	if err != nil {
		return nil, notFound(err, "getting bid of %s on lot %s", bidderID, lotID)
	}
	history, err := r.History(ctx, b.ID)
	if err != nil {
		return nil, err
	}
	b.History = history
	return &b, nil
}

func (r *BidRepo) ListByLot(ctx context.Context, lotID string) ([]store.Bid, error) {
	var bids []store.Bid
	err := sqlx.SelectContext(ctx, r.db, &bids,
		`SELECT * FROM bids WHERE lot_id = $1 ORDER BY created_at ASC, id ASC`, lotID)
	if err != nil {
		return nil, fmt.Errorf("listing bids: %w", err)
	}
	return bids, nil
}

func (r *BidRepo) ListActiveByLot(ctx context.Context, lotID string) ([]store.Bid, error) {
	var bids []store.Bid
	err := sqlx.SelectContext(ctx, r.db, &bids,
		`SELECT * FROM bids WHERE lot_id = $1 AND status = 'active' ORDER BY created_at ASC, id ASC`, lotID)
	if err != nil {
		return nil, fmt.Errorf("listing active bids: %w", err)
	}
	return bids, nil
}

func (r *BidRepo) Amend(ctx context.Context, b *store.Bid, rev store.BidRevision) error {
	now := r.clock.Now().UTC()
	result, err := r.db.ExecContext(ctx,
		`UPDATE bids SET amount = $1, comment = $2, bid_type = $3, submitted_at = $4, updated_at = $5
		 WHERE id = $6 AND status = 'active'`,
		b.Amount, b.Comment, b.Type, b.SubmittedAt.UTC(), now, b.ID,
	)
	if err != nil {
		return fmt.Errorf("amending bid: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("amending bid %s: no active bid: %w", b.ID, store.ErrNotFound)
	}

	rev.BidID = b.ID
	err = sqlx.GetContext(ctx, r.db, &rev.Seq,
		`INSERT INTO bid_history (bid_id, seq, amount, comment, recorded_at)
		 SELECT $1, COALESCE(MAX(seq), 0) + 1, $2, $3, $4 FROM bid_history WHERE bid_id = $1
		 RETURNING seq`,
		rev.BidID, rev.Amount, rev.Comment, rev.RecordedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("appending bid history: %w", err)
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
	var history []store.BidRevision
	err := sqlx.SelectContext(ctx, r.db, &history,
		`SELECT bid_id, seq, amount, comment, recorded_at FROM bid_history WHERE bid_id = $1 ORDER BY seq ASC`, bidID)
	if err != nil {
		return nil, fmt.Errorf("loading bid history: %w", err)
	}
	return history, nil
}

func (r *BidRepo) UpdateRanks(ctx context.Context, lotID string, updates []store.RankUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	ids := make([]string, len(updates))
	ranks := make([]int64, len(updates))
	winning := make([]bool, len(updates))
	for i, u := range updates {
		ids[i] = u.BidID
		ranks[i] = int64(u.Rank)
		winning[i] = u.IsWinning
	}

	result, err := r.db.ExecContext(ctx,
		`UPDATE bids AS b SET bid_rank = u.bid_rank, is_winning = u.is_winning, updated_at = $4
		 FROM unnest($1::text[], $2::int[], $3::bool[]) AS u(id, bid_rank, is_winning)
		 WHERE b.id = u.id AND b.lot_id = $5`,
		pq.Array(ids), pq.Array(ranks), pq.Array(winning), r.clock.Now().UTC(), lotID,
	)
	if err != nil {
		return fmt.Errorf("updating bid ranks: %w", err)
	}
	if n, _ := result.RowsAffected(); n != int64(len(updates)) {
		return fmt.Errorf("updating bid ranks on lot %s: %d of %d bids matched: %w", lotID, n, len(updates), store.ErrNotFound)
	}
	return nil
}

func (r *BidRepo) UpdateStatuses(ctx context.Context, lotID string, updates []store.StatusUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	ids := make([]string, len(updates))
	statuses := make([]string, len(updates))
	for i, u := range updates {
		ids[i] = u.BidID
		statuses[i] = string(u.Status)
	}

	result, err := r.db.ExecContext(ctx,
		`UPDATE bids AS b SET
		     status     = u.status,
		     is_winning = CASE WHEN u.status = 'active' THEN b.is_winning ELSE FALSE END,
		     bid_rank   = CASE WHEN u.status IN ('active', 'won', 'lost') THEN b.bid_rank ELSE 0 END,
		     updated_at = $3
		 FROM unnest($1::text[], $2::text[]) AS u(id, status)
		 WHERE b.id = u.id AND b.lot_id = $4`,
		pq.Array(ids), pq.Array(statuses), r.clock.Now().UTC(), lotID,
	)
	if err != nil {
		return fmt.Errorf("updating bid statuses: %w", err)
	}
	if n, _ := result.RowsAffected(); n != int64(len(updates)) {
		return fmt.Errorf("updating bid statuses on lot %s: %d of %d bids matched: %w", lotID, n, len(updates), store.ErrNotFound)
	}
	return nil
}
