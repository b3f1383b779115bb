package memory

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/agrimarket/treelot/internal/store"
)

// BidRepo implements store.BidRepository in memory.
type BidRepo struct {
	v *view
}

func (r *BidRepo) Create(_ context.Context, b *store.Bid) error {
	defer r.v.lock()()

	if err := r.v.scoped(b.LotID); err != nil {
		return err
	}
	if _, ok := r.v.d.lots[b.LotID]; !ok {
		return fmt.Errorf("creating bid on lot %s: %w", b.LotID, store.ErrNotFound)
	}
	for _, other := range r.v.d.bids {
		if other.LotID == b.LotID && other.BidderID == b.BidderID {
			return fmt.Errorf("bidder %s already has bid %s on lot %s", b.BidderID, other.ID, b.LotID)
		}
	}
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	now := r.v.clock.Now().UTC()
	b.CreatedAt = now
	b.UpdatedAt = now
	if b.SubmittedAt.IsZero() {
		b.SubmittedAt = now
	}

	rev := store.BidRevision{BidID: b.ID, Seq: 1, Amount: b.Amount, Comment: b.Comment, RecordedAt: b.SubmittedAt}
	r.v.d.history[b.ID] = []store.BidRevision{rev}
	b.History = []store.BidRevision{rev}

	stored := *b
	stored.History = nil
	r.v.d.bids[b.ID] = stored
	return nil
}

func (r *BidRepo) GetByID(_ context.Context, id string) (*store.Bid, error) {
	defer r.v.rlock()()

	b, ok := r.v.d.bids[id]
	if !ok {
		return nil, fmt.Errorf("getting bid %s: %w", id, store.ErrNotFound)
	}
	b.History = append([]store.BidRevision(nil), r.v.d.history[id]...)
	return &b, nil
}

func (r *BidRepo) GetByBidder(_ context.Context, lotID, bidderID string) (*store.Bid, error) {
	defer r.v.rlock()()

	for _, b := range r.v.d.bids {
		if b.LotID == lotID && b.BidderID == bidderID {
			b.History = append([]store.BidRevision(nil), r.v.d.history[b.ID]...)
			return &b, nil
		}
	}
	return nil, fmt.Errorf("bid of %s on lot %s: %w", bidderID, lotID, store.ErrNotFound)
}

func (r *BidRepo) ListByLot(_ context.Context, lotID string) ([]store.Bid, error) {
	defer r.v.rlock()()
	return r.list(lotID, false), nil
}

func (r *BidRepo) ListActiveByLot(_ context.Context, lotID string) ([]store.Bid, error) {
	defer r.v.rlock()()
	return r.list(lotID, true), nil
}

func (r *BidRepo) list(lotID string, activeOnly bool) []store.Bid {
	var bids []store.Bid
	for _, b := range r.v.d.bids {
		if b.LotID != lotID || (activeOnly && b.Status != store.BidActive) {
			continue
		}
		bids = append(bids, b)
	}
	sort.Slice(bids, func(i, j int) bool {
		if !bids[i].CreatedAt.Equal(bids[j].CreatedAt) {
			return bids[i].CreatedAt.Before(bids[j].CreatedAt)
		}
		return bids[i].ID < bids[j].ID
	})
	return bids
}

func (r *BidRepo) Amend(_ context.Context, b *store.Bid, rev store.BidRevision) error {
	defer r.v.lock()()

	stored, ok := r.v.d.bids[b.ID]
	if !ok {
		return fmt.Errorf("amending bid %s: %w", b.ID, store.ErrNotFound)
	}
	if stored.Status != store.BidActive {
		return fmt.Errorf("amending bid %s: status is %s", b.ID, stored.Status)
	}

	stored.Amount = b.Amount
	stored.Comment = b.Comment
	stored.Type = b.Type
	stored.SubmittedAt = b.SubmittedAt
	stored.UpdatedAt = r.v.clock.Now().UTC()
	r.v.d.bids[b.ID] = stored

	rev.BidID = b.ID
	rev.Seq = len(r.v.d.history[b.ID]) + 1
	r.v.d.history[b.ID] = append(r.v.d.history[b.ID], rev)

	b.UpdatedAt = stored.UpdatedAt
	b.History = append([]store.BidRevision(nil), r.v.d.history[b.ID]...)
	return nil
}

func (r *BidRepo) History(_ context.Context, bidID string) ([]store.BidRevision, error) {
	defer r.v.rlock()()
	return append([]store.BidRevision(nil), r.v.d.history[bidID]...), nil
}

func (r *BidRepo) UpdateRanks(_ context.Context, lotID string, updates []store.RankUpdate) error {
	defer r.v.lock()()

	for _, u := range updates {
		if b, ok := r.v.d.bids[u.BidID]; !ok || b.LotID != lotID {
			return fmt.Errorf("ranking bid %s on lot %s: %w", u.BidID, lotID, store.ErrNotFound)
		}
	}
	now := r.v.clock.Now().UTC()
	for _, u := range updates {
		b := r.v.d.bids[u.BidID]
		b.Rank = u.Rank
		b.IsWinning = u.IsWinning
		b.UpdatedAt = now
		r.v.d.bids[u.BidID] = b
	}
	return nil
}

func (r *BidRepo) UpdateStatuses(_ context.Context, lotID string, updates []store.StatusUpdate) error {
	defer r.v.lock()()

	for _, u := range updates {
		if b, ok := r.v.d.bids[u.BidID]; !ok || b.LotID != lotID {
			return fmt.Errorf("updating bid %s on lot %s: %w", u.BidID, lotID, store.ErrNotFound)
		}
	}
	now := r.v.clock.Now().UTC()
	for _, u := range updates {
		b := r.v.d.bids[u.BidID]
		b.Status = u.Status
		if u.Status != store.BidActive {
			b.IsWinning = false
		}
		if u.Status != store.BidActive && u.Status != store.BidWon && u.Status != store.BidLost {
			b.Rank = 0
		}
		b.UpdatedAt = now
		r.v.d.bids[u.BidID] = b
	}
	return nil
}
