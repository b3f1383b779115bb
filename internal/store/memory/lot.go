package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/agrimarket/treelot/internal/store"
)

// LotRepo implements store.LotRepository in memory.
type LotRepo struct {
	v *view
}

func (r *LotRepo) Create(_ context.Context, l *store.Lot) error {
	defer r.v.lock()()

	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if err := r.v.scoped(l.ID); err != nil {
		return err
	}
	if _, ok := r.v.d.lots[l.ID]; ok {
		return fmt.Errorf("lot %s already exists", l.ID)
	}
	now := r.v.clock.Now().UTC()
	l.CreatedAt = now
	l.UpdatedAt = now
	if l.Version == 0 {
		l.Version = 1
	}
	r.v.d.lots[l.ID] = *l
	return nil
}

func (r *LotRepo) GetByID(_ context.Context, id string) (*store.Lot, error) {
	defer r.v.rlock()()

	if err := r.v.scoped(id); err != nil {
		return nil, err
	}
	l, ok := r.v.d.lots[id]
	if !ok {
		return nil, fmt.Errorf("getting lot %s: %w", id, store.ErrNotFound)
	}
	return &l, nil
}

func (r *LotRepo) List(_ context.Context, f store.LotFilter) ([]store.Lot, error) {
	defer r.v.rlock()()

	var lots []store.Lot
	for _, l := range r.v.d.lots {
		if f.FarmerID != "" && l.FarmerID != f.FarmerID {
			continue
		}
		if f.Status != "" && l.Status != f.Status {
			continue
		}
		lots = append(lots, l)
	}
	sort.Slice(lots, func(i, j int) bool {
		if !lots[i].CreatedAt.Equal(lots[j].CreatedAt) {
			return lots[i].CreatedAt.After(lots[j].CreatedAt)
		}
		return lots[i].ID < lots[j].ID
	})
	return lots, nil
}

func (r *LotRepo) ListDue(_ context.Context, now time.Time) ([]store.Lot, error) {
	defer r.v.rlock()()

	var lots []store.Lot
	for _, l := range r.v.d.lots {
		if now.Before(l.BiddingEnd) {
			continue
		}
		if l.Status != store.LotActive && !(l.Status == store.LotClosed && r.hasActiveBids(l.ID)) {
			continue
		}
		lots = append(lots, l)
	}
	sort.Slice(lots, func(i, j int) bool {
		if !lots[i].BiddingEnd.Equal(lots[j].BiddingEnd) {
			return lots[i].BiddingEnd.Before(lots[j].BiddingEnd)
		}
		return lots[i].ID < lots[j].ID
	})
	return lots, nil
}

// hasActiveBids must be called with the view locked.
func (r *LotRepo) hasActiveBids(lotID string) bool {
	for _, b := range r.v.d.bids {
		if b.LotID == lotID && b.Status == store.BidActive {
			return true
		}
	}
	return false
}

func (r *LotRepo) UpdateStatus(_ context.Context, id string, status store.LotStatus) error {
	defer r.v.lock()()

	if err := r.v.scoped(id); err != nil {
		return err
	}
	l, ok := r.v.d.lots[id]
	if !ok {
		return fmt.Errorf("updating lot %s: %w", id, store.ErrNotFound)
	}
	l.Status = status
	l.UpdatedAt = r.v.clock.Now().UTC()
	r.v.d.lots[id] = l
	return nil
}

func (r *LotRepo) BumpVersion(_ context.Context, id string) (int64, error) {
	defer r.v.lock()()

	if err := r.v.scoped(id); err != nil {
		return 0, err
	}
	l, ok := r.v.d.lots[id]
	if !ok {
		return 0, fmt.Errorf("bumping lot %s version: %w", id, store.ErrNotFound)
	}
	l.Version++
	l.UpdatedAt = r.v.clock.Now().UTC()
	r.v.d.lots[id] = l
	return l.Version, nil
}
