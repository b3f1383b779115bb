package auction

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/agrimarket/treelot/internal/store"
)

// compareBids orders bids by amount descending, then earliest submission,
// then id.
func compareBids(a, b store.Bid) int {
	if c := b.Amount.Cmp(a.Amount); c != 0 {
		return c
	}
	if c := a.SubmittedAt.Compare(b.SubmittedAt); c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}

// Rank orders the active bids among bids and assigns ranks 1..N. Bids in any
// other status are ignored. The input slice is not modified.
func Rank(bids []store.Bid) []store.RankUpdate {
	active := make([]store.Bid, 0, len(bids))
	for _, b := range bids {
		if b.Status == store.BidActive {
			active = append(active, b)
		}
	}
	slices.SortFunc(active, compareBids)

	updates := make([]store.RankUpdate, len(active))
	for i, b := range active {
		updates[i] = store.RankUpdate{BidID: b.ID, Rank: i + 1, IsWinning: i == 0}
	}
	return updates
}

// Ranker persists the ranking of a lot's active bids.
type Ranker struct {
	units  store.UnitOfWork
	tracer trace.Tracer
}

// NewRanker returns a new Ranker.
func NewRanker(units store.UnitOfWork, tp trace.TracerProvider) *Ranker {
	return &Ranker{units: units, tracer: tp.Tracer(instrumentationName)}
}

// Recompute ranks the active bids of lotID inside tx and writes every changed
// rank in one batch. It returns the full ranking.
func (r *Ranker) Recompute(ctx context.Context, tx store.Tx, lotID string) ([]store.RankUpdate, error) {
	ctx, span := r.tracer.Start(ctx, "Ranker.Recompute",
		trace.WithAttributes(attribute.String("lot_id", lotID)),
	)
	defer span.End()

	active, err := tx.Bids().ListActiveByLot(ctx, lotID)
	if err != nil {
		return nil, fmt.Errorf("listing active bids: %w", err)
	}
	current := make(map[string]store.Bid, len(active))
	for _, b := range active {
		current[b.ID] = b
	}

	updates := Rank(active)
	var changed []store.RankUpdate
	for _, u := range updates {
		b := current[u.BidID]
		if b.Rank != u.Rank || b.IsWinning != u.IsWinning {
			changed = append(changed, u)
		}
	}
	span.SetAttributes(attribute.Int("active_bids", len(updates)), attribute.Int("changed", len(changed)))

	if err := tx.Bids().UpdateRanks(ctx, lotID, changed); err != nil {
		return nil, fmt.Errorf("updating ranks: %w", err)
	}
	return updates, nil
}

// RecomputeLot runs Recompute in its own unit of work.
func (r *Ranker) RecomputeLot(ctx context.Context, lotID string) ([]store.RankUpdate, error) {
	var updates []store.RankUpdate
	err := r.units.WithinLot(ctx, lotID, func(ctx context.Context, tx store.Tx) error {
		var err error
		updates, err = r.Recompute(ctx, tx, lotID)
		return err
	})
	if err != nil {
		return nil, storeErr(err)
	}
	return updates, nil
}
