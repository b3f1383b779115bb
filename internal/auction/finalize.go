package auction

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/agrimarket/treelot/internal/clock"
	"github.com/agrimarket/treelot/internal/event"
	"github.com/agrimarket/treelot/internal/notify"
	"github.com/agrimarket/treelot/internal/store"
)

// FinalizeResult describes the outcome of finalizing a lot.
type FinalizeResult struct {
	LotID  string          `json:"lot_id"`
	Status store.LotStatus `json:"status"`
	// Winner is nil when the lot closed without active bids.
	Winner *store.Bid `json:"winner,omitempty"`
	Losers int        `json:"losers"`
	// AlreadyFinalized is set when the call changed nothing.
	AlreadyFinalized bool `json:"already_finalized"`
}

// Finalizer terminalizes the bids of lots whose window has ended.
type Finalizer struct {
	units    store.UnitOfWork
	ranker   *Ranker
	notifier Notifier
	logger   *slog.Logger
	tracer   trace.Tracer
	metrics  *instruments
	clock    clock.Clock
}

// NewFinalizer returns a new Finalizer.
func NewFinalizer(units store.UnitOfWork, ranker *Ranker, notifier Notifier, logger *slog.Logger, tp trace.TracerProvider, mp metric.MeterProvider, clk clock.Clock) *Finalizer {
	return &Finalizer{
		units:    units,
		ranker:   ranker,
		notifier: notifier,
		logger:   logger,
		tracer:   tp.Tracer(instrumentationName),
		metrics:  newInstruments(mp, logger),
		clock:    clk,
	}
}

// Finalize declares the winner of an ended lot. The highest active bid wins,
// every other active bid loses, and the lot is sold, all in one unit of
// work. A lot without active bids is closed with no winner. Finalizing a
// sold lot again changes nothing.
func (f *Finalizer) Finalize(ctx context.Context, lotID string) (*FinalizeResult, error) {
	ctx, span := f.tracer.Start(ctx, "Finalizer.Finalize",
		trace.WithAttributes(attribute.String("lot_id", lotID)),
	)
	defer span.End()

	res := &FinalizeResult{LotID: lotID}
	var farmerID string
	err := f.units.WithinLot(ctx, lotID, func(ctx context.Context, tx store.Tx) error {
		lot, err := tx.Lots().GetByID(ctx, lotID)
		if err != nil {
			return err
		}
		farmerID = lot.FarmerID

		switch {
		case lot.Status == store.LotSold:
			return f.recorded(ctx, tx, lot, res)
		case lot.Status == store.LotCancelled:
			return fmt.Errorf("lot %s is cancelled: %w", lotID, ErrInvalidState)
		case lot.Phase(f.clock.Now()) != store.PhaseEnded:
			return fmt.Errorf("bidding on lot %s ends at %s: %w", lotID, lot.BiddingEnd.Format(time.RFC3339), ErrInvalidState)
		}

		ranking, err := f.ranker.Recompute(ctx, tx, lotID)
		if err != nil {
			return err
		}

		if len(ranking) == 0 {
			res.Status = store.LotClosed
			if lot.Status == store.LotClosed {
				res.AlreadyFinalized = true
				return nil
			}
			if err := tx.Lots().UpdateStatus(ctx, lotID, store.LotClosed); err != nil {
				return fmt.Errorf("closing lot: %w", err)
			}
			return f.record(ctx, tx, lotID, event.LotFinalizedData{Status: string(store.LotClosed)})
		}

		updates := make([]store.StatusUpdate, len(ranking))
		for i, r := range ranking {
			updates[i] = store.StatusUpdate{BidID: r.BidID, Status: store.BidLost}
		}
		updates[0].Status = store.BidWon
		if err := tx.Bids().UpdateStatuses(ctx, lotID, updates); err != nil {
			return fmt.Errorf("terminalizing bids: %w", err)
		}
		if err := tx.Lots().UpdateStatus(ctx, lotID, store.LotSold); err != nil {
			return fmt.Errorf("selling lot: %w", err)
		}

		winner, err := tx.Bids().GetByID(ctx, ranking[0].BidID)
		if err != nil {
			return err
		}
		res.Status = store.LotSold
		res.Winner = winner
		res.Losers = len(ranking) - 1
		return f.record(ctx, tx, lotID, event.LotFinalizedData{
			WinnerBidID: winner.ID,
			WinnerID:    winner.BidderID,
			Amount:      winner.Amount,
			Losers:      res.Losers,
			Status:      string(store.LotSold),
		})
	})
	if err != nil {
		err = storeErr(err)
		if !domain(err) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return nil, err
	}

	span.SetAttributes(
		attribute.String("status", string(res.Status)),
		attribute.Bool("already_finalized", res.AlreadyFinalized),
	)
	if res.AlreadyFinalized {
		return res, nil
	}

	outcome := "sold"
	e := notify.Event{Kind: notify.LotFinalized, LotID: lotID, FarmerID: farmerID, OccurredAt: f.clock.Now()}
	if res.Winner == nil {
		outcome = "no_winner"
		e.Kind = notify.LotFinalizedNoWinner
		e.Amount = decimal.Zero
	} else {
		e.BidID = res.Winner.ID
		e.BidderID = res.Winner.BidderID
		e.Amount = res.Winner.Amount
	}
	f.metrics.finalized.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	f.logger.InfoContext(ctx, "lot finalized",
		slog.String("lot_id", lotID),
		slog.String("outcome", outcome),
		slog.String("winner_bid_id", e.BidID),
		slog.String("amount", e.Amount.String()),
		slog.Int("losers", res.Losers),
	)
	f.notifier.Notify(ctx, e)
	return res, nil
}

// recorded fills res from a lot that was already sold.
func (f *Finalizer) recorded(ctx context.Context, tx store.Tx, lot *store.Lot, res *FinalizeResult) error {
	bids, err := tx.Bids().ListByLot(ctx, lot.ID)
	if err != nil {
		return fmt.Errorf("listing bids: %w", err)
	}
	res.Status = lot.Status
	res.AlreadyFinalized = true
	for _, b := range bids {
		switch b.Status {
		case store.BidWon:
			winner, err := tx.Bids().GetByID(ctx, b.ID)
			if err != nil {
				return err
			}
			res.Winner = winner
		case store.BidLost:
			res.Losers++
		}
	}
	return nil
}

func (f *Finalizer) record(ctx context.Context, tx store.Tx, lotID string, data event.LotFinalizedData) error {
	version, err := tx.Lots().BumpVersion(ctx, lotID)
	if err != nil {
		return fmt.Errorf("bumping lot version: %w", err)
	}
	if err := tx.Events().Append(ctx, event.New(lotID, event.LotFinalized, version, data)); err != nil {
		return fmt.Errorf("persisting finalized event: %w", err)
	}
	return nil
}
