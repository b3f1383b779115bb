package auction

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
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

// LotReader is the read side of the lot registry the ledger depends on.
type LotReader interface {
	Get(ctx context.Context, id string) (*store.Lot, error)
	CheckBiddable(l *store.Lot, now time.Time) error
	IsAdmin(id string) bool
}

// SubmitBidRequest places or amends the caller's bid on a lot.
type SubmitBidRequest struct {
	LotID    string
	BidderID string
	Amount   decimal.Decimal
	Comment  string
	// Final marks the bid as the bidder's last offer; it cannot be amended.
	Final bool
	// ExpectedVersion, when positive, must equal the lot's current version.
	ExpectedVersion int64
}

// Ledger validates and records bids.
type Ledger struct {
	lots      LotReader
	bids      store.BidRepository
	units     store.UnitOfWork
	ranker    *Ranker
	notifier  Notifier
	increment decimal.Decimal
	logger    *slog.Logger
	tracer    trace.Tracer
	metrics   *instruments
	clock     clock.Clock
}

// NewLedger returns a new Ledger. increment is the amount a bid must exceed
// the highest other bid by, unless the lot defines its own.
func NewLedger(lots LotReader, bids store.BidRepository, units store.UnitOfWork, ranker *Ranker, notifier Notifier, increment decimal.Decimal, logger *slog.Logger, tp trace.TracerProvider, mp metric.MeterProvider, clk clock.Clock) *Ledger {
	return &Ledger{
		lots:      lots,
		bids:      bids,
		units:     units,
		ranker:    ranker,
		notifier:  notifier,
		increment: increment,
		logger:    logger,
		tracer:    tp.Tracer(instrumentationName),
		metrics:   newInstruments(mp, logger),
		clock:     clk,
	}
}

// Increment returns the bid increment that applies to l.
func (l *Ledger) Increment(lot *store.Lot) decimal.Decimal {
	if lot.MinIncrement.IsPositive() {
		return lot.MinIncrement
	}
	return l.increment
}

// SubmitBid places a new bid or amends the caller's active bid on the lot.
// The returned bid carries its rank and history.
func (l *Ledger) SubmitBid(ctx context.Context, req SubmitBidRequest) (*store.Bid, error) {
	ctx, span := l.tracer.Start(ctx, "Ledger.SubmitBid",
		trace.WithAttributes(
			attribute.String("lot_id", req.LotID),
			attribute.String("bidder_id", req.BidderID),
			attribute.String("amount", req.Amount.String()),
		),
	)
	defer span.End()

	if req.BidderID == "" {
		return nil, l.reject(ctx, span, &ValidationError{Field: "bidder_id", Reason: "must not be empty"})
	}
	if !req.Amount.IsPositive() {
		return nil, l.reject(ctx, span, &ValidationError{Field: "amount", Reason: "must be greater than zero"})
	}
	if err := checkMoney("amount", req.Amount); err != nil {
		return nil, l.reject(ctx, span, err)
	}

	var (
		bid        *store.Bid
		amended    bool
		prevLeader *store.Bid
		leader     store.RankUpdate
		lot        *store.Lot
	)
	err := l.units.WithinLot(ctx, req.LotID, func(ctx context.Context, tx store.Tx) error {
		var err error
		lot, err = tx.Lots().GetByID(ctx, req.LotID)
		if err != nil {
			return err
		}
		if req.ExpectedVersion > 0 && req.ExpectedVersion != lot.Version {
			return fmt.Errorf("lot %s is at version %d, request expected %d: %w",
				lot.ID, lot.Version, req.ExpectedVersion, ErrConcurrencyConflict)
		}
		now := l.clock.Now()
		if err := l.lots.CheckBiddable(lot, now); err != nil {
			return err
		}

		// A bidder holds one bid per lot; a bid that left the active
		// status cannot be replaced.
		own, err := tx.Bids().GetByBidder(ctx, lot.ID, req.BidderID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			own = nil
		case err != nil:
			return fmt.Errorf("looking up bid of %s: %w", req.BidderID, err)
		case own.Status != store.BidActive:
			return fmt.Errorf("bidder %s already has a %s bid on lot %s: %w", req.BidderID, own.Status, lot.ID, ErrInvalidState)
		}

		if req.Amount.LessThan(lot.MinimumPrice) {
			return &AmountError{Kind: ErrBelowMinimum, MinimumAcceptable: lot.MinimumPrice}
		}

		active, err := tx.Bids().ListActiveByLot(ctx, lot.ID)
		if err != nil {
			return fmt.Errorf("listing active bids: %w", err)
		}
		var highest *store.Bid
		for i := range active {
			b := &active[i]
			if b.IsWinning {
				prevLeader = b
			}
			if b.BidderID == req.BidderID {
				continue
			}
			if highest == nil || b.Amount.GreaterThan(highest.Amount) {
				highest = b
			}
		}
		if highest != nil {
			minimum := highest.Amount.Add(l.Increment(lot))
			if req.Amount.LessThan(minimum) {
				return &AmountError{Kind: ErrOutbid, MinimumAcceptable: minimum}
			}
		}

		bidType := store.BidInitial
		if req.Final {
			bidType = store.BidFinal
		}
		evType := event.BidPlaced
		if own != nil {
			if own.Type == store.BidFinal {
				return fmt.Errorf("bid %s is final and cannot be amended: %w", own.ID, ErrInvalidState)
			}
			if !req.Final {
				bidType = store.BidCounter
			}
			own.Amount = req.Amount
			own.Comment = req.Comment
			own.Type = bidType
			own.SubmittedAt = now
			rev := store.BidRevision{Amount: req.Amount, Comment: req.Comment, RecordedAt: now}
			if err := tx.Bids().Amend(ctx, own, rev); err != nil {
				return fmt.Errorf("amending bid: %w", err)
			}
			bid, amended, evType = own, true, event.BidAmended
		} else {
			bid = &store.Bid{
				LotID:       lot.ID,
				BidderID:    req.BidderID,
				Amount:      req.Amount,
				Comment:     req.Comment,
				Status:      store.BidActive,
				Type:        bidType,
				SubmittedAt: now,
			}
			if err := tx.Bids().Create(ctx, bid); err != nil {
				return fmt.Errorf("creating bid: %w", err)
			}
		}

		if err := l.record(ctx, tx, lot.ID, evType, event.BidData{
			BidID:    bid.ID,
			BidderID: bid.BidderID,
			Amount:   bid.Amount,
			Comment:  bid.Comment,
		}); err != nil {
			return err
		}

		ranking, err := l.ranker.Recompute(ctx, tx, lot.ID)
		if err != nil {
			return err
		}
		if len(ranking) > 0 {
			leader = ranking[0]
		}

		bid, err = tx.Bids().GetByID(ctx, bid.ID)
		return err
	})
	if err != nil {
		return nil, l.reject(ctx, span, storeErr(err))
	}

	l.metrics.accepted.Add(ctx, 1, metric.WithAttributes(attribute.Bool("amendment", amended)))
	l.logger.InfoContext(ctx, "bid accepted",
		slog.String("lot_id", bid.LotID),
		slog.String("bid_id", bid.ID),
		slog.String("bidder_id", bid.BidderID),
		slog.String("amount", bid.Amount.String()),
		slog.Int("rank", bid.Rank),
		slog.Bool("amendment", amended),
	)

	if prevLeader != nil && prevLeader.BidderID != req.BidderID && leader.BidID != prevLeader.ID {
		l.notifier.Notify(ctx, notify.Event{
			Kind:          notify.BidOutbid,
			LotID:         lot.ID,
			FarmerID:      lot.FarmerID,
			BidID:         prevLeader.ID,
			BidderID:      prevLeader.BidderID,
			Amount:        prevLeader.Amount,
			LeadingAmount: bid.Amount,
			OccurredAt:    l.clock.Now(),
		})
	}
	return bid, nil
}

// record bumps the lot version and appends one event at the new version.
func (l *Ledger) record(ctx context.Context, tx store.Tx, lotID string, t event.Type, data event.BidData) error {
	version, err := tx.Lots().BumpVersion(ctx, lotID)
	if err != nil {
		return fmt.Errorf("bumping lot version: %w", err)
	}
	if err := tx.Events().Append(ctx, event.New(lotID, t, version, data)); err != nil {
		return fmt.Errorf("persisting %s event: %w", t, err)
	}
	return nil
}

func (l *Ledger) reject(ctx context.Context, span trace.Span, err error) error {
	if domain(err) {
		l.metrics.bidRejected(ctx, err)
		span.SetAttributes(attribute.String("rejected", Reason(err)))
		l.logger.InfoContext(ctx, "bid operation rejected", slog.String("reason", Reason(err)), slog.Any("error", err))
		return err
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// WithdrawBid lets a bidder retract their active bid while the lot's
// window is still open.
func (l *Ledger) WithdrawBid(ctx context.Context, bidID, bidderID string) (*store.Bid, error) {
	ctx, span := l.tracer.Start(ctx, "Ledger.WithdrawBid",
		trace.WithAttributes(attribute.String("bid_id", bidID), attribute.String("bidder_id", bidderID)),
	)
	defer span.End()

	b, err := l.terminate(ctx, bidID, bidderID, store.BidWithdrawn, event.BidWithdrawn, "", func(b *store.Bid, lot *store.Lot) error {
		if b.BidderID != bidderID {
			return fmt.Errorf("bid %s belongs to another bidder: %w", b.ID, ErrNotOwner)
		}
		if lot.Status != store.LotActive || lot.Phase(l.clock.Now()) == store.PhaseEnded {
			return fmt.Errorf("lot %s no longer allows withdrawals: %w", lot.ID, ErrInvalidState)
		}
		return nil
	})
	if err != nil {
		return nil, l.reject(ctx, span, err)
	}
	return b, nil
}

// RejectBid lets an administrator reject an active bid.
func (l *Ledger) RejectBid(ctx context.Context, bidID, adminID, reason string) (*store.Bid, error) {
	ctx, span := l.tracer.Start(ctx, "Ledger.RejectBid",
		trace.WithAttributes(attribute.String("bid_id", bidID), attribute.String("admin_id", adminID)),
	)
	defer span.End()

	b, err := l.terminate(ctx, bidID, adminID, store.BidRejected, event.BidRejected, reason, l.requireAdmin(adminID))
	if err != nil {
		return nil, l.reject(ctx, span, err)
	}
	return b, nil
}

// CancelBid lets an administrator cancel an active bid.
func (l *Ledger) CancelBid(ctx context.Context, bidID, adminID string) (*store.Bid, error) {
	ctx, span := l.tracer.Start(ctx, "Ledger.CancelBid",
		trace.WithAttributes(attribute.String("bid_id", bidID), attribute.String("admin_id", adminID)),
	)
	defer span.End()

	b, err := l.terminate(ctx, bidID, adminID, store.BidCancelled, event.BidCancelled, "", l.requireAdmin(adminID))
	if err != nil {
		return nil, l.reject(ctx, span, err)
	}
	return b, nil
}

func (l *Ledger) requireAdmin(actorID string) func(*store.Bid, *store.Lot) error {
	return func(b *store.Bid, _ *store.Lot) error {
		if !l.lots.IsAdmin(actorID) {
			return fmt.Errorf("%s is not an administrator: %w", actorID, ErrNotOwner)
		}
		return nil
	}
}

// terminate moves an active bid to a terminal status and re-ranks the lot.
func (l *Ledger) terminate(ctx context.Context, bidID, actorID string, to store.BidStatus, t event.Type, reason string, authorize func(*store.Bid, *store.Lot) error) (*store.Bid, error) {
	existing, err := l.bids.GetByID(ctx, bidID)
	if err != nil {
		return nil, storeErr(err)
	}

	var result *store.Bid
	err = l.units.WithinLot(ctx, existing.LotID, func(ctx context.Context, tx store.Tx) error {
		b, err := tx.Bids().GetByID(ctx, bidID)
		if err != nil {
			return err
		}
		lot, err := tx.Lots().GetByID(ctx, b.LotID)
		if err != nil {
			return err
		}
		if err := authorize(b, lot); err != nil {
			return err
		}
		if b.Status != store.BidActive {
			return fmt.Errorf("bid %s is %s: %w", b.ID, b.Status, ErrInvalidState)
		}

		if err := tx.Bids().UpdateStatuses(ctx, lot.ID, []store.StatusUpdate{{BidID: b.ID, Status: to}}); err != nil {
			return fmt.Errorf("updating bid status: %w", err)
		}
		if err := l.record(ctx, tx, lot.ID, t, event.BidData{
			BidID:    b.ID,
			BidderID: b.BidderID,
			Amount:   b.Amount,
			ActorID:  actorID,
			Reason:   reason,
		}); err != nil {
			return err
		}
		if _, err := l.ranker.Recompute(ctx, tx, lot.ID); err != nil {
			return err
		}

		result, err = tx.Bids().GetByID(ctx, b.ID)
		return err
	})
	if err != nil {
		return nil, storeErr(err)
	}

	l.logger.InfoContext(ctx, "bid terminated",
		slog.String("lot_id", result.LotID),
		slog.String("bid_id", result.ID),
		slog.String("status", string(to)),
		slog.String("actor_id", actorID),
	)
	return result, nil
}

// GetBid returns a bid with its history.
func (l *Ledger) GetBid(ctx context.Context, id string) (*store.Bid, error) {
	b, err := l.bids.GetByID(ctx, id)
	if err != nil {
		return nil, storeErr(err)
	}
	return b, nil
}

// GetLotBids returns every bid on a lot: active bids by rank, then the rest
// by amount.
func (l *Ledger) GetLotBids(ctx context.Context, lotID string) ([]store.Bid, error) {
	ctx, span := l.tracer.Start(ctx, "Ledger.GetLotBids",
		trace.WithAttributes(attribute.String("lot_id", lotID)),
	)
	defer span.End()

	if _, err := l.lots.Get(ctx, lotID); err != nil {
		return nil, err
	}
	bids, err := l.bids.ListByLot(ctx, lotID)
	if err != nil {
		return nil, fmt.Errorf("listing bids: %w", err)
	}
	slices.SortFunc(bids, func(a, b store.Bid) int {
		aActive, bActive := a.Status == store.BidActive, b.Status == store.BidActive
		switch {
		case aActive && !bActive:
			return -1
		case !aActive && bActive:
			return 1
		case aActive && bActive:
			if c := cmp.Compare(a.Rank, b.Rank); c != 0 {
				return c
			}
		}
		return compareBids(a, b)
	})
	return bids, nil
}
