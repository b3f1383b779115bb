package auction

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/agrimarket/treelot/internal/clock"
	"github.com/agrimarket/treelot/internal/event"
	"github.com/agrimarket/treelot/internal/store"
)

// transitions lists the statuses each lot status may move to.
var transitions = map[store.LotStatus][]store.LotStatus{
	store.LotDraft:  {store.LotActive, store.LotClosed, store.LotCancelled},
	store.LotActive: {store.LotClosed, store.LotCancelled, store.LotSold},
	store.LotClosed: {store.LotSold, store.LotCancelled},
}

// CanTransition reports whether a lot may move from one status to another.
func CanTransition(from, to store.LotStatus) bool {
	return slices.Contains(transitions[from], to)
}

// CreateLotRequest holds the attributes of a new lot.
type CreateLotRequest struct {
	FarmerID     string
	Location     string
	TreeCount    int
	MinimumPrice decimal.Decimal
	// MinIncrement overrides the configured bid increment when positive.
	MinIncrement decimal.Decimal
	BiddingStart time.Time
	BiddingEnd   time.Time
	// Draft creates the lot unpublished.
	Draft bool
}

func (r CreateLotRequest) validate() error {
	switch {
	case r.FarmerID == "":
		return &ValidationError{Field: "farmer_id", Reason: "must not be empty"}
	case r.TreeCount < 1:
		return &ValidationError{Field: "tree_count", Reason: "must be at least 1"}
	case r.MinimumPrice.IsNegative():
		return &ValidationError{Field: "minimum_price", Reason: "must not be negative"}
	case r.MinIncrement.IsNegative():
		return &ValidationError{Field: "min_increment", Reason: "must not be negative"}
	case r.BiddingStart.IsZero() || r.BiddingEnd.IsZero():
		return &ValidationError{Field: "bidding_window", Reason: "start and end are required"}
	case !r.BiddingEnd.After(r.BiddingStart):
		return &ValidationError{Field: "bidding_end", Reason: "must be after bidding_start"}
	}
	if err := checkMoney("minimum_price", r.MinimumPrice); err != nil {
		return err
	}
	return checkMoney("min_increment", r.MinIncrement)
}

// ListLotsFilter narrows List. Zero values match everything.
type ListLotsFilter struct {
	FarmerID string
	Status   store.LotStatus
}

// Registry owns lot records and their status state machine.
type Registry struct {
	lots   store.LotRepository
	units  store.UnitOfWork
	admins map[string]struct{}
	logger *slog.Logger
	tracer trace.Tracer
	clock  clock.Clock
}

// NewRegistry returns a new Registry. admins may cancel any lot.
func NewRegistry(lots store.LotRepository, units store.UnitOfWork, admins []string, logger *slog.Logger, tp trace.TracerProvider, clk clock.Clock) *Registry {
	return &Registry{
		lots:   lots,
		units:  units,
		admins: adminSet(admins),
		logger: logger,
		tracer: tp.Tracer(instrumentationName),
		clock:  clk,
	}
}

func adminSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

// Create validates and stores a new lot together with its lot.created
// event.
func (r *Registry) Create(ctx context.Context, req CreateLotRequest) (*store.Lot, error) {
	ctx, span := r.tracer.Start(ctx, "Registry.Create",
		trace.WithAttributes(
			attribute.String("farmer_id", req.FarmerID),
			attribute.Int("tree_count", req.TreeCount),
		),
	)
	defer span.End()

	if err := req.validate(); err != nil {
		return nil, err
	}

	status := store.LotActive
	if req.Draft {
		status = store.LotDraft
	}
	l := &store.Lot{
		FarmerID:     req.FarmerID,
		Location:     req.Location,
		TreeCount:    req.TreeCount,
		MinimumPrice: req.MinimumPrice,
		MinIncrement: req.MinIncrement,
		BiddingStart: req.BiddingStart.UTC(),
		BiddingEnd:   req.BiddingEnd.UTC(),
		Status:       status,
		Version:      1,
	}
	err := r.units.CreateLot(ctx, l, func(ctx context.Context, tx store.Tx) error {
		e := event.New(l.ID, event.LotCreated, l.Version, event.LotCreatedData{
			FarmerID:     l.FarmerID,
			TreeCount:    l.TreeCount,
			MinimumPrice: l.MinimumPrice,
			BiddingStart: l.BiddingStart,
			BiddingEnd:   l.BiddingEnd,
			Status:       string(l.Status),
		})
		if err := tx.Events().Append(ctx, e); err != nil {
			return fmt.Errorf("persisting lot created event: %w", err)
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("creating lot: %w", err)
	}

	span.SetAttributes(attribute.String("lot_id", l.ID))
	r.logger.InfoContext(ctx, "lot created",
		slog.String("lot_id", l.ID),
		slog.String("farmer_id", l.FarmerID),
		slog.String("status", string(l.Status)),
	)
	return l, nil
}

// Get returns the lot with the given id.
func (r *Registry) Get(ctx context.Context, id string) (*store.Lot, error) {
	l, err := r.lots.GetByID(ctx, id)
	if err != nil {
		return nil, storeErr(err)
	}
	return l, nil
}

// List returns the lots matching f, newest first.
func (r *Registry) List(ctx context.Context, f ListLotsFilter) ([]store.Lot, error) {
	lots, err := r.lots.List(ctx, store.LotFilter{FarmerID: f.FarmerID, Status: f.Status})
	if err != nil {
		return nil, fmt.Errorf("listing lots: %w", err)
	}
	return lots, nil
}

// Publish moves a draft lot to active. Only the owning farmer may publish.
func (r *Registry) Publish(ctx context.Context, id, actorID string) (*store.Lot, error) {
	ctx, span := r.tracer.Start(ctx, "Registry.Publish",
		trace.WithAttributes(attribute.String("lot_id", id), attribute.String("actor_id", actorID)),
	)
	defer span.End()

	return r.transition(ctx, id, actorID, store.LotActive, event.LotPublished, func(l *store.Lot, actorID string) error {
		if l.FarmerID != actorID {
			return fmt.Errorf("lot %s belongs to %s: %w", l.ID, l.FarmerID, ErrNotOwner)
		}
		if l.Status != store.LotDraft {
			return fmt.Errorf("publishing lot %s in status %s: %w", l.ID, l.Status, ErrInvalidState)
		}
		return nil
	})
}

// Close stops bidding on a lot. Only the owning farmer or an administrator
// may close. Closing a closed lot is a no-op.
func (r *Registry) Close(ctx context.Context, id, actorID string) (*store.Lot, error) {
	ctx, span := r.tracer.Start(ctx, "Registry.Close",
		trace.WithAttributes(attribute.String("lot_id", id), attribute.String("actor_id", actorID)),
	)
	defer span.End()

	return r.transition(ctx, id, actorID, store.LotClosed, event.LotClosed, r.ownerOrAdmin)
}

// Cancel withdraws a lot from sale and expires its active bids. Only the
// owning farmer or an administrator may cancel.
func (r *Registry) Cancel(ctx context.Context, id, actorID string) (*store.Lot, error) {
	ctx, span := r.tracer.Start(ctx, "Registry.Cancel",
		trace.WithAttributes(attribute.String("lot_id", id), attribute.String("actor_id", actorID)),
	)
	defer span.End()

	return r.transition(ctx, id, actorID, store.LotCancelled, event.LotCancelled, r.ownerOrAdmin)
}

func (r *Registry) ownerOrAdmin(l *store.Lot, actorID string) error {
	if l.FarmerID != actorID && !r.IsAdmin(actorID) {
		return fmt.Errorf("lot %s belongs to %s: %w", l.ID, l.FarmerID, ErrNotOwner)
	}
	return nil
}

// IsAdmin reports whether id is a configured administrator.
func (r *Registry) IsAdmin(id string) bool {
	_, ok := r.admins[id]
	return ok
}

func (r *Registry) transition(ctx context.Context, id, actorID string, to store.LotStatus, t event.Type, authorize func(l *store.Lot, actorID string) error) (*store.Lot, error) {
	var (
		result *store.Lot
		from   store.LotStatus
		noop   bool
	)
	err := r.units.WithinLot(ctx, id, func(ctx context.Context, tx store.Tx) error {
		l, err := tx.Lots().GetByID(ctx, id)
		if err != nil {
			return err
		}
		if err := authorize(l, actorID); err != nil {
			return err
		}
		from = l.Status
		if from == to && to == store.LotClosed {
			result, noop = l, true
			return nil
		}
		if !CanTransition(from, to) {
			return fmt.Errorf("lot %s cannot move from %s to %s: %w", id, from, to, ErrInvalidState)
		}

		if to == store.LotCancelled {
			if err := expireActiveBids(ctx, tx, id); err != nil {
				return err
			}
		}
		if err := tx.Lots().UpdateStatus(ctx, id, to); err != nil {
			return fmt.Errorf("updating lot status: %w", err)
		}
		version, err := tx.Lots().BumpVersion(ctx, id)
		if err != nil {
			return fmt.Errorf("bumping lot version: %w", err)
		}
		e := event.New(id, t, version, event.LotStatusData{From: string(from), To: string(to), ActorID: actorID})
		if err := tx.Events().Append(ctx, e); err != nil {
			return fmt.Errorf("persisting %s event: %w", t, err)
		}

		result, err = tx.Lots().GetByID(ctx, id)
		return err
	})
	if err != nil {
		return nil, storeErr(err)
	}

	if !noop {
		r.logger.InfoContext(ctx, "lot status changed",
			slog.String("lot_id", id),
			slog.String("from", string(from)),
			slog.String("to", string(to)),
			slog.String("actor_id", actorID),
		)
	}
	return result, nil
}

func expireActiveBids(ctx context.Context, tx store.Tx, lotID string) error {
	active, err := tx.Bids().ListActiveByLot(ctx, lotID)
	if err != nil {
		return fmt.Errorf("listing active bids: %w", err)
	}
	updates := make([]store.StatusUpdate, 0, len(active))
	for _, b := range active {
		updates = append(updates, store.StatusUpdate{BidID: b.ID, Status: store.BidExpired})
	}
	if err := tx.Bids().UpdateStatuses(ctx, lotID, updates); err != nil {
		return fmt.Errorf("expiring bids: %w", err)
	}
	return nil
}

// IsBiddable reports whether the lot accepts bids at now.
func (r *Registry) IsBiddable(ctx context.Context, id string, now time.Time) (bool, error) {
	l, err := r.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return l.Biddable(now), nil
}

// CheckBiddable returns an error wrapping ErrLotNotBiddable unless l accepts
// bids at now.
func (r *Registry) CheckBiddable(l *store.Lot, now time.Time) error {
	if l.Biddable(now) {
		return nil
	}
	return fmt.Errorf("lot %s is %s and %s: %w", l.ID, l.Status, l.Phase(now), ErrLotNotBiddable)
}
