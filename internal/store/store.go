package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/agrimarket/treelot/internal/event"
)

// ErrNotFound is returned by repositories when a record does not exist.
var ErrNotFound = errors.New("record not found")

// LotStatus is the persisted state of a lot.
type LotStatus string

const (
	LotDraft     LotStatus = "draft"
	LotActive    LotStatus = "active"
	LotClosed    LotStatus = "closed"
	LotCancelled LotStatus = "cancelled"
	LotSold      LotStatus = "sold"
)

// Phase is the bidding phase derived from the clock and the lot window.
type Phase string

const (
	PhaseUpcoming Phase = "upcoming"
	PhaseActive   Phase = "active"
	PhaseEnded    Phase = "ended"
)

// BidStatus is the persisted state of a bid.
type BidStatus string

const (
	BidActive    BidStatus = "active"
	BidWithdrawn BidStatus = "withdrawn"
	BidCancelled BidStatus = "cancelled"
	BidRejected  BidStatus = "rejected"
	BidWon       BidStatus = "won"
	BidLost      BidStatus = "lost"
	BidExpired   BidStatus = "expired"
)

// Terminal reports whether no further transition is allowed from s.
func (s BidStatus) Terminal() bool { return s != BidActive }

// BidType distinguishes a first offer from later amendments.
type BidType string

const (
	BidInitial BidType = "initial"
	BidCounter BidType = "counter"
	BidFinal   BidType = "final"
)

// Lot is an auctionable lot of rubber trees owned by one farmer.
type Lot struct {
	ID           string          `db:"id" json:"id"`
	FarmerID     string          `db:"farmer_id" json:"farmer_id"`
	Location     string          `db:"location" json:"location"`
	TreeCount    int             `db:"tree_count" json:"tree_count"`
	MinimumPrice decimal.Decimal `db:"minimum_price" json:"minimum_price"`
	// MinIncrement overrides the configured increment when positive.
	MinIncrement decimal.Decimal `db:"min_increment" json:"min_increment"`
	BiddingStart time.Time       `db:"bidding_start" json:"bidding_start"`
	BiddingEnd   time.Time       `db:"bidding_end" json:"bidding_end"`
	Status       LotStatus       `db:"status" json:"status"`
	Version      int64           `db:"version" json:"version"`
	CreatedAt    time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time       `db:"updated_at" json:"updated_at"`
}

// Phase returns the bidding phase of the lot at now. The window is
// half-open: [BiddingStart, BiddingEnd).
func (l *Lot) Phase(now time.Time) Phase {
	switch {
	case now.Before(l.BiddingStart):
		return PhaseUpcoming
	case now.Before(l.BiddingEnd):
		return PhaseActive
	default:
		return PhaseEnded
	}
}

// Biddable reports whether the lot accepts bids at now.
func (l *Lot) Biddable(now time.Time) bool {
	return l.Status == LotActive && l.Phase(now) == PhaseActive
}

// Bid is a broker's offer against one lot.
type Bid struct {
	ID        string          `db:"id" json:"id"`
	LotID     string          `db:"lot_id" json:"lot_id"`
	BidderID  string          `db:"bidder_id" json:"bidder_id"`
	Amount    decimal.Decimal `db:"amount" json:"amount"`
	Comment   string          `db:"comment" json:"comment,omitempty"`
	Status    BidStatus       `db:"status" json:"status"`
	Type      BidType         `db:"bid_type" json:"bid_type"`
	Rank      int             `db:"bid_rank" json:"rank"`
	IsWinning bool            `db:"is_winning" json:"is_winning"`
	// SubmittedAt is when the current amount was offered; ranking ties
	// go to the earliest.
	SubmittedAt time.Time     `db:"submitted_at" json:"submitted_at"`
	CreatedAt   time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time     `db:"updated_at" json:"updated_at"`
	History     []BidRevision `db:"-" json:"history,omitempty"`
}

// BidRevision is one append-only entry in a bid's history.
type BidRevision struct {
	BidID      string          `db:"bid_id" json:"-"`
	Seq        int             `db:"seq" json:"seq"`
	Amount     decimal.Decimal `db:"amount" json:"amount"`
	Comment    string          `db:"comment" json:"comment,omitempty"`
	RecordedAt time.Time       `db:"recorded_at" json:"recorded_at"`
}

// RankUpdate assigns a rank and winning flag to one bid.
type RankUpdate struct {
	BidID     string
	Rank      int
	IsWinning bool
}

// StatusUpdate moves one bid to a new status.
type StatusUpdate struct {
	BidID  string
	Status BidStatus
}

// LotFilter narrows List queries. Zero values match everything.
type LotFilter struct {
	FarmerID string
	Status   LotStatus
}

// LotRepository defines lot persistence operations.
type LotRepository interface {
	Create(ctx context.Context, l *Lot) error
	GetByID(ctx context.Context, id string) (*Lot, error)
	List(ctx context.Context, f LotFilter) ([]Lot, error)
	// ListDue returns lots whose bidding window ended at or before now and
	// that still need finalizing: active lots, and closed lots that hold
	// active bids.
	ListDue(ctx context.Context, now time.Time) ([]Lot, error)
	UpdateStatus(ctx context.Context, id string, status LotStatus) error
	// BumpVersion increments the lot version and returns the new value.
	BumpVersion(ctx context.Context, id string) (int64, error)
}

// BidRepository defines bid persistence operations.
type BidRepository interface {
	// Create inserts b together with its first history entry.
	Create(ctx context.Context, b *Bid) error
	GetByID(ctx context.Context, id string) (*Bid, error)
	// GetByBidder returns the bid of bidderID on lotID in any status. A
	// bidder holds at most one bid per lot.
	GetByBidder(ctx context.Context, lotID, bidderID string) (*Bid, error)
	ListByLot(ctx context.Context, lotID string) ([]Bid, error)
	ListActiveByLot(ctx context.Context, lotID string) ([]Bid, error)
	// Amend updates amount, comment, type and submitted-at of b in place and
	// appends rev to its history.
	Amend(ctx context.Context, b *Bid, rev BidRevision) error
	History(ctx context.Context, bidID string) ([]BidRevision, error)
	// UpdateRanks applies all updates as one batch.
	UpdateRanks(ctx context.Context, lotID string, updates []RankUpdate) error
	// UpdateStatuses applies all updates as one batch. Bids leaving the
	// active status lose their winning flag.
	UpdateStatuses(ctx context.Context, lotID string, updates []StatusUpdate) error
}

// Tx exposes repositories bound to one unit of work.
type Tx interface {
	Lots() LotRepository
	Bids() BidRepository
	Events() event.Store
}

// UnitOfWork serializes mutations per lot.
type UnitOfWork interface {
	// WithinLot runs fn while holding exclusive access to lotID. Writes made
	// through tx become visible only if fn returns nil. It returns
	// ErrNotFound when the lot does not exist.
	WithinLot(ctx context.Context, lotID string, fn func(ctx context.Context, tx Tx) error) error
	// CreateLot inserts l and runs fn in the same unit of work. Neither the
	// lot nor fn's writes are kept unless fn returns nil.
	CreateLot(ctx context.Context, l *Lot, fn func(ctx context.Context, tx Tx) error) error
}
