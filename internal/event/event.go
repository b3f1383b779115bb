package event

import (
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
)

// Type identifies an event kind.
type Type string

const (
	LotCreated   Type = "lot.created"
	LotPublished Type = "lot.published"
	LotClosed    Type = "lot.closed"
	LotCancelled Type = "lot.cancelled"
	LotFinalized Type = "lot.finalized"

	BidPlaced    Type = "bid.placed"
	BidAmended   Type = "bid.amended"
	BidWithdrawn Type = "bid.withdrawn"
	BidRejected  Type = "bid.rejected"
	BidCancelled Type = "bid.cancelled"
)

// Valid reports whether t is a known event type.
func (t Type) Valid() bool {
	switch t {
	case LotCreated, LotPublished, LotClosed, LotCancelled, LotFinalized,
		BidPlaced, BidAmended, BidWithdrawn, BidRejected, BidCancelled:
		return true
	}
	return false
}

// Event represents a single domain event. AggregateID is always a lot id;
// Version is the lot version the event produced.
type Event struct {
	ID          string          `json:"id" db:"id"`
	AggregateID string          `json:"aggregate_id" db:"aggregate_id"`
	Type        Type            `json:"type" db:"type"`
	Data        json.RawMessage `json:"data" db:"data"`
	Version     int64           `json:"version" db:"version"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// LotCreatedData is the payload for LotCreated events.
type LotCreatedData struct {
	FarmerID     string          `json:"farmer_id"`
	TreeCount    int             `json:"tree_count"`
	MinimumPrice decimal.Decimal `json:"minimum_price"`
	BiddingStart time.Time       `json:"bidding_start"`
	BiddingEnd   time.Time       `json:"bidding_end"`
	Status       string          `json:"status"`
}

// LotStatusData is the payload for lot status transitions.
type LotStatusData struct {
	From    string `json:"from"`
	To      string `json:"to"`
	ActorID string `json:"actor_id,omitempty"`
}

// BidData is the payload for bid events.
type BidData struct {
	BidID    string          `json:"bid_id"`
	BidderID string          `json:"bidder_id"`
	Amount   decimal.Decimal `json:"amount"`
	Comment  string          `json:"comment,omitempty"`
	ActorID  string          `json:"actor_id,omitempty"`
	Reason   string          `json:"reason,omitempty"`
}

// LotFinalizedData is the payload for LotFinalized events.
type LotFinalizedData struct {
	WinnerBidID string          `json:"winner_bid_id,omitempty"`
	WinnerID    string          `json:"winner_id,omitempty"`
	Amount      decimal.Decimal `json:"amount"`
	Losers      int             `json:"losers"`
	Status      string          `json:"status"`
}

// New builds an event for aggregateID at version with data marshalled as
// its payload. Marshalling failures yield an empty JSON object.
func New(aggregateID string, t Type, version int64, data any) Event {
	raw, err := json.Marshal(data)
	if err != nil || data == nil {
		raw = json.RawMessage(`{}`)
	}
	return Event{
		AggregateID: aggregateID,
		Type:        t,
		Data:        raw,
		Version:     version,
	}
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
)

// NewID returns a lexically sortable event id stamped with t.
func NewID(t time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}
