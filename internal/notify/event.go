// Package notify delivers auction notifications to external sinks. Delivery
// is asynchronous and best effort; a failing sink never affects the engine.
package notify

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Kind identifies a notification.
type Kind string

const (
	// BidOutbid tells a bidder that their bid lost the lead.
	BidOutbid Kind = "bid.outbid"
	// LotFinalized announces a lot sold to its winner.
	LotFinalized Kind = "lot.finalized"
	// LotFinalizedNoWinner announces a lot that closed without bids.
	LotFinalizedNoWinner Kind = "lot.finalized.no_winner"
)

// Event is one notification. BidID, BidderID and Amount describe the bid
// the notification is about: the outbid bid, or the winning bid.
type Event struct {
	Kind     Kind            `json:"kind"`
	LotID    string          `json:"lot_id"`
	FarmerID string          `json:"farmer_id,omitempty"`
	BidID    string          `json:"bid_id,omitempty"`
	BidderID string          `json:"bidder_id,omitempty"`
	Amount   decimal.Decimal `json:"amount"`

	// LeadingAmount is the amount that now leads the lot, for BidOutbid.
	LeadingAmount decimal.Decimal `json:"leading_amount"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

// Key identifies e for deduplication by sinks that support it.
func (e Event) Key() string {
	return fmt.Sprintf("%s:%s:%s:%d", e.Kind, e.LotID, e.BidID, e.OccurredAt.UnixNano())
}
