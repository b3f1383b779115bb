package auction_test

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/agrimarket/treelot/internal/auction"
	"github.com/agrimarket/treelot/internal/clock"
	"github.com/agrimarket/treelot/internal/notify"
	"github.com/agrimarket/treelot/internal/store"
	"github.com/agrimarket/treelot/internal/store/memory"
)

var epoch = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

const admin = "admin-1"

// --- fakes ---

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (n *recordingNotifier) Notify(_ context.Context, e notify.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, e)
}

func (n *recordingNotifier) kinds() []notify.Kind {
	n.mu.Lock()
	defer n.mu.Unlock()
	kinds := make([]notify.Kind, len(n.events))
	for i, e := range n.events {
		kinds[i] = e.Kind
	}
	return kinds
}

func (n *recordingNotifier) last() notify.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.events) == 0 {
		return notify.Event{}
	}
	return n.events[len(n.events)-1]
}

// --- environment ---

type env struct {
	clk       *clock.Mock
	repos     *store.Repositories
	registry  *auction.Registry
	ranker    *auction.Ranker
	ledger    *auction.Ledger
	finalizer *auction.Finalizer
	notes     *recordingNotifier
}

func newEnv(t *testing.T) *env {
	t.Helper()
	clk := clock.NewMock(epoch)
	repos := memory.New(clk).Repositories()
	tp := noop.NewTracerProvider()
	mp := metricnoop.NewMeterProvider()
	logger := slog.Default()
	notes := &recordingNotifier{}

	registry := auction.NewRegistry(repos.Lots, repos.Units, []string{admin}, logger, tp, clk)
	ranker := auction.NewRanker(repos.Units, tp)
	return &env{
		clk:       clk,
		repos:     repos,
		registry:  registry,
		ranker:    ranker,
		ledger:    auction.NewLedger(registry, repos.Bids, repos.Units, ranker, notes, decimal.NewFromInt(1000), logger, tp, mp, clk),
		finalizer: auction.NewFinalizer(repos.Units, ranker, notes, logger, tp, mp, clk),
		notes:     notes,
	}
}

func lotRequest(minimum int64) auction.CreateLotRequest {
	return auction.CreateLotRequest{
		FarmerID:     "farmer-1",
		Location:     "Kottayam",
		TreeCount:    420,
		MinimumPrice: decimal.NewFromInt(minimum),
		BiddingStart: epoch.Add(-time.Hour),
		BiddingEnd:   epoch.Add(48 * time.Hour),
	}
}

func (e *env) newLot(t *testing.T, minimum int64) *store.Lot {
	t.Helper()
	l, err := e.registry.Create(context.Background(), lotRequest(minimum))
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return l
}

func (e *env) bid(t *testing.T, lotID, bidder string, amount int64) *store.Bid {
	t.Helper()
	b, err := e.ledger.SubmitBid(context.Background(), auction.SubmitBidRequest{
		LotID:    lotID,
		BidderID: bidder,
		Amount:   decimal.NewFromInt(amount),
	})
	if err != nil {
		t.Fatalf("SubmitBid(%s, %d) error = %v", bidder, amount, err)
	}
	return b
}

func (e *env) bidByID(t *testing.T, id string) *store.Bid {
	t.Helper()
	b, err := e.ledger.GetBid(context.Background(), id)
	if err != nil {
		t.Fatalf("GetBid(%s) error = %v", id, err)
	}
	return b
}

func amount(n int64) decimal.Decimal { return decimal.NewFromInt(n) }

// checkRanking asserts the ranking invariants over every bid of a lot.
func checkRanking(t *testing.T, bids []store.Bid) {
	t.Helper()

	var active []store.Bid
	byBidder := map[string]int{}
	winners := 0
	for _, b := range bids {
		byBidder[b.BidderID]++
		if byBidder[b.BidderID] > 1 {
			t.Errorf("bidder %s has %d bids on one lot", b.BidderID, byBidder[b.BidderID])
		}
		if b.IsWinning {
			winners++
			if b.Status != store.BidActive || b.Rank != 1 {
				t.Errorf("bid %s is winning with status %s rank %d", b.ID, b.Status, b.Rank)
			}
		}
		if b.Status != store.BidActive {
			continue
		}
		active = append(active, b)
	}

	seen := make(map[int]store.Bid, len(active))
	for _, b := range active {
		if b.Rank < 1 || b.Rank > len(active) {
			t.Errorf("bid %s rank %d outside 1..%d", b.ID, b.Rank, len(active))
		}
		if other, dup := seen[b.Rank]; dup {
			t.Errorf("bids %s and %s share rank %d", other.ID, b.ID, b.Rank)
		}
		seen[b.Rank] = b
	}
	for r := 1; r < len(active); r++ {
		hi, lo := seen[r], seen[r+1]
		if hi.Amount.LessThan(lo.Amount) {
			t.Errorf("rank %d amount %s below rank %d amount %s", r, hi.Amount, r+1, lo.Amount)
		}
	}
	switch {
	case len(active) == 0 && winners != 0:
		t.Errorf("%d winning bids with no active bids", winners)
	case len(active) > 0 && winners != 1:
		t.Errorf("%d winning bids, want exactly 1", winners)
	}
}
