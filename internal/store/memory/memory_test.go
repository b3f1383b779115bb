package memory_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/agrimarket/treelot/internal/clock"
	"github.com/agrimarket/treelot/internal/event"
	"github.com/agrimarket/treelot/internal/store"
	"github.com/agrimarket/treelot/internal/store/memory"
)

var epoch = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func setup(t *testing.T) (*store.Repositories, *store.Lot) {
	t.Helper()
	repos := memory.New(clock.NewMock(epoch)).Repositories()
	l := &store.Lot{
		FarmerID:     "farmer-1",
		TreeCount:    420,
		MinimumPrice: decimal.NewFromInt(100000),
		BiddingStart: epoch,
		BiddingEnd:   epoch.Add(48 * time.Hour),
		Status:       store.LotActive,
	}
	if err := repos.Lots.Create(context.Background(), l); err != nil {
		t.Fatalf("Create lot: %v", err)
	}
	return repos, l
}

func newBid(lotID, bidder string, amount int64) *store.Bid {
	return &store.Bid{
		LotID:    lotID,
		BidderID: bidder,
		Amount:   decimal.NewFromInt(amount),
		Status:   store.BidActive,
		Type:     store.BidInitial,
	}
}

func TestLotRepo(t *testing.T) {
	repos, l := setup(t)
	ctx := context.Background()

	if l.ID == "" || l.Version != 1 {
		t.Fatalf("Create left id=%q version=%d", l.ID, l.Version)
	}
	got, err := repos.Lots.GetByID(ctx, l.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.FarmerID != "farmer-1" {
		t.Errorf("FarmerID = %q, want farmer-1", got.FarmerID)
	}
	if _, err := repos.Lots.GetByID(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetByID(missing) error = %v, want ErrNotFound", err)
	}

	lots, err := repos.Lots.List(ctx, store.LotFilter{Status: store.LotDraft})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(lots) != 0 {
		t.Errorf("List(draft) returned %d, want 0", len(lots))
	}

	due, err := repos.Lots.ListDue(ctx, epoch.Add(time.Hour))
	if err != nil {
		t.Fatalf("ListDue: %v", err)
	}
	if len(due) != 0 {
		t.Errorf("ListDue before end returned %d, want 0", len(due))
	}
	due, err = repos.Lots.ListDue(ctx, l.BiddingEnd)
	if err != nil {
		t.Fatalf("ListDue: %v", err)
	}
	if len(due) != 1 {
		t.Errorf("ListDue at end returned %d, want 1", len(due))
	}
}

func TestBidRepo_OnePerBidder(t *testing.T) {
	repos, l := setup(t)
	ctx := context.Background()

	first := newBid(l.ID, "broker-a", 120000)
	if err := repos.Bids.Create(ctx, first); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := repos.Bids.Create(ctx, newBid(l.ID, "broker-a", 130000)); err == nil {
		t.Fatal("expected error for a second bid")
	}
	if err := repos.Bids.UpdateStatuses(ctx, l.ID, []store.StatusUpdate{{BidID: first.ID, Status: store.BidWithdrawn}}); err != nil {
		t.Fatalf("UpdateStatuses: %v", err)
	}
	if err := repos.Bids.Create(ctx, newBid(l.ID, "broker-a", 130000)); err == nil {
		t.Fatal("expected error for a bid after withdrawal")
	}

	got, err := repos.Bids.GetByBidder(ctx, l.ID, "broker-a")
	if err != nil {
		t.Fatalf("GetByBidder: %v", err)
	}
	if got.ID != first.ID || got.Status != store.BidWithdrawn || len(got.History) != 1 {
		t.Errorf("GetByBidder = %s %s with %d revisions, want withdrawn %s", got.ID, got.Status, len(got.History), first.ID)
	}
	if _, err := repos.Bids.GetByBidder(ctx, l.ID, "broker-z"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetByBidder(unknown) error = %v, want ErrNotFound", err)
	}
}

func TestLotRepo_ListDueSkipsSettledClosedLots(t *testing.T) {
	repos, l := setup(t)
	ctx := context.Background()

	if err := repos.Lots.UpdateStatus(ctx, l.ID, store.LotClosed); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	due, err := repos.Lots.ListDue(ctx, l.BiddingEnd)
	if err != nil {
		t.Fatalf("ListDue: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("ListDue returned closed lot without bids: %+v", due)
	}

	if err := repos.Bids.Create(ctx, newBid(l.ID, "broker-a", 120000)); err != nil {
		t.Fatalf("Create bid: %v", err)
	}
	due, err = repos.Lots.ListDue(ctx, l.BiddingEnd)
	if err != nil {
		t.Fatalf("ListDue: %v", err)
	}
	if len(due) != 1 || due[0].ID != l.ID {
		t.Errorf("ListDue = %+v, want closed lot %s with an active bid", due, l.ID)
	}
}

func TestBidRepo_StatusRules(t *testing.T) {
	repos, l := setup(t)
	ctx := context.Background()

	won := newBid(l.ID, "broker-a", 150000)
	expired := newBid(l.ID, "broker-b", 120000)
	for _, b := range []*store.Bid{won, expired} {
		if err := repos.Bids.Create(ctx, b); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}
	if err := repos.Bids.UpdateRanks(ctx, l.ID, []store.RankUpdate{
		{BidID: won.ID, Rank: 1, IsWinning: true},
		{BidID: expired.ID, Rank: 2},
	}); err != nil {
		t.Fatalf("UpdateRanks: %v", err)
	}
	if err := repos.Bids.UpdateStatuses(ctx, l.ID, []store.StatusUpdate{
		{BidID: won.ID, Status: store.BidWon},
		{BidID: expired.ID, Status: store.BidExpired},
	}); err != nil {
		t.Fatalf("UpdateStatuses: %v", err)
	}

	gotWon, _ := repos.Bids.GetByID(ctx, won.ID)
	if gotWon.Rank != 1 || gotWon.IsWinning {
		t.Errorf("won bid rank=%d winning=%v, want 1/false", gotWon.Rank, gotWon.IsWinning)
	}
	gotExpired, _ := repos.Bids.GetByID(ctx, expired.ID)
	if gotExpired.Rank != 0 {
		t.Errorf("expired bid rank = %d, want 0", gotExpired.Rank)
	}
}

func TestWithinLot_DiscardsOnError(t *testing.T) {
	repos, l := setup(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := repos.Units.WithinLot(ctx, l.ID, func(ctx context.Context, tx store.Tx) error {
		if err := tx.Bids().Create(ctx, newBid(l.ID, "broker-a", 120000)); err != nil {
			return err
		}
		if _, err := tx.Lots().BumpVersion(ctx, l.ID); err != nil {
			return err
		}
		if err := tx.Events().Append(ctx, event.New(l.ID, event.BidPlaced, 2, nil)); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("WithinLot error = %v, want boom", err)
	}

	bids, _ := repos.Bids.ListByLot(ctx, l.ID)
	if len(bids) != 0 {
		t.Errorf("found %d bids after failed unit of work, want 0", len(bids))
	}
	got, _ := repos.Lots.GetByID(ctx, l.ID)
	if got.Version != 1 {
		t.Errorf("Version = %d, want 1", got.Version)
	}
	events, _ := repos.Events.Load(ctx, l.ID)
	if len(events) != 0 {
		t.Errorf("found %d events, want 0", len(events))
	}
}

func TestCreateLot_KeepsLotOnlyWithEvent(t *testing.T) {
	repos := memory.New(clock.NewMock(epoch)).Repositories()
	ctx := context.Background()
	newLot := func() *store.Lot {
		return &store.Lot{FarmerID: "farmer-1", TreeCount: 1, BiddingStart: epoch, BiddingEnd: epoch.Add(time.Hour), Status: store.LotActive, Version: 1}
	}

	boom := errors.New("boom")
	failed := newLot()
	err := repos.Units.CreateLot(ctx, failed, func(ctx context.Context, tx store.Tx) error {
		if err := tx.Events().Append(ctx, event.New(failed.ID, event.LotCreated, 1, nil)); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("CreateLot error = %v, want boom", err)
	}
	if _, err := repos.Lots.GetByID(ctx, failed.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetByID after failed create error = %v, want ErrNotFound", err)
	}
	if events, _ := repos.Events.Load(ctx, failed.ID); len(events) != 0 {
		t.Errorf("found %d events after failed create, want 0", len(events))
	}

	l := newLot()
	err = repos.Units.CreateLot(ctx, l, func(ctx context.Context, tx store.Tx) error {
		return tx.Events().Append(ctx, event.New(l.ID, event.LotCreated, 1, nil))
	})
	if err != nil {
		t.Fatalf("CreateLot: %v", err)
	}
	if _, err := repos.Lots.GetByID(ctx, l.ID); err != nil {
		t.Errorf("GetByID: %v", err)
	}
	if events, _ := repos.Events.Load(ctx, l.ID); len(events) != 1 {
		t.Errorf("found %d events, want 1", len(events))
	}
	if err := repos.Units.CreateLot(ctx, l, func(context.Context, store.Tx) error { return nil }); err == nil {
		t.Error("CreateLot with an existing id succeeded, want error")
	}
}

func TestWithinLot_CommitsAndScopes(t *testing.T) {
	repos, l := setup(t)
	ctx := context.Background()

	other := &store.Lot{FarmerID: "farmer-2", TreeCount: 1, BiddingStart: epoch, BiddingEnd: epoch.Add(time.Hour), Status: store.LotActive}
	if err := repos.Lots.Create(ctx, other); err != nil {
		t.Fatalf("Create: %v", err)
	}

	err := repos.Units.WithinLot(ctx, l.ID, func(ctx context.Context, tx store.Tx) error {
		if err := tx.Bids().Create(ctx, newBid(other.ID, "broker-a", 1)); err == nil {
			t.Error("expected error creating a bid outside the unit of work's lot")
		}
		if err := tx.Bids().Create(ctx, newBid(l.ID, "broker-a", 120000)); err != nil {
			return err
		}
		v, err := tx.Lots().BumpVersion(ctx, l.ID)
		if err != nil {
			return err
		}
		return tx.Events().Append(ctx, event.New(l.ID, event.BidPlaced, v, nil))
	})
	if err != nil {
		t.Fatalf("WithinLot: %v", err)
	}

	bids, _ := repos.Bids.ListActiveByLot(ctx, l.ID)
	if len(bids) != 1 {
		t.Errorf("found %d active bids, want 1", len(bids))
	}
	events, _ := repos.Events.Load(ctx, l.ID)
	if len(events) != 1 || events[0].Version != 2 {
		t.Errorf("events = %+v, want one at version 2", events)
	}

	err = repos.Units.WithinLot(ctx, "missing", func(context.Context, store.Tx) error { return nil })
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("WithinLot(missing) error = %v, want ErrNotFound", err)
	}
}

func TestWithinLot_Serializes(t *testing.T) {
	repos, l := setup(t)
	ctx := context.Background()

	const workers = 32
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := repos.Units.WithinLot(ctx, l.ID, func(ctx context.Context, tx store.Tx) error {
				v, err := tx.Lots().BumpVersion(ctx, l.ID)
				if err != nil {
					return err
				}
				return tx.Events().Append(ctx, event.New(l.ID, event.BidPlaced, v, nil))
			})
			if err != nil {
				t.Errorf("WithinLot: %v", err)
			}
		}()
	}
	wg.Wait()

	got, _ := repos.Lots.GetByID(ctx, l.ID)
	if got.Version != 1+workers {
		t.Errorf("Version = %d, want %d", got.Version, 1+workers)
	}
	events, _ := repos.Events.Load(ctx, l.ID)
	if len(events) != workers {
		t.Errorf("found %d events, want %d", len(events), workers)
	}
}

func TestEventStore_UniqueAggregateVersion(t *testing.T) {
	repos, _ := setup(t)
	ctx := context.Background()

	e := event.New("lot-x", event.LotPublished, 1, nil)
	if err := repos.Events.Append(ctx, e); err != nil {
		t.Fatalf("first Append: %v", err)
	}
	if err := repos.Events.Append(ctx, e); err == nil {
		t.Fatal("expected error for duplicate aggregate_id + version")
	}
	byType, err := repos.Events.LoadByType(ctx, event.LotPublished)
	if err != nil {
		t.Fatalf("LoadByType: %v", err)
	}
	if len(byType) != 1 {
		t.Errorf("LoadByType returned %d, want 1", len(byType))
	}
}
