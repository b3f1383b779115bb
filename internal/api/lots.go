package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"github.com/agrimarket/treelot/internal/auction"
	"github.com/agrimarket/treelot/internal/event"
	"github.com/agrimarket/treelot/internal/store"
)

type createLotBody struct {
	Location     string          `json:"location"`
	TreeCount    int             `json:"tree_count"`
	MinimumPrice decimal.Decimal `json:"minimum_price"`
	MinIncrement decimal.Decimal `json:"min_increment"`
	BiddingStart time.Time       `json:"bidding_start"`
	BiddingEnd   time.Time       `json:"bidding_end"`
	Draft        bool            `json:"draft"`
}

// lotView is a lot together with its state at request time.
type lotView struct {
	*store.Lot
	Phase     store.Phase     `json:"phase"`
	Biddable  bool            `json:"biddable"`
	Increment decimal.Decimal `json:"increment"`
}

func (s *Server) view(l *store.Lot) lotView {
	now := s.clock.Now()
	return lotView{
		Lot:       l,
		Phase:     l.Phase(now),
		Biddable:  l.Biddable(now),
		Increment: s.ledger.Increment(l),
	}
}

var lotStatuses = map[store.LotStatus]bool{
	store.LotDraft:     true,
	store.LotActive:    true,
	store.LotClosed:    true,
	store.LotCancelled: true,
	store.LotSold:      true,
}

func (s *Server) createLot(w http.ResponseWriter, r *http.Request) {
	var body createLotBody
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}

	l, err := s.registry.Create(r.Context(), auction.CreateLotRequest{
		FarmerID:     userID(r),
		Location:     body.Location,
		TreeCount:    body.TreeCount,
		MinimumPrice: body.MinimumPrice,
		MinIncrement: body.MinIncrement,
		BiddingStart: body.BiddingStart,
		BiddingEnd:   body.BiddingEnd,
		Draft:        body.Draft,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, s.view(l))
}

func (s *Server) listLots(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := auction.ListLotsFilter{
		FarmerID: q.Get("farmer_id"),
		Status:   store.LotStatus(q.Get("status")),
	}
	if f.Status != "" && !lotStatuses[f.Status] {
		s.writeError(w, r, &auction.ValidationError{Field: "status", Reason: "unknown lot status"})
		return
	}

	lots, err := s.registry.List(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	views := make([]lotView, len(lots))
	for i := range lots {
		views[i] = s.view(&lots[i])
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) getLot(w http.ResponseWriter, r *http.Request) {
	l, err := s.registry.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.view(l))
}

func (s *Server) publishLot(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.registry.Publish)
}

func (s *Server) closeLot(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.registry.Close)
}

func (s *Server) cancelLot(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.registry.Cancel)
}

func (s *Server) transition(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, id, actorID string) (*store.Lot, error)) {
	l, err := fn(r.Context(), mux.Vars(r)["id"], userID(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.view(l))
}

func (s *Server) finalizeLot(w http.ResponseWriter, r *http.Request) {
	res, err := s.finalizer.Finalize(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) lotEvents(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.registry.Get(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	events, err := s.events.Load(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if events == nil {
		events = []event.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

// auditEvents lists every event of one type across lots. Administrators only.
func (s *Server) auditEvents(w http.ResponseWriter, r *http.Request) {
	if actor := userID(r); !s.registry.IsAdmin(actor) {
		s.writeError(w, r, fmt.Errorf("%s is not an administrator: %w", actor, auction.ErrNotOwner))
		return
	}
	t := event.Type(r.URL.Query().Get("type"))
	if !t.Valid() {
		s.writeError(w, r, &auction.ValidationError{Field: "type", Reason: fmt.Sprintf("unknown event type %q", t)})
		return
	}
	events, err := s.events.LoadByType(r.Context(), t)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if events == nil {
		events = []event.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}
