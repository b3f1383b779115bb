package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"github.com/agrimarket/treelot/internal/auction"
	"github.com/agrimarket/treelot/internal/store"
)

type submitBidBody struct {
	Amount  decimal.Decimal `json:"amount"`
	Comment string          `json:"comment"`
	Final   bool            `json:"final"`
	// ExpectedVersion rejects the bid when the lot changed since it was read.
	ExpectedVersion int64 `json:"expected_version"`
}

type rejectBidBody struct {
	Reason string `json:"reason"`
}

func (s *Server) submitBid(w http.ResponseWriter, r *http.Request) {
	var body submitBidBody
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}

	b, err := s.ledger.SubmitBid(r.Context(), auction.SubmitBidRequest{
		LotID:           mux.Vars(r)["id"],
		BidderID:        userID(r),
		Amount:          body.Amount,
		Comment:         body.Comment,
		Final:           body.Final,
		ExpectedVersion: body.ExpectedVersion,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	code := http.StatusOK
	if len(b.History) == 1 {
		code = http.StatusCreated
	}
	writeJSON(w, code, b)
}

func (s *Server) lotBids(w http.ResponseWriter, r *http.Request) {
	bids, err := s.ledger.GetLotBids(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if bids == nil {
		bids = []store.Bid{}
	}
	writeJSON(w, http.StatusOK, bids)
}

func (s *Server) getBid(w http.ResponseWriter, r *http.Request) {
	b, err := s.ledger.GetBid(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) withdrawBid(w http.ResponseWriter, r *http.Request) {
	b, err := s.ledger.WithdrawBid(r.Context(), mux.Vars(r)["id"], userID(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) rejectBid(w http.ResponseWriter, r *http.Request) {
	var body rejectBidBody
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	b, err := s.ledger.RejectBid(r.Context(), mux.Vars(r)["id"], userID(r), body.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) cancelBid(w http.ResponseWriter, r *http.Request) {
	b, err := s.ledger.CancelBid(r.Context(), mux.Vars(r)["id"], userID(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}
