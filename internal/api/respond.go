package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/agrimarket/treelot/internal/auction"
	"github.com/agrimarket/treelot/internal/telemetry"
)

const maxBodyBytes = 1 << 20

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
	Field string `json:"field,omitempty"`
	// MinimumAcceptable is set when an amount was too low.
	MinimumAcceptable *decimal.Decimal `json:"minimum_acceptable,omitempty"`
	// Retry tells the client the request may succeed when repeated.
	Retry bool `json:"retry,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps auction errors to HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, auction.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, auction.ErrBelowMinimum), errors.Is(err, auction.ErrOutbid):
		return http.StatusUnprocessableEntity
	case errors.Is(err, auction.ErrLotNotBiddable),
		errors.Is(err, auction.ErrInvalidState),
		errors.Is(err, auction.ErrConcurrencyConflict):
		return http.StatusConflict
	case errors.Is(err, auction.ErrNotOwner):
		return http.StatusForbidden
	case errors.Is(err, auction.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	resp := errorResponse{Error: err.Error(), Code: auction.Reason(err)}

	var verr *auction.ValidationError
	if errors.As(err, &verr) {
		resp.Field = verr.Field
	}
	var aerr *auction.AmountError
	if errors.As(err, &aerr) {
		minimum := aerr.MinimumAcceptable
		resp.MinimumAcceptable = &minimum
	}
	if errors.Is(err, auction.ErrConcurrencyConflict) {
		resp.Retry = true
	}
	if code == http.StatusInternalServerError {
		ctx := r.Context()
		telemetry.LogWithTrace(ctx, s.logger).ErrorContext(ctx, "request failed",
			slog.String("path", r.URL.Path),
			slog.Any("error", err),
		)
		resp.Error = "internal error"
	}
	writeJSON(w, code, resp)
}

// decode reads a JSON body into v. An empty body leaves v untouched.
func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return &auction.ValidationError{Field: "body", Reason: fmt.Sprintf("malformed JSON: %v", err)}
	}
	return nil
}
