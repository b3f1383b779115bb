package auction

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/agrimarket/treelot/internal/store"
)

// Errors returned by auction operations. Callers match them with errors.Is.
var (
	ErrValidation          = errors.New("validation failed")
	ErrLotNotBiddable      = errors.New("lot is not accepting bids")
	ErrBelowMinimum        = errors.New("amount is below the minimum price")
	ErrOutbid              = errors.New("amount does not beat the highest bid")
	ErrNotOwner            = errors.New("caller does not own the resource")
	ErrInvalidState        = errors.New("operation not allowed in current state")
	ErrNotFound            = errors.New("not found")
	ErrConcurrencyConflict = errors.New("lot was modified concurrently")
)

// ValidationError reports a malformed request attribute.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// AmountError rejects a bid amount. Kind is ErrBelowMinimum or ErrOutbid and
// MinimumAcceptable is the smallest amount that would have been accepted.
type AmountError struct {
	Kind              error
	MinimumAcceptable decimal.Decimal
}

func (e *AmountError) Error() string {
	return fmt.Sprintf("%v: minimum acceptable amount is %s", e.Kind, e.MinimumAcceptable.StringFixed(2))
}

func (e *AmountError) Unwrap() error { return e.Kind }

// Reason returns a short machine-readable label for err.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrLotNotBiddable):
		return "lot_not_biddable"
	case errors.Is(err, ErrBelowMinimum):
		return "below_minimum"
	case errors.Is(err, ErrOutbid):
		return "outbid"
	case errors.Is(err, ErrNotOwner):
		return "not_owner"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConcurrencyConflict):
		return "concurrency_conflict"
	default:
		return "internal"
	}
}

// domain reports whether err is one of the caller-recoverable errors above.
func domain(err error) bool {
	return Reason(err) != "internal"
}

// storeErr translates repository errors into auction errors.
func storeErr(err error) error {
	if errors.Is(err, store.ErrNotFound) && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	return err
}
