package auction

import "github.com/shopspring/decimal"

// maxAmount is the smallest amount the stores can no longer hold; money
// columns are NUMERIC(14,2).
var maxAmount = decimal.New(1, 12)

// checkMoney rejects amounts with sub-cent precision or beyond maxAmount.
func checkMoney(field string, d decimal.Decimal) error {
	switch {
	case !d.Equal(d.Truncate(2)):
		return &ValidationError{Field: field, Reason: "must have at most 2 decimal places"}
	case d.GreaterThanOrEqual(maxAmount):
		return &ValidationError{Field: field, Reason: "must be less than " + maxAmount.String()}
	}
	return nil
}
