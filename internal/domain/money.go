package domain

import "github.com/shopspring/decimal"

// CurrencyScale is the number of decimal places balances are kept to.
const CurrencyScale = 2

// ValidateAmount rejects amounts that are not positive or that carry sub-cent digits.
// Trailing zeros are fine: "10.500" is accepted.
func ValidateAmount(field string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return InvalidRequest("%s must be greater than zero", field)
	}
	if !amount.Equal(amount.Truncate(CurrencyScale)) {
		return InvalidRequest("%s must have at most %d decimal places", field, CurrencyScale)
	}
	return nil
}
