package provider

import (
	"strings"

	"github.com/shopspring/decimal"

	"payment-orchestrator/internal/errors"
)

var zeroDecimalCurrencies = map[string]bool{
	"BIF": true, "CLP": true, "DJF": true, "GNF": true, "JPY": true, "KMF": true,
	"KRW": true, "MGA": true, "PYG": true, "RWF": true, "UGX": true, "VND": true,
	"VUV": true, "XAF": true, "XOF": true, "XPF": true,
}

// maxAmount is exclusive and matches the ledger's NUMERIC(20,4) column.
// Its minor-unit form still fits in an int64.
var maxAmount = decimal.New(1, 16)

// CurrencyScale is the number of decimal places the currency's minor unit
// allows.
func CurrencyScale(currency string) int32 {
	if zeroDecimalCurrencies[strings.ToUpper(currency)] {
		return 0
	}
	return 2
}

// CheckAmount rejects amounts that are not positive, that the currency's
// minor unit cannot express, or that the ledger cannot store.
func CheckAmount(amount decimal.Decimal, currency string) error {
	if !amount.IsPositive() {
		return errors.ErrInvalidAmount
	}
	scale := CurrencyScale(currency)
	if !amount.Equal(amount.Truncate(scale)) {
		return errors.NewAppErrorf(errors.InvalidAmount, "%s amounts allow at most %d decimal places", strings.ToUpper(currency), scale)
	}
	if amount.GreaterThanOrEqual(maxAmount) {
		return errors.NewAppErrorf(errors.InvalidAmount, "amount must be less than %s", maxAmount)
	}
	return nil
}

// MinorUnits converts amount to the smallest currency unit, rounding half up.
// Amounts that passed CheckAmount convert exactly.
func MinorUnits(amount decimal.Decimal, currency string) int64 {
	return amount.Shift(CurrencyScale(currency)).Round(0).IntPart()
}
