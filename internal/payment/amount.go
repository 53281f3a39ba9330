package payment

import (
	"github.com/shopspring/decimal"
)

// MinorUnitMultiplier scales the local amount into the provider's integer field.
const MinorUnitMultiplier = 100

var (
	DefaultExchangeRate = decimal.NewFromInt(25000)
	DefaultMinAmount    = int64(10000)
)

// ConvertAmount converts a source-currency amount into the provider's minor
// units: round(amount*rate), clamped up to minLocal, then multiplied by 100.
func ConvertAmount(amount, rate decimal.Decimal, minLocal int64) (int64, error) {
	if !amount.IsPositive() {
		return 0, invalidf("amount must be positive")
	}
	if !rate.IsPositive() {
		return 0, configf("exchange rate must be positive")
	}
	local := amount.Mul(rate).Round(0).IntPart()
	if local < minLocal {
		local = minLocal
	}
	return local * MinorUnitMultiplier, nil
}
