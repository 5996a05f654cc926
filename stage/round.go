package stage

import "github.com/shopspring/decimal"

// Rounding rules for every figure the engine persists or reports.

// RoundMoney rounds to cents, half away from zero.
func RoundMoney(d decimal.Decimal) decimal.Decimal { return d.Round(2) }

// RoundDays rounds to 6 decimals (well under a second) so sub-day limits stay exact.
func RoundDays(d decimal.Decimal) decimal.Decimal { return d.Round(6) }

// Percent returns part as a whole-number percentage of total using banker's
// rounding (half to even). A zero total yields 0.
func Percent(part, total decimal.Decimal) int {
	if total.IsZero() {
		return 0
	}
	return int(part.Mul(hundred).Div(total).RoundBank(0).IntPart())
}

// Average divides sum by count and rounds to cents; 0 when count is 0.
func Average(sum decimal.Decimal, count int) decimal.Decimal {
	if count == 0 {
		return decimal.Zero
	}
	return RoundMoney(sum.Div(decimal.NewFromInt(int64(count))))
}
