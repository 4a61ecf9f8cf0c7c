package edge

import (
	"math"

	"github.com/shopspring/decimal"
)

// takerFeeRate is the venue taker fee coefficient.
var takerFeeRate = decimal.NewFromFloat(0.07)

// TakerFee returns the taker fee in dollars for n contracts at the given
// price in cents: ceil(0.07 * n * p * (1-p) * 100) / 100 with p = cents/100.
// The fee is zero at the 0/100 boundaries and NaN outside [0, 100].
func TakerFee(priceCents float64, n int) float64 {
	if priceCents < 0 || priceCents > 100 || n < 0 {
		return math.NaN()
	}
	if priceCents == 0 || priceCents == 100 {
		return 0
	}
	p := decimal.NewFromFloat(priceCents).Div(decimal.NewFromInt(100))
	oneMinusP := decimal.NewFromInt(1).Sub(p)
	cents := takerFeeRate.
		Mul(decimal.NewFromInt(int64(n))).
		Mul(p).
		Mul(oneMinusP).
		Mul(decimal.NewFromInt(100)).
		Ceil()
	fee, _ := cents.Div(decimal.NewFromInt(100)).Float64()
	return fee
}
