package coupon

import "github.com/shopspring/decimal"

var hundred = decimal.NewFromInt(100)

// Discount holds the computed discount and the amount left to pay.
type Discount struct {
	Amount      decimal.Decimal
	FinalAmount decimal.Decimal
}

// Compute applies the monetary terms of c to amount. It never fails: the
// discount is clamped into [0, amount]. Eligibility, scope and the minimum
// purchase must be checked by the caller.
func Compute(c *Coupon, amount decimal.Decimal) Discount {
	var discount decimal.Decimal
	switch c.DiscountType {
	case DiscountPercentage:
		discount = amount.Mul(c.DiscountValue).Div(hundred)
		if c.MaxDiscountAmount.Valid {
			discount = decimal.Min(discount, c.MaxDiscountAmount.Decimal)
		}
	case DiscountFixed:
		discount = c.DiscountValue
	default:
		discount = decimal.Zero
	}

	discount = decimal.Min(discount, amount)
	// Truncate to cents so the discount never exceeds the cap, the amount or
	// the exact percentage.
	discount = floorAtZero(discount).RoundDown(2)

	return Discount{
		Amount:      discount,
		FinalAmount: amount.Sub(discount),
	}
}

// floorAtZero clamps negative values to zero.
func floorAtZero(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}
