package redemption

import (
	"github.com/shopspring/decimal"

	"github.com/xenking/carebook/internal/domain/coupon"
)

// Result is the caller-facing verdict of a redemption attempt.
type Result struct {
	IsValid        bool
	DiscountAmount decimal.NullDecimal
	FinalAmount    decimal.NullDecimal
	ErrorKind      coupon.Kind
}

// ResultOf converts the outcome of Redeem into a Result. Failures that are
// not rejections of the code itself are returned as errors so that callers
// cannot mistake them for a verdict.
func ResultOf(r *Redemption, err error) (Result, error) {
	if err != nil {
		kind := coupon.KindOf(err)
		if !kind.IsSemantic() {
			return Result{}, err
		}
		return Result{ErrorKind: kind}, nil
	}
	return Result{
		IsValid:        true,
		DiscountAmount: decimal.NewNullDecimal(r.DiscountAmount),
		FinalAmount:    decimal.NewNullDecimal(r.FinalAmount),
	}, nil
}
