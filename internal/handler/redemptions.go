package handler

import (
	"net/http"
	"strings"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"

	"github.com/xenking/carebook/internal/domain/redemption"
)

func decodeRedemption(req *redemption.Request) func(d *jx.Decoder) error {
	return func(d *jx.Decoder) error {
		var hasProfessional, hasAmount bool
		err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
			var err error
			switch string(key) {
			case "code":
				req.Code, err = d.Str()
			case "professional_id":
				hasProfessional = true
				req.ProfessionalID, err = d.Int64()
			case "amount":
				hasAmount = true
				req.Amount, err = decodeAmount(d)
			case "appointment_id":
				req.AppointmentID, err = d.Str()
			default:
				err = d.Skip()
			}
			return errors.Wrap(err, string(key))
		})
		switch {
		case err != nil:
			return err
		case strings.TrimSpace(req.Code) == "":
			return errors.New("code is required")
		case !hasProfessional:
			return errors.New("professional_id is required")
		case !hasAmount:
			return errors.New("amount is required")
		}
		return nil
	}
}

// Redeem handles POST /api/redemptions. The request carries no discount
// figure; the discount is always recomputed by the ledger.
func (h *Handler) Redeem(w http.ResponseWriter, r *http.Request) {
	id, err := identityOf(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	req := redemption.Request{TenantID: id.tenantID, UserID: id.userID}
	if err := decodeBody(w, r, decodeRedemption(&req)); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.Code = strings.TrimSpace(req.Code)

	red, err := h.redeemer.Redeem(r.Context(), req)
	res, err := redemption.ResultOf(red, err)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}

	status := http.StatusOK
	if !res.IsValid {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, func(e *jx.Encoder) {
		encodeResult(e, res, red)
	})
}

func encodeResult(e *jx.Encoder, res redemption.Result, red *redemption.Redemption) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("is_valid", func(e *jx.Encoder) { e.Bool(res.IsValid) })
		if !res.IsValid {
			e.Field("error_kind", func(e *jx.Encoder) { e.Str(string(res.ErrorKind)) })
			return
		}
		e.Field("usage_id", func(e *jx.Encoder) { e.Str(red.UsageID) })
		e.Field("coupon_id", func(e *jx.Encoder) { e.Str(red.CouponID) })
		e.Field("code", func(e *jx.Encoder) { e.Str(red.Code) })
		e.Field("discount_amount", func(e *jx.Encoder) { e.Str(res.DiscountAmount.Decimal.String()) })
		e.Field("final_amount", func(e *jx.Encoder) { e.Str(res.FinalAmount.Decimal.String()) })
	})
}
