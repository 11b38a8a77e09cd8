package handler

import (
	"net/http"
	"slices"
	"strconv"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	"github.com/xenking/carebook/internal/domain/offer"
)

type offersRequest struct {
	ProfessionalIDs []int64
	Amount          decimal.Decimal
}

func (req *offersRequest) decode(d *jx.Decoder) error {
	var hasAmount bool
	err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		switch string(key) {
		case "professional_ids":
			return d.Arr(func(d *jx.Decoder) error {
				id, err := d.Int64()
				if err != nil {
					return errors.Wrap(err, "professional id")
				}
				req.ProfessionalIDs = append(req.ProfessionalIDs, id)
				return nil
			})
		case "amount":
			hasAmount = true
			amount, err := decodeAmount(d)
			req.Amount = amount
			return err
		default:
			return d.Skip()
		}
	})
	if err != nil {
		return err
	}
	if !hasAmount {
		return errors.New("amount is required")
	}
	return nil
}

// ResolveOffers handles POST /api/offers.
func (h *Handler) ResolveOffers(w http.ResponseWriter, r *http.Request) {
	id, err := identityOf(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req offersRequest
	if err := decodeBody(w, r, req.decode); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.ProfessionalIDs) > h.cfg.MaxProfessionals {
		writeError(w, http.StatusBadRequest, "too many professional_ids, at most "+strconv.Itoa(h.cfg.MaxProfessionals))
		return
	}

	offers, err := h.resolver.Resolve(r.Context(), id.tenantID, id.userID, req.ProfessionalIDs, req.Amount)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		encodeOffers(e, offers)
	})
}

// encodeOffers writes {"offers":{"<professional id>":{...}}} with keys in
// ascending order.
func encodeOffers(e *jx.Encoder, offers map[int64]offer.Offer) {
	ids := lo.Keys(offers)
	slices.Sort(ids)

	e.Obj(func(e *jx.Encoder) {
		e.Field("offers", func(e *jx.Encoder) {
			e.Obj(func(e *jx.Encoder) {
				for _, id := range ids {
					o := offers[id]
					e.Field(strconv.FormatInt(id, 10), func(e *jx.Encoder) {
						e.Obj(func(e *jx.Encoder) {
							e.Field("coupon_id", func(e *jx.Encoder) { e.Str(o.CouponID) })
							e.Field("code", func(e *jx.Encoder) { e.Str(o.Code) })
							e.Field("name", func(e *jx.Encoder) { e.Str(o.Name) })
							e.Field("discount_type", func(e *jx.Encoder) { e.Str(string(o.DiscountType)) })
							e.Field("discount_value", func(e *jx.Encoder) { e.Str(o.DiscountValue.String()) })
							e.Field("discount_amount", func(e *jx.Encoder) { e.Str(o.DiscountAmount.String()) })
							e.Field("final_amount", func(e *jx.Encoder) { e.Str(o.FinalAmount.String()) })
						})
					})
				}
			})
		})
	})
}
