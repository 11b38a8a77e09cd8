package main

import (
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xenking/carebook/internal/domain/coupon"
)

// decodeCoupon parses one JSON line of a batch file. Amounts may be strings or
// numbers. Missing optional fields take the schema defaults.
func decodeCoupon(line []byte) (*coupon.Coupon, error) {
	c := &coupon.Coupon{
		UsesPerUser:       1,
		IsActive:          true,
		Audience:          coupon.AudienceAll,
		ProfessionalScope: coupon.ScopeAllTenant,
	}

	d := jx.DecodeBytes(line)
	if err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		var err error
		switch string(key) {
		case "code":
			c.Code, err = d.Str()
		case "name":
			c.Name, err = d.Str()
		case "institution_id":
			c.InstitutionID, err = d.Str()
		case "tenant_id":
			c.TenantID, err = optStr(d)
		case "discount_type":
			var s string
			s, err = d.Str()
			c.DiscountType = coupon.DiscountType(s)
		case "discount_value":
			c.DiscountValue, err = decodeDecimal(d)
		case "max_discount_amount":
			if d.Next() == jx.Null {
				return d.Null()
			}
			var v decimal.Decimal
			v, err = decodeDecimal(d)
			c.MaxDiscountAmount = decimal.NewNullDecimal(v)
		case "minimum_purchase_amount":
			c.MinimumPurchaseAmount, err = decodeDecimal(d)
		case "maximum_uses":
			if d.Next() == jx.Null {
				return d.Null()
			}
			var n int
			n, err = d.Int()
			c.MaximumUses = &n
		case "uses_per_user":
			c.UsesPerUser, err = d.Int()
		case "valid_from":
			c.ValidFrom, err = decodeTime(d)
		case "valid_until":
			if d.Next() == jx.Null {
				return d.Null()
			}
			var t time.Time
			t, err = decodeTime(d)
			c.ValidUntil = &t
		case "is_active":
			c.IsActive, err = d.Bool()
		case "target_audience":
			var s string
			s, err = d.Str()
			c.Audience = coupon.Audience(s)
		case "target_user_ids":
			err = d.Arr(func(d *jx.Decoder) error {
				id, err := d.Str()
				c.AudienceUserIDs = append(c.AudienceUserIDs, id)
				return err
			})
		case "professional_scope":
			var s string
			s, err = d.Str()
			c.ProfessionalScope = coupon.Scope(s)
		case "professional_scope_ids":
			err = d.Arr(func(d *jx.Decoder) error {
				id, err := d.Int64()
				c.ProfessionalScopeIDs = append(c.ProfessionalScopeIDs, id)
				return err
			})
		default:
			return d.Skip()
		}
		if err != nil {
			return errors.Wrap(err, string(key))
		}
		return nil
	}); err != nil {
		return nil, err
	}

	if err := validate(c); err != nil {
		return nil, err
	}
	return c, nil
}

// validate mirrors the table constraints so a bad line is reported with its
// line number instead of failing the insert.
func validate(c *coupon.Coupon) error {
	if err := c.Check(); err != nil {
		return err
	}
	switch {
	case strings.TrimSpace(c.Code) == "":
		return errors.New("code is required")
	case c.InstitutionID == "":
		return errors.New("institution_id is required")
	case c.ValidFrom.IsZero():
		return errors.New("valid_from is required")
	case c.ValidUntil != nil && !c.ValidUntil.After(c.ValidFrom):
		return errors.New("valid_until must be after valid_from")
	case c.DiscountValue.IsNegative():
		return errors.New("discount_value must not be negative")
	case c.DiscountType == coupon.DiscountPercentage && c.DiscountValue.GreaterThan(decimal.NewFromInt(100)):
		return errors.New("percentage must not exceed 100")
	case c.MinimumPurchaseAmount.IsNegative():
		return errors.New("minimum_purchase_amount must not be negative")
	case c.MaxDiscountAmount.Valid && c.MaxDiscountAmount.Decimal.IsNegative():
		return errors.New("max_discount_amount must not be negative")
	case c.MaximumUses != nil && *c.MaximumUses < 0:
		return errors.New("maximum_uses must not be negative")
	case c.UsesPerUser < 1:
		return errors.New("uses_per_user must be at least 1")
	}
	return nil
}

func decodeDecimal(d *jx.Decoder) (decimal.Decimal, error) {
	var raw string
	switch d.Next() {
	case jx.String:
		s, err := d.Str()
		if err != nil {
			return decimal.Decimal{}, err
		}
		raw = s
	case jx.Number:
		n, err := d.Num()
		if err != nil {
			return decimal.Decimal{}, err
		}
		raw = n.String()
	default:
		return decimal.Decimal{}, errors.New("expected a string or a number")
	}
	return decimal.NewFromString(raw)
}

func decodeTime(d *jx.Decoder) (time.Time, error) {
	s, err := d.Str()
	if err != nil {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339, s)
}

func optStr(d *jx.Decoder) (string, error) {
	if d.Next() == jx.Null {
		return "", d.Null()
	}
	return d.Str()
}

// couponKey identifies a coupon the way the unique index does.
func couponKey(c *coupon.Coupon) string {
	return c.TenantID + "\x00" + c.InstitutionID + "\x00" + strings.ToUpper(c.Code)
}
