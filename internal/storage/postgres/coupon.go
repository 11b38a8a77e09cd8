package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/carebook/internal/domain/coupon"
)

const upsertCouponSQL = `INSERT INTO coupons
	(code, name, institution_id, tenant_id,
	 discount_type, discount_value, max_discount_amount, minimum_purchase_amount,
	 maximum_uses, uses_per_user, valid_from, valid_until, is_active,
	 target_audience, target_user_ids, professional_scope, professional_scope_ids)
	VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	ON CONFLICT (COALESCE(tenant_id, ''), institution_id, UPPER(code)) DO UPDATE SET
		name = EXCLUDED.name,
		discount_type = EXCLUDED.discount_type,
		discount_value = EXCLUDED.discount_value,
		max_discount_amount = EXCLUDED.max_discount_amount,
		minimum_purchase_amount = EXCLUDED.minimum_purchase_amount,
		maximum_uses = EXCLUDED.maximum_uses,
		uses_per_user = EXCLUDED.uses_per_user,
		valid_from = EXCLUDED.valid_from,
		valid_until = EXCLUDED.valid_until,
		is_active = EXCLUDED.is_active,
		target_audience = EXCLUDED.target_audience,
		target_user_ids = EXCLUDED.target_user_ids,
		professional_scope = EXCLUDED.professional_scope,
		professional_scope_ids = EXCLUDED.professional_scope_ids
	RETURNING id`

// CouponRepository writes coupon definitions. The usage counter is never
// touched here; only the ledger changes it.
type CouponRepository struct {
	pool *pgxpool.Pool
}

// NewCouponRepository returns a CouponRepository that uses the given pool.
func NewCouponRepository(pool *pgxpool.Pool) *CouponRepository {
	return &CouponRepository{pool: pool}
}

// Upsert creates the coupon or updates the definition of the coupon with the
// same code in the same institution and tenant. It returns the coupon id.
func (r *CouponRepository) Upsert(ctx context.Context, c *coupon.Coupon) (string, error) {
	var maximumUses *int32
	if c.MaximumUses != nil {
		n := int32(*c.MaximumUses)
		maximumUses = &n
	}
	audienceUsers := c.AudienceUserIDs
	if audienceUsers == nil {
		audienceUsers = []string{}
	}
	scopeIDs := c.ProfessionalScopeIDs
	if scopeIDs == nil {
		scopeIDs = []int64{}
	}

	var id string
	err := r.pool.QueryRow(ctx, upsertCouponSQL,
		c.Code, c.Name, c.InstitutionID, c.TenantID,
		string(c.DiscountType), c.DiscountValue, c.MaxDiscountAmount, c.MinimumPurchaseAmount,
		maximumUses, int32(c.UsesPerUser), c.ValidFrom, c.ValidUntil, c.IsActive,
		string(c.Audience), audienceUsers, string(c.ProfessionalScope), scopeIDs,
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("upserting coupon %q: %w", c.Code, classify(err))
	}
	return id, nil
}
