package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/xenking/carebook/internal/domain/coupon"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const couponColumns = `c.id, c.code, c.name, c.institution_id, c.tenant_id,
	c.discount_type, c.discount_value, c.max_discount_amount, c.minimum_purchase_amount,
	c.maximum_uses, c.uses_per_user, c.current_usage_count,
	c.valid_from, c.valid_until, c.is_active,
	c.target_audience, c.target_user_ids, c.professional_scope, c.professional_scope_ids`

// inTenantSQL matches coupons owned by the tenant and coupons without a
// tenant whose institution belongs to it.
const inTenantSQL = `(c.tenant_id = $1 OR (c.tenant_id IS NULL AND i.tenant_id = $1))`

const (
	listActiveCouponsSQL = `SELECT ` + couponColumns + `
	FROM coupons c JOIN institutions i ON i.id = c.institution_id
	WHERE ` + inTenantSQL + `
		AND c.is_active
		AND c.valid_from <= $2
		AND (c.valid_until IS NULL OR c.valid_until >= $2)
	ORDER BY c.created_at, c.id`

	findCouponByCodeSQL = `SELECT ` + couponColumns + `
	FROM coupons c JOIN institutions i ON i.id = c.institution_id
	WHERE ` + inTenantSQL + ` AND UPPER(c.code) = UPPER($2)
	ORDER BY (c.tenant_id IS NULL), c.created_at, c.id
	LIMIT 1`

	listEnrollmentsSQL = `SELECT institution_id, status
	FROM patient_enrollments WHERE user_id = $1`

	listMembershipsSQL = `SELECT institution_id, professional_id
	FROM institution_professionals
	WHERE institution_id = ANY($1) AND is_active`

	countUsagesSQL = `SELECT COUNT(*) FROM coupon_usages WHERE coupon_id = $1 AND user_id = $2`

	// The WHERE clause is re-evaluated after waiting for a concurrent
	// writer's row lock, so the budget check and the increment are one step.
	claimUseSQL = `UPDATE coupons
	SET current_usage_count = current_usage_count + 1
	WHERE id = $1 AND (maximum_uses IS NULL OR current_usage_count < maximum_uses)`

	insertUsageSQL = `INSERT INTO coupon_usages
	(id, coupon_id, user_id, professional_id, appointment_id,
	 original_amount, discount_amount, final_amount, used_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
)

func scanCoupon(row pgx.CollectableRow) (coupon.Coupon, error) {
	var (
		c            coupon.Coupon
		tenantID     *string
		discountType string
		audience     string
		scope        string
		maximumUses  *int32
		usesPerUser  int32
		usageCount   int32
		maxDiscount  decimal.NullDecimal
	)
	err := row.Scan(
		&c.ID, &c.Code, &c.Name, &c.InstitutionID, &tenantID,
		&discountType, &c.DiscountValue, &maxDiscount, &c.MinimumPurchaseAmount,
		&maximumUses, &usesPerUser, &usageCount,
		&c.ValidFrom, &c.ValidUntil, &c.IsActive,
		&audience, &c.AudienceUserIDs, &scope, &c.ProfessionalScopeIDs,
	)
	if tenantID != nil {
		c.TenantID = *tenantID
	}
	if maximumUses != nil {
		n := int(*maximumUses)
		c.MaximumUses = &n
	}
	c.DiscountType = coupon.DiscountType(discountType)
	c.Audience = coupon.Audience(audience)
	c.ProfessionalScope = coupon.Scope(scope)
	c.MaxDiscountAmount = maxDiscount
	c.UsesPerUser = int(usesPerUser)
	c.CurrentUsageCount = int(usageCount)
	return c, err
}

func scanEnrollment(row pgx.CollectableRow) (coupon.Enrollment, error) {
	var (
		e      coupon.Enrollment
		status string
	)
	err := row.Scan(&e.InstitutionID, &status)
	e.Status = coupon.EnrollmentStatus(status)
	return e, err
}

func activeCoupons(ctx context.Context, q querier, tenantID string, at time.Time) ([]coupon.Coupon, error) {
	rows, err := q.Query(ctx, listActiveCouponsSQL, tenantID, at)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, scanCoupon)
}

func enrollments(ctx context.Context, q querier, userID string) ([]coupon.Enrollment, error) {
	rows, err := q.Query(ctx, listEnrollmentsSQL, userID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, scanEnrollment)
}

func memberships(ctx context.Context, q querier, institutionIDs []string) (coupon.Membership, error) {
	m := coupon.Membership{}
	if len(institutionIDs) == 0 {
		return m, nil
	}

	rows, err := q.Query(ctx, listMembershipsSQL, institutionIDs)
	if err != nil {
		return nil, err
	}

	var (
		institutionID  string
		professionalID int64
	)
	_, err = pgx.ForEachRow(rows, []any{&institutionID, &professionalID}, func() error {
		m.Add(institutionID, professionalID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}
