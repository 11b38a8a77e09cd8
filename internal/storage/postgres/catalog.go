package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/carebook/internal/domain/coupon"
	"github.com/xenking/carebook/internal/domain/offer"
)

var _ offer.Catalog = (*Catalog)(nil)

// Catalog implements offer.Catalog with one query per method.
type Catalog struct {
	pool *pgxpool.Pool
}

// NewCatalog returns a Catalog that uses the given pool.
func NewCatalog(pool *pgxpool.Pool) *Catalog {
	return &Catalog{pool: pool}
}

// ActiveCoupons returns the coupons of the tenant that are switched on and
// inside their validity window at the given time, oldest first.
func (c *Catalog) ActiveCoupons(ctx context.Context, tenantID string, at time.Time) ([]coupon.Coupon, error) {
	coupons, err := activeCoupons(ctx, c.pool, tenantID, at)
	if err != nil {
		return nil, fmt.Errorf("listing active coupons of tenant %q: %w", tenantID, classify(err))
	}
	return coupons, nil
}

// Enrollments returns every enrollment of the patient.
func (c *Catalog) Enrollments(ctx context.Context, userID string) ([]coupon.Enrollment, error) {
	out, err := enrollments(ctx, c.pool, userID)
	if err != nil {
		return nil, fmt.Errorf("listing enrollments: %w", classify(err))
	}
	return out, nil
}

// Memberships returns the active professionals of the given institutions.
func (c *Catalog) Memberships(ctx context.Context, institutionIDs []string) (coupon.Membership, error) {
	m, err := memberships(ctx, c.pool, institutionIDs)
	if err != nil {
		return nil, fmt.Errorf("listing memberships: %w", classify(err))
	}
	return m, nil
}
