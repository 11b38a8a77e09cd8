package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	listDriftSQL = `SELECT c.id, c.code, c.current_usage_count, COUNT(u.id)
	FROM coupons c LEFT JOIN coupon_usages u ON u.coupon_id = c.id
	GROUP BY c.id
	HAVING c.current_usage_count <> COUNT(u.id)
	ORDER BY c.id`

	lockCouponSQL = `SELECT code, current_usage_count FROM coupons WHERE id = $1 FOR UPDATE`

	healCounterSQL = `UPDATE coupons
	SET current_usage_count = (SELECT COUNT(*) FROM coupon_usages WHERE coupon_id = $1)
	WHERE id = $1
	RETURNING current_usage_count`
)

// Drift describes a coupon whose counter disagrees with its ledger.
type Drift struct {
	CouponID string
	Code     string
	Counter  int
	Ledger   int
}

// Reconciler detects and repairs usage counter drift. The ledger is the
// source of truth.
type Reconciler struct {
	pool *pgxpool.Pool
}

// NewReconciler returns a Reconciler that uses the given pool.
func NewReconciler(pool *pgxpool.Pool) *Reconciler {
	return &Reconciler{pool: pool}
}

// Drifts lists every coupon whose counter differs from its ledger count.
func (r *Reconciler) Drifts(ctx context.Context) ([]Drift, error) {
	rows, err := r.pool.Query(ctx, listDriftSQL)
	if err != nil {
		return nil, fmt.Errorf("listing counter drift: %w", classify(err))
	}
	drifts, err := pgx.CollectRows(rows, pgx.RowToStructByPos[Drift])
	if err != nil {
		return nil, fmt.Errorf("listing counter drift: %w", classify(err))
	}
	return drifts, nil
}

// Heal resets the counter of one coupon to its ledger count. The coupon row
// is locked first so the count is taken after any in-flight redemption of
// the coupon has committed. It returns the counter before and after.
func (r *Reconciler) Heal(ctx context.Context, couponID string) (Drift, error) {
	d := Drift{CouponID: couponID}
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx, lockCouponSQL, couponID).Scan(&d.Code, &d.Counter); err != nil {
			return err
		}
		return tx.QueryRow(ctx, healCounterSQL, couponID).Scan(&d.Ledger)
	})
	if err != nil {
		return Drift{}, fmt.Errorf("healing counter of coupon %q: %w", couponID, classify(err))
	}
	return d, nil
}
