package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/carebook/internal/domain/coupon"
	"github.com/xenking/carebook/internal/domain/redemption"
)

var _ redemption.Store = (*Ledger)(nil)

// Ledger implements redemption.Store. Each redemption runs in a READ
// COMMITTED transaction; the coupon row lock taken by ClaimUse serializes
// concurrent redemptions of the same coupon.
type Ledger struct {
	pool *pgxpool.Pool
}

// NewLedger returns a Ledger that uses the given pool.
func NewLedger(pool *pgxpool.Pool) *Ledger {
	return &Ledger{pool: pool}
}

// InTx runs fn in a transaction, committing when fn returns nil.
func (l *Ledger) InTx(ctx context.Context, fn func(tx redemption.Tx) error) (err error) {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", classify(err))
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(context.WithoutCancel(ctx))
		}
	}()

	if err := fn(&ledgerTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %w", classify(err))
	}
	return nil
}

type ledgerTx struct {
	tx pgx.Tx
}

func (t *ledgerTx) FindCoupon(ctx context.Context, tenantID, code string) (*coupon.Coupon, error) {
	rows, err := t.tx.Query(ctx, findCouponByCodeSQL, tenantID, code)
	if err != nil {
		return nil, fmt.Errorf("finding coupon by code %q: %w", code, classify(err))
	}

	c, err := pgx.CollectExactlyOneRow(rows, scanCoupon)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, coupon.ErrInvalidCode
		}
		return nil, fmt.Errorf("finding coupon by code %q: %w", code, classify(err))
	}
	return &c, nil
}

func (t *ledgerTx) Enrollments(ctx context.Context, userID string) ([]coupon.Enrollment, error) {
	out, err := enrollments(ctx, t.tx, userID)
	if err != nil {
		return nil, fmt.Errorf("listing enrollments: %w", classify(err))
	}
	return out, nil
}

func (t *ledgerTx) Memberships(ctx context.Context, institutionIDs []string) (coupon.Membership, error) {
	m, err := memberships(ctx, t.tx, institutionIDs)
	if err != nil {
		return nil, fmt.Errorf("listing memberships: %w", classify(err))
	}
	return m, nil
}

func (t *ledgerTx) CountUsages(ctx context.Context, couponID, userID string) (int, error) {
	var n int
	if err := t.tx.QueryRow(ctx, countUsagesSQL, couponID, userID).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting usages of coupon %q: %w", couponID, classify(err))
	}
	return n, nil
}

func (t *ledgerTx) ClaimUse(ctx context.Context, couponID string) (bool, error) {
	tag, err := t.tx.Exec(ctx, claimUseSQL, couponID)
	if err != nil {
		return false, fmt.Errorf("claiming use of coupon %q: %w", couponID, classify(err))
	}
	return tag.RowsAffected() == 1, nil
}

func (t *ledgerTx) InsertUsage(ctx context.Context, rec *coupon.UsageRecord) error {
	_, err := t.tx.Exec(ctx, insertUsageSQL,
		rec.ID, rec.CouponID, rec.UserID, rec.ProfessionalID, rec.AppointmentID,
		rec.OriginalAmount, rec.DiscountAmount, rec.FinalAmount, rec.UsedAt,
	)
	if err != nil {
		return fmt.Errorf("recording usage of coupon %q: %w", rec.CouponID, classify(err))
	}
	return nil
}
