// Package redemption is the authoritative coupon validator and the only
// writer of coupon usage state.
package redemption

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/xenking/carebook/internal/domain/coupon"
)

// Store opens transactions against the authoritative store.
type Store interface {
	// InTx runs fn in a single transaction. The transaction commits when fn
	// returns nil and rolls back otherwise.
	InTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the set of operations the redeemer performs inside a transaction.
type Tx interface {
	// FindCoupon looks up a coupon by code within a tenant. Returns
	// coupon.ErrInvalidCode when none matches.
	FindCoupon(ctx context.Context, tenantID, code string) (*coupon.Coupon, error)
	Enrollments(ctx context.Context, userID string) ([]coupon.Enrollment, error)
	Memberships(ctx context.Context, institutionIDs []string) (coupon.Membership, error)
	// CountUsages returns how many times the user redeemed the coupon.
	CountUsages(ctx context.Context, couponID, userID string) (int, error)
	// ClaimUse increments the coupon's usage counter if its global budget
	// allows it, as one conditional update. It reports false, without any
	// mutation, when the budget is spent. The coupon row stays locked until
	// the transaction ends.
	ClaimUse(ctx context.Context, couponID string) (bool, error)
	// InsertUsage appends a ledger row.
	InsertUsage(ctx context.Context, rec *coupon.UsageRecord) error
}

// Request is one redemption attempt at checkout. It deliberately carries no
// discount figure: the discount is always recomputed from the store.
type Request struct {
	Code           string
	TenantID       string
	UserID         string
	ProfessionalID int64
	Amount         decimal.Decimal
	// AppointmentID links the ledger row to the booking. Optional.
	AppointmentID string
}

// Redemption is a committed coupon redemption.
type Redemption struct {
	UsageID        string
	CouponID       string
	Code           string
	DiscountAmount decimal.Decimal
	FinalAmount    decimal.Decimal
}

// Options tunes the Redeemer.
type Options struct {
	// Timeout bounds the whole redemption transaction.
	Timeout time.Duration
	// Now overrides the clock. Optional.
	Now func() time.Time

	MeterProvider  metric.MeterProvider
	TracerProvider trace.TracerProvider
}

func (o *Options) setDefaults() {
	if o.Timeout <= 0 {
		o.Timeout = 5 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.MeterProvider == nil {
		o.MeterProvider = metricnoop.NewMeterProvider()
	}
	if o.TracerProvider == nil {
		o.TracerProvider = tracenoop.NewTracerProvider()
	}
}

const instrumentationName = "github.com/xenking/carebook/internal/domain/redemption"

// Redeemer validates coupon codes against live data and commits usage.
type Redeemer struct {
	store    Store
	opts     Options
	tracer   trace.Tracer
	outcomes metric.Int64Counter
}

// NewRedeemer creates a Redeemer backed by the given Store.
func NewRedeemer(store Store, opts Options) (*Redeemer, error) {
	opts.setDefaults()

	outcomes, err := opts.MeterProvider.Meter(instrumentationName).Int64Counter("carebook.redemptions",
		metric.WithDescription("Redemption attempts by outcome"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create outcome counter")
	}

	return &Redeemer{
		store:    store,
		opts:     opts,
		tracer:   opts.TracerProvider.Tracer(instrumentationName),
		outcomes: outcomes,
	}, nil
}

// Redeem re-validates the code for the booking and, when every rule passes,
// atomically consumes one use of the coupon and records it in the ledger.
// Rejections are returned as the sentinel errors of package coupon; store
// failures that are safe to retry match coupon.ErrTransient.
//
// Redeem must be called once per booking attempt. It guarantees that the
// coupon's global budget is never exceeded, even by concurrent callers.
func (r *Redeemer) Redeem(ctx context.Context, req Request) (*Redemption, error) {
	ctx, span := r.tracer.Start(ctx, "Redeem", trace.WithAttributes(
		attribute.String("carebook.tenant_id", req.TenantID),
		attribute.Int64("carebook.professional_id", req.ProfessionalID),
	))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()

	var out *Redemption
	err := r.store.InTx(ctx, func(tx Tx) error {
		var err error
		out, err = r.redeem(ctx, tx, req)
		return err
	})
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		err = coupon.Transient(err)
	}

	kind := coupon.KindOf(err)
	r.outcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcomeOf(kind))))
	r.log(ctx, req, kind, err)

	if err != nil {
		if !kind.IsSemantic() && kind != coupon.KindCanceled {
			span.RecordError(err)
			span.SetStatus(codes.Error, string(kind))
		}
		return nil, err
	}
	return out, nil
}

func (r *Redeemer) redeem(ctx context.Context, tx Tx, req Request) (*Redemption, error) {
	c, err := tx.FindCoupon(ctx, req.TenantID, req.Code)
	if err != nil {
		return nil, errors.Wrap(err, "find coupon")
	}

	if err := c.Check(); err != nil {
		zctx.From(ctx).Warn("Malformed coupon at checkout",
			zap.String("coupon_id", c.ID),
			zap.String("code", c.Code),
			zap.Error(err),
		)
		if !c.DiscountType.Valid() {
			return nil, errors.Wrap(coupon.ErrInvalidCode, err.Error())
		}
		// Unknown audience or scope values fall through to the predicates,
		// which reject them.
	}

	if err := c.CheckWindow(r.opts.Now()); err != nil {
		return nil, err
	}

	enrollments, err := tx.Enrollments(ctx, req.UserID)
	if err != nil {
		return nil, errors.Wrap(err, "fetch enrollments")
	}
	if !coupon.IsEligible(c, req.UserID, enrollments) {
		return nil, coupon.ErrAudienceMismatch
	}

	membership := coupon.Membership{}
	if c.NeedsMembership() {
		membership, err = tx.Memberships(ctx, []string{c.InstitutionID})
		if err != nil {
			return nil, errors.Wrap(err, "fetch memberships")
		}
	}
	if !coupon.IsInScope(c, req.ProfessionalID, membership) {
		return nil, coupon.ErrScopeMismatch
	}

	if !c.MeetsMinimum(req.Amount) {
		return nil, coupon.ErrBelowMinimumPurchase
	}

	if err := r.checkUserCap(ctx, tx, c, req.UserID); err != nil {
		return nil, err
	}

	claimed, err := tx.ClaimUse(ctx, c.ID)
	if err != nil {
		return nil, errors.Wrap(err, "claim use")
	}
	if !claimed {
		return nil, coupon.ErrUsageCapGlobal
	}

	// The coupon row is locked now. Counting again closes the window in
	// which two attempts by the same patient both passed the first check.
	if err := r.checkUserCap(ctx, tx, c, req.UserID); err != nil {
		return nil, err
	}

	di := coupon.Compute(c, req.Amount)
	rec := &coupon.UsageRecord{
		ID:             uuid.New().String(),
		CouponID:       c.ID,
		UserID:         req.UserID,
		ProfessionalID: req.ProfessionalID,
		AppointmentID:  req.AppointmentID,
		OriginalAmount: req.Amount,
		DiscountAmount: di.Amount,
		FinalAmount:    di.FinalAmount,
		UsedAt:         r.opts.Now(),
	}
	if err := tx.InsertUsage(ctx, rec); err != nil {
		return nil, errors.Wrap(err, "insert usage")
	}

	return &Redemption{
		UsageID:        rec.ID,
		CouponID:       c.ID,
		Code:           c.Code,
		DiscountAmount: di.Amount,
		FinalAmount:    di.FinalAmount,
	}, nil
}

func (r *Redeemer) checkUserCap(ctx context.Context, tx Tx, c *coupon.Coupon, userID string) error {
	used, err := tx.CountUsages(ctx, c.ID, userID)
	if err != nil {
		return errors.Wrap(err, "count usages")
	}
	if used >= c.UsesPerUser {
		return coupon.ErrUsageCapPerUser
	}
	return nil
}

func outcomeOf(kind coupon.Kind) string {
	if kind == coupon.KindNone {
		return "redeemed"
	}
	return string(kind)
}

func (r *Redeemer) log(ctx context.Context, req Request, kind coupon.Kind, err error) {
	lg := zctx.From(ctx).With(
		zap.String("tenant_id", req.TenantID),
		zap.String("code", req.Code),
		zap.Int64("professional_id", req.ProfessionalID),
	)
	switch {
	case err == nil:
		lg.Info("Coupon redeemed")
	case kind.IsSemantic():
		lg.Info("Coupon rejected", zap.String("kind", string(kind)))
	case kind == coupon.KindCanceled:
		lg.Info("Coupon redemption abandoned by caller")
	default:
		lg.Warn("Coupon redemption failed", zap.String("kind", string(kind)), zap.Error(err))
	}
}
