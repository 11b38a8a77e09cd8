// Package offer computes advisory "you may save" offers for a listing of
// professionals. Offers are best-effort and never commit a discount; the
// redemption package is the only authority at checkout.
package offer

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/carebook/internal/domain/coupon"
)

// Offer is the best discount available for one professional.
type Offer struct {
	CouponID       string
	Code           string
	Name           string
	DiscountType   coupon.DiscountType
	DiscountValue  decimal.Decimal
	DiscountAmount decimal.Decimal
	FinalAmount    decimal.Decimal
}

// Catalog is the read-only snapshot the resolver works from. Each method is
// a single query against the store.
type Catalog interface {
	// ActiveCoupons returns the tenant's coupons that are active at the given
	// time, in a stable order.
	ActiveCoupons(ctx context.Context, tenantID string, at time.Time) ([]coupon.Coupon, error)
	// Enrollments returns every institution enrollment of the patient.
	Enrollments(ctx context.Context, userID string) ([]coupon.Enrollment, error)
	// Memberships returns the active professionals of the given institutions.
	Memberships(ctx context.Context, institutionIDs []string) (coupon.Membership, error)
}

// Options tunes remote calls made by the Resolver.
type Options struct {
	// FetchTimeout bounds each catalog call.
	FetchTimeout time.Duration
	// MaxRetries is the number of retries of a transient catalog failure.
	MaxRetries int
	// MeterProvider records resolver metrics. Optional.
	MeterProvider metric.MeterProvider
}

func (o *Options) setDefaults() {
	if o.FetchTimeout <= 0 {
		o.FetchTimeout = 2 * time.Second
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.MeterProvider == nil {
		o.MeterProvider = noop.NewMeterProvider()
	}
}

// Resolver matches the active coupons of a tenant against many professionals
// at once, with a constant number of catalog queries per call.
type Resolver struct {
	catalog Catalog
	opts    Options
	now     func() time.Time

	retryInterval time.Duration
	duration      metric.Float64Histogram
	skipped       metric.Int64Counter
}

// NewResolver creates a Resolver backed by the given Catalog.
func NewResolver(catalog Catalog, opts Options) (*Resolver, error) {
	opts.setDefaults()

	meter := opts.MeterProvider.Meter("github.com/xenking/carebook/internal/domain/offer")
	duration, err := meter.Float64Histogram("carebook.offers.resolve.duration",
		metric.WithUnit("s"),
		metric.WithDescription("Time spent resolving advisory offers for a listing"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create duration histogram")
	}
	skipped, err := meter.Int64Counter("carebook.offers.coupons.skipped",
		metric.WithDescription("Coupons left out of advisory offers, by reason"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create skipped counter")
	}

	return &Resolver{
		catalog:       catalog,
		opts:          opts,
		now:           time.Now,
		retryInterval: 50 * time.Millisecond,
		duration:      duration,
		skipped:       skipped,
	}, nil
}

// Resolve returns the best offer per professional for a patient viewing a
// listing at the given price. Professionals without a qualifying coupon are
// absent from the result.
func (r *Resolver) Resolve(
	ctx context.Context,
	tenantID, userID string,
	professionalIDs []int64,
	amount decimal.Decimal,
) (map[int64]Offer, error) {
	start := time.Now()
	defer func() {
		r.duration.Record(ctx, time.Since(start).Seconds())
	}()

	offers := make(map[int64]Offer)
	if len(professionalIDs) == 0 {
		return offers, nil
	}

	var (
		enrollments []coupon.Enrollment
		coupons     []coupon.Coupon
		now         = r.now()
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return r.fetch(gctx, func(ctx context.Context) (err error) {
			enrollments, err = r.catalog.Enrollments(ctx, userID)
			return errors.Wrap(err, "fetch enrollments")
		})
	})
	g.Go(func() error {
		return r.fetch(gctx, func(ctx context.Context) (err error) {
			coupons, err = r.catalog.ActiveCoupons(ctx, tenantID, now)
			return errors.Wrap(err, "fetch active coupons")
		})
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	eligible := r.eligible(ctx, coupons, userID, enrollments, amount, now)
	if len(eligible) == 0 {
		return offers, nil
	}

	membership := coupon.Membership{}
	institutions := lo.Uniq(lo.FilterMap(eligible, func(c *coupon.Coupon, _ int) (string, bool) {
		return c.InstitutionID, c.NeedsMembership()
	}))
	if len(institutions) > 0 {
		err := r.fetch(ctx, func(ctx context.Context) (err error) {
			membership, err = r.catalog.Memberships(ctx, institutions)
			return errors.Wrap(err, "fetch memberships")
		})
		if err != nil {
			return nil, err
		}
	}

	for _, id := range lo.Uniq(professionalIDs) {
		if o, ok := best(eligible, id, membership, amount); ok {
			offers[id] = o
		}
	}

	return offers, nil
}

// eligible filters coupons down to the ones the patient may use at amount.
// The filter runs once per call, not per professional.
func (r *Resolver) eligible(
	ctx context.Context,
	coupons []coupon.Coupon,
	userID string,
	enrollments []coupon.Enrollment,
	amount decimal.Decimal,
	now time.Time,
) []*coupon.Coupon {
	lg := zctx.From(ctx)

	out := make([]*coupon.Coupon, 0, len(coupons))
	for i := range coupons {
		c := &coupons[i]

		if err := c.Check(); err != nil {
			lg.Warn("Skipping malformed coupon",
				zap.String("coupon_id", c.ID),
				zap.String("code", c.Code),
				zap.Error(err),
			)
			r.skip(ctx, "malformed")
			continue
		}

		switch {
		case !c.ActiveAt(now):
			r.skip(ctx, "inactive")
		case c.Exhausted():
			r.skip(ctx, "exhausted")
		case !c.MeetsMinimum(amount):
			r.skip(ctx, "below_minimum")
		case !coupon.IsEligible(c, userID, enrollments):
			r.skip(ctx, "audience")
		default:
			out = append(out, c)
		}
	}
	return out
}

func (r *Resolver) skip(ctx context.Context, reason string) {
	r.skipped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// best picks the in-scope coupon with the largest discount. On equal
// discounts the coupon seen first wins, so the result only depends on the
// catalog order.
func best(eligible []*coupon.Coupon, professionalID int64, membership coupon.Membership, amount decimal.Decimal) (Offer, bool) {
	var (
		top   *coupon.Coupon
		topDi coupon.Discount
	)
	for _, c := range eligible {
		if !coupon.IsInScope(c, professionalID, membership) {
			continue
		}
		di := coupon.Compute(c, amount)
		if top == nil || di.Amount.GreaterThan(topDi.Amount) {
			top, topDi = c, di
		}
	}
	if top == nil {
		return Offer{}, false
	}

	return Offer{
		CouponID:       top.ID,
		Code:           top.Code,
		Name:           top.Name,
		DiscountType:   top.DiscountType,
		DiscountValue:  top.DiscountValue,
		DiscountAmount: topDi.Amount,
		FinalAmount:    topDi.FinalAmount,
	}, true
}

// fetch runs op with a per-call timeout, retrying transient failures.
func (r *Resolver) fetch(ctx context.Context, op func(ctx context.Context) error) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = r.retryInterval
	eb.MaxInterval = time.Second
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(r.opts.MaxRetries)), ctx)

	return backoff.Retry(func() error {
		callCtx, cancel := context.WithTimeout(ctx, r.opts.FetchTimeout)
		defer cancel()

		err := op(callCtx)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, coupon.ErrTransient):
			return err
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			return coupon.Transient(err)
		default:
			return backoff.Permanent(err)
		}
	}, b)
}
