// Package cached decorates the offer catalog with a short-lived in-memory
// snapshot. Offers are advisory, so serving data up to one TTL old is fine;
// the redemption path never reads through this package.
package cached

import (
	"context"
	"slices"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"github.com/xenking/carebook/internal/domain/coupon"
	"github.com/xenking/carebook/internal/domain/offer"
)

var _ offer.Catalog = (*Catalog)(nil)

// Catalog caches the results of the wrapped catalog for a fixed TTL and
// coalesces concurrent misses for the same key into one query.
type Catalog struct {
	next  offer.Catalog
	cache *gocache.Cache
	group singleflight.Group
	// bucket is the granularity the validity-window timestamp is truncated
	// to, so calls made within the same bucket share an entry.
	bucket time.Duration
	// fetchTimeout bounds a shared query, which outlives the caller that
	// started it.
	fetchTimeout time.Duration
}

// NewCatalog wraps next with a cache whose entries live for ttl. Each query
// to next is bounded by fetchTimeout.
func NewCatalog(next offer.Catalog, ttl, fetchTimeout time.Duration) *Catalog {
	if fetchTimeout <= 0 {
		fetchTimeout = 2 * time.Second
	}
	return &Catalog{
		next:         next,
		cache:        gocache.New(ttl, 2*ttl),
		bucket:       ttl,
		fetchTimeout: fetchTimeout,
	}
}

// ActiveCoupons implements offer.Catalog.
func (c *Catalog) ActiveCoupons(ctx context.Context, tenantID string, at time.Time) ([]coupon.Coupon, error) {
	// The resolver re-checks each coupon's window against its own clock, so
	// a coupon that expires inside the bucket is still filtered out.
	at = at.Truncate(c.bucket)
	v, err := load(ctx, c, "coupons:"+tenantID+":"+at.Format(time.RFC3339), func(ctx context.Context) ([]coupon.Coupon, error) {
		return c.next.ActiveCoupons(ctx, tenantID, at)
	})
	if err != nil {
		return nil, err
	}
	return slices.Clone(v), nil
}

// Enrollments implements offer.Catalog.
func (c *Catalog) Enrollments(ctx context.Context, userID string) ([]coupon.Enrollment, error) {
	v, err := load(ctx, c, "enrollments:"+userID, func(ctx context.Context) ([]coupon.Enrollment, error) {
		return c.next.Enrollments(ctx, userID)
	})
	if err != nil {
		return nil, err
	}
	return slices.Clone(v), nil
}

// Memberships implements offer.Catalog. Entries are keyed by the sorted set
// of institutions requested.
func (c *Catalog) Memberships(ctx context.Context, institutionIDs []string) (coupon.Membership, error) {
	ids := slices.Clone(institutionIDs)
	slices.Sort(ids)
	ids = slices.Compact(ids)

	return load(ctx, c, "memberships:"+strings.Join(ids, ","), func(ctx context.Context) (coupon.Membership, error) {
		return c.next.Memberships(ctx, ids)
	})
}

// Flush drops every cached entry.
func (c *Catalog) Flush() {
	c.cache.Flush()
}

func load[T any](ctx context.Context, c *Catalog, key string, fetch func(ctx context.Context) (T, error)) (T, error) {
	if v, ok := c.cache.Get(key); ok {
		return v.(T), nil
	}

	// Other callers may join the query, so it must not stop when the caller
	// that started it goes away. Values such as the logger are kept.
	ch := c.group.DoChan(key, func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.fetchTimeout)
		defer cancel()

		v, err := fetch(fetchCtx)
		if err != nil {
			return nil, err
		}
		c.cache.SetDefault(key, v)
		return v, nil
	})

	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		return res.Val.(T), nil
	}
}
