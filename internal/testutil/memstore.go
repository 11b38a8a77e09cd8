// Package testutil provides in-memory stand-ins for the relational store.
package testutil

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/xenking/carebook/internal/domain/coupon"
	"github.com/xenking/carebook/internal/domain/offer"
	"github.com/xenking/carebook/internal/domain/redemption"
)

var (
	_ redemption.Store = (*MemStore)(nil)
	_ offer.Catalog    = (*MemStore)(nil)
)

// MemStore keeps coupons, enrollments, memberships and the usage ledger in
// memory. Transactions follow the locking behaviour of the postgres store:
// ClaimUse takes the coupon row lock and holds it until the transaction
// ends, and a failed transaction undoes its writes.
type MemStore struct {
	mu          sync.Mutex
	coupons     []*coupon.Coupon // insertion order is the catalog order
	tenants     map[string]string
	enrollments map[string][]coupon.Enrollment
	membership  coupon.Membership
	usages      []coupon.UsageRecord
	rowLocks    map[string]*sync.Mutex

	// ClaimDelay widens the race window inside ClaimUse.
	ClaimDelay time.Duration
	// FailWith is returned by every transaction operation when set.
	FailWith error
}

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		tenants:     make(map[string]string),
		enrollments: make(map[string][]coupon.Enrollment),
		membership:  coupon.Membership{},
		rowLocks:    make(map[string]*sync.Mutex),
	}
}

// AddInstitution registers the tenant an institution belongs to.
func (s *MemStore) AddInstitution(institutionID, tenantID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tenants[institutionID] = tenantID
}

// AddCoupon stores a copy of c.
func (s *MemStore) AddCoupon(c coupon.Coupon) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.coupons = append(s.coupons, &c)
	s.rowLocks[c.ID] = &sync.Mutex{}
}

// UpdateCoupon applies fn to the stored coupon with the given id.
func (s *MemStore) UpdateCoupon(id string, fn func(c *coupon.Coupon)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.coupons {
		if c.ID == id {
			fn(c)
		}
	}
}

// Coupon returns a copy of the stored coupon.
func (s *MemStore) Coupon(id string) coupon.Coupon {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.coupons {
		if c.ID == id {
			return *c
		}
	}
	return coupon.Coupon{}
}

// Enroll records a patient enrollment.
func (s *MemStore) Enroll(userID, institutionID string, status coupon.EnrollmentStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enrollments[userID] = append(s.enrollments[userID], coupon.Enrollment{
		InstitutionID: institutionID,
		Status:        status,
	})
}

// AddMember records an active professional membership.
func (s *MemStore) AddMember(institutionID string, professionalID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.membership.Add(institutionID, professionalID)
}

// Usages returns the committed ledger rows of a coupon.
func (s *MemStore) Usages(couponID string) []coupon.UsageRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []coupon.UsageRecord
	for _, u := range s.usages {
		if u.CouponID == couponID {
			out = append(out, u)
		}
	}
	return out
}

// ActiveCoupons implements offer.Catalog.
func (s *MemStore) ActiveCoupons(_ context.Context, tenantID string, at time.Time) ([]coupon.Coupon, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []coupon.Coupon
	for _, c := range s.coupons {
		if s.inTenant(c, tenantID) && c.ActiveAt(at) {
			out = append(out, *c)
		}
	}
	return out, nil
}

// Enrollments implements offer.Catalog.
func (s *MemStore) Enrollments(_ context.Context, userID string) ([]coupon.Enrollment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.enrollments[userID]), nil
}

// Memberships implements offer.Catalog.
func (s *MemStore) Memberships(_ context.Context, institutionIDs []string) (coupon.Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := coupon.Membership{}
	for _, id := range institutionIDs {
		for prof := range s.membership[id] {
			out.Add(id, prof)
		}
	}
	return out, nil
}

func (s *MemStore) inTenant(c *coupon.Coupon, tenantID string) bool {
	if c.TenantID != "" {
		return c.TenantID == tenantID
	}
	return s.tenants[c.InstitutionID] == tenantID
}

// InTx implements redemption.Store.
func (s *MemStore) InTx(ctx context.Context, fn func(tx redemption.Tx) error) (err error) {
	tx := &memTx{s: s}
	defer func() {
		if err != nil {
			tx.rollback()
		}
		tx.release()
	}()
	return fn(tx)
}

type memTx struct {
	s     *MemStore
	undo  []func()
	locks []*sync.Mutex
}

func (t *memTx) rollback() {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
}

func (t *memTx) release() {
	for _, l := range t.locks {
		l.Unlock()
	}
}

func (t *memTx) FindCoupon(_ context.Context, tenantID, code string) (*coupon.Coupon, error) {
	if t.s.FailWith != nil {
		return nil, t.s.FailWith
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	var found *coupon.Coupon
	for _, c := range t.s.coupons {
		if !strings.EqualFold(c.Code, code) || !t.s.inTenant(c, tenantID) {
			continue
		}
		// A row owned by the tenant beats an institution-reach row.
		if found == nil || (found.TenantID == "" && c.TenantID != "") {
			found = c
		}
	}
	if found == nil {
		return nil, coupon.ErrInvalidCode
	}
	cp := *found
	return &cp, nil
}

func (t *memTx) Enrollments(ctx context.Context, userID string) ([]coupon.Enrollment, error) {
	if t.s.FailWith != nil {
		return nil, t.s.FailWith
	}
	return t.s.Enrollments(ctx, userID)
}

func (t *memTx) Memberships(ctx context.Context, institutionIDs []string) (coupon.Membership, error) {
	if t.s.FailWith != nil {
		return nil, t.s.FailWith
	}
	return t.s.Memberships(ctx, institutionIDs)
}

func (t *memTx) CountUsages(_ context.Context, couponID, userID string) (int, error) {
	if t.s.FailWith != nil {
		return 0, t.s.FailWith
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	n := 0
	for _, u := range t.s.usages {
		if u.CouponID == couponID && u.UserID == userID {
			n++
		}
	}
	return n, nil
}

func (t *memTx) ClaimUse(_ context.Context, couponID string) (bool, error) {
	if t.s.FailWith != nil {
		return false, t.s.FailWith
	}

	t.s.mu.Lock()
	lock := t.s.rowLocks[couponID]
	t.s.mu.Unlock()
	if lock == nil {
		return false, nil
	}
	lock.Lock()
	t.locks = append(t.locks, lock)

	if t.s.ClaimDelay > 0 {
		time.Sleep(t.s.ClaimDelay)
	}

	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	for _, c := range t.s.coupons {
		if c.ID != couponID {
			continue
		}
		if c.MaximumUses != nil && c.CurrentUsageCount >= *c.MaximumUses {
			return false, nil
		}
		c.CurrentUsageCount++
		t.undo = append(t.undo, func() { c.CurrentUsageCount-- })
		return true, nil
	}
	return false, nil
}

func (t *memTx) InsertUsage(_ context.Context, rec *coupon.UsageRecord) error {
	if t.s.FailWith != nil {
		return t.s.FailWith
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	t.s.usages = append(t.s.usages, *rec)
	id := rec.ID
	t.undo = append(t.undo, func() {
		t.s.usages = slices.DeleteFunc(t.s.usages, func(u coupon.UsageRecord) bool { return u.ID == id })
	})
	return nil
}
