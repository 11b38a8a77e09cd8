package coupon

import (
	"context"

	"github.com/go-faster/errors"
)

// Kind names a redemption failure in the form exposed to callers.
type Kind string

const (
	KindNone                 Kind = ""
	KindInvalidCode          Kind = "invalid_code"
	KindInactive             Kind = "inactive"
	KindNotYetValid          Kind = "not_yet_valid"
	KindExpired              Kind = "expired"
	KindAudienceMismatch     Kind = "audience_mismatch"
	KindScopeMismatch        Kind = "scope_mismatch"
	KindBelowMinimumPurchase Kind = "below_minimum_purchase"
	KindUsageCapPerUser      Kind = "usage_cap_exceeded_per_user"
	KindUsageCapGlobal       Kind = "usage_cap_exceeded_global"
	KindTransient            Kind = "transient_error"
	// KindCanceled means the caller gave up before an outcome was known.
	KindCanceled             Kind = "canceled"
	KindInternal             Kind = "internal_error"
)

var (
	// ErrInvalidCode is returned when no coupon matches the code in the tenant.
	ErrInvalidCode = errors.New("invalid coupon code")
	// ErrInactive is returned for a coupon switched off by its institution.
	ErrInactive = errors.New("coupon is inactive")
	// ErrNotYetValid is returned before the coupon's valid_from.
	ErrNotYetValid = errors.New("coupon is not yet valid")
	// ErrExpired is returned after the coupon's valid_until.
	ErrExpired = errors.New("coupon expired")
	// ErrAudienceMismatch is returned when the patient is not targeted.
	ErrAudienceMismatch = errors.New("coupon does not apply to this patient")
	// ErrScopeMismatch is returned when the professional is out of scope.
	ErrScopeMismatch = errors.New("coupon does not apply to this professional")
	// ErrBelowMinimumPurchase is returned when the amount is too small.
	ErrBelowMinimumPurchase = errors.New("amount below coupon minimum purchase")

	// ErrUsageCapExceeded matches both usage cap errors below.
	ErrUsageCapExceeded = errors.New("coupon usage limit reached")
	// ErrUsageCapPerUser is returned when the patient used up their share.
	ErrUsageCapPerUser = errors.Wrap(ErrUsageCapExceeded, "per user")
	// ErrUsageCapGlobal is returned when the coupon's global budget is spent.
	ErrUsageCapGlobal = errors.Wrap(ErrUsageCapExceeded, "global")

	// ErrTransient matches every error produced by Transient.
	ErrTransient = errors.New("transient error")
)

// transientError marks a failure of the store or network that is safe to
// retry.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return "transient: " + e.err.Error() }

func (e *transientError) Unwrap() error { return e.err }

func (e *transientError) Is(target error) bool { return target == ErrTransient }

// Transient wraps err so that it matches ErrTransient. A nil err stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTransient) {
		return err
	}
	return &transientError{err: err}
}

// kinds is ordered so that the more specific usage cap errors win.
var kinds = []struct {
	err  error
	kind Kind
}{
	{ErrInvalidCode, KindInvalidCode},
	{ErrInactive, KindInactive},
	{ErrNotYetValid, KindNotYetValid},
	{ErrExpired, KindExpired},
	{ErrAudienceMismatch, KindAudienceMismatch},
	{ErrScopeMismatch, KindScopeMismatch},
	{ErrBelowMinimumPurchase, KindBelowMinimumPurchase},
	{ErrUsageCapPerUser, KindUsageCapPerUser},
	{ErrUsageCapGlobal, KindUsageCapGlobal},
	{ErrTransient, KindTransient},
	{context.DeadlineExceeded, KindTransient},
	{context.Canceled, KindCanceled},
}

// KindOf maps err to its taxonomy kind. Errors outside the taxonomy map to
// KindInternal, nil maps to KindNone.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindInternal
}

// IsSemantic reports whether k is a user-facing rejection rather than a
// failure of the service.
func (k Kind) IsSemantic() bool {
	switch k {
	case KindNone, KindTransient, KindCanceled, KindInternal:
		return false
	default:
		return true
	}
}
