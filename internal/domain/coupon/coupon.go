package coupon

import (
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// DiscountType enumerates the supported coupon discount strategies.
type DiscountType string

const (
	// DiscountPercentage takes a percentage of the amount, optionally capped.
	DiscountPercentage DiscountType = "percentage"
	// DiscountFixed takes a fixed monetary value, capped at the amount.
	DiscountFixed DiscountType = "fixed_amount"
)

// Valid reports whether t is a known discount type.
func (t DiscountType) Valid() bool {
	switch t {
	case DiscountPercentage, DiscountFixed:
		return true
	default:
		return false
	}
}

// Audience selects which patients a coupon is offered to.
type Audience string

const (
	AudienceAll                 Audience = "all"
	AudienceInstitutionStudents Audience = "institution_students"
	AudienceSpecificUsers       Audience = "specific_users"
	AudienceNonStudents         Audience = "non_students"
)

// Valid reports whether a is a known audience.
func (a Audience) Valid() bool {
	switch a {
	case AudienceAll, AudienceInstitutionStudents, AudienceSpecificUsers, AudienceNonStudents:
		return true
	default:
		return false
	}
}

// Scope selects which professionals a coupon can be applied against.
type Scope string

const (
	// ScopeAllTenant covers every professional of the tenant. Rows written
	// before scopes existed carry an empty value with the same meaning.
	ScopeAllTenant               Scope = "all_tenant"
	ScopeInstitutionProfessional Scope = "institution_professionals"
	ScopeSpecificProfessionals   Scope = "specific_professionals"
)

// Valid reports whether s is a known scope, counting the legacy empty value.
func (s Scope) Valid() bool {
	switch s {
	case "", ScopeAllTenant, ScopeInstitutionProfessional, ScopeSpecificProfessionals:
		return true
	default:
		return false
	}
}

// EnrollmentStatus is the state of a patient's enrollment at an institution.
type EnrollmentStatus string

// EnrollmentEnrolled is the only status that makes a patient a student of
// the institution for audience targeting.
const EnrollmentEnrolled EnrollmentStatus = "enrolled"

// Enrollment associates a patient with an institution.
type Enrollment struct {
	InstitutionID string
	Status        EnrollmentStatus
}

// Coupon is a discount code owned by an institution and scoped to a tenant.
type Coupon struct {
	ID            string
	Code          string
	Name          string
	InstitutionID string
	// TenantID is empty when the coupon applies within the reach of the
	// owning institution's tenant.
	TenantID string

	DiscountType          DiscountType
	DiscountValue         decimal.Decimal
	MaxDiscountAmount     decimal.NullDecimal
	MinimumPurchaseAmount decimal.Decimal

	// MaximumUses is nil for an unlimited global budget.
	MaximumUses       *int
	UsesPerUser       int
	CurrentUsageCount int

	ValidFrom  time.Time
	ValidUntil *time.Time
	IsActive   bool

	Audience             Audience
	AudienceUserIDs      []string
	ProfessionalScope    Scope
	ProfessionalScopeIDs []int64
}

// ErrMalformed marks a coupon row carrying enum values this service does not
// understand. Such coupons are never applied.
var ErrMalformed = errors.New("malformed coupon")

// Check validates the tagged-variant fields of c.
func (c *Coupon) Check() error {
	switch {
	case !c.DiscountType.Valid():
		return errors.Wrapf(ErrMalformed, "discount type %q", c.DiscountType)
	case !c.Audience.Valid():
		return errors.Wrapf(ErrMalformed, "target audience %q", c.Audience)
	case !c.ProfessionalScope.Valid():
		return errors.Wrapf(ErrMalformed, "professional scope %q", c.ProfessionalScope)
	}
	return nil
}

// ActiveAt reports whether c is switched on and inside its validity window.
func (c *Coupon) ActiveAt(now time.Time) bool {
	return c.CheckWindow(now) == nil
}

// CheckWindow returns ErrInactive, ErrNotYetValid or ErrExpired when c cannot
// be redeemed at now.
func (c *Coupon) CheckWindow(now time.Time) error {
	if !c.IsActive {
		return ErrInactive
	}
	if now.Before(c.ValidFrom) {
		return ErrNotYetValid
	}
	if c.ValidUntil != nil && now.After(*c.ValidUntil) {
		return ErrExpired
	}
	return nil
}

// Exhausted reports whether the global usage budget is spent.
func (c *Coupon) Exhausted() bool {
	return c.MaximumUses != nil && c.CurrentUsageCount >= *c.MaximumUses
}

// MeetsMinimum reports whether amount satisfies the minimum purchase.
func (c *Coupon) MeetsMinimum(amount decimal.Decimal) bool {
	return amount.GreaterThanOrEqual(c.MinimumPurchaseAmount)
}

// UsageRecord is one append-only ledger row for a successful redemption.
type UsageRecord struct {
	ID             string
	CouponID       string
	UserID         string
	ProfessionalID int64
	AppointmentID  string
	OriginalAmount decimal.Decimal
	DiscountAmount decimal.Decimal
	FinalAmount    decimal.Decimal
	UsedAt         time.Time
}
