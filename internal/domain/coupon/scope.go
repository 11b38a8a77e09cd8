package coupon

import "slices"

// Membership maps an institution id to the professionals actively
// affiliated with it.
type Membership map[string]map[int64]struct{}

// Add records professionalID as an active member of institutionID.
func (m Membership) Add(institutionID string, professionalID int64) {
	set, ok := m[institutionID]
	if !ok {
		set = make(map[int64]struct{})
		m[institutionID] = set
	}
	set[professionalID] = struct{}{}
}

// Has reports whether professionalID is an active member of institutionID.
func (m Membership) Has(institutionID string, professionalID int64) bool {
	_, ok := m[institutionID][professionalID]
	return ok
}

// IsInScope reports whether c can be applied against the professional.
// An unknown scope is never in scope; callers detect it with Coupon.Check.
func IsInScope(c *Coupon, professionalID int64, membership Membership) bool {
	switch c.ProfessionalScope {
	case ScopeAllTenant, "":
		return true
	case ScopeInstitutionProfessional:
		return membership.Has(c.InstitutionID, professionalID)
	case ScopeSpecificProfessionals:
		return slices.Contains(c.ProfessionalScopeIDs, professionalID)
	default:
		return false
	}
}

// NeedsMembership reports whether evaluating c's scope requires the
// institution membership of professionals.
func (c *Coupon) NeedsMembership() bool {
	return c.ProfessionalScope == ScopeInstitutionProfessional
}
