package coupon

import "slices"

// IsEligible reports whether the patient identified by userID is targeted by
// c, given the patient's institution enrollments. An unknown audience is
// never eligible; callers detect it with Coupon.Check.
func IsEligible(c *Coupon, userID string, enrollments []Enrollment) bool {
	switch c.Audience {
	case AudienceAll:
		return true
	case AudienceInstitutionStudents:
		return isStudent(c.InstitutionID, enrollments)
	case AudienceSpecificUsers:
		return slices.Contains(c.AudienceUserIDs, userID)
	case AudienceNonStudents:
		return !isStudent(c.InstitutionID, enrollments)
	default:
		return false
	}
}

// isStudent reports whether enrollments hold an active enrollment at the
// institution. Pending or alumni enrollments do not count.
func isStudent(institutionID string, enrollments []Enrollment) bool {
	for _, e := range enrollments {
		if e.InstitutionID == institutionID && e.Status == EnrollmentEnrolled {
			return true
		}
	}
	return false
}
