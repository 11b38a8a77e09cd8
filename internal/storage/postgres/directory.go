package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/carebook/internal/domain/coupon"
)

const (
	upsertTenantSQL = `INSERT INTO tenants (id, name) VALUES ($1, $2)
	ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name`

	upsertInstitutionSQL = `INSERT INTO institutions (id, tenant_id, name) VALUES ($1, $2, $3)
	ON CONFLICT (id) DO UPDATE SET tenant_id = EXCLUDED.tenant_id, name = EXCLUDED.name`

	upsertProfessionalSQL = `INSERT INTO professionals (id, name) VALUES ($1, $2)
	ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name`

	linkProfessionalTenantSQL = `INSERT INTO professional_tenants (professional_id, tenant_id) VALUES ($1, $2)
	ON CONFLICT DO NOTHING`

	upsertMembershipSQL = `INSERT INTO institution_professionals (institution_id, professional_id, is_active)
	VALUES ($1, $2, $3)
	ON CONFLICT (institution_id, professional_id) DO UPDATE SET is_active = EXCLUDED.is_active`

	upsertEnrollmentSQL = `INSERT INTO patient_enrollments (user_id, institution_id, status) VALUES ($1, $2, $3)
	ON CONFLICT (user_id, institution_id) DO UPDATE SET status = EXCLUDED.status`
)

// Directory writes the tenants, institutions, professionals, memberships and
// enrollments the engine reads. The engine itself never writes these; they
// belong to other services and are loaded here for fixtures and tooling.
type Directory struct {
	pool *pgxpool.Pool
}

// NewDirectory returns a Directory that uses the given pool.
func NewDirectory(pool *pgxpool.Pool) *Directory {
	return &Directory{pool: pool}
}

// UpsertTenant creates or renames a tenant.
func (d *Directory) UpsertTenant(ctx context.Context, id, name string) error {
	if _, err := d.pool.Exec(ctx, upsertTenantSQL, id, name); err != nil {
		return fmt.Errorf("upserting tenant %q: %w", id, classify(err))
	}
	return nil
}

// UpsertInstitution creates or updates an institution of a tenant.
func (d *Directory) UpsertInstitution(ctx context.Context, id, tenantID, name string) error {
	if _, err := d.pool.Exec(ctx, upsertInstitutionSQL, id, tenantID, name); err != nil {
		return fmt.Errorf("upserting institution %q: %w", id, classify(err))
	}
	return nil
}

// UpsertProfessional creates or updates a professional and links it to the
// given tenants.
func (d *Directory) UpsertProfessional(ctx context.Context, id int64, name string, tenantIDs ...string) error {
	if _, err := d.pool.Exec(ctx, upsertProfessionalSQL, id, name); err != nil {
		return fmt.Errorf("upserting professional %d: %w", id, classify(err))
	}
	for _, tenantID := range tenantIDs {
		if _, err := d.pool.Exec(ctx, linkProfessionalTenantSQL, id, tenantID); err != nil {
			return fmt.Errorf("linking professional %d to tenant %q: %w", id, tenantID, classify(err))
		}
	}
	return nil
}

// SetMembership records whether a professional is an active member of an
// institution.
func (d *Directory) SetMembership(ctx context.Context, institutionID string, professionalID int64, active bool) error {
	if _, err := d.pool.Exec(ctx, upsertMembershipSQL, institutionID, professionalID, active); err != nil {
		return fmt.Errorf("setting membership of professional %d in %q: %w", professionalID, institutionID, classify(err))
	}
	return nil
}

// Enroll records a patient's enrollment status at an institution.
func (d *Directory) Enroll(ctx context.Context, userID, institutionID string, status coupon.EnrollmentStatus) error {
	if _, err := d.pool.Exec(ctx, upsertEnrollmentSQL, userID, institutionID, string(status)); err != nil {
		return fmt.Errorf("enrolling patient in %q: %w", institutionID, classify(err))
	}
	return nil
}
