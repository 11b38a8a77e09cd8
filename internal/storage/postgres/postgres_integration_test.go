//go:build integration

package postgres

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/xenking/carebook/internal/domain/auth"
	"github.com/xenking/carebook/internal/domain/coupon"
	"github.com/xenking/carebook/internal/domain/offer"
	"github.com/xenking/carebook/internal/domain/redemption"
)

var testPool *pgxpool.Pool

func TestMain(m *testing.M) {
	os.Exit(testMain(m))
}

func testMain(m *testing.M) int {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "carebook",
				"POSTGRES_PASSWORD": "carebook",
				"POSTGRES_DB":       "carebook",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(time.Minute),
		},
		Started: true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "start postgres: %v\n", err)
		return 1
	}
	defer func() { _ = container.Terminate(context.Background()) }()

	host, err := container.Host(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "host: %v\n", err)
		return 1
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		fmt.Fprintf(os.Stderr, "mapped port: %v\n", err)
		return 1
	}

	dsn := fmt.Sprintf("postgres://carebook:carebook@%s:%s/carebook?sslmode=disable", host, port.Port())
	testPool, err = NewPool(ctx, dsn)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pool: %v\n", err)
		return 1
	}
	defer testPool.Close()

	if err := RunMigrations(ctx, testPool); err != nil {
		fmt.Fprintf(os.Stderr, "migrations: %v\n", err)
		return 1
	}

	return m.Run()
}

var fixtureSeq int

// fixture creates a fresh tenant with one institution and returns their ids.
func fixture(t *testing.T) (tenantID, institutionID string) {
	t.Helper()
	ctx := context.Background()

	fixtureSeq++
	tenantID = fmt.Sprintf("tenant-%s-%d", t.Name(), fixtureSeq)
	institutionID = fmt.Sprintf("inst-%s-%d", t.Name(), fixtureSeq)

	dir := NewDirectory(testPool)
	require.NoError(t, dir.UpsertTenant(ctx, tenantID, "Tenant"))
	require.NoError(t, dir.UpsertInstitution(ctx, institutionID, tenantID, "Institution"))
	return tenantID, institutionID
}

func newCoupon(institutionID, tenantID, code string) *coupon.Coupon {
	return &coupon.Coupon{
		Code:                  code,
		Name:                  code,
		InstitutionID:         institutionID,
		TenantID:              tenantID,
		DiscountType:          coupon.DiscountPercentage,
		DiscountValue:         decimal.NewFromInt(10),
		MaxDiscountAmount:     decimal.NewNullDecimal(decimal.NewFromInt(20)),
		MinimumPurchaseAmount: decimal.NewFromInt(50),
		UsesPerUser:           1,
		ValidFrom:             time.Now().Add(-time.Hour),
		IsActive:              true,
		Audience:              coupon.AudienceAll,
		ProfessionalScope:     coupon.ScopeAllTenant,
	}
}

func TestCatalog(t *testing.T) {
	ctx := context.Background()
	tenantID, institutionID := fixture(t)
	_, otherInstitution := fixture(t)

	coupons := NewCouponRepository(testPool)
	dir := NewDirectory(testPool)

	ownedID, err := coupons.Upsert(ctx, newCoupon(institutionID, tenantID, "OWNED"))
	require.NoError(t, err)
	reachID, err := coupons.Upsert(ctx, newCoupon(institutionID, "", "REACH"))
	require.NoError(t, err)

	inactive := newCoupon(institutionID, tenantID, "OFF")
	inactive.IsActive = false
	_, err = coupons.Upsert(ctx, inactive)
	require.NoError(t, err)

	_, err = coupons.Upsert(ctx, newCoupon(otherInstitution, "", "FOREIGN"))
	require.NoError(t, err)

	require.NoError(t, dir.UpsertProfessional(ctx, 9001, "Dr. A", tenantID))
	require.NoError(t, dir.UpsertProfessional(ctx, 9002, "Dr. B", tenantID))
	require.NoError(t, dir.SetMembership(ctx, institutionID, 9001, true))
	require.NoError(t, dir.SetMembership(ctx, institutionID, 9002, false))
	require.NoError(t, dir.Enroll(ctx, "patient-1", institutionID, coupon.EnrollmentEnrolled))

	catalog := NewCatalog(testPool)

	active, err := catalog.ActiveCoupons(ctx, tenantID, time.Now())
	require.NoError(t, err)
	ids := make([]string, 0, len(active))
	for _, c := range active {
		ids = append(ids, c.ID)
	}
	assert.Equal(t, []string{ownedID, reachID}, ids)
	assert.True(t, active[0].MaxDiscountAmount.Valid)
	assert.True(t, decimal.NewFromInt(20).Equal(active[0].MaxDiscountAmount.Decimal))
	assert.Empty(t, active[1].TenantID)

	enrollments, err := catalog.Enrollments(ctx, "patient-1")
	require.NoError(t, err)
	assert.Equal(t, []coupon.Enrollment{{InstitutionID: institutionID, Status: coupon.EnrollmentEnrolled}}, enrollments)

	m, err := catalog.Memberships(ctx, []string{institutionID})
	require.NoError(t, err)
	assert.True(t, m.Has(institutionID, 9001))
	assert.False(t, m.Has(institutionID, 9002))
}

func TestLedger_Redeem(t *testing.T) {
	ctx := context.Background()
	tenantID, institutionID := fixture(t)

	id, err := NewCouponRepository(testPool).Upsert(ctx, newCoupon(institutionID, tenantID, "SAVE10"))
	require.NoError(t, err)

	r, err := redemption.NewRedeemer(NewLedger(testPool), redemption.Options{})
	require.NoError(t, err)

	got, err := r.Redeem(ctx, redemption.Request{
		Code:           "save10",
		TenantID:       tenantID,
		UserID:         "patient-1",
		ProfessionalID: 1,
		Amount:         decimal.NewFromInt(150),
		AppointmentID:  "appt-1",
	})
	require.NoError(t, err)
	assert.Equal(t, id, got.CouponID)
	assert.True(t, decimal.NewFromInt(15).Equal(got.DiscountAmount))

	_, err = r.Redeem(ctx, redemption.Request{
		Code:           "SAVE10",
		TenantID:       tenantID,
		UserID:         "patient-1",
		ProfessionalID: 1,
		Amount:         decimal.NewFromInt(150),
	})
	require.ErrorIs(t, err, coupon.ErrUsageCapPerUser)

	_, err = r.Redeem(ctx, redemption.Request{
		Code:     "SAVE10",
		TenantID: "some-other-tenant",
		UserID:   "patient-2",
		Amount:   decimal.NewFromInt(150),
	})
	require.ErrorIs(t, err, coupon.ErrInvalidCode)

	drifts, err := NewReconciler(testPool).Drifts(ctx)
	require.NoError(t, err)
	for _, d := range drifts {
		assert.NotEqual(t, id, d.CouponID)
	}
}

func TestLedger_ConcurrentGlobalCap(t *testing.T) {
	const attempts = 25

	ctx := context.Background()
	tenantID, institutionID := fixture(t)

	c := newCoupon(institutionID, tenantID, "ONCE")
	one := 1
	c.MaximumUses = &one
	id, err := NewCouponRepository(testPool).Upsert(ctx, c)
	require.NoError(t, err)

	r, err := redemption.NewRedeemer(NewLedger(testPool), redemption.Options{})
	require.NoError(t, err)

	var (
		wg   sync.WaitGroup
		errs = make([]error, attempts)
	)
	for i := range attempts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = r.Redeem(ctx, redemption.Request{
				Code:           "ONCE",
				TenantID:       tenantID,
				UserID:         fmt.Sprintf("patient-%d", i),
				ProfessionalID: 1,
				Amount:         decimal.NewFromInt(150),
			})
		}()
	}
	wg.Wait()

	var ok, capped int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, coupon.ErrUsageCapGlobal):
			capped++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, attempts-1, capped)

	var counter, ledger int
	require.NoError(t, testPool.QueryRow(ctx,
		`SELECT current_usage_count, (SELECT COUNT(*) FROM coupon_usages WHERE coupon_id = $1)
		FROM coupons WHERE id = $1`, id).Scan(&counter, &ledger))
	assert.Equal(t, 1, counter)
	assert.Equal(t, 1, ledger)
}

func TestLedger_ConcurrentSameUser(t *testing.T) {
	const attempts = 10

	ctx := context.Background()
	tenantID, institutionID := fixture(t)

	_, err := NewCouponRepository(testPool).Upsert(ctx, newCoupon(institutionID, tenantID, "MINE"))
	require.NoError(t, err)

	r, err := redemption.NewRedeemer(NewLedger(testPool), redemption.Options{})
	require.NoError(t, err)

	var (
		wg   sync.WaitGroup
		errs = make([]error, attempts)
	)
	for i := range attempts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = r.Redeem(ctx, redemption.Request{
				Code:           "MINE",
				TenantID:       tenantID,
				UserID:         "patient-1",
				ProfessionalID: 1,
				Amount:         decimal.NewFromInt(150),
			})
		}()
	}
	wg.Wait()

	var ok int
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, coupon.ErrUsageCapPerUser)
	}
	assert.Equal(t, 1, ok)
}

func TestResolverAgainstPostgres(t *testing.T) {
	ctx := context.Background()
	tenantID, institutionID := fixture(t)
	dir := NewDirectory(testPool)
	coupons := NewCouponRepository(testPool)

	students := newCoupon(institutionID, tenantID, "STUDENT")
	students.Audience = coupon.AudienceInstitutionStudents
	students.ProfessionalScope = coupon.ScopeInstitutionProfessional
	students.DiscountValue = decimal.NewFromInt(30)
	students.MaxDiscountAmount = decimal.NullDecimal{}
	_, err := coupons.Upsert(ctx, students)
	require.NoError(t, err)
	_, err = coupons.Upsert(ctx, newCoupon(institutionID, tenantID, "EVERYONE"))
	require.NoError(t, err)

	require.NoError(t, dir.UpsertProfessional(ctx, 9101, "Dr. C", tenantID))
	require.NoError(t, dir.SetMembership(ctx, institutionID, 9101, true))
	require.NoError(t, dir.Enroll(ctx, "student-1", institutionID, coupon.EnrollmentEnrolled))

	resolver, err := offer.NewResolver(NewCatalog(testPool), offer.Options{})
	require.NoError(t, err)

	offers, err := resolver.Resolve(ctx, tenantID, "student-1", []int64{9101, 9102}, decimal.NewFromInt(150))
	require.NoError(t, err)
	assert.Equal(t, "STUDENT", offers[9101].Code)
	assert.Equal(t, "EVERYONE", offers[9102].Code)
}

func TestAPIKeyRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewAPIKeyRepository(testPool)

	hash := auth.HashKey("integration-key", []byte("pepper"))
	require.NoError(t, repo.Upsert(ctx, &auth.APIKeyInfo{ID: "it", KeyHash: hash, Name: "integration"}))

	info, err := repo.FindByHash(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, "it", info.ID)
	assert.Empty(t, info.Scopes)

	_, err = repo.FindByHash(ctx, "missing")
	require.Error(t, err)
}

func TestReconciler(t *testing.T) {
	ctx := context.Background()
	tenantID, institutionID := fixture(t)

	id, err := NewCouponRepository(testPool).Upsert(ctx, newCoupon(institutionID, tenantID, "DRIFT"))
	require.NoError(t, err)
	_, err = testPool.Exec(ctx, `UPDATE coupons SET current_usage_count = 7 WHERE id = $1`, id)
	require.NoError(t, err)

	rec := NewReconciler(testPool)
	drifts, err := rec.Drifts(ctx)
	require.NoError(t, err)
	require.Contains(t, drifts, Drift{CouponID: id, Code: "DRIFT", Counter: 7, Ledger: 0})

	healed, err := rec.Heal(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, Drift{CouponID: id, Code: "DRIFT", Counter: 7, Ledger: 0}, healed)

	drifts, err = rec.Drifts(ctx)
	require.NoError(t, err)
	for _, d := range drifts {
		assert.NotEqual(t, id, d.CouponID)
	}
}
