package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/go-faster/errors"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	"github.com/xenking/carebook/internal/domain/auth"
	"github.com/xenking/carebook/internal/domain/coupon"
	"github.com/xenking/carebook/internal/storage/postgres"
)

func main() {
	var (
		databaseURL  string
		apiKey       string
		apiKeyPepper string
	)

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&apiKey, "api-key", "", "API key to seed (or CAREBOOK_SEED_API_KEY env)")
	flag.StringVar(&apiKeyPepper, "api-key-pepper", "", "HMAC pepper for API key hashing (or CAREBOOK_API_KEY_PEPPER env)")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}
	if apiKey == "" {
		apiKey = os.Getenv("CAREBOOK_SEED_API_KEY")
	}
	if apiKey == "" {
		slog.Error("API key is required: set --api-key or CAREBOOK_SEED_API_KEY")
		os.Exit(1)
	}
	if apiKeyPepper == "" {
		apiKeyPepper = os.Getenv("CAREBOOK_API_KEY_PEPPER")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, databaseURL, apiKey, apiKeyPepper); err != nil {
		slog.Error("seed failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("seed completed successfully")
}

func run(ctx context.Context, databaseURL, apiKey, pepper string) error {
	slog.Info("connecting to database")

	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	slog.Info("running migrations")

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	if err := seedDirectory(ctx, postgres.NewDirectory(pool)); err != nil {
		return errors.Wrap(err, "seed directory")
	}

	if err := seedCoupons(ctx, postgres.NewCouponRepository(pool)); err != nil {
		return errors.Wrap(err, "seed coupons")
	}

	if err := seedAPIKey(ctx, postgres.NewAPIKeyRepository(pool), apiKey, pepper); err != nil {
		return errors.Wrap(err, "seed api key")
	}

	return nil
}

// Demo tenant: one clinic network with a university clinic whose students
// get a discount with the clinic's own staff.
const (
	demoTenant      = "t-demo"
	demoInstitution = "inst-uni"
)

func seedDirectory(ctx context.Context, dir *postgres.Directory) error {
	slog.Info("seeding tenant directory")

	if err := dir.UpsertTenant(ctx, demoTenant, "Demo Clinics"); err != nil {
		return err
	}
	if err := dir.UpsertInstitution(ctx, demoInstitution, demoTenant, "University Clinic"); err != nil {
		return err
	}

	professionals := []struct {
		id     int64
		name   string
		member bool
	}{
		{id: 1001, name: "Dr. Ana Souza", member: true},
		{id: 1002, name: "Dr. Bruno Lima", member: true},
		{id: 1003, name: "Dr. Carla Mendes", member: false},
	}
	for _, p := range professionals {
		if err := dir.UpsertProfessional(ctx, p.id, p.name, demoTenant); err != nil {
			return errors.Wrapf(err, "upsert professional %d", p.id)
		}
		if err := dir.SetMembership(ctx, demoInstitution, p.id, p.member); err != nil {
			return errors.Wrapf(err, "set membership %d", p.id)
		}
		slog.Info("upserted professional", slog.Int64("id", p.id), slog.Bool("member", p.member))
	}

	if err := dir.Enroll(ctx, "student-1", demoInstitution, coupon.EnrollmentEnrolled); err != nil {
		return errors.Wrap(err, "enroll student")
	}
	return nil
}

func seedCoupons(ctx context.Context, repo *postgres.CouponRepository) error {
	slog.Info("seeding demo coupons")

	from := time.Now().UTC().Truncate(24 * time.Hour)
	coupons := []coupon.Coupon{
		{
			Code:                  "WELCOME10",
			Name:                  "Welcome: 10% off the first visit",
			InstitutionID:         demoInstitution,
			TenantID:              demoTenant,
			DiscountType:          coupon.DiscountPercentage,
			DiscountValue:         decimal.NewFromInt(10),
			MaxDiscountAmount:     decimal.NewNullDecimal(decimal.NewFromInt(50)),
			MinimumPurchaseAmount: decimal.Zero,
			UsesPerUser:           1,
			ValidFrom:             from,
			IsActive:              true,
			Audience:              coupon.AudienceAll,
			ProfessionalScope:     coupon.ScopeAllTenant,
		},
		{
			Code:                  "STUDENT25",
			Name:                  "Students: 25 off with clinic staff",
			InstitutionID:         demoInstitution,
			DiscountType:          coupon.DiscountFixed,
			DiscountValue:         decimal.NewFromInt(25),
			MinimumPurchaseAmount: decimal.NewFromInt(100),
			MaximumUses:           lo.ToPtr(500),
			UsesPerUser:           2,
			ValidFrom:             from,
			ValidUntil:            lo.ToPtr(from.AddDate(0, 6, 0)),
			IsActive:              true,
			Audience:              coupon.AudienceInstitutionStudents,
			ProfessionalScope:     coupon.ScopeInstitutionProfessional,
		},
	}

	for i := range coupons {
		c := &coupons[i]
		id, err := repo.Upsert(ctx, c)
		if err != nil {
			return errors.Wrapf(err, "upsert coupon %s", c.Code)
		}

		slog.Info("upserted coupon", slog.String("id", id), slog.String("code", c.Code), slog.String("name", c.Name))
	}

	return nil
}

func seedAPIKey(ctx context.Context, repo *postgres.APIKeyRepository, apiKey, pepper string) error {
	slog.Info("seeding default API key")

	info := &auth.APIKeyInfo{
		ID:      "default",
		KeyHash: auth.HashKey(apiKey, []byte(pepper)),
		Name:    "Booking service",
		Scopes:  []string{"offers", "redemptions"},
	}
	if err := repo.Upsert(ctx, info); err != nil {
		return errors.Wrap(err, "upsert default API key")
	}

	slog.Info("upserted API key", slog.String("id", info.ID), slog.String("name", info.Name))

	return nil
}
