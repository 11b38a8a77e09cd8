// Command usage-reconcile compares coupon usage counters with the usage
// ledger and optionally resets drifted counters to the ledger count.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"

	"github.com/go-faster/errors"

	"github.com/xenking/carebook/internal/storage/postgres"
)

// Exit codes.
const (
	exitOK    = 0
	exitError = 1
	// exitDrift lets schedulers alert on drift found without --fix.
	exitDrift = 2
)

func main() {
	os.Exit(realMain())
}

// realMain returns the exit code so deferred cleanup runs before os.Exit.
func realMain() int {
	var (
		databaseURL string
		fix         bool
	)

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.BoolVar(&fix, "fix", false, "reset drifted counters to the ledger count")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		return exitError
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	drifted, err := run(ctx, databaseURL, fix)
	if err != nil {
		slog.Error("reconcile failed", slog.String("error", err.Error()))
	} else {
		slog.Info("reconcile completed", slog.Int("drifted", drifted), slog.Bool("fixed", fix))
	}
	return exitCode(drifted, fix, err)
}

func exitCode(drifted int, fix bool, err error) int {
	switch {
	case err != nil:
		return exitError
	case drifted > 0 && !fix:
		return exitDrift
	default:
		return exitOK
	}
}

func run(ctx context.Context, databaseURL string, fix bool) (int, error) {
	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return 0, errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	rec := postgres.NewReconciler(pool)
	drifts, err := rec.Drifts(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "list drift")
	}

	slog.Info("drift scan complete", slog.Int("drifted", len(drifts)))

	for _, d := range drifts {
		slog.Warn("usage counter drift",
			slog.String("coupon_id", d.CouponID),
			slog.String("code", d.Code),
			slog.Int("counter", d.Counter),
			slog.Int("ledger", d.Ledger),
		)
		if !fix {
			continue
		}

		healed, err := rec.Heal(ctx, d.CouponID)
		if err != nil {
			return len(drifts), errors.Wrapf(err, "heal coupon %s", d.CouponID)
		}
		slog.Info("usage counter reset",
			slog.String("coupon_id", healed.CouponID),
			slog.Int("from", healed.Counter),
			slog.Int("to", healed.Ledger),
		)
	}

	return len(drifts), nil
}
