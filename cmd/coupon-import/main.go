// Command coupon-import loads coupon definitions from gzip-compressed
// JSON-lines batch files into the database.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"sync/atomic"

	"github.com/go-faster/errors"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/carebook/internal/domain/coupon"
	"github.com/xenking/carebook/internal/storage/postgres"
)

const progressEvery = 1000

func main() {
	var (
		dataDir     string
		databaseURL string
		workers     int
		strict      bool
		dryRun      bool
	)

	flag.StringVar(&dataDir, "data-dir", "data", "directory containing *.jsonl.gz batch files, used when no files are given")
	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.IntVar(&workers, "workers", 8, "concurrent upserts")
	flag.BoolVar(&strict, "strict", false, "fail on the first undecodable line")
	flag.BoolVar(&dryRun, "dry-run", false, "decode and validate only")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" && !dryRun {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}

	files := flag.Args()
	if len(files) == 0 {
		matches, err := filepath.Glob(filepath.Join(dataDir, "*.jsonl.gz"))
		if err != nil {
			slog.Error("list batch files", slog.String("error", err.Error()))
			os.Exit(1)
		}
		slices.Sort(matches)
		files = matches
	}
	if len(files) == 0 {
		slog.Error("no batch files found", slog.String("data_dir", dataDir))
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, files, databaseURL, workers, strict, dryRun); err != nil {
		slog.Error("coupon import failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("coupon import completed successfully")
}

func run(ctx context.Context, files []string, databaseURL string, workers int, strict, dryRun bool) error {
	slog.Info("reading batch files", slog.Int("files", len(files)))

	batches, err := readBatches(ctx, files, strict)
	if err != nil {
		return errors.Wrap(err, "read batches")
	}

	coupons, dropped := dropSuperseded(batches)
	slog.Info("batches decoded",
		slog.Int("coupons", len(coupons)),
		slog.Int("superseded", dropped),
	)

	if dryRun || len(coupons) == 0 {
		return nil
	}

	slog.Info("connecting to database")

	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	if err := writeCoupons(ctx, postgres.NewCouponRepository(pool), coupons, workers); err != nil {
		return errors.Wrap(err, "write coupons to database")
	}

	return nil
}

// readBatches decodes all files concurrently, keeping their order.
func readBatches(ctx context.Context, files []string, strict bool) ([]*batch, error) {
	batches := make([]*batch, len(files))

	g, ctx := errgroup.WithContext(ctx)
	for i, path := range files {
		g.Go(func() error {
			b, err := readBatch(ctx, path, strict)
			if err != nil {
				return err
			}
			slog.Info("batch decoded",
				slog.String("path", path),
				slog.Int("coupons", len(b.coupons)),
				slog.Int("rejected", b.rejected),
			)
			batches[i] = b
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return batches, nil
}

type couponWriter interface {
	Upsert(ctx context.Context, c *coupon.Coupon) (string, error)
}

// writeCoupons upserts the coupons with a bounded number of workers. The
// coupons have distinct keys so their order does not matter.
func writeCoupons(ctx context.Context, repo couponWriter, coupons []*coupon.Coupon, workers int) error {
	slog.Info("writing coupons to database", slog.Int("count", len(coupons)))

	var written atomic.Int64
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(workers, 1))
	for _, c := range coupons {
		g.Go(func() error {
			if _, err := repo.Upsert(ctx, c); err != nil {
				return errors.Wrapf(err, "upsert coupon %s", c.Code)
			}
			if n := written.Add(1); n%progressEvery == 0 || n == int64(len(coupons)) {
				slog.Info("write progress", slog.Int64("written", n), slog.Int("total", len(coupons)))
			}
			return nil
		})
	}
	return g.Wait()
}
