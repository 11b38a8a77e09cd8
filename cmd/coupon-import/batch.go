package main

import (
	"bufio"
	"context"
	"log/slog"
	"os"
	"strconv"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	pgzip "github.com/klauspost/pgzip"

	"github.com/xenking/carebook/internal/domain/coupon"
)

const (
	bloomFPR    = 0.001
	maxLineSize = 1 << 20
)

// batch is one decoded batch file.
type batch struct {
	path    string
	coupons []*coupon.Coupon
	// filter holds the keys of coupons.
	filter   *bloom.BloomFilter
	rejected int
}

// lineError reports an undecodable line.
type lineError struct {
	path string
	line int
	err  error
}

func (e *lineError) Error() string {
	return e.path + ": line " + strconv.Itoa(e.line) + ": " + e.err.Error()
}

func (e *lineError) Unwrap() error { return e.err }

// readBatch decodes a gzip-compressed JSON-lines file. Within a file a later
// definition of the same coupon replaces the earlier one. Bad lines are
// logged and skipped unless strict is set.
func readBatch(ctx context.Context, path string, strict bool) (*batch, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	defer func() { _ = f.Close() }()

	gz, err := pgzip.NewReader(f)
	if err != nil {
		return nil, errors.Wrapf(err, "create gzip reader for %s", path)
	}
	defer func() { _ = gz.Close() }()

	b := &batch{path: path}
	index := make(map[string]int)

	scanner := bufio.NewScanner(gz)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	line := 0
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}

		c, err := decodeCoupon(raw)
		if err != nil {
			lerr := &lineError{path: path, line: line, err: err}
			if strict {
				return nil, lerr
			}
			slog.Warn("skipping coupon", slog.String("error", lerr.Error()))
			b.rejected++
			continue
		}

		key := couponKey(c)
		if i, ok := index[key]; ok {
			b.coupons[i] = c
			continue
		}
		index[key] = len(b.coupons)
		b.coupons = append(b.coupons, c)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "scan %s", path)
	}

	b.filter = bloom.NewWithEstimates(uint(max(len(b.coupons), 1)), bloomFPR)
	for _, c := range b.coupons {
		b.filter.AddString(couponKey(c))
	}
	return b, nil
}

// dropSuperseded returns the coupons of all batches in order, leaving out
// every coupon that a later batch defines again. Later batches are probed
// through their bloom filters first and only the candidates are confirmed
// exactly.
func dropSuperseded(batches []*batch) (kept []*coupon.Coupon, dropped int) {
	candidates := make(map[string]struct{})
	for i, b := range batches {
		for _, c := range b.coupons {
			key := couponKey(c)
			for _, later := range batches[i+1:] {
				if later.filter.TestString(key) {
					candidates[key] = struct{}{}
					break
				}
			}
		}
	}

	lastSeen := make(map[string]int, len(candidates))
	for i, b := range batches {
		for _, c := range b.coupons {
			key := couponKey(c)
			if _, ok := candidates[key]; ok {
				lastSeen[key] = i
			}
		}
	}

	for i, b := range batches {
		for _, c := range b.coupons {
			if last, ok := lastSeen[couponKey(c)]; ok && last > i {
				dropped++
				continue
			}
			kept = append(kept, c)
		}
	}
	return kept, dropped
}
