package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/go-faster/errors"
	pgzip "github.com/klauspost/pgzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/carebook/internal/domain/coupon"
)

func jsonLine(code, inst, value string) string {
	return `{"code":"` + code + `","institution_id":"` + inst + `","discount_type":"fixed_amount",` +
		`"discount_value":"` + value + `","valid_from":"2026-01-01T00:00:00Z"}`
}

func writeBatch(t *testing.T, dir, name string, lines ...string) string {
	t.Helper()

	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	require.NoError(t, err)
	gz := pgzip.NewWriter(f)
	_, err = gz.Write([]byte(strings.Join(lines, "\n") + "\n"))
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	require.NoError(t, f.Close())
	return path
}

func TestReadBatch(t *testing.T) {
	dir := t.TempDir()
	path := writeBatch(t, dir, "a.jsonl.gz",
		jsonLine("A", "i", "1"),
		"",
		"garbage",
		jsonLine("a", "i", "2"),
		jsonLine("B", "i", "3"),
	)

	b, err := readBatch(context.Background(), path, false)
	require.NoError(t, err)

	assert.Equal(t, 1, b.rejected)
	require.Len(t, b.coupons, 2)
	// The second definition of A replaces the first in place.
	assert.Equal(t, "a", b.coupons[0].Code)
	assert.Equal(t, "2", b.coupons[0].DiscountValue.String())
	assert.Equal(t, "B", b.coupons[1].Code)
	assert.True(t, b.filter.TestString(couponKey(b.coupons[1])))
}

func TestReadBatch_Strict(t *testing.T) {
	dir := t.TempDir()
	path := writeBatch(t, dir, "a.jsonl.gz", jsonLine("A", "i", "1"), "garbage")

	_, err := readBatch(context.Background(), path, true)

	var lerr *lineError
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, 2, lerr.line)
}

func TestDropSuperseded(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	first, err := readBatch(ctx, writeBatch(t, dir, "1.jsonl.gz", jsonLine("A", "i", "1"), jsonLine("B", "i", "1")), true)
	require.NoError(t, err)
	second, err := readBatch(ctx, writeBatch(t, dir, "2.jsonl.gz", jsonLine("b", "i", "2"), jsonLine("C", "j", "2")), true)
	require.NoError(t, err)
	third, err := readBatch(ctx, writeBatch(t, dir, "3.jsonl.gz", jsonLine("A", "other", "3")), true)
	require.NoError(t, err)

	kept, dropped := dropSuperseded([]*batch{first, second, third})

	assert.Equal(t, 1, dropped)
	var got []string
	for _, c := range kept {
		got = append(got, c.InstitutionID+"/"+c.Code+"="+c.DiscountValue.String())
	}
	assert.Equal(t, []string{"i/A=1", "i/b=2", "j/C=2", "other/A=3"}, got)
}

type fakeWriter struct {
	mu    sync.Mutex
	codes []string
	fail  string
}

func (w *fakeWriter) Upsert(_ context.Context, c *coupon.Coupon) (string, error) {
	if c.Code == w.fail {
		return "", errors.New("constraint violation")
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.codes = append(w.codes, c.Code)
	return "id-" + c.Code, nil
}

func TestWriteCoupons(t *testing.T) {
	coupons := []*coupon.Coupon{{Code: "A"}, {Code: "B"}, {Code: "C"}}

	w := &fakeWriter{}
	require.NoError(t, writeCoupons(context.Background(), w, coupons, 2))
	assert.ElementsMatch(t, []string{"A", "B", "C"}, w.codes)

	w = &fakeWriter{fail: "B"}
	err := writeCoupons(context.Background(), w, coupons, 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upsert coupon B")
}
