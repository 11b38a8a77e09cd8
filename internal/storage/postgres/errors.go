package postgres

import (
	"context"
	"strings"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/xenking/carebook/internal/domain/coupon"
)

// classify marks driver failures that are safe to retry as transient.
// Anything else is returned unchanged.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if isTransient(err) {
		return coupon.Transient(err)
	}
	return err
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || pgconn.Timeout(err) {
		return true
	}

	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}

	switch code := errCode(err); {
	case strings.HasPrefix(code, "08"): // connection exception
		return true
	case code == "40001", code == "40P01": // serialization failure, deadlock
		return true
	case code == "57P01", code == "57P03": // admin shutdown, cannot connect now
		return true
	case code != "":
		return false
	}

	return pgconn.SafeToRetry(err)
}

// errCode returns the SQLSTATE of the first postgres error in the chain.
func errCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}
