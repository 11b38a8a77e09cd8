// Package handler is the HTTP transport of the offer resolver and the
// redemption ledger.
package handler

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/carebook/internal/domain/coupon"
	"github.com/xenking/carebook/internal/domain/offer"
	"github.com/xenking/carebook/internal/domain/redemption"
)

// Identity headers are set by the session layer in front of the service.
const (
	TenantHeader = "X-Tenant-ID"
	UserHeader   = "X-User-ID"
)

const maxBodyBytes = 64 << 10

// OfferResolver computes advisory offers.
type OfferResolver interface {
	Resolve(ctx context.Context, tenantID, userID string, professionalIDs []int64, amount decimal.Decimal) (map[int64]offer.Offer, error)
}

// Redeemer commits redemptions.
type Redeemer interface {
	Redeem(ctx context.Context, req redemption.Request) (*redemption.Redemption, error)
}

// Config holds non-dependency configuration for the Handler.
type Config struct {
	// MaxProfessionals bounds the size of one offers request.
	MaxProfessionals int
	// RetryAfter is advertised on 503 responses.
	RetryAfter time.Duration
}

func (c *Config) setDefaults() {
	if c.MaxProfessionals <= 0 {
		c.MaxProfessionals = 200
	}
	if c.RetryAfter <= 0 {
		c.RetryAfter = time.Second
	}
}

// Handler serves the offers and redemptions endpoints.
type Handler struct {
	resolver OfferResolver
	redeemer Redeemer
	cfg      Config
}

// NewHandler constructs a Handler with the required domain dependencies.
func NewHandler(cfg Config, resolver OfferResolver, redeemer Redeemer) *Handler {
	cfg.setDefaults()
	return &Handler{
		resolver: resolver,
		redeemer: redeemer,
		cfg:      cfg,
	}
}

// identity is who is asking, as asserted by the session layer.
type identity struct {
	tenantID string
	userID   string
}

var errMissingIdentity = errors.New("X-Tenant-ID and X-User-ID headers are required")

func identityOf(r *http.Request) (identity, error) {
	id := identity{
		tenantID: r.Header.Get(TenantHeader),
		userID:   r.Header.Get(UserHeader),
	}
	if id.tenantID == "" || id.userID == "" {
		return identity{}, errMissingIdentity
	}
	return id, nil
}

// decodeBody reads the request body and runs decode over it.
func decodeBody(w http.ResponseWriter, r *http.Request, decode func(d *jx.Decoder) error) error {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return errors.Wrap(err, "read body")
	}
	if err := decode(jx.DecodeBytes(data)); err != nil {
		return errors.Wrap(err, "decode body")
	}
	return nil
}

// decodeAmount accepts a money amount as a JSON string or number.
func decodeAmount(d *jx.Decoder) (decimal.Decimal, error) {
	var raw string
	switch d.Next() {
	case jx.String:
		s, err := d.Str()
		if err != nil {
			return decimal.Decimal{}, err
		}
		raw = s
	case jx.Number:
		n, err := d.Num()
		if err != nil {
			return decimal.Decimal{}, err
		}
		raw = n.String()
	default:
		return decimal.Decimal{}, errors.New("amount must be a string or a number")
	}

	amount, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, errors.Wrap(err, "parse amount")
	}
	if amount.IsNegative() {
		return decimal.Decimal{}, errors.New("amount must not be negative")
	}
	return amount, nil
}

func writeJSON(w http.ResponseWriter, status int, encode func(e *jx.Encoder)) {
	e := jx.GetEncoder()
	defer jx.PutEncoder(e)
	encode(e)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(e.Bytes())
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) {
			e.Field("code", func(e *jx.Encoder) { e.Int(status) })
			e.Field("message", func(e *jx.Encoder) { e.Str(message) })
		})
	})
}

// statusClientClosedRequest is the non-standard status recorded for requests
// the client abandoned.
const statusClientClosedRequest = 499

// writeFailure answers a request that failed for a reason other than a
// rejection of the coupon.
func (h *Handler) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	lg := zctx.From(r.Context())
	switch coupon.KindOf(err) {
	case coupon.KindCanceled:
		// The caller is gone and will not read the body.
		lg.Debug("Request canceled by client", zap.Error(err))
		w.WriteHeader(statusClientClosedRequest)
		return
	case coupon.KindTransient:
		lg.Warn("Transient failure", zap.Error(err))
		w.Header().Set("Retry-After", strconv.Itoa(max(int(h.cfg.RetryAfter.Seconds()), 1)))
		writeError(w, http.StatusServiceUnavailable, "temporarily unavailable, retry")
		return
	}
	lg.Error("Request failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal error")
}
