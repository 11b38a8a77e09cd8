package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/carebook/internal/domain/coupon"
	"github.com/xenking/carebook/internal/domain/offer"
	"github.com/xenking/carebook/internal/domain/redemption"
)

type mockResolver struct {
	offers map[int64]offer.Offer
	err    error

	gotTenant string
	gotUser   string
	gotIDs    []int64
	gotAmount decimal.Decimal
}

func (m *mockResolver) Resolve(_ context.Context, tenantID, userID string, ids []int64, amount decimal.Decimal) (map[int64]offer.Offer, error) {
	m.gotTenant, m.gotUser, m.gotIDs, m.gotAmount = tenantID, userID, ids, amount
	return m.offers, m.err
}

type mockRedeemer struct {
	result *redemption.Redemption
	err    error

	got   redemption.Request
	calls int
}

func (m *mockRedeemer) Redeem(_ context.Context, req redemption.Request) (*redemption.Redemption, error) {
	m.calls++
	m.got = req
	return m.result, m.err
}

func d(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func newRequest(target, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(body))
	req.Header.Set(TenantHeader, "tenant-1")
	req.Header.Set(UserHeader, "user-1")
	return req
}

func TestResolveOffers(t *testing.T) {
	resolver := &mockResolver{offers: map[int64]offer.Offer{
		9: {
			CouponID: "c2", Code: "FLAT", Name: "Flat", DiscountType: coupon.DiscountFixed,
			DiscountValue: d("20"), DiscountAmount: d("20"), FinalAmount: d("130"),
		},
		5: {
			CouponID: "c1", Code: "SAVE10", Name: "Ten", DiscountType: coupon.DiscountPercentage,
			DiscountValue: d("10"), DiscountAmount: d("15"), FinalAmount: d("135"),
		},
	}}
	h := NewHandler(Config{}, resolver, &mockRedeemer{})

	w := httptest.NewRecorder()
	h.ResolveOffers(w, newRequest("/api/offers", `{"professional_ids":[5,7,9],"amount":"150.00","extra":true}`))

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"offers":{
		"5":{"coupon_id":"c1","code":"SAVE10","name":"Ten","discount_type":"percentage",
			"discount_value":"10","discount_amount":"15","final_amount":"135"},
		"9":{"coupon_id":"c2","code":"FLAT","name":"Flat","discount_type":"fixed_amount",
			"discount_value":"20","discount_amount":"20","final_amount":"130"}
	}}`, w.Body.String())
	assert.Less(t, strings.Index(w.Body.String(), `"5"`), strings.Index(w.Body.String(), `"9"`))

	assert.Equal(t, "tenant-1", resolver.gotTenant)
	assert.Equal(t, "user-1", resolver.gotUser)
	assert.Equal(t, []int64{5, 7, 9}, resolver.gotIDs)
	assert.True(t, d("150").Equal(resolver.gotAmount))
}

func TestResolveOffers_NumericAmountAndNoOffers(t *testing.T) {
	resolver := &mockResolver{offers: map[int64]offer.Offer{}}
	h := NewHandler(Config{}, resolver, &mockRedeemer{})

	w := httptest.NewRecorder()
	h.ResolveOffers(w, newRequest("/api/offers", `{"professional_ids":[],"amount":99.5}`))

	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"offers":{}}`, w.Body.String())
	assert.True(t, d("99.5").Equal(resolver.gotAmount))
}

func TestResolveOffers_BadRequests(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		noIdent bool
		max     int
		want    string
	}{
		{name: "missing identity", body: `{"professional_ids":[1],"amount":"10"}`, noIdent: true, want: "X-Tenant-ID"},
		{name: "empty body", body: ``, want: "decode body"},
		{name: "missing amount", body: `{"professional_ids":[1]}`, want: "amount is required"},
		{name: "negative amount", body: `{"professional_ids":[1],"amount":"-1"}`, want: "negative"},
		{name: "garbage amount", body: `{"professional_ids":[1],"amount":"ten"}`, want: "parse amount"},
		{name: "non numeric id", body: `{"professional_ids":["x"],"amount":"10"}`, want: "professional id"},
		{name: "too many ids", body: `{"professional_ids":[1,2,3],"amount":"10"}`, max: 2, want: "at most 2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resolver := &mockResolver{}
			h := NewHandler(Config{MaxProfessionals: tt.max}, resolver, &mockRedeemer{})

			req := newRequest("/api/offers", tt.body)
			if tt.noIdent {
				req.Header.Del(TenantHeader)
			}
			w := httptest.NewRecorder()
			h.ResolveOffers(w, req)

			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Contains(t, w.Body.String(), tt.want)
			assert.Nil(t, resolver.gotIDs)
		})
	}
}

func TestResolveOffers_Failures(t *testing.T) {
	h := NewHandler(Config{RetryAfter: 3 * time.Second}, &mockResolver{
		err: coupon.Transient(errors.New("connection reset")),
	}, &mockRedeemer{})

	w := httptest.NewRecorder()
	h.ResolveOffers(w, newRequest("/api/offers", `{"professional_ids":[1],"amount":"10"}`))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "3", w.Header().Get("Retry-After"))

	h = NewHandler(Config{}, &mockResolver{err: errors.New("boom")}, &mockRedeemer{})
	w = httptest.NewRecorder()
	h.ResolveOffers(w, newRequest("/api/offers", `{"professional_ids":[1],"amount":"10"}`))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.JSONEq(t, `{"code":500,"message":"internal error"}`, w.Body.String())
}

func TestRedeem_Success(t *testing.T) {
	redeemer := &mockRedeemer{result: &redemption.Redemption{
		UsageID: "u-1", CouponID: "c1", Code: "SAVE10",
		DiscountAmount: d("15"), FinalAmount: d("135"),
	}}
	h := NewHandler(Config{}, &mockResolver{}, redeemer)

	w := httptest.NewRecorder()
	h.Redeem(w, newRequest("/api/redemptions",
		`{"code":" save10 ","professional_id":5,"amount":"150.00","appointment_id":"appt-1","discount_amount":"150"}`))

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"is_valid":true,"usage_id":"u-1","coupon_id":"c1","code":"SAVE10",
		"discount_amount":"15","final_amount":"135"}`, w.Body.String())

	assert.Equal(t, redemption.Request{
		Code:           "save10",
		TenantID:       "tenant-1",
		UserID:         "user-1",
		ProfessionalID: 5,
		Amount:         redeemer.got.Amount,
		AppointmentID:  "appt-1",
	}, redeemer.got)
	assert.True(t, d("150").Equal(redeemer.got.Amount))
}

func TestRedeem_Rejected(t *testing.T) {
	tests := []struct {
		err  error
		kind string
	}{
		{coupon.ErrInvalidCode, "invalid_code"},
		{coupon.ErrExpired, "expired"},
		{coupon.ErrAudienceMismatch, "audience_mismatch"},
		{coupon.ErrScopeMismatch, "scope_mismatch"},
		{coupon.ErrBelowMinimumPurchase, "below_minimum_purchase"},
		{coupon.ErrUsageCapPerUser, "usage_cap_exceeded_per_user"},
		{errors.Wrap(coupon.ErrUsageCapGlobal, "redeem"), "usage_cap_exceeded_global"},
	}

	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			h := NewHandler(Config{}, &mockResolver{}, &mockRedeemer{err: tt.err})

			w := httptest.NewRecorder()
			h.Redeem(w, newRequest("/api/redemptions", `{"code":"X","professional_id":1,"amount":"10"}`))

			assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
			assert.JSONEq(t, `{"is_valid":false,"error_kind":"`+tt.kind+`"}`, w.Body.String())
		})
	}
}

func TestRedeem_Failures(t *testing.T) {
	h := NewHandler(Config{}, &mockResolver{}, &mockRedeemer{err: coupon.Transient(context.DeadlineExceeded)})
	w := httptest.NewRecorder()
	h.Redeem(w, newRequest("/api/redemptions", `{"code":"X","professional_id":1,"amount":"10"}`))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))

	h = NewHandler(Config{}, &mockResolver{}, &mockRedeemer{err: errors.New("constraint violated")})
	w = httptest.NewRecorder()
	h.Redeem(w, newRequest("/api/redemptions", `{"code":"X","professional_id":1,"amount":"10"}`))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "constraint")

	h = NewHandler(Config{}, &mockResolver{}, &mockRedeemer{err: errors.Wrap(context.Canceled, "begin tx")})
	w = httptest.NewRecorder()
	h.Redeem(w, newRequest("/api/redemptions", `{"code":"X","professional_id":1,"amount":"10"}`))
	assert.Equal(t, statusClientClosedRequest, w.Code)
	assert.Empty(t, w.Body.String())
}

func TestRedeem_BadRequests(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{name: "missing code", body: `{"professional_id":1,"amount":"10"}`, want: "code is required"},
		{name: "blank code", body: `{"code":"  ","professional_id":1,"amount":"10"}`, want: "code is required"},
		{name: "missing professional", body: `{"code":"X","amount":"10"}`, want: "professional_id is required"},
		{name: "missing amount", body: `{"code":"X","professional_id":1}`, want: "amount is required"},
		{name: "wrong type", body: `{"code":1,"professional_id":1,"amount":"10"}`, want: "code"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			redeemer := &mockRedeemer{}
			h := NewHandler(Config{}, &mockResolver{}, redeemer)

			w := httptest.NewRecorder()
			h.Redeem(w, newRequest("/api/redemptions", tt.body))

			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Contains(t, w.Body.String(), tt.want)
			assert.Zero(t, redeemer.calls)
		})
	}
}
