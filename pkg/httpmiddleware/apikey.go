package httpmiddleware

import (
	"context"
	"net/http"

	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
)

// APIKeyHeader is the header calling services present their key in.
const APIKeyHeader = "api_key"

// APIKey rejects requests whose api_key header is not accepted by check
// with 401.
func APIKey(check func(ctx context.Context, key string) error) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := check(r.Context(), r.Header.Get(APIKeyHeader)); err != nil {
				zctx.From(r.Context()).Debug("API key rejected", zap.Error(err))
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
