package handler

import (
	"context"
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/promotion-engine/internal/domain/auth"
)

// APIKeyHeader carries the raw API key.
const APIKeyHeader = "api_key"

type principalKey struct{}

func principal(ctx context.Context) *auth.APIKeyInfo {
	info, _ := ctx.Value(principalKey{}).(*auth.APIKeyInfo)
	return info
}

// actor is the audit actor of the request: the API key name.
func actor(ctx context.Context) string {
	if info := principal(ctx); info != nil {
		return info.Name
	}
	return ""
}

func (h *Handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		info, err := h.auth.Authenticate(r.Context(), r.Header.Get(APIKeyHeader))
		if err != nil {
			if !errors.Is(err, auth.ErrUnauthorized) {
				zctx.From(r.Context()).Error("API key lookup failed", zap.Error(err))
				writeError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
				return
			}
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid api key")
			return
		}
		ctx := context.WithValue(r.Context(), principalKey{}, info)
		ctx = zctx.With(ctx, zap.String("actor", info.Name))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if info := principal(r.Context()); info == nil || !info.HasScope(scope) {
				writeError(w, http.StatusForbidden, "FORBIDDEN", "api key lacks the "+scope+" scope")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
