package handler

import (
	"context"
	"net/http"
	"strings"

	"identity-service/internal/service"

	"go.uber.org/zap"
)

type ctxKey int

const userIDKey ctxKey = iota

// TokenParser validates session tokens.
type TokenParser interface {
	Parse(token string) (*service.SessionClaims, error)
}

// RequireBearer rejects requests without a valid session token and stores
// the subject in the request context.
func RequireBearer(tokens TokenParser, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			scheme, token, ok := strings.Cut(header, " ")
			if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
				respondWithError(logger, w, service.ErrUnauthenticated, "Missing bearer token")
				return
			}

			claims, err := tokens.Parse(strings.TrimSpace(token))
			if err != nil || claims.Subject == "" {
				respondWithError(logger, w, service.ErrUnauthenticated, "Invalid bearer token")
				return
			}

			ctx := context.WithValue(r.Context(), userIDKey, claims.Subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// UserIDFromContext returns the authenticated subject, or "".
func UserIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(userIDKey).(string)
	return id
}
