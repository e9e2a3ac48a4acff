package middleware

import (
	"context"
	"errors"
	"net/http"

	"convochat/internal/common"
	"convochat/internal/common/security"
	"convochat/internal/platform/logging"

	"github.com/go-chi/jwtauth/v5"
)

type contextKey string

const IdentityCtxKey contextKey = "identity"

// TokenValidator is satisfied by *security.TokenService.
type TokenValidator interface {
	Validate(ctx context.Context, token string) (*security.Identity, error)
}

// Authenticator rejects requests without a valid bearer token and stores the
// verified identity in the request context.
func Authenticator(tokens TokenValidator, logger logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := jwtauth.TokenFromHeader(r)
			if token == "" {
				common.RespondWithError(w, http.StatusUnauthorized, common.KindUnauthorized, "authorization token required")
				return
			}

			identity, err := tokens.Validate(r.Context(), token)
			if err != nil {
				if !errors.Is(err, common.ErrInvalidToken) && !errors.Is(err, common.ErrExpiredToken) {
					logger.Error(r.Context(), "token validation failed", "error", err)
				}
				common.RespondWithDomainError(w, err)
				return
			}

			ctx := context.WithValue(r.Context(), IdentityCtxKey, identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// IdentityFromContext returns the identity stored by Authenticator.
func IdentityFromContext(ctx context.Context) (*security.Identity, bool) {
	identity, ok := ctx.Value(IdentityCtxKey).(*security.Identity)
	return identity, ok && identity != nil
}
