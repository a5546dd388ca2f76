package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/replaysMike/binner-auth/internal/domain"
	"github.com/replaysMike/binner-auth/internal/http/response"
	"github.com/replaysMike/binner-auth/internal/identity"
	"github.com/replaysMike/binner-auth/internal/observability"
	"github.com/replaysMike/binner-auth/internal/security"
	"github.com/replaysMike/binner-auth/internal/service"
)

// AccessTokenParser is satisfied by *security.TokenCodec.
type AccessTokenParser interface {
	ParseAccessToken(raw string) (domain.Identity, error)
}

// ImagesTokenAuthenticator is satisfied by *service.AuthService.
type ImagesTokenAuthenticator interface {
	AuthenticateImagesToken(ctx context.Context, raw string) (domain.Identity, error)
}

// AuthMiddleware requires a bearer access token and attaches its identity to
// the request context.
func AuthMiddleware(parser AccessTokenParser) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := bearerToken(r)
			if raw == "" {
				observability.RecordAccessTokenValidation(r.Context(), "missing", "none")
				response.Error(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "missing access token", nil)
				return
			}
			id, err := parser.ParseAccessToken(raw)
			if err != nil {
				outcome, message := "invalid", "invalid access token"
				if errors.Is(err, security.ErrTokenExpired) {
					outcome, message = "expired", "access token expired"
				}
				observability.RecordAccessTokenValidation(r.Context(), outcome, "bearer")
				response.Error(w, r, http.StatusUnauthorized, "UNAUTHORIZED", message, nil)
				return
			}
			observability.RecordAccessTokenValidation(r.Context(), "valid", "bearer")
			attach(w, r, next, id)
		})
	}
}

// ImagesTokenMiddleware authenticates asset retrieval through the token query
// parameter. It is mounted only on asset routes.
func ImagesTokenMiddleware(auth ImagesTokenAuthenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := r.URL.Query().Get("token")
			if raw == "" {
				response.Error(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "missing images token", nil)
				return
			}
			id, err := auth.AuthenticateImagesToken(r.Context(), raw)
			switch {
			case err == nil:
				attach(w, r, next, id)
			case errors.Is(err, service.ErrTokenInvalid), errors.Is(err, service.ErrTokenExpired):
				response.Error(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "invalid images token", nil)
			case errors.Is(err, service.ErrEmailNotConfirmed), errors.Is(err, service.ErrAccountLocked):
				response.Error(w, r, http.StatusForbidden, "FORBIDDEN", "account cannot access assets", nil)
			default:
				response.Internal(w, r)
			}
		})
	}
}

func attach(w http.ResponseWriter, r *http.Request, next http.Handler, id domain.Identity) {
	ctx, err := identity.Attach(r.Context(), id)
	if err != nil {
		response.Internal(w, r)
		return
	}
	next.ServeHTTP(w, r.WithContext(ctx))
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}
