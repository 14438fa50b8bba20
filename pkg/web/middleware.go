package web

import (
	"context"
	"net/http"

	apperrors "github.com/odvcencio/paddock/pkg/errors"
	"github.com/odvcencio/paddock/pkg/logging"
	"github.com/odvcencio/paddock/pkg/storage"
)

type ctxKey string

const principalContextKey ctxKey = "paddock-principal"

// principalFrom returns the authenticated user stored by the auth middleware.
func principalFrom(ctx context.Context) *storage.User {
	user, _ := ctx.Value(principalContextKey).(*storage.User)
	return user
}

// basicAuthMiddleware authenticates every request with HTTP basic credentials
// against the user store and stashes the principal in the request context.
func basicAuthMiddleware(store *storage.Store, logger *logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			username, password, ok := r.BasicAuth()
			if !ok {
				respondError(w, apperrors.New(apperrors.ErrCodeUnauthorized, "credentials required"))
				return
			}
			user, err := store.Authenticate(username, password)
			if err != nil {
				_ = logger.Log(logging.Event{
					Level:     logging.LevelWarn,
					Category:  logging.CategoryNetwork,
					EventType: "auth_failed",
					Username:  username,
					Details:   map[string]any{"path": r.URL.Path},
				})
				respondError(w, err)
				return
			}
			ctx := context.WithValue(r.Context(), principalContextKey, user)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// adminOnlyMiddleware rejects authenticated principals that lack the admin
// flag. It must run after basicAuthMiddleware.
func adminOnlyMiddleware(logger *logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user := principalFrom(r.Context())
			if user == nil {
				respondError(w, apperrors.New(apperrors.ErrCodeUnauthorized, "credentials required"))
				return
			}
			if !user.IsAdmin {
				_ = logger.Log(logging.Event{
					Level:     logging.LevelWarn,
					Category:  logging.CategoryAdmin,
					EventType: "admin_access_denied",
					Username:  user.Username,
					Details:   map[string]any{"path": r.URL.Path},
				})
				respondError(w, apperrors.New(apperrors.ErrCodeForbidden, "administrator access required"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// securityHeadersMiddleware adds standard security headers to responses.
func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers := w.Header()
		headers.Set("X-Content-Type-Options", "nosniff")
		headers.Set("X-Frame-Options", "DENY")
		headers.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}
