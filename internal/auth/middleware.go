package auth

import (
	"context"
	"net/http"
	"strings"

	usercontext "github.com/graphkb/graphkb/internal/context"
	"github.com/graphkb/graphkb/internal/kberr"
	"github.com/graphkb/graphkb/internal/model"
)

// UserLoader resolves a user name from a verified token to the live user
// record with its groups.
type UserLoader func(ctx context.Context, name string) (*model.User, error)

// Middleware verifies the bearer token on each request and attaches the
// resolved user to the request context. Requests without a valid token are
// rejected before reaching any handler.
func Middleware(m *TokenManager, load UserLoader, reject func(http.ResponseWriter, *http.Request, error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := bearerToken(r)
			if err != nil {
				reject(w, r, err)
				return
			}
			claims, err := m.Verify(token)
			if err != nil {
				reject(w, r, err)
				return
			}
			user, err := load(r.Context(), claims.UserName)
			if err != nil {
				reject(w, r, err)
				return
			}
			ctx := usercontext.WithUser(r.Context(), user)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// bearerToken extracts the token from the Authorization header. The bare
// token form without the Bearer prefix is accepted as well.
func bearerToken(r *http.Request) (string, error) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return "", kberr.New(kberr.Authentication, "missing Authorization header")
	}
	if rest, ok := strings.CutPrefix(header, "Bearer "); ok {
		return strings.TrimSpace(rest), nil
	}
	if strings.ContainsRune(header, ' ') {
		return "", kberr.New(kberr.Authentication, "malformed Authorization header")
	}
	return header, nil
}
