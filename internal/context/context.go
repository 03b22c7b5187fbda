// Package context carries the authenticated user through request contexts.
package context

import (
	"context"

	"github.com/graphkb/graphkb/internal/model"
)

type userKeyType struct{}

var userKey userKeyType

// WithUser attaches the authenticated user to the context.
func WithUser(ctx context.Context, user *model.User) context.Context {
	return context.WithValue(ctx, userKey, user)
}

// UserFrom retrieves the authenticated user, or nil when the request was not
// authenticated.
func UserFrom(ctx context.Context) *model.User {
	user, _ := ctx.Value(userKey).(*model.User)
	return user
}
