package auth

import (
	"context"
	"errors"

	"github.com/haasonsaas/coachd/pkg/models"
)

// ErrNoCaller is returned when a request context carries no authenticated user.
var ErrNoCaller = errors.New("no authenticated caller")

type callerKey struct{}

// WithUser attaches the caller to ctx.
func WithUser(ctx context.Context, user models.User) context.Context {
	return context.WithValue(ctx, callerKey{}, user)
}

// UserFromContext returns the caller placed by the middleware.
func UserFromContext(ctx context.Context) (models.User, bool) {
	user, ok := ctx.Value(callerKey{}).(models.User)
	return user, ok && user.ID != ""
}

// Caller is UserFromContext for handlers that cannot proceed anonymously.
func Caller(ctx context.Context) (models.User, error) {
	user, ok := UserFromContext(ctx)
	if !ok {
		return models.User{}, ErrNoCaller
	}
	return user, nil
}
