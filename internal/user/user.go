// Package user resolves which user (and so which memory session) a request
// belongs to.
package user

import (
	"context"
	"errors"
)

// ErrNoUser is returned when no user can be determined.
var ErrNoUser = errors.New("no current user")

// Directory reports the current user for a request.
type Directory interface {
	CurrentUserID(ctx context.Context) (string, error)
}

type ctxKey struct{}

// WithID returns a context carrying the user ID.
func WithID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// IDFromContext returns the user ID stored by WithID.
func IDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ctxKey{}).(string)
	return id, ok && id != ""
}

// Static always reports the same user. The CLI uses it for single-user runs.
type Static string

// CurrentUserID implements Directory.
func (s Static) CurrentUserID(context.Context) (string, error) {
	if s == "" {
		return "", ErrNoUser
	}
	return string(s), nil
}

// ContextDirectory reads the user from the context, falling back to
// Fallback when the context carries none.
type ContextDirectory struct {
	Fallback Directory
}

// CurrentUserID implements Directory.
func (d ContextDirectory) CurrentUserID(ctx context.Context) (string, error) {
	if id, ok := IDFromContext(ctx); ok {
		return id, nil
	}
	if d.Fallback != nil {
		return d.Fallback.CurrentUserID(ctx)
	}
	return "", ErrNoUser
}
