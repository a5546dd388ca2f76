// Package identity carries the authenticated caller through a request
// context. It is populated once, by the access-token middleware.
package identity

import (
	"context"
	"errors"

	"github.com/replaysMike/binner-auth/internal/domain"
)

var (
	ErrAlreadyPopulated = errors.New("request identity already populated")
	ErrNoIdentity       = errors.New("request has no identity")
)

type contextKey struct{}

type holder struct {
	identity domain.Identity
}

// Attach stores id on ctx. A context that already carries an identity is
// never overwritten.
func Attach(ctx context.Context, id domain.Identity) (context.Context, error) {
	if _, ok := ctx.Value(contextKey{}).(*holder); ok {
		return ctx, ErrAlreadyPopulated
	}
	return context.WithValue(ctx, contextKey{}, &holder{identity: id}), nil
}

func FromContext(ctx context.Context) (domain.Identity, bool) {
	h, ok := ctx.Value(contextKey{}).(*holder)
	if !ok {
		return domain.Identity{}, false
	}
	return h.identity, true
}

// MustFromContext panics when ctx has no identity. Only use it behind the
// auth middleware.
func MustFromContext(ctx context.Context) domain.Identity {
	id, ok := FromContext(ctx)
	if !ok {
		panic(ErrNoIdentity)
	}
	return id
}

func UserID(ctx context.Context) (uint, bool) {
	id, ok := FromContext(ctx)
	return id.UserID, ok
}

func OrganizationID(ctx context.Context) (uint, bool) {
	id, ok := FromContext(ctx)
	return id.OrganizationID, ok
}

func IsAdmin(ctx context.Context) bool {
	id, ok := FromContext(ctx)
	return ok && id.IsAdmin
}
