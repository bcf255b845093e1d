package auth

import (
	"context"
	"strings"
)

type Role string

const (
	RoleAnonymous Role = "anonymous"
	RoleCustomer  Role = "customer"
	RoleAdmin     Role = "admin"
)

// Identity is the verified caller behind a request.
type Identity struct {
	UID   string
	Role  Role
	Email string
}

func (i Identity) IsAdmin() bool {
	return i.Role == RoleAdmin
}

type ctxKeyIdentity struct{}

func ContextWithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKeyIdentity{}, id)
}

func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxKeyIdentity{}).(Identity)
	return id, ok
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(prefix):])
	return token, token != ""
}
