package auth

import (
	"context"

	"github.com/golang-jwt/jwt/v5"
)

const (
	PermissionAdmin = "admin"
)

// Principal is the authenticated caller. Identity is issued elsewhere; the
// service only trusts signed tokens.
type Principal struct {
	UserID      string   `json:"user_id"`
	Permissions []string `json:"permissions,omitempty"`
}

func (p *Principal) HasPermission(permission string) bool {
	for _, granted := range p.Permissions {
		if granted == permission {
			return true
		}
	}
	return false
}

func (p *Principal) IsAdmin() bool {
	return p.HasPermission(PermissionAdmin)
}

// Claims represents JWT token claims
type Claims struct {
	UserID      string   `json:"user_id"`
	Permissions []string `json:"permissions,omitempty"`
	jwt.RegisteredClaims
}

func (c *Claims) Principal() *Principal {
	userID := c.UserID
	if userID == "" {
		userID = c.Subject
	}
	return &Principal{UserID: userID, Permissions: c.Permissions}
}

type principalKey struct{}

func ContextWithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	if ctx == nil {
		return nil, false
	}
	p, ok := ctx.Value(principalKey{}).(*Principal)
	return p, ok && p != nil
}
