package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var ErrUnauthenticated = errors.New("unauthenticated")

type Authenticator interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

type claims struct {
	Role  Role   `json:"role"`
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// HSProvider signs and verifies HS256 tokens for a single issuer and audience.
type HSProvider struct {
	secret   []byte
	issuer   string
	audience string
	now      func() time.Time
}

func NewHSProvider(secret, issuer, audience string) *HSProvider {
	return &HSProvider{
		secret:   []byte(secret),
		issuer:   issuer,
		audience: audience,
		now:      time.Now,
	}
}

func (p *HSProvider) Sign(id Identity, ttl time.Duration) (string, time.Time, error) {
	now := p.now()
	exp := now.Add(ttl)

	c := claims{
		Role:  id.Role,
		Email: id.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    p.issuer,
			Subject:   id.UID,
			Audience:  []string{p.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(p.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, exp, nil
}

// IssueAnonymous mints a token for a fresh anonymous uid.
func (p *HSProvider) IssueAnonymous(ttl time.Duration) (string, Identity, time.Time, error) {
	id := Identity{UID: uuid.NewString(), Role: RoleAnonymous}
	token, exp, err := p.Sign(id, ttl)
	return token, id, exp, err
}

func (p *HSProvider) Verify(_ context.Context, token string) (Identity, error) {
	parsed, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return p.secret, nil
	},
		jwt.WithAudience(p.audience),
		jwt.WithIssuer(p.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(p.now),
	)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	c, ok := parsed.Claims.(*claims)
	if !ok || !parsed.Valid || c.Subject == "" {
		return Identity{}, fmt.Errorf("%w: invalid claims", ErrUnauthenticated)
	}
	switch c.Role {
	case RoleAnonymous, RoleCustomer, RoleAdmin:
	default:
		return Identity{}, fmt.Errorf("%w: unknown role %q", ErrUnauthenticated, c.Role)
	}
	return Identity{UID: c.Subject, Role: c.Role, Email: c.Email}, nil
}
