// Package auth issues and validates the HS256 bearer tokens that carry a
// caller's tenant and user identity.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken    = errors.New("invalid token")
	ErrMissingIdentity = errors.New("token is missing tenant or user")
)

// Identity is who is calling. Every job query is scoped by TenantID.
type Identity struct {
	TenantID string
	UserID   string
	UserName string
}

// Claims is the JWT body.
type Claims struct {
	TenantID string `json:"tenant_id"`
	UserID   string `json:"user_id"`
	UserName string `json:"user_name,omitempty"`
	jwt.RegisteredClaims
}

func (c *Claims) Identity() Identity {
	return Identity{TenantID: c.TenantID, UserID: c.UserID, UserName: c.UserName}
}

// Authenticator signs and verifies tokens with a shared secret.
type Authenticator struct {
	secret []byte
	issuer string
	now    func() time.Time
}

func NewAuthenticator(secret, issuer string) *Authenticator {
	return &Authenticator{
		secret: []byte(secret),
		issuer: issuer,
		now:    time.Now,
	}
}

// Issue signs a token for id that expires after ttl.
func (a *Authenticator) Issue(id Identity, ttl time.Duration) (string, error) {
	if id.TenantID == "" || id.UserID == "" {
		return "", ErrMissingIdentity
	}

	now := a.now()
	claims := Claims{
		TenantID: id.TenantID,
		UserID:   id.UserID,
		UserName: id.UserName,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    a.issuer,
			Subject:   id.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Validate parses token and returns its identity. Only HS256 is accepted
// and an expiry is mandatory.
func (a *Authenticator) Validate(token string) (Identity, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if claims.TenantID == "" || claims.UserID == "" {
		return Identity{}, ErrMissingIdentity
	}
	return claims.Identity(), nil
}
