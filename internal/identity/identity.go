// Package identity verifies caller credentials for the lock handshake and the
// real-time channel.
package identity

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidCredential is returned for any credential that does not verify.
var ErrInvalidCredential = errors.New("invalid credential")

// Identity is a verified caller.
type Identity struct {
	UserID   string
	TenantID string
}

// Verifier turns a raw credential into a verified identity.
type Verifier interface {
	Verify(credential string) (Identity, error)
}

// Claims are the token claims annosync issues and accepts.
type Claims struct {
	TenantID string `json:"tenant_id"`
	jwt.RegisteredClaims
}

// JWTVerifier validates HMAC-signed bearer tokens.
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a verifier for tokens signed with secret.
func NewJWTVerifier(secret []byte) (*JWTVerifier, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("signing secret cannot be empty")
	}
	return &JWTVerifier{secret: secret}, nil
}

// Verify parses and validates the token, returning the caller's identity.
func (v *JWTVerifier) Verify(credential string) (Identity, error) {
	token, err := jwt.ParseWithClaims(credential, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return Identity{}, ErrInvalidCredential
	}
	if claims.Subject == "" || claims.TenantID == "" {
		return Identity{}, fmt.Errorf("%w: missing subject or tenant", ErrInvalidCredential)
	}

	return Identity{UserID: claims.Subject, TenantID: claims.TenantID}, nil
}

// Sign issues a token for the given identity, valid for ttl. Used by tests and
// local tooling; production tokens come from the identity service.
func Sign(secret []byte, id Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		TenantID: id.TenantID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}
