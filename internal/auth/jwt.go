// Package auth issues and verifies the identity tokens consumed by the
// authenticate event and the REST surface.
package auth

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"

	"github.com/pelusa-v/pelusa-desk/internal/domain"
)

// TokenManager signs and validates HS256 identity tokens.
type TokenManager struct {
	secret []byte
	issuer string
	ttl    time.Duration
	clock  clockwork.Clock
}

// NewTokenManager creates a token manager.
// secret must be at least 32 characters for HS256 security.
func NewTokenManager(secret, issuer string, ttl time.Duration, clock clockwork.Clock) *TokenManager {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &TokenManager{
		secret: []byte(secret),
		issuer: issuer,
		ttl:    ttl,
		clock:  clock,
	}
}

// identityClaims extends standard JWT claims with the display name and role.
type identityClaims struct {
	jwt.RegisteredClaims
	Name string `json:"name,omitempty"`
	Role string `json:"role,omitempty"`
}

// Generate creates a signed token with the identity id as subject.
func (m *TokenManager) Generate(id domain.Identity) (string, error) {
	if !id.Valid() {
		return "", domain.NewValidationError("id", "required")
	}

	now := m.clock.Now()
	claims := identityClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.ID,
			Issuer:    m.issuer,
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		Name: id.Name,
		Role: id.Role,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a token and returns the identity it carries.
// Every failure unwraps to domain.ErrUnauthorized.
func (m *TokenManager) Verify(tokenString string) (domain.Identity, error) {
	if tokenString == "" {
		return domain.Identity{}, fmt.Errorf("%w: token is empty", domain.ErrUnauthorized)
	}

	token, err := jwt.ParseWithClaims(tokenString, &identityClaims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secret, nil
	}, jwt.WithTimeFunc(m.clock.Now), jwt.WithIssuer(m.issuer))
	if err != nil {
		return domain.Identity{}, fmt.Errorf("%w: parse token: %v", domain.ErrUnauthorized, err)
	}

	claims, ok := token.Claims.(*identityClaims)
	if !ok || !token.Valid {
		return domain.Identity{}, fmt.Errorf("%w: invalid token claims", domain.ErrUnauthorized)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return domain.Identity{}, fmt.Errorf("%w: token has no subject", domain.ErrUnauthorized)
	}

	return domain.Identity{ID: claims.Subject, Name: claims.Name, Role: claims.Role}, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
