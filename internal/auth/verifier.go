// Package auth verifies the tokens clients present at connect time. Token
// issuance lives with the identity service; beacon only needs the verify
// capability and the shared HS256 secret.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken covers malformed, mis-signed and expired tokens.
	ErrInvalidToken = errors.New("invalid token")

	// ErrInactiveUser means the token is valid but the account is disabled.
	ErrInactiveUser = errors.New("user is inactive")
)

// Claims is the beacon token payload. UserID identifies the authenticated
// user; Disabled is set by the identity service when an account is suspended
// between issuance and expiry checks.
type Claims struct {
	jwt.RegisteredClaims
	UserID   string `json:"user_id"`
	Disabled bool   `json:"disabled,omitempty"`
}

// Verifier checks an authentication token and returns its claims.
type Verifier interface {
	Verify(token string) (*Claims, error)
}

// JWTVerifier validates HS256 tokens signed with a shared secret.
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a verifier for the given shared secret.
func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

// Verify parses and validates the token.
func (v *JWTVerifier) Verify(token string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return v.secret, nil
	})
	if err != nil || !parsed.Valid {
		return nil, fmt.Errorf("parsing token: %w", ErrInvalidToken)
	}
	if claims.UserID == "" {
		return nil, fmt.Errorf("token has no user id: %w", ErrInvalidToken)
	}
	if claims.Disabled {
		return nil, fmt.Errorf("user %q: %w", claims.UserID, ErrInactiveUser)
	}
	return claims, nil
}

// GenerateToken signs a token for the given user. Used by the token
// subcommand and by tests; production tokens come from the identity service.
func GenerateToken(secret, userID string, ttl time.Duration) (string, error) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    "beacon",
		},
		UserID: userID,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}
