// ABOUTME: JWT chat credential signing, verification and expiry inspection
// ABOUTME: Uses HS256 with placement/thread/tool claims; clients only read exp

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
)

// Claims are the chat-specific claims carried by a credential token.
type Claims struct {
	Placement    string   `json:"placement"`
	ThreadID     string   `json:"thread_id,omitempty"`
	AllowedTools []string `json:"allowed_tools,omitempty"`
	jwt.RegisteredClaims
}

// Signer issues and verifies HS256 chat tokens. The gateway side owns it;
// clients never hold the secret.
type Signer struct {
	secret []byte
	now    func() time.Time
}

// NewSigner creates a signer with the given secret.
func NewSigner(secret []byte) *Signer {
	return &Signer{secret: secret, now: time.Now}
}

// Issue creates a token for placement/threadID that expires after ttl.
// It returns the token and its exact expiry.
func (s *Signer) Issue(subject, placement, threadID string, tools []string, ttl time.Duration) (string, time.Time, error) {
	now := s.now()
	exp := now.Add(ttl)
	claims := Claims{
		Placement:    placement,
		ThreadID:     threadID,
		AllowedTools: tools,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signing token: %w", err)
	}
	return signed, exp, nil
}

// Verify validates the token signature and expiry and returns its claims.
func (s *Signer) Verify(tokenString string) (*Claims, error) {
	var claims Claims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Placement == "" {
		return nil, fmt.Errorf("%w: placement", ErrMissingClaim)
	}

	return &claims, nil
}

// ExpiryFromToken reads the exp claim without verifying the signature.
// Clients use it only as a fallback when the token endpoint omits
// expires_at; the gateway still verifies every token it receives.
func ExpiryFromToken(tokenString string) (time.Time, error) {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, &claims); err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, fmt.Errorf("%w: exp", ErrMissingClaim)
	}
	return claims.ExpiresAt.Time, nil
}
