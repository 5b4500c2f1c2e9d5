package remote

import (
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	tokenLifetime = 5 * time.Minute
	// refresh a little before expiry so an in-flight request never carries
	// an expired token
	tokenRefreshMargin = 30 * time.Second
	defaultRole        = "authenticated"
)

// roleClaims is what PostgREST reads to switch the database role
type roleClaims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// tokenSource mints and caches HS256 tokens
type tokenSource struct {
	secret []byte
	role   string
	now    func() time.Time

	mu      sync.Mutex
	token   string
	expires time.Time
}

func newTokenSource(secret []byte, role string, now func() time.Time) *tokenSource {
	if role == "" {
		role = defaultRole
	}
	return &tokenSource{secret: secret, role: role, now: now}
}

// Token returns a cached token, minting a new one near expiry
func (s *tokenSource) Token() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if s.token != "" && now.Add(tokenRefreshMargin).Before(s.expires) {
		return s.token, nil
	}

	expires := now.Add(tokenLifetime)
	claims := roleClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
		Role: s.role,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign remote token: %w", err)
	}
	s.token = signed
	s.expires = expires
	return signed, nil
}
