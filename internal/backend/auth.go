package backend

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	adminSubject  = "admin"
	tokenTTL      = 20 * time.Minute
	refreshMargin = time.Minute
)

var ErrMissingAdminSecret = errors.New("backend: missing admin jwt secret")

// TokenSource mints HS256 admin bearer tokens and reuses one until it nears expiry.
type TokenSource struct {
	secret []byte
	now    func() time.Time

	mu      sync.Mutex
	token   string
	expires time.Time
}

func NewTokenSource(secret string) *TokenSource {
	return &TokenSource{secret: []byte(secret), now: time.Now}
}

func (s *TokenSource) Token() (string, error) {
	if len(s.secret) == 0 {
		return "", ErrMissingAdminSecret
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if s.token != "" && now.Add(refreshMargin).Before(s.expires) {
		return s.token, nil
	}

	exp := now.Add(tokenTTL)
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   adminSubject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	})
	signed, err := tok.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign admin token: %w", err)
	}
	s.token, s.expires = signed, exp
	return signed, nil
}

// VerifyAdminToken checks an HS256 bearer token the way the backend's admin middleware does.
func VerifyAdminToken(secret, raw string) error {
	if secret == "" {
		return ErrMissingAdminSecret
	}
	tok, err := jwt.ParseWithClaims(raw, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return fmt.Errorf("parse admin token: %w", err)
	}
	if !tok.Valid {
		return errors.New("admin token invalid")
	}
	return nil
}
