package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const defaultSessionTTL = 24 * time.Hour

// SessionClaims are the claims carried by an access token. Subject is the user id.
type SessionClaims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// SessionIssuer mints HS256 access tokens. It holds no state besides the key.
type SessionIssuer struct {
	secret []byte
	ttl    time.Duration
	issuer string
	now    Clock
}

// NewSessionIssuer fails on an empty secret so a misconfigured deployment
// stops at startup instead of at the first login.
func NewSessionIssuer(secret string, ttl time.Duration, issuer string) (*SessionIssuer, error) {
	if secret == "" {
		return nil, fmt.Errorf("%w: session secret is empty", ErrConfiguration)
	}
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	return &SessionIssuer{
		secret: []byte(secret),
		ttl:    ttl,
		issuer: issuer,
		now:    systemClock,
	}, nil
}

// Issue returns a signed token for userID and its lifetime in seconds.
func (s *SessionIssuer) Issue(userID, email string) (string, int64, error) {
	if userID == "" {
		return "", 0, ErrInvalidInput
	}

	now := s.now()
	claims := SessionClaims{
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    s.issuer,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", 0, fmt.Errorf("sign session token: %w", err)
	}
	return token, int64(s.ttl / time.Second), nil
}

// Parse validates a token and returns its claims. Any failure is ErrUnauthenticated.
func (s *SessionIssuer) Parse(tokenString string) (*SessionClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}

	claims := &SessionClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: token expired", ErrUnauthenticated)
		}
		return nil, ErrUnauthenticated
	}
	if !token.Valid || claims.Subject == "" {
		return nil, ErrUnauthenticated
	}
	return claims, nil
}
