// Package auth verifies caller tokens and authorizes access to stored
// resources and broker endpoints.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glimte/mmate-gateway/contracts"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var ErrEmptySecret = errors.New("auth: signing secret is required")

// Verifier decodes a token into the caller identity.
type Verifier interface {
	VerifyToken(token string) (*contracts.Identity, error)
}

// Signer issues tokens for an identity.
type Signer interface {
	CreateToken(identity *contracts.Identity, ttl time.Duration) (string, error)
}

// TokenService signs and verifies HS256 tokens carrying the caller identity.
type TokenService struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

type userClaims struct {
	jwt.RegisteredClaims
	User contracts.Identity `json:"user"`
}

// TokenOption configures the TokenService.
type TokenOption func(*TokenService)

// WithIssuer sets the issuer written to and required from tokens.
func WithIssuer(issuer string) TokenOption {
	return func(s *TokenService) {
		s.issuer = issuer
	}
}

// WithTokenTTL sets the default lifetime of issued tokens.
func WithTokenTTL(ttl time.Duration) TokenOption {
	return func(s *TokenService) {
		s.ttl = ttl
	}
}

// WithTokenClock overrides the time source.
func WithTokenClock(now func() time.Time) TokenOption {
	return func(s *TokenService) {
		s.now = now
	}
}

// NewTokenService creates a token service for the given shared secret.
func NewTokenService(secret string, options ...TokenOption) (*TokenService, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, ErrEmptySecret
	}
	s := &TokenService{
		secret: []byte(secret),
		issuer: "mmate-gateway",
		ttl:    time.Hour,
		now:    time.Now,
	}
	for _, opt := range options {
		opt(s)
	}
	return s, nil
}

// CreateToken issues a token for identity. A zero ttl uses the default.
func (s *TokenService) CreateToken(identity *contracts.Identity, ttl time.Duration) (string, error) {
	if identity == nil {
		return "", fmt.Errorf("failed to create token: %w", contracts.ErrInvalidToken)
	}
	if ttl <= 0 {
		ttl = s.ttl
	}
	now := s.now()
	claims := userClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   identity.ID,
			ID:        uuid.New().String(),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now.Add(-time.Second)),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		User: *identity,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// VerifyToken validates the signature and lifetime of token and returns the
// identity it carries. Failures wrap contracts.ErrInvalidToken.
func (s *TokenService) VerifyToken(token string) (*contracts.Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, fmt.Errorf("%w: token is empty", contracts.ErrInvalidToken)
	}
	var claims userClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", contracts.ErrInvalidToken, mapJWTError(err))
	}
	if claims.User.ID == "" {
		return nil, fmt.Errorf("%w: token carries no user", contracts.ErrInvalidToken)
	}
	user := claims.User
	return &user, nil
}

// RootToken issues a short lived token for privileged internal calls.
func (s *TokenService) RootToken() (string, error) {
	return s.CreateToken(contracts.Root(), 5*time.Minute)
}

func mapJWTError(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return "token is expired"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return "signature is invalid"
	case errors.Is(err, jwt.ErrTokenMalformed):
		return "token is malformed"
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return "issuer mismatch"
	case errors.Is(err, jwt.ErrTokenNotValidYet):
		return "token is not valid yet"
	}
	return err.Error()
}
