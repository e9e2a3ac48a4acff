package security

import (
	"context"
	"errors"
	"fmt"
	"time"

	"convochat/internal/common"
	"convochat/internal/domain/model"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Claims embeds the registered claims; Subject carries the user id.
type Claims struct {
	jwt.RegisteredClaims
	Username string `json:"username"`
}

// Identity is what a verified bearer token proves about its holder.
type Identity struct {
	UserID    string
	Username  string
	TokenID   string
	ExpiresAt time.Time
}

type Token struct {
	Value     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// TokenService issues and validates HS256 bearer tokens. The signing key is
// fixed at construction and never leaves the struct.
type TokenService struct {
	key         []byte
	ttl         time.Duration
	now         func() time.Time
	revocations RevocationList
}

type TokenOption func(*TokenService)

// WithClock replaces time.Now, e.g. to step past expiry in tests.
func WithClock(now func() time.Time) TokenOption {
	return func(s *TokenService) { s.now = now }
}

// WithRevocationList enables server-side logout before expiry.
func WithRevocationList(rl RevocationList) TokenOption {
	return func(s *TokenService) { s.revocations = rl }
}

func NewTokenService(key []byte, ttl time.Duration, opts ...TokenOption) (*TokenService, error) {
	if len(key) == 0 {
		return nil, errors.New("token signing key is empty")
	}
	if ttl <= 0 {
		return nil, errors.New("token lifetime must be positive")
	}
	s := &TokenService{key: append([]byte(nil), key...), ttl: ttl, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *TokenService) Issue(user *model.User) (*Token, error) {
	now := s.now()
	exp := now.Add(s.ttl)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		Username: user.Username,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return nil, fmt.Errorf("sign token: %w", err)
	}
	return &Token{Value: signed, ExpiresAt: exp.Truncate(time.Second)}, nil
}

func (s *TokenService) Validate(ctx context.Context, tokenString string) (*Identity, error) {
	if tokenString == "" {
		return nil, common.ErrInvalidToken
	}

	claims := &Claims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
	)
	_, err := parser.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return s.key, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, common.ErrExpiredToken
		}
		return nil, common.ErrInvalidToken
	}
	if claims.Subject == "" || claims.ID == "" {
		return nil, common.ErrInvalidToken
	}

	if s.revocations != nil {
		revoked, err := s.revocations.IsRevoked(ctx, claims.ID)
		if err != nil {
			return nil, fmt.Errorf("check token revocation: %w", err)
		}
		if revoked {
			return nil, common.ErrInvalidToken
		}
	}

	return &Identity{
		UserID:    claims.Subject,
		Username:  claims.Username,
		TokenID:   claims.ID,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

// Revoke invalidates tokenString until its natural expiry. It reports false
// when no revocation list is configured, in which case logout is purely a
// client-side discard.
func (s *TokenService) Revoke(ctx context.Context, tokenString string) (bool, error) {
	if s.revocations == nil {
		return false, nil
	}
	id, err := s.Validate(ctx, tokenString)
	if err != nil {
		return false, err
	}
	remaining := id.ExpiresAt.Sub(s.now())
	if remaining <= 0 {
		return false, nil
	}
	if err := s.revocations.Revoke(ctx, id.TokenID, remaining); err != nil {
		return false, fmt.Errorf("revoke token: %w", err)
	}
	return true, nil
}
