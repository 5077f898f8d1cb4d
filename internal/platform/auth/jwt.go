package auth

import (
	"errors"
	"time"

	"fieldsync/internal/platform/config"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
)

const (
	RoleAdmin    = "admin"
	RoleOperator = "operator"
	RoleViewer   = "viewer"

	issuer = "fieldsync"
)

var ErrInvalidToken = errors.New("invalid token")

type Claims struct {
	Role   string   `json:"role"`
	Scopes []string `json:"scp,omitempty"`
	jwt.RegisteredClaims
}

// Actor names the principal for audit records.
func (c *Claims) Actor() string {
	if c == nil {
		return ""
	}
	return c.Subject
}

type TokenService struct {
	config config.JWTConfig
	clock  clockwork.Clock
}

func NewTokenService(cfg config.JWTConfig) *TokenService {
	return &TokenService{config: cfg, clock: clockwork.NewRealClock()}
}

// WithClock replaces the clock used for issue and expiry times.
func (s *TokenService) WithClock(clock clockwork.Clock) *TokenService {
	s.clock = clock
	return s
}

func (s *TokenService) GenerateAccessToken(subject, role string, scopes ...string) (string, error) {
	now := s.clock.Now()
	ttl := s.config.AccessTokenTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	claims := Claims{
		Role:   role,
		Scopes: scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    issuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(s.config.Secret))
}

func (s *TokenService) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(s.config.Secret), nil
	}, jwt.WithIssuer(issuer), jwt.WithTimeFunc(s.clock.Now))

	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}

	return nil, ErrInvalidToken
}
