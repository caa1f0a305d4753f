// Package auth issues and validates the bearer tokens agents present when
// polling for jobs and submitting results.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const issuer = "silo-dispatch"

var ErrInvalidToken = errors.New("invalid token")

type Config struct {
	Secret     string        `mapstructure:"secret"`
	Expiration time.Duration `mapstructure:"expiration"`
}

type Claims struct {
	AgentID string `json:"agent_id"`
	jwt.RegisteredClaims
}

// GenerateToken signs an HS256 token bound to agentID. A zero Expiration
// issues a token that never expires.
func GenerateToken(cfg Config, agentID uuid.UUID) (string, error) {
	if cfg.Secret == "" {
		return "", errors.New("jwt secret not configured")
	}

	now := time.Now()
	claims := Claims{
		AgentID: agentID.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   issuer,
			Subject:  agentID.String(),
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if cfg.Expiration > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(cfg.Expiration))
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(cfg.Secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

func ValidateToken(secret, tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(issuer))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	if _, err := uuid.Parse(claims.AgentID); err != nil {
		return nil, fmt.Errorf("%w: agent_id", ErrInvalidToken)
	}
	return claims, nil
}
