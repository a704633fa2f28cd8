package server

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned for missing, malformed, or forged bearer
// tokens.
var ErrInvalidToken = errors.New("invalid token")

// TokenService mints and verifies the server's bearer API token. The
// signing secret lives only in process memory; the minted token is written
// to the token file after a successful bind so local clients can pick it
// up.
type TokenService struct {
	secret []byte
}

// NewTokenService generates a fresh random signing secret.
func NewTokenService() (*TokenService, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate token secret: %w", err)
	}
	return &TokenService{secret: secret}, nil
}

type serverClaims struct {
	jwt.RegisteredClaims
}

// Mint issues the server API token.
func (s *TokenService) Mint() (string, error) {
	claims := serverClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  "nexus3",
			IssuedAt: jwt.NewNumericDate(time.Now()),
			ID:       hex.EncodeToString(s.secret[:8]),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Verify checks a presented bearer token.
func (s *TokenService) Verify(token string) error {
	parsed, err := jwt.ParseWithClaims(token, &serverClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil || !parsed.Valid {
		return ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*serverClaims)
	if !ok || claims.Subject != "nexus3" {
		return ErrInvalidToken
	}
	return nil
}
