// Package auth issues and verifies access tokens, reloads the signing key on
// file changes, and gates operations through the group permission bitmasks.
package auth

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/graphkb/graphkb/internal/kberr"
	"github.com/graphkb/graphkb/internal/model"
)

// DefaultTokenTTL is the lifetime of issued tokens.
const DefaultTokenTTL = 8 * time.Hour

// Claims is the token payload: the registered claims plus the user's record
// identifier and name.
type Claims struct {
	jwt.RegisteredClaims
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
}

// TokenManager signs and verifies RS256 tokens. The signing key can be
// swapped at runtime by the key watcher.
type TokenManager struct {
	issuer string
	ttl    time.Duration

	mu  sync.RWMutex
	key *rsa.PrivateKey
}

// NewTokenManager loads the PEM private key from keyFile.
func NewTokenManager(keyFile, issuer string, ttl time.Duration) (*TokenManager, error) {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	m := &TokenManager{issuer: issuer, ttl: ttl}
	if err := m.LoadKey(keyFile); err != nil {
		return nil, err
	}
	return m, nil
}

// LoadKey reads and parses the PEM private key, replacing the active key.
func (m *TokenManager) LoadKey(keyFile string) error {
	data, err := os.ReadFile(keyFile)
	if err != nil {
		return fmt.Errorf("failed to read key file: %w", err)
	}
	key, err := parsePrivateKey(data)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.key = key
	m.mu.Unlock()
	return nil
}

func parsePrivateKey(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("failed to decode PEM block")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("key is not an RSA private key (%T)", parsed)
	}
	return key, nil
}

// Sign issues a token for the user.
func (m *TokenManager) Sign(user *model.User) (string, error) {
	m.mu.RLock()
	key := m.key
	m.mu.RUnlock()

	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    m.issuer,
			Subject:   user.Name,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
		UserID:   user.RID.String(),
		UserName: user.Name,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := token.SignedString(key)
	if err != nil {
		return "", kberr.Wrap(kberr.Authentication, err, "failed to sign token")
	}
	return signed, nil
}

// Verify parses and validates a token, returning its claims.
func (m *TokenManager) Verify(tokenString string) (*Claims, error) {
	m.mu.RLock()
	key := &m.key.PublicKey
	m.mu.RUnlock()

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return key, nil
	}, jwt.WithIssuer(m.issuer), jwt.WithExpirationRequired())
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, kberr.New(kberr.Authentication, "token has expired")
		}
		return nil, kberr.Wrap(kberr.Authentication, err, "invalid token")
	}
	if !token.Valid {
		return nil, kberr.New(kberr.Authentication, "invalid token")
	}
	return claims, nil
}
