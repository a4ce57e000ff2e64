// Package devauth implements the device-identity TokenSource consumed by
// the object-store client (spec.md §6's named external collaborator for
// credential/device-registration concerns). Adapted from the teacher's
// internal/auth/jwt.go token-issuance shape; real device registration
// (obtaining the HMAC secret in the first place) remains out of scope.
package devauth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// deviceClaims holds the JWT claims identifying a backup device.
// DeviceID is stored in the standard "sub" (Subject) claim.
type deviceClaims struct {
	jwt.RegisteredClaims
}

// StaticJWTSource mints short-lived HS256 bearer tokens identifying a
// single device, re-signing a fresh token whenever the cached one is
// within refreshMargin of expiry.
type StaticJWTSource struct {
	deviceID string
	secret   []byte
	ttl      time.Duration

	refreshMargin time.Duration

	mu           sync.Mutex
	cached       string
	cachedExpiry time.Time
}

// NewStaticJWTSource creates a TokenSource for deviceID, signing with the
// given HMAC secret, with tokens living for ttl (15 minutes when ttl <= 0).
func NewStaticJWTSource(deviceID string, secret []byte, ttl time.Duration) *StaticJWTSource {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &StaticJWTSource{
		deviceID:      deviceID,
		secret:        secret,
		ttl:           ttl,
		refreshMargin: ttl / 5,
	}
}

// Token returns a valid bearer token, minting a new one if the cached
// token has expired or is about to. Safe for concurrent use by the
// multiple upload workers the engine runs (spec.md §4.4).
func (s *StaticJWTSource) Token(_ context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if s.cached != "" && now.Before(s.cachedExpiry.Add(-s.refreshMargin)) {
		return s.cached, nil
	}

	expiresAt := now.Add(s.ttl)
	claims := deviceClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   s.deviceID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign device token: %w", err)
	}

	s.cached = signed
	s.cachedExpiry = expiresAt
	return signed, nil
}
