package devauth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestTokenCarriesDeviceIDAsSubject(t *testing.T) {
	src := NewStaticJWTSource("device-123", []byte("test-secret-key-32-bytes-long!!"), time.Minute)
	tok, err := src.Token(context.Background())
	if err != nil {
		t.Fatalf("token: %v", err)
	}

	parsed, err := jwt.ParseWithClaims(tok, &deviceClaims{}, func(tk *jwt.Token) (any, error) {
		return []byte("test-secret-key-32-bytes-long!!"), nil
	})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	claims, ok := parsed.Claims.(*deviceClaims)
	if !ok || claims.Subject != "device-123" {
		t.Fatalf("expected subject device-123, got %+v", parsed.Claims)
	}
}

func TestTokenIsCachedWithinTTL(t *testing.T) {
	src := NewStaticJWTSource("device-123", []byte("test-secret-key-32-bytes-long!!"), time.Minute)
	a, err := src.Token(context.Background())
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	b, err := src.Token(context.Background())
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if a != b {
		t.Fatalf("expected cached token to be reused within TTL")
	}
}
