package store

import (
	"strings"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

func TestJWTSessionRoundTrip(t *testing.T) {
	s, err := NewJWTSessionStore("test-secret", JWTOptions{})
	if err != nil {
		t.Fatalf("new session store: %v", err)
	}
	token, err := s.NewSession("user-1")
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	uid, ok, err := s.GetUserIDByToken(token)
	if err != nil || !ok {
		t.Fatalf("token validation failed: ok=%v err=%v", ok, err)
	}
	if uid != "user-1" {
		t.Fatalf("expected subject user-1, got %q", uid)
	}
}

func TestJWTSessionRejectsWrongSecret(t *testing.T) {
	issuer, err := NewJWTSessionStore("secret-a", JWTOptions{})
	if err != nil {
		t.Fatalf("new session store: %v", err)
	}
	verifier, err := NewJWTSessionStore("secret-b", JWTOptions{})
	if err != nil {
		t.Fatalf("new session store: %v", err)
	}
	token, err := issuer.NewSession("user-1")
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if _, ok, _ := verifier.GetUserIDByToken(token); ok {
		t.Fatal("token signed with a different secret must not validate")
	}
}

func TestJWTSessionRejectsExpiredToken(t *testing.T) {
	s, err := NewJWTSessionStore("test-secret", JWTOptions{Leeway: time.Millisecond})
	if err != nil {
		t.Fatalf("new session store: %v", err)
	}
	past := time.Now().Add(-time.Hour)
	claims := jwt.RegisteredClaims{
		Subject:   "user-1",
		Issuer:    defaultJWTIssuer,
		Audience:  jwt.ClaimStrings{defaultJWTAudience},
		ExpiresAt: jwt.NewNumericDate(past),
		IssuedAt:  jwt.NewNumericDate(past.Add(-time.Minute)),
		NotBefore: jwt.NewNumericDate(past.Add(-time.Minute)),
		ID:        "expired-1",
	}
	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign expired token: %v", err)
	}
	if _, ok, _ := s.GetUserIDByToken(expired); ok {
		t.Fatal("expired token must not validate")
	}
}

func TestJWTSessionRejectsGarbage(t *testing.T) {
	s, err := NewJWTSessionStore("test-secret", JWTOptions{})
	if err != nil {
		t.Fatalf("new session store: %v", err)
	}
	for _, token := range []string{"", "   ", "not.a.jwt", strings.Repeat("x", 512)} {
		if _, ok, _ := s.GetUserIDByToken(token); ok {
			t.Fatalf("token %q must not validate", token)
		}
	}
}

func TestJWTSessionTokenCarriesWeekLongExpiry(t *testing.T) {
	s, err := NewJWTSessionStore("test-secret", JWTOptions{})
	if err != nil {
		t.Fatalf("new session store: %v", err)
	}
	token, err := s.NewSession("user-1")
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	claims := jwt.RegisteredClaims{}
	if _, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return []byte("test-secret"), nil
	}); err != nil {
		t.Fatalf("parse token: %v", err)
	}
	ttl := time.Until(claims.ExpiresAt.Time)
	if ttl < 6*24*time.Hour || ttl > 8*24*time.Hour {
		t.Fatalf("expected roughly 7d validity, got %v", ttl)
	}
}
