package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/golang-jwt/jwt/v4"
)

func claims(sub string, exp time.Duration) jwt.MapClaims {
	return jwt.MapClaims{
		"sub": sub,
		"aud": "api://aud",
		"iss": "https://issuer/",
		"exp": time.Now().Add(exp).Unix(),
		"nbf": time.Now().Add(-time.Minute).Unix(),
		"iat": time.Now().Add(-time.Minute).Unix(),
	}
}

func signHS256(t *testing.T, secret string, c jwt.MapClaims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func TestIdentityFromHeaderHS256(t *testing.T) {
	a := NewHS256([]byte("test-secret"), "api://aud", "https://issuer/")
	token := signHS256(t, "test-secret", claims("user-123", 5*time.Minute))

	id, err := a.IdentityFromHeader("Bearer " + token)
	if err != nil {
		t.Fatalf("unexpected error verifying token: %v", err)
	}
	if id.Subject != "user-123" {
		t.Fatalf("unexpected subject: %s", id.Subject)
	}
	if id.Claims["aud"] != "api://aud" {
		t.Fatalf("claims not kept: %v", id.Claims)
	}
}

func TestIdentityFromTokenRejects(t *testing.T) {
	a := NewHS256([]byte("test-secret"), "api://aud", "https://issuer/")

	noSub := claims("", 5*time.Minute)
	wrongAud := claims("u", 5*time.Minute)
	wrongAud["aud"] = "api://other"

	cases := map[string]string{
		"expired":      signHS256(t, "test-secret", claims("u", -5*time.Minute)),
		"wrong secret": signHS256(t, "other-secret", claims("u", 5*time.Minute)),
		"audience":     signHS256(t, "test-secret", wrongAud),
		"missing sub":  signHS256(t, "test-secret", noSub),
		"garbage":      "a.b.c",
	}
	for name, token := range cases {
		if _, err := a.IdentityFromToken(token); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("%s: expected ErrInvalidToken, got %v", name, err)
		}
	}
	if _, err := a.IdentityFromToken(""); !errors.Is(err, ErrMissingAuthorization) {
		t.Fatalf("expected ErrMissingAuthorization, got %v", err)
	}
}

func TestHS256RejectsRS256Token(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims("u", time.Minute)).SignedString(key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	a := NewHS256([]byte("test-secret"), "", "")
	if _, err := a.IdentityFromToken(signed); err == nil {
		t.Fatalf("expected RS256 token to be rejected")
	}
}

func TestIdentityFromTokenJWKS(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	enc := base64.RawURLEncoding
	raw := fmt.Sprintf(`{"keys":[{"kty":"RSA","kid":"k1","alg":"RS256","use":"sig","n":%q,"e":%q}]}`,
		enc.EncodeToString(key.PublicKey.N.Bytes()),
		enc.EncodeToString(big.NewInt(int64(key.PublicKey.E)).Bytes()))
	jwks, err := keyfunc.NewJSON([]byte(raw))
	if err != nil {
		t.Fatalf("jwks: %v", err)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims("user-9", 5*time.Minute))
	token.Header["kid"] = "k1"
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	a := NewJWKS(jwks, "api://aud", "https://issuer/", 0)
	for i := 0; i < 2; i++ {
		id, err := a.IdentityFromToken(signed)
		if err != nil {
			t.Fatalf("verify %d: %v", i, err)
		}
		if id.Subject != "user-9" {
			t.Fatalf("unexpected subject %s", id.Subject)
		}
	}
	if _, ok := a.keyCache.Load("k1"); !ok {
		t.Fatalf("expected key to be cached")
	}
}

func TestBearerToken(t *testing.T) {
	if tok, err := BearerToken("  Bearer header.payload.signature "); err != nil || tok != "header.payload.signature" {
		t.Fatalf("unexpected result %q %v", tok, err)
	}
	if tok, err := BearerToken("header.payload.signature"); err != nil || tok != "header.payload.signature" {
		t.Fatalf("bare token: %q %v", tok, err)
	}
	if _, err := BearerToken(""); !errors.Is(err, ErrMissingAuthorization) {
		t.Fatalf("expected missing authorization, got %v", err)
	}
	if _, err := BearerToken("Basic a.b.c"); !errors.Is(err, ErrBadAuthorization) {
		t.Fatalf("expected bad authorization for basic scheme, got %v", err)
	}
	if _, err := BearerToken("Bearer " + strings.Repeat(".", 1000)); !errors.Is(err, ErrBadAuthorization) {
		t.Fatalf("expected bad authorization, got %v", err)
	}
}

func TestIdentityContext(t *testing.T) {
	if _, ok := FromContext(context.Background()); ok {
		t.Fatalf("unexpected identity")
	}
	ctx := WithIdentity(context.Background(), Identity{Subject: "u"})
	id, ok := FromContext(ctx)
	if !ok || id.Subject != "u" {
		t.Fatalf("identity not found: %+v", id)
	}
}
