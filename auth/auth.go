// Package auth turns bearer credentials into identities bound to a connection.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/golang-jwt/jwt/v4"
)

var (
	ErrMissingAuthorization = errors.New("missing authorization")
	ErrBadAuthorization     = errors.New("bad authorization")
	ErrInvalidToken         = errors.New("invalid token")
)

const defaultKeyCacheTTL = 15 * time.Minute

// Identity is the authenticated caller bound to a connection's context.
type Identity struct {
	Subject string
	Claims  jwt.MapClaims
}

// Auth validates JWT bearer tokens either against a shared HS256 secret or
// against a JWKS (RS256).
type Auth struct {
	Audience string
	Issuer   string

	jwks   *keyfunc.JWKS
	secret []byte
	parser *jwt.Parser

	keyCache    sync.Map
	keyCacheTTL time.Duration
}

type cachedKey struct {
	key       any
	expiresAt time.Time
}

// NewHS256 validates tokens signed with a shared secret.
func NewHS256(secret []byte, audience, issuer string) *Auth {
	return &Auth{
		Audience: audience,
		Issuer:   issuer,
		secret:   secret,
		parser:   jwt.NewParser(jwt.WithValidMethods([]string{"HS256"})),
	}
}

// NewJWKS validates RS256 tokens against keys from jwks. Resolved keys are
// cached per kid for keyCacheTTL (0 selects the default).
func NewJWKS(jwks *keyfunc.JWKS, audience, issuer string, keyCacheTTL time.Duration) *Auth {
	if keyCacheTTL <= 0 {
		keyCacheTTL = defaultKeyCacheTTL
	}
	return &Auth{
		Audience:    audience,
		Issuer:      issuer,
		jwks:        jwks,
		parser:      jwt.NewParser(jwt.WithValidMethods([]string{"RS256"})),
		keyCacheTTL: keyCacheTTL,
	}
}

// FetchJWKS loads the key set published by an Auth0 tenant.
func FetchJWKS(domain string) (*keyfunc.JWKS, error) {
	url := fmt.Sprintf("https://%s/.well-known/jwks.json", domain)
	return keyfunc.Get(url, keyfunc.Options{
		RefreshInterval:   time.Hour,
		RefreshUnknownKID: true,
	})
}

// IdentityFromHeader validates an Authorization header value ("Bearer <jwt>").
func (a *Auth) IdentityFromHeader(h string) (Identity, error) {
	token, err := BearerToken(h)
	if err != nil {
		return Identity{}, err
	}
	return a.IdentityFromToken(token)
}

// IdentityFromToken validates a raw JWT.
func (a *Auth) IdentityFromToken(token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrMissingAuthorization
	}
	parsed, err := a.parser.Parse(token, a.key)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return Identity{}, fmt.Errorf("%w: invalid claims", ErrInvalidToken)
	}

	now := time.Now().Add(time.Minute).Unix()
	switch {
	case !claims.VerifyExpiresAt(now, true):
		return Identity{}, fmt.Errorf("%w: token expired", ErrInvalidToken)
	case !claims.VerifyNotBefore(now, false):
		return Identity{}, fmt.Errorf("%w: token not valid yet", ErrInvalidToken)
	case a.Audience != "" && !claims.VerifyAudience(a.Audience, true):
		return Identity{}, fmt.Errorf("%w: invalid audience", ErrInvalidToken)
	case a.Issuer != "" && !claims.VerifyIssuer(a.Issuer, true):
		return Identity{}, fmt.Errorf("%w: invalid issuer", ErrInvalidToken)
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return Identity{}, fmt.Errorf("%w: missing sub", ErrInvalidToken)
	}
	return Identity{Subject: sub, Claims: claims}, nil
}

func (a *Auth) key(t *jwt.Token) (any, error) {
	if a.secret != nil {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("invalid signing method")
		}
		return a.secret, nil
	}
	if a.jwks == nil {
		return nil, errors.New("jwks not configured")
	}

	kid, _ := t.Header["kid"].(string)
	if kid != "" {
		if cached, ok := a.keyCache.Load(kid); ok {
			entry := cached.(cachedKey)
			if time.Now().Before(entry.expiresAt) {
				return entry.key, nil
			}
			a.keyCache.Delete(kid)
		}
	}
	key, err := a.jwks.Keyfunc(t)
	if err != nil {
		return nil, err
	}
	if kid != "" {
		a.keyCache.Store(kid, cachedKey{key: key, expiresAt: time.Now().Add(a.keyCacheTTL)})
	}
	return key, nil
}

// BearerToken extracts the JWT from an Authorization value. The "Bearer"
// scheme is optional so that connection_init payloads may carry a bare token.
func BearerToken(h string) (string, error) {
	h = strings.TrimSpace(h)
	if h == "" {
		return "", ErrMissingAuthorization
	}
	if scheme, rest, ok := strings.Cut(h, " "); ok {
		if !strings.EqualFold(scheme, "Bearer") {
			return "", ErrBadAuthorization
		}
		h = strings.TrimSpace(rest)
	}
	if strings.Count(h, ".") != 2 {
		return "", ErrBadAuthorization
	}
	return h, nil
}

type ctxKey struct{}

// WithIdentity binds id to ctx.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the identity bound to ctx.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(Identity)
	return id, ok
}
