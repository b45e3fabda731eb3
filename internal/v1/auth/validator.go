// Package auth provides optional bearer-token authentication for connecting
// participants. The engine treats the resulting user id as opaque input to
// the session-collision resolver and host-election machinery; this package's
// only job is turning a token into that id, or refusing to.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

// Claims is the subset of a validated token the engine cares about.
type Claims struct {
	jwt.RegisteredClaims
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
}

// TokenValidator turns a bearer token into claims, or an error.
type TokenValidator interface {
	ValidateToken(tokenString string) (*Claims, error)
}

// Validator validates JWTs against a JWKS endpoint, refreshed on a timer.
type Validator struct {
	keyFunc  jwt.Keyfunc
	issuer   string
	audience string
}

// NewValidator builds a Validator backed by the JWKS document at
// https://domain/.well-known/jwks.json.
func NewValidator(ctx context.Context, domain, audience string, regOpts ...jwk.RegisterOption) (*Validator, error) {
	issuerURL, err := url.Parse("https://" + domain + "/")
	if err != nil {
		return nil, fmt.Errorf("parse issuer url: %w", err)
	}
	jwksURL := issuerURL.JoinPath(".well-known/jwks.json").String()

	cache := jwk.NewCache(ctx)
	opts := append([]jwk.RegisterOption{jwk.WithRefreshInterval(time.Hour)}, regOpts...)
	if err := cache.Register(jwksURL, opts...); err != nil {
		return nil, fmt.Errorf("register jwks cache: %w", err)
	}
	if _, err := cache.Refresh(ctx, jwksURL); err != nil {
		return nil, fmt.Errorf("initial jwks fetch: %w", err)
	}

	keyFunc := func(token *jwt.Token) (any, error) {
		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, errors.New("kid header not found")
		}
		keys, err := cache.Get(ctx, jwksURL)
		if err != nil {
			return nil, fmt.Errorf("fetch jwks: %w", err)
		}
		key, found := keys.LookupKeyID(kid)
		if !found {
			return nil, fmt.Errorf("key %s not found", kid)
		}
		var pubKey any
		if err := key.Raw(&pubKey); err != nil {
			return nil, fmt.Errorf("raw public key: %w", err)
		}
		return pubKey, nil
	}

	return &Validator{keyFunc: keyFunc, issuer: issuerURL.String(), audience: audience}, nil
}

// ValidateToken parses and verifies tokenString against the configured
// issuer, audience, and JWKS.
func (v *Validator) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, v.keyFunc,
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
	)
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("token is invalid")
	}
	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, errors.New("unexpected claims type")
	}
	return claims, nil
}

// NoopValidator accepts every token and derives no identity from it, used
// when AUTH_ENABLED=false so the rest of the engine never branches on
// whether auth is configured.
type NoopValidator struct{}

func (NoopValidator) ValidateToken(tokenString string) (*Claims, error) {
	return &Claims{}, nil
}
