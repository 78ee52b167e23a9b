package attribution

import (
	"context"
	"errors"
	"fmt"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// TokenVerifier validates a bearer token and returns its subject.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (string, error)
}

// ErrNoSubject is returned for valid tokens without a "sub" claim.
var ErrNoSubject = errors.New("token has no subject")

// HMACVerifier verifies HS256/384/512 tokens signed with a shared secret.
type HMACVerifier struct {
	secret []byte
	issuer string
}

// NewHMACVerifier creates a verifier. An empty issuer disables the issuer check.
func NewHMACVerifier(secret []byte, issuer string) *HMACVerifier {
	return &HMACVerifier{secret: secret, issuer: issuer}
}

func (v *HMACVerifier) Verify(_ context.Context, token string) (string, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return "", fmt.Errorf("token validation failed: %w", err)
	}
	return subject(parsed)
}

// JWKSVerifier verifies tokens against keys from a JSON Web Key Set.
type JWKSVerifier struct {
	keys   keyfunc.Keyfunc
	issuer string
}

// NewJWKSVerifier fetches the key set at url and keeps it refreshed until ctx is done.
func NewJWKSVerifier(ctx context.Context, url, issuer string) (*JWKSVerifier, error) {
	keys, err := keyfunc.NewDefaultCtx(ctx, []string{url})
	if err != nil {
		return nil, fmt.Errorf("failed to create JWKS client for %s: %w", url, err)
	}
	return NewJWKSVerifierFromKeyfunc(keys, issuer), nil
}

// NewJWKSVerifierFromKeyfunc wraps an existing keyfunc, e.g. one built from static JSON.
func NewJWKSVerifierFromKeyfunc(keys keyfunc.Keyfunc, issuer string) *JWKSVerifier {
	return &JWKSVerifier{keys: keys, issuer: issuer}
}

func (v *JWKSVerifier) Verify(ctx context.Context, token string) (string, error) {
	var opts []jwt.ParserOption
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, v.keys.KeyfuncCtx(ctx), opts...)
	if err != nil {
		return "", fmt.Errorf("token validation failed: %w", err)
	}
	return subject(parsed)
}

func subject(token *jwt.Token) (string, error) {
	sub, err := token.Claims.GetSubject()
	if err != nil {
		return "", err
	}
	if sub == "" {
		return "", ErrNoSubject
	}
	return sub, nil
}
