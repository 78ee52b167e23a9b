package attribution

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/sessions"
	"github.com/stretchr/testify/require"
)

const sessionName = "test_session"

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func newStore() *sessions.CookieStore {
	return sessions.NewCookieStore(testSecret)
}

// requestWithSession returns a request carrying a session cookie with values.
func requestWithSession(t *testing.T, store sessions.Store, values map[any]any) *http.Request {
	t.Helper()
	seed := httptest.NewRequest(http.MethodGet, "/", nil)
	sess, err := store.Get(seed, sessionName)
	require.NoError(t, err)
	for k, v := range values {
		sess.Values[k] = v
	}
	rec := httptest.NewRecorder()
	require.NoError(t, sess.Save(seed, rec))

	req := httptest.NewRequest(http.MethodPost, "/api/posts", nil)
	for _, c := range rec.Result().Cookies() {
		req.AddCookie(c)
	}
	return req
}

func signHMAC(t *testing.T, claims jwt.RegisteredClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSecret)
	require.NoError(t, err)
	return token
}

func TestResolve_SessionUserIDFirst(t *testing.T) {
	store := newStore()
	r := New(nil, WithSessionStore(store, sessionName))

	req := requestWithSession(t, store, map[any]any{SessionUserIDKey: "u1", SessionUserKey: map[string]any{"id": "u2"}})
	req = req.WithContext(WithPrincipal(req.Context(), "p1"))

	id, source, err := r.ResolveSource(req)
	require.NoError(t, err)
	require.Equal(t, "u1", id)
	require.Equal(t, SourceSession, source)
}

func TestResolve_PrincipalBeforeNestedUser(t *testing.T) {
	store := newStore()
	r := New(nil, WithSessionStore(store, sessionName))

	req := requestWithSession(t, store, map[any]any{SessionUserKey: map[string]any{"id": "u2"}})
	req = req.WithContext(WithPrincipal(req.Context(), "p1"))

	id, source, err := r.ResolveSource(req)
	require.NoError(t, err)
	require.Equal(t, "p1", id)
	require.Equal(t, SourcePrincipal, source)
}

func TestResolve_NestedSessionUserNumericID(t *testing.T) {
	store := newStore()
	r := New(nil, WithSessionStore(store, sessionName))

	req := requestWithSession(t, store, map[any]any{SessionUserKey: map[string]any{"id": 42}})
	id, source, err := r.ResolveSource(req)
	require.NoError(t, err)
	require.Equal(t, "42", id)
	require.Equal(t, SourceSessionUser, source)
}

func TestResolve_BearerTokenSubject(t *testing.T) {
	r := New(nil, WithTokenVerifier(NewHMACVerifier(testSecret, "")))

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("Authorization", "Bearer "+signHMAC(t, jwt.RegisteredClaims{Subject: "7"}))

	id, source, err := r.ResolveSource(req)
	require.NoError(t, err)
	require.Equal(t, "7", id)
	require.Equal(t, SourceToken, source)
}

func TestResolve_NotFound(t *testing.T) {
	store := newStore()
	r := New(nil, WithSessionStore(store, sessionName), WithTokenVerifier(NewHMACVerifier(testSecret, "")))

	cases := map[string]func(*http.Request){
		"no sources":     func(*http.Request) {},
		"invalid token":  func(req *http.Request) { req.Header.Set("Authorization", "Bearer not-a-jwt") },
		"wrong scheme":   func(req *http.Request) { req.Header.Set("Authorization", "Basic dTpw") },
		"empty bearer":   func(req *http.Request) { req.Header.Set("Authorization", "Bearer ") },
		"garbage cookie": func(req *http.Request) { req.AddCookie(&http.Cookie{Name: sessionName, Value: "%%%"}) },
		"token no subject": func(req *http.Request) {
			req.Header.Set("Authorization", "Bearer "+signHMAC(t, jwt.RegisteredClaims{Issuer: "x"}))
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", nil)
			mutate(req)
			_, err := r.Resolve(req)
			require.ErrorIs(t, err, ErrActorNotFound)
		})
	}

	_, err := r.Resolve(nil)
	require.ErrorIs(t, err, ErrActorNotFound)
}

func TestResolve_UnconfiguredSourcesSkipped(t *testing.T) {
	r := New(nil)
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("Authorization", "Bearer "+signHMAC(t, jwt.RegisteredClaims{Subject: "7"}))

	_, err := r.Resolve(req)
	require.ErrorIs(t, err, ErrActorNotFound)
}

func TestHMACVerifier_Issuer(t *testing.T) {
	v := NewHMACVerifier(testSecret, "activitylog")
	ctx := context.Background()

	sub, err := v.Verify(ctx, signHMAC(t, jwt.RegisteredClaims{Subject: "u1", Issuer: "activitylog"}))
	require.NoError(t, err)
	require.Equal(t, "u1", sub)

	_, err = v.Verify(ctx, signHMAC(t, jwt.RegisteredClaims{Subject: "u1", Issuer: "other"}))
	require.Error(t, err)

	expired := signHMAC(t, jwt.RegisteredClaims{
		Subject:   "u1",
		Issuer:    "activitylog",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	})
	_, err = v.Verify(ctx, expired)
	require.ErrorIs(t, err, jwt.ErrTokenExpired)
}

func TestJWKSVerifier_StaticKeySet(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	jwks, err := json.Marshal(map[string]any{
		"keys": []map[string]any{{
			"kty": "RSA",
			"kid": "test-key",
			"alg": "RS256",
			"use": "sig",
			"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
		}},
	})
	require.NoError(t, err)

	kf, err := keyfunc.NewJWKSetJSON(jwks)
	require.NoError(t, err)
	v := NewJWKSVerifierFromKeyfunc(kf, "")

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.RegisteredClaims{Subject: "u9"})
	token.Header["kid"] = "test-key"
	signed, err := token.SignedString(key)
	require.NoError(t, err)

	sub, err := v.Verify(context.Background(), signed)
	require.NoError(t, err)
	require.Equal(t, "u9", sub)

	_, err = v.Verify(context.Background(), signHMAC(t, jwt.RegisteredClaims{Subject: "u9"}))
	require.Error(t, err)
}

func TestIDString(t *testing.T) {
	for in, want := range map[any]string{
		"abc":        "abc",
		7:            "7",
		int64(8):     "8",
		float64(9):   "9",
		float64(1.5): "1.5",
	} {
		got, ok := idString(in)
		require.True(t, ok)
		require.Equal(t, want, got)
	}
	for _, in := range []any{nil, "", "  ", true, []string{"x"}} {
		_, ok := idString(in)
		require.False(t, ok)
	}
}
