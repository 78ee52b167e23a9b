package attribution

import (
	"context"
	"encoding/gob"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/sessions"
	"go.uber.org/zap"
)

// ErrActorNotFound means no attribution source produced an actor id.
var ErrActorNotFound = errors.New("actor not found")

// Session value keys.
const (
	SessionUserIDKey = "userId"
	SessionUserKey   = "user"
)

// Source names where an actor id came from.
type Source string

const (
	SourceSession     Source = "session"
	SourcePrincipal   Source = "principal"
	SourceSessionUser Source = "session_user"
	SourceToken       Source = "token"
	SourceNone        Source = "none"
)

func init() {
	// Nested session users are stored as generic maps.
	gob.Register(map[string]any{})
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithSessionStore enables session-based attribution from the named cookie session.
func WithSessionStore(store sessions.Store, name string) Option {
	return func(r *Resolver) {
		r.sessions = store
		r.sessionName = name
	}
}

// WithTokenVerifier enables bearer token attribution.
func WithTokenVerifier(v TokenVerifier) Option {
	return func(r *Resolver) { r.verifier = v }
}

// Resolver derives the acting user's id from an HTTP request.
type Resolver struct {
	sessions    sessions.Store
	sessionName string
	verifier    TokenVerifier
	logger      *zap.Logger
}

// New creates a resolver. Sources that are not configured are skipped.
func New(logger *zap.Logger, opts ...Option) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Resolver{logger: logger.Named("attribution")}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the actor id or ErrActorNotFound.
func (r *Resolver) Resolve(req *http.Request) (string, error) {
	id, _, err := r.ResolveSource(req)
	return id, err
}

// ResolveSource is Resolve that also reports which source matched.
// Sources are tried in order: session userId, context principal, session user.id,
// bearer token subject.
func (r *Resolver) ResolveSource(req *http.Request) (string, Source, error) {
	if req == nil {
		return "", SourceNone, ErrActorNotFound
	}

	session := r.session(req)
	if session != nil {
		if id, ok := idString(session.Values[SessionUserIDKey]); ok {
			return id, SourceSession, nil
		}
	}

	if id, ok := PrincipalFromContext(req.Context()); ok {
		return id, SourcePrincipal, nil
	}

	if session != nil {
		if id, ok := nestedUserID(session.Values[SessionUserKey]); ok {
			return id, SourceSessionUser, nil
		}
	}

	if id, err := r.FromAuthorization(req.Context(), req.Header.Get("Authorization")); err == nil {
		return id, SourceToken, nil
	}

	return "", SourceNone, ErrActorNotFound
}

// FromAuthorization resolves an Authorization header value through the token verifier.
func (r *Resolver) FromAuthorization(ctx context.Context, header string) (string, error) {
	if r.verifier == nil || header == "" {
		return "", ErrActorNotFound
	}
	token, ok := bearerToken(header)
	if !ok {
		return "", ErrActorNotFound
	}
	sub, err := r.verifier.Verify(ctx, token)
	if err != nil {
		r.logger.Debug("failed to extract actor from token", zap.Error(err))
		return "", ErrActorNotFound
	}
	return sub, nil
}

func (r *Resolver) session(req *http.Request) *sessions.Session {
	if r.sessions == nil {
		return nil
	}
	session, err := r.sessions.Get(req, r.sessionName)
	if err != nil {
		r.logger.Debug("failed to decode session", zap.Error(err))
		return nil
	}
	return session
}

func bearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func nestedUserID(v any) (string, bool) {
	switch user := v.(type) {
	case map[string]any:
		return idString(user["id"])
	case map[any]any:
		return idString(user["id"])
	}
	return "", false
}

// idString formats string and numeric ids; anything else is not an id.
func idString(v any) (string, bool) {
	switch id := v.(type) {
	case string:
		id = strings.TrimSpace(id)
		return id, id != ""
	case int:
		return strconv.Itoa(id), true
	case int32:
		return strconv.FormatInt(int64(id), 10), true
	case int64:
		return strconv.FormatInt(id, 10), true
	case uint:
		return strconv.FormatUint(uint64(id), 10), true
	case uint64:
		return strconv.FormatUint(id, 10), true
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64), true
	case json.Number:
		return id.String(), id != ""
	}
	return "", false
}
