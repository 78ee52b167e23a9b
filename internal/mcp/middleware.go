package mcp

import (
	"context"
	"strings"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/rpggio/activitylog/internal/repository"
	"github.com/rpggio/activitylog/internal/transport"
)

type contextKey int

const actorIDKey contextKey = iota

// getActorID extracts the caller's actor id from context.
func getActorID(ctx context.Context) string {
	v, _ := ctx.Value(actorIDKey).(string)
	return v
}

// actorMiddleware identifies the caller from the bearer token, then the X-Api-Key
// header. Anonymous calls are allowed.
func actorMiddleware(tokens TokenResolver, keys repository.APIKeyRepository, logger *zap.Logger) sdkmcp.Middleware {
	return func(next sdkmcp.MethodHandler) sdkmcp.MethodHandler {
		return func(ctx context.Context, method string, req sdkmcp.Request) (sdkmcp.Result, error) {
			if method == "initialize" || method == "ping" || strings.HasPrefix(method, "notifications/") {
				return next(ctx, method, req)
			}

			extra := safeExtra(req)
			if extra == nil || extra.Header == nil {
				return next(ctx, method, req)
			}

			if tokens != nil {
				if id, err := tokens.FromAuthorization(ctx, extra.Header.Get("Authorization")); err == nil {
					return next(context.WithValue(ctx, actorIDKey, id), method, req)
				}
			}

			if key := strings.TrimSpace(extra.Header.Get(transport.APIKeyHeader)); key != "" && keys != nil {
				principal, err := keys.LookupPrincipal(ctx, transport.HashToken(key))
				if err == nil && principal != "" {
					return next(context.WithValue(ctx, actorIDKey, principal), method, req)
				}
				logger.Debug("ignoring unknown api key", zap.Error(err))
			}

			return next(ctx, method, req)
		}
	}
}

func safeExtra(req sdkmcp.Request) (extra *sdkmcp.RequestExtra) {
	if req == nil {
		return nil
	}
	defer func() {
		if recover() != nil {
			extra = nil
		}
	}()
	return req.GetExtra()
}
