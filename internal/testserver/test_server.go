// Package testserver runs the fully wired activity log behind httptest for
// end-to-end tests.
package testserver

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rpggio/activitylog/internal/app"
	"github.com/rpggio/activitylog/internal/config"
)

// Principal owns the API key every TestServer is created with.
const Principal = "svc-tests"

type TestServer struct {
	Server *httptest.Server
	App    *app.App
	// APIKey authenticates as Principal via X-Api-Key.
	APIKey string
}

// DefaultConfig tracks "post" and serves "post" and "user" over /api.
func DefaultConfig() config.Config {
	return config.Config{
		Server: config.ServerConfig{Host: "127.0.0.1", Port: 8080},
		DB:     config.DBConfig{Driver: "sqlite", Path: ":memory:"},
		Log:    config.LogConfig{Level: "debug", Format: "json"},
		Auth: config.AuthConfig{
			APIKeys:       true,
			TokenSecret:   "test-token-secret",
			SessionSecret: "0123456789abcdef0123456789abcdef",
			SessionCookie: "activitylog_session",
			SessionSecure: false,
		},
		Activity: config.ActivityLoggerConfig{
			Models:               []string{"post"},
			TrackData:            true,
			InterceptGenericCRUD: true,
			ExcludeFields:        []string{"updated_at"},
		},
		Blueprint: config.BlueprintConfig{Models: []string{"post", "user", "comment"}},
		MCP:       config.MCPConfig{Enabled: true},
	}
}

// New starts a server. mutate, if non-nil, adjusts DefaultConfig first.
func New(t *testing.T, mutate func(*config.Config)) *TestServer {
	t.Helper()

	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	require.NoError(t, cfg.Validate())

	ctx := context.Background()
	a, err := app.New(ctx, cfg, nil)
	require.NoError(t, err)

	key, err := a.CreateAPIKey(ctx, Principal, "test key")
	require.NoError(t, err)

	server := httptest.NewServer(a.Handler)
	ts := &TestServer{Server: server, App: a, APIKey: key}

	t.Cleanup(func() {
		server.Close()
		drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Drain(drainCtx)
		_ = a.Close()
	})

	return ts
}

// Settle waits for background activity recordings to finish.
func (ts *TestServer) Settle(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, ts.App.Drain(ctx))
}
