// Package app assembles the activity log server from configuration.
package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/gorilla/sessions"
	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/rpggio/activitylog/internal/attribution"
	"github.com/rpggio/activitylog/internal/blueprint"
	"github.com/rpggio/activitylog/internal/config"
	"github.com/rpggio/activitylog/internal/domain/activity"
	"github.com/rpggio/activitylog/internal/interceptor"
	"github.com/rpggio/activitylog/internal/mcp"
	"github.com/rpggio/activitylog/internal/metrics"
	"github.com/rpggio/activitylog/internal/postgres"
	"github.com/rpggio/activitylog/internal/sqlite"
	"github.com/rpggio/activitylog/internal/transport"
)

// Version is reported to MCP clients.
var Version = "dev"

// App holds the assembled server.
type App struct {
	Config      config.Config
	Handler     http.Handler
	Recorder    *activity.Recorder
	Interceptor *interceptor.Interceptor
	Layer       *blueprint.Layer
	Registry    *prometheus.Registry

	db      *sqlite.DB
	apiKeys *sqlite.APIKeyRepository
	pg      *postgres.DB
	logger  *zap.Logger
}

// New opens storage, applies migrations and wires every component.
// Documents and API keys live in SQLite; the activity log follows cfg.DB.Driver.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{Config: cfg, logger: logger}

	if err := ensureDBDir(cfg.DB.Path); err != nil {
		return nil, fmt.Errorf("failed to prepare database path: %w", err)
	}
	db, err := sqlite.New(cfg.DB.Path)
	if err != nil {
		return nil, err
	}
	a.db = db
	if err := db.Migrate(logger.Named("migrate")); err != nil {
		_ = a.Close()
		return nil, err
	}

	var activityRepo activity.Repository = sqlite.NewActivityRepository(db)
	if cfg.DB.Driver == "postgres" {
		if err := postgres.Migrate(cfg.DB.DSN, logger.Named("migrate")); err != nil {
			_ = a.Close()
			return nil, err
		}
		pg, err := postgres.New(ctx, postgres.Config{URL: cfg.DB.DSN})
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		a.pg = pg
		activityRepo = postgres.NewActivityRepository(pg)
	}

	a.Registry = prometheus.NewRegistry()
	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(a.Registry)

	docs := sqlite.NewDocumentRepository(db)
	a.apiKeys = sqlite.NewAPIKeyRepository(db)

	policy := activity.NewPolicy(cfg.Activity.Models)
	a.Recorder = activity.NewRecorder(activityRepo, policy, logger,
		activity.WithActorLookup(docs),
		activity.WithObserver(m))

	store := newSessionStore(cfg.Auth, logger)
	resolverOpts := []attribution.Option{attribution.WithSessionStore(store, cfg.Auth.SessionCookie)}
	verifier, err := newTokenVerifier(ctx, cfg.Auth)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	if verifier != nil {
		resolverOpts = append(resolverOpts, attribution.WithTokenVerifier(verifier))
	}
	resolver := attribution.New(logger, resolverOpts...)

	a.Layer = blueprint.New(docs, cfg.Blueprint.Models, logger)
	if cfg.Activity.InterceptGenericCRUD {
		served := a.Layer.Models()
		for _, model := range policy.Models() {
			if !slices.Contains(served, model) {
				logger.Warn("tracked model is not served by the CRUD layer", zap.String("model", model))
			}
		}
	}
	a.Interceptor = interceptor.New(interceptor.Config{
		Settings:   cfg.Activity,
		Recorder:   a.Recorder,
		Finder:     docs,
		Attributor: resolver,
		Metrics:    m,
		Logger:     logger,
	})
	if err := a.Interceptor.Install(a.Layer); err != nil {
		// Auditing is disabled for the process; the CRUD layer keeps serving.
		logger.Warn("activity auditing disabled", zap.Error(err))
	}

	deps := transport.Deps{
		Logger:      logger,
		Gatherer:    a.Registry,
		Activities:  a.Recorder,
		Actors:      resolver,
		Sessions:    store,
		SessionName: cfg.Auth.SessionCookie,
		CRUD:        a.Layer.Routes(),
	}
	if cfg.Auth.APIKeys {
		deps.APIKeys = a.apiKeys
	}
	if cfg.MCP.Enabled {
		server := mcp.NewServer(mcp.Config{
			Activities: a.Recorder,
			Tokens:     resolver,
			APIKeys:    a.apiKeys,
			Version:    Version,
			Logger:     logger,
		})
		deps.MCP = sdkmcp.NewStreamableHTTPHandler(
			func(*http.Request) *sdkmcp.Server { return server },
			&sdkmcp.StreamableHTTPOptions{SessionTimeout: 30 * time.Minute},
		)
	}
	a.Handler = transport.NewServer(deps)

	logger.Info("activity log ready",
		zap.String("db_driver", cfg.DB.Driver),
		zap.Strings("tracked_models", policy.Models()),
		zap.Strings("blueprint_models", a.Layer.Models()),
		zap.Bool("mcp", cfg.MCP.Enabled))
	return a, nil
}

// CreateAPIKey issues a new key for principalID and returns it. Only its hash is stored.
func (a *App) CreateAPIKey(ctx context.Context, principalID, description string) (string, error) {
	if principalID == "" {
		return "", errors.New("principal id is required")
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate api key: %w", err)
	}
	key := "al_" + hex.EncodeToString(buf)
	if err := a.apiKeys.Create(ctx, transport.HashToken(key), principalID, description); err != nil {
		return "", err
	}
	return key, nil
}

// Drain waits for in-flight background recordings.
func (a *App) Drain(ctx context.Context) error {
	if a.Interceptor == nil {
		return nil
	}
	return a.Interceptor.Dispatcher().Wait(ctx)
}

// Close releases storage.
func (a *App) Close() error {
	if a.pg != nil {
		a.pg.Close()
	}
	if a.db != nil {
		return a.db.Close()
	}
	return nil
}

func newSessionStore(cfg config.AuthConfig, logger *zap.Logger) sessions.Store {
	secret := []byte(cfg.SessionSecret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			panic(fmt.Sprintf("crypto/rand failed: %v", err))
		}
		logger.Warn("no session secret configured; sessions will not survive a restart")
	}
	store := sessions.NewCookieStore(secret)
	store.Options.HttpOnly = true
	store.Options.Secure = cfg.SessionSecure
	store.Options.SameSite = http.SameSiteLaxMode
	return store
}

func newTokenVerifier(ctx context.Context, cfg config.AuthConfig) (attribution.TokenVerifier, error) {
	switch {
	case cfg.TokenSecret != "":
		return attribution.NewHMACVerifier([]byte(cfg.TokenSecret), cfg.TokenIssuer), nil
	case cfg.JWKSURL != "":
		v, err := attribution.NewJWKSVerifier(ctx, cfg.JWKSURL, cfg.TokenIssuer)
		if err != nil {
			return nil, fmt.Errorf("failed to load JWKS: %w", err)
		}
		return v, nil
	}
	return nil, nil
}

func ensureDBDir(path string) error {
	if path == ":memory:" || path == "" {
		return nil
	}
	dir := filepath.Dir(path)
	if dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
