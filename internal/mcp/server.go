// Package mcp exposes the activity log as MCP tools.
package mcp

import (
	"context"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/rpggio/activitylog/internal/domain/activity"
	"github.com/rpggio/activitylog/internal/repository"
)

const serverInstructions = `This server reads and writes an append-only audit trail of record mutations.
Use list_activities to see who changed what, newest first by default.
Use record_activity to log a mutation that happened outside the generic CRUD API.`

// ActivityService defines activity operations needed by MCP.
type ActivityService interface {
	Record(ctx context.Context, req activity.RecordRequest) (activity.Outcome, error)
	Latest(ctx context.Context, opts activity.ListOptions) ([]activity.Entry, error)
}

// TokenResolver maps an Authorization header to an actor id.
type TokenResolver interface {
	FromAuthorization(ctx context.Context, header string) (string, error)
}

// Config contains server configuration.
type Config struct {
	Activities ActivityService
	Tokens     TokenResolver
	APIKeys    repository.APIKeyRepository
	Version    string
	Logger     *zap.Logger
}

// NewServer creates and configures an MCP server with all tools and middleware.
func NewServer(cfg Config) *sdkmcp.Server {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("mcp")

	version := cfg.Version
	if version == "" {
		version = "dev"
	}

	server := sdkmcp.NewServer(&sdkmcp.Implementation{
		Name:    "activitylog",
		Version: version,
	}, &sdkmcp.ServerOptions{
		Instructions: serverInstructions,
	})

	server.AddReceivingMiddleware(actorMiddleware(cfg.Tokens, cfg.APIKeys, logger))
	server.AddReceivingMiddleware(trafficLoggingMiddleware(logger, "inbound"))
	server.AddSendingMiddleware(trafficLoggingMiddleware(logger, "outbound"))

	registerTools(server, cfg.Activities, logger)

	return server
}
