package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/rpggio/activitylog/internal/domain/activity"
)

// ListActivitiesArgs are the list_activities tool arguments.
type ListActivitiesArgs struct {
	EntityType string `json:"entity_type,omitempty" jsonschema:"only entries for this entity type"`
	RecordID   string `json:"record_id,omitempty" jsonschema:"only entries for this record id"`
	ActorID    string `json:"actor_id,omitempty" jsonschema:"only entries made by this user"`
	Action     string `json:"action,omitempty" jsonschema:"create, update or delete"`
	Limit      int    `json:"limit,omitempty" jsonschema:"page size, default 30"`
	Skip       int    `json:"skip,omitempty" jsonschema:"entries to skip"`
	Sort       string `json:"sort,omitempty" jsonschema:"desc (newest first, default) or asc"`
	Populate   bool   `json:"populate,omitempty" jsonschema:"include actor details"`
}

// ListActivitiesResult is the list_activities tool output.
type ListActivitiesResult struct {
	Activities []activity.Entry `json:"activities"`
}

// RecordActivityArgs are the record_activity tool arguments.
type RecordActivityArgs struct {
	Action     string         `json:"action" jsonschema:"create, update or delete"`
	EntityType string         `json:"entity_type" jsonschema:"entity type of the mutated record"`
	RecordID   string         `json:"record_id" jsonschema:"id of the mutated record"`
	Changes    map[string]any `json:"changes,omitempty" jsonschema:"change payload, e.g. {before, after}"`
	ActorID    string         `json:"actor_id,omitempty" jsonschema:"acting user; defaults to the caller"`
}

// RecordActivityResult is the record_activity tool output.
type RecordActivityResult struct {
	Tracked  bool            `json:"tracked"`
	Recorded bool            `json:"recorded"`
	Entry    *activity.Entry `json:"entry,omitempty"`
}

func registerTools(server *sdkmcp.Server, activities ActivityService, logger *zap.Logger) {
	if activities == nil {
		logger.Warn("activity service unavailable; no MCP tools registered")
		return
	}
	h := &toolHandlers{activities: activities, logger: logger}

	sdkmcp.AddTool(server, &sdkmcp.Tool{
		Name:        "list_activities",
		Description: "List recorded activity entries, filtered by entity type, record, actor or action",
	}, h.listActivities)

	sdkmcp.AddTool(server, &sdkmcp.Tool{
		Name:        "record_activity",
		Description: "Record a mutation made outside the generic CRUD API",
	}, h.recordActivity)
}

type toolHandlers struct {
	activities ActivityService
	logger     *zap.Logger
}

func (h *toolHandlers) listActivities(ctx context.Context, _ *sdkmcp.CallToolRequest, args ListActivitiesArgs) (*sdkmcp.CallToolResult, any, error) {
	entries, err := h.activities.Latest(ctx, activity.ListOptions{
		EntityType:   args.EntityType,
		RecordID:     args.RecordID,
		ActorID:      args.ActorID,
		Action:       activity.Action(args.Action),
		Limit:        args.Limit,
		Skip:         args.Skip,
		Sort:         activity.SortDirection(args.Sort),
		IncludeActor: args.Populate,
	})
	if err != nil {
		return nil, nil, toolError(err)
	}
	return jsonResult(ListActivitiesResult{Activities: entries})
}

func (h *toolHandlers) recordActivity(ctx context.Context, _ *sdkmcp.CallToolRequest, args RecordActivityArgs) (*sdkmcp.CallToolResult, any, error) {
	actorID := strings.TrimSpace(args.ActorID)
	if actorID == "" {
		actorID = getActorID(ctx)
	}

	out, err := h.activities.Record(ctx, activity.RecordRequest{
		Action:     activity.Action(args.Action),
		EntityType: args.EntityType,
		RecordID:   args.RecordID,
		Changes:    args.Changes,
		ActorID:    actorID,
	})
	if err != nil {
		return nil, nil, toolError(err)
	}
	if out.Status == activity.StatusFailed {
		h.logger.Warn("record_activity accepted but not stored",
			zap.String("entity_type", args.EntityType),
			zap.String("record_id", args.RecordID))
	}

	return jsonResult(RecordActivityResult{
		Tracked:  out.Tracked(),
		Recorded: out.Status == activity.StatusRecorded,
		Entry:    out.Entry,
	})
}

// jsonResult renders v as the tool's text content.
func jsonResult(v any) (*sdkmcp.CallToolResult, any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode result: %w", err)
	}
	return &sdkmcp.CallToolResult{
		Content: []sdkmcp.Content{&sdkmcp.TextContent{Text: string(data)}},
	}, nil, nil
}
