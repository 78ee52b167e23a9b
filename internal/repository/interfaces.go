package repository

import (
	"context"

	"github.com/rpggio/activitylog/internal/domain/activity"
)

// DocumentStore persists schemaless records grouped by entity type.
// Stored snapshots always carry "id", "created_at" and "updated_at".
type DocumentStore interface {
	// Insert stores doc, assigning an id when doc has none.
	Insert(ctx context.Context, entityType string, doc activity.Snapshot) (activity.Snapshot, error)
	FindByID(ctx context.Context, entityType, id string) (activity.Snapshot, error)
	// Update shallow-merges patch into the stored record.
	Update(ctx context.Context, entityType, id string, patch activity.Snapshot) (activity.Snapshot, error)
	// Replace overwrites all caller-owned fields.
	Replace(ctx context.Context, entityType, id string, doc activity.Snapshot) (activity.Snapshot, error)
	Delete(ctx context.Context, entityType, id string) error
	List(ctx context.Context, entityType string, opts ListDocumentsOptions) ([]activity.Snapshot, error)
}

// ListDocumentsOptions provides paging for DocumentStore.List
type ListDocumentsOptions struct {
	Limit  int
	Offset int
}

// APIKeyRepository resolves hashed API keys to principal ids
type APIKeyRepository interface {
	LookupPrincipal(ctx context.Context, keyHash string) (string, error)
}
