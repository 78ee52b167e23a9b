package activity

import "context"

// Repository provides persistence operations for activity entries.
type Repository interface {
	Insert(ctx context.Context, entry *Entry) error
	List(ctx context.Context, opts ListOptions) ([]Entry, error)
}

// ActorLookup resolves actor details when listing with IncludeActor.
type ActorLookup interface {
	FindByID(ctx context.Context, entityType, id string) (Snapshot, error)
}
