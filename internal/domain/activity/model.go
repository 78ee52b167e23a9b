package activity

import "time"

// Action represents the kind of mutation an activity entry describes
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Valid reports whether the action is one of the audited mutation kinds.
func (a Action) Valid() bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete:
		return true
	}
	return false
}

// Snapshot is a point-in-time copy of a record's top-level fields.
type Snapshot map[string]any

// Changes is the structured diff payload stored with an entry.
type Changes map[string]any

// Entry represents a persisted, append-only activity record
type Entry struct {
	ID         int64          `json:"id"`
	Action     Action         `json:"action"`
	EntityType string         `json:"entity_type"`
	RecordID   string         `json:"record_id"`
	Changes    Changes        `json:"changes"`
	ActorID    *string        `json:"actor_id,omitempty"`
	Actor      map[string]any `json:"actor,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}
