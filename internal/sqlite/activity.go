package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rpggio/activitylog/internal/domain/activity"
)

// ActivityRepository implements activity.Repository for SQLite
type ActivityRepository struct {
	db *DB
}

// NewActivityRepository creates a new ActivityRepository
func NewActivityRepository(db *DB) *ActivityRepository {
	return &ActivityRepository{db: db}
}

// Insert appends a new activity entry and assigns its id and timestamps
func (r *ActivityRepository) Insert(ctx context.Context, entry *activity.Entry) error {
	changes := entry.Changes
	if changes == nil {
		changes = activity.Changes{}
	}
	data, err := json.Marshal(changes)
	if err != nil {
		return fmt.Errorf("failed to encode changes: %w", err)
	}

	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	updatedAt := entry.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = createdAt
	}

	query := `
		INSERT INTO activity_log (
			action, entity_type, record_id, changes, actor_id, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	result, err := r.db.ExecContext(ctx, query,
		string(entry.Action),
		entry.EntityType,
		entry.RecordID,
		string(data),
		entry.ActorID,
		createdAt,
		updatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert activity: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read activity id: %w", err)
	}

	entry.ID = id
	entry.Changes = changes
	entry.CreatedAt = createdAt
	entry.UpdatedAt = updatedAt

	return nil
}

// List returns activity entries matching the given filters
func (r *ActivityRepository) List(ctx context.Context, opts activity.ListOptions) ([]activity.Entry, error) {
	query := `
		SELECT id, action, entity_type, record_id, changes, actor_id, created_at, updated_at
		FROM activity_log
	`

	args := []interface{}{}
	conditions := []string{}

	if opts.EntityType != "" {
		conditions = append(conditions, "entity_type = ?")
		args = append(args, opts.EntityType)
	}
	if opts.RecordID != "" {
		conditions = append(conditions, "record_id = ?")
		args = append(args, opts.RecordID)
	}
	if opts.ActorID != "" {
		conditions = append(conditions, "actor_id = ?")
		args = append(args, opts.ActorID)
	}
	if opts.Action != "" {
		conditions = append(conditions, "action = ?")
		args = append(args, string(opts.Action))
	}

	if len(conditions) > 0 {
		query += " WHERE " + joinConditions(conditions)
	}

	if opts.Sort == activity.SortAsc {
		query += " ORDER BY created_at ASC, id ASC"
	} else {
		query += " ORDER BY created_at DESC, id DESC"
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = -1
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, limit, opts.Skip)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list activity: %w", err)
	}
	defer rows.Close()

	entries := []activity.Entry{}
	for rows.Next() {
		var entry activity.Entry
		var action, changes string
		var actorID sql.NullString
		if err := rows.Scan(
			&entry.ID,
			&action,
			&entry.EntityType,
			&entry.RecordID,
			&changes,
			&actorID,
			&entry.CreatedAt,
			&entry.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan activity entry: %w", err)
		}
		entry.Action = activity.Action(action)
		if err := json.Unmarshal([]byte(changes), &entry.Changes); err != nil {
			return nil, fmt.Errorf("failed to decode changes for activity %d: %w", entry.ID, err)
		}
		if actorID.Valid {
			entry.ActorID = &actorID.String
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating activity rows: %w", err)
	}

	return entries, nil
}
