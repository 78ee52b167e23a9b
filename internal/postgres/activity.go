package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/rpggio/activitylog/internal/domain/activity"
)

// ActivityRepository implements activity.Repository for PostgreSQL.
type ActivityRepository struct {
	db *DB
}

// NewActivityRepository creates a new ActivityRepository.
func NewActivityRepository(db *DB) *ActivityRepository {
	return &ActivityRepository{db: db}
}

// Insert appends an entry and assigns its id and timestamps.
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

	err = r.db.QueryRow(ctx, `
		INSERT INTO activity_log (action, entity_type, record_id, changes, actor_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at
	`, string(entry.Action), entry.EntityType, entry.RecordID, data, entry.ActorID, createdAt, updatedAt,
	).Scan(&entry.ID, &entry.CreatedAt, &entry.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert activity: %w", err)
	}
	entry.Changes = changes
	return nil
}

// List returns entries matching opts.
func (r *ActivityRepository) List(ctx context.Context, opts activity.ListOptions) ([]activity.Entry, error) {
	var (
		conditions []string
		args       []any
	)
	add := func(column string, value any) {
		args = append(args, value)
		conditions = append(conditions, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if opts.EntityType != "" {
		add("entity_type", opts.EntityType)
	}
	if opts.RecordID != "" {
		add("record_id", opts.RecordID)
	}
	if opts.ActorID != "" {
		add("actor_id", opts.ActorID)
	}
	if opts.Action != "" {
		add("action", string(opts.Action))
	}

	query := `SELECT id, action, entity_type, record_id, changes, actor_id, created_at, updated_at FROM activity_log`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	if opts.Sort == activity.SortAsc {
		query += " ORDER BY created_at ASC, id ASC"
	} else {
		query += " ORDER BY created_at DESC, id DESC"
	}
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if opts.Skip > 0 {
		args = append(args, opts.Skip)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list activity: %w", err)
	}
	defer rows.Close()

	entries := []activity.Entry{}
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating activity rows: %w", err)
	}
	return entries, nil
}

func scanEntry(row pgx.Row) (activity.Entry, error) {
	var (
		entry   activity.Entry
		action  string
		changes []byte
	)
	if err := row.Scan(
		&entry.ID,
		&action,
		&entry.EntityType,
		&entry.RecordID,
		&changes,
		&entry.ActorID,
		&entry.CreatedAt,
		&entry.UpdatedAt,
	); err != nil {
		return activity.Entry{}, fmt.Errorf("failed to scan activity entry: %w", err)
	}
	entry.Action = activity.Action(action)
	if err := json.Unmarshal(changes, &entry.Changes); err != nil {
		return activity.Entry{}, fmt.Errorf("failed to decode changes for activity %d: %w", entry.ID, err)
	}
	return entry, nil
}
