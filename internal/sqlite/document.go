package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rpggio/activitylog/internal/domain/activity"
	"github.com/rpggio/activitylog/internal/repository"
)

// Fixed-width RFC 3339 so stored timestamps sort lexically.
const timestampFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Fields maintained by the store; callers cannot overwrite them.
const (
	FieldID        = "id"
	FieldCreatedAt = "created_at"
	FieldUpdatedAt = "updated_at"
)

// DocumentRepository implements repository.DocumentStore for SQLite
type DocumentRepository struct {
	db  *DB
	now func() time.Time
}

// NewDocumentRepository creates a new DocumentRepository
func NewDocumentRepository(db *DB) *DocumentRepository {
	return &DocumentRepository{db: db, now: time.Now}
}

// Insert stores a new document. A string or numeric "id" in doc is kept, otherwise a
// UUID is assigned.
func (r *DocumentRepository) Insert(ctx context.Context, entityType string, doc activity.Snapshot) (activity.Snapshot, error) {
	if entityType == "" {
		return nil, fmt.Errorf("%w: entity type is required", repository.ErrInvalidInput)
	}
	id, err := documentID(doc[FieldID])
	if err != nil {
		return nil, err
	}
	if id == "" {
		id = uuid.NewString()
	}

	data, err := encodeDocument(doc)
	if err != nil {
		return nil, err
	}
	now := r.now().UTC().Format(timestampFormat)

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO documents (entity_type, id, data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`, entityType, id, data, now, now)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%s %s: %w", entityType, id, repository.ErrConflict)
		}
		return nil, fmt.Errorf("failed to insert %s: %w", entityType, err)
	}

	return r.FindByID(ctx, entityType, id)
}

// FindByID returns the stored snapshot or repository.ErrNotFound
func (r *DocumentRepository) FindByID(ctx context.Context, entityType, id string) (activity.Snapshot, error) {
	return findDocument(ctx, r.db.DB, entityType, id)
}

// Update shallow-merges patch into the stored document
func (r *DocumentRepository) Update(ctx context.Context, entityType, id string, patch activity.Snapshot) (activity.Snapshot, error) {
	return r.write(ctx, entityType, id, func(current activity.Snapshot) activity.Snapshot {
		for k, v := range patch {
			current[k] = v
		}
		return current
	})
}

// Replace overwrites every caller-owned field of the stored document
func (r *DocumentRepository) Replace(ctx context.Context, entityType, id string, doc activity.Snapshot) (activity.Snapshot, error) {
	return r.write(ctx, entityType, id, func(activity.Snapshot) activity.Snapshot {
		return doc
	})
}

func (r *DocumentRepository) write(ctx context.Context, entityType, id string, apply func(activity.Snapshot) activity.Snapshot) (activity.Snapshot, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	current, err := findDocument(ctx, tx, entityType, id)
	if err != nil {
		return nil, err
	}

	data, err := encodeDocument(apply(current))
	if err != nil {
		return nil, err
	}
	now := r.now().UTC().Format(timestampFormat)

	if _, err := tx.ExecContext(ctx, `
		UPDATE documents SET data = ?, updated_at = ?
		WHERE entity_type = ? AND id = ?
	`, data, now, entityType, id); err != nil {
		return nil, fmt.Errorf("failed to update %s %s: %w", entityType, id, err)
	}

	updated, err := findDocument(ctx, tx, entityType, id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit update: %w", err)
	}
	return updated, nil
}

// Delete removes a document or returns repository.ErrNotFound
func (r *DocumentRepository) Delete(ctx context.Context, entityType, id string) error {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM documents WHERE entity_type = ? AND id = ?`, entityType, id)
	if err != nil {
		return fmt.Errorf("failed to delete %s %s: %w", entityType, id, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%s %s: %w", entityType, id, repository.ErrNotFound)
	}
	return nil
}

// List returns documents of one entity type in creation order
func (r *DocumentRepository) List(ctx context.Context, entityType string, opts repository.ListDocumentsOptions) ([]activity.Snapshot, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = -1
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, data, created_at, updated_at
		FROM documents
		WHERE entity_type = ?
		ORDER BY created_at ASC, id ASC
		LIMIT ? OFFSET ?
	`, entityType, limit, opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", entityType, err)
	}
	defer rows.Close()

	docs := []activity.Snapshot{}
	for rows.Next() {
		var id, data, createdAt, updatedAt string
		if err := rows.Scan(&id, &data, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", entityType, err)
		}
		doc, err := decodeDocument(id, data, createdAt, updatedAt)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating %s rows: %w", entityType, err)
	}
	return docs, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func findDocument(ctx context.Context, q queryer, entityType, id string) (activity.Snapshot, error) {
	var data, createdAt, updatedAt string
	err := q.QueryRowContext(ctx, `
		SELECT data, created_at, updated_at
		FROM documents
		WHERE entity_type = ? AND id = ?
	`, entityType, id).Scan(&data, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s %s: %w", entityType, id, repository.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s %s: %w", entityType, id, err)
	}
	return decodeDocument(id, data, createdAt, updatedAt)
}

func encodeDocument(doc activity.Snapshot) (string, error) {
	fields := make(map[string]any, len(doc))
	for k, v := range doc {
		switch k {
		case FieldID, FieldCreatedAt, FieldUpdatedAt:
			continue
		}
		fields[k] = v
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("%w: document is not JSON encodable: %v", repository.ErrInvalidInput, err)
	}
	return string(data), nil
}

func decodeDocument(id, data, createdAt, updatedAt string) (activity.Snapshot, error) {
	doc := activity.Snapshot{}
	if err := json.Unmarshal([]byte(data), &doc); err != nil {
		return nil, fmt.Errorf("failed to decode document %s: %w", id, err)
	}
	doc[FieldID] = id
	doc[FieldCreatedAt] = createdAt
	doc[FieldUpdatedAt] = updatedAt
	return doc, nil
}

func documentID(v any) (string, error) {
	switch id := v.(type) {
	case nil:
		return "", nil
	case string:
		return strings.TrimSpace(id), nil
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64), nil
	case int:
		return strconv.Itoa(id), nil
	case int64:
		return strconv.FormatInt(id, 10), nil
	case json.Number:
		return id.String(), nil
	}
	return "", fmt.Errorf("%w: id must be a string or number", repository.ErrInvalidInput)
}
