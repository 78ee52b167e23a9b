package activity

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// ActorEntityType is the entity type actor ids are resolved against when populating.
const ActorEntityType = "user"

// Status describes what happened to a record request.
type Status string

const (
	StatusRecorded   Status = "recorded"
	StatusNotTracked Status = "not_tracked"
	StatusFailed     Status = "failed"
)

// Outcome is the result of Recorder.Record.
type Outcome struct {
	Status Status
	Entry  *Entry
}

// Tracked reports whether the entity type was in the allow-list.
func (o Outcome) Tracked() bool {
	return o.Status != StatusNotTracked
}

// RecordRequest is the input to Recorder.Record.
type RecordRequest struct {
	Action     Action
	EntityType string
	RecordID   string
	Changes    Changes
	// ActorID is optional; entries without an actor are still recorded.
	ActorID string
}

// Observer receives recorder outcomes, typically for metrics.
type Observer interface {
	ObserveRecord(action Action, entityType string, status Status)
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithActorLookup enables actor population on Latest.
func WithActorLookup(actors ActorLookup) RecorderOption {
	return func(r *Recorder) { r.actors = actors }
}

// WithObserver attaches an outcome observer.
func WithObserver(o Observer) RecorderOption {
	return func(r *Recorder) { r.observer = o }
}

// Recorder validates, filters and persists activity entries.
type Recorder struct {
	repo     Repository
	policy   *Policy
	actors   ActorLookup
	observer Observer
	logger   *zap.Logger
}

// NewRecorder creates a recorder backed by repo.
func NewRecorder(repo Repository, policy *Policy, logger *zap.Logger, opts ...RecorderOption) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	if policy == nil {
		policy = NewPolicy(nil)
	}
	r := &Recorder{
		repo:   repo,
		policy: policy,
		logger: logger.Named("activity"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ShouldTrack reports whether the recorder would persist entries for entityType.
func (r *Recorder) ShouldTrack(entityType string) bool {
	return r.policy.ShouldTrack(entityType)
}

// Record persists one entry when the entity type is tracked.
//
// Only contract violations (bad action, missing entity type or record id) return an
// error. Persistence failures are logged and reported as StatusFailed.
func (r *Recorder) Record(ctx context.Context, req RecordRequest) (Outcome, error) {
	if !req.Action.Valid() {
		return Outcome{}, fmt.Errorf("%w: %q", ErrInvalidAction, req.Action)
	}
	if strings.TrimSpace(req.EntityType) == "" {
		return Outcome{}, ErrMissingEntityType
	}
	if strings.TrimSpace(req.RecordID) == "" {
		return Outcome{}, ErrMissingRecordID
	}

	fields := []zap.Field{
		zap.String("action", string(req.Action)),
		zap.String("entity_type", req.EntityType),
		zap.String("record_id", req.RecordID),
	}
	r.logger.Debug("recording activity", fields...)

	if req.ActorID == "" {
		r.logger.Warn("recording activity without actor", fields...)
	}

	if !r.policy.ShouldTrack(req.EntityType) {
		r.logger.Debug("entity type not tracked", fields...)
		r.observe(req, StatusNotTracked)
		return Outcome{Status: StatusNotTracked}, nil
	}

	changes := req.Changes
	if changes == nil {
		changes = Changes{}
	}
	// Timestamps are assigned by the repository.
	entry := &Entry{
		Action:     req.Action,
		EntityType: req.EntityType,
		RecordID:   req.RecordID,
		Changes:    changes,
	}
	if req.ActorID != "" {
		actorID := req.ActorID
		entry.ActorID = &actorID
	}

	if err := r.insert(ctx, entry); err != nil {
		r.logger.Error("failed to record activity", append(fields, zap.Error(err))...)
		r.observe(req, StatusFailed)
		return Outcome{Status: StatusFailed}, nil
	}

	r.logger.Debug("activity recorded", append(fields, zap.Int64("id", entry.ID))...)
	r.observe(req, StatusRecorded)
	return Outcome{Status: StatusRecorded, Entry: entry}, nil
}

func (r *Recorder) insert(ctx context.Context, entry *Entry) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic during insert: %v", p)
		}
	}()
	return r.repo.Insert(ctx, entry)
}

func (r *Recorder) observe(req RecordRequest, status Status) {
	if r.observer != nil {
		r.observer.ObserveRecord(req.Action, req.EntityType, status)
	}
}

// Latest lists entries, newest first unless opts.Sort says otherwise.
// With IncludeActor set, each entry's Actor is filled from the actor lookup; entries
// whose actor cannot be found keep a nil Actor.
func (r *Recorder) Latest(ctx context.Context, opts ListOptions) ([]Entry, error) {
	normalized, err := opts.Normalize()
	if err != nil {
		return nil, err
	}
	entries, err := r.repo.List(ctx, normalized)
	if err != nil {
		return nil, fmt.Errorf("listing activity: %w", err)
	}
	if normalized.IncludeActor {
		r.populateActors(ctx, entries)
	}
	return entries, nil
}

func (r *Recorder) populateActors(ctx context.Context, entries []Entry) {
	if r.actors == nil {
		return
	}
	cache := make(map[string]Snapshot)
	for i := range entries {
		if entries[i].ActorID == nil {
			continue
		}
		id := *entries[i].ActorID
		actor, seen := cache[id]
		if !seen {
			found, err := r.actors.FindByID(ctx, ActorEntityType, id)
			if err != nil {
				r.logger.Debug("actor lookup failed", zap.String("actor_id", id), zap.Error(err))
			}
			actor = found
			cache[id] = actor
		}
		if actor != nil {
			entries[i].Actor = map[string]any(actor)
		}
	}
}
