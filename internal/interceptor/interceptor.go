// Package interceptor wraps the create, update and destroy handlers of a generic
// CRUD layer so that successful mutations on tracked entity types are recorded
// as activity entries without affecting the response.
package interceptor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/rpggio/activitylog/internal/attribution"
	"github.com/rpggio/activitylog/internal/config"
	"github.com/rpggio/activitylog/internal/domain/activity"
	"github.com/rpggio/activitylog/internal/metrics"
)

// Action names a mutation entry point of the CRUD layer.
type Action string

const (
	ActionCreate  Action = "create"
	ActionUpdate  Action = "update"
	ActionDestroy Action = "destroy"
)

// Actions lists the entry points Install wraps, in order.
var Actions = []Action{ActionCreate, ActionUpdate, ActionDestroy}

func (a Action) activity() activity.Action {
	switch a {
	case ActionCreate:
		return activity.ActionCreate
	case ActionUpdate:
		return activity.ActionUpdate
	case ActionDestroy:
		return activity.ActionDelete
	}
	return ""
}

var (
	// ErrLayerIncomplete means the CRUD layer is absent or lacks a mutation handler.
	ErrLayerIncomplete = errors.New("generic CRUD layer is incomplete")
	// ErrNotConfigured means the interceptor was built without a recorder.
	ErrNotConfigured = errors.New("interceptor is not configured")
)

// CRUDLayer is the host's generic CRUD surface.
type CRUDLayer interface {
	// Handler returns the handler for action, or nil if the layer has none.
	Handler(action Action) http.Handler
	SetHandler(action Action, h http.Handler)
	// EntityType resolves the entity type a request targets; "" if unknown.
	EntityType(r *http.Request) string
	// RecordID returns the target record id for update and destroy requests.
	RecordID(r *http.Request) string
}

// Finder looks up the current state of a record.
type Finder interface {
	FindByID(ctx context.Context, entityType, id string) (activity.Snapshot, error)
}

// Recorder persists activity entries.
type Recorder interface {
	ShouldTrack(entityType string) bool
	Record(ctx context.Context, req activity.RecordRequest) (activity.Outcome, error)
}

// Attributor resolves the actor behind a request.
type Attributor interface {
	ResolveSource(r *http.Request) (string, attribution.Source, error)
}

// Config holds the interceptor's collaborators.
type Config struct {
	Settings   config.ActivityLoggerConfig
	Recorder   Recorder
	Finder     Finder
	Attributor Attributor
	Dispatcher *Dispatcher
	Metrics    *metrics.Metrics
	Logger     *zap.Logger
	// MaxBodyBytes bounds the response copy used to read created ids and after-state.
	MaxBodyBytes int
}

// Interceptor wraps CRUD mutation handlers with activity capture.
type Interceptor struct {
	settings   config.ActivityLoggerConfig
	recorder   Recorder
	finder     Finder
	attributor Attributor
	dispatcher *Dispatcher
	metrics    *metrics.Metrics
	logger     *zap.Logger
	maxBody    int
}

// New creates an interceptor.
func New(cfg Config) *Interceptor {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	dispatcher := cfg.Dispatcher
	if dispatcher == nil {
		dispatcher = NewDispatcher(logger, cfg.Metrics)
	}
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}
	return &Interceptor{
		settings:   cfg.Settings,
		recorder:   cfg.Recorder,
		finder:     cfg.Finder,
		attributor: cfg.Attributor,
		dispatcher: dispatcher,
		metrics:    cfg.Metrics,
		logger:     logger.Named("interceptor"),
		maxBody:    maxBody,
	}
}

// Dispatcher returns the dispatcher running background recordings.
func (i *Interceptor) Dispatcher() *Dispatcher {
	return i.dispatcher
}

// Install wraps all three mutation handlers of layer, or none of them.
// It is a no-op when generic CRUD interception is disabled.
func (i *Interceptor) Install(layer CRUDLayer) error {
	if !i.settings.InterceptGenericCRUD {
		i.logger.Info("generic CRUD interception disabled")
		return nil
	}
	if i.recorder == nil {
		i.logger.Warn("activity interceptor not installed: no recorder")
		return ErrNotConfigured
	}
	if layer == nil {
		i.logger.Warn("activity interceptor not installed: no generic CRUD layer")
		return ErrLayerIncomplete
	}

	handlers := make(map[Action]http.Handler, len(Actions))
	var missing []string
	for _, action := range Actions {
		h := layer.Handler(action)
		if h == nil {
			missing = append(missing, string(action))
			continue
		}
		handlers[action] = h
	}
	if len(missing) > 0 {
		i.logger.Warn("activity interceptor not installed: CRUD layer is missing handlers",
			zap.Strings("missing", missing))
		return fmt.Errorf("%w: missing %s", ErrLayerIncomplete, strings.Join(missing, ", "))
	}

	for _, action := range Actions {
		layer.SetHandler(action, i.Wrap(layer, action, handlers[action]))
	}
	i.logger.Info("activity interceptor installed",
		zap.Strings("models", i.settings.Models),
		zap.Bool("track_data", i.settings.TrackData))
	return nil
}

// Wrap augments one mutation handler. The returned handler always runs next exactly once.
func (i *Interceptor) Wrap(layer CRUDLayer, action Action, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		capture := i.arrive(layer, action, r)
		if capture == nil {
			next.ServeHTTP(w, r)
			return
		}

		if action != ActionCreate {
			i.preCapture(r.Context(), capture)
		}

		capture.Stage = StageDelegated
		observer := newResponseObserver(w, i.maxBody, func(resp observedResponse) {
			i.onResponseFinalized(r, capture, resp)
		})
		next.ServeHTTP(observer, r)
		observer.finalize()
	})
}

// onResponseFinalized hands successful responses to a background recording.
func (i *Interceptor) onResponseFinalized(r *http.Request, c *Capture, resp observedResponse) {
	defer i.recoverCapture(c, "response")

	if resp.Status < 200 || resp.Status >= 300 {
		i.logger.Debug("skipping activity for unsuccessful response",
			zap.String("entity_type", c.EntityType),
			zap.Int("status", resp.Status))
		return
	}
	c.Stage = StageResponseObserved

	ctx := context.WithoutCancel(r.Context())
	detached := r.Clone(ctx)
	observedAt := time.Now()
	i.dispatcher.Go(ctx, "record "+string(c.Action), func(ctx context.Context) {
		i.record(ctx, detached, c, resp)
		i.metrics.ObserveRecordLatency(time.Since(observedAt))
	})
}

func (i *Interceptor) recoverCapture(c *Capture, phase string) {
	if p := recover(); p != nil {
		fields := []zap.Field{zap.String("phase", phase), zap.Any("panic", p)}
		if c != nil {
			fields = append(fields, zap.String("entity_type", c.EntityType), zap.String("action", string(c.Action)))
		}
		i.logger.Error("activity capture panicked", fields...)
	}
}
