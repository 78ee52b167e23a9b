// Package blueprint serves schemaless JSON records over a generic REST surface:
// one set of handlers for every configured model.
package blueprint

import (
	"encoding/json"
	"errors"
	"net/http"
	"path"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/jinzhu/inflection"
	"go.uber.org/zap"

	"github.com/rpggio/activitylog/internal/interceptor"
	"github.com/rpggio/activitylog/internal/repository"
	"github.com/rpggio/activitylog/internal/transport"
)

// Route parameters.
const (
	ParamModel = "model"
	ParamID    = "id"
)

const (
	defaultPageSize = 100
	maxPageSize     = 1000
)

// Layer is the generic CRUD layer. It satisfies interceptor.CRUDLayer.
type Layer struct {
	store  repository.DocumentStore
	models map[string]struct{}
	logger *zap.Logger

	mu       sync.RWMutex
	handlers map[interceptor.Action]http.Handler
}

// New creates a layer serving the given models. Model names are singularised.
func New(store repository.DocumentStore, models []string, logger *zap.Logger) *Layer {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Layer{
		store:  store,
		models: make(map[string]struct{}, len(models)),
		logger: logger.Named("blueprint"),
	}
	for _, m := range models {
		if name := modelName(m); name != "" {
			l.models[name] = struct{}{}
		}
	}
	l.handlers = map[interceptor.Action]http.Handler{
		interceptor.ActionCreate:  http.HandlerFunc(l.create),
		interceptor.ActionUpdate:  http.HandlerFunc(l.update),
		interceptor.ActionDestroy: http.HandlerFunc(l.destroy),
	}
	return l
}

// Routes returns the router to mount under a prefix such as /api.
func (l *Layer) Routes() chi.Router {
	r := chi.NewRouter()
	r.Route("/{"+ParamModel+"}", func(r chi.Router) {
		r.Use(l.requireModel)
		r.Get("/", l.list)
		r.Post("/", l.dispatch(interceptor.ActionCreate))
		r.Route("/{"+ParamID+"}", func(r chi.Router) {
			r.Get("/", l.find)
			r.Patch("/", l.dispatch(interceptor.ActionUpdate))
			r.Put("/", l.dispatch(interceptor.ActionUpdate))
			r.Delete("/", l.dispatch(interceptor.ActionDestroy))
		})
	})
	return r
}

// Handler returns the current handler for a mutation.
func (l *Layer) Handler(action interceptor.Action) http.Handler {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.handlers[action]
}

// SetHandler replaces the handler for a mutation.
func (l *Layer) SetHandler(action interceptor.Action, h http.Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers[action] = h
}

// EntityType returns the singular model name, or "" if the model isn't served.
func (l *Layer) EntityType(r *http.Request) string {
	name := modelName(chi.URLParam(r, ParamModel))
	if _, ok := l.models[name]; !ok {
		return ""
	}
	return name
}

// RecordID returns the id route parameter.
func (l *Layer) RecordID(r *http.Request) string {
	return strings.TrimSpace(chi.URLParam(r, ParamID))
}

// Models lists the served models in order.
func (l *Layer) Models() []string {
	names := make([]string, 0, len(l.models))
	for name := range l.models {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (l *Layer) dispatch(action interceptor.Action) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h := l.Handler(action)
		if h == nil {
			_ = transport.ErrorResponse(w, http.StatusMethodNotAllowed, "method_not_allowed", "operation not available")
			return
		}
		h.ServeHTTP(w, r)
	}
}

func (l *Layer) requireModel(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if l.EntityType(r) == "" {
			_ = transport.ErrorResponse(w, http.StatusNotFound, "unknown_model", "unknown model")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (l *Layer) create(w http.ResponseWriter, r *http.Request) {
	entityType := l.EntityType(r)
	doc, ok := decodeObject(w, r)
	if !ok {
		return
	}

	created, err := l.store.Insert(r.Context(), entityType, doc)
	if err != nil {
		l.writeStoreError(w, err, entityType)
		return
	}

	if id, ok := created["id"].(string); ok {
		w.Header().Set("Location", path.Join(r.URL.Path, id))
	}
	_ = transport.WriteJSON(w, http.StatusCreated, created)
}

func (l *Layer) update(w http.ResponseWriter, r *http.Request) {
	entityType := l.EntityType(r)
	id := l.RecordID(r)
	doc, ok := decodeObject(w, r)
	if !ok {
		return
	}

	var (
		updated map[string]any
		err     error
	)
	if r.Method == http.MethodPut {
		updated, err = l.store.Replace(r.Context(), entityType, id, doc)
	} else {
		updated, err = l.store.Update(r.Context(), entityType, id, doc)
	}
	if err != nil {
		l.writeStoreError(w, err, entityType)
		return
	}
	_ = transport.WriteJSON(w, http.StatusOK, updated)
}

func (l *Layer) destroy(w http.ResponseWriter, r *http.Request) {
	entityType := l.EntityType(r)
	id := l.RecordID(r)

	existing, err := l.store.FindByID(r.Context(), entityType, id)
	if err != nil {
		l.writeStoreError(w, err, entityType)
		return
	}
	if err := l.store.Delete(r.Context(), entityType, id); err != nil {
		l.writeStoreError(w, err, entityType)
		return
	}
	_ = transport.WriteJSON(w, http.StatusOK, existing)
}

func (l *Layer) find(w http.ResponseWriter, r *http.Request) {
	doc, err := l.store.FindByID(r.Context(), l.EntityType(r), l.RecordID(r))
	if err != nil {
		l.writeStoreError(w, err, l.EntityType(r))
		return
	}
	_ = transport.WriteJSON(w, http.StatusOK, doc)
}

func (l *Layer) list(w http.ResponseWriter, r *http.Request) {
	opts := repository.ListDocumentsOptions{Limit: defaultPageSize}
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			_ = transport.ErrorResponse(w, http.StatusBadRequest, "invalid_request", "limit must be a non-negative integer")
			return
		}
		opts.Limit = min(n, maxPageSize)
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			_ = transport.ErrorResponse(w, http.StatusBadRequest, "invalid_request", "offset must be a non-negative integer")
			return
		}
		opts.Offset = n
	}

	docs, err := l.store.List(r.Context(), l.EntityType(r), opts)
	if err != nil {
		l.writeStoreError(w, err, l.EntityType(r))
		return
	}
	_ = transport.WriteJSON(w, http.StatusOK, docs)
}

func (l *Layer) writeStoreError(w http.ResponseWriter, err error, entityType string) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		_ = transport.ErrorResponse(w, http.StatusNotFound, "not_found", entityType+" not found")
	case errors.Is(err, repository.ErrConflict):
		_ = transport.ErrorResponse(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, repository.ErrInvalidInput):
		_ = transport.ErrorResponse(w, http.StatusBadRequest, "invalid_request", err.Error())
	default:
		l.logger.Error("document store failure", zap.String("entity_type", entityType), zap.Error(err))
		_ = transport.ErrorResponse(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

// decodeObject reads a JSON object body, answering 400 on anything else.
func decodeObject(w http.ResponseWriter, r *http.Request) (map[string]any, bool) {
	var doc map[string]any
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, transport.MaxBodyBytes))
	if err := dec.Decode(&doc); err != nil || doc == nil {
		_ = transport.ErrorResponse(w, http.StatusBadRequest, "invalid_request", "body must be a JSON object")
		return nil, false
	}
	return doc, true
}

// modelName maps a route segment such as "Posts" to the entity type "post".
func modelName(segment string) string {
	segment = strings.ToLower(strings.TrimSpace(segment))
	if segment == "" {
		return ""
	}
	return inflection.Singular(segment)
}
