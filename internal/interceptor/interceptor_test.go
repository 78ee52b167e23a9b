package interceptor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/rpggio/activitylog/internal/attribution"
	"github.com/rpggio/activitylog/internal/config"
	"github.com/rpggio/activitylog/internal/domain/activity"
	"github.com/rpggio/activitylog/internal/repository"
	"github.com/rpggio/activitylog/internal/repository/mocks"
)

// fakeLayer routes "/{entity}/{id}" paths.
type fakeLayer struct {
	handlers map[Action]http.Handler
}

func newFakeLayer(create, update, destroy http.Handler) *fakeLayer {
	l := &fakeLayer{handlers: map[Action]http.Handler{}}
	if create != nil {
		l.handlers[ActionCreate] = create
	}
	if update != nil {
		l.handlers[ActionUpdate] = update
	}
	if destroy != nil {
		l.handlers[ActionDestroy] = destroy
	}
	return l
}

func (l *fakeLayer) Handler(a Action) http.Handler       { return l.handlers[a] }
func (l *fakeLayer) SetHandler(a Action, h http.Handler) { l.handlers[a] = h }

func (l *fakeLayer) EntityType(r *http.Request) string {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	return parts[0]
}

func (l *fakeLayer) RecordID(r *http.Request) string {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func jsonHandler(status int, v any) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, status, v)
	})
}

type harness struct {
	t      *testing.T
	repo   *mocks.ActivityRepository
	finder *mocks.DocumentStore
	icpt   *Interceptor
	layer  *fakeLayer

	mu      sync.Mutex
	entries []activity.Entry
}

func defaultSettings() config.ActivityLoggerConfig {
	return config.ActivityLoggerConfig{
		Models:               []string{"post"},
		TrackData:            true,
		InterceptGenericCRUD: true,
		ExcludeFields:        []string{"updated_at"},
	}
}

func newHarness(t *testing.T, settings config.ActivityLoggerConfig, layer *fakeLayer) *harness {
	t.Helper()
	h := &harness{t: t, repo: &mocks.ActivityRepository{}, finder: &mocks.DocumentStore{}, layer: layer}
	h.repo.On("Insert", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		h.mu.Lock()
		defer h.mu.Unlock()
		e := args.Get(1).(*activity.Entry)
		e.ID = int64(len(h.entries) + 1)
		h.entries = append(h.entries, *e)
	}).Return(nil).Maybe()

	recorder := activity.NewRecorder(h.repo, activity.NewPolicy(settings.Models), nil)
	h.icpt = New(Config{
		Settings:   settings,
		Recorder:   recorder,
		Finder:     h.finder,
		Attributor: attribution.New(nil),
	})
	require.NoError(t, h.icpt.Install(layer))
	return h
}

func (h *harness) serve(action Action, req *http.Request) *httptest.ResponseRecorder {
	h.t.Helper()
	rec := httptest.NewRecorder()
	h.layer.Handler(action).ServeHTTP(rec, req)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(h.t, h.icpt.Dispatcher().Wait(ctx))
	return rec
}

func (h *harness) recorded() []activity.Entry {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]activity.Entry(nil), h.entries...)
}

func TestInstall_AllOrNothing(t *testing.T) {
	create := jsonHandler(http.StatusCreated, map[string]any{"id": "1"})
	update := jsonHandler(http.StatusOK, map[string]any{"id": "1"})
	layer := newFakeLayer(create, update, nil)

	icpt := New(Config{
		Settings: defaultSettings(),
		Recorder: activity.NewRecorder(&mocks.ActivityRepository{}, activity.NewPolicy([]string{"post"}), nil),
	})
	err := icpt.Install(layer)
	require.ErrorIs(t, err, ErrLayerIncomplete)
	require.ErrorContains(t, err, "destroy")

	// Nothing was wrapped.
	rec := httptest.NewRecorder()
	layer.Handler(ActionCreate).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/post", nil))
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Len(t, layer.handlers, 2)
}

func TestInstall_NilLayerAndMissingRecorder(t *testing.T) {
	icpt := New(Config{Settings: defaultSettings(), Recorder: activity.NewRecorder(&mocks.ActivityRepository{}, nil, nil)})
	require.ErrorIs(t, icpt.Install(nil), ErrLayerIncomplete)

	icpt = New(Config{Settings: defaultSettings()})
	require.ErrorIs(t, icpt.Install(newFakeLayer(http.NotFoundHandler(), http.NotFoundHandler(), http.NotFoundHandler())), ErrNotConfigured)
}

func TestInstall_DisabledIsNoop(t *testing.T) {
	settings := defaultSettings()
	settings.InterceptGenericCRUD = false

	calls := 0
	create := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		writeJSON(w, http.StatusCreated, map[string]any{"id": "1"})
	})
	layer := newFakeLayer(create, create, create)
	repo := &mocks.ActivityRepository{}

	icpt := New(Config{Settings: settings, Recorder: activity.NewRecorder(repo, activity.NewPolicy(settings.Models), nil)})
	require.NoError(t, icpt.Install(layer))

	layer.Handler(ActionCreate).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/post", nil))
	require.NoError(t, icpt.Dispatcher().Wait(context.Background()))
	require.Equal(t, 1, calls)
	repo.AssertNotCalled(t, "Insert", mock.Anything, mock.Anything)
}

func TestCreate_RecordsIDFromBody(t *testing.T) {
	layer := newFakeLayer(jsonHandler(http.StatusCreated, map[string]any{"id": "7", "title": "x"}), http.NotFoundHandler(), http.NotFoundHandler())
	h := newHarness(t, defaultSettings(), layer)

	req := httptest.NewRequest(http.MethodPost, "/post", strings.NewReader(`{"title":"x"}`))
	req = req.WithContext(attribution.WithPrincipal(req.Context(), "u1"))
	rec := h.serve(ActionCreate, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	entries := h.recorded()
	require.Len(t, entries, 1)
	require.Equal(t, activity.ActionCreate, entries[0].Action)
	require.Equal(t, "post", entries[0].EntityType)
	require.Equal(t, "7", entries[0].RecordID)
	require.Equal(t, activity.Changes{}, entries[0].Changes)
	require.NotNil(t, entries[0].ActorID)
	require.Equal(t, "u1", *entries[0].ActorID)
	h.finder.AssertNotCalled(t, "FindByID", mock.Anything, mock.Anything, mock.Anything)
}

func TestCreate_NumericIDAndLocationFallback(t *testing.T) {
	numeric := jsonHandler(http.StatusCreated, map[string]any{"id": 12})
	h := newHarness(t, defaultSettings(), newFakeLayer(numeric, http.NotFoundHandler(), http.NotFoundHandler()))
	h.serve(ActionCreate, httptest.NewRequest(http.MethodPost, "/post", nil))
	require.Equal(t, "12", h.recorded()[0].RecordID)

	located := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "/api/posts/abc?x=1")
		w.WriteHeader(http.StatusCreated)
	})
	h = newHarness(t, defaultSettings(), newFakeLayer(located, http.NotFoundHandler(), http.NotFoundHandler()))
	h.serve(ActionCreate, httptest.NewRequest(http.MethodPost, "/post", nil))
	require.Len(t, h.recorded(), 1)
	require.Equal(t, "abc", h.recorded()[0].RecordID)
}

func TestCreate_UnknownIDSkipped(t *testing.T) {
	create := jsonHandler(http.StatusCreated, map[string]any{"title": "no id"})
	h := newHarness(t, defaultSettings(), newFakeLayer(create, http.NotFoundHandler(), http.NotFoundHandler()))

	rec := h.serve(ActionCreate, httptest.NewRequest(http.MethodPost, "/post", nil))
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Empty(t, h.recorded())
}

func TestUpdate_RecordsDiff(t *testing.T) {
	update := jsonHandler(http.StatusOK, map[string]any{"id": "1", "title": "B", "body": "x", "updated_at": "t2"})
	h := newHarness(t, defaultSettings(), newFakeLayer(http.NotFoundHandler(), update, http.NotFoundHandler()))
	h.finder.On("FindByID", mock.Anything, "post", "1").
		Return(activity.Snapshot{"id": "1", "title": "A", "body": "x", "updated_at": "t1"}, nil).Once()

	h.serve(ActionUpdate, httptest.NewRequest(http.MethodPatch, "/post/1", strings.NewReader(`{"title":"B"}`)))

	entries := h.recorded()
	require.Len(t, entries, 1)
	require.Equal(t, activity.ActionUpdate, entries[0].Action)
	require.Equal(t, "1", entries[0].RecordID)
	require.Equal(t, activity.Changes{
		"before": map[string]any{"title": "A"},
		"after":  map[string]any{"title": "B"},
	}, entries[0].Changes)
	require.Nil(t, entries[0].ActorID)
	h.finder.AssertExpectations(t)
}

func TestUpdate_NoopProducesNoEntry(t *testing.T) {
	update := jsonHandler(http.StatusOK, map[string]any{"id": "1", "title": "A", "updated_at": "t2"})
	h := newHarness(t, defaultSettings(), newFakeLayer(http.NotFoundHandler(), update, http.NotFoundHandler()))
	h.finder.On("FindByID", mock.Anything, "post", "1").
		Return(activity.Snapshot{"id": "1", "title": "A", "updated_at": "t1"}, nil).Once()

	rec := h.serve(ActionUpdate, httptest.NewRequest(http.MethodPut, "/post/1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, h.recorded())
}

func TestUpdate_RefetchesWhenResponseHasNoRecord(t *testing.T) {
	update := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	h := newHarness(t, defaultSettings(), newFakeLayer(http.NotFoundHandler(), update, http.NotFoundHandler()))
	h.finder.On("FindByID", mock.Anything, "post", "1").Return(activity.Snapshot{"id": "1", "n": float64(1)}, nil).Once()
	h.finder.On("FindByID", mock.Anything, "post", "1").Return(activity.Snapshot{"id": "1", "n": float64(2)}, nil).Once()

	h.serve(ActionUpdate, httptest.NewRequest(http.MethodPatch, "/post/1", nil))

	entries := h.recorded()
	require.Len(t, entries, 1)
	require.Equal(t, map[string]any{"n": float64(2)}, entries[0].Changes["after"])
	h.finder.AssertExpectations(t)
}

func TestUpdate_NonSuccessProducesNoEntry(t *testing.T) {
	update := jsonHandler(http.StatusNotFound, map[string]any{"error": "not found"})
	h := newHarness(t, defaultSettings(), newFakeLayer(http.NotFoundHandler(), update, http.NotFoundHandler()))
	h.finder.On("FindByID", mock.Anything, "post", "404").Return(nil, repository.ErrNotFound).Once()

	rec := h.serve(ActionUpdate, httptest.NewRequest(http.MethodPatch, "/post/404", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.JSONEq(t, `{"error":"not found"}`, rec.Body.String())
	require.Empty(t, h.recorded())
}

func TestUpdate_MissingOriginalRecordsEmptyChanges(t *testing.T) {
	update := jsonHandler(http.StatusOK, map[string]any{"id": "1", "title": "B"})
	h := newHarness(t, defaultSettings(), newFakeLayer(http.NotFoundHandler(), update, http.NotFoundHandler()))
	h.finder.On("FindByID", mock.Anything, "post", "1").Return(nil, errors.New("db down")).Once()

	h.serve(ActionUpdate, httptest.NewRequest(http.MethodPatch, "/post/1", nil))
	entries := h.recorded()
	require.Len(t, entries, 1)
	require.Equal(t, activity.Changes{}, entries[0].Changes)
}

func TestDestroy_RecordsDeletedSnapshot(t *testing.T) {
	destroy := jsonHandler(http.StatusOK, map[string]any{"id": "42", "name": "x"})
	h := newHarness(t, defaultSettings(), newFakeLayer(http.NotFoundHandler(), http.NotFoundHandler(), destroy))
	h.finder.On("FindByID", mock.Anything, "post", "42").Return(activity.Snapshot{"id": "42", "name": "x"}, nil).Once()

	h.serve(ActionDestroy, httptest.NewRequest(http.MethodDelete, "/post/42", nil))

	entries := h.recorded()
	require.Len(t, entries, 1)
	require.Equal(t, activity.ActionDelete, entries[0].Action)
	require.Equal(t, "42", entries[0].RecordID)
	require.Equal(t, activity.Changes{"deleted": map[string]any{"id": "42", "name": "x"}}, entries[0].Changes)
}

func TestTrackDataDisabled(t *testing.T) {
	settings := defaultSettings()
	settings.TrackData = false
	update := jsonHandler(http.StatusOK, map[string]any{"id": "1", "title": "B"})
	destroy := jsonHandler(http.StatusOK, map[string]any{"id": "1"})
	h := newHarness(t, settings, newFakeLayer(http.NotFoundHandler(), update, destroy))

	h.serve(ActionUpdate, httptest.NewRequest(http.MethodPatch, "/post/1", nil))
	h.serve(ActionDestroy, httptest.NewRequest(http.MethodDelete, "/post/1", nil))

	entries := h.recorded()
	require.Len(t, entries, 2)
	require.Equal(t, activity.Changes{}, entries[0].Changes)
	require.Equal(t, activity.Changes{}, entries[1].Changes)
	h.finder.AssertNotCalled(t, "FindByID", mock.Anything, mock.Anything, mock.Anything)
}

func TestUntrackedEntityPassesThrough(t *testing.T) {
	update := jsonHandler(http.StatusOK, map[string]any{"id": "1"})
	h := newHarness(t, defaultSettings(), newFakeLayer(http.NotFoundHandler(), update, http.NotFoundHandler()))

	rec := h.serve(ActionUpdate, httptest.NewRequest(http.MethodPatch, "/comment/1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, h.recorded())
	h.finder.AssertNotCalled(t, "FindByID", mock.Anything, mock.Anything, mock.Anything)
}

func TestResponseIsUntouched(t *testing.T) {
	create := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Custom", "yes")
		w.Header().Set("Location", "/post/9")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"9",`))
		_, _ = w.Write([]byte(`"title":"t"}`))
	})
	h := newHarness(t, defaultSettings(), newFakeLayer(create, http.NotFoundHandler(), http.NotFoundHandler()))

	rec := h.serve(ActionCreate, httptest.NewRequest(http.MethodPost, "/post", nil))
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Equal(t, "yes", rec.Header().Get("X-Custom"))
	require.Equal(t, `{"id":"9","title":"t"}`, rec.Body.String())
	require.Len(t, h.recorded(), 1)
}

func TestStorageFailureDoesNotAffectResponse(t *testing.T) {
	repo := &mocks.ActivityRepository{}
	repo.On("Insert", mock.Anything, mock.Anything).Return(errors.New("disk full"))
	layer := newFakeLayer(jsonHandler(http.StatusCreated, map[string]any{"id": "1"}), http.NotFoundHandler(), http.NotFoundHandler())

	icpt := New(Config{Settings: defaultSettings(), Recorder: activity.NewRecorder(repo, activity.NewPolicy([]string{"post"}), nil)})
	require.NoError(t, icpt.Install(layer))

	rec := httptest.NewRecorder()
	layer.Handler(ActionCreate).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/post", nil))
	require.NoError(t, icpt.Dispatcher().Wait(context.Background()))
	require.Equal(t, http.StatusCreated, rec.Code)
	repo.AssertNumberOfCalls(t, "Insert", 1)
}

func TestFinderPanicDegrades(t *testing.T) {
	destroy := jsonHandler(http.StatusOK, map[string]any{"id": "1"})
	h := newHarness(t, defaultSettings(), newFakeLayer(http.NotFoundHandler(), http.NotFoundHandler(), destroy))
	h.finder.On("FindByID", mock.Anything, "post", "1").Run(func(mock.Arguments) { panic("boom") }).Return(nil, nil)

	rec := h.serve(ActionDestroy, httptest.NewRequest(http.MethodDelete, "/post/1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	entries := h.recorded()
	require.Len(t, entries, 1)
	require.Equal(t, activity.Changes{}, entries[0].Changes)
}

func TestHandlerPanicIsNotSwallowed(t *testing.T) {
	create := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { panic("handler") })
	h := newHarness(t, defaultSettings(), newFakeLayer(create, http.NotFoundHandler(), http.NotFoundHandler()))

	require.Panics(t, func() {
		h.layer.Handler(ActionCreate).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/post", nil))
	})
	require.NoError(t, h.icpt.Dispatcher().Wait(context.Background()))
	require.Empty(t, h.recorded())
}

func TestBackgroundRecordSurvivesRequestCancellation(t *testing.T) {
	create := jsonHandler(http.StatusCreated, map[string]any{"id": "5"})
	h := newHarness(t, defaultSettings(), newFakeLayer(create, http.NotFoundHandler(), http.NotFoundHandler()))

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodPost, "/post", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	h.layer.Handler(ActionCreate).ServeHTTP(rec, req)
	cancel()

	require.NoError(t, h.icpt.Dispatcher().Wait(context.Background()))
	require.Len(t, h.recorded(), 1)
}
