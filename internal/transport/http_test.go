package transport

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/sessions"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/rpggio/activitylog/internal/attribution"
	"github.com/rpggio/activitylog/internal/domain/activity"
	"github.com/rpggio/activitylog/internal/metrics"
	"github.com/rpggio/activitylog/internal/repository/mocks"
)

const testSessionName = "activitylog_session"

type testEnv struct {
	server *httptest.Server
	repo   *mocks.ActivityRepository
	client *http.Client
}

func newTestEnv(t *testing.T, models ...string) *testEnv {
	t.Helper()
	repo := &mocks.ActivityRepository{}
	store := sessions.NewCookieStore([]byte("0123456789abcdef0123456789abcdef"))
	store.Options.Secure = false
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	recorder := activity.NewRecorder(repo, activity.NewPolicy(models), nil, activity.WithObserver(m))
	resolver := attribution.New(nil, attribution.WithSessionStore(store, testSessionName))

	server := httptest.NewServer(NewServer(Deps{
		Gatherer:    reg,
		Activities:  recorder,
		Actors:      resolver,
		Sessions:    store,
		SessionName: testSessionName,
		CRUD: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_ = WriteJSON(w, http.StatusOK, map[string]string{"path": r.URL.Path})
		}),
		MCP: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTeapot)
		}),
	}))
	t.Cleanup(server.Close)

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &testEnv{server: server, repo: repo, client: &http.Client{Jar: jar}}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.server.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := e.client.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestHTTPServer_Health(t *testing.T) {
	server := httptest.NewServer(NewServer(Deps{}))
	t.Cleanup(server.Close)

	resp, err := http.Get(server.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp2, err := http.Get(server.URL + "/activities")
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.Equal(t, http.StatusNotFound, resp2.StatusCode)
}

func TestHTTPServer_MountsCRUDAndMCP(t *testing.T) {
	env := newTestEnv(t, "post")

	resp := env.do(t, http.MethodGet, "/api/posts/1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "/api/posts/1", decode[map[string]string](t, resp)["path"])

	resp = env.do(t, http.MethodPost, "/mcp", nil)
	require.Equal(t, http.StatusTeapot, resp.StatusCode)
}

func TestHTTPServer_RecordActivity(t *testing.T) {
	env := newTestEnv(t, "post")
	env.repo.On("Insert", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		args.Get(1).(*activity.Entry).ID = 1
	}).Return(nil).Once()

	resp := env.do(t, http.MethodPost, "/session", map[string]string{"user_id": "u-9"})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/activities", map[string]any{
		"action": "update", "entity_type": "post", "record_id": "5",
		"changes": map[string]any{"before": map[string]any{"a": 1}, "after": map[string]any{"a": 2}},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	entry := decode[activity.Entry](t, resp)
	require.Equal(t, int64(1), entry.ID)
	require.Equal(t, "5", entry.RecordID)
	require.NotNil(t, entry.ActorID)
	require.Equal(t, "u-9", *entry.ActorID)

	// Logging out drops the session actor.
	resp = env.do(t, http.MethodDelete, "/session", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	env.repo.On("Insert", mock.Anything, mock.MatchedBy(func(e *activity.Entry) bool {
		return e.ActorID == nil
	})).Return(nil).Once()
	resp = env.do(t, http.MethodPost, "/activities", map[string]any{"action": "create", "entity_type": "post", "record_id": "6"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	env.repo.AssertExpectations(t)
}

func TestHTTPServer_RecordActivityOutcomes(t *testing.T) {
	env := newTestEnv(t, "post")
	env.repo.On("Insert", mock.Anything, mock.Anything).Return(errors.New("disk full")).Once()

	resp := env.do(t, http.MethodPost, "/activities", map[string]any{"action": "explode", "entity_type": "post", "record_id": "1"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/activities", map[string]any{"action": "create", "entity_type": "post"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/activities", map[string]any{"action": "create", "entity_type": "comment", "record_id": "1"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Equal(t, recordActivityResponse{}, decode[recordActivityResponse](t, resp))

	resp = env.do(t, http.MethodPost, "/activities", map[string]any{"action": "create", "entity_type": "post", "record_id": "1"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Equal(t, recordActivityResponse{Tracked: true}, decode[recordActivityResponse](t, resp))

	// Recorder outcomes reach /metrics.
	resp = env.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), `activitylog_records_total{action="create",entity_type="post",status="failed"} 1`)
	require.Contains(t, string(body), `activitylog_records_total{action="create",entity_type="untracked",status="not_tracked"} 1`)
	require.NotContains(t, string(body), `entity_type="comment"`)
}

func TestHTTPServer_RecordActivityBodyLimit(t *testing.T) {
	repo := &mocks.ActivityRepository{}
	handler := NewServer(Deps{
		Activities:  activity.NewRecorder(repo, activity.NewPolicy([]string{"post"}), nil),
		Sessions:    sessions.NewCookieStore([]byte("0123456789abcdef0123456789abcdef")),
		SessionName: testSessionName,
	})
	send := func(path string, body any) int {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw)))
		return rec.Code
	}

	require.Equal(t, http.StatusRequestEntityTooLarge, send("/activities", map[string]any{
		"action": "create", "entity_type": "post", "record_id": "1",
		"changes": map[string]any{"blob": strings.Repeat("x", MaxBodyBytes)},
	}))
	repo.AssertNotCalled(t, "Insert", mock.Anything, mock.Anything)

	require.Equal(t, http.StatusBadRequest, send("/session", map[string]string{"user_id": strings.Repeat("u", MaxBodyBytes)}))
}

func TestHTTPServer_ListActivities(t *testing.T) {
	env := newTestEnv(t, "post")
	actor := "u1"
	env.repo.On("List", mock.Anything, activity.ListOptions{
		EntityType: "post",
		RecordID:   "5",
		Action:     activity.ActionUpdate,
		Limit:      10,
		Skip:       2,
		Sort:       activity.SortAsc,
	}).Return([]activity.Entry{{ID: 3, Action: activity.ActionUpdate, EntityType: "post", RecordID: "5", ActorID: &actor}}, nil).Once()

	resp := env.do(t, http.MethodGet, "/activities?entity_type=post&record_id=5&action=update&limit=10&skip=2&sort=asc", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	entries := decode[[]activity.Entry](t, resp)
	require.Len(t, entries, 1)
	require.Equal(t, int64(3), entries[0].ID)

	resp = env.do(t, http.MethodGet, "/activities?sort=sideways", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/activities?limit=ten", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	env.repo.On("List", mock.Anything, mock.Anything).Return(nil, errors.New("boom")).Once()
	resp = env.do(t, http.MethodGet, "/activities", nil)
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	env.repo.AssertExpectations(t)
}

func TestHTTPServer_LoginRequiresUserID(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodPost, "/session", map[string]string{"user_id": " "})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestParseListOptions_Populate(t *testing.T) {
	for query, want := range map[string]bool{"": false, "populate=actor": true, "populate=true": true, "populate=no": false} {
		opts, err := parseListOptions(httptest.NewRequest(http.MethodGet, "/activities?"+query, nil))
		require.NoError(t, err)
		require.Equal(t, want, opts.IncludeActor, query)
	}
}

func TestRequestLogger(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)

	handler := RequestLogger(zap.New(core))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/test", nil))

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	require.Equal(t, "HTTP request", entry.Message)
	require.Equal(t, int64(http.StatusNotFound), entry.ContextMap()["status"])
	require.Equal(t, "/test", entry.ContextMap()["path"])
}

func TestRequestLogger_NilLoggerPassesThrough(t *testing.T) {
	called := false
	handler := RequestLogger(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/test", nil))
	require.True(t, called)
}
