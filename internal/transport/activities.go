package transport

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/rpggio/activitylog/internal/domain/activity"
)

// MaxBodyBytes caps JSON request bodies.
const MaxBodyBytes = 1 << 20

type recordActivityRequest struct {
	Action     string           `json:"action"`
	EntityType string           `json:"entity_type"`
	RecordID   string           `json:"record_id"`
	Changes    activity.Changes `json:"changes"`
	ActorID    string           `json:"actor_id"`
}

type recordActivityResponse struct {
	Tracked  bool            `json:"tracked"`
	Recorded bool            `json:"recorded"`
	Entry    *activity.Entry `json:"entry,omitempty"`
}

// handleListActivities answers GET /activities.
func (s *Server) handleListActivities(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOptions(r)
	if err != nil {
		_ = ErrorResponse(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	entries, err := s.deps.Activities.Latest(r.Context(), opts)
	if err != nil {
		if errors.Is(err, activity.ErrInvalidInput) {
			_ = ErrorResponse(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		s.logger.Error("failed to list activities", zap.Error(err))
		_ = ErrorResponse(w, http.StatusInternalServerError, "internal_error", "failed to list activities")
		return
	}
	_ = WriteJSON(w, http.StatusOK, entries)
}

// handleRecordActivity answers POST /activities. The actor defaults to the
// request's resolved actor.
func (s *Server) handleRecordActivity(w http.ResponseWriter, r *http.Request) {
	var req recordActivityRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxBodyBytes)).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			_ = ErrorResponse(w, http.StatusRequestEntityTooLarge, "body_too_large", "request body too large")
			return
		}
		_ = ErrorResponse(w, http.StatusBadRequest, "invalid_request", "body must be a JSON object")
		return
	}

	actorID := strings.TrimSpace(req.ActorID)
	if actorID == "" && s.deps.Actors != nil {
		actorID, _ = s.deps.Actors.Resolve(r)
	}

	out, err := s.deps.Activities.Record(r.Context(), activity.RecordRequest{
		Action:     activity.Action(req.Action),
		EntityType: req.EntityType,
		RecordID:   req.RecordID,
		Changes:    req.Changes,
		ActorID:    actorID,
	})
	if err != nil {
		_ = ErrorResponse(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	switch out.Status {
	case activity.StatusRecorded:
		_ = WriteJSON(w, http.StatusCreated, out.Entry)
	case activity.StatusNotTracked:
		_ = WriteJSON(w, http.StatusAccepted, recordActivityResponse{})
	default:
		_ = WriteJSON(w, http.StatusAccepted, recordActivityResponse{Tracked: true})
	}
}

func parseListOptions(r *http.Request) (activity.ListOptions, error) {
	q := r.URL.Query()
	opts := activity.ListOptions{
		EntityType: q.Get("entity_type"),
		RecordID:   q.Get("record_id"),
		ActorID:    q.Get("actor_id"),
		Action:     activity.Action(q.Get("action")),
		Sort:       activity.SortDirection(q.Get("sort")),
	}

	var err error
	if opts.Limit, err = intParam(q.Get("limit"), "limit"); err != nil {
		return opts, err
	}
	if opts.Skip, err = intParam(q.Get("skip"), "skip"); err != nil {
		return opts, err
	}
	switch q.Get("populate") {
	case "actor", "true", "1":
		opts.IncludeActor = true
	}
	return opts, nil
}

func intParam(v, name string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errors.New(name + " must be an integer")
	}
	return n, nil
}
