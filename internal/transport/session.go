package transport

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/sessions"
	"go.uber.org/zap"

	"github.com/rpggio/activitylog/internal/attribution"
)

type loginRequest struct {
	UserID string `json:"user_id"`
}

// handleLogin stores the acting user id in the session cookie.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxBodyBytes)).Decode(&req); err != nil || strings.TrimSpace(req.UserID) == "" {
		_ = ErrorResponse(w, http.StatusBadRequest, "invalid_request", "user_id is required")
		return
	}

	session, err := s.deps.Sessions.Get(r, s.deps.SessionName)
	if err != nil {
		// A stale or tampered cookie still yields a fresh session.
		s.logger.Debug("discarding unreadable session", zap.Error(err))
	}
	session.Values[attribution.SessionUserIDKey] = strings.TrimSpace(req.UserID)
	if err := session.Save(r, w); err != nil {
		s.logger.Error("failed to save session", zap.Error(err))
		_ = ErrorResponse(w, http.StatusInternalServerError, "internal_error", "failed to save session")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleLogout expires the session cookie.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	session, _ := s.deps.Sessions.Get(r, s.deps.SessionName)
	if session.Options == nil {
		session.Options = &sessions.Options{Path: "/"}
	}
	session.Options.MaxAge = -1
	delete(session.Values, attribution.SessionUserIDKey)
	if err := session.Save(r, w); err != nil {
		s.logger.Error("failed to clear session", zap.Error(err))
		_ = ErrorResponse(w, http.StatusInternalServerError, "internal_error", "failed to clear session")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
