// Package api exposes the progress engine and upload coordinator over HTTP.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/kuitang/readaloud/internal/errs"
	"github.com/kuitang/readaloud/internal/levels"
	"github.com/kuitang/readaloud/internal/obs"
	"github.com/kuitang/readaloud/internal/progress"
	"github.com/kuitang/readaloud/internal/ratelimit"
	"github.com/kuitang/readaloud/internal/upload"
)

// Pinger reports whether the relational store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler wraps the progress engine and the upload coordinator.
type Handler struct {
	engine  *progress.Engine
	uploads *upload.Coordinator
	db      Pinger
	limiter *ratelimit.RateLimiter
}

// NewHandler creates a Handler. limiter may be nil to disable rate limiting.
func NewHandler(engine *progress.Engine, uploads *upload.Coordinator, db Pinger, limiter *ratelimit.RateLimiter) *Handler {
	return &Handler{engine: engine, uploads: uploads, db: db, limiter: limiter}
}

// RegisterRoutes registers all API routes on the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/progress", h.GetProgress)
	mux.HandleFunc("POST /api/progress/complete", h.CompleteProgress)
	mux.HandleFunc("GET /api/session/check", h.CheckSession)
	mux.HandleFunc("GET /api/prompts/next", h.NextPrompt)
	mux.HandleFunc("POST /api/recordings", h.CreateRecording)
	mux.HandleFunc("GET /healthz", h.Health)
}

// Routes returns the full handler chain: request correlation, access logging
// and panic recovery around the API mux.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	return obs.RequestContextMiddleware(obs.AccessLogMiddleware("api", obs.RecoverMiddleware(mux)))
}

// allow applies the per-contributor limit to a mutating request once its
// userId is known.
func (h *Handler) allow(w http.ResponseWriter, r *http.Request, userID string) bool {
	if h.limiter == nil {
		return true
	}
	return ratelimit.Enforce(h.limiter, w, r, userID)
}

// ProgressResponse is the body of GET /api/progress.
type ProgressResponse struct {
	UserID                  string `json:"userId"`
	Username                string `json:"username"`
	CurrentLevel            int    `json:"currentLevel"`
	ScriptsCompletedInLevel int    `json:"scriptsCompletedInLevel"`
	Version                 int64  `json:"version"`
	SessionID               string `json:"sessionId"`
	IsNewUser               bool   `json:"isNewUser"`
}

// GetProgress handles GET /api/progress - resolves or creates the user and
// makes sessionId the active session.
func (h *Handler) GetProgress(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	res, err := h.engine.ResolveOrCreateUser(r.Context(), q.Get("username"), q.Get("sessionId"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	u := res.User
	writeJSON(w, http.StatusOK, ProgressResponse{
		UserID:                  u.ID,
		Username:                u.Username,
		CurrentLevel:            u.CurrentLevel,
		ScriptsCompletedInLevel: u.ScriptsCompletedInLevel,
		Version:                 u.Version,
		SessionID:               u.SessionID,
		IsNewUser:               res.IsNewUser,
	})
}

// CompleteRequest is the body of POST /api/progress/complete.
type CompleteRequest struct {
	UserID           string `json:"userId"`
	OriginalRowIndex int    `json:"originalRowIndex"`
	SessionID        string `json:"sessionId"`
	ExpectedVersion  *int64 `json:"expectedVersion,omitempty"`
}

// CompleteProgress handles POST /api/progress/complete - advances progress by
// one prompt. A lost race answers 409 with the current state.
func (h *Handler) CompleteProgress(w http.ResponseWriter, r *http.Request) {
	var req CompleteRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errs.InvalidArgument, "Invalid JSON: "+err.Error())
		return
	}
	if !h.allow(w, r, req.UserID) {
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		writeError(w, http.StatusBadRequest, errs.InvalidArgument, "userId is required")
		return
	}
	if req.OriginalRowIndex < 1 {
		writeError(w, http.StatusBadRequest, errs.InvalidArgument, "originalRowIndex must be positive")
		return
	}
	ctx := obs.WithUser(r.Context(), req.UserID, req.SessionID)

	result, err := h.engine.RecordCompletion(ctx, progress.Completion{
		UserID:          req.UserID,
		ExternalIndex:   req.OriginalRowIndex,
		SessionID:       req.SessionID,
		ExpectedVersion: req.ExpectedVersion,
	})
	if err != nil {
		writeAppError(w, r.WithContext(ctx), err)
		return
	}
	if result.Conflict {
		writeJSON(w, http.StatusConflict, ErrorResponse{
			Error:    "progress changed concurrently; refresh and retry",
			Code:     string(errs.ProgressConflict),
			Progress: result,
		})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// SessionResponse is the body of GET /api/session/check.
type SessionResponse struct {
	IsActive         bool   `json:"isActive"`
	CurrentSessionID string `json:"currentSessionId,omitempty"`
}

// CheckSession handles GET /api/session/check.
func (h *Handler) CheckSession(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	status, err := h.engine.CheckSession(r.Context(), q.Get("userId"), q.Get("sessionId"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, SessionResponse{
		IsActive:         status.Active,
		CurrentSessionID: status.CurrentSessionID,
	})
}

// NextPromptResponse is the body of GET /api/prompts/next. Text and
// OriginalRowIndex describe the current prompt and are empty when the level
// is complete.
type NextPromptResponse struct {
	*levels.Assignment
	Text             string `json:"text,omitempty"`
	OriginalRowIndex int    `json:"originalRowIndex,omitempty"`
}

// NextPrompt handles GET /api/prompts/next - returns the prompt due next in
// the requested level, plus up to count-1 upcoming prompts.
func (h *Handler) NextPrompt(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	userID := q.Get("userId")
	if strings.TrimSpace(userID) == "" {
		writeError(w, http.StatusBadRequest, errs.InvalidArgument, "userId is required")
		return
	}
	level, err := strconv.Atoi(q.Get("level"))
	if err != nil || level < 1 {
		writeError(w, http.StatusBadRequest, errs.InvalidArgument, "level must be a positive integer")
		return
	}
	count := 1
	if countStr := q.Get("count"); countStr != "" {
		parsed, err := strconv.Atoi(countStr)
		if err != nil || parsed < 1 {
			writeError(w, http.StatusBadRequest, errs.InvalidArgument, "count must be a positive integer")
			return
		}
		count = parsed
	}
	ctx := obs.WithUser(r.Context(), userID, q.Get("sessionId"))

	assignment, err := h.engine.NextPrompt(ctx, userID, q.Get("sessionId"), level, count)
	if err != nil {
		writeAppError(w, r.WithContext(ctx), err)
		return
	}
	resp := NextPromptResponse{Assignment: assignment}
	if cur := assignment.Current(); cur != nil {
		resp.Text = cur.Text
		resp.OriginalRowIndex = cur.ExternalIndex
	}
	writeJSON(w, http.StatusOK, resp)
}

// Health handles GET /healthz.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.db != nil {
		if err := h.db.Ping(r.Context()); err != nil {
			writeAppError(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
