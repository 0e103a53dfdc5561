package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sakif/codeflow/internal/auth"
	"github.com/sakif/codeflow/internal/executor"
	"github.com/sakif/codeflow/internal/service"
	"github.com/sakif/codeflow/internal/session"
)

// SessionHandler exposes the per-client result slot over HTTP.
//
// FLOW:
//  1. POST /api/sessions              → {id, token, policy}
//  2. POST /api/sessions/{id}/runs    → 202 {runId}, the run continues in the background
//  3. GET  /api/sessions/{id}/result  → 200 latest outcome, or 204 while nothing finished
//
// Every route after the first requires "Authorization: Bearer <token>"; the
// server mounts auth.RequireSession in front of them, and the handlers act on
// the session it authorized.
type SessionHandler struct {
	sessions *session.Manager
	exec     *service.ExecutionService
	tokens   *auth.TokenService
	logger   *slog.Logger
}

func NewSessionHandler(
	sessions *session.Manager,
	exec *service.ExecutionService,
	tokens *auth.TokenService,
	logger *slog.Logger,
) *SessionHandler {
	return &SessionHandler{
		sessions: sessions,
		exec:     exec,
		tokens:   tokens,
		logger:   logger,
	}
}

// SessionResponse is returned once, on creation. The token is the only
// credential for the session; it is never shown again.
type SessionResponse struct {
	ID        string         `json:"id"`
	Token     string         `json:"token"`
	Policy    session.Policy `json:"policy"`
	CreatedAt time.Time      `json:"createdAt"`
}

// SubmitResponse acknowledges an accepted run.
type SubmitResponse struct {
	RunID string `json:"runId"`
}

// ResultResponse is the latest finished run of a session. Running reports
// whether another run is still in flight or queued behind it.
type ResultResponse struct {
	Running bool `json:"running"`
	*session.Outcome
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

// CancelResponse reports how many runs a cancel request stopped.
type CancelResponse struct {
	Canceled int `json:"canceled"`
}

// runningHeader carries the running flag on 204 responses, which have no body.
const runningHeader = "X-Session-Running"

// HandleCreate opens a session.
//
// HTTP: POST /api/sessions
// REQUEST BODY (optional): {"policy": "replace" | "reject" | "queue"}
func (h *SessionHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Policy session.Policy `json:"policy"`
	}
	if r.ContentLength != 0 {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		if err := decodeOptional(r.Body, &req); err != nil {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{
				Error:   "validation_error",
				Message: "request body must be valid JSON",
			})
			return
		}
	}

	s, err := h.sessions.Create(req.Policy)
	if err != nil {
		writeError(w, err)
		return
	}

	token, err := h.tokens.Generate(s.ID())
	if err != nil {
		h.logger.Error("failed to issue session token",
			slog.String("session", s.ID()),
			slog.String("error", err.Error()),
		)
		_ = h.sessions.Close(s.ID())
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, SessionResponse{
		ID:        s.ID(),
		Token:     token,
		Policy:    s.Policy(),
		CreatedAt: s.CreatedAt(),
	})
}

// HandleSubmit starts a run in the session and returns immediately.
//
// HTTP: POST /api/sessions/{id}/runs
// REQUEST BODY: {"code": "...", "language": "python"}
//
// Requests the executor would reject without running anything (bad language,
// oversized code) fail here with 400 instead of becoming the session's outcome.
func (h *SessionHandler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	s, err := h.sessions.Get(sessionID(r))
	if err != nil {
		writeError(w, err)
		return
	}

	var req executor.ExecutionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req, err = h.exec.Check(req)
	if err != nil {
		writeError(w, err)
		return
	}

	handle, err := s.Submit(req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, SubmitResponse{RunID: handle.ID()})
}

// HandleResult returns the latest finished outcome without blocking.
//
// HTTP: GET /api/sessions/{id}/result
func (h *SessionHandler) HandleResult(w http.ResponseWriter, r *http.Request) {
	s, err := h.sessions.Get(sessionID(r))
	if err != nil {
		writeError(w, err)
		return
	}

	outcome, ok := s.Latest()
	if !ok {
		if s.Running() {
			w.Header().Set(runningHeader, "true")
		} else {
			w.Header().Set(runningHeader, "false")
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}

	body := ResultResponse{Running: s.Running(), Outcome: outcome}
	if outcome.Err != nil {
		body.Error = executor.KindName(outcome.Err)
		if body.Error == "" {
			// validation or other non-executor failure
			body.Error = "internal_error"
		}
		body.Message = outcome.Err.Error()
	}
	writeJSON(w, http.StatusOK, body)
}

// HandleCancel stops every in-flight or queued run of the session.
//
// HTTP: DELETE /api/sessions/{id}/runs
func (h *SessionHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	s, err := h.sessions.Get(sessionID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, CancelResponse{Canceled: s.Cancel()})
}

// HandleClose ends the session and cancels its runs.
//
// HTTP: DELETE /api/sessions/{id}
func (h *SessionHandler) HandleClose(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.Close(sessionID(r)); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// sessionID is the session auth.RequireSession authorized for this request.
func sessionID(r *http.Request) string {
	id, _ := auth.SessionIDFromContext(r.Context())
	return id
}

// decodeOptional decodes a JSON body that may be empty.
func decodeOptional(body io.Reader, dst any) error {
	err := jsonDecode(body, dst)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
