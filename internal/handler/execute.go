package handler

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/sakif/codeflow/internal/executor"
	"github.com/sakif/codeflow/internal/repository"
	"github.com/sakif/codeflow/internal/service"
)

// ExecuteHandler serves one-shot execution, the language list and run history.
type ExecuteHandler struct {
	svc    *service.ExecutionService
	logger *slog.Logger
}

func NewExecuteHandler(svc *service.ExecutionService, logger *slog.Logger) *ExecuteHandler {
	return &ExecuteHandler{svc: svc, logger: logger}
}

// LanguageResponse is one entry of GET /api/languages.
type LanguageResponse struct {
	Name     executor.Language `json:"name"`
	Compiled bool              `json:"compiled"`
	Command  string            `json:"command"`
}

// HandleLanguages lists what the server can run.
//
// HTTP: GET /api/languages
func (h *ExecuteHandler) HandleLanguages(w http.ResponseWriter, r *http.Request) {
	descs := h.svc.Languages()
	out := make([]LanguageResponse, 0, len(descs))
	for _, d := range descs {
		out = append(out, LanguageResponse{Name: d.Name, Compiled: d.Compiled, Command: d.Command})
	}
	writeJSON(w, http.StatusOK, out)
}

// HandleExecute runs a snippet synchronously and answers with its outcome.
//
// HTTP: POST /api/execute
// REQUEST BODY: {"code": "print('hi')", "language": "python"}
func (h *ExecuteHandler) HandleExecute(w http.ResponseWriter, r *http.Request) {
	var req executor.ExecutionRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	res, err := h.svc.Execute(r.Context(), req)
	writeExecution(w, res, err)
}

// HandleListRuns returns recorded runs, newest first.
//
// HTTP: GET /api/runs?limit=20&offset=0&language=python&session=<id>
func (h *ExecuteHandler) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, err)
		return
	}
	offset, err := queryInt(r, "offset")
	if err != nil {
		writeError(w, err)
		return
	}

	q := r.URL.Query()
	runs, err := h.svc.History(r.Context(), repository.RunListOptions{
		ListOptions: repository.ListOptions{Limit: limit, Offset: offset},
		Language:    executor.Language(strings.ToLower(q.Get("language"))),
		SessionID:   q.Get("session"),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

// HandleGetRun returns one recorded run.
//
// HTTP: GET /api/runs/{id}
func (h *ExecuteHandler) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.svc.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}
