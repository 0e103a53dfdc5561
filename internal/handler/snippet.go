package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sakif/codeflow/internal/executor"
	"github.com/sakif/codeflow/internal/model"
	"github.com/sakif/codeflow/internal/service"
)

// SnippetHandler manages saved snippets. It only talks to the service; the
// repository and the executor stay behind it.
type SnippetHandler struct {
	svc    *service.SnippetService
	logger *slog.Logger
}

func NewSnippetHandler(svc *service.SnippetService, logger *slog.Logger) *SnippetHandler {
	return &SnippetHandler{svc: svc, logger: logger}
}

// snippetRequest is the body of create and update.
type snippetRequest struct {
	Name        string            `json:"name"`
	Language    executor.Language `json:"language"`
	Code        string            `json:"code"`
	Description string            `json:"description"`
}

func (req snippetRequest) input() service.SnippetInput {
	return service.SnippetInput{
		Name:        req.Name,
		Language:    req.Language,
		Code:        req.Code,
		Description: req.Description,
	}
}

// SnippetRunResponse is the body of POST /api/snippets/{id}/run.
type SnippetRunResponse struct {
	Snippet *model.Snippet `json:"snippet"`
	ExecuteResponse
}

// HandleList returns saved snippets, newest first.
//
// HTTP: GET /api/snippets?limit=20&offset=0
func (h *SnippetHandler) HandleList(w http.ResponseWriter, r *http.Request) {
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

	snippets, err := h.svc.List(r.Context(), limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snippets)
}

// HTTP: GET /api/snippets/{id}
func (h *SnippetHandler) HandleGetByID(w http.ResponseWriter, r *http.Request) {
	snippet, err := h.svc.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snippet)
}

// HandleCreate saves a new snippet.
//
// HTTP: POST /api/snippets
// REQUEST BODY: {"name": "hello", "language": "python", "code": "print('hi')"}
func (h *SnippetHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req snippetRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	snippet, err := h.svc.Create(r.Context(), req.input())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, snippet)
}

// HandleUpdate replaces a snippet. Omitted name or language keep their
// stored values.
//
// HTTP: PUT /api/snippets/{id}
func (h *SnippetHandler) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	var req snippetRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	snippet, err := h.svc.Update(r.Context(), chi.URLParam(r, "id"), req.input())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snippet)
}

// HTTP: DELETE /api/snippets/{id}
func (h *SnippetHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleRun executes a stored snippet synchronously.
//
// HTTP: POST /api/snippets/{id}/run
func (h *SnippetHandler) HandleRun(w http.ResponseWriter, r *http.Request) {
	snippet, res, err := h.svc.Run(r.Context(), chi.URLParam(r, "id"))
	if snippet == nil || (err != nil && !isOutcome(err)) {
		writeError(w, err)
		return
	}

	body := SnippetRunResponse{Snippet: snippet, ExecuteResponse: ExecuteResponse{Result: res}}
	if err != nil {
		body.Error = executor.KindName(err)
		body.Message = err.Error()
	}
	writeJSON(w, http.StatusOK, body)
}
