package handler

// RESPONSE HELPERS:
// Every handler answers through writeJSON/writeError so the API has one
// error shape:
//
//	{"error": "not_found", "message": "snippet not found with id abc123"}
//
// Execution endpoints add a second shape for runs that happened but failed
// (compile error, non-zero exit, timeout). Those are not HTTP errors: the
// request was fine and the program's failure is the answer.
//
//	{"result": {...}, "error": "runtime_failure", "message": "python: program exited with code 1"}

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/sakif/codeflow/internal/apperror"
	"github.com/sakif/codeflow/internal/executor"
)

// maxBodyBytes bounds request bodies; the largest legal body is a
// maximum-length program plus JSON overhead.
const maxBodyBytes = 1 << 20

// ErrorResponse is the standard error format returned by all API endpoints.
type ErrorResponse struct {
	Error   string `json:"error"`   // machine-readable, e.g. "not_found"
	Message string `json:"message"` // human-readable
}

// ExecuteResponse is the body of every endpoint that runs code. Error is the
// executor's kind name (see executor.KindName) and empty on success.
type ExecuteResponse struct {
	Result  *executor.ExecutionResult `json:"result,omitempty"`
	Error   string                    `json:"error,omitempty"`
	Message string                    `json:"message,omitempty"`
}

// writeJSON sends a JSON response. Headers and status must be set before
// the body is written; later header changes are silently ignored.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			// headers are gone already, logging is all that is left
			slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
		}
	}
}

// decodeJSON reads r's body into dst, writing a 400 and returning false when
// the body is not valid JSON.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := jsonDecode(r.Body, dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, ErrorResponse{
				Error:   "validation_error",
				Message: fmt.Sprintf("request body must be %d bytes or less", maxBodyBytes),
			})
			return false
		}
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:   "validation_error",
			Message: "request body must be valid JSON",
		})
		return false
	}
	return true
}

func jsonDecode(body io.Reader, dst any) error {
	return json.NewDecoder(body).Decode(dst)
}

// WriteError sends err with the same status mapping the handlers use. It is
// the error writer for middleware mounted in front of them.
func WriteError(w http.ResponseWriter, err error) {
	writeError(w, err)
}

// writeError maps a domain error to an HTTP status and sends it.
//
// The service layer never knows about status codes; this is the one place
// where apperror and executor sentinels become 4xx/5xx. errors.Is walks the
// whole wrap chain, so fmt.Errorf("...: %w", err) from any layer still maps.
func writeError(w http.ResponseWriter, err error) {
	if errors.Is(err, apperror.ErrUnauthorized) {
		w.Header().Set("WWW-Authenticate", `Bearer realm="codeflow"`)
	}

	var appErr *apperror.AppError
	if errors.As(err, &appErr) {
		status := http.StatusInternalServerError
		errorType := "internal_error"

		switch {
		case errors.Is(err, apperror.ErrValidation):
			status = http.StatusBadRequest
			errorType = "validation_error"
		case errors.Is(err, apperror.ErrUnauthorized):
			status = http.StatusUnauthorized
			errorType = "unauthorized"
		case errors.Is(err, apperror.ErrNotFound):
			status = http.StatusNotFound
			errorType = "not_found"
		case errors.Is(err, apperror.ErrBusy):
			status = http.StatusConflict
			errorType = "busy"
		case errors.Is(err, apperror.ErrClosed):
			status = http.StatusConflict
			errorType = "closed"
		}

		writeJSON(w, status, ErrorResponse{Error: errorType, Message: appErr.Message})
		return
	}

	// Executor errors that mean the request itself was wrong or the host
	// could not run anything. Everything else is a program outcome and goes
	// through writeExecution instead.
	switch {
	case errors.Is(err, executor.ErrUnsupportedLanguage):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: executor.KindName(err), Message: err.Error()})
		return
	case errors.Is(err, executor.ErrSpawn), errors.Is(err, executor.ErrScratch):
		writeJSON(w, http.StatusBadGateway, ErrorResponse{Error: executor.KindName(err), Message: err.Error()})
		return
	}

	// Never expose internal details: raw messages may contain SQL or paths.
	writeJSON(w, http.StatusInternalServerError, ErrorResponse{
		Error:   "internal_error",
		Message: "An internal error occurred",
	})
}

// writeExecution answers a run. Failures that produced an outcome (compile,
// runtime, decode, timeout, canceled) are 200 with the failure in the body.
func writeExecution(w http.ResponseWriter, res *executor.ExecutionResult, err error) {
	if err == nil {
		writeJSON(w, http.StatusOK, ExecuteResponse{Result: res})
		return
	}
	if !isOutcome(err) {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ExecuteResponse{
		Result:  res,
		Error:   executor.KindName(err),
		Message: err.Error(),
	})
}

// isOutcome reports whether err describes how a program ended rather than a
// reason it could not be run.
func isOutcome(err error) bool {
	for _, kind := range []error{
		executor.ErrCompile,
		executor.ErrRuntime,
		executor.ErrDecode,
		executor.ErrTimeout,
		executor.ErrCanceled,
	} {
		if errors.Is(err, kind) {
			return true
		}
	}
	return false
}

// queryInt parses an optional integer query parameter.
func queryInt(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperror.ValidationFailed(name, fmt.Sprintf("%s must be an integer", name))
	}
	return n, nil
}
