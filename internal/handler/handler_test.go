package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/codeflow/internal/auth"
	"github.com/sakif/codeflow/internal/executor"
	"github.com/sakif/codeflow/internal/handler"
	"github.com/sakif/codeflow/internal/repository/sqlite"
	"github.com/sakif/codeflow/internal/service"
	"github.com/sakif/codeflow/internal/session"
)

// MockExecutor runs "python" without spawning anything. The code decides
// the outcome:
//
//	"fail"   exits 1 with stderr
//	"spawn"  the interpreter cannot be started
//	"sleep"  blocks until canceled
//	other    succeeds, echoing the code to stdout
type MockExecutor struct{}

func (MockExecutor) Languages() []executor.Descriptor {
	return []executor.Descriptor{{Name: "python", Command: "python3", Args: []string{"-c", "{code}"}}}
}

func (MockExecutor) Execute(ctx context.Context, req executor.ExecutionRequest) (*executor.ExecutionResult, error) {
	if req.Language != "python" {
		return nil, executor.Unsupported(req.Language)
	}
	switch req.Code {
	case "fail":
		res := &executor.ExecutionResult{Stderr: "Traceback", ExitCode: 1, Stage: executor.StageRun}
		return res, executor.RuntimeFailed(req.Language, res)
	case "spawn":
		return nil, executor.SpawnFailed(req.Language, executor.StageRun, fs.ErrNotExist)
	case "sleep":
		<-ctx.Done()
		return nil, executor.Canceled(req.Language, executor.StageRun, ctx.Err())
	}
	return &executor.ExecutionResult{Stdout: req.Code + "\n", Success: true, Stage: executor.StageRun}, nil
}

type testAPI struct {
	router http.Handler
	tokens *auth.TokenService
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	db, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	execSvc := service.NewExecutionService(MockExecutor{}, db, logger)
	snippetSvc := service.NewSnippetService(db, execSvc, logger)

	manager := session.NewManager(execSvc, session.DefaultManagerConfig(), logger)
	t.Cleanup(manager.Stop)

	tokens, err := auth.NewTokenService("test-secret-that-is-long-enough-1234", time.Hour)
	require.NoError(t, err)

	execH := handler.NewExecuteHandler(execSvc, logger)
	snippetH := handler.NewSnippetHandler(snippetSvc, logger)
	sessionH := handler.NewSessionHandler(manager, execSvc, tokens, logger)

	r := chi.NewRouter()
	r.Route("/api", func(r chi.Router) {
		r.Get("/languages", execH.HandleLanguages)
		r.Post("/execute", execH.HandleExecute)
		r.Get("/runs", execH.HandleListRuns)
		r.Get("/runs/{id}", execH.HandleGetRun)

		r.Post("/sessions", sessionH.HandleCreate)
		r.Route("/sessions/{id}", func(r chi.Router) {
			r.Use(auth.RequireSession(tokens, "id", handler.WriteError))
			r.Delete("/", sessionH.HandleClose)
			r.Post("/runs", sessionH.HandleSubmit)
			r.Delete("/runs", sessionH.HandleCancel)
			r.Get("/result", sessionH.HandleResult)
		})

		r.Get("/snippets", snippetH.HandleList)
		r.Post("/snippets", snippetH.HandleCreate)
		r.Get("/snippets/{id}", snippetH.HandleGetByID)
		r.Put("/snippets/{id}", snippetH.HandleUpdate)
		r.Delete("/snippets/{id}", snippetH.HandleDelete)
		r.Post("/snippets/{id}/run", snippetH.HandleRun)
	})

	return &testAPI{router: r, tokens: tokens}
}

func (a *testAPI) do(t *testing.T, method, path, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	a.router.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&v), "body: %s", rr.Body.String())
	return v
}

func TestLanguages(t *testing.T) {
	api := newTestAPI(t)

	rr := api.do(t, http.MethodGet, "/api/languages", "", "")
	assert.Equal(t, http.StatusOK, rr.Code)

	langs := decode[[]handler.LanguageResponse](t, rr)
	require.Len(t, langs, 1)
	assert.Equal(t, executor.Language("python"), langs[0].Name)
}

func TestExecute(t *testing.T) {
	api := newTestAPI(t)

	t.Run("success", func(t *testing.T) {
		rr := api.do(t, http.MethodPost, "/api/execute", `{"code":"hello","language":"python"}`, "")
		assert.Equal(t, http.StatusOK, rr.Code)

		body := decode[handler.ExecuteResponse](t, rr)
		require.NotNil(t, body.Result)
		assert.Equal(t, "hello\n", body.Result.Stdout)
		assert.True(t, body.Result.Success)
		assert.Empty(t, body.Error)
	})

	t.Run("runtime failure is a 200 outcome", func(t *testing.T) {
		rr := api.do(t, http.MethodPost, "/api/execute", `{"code":"fail","language":"python"}`, "")
		assert.Equal(t, http.StatusOK, rr.Code)

		body := decode[handler.ExecuteResponse](t, rr)
		assert.Equal(t, "runtime_failure", body.Error)
		require.NotNil(t, body.Result)
		assert.Equal(t, 1, body.Result.ExitCode)
		assert.Equal(t, "Traceback", body.Result.Stderr)
	})

	t.Run("unsupported language", func(t *testing.T) {
		rr := api.do(t, http.MethodPost, "/api/execute", `{"code":"x","language":"cobol"}`, "")
		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Equal(t, "unsupported_language", decode[handler.ErrorResponse](t, rr).Error)
	})

	t.Run("spawn failure", func(t *testing.T) {
		rr := api.do(t, http.MethodPost, "/api/execute", `{"code":"spawn","language":"python"}`, "")
		assert.Equal(t, http.StatusBadGateway, rr.Code)
		assert.Equal(t, "spawn_failure", decode[handler.ErrorResponse](t, rr).Error)
	})

	t.Run("missing language", func(t *testing.T) {
		rr := api.do(t, http.MethodPost, "/api/execute", `{"code":"x"}`, "")
		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Equal(t, "validation_error", decode[handler.ErrorResponse](t, rr).Error)
	})

	t.Run("invalid body", func(t *testing.T) {
		rr := api.do(t, http.MethodPost, "/api/execute", `{"invalid_json":`, "")
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})
}

func TestRunHistory(t *testing.T) {
	api := newTestAPI(t)

	api.do(t, http.MethodPost, "/api/execute", `{"code":"one","language":"python"}`, "")
	api.do(t, http.MethodPost, "/api/execute", `{"code":"fail","language":"python"}`, "")

	rr := api.do(t, http.MethodGet, "/api/runs?limit=10", "", "")
	require.Equal(t, http.StatusOK, rr.Code)

	var runs []struct {
		ID        string `json:"id"`
		Code      string `json:"code"`
		ErrorKind string `json:"errorKind"`
	}
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&runs))
	require.Len(t, runs, 2)
	assert.Equal(t, "fail", runs[0].Code, "newest first")
	assert.Equal(t, "runtime_failure", runs[0].ErrorKind)

	rr = api.do(t, http.MethodGet, "/api/runs/"+runs[1].ID, "", "")
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = api.do(t, http.MethodGet, "/api/runs/nope", "", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = api.do(t, http.MethodGet, "/api/runs?limit=ten", "", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func createSession(t *testing.T, api *testAPI, body string) handler.SessionResponse {
	t.Helper()
	rr := api.do(t, http.MethodPost, "/api/sessions", body, "")
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	return decode[handler.SessionResponse](t, rr)
}

func TestSessionFlow(t *testing.T) {
	api := newTestAPI(t)
	sess := createSession(t, api, "")
	assert.Equal(t, session.PolicyReplace, sess.Policy)
	assert.NotEmpty(t, sess.Token)

	base := "/api/sessions/" + sess.ID

	rr := api.do(t, http.MethodGet, base+"/result", "", sess.Token)
	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, "false", rr.Header().Get("X-Session-Running"))

	rr = api.do(t, http.MethodPost, base+"/runs", `{"code":"hi","language":"python"}`, sess.Token)
	require.Equal(t, http.StatusAccepted, rr.Code)
	runID := decode[handler.SubmitResponse](t, rr).RunID
	assert.NotEmpty(t, runID)

	var result handler.ResultResponse
	require.Eventually(t, func() bool {
		rr := api.do(t, http.MethodGet, base+"/result", "", sess.Token)
		if rr.Code != http.StatusOK {
			return false
		}
		result = decode[handler.ResultResponse](t, rr)
		return true
	}, 5*time.Second, 10*time.Millisecond)

	require.NotNil(t, result.Outcome)
	assert.Equal(t, runID, result.RunID)
	require.NotNil(t, result.Result)
	assert.Equal(t, "hi\n", result.Result.Stdout)
	assert.Empty(t, result.Error)

	rr = api.do(t, http.MethodDelete, base, "", sess.Token)
	assert.Equal(t, http.StatusNoContent, rr.Code)

	rr = api.do(t, http.MethodGet, base+"/result", "", sess.Token)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestSessionAuth(t *testing.T) {
	api := newTestAPI(t)
	a := createSession(t, api, "")
	b := createSession(t, api, "")

	body := `{"code":"hi","language":"python"}`

	rr := api.do(t, http.MethodPost, "/api/sessions/"+a.ID+"/runs", body, "")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "unauthorized", decode[handler.ErrorResponse](t, rr).Error)
	assert.Contains(t, rr.Header().Get("WWW-Authenticate"), "Bearer")
	assert.Empty(t, rr.Header().Get(auth.RefreshHeader))

	rr = api.do(t, http.MethodPost, "/api/sessions/"+a.ID+"/runs", body, b.Token)
	assert.Equal(t, http.StatusUnauthorized, rr.Code, "a token only opens its own session")

	rr = api.do(t, http.MethodPost, "/api/sessions/"+a.ID+"/runs", body, "garbage")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	// an authorized call hands out a token that opens the same session
	rr = api.do(t, http.MethodGet, "/api/sessions/"+a.ID+"/result", "", a.Token)
	require.Equal(t, http.StatusNoContent, rr.Code)
	renewed := rr.Header().Get(auth.RefreshHeader)
	require.NotEmpty(t, renewed)
	rr = api.do(t, http.MethodGet, "/api/sessions/"+a.ID+"/result", "", renewed)
	assert.Equal(t, http.StatusNoContent, rr.Code)

	// a valid token for a session that no longer exists
	orphan, err := api.tokens.Generate("gone")
	require.NoError(t, err)
	rr = api.do(t, http.MethodGet, "/api/sessions/gone/result", "", orphan)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestSessionRejectPolicy(t *testing.T) {
	api := newTestAPI(t)
	sess := createSession(t, api, `{"policy":"reject"}`)
	assert.Equal(t, session.PolicyReject, sess.Policy)
	base := "/api/sessions/" + sess.ID

	rr := api.do(t, http.MethodPost, base+"/runs", `{"code":"sleep","language":"python"}`, sess.Token)
	require.Equal(t, http.StatusAccepted, rr.Code)

	rr = api.do(t, http.MethodPost, base+"/runs", `{"code":"hi","language":"python"}`, sess.Token)
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "busy", decode[handler.ErrorResponse](t, rr).Error)

	rr = api.do(t, http.MethodGet, base+"/result", "", sess.Token)
	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, "true", rr.Header().Get("X-Session-Running"))

	rr = api.do(t, http.MethodDelete, base+"/runs", "", sess.Token)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 1, decode[handler.CancelResponse](t, rr).Canceled)

	require.Eventually(t, func() bool {
		rr := api.do(t, http.MethodGet, base+"/result", "", sess.Token)
		if rr.Code != http.StatusOK {
			return false
		}
		return decode[handler.ResultResponse](t, rr).Error == "canceled"
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSessionSubmitValidation(t *testing.T) {
	api := newTestAPI(t)
	sess := createSession(t, api, "")
	base := "/api/sessions/" + sess.ID

	rr := api.do(t, http.MethodPost, base+"/runs", `{"code":"x","language":"cobol"}`, sess.Token)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "unsupported_language", decode[handler.ErrorResponse](t, rr).Error)

	rr = api.do(t, http.MethodGet, base+"/result", "", sess.Token)
	assert.Equal(t, http.StatusNoContent, rr.Code, "a rejected submit never becomes an outcome")

	rr = api.do(t, http.MethodPost, "/api/sessions", `{"policy":"sometimes"}`, "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestSnippetCRUDAndRun(t *testing.T) {
	api := newTestAPI(t)

	rr := api.do(t, http.MethodPost, "/api/snippets", `{"name":"greet","language":"python","code":"hey"}`, "")
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var created struct {
		ID       string `json:"id"`
		Name     string `json:"name"`
		Language string `json:"language"`
	}
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&created))
	assert.Equal(t, "python", created.Language)

	path := "/api/snippets/" + created.ID

	rr = api.do(t, http.MethodGet, path, "", "")
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = api.do(t, http.MethodPut, path, `{"code":"fail"}`, "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = api.do(t, http.MethodPost, path+"/run", "", "")
	require.Equal(t, http.StatusOK, rr.Code)
	run := decode[handler.SnippetRunResponse](t, rr)
	assert.Equal(t, created.ID, run.Snippet.ID)
	assert.Equal(t, "greet", run.Snippet.Name)
	assert.Equal(t, "runtime_failure", run.Error)

	rr = api.do(t, http.MethodGet, "/api/snippets", "", "")
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = api.do(t, http.MethodDelete, path, "", "")
	assert.Equal(t, http.StatusNoContent, rr.Code)

	rr = api.do(t, http.MethodGet, path, "", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = api.do(t, http.MethodPost, path+"/run", "", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = api.do(t, http.MethodPost, "/api/snippets", `{"name":"x","language":"cobol","code":""}`, "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}
