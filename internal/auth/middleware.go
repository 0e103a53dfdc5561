package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/sakif/codeflow/internal/apperror"
)

// contextKey is package-private so no other package can read or shadow the
// values stored under it.
type contextKey string

const sessionIDKey contextKey = "sessionID"

// RefreshHeader carries a freshly issued token on every authorized response.
// Clients that swap it in never see their token expire while they keep using
// the session.
const RefreshHeader = "X-Session-Token"

// ErrorWriter sends an error response; the server passes the handler
// package's writer so a rejection looks like any other API error.
type ErrorWriter func(w http.ResponseWriter, err error)

// RequireSession rejects requests whose Bearer token is missing, invalid, or
// issued for a different session than the one named by the URL parameter
// param, answering with an apperror.Unauthorized through writeErr. On
// success the session id is stored in the request context and a renewed
// token is set in RefreshHeader.
func RequireSession(tokens *TokenService, param string, writeErr ErrorWriter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sessionID, err := bearerSubject(r, tokens)
			if err != nil || sessionID != chi.URLParam(r, param) {
				writeErr(w, apperror.Unauthorized("a valid token for this session is required"))
				return
			}

			if renewed, err := tokens.Generate(sessionID); err == nil {
				w.Header().Set(RefreshHeader, renewed)
			}

			ctx := context.WithValue(r.Context(), sessionIDKey, sessionID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// SessionIDFromContext returns the session id stored by RequireSession.
func SessionIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(sessionIDKey).(string)
	return id, ok && id != ""
}

func bearerSubject(r *http.Request, tokens *TokenService) (string, error) {
	header := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return "", ErrInvalidToken
	}
	return tokens.Validate(strings.TrimSpace(token))
}
