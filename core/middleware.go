package core

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
)

type contextKey string

const sessionContextKey contextKey = "session"

// RequireSession rejects requests without a valid session for the project named by slug(r).
// The session is available to next through SessionFromContext.
func (a *AccessService) RequireSession(slug func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			project, err := a.lookupProject(r.Context(), slug(r))
			if err != nil {
				if errors.Is(err, ErrProjectNotFound) {
					http.Error(w, "Project not found", http.StatusNotFound)
					return
				}
				slog.Error("Failed to get project", "error", err)
				http.Error(w, "Internal server error", http.StatusInternalServerError)
				return
			}

			session, err := a.projectSession(r.Context(), project, a.sessionToken(r), ClientIP(r))
			if err != nil {
				if !errors.Is(err, ErrSessionInvalid) {
					slog.Error("Failed to validate session", "error", err)
				}
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), sessionContextKey, session)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// SessionFromContext retrieves the session stored by RequireSession
func SessionFromContext(ctx context.Context) *Session {
	if session, ok := ctx.Value(sessionContextKey).(*Session); ok {
		return session
	}
	return nil
}
