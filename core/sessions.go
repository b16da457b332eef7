package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// CreateSession opens a new session for the identity, bound to ipAddress.
func (a *AccessService) CreateSession(ctx context.Context, projectID int64, email, ipAddress, userAgent string) (*Session, error) {
	id, err := generateSessionID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session id: %w", err)
	}

	now := a.now().UTC()
	session := &Session{
		ID:             id,
		ProjectID:      projectID,
		Email:          normalizeEmail(email),
		IPAddress:      ipAddress,
		UserAgent:      userAgent,
		CreatedAt:      now,
		ExpiresAt:      now.Add(a.sessionConfig.SessionLifetime),
		LastActivityAt: now,
	}

	if err := a.storage.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return session, nil
}

// ValidateSession returns the session when it exists, was opened from ipAddress and has not
// expired. Every denial is ErrSessionInvalid; only a successful check writes to the store.
func (a *AccessService) ValidateSession(ctx context.Context, sessionID, ipAddress string) (*Session, error) {
	return a.validateSession(ctx, sessionID, ipAddress, 0)
}

// validateSession is ValidateSession with an optional project requirement; projectID 0
// accepts a session for any project.
func (a *AccessService) validateSession(ctx context.Context, sessionID, ipAddress string, projectID int64) (*Session, error) {
	if sessionID == "" {
		return nil, ErrSessionInvalid
	}

	session, err := a.storage.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	now := a.now()
	switch {
	case session == nil:
		slog.Debug("Session rejected", "reason", "not_found")
		return nil, ErrSessionInvalid
	case session.IPAddress != ipAddress:
		slog.Debug("Session rejected", "reason", "address_mismatch", "project_id", session.ProjectID)
		return nil, ErrSessionInvalid
	case !now.Before(session.ExpiresAt):
		slog.Debug("Session rejected", "reason", "expired", "project_id", session.ProjectID)
		return nil, ErrSessionInvalid
	case projectID != 0 && session.ProjectID != projectID:
		slog.Debug("Session rejected", "reason", "project_mismatch", "project_id", projectID)
		return nil, ErrSessionInvalid
	}

	if err := a.storage.TouchSession(ctx, session.ID, now.UTC()); err != nil {
		slog.Error("Failed to update session activity", "error", err)
	} else {
		session.LastActivityAt = now.UTC()
	}
	return session, nil
}

// EndSession deletes the session. Unknown IDs are not an error.
func (a *AccessService) EndSession(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return nil
	}
	if err := a.storage.DeleteSession(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// CleanExpiredSessions deletes every session whose expiry is at or before now.
func (a *AccessService) CleanExpiredSessions(ctx context.Context) (int64, error) {
	n, err := a.storage.DeleteExpiredSessions(ctx, a.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired sessions: %w", err)
	}
	return n, nil
}

// StartSessionSweeper purges expired sessions every interval until ctx is cancelled.
// A non-positive interval uses the configured SweepInterval.
func (a *AccessService) StartSessionSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = a.sessionConfig.SweepInterval
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := a.CleanExpiredSessions(ctx)
				if err != nil {
					slog.Error("Session sweep failed", "error", err)
					continue
				}
				if n > 0 {
					slog.Info("Expired sessions removed", "count", n)
				}
			}
		}
	}()
}

// SessionCookie builds the cookie carrying the session identifier.
func (a *AccessService) SessionCookie(s *Session) *http.Cookie {
	return &http.Cookie{
		Name:     a.sessionConfig.CookieName,
		Value:    s.ID,
		Path:     "/",
		MaxAge:   int(a.sessionConfig.SessionLifetime.Seconds()),
		Expires:  s.ExpiresAt,
		HttpOnly: true,
		Secure:   !a.sessionConfig.InsecureCookies,
		SameSite: http.SameSiteStrictMode,
	}
}

// ClearSessionCookie returns a cookie that removes the session cookie from the browser.
func (a *AccessService) ClearSessionCookie() *http.Cookie {
	return &http.Cookie{
		Name:     a.sessionConfig.CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   !a.sessionConfig.InsecureCookies,
		SameSite: http.SameSiteStrictMode,
	}
}

// sessionToken reads the session identifier from the cookie, falling back to a bearer header.
func (a *AccessService) sessionToken(r *http.Request) string {
	if c, err := r.Cookie(a.sessionConfig.CookieName); err == nil && c.Value != "" {
		return c.Value
	}
	const prefix = "Bearer "
	if h := r.Header.Get("Authorization"); len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}
