package core

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Request and Response Types

// RedeemResponse represents the response for a license redemption
type RedeemResponse struct {
	Email           string   `json:"email,omitempty"`            // Buyer email from the license
	Project         *Project `json:"project,omitempty"`          // Project the license unlocks
	ProvisioningURI string   `json:"provisioning_uri,omitempty"` // otpauth:// URI for authenticator apps
	QRCode          string   `json:"qr_code,omitempty"`          // PNG data URL of the provisioning URI
	StatusCode      int      `json:"-"`                          // HTTP status code (not serialized)
	Error           string   `json:"error,omitempty"`            // Error message if any
}

// LoginPayload represents a TOTP login request body
type LoginPayload struct {
	Slug  string `json:"slug" validate:"required,max=100"`
	Email string `json:"email" validate:"required,email"`
	TOTP  string `json:"totp" validate:"required,len=6,numeric"`
}

// LoginResponse represents the response for a TOTP login
type LoginResponse struct {
	Success    bool      `json:"success"`
	SessionID  string    `json:"session_id,omitempty"` // Session identifier, also set as a cookie
	ExpiresAt  time.Time `json:"expires_at,omitempty"` // When the session expires
	Session    *Session  `json:"-"`                    // Created session, for setting the cookie
	StatusCode int       `json:"-"`                    // HTTP status code (not serialized)
	Error      string    `json:"error,omitempty"`      // Error message if any
}

// SessionCheckResponse represents the response for a session check
type SessionCheckResponse struct {
	SessionCheck
	StatusCode int    `json:"-"`
	Error      string `json:"error,omitempty"`
}

// PlaybackResponse represents the response for a playback URL request
type PlaybackResponse struct {
	URL        string `json:"url,omitempty"`
	StatusCode int    `json:"-"`
	Error      string `json:"error,omitempty"`
}

// ContentResponse represents the resolved content of a project
type ContentResponse struct {
	Project    *Project        `json:"project,omitempty"`
	Blocks     []ResolvedBlock `json:"blocks,omitempty"`
	StatusCode int             `json:"-"`
	Error      string          `json:"error,omitempty"`
}

// LogoutResponse represents the response for logout
type LogoutResponse struct {
	Message    string `json:"message,omitempty"`
	StatusCode int    `json:"-"`
	Error      string `json:"error,omitempty"`
}

// errorStatus maps service errors onto HTTP statuses and client-safe messages.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest, "Invalid request"
	case errors.Is(err, ErrProjectNotFound):
		return http.StatusNotFound, "Project not found"
	case errors.Is(err, ErrAccessCodeNotFound):
		return http.StatusNotFound, "No access code for this email"
	case errors.Is(err, ErrProductMismatch):
		return http.StatusForbidden, "License does not match this project"
	case errors.Is(err, ErrInvalidLicense):
		return http.StatusUnauthorized, "Invalid license"
	case errors.Is(err, ErrInvalidCode):
		return http.StatusUnauthorized, "Invalid code"
	case errors.Is(err, ErrSessionInvalid):
		return http.StatusUnauthorized, "Unauthorized"
	case errors.Is(err, ErrPlaybackUnavailable):
		return http.StatusServiceUnavailable, "Playback unavailable"
	default:
		return http.StatusInternalServerError, "Internal server error"
	}
}

// RedeemHandler processes GET ?code=<license key>&slug=<project> redemptions
func (a *AccessService) RedeemHandler(r *http.Request) RedeemResponse {
	q := r.URL.Query()
	code := strings.TrimSpace(q.Get("code"))
	slug := strings.TrimSpace(q.Get("slug"))
	if code == "" || slug == "" {
		return RedeemResponse{
			StatusCode: http.StatusBadRequest,
			Error:      "code and slug are required",
		}
	}

	redemption, err := a.RedeemLicense(r.Context(), RedeemRequest{
		LicenseKey: code,
		Slug:       slug,
		IPAddress:  ClientIP(r),
	})
	if err != nil {
		status, msg := errorStatus(err)
		if status == http.StatusInternalServerError {
			slog.Error("Failed to redeem license", "slug", slug, "error", err)
		}
		return RedeemResponse{StatusCode: status, Error: msg}
	}

	return RedeemResponse{
		Email:           redemption.AccessCode.Email,
		Project:         redemption.Project,
		ProvisioningURI: redemption.ProvisioningURI,
		QRCode:          redemption.QRCodeDataURL,
		StatusCode:      http.StatusOK,
	}
}

// LoginHandler processes POST {slug, email, totp} logins
func (a *AccessService) LoginHandler(r *http.Request) LoginResponse {
	var req LoginPayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Debug("Failed to decode login request", "error", err)
		return LoginResponse{
			StatusCode: http.StatusBadRequest,
			Error:      "Invalid request format",
		}
	}

	req.TOTP = strings.TrimSpace(req.TOTP)
	req.Email = strings.TrimSpace(req.Email)
	if err := a.validator.Struct(req); err != nil {
		slog.Debug("Login validation failed", "error", err)
		return LoginResponse{
			StatusCode: http.StatusBadRequest,
			Error:      formatValidationErrors(err),
		}
	}

	session, err := a.Login(r.Context(), LoginRequest{
		Slug:      req.Slug,
		Email:     req.Email,
		Code:      req.TOTP,
		IPAddress: ClientIP(r),
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		status, msg := errorStatus(err)
		if status == http.StatusInternalServerError {
			slog.Error("Failed to log in", "slug", req.Slug, "error", err)
		}
		return LoginResponse{StatusCode: status, Error: msg}
	}

	return LoginResponse{
		Success:    true,
		SessionID:  session.ID,
		ExpiresAt:  session.ExpiresAt,
		Session:    session,
		StatusCode: http.StatusOK,
	}
}

// SessionCheckHandler processes GET ?slug= checks of the caller's session cookie
func (a *AccessService) SessionCheckHandler(r *http.Request) SessionCheckResponse {
	slug := strings.TrimSpace(r.URL.Query().Get("slug"))
	if slug == "" {
		return SessionCheckResponse{
			StatusCode: http.StatusBadRequest,
			Error:      "slug is required",
		}
	}

	project, err := a.lookupProject(r.Context(), slug)
	if err != nil {
		if errors.Is(err, ErrProjectNotFound) {
			return SessionCheckResponse{StatusCode: http.StatusNotFound, Error: "Project not found"}
		}
		slog.Error("Failed to get project", "slug", slug, "error", err)
		return SessionCheckResponse{StatusCode: http.StatusOK}
	}

	check := a.checkProjectSession(r.Context(), project, a.sessionToken(r), ClientIP(r))
	return SessionCheckResponse{SessionCheck: check, StatusCode: http.StatusOK}
}

// PlaybackHandler returns a signed playback URL for assetID
func (a *AccessService) PlaybackHandler(r *http.Request, assetID string) PlaybackResponse {
	url, err := a.FetchPlaybackURL(r.Context(), assetID, a.sessionToken(r), ClientIP(r))
	if err != nil {
		status, msg := errorStatus(err)
		if status == http.StatusInternalServerError {
			slog.Error("Failed to sign playback url", "error", err)
		}
		return PlaybackResponse{StatusCode: status, Error: msg}
	}
	return PlaybackResponse{URL: url, StatusCode: http.StatusOK}
}

// ContentHandler returns the resolved content blocks of the project named by ?slug=
func (a *AccessService) ContentHandler(r *http.Request) ContentResponse {
	slug := strings.TrimSpace(r.URL.Query().Get("slug"))
	if slug == "" {
		return ContentResponse{StatusCode: http.StatusBadRequest, Error: "slug is required"}
	}

	project, blocks, err := a.ResolveContent(r.Context(), slug, a.sessionToken(r), ClientIP(r))
	if err != nil {
		status, msg := errorStatus(err)
		if status == http.StatusInternalServerError {
			slog.Error("Failed to resolve content", "slug", slug, "error", err)
		}
		return ContentResponse{StatusCode: status, Error: msg}
	}
	return ContentResponse{Project: project, Blocks: blocks, StatusCode: http.StatusOK}
}

// LogoutHandler ends the caller's session. Only a session presented from its bound address
// is deleted; anything else is left alone. The caller should also set ClearSessionCookie.
func (a *AccessService) LogoutHandler(r *http.Request) LogoutResponse {
	token := a.sessionToken(r)
	if token == "" {
		return LogoutResponse{Message: "Logged out", StatusCode: http.StatusOK}
	}

	ip := ClientIP(r)
	session, err := a.ValidateSession(r.Context(), token, ip)
	if err != nil {
		if errors.Is(err, ErrSessionInvalid) {
			return LogoutResponse{Message: "Logged out", StatusCode: http.StatusOK}
		}
		slog.Error("Failed to validate session", "error", err)
		return LogoutResponse{
			StatusCode: http.StatusInternalServerError,
			Error:      "Internal server error",
		}
	}

	if err := a.EndSession(r.Context(), session.ID); err != nil {
		slog.Error("Failed to delete session", "error", err)
		return LogoutResponse{
			StatusCode: http.StatusInternalServerError,
			Error:      "Internal server error",
		}
	}

	projectID := session.ProjectID
	a.logSecurityEvent(r.Context(), &projectID, session.Email, EventSessionEnded,
		"Session ended by user", ip, r.UserAgent(), true)

	return LogoutResponse{Message: "Logged out", StatusCode: http.StatusOK}
}
