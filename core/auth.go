// Package core gates paid content behind a one-time license redemption followed by
// recurring TOTP login, bound to the requester's network address.
//
// This package includes:
//   - License redemption into a per-project access code holding a TOTP secret
//   - TOTP login producing short-lived, IP-bound sessions
//   - Session checks and a background sweep of expired sessions
//   - Signed, expiring playback URLs for authenticated viewers
//   - Security event auditing
//
// ## Quick Start:
//
//	store, err := storage.NewSQLiteStorage("access.db")
//	if err != nil {
//		log.Fatal(err)
//	}
//	licenses, _ := license.NewClient(license.Config{APIKey: apiKey})
//	signer, _ := playback.NewSigner(libraryID, streamKey)
//
//	svc, err := core.NewAccessService(core.Config{
//		Storage:  store,
//		Licenses: licenses,
//		Playback: signer,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	r.Post("/api/access/validate", func(w http.ResponseWriter, r *http.Request) {
//		result := svc.LoginHandler(r)
//		if result.Session != nil {
//			http.SetCookie(w, svc.SessionCookie(result.Session))
//		}
//		w.WriteHeader(result.StatusCode)
//		json.NewEncoder(w).Encode(result)
//	})
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/wispberry-tech/wispy-access/license"
)

// Errors returned by the access service. Handlers map them to HTTP statuses.
var (
	// ErrInvalidInput is returned when a required field is missing or malformed
	ErrInvalidInput = errors.New("invalid input")
	// ErrProjectNotFound is returned when no active project has the requested slug
	ErrProjectNotFound = errors.New("project not found")
	// ErrAccessCodeNotFound is returned when the identity never redeemed a license for the project
	ErrAccessCodeNotFound = errors.New("access code not found")
	// ErrInvalidLicense is returned when the licensing authority does not vouch for the key
	ErrInvalidLicense = license.ErrInvalidLicense
	// ErrProductMismatch is returned when the license belongs to another product
	ErrProductMismatch = license.ErrProductMismatch
	// ErrInvalidCode is returned when a TOTP code does not verify
	ErrInvalidCode = errors.New("invalid code")
	// ErrSessionInvalid is the single denial for unknown, expired and address-mismatched sessions
	ErrSessionInvalid = errors.New("invalid session")
	// ErrDuplicate is wrapped by storage when a uniqueness constraint rejects an insert
	ErrDuplicate = errors.New("duplicate record")
	// ErrPlaybackUnavailable is returned when no playback signer is configured
	ErrPlaybackUnavailable = errors.New("playback not configured")
)

// DefaultIssuer is the issuer label shown in authenticator apps.
const DefaultIssuer = "OnlyMatt Projects"

// LicenseValidator redeems license keys. *license.Client implements it.
type LicenseValidator interface {
	Validate(ctx context.Context, key, expectedProductID string) (*license.License, error)
}

// PlaybackSigner signs video playback URLs. *playback.Signer implements it.
type PlaybackSigner interface {
	Sign(assetID string, ttl time.Duration) string
}

// MediaSigner signs CDN paths. *playback.CDNSigner implements it.
type MediaSigner interface {
	SignPath(path string, ttl time.Duration) string
}

// SessionConfig defines session and login policy
type SessionConfig struct {
	SessionLifetime time.Duration // How long a session stays valid after login
	SweepInterval   time.Duration // How often expired sessions are purged
	SingleUseCodes  bool          // Reject a TOTP code whose time step was already used
	CookieName      string        // Name of the session cookie
	InsecureCookies bool          // Drop the Secure cookie flag (local development only)
	PlaybackTTL     time.Duration // Validity of signed playback URLs
	QRCodeSize      int           // Pixel size of provisioning QR codes
}

// DefaultSessionConfig returns the default policy: one hour sessions, reusable codes within the skew window.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		SessionLifetime: time.Hour,
		SweepInterval:   15 * time.Minute,
		SingleUseCodes:  false,
		CookieName:      "session_id",
		InsecureCookies: false,
		PlaybackTTL:     time.Hour,
		QRCodeSize:      256,
	}
}

// Config contains the configuration for the AccessService
type Config struct {
	Storage       Storage          // Storage implementation (required)
	Licenses      LicenseValidator // Licensing authority client (required)
	Playback      PlaybackSigner   // Video URL signer; playback is refused when nil
	CDN           MediaSigner      // Image URL signer; photo blocks are dropped when nil
	SessionConfig SessionConfig    // Session policy; zero fields take defaults
	Issuer        string           // TOTP issuer label
	Clock         func() time.Time // Time source; defaults to time.Now
}

// AccessService is the access-control core. It holds no per-request state.
type AccessService struct {
	storage       Storage
	licenses      LicenseValidator
	playback      PlaybackSigner
	cdn           MediaSigner
	sessionConfig SessionConfig
	issuer        string
	validator     *validator.Validate
	now           func() time.Time
}

// NewAccessService creates a new access service
func NewAccessService(cfg Config) (*AccessService, error) {
	if cfg.Storage == nil {
		return nil, fmt.Errorf("storage is required")
	}
	if cfg.Licenses == nil {
		return nil, fmt.Errorf("license validator is required")
	}

	if err := cfg.Storage.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to connect to storage: %w", err)
	}

	sc := withSessionDefaults(cfg.SessionConfig)

	issuer := cfg.Issuer
	if issuer == "" {
		issuer = DefaultIssuer
	}

	now := cfg.Clock
	if now == nil {
		now = time.Now
	}

	return &AccessService{
		storage:       cfg.Storage,
		licenses:      cfg.Licenses,
		playback:      cfg.Playback,
		cdn:           cfg.CDN,
		sessionConfig: sc,
		issuer:        issuer,
		validator:     validator.New(),
		now:           now,
	}, nil
}

func withSessionDefaults(sc SessionConfig) SessionConfig {
	def := DefaultSessionConfig()
	if sc.SessionLifetime <= 0 {
		sc.SessionLifetime = def.SessionLifetime
	}
	if sc.SweepInterval <= 0 {
		sc.SweepInterval = def.SweepInterval
	}
	if sc.CookieName == "" {
		sc.CookieName = def.CookieName
	}
	if sc.PlaybackTTL <= 0 {
		sc.PlaybackTTL = def.PlaybackTTL
	}
	if sc.QRCodeSize <= 0 {
		sc.QRCodeSize = def.QRCodeSize
	}
	return sc
}

// SessionConfig returns the effective session policy.
func (a *AccessService) SessionConfig() SessionConfig {
	return a.sessionConfig
}

// logSecurityEvent records an access decision in the audit trail
func (a *AccessService) logSecurityEvent(ctx context.Context, projectID *int64, email, eventType, description, ipAddress, userAgent string, success bool) {
	event := &SecurityEvent{
		ProjectID:   projectID,
		Email:       email,
		EventType:   eventType,
		Description: description,
		IPAddress:   ipAddress,
		UserAgent:   userAgent,
		Severity:    "info",
		Success:     success,
		CreatedAt:   a.now().UTC(),
	}

	if !success {
		event.Severity = "warning"
	}

	if err := a.storage.CreateSecurityEvent(context.WithoutCancel(ctx), event); err != nil {
		slog.Error("Failed to log security event",
			"event_type", eventType,
			"project_id", projectID,
			"error", err)
	}
}

// Close closes the access service and its storage
func (a *AccessService) Close() error {
	return a.storage.Close()
}
