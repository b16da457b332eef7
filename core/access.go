package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/wispberry-tech/wispy-access/totp"
)

// RedeemRequest is a first-time license redemption.
type RedeemRequest struct {
	LicenseKey string
	Slug       string
	IPAddress  string
}

// Redemption is everything a buyer needs to enrol an authenticator.
type Redemption struct {
	AccessCode      *AccessCode
	Project         *Project
	ProvisioningURI string
	QRCodeDataURL   string
}

// LoginRequest is a TOTP login for one project.
type LoginRequest struct {
	Slug      string
	Email     string
	Code      string
	IPAddress string
	UserAgent string
}

// SessionCheck is the outcome of CheckSession. ProjectID and Email are set only when Valid.
type SessionCheck struct {
	Valid     bool   `json:"valid"`
	ProjectID int64  `json:"project_id,omitempty"`
	Email     string `json:"email,omitempty"`
}

// lookupProject returns the active project for slug or ErrProjectNotFound.
func (a *AccessService) lookupProject(ctx context.Context, slug string) (*Project, error) {
	project, err := a.storage.GetProjectBySlug(ctx, normalizeSlug(slug))
	if err != nil {
		return nil, fmt.Errorf("failed to get project: %w", err)
	}
	if project == nil || !project.Active {
		return nil, ErrProjectNotFound
	}
	return project, nil
}

// RedeemLicense verifies a license key with the licensing authority and returns the buyer's
// access code for the project, creating it on first redemption.
func (a *AccessService) RedeemLicense(ctx context.Context, req RedeemRequest) (*Redemption, error) {
	key := strings.TrimSpace(req.LicenseKey)
	if key == "" || strings.TrimSpace(req.Slug) == "" {
		return nil, fmt.Errorf("%w: license key and slug are required", ErrInvalidInput)
	}

	project, err := a.lookupProject(ctx, req.Slug)
	if err != nil {
		return nil, err
	}
	projectID := project.ID

	lic, err := a.licenses.Validate(ctx, key, project.ProductID)
	if err != nil {
		if errors.Is(err, ErrProductMismatch) {
			a.logSecurityEvent(ctx, &projectID, "", EventProductMismatch,
				"License belongs to a different product", req.IPAddress, "", false)
			return nil, err
		}
		slog.Debug("License rejected", "project_id", projectID, "error", err)
		a.logSecurityEvent(ctx, &projectID, "", EventLicenseRejected,
			"License rejected by licensing authority", req.IPAddress, "", false)
		if errors.Is(err, ErrInvalidLicense) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidLicense, err)
	}

	ac, err := a.createOrGetAccessCode(ctx, project, lic.Email, req.IPAddress, key)
	if err != nil {
		return nil, err
	}

	qrKey, err := a.provisioningKey(project.Slug, ac)
	if err != nil {
		return nil, fmt.Errorf("failed to rebuild totp key: %w", err)
	}
	qr, err := qrKey.QRCodeDataURL(a.sessionConfig.QRCodeSize)
	if err != nil {
		return nil, fmt.Errorf("failed to render qr code: %w", err)
	}

	a.logSecurityEvent(ctx, &projectID, ac.Email, EventLicenseRedeemed,
		"License redeemed", req.IPAddress, "", true)

	return &Redemption{
		AccessCode:      ac,
		Project:         project,
		ProvisioningURI: qrKey.URI,
		QRCodeDataURL:   qr,
	}, nil
}

// Login verifies a TOTP code for the identity and opens a session bound to the caller's address.
func (a *AccessService) Login(ctx context.Context, req LoginRequest) (*Session, error) {
	email := normalizeEmail(req.Email)
	code := strings.TrimSpace(req.Code)
	if strings.TrimSpace(req.Slug) == "" || email == "" || code == "" {
		return nil, fmt.Errorf("%w: slug, email and code are required", ErrInvalidInput)
	}

	project, err := a.lookupProject(ctx, req.Slug)
	if err != nil {
		return nil, err
	}
	projectID := project.ID

	ac, err := a.GetAccessCode(ctx, project.ID, email)
	if err != nil {
		if errors.Is(err, ErrAccessCodeNotFound) {
			a.logSecurityEvent(ctx, &projectID, email, EventLoginFailed,
				"No access code for identity", req.IPAddress, req.UserAgent, false)
		}
		return nil, err
	}

	step, ok := totp.MatchStep(code, ac.TOTPSecret, a.now())
	if !ok {
		a.logSecurityEvent(ctx, &projectID, email, EventLoginFailed,
			"Invalid TOTP code", req.IPAddress, req.UserAgent, false)
		return nil, ErrInvalidCode
	}

	if a.sessionConfig.SingleUseCodes {
		advanced, err := a.storage.AdvanceTOTPStep(ctx, ac.ID, step)
		if err != nil {
			return nil, fmt.Errorf("failed to record totp step: %w", err)
		}
		if !advanced {
			a.logSecurityEvent(ctx, &projectID, email, EventCodeReplayed,
				"TOTP code already used", req.IPAddress, req.UserAgent, false)
			return nil, ErrInvalidCode
		}
	}

	session, err := a.CreateSession(ctx, project.ID, email, req.IPAddress, req.UserAgent)
	if err != nil {
		return nil, err
	}

	a.logSecurityEvent(ctx, &projectID, email, EventLoginSuccess,
		"Login successful", req.IPAddress, req.UserAgent, true)

	return session, nil
}

// CheckSession reports whether token is a live session for the project named by slug,
// presented from address. It fails closed: store errors yield Valid false.
func (a *AccessService) CheckSession(ctx context.Context, slug, token, address string) SessionCheck {
	project, err := a.lookupProject(ctx, slug)
	if err != nil {
		if !errors.Is(err, ErrProjectNotFound) {
			slog.Error("Failed to check session", "error", err)
		}
		return SessionCheck{}
	}
	return a.checkProjectSession(ctx, project, token, address)
}

func (a *AccessService) checkProjectSession(ctx context.Context, project *Project, token, address string) SessionCheck {
	session, err := a.projectSession(ctx, project, token, address)
	if err != nil {
		if !errors.Is(err, ErrSessionInvalid) {
			slog.Error("Failed to check session", "error", err)
		}
		return SessionCheck{}
	}
	return SessionCheck{Valid: true, ProjectID: session.ProjectID, Email: session.Email}
}

// projectSession validates token and requires the session to belong to project.
func (a *AccessService) projectSession(ctx context.Context, project *Project, token, address string) (*Session, error) {
	return a.validateSession(ctx, token, address, project.ID)
}

// FetchPlaybackURL returns a signed, expiring playback URL for assetID when token is a valid
// session presented from address.
func (a *AccessService) FetchPlaybackURL(ctx context.Context, assetID, token, address string) (string, error) {
	assetID = strings.TrimSpace(assetID)
	if assetID == "" {
		return "", fmt.Errorf("%w: asset id is required", ErrInvalidInput)
	}

	if _, err := a.ValidateSession(ctx, token, address); err != nil {
		return "", err
	}

	if a.playback == nil {
		return "", ErrPlaybackUnavailable
	}
	return a.playback.Sign(assetID, a.sessionConfig.PlaybackTTL), nil
}

// ResolveContent returns the project's active content blocks with media URLs signed for a
// viewer holding a valid session on that project.
func (a *AccessService) ResolveContent(ctx context.Context, slug, token, address string) (*Project, []ResolvedBlock, error) {
	project, err := a.lookupProject(ctx, slug)
	if err != nil {
		return nil, nil, err
	}

	if _, err := a.projectSession(ctx, project, token, address); err != nil {
		return nil, nil, err
	}

	blocks, err := a.storage.ListContentBlocks(ctx, project.ID, true)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list content: %w", err)
	}

	resolved := make([]ResolvedBlock, 0, len(blocks))
	for _, b := range blocks {
		rb := ResolvedBlock{BlockMeta: b.Meta(), Type: b.Type()}
		switch v := b.(type) {
		case VideoBlock:
			if a.playback == nil {
				slog.Warn("Skipping video block, playback not configured", "block_id", v.ID)
				continue
			}
			rb.URL = a.playback.Sign(v.AssetID, a.sessionConfig.PlaybackTTL)
		case PhotoBlock:
			if a.cdn == nil {
				slog.Warn("Skipping photo block, CDN not configured", "block_id", v.ID)
				continue
			}
			rb.URL = a.cdn.SignPath(v.ImagePath, a.sessionConfig.PlaybackTTL)
		case LinkBlock:
			rb.URL = v.URL
			rb.Label = v.Label
		case TextBlock:
			rb.Body = v.Body
		}
		resolved = append(resolved, rb)
	}
	return project, resolved, nil
}
