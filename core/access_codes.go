package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/wispberry-tech/wispy-access/totp"
)

// CreateOrGetAccessCode returns the access code for (projectID, email), creating it with a
// fresh TOTP secret on first redemption. Later calls refresh the address and last-used time
// but never replace the secret. Concurrent first redemptions converge on a single row.
func (a *AccessService) CreateOrGetAccessCode(ctx context.Context, projectID int64, email, ipAddress, licenseKey string) (*AccessCode, error) {
	if projectID == 0 || normalizeEmail(email) == "" {
		return nil, fmt.Errorf("%w: project and email are required", ErrInvalidInput)
	}

	project, err := a.storage.GetProjectByID(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to get project: %w", err)
	}
	if project == nil {
		return nil, ErrProjectNotFound
	}
	return a.createOrGetAccessCode(ctx, project, email, ipAddress, licenseKey)
}

// createOrGetAccessCode labels new secrets with the project's slug.
func (a *AccessService) createOrGetAccessCode(ctx context.Context, project *Project, email, ipAddress, licenseKey string) (*AccessCode, error) {
	projectID := project.ID
	email = normalizeEmail(email)
	if email == "" {
		return nil, fmt.Errorf("%w: email is required", ErrInvalidInput)
	}

	existing, err := a.storage.GetAccessCode(ctx, projectID, email)
	if err != nil {
		return nil, fmt.Errorf("failed to get access code: %w", err)
	}
	if existing != nil {
		return a.touchAccessCode(ctx, existing, ipAddress)
	}

	key, err := totp.Generate(totp.AccountName(project.Slug, email), a.issuer)
	if err != nil {
		return nil, fmt.Errorf("failed to generate totp secret: %w", err)
	}

	now := a.now().UTC()
	ac := &AccessCode{
		ID:         uuid.New().String(),
		ProjectID:  projectID,
		Email:      email,
		TOTPSecret: key.Secret,
		LicenseKey: licenseKey,
		IPAddress:  ipAddress,
		CreatedAt:  now,
		LastUsedAt: &now,
	}

	if err := a.storage.CreateAccessCode(ctx, ac); err != nil {
		if !errors.Is(err, ErrDuplicate) {
			return nil, fmt.Errorf("failed to create access code: %w", err)
		}

		// Lost the race against a concurrent redemption; adopt the winner's row
		slog.Debug("Access code created concurrently, reusing existing row",
			"project_id", projectID)
		existing, err := a.storage.GetAccessCode(ctx, projectID, email)
		if err != nil {
			return nil, fmt.Errorf("failed to get access code: %w", err)
		}
		if existing == nil {
			return nil, fmt.Errorf("access code vanished after duplicate insert")
		}
		return a.touchAccessCode(ctx, existing, ipAddress)
	}

	slog.Info("Access code issued", "project_id", projectID, "access_code_id", ac.ID)
	a.logSecurityEvent(ctx, &projectID, email, EventAccessCodeIssued, "Access code issued", ipAddress, "", true)
	return ac, nil
}

func (a *AccessService) touchAccessCode(ctx context.Context, ac *AccessCode, ipAddress string) (*AccessCode, error) {
	now := a.now().UTC()
	if err := a.storage.TouchAccessCode(ctx, ac.ID, ipAddress, now); err != nil {
		return nil, fmt.Errorf("failed to update access code: %w", err)
	}
	ac.IPAddress = ipAddress
	ac.LastUsedAt = &now
	return ac, nil
}

// GetAccessCode returns the access code for (projectID, email) or ErrAccessCodeNotFound.
func (a *AccessService) GetAccessCode(ctx context.Context, projectID int64, email string) (*AccessCode, error) {
	ac, err := a.storage.GetAccessCode(ctx, projectID, normalizeEmail(email))
	if err != nil {
		return nil, fmt.Errorf("failed to get access code: %w", err)
	}
	if ac == nil {
		return nil, ErrAccessCodeNotFound
	}
	return ac, nil
}

// provisioningKey rebuilds the authenticator key from the stored secret so the QR code
// always matches what login verifies against.
func (a *AccessService) provisioningKey(scope string, ac *AccessCode) (*totp.Key, error) {
	return totp.KeyFromSecret(ac.TOTPSecret, totp.AccountName(scope, ac.Email), a.issuer)
}
