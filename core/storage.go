package core

import (
	"context"
	"time"
)

// Project is a catalog entry. Only Slug, ProductID and Active matter to access control.
type Project struct {
	ID          int64     `json:"id"`
	Slug        string    `json:"slug"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	ImageURL    string    `json:"image_url,omitempty"`
	ProductID   string    `json:"product_id,omitempty"` // licensing-authority product; empty means any product
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
}

// ProjectUpdate is a partial update. Nil fields are left untouched.
type ProjectUpdate struct {
	Title       *string
	Description *string
	ImageURL    *string
	ProductID   *string
	Active      *bool
}

// Empty reports whether the update sets nothing.
func (u ProjectUpdate) Empty() bool {
	return u.Title == nil && u.Description == nil && u.ImageURL == nil && u.ProductID == nil && u.Active == nil
}

// AccessCode pairs one identity with its TOTP secret for one project.
type AccessCode struct {
	ID         string     `json:"id"`
	ProjectID  int64      `json:"project_id"`
	Email      string     `json:"email"`
	TOTPSecret string     `json:"-"`
	LicenseKey string     `json:"-"`
	IPAddress  string     `json:"ip_address,omitempty"`
	LastStep   int64      `json:"-"` // last accepted TOTP step when codes are single-use
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

// Session is an IP-bound login.
type Session struct {
	ID             string    `json:"-"`
	ProjectID      int64     `json:"project_id"`
	Email          string    `json:"email"`
	IPAddress      string    `json:"ip_address"`
	UserAgent      string    `json:"user_agent,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	ExpiresAt      time.Time `json:"expires_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// SecurityEvent is one entry of the access audit trail.
type SecurityEvent struct {
	ID          int64  `json:"id"`
	ProjectID   *int64 `json:"project_id,omitempty"`
	Email       string `json:"email,omitempty"`
	EventType   string `json:"event_type"`
	Description string `json:"description"`
	IPAddress   string `json:"ip_address"`
	UserAgent   string `json:"user_agent"`
	Severity    string `json:"severity"`
	Success     bool   `json:"success"`

	CreatedAt time.Time `json:"created_at"`
}

// Storage is the durable store behind access codes, sessions and the catalog lookups.
//
// Lookups return (nil, nil) when the row does not exist. CreateAccessCode must return an
// error wrapping ErrDuplicate when (project_id, email) already exists.
type Storage interface {
	// Catalog
	GetProjectBySlug(ctx context.Context, slug string) (*Project, error)
	GetProjectByID(ctx context.Context, id int64) (*Project, error)
	CreateProject(ctx context.Context, p *Project) error
	UpdateProject(ctx context.Context, id int64, u ProjectUpdate) error
	CreateContentBlock(ctx context.Context, b ContentBlock) (int64, error)
	ListContentBlocks(ctx context.Context, projectID int64, activeOnly bool) ([]ContentBlock, error)

	// Access codes
	GetAccessCode(ctx context.Context, projectID int64, email string) (*AccessCode, error)
	CreateAccessCode(ctx context.Context, ac *AccessCode) error
	TouchAccessCode(ctx context.Context, id, ipAddress string, at time.Time) error
	AdvanceTOTPStep(ctx context.Context, id string, step int64) (bool, error)

	// Sessions
	CreateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	TouchSession(ctx context.Context, id string, at time.Time) error
	DeleteSession(ctx context.Context, id string) error
	DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error)

	// Security events
	CreateSecurityEvent(ctx context.Context, e *SecurityEvent) error
	GetSecurityEvents(ctx context.Context, projectID *int64, eventType string, limit, offset int) ([]*SecurityEvent, error)

	// Health check
	Ping(ctx context.Context) error
	Close() error
}
