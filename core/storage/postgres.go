package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/wispberry-tech/wispy-access/core"
)

// pgUniqueViolation is the SQLSTATE for unique_violation.
const pgUniqueViolation = "23505"

// PostgresStorage implements core.Storage for PostgreSQL databases
type PostgresStorage struct {
	db *sql.DB
}

var _ core.Storage = (*PostgresStorage)(nil)

// NewPostgresStorage creates a new PostgreSQL storage instance
func NewPostgresStorage(databaseDSN string) (*PostgresStorage, error) {
	config, err := pgx.ParseConfig(databaseDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database DSN: %w", err)
	}

	db := stdlib.OpenDB(*config)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	schemaManager := core.NewSchemaManager(db, "postgres")
	if err := schemaManager.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ensure schema: %w", err)
	}

	return &PostgresStorage{db: db}, nil
}

func isPgUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

// Project operations
func (p *PostgresStorage) CreateProject(ctx context.Context, proj *core.Project) error {
	if proj.CreatedAt.IsZero() {
		proj.CreatedAt = time.Now().UTC()
	}

	query := `INSERT INTO projects (slug, title, description, image_url, payhip_product_id, active, created_at)
			  VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`

	err := p.db.QueryRowContext(ctx, query,
		proj.Slug, proj.Title, proj.Description, proj.ImageURL, proj.ProductID, proj.Active, proj.CreatedAt,
	).Scan(&proj.ID)
	if err != nil {
		if isPgUniqueViolation(err) {
			return fmt.Errorf("failed to create project: %w", core.ErrDuplicate)
		}
		return fmt.Errorf("failed to create project: %w", err)
	}
	return nil
}

const pgProjectColumns = `id, slug, title, description, image_url, payhip_product_id, active, created_at`

func scanPgProject(row *sql.Row) (*core.Project, error) {
	proj := &core.Project{}
	err := row.Scan(&proj.ID, &proj.Slug, &proj.Title, &proj.Description, &proj.ImageURL,
		&proj.ProductID, &proj.Active, &proj.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return proj, nil
}

func (p *PostgresStorage) GetProjectBySlug(ctx context.Context, slug string) (*core.Project, error) {
	query := `SELECT ` + pgProjectColumns + ` FROM projects WHERE slug = $1 AND active = TRUE`
	proj, err := scanPgProject(p.db.QueryRowContext(ctx, query, slug))
	if err != nil {
		return nil, fmt.Errorf("failed to get project by slug: %w", err)
	}
	return proj, nil
}

func (p *PostgresStorage) GetProjectByID(ctx context.Context, id int64) (*core.Project, error) {
	query := `SELECT ` + pgProjectColumns + ` FROM projects WHERE id = $1`
	proj, err := scanPgProject(p.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, fmt.Errorf("failed to get project by id: %w", err)
	}
	return proj, nil
}

func (p *PostgresStorage) UpdateProject(ctx context.Context, id int64, u core.ProjectUpdate) error {
	if u.Empty() {
		return nil
	}

	var sets []string
	var args []any
	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, column+" = $"+strconv.Itoa(len(args)))
	}
	if u.Title != nil {
		add("title", *u.Title)
	}
	if u.Description != nil {
		add("description", *u.Description)
	}
	if u.ImageURL != nil {
		add("image_url", *u.ImageURL)
	}
	if u.ProductID != nil {
		add("payhip_product_id", *u.ProductID)
	}
	if u.Active != nil {
		add("active", *u.Active)
	}
	args = append(args, id)

	query := `UPDATE projects SET ` + strings.Join(sets, ", ") + ` WHERE id = $` + strconv.Itoa(len(args))
	result, err := p.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update project: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("failed to update project %d: %w", id, core.ErrProjectNotFound)
	}
	return nil
}

// Content operations
func (p *PostgresStorage) CreateContentBlock(ctx context.Context, b core.ContentBlock) (int64, error) {
	if err := core.ValidateBlock(b); err != nil {
		return 0, err
	}
	row := core.RowFromBlock(b)

	query := `INSERT INTO project_content (project_id, type, title, description, bunny_video_id,
			  bunny_image_url, link_url, link_label, text_content, order_index, active)
			  VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11) RETURNING id`

	var id int64
	err := p.db.QueryRowContext(ctx, query,
		row.Meta.ProjectID, row.Type, row.Meta.Title, row.Meta.Description, row.VideoID,
		row.ImagePath, row.LinkURL, row.LinkLabel, row.TextContent, row.Meta.OrderIndex, row.Meta.Active,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to create content block: %w", err)
	}
	return id, nil
}

func (p *PostgresStorage) ListContentBlocks(ctx context.Context, projectID int64, activeOnly bool) ([]core.ContentBlock, error) {
	query := `SELECT id, project_id, type, title, description, bunny_video_id, bunny_image_url,
			  link_url, link_label, text_content, order_index, active
			  FROM project_content WHERE project_id = $1`
	if activeOnly {
		query += ` AND active = TRUE`
	}
	query += ` ORDER BY order_index, id`

	rows, err := p.db.QueryContext(ctx, query, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list content blocks: %w", err)
	}
	defer rows.Close()

	var blocks []core.ContentBlock
	for rows.Next() {
		var r core.BlockRow
		if err := rows.Scan(&r.Meta.ID, &r.Meta.ProjectID, &r.Type, &r.Meta.Title, &r.Meta.Description,
			&r.VideoID, &r.ImagePath, &r.LinkURL, &r.LinkLabel, &r.TextContent,
			&r.Meta.OrderIndex, &r.Meta.Active); err != nil {
			return nil, fmt.Errorf("failed to scan content block: %w", err)
		}
		b, err := core.BlockFromRow(r)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, b)
	}
	return blocks, rows.Err()
}

// Access code operations
func (p *PostgresStorage) GetAccessCode(ctx context.Context, projectID int64, email string) (*core.AccessCode, error) {
	query := `SELECT id, project_id, email, totp_secret, license_key, ip_address, last_step, created_at, last_used_at
			  FROM access_codes WHERE project_id = $1 AND email = $2`

	ac := &core.AccessCode{}
	var lastUsedAt sql.NullTime
	err := p.db.QueryRowContext(ctx, query, projectID, email).Scan(
		&ac.ID, &ac.ProjectID, &ac.Email, &ac.TOTPSecret, &ac.LicenseKey, &ac.IPAddress,
		&ac.LastStep, &ac.CreatedAt, &lastUsedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get access code: %w", err)
	}

	if lastUsedAt.Valid {
		t := lastUsedAt.Time.UTC()
		ac.LastUsedAt = &t
	}
	return ac, nil
}

func (p *PostgresStorage) CreateAccessCode(ctx context.Context, ac *core.AccessCode) error {
	query := `INSERT INTO access_codes (id, project_id, email, totp_secret, license_key, ip_address,
			  last_step, created_at, last_used_at)
			  VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := p.db.ExecContext(ctx, query,
		ac.ID, ac.ProjectID, ac.Email, ac.TOTPSecret, ac.LicenseKey, ac.IPAddress,
		ac.LastStep, ac.CreatedAt, ac.LastUsedAt)
	if err != nil {
		if isPgUniqueViolation(err) {
			return fmt.Errorf("failed to create access code: %w", core.ErrDuplicate)
		}
		return fmt.Errorf("failed to create access code: %w", err)
	}
	return nil
}

func (p *PostgresStorage) TouchAccessCode(ctx context.Context, id, ipAddress string, at time.Time) error {
	query := `UPDATE access_codes SET ip_address = $1, last_used_at = $2 WHERE id = $3`
	if _, err := p.db.ExecContext(ctx, query, ipAddress, at, id); err != nil {
		return fmt.Errorf("failed to touch access code: %w", err)
	}
	return nil
}

func (p *PostgresStorage) AdvanceTOTPStep(ctx context.Context, id string, step int64) (bool, error) {
	query := `UPDATE access_codes SET last_step = $1 WHERE id = $2 AND last_step < $1`
	result, err := p.db.ExecContext(ctx, query, step, id)
	if err != nil {
		return false, fmt.Errorf("failed to advance totp step: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n == 1, nil
}

// Session operations
func (p *PostgresStorage) CreateSession(ctx context.Context, session *core.Session) error {
	query := `INSERT INTO sessions (id, project_id, email, ip_address, user_agent, created_at, expires_at, last_activity_at)
			  VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := p.db.ExecContext(ctx, query,
		session.ID, session.ProjectID, session.Email, session.IPAddress, session.UserAgent,
		session.CreatedAt, session.ExpiresAt, session.LastActivityAt)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

func (p *PostgresStorage) GetSession(ctx context.Context, id string) (*core.Session, error) {
	query := `SELECT id, project_id, email, ip_address, user_agent, created_at, expires_at, last_activity_at
			  FROM sessions WHERE id = $1`

	session := &core.Session{}
	err := p.db.QueryRowContext(ctx, query, id).Scan(
		&session.ID, &session.ProjectID, &session.Email, &session.IPAddress, &session.UserAgent,
		&session.CreatedAt, &session.ExpiresAt, &session.LastActivityAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return session, nil
}

func (p *PostgresStorage) TouchSession(ctx context.Context, id string, at time.Time) error {
	if _, err := p.db.ExecContext(ctx, `UPDATE sessions SET last_activity_at = $1 WHERE id = $2`, at, id); err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	return nil
}

func (p *PostgresStorage) DeleteSession(ctx context.Context, id string) error {
	if _, err := p.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

func (p *PostgresStorage) DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	result, err := p.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired sessions: %w", err)
	}
	return result.RowsAffected()
}

// Security event operations
func (p *PostgresStorage) CreateSecurityEvent(ctx context.Context, e *core.SecurityEvent) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	query := `INSERT INTO security_events (project_id, email, event_type, description, ip_address,
			  user_agent, severity, success, created_at)
			  VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) RETURNING id`

	err := p.db.QueryRowContext(ctx, query,
		e.ProjectID, e.Email, e.EventType, e.Description, e.IPAddress,
		e.UserAgent, e.Severity, e.Success, e.CreatedAt,
	).Scan(&e.ID)
	if err != nil {
		return fmt.Errorf("failed to create security event: %w", err)
	}
	return nil
}

func (p *PostgresStorage) GetSecurityEvents(ctx context.Context, projectID *int64, eventType string, limit, offset int) ([]*core.SecurityEvent, error) {
	query := `SELECT id, project_id, email, event_type, description, ip_address, user_agent, severity, success, created_at
			  FROM security_events WHERE 1 = 1`
	var args []any

	if projectID != nil {
		args = append(args, *projectID)
		query += ` AND project_id = $` + strconv.Itoa(len(args))
	}
	if eventType != "" {
		args = append(args, eventType)
		query += ` AND event_type = $` + strconv.Itoa(len(args))
	}
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit, offset)
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get security events: %w", err)
	}
	defer rows.Close()

	var events []*core.SecurityEvent
	for rows.Next() {
		e := &core.SecurityEvent{}
		var pid sql.NullInt64
		if err := rows.Scan(&e.ID, &pid, &e.Email, &e.EventType, &e.Description, &e.IPAddress,
			&e.UserAgent, &e.Severity, &e.Success, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan security event: %w", err)
		}
		if pid.Valid {
			v := pid.Int64
			e.ProjectID = &v
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Health check
func (p *PostgresStorage) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func (p *PostgresStorage) Close() error {
	return p.db.Close()
}
