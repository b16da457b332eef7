package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ncruces/go-sqlite3"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/wispberry-tech/wispy-access/core"
)

// SQLiteStorage is a SQLite implementation of core.Storage.
// Timestamps are stored as unix milliseconds so range comparisons are numeric.
type SQLiteStorage struct {
	db *sql.DB
}

var _ core.Storage = (*SQLiteStorage)(nil)

// NewSQLiteStorage opens (or creates) the database file at dbPath
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	dsn := "file:" + dbPath + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(10000)&_pragma=journal_mode(wal)"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}
	return NewSQLiteStorageFromDB(db)
}

// NewSQLiteStorageFromDB creates a new SQLite storage from an existing database connection
func NewSQLiteStorageFromDB(db *sql.DB) (*SQLiteStorage, error) {
	ctx := context.Background()

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	schemaManager := core.NewSchemaManager(db, "sqlite")
	if err := schemaManager.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure schema: %w", err)
	}

	return &SQLiteStorage{db: db}, nil
}

// NewInMemorySQLiteStorage creates a new in-memory SQLite storage instance for testing
func NewInMemorySQLiteStorage() (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory SQLite database: %w", err)
	}
	// Every connection to :memory: is a separate database
	db.SetMaxOpenConns(1)

	return NewSQLiteStorageFromDB(db)
}

// DB exposes the underlying handle for maintenance tasks.
func (s *SQLiteStorage) DB() *sql.DB {
	return s.db
}

func millis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func isSQLiteUniqueViolation(err error) bool {
	var serr *sqlite3.Error
	return errors.As(err, &serr) && serr.ExtendedCode() == sqlite3.CONSTRAINT_UNIQUE
}

// Project operations
func (s *SQLiteStorage) CreateProject(ctx context.Context, p *core.Project) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}

	query := `INSERT INTO projects (slug, title, description, image_url, payhip_product_id, active, created_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?)`

	result, err := s.db.ExecContext(ctx, query,
		p.Slug, p.Title, p.Description, p.ImageURL, p.ProductID, p.Active, millis(p.CreatedAt))
	if err != nil {
		if isSQLiteUniqueViolation(err) {
			return fmt.Errorf("failed to create project: %w", core.ErrDuplicate)
		}
		return fmt.Errorf("failed to create project: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get project ID: %w", err)
	}
	p.ID = id
	return nil
}

const sqliteProjectColumns = `id, slug, title, description, image_url, payhip_product_id, active, created_at`

func scanSQLiteProject(row *sql.Row) (*core.Project, error) {
	p := &core.Project{}
	var createdAt int64
	err := row.Scan(&p.ID, &p.Slug, &p.Title, &p.Description, &p.ImageURL, &p.ProductID, &p.Active, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p.CreatedAt = fromMillis(createdAt)
	return p, nil
}

func (s *SQLiteStorage) GetProjectBySlug(ctx context.Context, slug string) (*core.Project, error) {
	query := `SELECT ` + sqliteProjectColumns + ` FROM projects WHERE slug = ? AND active = 1`
	p, err := scanSQLiteProject(s.db.QueryRowContext(ctx, query, slug))
	if err != nil {
		return nil, fmt.Errorf("failed to get project by slug: %w", err)
	}
	return p, nil
}

func (s *SQLiteStorage) GetProjectByID(ctx context.Context, id int64) (*core.Project, error) {
	query := `SELECT ` + sqliteProjectColumns + ` FROM projects WHERE id = ?`
	p, err := scanSQLiteProject(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, fmt.Errorf("failed to get project by id: %w", err)
	}
	return p, nil
}

func (s *SQLiteStorage) UpdateProject(ctx context.Context, id int64, u core.ProjectUpdate) error {
	if u.Empty() {
		return nil
	}

	var sets []string
	var args []any
	if u.Title != nil {
		sets = append(sets, "title = ?")
		args = append(args, *u.Title)
	}
	if u.Description != nil {
		sets = append(sets, "description = ?")
		args = append(args, *u.Description)
	}
	if u.ImageURL != nil {
		sets = append(sets, "image_url = ?")
		args = append(args, *u.ImageURL)
	}
	if u.ProductID != nil {
		sets = append(sets, "payhip_product_id = ?")
		args = append(args, *u.ProductID)
	}
	if u.Active != nil {
		sets = append(sets, "active = ?")
		args = append(args, *u.Active)
	}
	args = append(args, id)

	query := `UPDATE projects SET ` + strings.Join(sets, ", ") + ` WHERE id = ?`
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update project: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("failed to update project %d: %w", id, core.ErrProjectNotFound)
	}
	return nil
}

// Content operations
func (s *SQLiteStorage) CreateContentBlock(ctx context.Context, b core.ContentBlock) (int64, error) {
	if err := core.ValidateBlock(b); err != nil {
		return 0, err
	}
	row := core.RowFromBlock(b)

	query := `INSERT INTO project_content (project_id, type, title, description, bunny_video_id,
			  bunny_image_url, link_url, link_label, text_content, order_index, active)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	result, err := s.db.ExecContext(ctx, query,
		row.Meta.ProjectID, row.Type, row.Meta.Title, row.Meta.Description, row.VideoID,
		row.ImagePath, row.LinkURL, row.LinkLabel, row.TextContent, row.Meta.OrderIndex, row.Meta.Active)
	if err != nil {
		return 0, fmt.Errorf("failed to create content block: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get content block ID: %w", err)
	}
	return id, nil
}

func (s *SQLiteStorage) ListContentBlocks(ctx context.Context, projectID int64, activeOnly bool) ([]core.ContentBlock, error) {
	query := `SELECT id, project_id, type, title, description, bunny_video_id, bunny_image_url,
			  link_url, link_label, text_content, order_index, active
			  FROM project_content WHERE project_id = ?`
	if activeOnly {
		query += ` AND active = 1`
	}
	query += ` ORDER BY order_index, id`

	rows, err := s.db.QueryContext(ctx, query, projectID)
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
func (s *SQLiteStorage) GetAccessCode(ctx context.Context, projectID int64, email string) (*core.AccessCode, error) {
	query := `SELECT id, project_id, email, totp_secret, license_key, ip_address, last_step, created_at, last_used_at
			  FROM access_codes WHERE project_id = ? AND email = ?`

	ac := &core.AccessCode{}
	var createdAt int64
	var lastUsedAt sql.NullInt64
	err := s.db.QueryRowContext(ctx, query, projectID, email).Scan(
		&ac.ID, &ac.ProjectID, &ac.Email, &ac.TOTPSecret, &ac.LicenseKey, &ac.IPAddress,
		&ac.LastStep, &createdAt, &lastUsedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get access code: %w", err)
	}

	ac.CreatedAt = fromMillis(createdAt)
	if lastUsedAt.Valid {
		t := fromMillis(lastUsedAt.Int64)
		ac.LastUsedAt = &t
	}
	return ac, nil
}

func (s *SQLiteStorage) CreateAccessCode(ctx context.Context, ac *core.AccessCode) error {
	query := `INSERT INTO access_codes (id, project_id, email, totp_secret, license_key, ip_address,
			  last_step, created_at, last_used_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	var lastUsedAt sql.NullInt64
	if ac.LastUsedAt != nil {
		lastUsedAt = sql.NullInt64{Int64: millis(*ac.LastUsedAt), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, query,
		ac.ID, ac.ProjectID, ac.Email, ac.TOTPSecret, ac.LicenseKey, ac.IPAddress,
		ac.LastStep, millis(ac.CreatedAt), lastUsedAt)
	if err != nil {
		if isSQLiteUniqueViolation(err) {
			return fmt.Errorf("failed to create access code: %w", core.ErrDuplicate)
		}
		return fmt.Errorf("failed to create access code: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) TouchAccessCode(ctx context.Context, id, ipAddress string, at time.Time) error {
	query := `UPDATE access_codes SET ip_address = ?, last_used_at = ? WHERE id = ?`
	if _, err := s.db.ExecContext(ctx, query, ipAddress, millis(at), id); err != nil {
		return fmt.Errorf("failed to touch access code: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) AdvanceTOTPStep(ctx context.Context, id string, step int64) (bool, error) {
	query := `UPDATE access_codes SET last_step = ? WHERE id = ? AND last_step < ?`
	result, err := s.db.ExecContext(ctx, query, step, id, step)
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
func (s *SQLiteStorage) CreateSession(ctx context.Context, session *core.Session) error {
	query := `INSERT INTO sessions (id, project_id, email, ip_address, user_agent, created_at, expires_at, last_activity_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		session.ID, session.ProjectID, session.Email, session.IPAddress, session.UserAgent,
		millis(session.CreatedAt), millis(session.ExpiresAt), millis(session.LastActivityAt))
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) GetSession(ctx context.Context, id string) (*core.Session, error) {
	query := `SELECT id, project_id, email, ip_address, user_agent, created_at, expires_at, last_activity_at
			  FROM sessions WHERE id = ?`

	session := &core.Session{}
	var createdAt, expiresAt, lastActivityAt int64
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&session.ID, &session.ProjectID, &session.Email, &session.IPAddress, &session.UserAgent,
		&createdAt, &expiresAt, &lastActivityAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	session.CreatedAt = fromMillis(createdAt)
	session.ExpiresAt = fromMillis(expiresAt)
	session.LastActivityAt = fromMillis(lastActivityAt)
	return session, nil
}

func (s *SQLiteStorage) TouchSession(ctx context.Context, id string, at time.Time) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE sessions SET last_activity_at = ? WHERE id = ?`, millis(at), id); err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) DeleteSession(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at <= ?`, millis(now))
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired sessions: %w", err)
	}
	return result.RowsAffected()
}

// Security event operations
func (s *SQLiteStorage) CreateSecurityEvent(ctx context.Context, e *core.SecurityEvent) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	var projectID sql.NullInt64
	if e.ProjectID != nil {
		projectID = sql.NullInt64{Int64: *e.ProjectID, Valid: true}
	}

	query := `INSERT INTO security_events (project_id, email, event_type, description, ip_address,
			  user_agent, severity, success, created_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	result, err := s.db.ExecContext(ctx, query,
		projectID, e.Email, e.EventType, e.Description, e.IPAddress,
		e.UserAgent, e.Severity, e.Success, millis(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to create security event: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get security event ID: %w", err)
	}
	e.ID = id
	return nil
}

func (s *SQLiteStorage) GetSecurityEvents(ctx context.Context, projectID *int64, eventType string, limit, offset int) ([]*core.SecurityEvent, error) {
	query := `SELECT id, project_id, email, event_type, description, ip_address, user_agent, severity, success, created_at
			  FROM security_events WHERE 1 = 1`
	var args []any

	if projectID != nil {
		query += ` AND project_id = ?`
		args = append(args, *projectID)
	}
	if eventType != "" {
		query += ` AND event_type = ?`
		args = append(args, eventType)
	}
	if limit <= 0 {
		limit = 100
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get security events: %w", err)
	}
	defer rows.Close()

	var events []*core.SecurityEvent
	for rows.Next() {
		e := &core.SecurityEvent{}
		var pid sql.NullInt64
		var createdAt int64
		if err := rows.Scan(&e.ID, &pid, &e.Email, &e.EventType, &e.Description, &e.IPAddress,
			&e.UserAgent, &e.Severity, &e.Success, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan security event: %w", err)
		}
		if pid.Valid {
			v := pid.Int64
			e.ProjectID = &v
		}
		e.CreatedAt = fromMillis(createdAt)
		events = append(events, e)
	}
	return events, rows.Err()
}

// Health check
func (s *SQLiteStorage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}
