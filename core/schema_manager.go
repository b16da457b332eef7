package core

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

//go:embed sql/*.sql
var schemaFiles embed.FS

// requiredTables are the tables every store needs before it can serve requests.
var requiredTables = []string{
	"projects",
	"project_content",
	"access_codes",
	"sessions",
	"security_events",
}

// SchemaManager creates and validates the access schema
type SchemaManager struct {
	db     *sql.DB
	dbType string // "sqlite" or "postgres"
}

// NewSchemaManager creates a new schema manager
func NewSchemaManager(db *sql.DB, dbType string) *SchemaManager {
	return &SchemaManager{
		db:     db,
		dbType: dbType,
	}
}

// EnsureSchema creates missing tables and then validates the result.
// The embedded schema only uses IF NOT EXISTS, so it is safe to run on every start.
func (sm *SchemaManager) EnsureSchema(ctx context.Context) error {
	missing, err := sm.missingTables(ctx)
	if err != nil {
		return err
	}
	if len(missing) == 0 {
		slog.Debug("Schema already present", "database_type", sm.dbType)
		return nil
	}

	slog.Info("Creating access schema", "database_type", sm.dbType, "missing_tables", missing)
	if err := sm.ExecuteCoreSchema(ctx); err != nil {
		return err
	}
	return sm.ValidateSchema(ctx)
}

// ExecuteCoreSchema executes the embedded schema for the database type
func (sm *SchemaManager) ExecuteCoreSchema(ctx context.Context) error {
	var schemaFile string

	switch sm.dbType {
	case "sqlite":
		schemaFile = "sql/sqlite_core.sql"
	case "postgres":
		schemaFile = "sql/postgres_core.sql"
	default:
		return fmt.Errorf("unsupported database type: %s", sm.dbType)
	}

	schemaSQL, err := schemaFiles.ReadFile(schemaFile)
	if err != nil {
		return fmt.Errorf("failed to read schema file %s: %w", schemaFile, err)
	}

	if _, err := sm.db.ExecContext(ctx, string(schemaSQL)); err != nil {
		return fmt.Errorf("failed to execute core schema: %w", err)
	}

	return nil
}

// tableExists checks if a table exists in the database
func (sm *SchemaManager) tableExists(ctx context.Context, tableName string) (bool, error) {
	var query string

	switch sm.dbType {
	case "sqlite":
		query = `SELECT name FROM sqlite_master WHERE type='table' AND name = ?`
	case "postgres":
		query = `SELECT table_name FROM information_schema.tables
		         WHERE table_schema = current_schema() AND table_name = $1`
	default:
		return false, fmt.Errorf("unsupported database type: %s", sm.dbType)
	}

	var foundTable string
	err := sm.db.QueryRowContext(ctx, query, tableName).Scan(&foundTable)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	} else if err != nil {
		return false, err
	}

	return foundTable == tableName, nil
}

func (sm *SchemaManager) missingTables(ctx context.Context) ([]string, error) {
	var missing []string
	for _, tableName := range requiredTables {
		exists, err := sm.tableExists(ctx, tableName)
		if err != nil {
			return nil, fmt.Errorf("failed to check if table %s exists: %w", tableName, err)
		}
		if !exists {
			missing = append(missing, tableName)
		}
	}
	return missing, nil
}

// ValidateSchema fails when any required table is missing
func (sm *SchemaManager) ValidateSchema(ctx context.Context) error {
	missing, err := sm.missingTables(ctx)
	if err != nil {
		return err
	}
	if len(missing) > 0 {
		return fmt.Errorf("schema validation failed: missing tables %s", strings.Join(missing, ", "))
	}

	slog.Debug("Schema validation passed", "database_type", sm.dbType)
	return nil
}
