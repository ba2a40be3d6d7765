package database

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"path"
	"regexp"
	"slices"
	"strconv"
	"time"
)

// The audit schema lives in migrations/NNN_name.sql. Each file is applied
// once, in version order, and recorded in audit_schema.
//
//go:embed migrations/*.sql
var auditSchemaFS embed.FS

// ErrAuditSchemaTooNew is returned when the audit database was written by a
// server that knows more schema versions than this one
var ErrAuditSchemaTooNew = errors.New("audit database schema is newer than this server")

var migrationFileName = regexp.MustCompile(`^(\d+)_([a-z0-9_]+)\.sql$`)

// schemaStep is one versioned change to the audit schema
type schemaStep struct {
	version int
	name    string
	sql     string
}

// auditSchemaSteps returns the embedded schema steps sorted by version.
// Two files with the same version are an error.
func auditSchemaSteps() ([]schemaStep, error) {
	entries, err := fs.ReadDir(auditSchemaFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to read audit schema: %w", err)
	}

	steps := make([]schemaStep, 0, len(entries))
	for _, entry := range entries {
		match := migrationFileName.FindStringSubmatch(entry.Name())
		if entry.IsDir() || match == nil {
			continue
		}
		version, err := strconv.Atoi(match[1])
		if err != nil || version <= 0 {
			return nil, fmt.Errorf("audit schema file %s: bad version", entry.Name())
		}

		body, err := fs.ReadFile(auditSchemaFS, path.Join("migrations", entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read audit schema file %s: %w", entry.Name(), err)
		}
		steps = append(steps, schemaStep{version: version, name: match[2], sql: string(body)})
	}

	slices.SortFunc(steps, func(a, b schemaStep) int { return a.version - b.version })
	for i := 1; i < len(steps); i++ {
		if steps[i].version == steps[i-1].version {
			return nil, fmt.Errorf("audit schema version %d defined twice", steps[i].version)
		}
	}
	return steps, nil
}

// auditSchemaVersion returns the highest applied version, 0 for a new database
func auditSchemaVersion(db *sql.DB) (int, error) {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS audit_schema (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at INTEGER NOT NULL
		)
	`); err != nil {
		return 0, fmt.Errorf("failed to create audit_schema table: %w", err)
	}

	var version int
	err := db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM audit_schema`).Scan(&version)
	return version, err
}

// migrateAuditSchema brings the sessions and messages tables up to the
// latest embedded version. A database from a newer server is refused
// rather than written with an older layout.
func migrateAuditSchema(db *sql.DB) error {
	current, err := auditSchemaVersion(db)
	if err != nil {
		return err
	}

	steps, err := auditSchemaSteps()
	if err != nil {
		return err
	}
	if len(steps) == 0 {
		return errors.New("no audit schema embedded")
	}
	if latest := steps[len(steps)-1].version; current > latest {
		return fmt.Errorf("%w: database at version %d, server knows %d", ErrAuditSchemaTooNew, current, latest)
	}

	for _, step := range steps {
		if step.version <= current {
			continue
		}
		if err := applySchemaStep(db, step); err != nil {
			return fmt.Errorf("audit schema %03d_%s: %w", step.version, step.name, err)
		}
		log.Printf("Audit database upgraded to version %d (%s)", step.version, step.name)
	}
	return nil
}

// applySchemaStep runs one step and records it in the same transaction
func applySchemaStep(db *sql.DB, step schemaStep) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(step.sql); err != nil {
		return err
	}
	if _, err := tx.Exec(
		`INSERT INTO audit_schema (version, name, applied_at) VALUES (?, ?, ?)`,
		step.version, step.name, time.Now().UnixMilli(),
	); err != nil {
		return fmt.Errorf("failed to record version: %w", err)
	}
	return tx.Commit()
}
