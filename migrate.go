package sublimate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/uptrace/bun"
)

// Migration is a reversible schema change. Prepare and Revert always run
// inside a transaction, so a failing migration leaves nothing behind where
// the database supports transactional DDL.
type Migration interface {
	Name() string
	Prepare(db *DB) error
	Revert(db *DB) error
}

// Checksummer is implemented by migrations whose content can change after
// they were applied. A changed checksum makes Migrate fail.
type Checksummer interface {
	Checksum() string
}

// SQLMigration is a migration written as plain SQL.
type SQLMigration struct {
	ID          string // Unique identifier (e.g., "001", "20240115120000", or any string)
	Description string // Human-readable description
	SQL         string // Statements run by Prepare
	RevertSQL   string // Statements run by Revert
}

func (m SQLMigration) Name() string { return m.ID }

func (m SQLMigration) Prepare(db *DB) error {
	return m.run(db, m.SQL, "Migrate.Apply")
}

func (m SQLMigration) Revert(db *DB) error {
	if m.RevertSQL == "" {
		return &Error{
			Code:    CodeUnsupported,
			Message: fmt.Sprintf("migration %s cannot be reverted", m.ID),
			Op:      "Migrate.Revert",
		}
	}
	return m.run(db, m.RevertSQL, "Migrate.Revert")
}

// Checksum implements Checksummer.
func (m SQLMigration) Checksum() string {
	return checksumSQL(m.SQL)
}

func (m SQLMigration) run(db *DB, stmt, op string) error {
	conn, err := db.handle(op)
	if err != nil {
		return err
	}
	if _, err := conn.ExecContext(db.ctx, stmt); err != nil {
		return &Error{
			Code:    CodeUnknown,
			Message: fmt.Sprintf("migration %s failed: %v", m.ID, err),
			Op:      op,
			Query:   truncateSQL(stmt, 200),
			Cause:   err,
		}
	}
	return nil
}

// migrationRecord is a row of the bookkeeping table.
type migrationRecord struct {
	bun.BaseModel `bun:"table:_sublimate_migrations,alias:m"`

	Name       string    `bun:"name,pk"`
	Batch      int       `bun:"batch,notnull"`
	Checksum   string    `bun:"checksum"`
	AppliedAt  time.Time `bun:"applied_at,notnull"`
	DurationMs int64     `bun:"duration_ms,notnull"`
}

// MigrationResult represents the result of running migrations
type MigrationResult struct {
	Batch     int
	Applied   []AppliedMigration
	Skipped   []string // names that were already applied
	TotalTime time.Duration
}

// AppliedMigration represents a successfully applied migration
type AppliedMigration struct {
	Name      string
	Batch     int
	AppliedAt time.Time
	Duration  time.Duration
	Checksum  string
}

// Migrate prepares every migration not applied yet, in order. Migrations
// applied by one call share a batch number, which Revert undoes as a unit.
func (e *Engine) Migrate(ctx context.Context, migrations ...Migration) (*MigrationResult, error) {
	start := time.Now()
	result := &MigrationResult{
		Applied: make([]AppliedMigration, 0),
		Skipped: make([]string, 0),
	}

	applied, err := e.appliedMigrations(ctx)
	if err != nil {
		return nil, err
	}

	batch := 1
	byName := make(map[string]migrationRecord, len(applied))
	for _, rec := range applied {
		byName[rec.Name] = rec
		if rec.Batch >= batch {
			batch = rec.Batch + 1
		}
	}
	result.Batch = batch

	for _, m := range migrations {
		checksum := ""
		if cs, ok := m.(Checksummer); ok {
			checksum = cs.Checksum()
		}

		if existing, ok := byName[m.Name()]; ok {
			if existing.Checksum != "" && checksum != "" && existing.Checksum != checksum {
				return nil, &Error{
					Code:    CodeUnknown,
					Message: fmt.Sprintf("migration %s has changed (checksum mismatch: expected %s, got %s)", m.Name(), existing.Checksum, checksum),
					Op:      "Migrate",
				}
			}
			result.Skipped = append(result.Skipped, m.Name())
			continue
		}

		migrationStart := time.Now()
		err := e.Use(ctx, func(db *DB) error {
			if err := m.Prepare(db); err != nil {
				return err
			}
			conn, err := db.handle("Migrate.Record")
			if err != nil {
				return err
			}
			_, err = conn.NewInsert().Model(&migrationRecord{
				Name:       m.Name(),
				Batch:      batch,
				Checksum:   checksum,
				AppliedAt:  time.Now(),
				DurationMs: time.Since(migrationStart).Milliseconds(),
			}).Exec(db.ctx)
			return wrapError(err, "Migrate.Record")
		}, InTransaction)
		if err != nil {
			return nil, err
		}

		e.logger.InfoContext(ctx, "migration applied", "name", m.Name(), "batch", batch)
		result.Applied = append(result.Applied, AppliedMigration{
			Name:      m.Name(),
			Batch:     batch,
			AppliedAt: time.Now(),
			Duration:  time.Since(migrationStart),
			Checksum:  checksum,
		})
	}

	result.TotalTime = time.Since(start)
	return result, nil
}

// Revert reverts the last batch, newest migration first. migrations must
// contain every migration of that batch.
func (e *Engine) Revert(ctx context.Context, migrations ...Migration) ([]string, error) {
	applied, err := e.appliedMigrations(ctx)
	if err != nil {
		return nil, err
	}
	if len(applied) == 0 {
		return []string{}, nil
	}

	last := 0
	for _, rec := range applied {
		last = max(last, rec.Batch)
	}

	known := make(map[string]Migration, len(migrations))
	for _, m := range migrations {
		known[m.Name()] = m
	}

	reverted := make([]string, 0)
	for i := len(applied) - 1; i >= 0; i-- {
		rec := applied[i]
		if rec.Batch != last {
			continue
		}
		m, ok := known[rec.Name]
		if !ok {
			return reverted, &Error{
				Code:    CodeNotFound,
				Message: fmt.Sprintf("migration %s is applied but was not provided", rec.Name),
				Op:      "Revert",
			}
		}

		err := e.Use(ctx, func(db *DB) error {
			if err := m.Revert(db); err != nil {
				return err
			}
			conn, err := db.handle("Revert.Record")
			if err != nil {
				return err
			}
			_, err = conn.NewDelete().
				Model((*migrationRecord)(nil)).
				Where("name = ?", rec.Name).
				Exec(db.ctx)
			return wrapError(err, "Revert.Record")
		}, InTransaction)
		if err != nil {
			return reverted, err
		}

		e.logger.InfoContext(ctx, "migration reverted", "name", rec.Name, "batch", rec.Batch)
		reverted = append(reverted, rec.Name)
	}
	return reverted, nil
}

// MigrationStatusEntry represents the status of a single migration
type MigrationStatusEntry struct {
	Name          string
	Applied       bool
	Batch         int
	ChecksumMatch bool // Only relevant if Applied is true
}

// MigrationStatus reports which of migrations have been applied
func (e *Engine) MigrationStatus(ctx context.Context, migrations ...Migration) ([]MigrationStatusEntry, error) {
	applied, err := e.appliedMigrations(ctx)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]migrationRecord, len(applied))
	for _, rec := range applied {
		byName[rec.Name] = rec
	}

	result := make([]MigrationStatusEntry, 0, len(migrations))
	for _, m := range migrations {
		entry := MigrationStatusEntry{Name: m.Name()}
		if rec, ok := byName[m.Name()]; ok {
			entry.Applied = true
			entry.Batch = rec.Batch
			entry.ChecksumMatch = true
			if cs, ok := m.(Checksummer); ok && rec.Checksum != "" {
				entry.ChecksumMatch = cs.Checksum() == rec.Checksum
			}
		}
		result = append(result, entry)
	}
	return result, nil
}

// AppliedMigrations returns all migrations that have been applied, oldest first
func (e *Engine) AppliedMigrations(ctx context.Context) ([]AppliedMigration, error) {
	applied, err := e.appliedMigrations(ctx)
	if err != nil {
		return nil, err
	}

	result := make([]AppliedMigration, len(applied))
	for i, rec := range applied {
		result[i] = AppliedMigration{
			Name:      rec.Name,
			Batch:     rec.Batch,
			AppliedAt: rec.AppliedAt,
			Duration:  time.Duration(rec.DurationMs) * time.Millisecond,
			Checksum:  rec.Checksum,
		}
	}
	return result, nil
}

// appliedMigrations ensures the bookkeeping table exists and reads it in
// application order.
func (e *Engine) appliedMigrations(ctx context.Context) ([]migrationRecord, error) {
	if _, err := e.NewCreateTable().Model((*migrationRecord)(nil)).IfNotExists().Exec(ctx); err != nil {
		return nil, &Error{
			Code:    CodeUnknown,
			Message: "failed to create migrations table",
			Op:      "Migrate",
			Cause:   err,
		}
	}

	var rows []migrationRecord
	err := e.NewSelect().
		Model(&rows).
		OrderExpr("batch ASC, applied_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, wrapError(err, "Migrate.GetApplied")
	}
	return rows, nil
}

// checksumSQL creates a SHA256 checksum of SQL content
func checksumSQL(sql string) string {
	hash := sha256.Sum256([]byte(sql))
	return hex.EncodeToString(hash[:])
}

// truncateSQL truncates SQL for error messages
func truncateSQL(sql string, maxLen int) string {
	if len(sql) <= maxLen {
		return sql
	}
	return sql[:maxLen] + "..."
}
