package sublimate

import (
	"context"
	"errors"
	"strings"
	"testing"
)

type createGalaxies struct{}

func (createGalaxies) Name() string { return "001_create_galaxies" }

func (createGalaxies) Prepare(db *DB) error {
	return db.Schema("galaxies").
		ID().
		Field("name", String, Required(), UniqueField()).
		Timestamps().
		Create()
}

func (createGalaxies) Revert(db *DB) error {
	return db.Schema("galaxies").Delete()
}

var createNebulae = SQLMigration{
	ID:          "002_create_nebulae",
	Description: "nebulae",
	SQL:         "CREATE TABLE nebulae (id INTEGER PRIMARY KEY, name TEXT NOT NULL)",
	RevertSQL:   "DROP TABLE nebulae",
}

var addGalaxyArms = SQLMigration{
	ID:        "003_add_galaxy_arms",
	SQL:       "ALTER TABLE galaxies ADD COLUMN arms INTEGER",
	RevertSQL: "ALTER TABLE galaxies DROP COLUMN arms",
}

// halfDone creates a table and then fails.
type halfDone struct{}

func (halfDone) Name() string { return "004_half_done" }

func (halfDone) Prepare(db *DB) error {
	if err := db.Schema("dust").Field("grain", Int).Create(); err != nil {
		return err
	}
	return errors.New("out of stardust")
}

func (halfDone) Revert(db *DB) error { return nil }

func tableExists(t *testing.T, e *Engine, name string) bool {
	t.Helper()
	rb, err := e.Handle(context.Background()).Raw("SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?", name)
	if err != nil {
		t.Fatalf("Raw failed: %v", err)
	}
	row, err := rb.First()
	if err != nil {
		t.Fatalf("First failed: %v", err)
	}
	return row != nil
}

func TestMigrate(t *testing.T) {
	e := getTestEngine(t)
	ctx := context.Background()

	result, err := e.Migrate(ctx, createGalaxies{}, createNebulae)
	if err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	if result.Batch != 1 {
		t.Errorf("Expected batch 1, got %d", result.Batch)
	}
	if len(result.Applied) != 2 || len(result.Skipped) != 0 {
		t.Errorf("Expected 2 applied, got %d applied and %d skipped", len(result.Applied), len(result.Skipped))
	}
	if !tableExists(t, e, "galaxies") || !tableExists(t, e, "nebulae") {
		t.Error("Expected both tables to exist")
	}

	result, err = e.Migrate(ctx, createGalaxies{}, createNebulae, addGalaxyArms)
	if err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	if result.Batch != 2 {
		t.Errorf("Expected batch 2, got %d", result.Batch)
	}
	if len(result.Applied) != 1 || result.Applied[0].Name != addGalaxyArms.ID {
		t.Errorf("Expected only %s to be applied, got %+v", addGalaxyArms.ID, result.Applied)
	}
	if len(result.Skipped) != 2 {
		t.Errorf("Expected 2 skipped, got %v", result.Skipped)
	}

	applied, err := e.AppliedMigrations(ctx)
	if err != nil {
		t.Fatalf("AppliedMigrations failed: %v", err)
	}
	names := make([]string, len(applied))
	for i, m := range applied {
		names[i] = m.Name
	}
	if strings.Join(names, ",") != "001_create_galaxies,002_create_nebulae,003_add_galaxy_arms" {
		t.Errorf("Unexpected applied order %v", names)
	}
	if applied[1].Checksum != createNebulae.Checksum() {
		t.Error("Expected checksum to be recorded for SQL migrations")
	}
	if applied[0].Checksum != "" {
		t.Error("Expected no checksum for migrations without one")
	}
}

func TestMigrate_FailureRollsBack(t *testing.T) {
	e := getTestEngine(t)
	ctx := context.Background()

	_, err := e.Migrate(ctx, createGalaxies{}, halfDone{})
	if err == nil || !strings.Contains(err.Error(), "out of stardust") {
		t.Fatalf("Expected migration error, got %v", err)
	}

	if tableExists(t, e, "dust") {
		t.Error("Expected the failed migration to be rolled back")
	}
	if !tableExists(t, e, "galaxies") {
		t.Error("Expected earlier migrations to stay applied")
	}

	applied, _ := e.AppliedMigrations(ctx)
	if len(applied) != 1 {
		t.Errorf("Expected 1 recorded migration, got %d", len(applied))
	}
}

func TestMigrate_ChecksumMismatch(t *testing.T) {
	e := getTestEngine(t)
	ctx := context.Background()

	if _, err := e.Migrate(ctx, createNebulae); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}

	changed := createNebulae
	changed.SQL = "CREATE TABLE nebulae (id INTEGER PRIMARY KEY)"
	_, err := e.Migrate(ctx, changed)
	if err == nil || !strings.Contains(err.Error(), "checksum mismatch") {
		t.Errorf("Expected checksum mismatch, got %v", err)
	}

	status, err := e.MigrationStatus(ctx, changed, addGalaxyArms)
	if err != nil {
		t.Fatalf("MigrationStatus failed: %v", err)
	}
	if !status[0].Applied || status[0].ChecksumMatch || status[0].Batch != 1 {
		t.Errorf("Unexpected status %+v", status[0])
	}
	if status[1].Applied {
		t.Errorf("Expected %s to be pending", status[1].Name)
	}
}

func TestRevert(t *testing.T) {
	e := getTestEngine(t)
	ctx := context.Background()

	if _, err := e.Migrate(ctx, createGalaxies{}, createNebulae); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	if _, err := e.Migrate(ctx, createGalaxies{}, createNebulae, addGalaxyArms); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	all := []Migration{createGalaxies{}, createNebulae, addGalaxyArms}

	reverted, err := e.Revert(ctx, all...)
	if err != nil {
		t.Fatalf("Revert failed: %v", err)
	}
	if len(reverted) != 1 || reverted[0] != addGalaxyArms.ID {
		t.Errorf("Expected only the last batch to be reverted, got %v", reverted)
	}

	reverted, err = e.Revert(ctx, all...)
	if err != nil {
		t.Fatalf("Revert failed: %v", err)
	}
	if strings.Join(reverted, ",") != "002_create_nebulae,001_create_galaxies" {
		t.Errorf("Expected newest first, got %v", reverted)
	}
	if tableExists(t, e, "galaxies") || tableExists(t, e, "nebulae") {
		t.Error("Expected tables to be dropped")
	}

	reverted, err = e.Revert(ctx, all...)
	if err != nil || len(reverted) != 0 {
		t.Errorf("Expected nothing to revert, got %v (%v)", reverted, err)
	}
}

func TestRevert_MissingMigration(t *testing.T) {
	e := getTestEngine(t)
	ctx := context.Background()

	if _, err := e.Migrate(ctx, createNebulae); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}

	_, err := e.Revert(ctx)
	if !IsNotFound(err) {
		t.Errorf("Expected not found, got %v", err)
	}
}

func TestSQLMigration_NotReversible(t *testing.T) {
	e := getTestEngine(t)
	ctx := context.Background()

	oneWay := SQLMigration{ID: "one_way", SQL: "CREATE TABLE quasars (id INTEGER)"}
	if _, err := e.Migrate(ctx, oneWay); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}

	_, err := e.Revert(ctx, oneWay)
	code, ok := GetErrorCode(err)
	if !ok || code != CodeUnsupported {
		t.Errorf("Expected CodeUnsupported, got %v", err)
	}
	if !tableExists(t, e, "quasars") {
		t.Error("Expected table to survive a failed revert")
	}
}

func TestChecksumSQL(t *testing.T) {
	a := checksumSQL("CREATE TABLE a (id INTEGER)")
	b := checksumSQL("CREATE TABLE a (id INTEGER)")
	c := checksumSQL("CREATE TABLE b (id INTEGER)")

	if a != b {
		t.Error("Expected equal checksums for equal SQL")
	}
	if a == c {
		t.Error("Expected different checksums for different SQL")
	}
	if len(a) != 64 {
		t.Errorf("Expected hex SHA-256, got %d chars", len(a))
	}
}

func TestTruncateSQL(t *testing.T) {
	if got := truncateSQL("SELECT 1", 20); got != "SELECT 1" {
		t.Errorf("Expected unchanged SQL, got %s", got)
	}
	if got := truncateSQL("SELECT * FROM planets", 6); got != "SELECT..." {
		t.Errorf("Expected truncated SQL, got %s", got)
	}
}
