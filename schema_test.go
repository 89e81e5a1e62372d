package sublimate

import (
	"context"
	"database/sql"
	"strings"
	"testing"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/schema"
)

// getTestPGConn returns a PostgreSQL handle that is never dialed; it is
// only used to render statements.
func getTestPGConn(t *testing.T) Database {
	t.Helper()

	db := bun.NewDB(sql.OpenDB(pgdriver.NewConnector()), pgdialect.New())
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func getTestSQLiteConn(t *testing.T) Database {
	t.Helper()
	return getTestEngine(t).DB
}

func renderDDL(t *testing.T, conn Database, stmts []ddlQuery) []string {
	t.Helper()

	gen := schema.NewQueryGen(conn.Dialect())
	out := make([]string, len(stmts))
	for i, stmt := range stmts {
		b, err := stmt.AppendQuery(gen, nil)
		if err != nil {
			t.Fatalf("Statement %d does not render: %v", i, err)
		}
		out[i] = string(b)
	}
	return out
}

func planetsSchema() *SchemaBuilder {
	return (&DB{}).Schema("planets").
		ID().
		Field("name", String, Required(), UniqueField()).
		Field("moons", Int, Required(), Default("0")).
		Field("star_id", Int64, Required(), References("stars", "id", Cascade, NoAction)).
		Unique("star_id", "name")
}

func TestSchema_CreateSQLite(t *testing.T) {
	conn := getTestSQLiteConn(t)
	built, err := planetsSchema().createStatements(conn)
	if err != nil {
		t.Fatalf("createStatements failed: %v", err)
	}
	stmts := renderDDL(t, conn, built)

	expected := []string{
		`CREATE TABLE "planets" (` +
			`"id" INTEGER PRIMARY KEY AUTOINCREMENT, ` +
			`"name" VARCHAR(255) NOT NULL UNIQUE, ` +
			`"moons" INTEGER NOT NULL DEFAULT 0, ` +
			`"star_id" INTEGER NOT NULL REFERENCES "stars" ("id") ON DELETE CASCADE ON UPDATE NO ACTION)`,
		`CREATE UNIQUE INDEX "uq_planets_star_id_name" ON "planets" ("star_id", "name")`,
	}
	if len(stmts) != len(expected) {
		t.Fatalf("Expected %d statements, got %d: %v", len(expected), len(stmts), stmts)
	}
	for i := range expected {
		if stmts[i] != expected[i] {
			t.Errorf("Statement %d:\nexpected %s\ngot      %s", i, expected[i], stmts[i])
		}
	}
}

func TestSchema_CreatePostgres(t *testing.T) {
	conn := getTestPGConn(t)
	built, err := planetsSchema().IgnoreExisting().createStatements(conn)
	if err != nil {
		t.Fatalf("createStatements failed: %v", err)
	}
	stmts := renderDDL(t, conn, built)

	expected := `CREATE TABLE IF NOT EXISTS "planets" (` +
		`"id" BIGSERIAL PRIMARY KEY, ` +
		`"name" VARCHAR(255) NOT NULL UNIQUE, ` +
		`"moons" INTEGER NOT NULL DEFAULT 0, ` +
		`"star_id" BIGINT NOT NULL REFERENCES "stars" ("id") ON DELETE CASCADE ON UPDATE NO ACTION, ` +
		`CONSTRAINT "uq_planets_star_id_name" UNIQUE ("star_id", "name"))`
	if len(stmts) != 1 || stmts[0] != expected {
		t.Errorf("Expected\n%s\ngot\n%v", expected, stmts)
	}
}

func TestSchema_CreateRequiresFields(t *testing.T) {
	_, err := (&DB{}).Schema("empty").createStatements(getTestSQLiteConn(t))
	if err == nil {
		t.Error("Expected error for a table without fields")
	}
}

func TestSchema_TimestampsAndSoftDelete(t *testing.T) {
	conn := getTestPGConn(t)
	built, err := (&DB{}).Schema("comets").ID().Timestamps().SoftDelete().createStatements(conn)
	if err != nil {
		t.Fatalf("createStatements failed: %v", err)
	}
	stmts := renderDDL(t, conn, built)

	for _, col := range []string{
		`"created_at" TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP`,
		`"updated_at" TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP`,
		`"deleted_at" TIMESTAMPTZ`,
	} {
		if !strings.Contains(stmts[0], col) {
			t.Errorf("Expected %s in %s", col, stmts[0])
		}
	}
}

func TestSchema_UpdatePostgres(t *testing.T) {
	b := (&DB{}).Schema("planets").
		Field("radius", Double).
		UpdateField("moons", Int64).
		DeleteField("legacy").
		Unique("name").
		ForeignKey("star_id", "stars", "id", Restrict, "").
		DeleteUnique("star_id", "name")

	conn := getTestPGConn(t)
	built, err := b.updateStatements(conn)
	if err != nil {
		t.Fatalf("updateStatements failed: %v", err)
	}
	stmts := renderDDL(t, conn, built)

	expected := []string{
		`ALTER TABLE "planets" ADD "radius" DOUBLE PRECISION`,
		`ALTER TABLE "planets" ALTER COLUMN "moons" TYPE BIGINT`,
		`ALTER TABLE "planets" DROP COLUMN "legacy"`,
		`ALTER TABLE "planets" ADD CONSTRAINT "uq_planets_name" UNIQUE ("name")`,
		`ALTER TABLE "planets" ADD CONSTRAINT "fk_planets_star_id" FOREIGN KEY ("star_id") REFERENCES "stars" ("id") ON DELETE RESTRICT`,
		`ALTER TABLE "planets" DROP CONSTRAINT "uq_planets_star_id_name"`,
	}
	if len(stmts) != len(expected) {
		t.Fatalf("Expected %d statements, got %d: %v", len(expected), len(stmts), stmts)
	}
	for i := range expected {
		if stmts[i] != expected[i] {
			t.Errorf("Statement %d:\nexpected %s\ngot      %s", i, expected[i], stmts[i])
		}
	}
}

func TestSchema_UpdateSQLite(t *testing.T) {
	conn := getTestSQLiteConn(t)
	built, err := (&DB{}).Schema("planets").Unique("name").DeleteUnique("star_id", "name").updateStatements(conn)
	if err != nil {
		t.Fatalf("updateStatements failed: %v", err)
	}
	stmts := renderDDL(t, conn, built)
	expected := []string{
		`CREATE UNIQUE INDEX "uq_planets_name" ON "planets" ("name")`,
		`DROP INDEX "uq_planets_star_id_name"`,
	}
	for i := range expected {
		if i >= len(stmts) || stmts[i] != expected[i] {
			t.Errorf("Expected %v, got %v", expected, stmts)
			break
		}
	}

	unsupported := []*SchemaBuilder{
		(&DB{}).Schema("planets").UpdateField("moons", Int64),
		(&DB{}).Schema("planets").ForeignKey("star_id", "stars", "id", Cascade, ""),
	}
	for _, b := range unsupported {
		_, err := b.updateStatements(conn)
		code, ok := GetErrorCode(err)
		if !ok || code != CodeUnsupported {
			t.Errorf("Expected CodeUnsupported, got %v", err)
		}
	}
}

func TestSchema_Delete(t *testing.T) {
	conn := getTestPGConn(t)

	tests := []struct {
		name     string
		builder  *SchemaBuilder
		expected string
	}{
		{"plain", (&DB{}).Schema("planets"), `DROP TABLE "planets"`},
		{"ignore existing", (&DB{}).Schema("planets").IgnoreExisting(), `DROP TABLE IF EXISTS "planets"`},
	}

	for _, tt := range tests {
		built, err := tt.builder.deleteStatements(conn)
		if err != nil {
			t.Errorf("%s: deleteStatements failed: %v", tt.name, err)
			continue
		}
		stmts := renderDDL(t, conn, built)
		if len(stmts) != 1 || stmts[0] != tt.expected {
			t.Errorf("%s: expected %s, got %v", tt.name, tt.expected, stmts)
		}
	}
}

func TestSchema_QuotesIdentifiers(t *testing.T) {
	conn := getTestSQLiteConn(t)

	built, err := (&DB{}).Schema(`we"ird`).
		Field(`na"me`, String, References(`st"ars`, "id", "", "")).
		createStatements(conn)
	if err != nil {
		t.Fatalf("createStatements failed: %v", err)
	}
	stmts := renderDDL(t, conn, built)

	expected := `CREATE TABLE "we""ird" ("na""me" VARCHAR(255) REFERENCES "st""ars" ("id"))`
	if len(stmts) != 1 || stmts[0] != expected {
		t.Errorf("Expected %s, got %v", expected, stmts)
	}

	built, _ = (&DB{}).Schema("planets").DeleteField(`le"gacy`).updateStatements(conn)
	stmts = renderDDL(t, conn, built)
	if expected := `ALTER TABLE "planets" DROP COLUMN "le""gacy"`; len(stmts) != 1 || stmts[0] != expected {
		t.Errorf("Expected %s, got %v", expected, stmts)
	}
}

func TestSchema_ExecSQLite(t *testing.T) {
	e := getTestEngine(t)
	db := e.Handle(context.Background())

	err := db.Schema("moons").
		ID().
		Field("name", String, Required()).
		Field("planet_id", Int64, Required(), References("planets", "id", Cascade, NoAction)).
		Unique("planet_id", "name").
		Create()
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if err := db.Run(`INSERT INTO moons (name, planet_id) VALUES ('Luna', 3)`); err == nil {
		t.Error("Expected foreign key violation without planets")
	}

	seedSolarSystem(t, e)
	if err := db.Run(`INSERT INTO moons (name, planet_id) VALUES ('Luna', 3)`); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	err = db.Run(`INSERT INTO moons (name, planet_id) VALUES ('Luna', 3)`)
	if !IsDuplicate(err) {
		t.Errorf("Expected duplicate from unique index, got %v", err)
	}

	if err := db.Schema("moons").Delete(); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := db.Schema("moons").IgnoreExisting().Delete(); err != nil {
		t.Errorf("Expected IgnoreExisting delete to succeed, got %v", err)
	}
}
