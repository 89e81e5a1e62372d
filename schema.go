package sublimate

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"
	"github.com/uptrace/bun/schema"
)

// DataType is a portable column type. Values outside the predefined set
// are used verbatim as SQL.
type DataType string

const (
	Int      DataType = "int"
	Int64    DataType = "bigint"
	String   DataType = "varchar"
	Text     DataType = "text"
	Bool     DataType = "bool"
	Float    DataType = "real"
	Double   DataType = "double"
	Datetime DataType = "timestamp"
	Date     DataType = "date"
	UUID     DataType = "uuid"
	JSON     DataType = "json"
	Bytes    DataType = "bytes"
)

func (t DataType) sql(name dialect.Name) string {
	if name == dialect.SQLite {
		switch t {
		case Int, Int64:
			return "INTEGER"
		case String:
			return "VARCHAR(255)"
		case Text, UUID, JSON:
			return "TEXT"
		case Bool:
			return "BOOLEAN"
		case Float, Double:
			return "REAL"
		case Datetime:
			return "TIMESTAMP"
		case Date:
			return "DATE"
		case Bytes:
			return "BLOB"
		}
		return string(t)
	}

	switch t {
	case Int:
		return "INTEGER"
	case Int64:
		return "BIGINT"
	case String:
		return "VARCHAR(255)"
	case Text:
		return "TEXT"
	case Bool:
		return "BOOLEAN"
	case Float:
		return "REAL"
	case Double:
		return "DOUBLE PRECISION"
	case Datetime:
		return "TIMESTAMPTZ"
	case Date:
		return "DATE"
	case UUID:
		return "UUID"
	case JSON:
		return "JSONB"
	case Bytes:
		return "BYTEA"
	}
	return string(t)
}

// ForeignKeyAction is what happens to referencing rows.
type ForeignKeyAction string

const (
	NoAction   ForeignKeyAction = "NO ACTION"
	Restrict   ForeignKeyAction = "RESTRICT"
	Cascade    ForeignKeyAction = "CASCADE"
	SetNull    ForeignKeyAction = "SET NULL"
	SetDefault ForeignKeyAction = "SET DEFAULT"
)

type constraintKind int

const (
	constraintRequired constraintKind = iota + 1
	constraintIdentifier
	constraintUnique
	constraintDefault
	constraintReferences
)

// FieldConstraint qualifies a column declared with Field.
type FieldConstraint struct {
	kind     constraintKind
	auto     bool
	expr     string
	ref      *reference
	onDelete ForeignKeyAction
	onUpdate ForeignKeyAction
}

type reference struct {
	table, field string
}

// Required marks the column NOT NULL.
func Required() FieldConstraint {
	return FieldConstraint{kind: constraintRequired}
}

// Identifier makes the column the primary key, generated by the database
// when auto is set.
func Identifier(auto bool) FieldConstraint {
	return FieldConstraint{kind: constraintIdentifier, auto: auto}
}

// UniqueField makes the column unique on its own.
func UniqueField() FieldConstraint {
	return FieldConstraint{kind: constraintUnique}
}

// Default sets a default given as an SQL expression, e.g. "0" or
// "CURRENT_TIMESTAMP".
func Default(expr string) FieldConstraint {
	return FieldConstraint{kind: constraintDefault, expr: expr}
}

// References makes the column a foreign key to table.field.
func References(table, field string, onDelete, onUpdate ForeignKeyAction) FieldConstraint {
	return FieldConstraint{
		kind:     constraintReferences,
		ref:      &reference{table: table, field: field},
		onDelete: onDelete,
		onUpdate: onUpdate,
	}
}

type fieldDef struct {
	name        string
	typ         DataType
	constraints []FieldConstraint
}

type uniqueDef struct {
	name   string
	fields []string
}

type foreignKeyDef struct {
	name     string
	field    string
	ref      reference
	onDelete ForeignKeyAction
	onUpdate ForeignKeyAction
}

// SchemaBuilder collects DDL for one table and runs it on Create, Update
// or Delete.
//
//	err := db.Schema("planets").
//	    ID().
//	    Field("name", sublimate.String, sublimate.Required()).
//	    Field("star_id", sublimate.Int64, sublimate.Required(),
//	        sublimate.References("stars", "id", sublimate.Cascade, sublimate.NoAction)).
//	    Create()
type SchemaBuilder struct {
	db             *DB
	table          string
	ignoreExisting bool

	fields      []fieldDef
	updates     []fieldDef
	deletes     []string
	uniques     []uniqueDef
	foreignKeys []foreignKeyDef
	drops       []string
}

// Schema starts DDL for table.
func (db *DB) Schema(table string) *SchemaBuilder {
	return &SchemaBuilder{db: db, table: table}
}

// ID adds an auto-generated integer primary key named "id".
func (b *SchemaBuilder) ID() *SchemaBuilder {
	return b.Field("id", Int64, Identifier(true))
}

// Field adds a column.
func (b *SchemaBuilder) Field(name string, typ DataType, constraints ...FieldConstraint) *SchemaBuilder {
	b.fields = append(b.fields, fieldDef{name: name, typ: typ, constraints: constraints})
	return b
}

// Timestamps adds the created_at and updated_at columns of Model.
func (b *SchemaBuilder) Timestamps() *SchemaBuilder {
	return b.
		Field("created_at", Datetime, Required(), Default("CURRENT_TIMESTAMP")).
		Field("updated_at", Datetime, Required(), Default("CURRENT_TIMESTAMP"))
}

// SoftDelete adds the deleted_at column of SoftDeletableModel.
func (b *SchemaBuilder) SoftDelete() *SchemaBuilder {
	return b.Field("deleted_at", Datetime)
}

// Unique adds a unique constraint over fields.
func (b *SchemaBuilder) Unique(fields ...string) *SchemaBuilder {
	return b.UniqueNamed(b.uniqueName(fields), fields...)
}

// UniqueNamed adds a unique constraint with an explicit name.
func (b *SchemaBuilder) UniqueNamed(name string, fields ...string) *SchemaBuilder {
	b.uniques = append(b.uniques, uniqueDef{name: name, fields: fields})
	return b
}

// ForeignKey adds a table-level foreign key constraint.
func (b *SchemaBuilder) ForeignKey(field, refTable, refField string, onDelete, onUpdate ForeignKeyAction) *SchemaBuilder {
	b.foreignKeys = append(b.foreignKeys, foreignKeyDef{
		name:     fmt.Sprintf("fk_%s_%s", b.table, field),
		field:    field,
		ref:      reference{table: refTable, field: refField},
		onDelete: onDelete,
		onUpdate: onUpdate,
	})
	return b
}

// UpdateField changes the type of an existing column.
func (b *SchemaBuilder) UpdateField(name string, typ DataType) *SchemaBuilder {
	b.updates = append(b.updates, fieldDef{name: name, typ: typ})
	return b
}

// DeleteField drops a column.
func (b *SchemaBuilder) DeleteField(name string) *SchemaBuilder {
	b.deletes = append(b.deletes, name)
	return b
}

// DeleteUnique drops the unique constraint Unique created over fields.
func (b *SchemaBuilder) DeleteUnique(fields ...string) *SchemaBuilder {
	return b.DeleteConstraint(b.uniqueName(fields))
}

// DeleteConstraint drops a named constraint.
func (b *SchemaBuilder) DeleteConstraint(name string) *SchemaBuilder {
	b.drops = append(b.drops, name)
	return b
}

// IgnoreExisting makes Create a no-op for an existing table and Delete a
// no-op for a missing one.
func (b *SchemaBuilder) IgnoreExisting() *SchemaBuilder {
	b.ignoreExisting = true
	return b
}

func (b *SchemaBuilder) uniqueName(fields []string) string {
	return fmt.Sprintf("uq_%s_%s", b.table, strings.Join(fields, "_"))
}

// Create creates the table.
func (b *SchemaBuilder) Create() error {
	return b.exec("Schema.Create", b.createStatements)
}

// Update alters the table.
func (b *SchemaBuilder) Update() error {
	return b.exec("Schema.Update", b.updateStatements)
}

// Delete drops the table.
func (b *SchemaBuilder) Delete() error {
	return b.exec("Schema.Delete", b.deleteStatements)
}

// ddlQuery is one DDL statement, either a bun builder or rawDDL.
type ddlQuery interface {
	schema.QueryAppender
	Exec(ctx context.Context, dest ...any) (sql.Result, error)
}

// rawDDL is DDL bun has no builder for: CREATE TABLE without a model and
// ALTER TABLE column types and constraints. Identifiers still go through
// bun.Ident placeholders.
type rawDDL struct {
	conn  Database
	query string
	args  []any
}

func (r rawDDL) AppendQuery(gen schema.QueryGen, b []byte) ([]byte, error) {
	return gen.AppendQuery(b, r.query, r.args...), nil
}

func (r rawDDL) Exec(ctx context.Context, _ ...any) (sql.Result, error) {
	return r.conn.ExecContext(ctx, r.query, r.args...)
}

func (b *SchemaBuilder) exec(op string, build func(Database) ([]ddlQuery, error)) error {
	conn, err := b.db.handle(op)
	if err != nil {
		return err
	}

	stmts, err := build(conn)
	if err != nil {
		return err
	}
	for _, stmt := range stmts {
		if _, err := stmt.Exec(b.db.ctx); err != nil {
			e := wrapError(err, op)
			if dbErr, ok := e.(*Error); ok {
				dbErr.Table = b.table
				if q, qerr := stmt.AppendQuery(schema.NewQueryGen(conn.Dialect()), nil); qerr == nil {
					dbErr.Query = string(q)
				}
			}
			return e
		}
	}
	return nil
}

// idents returns a "?, ?" placeholder list with names as bun.Ident args.
func idents(names []string) (string, []any) {
	args := make([]any, len(names))
	for i, n := range names {
		args[i] = bun.Ident(n)
	}
	return strings.TrimSuffix(strings.Repeat("?, ", len(names)), ", "), args
}

func actions(onDelete, onUpdate ForeignKeyAction) string {
	var s string
	if onDelete != "" {
		s += " ON DELETE " + string(onDelete)
	}
	if onUpdate != "" {
		s += " ON UPDATE " + string(onUpdate)
	}
	return s
}

// column renders a column definition for the dialect.
func column(name dialect.Name, f fieldDef) schema.QueryWithArgs {
	var auto, pk bool
	for _, c := range f.constraints {
		if c.kind == constraintIdentifier {
			pk = true
			auto = auto || c.auto
		}
	}

	var sb strings.Builder
	args := []any{bun.Ident(f.name)}
	sb.WriteString("? ")

	switch {
	case auto && name == dialect.SQLite:
		sb.WriteString("INTEGER PRIMARY KEY AUTOINCREMENT")
	case auto && f.typ == Int:
		sb.WriteString("SERIAL PRIMARY KEY")
	case auto:
		sb.WriteString("BIGSERIAL PRIMARY KEY")
	default:
		sb.WriteString("?")
		args = append(args, bun.Safe(f.typ.sql(name)))
		if pk {
			sb.WriteString(" PRIMARY KEY")
		}
	}

	for _, c := range f.constraints {
		switch c.kind {
		case constraintRequired:
			sb.WriteString(" NOT NULL")
		case constraintUnique:
			sb.WriteString(" UNIQUE")
		case constraintDefault:
			sb.WriteString(" DEFAULT ?")
			args = append(args, bun.Safe(c.expr))
		case constraintReferences:
			sb.WriteString(" REFERENCES ? (?)" + actions(c.onDelete, c.onUpdate))
			args = append(args, bun.Ident(c.ref.table), bun.Ident(c.ref.field))
		}
	}
	return schema.SafeQuery(sb.String(), args)
}

func uniqueConstraint(u uniqueDef) schema.QueryWithArgs {
	cols, args := idents(u.fields)
	return schema.SafeQuery("CONSTRAINT ? UNIQUE ("+cols+")", append([]any{bun.Ident(u.name)}, args...))
}

func foreignKey(fk foreignKeyDef) schema.QueryWithArgs {
	return schema.SafeQuery("CONSTRAINT ? FOREIGN KEY (?) REFERENCES ? (?)"+actions(fk.onDelete, fk.onUpdate),
		[]any{bun.Ident(fk.name), bun.Ident(fk.field), bun.Ident(fk.ref.table), bun.Ident(fk.ref.field)})
}

// uniqueIndex is how SQLite gets droppable unique constraints.
func (b *SchemaBuilder) uniqueIndex(conn Database, u uniqueDef, ifNotExists bool) *bun.CreateIndexQuery {
	cols, args := idents(u.fields)
	q := conn.NewCreateIndex().
		Unique().
		IndexExpr("?", bun.Ident(u.name)).
		TableExpr("?", bun.Ident(b.table)).
		ColumnExpr(cols, args...)
	if ifNotExists {
		q = q.IfNotExists()
	}
	return q
}

func (b *SchemaBuilder) alter(conn Database, clause string, args ...any) rawDDL {
	return rawDDL{conn: conn, query: "ALTER TABLE ? " + clause, args: append([]any{bun.Ident(b.table)}, args...)}
}

func (b *SchemaBuilder) unsupported(op, what string) *Error {
	return &Error{
		Code:    CodeUnsupported,
		Message: what + " is not supported by this dialect",
		Op:      op,
		Table:   b.table,
	}
}

func (b *SchemaBuilder) createStatements(conn Database) ([]ddlQuery, error) {
	if len(b.fields) == 0 {
		return nil, &Error{
			Code:    CodeUnknown,
			Message: "table needs at least one field",
			Op:      "Schema.Create",
			Table:   b.table,
		}
	}
	name := conn.Dialect().Name()

	defs := make([]any, 0, len(b.fields)+len(b.uniques)+len(b.foreignKeys))
	for _, f := range b.fields {
		defs = append(defs, column(name, f))
	}
	if name != dialect.SQLite {
		for _, u := range b.uniques {
			defs = append(defs, uniqueConstraint(u))
		}
	}
	for _, fk := range b.foreignKeys {
		defs = append(defs, foreignKey(fk))
	}

	create := "CREATE TABLE "
	if b.ignoreExisting {
		create += "IF NOT EXISTS "
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(defs)), ", ")
	stmts := []ddlQuery{rawDDL{
		conn:  conn,
		query: create + "? (" + placeholders + ")",
		args:  append([]any{bun.Ident(b.table)}, defs...),
	}}

	if name == dialect.SQLite {
		for _, u := range b.uniques {
			stmts = append(stmts, b.uniqueIndex(conn, u, b.ignoreExisting))
		}
	}
	return stmts, nil
}

func (b *SchemaBuilder) updateStatements(conn Database) ([]ddlQuery, error) {
	const op = "Schema.Update"
	name := conn.Dialect().Name()
	sqlite := name == dialect.SQLite
	table := bun.Ident(b.table)

	var stmts []ddlQuery
	for _, f := range b.fields {
		col := column(name, f)
		stmts = append(stmts, conn.NewAddColumn().TableExpr("?", table).ColumnExpr(col.Query, col.Args...))
	}
	for _, f := range b.updates {
		if sqlite {
			return nil, b.unsupported(op, "changing a column type")
		}
		stmts = append(stmts, b.alter(conn, "ALTER COLUMN ? TYPE ?", bun.Ident(f.name), bun.Safe(f.typ.sql(name))))
	}
	for _, col := range b.deletes {
		stmts = append(stmts, conn.NewDropColumn().TableExpr("?", table).ColumnExpr("?", bun.Ident(col)))
	}
	for _, u := range b.uniques {
		if sqlite {
			stmts = append(stmts, b.uniqueIndex(conn, u, false))
			continue
		}
		stmts = append(stmts, b.alter(conn, "ADD ?", uniqueConstraint(u)))
	}
	for _, fk := range b.foreignKeys {
		if sqlite {
			return nil, b.unsupported(op, "adding a foreign key to an existing table")
		}
		stmts = append(stmts, b.alter(conn, "ADD ?", foreignKey(fk)))
	}
	for _, constraint := range b.drops {
		if sqlite {
			stmts = append(stmts, conn.NewDropIndex().Index("?", bun.Ident(constraint)))
			continue
		}
		stmts = append(stmts, b.alter(conn, "DROP CONSTRAINT ?", bun.Ident(constraint)))
	}
	return stmts, nil
}

func (b *SchemaBuilder) deleteStatements(conn Database) ([]ddlQuery, error) {
	q := conn.NewDropTable().TableExpr("?", bun.Ident(b.table))
	if b.ignoreExisting {
		q = q.IfExists()
	}
	return []ddlQuery{q}, nil
}
