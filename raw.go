package sublimate

import (
	"database/sql"
	"fmt"
	"net/http"
	"reflect"
	"time"

	"github.com/go-viper/mapstructure/v2"
)

// Row is one result row keyed by column name.
type Row map[string]any

// Decode copies r into dst, matching columns to bun tags first and field
// names second.
func (r Row) Decode(dst any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           dst,
		TagName:          "bun",
		Squash:           true,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			bytesToStringHook,
			mapstructure.StringToTimeHookFunc(time.RFC3339Nano),
		),
	})
	if err != nil {
		return err
	}
	return dec.Decode(map[string]any(r))
}

// bytesToStringHook turns driver []byte values into strings for string
// fields.
func bytesToStringHook(from, to reflect.Type, data any) (any, error) {
	if b, ok := data.([]byte); ok && to.Kind() == reflect.String {
		return string(b), nil
	}
	return data, nil
}

// RawBuilder runs one SQL statement on the handle it was created from.
type RawBuilder struct {
	db    *DB
	query string
	args  []any
}

// Raw prepares query for execution. It fails with a 500 abort when the
// handle cannot run arbitrary SQL. Arguments use bun's "?" placeholders.
func (db *DB) Raw(query string, args ...any) (*RawBuilder, error) {
	if _, err := db.sqlHandle("Raw"); err != nil {
		return nil, err
	}
	return &RawBuilder{db: db, query: query, args: args}, nil
}

// sqlHandle is handle for operations that need arbitrary SQL. RawBuilder
// calls it again on every execution.
func (db *DB) sqlHandle(op string) (SQLDatabase, error) {
	conn, err := db.handle(op)
	if err != nil {
		return nil, err
	}
	sqlConn, ok := conn.(SQLDatabase)
	if !ok {
		return nil, abortAtCaller(http.StatusInternalServerError, ErrRawUnsupported,
			"Cannot do raw SQL queries on non-SQL database.")
	}
	return sqlConn, nil
}

// Run executes query and discards any rows.
func (db *DB) Run(query string, args ...any) error {
	rb, err := db.Raw(query, args...)
	if err != nil {
		return err
	}
	return rb.Run()
}

// Run executes the statement and discards any rows.
func (rb *RawBuilder) Run() error {
	conn, err := rb.db.sqlHandle("Raw.Run")
	if err != nil {
		return err
	}
	if _, err := conn.ExecContext(rb.db.ctx, rb.query, rb.args...); err != nil {
		return wrapError(err, "Raw.Run")
	}
	return nil
}

// Scan lets bun scan the result into dest, typically a model or a slice
// of models.
func (rb *RawBuilder) Scan(dest ...any) error {
	conn, err := rb.db.sqlHandle("Raw.Scan")
	if err != nil {
		return err
	}
	if err := conn.NewRaw(rb.query, rb.args...).Scan(rb.db.ctx, dest...); err != nil {
		return wrapError(err, "Raw.Scan")
	}
	return nil
}

// All returns every row.
func (rb *RawBuilder) All() ([]Row, error) {
	return rb.rows("Raw.All", 0)
}

// First returns the first row, or nil when there is none.
func (rb *RawBuilder) First() (Row, error) {
	rows, err := rb.rows("Raw.First", 1)
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return rows[0], nil
}

// FirstOrAbort is First with a 404 when there is no row.
func (rb *RawBuilder) FirstOrAbort() (Row, error) {
	row, err := rb.First()
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, abortAt(1, http.StatusNotFound, ErrNotFound, "No row found for this input.")
	}
	return row, nil
}

// rows reads at most max rows, all of them when max is 0.
func (rb *RawBuilder) rows(op string, max int) ([]Row, error) {
	conn, err := rb.db.sqlHandle(op)
	if err != nil {
		return nil, err
	}
	rs, err := conn.QueryContext(rb.db.ctx, rb.query, rb.args...)
	if err != nil {
		return nil, wrapError(err, op)
	}
	return scanRows(op, rs, max)
}

// scanRows reads at most max rows of rs, all of them when max is 0, and
// closes it.
func scanRows(op string, rs *sql.Rows, max int) ([]Row, error) {
	defer rs.Close()

	cols, err := rs.Columns()
	if err != nil {
		return nil, wrapError(err, op)
	}

	out := make([]Row, 0)
	for rs.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rs.Scan(ptrs...); err != nil {
			return nil, wrapError(err, op)
		}

		row := make(Row, len(cols))
		for i, c := range cols {
			row[c] = vals[i]
		}
		out = append(out, row)

		if max > 0 && len(out) >= max {
			break
		}
	}
	if err := rs.Err(); err != nil {
		return nil, wrapError(err, op)
	}
	return out, nil
}

// AllAs runs rb and decodes every row into T.
func AllAs[T any](rb *RawBuilder) ([]T, error) {
	rows, err := rb.All()
	if err != nil {
		return nil, err
	}

	out := make([]T, len(rows))
	for i, row := range rows {
		if err := row.Decode(&out[i]); err != nil {
			return nil, decodeError[T]("Raw.AllAs", err)
		}
	}
	return out, nil
}

// FirstAs runs rb and decodes the first row into T, or returns nil when
// there is no row.
func FirstAs[T any](rb *RawBuilder) (*T, error) {
	row, err := rb.First()
	if err != nil || row == nil {
		return nil, err
	}

	out := new(T)
	if err := row.Decode(out); err != nil {
		return nil, decodeError[T]("Raw.FirstAs", err)
	}
	return out, nil
}

// FirstAsOrAbort is FirstAs with a 404 when there is no row.
func FirstAsOrAbort[T any](rb *RawBuilder) (*T, error) {
	out, err := FirstAs[T](rb)
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, abortAt(1, http.StatusNotFound, ErrNotFound,
			fmt.Sprintf("%s not found for this input.", modelName[T]()))
	}
	return out, nil
}

func decodeError[T any](op string, err error) *Error {
	return &Error{
		Code:    CodeDecode,
		Message: fmt.Sprintf("cannot decode row into %s: %v", modelName[T](), err),
		Op:      op,
		Cause:   err,
	}
}
