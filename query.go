package sublimate

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/schema"
)

// Operator is a comparison used by Filter.
type Operator string

const (
	Equal              Operator = "="
	NotEqual           Operator = "<>"
	GreaterThan        Operator = ">"
	GreaterThanOrEqual Operator = ">="
	LessThan           Operator = "<"
	LessThanOrEqual    Operator = "<="
	Like               Operator = "LIKE"
	NotLike            Operator = "NOT LIKE"
	In                 Operator = "IN"
	NotIn              Operator = "NOT IN"
)

// Direction orders Sort.
type Direction string

const (
	Ascending  Direction = "ASC"
	Descending Direction = "DESC"
)

type selectMod func(*bun.SelectQuery) *bun.SelectQuery

// QueryBuilder is an immutable description of a query over model T. Every
// chaining method returns a new builder; terminal methods run the query on
// the handle the builder was created from.
//
//	planets, err := sublimate.Query[Planet](rc).
//	    Filter("star_id", sublimate.Equal, sun.ID).
//	    Sort("name", sublimate.Ascending).
//	    All()
type QueryBuilder[T any] struct {
	db     *DB
	mods   []selectMod
	sorted bool
}

// Query starts a query over T on the handle of s.
func Query[T any](s Scope) *QueryBuilder[T] {
	return &QueryBuilder[T]{db: s.DB()}
}

func (q *QueryBuilder[T]) with(mod selectMod) *QueryBuilder[T] {
	mods := make([]selectMod, len(q.mods), len(q.mods)+1)
	copy(mods, q.mods)
	return &QueryBuilder[T]{db: q.db, mods: append(mods, mod), sorted: q.sorted}
}

func (q *QueryBuilder[T]) build(conn Database, model any) *bun.SelectQuery {
	sq := conn.NewSelect().Model(model)
	for _, mod := range q.mods {
		sq = mod(sq)
	}
	return sq
}

// Where adds a raw condition joined with AND.
func (q *QueryBuilder[T]) Where(query string, args ...any) *QueryBuilder[T] {
	return q.with(func(sq *bun.SelectQuery) *bun.SelectQuery {
		return sq.Where(query, args...)
	})
}

// WhereOr adds a raw condition joined with OR.
func (q *QueryBuilder[T]) WhereOr(query string, args ...any) *QueryBuilder[T] {
	return q.with(func(sq *bun.SelectQuery) *bun.SelectQuery {
		return sq.WhereOr(query, args...)
	})
}

// WhereGroup nests the filters added by fn in parentheses. sep is " AND " or
// " OR " and joins the group to the preceding conditions.
func (q *QueryBuilder[T]) WhereGroup(sep string, fn func(g *QueryBuilder[T]) *QueryBuilder[T]) *QueryBuilder[T] {
	inner := fn(&QueryBuilder[T]{db: q.db})
	return q.with(func(sq *bun.SelectQuery) *bun.SelectQuery {
		return sq.WhereGroup(sep, func(gq *bun.SelectQuery) *bun.SelectQuery {
			for _, mod := range inner.mods {
				gq = mod(gq)
			}
			return gq
		})
	})
}

// Filter compares column with value. Unqualified columns refer to T's table.
func (q *QueryBuilder[T]) Filter(column string, op Operator, value any) *QueryBuilder[T] {
	col := columnExpr(column)
	return q.with(func(sq *bun.SelectQuery) *bun.SelectQuery {
		switch op {
		case In, NotIn:
			return sq.Where(col+" "+string(op)+" (?)", bun.Ident(column), bun.In(value))
		}
		if value == nil {
			switch op {
			case Equal:
				return sq.Where(col+" IS NULL", bun.Ident(column))
			case NotEqual:
				return sq.Where(col+" IS NOT NULL", bun.Ident(column))
			}
		}
		return sq.Where(col+" "+string(op)+" ?", bun.Ident(column), value)
	})
}

// columnExpr qualifies bare column names with the model alias.
func columnExpr(column string) string {
	if strings.Contains(column, ".") {
		return "?"
	}
	return "?TableAlias.?"
}

// Sort orders by column. Later sorts break ties of earlier ones.
func (q *QueryBuilder[T]) Sort(column string, dir Direction) *QueryBuilder[T] {
	col := columnExpr(column)
	next := q.with(func(sq *bun.SelectQuery) *bun.SelectQuery {
		return sq.OrderExpr(col+" "+string(dir), bun.Ident(column))
	})
	next.sorted = true
	return next
}

// Join adds a join clause, e.g. "JOIN stars AS s ON s.id = planet.star_id".
func (q *QueryBuilder[T]) Join(join string, args ...any) *QueryBuilder[T] {
	return q.with(func(sq *bun.SelectQuery) *bun.SelectQuery {
		return sq.Join(join, args...)
	})
}

// Group adds GROUP BY columns.
func (q *QueryBuilder[T]) Group(columns ...string) *QueryBuilder[T] {
	return q.with(func(sq *bun.SelectQuery) *bun.SelectQuery {
		return sq.Group(columns...)
	})
}

// With eager-loads a relation declared on T.
func (q *QueryBuilder[T]) With(relation string, apply ...func(*bun.SelectQuery) *bun.SelectQuery) *QueryBuilder[T] {
	return q.with(func(sq *bun.SelectQuery) *bun.SelectQuery {
		return sq.Relation(relation, apply...)
	})
}

// Unique selects distinct rows.
func (q *QueryBuilder[T]) Unique() *QueryBuilder[T] {
	return q.with(func(sq *bun.SelectQuery) *bun.SelectQuery {
		return sq.Distinct()
	})
}

// Limit caps the number of rows.
func (q *QueryBuilder[T]) Limit(n int) *QueryBuilder[T] {
	return q.with(func(sq *bun.SelectQuery) *bun.SelectQuery {
		return sq.Limit(n)
	})
}

// Offset skips n rows.
func (q *QueryBuilder[T]) Offset(n int) *QueryBuilder[T] {
	return q.with(func(sq *bun.SelectQuery) *bun.SelectQuery {
		return sq.Offset(n)
	})
}

// Range selects the rows with index in [lower, upper).
func (q *QueryBuilder[T]) Range(lower, upper int) *QueryBuilder[T] {
	if lower < 0 {
		lower = 0
	}
	n := upper - lower
	if n < 0 {
		n = 0
	}
	return q.Offset(lower).Limit(n)
}

// WithDeleted includes soft-deleted rows. It is a no-op for models that
// are not soft-deletable.
func (q *QueryBuilder[T]) WithDeleted() *QueryBuilder[T] {
	conn := q.db.conn
	return q.with(func(sq *bun.SelectQuery) *bun.SelectQuery {
		return includeDeleted[T](conn, sq)
	})
}

// OnlyDeleted selects soft-deleted rows only. bun rejects it for models
// without a soft delete column.
func (q *QueryBuilder[T]) OnlyDeleted() *QueryBuilder[T] {
	return q.with(func(sq *bun.SelectQuery) *bun.SelectQuery {
		return sq.WhereDeleted()
	})
}

// Apply adds an arbitrary bun modifier.
func (q *QueryBuilder[T]) Apply(fn func(*bun.SelectQuery) *bun.SelectQuery) *QueryBuilder[T] {
	return q.with(fn)
}

// All returns every matching row. No rows is an empty slice.
func (q *QueryBuilder[T]) All() ([]T, error) {
	conn, err := q.db.handle("Query.All")
	if err != nil {
		return nil, err
	}

	items := make([]T, 0)
	if err := q.build(conn, &items).Scan(q.db.ctx); err != nil {
		return nil, wrapError(err, "Query.All")
	}
	return items, nil
}

// First returns the first matching row, or nil when there is none.
func (q *QueryBuilder[T]) First() (*T, error) {
	conn, err := q.db.handle("Query.First")
	if err != nil {
		return nil, err
	}

	item := new(T)
	if err := q.build(conn, item).Limit(1).Scan(q.db.ctx); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, wrapError(err, "Query.First")
	}
	return item, nil
}

// FirstOrAbort is First with a 404 when nothing matches.
func (q *QueryBuilder[T]) FirstOrAbort() (*T, error) {
	item, err := q.First()
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, abortAt(1, http.StatusNotFound, ErrNotFound,
			fmt.Sprintf("%s not found for this input.", modelName[T]()))
	}
	return item, nil
}

// recordPrefix marks the columns of T in a joined row; joined models use
// j0__, j1__ and so on.
const recordPrefix = "r__"

func joinedPrefix(i int) string {
	return fmt.Sprintf("j%d__", i)
}

// joinedModel is a model selected alongside T under a join alias.
type joinedModel struct {
	alias string
	table *schema.Table
}

func joinedAs[J any](conn Database, alias string) joinedModel {
	return joinedModel{alias: alias, table: tableOf[J](conn)}
}

// firstJoined reads the first matching row with the columns of T and of
// every joined model, split into one Row each. record is nil when nothing
// matches.
func firstJoined[T any](q *QueryBuilder[T], op string, joins func(Database) []joinedModel) (Row, []Row, error) {
	conn, err := q.db.handle(op)
	if err != nil {
		return nil, nil, err
	}

	sq := q.build(conn, (*T)(nil))
	for _, f := range tableOf[T](conn).Fields {
		sq = sq.ColumnExpr("?TableAlias.? AS ?", bun.Ident(f.Name), bun.Ident(recordPrefix+f.Name))
	}
	models := joins(conn)
	for i, m := range models {
		for _, f := range m.table.Fields {
			sq = sq.ColumnExpr("?.? AS ?", bun.Ident(m.alias), bun.Ident(f.Name), bun.Ident(joinedPrefix(i)+f.Name))
		}
	}

	rs, err := sq.Limit(1).Rows(q.db.ctx)
	if err != nil {
		return nil, nil, wrapError(err, op)
	}
	rows, err := scanRows(op, rs, 1)
	if err != nil || len(rows) == 0 {
		return nil, nil, err
	}

	record := Row{}
	joined := make([]Row, len(models))
	for i := range joined {
		joined[i] = Row{}
	}
	for col, v := range rows[0] {
		if name, ok := strings.CutPrefix(col, recordPrefix); ok {
			record[name] = v
			continue
		}
		for i := range joined {
			if name, ok := strings.CutPrefix(col, joinedPrefix(i)); ok {
				joined[i][name] = v
				break
			}
		}
	}
	return record, joined, nil
}

func decodeRow[T any](op string, row Row) (*T, error) {
	out := new(T)
	if err := row.Decode(out); err != nil {
		return nil, decodeError[T](op, err)
	}
	return out, nil
}

// FirstWith returns the first matching row of T together with the J joined
// under alias, e.g.
//
//	q := Query[Planet](db).Join("JOIN stars AS s ON s.id = planet.star_id")
//	planet, star, err := FirstWith[Planet, Star](q, "s")
//
// Both are nil when nothing matches.
func FirstWith[T, J any](q *QueryBuilder[T], alias string) (*T, *J, error) {
	const op = "Query.FirstWith"
	record, joined, err := firstJoined(q, op, func(conn Database) []joinedModel {
		return []joinedModel{joinedAs[J](conn, alias)}
	})
	if err != nil || record == nil {
		return nil, nil, err
	}

	item, err := decodeRow[T](op, record)
	if err != nil {
		return nil, nil, err
	}
	j, err := decodeRow[J](op, joined[0])
	if err != nil {
		return nil, nil, err
	}
	return item, j, nil
}

// FirstWithOrAbort is FirstWith with a 404 when nothing matches.
func FirstWithOrAbort[T, J any](q *QueryBuilder[T], alias string) (*T, *J, error) {
	item, j, err := FirstWith[T, J](q, alias)
	if err != nil {
		return nil, nil, err
	}
	if item == nil {
		return nil, nil, abortAt(1, http.StatusNotFound, ErrNotFound,
			fmt.Sprintf("%s not found for this input.", modelName[T]()))
	}
	return item, j, nil
}

// FirstWith2 is FirstWith with two joined models, J under aliasJ and K
// under aliasK.
func FirstWith2[T, J, K any](q *QueryBuilder[T], aliasJ, aliasK string) (*T, *J, *K, error) {
	const op = "Query.FirstWith2"
	record, joined, err := firstJoined(q, op, func(conn Database) []joinedModel {
		return []joinedModel{joinedAs[J](conn, aliasJ), joinedAs[K](conn, aliasK)}
	})
	if err != nil || record == nil {
		return nil, nil, nil, err
	}

	item, err := decodeRow[T](op, record)
	if err != nil {
		return nil, nil, nil, err
	}
	j, err := decodeRow[J](op, joined[0])
	if err != nil {
		return nil, nil, nil, err
	}
	k, err := decodeRow[K](op, joined[1])
	if err != nil {
		return nil, nil, nil, err
	}
	return item, j, k, nil
}

// FirstWith2OrAbort is FirstWith2 with a 404 when nothing matches.
func FirstWith2OrAbort[T, J, K any](q *QueryBuilder[T], aliasJ, aliasK string) (*T, *J, *K, error) {
	item, j, k, err := FirstWith2[T, J, K](q, aliasJ, aliasK)
	if err != nil {
		return nil, nil, nil, err
	}
	if item == nil {
		return nil, nil, nil, abortAt(1, http.StatusNotFound, ErrNotFound,
			fmt.Sprintf("%s not found for this input.", modelName[T]()))
	}
	return item, j, k, nil
}

// Exists reports whether any row matches.
func (q *QueryBuilder[T]) Exists() (bool, error) {
	conn, err := q.db.handle("Query.Exists")
	if err != nil {
		return false, err
	}

	ok, err := q.build(conn, (*T)(nil)).Exists(q.db.ctx)
	if err != nil {
		return false, wrapError(err, "Query.Exists")
	}
	return ok, nil
}

// Count counts matching rows. Like the other aggregates it honours Limit
// and Offset, so it always agrees with len(All()).
func (q *QueryBuilder[T]) Count() (int, error) {
	v, err := q.aggregateExpr("Query.Count", "COUNT(*)")
	if err != nil || v == nil {
		return 0, err
	}
	return int(*v), nil
}

// CountColumn counts matching rows where column is not NULL.
func (q *QueryBuilder[T]) CountColumn(column string) (int, error) {
	v, err := q.aggregate("Query.CountColumn", "COUNT", column)
	if err != nil || v == nil {
		return 0, err
	}
	return int(*v), nil
}

// Sum adds column over matching rows; nil when no row matches.
func (q *QueryBuilder[T]) Sum(column string) (*float64, error) {
	return q.aggregate("Query.Sum", "SUM", column)
}

// Average averages column over matching rows; nil when no row matches.
func (q *QueryBuilder[T]) Average(column string) (*float64, error) {
	return q.aggregate("Query.Average", "AVG", column)
}

// Min returns the smallest value of column; nil when no row matches.
func (q *QueryBuilder[T]) Min(column string) (*float64, error) {
	return q.aggregate("Query.Min", "MIN", column)
}

// Max returns the largest value of column; nil when no row matches.
func (q *QueryBuilder[T]) Max(column string) (*float64, error) {
	return q.aggregate("Query.Max", "MAX", column)
}

// aggregate wraps the query in a subselect so limits, offsets and sorts
// keep their meaning.
func (q *QueryBuilder[T]) aggregate(op, fn, column string) (*float64, error) {
	return q.aggregateExpr(op, fn+"(?)", bun.Ident("sub."+column))
}

// aggregateExpr evaluates expr over the built query wrapped as "sub".
func (q *QueryBuilder[T]) aggregateExpr(op, expr string, args ...any) (*float64, error) {
	conn, err := q.db.handle(op)
	if err != nil {
		return nil, err
	}

	sub := q.build(conn, (*T)(nil))
	var out sql.NullFloat64
	err = conn.NewSelect().
		ColumnExpr(expr, args...).
		TableExpr("(?) AS ?", sub, bun.Ident("sub")).
		Scan(q.db.ctx, &out)
	if err != nil {
		return nil, wrapError(err, op)
	}
	if !out.Valid {
		return nil, nil
	}
	return &out.Float64, nil
}

// Delete deletes every matching row. Soft-deletable models are soft
// deleted. Model middleware is not run.
func (q *QueryBuilder[T]) Delete() (int64, error) {
	return q.delete("Query.Delete", false)
}

// ForceDelete deletes every matching row, bypassing soft deletion.
func (q *QueryBuilder[T]) ForceDelete() (int64, error) {
	return q.delete("Query.ForceDelete", true)
}

func (q *QueryBuilder[T]) delete(op string, force bool) (int64, error) {
	conn, err := q.db.handle(op)
	if err != nil {
		return 0, err
	}

	table := tableOf[T](conn)
	if len(table.PKs) == 0 {
		return 0, &Error{
			Code:    CodeUnsupported,
			Message: "model has no primary key",
			Op:      op,
			Table:   table.Name,
		}
	}

	pks := make([]string, len(table.PKs))
	for i, f := range table.PKs {
		pks[i] = f.Name
	}
	sub := q.build(conn, (*T)(nil))
	if force {
		sub = includeDeleted[T](conn, sub)
	}
	sub = sub.Column(pks...)

	cols, args := idents(pks)
	dq := conn.NewDelete().
		Model((*T)(nil)).
		Where("("+cols+") IN (?)", append(args, sub)...)
	if force {
		dq = dq.ForceDelete()
	}

	res, err := dq.Exec(q.db.ctx)
	if err != nil {
		return 0, wrapError(err, op)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Chunk walks the matching rows in slices of at most size rows. Without an
// explicit sort, rows are walked in primary key order.
func (q *QueryBuilder[T]) Chunk(size int, fn func(chunk []T) error) error {
	if size < 1 {
		size = DefaultPageSize
	}

	base := q
	if !q.sorted {
		conn, err := q.db.handle("Query.Chunk")
		if err != nil {
			return err
		}
		for _, f := range tableOf[T](conn).PKs {
			base = base.Sort(f.Name, Ascending)
		}
	}

	for offset := 0; ; offset += size {
		chunk, err := base.Offset(offset).Limit(size).All()
		if err != nil {
			return err
		}
		if len(chunk) > 0 {
			if err := fn(chunk); err != nil {
				return err
			}
		}
		if len(chunk) < size {
			return nil
		}
	}
}

func tableOf[T any](conn Database) *schema.Table {
	return conn.Dialect().Tables().Get(reflect.TypeOf((*T)(nil)).Elem())
}

func modelName[T any]() string {
	return typeName(reflect.TypeOf((*T)(nil)).Elem())
}

