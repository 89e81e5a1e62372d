package sublimate

import (
	"reflect"
	"time"

	"github.com/uptrace/bun"
)

// includeDeleted lifts the soft delete filter bun adds to selects of T.
// bun rejects the lift for models without a soft delete column.
func includeDeleted[T any](conn Database, sq *bun.SelectQuery) *bun.SelectQuery {
	if tableOf[T](conn).SoftDeleteField == nil {
		return sq
	}
	return sq.WhereAllWithDeleted()
}

// storeSoftDelete marks model as deleted. bun turns the delete of a model
// with a soft_delete column into an update of that column.
func storeSoftDelete[T any](db *DB, model *T) error {
	conn, err := db.handle("SoftDelete")
	if err != nil {
		return err
	}

	result, err := conn.NewDelete().Model(model).WherePK().Exec(db.ctx)
	if err != nil {
		return wrapError(err, "SoftDelete")
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return &Error{
			Code:    CodeNotFound,
			Message: "record not found for deletion",
			Op:      "SoftDelete",
			Table:   tableOf[T](conn).Name,
		}
	}
	return nil
}

// storeRestore clears the soft delete column of model.
func storeRestore[T any](db *DB, model *T) error {
	conn, err := db.handle("Restore")
	if err != nil {
		return err
	}

	table := tableOf[T](conn)
	field := table.SoftDeleteField
	if field == nil {
		return &Error{
			Code:    CodeUnsupported,
			Message: "model is not soft-deletable",
			Op:      "Restore",
			Table:   table.Name,
		}
	}

	q := conn.NewUpdate().
		Model(model).
		Set("? = NULL", bun.Ident(field.Name)).
		WherePK().
		WhereAllWithDeleted()
	if table.HasField("updated_at") {
		q = q.Set("? = ?", bun.Ident("updated_at"), time.Now())
	}

	result, err := q.Exec(db.ctx)
	if err != nil {
		return wrapError(err, "Restore")
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return &Error{
			Code:    CodeNotFound,
			Message: "record not found for restore",
			Op:      "Restore",
			Table:   table.Name,
		}
	}

	v := reflect.ValueOf(model).Elem().FieldByIndex(field.Index)
	v.Set(reflect.Zero(v.Type()))
	return nil
}
