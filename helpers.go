package sublimate

import (
	"fmt"
	"net/http"
	"reflect"

	"github.com/uptrace/bun"
)

// BatchSize is the number of rows CreateAll inserts per statement.
const BatchSize = 100

// Find loads the T whose primary key is id. It returns nil when no row
// matches or when id is nil.
func Find[T any](s Scope, id any) (*T, error) {
	if isNil(id) {
		return nil, nil
	}
	db := s.DB()
	conn, err := db.handle("Find")
	if err != nil {
		return nil, err
	}
	pk, err := singlePK[T](conn, "Find")
	if err != nil {
		return nil, err
	}
	return Query[T](db).Where("?TableAlias.? = ?", bun.Ident(pk), id).First()
}

// FindOrAbort is Find with a 400 for a nil id and a 404 for a missing row.
func FindOrAbort[T any](s Scope, id any) (*T, error) {
	if isNil(id) {
		return nil, abortAt(1, http.StatusBadRequest, nil,
			fmt.Sprintf("%s ID must not be nil.", modelName[T]()))
	}
	item, err := Find[T](s, id)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, abortAt(1, http.StatusNotFound, ErrNotFound,
			fmt.Sprintf("%s not found for ID: %v.", modelName[T](), id))
	}
	return item, nil
}

// Create inserts model through T's middleware chain.
func Create[T any](s Scope, model *T) error {
	db := s.DB()
	return responderFor[T](db).Create(db, model)
}

// CreateAll inserts models. Without middleware registered for T they are
// inserted BatchSize rows per statement; otherwise one by one through the
// chain.
func CreateAll[T any](s Scope, models []T) error {
	if len(models) == 0 {
		return nil
	}
	db := s.DB()

	if len(middlewareFor[T](db.engine)) > 0 {
		chain := responderFor[T](db)
		for i := range models {
			if err := chain.Create(db, &models[i]); err != nil {
				return err
			}
		}
		return nil
	}

	conn, err := db.handle("CreateAll")
	if err != nil {
		return err
	}
	for i := 0; i < len(models); i += BatchSize {
		end := min(i+BatchSize, len(models))
		batch := models[i:end]
		if _, err := conn.NewInsert().Model(&batch).Exec(db.ctx); err != nil {
			return wrapError(err, "CreateAll")
		}
	}
	return nil
}

// Update writes model by primary key through T's middleware chain.
func Update[T any](s Scope, model *T) error {
	db := s.DB()
	return responderFor[T](db).Update(db, model)
}

// Save creates model when its primary key is zero and updates it otherwise.
func Save[T any](s Scope, model *T) error {
	db := s.DB()
	conn, err := db.handle("Save")
	if err != nil {
		return err
	}

	v := reflect.ValueOf(model).Elem()
	for _, f := range tableOf[T](conn).PKs {
		if v.FieldByIndex(f.Index).IsZero() {
			return Create(db, model)
		}
	}
	return Update(db, model)
}

// Delete removes model. Soft-deletable models are soft deleted.
func Delete[T any](s Scope, model *T) error {
	db := s.DB()
	conn, err := db.handle("Delete")
	if err != nil {
		return err
	}
	if tableOf[T](conn).SoftDeleteField != nil {
		return responderFor[T](db).SoftDelete(db, model)
	}
	return responderFor[T](db).Delete(db, model, false)
}

// ForceDelete removes model even when it is soft-deletable.
func ForceDelete[T any](s Scope, model *T) error {
	db := s.DB()
	return responderFor[T](db).Delete(db, model, true)
}

// Restore undoes a soft delete.
func Restore[T any](s Scope, model *T) error {
	db := s.DB()
	return responderFor[T](db).Restore(db, model)
}

// Reload refreshes model from the database
func Reload[T any](s Scope, model *T) error {
	db := s.DB()
	conn, err := db.handle("Reload")
	if err != nil {
		return err
	}
	if err := includeDeleted[T](conn, conn.NewSelect().Model(model).WherePK()).Scan(db.ctx); err != nil {
		return wrapError(err, "Reload")
	}
	return nil
}

func storeCreate[T any](db *DB, model *T) error {
	conn, err := db.handle("Create")
	if err != nil {
		return err
	}
	if _, err := conn.NewInsert().Model(model).Exec(db.ctx); err != nil {
		return wrapError(err, "Create")
	}
	return nil
}

func storeUpdate[T any](db *DB, model *T) error {
	conn, err := db.handle("Update")
	if err != nil {
		return err
	}

	result, err := conn.NewUpdate().Model(model).WherePK().Exec(db.ctx)
	if err != nil {
		return wrapError(err, "Update")
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return &Error{
			Code:    CodeNotFound,
			Message: "record not found for update",
			Op:      "Update",
			Table:   tableOf[T](conn).Name,
		}
	}
	return nil
}

func storeDelete[T any](db *DB, model *T, force bool) error {
	conn, err := db.handle("Delete")
	if err != nil {
		return err
	}

	q := conn.NewDelete().Model(model).WherePK()
	if force {
		q = q.ForceDelete()
	}
	result, err := q.Exec(db.ctx)
	if err != nil {
		return wrapError(err, "Delete")
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return &Error{
			Code:    CodeNotFound,
			Message: "record not found for deletion",
			Op:      "Delete",
			Table:   tableOf[T](conn).Name,
		}
	}
	return nil
}

func singlePK[T any](conn Database, op string) (string, error) {
	table := tableOf[T](conn)
	if len(table.PKs) != 1 {
		return "", &Error{
			Code:    CodeUnsupported,
			Message: fmt.Sprintf("model needs exactly one primary key, has %d", len(table.PKs)),
			Op:      op,
			Table:   table.Name,
		}
	}
	return table.PKs[0].Name, nil
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice:
		return rv.IsNil()
	}
	return false
}
