package sublimate

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"
)

// VersionedModel adds an optimistic locking counter to a model.
//
// Usage:
//
//	type Account struct {
//	    bun.BaseModel `bun:"table:accounts,alias:a"`
//	    sublimate.Model
//	    sublimate.VersionedModel
//	    Balance int64 `bun:"balance,notnull"`
//	}
//
//	sublimate.UseModelMiddleware[Account](engine, sublimate.OptimisticLock[Account]{})
type VersionedModel struct {
	Version int64 `bun:"version,notnull,default:1" json:"version" yaml:"version" msgpack:"version"`
}

// CurrentVersion returns the version the model was loaded with.
func (m *VersionedModel) CurrentVersion() int64 {
	return m.Version
}

// SetVersion overwrites the version.
func (m *VersionedModel) SetVersion(v int64) {
	m.Version = v
}

// Versioned is implemented by models embedding VersionedModel.
type Versioned interface {
	CurrentVersion() int64
	SetVersion(v int64)
}

// OptimisticLock is model middleware making updates of T conditional on
// the version the model was loaded with. A stale model fails with a
// CodeConflict error and is left unchanged. It performs the update itself,
// so middleware registered after it never sees updates.
type OptimisticLock[T any] struct {
	PassthroughMiddleware[T]
}

func (OptimisticLock[T]) Create(db *DB, model *T, next ModelResponder[T]) error {
	if v, ok := any(model).(Versioned); ok && v.CurrentVersion() == 0 {
		v.SetVersion(1)
	}
	return next.Create(db, model)
}

func (OptimisticLock[T]) Update(db *DB, model *T, next ModelResponder[T]) error {
	v, ok := any(model).(Versioned)
	if !ok {
		return &Error{
			Code:    CodeUnsupported,
			Message: fmt.Sprintf("%s does not embed VersionedModel", modelName[T]()),
			Op:      "UpdateWithVersion",
		}
	}
	conn, err := db.handle("UpdateWithVersion")
	if err != nil {
		return err
	}

	current := v.CurrentVersion()
	v.SetVersion(current + 1)

	result, err := conn.NewUpdate().
		Model(model).
		WherePK().
		Where("?TableAlias.? = ?", bun.Ident("version"), current).
		Exec(db.ctx)
	if err != nil {
		v.SetVersion(current)
		return wrapError(err, "UpdateWithVersion")
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		v.SetVersion(current)
		return &Error{
			Code:    CodeConflict,
			Message: "optimistic locking conflict - record was modified",
			Op:      "UpdateWithVersion",
			Table:   tableOf[T](conn).Name,
			Cause:   ErrConflict,
		}
	}
	return nil
}

// RetryOnConflict runs fn until it succeeds, fails with anything but a
// conflict, or has been tried maxRetries times. fn should reload the model
// before modifying it.
//
// Usage:
//
//	err := sublimate.RetryOnConflict(ctx, 3, func() error {
//	    if err := sublimate.Reload(db, &account); err != nil {
//	        return err
//	    }
//	    account.Balance += 100
//	    return sublimate.Update(db, &account)
//	})
func RetryOnConflict(ctx context.Context, maxRetries int, fn func() error) error {
	var lastErr error
	for i := 0; i < maxRetries; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := fn()
		if err == nil {
			return nil
		}
		if !IsConflict(err) {
			return err
		}
		lastErr = err
	}
	return lastErr
}
