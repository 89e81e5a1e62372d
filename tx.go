package sublimate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/uptrace/bun"

	"github.com/fernandezvara/sublimate/future"
)

// TxOptions configures transaction behavior
type TxOptions struct {
	Isolation sql.IsolationLevel
	ReadOnly  bool
}

// DefaultTxOptions returns default transaction options
func DefaultTxOptions() TxOptions {
	return TxOptions{Isolation: sql.LevelDefault}
}

// ReadOnlyTxOptions returns options for read-only transactions
func ReadOnlyTxOptions() TxOptions {
	return TxOptions{Isolation: sql.LevelDefault, ReadOnly: true}
}

// SerializableTxOptions returns options for serializable transactions
func SerializableTxOptions() TxOptions {
	return TxOptions{Isolation: sql.LevelSerializable}
}

// TxFunc is a function executed within a transaction
type TxFunc func(tx *DB) error

// RouteOption selects how a bridged body reaches the database.
type RouteOption int

const (
	// InTransaction runs the body inside a transaction that commits when
	// the body succeeds and rolls back otherwise.
	InTransaction RouteOption = iota + 1
	// InReadOnlyTransaction is InTransaction with a read-only transaction.
	InReadOnlyTransaction
	// InSerializableTransaction is InTransaction at serializable isolation.
	InSerializableTransaction
)

func (o RouteOption) String() string {
	switch o {
	case InTransaction:
		return "transaction"
	case InReadOnlyTransaction:
		return "read-only transaction"
	case InSerializableTransaction:
		return "serializable transaction"
	}
	return fmt.Sprintf("RouteOption(%d)", int(o))
}

// txOptions resolves opts; the last transaction option wins.
func txOptions(opts []RouteOption) (TxOptions, bool) {
	var (
		txOpts TxOptions
		inTx   bool
	)
	for _, o := range opts {
		switch o {
		case InTransaction:
			txOpts, inTx = DefaultTxOptions(), true
		case InReadOnlyTransaction:
			txOpts, inTx = ReadOnlyTxOptions(), true
		case InSerializableTransaction:
			txOpts, inTx = SerializableTxOptions(), true
		}
	}
	return txOpts, inTx
}

// withOptionalTransaction runs body on a worker of e's pool. With a
// transaction option the body receives a scoped handle and the returned
// future resolves only after the commit or rollback has finished. The
// handle's context is the worker's, so Sublimate or Request called from
// body runs without waiting for another slot.
func withOptionalTransaction[T any](ctx context.Context, e *Engine, opts []RouteOption, body func(db *DB) (T, error)) *future.Future[T] {
	txOpts, inTx := txOptions(opts)

	return future.Submit(ctx, e.pool, func(wctx context.Context) (T, error) {
		ambient := e.Handle(wctx)
		if !inTx {
			return body(ambient)
		}

		var out T
		err := ambient.TransactionWithOptions(txOpts, func(tx *DB) error {
			v, err := body(tx)
			if err != nil {
				return err
			}
			out = v
			return nil
		})
		if err != nil {
			var zero T
			return zero, err
		}
		return out, nil
	})
}

// Transaction executes fn within a transaction with automatic commit/rollback.
// On a handle that is already scoped, fn runs inside a savepoint instead.
func (db *DB) Transaction(fn TxFunc) error {
	return db.TransactionWithOptions(DefaultTxOptions(), fn)
}

// ReadOnlyTransaction executes fn within a read-only transaction
func (db *DB) ReadOnlyTransaction(fn TxFunc) error {
	return db.TransactionWithOptions(ReadOnlyTxOptions(), fn)
}

// TransactionWithOptions executes fn within a transaction with custom options.
// While fn runs, db itself refuses to be used; fn must use the handle it is
// given.
func (db *DB) TransactionWithOptions(opts TxOptions, fn TxFunc) error {
	if db.inTx {
		return db.savepoint(fn)
	}

	conn, err := db.handle("Transaction")
	if err != nil {
		return err
	}

	bunTx, err := conn.BeginTx(db.ctx, &sql.TxOptions{
		Isolation: opts.Isolation,
		ReadOnly:  opts.ReadOnly,
	})
	if err != nil {
		return wrapError(err, "Transaction.Begin")
	}

	db.guard.enter()
	defer db.guard.leave()

	seq := int64(0)
	scoped := &DB{
		ctx:          context.WithValue(db.ctx, scopeKey{}, db.guard),
		conn:         bunTx,
		engine:       db.engine,
		inTx:         true,
		guard:        &scopeGuard{},
		savepointSeq: &seq,
	}

	defer func() {
		if p := recover(); p != nil {
			_ = rollback(bunTx)
			panic(p)
		}
	}()

	if err := fn(scoped); err != nil {
		if rbErr := rollback(bunTx); rbErr != nil {
			return fmt.Errorf("sublimate: rollback failed: %v (original error: %w)", rbErr, err)
		}
		return err
	}

	if err := bunTx.Commit(); err != nil {
		return wrapError(err, "Transaction.Commit")
	}

	return nil
}

func rollback(tx bun.Tx) error {
	if err := tx.Rollback(); err != nil {
		// Ignore "already committed" or "already rolled back" errors
		if errors.Is(err, sql.ErrTxDone) {
			return nil
		}
		return wrapError(err, "Rollback")
	}
	return nil
}

// savepoint runs fn as a nested transaction of db.
func (db *DB) savepoint(fn TxFunc) error {
	id := atomic.AddInt64(db.savepointSeq, 1)
	name := fmt.Sprintf("sp_%d", id)

	if _, err := db.conn.ExecContext(db.ctx, "SAVEPOINT "+name); err != nil {
		return wrapError(err, "Transaction.Savepoint")
	}

	nested := *db

	if err := fn(&nested); err != nil {
		if _, rbErr := db.conn.ExecContext(db.ctx, "ROLLBACK TO SAVEPOINT "+name); rbErr != nil {
			return fmt.Errorf("sublimate: savepoint rollback failed: %v (original error: %w)", rbErr, err)
		}
		return err
	}

	if _, err := db.conn.ExecContext(db.ctx, "RELEASE SAVEPOINT "+name); err != nil {
		return wrapError(err, "Transaction.ReleaseSavepoint")
	}

	return nil
}

// Transaction is a shortcut for e.Handle(ctx).Transaction(fn).
func (e *Engine) Transaction(ctx context.Context, fn TxFunc) error {
	return e.Handle(ctx).Transaction(fn)
}

// Sublimate runs fn on a worker with a handle bound to ctx and returns the
// future of its result. Pass InTransaction to scope fn to a transaction.
func Sublimate[T any](ctx context.Context, e *Engine, fn func(db *DB) (T, error), opts ...RouteOption) *future.Future[T] {
	return withOptionalTransaction(ctx, e, opts, fn)
}

// Use runs fn like Sublimate and waits for it.
func (e *Engine) Use(ctx context.Context, fn func(db *DB) error, opts ...RouteOption) error {
	_, err := Sublimate(ctx, e, func(db *DB) (struct{}, error) {
		return struct{}{}, fn(db)
	}, opts...).Wait(ctx)
	return err
}
