package sublimate

import (
	"context"
	"net/http"
	"sync/atomic"
)

// DB is a database handle bound to the context of the work using it, so
// calls on it read like plain synchronous code. A DB is either ambient
// (the engine's pool) or scoped to one transaction.
type DB struct {
	ctx    context.Context
	conn   Database
	engine *Engine
	inTx   bool
	guard  *scopeGuard

	savepointSeq *int64 // shared by nested savepoints of one transaction
}

// Scope is anything that can hand out the DB a piece of work should use.
// Both *DB and *RequestContext are scopes.
type Scope interface {
	DB() *DB
}

func newDB(ctx context.Context, e *Engine, conn Database) *DB {
	return &DB{
		ctx:    ctx,
		conn:   conn,
		engine: e,
		guard:  &scopeGuard{},
	}
}

// DB implements Scope.
func (db *DB) DB() *DB {
	return db
}

// Context returns the context every operation on db runs with.
func (db *DB) Context() context.Context {
	return db.ctx
}

// WithContext returns a copy of db bound to ctx.
func (db *DB) WithContext(ctx context.Context) *DB {
	clone := *db
	clone.ctx = ctx
	return &clone
}

// Engine returns the engine db belongs to.
func (db *DB) Engine() *Engine {
	return db.engine
}

// InTransaction reports whether db is scoped to a transaction.
func (db *DB) InTransaction() bool {
	return db.inTx
}

// Conn returns the underlying connection for direct bun access. It fails
// like any other operation when used while a scope is open.
func (db *DB) Conn() (Database, error) {
	return db.handle("Conn")
}

// handle returns the connection for op, refusing to hand out an ambient
// connection while a transaction scoped from it is still open. With a
// bounded pool that use would wait for a connection the scope holds.
func (db *DB) handle(op string) (Database, error) {
	if !db.inTx {
		if db.guard.active() {
			return nil, wouldDeadlock(op)
		}
		if g, ok := db.ctx.Value(scopeKey{}).(*scopeGuard); ok && g.active() {
			return nil, wouldDeadlock(op)
		}
	}
	return db.conn, nil
}

func wouldDeadlock(op string) *Abort {
	return abortAtCaller(http.StatusInternalServerError, ErrWouldDeadlock,
		"Ambient database used inside a transaction in "+op+"; use the scoped handle instead.")
}

// scopeGuard counts transactions open on an ambient handle.
type scopeGuard struct {
	open atomic.Int32
}

func (g *scopeGuard) enter() { g.open.Add(1) }
func (g *scopeGuard) leave() { g.open.Add(-1) }

func (g *scopeGuard) active() bool {
	return g != nil && g.open.Load() > 0
}

type scopeKey struct{}
