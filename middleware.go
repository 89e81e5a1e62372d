package sublimate

import (
	"reflect"
	"sync"
)

// ModelResponder performs a model write. The last responder of every chain
// talks to the database; the ones before it are middleware.
type ModelResponder[T any] interface {
	Create(db *DB, model *T) error
	Update(db *DB, model *T) error
	Delete(db *DB, model *T, force bool) error
	SoftDelete(db *DB, model *T) error
	Restore(db *DB, model *T) error
}

// ModelMiddleware intercepts writes of model T. Call next to continue the
// chain; returning without calling it skips the write.
type ModelMiddleware[T any] interface {
	Create(db *DB, model *T, next ModelResponder[T]) error
	Update(db *DB, model *T, next ModelResponder[T]) error
	Delete(db *DB, model *T, force bool, next ModelResponder[T]) error
	SoftDelete(db *DB, model *T, next ModelResponder[T]) error
	Restore(db *DB, model *T, next ModelResponder[T]) error
}

// PassthroughMiddleware forwards every write. Embed it to override only
// the operations a middleware cares about.
//
//	type stampNames struct{ sublimate.PassthroughMiddleware[Planet] }
//
//	func (stampNames) Create(db *sublimate.DB, p *Planet, next sublimate.ModelResponder[Planet]) error {
//	    p.Name = strings.TrimSpace(p.Name)
//	    return next.Create(db, p)
//	}
type PassthroughMiddleware[T any] struct{}

func (PassthroughMiddleware[T]) Create(db *DB, model *T, next ModelResponder[T]) error {
	return next.Create(db, model)
}

func (PassthroughMiddleware[T]) Update(db *DB, model *T, next ModelResponder[T]) error {
	return next.Update(db, model)
}

func (PassthroughMiddleware[T]) Delete(db *DB, model *T, force bool, next ModelResponder[T]) error {
	return next.Delete(db, model, force)
}

func (PassthroughMiddleware[T]) SoftDelete(db *DB, model *T, next ModelResponder[T]) error {
	return next.SoftDelete(db, model)
}

func (PassthroughMiddleware[T]) Restore(db *DB, model *T, next ModelResponder[T]) error {
	return next.Restore(db, model)
}

// UseModelMiddleware appends middleware for writes of T made through the
// model helpers of e. Middleware runs in registration order.
func UseModelMiddleware[T any](e *Engine, mw ...ModelMiddleware[T]) {
	e.models.mu.Lock()
	defer e.models.mu.Unlock()

	typ := reflect.TypeOf((*T)(nil)).Elem()
	existing, _ := e.models.chains[typ].([]ModelMiddleware[T])
	chain := make([]ModelMiddleware[T], 0, len(existing)+len(mw))
	chain = append(chain, existing...)
	e.models.chains[typ] = append(chain, mw...)
}

type modelRegistry struct {
	mu     sync.RWMutex
	chains map[reflect.Type]any // []ModelMiddleware[T] keyed by T
}

func newModelRegistry() *modelRegistry {
	return &modelRegistry{chains: make(map[reflect.Type]any)}
}

func middlewareFor[T any](e *Engine) []ModelMiddleware[T] {
	if e == nil {
		return nil
	}
	e.models.mu.RLock()
	defer e.models.mu.RUnlock()

	mws, _ := e.models.chains[reflect.TypeOf((*T)(nil)).Elem()].([]ModelMiddleware[T])
	return mws
}

// responderFor returns the head of T's chain on db's engine.
func responderFor[T any](db *DB) ModelResponder[T] {
	return &chainResponder[T]{mws: middlewareFor[T](db.engine)}
}

type chainResponder[T any] struct {
	mws []ModelMiddleware[T]
	pos int
}

func (c *chainResponder[T]) next() (ModelMiddleware[T], ModelResponder[T], bool) {
	if c.pos >= len(c.mws) {
		return nil, nil, false
	}
	return c.mws[c.pos], &chainResponder[T]{mws: c.mws, pos: c.pos + 1}, true
}

func (c *chainResponder[T]) Create(db *DB, model *T) error {
	if mw, next, ok := c.next(); ok {
		return mw.Create(db, model, next)
	}
	return storeCreate(db, model)
}

func (c *chainResponder[T]) Update(db *DB, model *T) error {
	if mw, next, ok := c.next(); ok {
		return mw.Update(db, model, next)
	}
	return storeUpdate(db, model)
}

func (c *chainResponder[T]) Delete(db *DB, model *T, force bool) error {
	if mw, next, ok := c.next(); ok {
		return mw.Delete(db, model, force, next)
	}
	return storeDelete(db, model, force)
}

func (c *chainResponder[T]) SoftDelete(db *DB, model *T) error {
	if mw, next, ok := c.next(); ok {
		return mw.SoftDelete(db, model, next)
	}
	return storeSoftDelete(db, model)
}

func (c *chainResponder[T]) Restore(db *DB, model *T) error {
	if mw, next, ok := c.next(); ok {
		return mw.Restore(db, model, next)
	}
	return storeRestore(db, model)
}
