package sublimate

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/gorilla/mux"
)

type engineKey struct{}

// WithEngine returns a copy of ctx carrying e.
func WithEngine(ctx context.Context, e *Engine) context.Context {
	return context.WithValue(ctx, engineKey{}, e)
}

// EngineFrom returns the engine carried by ctx, or nil.
func EngineFrom(ctx context.Context) *Engine {
	e, _ := ctx.Value(engineKey{}).(*Engine)
	return e
}

// Middleware makes e available to the bridged handlers behind it.
func (e *Engine) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(WithEngine(r.Context(), e)))
	})
}

// RequestContext is what a bridged body sees of its request: the request
// itself and a database handle that is scoped to the route's transaction
// when one was requested.
type RequestContext struct {
	request *http.Request
	db      *DB
	engine  *Engine
	logger  *slog.Logger
}

func newRequestContext(r *http.Request, db *DB, e *Engine) *RequestContext {
	return &RequestContext{
		request: r,
		db:      db,
		engine:  e,
		logger:  e.logger.With("method", r.Method, "path", r.URL.Path),
	}
}

// DB returns the handle for this request. Inside a transactional route it
// is the transaction.
func (rc *RequestContext) DB() *DB {
	return rc.db
}

// Request returns the underlying request.
func (rc *RequestContext) Request() *http.Request {
	return rc.request
}

// Context returns the context database work runs with. It derives from the
// request context.
func (rc *RequestContext) Context() context.Context {
	return rc.db.ctx
}

// Engine returns the engine serving the request.
func (rc *RequestContext) Engine() *Engine {
	return rc.engine
}

// Headers returns the request headers.
func (rc *RequestContext) Headers() http.Header {
	return rc.request.Header
}

// Query returns the parsed query string.
func (rc *RequestContext) Query() url.Values {
	return rc.request.URL.Query()
}

// Params returns the route variables matched by the router.
func (rc *RequestContext) Params() map[string]string {
	return mux.Vars(rc.request)
}

// Param returns a single route variable.
func (rc *RequestContext) Param(name string) (string, bool) {
	v, ok := mux.Vars(rc.request)[name]
	return v, ok
}

// Auth returns the authenticated principal, or nil.
func (rc *RequestContext) Auth() any {
	return PrincipalFromContext(rc.request.Context())
}

// Client returns an HTTP client that retries transient failures.
func (rc *RequestContext) Client() *http.Client {
	return rc.engine.client
}

// Logger returns a logger annotated with the request method and path.
func (rc *RequestContext) Logger() *slog.Logger {
	return rc.logger
}

// Body returns the raw request body.
func (rc *RequestContext) Body() io.ReadCloser {
	return rc.request.Body
}

// Decode reads the request body into dst according to its Content-Type.
func (rc *RequestContext) Decode(dst any) error {
	return decodeBody(rc.request, dst)
}

// Redirect builds a redirect response to location. A zero status means
// 303 See Other.
func (rc *RequestContext) Redirect(location string, status int) *Response {
	if status == 0 {
		status = http.StatusSeeOther
	}
	res := NewResponse(status)
	res.Header.Set("Location", location)
	return res
}
