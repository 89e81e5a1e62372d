package sublimate

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/fernandezvara/sublimate/future"
)

// Handle adapts a body with no result. Success is an empty 200.
func Handle(fn func(rc *RequestContext) error, opts ...RouteOption) http.HandlerFunc {
	return serve(opts, func(rc *RequestContext) (*Response, error) {
		if err := fn(rc); err != nil {
			return nil, err
		}
		return NewResponse(http.StatusOK), nil
	})
}

// HandleStatus adapts a body that picks the response status.
func HandleStatus(fn func(rc *RequestContext) (int, error), opts ...RouteOption) http.HandlerFunc {
	return serve(opts, func(rc *RequestContext) (*Response, error) {
		status, err := fn(rc)
		if err != nil {
			return nil, err
		}
		return NewResponse(status), nil
	})
}

// HandleResponse adapts a body that builds the whole response.
func HandleResponse(fn func(rc *RequestContext) (*Response, error), opts ...RouteOption) http.HandlerFunc {
	return serve(opts, fn)
}

// HandleEncodable adapts a body whose result is encoded with content
// negotiation. Encoding happens before the transaction commits, so an
// encoding failure rolls it back.
func HandleEncodable[T any](fn func(rc *RequestContext) (T, error), opts ...RouteOption) http.HandlerFunc {
	return serve(opts, func(rc *RequestContext) (*Response, error) {
		v, err := fn(rc)
		if err != nil {
			return nil, err
		}
		return Encode(rc.request, http.StatusOK, v)
	})
}

// HandleAuthed is Handle for routes that require a principal of type U.
// Unauthenticated requests are rejected with 401 before any work starts.
func HandleAuthed[U any](fn func(rc *RequestContext, user U) error, opts ...RouteOption) http.HandlerFunc {
	return authed(opts, func(rc *RequestContext, user U) (*Response, error) {
		if err := fn(rc, user); err != nil {
			return nil, err
		}
		return NewResponse(http.StatusOK), nil
	})
}

// HandleStatusAuthed is HandleStatus for routes that require a principal.
func HandleStatusAuthed[U any](fn func(rc *RequestContext, user U) (int, error), opts ...RouteOption) http.HandlerFunc {
	return authed(opts, func(rc *RequestContext, user U) (*Response, error) {
		status, err := fn(rc, user)
		if err != nil {
			return nil, err
		}
		return NewResponse(status), nil
	})
}

// HandleResponseAuthed is HandleResponse for routes that require a principal.
func HandleResponseAuthed[U any](fn func(rc *RequestContext, user U) (*Response, error), opts ...RouteOption) http.HandlerFunc {
	return authed(opts, fn)
}

// HandleEncodableAuthed is HandleEncodable for routes that require a principal.
func HandleEncodableAuthed[T, U any](fn func(rc *RequestContext, user U) (T, error), opts ...RouteOption) http.HandlerFunc {
	return authed(opts, func(rc *RequestContext, user U) (*Response, error) {
		v, err := fn(rc, user)
		if err != nil {
			return nil, err
		}
		return Encode(rc.request, http.StatusOK, v)
	})
}

func authed[U any](opts []RouteOption, fn func(rc *RequestContext, user U) (*Response, error)) http.HandlerFunc {
	inner := serve(opts, func(rc *RequestContext) (*Response, error) {
		user, err := RequirePrincipal[U](rc.request.Context())
		if err != nil {
			return nil, err
		}
		return fn(rc, user)
	})

	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := RequirePrincipal[U](r.Context()); err != nil {
			writeError(w, r, EngineFrom(r.Context()), err)
			return
		}
		inner(w, r)
	}
}

// Request runs fn on a worker for r and returns the future of its result,
// for handlers that want to bridge only part of their work.
func Request[T any](r *http.Request, fn func(rc *RequestContext) (T, error), opts ...RouteOption) *future.Future[T] {
	e := EngineFrom(r.Context())
	if e == nil {
		return future.Failed[T](abortAt(1, http.StatusInternalServerError, ErrEngineNotMounted, ""))
	}
	return withOptionalTransaction(r.Context(), e, opts, func(db *DB) (T, error) {
		return fn(newRequestContext(r.WithContext(db.Context()), db, e))
	})
}

func serve(opts []RouteOption, body func(rc *RequestContext) (*Response, error)) http.HandlerFunc {
	_, inTx := txOptions(opts)

	return func(w http.ResponseWriter, r *http.Request) {
		e := EngineFrom(r.Context())
		if e == nil {
			writeError(w, r, nil, abortAt(0, http.StatusInternalServerError, ErrEngineNotMounted, ""))
			return
		}

		start := time.Now()
		ctx := r.Context()

		var span trace.Span
		if e.tracer != nil {
			ctx, span = e.tracer.Start(ctx, "sublimate.route",
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("http.method", r.Method),
					attribute.String("http.target", r.URL.Path),
					attribute.Bool("sublimate.transaction", inTx),
				),
			)
			defer span.End()
		}

		res, err := withOptionalTransaction(ctx, e, opts, func(db *DB) (*Response, error) {
			return body(newRequestContext(r.WithContext(db.Context()), db, e))
		}).Wait(ctx)

		status := http.StatusOK
		if err != nil {
			status = writeError(w, r, e, err)
		} else {
			if res != nil && res.Status != 0 {
				status = res.Status
			}
			res.Write(w)
		}

		if span != nil {
			span.SetAttributes(attribute.Int("http.status_code", status))
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
		}
		if e.metrics != nil {
			e.metrics.Observe(r.Method, status, inTx, time.Since(start))
		}
	}
}

// writeError renders err as {"error": true, "reason": ...} and returns the
// status it used.
func writeError(w http.ResponseWriter, r *http.Request, e *Engine, err error) int {
	status := ErrorStatus(err)
	expose := e != nil && e.config.ExposeInternalErrors

	if e != nil {
		attrs := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"error", err,
		}
		var a *Abort
		if errors.As(err, &a) && a.File != "" {
			attrs = append(attrs, "source", a.File, "line", a.Line)
		}
		if status >= http.StatusInternalServerError {
			e.logger.ErrorContext(r.Context(), "request failed", attrs...)
		} else {
			e.logger.DebugContext(r.Context(), "request aborted", attrs...)
		}
	}

	body, _ := json.Marshal(errorBody{Error: true, Reason: errorReason(err, status, expose)})
	w.Header().Set("Content-Type", MediaJSON+"; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(body)
	return status
}
