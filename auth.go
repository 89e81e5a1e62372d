package sublimate

import (
	"context"
	"fmt"
	"net/http"
	"reflect"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type principalKey struct{}

// Login returns a copy of r whose context carries principal.
func Login(r *http.Request, principal any) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), principalKey{}, principal))
}

// PrincipalFromContext returns the principal stored by Login, or nil.
func PrincipalFromContext(ctx context.Context) any {
	return ctx.Value(principalKey{})
}

// Principal returns the principal of type U carried by ctx.
func Principal[U any](ctx context.Context) (U, bool) {
	u, ok := PrincipalFromContext(ctx).(U)
	return u, ok
}

// RequirePrincipal returns the principal of type U or a 401 abort.
func RequirePrincipal[U any](ctx context.Context) (U, error) {
	u, ok := Principal[U](ctx)
	if !ok {
		return u, abortAt(1, http.StatusUnauthorized, ErrUnauthenticated,
			fmt.Sprintf("%s not authenticated.", typeName(reflect.TypeOf((*U)(nil)).Elem())))
	}
	return u, nil
}

// Authenticator resolves the principal of a request. A nil principal with
// a nil error means the request is anonymous.
type Authenticator interface {
	Authenticate(r *http.Request) (any, error)
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(r *http.Request) (any, error)

// Authenticate implements Authenticator.
func (f AuthenticatorFunc) Authenticate(r *http.Request) (any, error) {
	return f(r)
}

// Authenticate returns middleware that logs in whatever principal a
// resolves. Anonymous requests pass through untouched; routes that need a
// principal reject them later with 401.
func (e *Engine) Authenticate(a Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, err := a.Authenticate(r)
			if err != nil {
				e.logger.DebugContext(r.Context(), "authentication failed",
					"path", r.URL.Path,
					"error", err,
				)
			}
			if principal != nil {
				r = Login(r, principal)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// JWTAuthenticator authenticates "Authorization: Bearer" tokens. The
// parsed claims become the principal.
type JWTAuthenticator[C jwt.Claims] struct {
	Keyfunc   jwt.Keyfunc
	NewClaims func() C
	Methods   []string // accepted signing methods, e.g. "HS256"
	Options   []jwt.ParserOption
}

// Authenticate implements Authenticator.
func (a *JWTAuthenticator[C]) Authenticate(r *http.Request) (any, error) {
	header := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return nil, nil
	}

	claims := a.NewClaims()
	opts := a.Options
	if len(a.Methods) > 0 {
		opts = append([]jwt.ParserOption{jwt.WithValidMethods(a.Methods)}, opts...)
	}

	parsed, err := jwt.ParseWithClaims(strings.TrimSpace(token), claims, a.Keyfunc, opts...)
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, jwt.ErrTokenUnverifiable
	}
	return claims, nil
}

func typeName(t reflect.Type) string {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Name() == "" {
		return t.String()
	}
	return t.Name()
}
