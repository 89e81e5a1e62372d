package sublimate

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/uptrace/bun"
)

// TenantContextKey is the context key for tenant ID.
type TenantContextKey struct{}

// ErrNoTenant is returned when tenant ID is required but not found in context.
var ErrNoTenant = errors.New("sublimate: tenant ID not found in context")

// TenantModel provides tenant isolation for models.
// Embed this in your model structs to add tenant_id field.
//
// Usage:
//
//	type Planet struct {
//	    bun.BaseModel `bun:"table:planets,alias:p"`
//	    sublimate.Model
//	    sublimate.TenantModel
//	    Name string `bun:"name,notnull"`
//	}
type TenantModel struct {
	TenantID string `bun:"tenant_id,notnull" json:"tenant_id" yaml:"tenant_id" msgpack:"tenant_id"`
}

// SetTenantID sets the tenant ID on the model.
func (m *TenantModel) SetTenantID(tenantID string) {
	m.TenantID = tenantID
}

// GetTenantID returns the tenant the model belongs to.
func (m *TenantModel) GetTenantID() string {
	return m.TenantID
}

// Tenanted is implemented by models embedding TenantModel.
type Tenanted interface {
	SetTenantID(tenantID string)
	GetTenantID() string
}

// WithTenant adds tenant ID to the context.
func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, TenantContextKey{}, tenantID)
}

// GetTenant extracts tenant ID from the context.
// Returns empty string if not found.
func GetTenant(ctx context.Context) string {
	if v := ctx.Value(TenantContextKey{}); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// RequireTenant extracts tenant ID from context or returns a 403 abort.
func RequireTenant(ctx context.Context) (string, error) {
	tenantID := GetTenant(ctx)
	if tenantID == "" {
		return "", abortAt(1, http.StatusForbidden, ErrNoTenant, "No tenant selected.")
	}
	return tenantID, nil
}

// TenantFromHeader is middleware selecting the tenant named by header.
func TenantFromHeader(header string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if id := r.Header.Get(header); id != "" {
				r = r.WithContext(WithTenant(r.Context(), id))
			}
			next.ServeHTTP(w, r)
		})
	}
}

// TenantScope returns a query modifier that filters by tenant ID from context.
//
// Usage:
//
//	planets, err := sublimate.Query[Planet](rc).Apply(sublimate.TenantScope(rc.Context())).All()
func TenantScope(ctx context.Context) func(*bun.SelectQuery) *bun.SelectQuery {
	tenantID := GetTenant(ctx)
	return func(q *bun.SelectQuery) *bun.SelectQuery {
		if tenantID != "" {
			return q.Where("?TableAlias.? = ?", bun.Ident("tenant_id"), tenantID)
		}
		return q
	}
}

// TenantQuery starts a query over T limited to the tenant of s.
func TenantQuery[T any](s Scope) *QueryBuilder[T] {
	db := s.DB()
	return Query[T](db).Apply(TenantScope(db.Context()))
}

// TenantMiddleware isolates writes of T by tenant. Creates are stamped with
// the tenant of the context; other writes of rows owned by another tenant
// fail with 404 as if the row did not exist.
type TenantMiddleware[T any] struct{}

func (TenantMiddleware[T]) Create(db *DB, model *T, next ModelResponder[T]) error {
	tenantID, err := RequireTenant(db.Context())
	if err != nil {
		return err
	}
	tm, ok := any(model).(Tenanted)
	if !ok {
		return notTenanted[T]()
	}
	tm.SetTenantID(tenantID)
	return next.Create(db, model)
}

func (m TenantMiddleware[T]) Update(db *DB, model *T, next ModelResponder[T]) error {
	if err := m.owns(db, model); err != nil {
		return err
	}
	return next.Update(db, model)
}

func (m TenantMiddleware[T]) Delete(db *DB, model *T, force bool, next ModelResponder[T]) error {
	if err := m.owns(db, model); err != nil {
		return err
	}
	return next.Delete(db, model, force)
}

func (m TenantMiddleware[T]) SoftDelete(db *DB, model *T, next ModelResponder[T]) error {
	if err := m.owns(db, model); err != nil {
		return err
	}
	return next.SoftDelete(db, model)
}

func (m TenantMiddleware[T]) Restore(db *DB, model *T, next ModelResponder[T]) error {
	if err := m.owns(db, model); err != nil {
		return err
	}
	return next.Restore(db, model)
}

// owns checks that the stored row of model belongs to the context tenant.
func (TenantMiddleware[T]) owns(db *DB, model *T) error {
	tenantID, err := RequireTenant(db.Context())
	if err != nil {
		return err
	}
	tm, ok := any(model).(Tenanted)
	if !ok {
		return notTenanted[T]()
	}
	conn, err := db.handle("Tenant")
	if err != nil {
		return err
	}

	probe := new(T)
	*probe = *model
	exists, err := includeDeleted[T](conn, conn.NewSelect().Model(probe).WherePK()).
		Where("?TableAlias.? = ?", bun.Ident("tenant_id"), tenantID).
		Exists(db.ctx)
	if err != nil {
		return wrapError(err, "Tenant")
	}
	if !exists {
		return abortAt(1, http.StatusNotFound, ErrNotFound,
			fmt.Sprintf("%s not found for this input.", modelName[T]()))
	}
	tm.SetTenantID(tenantID)
	return nil
}

func notTenanted[T any]() error {
	return &Error{
		Code:    CodeUnsupported,
		Message: fmt.Sprintf("%s does not embed TenantModel", modelName[T]()),
		Op:      "Tenant",
	}
}
