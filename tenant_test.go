package sublimate

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/uptrace/bun"
)

type Observatory struct {
	bun.BaseModel `bun:"table:observatories,alias:obs"`
	TenantModel

	ID   int64  `bun:"id,pk,autoincrement" json:"id"`
	Name string `bun:"name,notnull" json:"name"`
}

func getTenantEngine(t *testing.T) *Engine {
	t.Helper()
	e := getTestEngine(t)
	if _, err := e.NewCreateTable().Model((*Observatory)(nil)).Exec(context.Background()); err != nil {
		t.Fatalf("Failed to create table: %v", err)
	}
	UseModelMiddleware[Observatory](e, TenantMiddleware[Observatory]{})
	return e
}

func TestTenantContext(t *testing.T) {
	ctx := context.Background()
	if GetTenant(ctx) != "" {
		t.Error("Expected no tenant")
	}

	_, err := RequireTenant(ctx)
	if !errors.Is(err, ErrNoTenant) {
		t.Errorf("Expected ErrNoTenant, got %v", err)
	}
	if ErrorStatus(err) != http.StatusForbidden {
		t.Errorf("Expected 403, got %d", ErrorStatus(err))
	}

	ctx = WithTenant(ctx, "palomar")
	if id, err := RequireTenant(ctx); err != nil || id != "palomar" {
		t.Errorf("Expected palomar, got %q (%v)", id, err)
	}
}

func TestTenantMiddleware_Create(t *testing.T) {
	e := getTenantEngine(t)

	err := Create(e.Handle(context.Background()), &Observatory{Name: "Nowhere"})
	if !errors.Is(err, ErrNoTenant) {
		t.Fatalf("Expected ErrNoTenant, got %v", err)
	}

	db := e.Handle(WithTenant(context.Background(), "eso"))
	o := &Observatory{Name: "Paranal"}
	o.TenantID = "someone-else"
	if err := Create(db, o); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if o.GetTenantID() != "eso" {
		t.Errorf("Expected tenant eso, got %s", o.TenantID)
	}
}

func TestTenantQuery(t *testing.T) {
	e := getTenantEngine(t)
	eso := e.Handle(WithTenant(context.Background(), "eso"))
	noao := e.Handle(WithTenant(context.Background(), "noao"))

	for _, name := range []string{"Paranal", "La Silla"} {
		if err := Create(eso, &Observatory{Name: name}); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}
	if err := Create(noao, &Observatory{Name: "Kitt Peak"}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	n, err := TenantQuery[Observatory](eso).Count()
	if err != nil || n != 2 {
		t.Errorf("Expected 2 eso observatories, got %d (%v)", n, err)
	}
	n, err = TenantQuery[Observatory](noao).Count()
	if err != nil || n != 1 {
		t.Errorf("Expected 1 noao observatory, got %d (%v)", n, err)
	}

	all, _ := Query[Observatory](e.Handle(context.Background())).Apply(TenantScope(context.Background())).Count()
	if all != 3 {
		t.Errorf("Expected no filter without a tenant, got %d", all)
	}
}

func TestTenantMiddleware_Isolation(t *testing.T) {
	e := getTenantEngine(t)
	eso := e.Handle(WithTenant(context.Background(), "eso"))
	noao := e.Handle(WithTenant(context.Background(), "noao"))

	o := &Observatory{Name: "Paranal"}
	if err := Create(eso, o); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	hijack := &Observatory{ID: o.ID, Name: "Stolen"}
	err := Update(noao, hijack)

	var a *Abort
	if !errors.As(err, &a) || a.Status != http.StatusNotFound {
		t.Fatalf("Expected 404 abort, got %v", err)
	}
	if a.Reason != "Observatory not found for this input." {
		t.Errorf("Unexpected reason %q", a.Reason)
	}
	if err := Delete(noao, hijack); !errors.As(err, &a) {
		t.Errorf("Expected delete from another tenant to abort, got %v", err)
	}

	o.Name = "Cerro Paranal"
	if err := Update(eso, o); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	stored, _ := Find[Observatory](eso, o.ID)
	if stored.Name != "Cerro Paranal" || stored.TenantID != "eso" {
		t.Errorf("Unexpected stored row %+v", stored)
	}

	if err := Delete(eso, o); err != nil {
		t.Errorf("Delete failed: %v", err)
	}
}

func TestTenantMiddleware_NotTenanted(t *testing.T) {
	e := getTestEngine(t)
	sun := seedSolarSystem(t, e)
	UseModelMiddleware[Planet](e, TenantMiddleware[Planet]{})

	db := e.Handle(WithTenant(context.Background(), "eso"))
	err := Create(db, &Planet{Name: "Ceres", StarID: sun.ID})

	code, ok := GetErrorCode(err)
	if !ok || code != CodeUnsupported {
		t.Errorf("Expected CodeUnsupported, got %v", err)
	}
}

func TestTenantFromHeader(t *testing.T) {
	var got string
	h := TenantFromHeader("X-Tenant")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = GetTenant(r.Context())
	}))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Tenant", "gemini")
	h.ServeHTTP(httptest.NewRecorder(), r)
	if got != "gemini" {
		t.Errorf("Expected gemini, got %q", got)
	}

	got = "unchanged"
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if got != "" {
		t.Errorf("Expected no tenant without header, got %q", got)
	}
}
