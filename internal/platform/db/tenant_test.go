package db

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestExtractTenantID_FromHeader(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(TenantHeader, "hospital_abc")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if tid := extractTenantID(c, "default"); tid != "hospital_abc" {
		t.Errorf("expected hospital_abc, got %s", tid)
	}
}

func TestExtractTenantID_FromQuery(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/?tenant_id=clinic_xyz", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if tid := extractTenantID(c, "default"); tid != "clinic_xyz" {
		t.Errorf("expected clinic_xyz, got %s", tid)
	}
}

func TestExtractTenantID_Default(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if tid := extractTenantID(c, "default"); tid != "default" {
		t.Errorf("expected default, got %s", tid)
	}
}

func TestExtractTenantID_HeaderBeatsQuery(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/?tenant_id=query", nil)
	req.Header.Set(TenantHeader, "header")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if tid := extractTenantID(c, "default"); tid != "header" {
		t.Errorf("expected header, got %s", tid)
	}
}

func TestTenantIDPattern(t *testing.T) {
	for _, v := range []string{"abc", "hospital_1", "tenant_abc_123", "A1B2"} {
		if !tenantIDPattern.MatchString(v) {
			t.Errorf("expected %q to be valid", v)
		}
	}
	for _, v := range []string{"", "a-b", "a b", "x;DROP TABLE bill", "t.enant"} {
		if tenantIDPattern.MatchString(v) {
			t.Errorf("expected %q to be invalid", v)
		}
	}
}

func TestSchemaFor(t *testing.T) {
	if got := SchemaFor("default"); got != "tenant_default" {
		t.Errorf("expected tenant_default, got %s", got)
	}
	if !schemaPattern.MatchString(SchemaFor("a1")) {
		t.Error("expected derived schema to be a valid identifier")
	}
}

func TestTenantContext(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(TenantHeader, "north_wing")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	var seen string
	h := TenantContext("default")(func(c echo.Context) error {
		seen = TenantFromContext(c.Request().Context())
		return c.NoContent(http.StatusOK)
	})
	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if seen != "north_wing" {
		t.Errorf("expected north_wing in context, got %q", seen)
	}
	if c.Get("tenant_id") != "north_wing" {
		t.Errorf("expected tenant_id on echo context, got %v", c.Get("tenant_id"))
	}
}

func TestTenantContext_InvalidTenant(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(TenantHeader, "bad-tenant")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	h := TenantContext("default")(func(c echo.Context) error { return nil })
	err := h(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %v", err)
	}
}

func TestConnFromContext_Empty(t *testing.T) {
	if ConnFromContext(context.Background()) != nil {
		t.Error("expected nil conn")
	}
	if TenantFromContext(context.Background()) != "" {
		t.Error("expected empty tenant")
	}
}
