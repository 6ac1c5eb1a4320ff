package main

import (
	"context"
	"errors"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/billing/internal/config"
	"github.com/ehr/billing/internal/domain/billing"
	"github.com/ehr/billing/internal/platform/db"
)

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

func testConfig(env string) *config.Config {
	return &config.Config{
		Env:            env,
		DefaultTenant:  "default",
		CORSOrigins:    []string{"http://localhost:3000"},
		RequestTimeout: 5 * time.Second,
		BodyLimit:      "1M",
		RateLimitRPS:   100,
		RateLimitBurst: 200,
	}
}

func testBackend(pingErr error) *backend {
	return &backend{name: "memory", pinger: fakePinger{err: pingErr}, close: func() {}}
}

func newTestServer(env string, pingErr error) http.Handler {
	be := testBackend(pingErr)
	svc := billing.NewService(be.store)
	return newServer(testConfig(env), be, svc, zerolog.Nop())
}

func TestNewServer_Health(t *testing.T) {
	h := newTestServer("production", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), version) {
		t.Errorf("expected version in body, got %s", rec.Body.String())
	}
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("expected security headers")
	}
	if rec.Header().Get(echo.HeaderXRequestID) == "" {
		t.Error("expected a request id header")
	}
}

func TestNewServer_HealthDB(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"healthy", nil, http.StatusOK},
		{"unhealthy", errors.New("connection refused"), http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			newTestServer("production", tt.err).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/db", nil))
			if rec.Code != tt.want {
				t.Errorf("expected %d, got %d", tt.want, rec.Code)
			}
			if !strings.Contains(rec.Body.String(), `"backend":"memory"`) {
				t.Errorf("expected backend name, got %s", rec.Body.String())
			}
		})
	}
}

func TestNewServer_Routes(t *testing.T) {
	be := testBackend(nil)
	svc := billing.NewService(be.store)

	prod := newServer(testConfig("production"), be, svc, zerolog.Nop())
	dev := newServer(testConfig("development"), be, svc, zerolog.Nop())

	prodRoutes := make(map[string]bool)
	for _, r := range prod.Routes() {
		prodRoutes[r.Method+" "+r.Path] = true
	}
	devRoutes := make(map[string]bool)
	for _, r := range dev.Routes() {
		devRoutes[r.Method+" "+r.Path] = true
	}

	for _, want := range []string{
		"POST /api/v1/bills",
		"GET /api/v1/bills/:id",
		"POST /api/v1/bills/:id/payments",
		"GET /api/v1/patients/:id/billable-events",
		"GET /api/v1/insurance/:patientId",
		"GET /health/db",
	} {
		if !prodRoutes[want] {
			t.Errorf("expected route %s", want)
		}
	}
	if prodRoutes["POST /api/v1/sandbox/seed"] {
		t.Error("expected no sandbox route outside development")
	}
	if !devRoutes["POST /api/v1/sandbox/seed"] {
		t.Error("expected sandbox route in development")
	}
}

func TestNewServer_RejectsInvalidTenant(t *testing.T) {
	h := newTestServer("production", nil)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/bills/"+"00000000-0000-0000-0000-000000000001", nil)
	req.Header.Set(db.TenantHeader, "bad tenant!")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestNewServer_BodyLimit(t *testing.T) {
	be := testBackend(nil)
	cfg := testConfig("production")
	cfg.BodyLimit = "1K"
	h := newServer(cfg, be, billing.NewService(be.store), zerolog.Nop())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/bills", strings.NewReader(strings.Repeat("x", 4096)))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413, got %d", rec.Code)
	}
}

func TestMigrationFiles_Embedded(t *testing.T) {
	matches, err := fs.Glob(migrationFiles(""), "*.sql")
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) == 0 {
		t.Fatal("expected embedded migrations")
	}
}

func TestMigrationFiles_Dir(t *testing.T) {
	dir := t.TempDir()
	matches, err := fs.Glob(migrationFiles(dir), "*.sql")
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 0 {
		t.Errorf("expected empty override dir, got %v", matches)
	}
}

func TestBackend_ScopeWithoutPool(t *testing.T) {
	ctx, release, err := testBackend(nil).scope(context.Background(), "clinic_a")
	if err != nil {
		t.Fatal(err)
	}
	defer release()
	if db.TenantFromContext(ctx) != "clinic_a" {
		t.Errorf("expected tenant clinic_a, got %q", db.TenantFromContext(ctx))
	}
}

func TestCommands(t *testing.T) {
	for _, cmd := range []interface{ Name() string }{serveCmd(), migrateCmd(), tenantCmd(), seedCmd()} {
		if cmd.Name() == "" {
			t.Error("expected command name")
		}
	}
	names := make(map[string]bool)
	for _, c := range migrateCmd().Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"up", "status", "down"} {
		if !names[want] {
			t.Errorf("expected migrate %s", want)
		}
	}
}
