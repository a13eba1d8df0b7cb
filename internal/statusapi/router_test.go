package statusapi

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/kandev/tgsched/internal/common/logger"
	"github.com/kandev/tgsched/internal/tenant/store"
)

func TestHealthzReturnsOK(t *testing.T) {
	gin.SetMode(gin.TestMode)
	log, err := logger.New("error", "console")
	if err != nil {
		t.Fatalf("build logger: %v", err)
	}
	mgr := store.NewManager(t.TempDir(), log)
	hub := NewHub(log)

	router := NewRouter(mgr, hub, log)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestTenantsEndpointListsDiscoveredTenants(t *testing.T) {
	gin.SetMode(gin.TestMode)
	log, _ := logger.New("error", "console")
	dir := t.TempDir()
	mgr := store.NewManager(dir, log)
	hub := NewHub(log)
	router := NewRouter(mgr, hub, log)

	req := httptest.NewRequest(http.MethodGet, "/tenants", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}
