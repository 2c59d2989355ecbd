package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"github.com/dbbouncer/pgproxy/internal/config"
	"github.com/dbbouncer/pgproxy/internal/health"
	"github.com/dbbouncer/pgproxy/internal/pool"
	"github.com/dbbouncer/pgproxy/internal/router"
)

func intPtr(v int) *int { return &v }

func testRouterConfig() *config.Config {
	return &config.Config{
		Pool: config.PoolDefaults{
			MinConnections: intPtr(2),
			MaxConnections: intPtr(20),
		},
		Targets: map[string]config.TargetConfig{
			"target_1": {
				Host:     "localhost",
				Port:     5432,
				DBName:   "db1",
				Username: "user1",
			},
		},
	}
}

func newTestServer() (*Server, *mux.Router) {
	cfg := testRouterConfig()

	r := router.New(cfg)
	pm := pool.NewManager(cfg.Pool, 5*time.Second)
	hc := health.NewChecker(r, nil, 30*time.Second, 3, 5*time.Second)

	s := NewServer(r, pm, hc, nil, nil, "")

	mr := mux.NewRouter()
	mr.HandleFunc("/targets", s.listTargets).Methods("GET")
	mr.HandleFunc("/targets", s.createTarget).Methods("POST")
	mr.HandleFunc("/targets/{name}", s.getTarget).Methods("GET")
	mr.HandleFunc("/targets/{name}", s.updateTarget).Methods("PUT")
	mr.HandleFunc("/targets/{name}", s.deleteTarget).Methods("DELETE")
	mr.HandleFunc("/targets/{name}/stats", s.targetStats).Methods("GET")
	mr.HandleFunc("/targets/{name}/drain", s.drainTarget).Methods("POST")
	mr.HandleFunc("/health", s.healthHandler).Methods("GET")
	mr.HandleFunc("/ready", s.readyHandler).Methods("GET")

	return s, mr
}

func TestListTargets(t *testing.T) {
	_, mr := newTestServer()

	req := httptest.NewRequest("GET", "/targets", nil)
	rr := httptest.NewRecorder()
	mr.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rr.Code)
	}

	var result []targetResponse
	if err := json.NewDecoder(rr.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if len(result) != 1 {
		t.Errorf("expected 1 target, got %d", len(result))
	}
}

func TestCreateTarget(t *testing.T) {
	_, mr := newTestServer()

	body := `{
		"name": "target_new",
		"host": "new-host",
		"port": 5432,
		"dbname": "newdb",
		"username": "newuser",
		"password": "pass"
	}`

	req := httptest.NewRequest("POST", "/targets", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	mr.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}

	var result targetResponse
	json.NewDecoder(rr.Body).Decode(&result)
	if result.Name != "target_new" {
		t.Errorf("expected target_new, got %s", result.Name)
	}
}

func TestCreateTargetValidation(t *testing.T) {
	_, mr := newTestServer()

	// Missing required fields
	body := `{"name": "bad", "role": "invalid"}`
	req := httptest.NewRequest("POST", "/targets", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	mr.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rr.Code)
	}
}

func TestGetTarget(t *testing.T) {
	_, mr := newTestServer()

	req := httptest.NewRequest("GET", "/targets/target_1", nil)
	rr := httptest.NewRecorder()
	mr.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rr.Code)
	}

	var result targetResponse
	json.NewDecoder(rr.Body).Decode(&result)
	if result.Name != "target_1" {
		t.Errorf("expected target_1, got %s", result.Name)
	}
}

func TestGetTargetNotFound(t *testing.T) {
	_, mr := newTestServer()

	req := httptest.NewRequest("GET", "/targets/nonexistent", nil)
	rr := httptest.NewRecorder()
	mr.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rr.Code)
	}
}

func TestUpdateTarget(t *testing.T) {
	_, mr := newTestServer()

	body := `{"host": "updated-host", "port": 5433}`
	req := httptest.NewRequest("PUT", "/targets/target_1", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	mr.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var result targetResponse
	json.NewDecoder(rr.Body).Decode(&result)
	if result.Config.Host != "updated-host" {
		t.Errorf("expected updated-host, got %s", result.Config.Host)
	}
	if result.Config.Port != 5433 {
		t.Errorf("expected port 5433, got %d", result.Config.Port)
	}
}

func TestDeleteTarget(t *testing.T) {
	_, mr := newTestServer()

	req := httptest.NewRequest("DELETE", "/targets/target_1", nil)
	rr := httptest.NewRecorder()
	mr.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rr.Code)
	}

	// Should be gone now
	req = httptest.NewRequest("GET", "/targets/target_1", nil)
	rr = httptest.NewRecorder()
	mr.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Errorf("expected 404 after delete, got %d", rr.Code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	_, mr := newTestServer()

	req := httptest.NewRequest("GET", "/health", nil)
	rr := httptest.NewRecorder()
	mr.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rr.Code)
	}
}

func TestReadyEndpoint(t *testing.T) {
	_, mr := newTestServer()

	req := httptest.NewRequest("GET", "/ready", nil)
	rr := httptest.NewRecorder()
	mr.ServeHTTP(rr, req)

	// With targets but no health checks yet, all are "unknown" which counts as healthy
	if rr.Code != http.StatusOK {
		t.Errorf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
}

// --- Security Tests ---

func newTestServerWithAuth(apiKey string) (*Server, http.Handler) {
	cfg := testRouterConfig()
	target := cfg.Targets["target_1"]
	target.Password = "secret123"
	cfg.Targets["target_1"] = target

	r := router.New(cfg)
	pm := pool.NewManager(cfg.Pool, 5*time.Second)
	hc := health.NewChecker(r, nil, 30*time.Second, 3, 5*time.Second)

	s := NewServer(r, pm, hc, nil, nil, apiKey)

	mr := mux.NewRouter()
	mr.HandleFunc("/targets", s.listTargets).Methods("GET")
	mr.HandleFunc("/targets", s.createTarget).Methods("POST")
	mr.HandleFunc("/targets/{name}", s.getTarget).Methods("GET")
	mr.HandleFunc("/health", s.healthHandler).Methods("GET")
	mr.HandleFunc("/ready", s.readyHandler).Methods("GET")
	mr.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods("GET")

	handler := s.authMiddleware(bodyLimitMiddleware(mr))
	return s, handler
}

func TestAuthMiddleware_ValidToken(t *testing.T) {
	_, handler := newTestServerWithAuth("test-secret-key")

	req := httptest.NewRequest("GET", "/targets", nil)
	req.Header.Set("Authorization", "Bearer test-secret-key")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("expected 200 with valid token, got %d", rr.Code)
	}
}

func TestAuthMiddleware_MissingToken(t *testing.T) {
	_, handler := newTestServerWithAuth("test-secret-key")

	req := httptest.NewRequest("GET", "/targets", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 with missing token, got %d", rr.Code)
	}
}

func TestAuthMiddleware_InvalidToken(t *testing.T) {
	_, handler := newTestServerWithAuth("test-secret-key")

	req := httptest.NewRequest("GET", "/targets", nil)
	req.Header.Set("Authorization", "Bearer wrong-key")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 with invalid token, got %d", rr.Code)
	}
}

func TestAuthMiddleware_HealthExemptFromAuth(t *testing.T) {
	_, handler := newTestServerWithAuth("test-secret-key")

	// Health, ready, and metrics endpoints should not require auth
	for _, path := range []string{"/health", "/ready", "/metrics"} {
		req := httptest.NewRequest("GET", path, nil)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if rr.Code == http.StatusUnauthorized {
			t.Errorf("%s should not require auth, got 401", path)
		}
	}
}

func TestAuthMiddleware_NoKeyConfigured(t *testing.T) {
	_, handler := newTestServerWithAuth("")

	// When no API key is configured, all requests should be allowed
	req := httptest.NewRequest("GET", "/targets", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("expected 200 when no API key configured, got %d", rr.Code)
	}
}

func TestPasswordRedaction_ListTargets(t *testing.T) {
	_, handler := newTestServerWithAuth("")

	req := httptest.NewRequest("GET", "/targets", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	body := rr.Body.String()
	if strings.Contains(body, "secret123") {
		t.Error("response should not contain plaintext password")
	}
	if !strings.Contains(body, "***REDACTED***") {
		t.Error("response should contain redacted password marker")
	}
}

func TestPasswordRedaction_GetTarget(t *testing.T) {
	_, handler := newTestServerWithAuth("")

	req := httptest.NewRequest("GET", "/targets/target_1", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	body := rr.Body.String()
	if strings.Contains(body, "secret123") {
		t.Error("response should not contain plaintext password")
	}
	if !strings.Contains(body, "***REDACTED***") {
		t.Error("response should contain redacted password marker")
	}
}

func TestPasswordRedaction_CreateTarget(t *testing.T) {
	_, handler := newTestServerWithAuth("")

	reqBody := `{
		"name": "new_target",
		"host": "new-host",
		"port": 5432,
		"dbname": "newdb",
		"username": "user",
		"password": "supersecret"
	}`

	req := httptest.NewRequest("POST", "/targets", bytes.NewBufferString(reqBody))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	body := rr.Body.String()
	if strings.Contains(body, "supersecret") {
		t.Error("create response should not contain plaintext password")
	}
}

func TestRequestBodySizeLimit(t *testing.T) {
	_, handler := newTestServerWithAuth("")

	// Create a body larger than 1MB
	bigBody := strings.Repeat("a", 2*1024*1024)
	req := httptest.NewRequest("POST", "/targets", strings.NewReader(bigBody))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for oversized body, got %d", rr.Code)
	}
}
