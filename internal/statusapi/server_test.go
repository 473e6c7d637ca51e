package statusapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/relayworks/spacesync/internal/deltafeed"
)

type fakeProvider struct {
	status deltafeed.Status
}

func (f *fakeProvider) Snapshot() deltafeed.Status {
	return f.status
}

func TestHealthEndpoint(t *testing.T) {
	srv := NewServer(&fakeProvider{})
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"status":"ok"`) {
		t.Fatalf("unexpected body %q", rec.Body.String())
	}
}

func TestStatusEndpoint(t *testing.T) {
	provider := &fakeProvider{status: deltafeed.Status{
		Backend:  "sqlite",
		Cycles:   4,
		Failures: 1,
	}}
	srv := NewServerWithConfig(provider, ServerConfig{Version: "1.2.3"})
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var payload struct {
		Version string           `json:"version"`
		Sync    deltafeed.Status `json:"sync"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode status body: %v", err)
	}
	if payload.Version != "1.2.3" {
		t.Fatalf("expected version 1.2.3, got %q", payload.Version)
	}
	if payload.Sync.Backend != "sqlite" || payload.Sync.Cycles != 4 || payload.Sync.Failures != 1 {
		t.Fatalf("unexpected sync status %+v", payload.Sync)
	}
}

func TestStatusWithoutProvider(t *testing.T) {
	srv := NewServer(nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/status", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := NewServer(&fakeProvider{})
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "go_goroutines") {
		t.Fatalf("expected default collectors in scrape output")
	}
}

func TestUnknownRoute(t *testing.T) {
	srv := NewServer(&fakeProvider{})
	req := httptest.NewRequest(http.MethodGet, "/nope", nil)
	req.Header.Set("X-Correlation-Id", "abc")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"correlationId":"abc"`) {
		t.Fatalf("unexpected body %q", rec.Body.String())
	}
}
