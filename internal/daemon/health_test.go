package daemon

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

type staticStatus Status

func (s staticStatus) Status() Status { return Status(s) }

// TestHealthCheckEndpoint_MethodNotAllowed verifies non-GET requests are rejected.
func TestHealthCheckEndpoint_MethodNotAllowed(t *testing.T) {
	server := NewHealthServer(staticStatus{Connected: true}, nil)

	req := httptest.NewRequest(http.MethodPost, "/healthz", nil)
	w := httptest.NewRecorder()

	server.healthCheckHandler(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected status 405, got %d", w.Code)
	}
}

// TestHealthCheckResponse verifies the JSON response structure.
func TestHealthCheckResponse(t *testing.T) {
	t.Run("unhealthy when disconnected", func(t *testing.T) {
		server := NewHealthServer(staticStatus{Connected: false, WorldID: "w1", Cursor: 7, LastError: "ws_closed"}, nil)

		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		w := httptest.NewRecorder()
		server.healthCheckHandler(w, req)

		var response HealthResponse
		if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
			t.Fatalf("Failed to decode response: %v", err)
		}
		if response.Status != "unhealthy" {
			t.Errorf("Expected unhealthy status, got %s", response.Status)
		}
		if response.Connected {
			t.Errorf("Expected connected=false")
		}
		if response.Cursor != 7 || response.WorldID != "w1" {
			t.Errorf("Unexpected body %+v", response)
		}
		if w.Code != http.StatusServiceUnavailable {
			t.Errorf("Expected status 503, got %d", w.Code)
		}
		if ct := w.Header().Get("Content-Type"); ct != "application/json" {
			t.Errorf("Expected Content-Type application/json, got %s", ct)
		}
	})

	t.Run("healthy when connected", func(t *testing.T) {
		server := NewHealthServer(staticStatus{Connected: true, WorldID: "w1", Cursor: 3}, nil)

		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		w := httptest.NewRecorder()
		server.healthCheckHandler(w, req)

		if w.Code != http.StatusOK {
			t.Errorf("Expected status 200, got %d", w.Code)
		}
		var response HealthResponse
		if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
			t.Fatalf("Failed to decode response: %v", err)
		}
		if response.Status != "healthy" {
			t.Errorf("Expected healthy status, got %s", response.Status)
		}
	})
}

func TestHealthServer_ShutdownBeforeStart(t *testing.T) {
	server := NewHealthServer(staticStatus{}, nil)
	if err := server.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}
