package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"
)

// statusSource is what the health endpoint reports on.
type statusSource interface {
	Status() Status
}

// HealthServer provides the HTTP health check endpoint for a session.
type HealthServer struct {
	source statusSource
	logger *log.Logger
	server *http.Server
	addr   string
}

// NewHealthServer creates a new health check server. A nil logger uses the
// standard logger.
func NewHealthServer(source statusSource, logger *log.Logger) *HealthServer {
	if logger == nil {
		logger = log.Default()
	}
	return &HealthServer{
		source: source,
		logger: logger,
	}
}

// Start listens on addr and serves in the background.
func (h *HealthServer) Start(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.healthCheckHandler)

	h.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	h.addr = ln.Addr().String()

	go func() {
		if err := h.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			h.logger.Printf("[Daemon] Health server error: %v", err)
		}
	}()

	return nil
}

// Addr returns the bound address once started.
func (h *HealthServer) Addr() string { return h.addr }

// Shutdown gracefully shuts down the health check server.
func (h *HealthServer) Shutdown(ctx context.Context) error {
	if h.server == nil {
		return nil
	}
	return h.server.Shutdown(ctx)
}

// healthCheckHandler handles GET /healthz requests.
// Returns 200 OK while the world socket is up, 503 Service Unavailable otherwise.
func (h *HealthServer) healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	st := h.source.Status()
	response := HealthResponse{
		Status:    "healthy",
		Connected: st.Connected,
		WorldID:   st.WorldID,
		Cursor:    st.Cursor,
		Queued:    st.Queued,
		LastError: st.LastError,
	}
	code := http.StatusOK
	if !st.Connected {
		response.Status = "unhealthy"
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(response)
}

// HealthResponse is the JSON response structure for health checks.
type HealthResponse struct {
	Status    string `json:"status"`
	Connected bool   `json:"connected"`
	WorldID   string `json:"worldId"`
	Cursor    int64  `json:"cursor"`
	Queued    int    `json:"queued,omitempty"`
	LastError string `json:"lastError,omitempty"`
}
