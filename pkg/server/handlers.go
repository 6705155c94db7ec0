package server

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nicktill/tinyapm/pkg/agent"
	"github.com/nicktill/tinyapm/pkg/httpx"
	"github.com/nicktill/tinyapm/pkg/rollup"
	"github.com/nicktill/tinyapm/pkg/server/monitor"
)

var startTime = time.Now()

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status        string             `json:"status"`
	Version       string             `json:"version"`
	Uptime        string             `json:"uptime"`
	Rollup        monitor.PassStatus `json:"rollup"`
	DataDirBytes  int64              `json:"data_dir_bytes,omitempty"`
	WebSocketSubs int                `json:"websocket_clients"`
}

// handleHealth returns service health status.
func handleHealth(a *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		overallStatus := "healthy"
		statusCode := http.StatusOK

		if !a.Passes.IsHealthy() {
			overallStatus = "degraded"
			statusCode = http.StatusServiceUnavailable
		}

		response := HealthResponse{
			Status:        overallStatus,
			Version:       "1.0.0",
			Uptime:        time.Since(startTime).String(),
			Rollup:        a.Passes.Status(),
			WebSocketSubs: a.Hub.Clients(),
		}
		if !a.cfg.InMemory {
			if usage, err := a.Disk.Usage(); err == nil {
				response.DataDirBytes = usage
			}
		}

		httpx.RespondJSON(w, statusCode, response)
	}
}

// AgentsResponse lists the agent hierarchy
type AgentsResponse struct {
	Roots []*agent.Node `json:"roots"`
}

// handleAgents returns the agent forest
func handleAgents(a *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		forest, err := a.Registry.ReadForest(r.Context())
		if err != nil {
			httpx.RespondError(w, http.StatusInternalServerError, err)
			return
		}
		if forest == nil {
			forest = []*agent.Node{}
		}
		httpx.RespondJSON(w, http.StatusOK, AgentsResponse{Roots: forest})
	}
}

// RollupStatusResponse describes the rollup loop
type RollupStatusResponse struct {
	State          rollup.State       `json:"state"`
	Pass           monitor.PassStatus `json:"pass"`
	NextTickMillis int64              `json:"next_tick_millis"`
}

// handleRollupStatus returns the rollup loop state
func handleRollupStatus(a *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		state := rollup.StateCreated
		if a.Rollup != nil {
			state = a.Rollup.State()
		}
		httpx.RespondJSON(w, http.StatusOK, RollupStatusResponse{
			State:          state,
			Pass:           a.Passes.Status(),
			NextTickMillis: rollup.MillisUntilNextTick(time.Now().UnixMilli()),
		})
	}
}

// handleTriggeredAlerts lists the triggered alerts of one agent rollup
func handleTriggeredAlerts(a *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agentID := r.URL.Query().Get("agent_id")
		if agentID == "" {
			httpx.RespondErrorString(w, http.StatusBadRequest, "agent_id is required")
			return
		}
		alerts, err := a.Triggered.ReadAll(r.Context(), agentID)
		if err != nil {
			httpx.RespondError(w, http.StatusInternalServerError, err)
			return
		}
		httpx.RespondJSON(w, http.StatusOK, alerts)
	}
}

// SetupRoutes configures all HTTP routes for the server.
func SetupRoutes(router *mux.Router, a *App, port string) {
	// CORS middleware for API access
	router.Use(corsMiddleware(port))

	api := router.PathPrefix("/v1").Subrouter()

	// Ingestion
	api.HandleFunc("/ingest", a.Ingest.HandleIngest).Methods("POST")
	api.HandleFunc("/query-text", a.Ingest.HandleQueryText).Methods("GET")
	api.HandleFunc("/stats", a.Ingest.HandleStats).Methods("GET")

	// Backup and restore
	api.HandleFunc("/export", a.Backup.HandleExport).Methods("GET")
	api.HandleFunc("/import", a.Backup.HandleImport).Methods("POST")

	// Hierarchy, rollup and alerts
	api.HandleFunc("/agents", handleAgents(a)).Methods("GET")
	api.HandleFunc("/rollup/status", handleRollupStatus(a)).Methods("GET")
	api.HandleFunc("/alerts/triggered", handleTriggeredAlerts(a)).Methods("GET")
	api.HandleFunc("/health", handleHealth(a)).Methods("GET")

	// Alert events
	api.HandleFunc("/ws", a.Hub.HandleWebSocket).Methods("GET")

	router.Handle("/metrics", promhttp.Handler()).Methods("GET")
}

// corsMiddleware creates CORS middleware that restricts to localhost origins only.
func corsMiddleware(port string) func(http.Handler) http.Handler {
	allowedOrigins := map[string]bool{
		"http://localhost:" + port: true,
		"http://127.0.0.1:" + port: true,
		"http://localhost:3000":    true,
		"http://127.0.0.1:3000":    true,
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			if allowedOrigins[origin] {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
				w.Header().Set("Access-Control-Allow-Credentials", "true")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
