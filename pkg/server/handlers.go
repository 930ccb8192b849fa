package server

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/nicktill/tinyauction/pkg/httpx"
	"github.com/nicktill/tinyauction/pkg/ingest"
	"github.com/nicktill/tinyauction/pkg/logging"
	"github.com/nicktill/tinyauction/pkg/server/monitor"
)

// Version is reported by the health endpoint.
const Version = "1.0.0"

var startTime = time.Now()

// StorageUsage represents current storage usage stats.
type StorageUsage struct {
	UsedBytes int64 `json:"used_bytes"`
	MaxBytes  int64 `json:"max_bytes"`
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Uptime    string            `json:"uptime"`
	Ingest    monitor.JobStatus `json:"ingest"`
	Retention monitor.JobStatus `json:"retention"`
}

// handleHealth returns service health status.
func handleHealth(m *Monitors) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		overallStatus := "healthy"
		statusCode := http.StatusOK

		if !m.Ingest.IsHealthy() || !m.Retention.IsHealthy() {
			overallStatus = "degraded"
			statusCode = http.StatusServiceUnavailable
		}

		httpx.RespondJSON(w, statusCode, HealthResponse{
			Status:    overallStatus,
			Version:   Version,
			Uptime:    time.Since(startTime).Round(time.Second).String(),
			Ingest:    m.Ingest.Status(),
			Retention: m.Retention.Status(),
		})
	}
}

// handleStorageUsage returns current storage usage.
func handleStorageUsage(sm *monitor.StorageMonitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		usedBytes, err := sm.GetUsage()
		if err != nil {
			httpx.RespondError(w, http.StatusInternalServerError, err)
			return
		}
		httpx.RespondJSON(w, http.StatusOK, StorageUsage{
			UsedBytes: usedBytes,
			MaxBytes:  sm.GetLimit(),
		})
	}
}

// SetupRoutes configures all HTTP routes for the server.
func SetupRoutes(router *mux.Router, h *Handlers, m *Monitors, hub *ingest.Hub, port string, log *zap.Logger) {
	router.Use(requestLogger(logging.OrNop(log)))
	// CORS middleware for API access
	router.Use(corsMiddleware(port))

	api := router.PathPrefix("/v1").Subrouter()

	// Catalog and tiers
	api.HandleFunc("/items", h.Query.HandleItems).Methods("GET")
	api.HandleFunc("/items/search", h.Query.HandleSearch).Methods("GET")
	api.HandleFunc("/items/{id:[0-9]+}/tier", h.Query.HandleTier).Methods("GET")
	api.HandleFunc("/tiers/refresh", h.Query.HandleRefreshTiers).Methods("POST")

	// Market data
	api.HandleFunc("/auctions", h.Query.HandleMarket).Methods("GET")
	api.HandleFunc("/auctions/history", h.Query.HandleHistory).Methods("GET")
	api.HandleFunc("/auctions/trends", h.Query.HandleTrends).Methods("GET")

	// History maintenance (read-only views)
	api.HandleFunc("/history/stats", h.Retention.HandleStats).Methods("GET")
	api.HandleFunc("/history/preview", h.Retention.HandlePreview).Methods("GET")
	api.HandleFunc("/history/backups", h.Retention.HandleBackups).Methods("GET")

	// Ingestion
	api.HandleFunc("/ingest/run", h.Ingest.HandleRun).Methods("POST")
	api.HandleFunc("/ingest/status", h.Ingest.HandleStatus).Methods("GET")
	api.HandleFunc("/ws", hub.HandleWebSocket).Methods("GET")

	// Export
	api.HandleFunc("/export", h.Export.HandleExport).Methods("GET")

	// Service
	api.HandleFunc("/storage", handleStorageUsage(m.Storage)).Methods("GET")
	api.HandleFunc("/health", handleHealth(m)).Methods("GET")
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
			if origin := r.Header.Get("Origin"); allowedOrigins[origin] {
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
