package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/karst-storage/karst/internal/cluster"
	"github.com/karst-storage/karst/internal/store"
)

// HealthChecker provides health check endpoints
type HealthChecker struct {
	nodeTable  store.NodeTable
	clusterCtx *cluster.Context
	logger     *zap.Logger
}

// HealthStatus represents the health status response
type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp int64             `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
	Errors    []string          `json:"errors,omitempty"`
}

// NewHealthChecker creates a new health checker
func NewHealthChecker(nodeTable store.NodeTable, clusterCtx *cluster.Context, logger *zap.Logger) *HealthChecker {
	return &HealthChecker{
		nodeTable:  nodeTable,
		clusterCtx: clusterCtx,
		logger:     logger,
	}
}

// LivenessHandler handles liveness probe requests
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	status := HealthStatus{
		Status:    "alive",
		Timestamp: time.Now().Unix(),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(status)
}

// ReadinessHandler handles readiness probe requests. Readiness requires the
// node table to be reachable and the cluster context to be free of standing
// errors.
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	if err := h.checkNodeTable(ctx); err != nil {
		h.logger.Error("Node table health check failed", zap.Error(err))
		checks["node_table"] = "unhealthy: " + err.Error()
		allHealthy = false
	} else {
		checks["node_table"] = "healthy"
	}

	var standing []string
	if h.clusterCtx != nil {
		if !h.clusterCtx.IsHealthy() {
			checks["cluster_context"] = "degraded"
			allHealthy = false
		} else {
			checks["cluster_context"] = "healthy"
		}
		for _, code := range h.clusterCtx.Errors() {
			standing = append(standing, string(code))
		}
	}

	status := HealthStatus{
		Timestamp: time.Now().Unix(),
		Checks:    checks,
		Errors:    standing,
	}

	w.Header().Set("Content-Type", "application/json")

	if allHealthy {
		status.Status = "ready"
		w.WriteHeader(http.StatusOK)
	} else {
		status.Status = "not_ready"
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	json.NewEncoder(w).Encode(status)
}

func (h *HealthChecker) checkNodeTable(ctx context.Context) error {
	if h.nodeTable == nil {
		return nil // Skip if not initialized
	}
	return h.nodeTable.Ping(ctx)
}

// NewHealthServer builds the health check HTTP server.
func NewHealthServer(hc *HealthChecker, port int) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/health/live", hc.LivenessHandler)
	mux.HandleFunc("/health/ready", hc.ReadinessHandler)

	return &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}
