// Package server exposes the membership core to datanodes and
// administrators over a small JSON endpoint. The handler layer owns request
// validation and response shaping only; all semantics live in the node
// manager.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/karst-storage/karst/internal/model"
	"github.com/karst-storage/karst/internal/nodemanager"
	"github.com/karst-storage/karst/internal/registry"
)

// nodePersister is the optional capability observer deployments provide for
// persisting newly registered nodes.
type nodePersister interface {
	AddNodeToTable(ctx context.Context, details *model.DatanodeDetails) error
}

// Handler serves the datanode and admin endpoints.
type Handler struct {
	manager nodemanager.NodeManager
	logger  *zap.Logger
}

// NewHandler creates the endpoint handler.
func NewHandler(manager nodemanager.NodeManager, logger *zap.Logger) *Handler {
	return &Handler{manager: manager, logger: logger}
}

// RegisterRequest is the registration payload a datanode sends.
type RegisterRequest struct {
	Details        *model.DatanodeDetails     `json:"details"`
	NodeReport     *model.NodeReport          `json:"node_report,omitempty"`
	PipelineReport *model.PipelineReport      `json:"pipeline_report,omitempty"`
	LayoutVersion  *model.LayoutVersionReport `json:"layout_version,omitempty"`
}

// HeartbeatRequest is the heartbeat payload a datanode sends.
type HeartbeatRequest struct {
	Details       *model.DatanodeDetails     `json:"details"`
	LayoutVersion *model.LayoutVersionReport `json:"layout_version,omitempty"`
}

// HeartbeatResponse carries the commands for the node to execute.
type HeartbeatResponse struct {
	Commands []model.Command `json:"commands"`
}

// OpStateRequest is the admin payload for an operational-state change.
type OpStateRequest struct {
	State  model.OperationalState `json:"state"`
	Expiry int64                  `json:"expiry,omitempty"`
}

// NodeListing is one row of the admin node listing.
type NodeListing struct {
	Details       *model.DatanodeDetails `json:"details"`
	Status        model.NodeStatus       `json:"status"`
	LastHeartbeat int64                  `json:"last_heartbeat"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Mux builds the route table for the endpoint.
func (h *Handler) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /datanode/register", h.handleRegister)
	mux.HandleFunc("POST /datanode/heartbeat", h.handleHeartbeat)
	mux.HandleFunc("GET /admin/nodes", h.handleListNodes)
	mux.HandleFunc("GET /admin/nodes/count", h.handleNodeCount)
	mux.HandleFunc("DELETE /admin/nodes/{id}", h.handleRemoveNode)
	mux.HandleFunc("PUT /admin/nodes/{id}/opstate", h.handleSetOpState)
	return mux
}

// NewServer builds the HTTP server for the endpoint.
func NewServer(h *Handler, host string, port int, readTimeout, writeTimeout time.Duration) *http.Server {
	return &http.Server{
		Addr:         fmt.Sprintf("%s:%d", host, port),
		Handler:      h.Mux(),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	if req.Details == nil || req.Details.ID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "details.id is required"})
		return
	}

	_, err := h.manager.GetNode(req.Details.ID)
	wasKnown := err == nil

	resp, err := h.manager.Register(r.Context(), req.Details, req.NodeReport, req.PipelineReport, req.LayoutVersion)
	if err != nil {
		h.logger.Error("Registration failed",
			zap.String("node_id", string(req.Details.ID)),
			zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}

	// First successful registration of a node also creates its durable
	// record in observer deployments.
	if resp.ErrorCode == model.RegistrationSuccess && !wasKnown {
		if p, ok := h.manager.(nodePersister); ok {
			if err := p.AddNodeToTable(r.Context(), req.Details); err != nil {
				h.logger.Error("Failed to persist new node",
					zap.String("node_id", string(req.Details.ID)),
					zap.Error(err))
			}
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req HeartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	if req.Details == nil || req.Details.ID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "details.id is required"})
		return
	}

	cmds, err := h.manager.ProcessHeartbeat(r.Context(), req.Details, req.LayoutVersion)
	if err != nil {
		h.logger.Error("Heartbeat processing failed",
			zap.String("node_id", string(req.Details.ID)),
			zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	if cmds == nil {
		cmds = []model.Command{}
	}
	writeJSON(w, http.StatusOK, HeartbeatResponse{Commands: cmds})
}

func (h *Handler) handleListNodes(w http.ResponseWriter, r *http.Request) {
	nodes := h.manager.GetAllNodes()
	listing := make([]NodeListing, 0, len(nodes))
	for _, details := range nodes {
		status, err := h.manager.GetNodeStatus(details.ID)
		if err != nil {
			// Node removed between listing and status lookup
			continue
		}
		listing = append(listing, NodeListing{
			Details:       details,
			Status:        status,
			LastHeartbeat: h.manager.GetLastHeartbeat(details.ID),
		})
	}
	writeJSON(w, http.StatusOK, listing)
}

func (h *Handler) handleNodeCount(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"count": h.manager.NodeCount()})
}

func (h *Handler) handleRemoveNode(w http.ResponseWriter, r *http.Request) {
	id := model.DatanodeID(r.PathValue("id"))

	if err := h.manager.RemoveNode(r.Context(), id); err != nil {
		if errors.Is(err, registry.ErrNodeNotFound) {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "node not found"})
			return
		}
		h.logger.Error("Node removal failed",
			zap.String("node_id", string(id)),
			zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleSetOpState(w http.ResponseWriter, r *http.Request) {
	id := model.DatanodeID(r.PathValue("id"))

	var req OpStateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	switch req.State {
	case model.OpStateInService, model.OpStateDecommissioning, model.OpStateDecommissioned,
		model.OpStateEnteringMaintenance, model.OpStateInMaintenance:
	default:
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid operational state"})
		return
	}

	if err := h.manager.SetNodeOperationalState(id, req.State, req.Expiry); err != nil {
		if errors.Is(err, registry.ErrNodeNotFound) {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "node not found"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	w.WriteHeader(http.StatusOK)
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}
