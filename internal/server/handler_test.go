package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/karst-storage/karst/internal/model"
	"github.com/karst-storage/karst/internal/nodemanager"
)

func newTestMux(t *testing.T) (*http.ServeMux, *nodemanager.Manager) {
	t.Helper()

	m, err := nodemanager.NewManager(nodemanager.Params{
		Config: nodemanager.Config{
			ClusterID:     "test-cluster",
			StaleInterval: 90 * time.Second,
			DeadInterval:  10 * time.Minute,
		},
	})
	require.NoError(t, err)

	return NewHandler(m, zap.NewNop()).Mux(), m
}

func postJSON(t *testing.T, mux *http.ServeMux, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	raw, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func registerReq(id string) RegisterRequest {
	return RegisterRequest{
		Details: &model.DatanodeDetails{
			ID:        model.DatanodeID(id),
			Hostname:  id + ".example.com",
			IPAddress: "10.0.0.1",
		},
	}
}

func TestHandler_Register_Success(t *testing.T) {
	mux, m := newTestMux(t)

	rec := postJSON(t, mux, "/datanode/register", registerReq("dn-1"))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp model.RegisteredResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, model.RegistrationSuccess, resp.ErrorCode)
	assert.Equal(t, "test-cluster", resp.ClusterID)
	assert.Equal(t, 1, m.NodeCount())
}

func TestHandler_Register_TopologyRejectionIsStillOK(t *testing.T) {
	mux, _ := newTestMux(t)

	first := registerReq("dn-1")
	first.Details.NetworkLocation = "/rack-1"
	require.Equal(t, http.StatusOK, postJSON(t, mux, "/datanode/register", first).Code)

	// A depth conflict comes back as a structured rejection, not an HTTP error
	second := registerReq("dn-2")
	second.Details.NetworkLocation = "/dc-1/rack-2"
	rec := postJSON(t, mux, "/datanode/register", second)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp model.RegisteredResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, model.RegistrationNodeNotPermitted, resp.ErrorCode)
}

func TestHandler_Register_BadRequest(t *testing.T) {
	mux, _ := newTestMux(t)

	req := httptest.NewRequest(http.MethodPost, "/datanode/register", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Valid JSON but no node ID
	rec = postJSON(t, mux, "/datanode/register", RegisterRequest{Details: &model.DatanodeDetails{}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandler_Heartbeat_UnknownNodeGetsReregister(t *testing.T) {
	mux, _ := newTestMux(t)

	rec := postJSON(t, mux, "/datanode/heartbeat", HeartbeatRequest{
		Details: &model.DatanodeDetails{ID: "dn-ghost"},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HeartbeatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Commands, 1)
	assert.Equal(t, model.CommandReregister, resp.Commands[0].Type)
}

func TestHandler_Heartbeat_RegisteredNodeGetsEmptyCommandList(t *testing.T) {
	mux, _ := newTestMux(t)
	require.Equal(t, http.StatusOK, postJSON(t, mux, "/datanode/register", registerReq("dn-1")).Code)

	rec := postJSON(t, mux, "/datanode/heartbeat", HeartbeatRequest{
		Details: &model.DatanodeDetails{ID: "dn-1", Hostname: "dn-1.example.com"},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HeartbeatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotNil(t, resp.Commands)
	assert.Empty(t, resp.Commands)
}

func TestHandler_ListNodes(t *testing.T) {
	mux, _ := newTestMux(t)
	require.Equal(t, http.StatusOK, postJSON(t, mux, "/datanode/register", registerReq("dn-1")).Code)
	require.Equal(t, http.StatusOK, postJSON(t, mux, "/datanode/register", registerReq("dn-2")).Code)

	req := httptest.NewRequest(http.MethodGet, "/admin/nodes", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var listing []NodeListing
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listing))
	assert.Len(t, listing, 2)
	for _, row := range listing {
		assert.Equal(t, model.HealthHealthy, row.Status.Health)
	}
}

func TestHandler_NodeCount(t *testing.T) {
	mux, _ := newTestMux(t)
	require.Equal(t, http.StatusOK, postJSON(t, mux, "/datanode/register", registerReq("dn-1")).Code)

	req := httptest.NewRequest(http.MethodGet, "/admin/nodes/count", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]int
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp["count"])
}

func TestHandler_RemoveNode(t *testing.T) {
	mux, m := newTestMux(t)
	require.Equal(t, http.StatusOK, postJSON(t, mux, "/datanode/register", registerReq("dn-1")).Code)

	req := httptest.NewRequest(http.MethodDelete, "/admin/nodes/dn-1", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, 0, m.NodeCount())

	// Removing again is a 404
	req = httptest.NewRequest(http.MethodDelete, "/admin/nodes/dn-1", nil)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandler_SetOpState(t *testing.T) {
	mux, m := newTestMux(t)
	require.Equal(t, http.StatusOK, postJSON(t, mux, "/datanode/register", registerReq("dn-1")).Code)

	body, _ := json.Marshal(OpStateRequest{State: model.OpStateDecommissioning})
	req := httptest.NewRequest(http.MethodPut, "/admin/nodes/dn-1/opstate", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	status, err := m.GetNodeStatus("dn-1")
	require.NoError(t, err)
	assert.Equal(t, model.OpStateDecommissioning, status.Operational)
}

func TestHandler_SetOpState_InvalidState(t *testing.T) {
	mux, _ := newTestMux(t)
	require.Equal(t, http.StatusOK, postJSON(t, mux, "/datanode/register", registerReq("dn-1")).Code)

	body, _ := json.Marshal(OpStateRequest{State: "POWERED_OFF"})
	req := httptest.NewRequest(http.MethodPut, "/admin/nodes/dn-1/opstate", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandler_SetOpState_UnknownNode(t *testing.T) {
	mux, _ := newTestMux(t)

	body, _ := json.Marshal(OpStateRequest{State: model.OpStateInService})
	req := httptest.NewRequest(http.MethodPut, "/admin/nodes/dn-ghost/opstate", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// persistRecorder wraps a NodeManager to observe AddNodeToTable calls the
// handler makes for newly registered nodes.
type persistRecorder struct {
	nodemanager.NodeManager
	calls []model.DatanodeID
}

func (p *persistRecorder) AddNodeToTable(_ context.Context, details *model.DatanodeDetails) error {
	p.calls = append(p.calls, details.ID)
	return nil
}

func TestHandler_Register_PersistsNewNodesOnly(t *testing.T) {
	m, err := nodemanager.NewManager(nodemanager.Params{
		Config: nodemanager.Config{
			ClusterID:     "test-cluster",
			StaleInterval: 90 * time.Second,
			DeadInterval:  10 * time.Minute,
		},
	})
	require.NoError(t, err)

	rec := &persistRecorder{NodeManager: m}
	mux := NewHandler(rec, zap.NewNop()).Mux()

	require.Equal(t, http.StatusOK, postJSON(t, mux, "/datanode/register", registerReq("dn-1")).Code)
	require.Equal(t, http.StatusOK, postJSON(t, mux, "/datanode/register", registerReq("dn-1")).Code)

	// Only the first registration persists; the re-registration is handled
	// by the node manager itself.
	assert.Equal(t, []model.DatanodeID{"dn-1"}, rec.calls)
}
