package nodemanager

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/karst-storage/karst/internal/eventbus"
	"github.com/karst-storage/karst/internal/model"
	"github.com/karst-storage/karst/internal/registry"
)

const (
	testStaleInterval = 90 * time.Second
	testDeadInterval  = 10 * time.Minute
)

func newTestManager(t *testing.T) (*Manager, *clock.Mock) {
	t.Helper()

	mockClock := clock.NewMock()
	mockClock.Add(time.Hour) // move off the epoch so elapsed math is meaningful

	m, err := NewManager(Params{
		Config: Config{
			ClusterID:     "test-cluster",
			StaleInterval: testStaleInterval,
			DeadInterval:  testDeadInterval,
		},
		Clock:  mockClock,
		Layout: NewLayoutManager(2, 2),
	})
	require.NoError(t, err)
	return m, mockClock
}

func registerNode(t *testing.T, m *Manager, id string) *model.DatanodeDetails {
	t.Helper()

	details := nodeAt(id, "/rack-1")
	resp, err := m.Register(context.Background(), details, nil, nil, nil)
	require.NoError(t, err)
	require.Equal(t, model.RegistrationSuccess, resp.ErrorCode)
	return details
}

func TestNewManager_RejectsBadIntervals(t *testing.T) {
	_, err := NewManager(Params{Config: Config{StaleInterval: 0, DeadInterval: time.Minute}})
	assert.Error(t, err)

	_, err = NewManager(Params{Config: Config{StaleInterval: time.Minute, DeadInterval: time.Minute}})
	assert.Error(t, err)
}

func TestManager_Register_NewNode(t *testing.T) {
	m, mockClock := newTestManager(t)

	details := nodeAt("dn-1", "/rack-1")
	resp, err := m.Register(context.Background(), details, nil, nil, nil)

	require.NoError(t, err)
	assert.Equal(t, model.RegistrationSuccess, resp.ErrorCode)
	assert.Equal(t, model.DatanodeID("dn-1"), resp.NodeID)
	assert.Equal(t, "test-cluster", resp.ClusterID)
	assert.Equal(t, "dn-1.example.com", resp.Hostname)

	status, err := m.GetNodeStatus("dn-1")
	require.NoError(t, err)
	assert.Equal(t, model.OpStateInService, status.Operational)
	assert.Equal(t, model.HealthHealthy, status.Health)

	// Registration counts as a heartbeat
	assert.Equal(t, mockClock.Now().UnixMilli(), m.GetLastHeartbeat("dn-1"))
	assert.Equal(t, 1, m.NodeCount())
}

func TestManager_Register_Idempotent(t *testing.T) {
	m, _ := newTestManager(t)

	registerNode(t, m, "dn-1")
	resp, err := m.Register(context.Background(), nodeAt("dn-1", "/rack-1"), nil, nil, nil)

	require.NoError(t, err)
	assert.Equal(t, model.RegistrationSuccess, resp.ErrorCode)
	assert.Equal(t, 1, m.NodeCount())
}

func TestManager_Register_TopologyRejection(t *testing.T) {
	m, _ := newTestManager(t)
	registerNode(t, m, "dn-1")

	// Depth conflict surfaces as a structured rejection, never an error
	resp, err := m.Register(context.Background(), nodeAt("dn-2", "/dc-1/rack-2"), nil, nil, nil)

	require.NoError(t, err)
	assert.Equal(t, model.RegistrationNodeNotPermitted, resp.ErrorCode)
	assert.Equal(t, model.DatanodeID("dn-2"), resp.NodeID)
	assert.Equal(t, 1, m.NodeCount())
	_, getErr := m.GetNode("dn-2")
	assert.ErrorIs(t, getErr, registry.ErrNodeNotFound)
}

func TestManager_Register_PreservesPersistedOpState(t *testing.T) {
	m, _ := newTestManager(t)

	details := nodeAt("dn-1", "/rack-1")
	details.PersistedOpState = model.OpStateDecommissioning
	details.PersistedOpStateExpiry = 4242

	resp, err := m.Register(context.Background(), details, nil, nil, nil)
	require.NoError(t, err)
	require.Equal(t, model.RegistrationSuccess, resp.ErrorCode)

	status, err := m.GetNodeStatus("dn-1")
	require.NoError(t, err)
	assert.Equal(t, model.OpStateDecommissioning, status.Operational)
	assert.Equal(t, int64(4242), status.OpStateExpiry)
}

func TestManager_ProcessHeartbeat_UnknownNodeGetsReregister(t *testing.T) {
	m, _ := newTestManager(t)

	cmds, err := m.ProcessHeartbeat(context.Background(), nodeAt("dn-ghost", ""), nil)

	require.NoError(t, err)
	require.Len(t, cmds, 1)
	assert.Equal(t, model.CommandReregister, cmds[0].Type)
	assert.Equal(t, 0, m.NodeCount())
}

func TestManager_ProcessHeartbeat_RestoresHealth(t *testing.T) {
	m, mockClock := newTestManager(t)
	details := registerNode(t, m, "dn-1")

	// Silence past the stale threshold
	mockClock.Add(testStaleInterval + time.Second)
	m.CheckNodeHealth()
	status, _ := m.GetNodeStatus("dn-1")
	require.Equal(t, model.HealthStale, status.Health)

	cmds, err := m.ProcessHeartbeat(context.Background(), details, nil)
	require.NoError(t, err)
	assert.Empty(t, cmds)

	status, _ = m.GetNodeStatus("dn-1")
	assert.Equal(t, model.HealthHealthy, status.Health)
	assert.Equal(t, mockClock.Now().UnixMilli(), m.GetLastHeartbeat("dn-1"))
}

func TestManager_CheckNodeHealth_Transitions(t *testing.T) {
	m, mockClock := newTestManager(t)
	registerNode(t, m, "dn-1")

	// Inside the stale window nothing changes
	mockClock.Add(testStaleInterval - time.Second)
	m.CheckNodeHealth()
	status, _ := m.GetNodeStatus("dn-1")
	assert.Equal(t, model.HealthHealthy, status.Health)

	// Past the stale window the node turns stale
	mockClock.Add(2 * time.Second)
	m.CheckNodeHealth()
	status, _ = m.GetNodeStatus("dn-1")
	assert.Equal(t, model.HealthStale, status.Health)

	// Past the dead window the node turns dead
	mockClock.Add(testDeadInterval)
	m.CheckNodeHealth()
	status, _ = m.GetNodeStatus("dn-1")
	assert.Equal(t, model.HealthDead, status.Health)
}

func TestManager_CheckNodeHealth_NeverResurrects(t *testing.T) {
	m, mockClock := newTestManager(t)
	registerNode(t, m, "dn-1")

	mockClock.Add(testDeadInterval + time.Second)
	m.CheckNodeHealth()

	// Repeated sweeps keep the node dead; only a heartbeat revives it
	m.CheckNodeHealth()
	status, _ := m.GetNodeStatus("dn-1")
	assert.Equal(t, model.HealthDead, status.Health)
}

func TestManager_ProcessHeartbeat_AdminIntentSurvivesStaleReport(t *testing.T) {
	m, _ := newTestManager(t)
	details := registerNode(t, m, "dn-1")
	require.NoError(t, m.SetNodeOperationalState("dn-1", model.OpStateDecommissioning, 0))

	// The node has not persisted the transition yet and still reports its
	// old state. The registry's intent must win, and the node receives a
	// state push instead.
	details.PersistedOpState = model.OpStateInService

	cmds, err := m.ProcessHeartbeat(context.Background(), details, nil)
	require.NoError(t, err)

	status, _ := m.GetNodeStatus("dn-1")
	assert.Equal(t, model.OpStateDecommissioning, status.Operational)

	require.Len(t, cmds, 1)
	require.Equal(t, model.CommandSetNodeOperationalState, cmds[0].Type)
	var payload model.SetNodeOperationalStatePayload
	require.NoError(t, json.Unmarshal(cmds[0].Payload, &payload))
	assert.Equal(t, model.OpStateDecommissioning, payload.State)
}

func TestManager_ProcessHeartbeat_PushRepeatsUntilNodeCatchesUp(t *testing.T) {
	m, _ := newTestManager(t)
	details := registerNode(t, m, "dn-1")
	require.NoError(t, m.SetNodeOperationalState("dn-1", model.OpStateInMaintenance, 999))

	details.PersistedOpState = model.OpStateInService
	cmds, err := m.ProcessHeartbeat(context.Background(), details, nil)
	require.NoError(t, err)
	require.Len(t, cmds, 1)

	// Still reporting the old state: the push is queued again
	cmds, err = m.ProcessHeartbeat(context.Background(), details, nil)
	require.NoError(t, err)
	require.Len(t, cmds, 1)
	assert.Equal(t, model.CommandSetNodeOperationalState, cmds[0].Type)

	// The node persisted the transition; no further pushes
	details.PersistedOpState = model.OpStateInMaintenance
	details.PersistedOpStateExpiry = 999
	cmds, err = m.ProcessHeartbeat(context.Background(), details, nil)
	require.NoError(t, err)
	assert.Empty(t, cmds)
}

func TestManager_ProcessHeartbeat_EmptyReportMeansInService(t *testing.T) {
	m, _ := newTestManager(t)
	details := registerNode(t, m, "dn-1")

	// An in-service node reporting the zero value is already aligned
	cmds, err := m.ProcessHeartbeat(context.Background(), details, nil)
	require.NoError(t, err)
	assert.Empty(t, cmds)

	// Once the registry holds a different intent, the zero value counts as
	// an outdated in-service report and triggers a push.
	require.NoError(t, m.SetNodeOperationalState("dn-1", model.OpStateDecommissioned, 0))
	details.PersistedOpState = ""
	cmds, err = m.ProcessHeartbeat(context.Background(), details, nil)
	require.NoError(t, err)
	require.Len(t, cmds, 1)
	assert.Equal(t, model.CommandSetNodeOperationalState, cmds[0].Type)
}

func TestManager_ProcessHeartbeat_QueuesFinalizeWhenLayoutBehind(t *testing.T) {
	m, _ := newTestManager(t)
	details := registerNode(t, m, "dn-1")

	// Control plane is finalized at version 2; the node reports 1
	report := &model.LayoutVersionReport{SoftwareLayoutVersion: 2, MetadataLayoutVersion: 1}
	cmds, err := m.ProcessHeartbeat(context.Background(), details, report)

	require.NoError(t, err)
	require.Len(t, cmds, 1)
	assert.Equal(t, model.CommandFinalizeUpgrade, cmds[0].Type)
}

func TestManager_ProcessHeartbeat_NoFinalizeWhenCurrent(t *testing.T) {
	m, _ := newTestManager(t)
	details := registerNode(t, m, "dn-1")

	report := &model.LayoutVersionReport{SoftwareLayoutVersion: 2, MetadataLayoutVersion: 2}
	cmds, err := m.ProcessHeartbeat(context.Background(), details, report)

	require.NoError(t, err)
	assert.Empty(t, cmds)
}

func TestManager_RemoveNode(t *testing.T) {
	m, _ := newTestManager(t)
	details := registerNode(t, m, "dn-1")
	m.OnCommandEvent(context.Background(), eventbus.CommandForDatanode{
		NodeID:  "dn-1",
		Command: model.NewRefreshVolumeUsageCommand(),
	})
	require.Equal(t, 1, m.QueuedCommandCount("dn-1"))

	require.NoError(t, m.RemoveNode(context.Background(), "dn-1"))

	assert.Equal(t, 0, m.NodeCount())
	assert.Equal(t, 0, m.QueuedCommandCount("dn-1"))

	// A later heartbeat from the removed node demands re-registration
	cmds, err := m.ProcessHeartbeat(context.Background(), details, nil)
	require.NoError(t, err)
	require.Len(t, cmds, 1)
	assert.Equal(t, model.CommandReregister, cmds[0].Type)
}

func TestManager_RemoveNode_Unknown(t *testing.T) {
	m, _ := newTestManager(t)
	err := m.RemoveNode(context.Background(), "dn-missing")
	assert.ErrorIs(t, err, registry.ErrNodeNotFound)
}

func TestManager_SetNodeOperationalState(t *testing.T) {
	m, _ := newTestManager(t)
	registerNode(t, m, "dn-1")

	require.NoError(t, m.SetNodeOperationalState("dn-1", model.OpStateDecommissioned, 0))
	status, _ := m.GetNodeStatus("dn-1")
	assert.Equal(t, model.OpStateDecommissioned, status.Operational)

	assert.ErrorIs(t,
		m.SetNodeOperationalState("dn-missing", model.OpStateInService, 0),
		registry.ErrNodeNotFound)
}

func TestManager_OnCommandEvent_UnknownNodeDropped(t *testing.T) {
	m, _ := newTestManager(t)

	m.OnCommandEvent(context.Background(), eventbus.CommandForDatanode{
		NodeID:  "dn-ghost",
		Command: model.NewFinalizeUpgradeCommand(),
	})
	assert.Equal(t, 0, m.QueuedCommandCount("dn-ghost"))
}

func TestManager_CommandsDeliveredOnHeartbeat(t *testing.T) {
	m, _ := newTestManager(t)
	details := registerNode(t, m, "dn-1")

	m.OnCommandEvent(context.Background(), eventbus.CommandForDatanode{
		NodeID:  "dn-1",
		Command: model.NewSetNodeOperationalStateCommand(model.OpStateDecommissioning, 0),
	})

	cmds, err := m.ProcessHeartbeat(context.Background(), details, nil)
	require.NoError(t, err)
	require.Len(t, cmds, 1)
	assert.Equal(t, model.CommandSetNodeOperationalState, cmds[0].Type)

	// Delivered commands are gone; the next heartbeat is empty
	cmds, err = m.ProcessHeartbeat(context.Background(), details, nil)
	require.NoError(t, err)
	assert.Empty(t, cmds)
}

func TestManager_BroadcastRefreshVolumeUsage_HealthyOnly(t *testing.T) {
	m, mockClock := newTestManager(t)
	registerNode(t, m, "dn-1")
	details2 := registerNode(t, m, "dn-2")

	// dn-1 goes stale, dn-2 stays fresh
	mockClock.Add(testStaleInterval + time.Second)
	_, err := m.ProcessHeartbeat(context.Background(), details2, nil)
	require.NoError(t, err)
	m.CheckNodeHealth()

	m.BroadcastRefreshVolumeUsage()

	assert.Equal(t, 0, m.QueuedCommandCount("dn-1"))
	assert.Equal(t, 1, m.QueuedCommandCount("dn-2"))
}

func TestManager_StartStop(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Start(ctx))
	assert.Error(t, m.Start(ctx)) // double start

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, m.Stop(stopCtx))
	assert.NoError(t, m.Stop(stopCtx)) // idempotent stop
}

func TestLayoutManager_CheckFinalizeNeeded(t *testing.T) {
	layout := NewLayoutManager(3, 3)
	logger := zap.NewNop()
	details := nodeAt("dn-1", "")

	// Node behind a finalized control plane owes a finalize
	assert.True(t, layout.CheckFinalizeNeeded(details,
		&model.LayoutVersionReport{SoftwareLayoutVersion: 3, MetadataLayoutVersion: 2}, logger))

	// Node fully current
	assert.False(t, layout.CheckFinalizeNeeded(details,
		&model.LayoutVersionReport{SoftwareLayoutVersion: 3, MetadataLayoutVersion: 3}, logger))

	// Node ahead of the control plane is logged, never finalized
	assert.False(t, layout.CheckFinalizeNeeded(details,
		&model.LayoutVersionReport{SoftwareLayoutVersion: 4, MetadataLayoutVersion: 3}, logger))

	// Control plane itself not finalized yet
	pending := NewLayoutManager(3, 2)
	assert.False(t, pending.CheckFinalizeNeeded(details,
		&model.LayoutVersionReport{SoftwareLayoutVersion: 2, MetadataLayoutVersion: 2}, logger))
}
