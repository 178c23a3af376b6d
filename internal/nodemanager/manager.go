package nodemanager

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/karst-storage/karst/internal/command"
	"github.com/karst-storage/karst/internal/eventbus"
	"github.com/karst-storage/karst/internal/metrics"
	"github.com/karst-storage/karst/internal/model"
	"github.com/karst-storage/karst/internal/registry"
)

const (
	// healthCheckFrequencyFactor divides the stale interval to determine
	// how often the liveness sweep runs.
	healthCheckFrequencyFactor = 3

	// Bounds keeping the sweep frequency reasonable regardless of config
	minHealthCheckFrequency = 1 * time.Second
	maxHealthCheckFrequency = 30 * time.Second
)

// Config holds the manager's liveness thresholds and identity.
type Config struct {
	ClusterID     string
	StaleInterval time.Duration // HEALTHY -> STALE after this much silence
	DeadInterval  time.Duration // STALE -> DEAD after this much silence
}

// Params holds the dependencies for creating a Manager.
type Params struct {
	Config   Config
	Clock    clock.Clock // optional, defaults to the real clock
	Layout   *LayoutManager
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
	Topology *Topology // optional, defaults to a fresh index
}

// Manager is the primary node manager. Heartbeat processing and registration
// are its only write paths into the registry; the liveness sweep only moves
// health states forward (stale, dead), never back.
type Manager struct {
	cfg      Config
	clock    clock.Clock
	registry *registry.Registry
	commands *command.Queue
	topology *Topology
	layout   *LayoutManager
	metrics  *metrics.Metrics
	logger   *zap.Logger

	checkFrequency time.Duration

	tasks   sync.WaitGroup
	stopCh  chan struct{}
	running bool
	mu      sync.Mutex
}

// NewManager creates a node manager. Call Start to begin the liveness sweep.
func NewManager(params Params) (*Manager, error) {
	if params.Config.StaleInterval <= 0 {
		return nil, errors.New("stale interval must be positive")
	}
	if params.Config.DeadInterval <= params.Config.StaleInterval {
		return nil, errors.New("dead interval must be greater than stale interval")
	}
	if params.Clock == nil {
		params.Clock = clock.New()
	}
	if params.Topology == nil {
		params.Topology = NewTopology()
	}
	if params.Logger == nil {
		params.Logger = zap.NewNop()
	}
	if params.Metrics == nil {
		params.Metrics = metrics.New(prometheus.NewRegistry())
	}

	checkFrequency := params.Config.StaleInterval / healthCheckFrequencyFactor
	if checkFrequency < minHealthCheckFrequency {
		checkFrequency = minHealthCheckFrequency
	} else if checkFrequency > maxHealthCheckFrequency {
		checkFrequency = maxHealthCheckFrequency
	}

	return &Manager{
		cfg:            params.Config,
		clock:          params.Clock,
		registry:       registry.New(),
		commands:       command.NewQueue(),
		topology:       params.Topology,
		layout:         params.Layout,
		metrics:        params.Metrics,
		logger:         params.Logger,
		checkFrequency: checkFrequency,
		stopCh:         make(chan struct{}),
	}, nil
}

// Start launches the background liveness sweep.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return errors.New("node manager already running")
	}
	m.stopCh = make(chan struct{})

	m.tasks.Add(1)
	go func() {
		defer m.tasks.Done()
		m.healthCheckLoop(ctx)
	}()

	m.running = true
	return nil
}

// Stop halts the liveness sweep, waiting for it up to the context deadline.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	close(m.stopCh)
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.tasks.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ProcessHeartbeat applies a heartbeat: the node turns HEALTHY, its
// operational-state bookkeeping is refreshed, pending commands are drained
// into the response. A heartbeat from an unknown node returns a reregister
// directive instead of an error.
func (m *Manager) ProcessHeartbeat(ctx context.Context, details *model.DatanodeDetails, layout *model.LayoutVersionReport) ([]model.Command, error) {
	id := details.ID
	m.registry.Lock(id)
	defer m.registry.Unlock(id)

	if !m.registry.Contains(id) {
		m.logger.Info("Heartbeat from unregistered datanode, requesting reregistration",
			zap.String("node_id", string(id)),
			zap.String("hostname", details.Hostname))
		m.metrics.ReregisterDirectives.Inc()
		return []model.Command{model.NewReregisterCommand()}, nil
	}

	now := m.clock.Now().UnixMilli()
	m.registry.RecordHeartbeat(id, now)
	if err := m.registry.SetHealthState(id, model.HealthHealthy); err != nil {
		return nil, err
	}
	m.reconcileOpState(details)

	if layout != nil && m.layout != nil {
		if m.layout.CheckFinalizeNeeded(details, layout, m.logger) {
			m.enqueueCommand(id, model.NewFinalizeUpgradeCommand())
		}
	}

	m.metrics.HeartbeatsProcessed.Inc()
	return m.commands.Drain(id), nil
}

// reconcileOpState pushes the control plane's operational-state intent back
// to a node whose heartbeat still reports an older persisted state. The
// registry is authoritative here; the report never overwrites it. The push is
// re-queued on every mismatching heartbeat until the node persists the new
// state and its reports catch up.
func (m *Manager) reconcileOpState(details *model.DatanodeDetails) {
	status, err := m.registry.Status(details.ID)
	if err != nil {
		return
	}

	// A node that has never persisted a state reports the zero value,
	// which means in-service with no expiry.
	reported := details.PersistedOpState
	reportedExpiry := details.PersistedOpStateExpiry
	if reported == "" {
		reported = model.OpStateInService
		reportedExpiry = 0
	}

	if status.Operational != reported || status.OpStateExpiry != reportedExpiry {
		m.logger.Debug("Datanode reports outdated operational state, pushing current intent",
			zap.String("node_id", string(details.ID)),
			zap.String("reported", string(reported)),
			zap.String("current", string(status.Operational)))
		m.enqueueCommand(details.ID,
			model.NewSetNodeOperationalStateCommand(status.Operational, status.OpStateExpiry))
	}
}

// Register validates topology placement and creates or refreshes the node's
// record. Topology rejection is converted into a NODE_NOT_PERMITTED
// acknowledgement; callers must check the response's error code.
func (m *Manager) Register(ctx context.Context, details *model.DatanodeDetails, nodeReport *model.NodeReport, pipelineReport *model.PipelineReport, layout *model.LayoutVersionReport) (*model.RegisteredResponse, error) {
	id := details.ID
	m.registry.Lock(id)
	defer m.registry.Unlock(id)

	if err := m.topology.Add(details); err != nil {
		m.logger.Error("Datanode registration rejected by topology",
			zap.String("node_id", string(id)),
			zap.String("hostname", details.Hostname),
			zap.String("network_location", details.NetworkLocation),
			zap.Error(err))
		m.metrics.RegistrationsTotal.WithLabelValues("node_not_permitted").Inc()
		return &model.RegisteredResponse{
			ErrorCode: model.RegistrationNodeNotPermitted,
			NodeID:    id,
			ClusterID: m.cfg.ClusterID,
		}, nil
	}

	status := model.NodeStatus{
		Operational:   model.OpStateInService,
		Health:        model.HealthHealthy,
		OpStateExpiry: 0,
	}
	if details.PersistedOpState != "" {
		status.Operational = details.PersistedOpState
		status.OpStateExpiry = details.PersistedOpStateExpiry
	}

	rereg := m.registry.Contains(id)
	m.registry.Upsert(details, status)
	m.registry.RecordHeartbeat(id, m.clock.Now().UnixMilli())

	if rereg {
		m.logger.Info("Datanode re-registered",
			zap.String("node_id", string(id)),
			zap.String("hostname", details.Hostname))
	} else {
		m.logger.Info("Datanode registered",
			zap.String("node_id", string(id)),
			zap.String("hostname", details.Hostname),
			zap.String("network_location", m.topology.Location(id)))
	}
	m.metrics.RegistrationsTotal.WithLabelValues("success").Inc()

	return &model.RegisteredResponse{
		ErrorCode: model.RegistrationSuccess,
		NodeID:    id,
		ClusterID: m.cfg.ClusterID,
		Hostname:  details.Hostname,
		IPAddress: details.IPAddress,
	}, nil
}

// RemoveNode removes the node from the registry, topology and command queue.
// The stripe lock makes removal atomic with respect to an in-flight
// heartbeat for the same node.
func (m *Manager) RemoveNode(ctx context.Context, id model.DatanodeID) error {
	m.registry.Lock(id)
	defer m.registry.Unlock(id)

	if err := m.registry.Remove(id); err != nil {
		return err
	}
	m.topology.Remove(id)
	m.commands.Remove(id)
	m.metrics.NodesRemoved.Inc()

	m.logger.Info("Removed datanode from membership", zap.String("node_id", string(id)))
	return nil
}

// SetNodeOperationalState transitions a node's administrative intent.
func (m *Manager) SetNodeOperationalState(id model.DatanodeID, state model.OperationalState, expiry int64) error {
	if err := m.registry.SetOperationalState(id, state, expiry); err != nil {
		return err
	}
	m.logger.Info("Set datanode operational state",
		zap.String("node_id", string(id)),
		zap.String("state", string(state)),
		zap.Int64("expiry", expiry))
	return nil
}

// GetNode returns the node's details.
func (m *Manager) GetNode(id model.DatanodeID) (*model.DatanodeDetails, error) {
	return m.registry.Get(id)
}

// GetNodeStatus returns the node's status.
func (m *Manager) GetNodeStatus(id model.DatanodeID) (model.NodeStatus, error) {
	return m.registry.Status(id)
}

// GetAllNodes returns details for every registered node.
func (m *Manager) GetAllNodes() []*model.DatanodeDetails {
	return m.registry.List()
}

// ListNodes returns every node with its status, for diagnostic surfaces.
func (m *Manager) ListNodes() map[model.DatanodeID]registry.NodeInfo {
	return m.registry.ListWithStatus()
}

// GetLastHeartbeat returns the node's last heartbeat in unix millis.
func (m *Manager) GetLastHeartbeat(id model.DatanodeID) int64 {
	return m.registry.LastHeartbeat(id)
}

// NodeCount returns the number of registered nodes.
func (m *Manager) NodeCount() int {
	return m.registry.Count()
}

// OnCommandEvent queues the command for its target node. Events for unknown
// nodes are dropped with a warning; the queue must not accumulate entries no
// heartbeat will ever drain.
func (m *Manager) OnCommandEvent(ctx context.Context, ev eventbus.CommandForDatanode) {
	if !m.registry.Contains(ev.NodeID) {
		m.logger.Warn("Dropping command for unknown datanode",
			zap.String("node_id", string(ev.NodeID)),
			zap.String("command", string(ev.Command.Type)))
		return
	}
	m.enqueueCommand(ev.NodeID, ev.Command)
}

func (m *Manager) enqueueCommand(id model.DatanodeID, cmd model.Command) {
	m.commands.Enqueue(id, cmd)
	m.metrics.CommandsQueued.WithLabelValues(string(cmd.Type)).Inc()
}

// QueuedCommandCount returns the number of commands pending for a node.
func (m *Manager) QueuedCommandCount(id model.DatanodeID) int {
	return m.commands.Len(id)
}

// DropQueuedCommands discards all pending commands for a node. Used by the
// observer overlay when a reregistration cycle invalidates them.
func (m *Manager) DropQueuedCommands(id model.DatanodeID) {
	m.commands.Remove(id)
}

// BroadcastRefreshVolumeUsage queues a volume-usage refresh for every
// healthy node. The observer overrides this with a no-op.
func (m *Manager) BroadcastRefreshVolumeUsage() {
	for id, info := range m.registry.ListWithStatus() {
		if info.Status.Health == model.HealthHealthy {
			m.enqueueCommand(id, model.NewRefreshVolumeUsageCommand())
		}
	}
}

// healthCheckLoop periodically sweeps heartbeat recency into health states.
func (m *Manager) healthCheckLoop(ctx context.Context) {
	ticker := m.clock.Ticker(m.checkFrequency)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.CheckNodeHealth()
		}
	}
}

// CheckNodeHealth classifies every node from elapsed time since its last
// heartbeat: past StaleInterval it turns STALE, past DeadInterval it turns
// DEAD. Fresh heartbeats reset nodes to HEALTHY on the heartbeat path, never
// here.
func (m *Manager) CheckNodeHealth() {
	now := m.clock.Now().UnixMilli()
	healthCounts := make(map[model.HealthState]int)
	opCounts := make(map[model.OperationalState]int)

	for id, info := range m.registry.ListWithStatus() {
		elapsed := time.Duration(now-info.LastHeartbeat) * time.Millisecond

		target := info.Status.Health
		switch {
		case elapsed >= m.cfg.DeadInterval:
			target = model.HealthDead
		case elapsed >= m.cfg.StaleInterval:
			target = model.HealthStale
		}

		if target != info.Status.Health {
			if err := m.registry.SetHealthState(id, target); err == nil {
				m.logger.Info("Datanode health state changed",
					zap.String("node_id", string(id)),
					zap.String("hostname", info.Details.Hostname),
					zap.String("from", string(info.Status.Health)),
					zap.String("to", string(target)),
					zap.Duration("silence", elapsed))
			}
		}
		healthCounts[target]++
		opCounts[info.Status.Operational]++
	}

	for _, state := range []model.HealthState{model.HealthHealthy, model.HealthStale, model.HealthDead} {
		m.metrics.NodesByHealth.WithLabelValues(string(state)).Set(float64(healthCounts[state]))
	}
	for _, state := range []model.OperationalState{
		model.OpStateInService, model.OpStateDecommissioning, model.OpStateDecommissioned,
		model.OpStateEnteringMaintenance, model.OpStateInMaintenance,
	} {
		m.metrics.NodesByOpState.WithLabelValues(string(state)).Set(float64(opCounts[state]))
	}
}

// compile-time check that Manager implements the NodeManager interface
var _ NodeManager = &Manager{}
