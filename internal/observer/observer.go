// Package observer implements the passive read-replica deployment of the
// membership core. It wraps a primary node manager, restricts which commands
// may reach datanodes, keeps its own coarser heartbeat-recency bookkeeping,
// and mirrors membership into a durable node table it reconciles from at
// startup.
package observer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/karst-storage/karst/internal/cluster"
	"github.com/karst-storage/karst/internal/eventbus"
	"github.com/karst-storage/karst/internal/metrics"
	"github.com/karst-storage/karst/internal/model"
	"github.com/karst-storage/karst/internal/nodemanager"
	"github.com/karst-storage/karst/internal/registry"
	"github.com/karst-storage/karst/internal/store"
)

// allowedCommands is the fixed set of command kinds an observer may forward
// to datanodes. Everything else is dropped: an observer is not authoritative
// for scheduling, so the only thing it may ever ask of a node is to register
// with it.
var allowedCommands = map[model.CommandType]struct{}{
	model.CommandReregister: {},
}

// commandDropper is the optional capability the observer uses to clear a
// node's queue when PreserveCommandsOnReregister is disabled.
type commandDropper interface {
	DropQueuedCommands(id model.DatanodeID)
}

// Config holds the observer's timing and command-retention policy.
type Config struct {
	// HeartbeatInterval is the cadence datanodes report at in observer
	// deployments.
	HeartbeatInterval time.Duration

	// StaleMultiplier scales HeartbeatInterval into the outdated threshold
	// that triggers a reregistration demand.
	StaleMultiplier int

	// PreserveCommandsOnReregister keeps queued commands across a
	// reregistration cycle; when false they are discarded with it.
	PreserveCommandsOnReregister bool
}

// Params holds the dependencies for creating an Observer.
type Params struct {
	Config     Config
	Inner      nodemanager.NodeManager
	NodeTable  store.NodeTable
	ClusterCtx *cluster.Context
	Layout     *nodemanager.LayoutManager
	Clock      clock.Clock // optional, defaults to the real clock
	Metrics    *metrics.Metrics
	Logger     *zap.Logger
}

// Observer wraps a primary node manager with observer semantics. It never
// mutates the inner manager's state machine; it only filters what goes in
// (command events) and out (heartbeat responses), and adds persistence.
type Observer struct {
	cfg   Config
	inner nodemanager.NodeManager

	mu    sync.RWMutex // guards table swaps during reinitialize
	table store.NodeTable

	clusterCtx *cluster.Context
	layout     *nodemanager.LayoutManager
	known      *registry.KnownNodes
	clock      clock.Clock
	metrics    *metrics.Metrics
	logger     *zap.Logger

	outdatedAfter time.Duration

	hbMu       sync.Mutex
	heartbeats map[model.DatanodeID]int64
}

// New creates an observer overlay over the given node manager.
func New(params Params) (*Observer, error) {
	if params.Inner == nil {
		return nil, errors.New("inner node manager is required")
	}
	if params.NodeTable == nil {
		return nil, errors.New("node table is required")
	}
	if params.Layout == nil {
		return nil, errors.New("layout manager is required")
	}
	if params.Config.HeartbeatInterval <= 0 {
		return nil, errors.New("heartbeat interval must be positive")
	}
	if params.Config.StaleMultiplier <= 0 {
		return nil, errors.New("stale multiplier must be positive")
	}
	if params.Clock == nil {
		params.Clock = clock.New()
	}
	if params.Logger == nil {
		params.Logger = zap.NewNop()
	}
	if params.Metrics == nil {
		params.Metrics = metrics.New(prometheus.NewRegistry())
	}

	return &Observer{
		cfg:           params.Config,
		inner:         params.Inner,
		table:         params.NodeTable,
		clusterCtx:    params.ClusterCtx,
		layout:        params.Layout,
		known:         registry.NewKnownNodes(),
		clock:         params.Clock,
		metrics:       params.Metrics,
		logger:        params.Logger,
		outdatedAfter: time.Duration(params.Config.StaleMultiplier) * params.Config.HeartbeatInterval,
		heartbeats:    make(map[model.DatanodeID]int64),
	}, nil
}

func (o *Observer) nodeTable() store.NodeTable {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.table
}

// GetLastHeartbeat returns the observer's own record of the node's last
// heartbeat in unix millis, 0 when never seen. This bookkeeping is
// independent of the inner manager so the observer can apply its coarser
// threshold without touching shared state.
func (o *Observer) GetLastHeartbeat(id model.DatanodeID) int64 {
	o.hbMu.Lock()
	defer o.hbMu.Unlock()
	return o.heartbeats[id]
}

func (o *Observer) recordHeartbeat(id model.DatanodeID, millis int64) {
	o.hbMu.Lock()
	defer o.hbMu.Unlock()
	o.heartbeats[id] = millis
}

func (o *Observer) forgetHeartbeat(id model.DatanodeID) {
	o.hbMu.Lock()
	defer o.hbMu.Unlock()
	delete(o.heartbeats, id)
}

// ProcessHeartbeat applies the observer heartbeat algorithm: when the node
// has been silent past the outdated threshold it receives only a reregister
// directive, since its identity and state may no longer be reliable.
// Otherwise the heartbeat is delegated and the response filtered to the
// allowed command set. The heartbeat time is recorded on both paths so the
// next heartbeat does not immediately repeat the directive.
func (o *Observer) ProcessHeartbeat(ctx context.Context, details *model.DatanodeDetails, layout *model.LayoutVersionReport) ([]model.Command, error) {
	id := details.ID
	now := o.clock.Now().UnixMilli()
	elapsed := time.Duration(now-o.GetLastHeartbeat(id)) * time.Millisecond

	if elapsed >= o.outdatedAfter {
		o.recordHeartbeat(id, now)
		o.logger.Info("Requesting datanode reregistration after outdated heartbeat",
			zap.String("node_id", string(id)),
			zap.String("hostname", details.Hostname),
			zap.Duration("silence", elapsed))
		if o.metrics != nil {
			o.metrics.ReregisterDirectives.Inc()
		}
		if !o.cfg.PreserveCommandsOnReregister {
			if dropper, ok := o.inner.(commandDropper); ok {
				dropper.DropQueuedCommands(id)
			}
		}
		return []model.Command{model.NewReregisterCommand()}, nil
	}

	o.recordHeartbeat(id, now)

	// The heartbeat carries the operational state the primary control plane
	// last persisted; the observer's view follows it. Unknown nodes fall
	// through to the inner manager's reregister path.
	if details.PersistedOpState != "" {
		err := o.UpdateNodeOperationalStateFromPrimary(id,
			details.PersistedOpState, details.PersistedOpStateExpiry)
		if err != nil && !errors.Is(err, registry.ErrNodeNotFound) {
			return nil, err
		}
	}

	cmds, err := o.inner.ProcessHeartbeat(ctx, details, layout)
	if err != nil {
		return nil, err
	}
	return o.filterAllowed(cmds), nil
}

// filterAllowed drops every command outside the allow-list, preserving
// order. Filtering never errors.
func (o *Observer) filterAllowed(cmds []model.Command) []model.Command {
	filtered := cmds[:0]
	for _, cmd := range cmds {
		if _, ok := allowedCommands[cmd.Type]; ok {
			filtered = append(filtered, cmd)
			continue
		}
		if o.metrics != nil {
			o.metrics.CommandsDropped.WithLabelValues(string(cmd.Type)).Inc()
		}
	}
	return filtered
}

// Register records the node's descriptive attributes, persists known nodes
// best-effort, delegates to the primary registration algorithm, and reports
// the topology outcome to the cluster context.
func (o *Observer) Register(ctx context.Context, details *model.DatanodeDetails, nodeReport *model.NodeReport, pipelineReport *model.PipelineReport, layout *model.LayoutVersionReport) (*model.RegisteredResponse, error) {
	o.known.Put(details)

	if _, err := o.inner.GetNode(details.ID); err == nil {
		// Re-registration: refresh the persisted record. Persistence
		// failure never aborts registration; durability catches up on the
		// next successful write or restart reload.
		if err := o.nodeTable().Put(ctx, details); err != nil {
			o.logger.Error("Failed to update node table",
				zap.String("node_id", string(details.ID)),
				zap.Error(err))
		} else {
			o.logger.Info("Updated node table",
				zap.String("node_id", string(details.ID)),
				zap.String("hostname", details.Hostname))
		}
	}

	resp, err := o.inner.Register(ctx, details, nodeReport, pipelineReport, layout)
	if err != nil {
		return nil, err
	}

	if o.clusterCtx != nil {
		switch resp.ErrorCode {
		case model.RegistrationSuccess:
			o.clusterCtx.UpdateHealthStatus(true)
			o.clusterCtx.RemoveError(cluster.ErrInvalidNetworkTopology)
		case model.RegistrationNodeNotPermitted:
			o.clusterCtx.UpdateHealthStatus(false)
			o.clusterCtx.AddError(cluster.ErrInvalidNetworkTopology)
			resp.ClusterID = o.clusterCtx.ClusterID()
		}
	}
	return resp, nil
}

// AddNodeToTable persists a newly registered node. Must be called after a
// successful Register for a node not previously known.
func (o *Observer) AddNodeToTable(ctx context.Context, details *model.DatanodeDetails) error {
	if err := o.nodeTable().Put(ctx, details); err != nil {
		return fmt.Errorf("failed to add node %s to node table: %w", details.ID, err)
	}
	o.logger.Info("Added new node to node table", zap.String("node_id", string(details.ID)))
	return nil
}

// RemoveNode removes the node from the inner manager and then from the node
// table. A persistence failure propagates: an un-persisted removal would
// resurrect the node after a restart. In-memory observer bookkeeping is only
// cleaned once both steps succeed.
func (o *Observer) RemoveNode(ctx context.Context, id model.DatanodeID) error {
	if err := o.inner.RemoveNode(ctx, id); err != nil {
		return err
	}
	if err := o.nodeTable().Delete(ctx, id); err != nil {
		o.logger.Error("Node deletion failed in node table",
			zap.String("node_id", string(id)),
			zap.Error(err))
		return err
	}

	o.forgetHeartbeat(id)
	o.known.Remove(id)
	o.logger.Info("Removed node from node table and in-memory state",
		zap.String("node_id", string(id)))
	return nil
}

// LoadExistingNodes replays the persisted node table through registration.
// A reloaded node's true layout is unknown until its next live heartbeat,
// so its report is pinned to the control plane's maximum version. Read
// failures are logged and skipped; partial success is acceptable, and nodes
// loaded before a failure stay registered.
func (o *Observer) LoadExistingNodes(ctx context.Context) error {
	iter, err := o.nodeTable().Iterator(ctx)
	if err != nil {
		o.logger.Error("Failed to open node table iterator", zap.Error(err))
		return err
	}
	defer iter.Close()

	pinned := o.layout.MaxLayoutVersion()
	count := 0
	for iter.Next() {
		details, err := iter.Value()
		if err != nil {
			o.logger.Error("Skipping undecodable persisted node", zap.Error(err))
			continue
		}
		report := &model.LayoutVersionReport{
			SoftwareLayoutVersion: pinned,
			MetadataLayoutVersion: pinned,
		}
		if _, err := o.Register(ctx, details, nil, nil, report); err != nil {
			o.logger.Error("Failed to register persisted node",
				zap.String("node_id", string(details.ID)),
				zap.Error(err))
			continue
		}
		count++
	}
	if err := iter.Err(); err != nil {
		o.logger.Error("Node table iteration failed", zap.Error(err))
		return err
	}

	o.logger.Info("Loaded nodes from node table", zap.Int("count", count))
	return nil
}

// Reinitialize swaps the node table reference and re-runs startup
// reconciliation. Used when the backing store is replaced externally, such
// as after a snapshot restore.
func (o *Observer) Reinitialize(ctx context.Context, table store.NodeTable) error {
	o.mu.Lock()
	o.table = table
	o.mu.Unlock()
	return o.LoadExistingNodes(ctx)
}

// OnCommandEvent forwards allowed command events to the inner manager and
// drops everything else. Dropping is silent to the publisher: no error, a
// debug trace only.
func (o *Observer) OnCommandEvent(ctx context.Context, ev eventbus.CommandForDatanode) {
	if _, ok := allowedCommands[ev.Command.Type]; !ok {
		o.logger.Debug("Ignoring unsupported command for datanode",
			zap.String("command", string(ev.Command.Type)),
			zap.String("node_id", string(ev.NodeID)))
		if o.metrics != nil {
			o.metrics.CommandsDropped.WithLabelValues(string(ev.Command.Type)).Inc()
		}
		return
	}
	o.inner.OnCommandEvent(ctx, ev)
}

// BroadcastRefreshVolumeUsage is a no-op: an observer is not authoritative
// for scheduling and must never issue broadcast commands.
func (o *Observer) BroadcastRefreshVolumeUsage() {}

// UpdateNodeOperationalStateFromPrimary aligns the observer's view of a
// node's operational state with the primary control plane's. The observer
// always follows the primary, never the reverse.
func (o *Observer) UpdateNodeOperationalStateFromPrimary(id model.DatanodeID, state model.OperationalState, expiry int64) error {
	status, err := o.inner.GetNodeStatus(id)
	if err != nil {
		return err
	}
	if status.Operational == state && status.OpStateExpiry == expiry {
		return nil
	}

	o.logger.Info("Updating node operational state from primary",
		zap.String("node_id", string(id)),
		zap.String("primary", string(state)),
		zap.String("observer", string(status.Operational)))
	return o.inner.SetNodeOperationalState(id, state, expiry)
}

// NodeTableCount iterates the persisted node table and returns the row
// count. Diagnostic; the iterator is released on every path.
func (o *Observer) NodeTableCount(ctx context.Context) (int64, error) {
	iter, err := o.nodeTable().Iterator(ctx)
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	var count int64
	for iter.Next() {
		count++
	}
	if err := iter.Err(); err != nil {
		return 0, err
	}
	return count, nil
}

// GetHostname returns the node's hostname from the side index, "" if unknown.
func (o *Observer) GetHostname(id model.DatanodeID) string { return o.known.GetHostname(id) }

// GetVersion returns the node's version from the side index, "" if unknown.
func (o *Observer) GetVersion(id model.DatanodeID) string { return o.known.GetVersion(id) }

// GetSetupTime returns the node's setup time from the side index, 0 if unknown.
func (o *Observer) GetSetupTime(id model.DatanodeID) int64 { return o.known.GetSetupTime(id) }

// GetRevision returns the node's revision from the side index, "" if unknown.
func (o *Observer) GetRevision(id model.DatanodeID) string { return o.known.GetRevision(id) }

// ClusterContext returns the cluster context the observer reports into.
func (o *Observer) ClusterContext() *cluster.Context { return o.clusterCtx }

// SetNodeOperationalState delegates to the inner manager.
func (o *Observer) SetNodeOperationalState(id model.DatanodeID, state model.OperationalState, expiry int64) error {
	return o.inner.SetNodeOperationalState(id, state, expiry)
}

// GetNode delegates to the inner manager.
func (o *Observer) GetNode(id model.DatanodeID) (*model.DatanodeDetails, error) {
	return o.inner.GetNode(id)
}

// GetNodeStatus delegates to the inner manager.
func (o *Observer) GetNodeStatus(id model.DatanodeID) (model.NodeStatus, error) {
	return o.inner.GetNodeStatus(id)
}

// GetAllNodes delegates to the inner manager.
func (o *Observer) GetAllNodes() []*model.DatanodeDetails {
	return o.inner.GetAllNodes()
}

// NodeCount delegates to the inner manager.
func (o *Observer) NodeCount() int { return o.inner.NodeCount() }

// Start delegates to the inner manager.
func (o *Observer) Start(ctx context.Context) error { return o.inner.Start(ctx) }

// Stop delegates to the inner manager.
func (o *Observer) Stop(ctx context.Context) error { return o.inner.Stop(ctx) }

// compile-time check that Observer implements the NodeManager interface
var _ nodemanager.NodeManager = &Observer{}
