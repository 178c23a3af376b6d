// Package nodemanager implements the membership core: it tracks every
// datanode, derives liveness from heartbeat recency, drives the operational
// state machine, and queues administrative commands for delivery on
// heartbeat responses.
package nodemanager

import (
	"context"

	"github.com/karst-storage/karst/internal/eventbus"
	"github.com/karst-storage/karst/internal/model"
)

// NodeManager is the membership capability consumed by the transport layer
// and specialized by the observer overlay through composition.
type NodeManager interface {
	// ProcessHeartbeat applies a heartbeat and returns the commands to ship
	// back on the response. Timing conditions (staleness, deadness) never
	// surface as errors; an unknown node receives a reregister directive.
	ProcessHeartbeat(ctx context.Context, details *model.DatanodeDetails, layout *model.LayoutVersionReport) ([]model.Command, error)

	// Register validates and applies a node registration. Topology
	// rejections return a response with RegistrationNodeNotPermitted, not
	// an error.
	Register(ctx context.Context, details *model.DatanodeDetails, nodeReport *model.NodeReport, pipelineReport *model.PipelineReport, layout *model.LayoutVersionReport) (*model.RegisteredResponse, error)

	// RemoveNode removes a node from all in-memory indexes. Returns
	// registry.ErrNodeNotFound for unknown nodes.
	RemoveNode(ctx context.Context, id model.DatanodeID) error

	// SetNodeOperationalState transitions a node's administrative intent.
	SetNodeOperationalState(id model.DatanodeID, state model.OperationalState, expiry int64) error

	// GetNode returns the node's details, or registry.ErrNodeNotFound.
	GetNode(id model.DatanodeID) (*model.DatanodeDetails, error)

	// GetNodeStatus returns the node's status, or registry.ErrNodeNotFound.
	GetNodeStatus(id model.DatanodeID) (model.NodeStatus, error)

	// GetAllNodes returns details for every registered node.
	GetAllNodes() []*model.DatanodeDetails

	// GetLastHeartbeat returns the node's last heartbeat in unix millis,
	// 0 when never seen.
	GetLastHeartbeat(id model.DatanodeID) int64

	// NodeCount returns the number of registered nodes.
	NodeCount() int

	// OnCommandEvent queues a command event for its target node.
	OnCommandEvent(ctx context.Context, ev eventbus.CommandForDatanode)

	// BroadcastRefreshVolumeUsage queues a volume-usage refresh for every
	// healthy node.
	BroadcastRefreshVolumeUsage()

	// Start launches the background liveness sweep.
	Start(ctx context.Context) error

	// Stop halts background work, waiting up to the context deadline.
	Stop(ctx context.Context) error
}
