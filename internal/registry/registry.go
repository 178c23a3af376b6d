// Package registry owns the authoritative in-memory view of cluster
// membership: one record per datanode, guarded so updates to the same node
// serialize while updates to different nodes proceed independently.
package registry

import (
	"errors"
	"hash/fnv"
	"sync"

	"github.com/karst-storage/karst/internal/model"
)

// ErrNodeNotFound is returned when an operation references an unknown node ID
var ErrNodeNotFound = errors.New("node not found")

// lockStripes is the number of per-node mutex stripes. Plenty for the node
// counts a single control plane tracks; contention only occurs on hash
// collisions between hot nodes.
const lockStripes = 64

type trackedNode struct {
	details       *model.DatanodeDetails
	status        model.NodeStatus
	lastHeartbeat int64 // unix millis, 0 when never seen
}

// Registry is the in-memory datanode registry. The structural map is guarded
// by an RWMutex; multi-step operations on one node (heartbeat apply,
// registration, removal) additionally serialize through a stripe lock on the
// node ID so a removal can never interleave with an in-flight heartbeat for
// the same node.
type Registry struct {
	mu    sync.RWMutex
	nodes map[model.DatanodeID]*trackedNode

	stripes [lockStripes]sync.Mutex
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{nodes: make(map[model.DatanodeID]*trackedNode)}
}

func stripeFor(id model.DatanodeID) int {
	h := fnv.New32a()
	h.Write([]byte(id))
	return int(h.Sum32() % lockStripes)
}

// Lock acquires the stripe lock for a node ID. Callers composing multi-step
// operations for one node take this first; operations on other nodes are
// unaffected.
func (r *Registry) Lock(id model.DatanodeID) { r.stripes[stripeFor(id)].Lock() }

// Unlock releases the stripe lock for a node ID.
func (r *Registry) Unlock(id model.DatanodeID) { r.stripes[stripeFor(id)].Unlock() }

// Upsert inserts or replaces the record for a node. Last write wins; callers
// serialize intent through Lock when ordering matters.
func (r *Registry) Upsert(details *model.DatanodeDetails, status model.NodeStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.nodes[details.ID]; ok {
		existing.details = details.Copy()
		existing.status = status
		return
	}
	r.nodes[details.ID] = &trackedNode{details: details.Copy(), status: status}
}

// Get returns a copy of the node's details, or ErrNodeNotFound.
func (r *Registry) Get(id model.DatanodeID) (*model.DatanodeDetails, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	node, ok := r.nodes[id]
	if !ok {
		return nil, ErrNodeNotFound
	}
	return node.details.Copy(), nil
}

// Contains reports whether the node is registered.
func (r *Registry) Contains(id model.DatanodeID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.nodes[id]
	return ok
}

// Status returns the node's status, or ErrNodeNotFound.
func (r *Registry) Status(id model.DatanodeID) (model.NodeStatus, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	node, ok := r.nodes[id]
	if !ok {
		return model.NodeStatus{}, ErrNodeNotFound
	}
	return node.status, nil
}

// Remove deletes the node from the registry, or returns ErrNodeNotFound.
func (r *Registry) Remove(id model.DatanodeID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.nodes[id]; !ok {
		return ErrNodeNotFound
	}
	delete(r.nodes, id)
	return nil
}

// SetOperationalState updates the authoritative status and keeps the cached
// copy on the node's details in step, so readers through either view never
// observe one ahead of the other.
func (r *Registry) SetOperationalState(id model.DatanodeID, state model.OperationalState, expiry int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[id]
	if !ok {
		return ErrNodeNotFound
	}
	node.status.Operational = state
	node.status.OpStateExpiry = expiry
	node.details.PersistedOpState = state
	node.details.PersistedOpStateExpiry = expiry
	return nil
}

// SetHealthState updates the node's derived liveness classification.
func (r *Registry) SetHealthState(id model.DatanodeID, health model.HealthState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[id]
	if !ok {
		return ErrNodeNotFound
	}
	node.status.Health = health
	return nil
}

// RecordHeartbeat stores the heartbeat time for a node. Unknown nodes are
// ignored; the heartbeat path treats them as needing re-registration.
func (r *Registry) RecordHeartbeat(id model.DatanodeID, millis int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if node, ok := r.nodes[id]; ok {
		node.lastHeartbeat = millis
	}
}

// LastHeartbeat returns the node's last heartbeat time in unix millis, or 0
// when the node is unknown or has never heartbeated.
func (r *Registry) LastHeartbeat(id model.DatanodeID) int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if node, ok := r.nodes[id]; ok {
		return node.lastHeartbeat
	}
	return 0
}

// List returns copies of all registered node details.
func (r *Registry) List() []*model.DatanodeDetails {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*model.DatanodeDetails, 0, len(r.nodes))
	for _, node := range r.nodes {
		out = append(out, node.details.Copy())
	}
	return out
}

// ListWithStatus returns copies of all node details with their status.
func (r *Registry) ListWithStatus() map[model.DatanodeID]NodeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[model.DatanodeID]NodeInfo, len(r.nodes))
	for id, node := range r.nodes {
		out[id] = NodeInfo{
			Details:       node.details.Copy(),
			Status:        node.status,
			LastHeartbeat: node.lastHeartbeat,
		}
	}
	return out
}

// Count returns the number of registered nodes.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

// NodeInfo bundles a node's details with its status for listings.
type NodeInfo struct {
	Details       *model.DatanodeDetails `json:"details"`
	Status        model.NodeStatus       `json:"status"`
	LastHeartbeat int64                  `json:"last_heartbeat"`
}
