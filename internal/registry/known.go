package registry

import (
	"sync"

	"github.com/karst-storage/karst/internal/model"
)

// emptyDetails is returned for lookups of unknown nodes so descriptive
// accessors never fail.
var emptyDetails = model.DatanodeDetails{}

// KnownNodes is the read-mostly side index of descriptive node attributes
// (hostname, version string, setup time, revision). It exists independently
// of the registry so attribute lookups never walk persisted state, and keeps
// its own lock because its write rate (registrations) is far below the
// registry's (heartbeats).
type KnownNodes struct {
	mu    sync.RWMutex
	nodes map[model.DatanodeID]*model.DatanodeDetails
}

// NewKnownNodes creates an empty side index.
func NewKnownNodes() *KnownNodes {
	return &KnownNodes{nodes: make(map[model.DatanodeID]*model.DatanodeDetails)}
}

// Put records or refreshes a node's descriptive attributes.
func (k *KnownNodes) Put(details *model.DatanodeDetails) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.nodes[details.ID] = details.Copy()
}

// Remove drops a node from the index.
func (k *KnownNodes) Remove(id model.DatanodeID) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.nodes, id)
}

func (k *KnownNodes) get(id model.DatanodeID) *model.DatanodeDetails {
	k.mu.RLock()
	defer k.mu.RUnlock()

	if details, ok := k.nodes[id]; ok {
		return details
	}
	return &emptyDetails
}

// GetHostname returns the node's hostname, or "" when unknown.
func (k *KnownNodes) GetHostname(id model.DatanodeID) string { return k.get(id).Hostname }

// GetVersion returns the node's version string, or "" when unknown.
func (k *KnownNodes) GetVersion(id model.DatanodeID) string { return k.get(id).Version }

// GetSetupTime returns the node's setup time, or 0 when unknown.
func (k *KnownNodes) GetSetupTime(id model.DatanodeID) int64 { return k.get(id).SetupTime }

// GetRevision returns the node's build revision, or "" when unknown.
func (k *KnownNodes) GetRevision(id model.DatanodeID) string { return k.get(id).Revision }
