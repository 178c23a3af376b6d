package nodemanager

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/karst-storage/karst/internal/model"
)

// ErrInvalidTopology is returned when a node's declared network location
// conflicts with the existing topology structure
var ErrInvalidTopology = errors.New("invalid network topology")

// Topology is the cluster network-location index. Every node is a leaf at
// its network location; all leaves must sit at the same depth, so rack-aware
// placement can treat location paths uniformly.
type Topology struct {
	mu sync.Mutex

	// depth is the established leaf depth, 0 until the first node is added
	depth int

	// leaves maps node ID to its normalized location path
	leaves map[model.DatanodeID]string

	// occupied counts nodes per location so inner/leaf conflicts and empty
	// locations are tracked as membership changes
	occupied map[string]int
}

// NewTopology creates an empty topology index.
func NewTopology() *Topology {
	return &Topology{
		leaves:   make(map[model.DatanodeID]string),
		occupied: make(map[string]int),
	}
}

func normalizeLocation(loc string) (string, int) {
	trimmed := strings.Trim(loc, "/")
	if trimmed == "" {
		return "/default-rack", 1
	}
	parts := strings.Split(trimmed, "/")
	return "/" + strings.Join(parts, "/"), len(parts)
}

// Add places a node at its declared network location. Re-adding a known node
// moves it. Fails with ErrInvalidTopology when the location depth conflicts
// with the established topology structure.
func (t *Topology) Add(details *model.DatanodeDetails) error {
	loc, depth := normalizeLocation(details.NetworkLocation)

	t.mu.Lock()
	defer t.mu.Unlock()

	prev, known := t.leaves[details.ID]

	// Nodes other than this one pin the structure; a lone node may move.
	others := len(t.leaves)
	if known {
		others--
	}
	if others > 0 && depth != t.depth {
		return fmt.Errorf("%w: location %q has depth %d, topology requires %d",
			ErrInvalidTopology, loc, depth, t.depth)
	}

	if known {
		t.removeLeafLocked(details.ID, prev)
	}
	t.leaves[details.ID] = loc
	t.occupied[loc]++
	t.depth = depth
	return nil
}

// Remove deletes a node from the topology. Unknown nodes are ignored.
func (t *Topology) Remove(id model.DatanodeID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if loc, ok := t.leaves[id]; ok {
		t.removeLeafLocked(id, loc)
	}
	if len(t.leaves) == 0 {
		t.depth = 0
	}
}

// Contains reports whether the node is placed in the topology.
func (t *Topology) Contains(id model.DatanodeID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.leaves[id]
	return ok
}

// Location returns the node's normalized location path, or "".
func (t *Topology) Location(id model.DatanodeID) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.leaves[id]
}

func (t *Topology) removeLeafLocked(id model.DatanodeID, loc string) {
	delete(t.leaves, id)
	if t.occupied[loc] <= 1 {
		delete(t.occupied, loc)
	} else {
		t.occupied[loc]--
	}
}
