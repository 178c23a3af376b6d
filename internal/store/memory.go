package store

import (
	"context"
	"sort"
	"sync"

	"github.com/karst-storage/karst/internal/model"
)

// MemoryNodeTable is an in-memory NodeTable used by tests and by observer
// snapshot-restore flows before a durable store is attached. Iterators scan
// a point-in-time snapshot ordered by node ID.
type MemoryNodeTable struct {
	mu    sync.RWMutex
	nodes map[model.DatanodeID]*model.DatanodeDetails
}

// NewMemoryNodeTable creates an empty in-memory node table.
func NewMemoryNodeTable() *MemoryNodeTable {
	return &MemoryNodeTable{nodes: make(map[model.DatanodeID]*model.DatanodeDetails)}
}

// Get retrieves the details for a node, or ErrNotFound.
func (s *MemoryNodeTable) Get(_ context.Context, id model.DatanodeID) (*model.DatanodeDetails, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	details, ok := s.nodes[id]
	if !ok {
		return nil, ErrNotFound
	}
	return details.Copy(), nil
}

// Put inserts or replaces the details for a node.
func (s *MemoryNodeTable) Put(_ context.Context, details *model.DatanodeDetails) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nodes[details.ID] = details.Copy()
	return nil
}

// Delete removes the details for a node.
func (s *MemoryNodeTable) Delete(_ context.Context, id model.DatanodeID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.nodes, id)
	return nil
}

// Iterator opens an ordered scan over a snapshot of the table.
func (s *MemoryNodeTable) Iterator(_ context.Context) (NodeIterator, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshot := make([]*model.DatanodeDetails, 0, len(s.nodes))
	for _, details := range s.nodes {
		snapshot = append(snapshot, details.Copy())
	}
	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].ID < snapshot[j].ID })

	return &memNodeIterator{snapshot: snapshot, pos: -1}, nil
}

// Count returns the number of stored nodes.
func (s *MemoryNodeTable) Count(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.nodes)), nil
}

// Ping always succeeds for the in-memory table.
func (s *MemoryNodeTable) Ping(_ context.Context) error { return nil }

// Close is a no-op for the in-memory table.
func (s *MemoryNodeTable) Close() {}

type memNodeIterator struct {
	snapshot []*model.DatanodeDetails
	pos      int
}

func (it *memNodeIterator) Next() bool {
	if it.pos+1 >= len(it.snapshot) {
		return false
	}
	it.pos++
	return true
}

func (it *memNodeIterator) Value() (*model.DatanodeDetails, error) {
	return it.snapshot[it.pos], nil
}

func (it *memNodeIterator) Err() error { return nil }

func (it *memNodeIterator) Close() error {
	it.snapshot = nil
	return nil
}
