package store

import (
	"context"
	"errors"

	"github.com/karst-storage/karst/internal/model"
)

// ErrNotFound is returned when a node is not present in the table
var ErrNotFound = errors.New("not found")

// NodeTable is the durable membership table. It is the source of truth only
// across a process restart; in-flight state lives in the registry. The
// heartbeat hot path never touches it.
type NodeTable interface {
	// Get returns the persisted details for a node, or ErrNotFound.
	Get(ctx context.Context, id model.DatanodeID) (*model.DatanodeDetails, error)

	// Put inserts or replaces the persisted details for a node.
	Put(ctx context.Context, details *model.DatanodeDetails) error

	// Delete removes the persisted details for a node. Deleting an absent
	// node is not an error; removal durability only requires the row gone.
	Delete(ctx context.Context, id model.DatanodeID) error

	// Iterator opens a forward-only scan over all persisted nodes, ordered
	// by node ID. The caller must Close it on every exit path.
	Iterator(ctx context.Context) (NodeIterator, error)

	// Count returns the number of persisted nodes.
	Count(ctx context.Context) (int64, error)

	// Ping checks the backing store connection.
	Ping(ctx context.Context) error

	// Close releases the backing store resources.
	Close()
}

// NodeIterator is a forward-only cursor over the node table.
type NodeIterator interface {
	// Next advances the cursor and reports whether a row is available.
	Next() bool
	// Value decodes the row at the cursor.
	Value() (*model.DatanodeDetails, error)
	// Err returns the first error encountered while iterating.
	Err() error
	// Close releases the cursor. Safe to call more than once.
	Close() error
}
