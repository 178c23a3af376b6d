// Package command implements the per-node FIFO queues of administrative
// commands awaiting delivery on a node's next heartbeat response.
package command

import (
	"sync"
	"time"

	"github.com/karst-storage/karst/internal/model"
)

type entry struct {
	cmd      model.Command
	enqueued time.Time
}

// Queue holds pending commands per datanode. Commands are drained and handed
// to the node on its next heartbeat response, then removed: delivery is
// at-most-once per heartbeat cycle, and redelivery requires the issuer to
// queue the command again.
type Queue struct {
	mu      sync.Mutex
	pending map[model.DatanodeID][]entry
}

// NewQueue creates an empty command queue.
func NewQueue() *Queue {
	return &Queue{pending: make(map[model.DatanodeID][]entry)}
}

// Enqueue appends a command to the node's FIFO.
func (q *Queue) Enqueue(id model.DatanodeID, cmd model.Command) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending[id] = append(q.pending[id], entry{cmd: cmd, enqueued: time.Now()})
}

// Drain removes and returns all pending commands for the node in FIFO order.
func (q *Queue) Drain(id model.DatanodeID) []model.Command {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries := q.pending[id]
	if len(entries) == 0 {
		return nil
	}
	delete(q.pending, id)

	cmds := make([]model.Command, len(entries))
	for i, e := range entries {
		cmds[i] = e.cmd
	}
	return cmds
}

// Len returns the number of pending commands for the node.
func (q *Queue) Len(id model.DatanodeID) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending[id])
}

// Remove discards all pending commands for the node. Called on node removal
// so a removed node's queue does not leak.
func (q *Queue) Remove(id model.DatanodeID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.pending, id)
}
