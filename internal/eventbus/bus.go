// Package eventbus carries command-for-datanode events between the
// components that issue administrative commands and the node manager that
// queues them for delivery on heartbeat responses.
package eventbus

import (
	"context"

	"github.com/karst-storage/karst/internal/model"
)

// CommandForDatanode is a command addressed to one datanode, published by an
// issuer and queued by the node manager for the node's next heartbeat.
type CommandForDatanode struct {
	NodeID  model.DatanodeID `json:"node_id"`
	Command model.Command    `json:"command"`
}

// Handler consumes a command event. Handlers must not block; slow work
// belongs behind the command queue, not the bus.
type Handler func(ctx context.Context, ev CommandForDatanode)

// Bus is the command event path. Implementations deliver each published
// event to every subscribed handler.
type Bus interface {
	PublishCommand(ctx context.Context, ev CommandForDatanode) error
	SubscribeCommands(ctx context.Context, handler Handler) error
	Close() error
}
