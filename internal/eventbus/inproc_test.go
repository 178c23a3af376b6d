package eventbus

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/karst-storage/karst/internal/model"
)

func TestInProcBus_PublishDeliversToSubscribers(t *testing.T) {
	bus := NewInProcBus()
	ctx := context.Background()

	var received []CommandForDatanode
	require.NoError(t, bus.SubscribeCommands(ctx, func(_ context.Context, ev CommandForDatanode) {
		received = append(received, ev)
	}))

	ev := CommandForDatanode{NodeID: "dn-1", Command: model.NewReregisterCommand()}
	require.NoError(t, bus.PublishCommand(ctx, ev))

	require.Len(t, received, 1)
	assert.Equal(t, model.DatanodeID("dn-1"), received[0].NodeID)
	assert.Equal(t, model.CommandReregister, received[0].Command.Type)
}

func TestInProcBus_MultipleSubscribers(t *testing.T) {
	bus := NewInProcBus()
	ctx := context.Background()

	first, second := 0, 0
	require.NoError(t, bus.SubscribeCommands(ctx, func(context.Context, CommandForDatanode) { first++ }))
	require.NoError(t, bus.SubscribeCommands(ctx, func(context.Context, CommandForDatanode) { second++ }))

	require.NoError(t, bus.PublishCommand(ctx, CommandForDatanode{NodeID: "dn-1"}))
	assert.Equal(t, 1, first)
	assert.Equal(t, 1, second)
}

func TestInProcBus_RefusesAfterClose(t *testing.T) {
	bus := NewInProcBus()
	ctx := context.Background()

	calls := 0
	require.NoError(t, bus.SubscribeCommands(ctx, func(context.Context, CommandForDatanode) { calls++ }))
	require.NoError(t, bus.Close())

	err := bus.PublishCommand(ctx, CommandForDatanode{NodeID: "dn-1"})
	assert.ErrorIs(t, err, ErrBusClosed)
	assert.Equal(t, 0, calls)

	err = bus.SubscribeCommands(ctx, func(context.Context, CommandForDatanode) {})
	assert.ErrorIs(t, err, ErrBusClosed)
}
