package model

import "encoding/json"

// CommandType enumerates the administrative commands the control plane can
// queue for delivery on a datanode's next heartbeat response.
type CommandType string

const (
	// CommandReregister asks a node to run the registration handshake again.
	// It is the only command an observer deployment is allowed to forward.
	CommandReregister CommandType = "REREGISTER"
	// CommandFinalizeUpgrade tells a node to finalize its metadata layout
	CommandFinalizeUpgrade CommandType = "FINALIZE_UPGRADE"
	// CommandRefreshVolumeUsage asks a node to refresh volume usage info
	CommandRefreshVolumeUsage CommandType = "REFRESH_VOLUME_USAGE"
	// CommandSetNodeOperationalState pushes an operational-state change
	CommandSetNodeOperationalState CommandType = "SET_NODE_OPERATIONAL_STATE"
	// CommandCloseContainer asks a node to close an open container replica
	CommandCloseContainer CommandType = "CLOSE_CONTAINER"
)

// Command is a single queued administrative instruction for a datanode.
type Command struct {
	Type    CommandType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewReregisterCommand builds the re-registration directive.
func NewReregisterCommand() Command {
	return Command{Type: CommandReregister}
}

// NewFinalizeUpgradeCommand builds the layout-finalization directive.
func NewFinalizeUpgradeCommand() Command {
	return Command{Type: CommandFinalizeUpgrade}
}

// NewRefreshVolumeUsageCommand builds the volume-usage refresh directive.
func NewRefreshVolumeUsageCommand() Command {
	return Command{Type: CommandRefreshVolumeUsage}
}

// SetNodeOperationalStatePayload is the payload for
// CommandSetNodeOperationalState.
type SetNodeOperationalStatePayload struct {
	State       OperationalState `json:"state"`
	StateExpiry int64            `json:"state_expiry,omitempty"`
}

// NewSetNodeOperationalStateCommand builds an operational-state push for a
// node. Marshalling a flat payload struct cannot fail, so the error is
// intentionally discarded.
func NewSetNodeOperationalStateCommand(state OperationalState, expiry int64) Command {
	payload, _ := json.Marshal(SetNodeOperationalStatePayload{State: state, StateExpiry: expiry})
	return Command{Type: CommandSetNodeOperationalState, Payload: payload}
}
