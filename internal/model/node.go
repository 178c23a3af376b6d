package model

// DatanodeID uniquely identifies a datanode for the lifetime of the cluster.
// It is assigned once at first registration and never changes, even when the
// node's address or hostname does.
type DatanodeID string

// OperationalState represents the administrator-driven intent for a node.
// It is independent of live health: a decommissioning node may still be
// heartbeating normally.
type OperationalState string

const (
	// OpStateInService indicates a fully operational node
	OpStateInService OperationalState = "IN_SERVICE"
	// OpStateDecommissioning indicates a node draining its data before removal
	OpStateDecommissioning OperationalState = "DECOMMISSIONING"
	// OpStateDecommissioned indicates a node whose data has been fully drained
	OpStateDecommissioned OperationalState = "DECOMMISSIONED"
	// OpStateEnteringMaintenance indicates a node preparing for maintenance
	OpStateEnteringMaintenance OperationalState = "ENTERING_MAINTENANCE"
	// OpStateInMaintenance indicates a node under maintenance
	OpStateInMaintenance OperationalState = "IN_MAINTENANCE"
)

// HealthState classifies node liveness purely from heartbeat recency.
type HealthState string

const (
	// HealthHealthy indicates the node heartbeated within the stale interval
	HealthHealthy HealthState = "HEALTHY"
	// HealthStale indicates the node missed heartbeats past the stale interval
	HealthStale HealthState = "STALE"
	// HealthDead indicates the node missed heartbeats past the dead interval
	HealthDead HealthState = "DEAD"
)

// NodeStatus is the authoritative per-node status pair: administrative intent
// plus derived liveness. OpStateExpiry carries the epoch second at which a
// time-boxed operational state (maintenance) lapses; zero means no expiry.
type NodeStatus struct {
	Operational   OperationalState `json:"operational"`
	Health        HealthState      `json:"health"`
	OpStateExpiry int64            `json:"op_state_expiry,omitempty"`
}

// PortName identifies the role of an advertised datanode port.
type PortName string

const (
	PortStandalone PortName = "STANDALONE"
	PortRatis      PortName = "RATIS"
	PortRest       PortName = "REST"
)

// DatanodeDetails carries the identity and descriptive attributes a datanode
// reports at registration. It is the unit persisted to the node table.
type DatanodeDetails struct {
	ID              DatanodeID       `json:"id"`
	Hostname        string           `json:"hostname"`
	IPAddress       string           `json:"ip_address"`
	NetworkLocation string           `json:"network_location,omitempty"`
	Ports           map[PortName]int `json:"ports,omitempty"`

	// Descriptive fields reported by the node, kept for diagnostics.
	Version   string `json:"version,omitempty"`
	SetupTime int64  `json:"setup_time,omitempty"`
	Revision  string `json:"revision,omitempty"`

	// Operational state as last persisted by the primary control plane,
	// replayed through heartbeats so restarted instances converge.
	PersistedOpState       OperationalState `json:"persisted_op_state,omitempty"`
	PersistedOpStateExpiry int64            `json:"persisted_op_state_expiry,omitempty"`
}

// Copy returns a deep copy so callers can hand details across goroutine
// boundaries without sharing the ports map.
func (d *DatanodeDetails) Copy() *DatanodeDetails {
	c := *d
	if d.Ports != nil {
		c.Ports = make(map[PortName]int, len(d.Ports))
		for k, v := range d.Ports {
			c.Ports[k] = v
		}
	}
	return &c
}
