package model

// RegistrationErrorCode is the structured outcome of a registration attempt.
// Topology rejections surface here rather than as errors so the transport
// can always ship an acknowledgement back to the node.
type RegistrationErrorCode string

const (
	// RegistrationSuccess indicates the node is registered
	RegistrationSuccess RegistrationErrorCode = "SUCCESS"
	// RegistrationNodeNotPermitted indicates the node's declared network
	// location conflicts with the existing cluster topology
	RegistrationNodeNotPermitted RegistrationErrorCode = "NODE_NOT_PERMITTED"
)

// RegisteredResponse is the acknowledgement returned to a registering node.
// Callers must check ErrorCode; a topology rejection is a valid response,
// not a transport failure.
type RegisteredResponse struct {
	ErrorCode RegistrationErrorCode `json:"error_code"`
	NodeID    DatanodeID            `json:"node_id"`
	ClusterID string                `json:"cluster_id,omitempty"`
	Hostname  string                `json:"hostname,omitempty"`
	IPAddress string                `json:"ip_address,omitempty"`
}
