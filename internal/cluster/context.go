// Package cluster holds the shared cluster-context object an observer
// deployment uses to surface its own health and standing error conditions
// to diagnostic surfaces.
package cluster

import "sync"

// ErrorCode identifies a standing error condition on the cluster context.
type ErrorCode string

const (
	// ErrInvalidNetworkTopology is set while a datanode's declared network
	// location conflicts with the cluster topology.
	ErrInvalidNetworkTopology ErrorCode = "INVALID_NETWORK_TOPOLOGY"
	// ErrNodeTableUnavailable is set while the durable node table cannot
	// be reached.
	ErrNodeTableUnavailable ErrorCode = "NODE_TABLE_UNAVAILABLE"
)

// Context tracks the health flag and standing errors of one control-plane
// instance. All methods are safe for concurrent use.
type Context struct {
	mu        sync.RWMutex
	clusterID string
	healthy   bool
	errors    map[ErrorCode]struct{}
}

// NewContext creates a healthy context for the given cluster ID.
func NewContext(clusterID string) *Context {
	return &Context{
		clusterID: clusterID,
		healthy:   true,
		errors:    make(map[ErrorCode]struct{}),
	}
}

// ClusterID returns the cluster identifier.
func (c *Context) ClusterID() string { return c.clusterID }

// UpdateHealthStatus sets the overall health flag.
func (c *Context) UpdateHealthStatus(healthy bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.healthy = healthy
}

// IsHealthy reports the overall health flag.
func (c *Context) IsHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.healthy
}

// AddError records a standing error condition.
func (c *Context) AddError(code ErrorCode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errors[code] = struct{}{}
}

// RemoveError clears a standing error condition.
func (c *Context) RemoveError(code ErrorCode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.errors, code)
}

// HasError reports whether the given condition is currently standing.
func (c *Context) HasError(code ErrorCode) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.errors[code]
	return ok
}

// Errors returns a snapshot of all standing error conditions.
func (c *Context) Errors() []ErrorCode {
	c.mu.RLock()
	defer c.mu.RUnlock()

	codes := make([]ErrorCode, 0, len(c.errors))
	for code := range c.errors {
		codes = append(codes, code)
	}
	return codes
}
