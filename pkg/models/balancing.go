package models

// Algorithm selects how candidate nodes are ranked
type Algorithm string

const (
	AlgorithmRoundRobin       Algorithm = "round_robin"
	AlgorithmLeastLoaded      Algorithm = "least_loaded"
	AlgorithmPerformanceBased Algorithm = "performance_based"
	AlgorithmGeographic       Algorithm = "geographic"
)

// Valid reports whether a is a known algorithm
func (a Algorithm) Valid() bool {
	switch a {
	case AlgorithmRoundRobin, AlgorithmLeastLoaded, AlgorithmPerformanceBased, AlgorithmGeographic:
		return true
	}
	return false
}

const (
	DefaultMaxQueueLength = 10
	DefaultRetryAttempts  = 3
)

// LoadBalancingConfig parameterizes scoring for one submission
type LoadBalancingConfig struct {
	Algorithm         Algorithm `json:"algorithm"`
	PreferredLocation string    `json:"preferred_location,omitempty"`
	MaxQueueLength    int       `json:"max_queue_length"` // Node queue ceiling; 0 = no ceiling
	FailoverEnabled   *bool     `json:"failover_enabled"` // nil = default (true)
	RetryAttempts     *int      `json:"retry_attempts"`   // nil = default
}

// DefaultLoadBalancingConfig returns default load balancing configuration
func DefaultLoadBalancingConfig() LoadBalancingConfig {
	failover := true
	retries := DefaultRetryAttempts
	return LoadBalancingConfig{
		Algorithm:       AlgorithmPerformanceBased,
		MaxQueueLength:  DefaultMaxQueueLength,
		FailoverEnabled: &failover,
		RetryAttempts:   &retries,
	}
}

// Normalize returns a copy with defaults applied, or a ValidationError
func (c LoadBalancingConfig) Normalize() (LoadBalancingConfig, error) {
	def := DefaultLoadBalancingConfig()
	if c.Algorithm == "" {
		c.Algorithm = def.Algorithm
	}
	if !c.Algorithm.Valid() {
		return c, Validationf("submit", "unknown load balancing algorithm %q", c.Algorithm)
	}
	if c.MaxQueueLength < 0 {
		return c, Validationf("submit", "max queue length must not be negative")
	}
	if c.FailoverEnabled == nil {
		c.FailoverEnabled = def.FailoverEnabled
	}
	if c.RetryAttempts == nil {
		c.RetryAttempts = def.RetryAttempts
	}
	if *c.RetryAttempts < 0 {
		return c, Validationf("submit", "retry attempts must not be negative")
	}
	return c, nil
}

// Failover reports whether lost-node jobs are requeued
func (c LoadBalancingConfig) Failover() bool {
	return c.FailoverEnabled == nil || *c.FailoverEnabled
}

// Retries returns the dispatch retry budget
func (c LoadBalancingConfig) Retries() int {
	if c.RetryAttempts == nil {
		return DefaultRetryAttempts
	}
	return *c.RetryAttempts
}
