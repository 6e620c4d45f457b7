package models

import (
	"strings"
	"time"
)

// NodeStatus represents the live status of a worker node
type NodeStatus string

const (
	NodeStatusOnline  NodeStatus = "online"
	NodeStatusBusy    NodeStatus = "busy"
	NodeStatusOffline NodeStatus = "offline"
	NodeStatusError   NodeStatus = "error"
)

// Valid reports whether s is a status a node may report about itself
func (s NodeStatus) Valid() bool {
	switch s {
	case NodeStatusOnline, NodeStatusBusy, NodeStatusOffline, NodeStatusError:
		return true
	}
	return false
}

// Accelerator describes one device a node exposes
type Accelerator struct {
	DeviceName        string `json:"device_name"`
	MemoryTotalMB     int64  `json:"memory_total_mb"`
	ComputeCapability string `json:"compute_capability,omitempty"` // e.g. "8.9"
	DriverVersion     string `json:"driver_version,omitempty"`
	RuntimeVersion    string `json:"runtime_version,omitempty"` // CUDA/ROCm runtime
}

// PerformanceSnapshot is the node's self-reported load at heartbeat time
type PerformanceSnapshot struct {
	QueueLength        int     `json:"queue_length"`
	UtilizationPercent float64 `json:"utilization_percent"`
	AvgInferenceTimeMs float64 `json:"avg_inference_time_ms"`
	TemperatureC       float64 `json:"temperature_c,omitempty"`
	PowerDrawW         float64 `json:"power_draw_w,omitempty"`
	MemoryUsedMB       float64 `json:"memory_used_mb,omitempty"`
}

// Node represents a worker offering accelerated inference capacity
type Node struct {
	ID             string              `json:"id"`
	Name           string              `json:"name"`
	Location       string              `json:"location,omitempty"` // Region, e.g. "eu-west"
	Endpoint       string              `json:"endpoint"`
	CredentialHash string              `json:"-"`
	Accelerators   []Accelerator       `json:"accelerators"`
	Capabilities   []string            `json:"capabilities,omitempty"` // e.g. ["football-detection", "tracking"]
	Status         NodeStatus          `json:"status"`
	Performance    PerformanceSnapshot `json:"performance"`
	Priority       int                 `json:"priority"` // 0-100, higher preferred
	LastHeartbeat  time.Time           `json:"last_heartbeat"`
	HeartbeatSeq   uint64              `json:"heartbeat_seq"`
	RegisteredAt   time.Time           `json:"registered_at"`
	CurrentJobID   string              `json:"current_job_id,omitempty"`
	Removed        bool                `json:"removed,omitempty"`
	RemovedAt      *time.Time          `json:"removed_at,omitempty"`
	Version        uint64              `json:"version"`
}

// HasCapabilities reports whether the node advertises every required tag
func (n *Node) HasCapabilities(required []string) bool {
	for _, req := range required {
		found := false
		for _, c := range n.Capabilities {
			if strings.EqualFold(c, req) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Clone returns a deep copy safe to hand outside the registry
func (n *Node) Clone() Node {
	c := *n
	c.Accelerators = append([]Accelerator(nil), n.Accelerators...)
	c.Capabilities = append([]string(nil), n.Capabilities...)
	if n.RemovedAt != nil {
		t := *n.RemovedAt
		c.RemovedAt = &t
	}
	return c
}

// NodeRegistration represents a node registration request
type NodeRegistration struct {
	ID           string        `json:"id,omitempty"` // Optional; generated when empty
	Name         string        `json:"name"`
	Location     string        `json:"location,omitempty"`
	Endpoint     string        `json:"endpoint"`
	Credential   string        `json:"credential"`
	Accelerators []Accelerator `json:"accelerators"`
	Capabilities []string      `json:"capabilities,omitempty"`
	Priority     int           `json:"priority,omitempty"`
}

// Validate checks required fields and capability data
func (r *NodeRegistration) Validate() error {
	if strings.TrimSpace(r.Endpoint) == "" {
		return Validationf("register", "endpoint is required")
	}
	if r.Credential == "" {
		return Validationf("register", "credential is required")
	}
	if len(r.Accelerators) == 0 {
		return Validationf("register", "at least one accelerator is required")
	}
	for i, acc := range r.Accelerators {
		if strings.TrimSpace(acc.DeviceName) == "" {
			return Validationf("register", "accelerator %d has no device name", i)
		}
		if acc.MemoryTotalMB <= 0 {
			return Validationf("register", "accelerator %d (%s) has non-positive memory", i, acc.DeviceName)
		}
	}
	for _, c := range r.Capabilities {
		if strings.TrimSpace(c) == "" {
			return Validationf("register", "empty capability tag")
		}
	}
	if r.Priority < 0 || r.Priority > 100 {
		return Validationf("register", "priority %d out of range 0-100", r.Priority)
	}
	return nil
}

// Heartbeat is a periodic node-initiated health/metrics report
type Heartbeat struct {
	Status      NodeStatus          `json:"status"`
	Performance PerformanceSnapshot `json:"performance"`
	Sequence    uint64              `json:"sequence,omitempty"`  // Monotonic per node; 0 = unsequenced
	Timestamp   time.Time           `json:"timestamp,omitempty"` // Node clock; only compared against the same node
}
