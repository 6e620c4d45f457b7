package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pitchlens/inference-scheduler/pkg/auth"
	"github.com/pitchlens/inference-scheduler/pkg/events"
	"github.com/pitchlens/inference-scheduler/pkg/logging"
	"github.com/pitchlens/inference-scheduler/pkg/models"
)

// Config holds registry timing configuration
type Config struct {
	StaleAfter  time.Duration // Silence after which a node is offline
	RemoveAfter time.Duration // Silence after which a node is reclassified as removed
	BcryptCost  int           // 0 = bcrypt.DefaultCost
}

// DefaultConfig returns the default registry configuration
func DefaultConfig() Config {
	return Config{
		StaleAfter:  30 * time.Second,
		RemoveAfter: 10 * time.Minute,
	}
}

// LostHandler is told about a job whose node went away (stale, error, offline, deregistered)
type LostHandler func(nodeID, jobID, reason string)

// Registry is the single source of truth for node existence and live health
type Registry struct {
	mu     sync.RWMutex
	nodes  map[string]*entry
	cfg    Config
	now    func() time.Time
	bus    events.Publisher
	logger *logging.Logger

	onLost   LostHandler
	onOnline func(nodeID string)
}

type entry struct {
	node       models.Node
	reportedAt time.Time // Node-clock timestamp of the last accepted heartbeat
	removing   bool      // Deregistration in progress; the node takes no heartbeats or reservations
}

// gone reports whether the node can no longer take heartbeats or work
func (e *entry) gone() bool {
	return e.node.Removed || e.removing
}

type lostJob struct {
	nodeID, jobID, reason string
}

// New creates a registry
func New(cfg Config, bus events.Publisher, logger *logging.Logger) *Registry {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultConfig().StaleAfter
	}
	if cfg.RemoveAfter <= 0 {
		cfg.RemoveAfter = DefaultConfig().RemoveAfter
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Registry{
		nodes:  make(map[string]*entry),
		cfg:    cfg,
		now:    time.Now,
		bus:    bus,
		logger: logger,
	}
}

// SetClock overrides the time source; used by tests
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// SetNodeLostHandler installs the callback that reschedules jobs of lost nodes
func (r *Registry) SetNodeLostHandler(fn LostHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onLost = fn
}

// SetOnlineHandler installs a callback fired when a node becomes available for work
func (r *Registry) SetOnlineHandler(fn func(nodeID string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onOnline = fn
}

// Register adds a node. The node starts offline until its first heartbeat.
func (r *Registry) Register(reg models.NodeRegistration) (models.Node, error) {
	if err := reg.Validate(); err != nil {
		return models.Node{}, err
	}
	hash, err := auth.HashCredential(reg.Credential, r.cfg.BcryptCost)
	if err != nil {
		return models.Node{}, fmt.Errorf("register: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	id := reg.ID
	if id == "" {
		id = uuid.New().String()
	}

	now := r.now()
	var version uint64
	if existing, ok := r.nodes[id]; ok {
		if !existing.node.Removed {
			return models.Node{}, models.NewError(models.ErrValidation, "register", id, "node id already registered")
		}
		// Re-registering a removed node revives it under the same id
		version = existing.node.Version
	}

	name := reg.Name
	if name == "" {
		name = id
	}
	e := &entry{node: models.Node{
		ID:             id,
		Name:           name,
		Location:       reg.Location,
		Endpoint:       reg.Endpoint,
		CredentialHash: hash,
		Accelerators:   append([]models.Accelerator(nil), reg.Accelerators...),
		Capabilities:   append([]string(nil), reg.Capabilities...),
		Status:         models.NodeStatusOffline,
		Priority:       reg.Priority,
		LastHeartbeat:  now,
		RegisteredAt:   now,
		Version:        version + 1,
	}}
	r.nodes[id] = e

	r.logger.Info(fmt.Sprintf("[Registry] Node registered: %s (%s) at %s", id, name, reg.Endpoint), map[string]interface{}{
		"accelerators": len(reg.Accelerators),
		"location":     reg.Location,
	})
	r.publish(events.NodeAdded, e)
	return e.node.Clone(), nil
}

// Deregister permanently removes a node. A job assigned to it is handed to the
// lost handler before the removal is published. While the handler runs the node
// rejects heartbeats and reservations, so no new job can land on it.
func (r *Registry) Deregister(nodeID string) error {
	r.mu.Lock()
	e, ok := r.nodes[nodeID]
	if !ok || e.gone() {
		r.mu.Unlock()
		return models.NewError(models.ErrUnknownNode, "deregister", nodeID, "")
	}
	e.removing = true
	jobID := e.node.CurrentJobID
	e.node.CurrentJobID = ""
	e.node.Status = models.NodeStatusOffline
	handler := r.onLost
	r.mu.Unlock()

	if jobID != "" && handler != nil {
		handler(nodeID, jobID, "node deregistered")
	}

	r.mu.Lock()
	if cur, ok := r.nodes[nodeID]; !ok || cur != e || e.node.Removed {
		// Reaped, and possibly re-registered, while the handler ran
		r.mu.Unlock()
		return nil
	}
	late := e.node.CurrentJobID
	now := r.now()
	e.removing = false
	e.node.Removed = true
	e.node.RemovedAt = &now
	e.node.Status = models.NodeStatusOffline
	e.node.CurrentJobID = ""
	e.node.Version++
	r.logger.Info(fmt.Sprintf("[Registry] Node deregistered: %s", nodeID))
	r.publish(events.NodeRemoved, e)
	r.mu.Unlock()

	if late != "" && handler != nil {
		handler(nodeID, late, "node deregistered")
	}
	return nil
}

// Heartbeat applies a node's health report. The most recent heartbeat wins:
// a report with a sequence or timestamp older than the last accepted one is a conflict.
func (r *Registry) Heartbeat(nodeID string, hb models.Heartbeat) (models.Node, error) {
	if !hb.Status.Valid() {
		return models.Node{}, models.Validationf("heartbeat", "invalid status %q", hb.Status)
	}

	var lost *lostJob
	var wake bool

	r.mu.Lock()
	e, ok := r.nodes[nodeID]
	if !ok || e.gone() {
		r.mu.Unlock()
		return models.Node{}, models.NewError(models.ErrUnknownNode, "heartbeat", nodeID, "")
	}
	if hb.Sequence != 0 && hb.Sequence <= e.node.HeartbeatSeq {
		r.mu.Unlock()
		return models.Node{}, models.NewError(models.ErrConflict, "heartbeat", nodeID,
			fmt.Sprintf("stale sequence %d (last %d)", hb.Sequence, e.node.HeartbeatSeq))
	}
	if !hb.Timestamp.IsZero() && !e.reportedAt.IsZero() && hb.Timestamp.Before(e.reportedAt) {
		r.mu.Unlock()
		return models.Node{}, models.NewError(models.ErrConflict, "heartbeat", nodeID, "stale timestamp")
	}

	n := &e.node
	prev := n.Status
	n.Performance = hb.Performance
	n.LastHeartbeat = r.now()
	if hb.Sequence != 0 {
		n.HeartbeatSeq = hb.Sequence
	}
	if !hb.Timestamp.IsZero() {
		e.reportedAt = hb.Timestamp
	}

	switch {
	case n.CurrentJobID != "" && (hb.Status == models.NodeStatusError || hb.Status == models.NodeStatusOffline):
		lost = &lostJob{nodeID: nodeID, jobID: n.CurrentJobID, reason: fmt.Sprintf("node reported %s", hb.Status)}
		n.CurrentJobID = ""
		n.Status = hb.Status
	case n.CurrentJobID != "":
		// A reserved node stays busy until the job is released
		n.Status = models.NodeStatusBusy
	default:
		n.Status = hb.Status
	}
	wake = n.Status == models.NodeStatusOnline && prev != models.NodeStatusOnline
	n.Version++
	r.publish(events.NodeUpdated, e)
	out := n.Clone()
	lostHandler, onlineHandler := r.onLost, r.onOnline
	r.mu.Unlock()

	if prev != out.Status {
		r.logger.Info(fmt.Sprintf("[Registry] Node %s: %s -> %s", nodeID, prev, out.Status))
	}
	if lost != nil {
		r.logger.Warn(fmt.Sprintf("[Registry] Node %s lost job %s: %s", nodeID, lost.jobID, lost.reason))
		if lostHandler != nil {
			lostHandler(lost.nodeID, lost.jobID, lost.reason)
		}
	}
	if wake && onlineHandler != nil {
		onlineHandler(nodeID)
	}
	return out, nil
}

// Sweep reaps stale nodes and reports how many changed state.
// Every read path sweeps first; the scheduler also sweeps once per cycle.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	changed, lost := r.reapLocked()
	handler := r.onLost
	r.mu.Unlock()

	for _, l := range lost {
		r.logger.Warn(fmt.Sprintf("[Registry] Node %s lost job %s: %s", l.nodeID, l.jobID, l.reason))
		if handler != nil {
			handler(l.nodeID, l.jobID, l.reason)
		}
	}
	return changed
}

// reapLocked reclassifies silent nodes. Caller holds r.mu.
func (r *Registry) reapLocked() (int, []lostJob) {
	now := r.now()
	changed := 0
	var lost []lostJob

	for id, e := range r.nodes {
		n := &e.node
		if n.Removed {
			continue
		}
		silence := now.Sub(n.LastHeartbeat)

		if silence > r.cfg.RemoveAfter {
			if n.CurrentJobID != "" {
				lost = append(lost, lostJob{nodeID: id, jobID: n.CurrentJobID, reason: "heartbeat timeout"})
			}
			removedAt := now
			n.Removed = true
			n.RemovedAt = &removedAt
			n.Status = models.NodeStatusOffline
			n.CurrentJobID = ""
			n.Version++
			r.publish(events.NodeRemoved, e)
			changed++
			continue
		}

		if silence > r.cfg.StaleAfter && (n.Status != models.NodeStatusOffline || n.CurrentJobID != "") {
			if n.CurrentJobID != "" {
				lost = append(lost, lostJob{nodeID: id, jobID: n.CurrentJobID, reason: "heartbeat timeout"})
			}
			r.logger.Warn(fmt.Sprintf("[Registry] Node %s silent for %s, marking offline", id, silence.Round(time.Second)))
			n.Status = models.NodeStatusOffline
			n.CurrentJobID = ""
			n.Version++
			r.publish(events.NodeUpdated, e)
			changed++
		}
	}
	return changed, lost
}

// ListEligible returns fresh online, unreserved nodes whose queue is below maxQueue
// (0 = no ceiling) and that advertise every required capability. Order is by id.
func (r *Registry) ListEligible(required []string, maxQueue int) []models.Node {
	r.Sweep()

	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.now()
	var out []models.Node
	for _, e := range r.nodes {
		n := &e.node
		if e.gone() || n.Status != models.NodeStatusOnline || n.CurrentJobID != "" {
			continue
		}
		if now.Sub(n.LastHeartbeat) > r.cfg.StaleAfter {
			continue
		}
		if maxQueue > 0 && n.Performance.QueueLength >= maxQueue {
			continue
		}
		if !n.HasCapabilities(required) {
			continue
		}
		out = append(out, n.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns a node snapshot
func (r *Registry) Get(nodeID string) (models.Node, error) {
	r.Sweep()

	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.nodes[nodeID]
	if !ok {
		return models.Node{}, models.NewError(models.ErrUnknownNode, "get", nodeID, "")
	}
	return e.node.Clone(), nil
}

// List returns node snapshots ordered by id. Removed nodes are included only on request.
func (r *Registry) List(includeRemoved bool) []models.Node {
	r.Sweep()

	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Node, 0, len(r.nodes))
	for _, e := range r.nodes {
		if e.node.Removed && !includeRemoved {
			continue
		}
		out = append(out, e.node.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Reserve atomically moves a fresh, unreserved online node to busy for jobID
func (r *Registry) Reserve(nodeID, jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.nodes[nodeID]
	if !ok || e.gone() {
		return models.NewError(models.ErrUnknownNode, "reserve", nodeID, "")
	}
	n := &e.node
	if n.Status != models.NodeStatusOnline || n.CurrentJobID != "" {
		return models.NewError(models.ErrConflict, "reserve", nodeID,
			fmt.Sprintf("node is %s (job %q)", n.Status, n.CurrentJobID))
	}
	if r.now().Sub(n.LastHeartbeat) > r.cfg.StaleAfter {
		return models.NewError(models.ErrConflict, "reserve", nodeID, "node heartbeat is stale")
	}
	n.Status = models.NodeStatusBusy
	n.CurrentJobID = jobID
	n.Version++
	r.publish(events.NodeUpdated, e)
	return nil
}

// Release frees the node's reservation for jobID. A fresh node returns to online;
// a release for a job the node no longer holds is a no-op.
func (r *Registry) Release(nodeID, jobID string) bool {
	r.mu.Lock()
	e, ok := r.nodes[nodeID]
	if !ok || e.node.CurrentJobID != jobID || jobID == "" {
		r.mu.Unlock()
		return false
	}
	n := &e.node
	n.CurrentJobID = ""
	wake := false
	if n.Status == models.NodeStatusBusy {
		if r.now().Sub(n.LastHeartbeat) <= r.cfg.StaleAfter && !n.Removed {
			n.Status = models.NodeStatusOnline
			wake = true
		} else {
			n.Status = models.NodeStatusOffline
		}
	}
	n.Version++
	r.publish(events.NodeUpdated, e)
	onlineHandler := r.onOnline
	r.mu.Unlock()

	if wake && onlineHandler != nil {
		onlineHandler(nodeID)
	}
	return true
}

// Drain drops the node's reservation for jobID but leaves it busy. The node becomes
// eligible again only once a heartbeat reports it online, i.e. after the agent has
// actually stopped the job.
func (r *Registry) Drain(nodeID, jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.nodes[nodeID]
	if !ok || e.node.CurrentJobID != jobID || jobID == "" {
		return false
	}
	e.node.CurrentJobID = ""
	e.node.Version++
	r.publish(events.NodeUpdated, e)
	return true
}

// Authenticate checks a node credential against the stored hash
func (r *Registry) Authenticate(nodeID, credential string) error {
	r.mu.RLock()
	e, ok := r.nodes[nodeID]
	var hash string
	if ok && !e.node.Removed {
		hash = e.node.CredentialHash
	}
	r.mu.RUnlock()

	if !ok || hash == "" {
		return models.NewError(models.ErrUnknownNode, "authenticate", nodeID, "")
	}
	if err := auth.CheckCredential(hash, credential); err != nil {
		return models.WrapError(models.ErrUnauthorized, "authenticate", nodeID, err)
	}
	return nil
}

// Restore loads nodes from audit history. Restored nodes start offline and unreserved,
// with their silence measured from now.
func (r *Registry) Restore(nodes []models.Node) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	for _, n := range nodes {
		c := n.Clone()
		c.Status = models.NodeStatusOffline
		c.CurrentJobID = ""
		c.LastHeartbeat = now
		r.nodes[c.ID] = &entry{node: c}
	}
	r.logger.Info(fmt.Sprintf("[Registry] Restored %d nodes from audit store", len(nodes)))
}

// StatusCounts returns live (non-removed) node counts by status plus removed
func (r *Registry) StatusCounts() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[string]int)
	for _, e := range r.nodes {
		if e.node.Removed {
			counts["removed"]++
			continue
		}
		counts[string(e.node.Status)]++
	}
	return counts
}

// publish emits an event for e. Caller holds r.mu so per-node order matches mutation order.
func (r *Registry) publish(t events.Type, e *entry) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(events.NodeEvent(t, e.node.Clone(), r.now()))
}
