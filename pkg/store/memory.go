package store

import (
	"sort"
	"sync"

	"github.com/pitchlens/inference-scheduler/pkg/models"
)

// MemoryStore is an in-memory audit store, used when no database is configured
type MemoryStore struct {
	nodesMu sync.RWMutex
	nodes   map[string]models.Node

	jobsMu sync.RWMutex
	jobs   map[string]models.Job
	frames map[string][]models.DetectionFrame
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nodes:  make(map[string]models.Node),
		jobs:   make(map[string]models.Job),
		frames: make(map[string][]models.DetectionFrame),
	}
}

// SaveNode upserts a node snapshot
func (s *MemoryStore) SaveNode(node *models.Node) error {
	s.nodesMu.Lock()
	defer s.nodesMu.Unlock()

	if existing, ok := s.nodes[node.ID]; ok && existing.Version > node.Version {
		return nil
	}
	s.nodes[node.ID] = node.Clone()
	return nil
}

// SaveJob upserts a job snapshot
func (s *MemoryStore) SaveJob(job *models.Job) error {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()

	if existing, ok := s.jobs[job.ID]; ok && existing.Version > job.Version {
		return nil
	}
	s.jobs[job.ID] = job.Summary()
	return nil
}

// AppendFrames stores frames past the last stored index
func (s *MemoryStore) AppendFrames(jobID string, frames []models.DetectionFrame) error {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()

	stored := s.frames[jobID]
	last := -1
	if n := len(stored); n > 0 {
		last = stored[n-1].Index
	}
	for _, f := range frames {
		if f.Index <= last {
			continue
		}
		stored = append(stored, f.Clone())
		last = f.Index
	}
	s.frames[jobID] = stored
	return nil
}

// LoadNodes returns all stored nodes ordered by id
func (s *MemoryStore) LoadNodes() ([]models.Node, error) {
	s.nodesMu.RLock()
	defer s.nodesMu.RUnlock()

	out := make([]models.Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		out = append(out, n.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// LoadJobs returns all stored jobs in creation order with frames
func (s *MemoryStore) LoadJobs() ([]models.Job, error) {
	s.jobsMu.RLock()
	defer s.jobsMu.RUnlock()

	out := make([]models.Job, 0, len(s.jobs))
	for id, j := range s.jobs {
		c := j.Clone()
		for _, f := range s.frames[id] {
			c.Frames = append(c.Frames, f.Clone())
		}
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// HealthCheck always succeeds for the memory store
func (s *MemoryStore) HealthCheck() error {
	return nil
}

// Close is a no-op for the memory store
func (s *MemoryStore) Close() error {
	return nil
}
