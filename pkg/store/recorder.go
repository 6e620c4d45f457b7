package store

import (
	"fmt"
	"sync/atomic"

	"github.com/pitchlens/inference-scheduler/pkg/events"
	"github.com/pitchlens/inference-scheduler/pkg/logging"
	"github.com/pitchlens/inference-scheduler/pkg/models"
)

// Recorder writes every bus event to the audit store. It runs as an ordinary bus
// subscriber, so a slow database delays only its own queue.
type Recorder struct {
	store  Store
	logger *logging.Logger
	errors atomic.Uint64
}

// NewRecorder creates a recorder for st
func NewRecorder(st Store, logger *logging.Logger) *Recorder {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Recorder{store: st, logger: logger}
}

// Handle persists one event; failures are logged and counted, never returned
func (r *Recorder) Handle(e events.Event) {
	var err error
	switch {
	case e.Node != nil:
		err = r.store.SaveNode(e.Node)
	case e.Job != nil:
		if err = r.store.SaveJob(e.Job); err == nil {
			err = r.store.AppendFrames(e.Job.ID, e.NewFrames)
		}
	}
	if err != nil {
		r.errors.Add(1)
		r.logger.Error(fmt.Sprintf("[Recorder] Failed to persist %s for %s: %v", e.Type, e.EntityID, err))
	}
}

// Errors returns how many events failed to persist
func (r *Recorder) Errors() uint64 {
	return r.errors.Load()
}

// NodeRestorer accepts nodes loaded from the audit store
type NodeRestorer interface {
	Restore(nodes []models.Node)
}

// JobRestorer accepts jobs loaded from the audit store
type JobRestorer interface {
	Restore(jobs []models.Job)
}

// Restore loads audit history into the registry and job store
func Restore(st Store, nodes NodeRestorer, jobs JobRestorer) (int, int, error) {
	n, err := st.LoadNodes()
	if err != nil {
		return 0, 0, fmt.Errorf("load nodes: %w", err)
	}
	j, err := st.LoadJobs()
	if err != nil {
		return 0, 0, fmt.Errorf("load jobs: %w", err)
	}
	nodes.Restore(n)
	jobs.Restore(j)
	return len(n), len(j), nil
}
