package jobstore

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pitchlens/inference-scheduler/pkg/events"
	"github.com/pitchlens/inference-scheduler/pkg/logging"
	"github.com/pitchlens/inference-scheduler/pkg/models"
)

// Store is the authoritative record of job lifecycle, independent of execution
type Store struct {
	mu     sync.RWMutex
	jobs   map[string]*models.Job
	order  []string // Creation order
	now    func() time.Time
	bus    events.Publisher
	logger *logging.Logger
}

// New creates a job store
func New(bus events.Publisher, logger *logging.Logger) *Store {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Store{
		jobs:   make(map[string]*models.Job),
		now:    time.Now,
		bus:    bus,
		logger: logger,
	}
}

// SetClock overrides the time source; used by tests
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Submit validates spec and creates a queued job
func (s *Store) Submit(spec models.JobSpec) (models.Job, error) {
	if err := spec.Normalize(); err != nil {
		return models.Job{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	job := &models.Job{
		ID:                   uuid.New().String(),
		UserID:               spec.UserID,
		VideoURL:             spec.VideoURL,
		Config:               spec.Config,
		RequiredCapabilities: append([]string(nil), spec.RequiredCapabilities...),
		LoadBalancing:        spec.LoadBalancing,
		Status:               models.JobStatusQueued,
		CreatedAt:            now,
		Metrics: models.JobMetrics{
			ObjectsByClass: make(map[string]int),
		},
		Version: 1,
	}
	s.jobs[job.ID] = job
	s.order = append(s.order, job.ID)

	s.logger.Info(fmt.Sprintf("[JobStore] Job submitted: %s by %s", job.ID, job.UserID), map[string]interface{}{
		"video":     job.VideoURL,
		"model":     job.Config.ModelVariant,
		"algorithm": string(job.LoadBalancing.Algorithm),
	})
	s.publish(job, nil)
	return job.Clone(), nil
}

// Get returns a full job snapshot including frames
func (s *Store) Get(id string) (models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return models.Job{}, models.NewError(models.ErrNotFound, "get", id, "job not found")
	}
	return job.Clone(), nil
}

// ListByUser returns a user's jobs most recent first, without frames.
// limit <= 0 means no limit.
func (s *Store) ListByUser(userID string, limit int) []models.Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Job
	for i := len(s.order) - 1; i >= 0; i-- {
		job := s.jobs[s.order[i]]
		if job.UserID != userID {
			continue
		}
		out = append(out, job.Summary())
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// List returns jobs most recent first, optionally filtered by status, without frames
func (s *Store) List(status models.JobStatus, limit int) []models.Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Job
	for i := len(s.order) - 1; i >= 0; i-- {
		job := s.jobs[s.order[i]]
		if status != "" && job.Status != status {
			continue
		}
		out = append(out, job.Summary())
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// Queued returns queued jobs in FIFO creation order, without frames
func (s *Store) Queued() []models.Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Job
	for _, id := range s.order {
		if job := s.jobs[id]; job.Status == models.JobStatusQueued {
			out = append(out, job.Summary())
		}
	}
	return out
}

// Cancel moves a queued or processing job to cancelled. It returns the node the job
// was assigned to (empty if it was queued) so the caller can notify it.
func (s *Store) Cancel(id string) (models.Job, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return models.Job{}, "", models.NewError(models.ErrNotFound, "cancel", id, "job not found")
	}
	if models.IsTerminalState(job.Status) {
		return models.Job{}, "", models.NewError(models.ErrInvalidState, "cancel", id,
			fmt.Sprintf("job is already %s", job.Status))
	}

	nodeID := job.AssignedNodeID
	if err := s.transition(job, models.JobStatusCancelled, "cancelled by user"); err != nil {
		return models.Job{}, "", err
	}
	job.AssignedNodeID = ""
	now := s.now()
	job.CompletedAt = &now

	s.logger.Info(fmt.Sprintf("[JobStore] Job cancelled: %s", id))
	s.publish(job, nil)
	return job.Clone(), nodeID, nil
}

// MarkProcessing assigns a queued job to nodeID
func (s *Store) MarkProcessing(id, nodeID string) (models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return models.Job{}, models.NewError(models.ErrNotFound, "assign", id, "job not found")
	}
	if job.Status != models.JobStatusQueued {
		return models.Job{}, models.NewError(models.ErrConflict, "assign", id,
			fmt.Sprintf("job is %s, not queued", job.Status))
	}
	if err := s.transition(job, models.JobStatusProcessing, "assigned to "+nodeID); err != nil {
		return models.Job{}, err
	}
	now := s.now()
	job.AssignedNodeID = nodeID
	if job.StartedAt == nil {
		job.StartedAt = &now
	}
	s.publish(job, nil)
	return job.Clone(), nil
}

// Requeue returns a processing job assigned to nodeID to the queue, keeping its frames
func (s *Store) Requeue(id, nodeID, reason string) (models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.assignedLocked("requeue", id, nodeID)
	if err != nil {
		return models.Job{}, err
	}
	if err := s.transition(job, models.JobStatusQueued, reason); err != nil {
		return models.Job{}, err
	}
	job.AssignedNodeID = ""
	job.Requeues++

	s.logger.Warn(fmt.Sprintf("[JobStore] Job requeued: %s from node %s (%s), %d frames kept", id, nodeID, reason, len(job.Frames)))
	s.publish(job, nil)
	return job.Clone(), nil
}

// FailAssignment fails a job still assigned to nodeID, e.g. after exhausting dispatch retries
func (s *Store) FailAssignment(id, nodeID, reason string) (models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.assignedLocked("fail", id, nodeID)
	if err != nil {
		return models.Job{}, err
	}
	return s.failLocked(job, reason)
}

// RecordDispatchFailure increments and returns the dispatch failure count of a job
// still processing on nodeID. A failure reported for an assignment the job no longer
// has is a ConflictError and is not counted.
func (s *Store) RecordDispatchFailure(id, nodeID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.assignedLocked("dispatch", id, nodeID)
	if err != nil {
		return 0, err
	}
	job.DispatchFailures++
	return job.DispatchFailures, nil
}

// ApplyProgress appends frames reported by the assigned node and refreshes metrics.
// Frame indices must be strictly increasing across the whole job; a batch with a
// duplicate or out-of-order index is rejected in full.
func (s *Store) ApplyProgress(id string, update models.ProgressUpdate) (models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return models.Job{}, models.NewError(models.ErrNotFound, "apply_progress", id, "job not found")
	}
	if job.Status != models.JobStatusProcessing {
		return models.Job{}, models.NewError(models.ErrConflict, "apply_progress", id,
			fmt.Sprintf("job is %s", job.Status))
	}
	if update.NodeID != "" && update.NodeID != job.AssignedNodeID {
		return models.Job{}, models.NewError(models.ErrConflict, "apply_progress", id,
			fmt.Sprintf("node %s is not assigned to this job", update.NodeID))
	}
	if update.Progress < 0 || update.Progress > 1 {
		return models.Job{}, models.Validationf("apply_progress", "progress %v out of range [0,1]", update.Progress)
	}

	last := -1
	if n := len(job.Frames); n > 0 {
		last = job.Frames[n-1].Index
	}
	for _, f := range update.Frames {
		if f.Index <= last {
			return models.Job{}, models.NewError(models.ErrConflict, "apply_progress", id,
				fmt.Sprintf("frame index %d is duplicate or out of order (last %d)", f.Index, last))
		}
		last = f.Index
	}

	added := make([]models.DetectionFrame, len(update.Frames))
	for i, f := range update.Frames {
		c := f.Clone()
		if c.NodeID == "" {
			c.NodeID = job.AssignedNodeID
		}
		added[i] = c
		job.Frames = append(job.Frames, c)
	}

	if update.Progress > job.Progress {
		job.Progress = update.Progress
	}
	if update.FramesTotal > 0 {
		job.Metrics.FramesTotal = update.FramesTotal
	}
	updateMetrics(job, added)
	job.Version++
	s.publish(job, added)
	return job.Clone(), nil
}

// Complete marks a processing job completed. Completing an already completed job is a no-op.
func (s *Store) Complete(id string) (models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return models.Job{}, models.NewError(models.ErrNotFound, "complete", id, "job not found")
	}
	if job.Status == models.JobStatusCompleted {
		return job.Clone(), nil
	}
	if job.Status != models.JobStatusProcessing {
		return models.Job{}, models.NewError(models.ErrInvalidState, "complete", id,
			fmt.Sprintf("cannot complete a %s job", job.Status))
	}
	if err := s.transition(job, models.JobStatusCompleted, ""); err != nil {
		return models.Job{}, err
	}
	now := s.now()
	job.CompletedAt = &now
	job.Progress = 1
	job.AssignedNodeID = ""
	job.Metrics.EstimatedRemainingMs = 0

	s.logger.Info(fmt.Sprintf("[JobStore] Job completed: %s (%d frames)", id, len(job.Frames)))
	s.publish(job, nil)
	return job.Clone(), nil
}

// Fail marks a queued or processing job failed. Failing an already failed job is a no-op.
func (s *Store) Fail(id, reason string) (models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return models.Job{}, models.NewError(models.ErrNotFound, "fail", id, "job not found")
	}
	if job.Status == models.JobStatusFailed {
		return job.Clone(), nil
	}
	if models.IsTerminalState(job.Status) {
		return models.Job{}, models.NewError(models.ErrInvalidState, "fail", id,
			fmt.Sprintf("cannot fail a %s job", job.Status))
	}
	return s.failLocked(job, reason)
}

// Restore loads jobs from audit history. Jobs that were processing go back to the
// queue with their frames, since no node assignment survives a restart.
func (s *Store) Restore(jobs []models.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sorted := append([]models.Job(nil), jobs...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].CreatedAt.Before(sorted[j].CreatedAt) })

	requeued := 0
	for _, j := range sorted {
		c := j.Clone()
		if _, exists := s.jobs[c.ID]; exists {
			continue
		}
		if c.Metrics.ObjectsByClass == nil {
			c.Metrics.ObjectsByClass = make(map[string]int)
		}
		if c.Status == models.JobStatusProcessing {
			c.RecordTransition(models.JobStatusQueued, "scheduler restarted", s.now())
			c.AssignedNodeID = ""
			c.Requeues++
			c.Version++
			requeued++
		}
		s.jobs[c.ID] = &c
		s.order = append(s.order, c.ID)
	}
	s.logger.Info(fmt.Sprintf("[JobStore] Restored %d jobs (%d requeued)", len(sorted), requeued))
}

// StatusCounts returns job counts by status
func (s *Store) StatusCounts() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[string]int)
	for _, job := range s.jobs {
		counts[string(job.Status)]++
	}
	return counts
}

func (s *Store) assignedLocked(op, id, nodeID string) (*models.Job, error) {
	job, ok := s.jobs[id]
	if !ok {
		return nil, models.NewError(models.ErrNotFound, op, id, "job not found")
	}
	if job.Status != models.JobStatusProcessing || job.AssignedNodeID != nodeID {
		return nil, models.NewError(models.ErrConflict, op, id,
			fmt.Sprintf("job is %s on node %q, not processing on %q", job.Status, job.AssignedNodeID, nodeID))
	}
	return job, nil
}

func (s *Store) failLocked(job *models.Job, reason string) (models.Job, error) {
	if err := s.transition(job, models.JobStatusFailed, reason); err != nil {
		return models.Job{}, err
	}
	now := s.now()
	job.CompletedAt = &now
	job.Error = reason
	job.AssignedNodeID = ""

	s.logger.Error(fmt.Sprintf("[JobStore] Job failed: %s: %s", job.ID, reason))
	s.publish(job, nil)
	return job.Clone(), nil
}

// transition applies a validated state change and bumps the version. Caller holds s.mu.
func (s *Store) transition(job *models.Job, to models.JobStatus, reason string) error {
	if err := job.RecordTransition(to, reason, s.now()); err != nil {
		return models.WrapError(models.ErrInvalidState, "transition", job.ID, err)
	}
	job.Version++
	return nil
}

// publish emits a job_update. Caller holds s.mu so per-job order matches mutation order.
func (s *Store) publish(job *models.Job, newFrames []models.DetectionFrame) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.JobEvent(job, newFrames, s.now()))
}

// updateMetrics folds newly appended frames into the job's aggregates
func updateMetrics(job *models.Job, added []models.DetectionFrame) {
	m := &job.Metrics
	if m.ObjectsByClass == nil {
		m.ObjectsByClass = make(map[string]int)
	}

	prev := m.FramesProcessed
	sum := m.AvgFrameTimeMs * float64(prev)
	for _, f := range added {
		sum += f.ProcessingTimeMs
		for _, d := range f.Detections {
			m.ObjectsByClass[d.Class]++
		}
	}
	m.FramesProcessed = len(job.Frames)
	if m.FramesProcessed > 0 {
		m.AvgFrameTimeMs = sum / float64(m.FramesProcessed)
	}

	if m.FramesTotal > 0 {
		remaining := m.FramesTotal - m.FramesProcessed
		if remaining < 0 {
			remaining = 0
		}
		m.EstimatedRemainingMs = m.AvgFrameTimeMs * float64(remaining)
	}
}
