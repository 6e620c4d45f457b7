package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pitchlens/inference-scheduler/pkg/jobstore"
	"github.com/pitchlens/inference-scheduler/pkg/logging"
	"github.com/pitchlens/inference-scheduler/pkg/metrics"
	"github.com/pitchlens/inference-scheduler/pkg/models"
	"github.com/pitchlens/inference-scheduler/pkg/registry"
	"github.com/pitchlens/inference-scheduler/pkg/retry"
	"github.com/pitchlens/inference-scheduler/pkg/scoring"
	"github.com/pitchlens/inference-scheduler/pkg/tracing"
)

// Dispatcher pushes work to a node's submission endpoint
type Dispatcher interface {
	Dispatch(ctx context.Context, node models.Node, job models.Job) error
	Cancel(ctx context.Context, node models.Node, jobID string) error
}

// Config holds scheduler timing configuration
type Config struct {
	TickInterval    time.Duration // Fallback polling interval
	DispatchTimeout time.Duration // Per-dispatch network timeout
	Backoff         retry.Config  // Delay before a failed dispatch is retried
}

// DefaultConfig returns the default scheduler configuration
func DefaultConfig() Config {
	return Config{
		TickInterval:    2 * time.Second,
		DispatchTimeout: 10 * time.Second,
		Backoff:         retry.DefaultConfig(),
	}
}

// SubmitOptions control admission of a new job
type SubmitOptions struct {
	// SyncAdmission rejects the job with a CapacityError when no node is eligible right now
	SyncAdmission bool
}

// Scheduler owns the job-to-node assignment relation and all retry and failover logic
type Scheduler struct {
	cfg        Config
	registry   *registry.Registry
	jobs       *jobstore.Store
	policy     *scoring.Policy
	dispatcher Dispatcher
	metrics    *metrics.Collector
	tracer     *tracing.Provider
	logger     *logging.Logger

	mu        sync.Mutex
	notBefore map[string]time.Time // Backoff gate per job
	now       func() time.Time

	cycleMu  sync.Mutex // One scheduling cycle at a time
	wake     chan struct{}
	stopCh   chan struct{}
	baseCtx  context.Context
	cancel   context.CancelFunc
	running  bool
	loop     sync.WaitGroup
	inflight sync.WaitGroup
}

// Option configures a Scheduler
type Option func(*Scheduler)

// WithMetrics records scheduler activity in c
func WithMetrics(c *metrics.Collector) Option {
	return func(s *Scheduler) { s.metrics = c }
}

// WithTracer wraps dispatches in spans from p
func WithTracer(p *tracing.Provider) Option {
	return func(s *Scheduler) { s.tracer = p }
}

// WithLogger sets the scheduler logger
func WithLogger(l *logging.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// New creates a scheduler and installs itself as the registry's node-lost and online handler
func New(cfg Config, reg *registry.Registry, jobs *jobstore.Store, policy *scoring.Policy, dispatcher Dispatcher, opts ...Option) *Scheduler {
	def := DefaultConfig()
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = def.DispatchTimeout
	}
	if cfg.Backoff.InitialBackoff <= 0 {
		cfg.Backoff = def.Backoff
	}

	s := &Scheduler{
		cfg:        cfg,
		registry:   reg,
		jobs:       jobs,
		policy:     policy,
		dispatcher: dispatcher,
		notBefore:  make(map[string]time.Time),
		now:        time.Now,
		wake:       make(chan struct{}, 1),
		baseCtx:    context.Background(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = metrics.NewCollector()
	}
	if s.tracer == nil {
		s.tracer = tracing.Noop("inference-scheduler")
	}
	if s.logger == nil {
		s.logger = logging.Discard()
	}

	reg.SetNodeLostHandler(s.HandleNodeLost)
	reg.SetOnlineHandler(func(string) { s.Wake() })
	return s
}

// SetClock overrides the time source for backoff gating; used by tests
func (s *Scheduler) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Start begins the dispatch loop
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.baseCtx, s.cancel = context.WithCancel(ctx)
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	s.logger.Info(fmt.Sprintf("[Scheduler] Started (tick interval: %v, dispatch timeout: %v)", s.cfg.TickInterval, s.cfg.DispatchTimeout))
	s.loop.Add(1)
	go s.run()
}

// Stop ends the dispatch loop and waits for in-flight dispatches and cancellations
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	cancel := s.cancel
	s.mu.Unlock()

	s.loop.Wait()
	cancel()
	s.inflight.Wait()
	s.logger.Info("[Scheduler] Stopped")
}

// Wake requests a scheduling cycle without waiting for the next tick
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) run() {
	defer s.loop.Done()

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	s.runCycle()
	for {
		select {
		case <-ticker.C:
			s.runCycle()
		case <-s.wake:
			s.runCycle()
		case <-s.stopCh:
			return
		}
	}
}

// runCycle assigns as many queued jobs as current capacity allows, oldest first
func (s *Scheduler) runCycle() {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()

	start := time.Now()
	defer func() { s.metrics.ObserveCycle(time.Since(start)) }()

	s.registry.Sweep()

	for _, job := range s.jobs.Queued() {
		if s.gated(job.ID) {
			continue
		}
		s.assign(job)
	}
}

// assign tries the ranked candidates for job until one reservation succeeds.
// No candidate leaves the job queued for the next cycle.
func (s *Scheduler) assign(job models.Job) bool {
	candidates := s.registry.ListEligible(job.RequiredCapabilities, job.LoadBalancing.MaxQueueLength)
	ranked := s.policy.Rank(candidates, job.LoadBalancing)
	if len(ranked) == 0 {
		return false
	}

	for _, node := range ranked {
		if err := s.registry.Reserve(node.ID, job.ID); err != nil {
			s.logger.Debug(fmt.Sprintf("[Scheduler] Reserve %s for job %s failed: %v", node.ID, job.ID, err))
			continue
		}

		assigned, err := s.jobs.MarkProcessing(job.ID, node.ID)
		if err != nil {
			// Cancelled between the queue snapshot and the reservation
			s.registry.Release(node.ID, job.ID)
			s.logger.Debug(fmt.Sprintf("[Scheduler] Job %s no longer assignable: %v", job.ID, err))
			return false
		}

		s.logger.Info(fmt.Sprintf("[Scheduler] Assigned job %s to node %s (%s)", job.ID, node.ID, job.LoadBalancing.Algorithm), map[string]interface{}{
			"queue_length": node.Performance.QueueLength,
			"utilization":  node.Performance.UtilizationPercent,
			"frames_kept":  len(assigned.Frames),
		})
		s.dispatchAsync(node, assigned)
		return true
	}
	return false
}

func (s *Scheduler) dispatchAsync(node models.Node, job models.Job) {
	s.mu.Lock()
	base := s.baseCtx
	s.mu.Unlock()

	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()

		ctx, cancel := context.WithTimeout(base, s.cfg.DispatchTimeout)
		defer cancel()
		ctx, span := s.tracer.StartSpan(ctx, "scheduler.dispatch", tracing.DispatchAttributes(job, node)...)
		defer span.End()

		err := s.dispatcher.Dispatch(ctx, node, job)
		if err == nil {
			s.metrics.DispatchResult(string(job.LoadBalancing.Algorithm), "ok")
			return
		}
		tracing.SetError(ctx, err)
		s.handleDispatchFailure(node, job, err)
	}()
}

// handleDispatchFailure requeues the job with backoff while retry budget remains,
// and fails it with the transport error once the budget is spent
func (s *Scheduler) handleDispatchFailure(node models.Node, job models.Job, cause error) {
	algorithm := string(job.LoadBalancing.Algorithm)
	defer s.registry.Release(node.ID, job.ID)

	failures, err := s.jobs.RecordDispatchFailure(job.ID, node.ID)
	if err != nil {
		// Cancelled, reassigned or lost while the dispatch was in flight
		s.logger.Debug(fmt.Sprintf("[Scheduler] Dispatch failure of job %s on %s not counted: %v", job.ID, node.ID, err))
		return
	}

	if failures <= job.LoadBalancing.Retries() {
		reason := fmt.Sprintf("dispatch to %s failed (attempt %d): %v", node.ID, failures, cause)
		// Gate first: the job is dispatchable the moment it is back in the queue
		delay := s.cfg.Backoff.Backoff(failures)
		s.gate(job.ID, delay)
		if _, err := s.jobs.Requeue(job.ID, node.ID, reason); err != nil {
			s.clearGate(job.ID)
			s.logger.Debug(fmt.Sprintf("[Scheduler] Requeue of job %s skipped: %v", job.ID, err))
			return
		}
		s.metrics.DispatchResult(algorithm, "transport_error")
		s.metrics.JobRequeued("dispatch_retry")
		s.logger.Warn(fmt.Sprintf("[Scheduler] Dispatch of job %s to %s failed, retrying in %v: %v", job.ID, node.ID, delay, cause))
		time.AfterFunc(delay, s.Wake)
		return
	}

	reason := fmt.Sprintf("transport error: dispatch failed after %d attempts: %v", failures, cause)
	if _, err := s.jobs.FailAssignment(job.ID, node.ID, reason); err != nil {
		s.logger.Debug(fmt.Sprintf("[Scheduler] Fail of job %s skipped: %v", job.ID, err))
		return
	}
	s.clearGate(job.ID)
	s.metrics.DispatchResult(algorithm, "exhausted")
	s.metrics.JobFinished(string(models.JobStatusFailed))
}

// Submit creates a queued job and wakes the dispatch loop
func (s *Scheduler) Submit(spec models.JobSpec, opts SubmitOptions) (models.Job, error) {
	if opts.SyncAdmission {
		probe := spec
		if err := probe.Normalize(); err != nil {
			return models.Job{}, err
		}
		if len(s.registry.ListEligible(probe.RequiredCapabilities, probe.LoadBalancing.MaxQueueLength)) == 0 {
			return models.Job{}, models.NewError(models.ErrCapacity, "submit", "",
				"no eligible node for the requested capabilities")
		}
	}

	job, err := s.jobs.Submit(spec)
	if err != nil {
		return models.Job{}, err
	}
	s.metrics.JobSubmitted()
	s.Wake()
	return job, nil
}

// Cancel moves the job to cancelled immediately and signals the assigned node without waiting
func (s *Scheduler) Cancel(jobID string) (models.Job, error) {
	job, nodeID, err := s.jobs.Cancel(jobID)
	if err != nil {
		return models.Job{}, err
	}
	s.clearGate(jobID)
	s.metrics.JobFinished(string(models.JobStatusCancelled))

	if nodeID == "" {
		return job, nil
	}

	node, err := s.registry.Get(nodeID)
	// The agent may still be running the job; keep the node busy until it heartbeats online
	s.registry.Drain(nodeID, jobID)
	if err != nil {
		s.logger.Warn(fmt.Sprintf("[Scheduler] Cancelled job %s but node %s is gone: %v", jobID, nodeID, err))
		return job, nil
	}

	s.mu.Lock()
	base := s.baseCtx
	s.mu.Unlock()

	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		ctx, cancel := context.WithTimeout(base, s.cfg.DispatchTimeout)
		defer cancel()
		if err := s.dispatcher.Cancel(ctx, node, jobID); err != nil {
			s.logger.Warn(fmt.Sprintf("[Scheduler] Cancel signal for job %s to node %s failed: %v", jobID, nodeID, err))
		}
	}()
	return job, nil
}

// HandleNodeLost recovers a job whose node stopped heartbeating, reported an error,
// or was deregistered. The node's reservation has already been cleared.
func (s *Scheduler) HandleNodeLost(nodeID, jobID, reason string) {
	s.metrics.NodeLost()

	job, err := s.jobs.Get(jobID)
	if err != nil {
		s.logger.Warn(fmt.Sprintf("[Scheduler] Node %s lost unknown job %s", nodeID, jobID))
		return
	}

	if job.LoadBalancing.Failover() {
		requeued, err := s.jobs.Requeue(jobID, nodeID, reason)
		if err != nil {
			s.logger.Debug(fmt.Sprintf("[Scheduler] Job %s not requeued after losing %s: %v", jobID, nodeID, err))
			return
		}
		s.metrics.JobRequeued("failover")
		s.logger.Warn(fmt.Sprintf("[Scheduler] Job %s interrupted on node %s (%s), requeued with %d frames", jobID, nodeID, reason, len(requeued.Frames)))
		s.Wake()
		return
	}

	if _, err := s.jobs.FailAssignment(jobID, nodeID, "node lost"); err != nil {
		s.logger.Debug(fmt.Sprintf("[Scheduler] Job %s not failed after losing %s: %v", jobID, nodeID, err))
		return
	}
	s.metrics.JobFinished(string(models.JobStatusFailed))
}

// ReportProgress applies a progress batch from the assigned node
func (s *Scheduler) ReportProgress(jobID string, update models.ProgressUpdate) (models.Job, error) {
	return s.jobs.ApplyProgress(jobID, update)
}

// CompleteJob marks the job completed on behalf of nodeID and frees the node
func (s *Scheduler) CompleteJob(nodeID, jobID string) (models.Job, error) {
	before, err := s.checkAssignment("complete", nodeID, jobID)
	if err != nil {
		return models.Job{}, err
	}
	job, err := s.jobs.Complete(jobID)
	if err != nil {
		return models.Job{}, err
	}
	if before.Status != models.JobStatusCompleted {
		s.metrics.JobFinished(string(models.JobStatusCompleted))
	}
	s.registry.Release(nodeID, jobID)
	return job, nil
}

// FailJob marks the job failed on behalf of nodeID and frees the node
func (s *Scheduler) FailJob(nodeID, jobID, reason string) (models.Job, error) {
	before, err := s.checkAssignment("fail", nodeID, jobID)
	if err != nil {
		return models.Job{}, err
	}
	if reason == "" {
		reason = "failed on node " + nodeID
	}
	job, err := s.jobs.Fail(jobID, reason)
	if err != nil {
		return models.Job{}, err
	}
	if before.Status != models.JobStatusFailed {
		s.metrics.JobFinished(string(models.JobStatusFailed))
	}
	s.clearGate(jobID)
	s.registry.Release(nodeID, jobID)
	return job, nil
}

// checkAssignment rejects terminal signals from a node the job is not assigned to.
// Duplicate signals after the job went terminal fall through to the store's idempotence rules.
func (s *Scheduler) checkAssignment(op, nodeID, jobID string) (models.Job, error) {
	job, err := s.jobs.Get(jobID)
	if err != nil {
		return models.Job{}, err
	}
	if job.Status == models.JobStatusProcessing && nodeID != "" && job.AssignedNodeID != nodeID {
		return models.Job{}, models.NewError(models.ErrConflict, op, jobID,
			fmt.Sprintf("node %s is not assigned to this job", nodeID))
	}
	return job, nil
}

// QueueDepth returns the number of jobs waiting for a node
func (s *Scheduler) QueueDepth() int {
	return len(s.jobs.Queued())
}

func (s *Scheduler) gated(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	until, ok := s.notBefore[jobID]
	if !ok {
		return false
	}
	if !s.now().Before(until) {
		delete(s.notBefore, jobID)
		return false
	}
	return true
}

func (s *Scheduler) gate(jobID string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notBefore[jobID] = s.now().Add(d)
}

func (s *Scheduler) clearGate(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.notBefore, jobID)
}
