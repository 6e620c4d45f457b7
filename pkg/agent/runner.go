package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pitchlens/inference-scheduler/pkg/logging"
	"github.com/pitchlens/inference-scheduler/pkg/models"
)

// RunnerConfig configures a node agent
type RunnerConfig struct {
	Registration      models.NodeRegistration
	HeartbeatInterval time.Duration
	ReportTimeout     time.Duration
}

// Runner is the node side of the scheduler: it registers, heartbeats, accepts one job
// at a time from the master and streams the engine's frames back.
type Runner struct {
	cfg     RunnerConfig
	client  *Client
	engine  Engine
	sampler HostSampler
	logger  *logging.Logger

	mu      sync.Mutex
	current *activeJob
	seq     uint64
	avgMs   float64 // Moving average of frame processing time
	wg      sync.WaitGroup
}

type activeJob struct {
	id     string
	cancel context.CancelFunc
}

// NewRunner creates a runner. sampler may be nil.
func NewRunner(cfg RunnerConfig, client *Client, engine Engine, sampler HostSampler, logger *logging.Logger) *Runner {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 5 * time.Second
	}
	if cfg.ReportTimeout <= 0 {
		cfg.ReportTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Runner{cfg: cfg, client: client, engine: engine, sampler: sampler, logger: logger}
}

// Register registers the node and sends the first heartbeat so it becomes schedulable
func (r *Runner) Register(ctx context.Context) error {
	node, err := r.client.Register(ctx, r.cfg.Registration)
	if err != nil {
		return err
	}
	r.cfg.Registration.ID = node.ID
	r.logger.Info(fmt.Sprintf("[Agent] Registered as node %s", node.ID))
	return r.heartbeat(ctx)
}

// Run heartbeats until ctx is done, then waits for the running job to stop
func (r *Runner) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.stopCurrent()
			r.wg.Wait()
			return
		case <-ticker.C:
			if err := r.heartbeat(ctx); err != nil {
				r.logger.Warn(fmt.Sprintf("[Agent] Heartbeat failed: %v", err))
				if errors.Is(err, models.ErrNotFound) {
					// Deregistered or forgotten by the master; registering again revives us
					if err := r.Register(ctx); err != nil {
						r.logger.Error(fmt.Sprintf("[Agent] Re-registration failed: %v", err))
					}
				}
			}
		}
	}
}

func (r *Runner) heartbeat(ctx context.Context) error {
	r.mu.Lock()
	r.seq++
	hb := models.Heartbeat{
		Status:    models.NodeStatusOnline,
		Sequence:  r.seq,
		Timestamp: time.Now(),
		Performance: models.PerformanceSnapshot{
			AvgInferenceTimeMs: r.avgMs,
		},
	}
	if r.current != nil {
		hb.Status = models.NodeStatusBusy
		hb.Performance.QueueLength = 1
	}
	r.mu.Unlock()

	if r.sampler != nil {
		s := r.sampler.Sample()
		hb.Performance.UtilizationPercent = s.CPUPercent
		hb.Performance.MemoryUsedMB = s.MemoryUsedMB
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.ReportTimeout)
	defer cancel()
	return r.client.SendHeartbeat(ctx, hb)
}

// Accept starts a dispatched job. A node runs one job at a time.
func (r *Runner) Accept(req DispatchRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.current != nil {
		if r.current.id == req.Job.ID {
			return nil
		}
		return models.NewError(models.ErrConflict, "accept", req.Job.ID,
			fmt.Sprintf("busy with job %s", r.current.id))
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.current = &activeJob{id: req.Job.ID, cancel: cancel}
	r.wg.Add(1)
	go r.runJob(ctx, req)

	r.logger.Info(fmt.Sprintf("[Agent] Accepted job %s (resume after frame %d)", req.Job.ID, req.ResumeAfter))
	return nil
}

// Cancel stops jobID if it is the running job
func (r *Runner) Cancel(jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil || r.current.id != jobID {
		return models.NewError(models.ErrNotFound, "cancel", jobID, "job is not running here")
	}
	r.current.cancel()
	r.logger.Info(fmt.Sprintf("[Agent] Cancelling job %s", jobID))
	return nil
}

// CurrentJob returns the running job's ID, if any
func (r *Runner) CurrentJob() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return ""
	}
	return r.current.id
}

func (r *Runner) stopCurrent() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current != nil {
		r.current.cancel()
	}
}

func (r *Runner) runJob(ctx context.Context, req DispatchRequest) {
	defer r.wg.Done()
	jobID := req.Job.ID
	defer func() {
		r.mu.Lock()
		if r.current != nil && r.current.id == jobID {
			r.current.cancel()
			r.current = nil
		}
		r.mu.Unlock()
	}()

	emit := func(b Batch) error {
		r.observe(b.Frames)
		rctx, cancel := context.WithTimeout(ctx, r.cfg.ReportTimeout)
		defer cancel()
		_, err := r.client.ReportProgress(rctx, jobID, models.ProgressUpdate{
			Progress:    b.Progress,
			FramesTotal: b.FramesTotal,
			Frames:      b.Frames,
		})
		return err
	}

	err := r.engine.Run(ctx, req.Job, req.ResumeAfter, emit)
	switch {
	case err == nil:
		if err := r.report(func(c context.Context) error { return r.client.Complete(c, jobID) }); err != nil {
			r.logger.Error(fmt.Sprintf("[Agent] Failed to report completion of job %s: %v", jobID, err))
			return
		}
		r.logger.Info(fmt.Sprintf("[Agent] Job %s completed", jobID))
	case errors.Is(err, context.Canceled):
		r.logger.Info(fmt.Sprintf("[Agent] Job %s stopped", jobID))
	case errors.Is(err, models.ErrConflict), errors.Is(err, models.ErrInvalidState), errors.Is(err, models.ErrNotFound):
		// The master took the job away (cancelled, reassigned, or finished elsewhere)
		r.logger.Warn(fmt.Sprintf("[Agent] Master rejected progress for job %s, abandoning: %v", jobID, err))
	default:
		reason := fmt.Sprintf("%s engine: %v", r.engine.Name(), err)
		if err := r.report(func(c context.Context) error { return r.client.Fail(c, jobID, reason) }); err != nil {
			r.logger.Error(fmt.Sprintf("[Agent] Failed to report failure of job %s: %v", jobID, err))
			return
		}
		r.logger.Warn(fmt.Sprintf("[Agent] Job %s failed: %s", jobID, reason))
	}
}

// report sends a final result on a fresh context; the job context may already be done
func (r *Runner) report(fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.ReportTimeout)
	defer cancel()
	return fn(ctx)
}

func (r *Runner) observe(frames []models.DetectionFrame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, f := range frames {
		if r.avgMs == 0 {
			r.avgMs = f.ProcessingTimeMs
			continue
		}
		r.avgMs = 0.9*r.avgMs + 0.1*f.ProcessingTimeMs
	}
}
