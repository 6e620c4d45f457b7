package jobstore

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pitchlens/inference-scheduler/pkg/events"
	"github.com/pitchlens/inference-scheduler/pkg/models"
)

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(e events.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func newTestStore() (*Store, *recorder) {
	rec := &recorder{}
	return New(rec, nil), rec
}

func spec(user string) models.JobSpec {
	return models.JobSpec{
		UserID:   user,
		VideoURL: "s3://matches/final.mp4",
		Config:   models.ModelConfig{FrameRate: 10},
	}
}

func frames(indices ...int) []models.DetectionFrame {
	out := make([]models.DetectionFrame, len(indices))
	for i, idx := range indices {
		out[i] = models.DetectionFrame{
			Index:            idx,
			Timestamp:        float64(idx) / 10,
			ProcessingTimeMs: 20,
			Detections: []models.Detection{
				{Class: models.ClassPlayer, Confidence: 0.9},
				{Class: models.ClassBall, Confidence: 0.7},
			},
		}
	}
	return out
}

func processingJob(t *testing.T, s *Store, nodeID string) models.Job {
	t.Helper()
	job, err := s.Submit(spec("user-1"))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	job, err = s.MarkProcessing(job.ID, nodeID)
	if err != nil {
		t.Fatalf("MarkProcessing failed: %v", err)
	}
	return job
}

func TestSubmitCreatesQueuedJob(t *testing.T) {
	s, rec := newTestStore()

	job, err := s.Submit(spec("user-1"))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if job.Status != models.JobStatusQueued {
		t.Errorf("expected queued, got %s", job.Status)
	}
	if job.AssignedNodeID != "" {
		t.Error("new job must not have an assigned node")
	}
	if len(rec.events) != 1 || rec.events[0].Type != events.JobUpdate {
		t.Errorf("expected one job_update, got %d", len(rec.events))
	}
}

func TestSubmitValidation(t *testing.T) {
	s, rec := newTestStore()

	bad := spec("user-1")
	bad.VideoURL = ""
	if _, err := s.Submit(bad); !errors.Is(err, models.ErrValidation) {
		t.Errorf("expected ValidationError for missing video, got %v", err)
	}
	bad = spec("user-1")
	bad.Config.FrameRate = 0
	if _, err := s.Submit(bad); !errors.Is(err, models.ErrValidation) {
		t.Errorf("expected ValidationError for zero frame rate, got %v", err)
	}
	if len(rec.events) != 0 || len(s.List("", 0)) != 0 {
		t.Error("rejected submissions must not mutate state")
	}
}

func TestGetNotFound(t *testing.T) {
	s, _ := newTestStore()
	if _, err := s.Get("missing"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected NotFoundError, got %v", err)
	}
}

func TestListByUserMostRecentFirst(t *testing.T) {
	s, _ := newTestStore()
	clk := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return clk })

	var ids []string
	for i := 0; i < 4; i++ {
		job, _ := s.Submit(spec("alice"))
		ids = append(ids, job.ID)
		clk = clk.Add(time.Second)
	}
	s.Submit(spec("bob"))

	jobs := s.ListByUser("alice", 3)
	if len(jobs) != 3 {
		t.Fatalf("expected 3 jobs, got %d", len(jobs))
	}
	if jobs[0].ID != ids[3] || jobs[2].ID != ids[1] {
		t.Error("expected most recent first")
	}
}

func TestQueuedIsFIFO(t *testing.T) {
	s, _ := newTestStore()
	a, _ := s.Submit(spec("u"))
	b, _ := s.Submit(spec("u"))
	c, _ := s.Submit(spec("u"))
	s.MarkProcessing(b.ID, "node-1")

	queued := s.Queued()
	if len(queued) != 2 || queued[0].ID != a.ID || queued[1].ID != c.ID {
		t.Errorf("unexpected queue order")
	}
}

func TestCancelQueued(t *testing.T) {
	s, _ := newTestStore()
	job, _ := s.Submit(spec("u"))

	cancelled, nodeID, err := s.Cancel(job.ID)
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if cancelled.Status != models.JobStatusCancelled || nodeID != "" {
		t.Errorf("expected cancelled with no node, got %s/%q", cancelled.Status, nodeID)
	}

	if _, _, err := s.Cancel(job.ID); !errors.Is(err, models.ErrInvalidState) {
		t.Errorf("expected InvalidStateError cancelling a terminal job, got %v", err)
	}
}

func TestCancelProcessingReturnsNode(t *testing.T) {
	s, _ := newTestStore()
	job := processingJob(t, s, "node-1")

	cancelled, nodeID, err := s.Cancel(job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if nodeID != "node-1" {
		t.Errorf("expected node-1, got %q", nodeID)
	}
	if cancelled.AssignedNodeID != "" {
		t.Error("cancelled job must not keep an assignment")
	}
}

func TestApplyProgressRejectsDuplicateFrame(t *testing.T) {
	s, _ := newTestStore()
	job := processingJob(t, s, "node-1")

	if _, err := s.ApplyProgress(job.ID, models.ProgressUpdate{NodeID: "node-1", Progress: 0.3, Frames: frames(0, 1, 2)}); err != nil {
		t.Fatalf("ApplyProgress failed: %v", err)
	}

	_, err := s.ApplyProgress(job.ID, models.ProgressUpdate{NodeID: "node-1", Progress: 0.4, Frames: frames(1)})
	if !errors.Is(err, models.ErrConflict) {
		t.Fatalf("expected ConflictError, got %v", err)
	}

	got, _ := s.Get(job.ID)
	if len(got.Frames) != 3 {
		t.Errorf("expected 3 frames, got %d", len(got.Frames))
	}
	if got.Progress != 0.3 {
		t.Errorf("rejected batch must not move progress, got %v", got.Progress)
	}
}

func TestApplyProgressRejectsOutOfOrderBatch(t *testing.T) {
	s, _ := newTestStore()
	job := processingJob(t, s, "node-1")

	_, err := s.ApplyProgress(job.ID, models.ProgressUpdate{NodeID: "node-1", Frames: frames(0, 2, 1)})
	if !errors.Is(err, models.ErrConflict) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	got, _ := s.Get(job.ID)
	if len(got.Frames) != 0 {
		t.Error("a rejected batch must not be partially applied")
	}
}

func TestApplyProgressFromWrongNode(t *testing.T) {
	s, _ := newTestStore()
	job := processingJob(t, s, "node-1")

	_, err := s.ApplyProgress(job.ID, models.ProgressUpdate{NodeID: "node-2", Frames: frames(0)})
	if !errors.Is(err, models.ErrConflict) {
		t.Errorf("expected ConflictError, got %v", err)
	}
}

func TestApplyProgressMetrics(t *testing.T) {
	s, rec := newTestStore()
	job := processingJob(t, s, "node-1")

	got, err := s.ApplyProgress(job.ID, models.ProgressUpdate{
		NodeID:      "node-1",
		Progress:    0.1,
		FramesTotal: 10,
		Frames:      frames(0, 1),
	})
	if err != nil {
		t.Fatal(err)
	}

	m := got.Metrics
	if m.FramesProcessed != 2 || m.FramesTotal != 10 {
		t.Errorf("unexpected frame counts %d/%d", m.FramesProcessed, m.FramesTotal)
	}
	if m.ObjectsByClass[models.ClassPlayer] != 2 || m.ObjectsByClass[models.ClassBall] != 2 {
		t.Errorf("unexpected class counts %v", m.ObjectsByClass)
	}
	if m.AvgFrameTimeMs != 20 {
		t.Errorf("expected avg 20ms, got %v", m.AvgFrameTimeMs)
	}
	if m.EstimatedRemainingMs != 160 {
		t.Errorf("expected 160ms remaining, got %v", m.EstimatedRemainingMs)
	}
	if got.Frames[0].NodeID != "node-1" {
		t.Error("frame node id should default to the assigned node")
	}

	last := rec.events[len(rec.events)-1]
	if len(last.NewFrames) != 2 {
		t.Errorf("job_update should carry the new frames, got %d", len(last.NewFrames))
	}
}

func TestCompleteIsIdempotent(t *testing.T) {
	s, rec := newTestStore()
	job := processingJob(t, s, "node-1")

	first, err := s.Complete(job.ID)
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	eventsAfterFirst := len(rec.events)

	second, err := s.Complete(job.ID)
	if err != nil {
		t.Fatalf("second Complete should be a no-op, got %v", err)
	}
	if second.Version != first.Version || second.Status != models.JobStatusCompleted {
		t.Error("second Complete changed state")
	}
	if len(rec.events) != eventsAfterFirst {
		t.Error("second Complete published an event")
	}
}

func TestFirstTerminalWriterWins(t *testing.T) {
	s, _ := newTestStore()
	job := processingJob(t, s, "node-1")

	if _, err := s.Fail(job.ID, "decoder crashed"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Complete(job.ID); !errors.Is(err, models.ErrInvalidState) {
		t.Errorf("expected InvalidStateError for complete after fail, got %v", err)
	}
	got, _ := s.Get(job.ID)
	if got.Status != models.JobStatusFailed || got.Error != "decoder crashed" {
		t.Errorf("unexpected final state %s/%q", got.Status, got.Error)
	}
	if _, err := s.Fail(job.ID, "again"); err != nil {
		t.Errorf("repeated Fail should be a no-op, got %v", err)
	}
}

func TestCompleteQueuedJobRejected(t *testing.T) {
	s, _ := newTestStore()
	job, _ := s.Submit(spec("u"))
	if _, err := s.Complete(job.ID); !errors.Is(err, models.ErrInvalidState) {
		t.Errorf("expected InvalidStateError, got %v", err)
	}
}

func TestRequeueKeepsFrames(t *testing.T) {
	s, _ := newTestStore()
	job := processingJob(t, s, "node-1")
	s.ApplyProgress(job.ID, models.ProgressUpdate{NodeID: "node-1", Frames: frames(0, 1, 2, 3)})

	requeued, err := s.Requeue(job.ID, "node-1", "heartbeat timeout")
	if err != nil {
		t.Fatalf("Requeue failed: %v", err)
	}
	if requeued.Status != models.JobStatusQueued || requeued.AssignedNodeID != "" {
		t.Errorf("unexpected state %s/%q", requeued.Status, requeued.AssignedNodeID)
	}
	if len(requeued.Frames) != 4 {
		t.Errorf("frames lost on requeue: %d", len(requeued.Frames))
	}

	// Resumed on another node, frames continue from the last index
	s.MarkProcessing(job.ID, "node-2")
	if _, err := s.ApplyProgress(job.ID, models.ProgressUpdate{NodeID: "node-2", Frames: frames(4)}); err != nil {
		t.Errorf("continuation frames rejected: %v", err)
	}
}

func TestRequeueWrongNodeConflicts(t *testing.T) {
	s, _ := newTestStore()
	job := processingJob(t, s, "node-1")

	if _, err := s.Requeue(job.ID, "node-2", "x"); !errors.Is(err, models.ErrConflict) {
		t.Errorf("expected ConflictError, got %v", err)
	}
}

func TestAssignedNodeIffProcessing(t *testing.T) {
	s, _ := newTestStore()

	check := func() {
		t.Helper()
		for _, j := range s.List("", 0) {
			if (j.AssignedNodeID != "") != (j.Status == models.JobStatusProcessing) {
				t.Fatalf("job %s: status %s with assigned node %q", j.ID, j.Status, j.AssignedNodeID)
			}
		}
	}

	a := processingJob(t, s, "n1")
	check()
	s.Complete(a.ID)
	check()
	b := processingJob(t, s, "n2")
	s.Requeue(b.ID, "n2", "lost")
	check()
	s.MarkProcessing(b.ID, "n3")
	s.FailAssignment(b.ID, "n3", "transport")
	check()
	c := processingJob(t, s, "n4")
	s.Cancel(c.ID)
	check()
}

func TestTransitionsRecorded(t *testing.T) {
	s, _ := newTestStore()
	job := processingJob(t, s, "node-1")
	s.Requeue(job.ID, "node-1", "failover")
	s.MarkProcessing(job.ID, "node-2")
	s.Complete(job.ID)

	got, _ := s.Get(job.ID)
	if len(got.StateTransitions) != 4 {
		t.Fatalf("expected 4 transitions, got %d", len(got.StateTransitions))
	}
	if got.StateTransitions[1].Reason != "failover" {
		t.Errorf("unexpected reason %q", got.StateTransitions[1].Reason)
	}
}

func TestRestoreRequeuesProcessing(t *testing.T) {
	s, _ := newTestStore()
	started := time.Now()
	s.Restore([]models.Job{
		{ID: "j1", Status: models.JobStatusProcessing, AssignedNodeID: "gone", CreatedAt: started,
			Frames: frames(0, 1)},
		{ID: "j2", Status: models.JobStatusCompleted, CreatedAt: started.Add(time.Second)},
	})

	j1, err := s.Get("j1")
	if err != nil {
		t.Fatal(err)
	}
	if j1.Status != models.JobStatusQueued || j1.AssignedNodeID != "" || len(j1.Frames) != 2 {
		t.Errorf("unexpected restored job %s/%q/%d", j1.Status, j1.AssignedNodeID, len(j1.Frames))
	}
	if q := s.Queued(); len(q) != 1 || q[0].ID != "j1" {
		t.Error("restored processing job should be queued")
	}
}

func TestRecordDispatchFailure(t *testing.T) {
	s, _ := newTestStore()
	job := processingJob(t, s, "gpu-1")
	for want := 1; want <= 3; want++ {
		got, err := s.RecordDispatchFailure(job.ID, "gpu-1")
		if err != nil || got != want {
			t.Fatalf("expected %d, got %d (%v)", want, got, err)
		}
	}
}

func TestDispatchFailureFromStaleAssignmentNotCounted(t *testing.T) {
	s, _ := newTestStore()
	job := processingJob(t, s, "gpu-1")
	if _, err := s.Requeue(job.ID, "gpu-1", "heartbeat timeout"); err != nil {
		t.Fatal(err)
	}

	if _, err := s.RecordDispatchFailure(job.ID, "gpu-1"); !errors.Is(err, models.ErrConflict) {
		t.Errorf("expected ConflictError for a queued job, got %v", err)
	}
	if _, err := s.MarkProcessing(job.ID, "gpu-2"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.RecordDispatchFailure(job.ID, "gpu-1"); !errors.Is(err, models.ErrConflict) {
		t.Errorf("expected ConflictError for a job now on gpu-2, got %v", err)
	}
	if _, err := s.RecordDispatchFailure("missing", "gpu-1"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected NotFound, got %v", err)
	}

	got, _ := s.Get(job.ID)
	if got.DispatchFailures != 0 {
		t.Errorf("late failures were counted: %d", got.DispatchFailures)
	}
}
