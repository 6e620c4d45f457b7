package agent_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitchlens/inference-scheduler/pkg/agent"
	"github.com/pitchlens/inference-scheduler/pkg/api"
	"github.com/pitchlens/inference-scheduler/pkg/auth"
	"github.com/pitchlens/inference-scheduler/pkg/events"
	"github.com/pitchlens/inference-scheduler/pkg/jobstore"
	"github.com/pitchlens/inference-scheduler/pkg/models"
	"github.com/pitchlens/inference-scheduler/pkg/registry"
	"github.com/pitchlens/inference-scheduler/pkg/retry"
	"github.com/pitchlens/inference-scheduler/pkg/scheduler"
	"github.com/pitchlens/inference-scheduler/pkg/scoring"
)

const dispatchKey = "dispatch-key"

type master struct {
	srv   *httptest.Server
	sched *scheduler.Scheduler
	reg   *registry.Registry
	jobs  *jobstore.Store
}

func startMaster(t *testing.T) *master {
	t.Helper()
	bus := events.NewBus(256, nil)
	reg := registry.New(registry.Config{BcryptCost: 4}, bus, nil)
	jobs := jobstore.New(bus, nil)

	cfg := scheduler.DefaultConfig()
	cfg.TickInterval = 20 * time.Millisecond
	sched := scheduler.New(cfg, reg, jobs, scoring.NewPolicy(),
		agent.NewHTTPDispatcher(dispatchKey, 5*time.Second, nil))
	sched.Start(context.Background())

	h := api.NewHandler(sched, reg, jobs, nil, nil)
	srv := httptest.NewServer(api.NewRouter(h, api.Options{}))
	t.Cleanup(func() {
		srv.Close()
		sched.Stop()
		bus.Close()
	})
	return &master{srv: srv, sched: sched, reg: reg, jobs: jobs}
}

// startNode runs an agent with its own node server and returns the runner
func startNode(t *testing.T, m *master, id string, engine agent.Engine) *agent.Runner {
	t.Helper()
	nodeSrv := httptest.NewUnstartedServer(nil)
	endpoint := "http://" + nodeSrv.Listener.Addr().String()

	client := agent.NewClient(m.srv.URL)
	client.SetRetry(retry.Config{MaxRetries: 2, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond, Multiplier: 2})
	runner := agent.NewRunner(agent.RunnerConfig{
		Registration: models.NodeRegistration{
			ID:           id,
			Name:         id,
			Endpoint:     endpoint,
			Credential:   "cred-" + id,
			Accelerators: []models.Accelerator{{DeviceName: "L4", MemoryTotalMB: 24576}},
			Capabilities: []string{"football-detection"},
		},
		HeartbeatInterval: 50 * time.Millisecond,
	}, client, engine, nil, nil)

	nodeSrv.Config.Handler = agent.NewNodeHandler(runner, auth.NewAPIKeys(dispatchKey)).Router(nil)
	nodeSrv.Start()

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, runner.Register(ctx))
	done := make(chan struct{})
	go func() {
		runner.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		nodeSrv.Close()
	})
	return runner
}

func eventually(t *testing.T, msg string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func submit(t *testing.T, m *master, maxFrames int) models.Job {
	t.Helper()
	job, err := m.sched.Submit(models.JobSpec{
		UserID:   "analyst",
		VideoURL: "s3://matches/semi-final.mp4",
		Config:   models.ModelConfig{FrameRate: 10, MaxFrames: maxFrames},
	}, scheduler.SubmitOptions{})
	require.NoError(t, err)
	return job
}

func TestJobRunsToCompletionOnAgent(t *testing.T) {
	m := startMaster(t)
	startNode(t, m, "edge-1", agent.NewSimulatedEngine(0, 5, 1))

	job := submit(t, m, 20)

	var done models.Job
	eventually(t, "job completion", func() bool {
		j, err := m.jobs.Get(job.ID)
		done = j
		return err == nil && j.Status == models.JobStatusCompleted
	})

	require.Len(t, done.Frames, 20)
	for i, f := range done.Frames {
		assert.Equal(t, i, f.Index)
		assert.Equal(t, "edge-1", f.NodeID)
	}
	assert.Equal(t, 20, done.Metrics.FramesTotal)
	assert.Equal(t, 1.0, done.Progress)

	eventually(t, "node release", func() bool {
		n, err := m.reg.Get("edge-1")
		return err == nil && n.CurrentJobID == ""
	})
}

func TestCancelReachesAgent(t *testing.T) {
	m := startMaster(t)
	runner := startNode(t, m, "edge-1", agent.NewSimulatedEngine(20*time.Millisecond, 2, 1))

	job := submit(t, m, 10000)
	eventually(t, "job to start on the node", func() bool { return runner.CurrentJob() == job.ID })

	cancelled, err := m.sched.Cancel(job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, cancelled.Status)

	eventually(t, "agent to stop", func() bool { return runner.CurrentJob() == "" })
	final, err := m.jobs.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, final.Status)
}

type failingEngine struct{}

func (failingEngine) Name() string { return "broken" }
func (failingEngine) Run(ctx context.Context, job models.Job, resumeAfter int, emit func(agent.Batch) error) error {
	return errors.New("cuda out of memory")
}

func TestEngineFailureIsReported(t *testing.T) {
	m := startMaster(t)
	startNode(t, m, "edge-1", failingEngine{})

	job := submit(t, m, 5)
	eventually(t, "job failure", func() bool {
		j, err := m.jobs.Get(job.ID)
		return err == nil && j.Status == models.JobStatusFailed
	})
	j, _ := m.jobs.Get(job.ID)
	assert.Contains(t, j.Error, "cuda out of memory")
}

func TestDispatcherSendsResumePoint(t *testing.T) {
	var got agent.DispatchRequest
	var authHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	d := agent.NewHTTPDispatcher("k", time.Second, nil)
	job := models.Job{ID: "job-1", Frames: []models.DetectionFrame{{Index: 0}, {Index: 1}, {Index: 2}}}
	require.NoError(t, d.Dispatch(context.Background(), models.Node{ID: "n", Endpoint: srv.URL + "/"}, job))

	assert.Equal(t, "Bearer k", authHeader)
	assert.Equal(t, "job-1", got.Job.ID)
	assert.Equal(t, 2, got.ResumeAfter)
	assert.Empty(t, got.Job.Frames)
}

func TestDispatcherTransportErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "busy", http.StatusConflict)
	}))
	d := agent.NewHTTPDispatcher("", time.Second, nil)

	err := d.Dispatch(context.Background(), models.Node{ID: "n", Endpoint: srv.URL}, models.Job{ID: "j"})
	assert.ErrorIs(t, err, models.ErrTransport)
	assert.Contains(t, err.Error(), "409")

	srv.Close()
	err = d.Cancel(context.Background(), models.Node{ID: "n", Endpoint: srv.URL}, "j")
	assert.ErrorIs(t, err, models.ErrTransport)
}

func TestClientRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(models.Job{ID: "job-1", Status: models.JobStatusProcessing})
	}))
	defer srv.Close()

	c := agent.NewClient(srv.URL)
	c.SetRetry(retry.Config{MaxRetries: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, Multiplier: 1})
	job, err := c.ReportProgress(context.Background(), "job-1", models.ProgressUpdate{})
	require.NoError(t, err)
	assert.Equal(t, "job-1", job.ID)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClientDoesNotRetryConflicts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(api.ErrorResponse{Error: "job is cancelled", Kind: "invalid_state"})
	}))
	defer srv.Close()

	c := agent.NewClient(srv.URL)
	err := c.Complete(context.Background(), "job-1")
	assert.ErrorIs(t, err, models.ErrInvalidState)
	assert.Equal(t, int32(1), calls.Load())

	var apiErr *agent.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "job is cancelled", apiErr.Message)
}

func TestRunnerRunsOneJobAtATime(t *testing.T) {
	engine := agent.NewSimulatedEngine(time.Hour, 1, 1)
	r := agent.NewRunner(agent.RunnerConfig{}, agent.NewClient("http://127.0.0.1:0"), engine, nil, nil)

	require.NoError(t, r.Accept(agent.DispatchRequest{Job: models.Job{ID: "a", Config: models.ModelConfig{FrameRate: 1}}, ResumeAfter: -1}))
	// Redelivery of the running job is accepted
	require.NoError(t, r.Accept(agent.DispatchRequest{Job: models.Job{ID: "a"}, ResumeAfter: -1}))

	err := r.Accept(agent.DispatchRequest{Job: models.Job{ID: "b"}, ResumeAfter: -1})
	assert.ErrorIs(t, err, models.ErrConflict)

	assert.ErrorIs(t, r.Cancel("b"), models.ErrNotFound)
	require.NoError(t, r.Cancel("a"))
	eventually(t, "runner to go idle", func() bool { return r.CurrentJob() == "" })
}
