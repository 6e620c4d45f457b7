package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/pitchlens/inference-scheduler/pkg/auth"
	"github.com/pitchlens/inference-scheduler/pkg/jobstore"
	"github.com/pitchlens/inference-scheduler/pkg/logging"
	"github.com/pitchlens/inference-scheduler/pkg/metrics"
	"github.com/pitchlens/inference-scheduler/pkg/middleware"
	"github.com/pitchlens/inference-scheduler/pkg/models"
	"github.com/pitchlens/inference-scheduler/pkg/ratelimit"
	"github.com/pitchlens/inference-scheduler/pkg/registry"
	"github.com/pitchlens/inference-scheduler/pkg/scheduler"
	"github.com/pitchlens/inference-scheduler/pkg/tracing"
)

// NodeCredentialHeader carries the node's registration credential on node-facing calls
const NodeCredentialHeader = "X-Node-Credential"

const maxBodyBytes = 8 << 20

// Handler serves the submission, node control and node progress APIs
type Handler struct {
	sched  *scheduler.Scheduler
	reg    *registry.Registry
	jobs   *jobstore.Store
	hub    *Hub
	logger *logging.Logger
}

// NewHandler creates the API handler. hub may be nil when live updates are disabled.
func NewHandler(sched *scheduler.Scheduler, reg *registry.Registry, jobs *jobstore.Store, hub *Hub, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Handler{sched: sched, reg: reg, jobs: jobs, hub: hub, logger: logger}
}

// Options configures the cross-cutting middleware of the router
type Options struct {
	APIKeys *auth.APIKeys      // Operator/submitter keys; nil or empty disables the check
	Limiter *ratelimit.Limiter // Per-user submission limit; nil disables it
	Metrics *metrics.Collector
	Tracer  *tracing.Provider
}

// NewRouter builds the master's HTTP router
func NewRouter(h *Handler, opts Options) *mux.Router {
	r := mux.NewRouter()
	if opts.Tracer != nil {
		r.Use(tracing.HTTPMiddleware(opts.Tracer))
	}
	if opts.Metrics != nil {
		r.Use(opts.Metrics.Middleware)
	}
	h.RegisterRoutes(r, opts)
	return r
}

// RegisterRoutes registers all API routes
func (h *Handler) RegisterRoutes(r *mux.Router, opts Options) {
	operator := opts.APIKeys.Middleware()
	submit := func(next http.HandlerFunc) http.Handler {
		var handler http.Handler = middleware.RequireUser(next)
		if opts.Limiter != nil {
			handler = opts.Limiter.Middleware(ratelimit.UserKeyFunc)(handler)
		}
		return operator(handler)
	}
	op := func(next http.HandlerFunc) http.Handler { return operator(next) }

	// Submission API
	r.Handle("/jobs", submit(h.SubmitJob)).Methods("POST")
	r.Handle("/jobs", op(h.ListJobs)).Methods("GET")
	r.Handle("/jobs/{id}", op(h.GetJob)).Methods("GET")
	r.Handle("/jobs/{id}/cancel", op(h.CancelJob)).Methods("POST")

	// Node control API (register before the parameterized node routes)
	r.Handle("/nodes/register", op(h.RegisterNode)).Methods("POST")
	r.Handle("/nodes", op(h.ListNodes)).Methods("GET")
	r.Handle("/nodes/{id}", op(h.GetNode)).Methods("GET")
	r.Handle("/nodes/{id}", op(h.DeregisterNode)).Methods("DELETE")

	// Node-facing API, authenticated by node credential
	r.HandleFunc("/nodes/{id}/heartbeat", h.nodeAuth(h.Heartbeat)).Methods("POST")
	r.HandleFunc("/nodes/{id}/jobs/{job}/progress", h.nodeAuth(h.ReportProgress)).Methods("POST")
	r.HandleFunc("/nodes/{id}/jobs/{job}/complete", h.nodeAuth(h.CompleteJob)).Methods("POST")
	r.HandleFunc("/nodes/{id}/jobs/{job}/fail", h.nodeAuth(h.FailJob)).Methods("POST")

	if h.hub != nil {
		r.Handle("/ws", op(h.hub.ServeWS)).Methods("GET")
	}
	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics).Methods("GET")
	}
	r.HandleFunc("/health", h.Health).Methods("GET")
}

// SubmitJobRequest is the body of POST /jobs
type SubmitJobRequest struct {
	VideoURL             string                     `json:"video_url"`
	Config               models.ModelConfig         `json:"config"`
	RequiredCapabilities []string                   `json:"required_capabilities,omitempty"`
	LoadBalancing        models.LoadBalancingConfig `json:"load_balancing"`
	SyncAdmission        bool                       `json:"sync_admission,omitempty"`
}

// SubmitJob creates a queued job for the requesting user
func (h *Handler) SubmitJob(w http.ResponseWriter, r *http.Request) {
	var req SubmitJobRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}

	job, err := h.sched.Submit(models.JobSpec{
		UserID:               middleware.GetUserID(r),
		VideoURL:             req.VideoURL,
		Config:               req.Config,
		RequiredCapabilities: req.RequiredCapabilities,
		LoadBalancing:        req.LoadBalancing,
	}, scheduler.SubmitOptions{SyncAdmission: req.SyncAdmission})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

// ListJobs returns jobs most recent first, filtered by user_id or status
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 0
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, models.Validationf("list_jobs", "invalid limit %q", s))
			return
		}
		limit = n
	}

	var jobs []models.Job
	if user := q.Get("user_id"); user != "" {
		jobs = h.jobs.ListByUser(user, limit)
	} else {
		jobs = h.jobs.List(models.JobStatus(q.Get("status")), limit)
	}
	if jobs == nil {
		jobs = []models.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

// GetJob returns a full job snapshot including frames
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.jobs.Get(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	if r.URL.Query().Get("frames") == "false" {
		job = job.Summary()
	}
	writeJSON(w, http.StatusOK, job)
}

// CancelJob cancels a queued or processing job
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.sched.Cancel(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// RegisterNode handles node registration
func (h *Handler) RegisterNode(w http.ResponseWriter, r *http.Request) {
	var reg models.NodeRegistration
	if err := decode(r, &reg); err != nil {
		writeError(w, err)
		return
	}
	node, err := h.reg.Register(reg)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, node)
}

// ListNodes returns registered nodes; removed ones only with include_removed=true
func (h *Handler) ListNodes(w http.ResponseWriter, r *http.Request) {
	nodes := h.reg.List(r.URL.Query().Get("include_removed") == "true")
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"nodes": nodes,
		"count": len(nodes),
	})
}

// GetNode returns one node
func (h *Handler) GetNode(w http.ResponseWriter, r *http.Request) {
	node, err := h.reg.Get(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, node)
}

// DeregisterNode permanently removes a node, handing its job back to the scheduler
func (h *Handler) DeregisterNode(w http.ResponseWriter, r *http.Request) {
	nodeID := mux.Vars(r)["id"]
	if err := h.reg.Deregister(nodeID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "removed",
		"node_id": nodeID,
	})
}

// Heartbeat applies a node's health report
func (h *Handler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	var hb models.Heartbeat
	if err := decode(r, &hb); err != nil {
		writeError(w, err)
		return
	}
	node, err := h.reg.Heartbeat(mux.Vars(r)["id"], hb)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, node)
}

// ReportProgress appends a batch of frames from the assigned node
func (h *Handler) ReportProgress(w http.ResponseWriter, r *http.Request) {
	var update models.ProgressUpdate
	if err := decode(r, &update); err != nil {
		writeError(w, err)
		return
	}
	vars := mux.Vars(r)
	update.NodeID = vars["id"]

	job, err := h.sched.ReportProgress(vars["job"], update)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job.Summary())
}

// CompleteJob marks the node's job completed
func (h *Handler) CompleteJob(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	job, err := h.sched.CompleteJob(vars["id"], vars["job"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job.Summary())
}

// FailJobRequest is the body of a node's failure report
type FailJobRequest struct {
	Reason string `json:"reason"`
}

// FailJob marks the node's job failed
func (h *Handler) FailJob(w http.ResponseWriter, r *http.Request) {
	var req FailJobRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	vars := mux.Vars(r)
	job, err := h.sched.FailJob(vars["id"], vars["job"], req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job.Summary())
}

// Health returns the health status of the master
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "healthy",
		"nodes":       h.reg.StatusCounts(),
		"queue_depth": h.sched.QueueDepth(),
	})
}

// nodeAuth checks the X-Node-Credential header against the node's registration
func (h *Handler) nodeAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		nodeID := mux.Vars(r)["id"]
		if err := h.reg.Authenticate(nodeID, r.Header.Get(NodeCredentialHeader)); err != nil {
			h.logger.Warn(fmt.Sprintf("[API] Rejected node request for %s: %v", nodeID, err))
			writeError(w, err)
			return
		}
		next(w, r)
	}
}

func decode(r *http.Request, v interface{}) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return models.Validationf("decode", "invalid request body: %v", err)
	}
	return nil
}
