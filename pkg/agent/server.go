package agent

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/pitchlens/inference-scheduler/pkg/auth"
	"github.com/pitchlens/inference-scheduler/pkg/models"
	"github.com/pitchlens/inference-scheduler/pkg/tracing"
)

// NodeHandler is the HTTP surface the master dispatches to
type NodeHandler struct {
	runner *Runner
	keys   *auth.APIKeys
}

// NewNodeHandler creates the node-side handler. keys holds the master's dispatch key.
func NewNodeHandler(runner *Runner, keys *auth.APIKeys) *NodeHandler {
	return &NodeHandler{runner: runner, keys: keys}
}

// Router builds the node's router; tracer may be nil
func (h *NodeHandler) Router(tracer *tracing.Provider) *mux.Router {
	r := mux.NewRouter()
	if tracer != nil {
		r.Use(tracing.HTTPMiddleware(tracer))
	}
	r.Use(h.keys.Middleware("/health"))
	h.RegisterRoutes(r)
	return r
}

// RegisterRoutes registers node routes
func (h *NodeHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/jobs", h.Dispatch).Methods("POST")
	r.HandleFunc("/jobs/{id}/cancel", h.Cancel).Methods("POST")
	r.HandleFunc("/health", h.Health).Methods("GET")
}

// Dispatch accepts a job from the master
func (h *NodeHandler) Dispatch(w http.ResponseWriter, r *http.Request) {
	var req DispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Job.ID == "" {
		http.Error(w, "job id is required", http.StatusBadRequest)
		return
	}
	if err := h.runner.Accept(req); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, models.ErrConflict) {
			status = http.StatusConflict
		}
		http.Error(w, err.Error(), status)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "job_id": req.Job.ID})
}

// Cancel stops the running job
func (h *NodeHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]
	if err := h.runner.Cancel(jobID); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelling", "job_id": jobID})
}

// Health reports liveness and the running job
func (h *NodeHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":      "healthy",
		"current_job": h.runner.CurrentJob(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
