package models

import (
	"strings"
	"time"
)

// JobStatus represents the status of a job
type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// Model variants accepted by the detection nodes
var ModelVariants = []string{"yolov8n", "yolov8s", "yolov8m", "yolov8l", "yolov8x"}

const (
	DefaultModelVariant        = "yolov8n"
	DefaultConfidenceThreshold = 0.5
	MaxFrameRate               = 60
)

// ModelConfig is the typed inference configuration for a job
type ModelConfig struct {
	ModelVariant        string   `json:"model_variant"`
	ConfidenceThreshold float64  `json:"confidence_threshold"`
	FrameRate           float64  `json:"frame_rate"`           // Frames per second to sample
	MaxFrames           int      `json:"max_frames,omitempty"` // 0 = whole video
	TrackClasses        []string `json:"track_classes,omitempty"`
}

// JobSpec represents a request to create a new job
type JobSpec struct {
	UserID               string              `json:"user_id"`
	VideoURL             string              `json:"video_url"`
	Config               ModelConfig         `json:"config"`
	RequiredCapabilities []string            `json:"required_capabilities,omitempty"`
	LoadBalancing        LoadBalancingConfig `json:"load_balancing"`
}

// Normalize fills defaults and validates the spec
func (s *JobSpec) Normalize() error {
	if strings.TrimSpace(s.VideoURL) == "" {
		return Validationf("submit", "video reference is required")
	}
	if s.Config.FrameRate <= 0 {
		return Validationf("submit", "frame rate must be positive, got %v", s.Config.FrameRate)
	}
	if s.Config.FrameRate > MaxFrameRate {
		return Validationf("submit", "frame rate %v exceeds %d", s.Config.FrameRate, MaxFrameRate)
	}
	if s.Config.ModelVariant == "" {
		s.Config.ModelVariant = DefaultModelVariant
	}
	known := false
	for _, v := range ModelVariants {
		if s.Config.ModelVariant == v {
			known = true
			break
		}
	}
	if !known {
		return Validationf("submit", "unknown model variant %q (want one of %s)",
			s.Config.ModelVariant, strings.Join(ModelVariants, ", "))
	}
	if s.Config.ConfidenceThreshold == 0 {
		s.Config.ConfidenceThreshold = DefaultConfidenceThreshold
	}
	if s.Config.ConfidenceThreshold < 0 || s.Config.ConfidenceThreshold > 1 {
		return Validationf("submit", "confidence threshold %v out of range (0,1]", s.Config.ConfidenceThreshold)
	}
	if s.Config.MaxFrames < 0 {
		return Validationf("submit", "max frames must not be negative")
	}
	if len(s.Config.TrackClasses) == 0 {
		s.Config.TrackClasses = []string{ClassPlayer, ClassBall}
	}
	lb, err := s.LoadBalancing.Normalize()
	if err != nil {
		return err
	}
	s.LoadBalancing = lb
	return nil
}

// JobMetrics are aggregates derived from received frames
type JobMetrics struct {
	FramesTotal          int            `json:"frames_total"`
	FramesProcessed      int            `json:"frames_processed"`
	ObjectsByClass       map[string]int `json:"objects_by_class,omitempty"`
	AvgFrameTimeMs       float64        `json:"avg_frame_time_ms"`
	EstimatedRemainingMs float64        `json:"estimated_remaining_ms"`
}

// Job represents one inference request against a video source
type Job struct {
	ID                   string              `json:"id"`
	UserID               string              `json:"user_id"`
	VideoURL             string              `json:"video_url"`
	Config               ModelConfig         `json:"config"`
	RequiredCapabilities []string            `json:"required_capabilities,omitempty"`
	LoadBalancing        LoadBalancingConfig `json:"load_balancing"`
	Status               JobStatus           `json:"status"`
	Progress             float64             `json:"progress"` // 0-1
	AssignedNodeID       string              `json:"assigned_node_id,omitempty"`
	Frames               []DetectionFrame    `json:"frames,omitempty"`
	Error                string              `json:"error,omitempty"`
	CreatedAt            time.Time           `json:"created_at"`
	StartedAt            *time.Time          `json:"started_at,omitempty"`
	CompletedAt          *time.Time          `json:"completed_at,omitempty"`
	Metrics              JobMetrics          `json:"metrics"`
	DispatchFailures     int                 `json:"dispatch_failures"`
	Requeues             int                 `json:"requeues"`
	StateTransitions     []StateTransition   `json:"state_transitions,omitempty"`
	Version              uint64              `json:"version"`
}

// Clone returns a deep copy safe to hand outside the job store
func (j *Job) Clone() Job {
	c := *j
	c.Config.TrackClasses = append([]string(nil), j.Config.TrackClasses...)
	c.RequiredCapabilities = append([]string(nil), j.RequiredCapabilities...)
	c.Frames = make([]DetectionFrame, len(j.Frames))
	for i := range j.Frames {
		c.Frames[i] = j.Frames[i].Clone()
	}
	c.StateTransitions = append([]StateTransition(nil), j.StateTransitions...)
	if j.Metrics.ObjectsByClass != nil {
		c.Metrics.ObjectsByClass = make(map[string]int, len(j.Metrics.ObjectsByClass))
		for k, v := range j.Metrics.ObjectsByClass {
			c.Metrics.ObjectsByClass[k] = v
		}
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return c
}

// Summary returns a copy without frames, used for listings and live updates
func (j *Job) Summary() Job {
	c := j.Clone()
	c.Frames = nil
	return c
}

// ProgressUpdate is a node's report of newly processed frames
type ProgressUpdate struct {
	NodeID      string           `json:"node_id"`
	Progress    float64          `json:"progress"`               // 0-1
	FramesTotal int              `json:"frames_total,omitempty"` // Known once the node has probed the video
	Frames      []DetectionFrame `json:"frames,omitempty"`
}

// StateTransition tracks job state changes with timestamps
type StateTransition struct {
	From      JobStatus `json:"from"`
	To        JobStatus `json:"to"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason,omitempty"`
}
