package models

import (
	"errors"
	"strings"
	"testing"
)

func validRegistration() NodeRegistration {
	return NodeRegistration{
		Name:       "rig-01",
		Endpoint:   "http://10.0.0.5:9100",
		Credential: "s3cret",
		Accelerators: []Accelerator{
			{DeviceName: "RTX 4090", MemoryTotalMB: 24576, ComputeCapability: "8.9"},
		},
		Capabilities: []string{"football-detection"},
		Priority:     50,
	}
}

func TestNodeRegistrationValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(r *NodeRegistration)
		ok     bool
	}{
		{"valid", func(r *NodeRegistration) {}, true},
		{"missing endpoint", func(r *NodeRegistration) { r.Endpoint = " " }, false},
		{"missing credential", func(r *NodeRegistration) { r.Credential = "" }, false},
		{"no accelerators", func(r *NodeRegistration) { r.Accelerators = nil }, false},
		{"zero memory", func(r *NodeRegistration) { r.Accelerators[0].MemoryTotalMB = 0 }, false},
		{"empty capability", func(r *NodeRegistration) { r.Capabilities = []string{""} }, false},
		{"priority too high", func(r *NodeRegistration) { r.Priority = 101 }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := validRegistration()
			tt.mutate(&reg)
			err := reg.Validate()
			if tt.ok && err != nil {
				t.Fatalf("expected valid, got %v", err)
			}
			if !tt.ok {
				if err == nil {
					t.Fatal("expected validation error")
				}
				if !errors.Is(err, ErrValidation) {
					t.Errorf("expected ErrValidation, got %v", err)
				}
			}
		})
	}
}

func TestHasCapabilities(t *testing.T) {
	node := &Node{Capabilities: []string{"Football-Detection", "tracking"}}

	if !node.HasCapabilities(nil) {
		t.Error("empty requirement should match")
	}
	if !node.HasCapabilities([]string{"football-detection"}) {
		t.Error("capability match should be case-insensitive")
	}
	if node.HasCapabilities([]string{"tracking", "pose"}) {
		t.Error("missing capability should not match")
	}
}

func TestJobSpecNormalize(t *testing.T) {
	spec := JobSpec{
		UserID:   "user-1",
		VideoURL: "s3://matches/derby.mp4",
		Config:   ModelConfig{FrameRate: 5},
	}
	if err := spec.Normalize(); err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}

	if spec.Config.ModelVariant != DefaultModelVariant {
		t.Errorf("expected default variant, got %s", spec.Config.ModelVariant)
	}
	if spec.Config.ConfidenceThreshold != DefaultConfidenceThreshold {
		t.Errorf("expected default threshold, got %v", spec.Config.ConfidenceThreshold)
	}
	if strings.Join(spec.Config.TrackClasses, ",") != "player,ball" {
		t.Errorf("unexpected track classes %v", spec.Config.TrackClasses)
	}
	if spec.LoadBalancing.Algorithm != AlgorithmPerformanceBased {
		t.Errorf("expected performance_based default, got %s", spec.LoadBalancing.Algorithm)
	}
	if !spec.LoadBalancing.Failover() || spec.LoadBalancing.Retries() != DefaultRetryAttempts {
		t.Error("expected default failover and retry budget")
	}
}

func TestJobSpecNormalizeRejects(t *testing.T) {
	tests := []struct {
		name string
		spec JobSpec
	}{
		{"missing video", JobSpec{Config: ModelConfig{FrameRate: 5}}},
		{"zero frame rate", JobSpec{VideoURL: "v.mp4"}},
		{"negative frame rate", JobSpec{VideoURL: "v.mp4", Config: ModelConfig{FrameRate: -1}}},
		{"frame rate too high", JobSpec{VideoURL: "v.mp4", Config: ModelConfig{FrameRate: 120}}},
		{"unknown variant", JobSpec{VideoURL: "v.mp4", Config: ModelConfig{FrameRate: 5, ModelVariant: "resnet"}}},
		{"threshold out of range", JobSpec{VideoURL: "v.mp4", Config: ModelConfig{FrameRate: 5, ConfidenceThreshold: 1.5}}},
		{"unknown algorithm", JobSpec{VideoURL: "v.mp4", Config: ModelConfig{FrameRate: 5},
			LoadBalancing: LoadBalancingConfig{Algorithm: "fastest"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.spec.Normalize()
			if !errors.Is(err, ErrValidation) {
				t.Errorf("expected ErrValidation, got %v", err)
			}
		})
	}
}

func TestExplicitFailoverDisabledSurvivesNormalize(t *testing.T) {
	off := false
	zero := 0
	cfg, err := LoadBalancingConfig{FailoverEnabled: &off, RetryAttempts: &zero}.Normalize()
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if cfg.Failover() {
		t.Error("explicit failover=false must be kept")
	}
	if cfg.Retries() != 0 {
		t.Errorf("explicit zero retries must be kept, got %d", cfg.Retries())
	}
}

func TestJobCloneIsDeep(t *testing.T) {
	n := 10
	job := &Job{
		ID:      "job-1",
		Frames:  []DetectionFrame{{Index: 0, Detections: []Detection{{Class: ClassPlayer, JerseyNumber: &n}}}},
		Metrics: JobMetrics{ObjectsByClass: map[string]int{ClassPlayer: 1}},
	}
	c := job.Clone()
	*c.Frames[0].Detections[0].JerseyNumber = 7
	c.Metrics.ObjectsByClass[ClassPlayer] = 99

	if *job.Frames[0].Detections[0].JerseyNumber != 10 {
		t.Error("clone shares jersey number pointer")
	}
	if job.Metrics.ObjectsByClass[ClassPlayer] != 1 {
		t.Error("clone shares metrics map")
	}
}

func TestErrorKinds(t *testing.T) {
	err := WrapError(ErrTransport, "dispatch", "job-1", errors.New("connection refused"))
	if !errors.Is(err, ErrTransport) || !IsRetryable(err) {
		t.Errorf("expected retryable transport error, got %v", err)
	}
	if got := err.Error(); got != "dispatch job-1: transport error: connection refused" {
		t.Errorf("unexpected message %q", got)
	}
	if !errors.Is(NewError(ErrUnknownNode, "heartbeat", "n1", ""), ErrNotFound) {
		t.Error("unknown node should match ErrNotFound")
	}
}
