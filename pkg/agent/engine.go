package agent

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/pitchlens/inference-scheduler/pkg/models"
)

// Batch is a group of frames an engine hands back for reporting
type Batch struct {
	Frames      []models.DetectionFrame
	Progress    float64 // 0-1
	FramesTotal int
}

// Engine runs detection over a job's video
type Engine interface {
	// Name returns the engine name
	Name() string

	// Run processes the job starting after frame resumeAfter (-1 = from the start),
	// calling emit for every batch. It returns when the video is done, emit fails,
	// or ctx is cancelled.
	Run(ctx context.Context, job models.Job, resumeAfter int, emit func(Batch) error) error
}

// SimulatedEngine produces plausible player and ball detections without a model.
// Used for development clusters and tests.
type SimulatedEngine struct {
	FrameTime     time.Duration // Simulated inference time per frame
	BatchSize     int
	VideoDuration time.Duration // Assumed length when the job sets no frame limit

	mu  sync.Mutex
	rng *rand.Rand
}

// NewSimulatedEngine creates a simulated engine with a fixed seed
func NewSimulatedEngine(frameTime time.Duration, batchSize int, seed int64) *SimulatedEngine {
	if batchSize <= 0 {
		batchSize = 10
	}
	return &SimulatedEngine{
		FrameTime:     frameTime,
		BatchSize:     batchSize,
		VideoDuration: 90 * time.Second,
		rng:           rand.New(rand.NewSource(seed)),
	}
}

// Name returns the engine name
func (e *SimulatedEngine) Name() string {
	return "simulated"
}

// TotalFrames returns how many frames the engine will produce for cfg
func (e *SimulatedEngine) TotalFrames(cfg models.ModelConfig) int {
	if cfg.MaxFrames > 0 {
		return cfg.MaxFrames
	}
	return int(math.Ceil(e.VideoDuration.Seconds() * cfg.FrameRate))
}

// Run implements Engine
func (e *SimulatedEngine) Run(ctx context.Context, job models.Job, resumeAfter int, emit func(Batch) error) error {
	total := e.TotalFrames(job.Config)
	batch := make([]models.DetectionFrame, 0, e.BatchSize)

	for i := resumeAfter + 1; i < total; i++ {
		start := time.Now()
		if e.FrameTime > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(e.FrameTime):
			}
		} else if err := ctx.Err(); err != nil {
			return err
		}

		batch = append(batch, models.DetectionFrame{
			Index:            i,
			Timestamp:        float64(i) / job.Config.FrameRate,
			Detections:       e.detect(job.Config),
			ProcessingTimeMs: float64(time.Since(start).Microseconds()) / 1000,
		})

		if len(batch) == e.BatchSize || i == total-1 {
			if err := emit(Batch{
				Frames:      batch,
				Progress:    float64(i+1) / float64(total),
				FramesTotal: total,
			}); err != nil {
				return err
			}
			batch = make([]models.DetectionFrame, 0, e.BatchSize)
		}
	}
	return nil
}

// detect draws 1-4 players and, most of the time, the ball
func (e *SimulatedEngine) detect(cfg models.ModelConfig) []models.Detection {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []models.Detection
	if tracks(cfg, models.ClassPlayer) {
		for n := 1 + e.rng.Intn(4); n > 0; n-- {
			d := models.Detection{
				Class:      models.ClassPlayer,
				Confidence: 0.6 + e.rng.Float64()*0.35,
				BBox:       e.box(0.03, 0.09),
			}
			if d.Confidence >= cfg.ConfidenceThreshold {
				out = append(out, d)
			}
		}
	}
	// The ball is occluded or out of frame about 30% of the time
	if tracks(cfg, models.ClassBall) && e.rng.Float64() > 0.3 {
		d := models.Detection{
			Class:      models.ClassBall,
			Confidence: 0.7 + e.rng.Float64()*0.25,
			BBox:       e.box(0.008, 0.012),
		}
		if d.Confidence >= cfg.ConfidenceThreshold {
			out = append(out, d)
		}
	}
	return out
}

func (e *SimulatedEngine) box(w, h float64) models.BoundingBox {
	return models.BoundingBox{
		X:      e.rng.Float64() * (1 - w),
		Y:      e.rng.Float64() * (1 - h),
		Width:  w,
		Height: h,
	}
}

func tracks(cfg models.ModelConfig, class string) bool {
	if len(cfg.TrackClasses) == 0 {
		return true
	}
	for _, c := range cfg.TrackClasses {
		if c == class {
			return true
		}
	}
	return false
}
