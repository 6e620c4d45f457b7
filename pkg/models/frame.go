package models

// Detection classes emitted by the football models
const (
	ClassPlayer     = "player"
	ClassBall       = "ball"
	ClassGoalkeeper = "goalkeeper"
	ClassReferee    = "referee"
)

// BoundingBox is normalized to the frame (0-1)
type BoundingBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Detection is one typed object found in a frame
type Detection struct {
	Class        string      `json:"class"`
	Confidence   float64     `json:"confidence"`
	BBox         BoundingBox `json:"bbox"`
	Team         string      `json:"team,omitempty"`
	JerseyNumber *int        `json:"jersey_number,omitempty"`
	TrackingID   string      `json:"tracking_id,omitempty"`
}

// DetectionFrame is one processed video frame's output
type DetectionFrame struct {
	Index            int         `json:"index"`
	Timestamp        float64     `json:"timestamp"` // Seconds into the video
	Detections       []Detection `json:"detections"`
	ProcessingTimeMs float64     `json:"processing_time_ms"`
	NodeID           string      `json:"node_id"`
}

// Clone returns a deep copy of the frame
func (f DetectionFrame) Clone() DetectionFrame {
	c := f
	c.Detections = make([]Detection, len(f.Detections))
	for i, d := range f.Detections {
		if d.JerseyNumber != nil {
			n := *d.JerseyNumber
			d.JerseyNumber = &n
		}
		c.Detections[i] = d
	}
	return c
}
