package pipeline

import (
	"context"
	"time"
)

// Detector is the unified interface for all detection backends
type Detector interface {
	// Name returns the detector identifier (e.g., "yolo-http", "grpc")
	Name() string

	// IsHealthy returns true if the detector is operational
	IsHealthy(ctx context.Context) bool

	// Detect runs detection on a frame. Bounding boxes are in frame pixels.
	Detect(ctx context.Context, frame *FrameData) ([]Prediction, error)

	// Close releases detector resources
	Close() error
}

// Target is what the scheduler samples: it picks the camera, captures its
// frame and takes the predictions back.
type Target interface {
	// SelectTarget returns the one camera to sample this cycle
	SelectTarget() (string, bool)

	// CaptureFrame grabs the current frame of a live camera
	CaptureFrame(ctx context.Context, cameraID string) (*FrameData, error)

	// ApplyPredictions filters predictions and records the accepted ones.
	// It returns how many were accepted.
	ApplyPredictions(frame *FrameData, preds []Prediction) int
}

// Observer receives per-cycle timing, used for metrics
type Observer interface {
	ObserveCycle(outcome Outcome, elapsed time.Duration)
}

// Handler receives engine events
type Handler interface {
	OnEvent(ev Event)
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ev Event)

// OnEvent implements Handler
func (f HandlerFunc) OnEvent(ev Event) { f(ev) }
