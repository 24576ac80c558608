package pipeline

import (
	"time"

	"hazardwatch/internal/camera"
	"hazardwatch/internal/risk"
)

// FrameData represents a captured video frame
type FrameData struct {
	CameraID  string    // Camera identifier
	Data      []byte    // JPEG frame data
	Seq       uint64    // Frame sequence number
	Timestamp time.Time // Capture timestamp
	Width     int       // Frame width (if known)
	Height    int       // Frame height (if known)
}

// BBox represents a bounding box in pixel coordinates of the frame it came from
type BBox struct {
	X1 float32 `json:"x1"` // Left
	Y1 float32 `json:"y1"` // Top
	X2 float32 `json:"x2"` // Right
	Y2 float32 `json:"y2"` // Bottom
}

// Scale multiplies every coordinate by f.
func (b BBox) Scale(f float32) BBox {
	return BBox{X1: b.X1 * f, Y1: b.Y1 * f, X2: b.X2 * f, Y2: b.Y2 * f}
}

// Prediction is one raw detector output, before classification and cooldown
type Prediction struct {
	Class      string  `json:"class"`
	Confidence float32 `json:"confidence"`
	BBox       *BBox   `json:"bbox,omitempty"`
}

// EventType identifies what changed in the engine
type EventType string

const (
	EventCameraUpdated     EventType = "camera.updated"
	EventCameraRemoved     EventType = "camera.removed"
	EventDetectionAdded    EventType = "detection.added"
	EventScoreChanged      EventType = "score.changed"
	EventDetectionsCleared EventType = "detections.cleared"
)

// Event is a state change notification. Only the field matching Type is set.
type Event struct {
	Type      EventType         `json:"type"`
	CameraID  string            `json:"camera_id,omitempty"`
	Camera    *camera.Camera    `json:"camera,omitempty"`
	Detection *risk.Detection   `json:"detection,omitempty"`
	Score     *risk.SafetyScore `json:"score,omitempty"`
	Frame     []byte            `json:"-"` // annotated frame behind a detection
	Timestamp time.Time         `json:"timestamp"`
}

// Outcome classifies a scheduler cycle
type Outcome string

const (
	OutcomeBusy     Outcome = "busy"
	OutcomeIdle     Outcome = "idle"
	OutcomeDetected Outcome = "detected"
	OutcomeFailed   Outcome = "failed"
)
