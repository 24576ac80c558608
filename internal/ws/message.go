package ws

import (
	"encoding/base64"
	"time"

	"hazardwatch/internal/camera"
	"hazardwatch/internal/pipeline"
	"hazardwatch/internal/risk"
)

// Message is the JSON frame sent to dashboard clients
type Message struct {
	Type      string            `json:"type"` // engine event type
	CameraID  string            `json:"camera_id,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Camera    *camera.Camera    `json:"camera,omitempty"`
	Detection *risk.Detection   `json:"detection,omitempty"`
	Score     *risk.SafetyScore `json:"score,omitempty"`
	Snapshot  string            `json:"snapshot,omitempty"` // Base64 encoded annotated JPEG
}

// NewMessage converts an engine event. Detection snapshots are only
// embedded when withSnapshot is set.
func NewMessage(ev pipeline.Event, withSnapshot bool) *Message {
	m := &Message{
		Type:      string(ev.Type),
		CameraID:  ev.CameraID,
		Timestamp: ev.Timestamp,
		Camera:    ev.Camera,
		Detection: ev.Detection,
		Score:     ev.Score,
	}
	if withSnapshot && len(ev.Frame) > 0 {
		m.Snapshot = base64.StdEncoding.EncodeToString(ev.Frame)
	}
	return m
}
