package camera

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status is the connection lifecycle state of a camera
type Status string

const (
	StatusOffline    Status = "offline"
	StatusConnecting Status = "connecting"
	StatusOnline     Status = "online"
	// StatusNoHardware is terminal until the camera is reconfigured or removed
	StatusNoHardware Status = "no-hardware"
)

// ConnectionType tells how a camera's frames are obtained
type ConnectionType string

const (
	ConnectionLocal   ConnectionType = "local"
	ConnectionNetwork ConnectionType = "network"
)

var (
	ErrNotFound                 = errors.New("camera not found")
	ErrCapacityReached          = errors.New("active stream limit reached")
	ErrNoHardware               = errors.New("camera hardware unavailable, reconfigure to retry")
	ErrNotLive                  = errors.New("camera is not active and online")
	ErrDeviceNotFound           = errors.New("capture device not found")
	ErrConstraintsUnsatisfiable = errors.New("capture constraints unsatisfiable")
)

// Camera is a snapshot of a camera record. The registry hands out copies;
// mutating one has no effect on the registry.
type Camera struct {
	ID              string         `json:"id"`
	Name            string         `json:"name"`
	Location        string         `json:"location"`
	ConnectionType  ConnectionType `json:"connection_type"`
	Device          string         `json:"device,omitempty"`
	StreamURL       string         `json:"stream_url,omitempty"`
	Resolution      string         `json:"resolution,omitempty"`
	Status          Status         `json:"status"`
	Active          bool           `json:"active"`
	RiskScore       int            `json:"risk_score"`
	LastDetectionAt *time.Time     `json:"last_detection_at,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

// Live reports whether the camera can be sampled for detection.
func (c Camera) Live() bool {
	return c.Active && c.Status == StatusOnline
}

// Source returns the device path or stream address frames are read from.
func (c Camera) Source() string {
	if c.ConnectionType == ConnectionNetwork {
		return c.StreamURL
	}
	return c.Device
}

// Validate checks the configuration fields of a camera record.
func (c Camera) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("camera name is required")
	}
	switch c.ConnectionType {
	case ConnectionLocal:
		if c.Device == "" {
			return fmt.Errorf("local camera %q needs a device", c.Name)
		}
	case ConnectionNetwork:
		if c.StreamURL == "" {
			return fmt.Errorf("network camera %q needs a stream url", c.Name)
		}
	default:
		return fmt.Errorf("unknown connection type %q", c.ConnectionType)
	}
	if c.Resolution != "" {
		if _, _, err := ParseResolution(c.Resolution); err != nil {
			return err
		}
	}
	return nil
}

// ParseResolution parses "WIDTHxHEIGHT".
func ParseResolution(s string) (int, int, error) {
	var w, h int
	if _, err := fmt.Sscanf(strings.ToLower(s), "%dx%d", &w, &h); err != nil || w <= 0 || h <= 0 {
		return 0, 0, fmt.Errorf("invalid resolution %q", s)
	}
	return w, h, nil
}
