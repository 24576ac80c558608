package detectors

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"hazardwatch/internal/pipeline"
)

// ErrNoHealthyDetector is returned when every registered detector is down
var ErrNoHealthyDetector = errors.New("no healthy detector available")

// Registry holds the configured detectors in preference order and acts as a
// single detector that forwards to the first healthy one.
type Registry struct {
	detectors []pipeline.Detector
	mu        sync.RWMutex
}

// NewRegistry creates a new detector registry
func NewRegistry(detectors ...pipeline.Detector) (*Registry, error) {
	r := &Registry{}
	for _, d := range detectors {
		if err := r.Register(d); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register appends a detector, lowest preference last
func (r *Registry) Register(detector pipeline.Detector) error {
	if detector == nil {
		return fmt.Errorf("detector cannot be nil")
	}

	name := detector.Name()
	if name == "" {
		return fmt.Errorf("detector name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, d := range r.detectors {
		if d.Name() == name {
			return fmt.Errorf("detector %q already registered", name)
		}
	}
	r.detectors = append(r.detectors, detector)
	return nil
}

// Names returns the names of all registered detectors, in order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.detectors))
	for _, d := range r.detectors {
		names = append(names, d.Name())
	}
	return names
}

// Name implements pipeline.Detector
func (r *Registry) Name() string {
	names := r.Names()
	if len(names) == 1 {
		return names[0]
	}
	return fmt.Sprintf("registry%v", names)
}

// IsHealthy returns true if any detector is healthy
func (r *Registry) IsHealthy(ctx context.Context) bool {
	r.mu.RLock()
	list := append([]pipeline.Detector(nil), r.detectors...)
	r.mu.RUnlock()

	for _, d := range list {
		if d.IsHealthy(ctx) {
			return true
		}
	}
	return false
}

// Detect runs the first healthy detector
func (r *Registry) Detect(ctx context.Context, frame *pipeline.FrameData) ([]pipeline.Prediction, error) {
	d, ok := r.healthy(ctx)
	if !ok {
		return nil, ErrNoHealthyDetector
	}
	return d.Detect(ctx, frame)
}

func (r *Registry) healthy(ctx context.Context) (pipeline.Detector, bool) {
	r.mu.RLock()
	list := append([]pipeline.Detector(nil), r.detectors...)
	r.mu.RUnlock()

	// A single detector is always tried; its own error is more useful than ours.
	if len(list) == 1 {
		return list[0], true
	}
	for _, d := range list {
		if d.IsHealthy(ctx) {
			return d, true
		}
	}
	return nil, false
}

// Close releases all detector resources
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for _, d := range r.detectors {
		if err := d.Close(); err != nil {
			errs = append(errs, fmt.Errorf("error closing detector %q: %w", d.Name(), err))
		}
	}
	r.detectors = nil
	return errors.Join(errs...)
}

// Ensure Registry implements pipeline.Detector
var _ pipeline.Detector = (*Registry)(nil)
