package risk

import (
	"sync"
	"time"

	"hazardwatch/internal/camera"
)

// Registry is the slice of the camera registry the engine is allowed to touch.
type Registry interface {
	UpdateRisk(id string, delta int, at time.Time) (camera.Camera, bool)
	DecayRisk(step int) []camera.Camera
	HasRisk() bool
}

// Engine converts accepted detections into camera risk and site safety, and
// relaxes both back toward baseline on every decay tick.
type Engine struct {
	mu       sync.Mutex
	policy   Policy
	registry Registry
	safety   SafetyScore
}

// NewEngine creates an engine starting at the baseline safety score.
func NewEngine(registry Registry, policy Policy) *Engine {
	return &Engine{policy: policy, registry: registry, safety: Baseline()}
}

// Apply raises the detection's camera risk and lowers the safety score.
// It returns false, leaving everything unchanged, when the camera is gone.
func (e *Engine) Apply(d Detection) (camera.Camera, SafetyScore, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	cam, ok := e.registry.UpdateRisk(d.CameraID, e.policy.RiskWeights[d.Severity], d.Timestamp)
	if !ok {
		return camera.Camera{}, e.safety, false
	}
	e.safety = e.safety.Penalize(d.Dimension, e.policy.SafetyPenalties[d.Severity])
	return cam, e.safety, true
}

// Decay runs one decay tick. The tick is skipped, and changed is false, when
// no camera carries risk and the safety score is already at baseline.
func (e *Engine) Decay() (cams []camera.Camera, score SafetyScore, changed bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.registry.HasRisk() && e.safety.AtBaseline() {
		return nil, e.safety, false
	}
	cams = e.registry.DecayRisk(e.policy.RiskDecayStep)
	e.safety = e.safety.Recover(e.policy.SafetyRecoveryStep)
	return cams, e.safety, true
}

// Score returns the current safety score.
func (e *Engine) Score() SafetyScore {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.safety
}

// Reset puts the safety score back to baseline.
func (e *Engine) Reset() SafetyScore {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.safety = Baseline()
	return e.safety
}

// Restore installs a persisted safety score.
func (e *Engine) Restore(s SafetyScore) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.safety = s.Clamped()
}
