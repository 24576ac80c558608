// Package engine owns the monitoring state: camera registry, cooldown filter,
// risk scores, detection log and the dashboard's view selection. Every
// change is published on the event bus.
package engine

import (
	"context"
	"fmt"
	"image/color"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"hazardwatch/internal/camera"
	"hazardwatch/internal/detection"
	"hazardwatch/internal/frame"
	"hazardwatch/internal/pipeline"
	"hazardwatch/internal/risk"
)

// Policy holds the tunable detection and scoring parameters
type Policy struct {
	ConfidenceThreshold float32
	Cooldown            time.Duration
	DecayInterval       time.Duration
	LogCapacity         int
	Risk                risk.Policy
}

// DefaultPolicy returns the documented defaults.
func DefaultPolicy() Policy {
	return Policy{
		ConfidenceThreshold: 0.6,
		Cooldown:            8 * time.Second,
		DecayInterval:       2 * time.Second,
		LogCapacity:         risk.DefaultLogCapacity,
		Risk:                risk.DefaultPolicy(),
	}
}

// Observer is told about every filtering decision, used for metrics
type Observer interface {
	DetectionAccepted(d risk.Detection)
	DetectionSuppressed(cameraID string, reason detection.Reason)
}

// Engine is the monitoring core. It implements pipeline.Target.
type Engine struct {
	registry *camera.Manager
	filter   *detection.Filter
	scores   *risk.Engine
	log      *risk.Log
	bus      *pipeline.EventBus
	policy   Policy

	logger   zerolog.Logger
	observer Observer
	now      func() time.Time

	viewMu   sync.RWMutex
	selected string
	visible  []string

	dirty atomic.Bool
}

// Option configures an Engine
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithObserver registers a filtering observer.
func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observer = o }
}

// WithClock overrides time.Now for detection timestamps and cooldowns.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithEventBus publishes on an existing bus instead of a private one.
func WithEventBus(bus *pipeline.EventBus) Option {
	return func(e *Engine) { e.bus = bus }
}

// New creates an engine around registry. The engine becomes the registry's
// only notifier.
func New(registry *camera.Manager, policy Policy, opts ...Option) *Engine {
	e := &Engine{
		registry: registry,
		policy:   policy,
		logger:   zerolog.Nop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.bus == nil {
		e.bus = pipeline.NewEventBus()
	}

	e.filter = detection.NewFilter(policy.ConfidenceThreshold, detection.NewTracker(policy.Cooldown, e.now))
	e.scores = risk.NewEngine(registry, policy.Risk)
	e.log = risk.NewLog(policy.LogCapacity)
	registry.SetNotifier(e.onCamera)
	return e
}

// Events returns the bus every change is published on.
func (e *Engine) Events() *pipeline.EventBus { return e.bus }

// Policy returns the active policy.
func (e *Engine) Policy() Policy { return e.policy }

func (e *Engine) onCamera(c camera.Camera) {
	e.dirty.Store(true)
	cam := c
	e.bus.Publish(pipeline.Event{
		Type:      pipeline.EventCameraUpdated,
		CameraID:  c.ID,
		Camera:    &cam,
		Timestamp: e.now(),
	})
}

func (e *Engine) publishScore(s risk.SafetyScore) {
	e.bus.Publish(pipeline.Event{
		Type:      pipeline.EventScoreChanged,
		Score:     &s,
		Timestamp: e.now(),
	})
}

// SelectTarget picks the camera to sample: the selected camera when it is
// live, otherwise the first live camera of the visible set. Without a
// visible set every camera is visible, in registration order.
func (e *Engine) SelectTarget() (string, bool) {
	e.viewMu.RLock()
	selected := e.selected
	visible := append([]string(nil), e.visible...)
	e.viewMu.RUnlock()

	if selected != "" && e.registry.IsLive(selected) {
		return selected, true
	}

	if len(visible) == 0 {
		for _, c := range e.registry.List() {
			if c.Live() {
				return c.ID, true
			}
		}
		return "", false
	}

	for _, id := range visible {
		if e.registry.IsLive(id) {
			return id, true
		}
	}
	return "", false
}

// CaptureFrame grabs the current frame of a live camera.
func (e *Engine) CaptureFrame(ctx context.Context, cameraID string) (*pipeline.FrameData, error) {
	data, err := e.registry.Frame(ctx, cameraID)
	if err != nil {
		return nil, err
	}
	f := &pipeline.FrameData{CameraID: cameraID, Data: data, Timestamp: e.now()}
	if w, h, err := frame.Size(data); err == nil {
		f.Width, f.Height = w, h
	}
	return f, nil
}

type accepted struct {
	det  risk.Detection
	cam  camera.Camera
	pred pipeline.Prediction
}

// ApplyPredictions filters the detector output for one frame and records
// what passes. Results for a camera that is no longer live are discarded.
func (e *Engine) ApplyPredictions(f *pipeline.FrameData, preds []pipeline.Prediction) int {
	cam, err := e.registry.Get(f.CameraID)
	if err != nil || !cam.Live() {
		e.logger.Debug().Str("camera", f.CameraID).Msg("discarding result for camera that is no longer live")
		return 0
	}

	var (
		kept  []accepted
		score risk.SafetyScore
	)
	for _, p := range preds {
		dec := e.filter.Evaluate(f.CameraID, p)
		if !dec.Accepted() {
			if e.observer != nil {
				e.observer.DetectionSuppressed(f.CameraID, dec.Reason)
			}
			if dec.Reason == detection.ReasonCooldown {
				e.logger.Debug().Str("camera", f.CameraID).Str("class", p.Class).Msg("detection suppressed by cooldown")
			}
			continue
		}

		d := risk.Detection{
			ID:          uuid.New().String(),
			CameraID:    f.CameraID,
			CameraName:  cam.Name,
			Category:    dec.Category,
			Severity:    dec.Severity,
			Dimension:   dec.Dimension,
			Label:       p.Class,
			Confidence:  p.Confidence,
			Description: describe(dec.Description, cam),
			Timestamp:   e.now(),
		}
		updated, s, ok := e.scores.Apply(d)
		if !ok {
			e.filter.Revert(dec)
			break
		}
		e.log.Add(d)
		score = s
		kept = append(kept, accepted{det: d, cam: updated, pred: p})
		if e.observer != nil {
			e.observer.DetectionAccepted(d)
		}
		e.logger.Info().
			Str("camera", f.CameraID).
			Str("category", string(d.Category)).
			Str("severity", string(d.Severity)).
			Float32("confidence", d.Confidence).
			Msg(d.Description)
	}
	if len(kept) == 0 {
		return 0
	}
	e.dirty.Store(true)

	annotated := e.annotate(f, kept)
	for i := range kept {
		d := kept[i].det
		e.bus.Publish(pipeline.Event{
			Type:      pipeline.EventDetectionAdded,
			CameraID:  d.CameraID,
			Detection: &d,
			Frame:     annotated,
			Timestamp: d.Timestamp,
		})
	}
	last := kept[len(kept)-1].cam
	e.bus.Publish(pipeline.Event{
		Type:      pipeline.EventCameraUpdated,
		CameraID:  last.ID,
		Camera:    &last,
		Timestamp: e.now(),
	})
	e.publishScore(score)
	return len(kept)
}

func describe(desc string, cam camera.Camera) string {
	if cam.Location == "" {
		return fmt.Sprintf("%s on %s", desc, cam.Name)
	}
	return fmt.Sprintf("%s on %s (%s)", desc, cam.Name, cam.Location)
}

var severityColors = map[risk.Severity]color.RGBA{
	risk.SeverityLow:      {255, 215, 0, 255},
	risk.SeverityMedium:   {255, 140, 0, 255},
	risk.SeverityHigh:     {255, 64, 0, 255},
	risk.SeverityCritical: {220, 0, 40, 255},
}

// annotate draws the accepted boxes onto the frame. The raw frame is returned
// when there is nothing to draw or drawing fails.
func (e *Engine) annotate(f *pipeline.FrameData, kept []accepted) []byte {
	var boxes []frame.Box
	for _, k := range kept {
		if k.pred.BBox == nil {
			continue
		}
		b := k.pred.BBox
		boxes = append(boxes, frame.Box{
			X1: int(b.X1), Y1: int(b.Y1), X2: int(b.X2), Y2: int(b.Y2),
			Label: fmt.Sprintf("%s %.0f%%", k.pred.Class, k.pred.Confidence*100),
			Color: severityColors[k.det.Severity],
		})
	}
	if len(boxes) == 0 {
		return f.Data
	}
	out, err := frame.Annotate(f.Data, boxes)
	if err != nil {
		e.logger.Debug().Err(err).Str("camera", f.CameraID).Msg("frame annotation failed")
		return f.Data
	}
	return out
}

// Decay runs one decay tick and reports whether anything changed.
func (e *Engine) Decay() bool {
	cams, score, changed := e.scores.Decay()
	if !changed {
		return false
	}
	e.dirty.Store(true)
	for i := range cams {
		c := cams[i]
		e.bus.Publish(pipeline.Event{
			Type:      pipeline.EventCameraUpdated,
			CameraID:  c.ID,
			Camera:    &c,
			Timestamp: e.now(),
		})
	}
	e.publishScore(score)
	return true
}

// RunDecay ticks Decay every DecayInterval until ctx is done.
func (e *Engine) RunDecay(ctx context.Context) {
	interval := e.policy.DecayInterval
	if interval <= 0 {
		interval = DefaultPolicy().DecayInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Decay()
		}
	}
}

// Detections returns up to n log entries, most recent first; n <= 0 returns all.
func (e *Engine) Detections(n int) []risk.Detection {
	return e.log.Recent(n)
}

// ClearDetections empties the log and puts the safety score back to baseline.
func (e *Engine) ClearDetections() risk.SafetyScore {
	e.log.Clear()
	score := e.scores.Reset()
	e.dirty.Store(true)

	e.bus.Publish(pipeline.Event{Type: pipeline.EventDetectionsCleared, Timestamp: e.now()})
	e.publishScore(score)
	e.logger.Info().Msg("detection log cleared")
	return score
}

// Safety returns the site-wide safety score.
func (e *Engine) Safety() risk.SafetyScore {
	return e.scores.Score()
}
