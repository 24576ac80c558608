package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"hazardwatch/internal/camera"
	"hazardwatch/internal/risk"
	"hazardwatch/internal/state"
)

// Snapshot is the persisted part of the engine state
type Snapshot struct {
	Cameras    []camera.Camera  `json:"cameras"`
	Detections []risk.Detection `json:"detections"`
	Safety     risk.SafetyScore `json:"safety"`
}

// Snapshot captures cameras, the detection log and the safety score.
func (e *Engine) Snapshot() Snapshot {
	return Snapshot{
		Cameras:    e.registry.List(),
		Detections: e.log.List(),
		Safety:     e.scores.Score(),
	}
}

// Restore loads a snapshot. Cameras come back offline and inactive.
func (e *Engine) Restore(s Snapshot) {
	e.registry.Restore(s.Cameras)
	e.log.Restore(s.Detections)
	e.scores.Restore(s.Safety)
	e.dirty.Store(false)
}

// Save writes the snapshot to store under the fixed keys.
func (e *Engine) Save(ctx context.Context, store state.Store) error {
	snap := e.Snapshot()
	if err := state.PutJSON(ctx, store, state.KeyCameras, snap.Cameras); err != nil {
		return err
	}
	if err := state.PutJSON(ctx, store, state.KeyDetections, snap.Detections); err != nil {
		return err
	}
	return state.PutJSON(ctx, store, state.KeySafety, snap.Safety)
}

// Load restores state from store. Missing keys keep their defaults.
func (e *Engine) Load(ctx context.Context, store state.Store) error {
	snap := Snapshot{Safety: risk.Baseline()}
	if err := state.GetJSON(ctx, store, state.KeyCameras, &snap.Cameras); err != nil && !errors.Is(err, state.ErrNotFound) {
		return fmt.Errorf("load cameras: %w", err)
	}
	if err := state.GetJSON(ctx, store, state.KeyDetections, &snap.Detections); err != nil && !errors.Is(err, state.ErrNotFound) {
		return fmt.Errorf("load detections: %w", err)
	}
	if err := state.GetJSON(ctx, store, state.KeySafety, &snap.Safety); err != nil && !errors.Is(err, state.ErrNotFound) {
		return fmt.Errorf("load safety score: %w", err)
	}
	e.Restore(snap)
	e.logger.Info().
		Int("cameras", len(snap.Cameras)).
		Int("detections", len(snap.Detections)).
		Int("safety", snap.Safety.Overall).
		Msg("state restored")
	return nil
}

// DefaultPersistInterval is used when RunPersist is given a non-positive interval.
const DefaultPersistInterval = 5 * time.Second

// RunPersist saves the state every interval while it is dirty, and once more
// when ctx is done.
func (e *Engine) RunPersist(ctx context.Context, store state.Store, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultPersistInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	flush := func(ctx context.Context) {
		if !e.dirty.Swap(false) {
			return
		}
		if err := e.Save(ctx, store); err != nil {
			e.dirty.Store(true)
			e.logger.Error().Err(err).Msg("failed to persist state")
		}
	}

	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			flush(final)
			cancel()
			return
		case <-ticker.C:
			flush(ctx)
		}
	}
}
