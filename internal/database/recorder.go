package database

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"hazardwatch/internal/pipeline"
)

const pruneInterval = time.Hour

// Recorder copies accepted detections from the event stream into the history
// table and prunes rows older than the retention window.
type Recorder struct {
	db        *Database
	retention time.Duration
	log       zerolog.Logger
}

// NewRecorder creates a recorder. A zero retention disables pruning.
func NewRecorder(db *Database, retention time.Duration, log zerolog.Logger) *Recorder {
	return &Recorder{db: db, retention: retention, log: log}
}

// Run consumes events until ctx is done or the channel closes.
func (r *Recorder) Run(ctx context.Context, events <-chan pipeline.Event) {
	prune := time.NewTicker(pruneInterval)
	defer prune.Stop()
	r.prune(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			r.record(ctx, ev)
		case <-prune.C:
			r.prune(ctx)
		}
	}
}

func (r *Recorder) record(ctx context.Context, ev pipeline.Event) {
	if ev.Type != pipeline.EventDetectionAdded || ev.Detection == nil {
		return
	}
	if err := r.db.SaveDetection(ctx, DetectionRecord{Detection: *ev.Detection}); err != nil {
		r.log.Error().Err(err).Str("detection", ev.Detection.ID).Msg("failed to record detection")
	}
}

func (r *Recorder) prune(ctx context.Context) {
	if r.retention <= 0 {
		return
	}
	n, err := r.db.DeleteDetectionsBefore(ctx, time.Now().Add(-r.retention))
	if err != nil {
		r.log.Error().Err(err).Msg("failed to prune detection history")
		return
	}
	if n > 0 {
		r.log.Info().Int64("rows", n).Msg("pruned detection history")
	}
}
