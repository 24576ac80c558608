package pipeline

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// SchedulerConfig holds the re-arm delays of the detection cycle
type SchedulerConfig struct {
	DetectionInterval time.Duration
	IdleInterval      time.Duration
	BusyBackoff       time.Duration
}

// DefaultSchedulerConfig returns the documented defaults.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		DetectionInterval: 1100 * time.Millisecond,
		IdleInterval:      1200 * time.Millisecond,
		BusyBackoff:       100 * time.Millisecond,
	}
}

// Scheduler runs the detection cycle: one camera per cycle, at most one
// evaluation in flight, re-armed after every cycle whatever its outcome.
type Scheduler struct {
	cfg      SchedulerConfig
	target   Target
	detector Detector
	observer Observer
	log      zerolog.Logger

	inFlight atomic.Bool
	seq      atomic.Uint64
	now      func() time.Time
}

// NewScheduler creates a scheduler. observer may be nil.
func NewScheduler(cfg SchedulerConfig, target Target, detector Detector, observer Observer, log zerolog.Logger) *Scheduler {
	def := DefaultSchedulerConfig()
	if cfg.DetectionInterval <= 0 {
		cfg.DetectionInterval = def.DetectionInterval
	}
	if cfg.IdleInterval <= 0 {
		cfg.IdleInterval = def.IdleInterval
	}
	if cfg.BusyBackoff <= 0 {
		cfg.BusyBackoff = def.BusyBackoff
	}
	return &Scheduler{
		cfg:      cfg,
		target:   target,
		detector: detector,
		observer: observer,
		log:      log,
		now:      time.Now,
	}
}

// Busy reports whether an evaluation is in flight.
func (s *Scheduler) Busy() bool {
	return s.inFlight.Load()
}

// Run drives cycles until ctx is cancelled. The first cycle runs immediately.
func (s *Scheduler) Run(ctx context.Context) {
	s.log.Info().
		Dur("interval", s.cfg.DetectionInterval).
		Dur("idle", s.cfg.IdleInterval).
		Str("detector", s.detector.Name()).
		Msg("scheduler started")

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("scheduler stopped")
			return
		case <-timer.C:
			delay, _ := s.Tick(ctx)
			timer.Reset(delay)
		}
	}
}

// Tick runs one cycle and returns the delay before the next one.
// It is safe to call concurrently with Run; overlapping calls back off.
func (s *Scheduler) Tick(ctx context.Context) (next time.Duration, outcome Outcome) {
	if !s.inFlight.CompareAndSwap(false, true) {
		s.observe(OutcomeBusy, 0)
		return s.cfg.BusyBackoff, OutcomeBusy
	}
	defer s.inFlight.Store(false)

	started := s.now()
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Str("panic", fmt.Sprint(r)).Msg("detection cycle panicked")
			next, outcome = s.cfg.DetectionInterval, OutcomeFailed
		}
		if outcome != OutcomeIdle {
			s.observe(outcome, s.now().Sub(started))
		}
	}()

	cameraID, ok := s.target.SelectTarget()
	if !ok {
		s.observe(OutcomeIdle, 0)
		return s.cfg.IdleInterval, OutcomeIdle
	}

	if err := s.evaluate(ctx, cameraID); err != nil {
		s.log.Warn().Err(err).Str("camera", cameraID).Msg("detection cycle failed")
		return s.cfg.DetectionInterval, OutcomeFailed
	}
	return s.cfg.DetectionInterval, OutcomeDetected
}

func (s *Scheduler) evaluate(ctx context.Context, cameraID string) error {
	frame, err := s.target.CaptureFrame(ctx, cameraID)
	if err != nil {
		return fmt.Errorf("capture: %w", err)
	}
	frame.Seq = s.seq.Add(1)

	preds, err := s.detector.Detect(ctx, frame)
	if err != nil {
		return fmt.Errorf("detect: %w", err)
	}

	accepted := s.target.ApplyPredictions(frame, preds)
	s.log.Debug().
		Str("camera", cameraID).
		Uint64("seq", frame.Seq).
		Int("predictions", len(preds)).
		Int("accepted", accepted).
		Msg("detection cycle complete")
	return nil
}

func (s *Scheduler) observe(outcome Outcome, elapsed time.Duration) {
	if s.observer != nil {
		s.observer.ObserveCycle(outcome, elapsed)
	}
}
