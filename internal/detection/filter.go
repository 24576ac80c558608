package detection

import (
	"hazardwatch/internal/pipeline"
)

// Reason explains why a prediction was dropped
type Reason string

const (
	ReasonLowConfidence Reason = "low_confidence"
	ReasonUnclassified  Reason = "unclassified"
	ReasonCooldown      Reason = "cooldown"
)

// Decision is the outcome of filtering one prediction
type Decision struct {
	Classification
	// Reason is empty when the prediction was accepted
	Reason Reason

	res *reservation
}

// Accepted reports whether the prediction passed every check
func (d Decision) Accepted() bool { return d.Reason == "" }

// Filter applies the confidence threshold, the classification table and the
// cooldown tracker, in that order. Only accepted predictions consume cooldown.
type Filter struct {
	threshold float32
	cooldown  *Tracker
}

// NewFilter creates a filter
func NewFilter(threshold float32, cooldown *Tracker) *Filter {
	return &Filter{threshold: threshold, cooldown: cooldown}
}

// Threshold returns the minimum accepted confidence
func (f *Filter) Threshold() float32 { return f.threshold }

// Evaluate decides whether p, seen on cameraID, becomes a detection.
func (f *Filter) Evaluate(cameraID string, p pipeline.Prediction) Decision {
	// NaN compares false both ways and must not pass
	if !(p.Confidence >= f.threshold) {
		return Decision{Reason: ReasonLowConfidence}
	}
	class, ok := Classify(p.Class)
	if !ok {
		return Decision{Reason: ReasonUnclassified}
	}
	res, ok := f.cooldown.reserve(cameraID, class.Category)
	if !ok {
		return Decision{Classification: class, Reason: ReasonCooldown}
	}
	return Decision{Classification: class, res: res}
}

// Revert gives back the cooldown slot an accepted decision consumed, for a
// detection that could not be recorded after all.
func (f *Filter) Revert(d Decision) {
	if d.res != nil {
		f.cooldown.cancel(d.res)
	}
}
