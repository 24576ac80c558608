package detection

import (
	"context"
	"fmt"

	"hazardwatch/internal/frame"
	"hazardwatch/internal/pipeline"
)

// Resizing downscales frames wider than MaxWidth before inference and maps
// the returned boxes back onto the original frame.
type Resizing struct {
	pipeline.Detector
	MaxWidth int
}

// WithMaxWidth wraps d; a non-positive width returns d unchanged.
func WithMaxWidth(d pipeline.Detector, maxWidth int) pipeline.Detector {
	if maxWidth <= 0 {
		return d
	}
	return &Resizing{Detector: d, MaxWidth: maxWidth}
}

// Detect implements pipeline.Detector
func (r *Resizing) Detect(ctx context.Context, f *pipeline.FrameData) ([]pipeline.Prediction, error) {
	data, factor, err := frame.Downscale(f.Data, r.MaxWidth)
	if err != nil {
		return nil, fmt.Errorf("downscale frame: %w", err)
	}
	if factor == 1 {
		return r.Detector.Detect(ctx, f)
	}

	scaled := *f
	scaled.Data = data
	if f.Width > 0 {
		scaled.Width = int(float32(f.Width) / factor)
		scaled.Height = int(float32(f.Height) / factor)
	}

	preds, err := r.Detector.Detect(ctx, &scaled)
	if err != nil {
		return nil, err
	}
	for i := range preds {
		if preds[i].BBox != nil {
			b := preds[i].BBox.Scale(factor)
			preds[i].BBox = &b
		}
	}
	return preds, nil
}
