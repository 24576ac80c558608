// Package stream serves live camera previews as MJPEG.
package stream

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"hazardwatch/internal/pipeline"
)

const (
	boundary = "frame"
	// annotatedHold is how long an annotated detection frame replaces the
	// live feed
	annotatedHold = 2 * time.Second
)

// FrameSource returns the current frame of a live camera
type FrameSource func(ctx context.Context, cameraID string) ([]byte, error)

type annotatedFrame struct {
	data []byte
	at   time.Time
}

// MJPEGHandler streams multipart/x-mixed-replace previews. Each client polls
// the frame source on its own; nothing is captured while nobody watches.
type MJPEGHandler struct {
	source   FrameSource
	interval time.Duration
	log      zerolog.Logger
	now      func() time.Time

	mu        sync.RWMutex
	annotated map[string]annotatedFrame
}

// NewMJPEGHandler creates a preview handler sending fps frames per second.
func NewMJPEGHandler(source FrameSource, fps int, log zerolog.Logger) *MJPEGHandler {
	if fps <= 0 {
		fps = 5
	}
	return &MJPEGHandler{
		source:    source,
		interval:  time.Second / time.Duration(fps),
		log:       log,
		now:       time.Now,
		annotated: make(map[string]annotatedFrame),
	}
}

// SetAnnotatedFrame shows frame instead of the live feed for a short while.
func (h *MJPEGHandler) SetAnnotatedFrame(cameraID string, frame []byte) {
	h.mu.Lock()
	h.annotated[cameraID] = annotatedFrame{data: frame, at: h.now()}
	h.mu.Unlock()
}

// Run picks up annotated detection frames until ctx is done or events closes.
func (h *MJPEGHandler) Run(ctx context.Context, events <-chan pipeline.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Type {
			case pipeline.EventDetectionAdded:
				if len(ev.Frame) > 0 {
					h.SetAnnotatedFrame(ev.CameraID, ev.Frame)
				}
			case pipeline.EventCameraRemoved:
				h.mu.Lock()
				delete(h.annotated, ev.CameraID)
				h.mu.Unlock()
			}
		}
	}
}

func (h *MJPEGHandler) frame(ctx context.Context, cameraID string) ([]byte, error) {
	h.mu.RLock()
	a, ok := h.annotated[cameraID]
	h.mu.RUnlock()
	if ok && h.now().Sub(a.at) < annotatedHold {
		return a.data, nil
	}
	return h.source(ctx, cameraID)
}

// Serve streams cameraID until the client goes away or the camera stops
// delivering frames. An error is returned only when the first frame fails,
// before anything was written.
func (h *MJPEGHandler) Serve(w http.ResponseWriter, r *http.Request, cameraID string) error {
	ctx := r.Context()

	first, err := h.frame(ctx, cameraID)
	if err != nil {
		return err
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("streaming not supported")
	}

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+boundary)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	h.log.Debug().Str("camera", cameraID).Str("remote", r.RemoteAddr).Msg("preview client connected")
	defer h.log.Debug().Str("camera", cameraID).Msg("preview client disconnected")

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	data := first
	for {
		if err := writePart(w, data); err != nil {
			return nil
		}
		flusher.Flush()

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		next, err := h.frame(ctx, cameraID)
		if err != nil {
			h.log.Debug().Err(err).Str("camera", cameraID).Msg("preview ended")
			return nil
		}
		data = next
	}
}

func writePart(w http.ResponseWriter, frame []byte) error {
	if _, err := fmt.Fprintf(w, "--%s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", boundary, len(frame)); err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return err
	}
	_, err := w.Write([]byte("\r\n"))
	return err
}
