package stream

import (
	"context"
	"errors"
	"mime"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hazardwatch/internal/pipeline"
)

var errGone = errors.New("camera is not active and online")

func TestServeStreamsUntilSourceFails(t *testing.T) {
	var calls atomic.Int32
	h := NewMJPEGHandler(func(context.Context, string) ([]byte, error) {
		if calls.Add(1) > 3 {
			return nil, errGone
		}
		return []byte("live"), nil
	}, 100, zerolog.Nop())

	rec := httptest.NewRecorder()
	require.NoError(t, h.Serve(rec, httptest.NewRequest(http.MethodGet, "/", nil), "cam-1"))

	mediaType, params, err := mime.ParseMediaType(rec.Header().Get("Content-Type"))
	require.NoError(t, err)
	assert.Equal(t, "multipart/x-mixed-replace", mediaType)

	assert.Equal(t, "frame", params["boundary"])

	part := "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: 4\r\n\r\nlive\r\n"
	assert.Equal(t, strings.Repeat(part, 3), rec.Body.String())
}

func TestServeReportsFirstFrameError(t *testing.T) {
	h := NewMJPEGHandler(func(context.Context, string) ([]byte, error) { return nil, errGone }, 5, zerolog.Nop())

	rec := httptest.NewRecorder()
	err := h.Serve(rec, httptest.NewRequest(http.MethodGet, "/", nil), "cam-1")
	assert.ErrorIs(t, err, errGone)
	assert.Empty(t, rec.Header().Get("Content-Type"))
}

func TestAnnotatedFrameTakesOverBriefly(t *testing.T) {
	now := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	h := NewMJPEGHandler(func(context.Context, string) ([]byte, error) { return []byte("live"), nil }, 5, zerolog.Nop())
	h.now = func() time.Time { return now }

	events := make(chan pipeline.Event, 2)
	events <- pipeline.Event{Type: pipeline.EventDetectionAdded, CameraID: "cam-1", Frame: []byte("boxed")}
	close(events)
	h.Run(context.Background(), events)

	got, err := h.frame(context.Background(), "cam-1")
	require.NoError(t, err)
	assert.Equal(t, "boxed", string(got))

	got, _ = h.frame(context.Background(), "cam-2")
	assert.Equal(t, "live", string(got))

	now = now.Add(annotatedHold)
	got, _ = h.frame(context.Background(), "cam-1")
	assert.Equal(t, "live", string(got))
}
