package report

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hazardwatch/internal/camera"
	"hazardwatch/internal/risk"
)

type staticSource struct {
	dets   []risk.Detection
	window int
}

func (s *staticSource) Detections(n int) []risk.Detection {
	s.window = n
	if n < len(s.dets) {
		return s.dets[:n]
	}
	return s.dets
}

func (s *staticSource) Cameras() []camera.Camera {
	return []camera.Camera{{Name: "North Dock", Location: "yard", Status: camera.StatusOnline, RiskScore: 35}}
}

func (s *staticSource) Safety() risk.SafetyScore {
	return risk.SafetyScore{Overall: 82, PPE: 70, Behavior: 90, Environment: 95}
}

type generatorFunc func(ctx context.Context, prompt string) (string, error)

func (f generatorFunc) Generate(ctx context.Context, prompt string) (string, error) { return f(ctx, prompt) }

func detections(n int) []risk.Detection {
	out := make([]risk.Detection, n)
	for i := range out {
		out[i] = risk.Detection{
			Category:    risk.CategoryPPE,
			Severity:    risk.SeverityHigh,
			Description: "Worker without hard hat on North Dock",
			Confidence:  0.9,
			Timestamp:   time.Date(2026, 6, 1, 10, 0, i, 0, time.UTC),
		}
	}
	return out
}

func TestBuildPrompt(t *testing.T) {
	src := &staticSource{dets: detections(2)}
	p := BuildPrompt(src.dets, src.Cameras(), src.Safety())

	assert.Contains(t, p, "overall 82, PPE 70")
	assert.Contains(t, p, "- North Dock (yard): status online, risk 35/100")
	assert.Contains(t, p, "Recent detections (2, most recent first)")
	assert.Contains(t, p, "2026-06-01T10:00:01Z [ppe/high] Worker without hard hat on North Dock (confidence 90%)")
}

func TestServiceUsesWindow(t *testing.T) {
	src := &staticSource{dets: detections(30)}
	var prompt string
	svc := NewService(generatorFunc(func(_ context.Context, p string) (string, error) {
		prompt = p
		return "All clear except PPE.", nil
	}), src, 20, zerolog.Nop())

	r := svc.Generate(context.Background())
	assert.False(t, r.Failed)
	assert.Equal(t, "All clear except PPE.", r.Content)
	assert.Equal(t, 20, r.Detections)
	assert.Equal(t, 20, src.window)
	assert.Contains(t, prompt, "Recent detections (20")
}

func TestServiceSurfacesErrorsAsContent(t *testing.T) {
	svc := NewService(generatorFunc(func(context.Context, string) (string, error) {
		return "", errors.New("quota exceeded")
	}), &staticSource{}, 5, zerolog.Nop())

	r := svc.Generate(context.Background())
	assert.True(t, r.Failed)
	assert.Contains(t, r.Content, "quota exceeded")

	r = NewService(nil, &staticSource{}, 5, zerolog.Nop()).Generate(context.Background())
	assert.True(t, r.Failed)
	assert.Equal(t, ErrNotConfigured.Error(), r.Content)
}

func TestChatGenerator(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var req chatRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-model", req.Model)
		assert.Len(t, req.Messages, 2)

		if req.Messages[1].Content == "fail" {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":{"message":"rate limited"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"Shift report"}}]}`))
	}))
	defer srv.Close()

	gen := NewChatGenerator(ChatConfig{Endpoint: srv.URL + "/v1/", Model: "test-model", APIKey: "secret"})

	out, err := gen.Generate(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "Shift report", out)

	_, err = gen.Generate(context.Background(), "fail")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limited")
}
