// Package report turns the recent detection window into an incident summary
// written by an external language model.
package report

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"hazardwatch/internal/camera"
	"hazardwatch/internal/risk"
)

// Generator produces text from a prompt
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// ErrNotConfigured is returned when no generator endpoint is set
var ErrNotConfigured = errors.New("report generation is not configured")

// ChatConfig configures an OpenAI-compatible chat completion endpoint
type ChatConfig struct {
	Endpoint string // base URL, e.g. https://api.openai.com/v1
	Model    string
	APIKey   string
	Timeout  time.Duration
}

// ChatGenerator calls POST {endpoint}/chat/completions
type ChatGenerator struct {
	config     ChatConfig
	httpClient *http.Client
}

// NewChatGenerator creates a chat completion client
func NewChatGenerator(config ChatConfig) *ChatGenerator {
	if config.Timeout == 0 {
		config.Timeout = 60 * time.Second
	}
	config.Endpoint = strings.TrimRight(config.Endpoint, "/")
	return &ChatGenerator{config: config, httpClient: &http.Client{Timeout: config.Timeout}}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

const systemPrompt = "You are a site safety officer. Write a short incident report for the shift supervisor: " +
	"summarize the hazards, name the cameras with the highest risk, and recommend concrete actions."

// Generate implements Generator.
func (g *ChatGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model: g.config.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: prompt},
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.config.Endpoint+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if g.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.config.APIKey)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("report request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	var out chatResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("report service returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out.Error != nil {
		return "", fmt.Errorf("report service error: %s", out.Error.Message)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("report service returned status %d", resp.StatusCode)
	}
	if len(out.Choices) == 0 || strings.TrimSpace(out.Choices[0].Message.Content) == "" {
		return "", fmt.Errorf("report service returned no content")
	}
	return out.Choices[0].Message.Content, nil
}

// Source supplies the state a report describes
type Source interface {
	Detections(n int) []risk.Detection
	Cameras() []camera.Camera
	Safety() risk.SafetyScore
}

// Report is a generated summary. Failed is set when Content carries the
// generator's error instead of a summary.
type Report struct {
	Content     string    `json:"content"`
	Failed      bool      `json:"failed"`
	Detections  int       `json:"detections"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Service builds prompts and never fails: generator errors become the
// report content.
type Service struct {
	gen    Generator
	source Source
	window int
	log    zerolog.Logger
}

// NewService creates a report service reading at most window log entries.
// gen may be nil.
func NewService(gen Generator, source Source, window int, log zerolog.Logger) *Service {
	if window <= 0 {
		window = 20
	}
	return &Service{gen: gen, source: source, window: window, log: log}
}

// Generate writes a report for the current state.
func (s *Service) Generate(ctx context.Context) Report {
	detections := s.source.Detections(s.window)
	r := Report{Detections: len(detections), GeneratedAt: time.Now().UTC()}

	if s.gen == nil {
		r.Content, r.Failed = ErrNotConfigured.Error(), true
		return r
	}

	content, err := s.gen.Generate(ctx, BuildPrompt(detections, s.source.Cameras(), s.source.Safety()))
	if err != nil {
		s.log.Warn().Err(err).Msg("report generation failed")
		r.Content, r.Failed = fmt.Sprintf("Report generation failed: %v", err), true
		return r
	}
	r.Content = content
	return r
}

// BuildPrompt renders detections (most recent first), the camera risk table
// and the safety score as plain text.
func BuildPrompt(detections []risk.Detection, cameras []camera.Camera, safety risk.SafetyScore) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "Site safety score: overall %d, PPE %d, behavior %d, environment %d.\n\n",
		safety.Overall, safety.PPE, safety.Behavior, safety.Environment)

	sb.WriteString("Cameras:\n")
	if len(cameras) == 0 {
		sb.WriteString("- none configured\n")
	}
	for _, c := range cameras {
		location := c.Location
		if location == "" {
			location = "unspecified location"
		}
		fmt.Fprintf(&sb, "- %s (%s): status %s, risk %d/100\n", c.Name, location, c.Status, c.RiskScore)
	}

	fmt.Fprintf(&sb, "\nRecent detections (%d, most recent first):\n", len(detections))
	if len(detections) == 0 {
		sb.WriteString("- none\n")
	}
	for _, d := range detections {
		fmt.Fprintf(&sb, "- %s [%s/%s] %s (confidence %.0f%%)\n",
			d.Timestamp.UTC().Format(time.RFC3339), d.Category, d.Severity, d.Description, d.Confidence*100)
	}
	return sb.String()
}
