package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"hazardwatch/internal/detection"
	"hazardwatch/internal/pipeline"
	"hazardwatch/internal/risk"
)

const defaultAPIBase = "https://api.telegram.org"

// TelegramBot sends hazard alerts to one operator chat
type TelegramBot struct {
	mu          sync.RWMutex
	botToken    string
	chatID      string
	apiBase     string
	enabled     bool
	minSeverity risk.Severity
	cooldown    *detection.Tracker
	httpClient  *http.Client
	log         zerolog.Logger
}

// Config holds Telegram bot configuration
type Config struct {
	BotToken string
	ChatID   string
	Enabled  bool
	// Cooldown applies per (camera, category) on top of the detection cooldown
	Cooldown    time.Duration
	MinSeverity risk.Severity
	// APIBase overrides https://api.telegram.org
	APIBase string
}

// TelegramResponse represents the response from Telegram API
type TelegramResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result,omitempty"`
	ErrorCode   int             `json:"error_code,omitempty"`
	Description string          `json:"description,omitempty"`
}

// NewTelegramBot creates a new Telegram bot instance
func NewTelegramBot(config Config, log zerolog.Logger) *TelegramBot {
	cooldown := config.Cooldown
	if cooldown == 0 {
		cooldown = 30 * time.Second
	}
	minSeverity := config.MinSeverity
	if minSeverity == "" {
		minSeverity = risk.SeverityHigh
	}
	apiBase := config.APIBase
	if apiBase == "" {
		apiBase = defaultAPIBase
	}

	return &TelegramBot{
		botToken:    config.BotToken,
		chatID:      config.ChatID,
		apiBase:     strings.TrimRight(apiBase, "/"),
		enabled:     config.Enabled,
		minSeverity: minSeverity,
		cooldown:    detection.NewTracker(cooldown, nil),
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		log:         log,
	}
}

// ValidateConfig validates the Telegram bot configuration
func ValidateConfig(config Config) error {
	if config.Enabled {
		if config.BotToken == "" {
			return fmt.Errorf("telegram bot token is required when enabled")
		}
		if config.ChatID == "" {
			return fmt.Errorf("telegram chat ID is required when enabled")
		}
	}
	if config.Cooldown < 0 {
		return fmt.Errorf("telegram cooldown cannot be negative")
	}
	return nil
}

// IsEnabled returns whether the bot is enabled
func (tb *TelegramBot) IsEnabled() bool {
	tb.mu.RLock()
	defer tb.mu.RUnlock()
	return tb.enabled && tb.botToken != "" && tb.chatID != ""
}

// SetEnabled enables or disables the bot
func (tb *TelegramBot) SetEnabled(enabled bool) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.enabled = enabled
}

func (tb *TelegramBot) endpoint(method string) string {
	tb.mu.RLock()
	defer tb.mu.RUnlock()
	return fmt.Sprintf("%s/bot%s/%s", tb.apiBase, tb.botToken, method)
}

// SendMessage sends an HTML text message to the configured chat
func (tb *TelegramBot) SendMessage(ctx context.Context, message string) error {
	if !tb.IsEnabled() {
		return fmt.Errorf("telegram bot is disabled")
	}

	tb.mu.RLock()
	payload := map[string]interface{}{
		"chat_id":    tb.chatID,
		"text":       message,
		"parse_mode": "HTML",
	}
	tb.mu.RUnlock()

	_, err := tb.call(ctx, "sendMessage", payload)
	return err
}

// SendPhoto sends a JPEG with an optional HTML caption
func (tb *TelegramBot) SendPhoto(ctx context.Context, photoData []byte, caption string) error {
	if !tb.IsEnabled() {
		return fmt.Errorf("telegram bot is disabled")
	}

	tb.mu.RLock()
	chatID := tb.chatID
	tb.mu.RUnlock()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	if err := writer.WriteField("chat_id", chatID); err != nil {
		return fmt.Errorf("failed to write chat_id field: %w", err)
	}
	if caption != "" {
		if err := writer.WriteField("caption", caption); err != nil {
			return fmt.Errorf("failed to write caption field: %w", err)
		}
		if err := writer.WriteField("parse_mode", "HTML"); err != nil {
			return fmt.Errorf("failed to write parse_mode field: %w", err)
		}
	}

	part, err := writer.CreateFormFile("photo", "hazard.jpg")
	if err != nil {
		return fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(photoData); err != nil {
		return fmt.Errorf("failed to write photo data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tb.endpoint("sendPhoto"), &body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := tb.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send photo: %w", err)
	}
	defer resp.Body.Close()

	_, err = handleResponse(resp)
	return err
}

var severityEmoji = map[risk.Severity]string{
	risk.SeverityLow:      "🟢",
	risk.SeverityMedium:   "🟡",
	risk.SeverityHigh:     "🟠",
	risk.SeverityCritical: "🔴",
}

// formatAlert renders the caption of a hazard alert.
func formatAlert(d risk.Detection) string {
	zoneName, _ := d.Timestamp.Zone()
	timestamp := fmt.Sprintf("%s %s", d.Timestamp.Format("2 Jan 2006, 15:04:05"), zoneName)

	return fmt.Sprintf(
		"🚨 <b>Hazard Alert</b>\n\n"+
			"📹 Camera: %s\n"+
			"⚠️ %s\n"+
			"%s Severity: %s\n"+
			"🎯 Confidence: %.0f%%\n"+
			"🕐 Time: %s",
		html.EscapeString(d.CameraName),
		html.EscapeString(d.Description),
		severityEmoji[d.Severity],
		d.Severity,
		d.Confidence*100,
		timestamp,
	)
}

// SendDetectionAlert sends an alert for d, with the annotated frame when
// one is available.
func (tb *TelegramBot) SendDetectionAlert(ctx context.Context, d risk.Detection, frame []byte) error {
	message := formatAlert(d)
	if len(frame) > 0 {
		return tb.SendPhoto(ctx, frame, message)
	}
	return tb.SendMessage(ctx, message)
}

// SendTestMessage sends a test message to verify the bot configuration
func (tb *TelegramBot) SendTestMessage(ctx context.Context) error {
	now := time.Now()
	zoneName, _ := now.Zone()
	timestamp := fmt.Sprintf("%s %s", now.Format("2 Jan 2006, 15:04:05"), zoneName)

	return tb.SendMessage(ctx, fmt.Sprintf(
		"🤖 <b>Hazardwatch Test Message</b>\n\n"+
			"✅ Telegram bot is working correctly!\n"+
			"🕐 Test sent at: %s",
		timestamp,
	))
}

// shouldAlert applies the severity floor and the alert cooldown.
func (tb *TelegramBot) shouldAlert(d risk.Detection) bool {
	tb.mu.RLock()
	floor := tb.minSeverity
	tb.mu.RUnlock()

	if d.Severity.Rank() < floor.Rank() {
		return false
	}
	return tb.cooldown.Allow(d.CameraID, d.Category)
}

// Run alerts on detection events until ctx is done or events closes.
func (tb *TelegramBot) Run(ctx context.Context, events <-chan pipeline.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Type != pipeline.EventDetectionAdded || ev.Detection == nil || !tb.IsEnabled() {
				continue
			}
			if !tb.shouldAlert(*ev.Detection) {
				continue
			}
			if err := tb.SendDetectionAlert(ctx, *ev.Detection, ev.Frame); err != nil {
				tb.log.Warn().Err(err).Str("camera", ev.CameraID).Msg("failed to send telegram alert")
			}
		}
	}
}

// call posts a JSON payload to a Bot API method
func (tb *TelegramBot) call(ctx context.Context, method string, payload interface{}) (json.RawMessage, error) {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tb.endpoint(method), bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := tb.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	return handleResponse(resp)
}

// handleResponse processes the Telegram API response
func handleResponse(resp *http.Response) (json.RawMessage, error) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	var telegramResp TelegramResponse
	if err := json.Unmarshal(body, &telegramResp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if !telegramResp.OK {
		return nil, fmt.Errorf("telegram API error %d: %s", telegramResp.ErrorCode, telegramResp.Description)
	}
	return telegramResp.Result, nil
}
