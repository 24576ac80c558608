package telegram

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hazardwatch/internal/camera"
	"hazardwatch/internal/pipeline"
	"hazardwatch/internal/risk"
)

// fakeAPI records Bot API calls and replies ok.
type fakeAPI struct {
	mu      sync.Mutex
	calls   []string
	texts   []string
	updates []Update
}

func (f *fakeAPI) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]

		f.mu.Lock()
		f.calls = append(f.calls, method)
		var result interface{} = true
		switch method {
		case "sendMessage":
			var payload map[string]interface{}
			body, _ := io.ReadAll(r.Body)
			assert.NoError(t, json.Unmarshal(body, &payload))
			text, _ := payload["text"].(string)
			f.texts = append(f.texts, text)
		case "sendPhoto":
			assert.NoError(t, r.ParseMultipartForm(1<<20))
			f.texts = append(f.texts, r.FormValue("caption"))
		case "getUpdates":
			result = f.updates
			f.updates = nil
		}
		f.mu.Unlock()

		_ = json.NewEncoder(w).Encode(map[string]interface{}{"ok": true, "result": result})
	})
}

func (f *fakeAPI) snapshot() ([]string, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...), append([]string(nil), f.texts...)
}

func newTestBot(t *testing.T, api *fakeAPI) *TelegramBot {
	t.Helper()
	srv := httptest.NewServer(api.handler(t))
	t.Cleanup(srv.Close)
	return NewTelegramBot(Config{
		BotToken: "token",
		ChatID:   "42",
		Enabled:  true,
		Cooldown: time.Minute,
		APIBase:  srv.URL,
	}, zerolog.Nop())
}

func hazard(cam string, sev risk.Severity, cat risk.Category) *risk.Detection {
	return &risk.Detection{
		ID:          cam + string(cat),
		CameraID:    cam,
		CameraName:  "Dock <" + cam + ">",
		Category:    cat,
		Severity:    sev,
		Confidence:  0.91,
		Description: "Worker without hard hat",
		Timestamp:   time.Date(2026, 6, 1, 9, 30, 0, 0, time.UTC),
	}
}

func TestValidateConfig(t *testing.T) {
	assert.NoError(t, ValidateConfig(Config{}))
	assert.Error(t, ValidateConfig(Config{Enabled: true, ChatID: "1"}))
	assert.Error(t, ValidateConfig(Config{Enabled: true, BotToken: "t"}))
	assert.Error(t, ValidateConfig(Config{Cooldown: -time.Second}))
}

func TestDisabledBotRefusesToSend(t *testing.T) {
	bot := NewTelegramBot(Config{BotToken: "t", ChatID: "1"}, zerolog.Nop())
	assert.False(t, bot.IsEnabled())
	assert.Error(t, bot.SendMessage(context.Background(), "hi"))
}

func TestRunAlertsOnSevereDetections(t *testing.T) {
	api := &fakeAPI{}
	bot := newTestBot(t, api)

	events := make(chan pipeline.Event, 8)
	events <- pipeline.Event{Type: pipeline.EventDetectionAdded, CameraID: "a", Detection: hazard("a", risk.SeverityMedium, risk.CategoryPerson)}
	events <- pipeline.Event{Type: pipeline.EventDetectionAdded, CameraID: "a", Detection: hazard("a", risk.SeverityHigh, risk.CategoryPPE), Frame: []byte("jpeg")}
	events <- pipeline.Event{Type: pipeline.EventDetectionAdded, CameraID: "a", Detection: hazard("a", risk.SeverityHigh, risk.CategoryPPE)}
	events <- pipeline.Event{Type: pipeline.EventDetectionAdded, CameraID: "b", Detection: hazard("b", risk.SeverityCritical, risk.CategoryPPE)}
	events <- pipeline.Event{Type: pipeline.EventScoreChanged}
	close(events)

	bot.Run(context.Background(), events)

	calls, texts := api.snapshot()
	assert.Equal(t, []string{"sendPhoto", "sendMessage"}, calls)
	require.Len(t, texts, 2)
	assert.Contains(t, texts[0], "Dock &lt;a&gt;")
	assert.Contains(t, texts[0], "Severity: high")
	assert.Contains(t, texts[0], "91%")
	assert.Contains(t, texts[1], "Severity: critical")
}

type fakeController struct {
	cams    []camera.Camera
	started []string
	stopped bool
}

func (f *fakeController) Cameras() []camera.Camera { return f.cams }
func (f *fakeController) ActiveCount() int { return 1 }
func (f *fakeController) Safety() risk.SafetyScore {
	return risk.SafetyScore{Overall: 88, PPE: 80, Behavior: 95, Environment: 90}
}
func (f *fakeController) Detections(n int) []risk.Detection {
	return []risk.Detection{*hazard("a", risk.SeverityHigh, risk.CategoryPPE)}
}
func (f *fakeController) StartCamera(_ context.Context, id string) error {
	if id == "gone" {
		return camera.ErrNoHardware
	}
	f.started = append(f.started, id)
	return nil
}
func (f *fakeController) StopCamera(string) error { return nil }
func (f *fakeController) StartAll(context.Context, bool) error { return nil }
func (f *fakeController) StopAll() { f.stopped = true }
func (f *fakeController) Frame(context.Context, string) ([]byte, error) { return []byte("jpeg"), nil }

func TestCommands(t *testing.T) {
	ctrl := &fakeController{cams: []camera.Camera{
		{ID: "a", Name: "North Dock", Status: camera.StatusOnline, Active: true, RiskScore: 20},
		{ID: "gone", Name: "Basement", Status: camera.StatusNoHardware},
		{ID: "c", Name: "Gate"},
		{ID: "d", Name: "Gate"},
	}}
	ch := NewCommandHandler(newTestBot(t, &fakeAPI{}), ctrl)
	ctx := context.Background()

	assert.Contains(t, ch.dispatch(ctx, "/cameras", nil), "<b>North Dock</b> risk 20")
	assert.Contains(t, ch.dispatch(ctx, "/safety", nil), "PPE: 80")
	assert.Contains(t, ch.dispatch(ctx, "/status", nil), "Safety: 88/100")
	assert.Contains(t, ch.dispatch(ctx, "/events", []string{"3"}), "Worker without hard hat")

	assert.Contains(t, ch.dispatch(ctx, "/enable", []string{"north", "dock"}), "started")
	assert.Equal(t, []string{"a"}, ctrl.started)
	assert.Contains(t, ch.dispatch(ctx, "/enable", []string{"Basement"}), "no hardware")
	assert.Contains(t, ch.dispatch(ctx, "/enable", []string{"Gate"}), "Multiple cameras")
	assert.Contains(t, ch.dispatch(ctx, "/disable", []string{"c"}), "not running")

	ch.dispatch(ctx, "/stop_all", nil)
	assert.True(t, ctrl.stopped)
	assert.Contains(t, ch.dispatch(ctx, "/bogus", nil), "Unknown command")
}

func TestPollingRepliesOnlyToAuthorizedChat(t *testing.T) {
	api := &fakeAPI{updates: []Update{
		{UpdateID: 7, Message: &TelegramMessage{Chat: &TelegramChat{ID: 99}, Text: "/status"}},
		{UpdateID: 8, Message: &TelegramMessage{Chat: &TelegramChat{ID: 42}, Text: "/safety@hazardbot"}},
	}}
	ch := NewCommandHandler(newTestBot(t, api), &fakeController{})

	require.NoError(t, ch.pollUpdates(context.Background()))
	assert.EqualValues(t, 8, ch.lastUpdateID)

	calls, texts := api.snapshot()
	assert.Equal(t, []string{"getUpdates", "sendMessage"}, calls)
	require.Len(t, texts, 1)
	assert.Contains(t, texts[0], "Safety Score")
}
