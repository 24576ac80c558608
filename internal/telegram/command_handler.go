package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"strconv"
	"strings"
	"sync"
	"time"

	"hazardwatch/internal/camera"
	"hazardwatch/internal/risk"
)

// Controller is the slice of the engine the chat commands drive
type Controller interface {
	Cameras() []camera.Camera
	ActiveCount() int
	Safety() risk.SafetyScore
	Detections(n int) []risk.Detection
	StartCamera(ctx context.Context, id string) error
	StopCamera(id string) error
	StartAll(ctx context.Context, visibleOnly bool) error
	StopAll()
	Frame(ctx context.Context, id string) ([]byte, error)
}

// Update represents a Telegram update
type Update struct {
	UpdateID int64            `json:"update_id"`
	Message  *TelegramMessage `json:"message,omitempty"`
}

// TelegramMessage is the subset of a Telegram message the handler reads
type TelegramMessage struct {
	MessageID int64         `json:"message_id"`
	Chat      *TelegramChat `json:"chat,omitempty"`
	Date      int64         `json:"date"`
	Text      string        `json:"text,omitempty"`
}

// TelegramChat represents a Telegram chat
type TelegramChat struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
}

// CommandHandler answers operator commands from the configured chat
type CommandHandler struct {
	bot          *TelegramBot
	engine       Controller
	mu           sync.Mutex
	lastUpdateID int64
	startTime    time.Time
}

// NewCommandHandler creates a new command handler
func NewCommandHandler(bot *TelegramBot, engine Controller) *CommandHandler {
	return &CommandHandler{bot: bot, engine: engine, startTime: time.Now()}
}

// StartPolling polls getUpdates every interval until ctx is done
func (ch *CommandHandler) StartPolling(ctx context.Context, interval time.Duration) error {
	if !ch.bot.IsEnabled() {
		return fmt.Errorf("telegram bot is disabled")
	}

	ch.bot.log.Info().Msg("telegram command polling started")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := ch.pollUpdates(ctx); err != nil && ctx.Err() == nil {
				ch.bot.log.Warn().Err(err).Msg("failed to poll telegram updates")
			}
		}
	}
}

// pollUpdates fetches and processes pending updates
func (ch *CommandHandler) pollUpdates(ctx context.Context) error {
	ch.mu.Lock()
	offset := ch.lastUpdateID + 1
	ch.mu.Unlock()

	result, err := ch.bot.call(ctx, "getUpdates", map[string]interface{}{"offset": offset, "timeout": 1})
	if err != nil {
		return err
	}

	var updates []Update
	if err := json.Unmarshal(result, &updates); err != nil {
		return fmt.Errorf("failed to parse updates: %w", err)
	}

	for _, update := range updates {
		ch.mu.Lock()
		if update.UpdateID > ch.lastUpdateID {
			ch.lastUpdateID = update.UpdateID
		}
		ch.mu.Unlock()

		if update.Message != nil {
			ch.handleMessage(ctx, update.Message)
		}
	}
	return nil
}

// handleMessage processes an incoming message
func (ch *CommandHandler) handleMessage(ctx context.Context, msg *TelegramMessage) {
	if msg.Chat == nil {
		return
	}

	ch.bot.mu.RLock()
	authorized := ch.bot.chatID
	ch.bot.mu.RUnlock()

	// Only the configured chat may issue commands
	if strconv.FormatInt(msg.Chat.ID, 10) != authorized {
		ch.bot.log.Warn().Int64("chat", msg.Chat.ID).Msg("ignoring message from unauthorized chat")
		return
	}
	if !strings.HasPrefix(msg.Text, "/") {
		return
	}

	parts := strings.Fields(msg.Text)
	command := strings.ToLower(parts[0])
	args := parts[1:]

	// Strip the bot username suffix (e.g. /status@mybot)
	if at := strings.Index(command, "@"); at != -1 {
		command = command[:at]
	}

	if command == "/snapshot" {
		ch.handleSnapshot(ctx, args)
		return
	}

	response := ch.dispatch(ctx, command, args)
	if response == "" {
		return
	}
	if err := ch.bot.SendMessage(ctx, response); err != nil {
		ch.bot.log.Warn().Err(err).Msg("failed to send telegram reply")
	}
}

func (ch *CommandHandler) dispatch(ctx context.Context, command string, args []string) string {
	switch command {
	case "/start", "/help":
		return ch.handleHelp()
	case "/status":
		return ch.handleStatus()
	case "/cameras":
		return ch.handleCameras()
	case "/safety":
		return ch.handleSafety()
	case "/events":
		return ch.handleEvents(args)
	case "/enable":
		return ch.handleEnableCamera(ctx, args)
	case "/disable":
		return ch.handleDisableCamera(args)
	case "/start_all":
		if err := ch.engine.StartAll(ctx, false); err != nil {
			return fmt.Sprintf("❌ Some cameras failed to start: %s", html.EscapeString(err.Error()))
		}
		return fmt.Sprintf("✅ %d cameras streaming.", ch.engine.ActiveCount())
	case "/stop_all":
		ch.engine.StopAll()
		return "🛑 All cameras stopped."
	default:
		return fmt.Sprintf("Unknown command: %s\nUse /help to see available commands.", html.EscapeString(command))
	}
}

func (ch *CommandHandler) handleHelp() string {
	return "📋 <b>Available Commands</b>\n\n" +
		"<b>System</b>\n" +
		"/status - System status\n" +
		"/safety - Site safety score\n" +
		"/cameras - List cameras with risk\n\n" +
		"<b>Camera Control</b>\n" +
		"/enable &lt;name&gt; - Start a camera\n" +
		"/disable &lt;name&gt; - Stop a camera\n" +
		"/start_all - Start every camera\n" +
		"/stop_all - Stop every camera\n\n" +
		"<b>Detections</b>\n" +
		"/snapshot &lt;name&gt; - Capture frame from camera\n" +
		"/events [limit] - Recent hazards\n\n" +
		"/help - Show this help"
}

func (ch *CommandHandler) handleStatus() string {
	cameras := ch.engine.Cameras()
	safety := ch.engine.Safety()

	return fmt.Sprintf(
		"📊 <b>System Status</b>\n\n"+
			"📹 Cameras: %d total, %d streaming\n"+
			"🛡️ Safety: %d/100\n"+
			"⏱️ Uptime: %s",
		len(cameras), ch.engine.ActiveCount(),
		safety.Overall,
		formatDuration(time.Since(ch.startTime)),
	)
}

var statusIcon = map[camera.Status]string{
	camera.StatusOnline:     "🟢",
	camera.StatusConnecting: "🟡",
	camera.StatusOffline:    "⚪",
	camera.StatusNoHardware: "🔴",
}

func (ch *CommandHandler) handleCameras() string {
	cameras := ch.engine.Cameras()
	if len(cameras) == 0 {
		return "📹 <b>Cameras</b>\n\nNo cameras configured."
	}

	var sb strings.Builder
	sb.WriteString("📹 <b>Cameras</b>\n\n")
	for _, cam := range cameras {
		fmt.Fprintf(&sb, "%s <b>%s</b> risk %d\n", statusIcon[cam.Status], html.EscapeString(cam.Name), cam.RiskScore)
		if cam.Location != "" {
			fmt.Fprintf(&sb, "   %s\n", html.EscapeString(cam.Location))
		}
	}
	return sb.String()
}

func (ch *CommandHandler) handleSafety() string {
	s := ch.engine.Safety()
	return fmt.Sprintf(
		"🛡️ <b>Safety Score</b>\n\n"+
			"Overall: %d\n"+
			"PPE: %d\n"+
			"Behavior: %d\n"+
			"Environment: %d",
		s.Overall, s.PPE, s.Behavior, s.Environment,
	)
}

func (ch *CommandHandler) handleEvents(args []string) string {
	limit := 5
	if len(args) > 0 {
		if n, err := strconv.Atoi(args[0]); err == nil && n > 0 && n <= 20 {
			limit = n
		}
	}

	events := ch.engine.Detections(limit)
	if len(events) == 0 {
		return "📋 <b>Recent Hazards</b>\n\nNothing detected."
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "📋 <b>Recent Hazards</b> (last %d)\n\n", len(events))
	for i, d := range events {
		fmt.Fprintf(&sb, "%d. %s %s\n   %s\n", i+1,
			severityEmoji[d.Severity], d.Timestamp.Format("Jan 2, 15:04:05"), html.EscapeString(d.Description))
	}
	return sb.String()
}

func (ch *CommandHandler) handleEnableCamera(ctx context.Context, args []string) string {
	if len(args) == 0 {
		return "⚠️ Usage: /enable &lt;camera_name&gt;"
	}
	cam, err := ch.findCameraByNameOrID(strings.Join(args, " "))
	if err != nil {
		return err.Error()
	}

	switch err := ch.engine.StartCamera(ctx, cam.ID); {
	case errors.Is(err, camera.ErrCapacityReached):
		return "⚠️ Stream limit reached, stop another camera first."
	case errors.Is(err, camera.ErrNoHardware):
		return fmt.Sprintf("🔴 Camera '%s' has no hardware. Reconfigure it to retry.", html.EscapeString(cam.Name))
	case err != nil:
		return fmt.Sprintf("❌ Failed to start camera: %s", html.EscapeString(err.Error()))
	}
	return fmt.Sprintf("✅ Camera '%s' started.", html.EscapeString(cam.Name))
}

func (ch *CommandHandler) handleDisableCamera(args []string) string {
	if len(args) == 0 {
		return "⚠️ Usage: /disable &lt;camera_name&gt;"
	}
	cam, err := ch.findCameraByNameOrID(strings.Join(args, " "))
	if err != nil {
		return err.Error()
	}
	if !cam.Active {
		return fmt.Sprintf("ℹ️ Camera '%s' is not running.", html.EscapeString(cam.Name))
	}
	if err := ch.engine.StopCamera(cam.ID); err != nil {
		return fmt.Sprintf("❌ Failed to stop camera: %s", html.EscapeString(err.Error()))
	}
	return fmt.Sprintf("🛑 Camera '%s' stopped.", html.EscapeString(cam.Name))
}

func (ch *CommandHandler) handleSnapshot(ctx context.Context, args []string) {
	reply := func(msg string) {
		if err := ch.bot.SendMessage(ctx, msg); err != nil {
			ch.bot.log.Warn().Err(err).Msg("failed to send telegram reply")
		}
	}

	if len(args) == 0 {
		reply("⚠️ Usage: /snapshot &lt;camera_name&gt;")
		return
	}
	cam, err := ch.findCameraByNameOrID(strings.Join(args, " "))
	if err != nil {
		reply(err.Error())
		return
	}

	frame, err := ch.engine.Frame(ctx, cam.ID)
	if err != nil {
		reply(fmt.Sprintf("❌ Failed to capture frame: %s", html.EscapeString(err.Error())))
		return
	}

	caption := fmt.Sprintf("📸 <b>Snapshot</b>\n\n📹 Camera: %s\n⚠️ Risk: %d",
		html.EscapeString(cam.Name), cam.RiskScore)
	if err := ch.bot.SendPhoto(ctx, frame, caption); err != nil {
		reply(fmt.Sprintf("❌ Failed to send snapshot: %s", html.EscapeString(err.Error())))
	}
}

// findCameraByNameOrID resolves an ID first, then a unique case-insensitive name
func (ch *CommandHandler) findCameraByNameOrID(nameOrID string) (camera.Camera, error) {
	cameras := ch.engine.Cameras()
	for _, cam := range cameras {
		if cam.ID == nameOrID {
			return cam, nil
		}
	}

	var matches []camera.Camera
	for _, cam := range cameras {
		if strings.EqualFold(cam.Name, nameOrID) {
			matches = append(matches, cam)
		}
	}

	switch len(matches) {
	case 0:
		return camera.Camera{}, fmt.Errorf("❌ Camera not found: %s\n\nUse /cameras to see available cameras.", html.EscapeString(nameOrID))
	case 1:
		return matches[0], nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "⚠️ Multiple cameras named '%s'. Use camera ID:\n\n", html.EscapeString(nameOrID))
	for _, cam := range matches {
		fmt.Fprintf(&sb, "• %s\n", cam.ID)
	}
	return camera.Camera{}, errors.New(sb.String())
}

func formatDuration(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	return fmt.Sprintf("%dm", minutes)
}
