package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"hazardwatch/internal/auth"
	"hazardwatch/internal/camera"
	"hazardwatch/internal/config"
	"hazardwatch/internal/database"
	"hazardwatch/internal/detection"
	"hazardwatch/internal/engine"
	"hazardwatch/internal/logger"
	"hazardwatch/internal/metrics"
	"hazardwatch/internal/notify"
	"hazardwatch/internal/pipeline"
	"hazardwatch/internal/pipeline/detectors"
	"hazardwatch/internal/report"
	"hazardwatch/internal/risk"
	"hazardwatch/internal/services"
	"hazardwatch/internal/state"
	"hazardwatch/internal/stream"
	"hazardwatch/internal/telegram"
	"hazardwatch/internal/ws"
)

const eventBuffer = 256

func main() {
	var (
		addrF = flag.String("addr", "", "HTTP listen address (overrides HTTP_ADDR)")
		envF  = flag.String("env", ".env", "Environment file to load before reading the configuration")
		dbgF  = flag.Bool("debug", false, "Log request and response bodies")
	)
	flag.Parse()

	envErr := config.LoadDotEnv(*envF)
	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *addrF != "" {
		cfg.HTTPAddr = *addrF
	}

	log := logger.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	if *dbgF {
		log = log.Level(zerolog.DebugLevel)
	}
	if envErr != nil {
		log.Debug().Err(envErr).Msg("no env file loaded")
	}

	if err := run(cfg, log, *dbgF); err != nil {
		log.Fatal().Err(err).Msg("hazardwatch stopped")
	}
	log.Info().Msg("exited")
}

func run(cfg *config.Config, log zerolog.Logger, debug bool) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	checks := map[string]services.HealthCheck{}

	store, db, err := openStore(ctx, cfg, checks)
	if err != nil {
		return err
	}
	defer store.Close()

	detector, err := newDetector(cfg)
	if err != nil {
		return err
	}
	defer detector.Close()
	checks["detector"] = func(ctx context.Context) error {
		if !detector.IsHealthy(ctx) {
			return detectors.ErrNoHealthyDetector
		}
		return nil
	}

	grabber := camera.NewFFmpegGrabber()
	registry := camera.NewManager(
		camera.WithMaxActive(cfg.Policy.MaxActiveStreams),
		camera.WithAcquirer(camera.NewV4L2Acquirer(grabber)),
		camera.WithNetworkStreams(camera.NetworkStreams(grabber)),
		camera.WithLogger(logger.Component(log, "camera")),
	)

	m := metrics.New(nil)
	eng := engine.New(registry, enginePolicy(cfg.Policy),
		engine.WithLogger(logger.Component(log, "engine")),
		engine.WithObserver(m),
	)
	m.RegisterSource(eng)

	if err := eng.Load(ctx, store); err != nil {
		return fmt.Errorf("restore state: %w", err)
	}

	scheduler := pipeline.NewScheduler(pipeline.SchedulerConfig{
		DetectionInterval: cfg.Policy.DetectionInterval,
		IdleInterval:      cfg.Policy.IdleInterval,
		BusyBackoff:       cfg.Policy.BusyBackoff,
	}, eng, detector, m, logger.Component(log, "scheduler"))

	authenticator, err := auth.NewAuthenticator(auth.Config{
		Enabled:  cfg.AuthEnabled,
		Username: cfg.AuthUsername,
		Password: cfg.AuthPassword,
		JWT:      auth.JWTConfig{Secret: cfg.JWTSecret, Expiry: cfg.JWTExpiry},
	})
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	var wg sync.WaitGroup
	spawn := func(name string, fn func(ctx context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
			log.Debug().Str("worker", name).Msg("worker stopped")
		}()
	}
	subscribe := func(name string, fn func(ctx context.Context, events <-chan pipeline.Event)) {
		events, unsubscribe := eng.Events().SubscribeChannel(eventBuffer)
		spawn(name, func(ctx context.Context) {
			defer unsubscribe()
			fn(ctx, events)
		})
	}

	spawn("scheduler", scheduler.Run)
	spawn("decay", eng.RunDecay)
	spawn("persist", func(ctx context.Context) { eng.RunPersist(ctx, store, cfg.PersistInterval) })

	var history services.HistoryStore
	if db != nil {
		history = db
		subscribe("recorder", database.NewRecorder(db, cfg.HistoryRetention, logger.Component(log, "recorder")).Run)
	}

	preview := stream.NewMJPEGHandler(eng.Frame, 5, logger.Component(log, "preview"))
	subscribe("preview", preview.Run)

	hub := ws.NewEventHub(true, logger.Component(log, "ws"))
	subscribe("ws", hub.Run)

	if cfg.MQTTBroker != "" {
		client, err := notify.NewMQTTClient(notify.MQTTConfig{
			Broker:   cfg.MQTTBroker,
			ClientID: cfg.MQTTClientID,
			Username: cfg.MQTTUsername,
			Password: cfg.MQTTPassword,
		})
		if err != nil {
			log.Warn().Err(err).Str("broker", cfg.MQTTBroker).Msg("mqtt disabled")
		} else {
			defer client.Close()
			subscribe("mqtt", notify.NewMQTTPublisher(client, cfg.MQTTBaseTopic, logger.Component(log, "mqtt")).Run)
		}
	}

	if cfg.MinioEndpoint != "" {
		images, err := notify.NewMinioStore(ctx, notify.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
			PublicURL: cfg.MinioPublicURL,
		})
		if err != nil {
			log.Warn().Err(err).Str("endpoint", cfg.MinioEndpoint).Msg("snapshot archive disabled")
		} else {
			subscribe("archive", notify.NewArchiver(images, snapshotRecorder(db), logger.Component(log, "archive")).Run)
		}
	}

	bot := telegram.NewTelegramBot(telegram.Config{
		BotToken: cfg.TelegramToken,
		ChatID:   cfg.TelegramChatID,
		Enabled:  cfg.TelegramToken != "" && cfg.TelegramChatID != "",
		Cooldown: cfg.TelegramCooldown,
	}, logger.Component(log, "telegram"))
	if bot.IsEnabled() {
		subscribe("telegram", bot.Run)
		commands := telegram.NewCommandHandler(bot, eng)
		spawn("telegram-commands", func(ctx context.Context) {
			if err := commands.StartPolling(ctx, 2*time.Second); err != nil {
				log.Warn().Err(err).Msg("telegram commands disabled")
			}
		})
	}

	var gen report.Generator
	if cfg.ReportEndpoint != "" {
		gen = report.NewChatGenerator(report.ChatConfig{
			Endpoint: cfg.ReportEndpoint,
			Model:    cfg.ReportModel,
			APIKey:   cfg.ReportAPIKey,
		})
	}

	api := services.NewServer(services.Deps{
		Engine:        eng,
		Authenticator: authenticator,
		Trigger:       scheduler,
		History:       history,
		Reporter:      report.NewService(gen, eng, cfg.ReportWindow, logger.Component(log, "report")),
		Preview:       preview,
		Metrics:       m.Handler(),
		Events:        ws.NewHandler(hub, initialState(eng)),
		Checks:        checks,
	}, logger.Component(log, "http"))

	errc := make(chan error, 1)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	handleHTTPServer(ctx, cfg.HTTPAddr, api, authenticator, &wg, errc, logger.Component(log, "http"), debug)

	log.Info().Int("cameras", len(eng.Cameras())).Str("state", cfg.StateBackend).Str("detector", detector.Name()).Msg("hazardwatch started")

	err = <-errc
	log.Info().Str("reason", err.Error()).Msg("shutting down")

	cancel()
	wg.Wait()
	eng.StopAll()

	if errors.Is(err, errServer) {
		return err
	}
	return nil
}

func enginePolicy(p config.PolicyConfig) engine.Policy {
	policy := engine.DefaultPolicy()
	policy.ConfidenceThreshold = float32(p.ConfidenceThreshold)
	policy.Cooldown = p.CooldownWindow
	policy.DecayInterval = p.DecayInterval
	policy.LogCapacity = p.LogCapacity
	policy.Risk.RiskDecayStep = p.RiskDecayStep
	policy.Risk.SafetyRecoveryStep = p.SafetyRecoveryStep
	for i, sev := range []risk.Severity{risk.SeverityLow, risk.SeverityMedium, risk.SeverityHigh, risk.SeverityCritical} {
		policy.Risk.RiskWeights[sev] = p.RiskWeights[i]
		policy.Risk.SafetyPenalties[sev] = p.SafetyPenalties[i]
	}
	return policy
}

// openStore opens the configured state backend. The sqlite backend also
// returns the database for the detection history.
func openStore(ctx context.Context, cfg *config.Config, checks map[string]services.HealthCheck) (state.Store, *database.Database, error) {
	switch cfg.StateBackend {
	case "sqlite":
		db, err := database.New(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		if err := db.Migrate(ctx); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("migrate %s: %w", cfg.SQLitePath, err)
		}
		checks["database"] = db.Ping
		return db, db, nil
	case "redis":
		rs, err := state.NewRedisStore(ctx, state.RedisConfig{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		if err != nil {
			return nil, nil, err
		}
		checks["redis"] = rs.Ping
		return rs, nil, nil
	default:
		return state.NewMemoryStore(), nil, nil
	}
}

func newDetector(cfg *config.Config) (*detectors.Registry, error) {
	threshold := float32(cfg.Policy.ConfidenceThreshold)

	var d pipeline.Detector
	switch cfg.DetectorKind {
	case "grpc":
		gd, err := detection.NewGRPCDetector(detection.GRPCDetectorConfig{Endpoint: cfg.DetectorEndpoint, ConfThreshold: threshold})
		if err != nil {
			return nil, err
		}
		d = gd
	default:
		d = detection.NewYOLODetector(detection.YOLOConfig{ServiceEndpoint: cfg.DetectorEndpoint, ConfidenceThreshold: threshold})
	}
	return detectors.NewRegistry(detection.WithMaxWidth(d, cfg.DetectorMaxWidth))
}

// snapshotRecorder links archived snapshots to the detection history.
func snapshotRecorder(db *database.Database) notify.StoredFunc {
	if db == nil {
		return nil
	}
	return func(ctx context.Context, d risk.Detection, key, _ string) error {
		return db.SaveDetection(ctx, database.DetectionRecord{Detection: d, SnapshotKey: key})
	}
}

// initialState replays the camera table and the safety score to a new
// websocket client.
func initialState(eng *engine.Engine) ws.InitialState {
	return func(cameraID string) []pipeline.Event {
		now := time.Now()
		var events []pipeline.Event
		for _, c := range eng.Cameras() {
			if cameraID != "" && c.ID != cameraID {
				continue
			}
			c := c
			events = append(events, pipeline.Event{Type: pipeline.EventCameraUpdated, CameraID: c.ID, Camera: &c, Timestamp: now})
		}
		score := eng.Safety()
		events = append(events, pipeline.Event{Type: pipeline.EventScoreChanged, Score: &score, Timestamp: now})
		return events
	}
}
