package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds everything the server reads from the environment.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	Policy PolicyConfig

	StateBackend    string // "sqlite", "redis" or "memory"
	SQLitePath      string
	RedisAddr       string
	RedisPassword   string
	RedisDB         int
	PersistInterval time.Duration

	// HistoryRetention bounds the sqlite detection history; zero keeps everything
	HistoryRetention time.Duration

	DetectorKind     string // "http" or "grpc"
	DetectorEndpoint string
	DetectorMaxWidth int

	ReportEndpoint string
	ReportModel    string
	ReportAPIKey   string
	ReportWindow   int

	MQTTBroker    string
	MQTTClientID  string
	MQTTUsername  string
	MQTTPassword  string
	MQTTBaseTopic string

	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool
	MinioPublicURL string

	TelegramToken    string
	TelegramChatID   string
	TelegramCooldown time.Duration

	AuthEnabled  bool
	AuthUsername string
	AuthPassword string
	JWTSecret    string
	JWTExpiry    time.Duration
}

// PolicyConfig carries the tunable detection and scoring parameters.
type PolicyConfig struct {
	ConfidenceThreshold float64
	CooldownWindow      time.Duration
	DetectionInterval   time.Duration
	IdleInterval        time.Duration
	BusyBackoff         time.Duration
	DecayInterval       time.Duration
	RiskDecayStep       int
	SafetyRecoveryStep  int
	LogCapacity         int
	MaxActiveStreams    int
	// RiskWeights and SafetyPenalties are indexed low, medium, high, critical
	RiskWeights     [4]int
	SafetyPenalties [4]int
}

// LoadDotEnv loads the given .env files into the process environment.
// A missing file is reported but not fatal.
func LoadDotEnv(files ...string) error {
	if err := godotenv.Load(files...); err != nil {
		return fmt.Errorf("load env file: %w", err)
	}
	return nil
}

// FromEnv reads the configuration from environment variables.
func FromEnv() (*Config, error) {
	var errs []string
	e := &envReader{errs: &errs}

	cfg := &Config{
		HTTPAddr:  e.str("HTTP_ADDR", ":8080"),
		LogLevel:  e.str("LOG_LEVEL", "info"),
		LogFormat: e.str("LOG_FORMAT", "console"),

		Policy: PolicyConfig{
			ConfidenceThreshold: e.float("CONFIDENCE_THRESHOLD", 0.6),
			CooldownWindow:      e.duration("COOLDOWN_WINDOW", 8*time.Second),
			DetectionInterval:   e.duration("DETECTION_INTERVAL", 1100*time.Millisecond),
			IdleInterval:        e.duration("IDLE_INTERVAL", 1200*time.Millisecond),
			BusyBackoff:         e.duration("BUSY_BACKOFF", 100*time.Millisecond),
			DecayInterval:       e.duration("DECAY_INTERVAL", 2*time.Second),
			RiskDecayStep:       e.integer("RISK_DECAY_STEP", 2),
			SafetyRecoveryStep:  e.integer("SAFETY_RECOVERY_STEP", 1),
			LogCapacity:         e.integer("LOG_CAPACITY", 100),
			MaxActiveStreams:    e.integer("MAX_ACTIVE_STREAMS", 9),
			RiskWeights:         e.severities("RISK_WEIGHTS", [4]int{5, 10, 20, 35}),
			SafetyPenalties:     e.severities("SAFETY_PENALTIES", [4]int{1, 2, 4, 6}),
		},

		StateBackend:    e.str("STATE_BACKEND", "sqlite"),
		SQLitePath:      e.str("SQLITE_PATH", "hazardwatch.db"),
		RedisAddr:       e.str("REDIS_ADDR", "localhost:6379"),
		RedisPassword:   os.Getenv("REDIS_PASSWORD"),
		RedisDB:         e.integer("REDIS_DB", 0),
		PersistInterval: e.duration("PERSIST_INTERVAL", 5*time.Second),

		HistoryRetention: e.duration("HISTORY_RETENTION", 30*24*time.Hour),

		DetectorKind:     e.str("DETECTOR_KIND", "http"),
		DetectorEndpoint: e.str("DETECTOR_ENDPOINT", "http://localhost:8081"),
		DetectorMaxWidth: e.integer("DETECTOR_MAX_WIDTH", 640),

		ReportEndpoint: os.Getenv("REPORT_ENDPOINT"),
		ReportModel:    e.str("REPORT_MODEL", "gpt-4o-mini"),
		ReportAPIKey:   os.Getenv("REPORT_API_KEY"),
		ReportWindow:   e.integer("REPORT_WINDOW", 20),

		MQTTBroker:    os.Getenv("MQTT_BROKER"),
		MQTTClientID:  e.str("MQTT_CLIENT_ID", "hazardwatch"),
		MQTTUsername:  os.Getenv("MQTT_USERNAME"),
		MQTTPassword:  os.Getenv("MQTT_PASSWORD"),
		MQTTBaseTopic: e.str("MQTT_BASE_TOPIC", "hazardwatch"),

		MinioEndpoint:  os.Getenv("MINIO_ENDPOINT"),
		MinioAccessKey: os.Getenv("MINIO_ACCESS_KEY"),
		MinioSecretKey: os.Getenv("MINIO_SECRET_KEY"),
		MinioBucket:    e.str("MINIO_BUCKET", "hazard-snapshots"),
		MinioUseSSL:    e.boolean("MINIO_USE_SSL", false),
		MinioPublicURL: os.Getenv("MINIO_PUBLIC_BASE_URL"),

		TelegramToken:    os.Getenv("TELEGRAM_BOT_TOKEN"),
		TelegramChatID:   os.Getenv("TELEGRAM_CHAT_ID"),
		TelegramCooldown: e.duration("TELEGRAM_COOLDOWN", 30*time.Second),

		AuthEnabled:  e.boolean("AUTH_ENABLED", false),
		AuthUsername: e.str("AUTH_USERNAME", "admin"),
		AuthPassword: os.Getenv("AUTH_PASSWORD"),
		JWTSecret:    os.Getenv("JWT_SECRET"),
		JWTExpiry:    e.duration("JWT_EXPIRY", 24*time.Hour),
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	p := c.Policy
	switch {
	case p.ConfidenceThreshold < 0 || p.ConfidenceThreshold > 1:
		return fmt.Errorf("CONFIDENCE_THRESHOLD must be within [0,1], got %v", p.ConfidenceThreshold)
	case p.LogCapacity <= 0:
		return fmt.Errorf("LOG_CAPACITY must be positive, got %d", p.LogCapacity)
	case p.MaxActiveStreams < 0:
		return fmt.Errorf("MAX_ACTIVE_STREAMS must not be negative, got %d", p.MaxActiveStreams)
	case p.DetectionInterval <= 0 || p.IdleInterval <= 0 || p.BusyBackoff <= 0 || p.DecayInterval <= 0:
		return fmt.Errorf("scheduler intervals must be positive")
	case p.RiskDecayStep <= 0 || p.SafetyRecoveryStep <= 0:
		return fmt.Errorf("decay steps must be positive")
	case c.PersistInterval <= 0:
		return fmt.Errorf("PERSIST_INTERVAL must be positive, got %v", c.PersistInterval)
	}
	for i := range p.RiskWeights {
		if p.RiskWeights[i] < 0 || p.SafetyPenalties[i] < 0 {
			return fmt.Errorf("RISK_WEIGHTS and SAFETY_PENALTIES must not be negative")
		}
	}

	switch c.StateBackend {
	case "sqlite", "redis", "memory":
	default:
		return fmt.Errorf("STATE_BACKEND must be sqlite, redis or memory, got %q", c.StateBackend)
	}
	switch c.DetectorKind {
	case "http", "grpc":
	default:
		return fmt.Errorf("DETECTOR_KIND must be http or grpc, got %q", c.DetectorKind)
	}
	if c.AuthEnabled && c.AuthPassword == "" {
		return fmt.Errorf("AUTH_PASSWORD is required when AUTH_ENABLED=true")
	}
	return nil
}

type envReader struct {
	errs *[]string
}

func (e *envReader) str(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func (e *envReader) integer(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*e.errs = append(*e.errs, fmt.Sprintf("%s: %v", key, err))
		return def
	}
	return n
}

func (e *envReader) float(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		*e.errs = append(*e.errs, fmt.Sprintf("%s: %v", key, err))
		return def
	}
	return f
}

func (e *envReader) duration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*e.errs = append(*e.errs, fmt.Sprintf("%s: %v", key, err))
		return def
	}
	return d
}

func (e *envReader) boolean(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*e.errs = append(*e.errs, fmt.Sprintf("%s: %v", key, err))
		return def
	}
	return b
}

// severities reads four comma-separated integers ordered low, medium, high,
// critical.
func (e *envReader) severities(key string, def [4]int) [4]int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parts := strings.Split(v, ",")
	if len(parts) != len(def) {
		*e.errs = append(*e.errs, fmt.Sprintf("%s: want %d comma-separated values, got %d", key, len(def), len(parts)))
		return def
	}
	var out [4]int
	for i, part := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			*e.errs = append(*e.errs, fmt.Sprintf("%s: %v", key, err))
			return def
		}
		out[i] = n
	}
	return out
}
