// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Session store backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Config holds all application configuration.
type Config struct {
	Port           string
	GRPCHealthPort string // "" disables the gRPC health listener
	FrontendURL    string
	DBPath         string
	LogLevel       string
	MaxBodyBytes   int64
	Session        SessionConfig
	Redis          RedisConfig
	Gate           GateConfig
	Completion     CompletionConfig
	WebSocket      WebSocketConfig
}

// SessionConfig selects the anonymous session store backend.
type SessionConfig struct {
	Backend       string
	SweepInterval time.Duration // 0 disables the background sweep
}

// RedisConfig configures the shared session backend.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// GateConfig holds the gating tunables. It can be overridden from YAML.
type GateConfig struct {
	WindowHours             float64       `yaml:"window_hours"`
	MaxMessages             int           `yaml:"max_messages"`
	SoftLimit               int           `yaml:"soft_limit"`
	MaxNonEngagementStrikes int           `yaml:"max_non_engagement_strikes"`
	MaxHonestAttemptStrikes int           `yaml:"max_honest_attempt_strikes"`
	DepthHalfLifeHours      float64       `yaml:"depth_half_life_hours"`
	DepthAlpha              float64       `yaml:"depth_alpha"`
	DepthMinMessageLength   int           `yaml:"depth_min_message_length"`
	DepthModelThreshold     float64       `yaml:"depth_model_threshold"`
	DepthLongMessageLength  int           `yaml:"depth_long_message_length"`
	DepthRaterTimeout       time.Duration `yaml:"depth_rater_timeout"`
}

// Window returns the quota window length.
func (g GateConfig) Window() time.Duration {
	return time.Duration(g.WindowHours * float64(time.Hour))
}

// CompletionConfig configures the completion-service collaborator.
type CompletionConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// Enabled reports whether a completion backend is configured.
func (c CompletionConfig) Enabled() bool {
	return c.APIKey != ""
}

// WebSocketConfig bounds per-connection frame rates on /ws/discovery.
type WebSocketConfig struct {
	MessagesPerSecond float64
	Burst             int
}

type overlayFile struct {
	Gate GateConfig `yaml:"gate"`
}

// Load reads configuration from environment variables. If GATE_CONFIG_FILE is
// set, its gate section overrides the gating tunables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:           getEnv("PORT", "8080"),
		GRPCHealthPort: getEnv("GRPC_HEALTH_PORT", ""),
		FrontendURL:    getEnv("FRONTEND_URL", ""),
		DBPath:         getEnv("DB_PATH", "./data/guestgate.db"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		MaxBodyBytes:   int64(getEnvInt("MAX_REQUEST_BODY_BYTES", 1<<20)),
		Session: SessionConfig{
			Backend:       strings.ToLower(getEnv("SESSION_BACKEND", BackendMemory)),
			SweepInterval: getEnvDuration("SESSION_SWEEP_INTERVAL", 5*time.Minute),
		},
		Redis: RedisConfig{
			Addr:      getEnv("REDIS_ADDR", "localhost:6379"),
			Password:  getEnv("REDIS_PASSWORD", ""),
			DB:        getEnvInt("REDIS_DB", 0),
			KeyPrefix: getEnv("REDIS_KEY_PREFIX", "guestgate:session"),
		},
		Gate: GateConfig{
			WindowHours:             getEnvFloat("DISCOVERY_WINDOW_HOURS", 1),
			MaxMessages:             getEnvInt("DISCOVERY_MAX_MESSAGES", 5),
			SoftLimit:               getEnvInt("DISCOVERY_SOFT_LIMIT", 3),
			MaxNonEngagementStrikes: getEnvInt("MAX_NON_ENGAGEMENT_STRIKES", 3),
			MaxHonestAttemptStrikes: getEnvInt("MAX_HONEST_ATTEMPT_STRIKES", 5),
			DepthHalfLifeHours:      getEnvFloat("DEPTH_HALF_LIFE_HOURS", 24),
			DepthAlpha:              getEnvFloat("DEPTH_ALPHA", 0.4),
			DepthMinMessageLength:   getEnvInt("DEPTH_MIN_MESSAGE_LENGTH", 20),
			DepthModelThreshold:     getEnvFloat("DEPTH_MODEL_THRESHOLD", 0.35),
			DepthLongMessageLength:  getEnvInt("DEPTH_LONG_MESSAGE_LENGTH", 280),
			DepthRaterTimeout:       getEnvDuration("DEPTH_RATER_TIMEOUT", 4*time.Second),
		},
		Completion: CompletionConfig{
			APIKey:  getEnv("COMPLETION_API_KEY", ""),
			BaseURL: getEnv("COMPLETION_BASE_URL", ""),
			Model:   getEnv("COMPLETION_MODEL", "gpt-4o-mini"),
			Timeout: getEnvDuration("COMPLETION_TIMEOUT", 30*time.Second),
		},
		WebSocket: WebSocketConfig{
			MessagesPerSecond: getEnvFloat("WS_MESSAGES_PER_SECOND", 1),
			Burst:             getEnvInt("WS_BURST", 3),
		},
	}

	if path := getEnv("GATE_CONFIG_FILE", ""); path != "" {
		if err := cfg.applyOverlay(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Config) applyOverlay(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read gate config %s: %w", path, err)
	}
	// Decode over a copy of the current values so absent keys keep their env/default value.
	overlay := overlayFile{Gate: c.Gate}
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return fmt.Errorf("parse gate config %s: %w", path, err)
	}
	c.Gate = overlay.Gate
	return nil
}

// Validate checks that all required configuration fields are set.
//
//nolint:gocyclo // Flat list of independent checks.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.MaxBodyBytes <= 0 {
		return fmt.Errorf("MAX_REQUEST_BODY_BYTES must be > 0")
	}
	switch c.Session.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("REDIS_ADDR cannot be empty when SESSION_BACKEND=redis")
		}
	default:
		return fmt.Errorf("unknown SESSION_BACKEND %q", c.Session.Backend)
	}

	g := c.Gate
	if g.WindowHours <= 0 {
		return fmt.Errorf("DISCOVERY_WINDOW_HOURS must be > 0")
	}
	if g.MaxMessages <= 0 {
		return fmt.Errorf("DISCOVERY_MAX_MESSAGES must be > 0")
	}
	if g.SoftLimit < 0 || g.SoftLimit >= g.MaxMessages {
		return fmt.Errorf("DISCOVERY_SOFT_LIMIT must be in [0, DISCOVERY_MAX_MESSAGES)")
	}
	if g.MaxNonEngagementStrikes <= 0 {
		return fmt.Errorf("MAX_NON_ENGAGEMENT_STRIKES must be > 0")
	}
	if g.MaxHonestAttemptStrikes <= 0 {
		return fmt.Errorf("MAX_HONEST_ATTEMPT_STRIKES must be > 0")
	}
	if g.DepthHalfLifeHours <= 0 {
		return fmt.Errorf("DEPTH_HALF_LIFE_HOURS must be > 0")
	}
	if g.DepthAlpha <= 0 || g.DepthAlpha > 1 {
		return fmt.Errorf("DEPTH_ALPHA must be in (0, 1]")
	}
	if g.DepthMinMessageLength < 0 {
		return fmt.Errorf("DEPTH_MIN_MESSAGE_LENGTH must be >= 0")
	}
	if c.WebSocket.MessagesPerSecond <= 0 || c.WebSocket.Burst <= 0 {
		return fmt.Errorf("WS_MESSAGES_PER_SECOND and WS_BURST must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
