package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	// AppDirectoryName is the per-user client data directory name.
	AppDirectoryName = "buzzconnect"

	defaultPort              = 8080
	defaultDatabasePath      = "buzzconnect.db"
	defaultSessionTTL        = 7 * 24 * time.Hour
	defaultPresenceTTL       = 10 * time.Second
	defaultWSRate            = 20
	defaultWSBurst           = 40
	defaultBaseURL           = "http://localhost:8080"
	defaultRequestTimeout    = 10 * time.Second
	defaultTypingIdle        = 3 * time.Second
	defaultKafkaTopic        = "chat.events"
	defaultLogLevel          = "info"
	defaultLogFormat         = "console"
	defaultServiceName       = "buzzconnect"
	defaultTraceSampleRatio  = 1.0
	defaultProfileFetchLimit = 8
)

// Duration accepts "10s", "250ms" or a plain number of seconds in YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*d = 0
		return nil
	}
	raw := strings.TrimSpace(node.Value)
	if raw == "" {
		*d = 0
		return nil
	}
	if td, err := time.ParseDuration(raw); err == nil {
		*d = Duration(td)
		return nil
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		*d = Duration(time.Duration(f * float64(time.Second)))
		return nil
	}
	return fmt.Errorf("invalid duration value: %q", node.Value)
}

func (d Duration) Duration() time.Duration { return time.Duration(d) }

// Config is the complete configuration for both the backend and the client.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Client    ClientConfig    `yaml:"client"`
	Logging   LoggingConfig   `yaml:"logging"`
	Redis     RedisConfig     `yaml:"redis"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

type ServerConfig struct {
	Address      string   `yaml:"address"`
	Port         int      `yaml:"port"`
	DatabasePath string   `yaml:"database_path"`
	SessionTTL   Duration `yaml:"session_ttl"`
	PresenceTTL  Duration `yaml:"presence_ttl"`
	WSRate       float64  `yaml:"ws_rate"`
	WSBurst      int      `yaml:"ws_burst"`
}

// Addr returns host:port for the HTTP listener.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Address, s.Port)
}

type ClientConfig struct {
	BaseURL           string   `yaml:"base_url"`
	RealtimeURL       string   `yaml:"realtime_url"`
	DataDir           string   `yaml:"data_dir"`
	RequestTimeout    Duration `yaml:"request_timeout"`
	TypingIdle        Duration `yaml:"typing_idle"`
	DuplicateWindow   Duration `yaml:"duplicate_window"`
	ProfileFetchLimit int      `yaml:"profile_fetch_limit"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or console
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type TelemetryConfig struct {
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	ServiceName  string  `yaml:"service_name"`
	SampleRatio  float64 `yaml:"sample_ratio"`
}

// Load reads .env (if present), the YAML file at path (if non-empty), applies
// environment overrides and fills defaults.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse PORT: %w", err)
		}
		c.Server.Port = port
	}
	if v := os.Getenv("DATABASE_PATH"); v != "" {
		c.Server.DatabasePath = v
	}
	if v := os.Getenv("BUZZ_BASE_URL"); v != "" {
		c.Client.BaseURL = v
	}
	if v := os.Getenv("BUZZ_REALTIME_URL"); v != "" {
		c.Client.RealtimeURL = v
	}
	if v := os.Getenv("BUZZ_DATA_DIR"); v != "" {
		c.Client.DataDir = v
	}
	if v := os.Getenv("BUZZ_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("BUZZ_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("BUZZ_KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = splitList(v)
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.OTLPEndpoint = v
	}
	return nil
}

// Validate fills defaults and rejects invalid values.
func (c *Config) Validate() error {
	if c.Server.Port == 0 {
		c.Server.Port = defaultPort
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port out of range: %d", c.Server.Port)
	}
	if c.Server.DatabasePath == "" {
		c.Server.DatabasePath = defaultDatabasePath
	}
	if c.Server.SessionTTL <= 0 {
		c.Server.SessionTTL = Duration(defaultSessionTTL)
	}
	if c.Server.PresenceTTL <= 0 {
		c.Server.PresenceTTL = Duration(defaultPresenceTTL)
	}
	if c.Server.WSRate <= 0 {
		c.Server.WSRate = defaultWSRate
	}
	if c.Server.WSBurst <= 0 {
		c.Server.WSBurst = defaultWSBurst
	}

	if c.Client.BaseURL == "" {
		c.Client.BaseURL = defaultBaseURL
	}
	c.Client.BaseURL = strings.TrimRight(c.Client.BaseURL, "/")
	if c.Client.RealtimeURL == "" {
		c.Client.RealtimeURL = realtimeURLFor(c.Client.BaseURL)
	}
	if c.Client.RequestTimeout <= 0 {
		c.Client.RequestTimeout = Duration(defaultRequestTimeout)
	}
	if c.Client.TypingIdle <= 0 {
		c.Client.TypingIdle = Duration(defaultTypingIdle)
	}
	if c.Client.DuplicateWindow < 0 {
		return fmt.Errorf("client duplicate_window must be >= 0")
	}
	if c.Client.ProfileFetchLimit <= 0 {
		c.Client.ProfileFetchLimit = defaultProfileFetchLimit
	}

	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return fmt.Errorf("unknown log format %q", c.Logging.Format)
	}

	if c.Kafka.Topic == "" {
		c.Kafka.Topic = defaultKafkaTopic
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = defaultServiceName
	}
	if c.Telemetry.SampleRatio <= 0 || c.Telemetry.SampleRatio > 1 {
		c.Telemetry.SampleRatio = defaultTraceSampleRatio
	}
	return nil
}

// ResolveDataDir returns the OS-aware client data directory.
//
// If BUZZ_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv("BUZZ_DATA_DIR"); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

func realtimeURLFor(baseURL string) string {
	switch {
	case strings.HasPrefix(baseURL, "https://"):
		return "wss://" + strings.TrimPrefix(baseURL, "https://") + "/ws"
	case strings.HasPrefix(baseURL, "http://"):
		return "ws://" + strings.TrimPrefix(baseURL, "http://") + "/ws"
	default:
		return baseURL + "/ws"
	}
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
