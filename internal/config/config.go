package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full client configuration.
type Config struct {
	API      APIConfig      `mapstructure:"api"`
	Progress ProgressConfig `mapstructure:"progress"`
	Archive  ArchiveConfig  `mapstructure:"archive"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// APIConfig configures the research service client.
type APIConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	StreamURL      string        `mapstructure:"stream_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	ReadRetries    int           `mapstructure:"read_retries"`
	ReadRetryDelay time.Duration `mapstructure:"read_retry_delay"`
}

// ProgressConfig tunes the polling and push progress channels.
type ProgressConfig struct {
	PollInterval         time.Duration `mapstructure:"poll_interval"`
	HeartbeatInterval    time.Duration `mapstructure:"heartbeat_interval"`
	ReconnectBaseDelay   time.Duration `mapstructure:"reconnect_base_delay"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts"`
}

// ArchiveConfig locates the local session archive.
type ArchiveConfig struct {
	Path string `mapstructure:"path"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.base_url", "http://localhost:8080")
	v.SetDefault("api.stream_url", "ws://localhost:8080/api/research/stream")
	v.SetDefault("api.request_timeout", 60*time.Second)
	v.SetDefault("api.read_retries", 3)
	v.SetDefault("api.read_retry_delay", 500*time.Millisecond)

	v.SetDefault("progress.poll_interval", 2*time.Second)
	v.SetDefault("progress.heartbeat_interval", 30*time.Second)
	v.SetDefault("progress.reconnect_base_delay", time.Second)
	v.SetDefault("progress.max_reconnect_attempts", 5)

	v.SetDefault("archive.path", "meridian.db")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
}

// Load reads the config file at path, or MERIDIAN_CONFIG, falling back
// to defaults when neither exists. MERIDIAN_* environment variables
// override file values (MERIDIAN_API_BASE_URL and so on).
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("MERIDIAN_CONFIG")
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("MERIDIAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values the client cannot run with.
func (c *Config) Validate() error {
	if c.API.BaseURL == "" {
		return fmt.Errorf("api.base_url cannot be empty")
	}
	if c.Progress.PollInterval < time.Second || c.Progress.PollInterval > 3*time.Second {
		return fmt.Errorf("progress.poll_interval must be between 1s and 3s, got %s", c.Progress.PollInterval)
	}
	if c.Progress.MaxReconnectAttempts < 1 {
		return fmt.Errorf("progress.max_reconnect_attempts must be at least 1")
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format)
	}
	return nil
}
